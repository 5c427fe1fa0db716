// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package processtree

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

func hostLink(host string) *model.Link {
	return &model.Link{ID: host + "-link", Paw: "agent-" + host, Host: host}
}

// TestFindOriginalProcessByPID_ParentChain verifies a two-level lineage.
func TestFindOriginalProcessByPID_ParentChain(t *testing.T) {
	reg := NewRegistry()
	tree := reg.Tree("h1")
	link := hostLink("h1")

	require.True(t, tree.AddProcessNode("g1", 100, link, ""))
	require.True(t, tree.AddProcessNode("g2", 200, link, "g1"))

	assert.Equal(t, []int{100}, reg.FindOriginalProcessByPID(200, "h1"))
	assert.Equal(t, []int{100}, reg.FindOriginalProcessByPID(100, "h1"))
	assert.Equal(t, []string{"g2"}, tree.Children("g1"))
	assert.Equal(t, []string{"g1"}, tree.Roots())
}

// TestFindOriginalProcessByPID_Unknown verifies missing data is empty.
func TestFindOriginalProcessByPID_Unknown(t *testing.T) {
	reg := NewRegistry()
	assert.Nil(t, reg.FindOriginalProcessByPID(1, "nohost"))

	reg.Tree("h1").AddProcessNode("g1", 100, hostLink("h1"), "")
	assert.Empty(t, reg.FindOriginalProcessByPID(999, "h1"))
	assert.Equal(t, []string{"h1"}, reg.Hosts())
}

// TestFindOriginalProcessByPID_PIDReuse verifies ambiguous lineages are all returned.
func TestFindOriginalProcessByPID_PIDReuse(t *testing.T) {
	tree := NewTree("h1")
	link := hostLink("h1")

	tree.AddProcessNode("a-root", 10, link, "")
	tree.AddProcessNode("a-child", 500, link, "a-root")
	tree.AddProcessNode("b-root", 20, link, "")
	tree.AddProcessNode("b-mid", 30, link, "b-root")
	tree.AddProcessNode("b-child", 500, link, "b-mid")

	assert.Equal(t, []string{"a-child", "b-child"}, tree.GUIDsForPID(500))
	assert.ElementsMatch(t, []int{10, 20}, tree.FindOriginalProcessByPID(500))
}

// TestAddProcessNode_OrphanAdoption verifies a late parent picks up its children.
func TestAddProcessNode_OrphanAdoption(t *testing.T) {
	tree := NewTree("h1")
	link := hostLink("h1")

	tree.AddProcessNode("child", 2, link, "parent")
	assert.Equal(t, []int{2}, tree.FindOriginalProcessByPID(2))

	tree.AddProcessNode("parent", 1, link, "")
	assert.Equal(t, []string{"child"}, tree.Children("parent"))
	assert.Equal(t, []int{1}, tree.FindOriginalProcessByPID(2))

	assert.False(t, tree.AddProcessNode("child", 3, link, ""), "duplicate GUID is ignored")
	assert.False(t, tree.AddProcessNode("", 3, link, ""))
	assert.Equal(t, 2, tree.Len())
}

// TestAddChild_CrossHostRejected verifies the same-host restriction.
func TestAddChild_CrossHostRejected(t *testing.T) {
	tree := NewTree("h1")
	tree.AddProcessNode("g1", 100, hostLink("h1"), "")
	tree.AddProcessNode("g2", 200, hostLink("h2"), "g1")

	assert.Empty(t, tree.Children("g1"))
	node, ok := tree.Node("g2")
	require.True(t, ok)
	assert.Empty(t, node.ParentGUID)
	assert.Equal(t, []int{200}, tree.FindOriginalProcessByPID(200))
	assert.Equal(t, []string{"g1", "g2"}, tree.Roots())

	// The same holds when the child was registered first.
	tree.AddProcessNode("g4", 400, hostLink("h2"), "g3")
	tree.AddProcessNode("g3", 300, hostLink("h1"), "")
	assert.Empty(t, tree.Children("g3"))
	assert.Equal(t, []int{400}, tree.FindOriginalProcessByPID(400))
}

// TestAddProcessNode_WithoutLinks verifies nodes recorded without a link
// keep parent and child edges in agreement.
func TestAddProcessNode_WithoutLinks(t *testing.T) {
	tree := NewTree("h1")
	require.True(t, tree.AddProcessNode("g1", 100, nil, ""))
	require.True(t, tree.AddProcessNode("g2", 200, nil, "g1"))

	assert.Equal(t, []string{"g2"}, tree.Children("g1"))
	assert.Equal(t, []int{100}, tree.FindOriginalProcessByPID(200))
	assert.Equal(t, []string{"g1"}, tree.Roots())

	require.True(t, tree.AddProcessNode("g3", 300, hostLink("h1"), "g1"))
	assert.Equal(t, []string{"g2", "g3"}, tree.Children("g1"))
}

// TestFindOriginalProcessByPID_Cycle verifies corrupt parent loops terminate.
func TestFindOriginalProcessByPID_Cycle(t *testing.T) {
	tree := NewTree("h1")
	link := hostLink("h1")
	tree.AddProcessNode("x", 1, link, "y")
	tree.AddProcessNode("y", 2, link, "x")

	assert.Len(t, tree.FindOriginalProcessByPID(1), 1)
}

// TestChildrenFromRelationships verifies pairing and has_guid overrides.
func TestChildrenFromRelationships(t *testing.T) {
	parent := model.Fact{Trait: TraitGUID, Value: "p"}
	rels := []model.Relationship{
		model.NewRelationship(parent, EdgeHasChildProcessID, model.Fact{Trait: TraitPID, Value: "11"}),
		model.NewRelationship(parent, EdgeHasChildProcessID, model.Fact{Trait: TraitPID, Value: "12"}),
		model.NewRelationship(parent, EdgeHasChildProcessGUID, model.Fact{Trait: TraitGUID, Value: "{c1}"}),
		model.NewRelationship(parent, EdgeHasChildProcessGUID, model.Fact{Trait: TraitGUID, Value: "c2"}),
		model.NewRelationship(model.Fact{Trait: TraitPID, Value: "12"}, EdgeHasGUID, model.Fact{Trait: TraitGUID, Value: "c2-real"}),
		model.NewRelationship(model.Fact{Trait: TraitGUID, Value: "other"}, EdgeHasChildProcessGUID, model.Fact{Trait: TraitGUID, Value: "x"}),
	}

	children := ChildrenFromRelationships("p", rels)
	assert.Equal(t, []Child{{GUID: "c1", PID: 11}, {GUID: "c2-real", PID: 12}}, children)

	assert.Empty(t, ChildrenFromRelationships("p", nil))
}

// TestTree_ConcurrentAdds verifies the tree tolerates concurrent writers.
func TestTree_ConcurrentAdds(t *testing.T) {
	tree := NewTree("h1")
	link := hostLink("h1")
	tree.AddProcessNode("root", 1, link, "")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tree.AddProcessNode(string(rune('A'+i)), 100+i, link, "root")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 51, tree.Len())
	assert.Len(t, tree.Children("root"), 50)
}
