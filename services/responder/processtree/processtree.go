// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package processtree tracks per-host process ancestry.
//
// Processes are keyed by a host-unique GUID because operating systems reuse
// PIDs. A PID index maps each PID to every GUID ever seen with it, so a
// lookup by PID may resolve to several unrelated lineages.
//
// # Failure Semantics
//
// Unknown GUIDs and PIDs produce empty results, never errors. Ancestry may
// be incomplete because not every ancestor was observed.
//
// # Thread Safety
//
// Tree and Registry are safe for concurrent use.
package processtree

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

// Traits carried by process facts.
const (
	TraitPID        = "host.process.id"
	TraitGUID       = "host.process.guid"
	TraitParentGUID = "host.process.parentguid"
)

// Edges emitted by the process parsers.
const (
	EdgeHasGUID             = "has_guid"
	EdgeHasChildProcessID   = "has_childprocess_id"
	EdgeHasChildProcessGUID = "has_childprocess_guid"
	EdgeHasParentID         = "has_parentid"
)

// ProcessNode is one observed process.
type ProcessNode struct {
	GUID       string      `json:"guid"`
	PID        int         `json:"pid"`
	Link       *model.Link `json:"-"`
	ParentGUID string      `json:"parent_guid,omitempty"`
	ChildGUIDs []string    `json:"child_guids,omitempty"`
}

// Host returns the host of the link that discovered the node.
func (n *ProcessNode) Host() string {
	if n.Link == nil {
		return ""
	}
	return n.Link.Host
}

// AddChild records childGUID as a child unless both nodes were observed by
// links on different hosts. A node without a link is taken to be on its
// tree's host. Returns false if the child was rejected or already present.
func (n *ProcessNode) AddChild(childGUID string, childLink *model.Link) bool {
	if n.Link != nil && childLink != nil && n.Host() != childLink.Host {
		return false
	}
	for _, g := range n.ChildGUIDs {
		if g == childGUID {
			return false
		}
	}
	n.ChildGUIDs = append(n.ChildGUIDs, childGUID)
	return true
}

// Tree is the process ancestry of one host.
type Tree struct {
	ID   string
	Host string

	mu    sync.RWMutex
	nodes map[string]*ProcessNode
	pids  map[int][]string
}

// NewTree creates an empty tree for host.
func NewTree(host string) *Tree {
	return &Tree{
		ID:    uuid.NewString(),
		Host:  host,
		nodes: make(map[string]*ProcessNode),
		pids:  make(map[int][]string),
	}
}

// AddProcessNode registers a process.
//
// Description:
//
//	Adds guid to the PID index and, when parentGUID is registered, to the
//	parent's child list. Nodes registered earlier whose parent is guid are
//	adopted. An edge the parent rejects is dropped from the child as well,
//	so Children and FindOriginalProcessByPID always agree. A GUID that is
//	already registered is left unchanged.
//
// Inputs:
//
//	guid - Host-unique process identity. Empty GUIDs are ignored.
//	pid - Operating system process ID.
//	link - Link that observed the process; its host scopes the parent edge.
//	parentGUID - Parent identity, or "" when unknown.
//
// Outputs:
//
//	bool - True when a new node was added.
func (t *Tree) AddProcessNode(guid string, pid int, link *model.Link, parentGUID string) bool {
	if guid == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.nodes[guid]; exists {
		return false
	}
	node := &ProcessNode{GUID: guid, PID: pid, Link: link, ParentGUID: parentGUID}
	t.nodes[guid] = node
	t.pids[pid] = append(t.pids[pid], guid)

	if parent, ok := t.nodes[parentGUID]; ok && parentGUID != "" {
		if !parent.AddChild(guid, link) && !contains(parent.ChildGUIDs, guid) {
			node.ParentGUID = ""
		}
	}
	for g, other := range t.nodes {
		if other.ParentGUID == guid && g != guid {
			if !node.AddChild(g, other.Link) && !contains(node.ChildGUIDs, g) {
				other.ParentGUID = ""
			}
		}
	}
	sort.Strings(node.ChildGUIDs)
	return true
}

// Node returns a copy of the node for guid.
func (t *Tree) Node(guid string) (ProcessNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[guid]
	if !ok {
		return ProcessNode{}, false
	}
	cp := *n
	cp.ChildGUIDs = append([]string(nil), n.ChildGUIDs...)
	return cp, true
}

// GUIDsForPID returns every GUID observed with pid, in registration order.
func (t *Tree) GUIDsForPID(pid int) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.pids[pid]...)
}

// Children returns the child GUIDs of guid.
func (t *Tree) Children(guid string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n, ok := t.nodes[guid]; ok {
		return append([]string(nil), n.ChildGUIDs...)
	}
	return nil
}

// Roots returns the GUIDs whose parent is unknown or unregistered, sorted.
func (t *Tree) Roots() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for g, n := range t.nodes {
		if _, ok := t.nodes[n.ParentGUID]; !ok || n.ParentGUID == "" {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered processes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// FindOriginalProcessByPID walks every lineage that pid belongs to up to its
// topmost observed ancestor and returns the distinct ancestor PIDs.
//
// Several PIDs are returned when pid was reused by unrelated lineages;
// choosing between them is left to the caller. An unknown pid yields nil.
func (t *Tree) FindOriginalProcessByPID(pid int) []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []int
	seen := make(map[int]struct{})
	for _, guid := range t.pids[pid] {
		top := t.topmost(guid)
		p := t.nodes[top].PID
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

// topmost follows parent pointers from guid. Caller holds t.mu.
func (t *Tree) topmost(guid string) string {
	visited := map[string]struct{}{guid: {}}
	cur := guid
	for {
		parent := t.nodes[cur].ParentGUID
		if _, ok := t.nodes[parent]; !ok || parent == "" {
			return cur
		}
		if _, loop := visited[parent]; loop {
			return cur
		}
		visited[parent] = struct{}{}
		cur = parent
	}
}

func contains(guids []string, guid string) bool {
	for _, g := range guids {
		if g == guid {
			return true
		}
	}
	return false
}

// Registry holds one Tree per host, created on first use.
type Registry struct {
	mu    sync.Mutex
	trees map[string]*Tree
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{trees: make(map[string]*Tree)}
}

// Tree returns the tree for host, creating it if needed.
func (r *Registry) Tree(host string) *Tree {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trees[host]
	if !ok {
		t = NewTree(host)
		r.trees[host] = t
	}
	return t
}

// Lookup returns the tree for host without creating it.
func (r *Registry) Lookup(host string) (*Tree, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trees[host]
	return t, ok
}

// Hosts returns the hosts with a tree, sorted.
func (r *Registry) Hosts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.trees))
	for h := range r.trees {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// FindOriginalProcessByPID resolves pid on host. Hosts without a tree
// yield nil.
func (r *Registry) FindOriginalProcessByPID(pid int, host string) []int {
	t, ok := r.Lookup(host)
	if !ok {
		return nil
	}
	return t.FindOriginalProcessByPID(pid)
}
