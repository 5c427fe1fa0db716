// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianResponder/pkg/ux"
	"github.com/AleutianAI/AleutianResponder/services/responder/processtree"
)

// printSummary prints the operation's planner state and agents, highest
// severity first.
func printSummary(w io.Writer, a *app) {
	p := ux.NewPrinter(w)
	state := a.planner.Snapshot()

	next := state.NextBucket
	if next == "" {
		next = "finished"
	}
	p.Title("Operation " + a.op.Name)
	p.Fields([][2]string{
		{"ID", a.op.ID},
		{"Next bucket", next},
		{"Cycles", strconv.Itoa(state.Cycles)},
		{"Links run", strconv.Itoa(a.op.ChainLen())},
		{"Detections hunted", strconv.Itoa(len(state.LinksHunted))},
		{"Detections responded", strconv.Itoa(len(state.LinksResponded))},
	})

	agents := a.op.Agents()
	sort.SliceStable(agents, func(i, j int) bool {
		si, sj := state.Severity[agents[i].Paw], state.Severity[agents[j].Paw]
		if si != sj {
			return si > sj
		}
		return agents[i].Paw < agents[j].Paw
	})
	rows := make([][]string, 0, len(agents))
	for _, agent := range agents {
		rows = append(rows, []string{
			agent.Paw,
			agent.Host,
			agent.Platform,
			strconv.FormatFloat(state.Severity[agent.Paw], 'f', -1, 64),
		})
	}
	p.Table([]string{"PAW", "HOST", "PLATFORM", "SEVERITY"}, rows)
}

// printTree prints host's process tree, one indented line per process.
func printTree(p *ux.Printer, trees *processtree.Registry, host string) {
	tree, ok := trees.Lookup(host)
	if !ok || tree.Len() == 0 {
		p.Status(ux.IconPending, "no processes recorded on %s", host)
		return
	}
	var b strings.Builder
	seen := make(map[string]struct{})
	var walk func(guid string, depth int)
	walk = func(guid string, depth int) {
		if _, dup := seen[guid]; dup {
			return
		}
		seen[guid] = struct{}{}
		node, _ := tree.Node(guid)
		b.WriteString(strings.Repeat("  ", depth))
		b.WriteString(strconv.Itoa(node.PID) + " " + guid + "\n")
		for _, child := range tree.Children(guid) {
			walk(child, depth+1)
		}
	}
	for _, root := range tree.Roots() {
		walk(root, 0)
	}
	p.Box("Process tree on "+host, strings.TrimSuffix(b.String(), "\n"))
}
