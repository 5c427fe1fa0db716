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
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

// Child is a child process reported by a discovery link.
type Child struct {
	GUID string
	PID  int
}

// ChildrenFromRelationships extracts the children of parentGUID from a
// discovery link's relationships.
//
// has_childprocess_guid edges from the parent give child GUIDs and
// has_childprocess_id edges give child PIDs; the two lists are paired by
// position. A has_guid edge from a PID to a GUID overrides that pairing.
// Children without a GUID are dropped.
func ChildrenFromRelationships(parentGUID string, rels []model.Relationship) []Child {
	var guids []string
	var pids []int
	guidByPID := make(map[int]string)

	for _, r := range rels {
		if r.Target == nil {
			continue
		}
		switch r.Edge {
		case EdgeHasChildProcessGUID:
			if r.Source.Value == parentGUID {
				guids = append(guids, trimGUID(r.Target.Value))
			}
		case EdgeHasChildProcessID:
			if r.Source.Value == parentGUID {
				if pid, ok := parsePID(r.Target.Value); ok {
					pids = append(pids, pid)
				}
			}
		case EdgeHasGUID:
			if pid, ok := parsePID(r.Source.Value); ok {
				guidByPID[pid] = trimGUID(r.Target.Value)
			}
		}
	}

	var out []Child
	seen := make(map[string]struct{})
	add := func(c Child) {
		if c.GUID == "" || c.GUID == parentGUID {
			return
		}
		if _, ok := seen[c.GUID]; ok {
			return
		}
		seen[c.GUID] = struct{}{}
		out = append(out, c)
	}

	for i, pid := range pids {
		guid, ok := guidByPID[pid]
		if !ok && i < len(guids) {
			guid = guids[i]
		}
		add(Child{GUID: guid, PID: pid})
	}
	for i := len(pids); i < len(guids); i++ {
		add(Child{GUID: guids[i]})
	}
	return out
}

// ParsePID converts a fact value to a PID.
func ParsePID(value string) (int, bool) {
	return parsePID(value)
}

func parsePID(value string) (int, bool) {
	pid, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || pid < 0 {
		return 0, false
	}
	return pid, true
}

func trimGUID(v string) string {
	return strings.Trim(strings.TrimSpace(v), "{}")
}
