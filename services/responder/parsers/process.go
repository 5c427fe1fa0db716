// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parsers

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

var (
	processIDPattern         = regexp.MustCompile(`(?i)\bProcessId: (.*)`)
	processGUIDPattern       = regexp.MustCompile(`(?i)\bProcessGuid:\W+\{(.*)\}`)
	parentProcessIDPattern   = regexp.MustCompile(`(?i)\bParentProcessId: (.*)`)
	parentProcessGUIDPattern = regexp.MustCompile(`(?i)\bParentProcessGuid:\W+\{(.*)\}`)
)

// processFields selects the pattern by the last segment of a mapper target,
// e.g. "host.process.guid" uses "guid".
var processFields = map[string]*regexp.Regexp{
	"id":         processIDPattern,
	"guid":       processGUIDPattern,
	"parentid":   parentProcessIDPattern,
	"parentguid": parentProcessGUIDPattern,
}

// ProcessGUIDs extracts process IDs and GUIDs from Sysmon-style text.
//
// Each match becomes a relationship from the most recent fact of the
// mapper's source trait to the matched value. Matched targets are visible
// as sources to later mappers in the same call, so a guid mapper can chain
// off an id mapper.
type ProcessGUIDs struct{}

// Parse implements Parser.
func (ProcessGUIDs) Parse(blob string, used []model.Fact, mappers []model.Mapper) ([]model.Relationship, error) {
	var out []model.Relationship
	all := append([]model.Fact(nil), used...)
	for _, mp := range mappers {
		pattern, ok := processFields[model.LastSegment(mp.Target)]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, mp.Target)
		}
		for _, m := range pattern.FindAllStringSubmatch(blob, -1) {
			src, ok := lastValue(all, mp.Source)
			if !ok {
				break
			}
			target := model.Fact{Trait: mp.Target, Value: strings.TrimSpace(m[1])}
			out = append(out, model.NewRelationship(model.Fact{Trait: mp.Source, Value: src}, mp.Edge, target))
			all = append(all, target)
		}
	}
	return out, nil
}

// ChildProcess extracts child process IDs, one relationship per ProcessId
// line, rooted at the most recent fact of the mapper's source trait.
type ChildProcess struct{}

// Parse implements Parser.
func (ChildProcess) Parse(blob string, used []model.Fact, mappers []model.Mapper) ([]model.Relationship, error) {
	var out []model.Relationship
	all := append([]model.Fact(nil), used...)
	for _, mp := range mappers {
		for _, m := range processIDPattern.FindAllStringSubmatch(blob, -1) {
			src, ok := lastValue(all, mp.Source)
			if !ok {
				break
			}
			target := model.Fact{Trait: mp.Target, Value: strings.TrimSpace(m[1])}
			out = append(out, model.NewRelationship(model.Fact{Trait: mp.Source, Value: src}, mp.Edge, target))
			all = append(all, target)
		}
	}
	return out, nil
}
