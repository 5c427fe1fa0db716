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
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

var sysmonFields = map[string]*regexp.Regexp{
	"eventid":  regexp.MustCompile(`(?i)\bId\s*: (.*)`),
	"recordid": regexp.MustCompile(`(?i)RecordId\s*: (.*)`),
	"user":     regexp.MustCompile(`(?i)User: (.*)`),
}

// Sysmon extracts event fields from Get-WinEvent style text output, where
// events are separated by a blank line. Each event contributes at most one
// relationship per mapper, rooted at the last used fact of the mapper's
// source trait.
type Sysmon struct{}

// Parse implements Parser.
func (Sysmon) Parse(blob string, used []model.Fact, mappers []model.Mapper) ([]model.Relationship, error) {
	var out []model.Relationship
	normalized := strings.ReplaceAll(blob, "\r\n", "\n")
	for _, event := range strings.Split(normalized, "\n\n") {
		if strings.TrimSpace(event) == "" {
			continue
		}
		for _, mp := range mappers {
			pattern, ok := sysmonFields[model.LastSegment(mp.Target)]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, mp.Target)
			}
			m := pattern.FindStringSubmatch(event)
			if m == nil {
				continue
			}
			src, ok := lastValue(used, mp.Source)
			if !ok {
				continue
			}
			out = append(out, model.NewRelationship(
				model.Fact{Trait: mp.Source, Value: src},
				mp.Edge,
				model.Fact{Trait: mp.Target, Value: strings.TrimSpace(m[1])},
			))
		}
	}
	return out, nil
}

// ECSSysmon extracts fields from Sysmon events stored as Elastic Common
// Schema documents. The blob is a JSON array of search hits; every
// relationship is rooted at the hit's process.entity_id.
type ECSSysmon struct{}

var ecsFields = map[string][]string{
	"eventid":  {"winlog", "event_id"},
	"recordid": {"winlog", "record_id"},
	"guid":     {"process", "entity_id"},
	"pid":      {"process", "pid"},
}

// Parse implements Parser.
func (ECSSysmon) Parse(blob string, _ []model.Fact, mappers []model.Mapper) ([]model.Relationship, error) {
	dec := json.NewDecoder(strings.NewReader(blob))
	dec.UseNumber()
	var hits []map[string]any
	if err := dec.Decode(&hits); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}

	var out []model.Relationship
	for _, hit := range hits {
		source, _ := hit["_source"].(map[string]any)
		if source == nil {
			continue
		}
		guid, ok := lookup(source, "process", "entity_id")
		if !ok {
			continue
		}
		for _, mp := range mappers {
			field := model.LastSegment(mp.Target)
			var value string
			if field == "user" {
				domain, dok := lookup(source, "user", "domain")
				name, nok := lookup(source, "user", "name")
				if !dok || !nok {
					continue
				}
				value = domain + `\` + name
			} else {
				path, known := ecsFields[field]
				if !known {
					return nil, fmt.Errorf("%w: %s", ErrUnsupportedTarget, mp.Target)
				}
				if value, ok = lookup(source, path...); !ok {
					continue
				}
			}
			out = append(out, model.NewRelationship(
				model.Fact{Trait: mp.Source, Value: guid},
				mp.Edge,
				model.Fact{Trait: mp.Target, Value: value},
			))
		}
	}
	return out, nil
}

// lookup walks nested JSON objects and renders the leaf as a string.
func lookup(doc map[string]any, path ...string) (string, bool) {
	var cur any = doc
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		if cur, ok = obj[key]; !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), true
	case nil:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}
