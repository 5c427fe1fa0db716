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
	"strings"

	"github.com/AleutianAI/AleutianResponder/services/responder/model"
)

// KeyValue parses lines of the form "source>target". Lines without a
// separator are skipped.
type KeyValue struct{}

// Parse implements Parser.
func (KeyValue) Parse(blob string, _ []model.Fact, mappers []model.Mapper) ([]model.Relationship, error) {
	var out []model.Relationship
	for _, line := range lines(strings.TrimSpace(blob)) {
		key, value, ok := strings.Cut(line, ">")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		for _, mp := range mappers {
			out = append(out, model.NewRelationship(
				model.Fact{Trait: mp.Source, Value: key},
				mp.Edge,
				model.Fact{Trait: mp.Target, Value: value},
			))
		}
	}
	return out, nil
}

// FileInfo parses "<hash> <path>" lines, as printed by sha256sum, into
// relationships from the path to its hash.
type FileInfo struct{}

// Parse implements Parser.
func (FileInfo) Parse(blob string, _ []model.Fact, mappers []model.Mapper) ([]model.Relationship, error) {
	var out []model.Relationship
	for _, line := range lines(strings.TrimSpace(blob)) {
		hash, path, ok := strings.Cut(strings.TrimSpace(line), " ")
		path = strings.TrimSpace(path)
		if !ok || path == "" {
			continue
		}
		for _, mp := range mappers {
			out = append(out, model.NewRelationship(
				model.Fact{Trait: mp.Source, Value: path},
				mp.Edge,
				model.Fact{Trait: mp.Target, Value: hash},
			))
		}
	}
	return out, nil
}
