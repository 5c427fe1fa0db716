// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestPlain_Table verifies column alignment without styling.
func TestPlain_Table(t *testing.T) {
	var buf bytes.Buffer
	p := Plain(&buf)
	p.Table([]string{"PAW", "HOST", "SEVERITY"}, [][]string{
		{"agent-1", "web-01", "10"},
		{"a2", "db", ""},
		{"short"},
	})

	want := "PAW      HOST    SEVERITY\n" +
		"agent-1  web-01  10\n" +
		"a2       db\n" +
		"short\n"
	assert.Equal(t, want, buf.String())
	assert.False(t, p.Styled())
}

// TestPlain_Fields verifies labels are aligned.
func TestPlain_Fields(t *testing.T) {
	var buf bytes.Buffer
	Plain(&buf).Fields([][2]string{{"Operation", "op-1"}, {"Cycles", "3"}})
	assert.Equal(t, "  Operation: op-1\n  Cycles:    3\n", buf.String())
}

// TestPlain_StatusAndBox verifies icon lines and the unstyled box.
func TestPlain_StatusAndBox(t *testing.T) {
	var buf bytes.Buffer
	p := Plain(&buf)
	p.Title("Responder")
	p.Status(IconSuccess, "catalog loaded (%d abilities)", 4)
	p.Box("Process tree", "root\n  child")
	assert.Equal(t, "Responder\n✓ catalog loaded (4 abilities)\nProcess tree\nroot\n  child\n", buf.String())
}

// TestNewPrinter_NonTerminal verifies buffers and regular files are never styled.
func TestNewPrinter_NonTerminal(t *testing.T) {
	assert.False(t, NewPrinter(&bytes.Buffer{}).Styled())

	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	assert.False(t, IsTerminal(f))
	assert.False(t, NewPrinter(f).Styled())
}
