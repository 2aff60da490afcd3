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
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconPending} {
		assert.Contains(t, icon.Render(), string(icon))
	}
	for _, icon := range []Icon{IconArrow, IconBullet} {
		assert.Equal(t, string(icon), icon.Render())
	}
}

// =============================================================================
// Mode Tests
// =============================================================================

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeStyled, false},
		{"text", ModeStyled, false},
		{"styled", ModeStyled, false},
		{" PLAIN ", ModePlain, false},
		{"json", ModeJSON, false},
		{"yaml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Printer Tests
// =============================================================================

func TestPrinter_PlainMode(t *testing.T) {
	tests := []struct {
		name  string
		print func(p *Printer)
		want  string
	}{
		{"title", func(p *Printer) { p.Title("Context") }, "== Context ==\n"},
		{"success", func(p *Printer) { p.Success("done") }, "OK: done\n"},
		{"warning", func(p *Printer) { p.Warning("careful") }, "WARN: careful\n"},
		{"error", func(p *Printer) { p.Error("broken") }, "ERROR: broken\n"},
		{"info", func(p *Printer) { p.Info("note") }, "note\n"},
		{"muted", func(p *Printer) { p.Muted("quiet") }, ""},
		{"key value", func(p *Printer) { p.KeyValue("tokens", 42) }, "tokens\t42\n"},
		{"bullet", func(p *Printer) { p.Bullet(IconArrow, "opp-1") }, "→\topp-1\n"},
		{"box", func(p *Printer) { p.Box("Answer", "text") }, "Answer:\ntext\n"},
		{"warning box", func(p *Printer) { p.WarningBox("Budget", "over") }, "WARN Budget: over\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.print(NewPrinter(&buf, ModePlain))
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestPrinter_JSONModeSuppressesText(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, ModeJSON)
	p.Title("t")
	p.Success("s")
	p.Warning("w")
	p.Error("e")
	p.Info("i")
	p.KeyValue("k", "v")
	p.Box("b", "c")
	assert.Empty(t, buf.String())

	require.NoError(t, p.JSON(map[string]int{"count": 2}))
	var got map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 2, got["count"])
}

func TestPrinter_StyledMode(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf, "")
	assert.Equal(t, ModeStyled, p.Mode())

	p.Success("assembled")
	p.KeyValue("template", "deal-review")
	p.Box("Context", "line one\nline two")
	out := buf.String()
	assert.Contains(t, out, "assembled")
	assert.Contains(t, out, "deal-review")
	assert.Contains(t, out, "line two")
}

func TestPrinter_ProgressBar(t *testing.T) {
	plain := NewPrinter(&bytes.Buffer{}, ModePlain)
	assert.Equal(t, "3/4", plain.ProgressBar(3, 4, 10))

	styled := NewPrinter(&bytes.Buffer{}, ModeStyled)
	assert.True(t, strings.HasSuffix(styled.ProgressBar(5, 10, 10), " 50%"))
	assert.True(t, strings.HasSuffix(styled.ProgressBar(20, 10, 10), "100%"))
	assert.Equal(t, "0/0", styled.ProgressBar(0, 0, 10))
}
