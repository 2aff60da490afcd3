// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the insight CLI.
//
// A Printer writes to any io.Writer in one of three modes: styled output
// for people, plain prefixed lines for scripts that grep, and JSON for
// scripts that parse.
package ux

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title    lipgloss.Style
	Subtitle lipgloss.Style
	Bold     lipgloss.Style
	Muted    lipgloss.Style
	Success  lipgloss.Style
	Warning  lipgloss.Style
	Error    lipgloss.Style
	Key      lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
}{
	Title:    lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle: lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:     lipgloss.NewStyle().Bold(true),
	Muted:    lipgloss.NewStyle().Foreground(ColorSlate),
	Success:  lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:  lipgloss.NewStyle().Foreground(ColorWarning),
	Error:    lipgloss.NewStyle().Foreground(ColorError),
	Key:      lipgloss.NewStyle().Foreground(ColorTealPrimary).Width(18),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Mode selects how a Printer renders.
type Mode string

const (
	ModeStyled Mode = "styled"
	ModePlain  Mode = "plain"
	ModeJSON   Mode = "json"
)

// ParseMode parses an --output flag value.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeStyled, ModePlain, ModeJSON:
		return m, nil
	case "", "text":
		return ModeStyled, nil
	default:
		return "", fmt.Errorf("unknown output mode %q (want styled, plain or json)", s)
	}
}

// Printer writes CLI output.
//
// In ModeJSON only JSON writes anything; status lines are suppressed so
// stdout stays parseable.
type Printer struct {
	out  io.Writer
	mode Mode
}

// NewPrinter creates a Printer writing to out.
func NewPrinter(out io.Writer, mode Mode) *Printer {
	if mode == "" {
		mode = ModeStyled
	}
	return &Printer{out: out, mode: mode}
}

// Mode returns the output mode.
func (p *Printer) Mode() Mode { return p.mode }

// Title prints a styled title.
func (p *Printer) Title(text string) {
	switch p.mode {
	case ModeJSON:
	case ModePlain:
		fmt.Fprintf(p.out, "== %s ==\n", text)
	default:
		fmt.Fprintln(p.out, Styles.Title.Render(text))
	}
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	switch p.mode {
	case ModeJSON:
	case ModePlain:
		fmt.Fprintf(p.out, "OK: %s\n", text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
	}
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	switch p.mode {
	case ModeJSON:
	case ModePlain:
		fmt.Fprintf(p.out, "WARN: %s\n", text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
	}
}

// Error prints an error message
func (p *Printer) Error(text string) {
	switch p.mode {
	case ModeJSON:
	case ModePlain:
		fmt.Fprintf(p.out, "ERROR: %s\n", text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
	}
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	switch p.mode {
	case ModeJSON:
	case ModePlain:
		fmt.Fprintln(p.out, text)
	default:
		fmt.Fprintf(p.out, "%s %s\n", Styles.Muted.Render("│"), text)
	}
}

// Muted prints secondary text. Plain mode drops it.
func (p *Printer) Muted(text string) {
	if p.mode != ModeStyled {
		return
	}
	fmt.Fprintln(p.out, Styles.Muted.Render(text))
}

// KeyValue prints one labelled value.
func (p *Printer) KeyValue(key string, value any) {
	switch p.mode {
	case ModeJSON:
	case ModePlain:
		fmt.Fprintf(p.out, "%s\t%v\n", key, value)
	default:
		fmt.Fprintf(p.out, "%s %v\n", Styles.Key.Render(key), value)
	}
}

// Bullet prints an indented list item with an icon.
func (p *Printer) Bullet(icon Icon, text string) {
	switch p.mode {
	case ModeJSON:
	case ModePlain:
		fmt.Fprintf(p.out, "%s\t%s\n", icon, text)
	default:
		fmt.Fprintf(p.out, "  %s %s\n", icon.Render(), text)
	}
}

// Box prints text in a rounded box
func (p *Printer) Box(title, content string) {
	switch p.mode {
	case ModeJSON:
	case ModePlain:
		fmt.Fprintf(p.out, "%s:\n%s\n", title, content)
	default:
		fmt.Fprintln(p.out, Styles.Box.Width(boxWidth(content)).Render(Styles.Title.Render(title)+"\n"+content))
	}
}

// WarningBox prints text in a warning-styled box
func (p *Printer) WarningBox(title, content string) {
	switch p.mode {
	case ModeJSON:
	case ModePlain:
		fmt.Fprintf(p.out, "WARN %s: %s\n", title, content)
	default:
		titleLine := Styles.Warning.Bold(true).Render(title)
		fmt.Fprintln(p.out, Styles.WarningBox.Width(boxWidth(content)).Render(titleLine+"\n"+content))
	}
}

// JSON writes v as indented JSON. It writes in every mode.
func (p *Printer) JSON(v any) error {
	enc := json.NewEncoder(p.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// ProgressBar renders a simple progress bar
func (p *Printer) ProgressBar(current, total, width int) string {
	if p.mode != ModeStyled || total <= 0 {
		return fmt.Sprintf("%d/%d", current, total)
	}
	pct := float64(current) / float64(total)
	if pct > 1 {
		pct = 1
	}
	filled := int(pct * float64(width))
	bar := Styles.Success.Render(strings.Repeat("█", filled)) +
		Styles.Muted.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %3.0f%%", bar, pct*100)
}

func boxWidth(content string) int {
	w := 40
	for _, line := range strings.Split(content, "\n") {
		if n := lipgloss.Width(line) + 4; n > w {
			w = n
		}
	}
	if w > 100 {
		w = 100
	}
	return w
}
