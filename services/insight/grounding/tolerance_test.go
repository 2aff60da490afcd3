// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grounding

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractQuantities(t *testing.T) {
	tests := []struct {
		text     string
		want     string
		currency bool
		percent  bool
	}{
		{"worth $500K", "500000", true, false},
		{"about 1.5M in pipeline", "1500000", false, false},
		{"2,500 seats", "2500", false, false},
		{"a 20% discount", "20", false, true},
		{"$1.2 billion market", "1200000000", true, false},
		{"USD 300k", "300000", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			qs := ExtractQuantities(tt.text)
			require.Len(t, qs, 1)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(qs[0].Value), "got %s", qs[0].Value)
			assert.Equal(t, tt.currency, qs[0].Currency)
			assert.Equal(t, tt.percent, qs[0].Percent)
			assert.Equal(t, qs[0].Raw, tt.text[qs[0].Start:qs[0].End])
		})
	}
}

func TestExtractQuantities_WordsAfterNumberAreNotMagnitudes(t *testing.T) {
	qs := ExtractQuantities("12 months and 3 bugs")
	require.Len(t, qs, 2)
	assert.True(t, decimal.NewFromInt(12).Equal(qs[0].Value))
	assert.True(t, decimal.NewFromInt(3).Equal(qs[1].Value))
}

func TestNumbersMatch(t *testing.T) {
	actual := decimal.NewFromInt(500000)
	assert.True(t, NumbersMatch(decimal.NewFromInt(500000), actual))
	assert.True(t, NumbersMatch(decimal.NewFromInt(505000), actual))
	assert.True(t, NumbersMatch(decimal.NewFromInt(495000), actual))
	assert.False(t, NumbersMatch(decimal.NewFromInt(506000), actual))
	assert.False(t, NumbersMatch(decimal.NewFromInt(650000), actual))
	assert.True(t, NumbersMatch(decimal.Zero, decimal.Zero))
	assert.False(t, NumbersMatch(decimal.NewFromInt(1), decimal.Zero))
}

func TestToDecimal(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{500000, "500000", true},
		{int64(42), "42", true},
		{499999.5, "499999.5", true},
		{"$1.5M", "1500000", true},
		{"500000", "500000", true},
		{"2025-03-15", "0", false},
		{"about 5 or 6", "0", false},
		{true, "0", false},
	}
	for _, tt := range tests {
		got, ok := ToDecimal(tt.in)
		assert.Equal(t, tt.ok, ok, "%v", tt.in)
		if tt.ok {
			assert.True(t, decimal.RequireFromString(tt.want).Equal(got), "%v: got %s", tt.in, got)
		}
	}
}

func TestExtractDates(t *testing.T) {
	text := "Kickoff was March 15, 2025, review on 2025-03-20 and launch in Q3 2025."
	ds := ExtractDates(text)
	require.Len(t, ds, 3)

	assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), ds[0].Time)
	assert.Equal(t, "March 15, 2025", ds[0].Raw)
	assert.Equal(t, time.Date(2025, 3, 20, 0, 0, 0, 0, time.UTC), ds[1].Time)
	assert.True(t, ds[2].Quarter)
	assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), ds[2].Time)
	for _, d := range ds {
		assert.Equal(t, d.Raw, text[d.Start:d.End])
	}
}

func TestDateScore(t *testing.T) {
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }
	tests := []struct {
		name    string
		claimed DateValue
		actual  time.Time
		want    float64
	}{
		{"same day", DateValue{Time: day(2025, 3, 15)}, day(2025, 3, 15).Add(17 * time.Hour), 1.0},
		{"same quarter", DateValue{Time: day(2025, 3, 15)}, day(2025, 2, 1), 0.9},
		{"other quarter", DateValue{Time: day(2025, 3, 15)}, day(2025, 4, 20), 0},
		{"other year", DateValue{Time: day(2025, 3, 15)}, day(2024, 3, 15), 0},
		{"quarter claim inside", DateValue{Time: day(2025, 7, 1), Quarter: true}, day(2025, 8, 10), 1.0},
		{"quarter claim outside", DateValue{Time: day(2025, 7, 1), Quarter: true}, day(2025, 10, 1), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DateScore(tt.claimed, tt.actual))
		})
	}
}

func TestToTime(t *testing.T) {
	got, ok := ToTime("2025-03-15")
	require.True(t, ok)
	assert.Equal(t, 15, got.Day())

	got, ok = ToTime("2025-03-15T10:00:00Z")
	require.True(t, ok)
	assert.Equal(t, 10, got.Hour())

	_, ok = ToTime("soon")
	assert.False(t, ok)
	_, ok = ToTime(time.Time{})
	assert.False(t, ok)
}

func TestStatuses(t *testing.T) {
	canon := []struct{ in, want string }{
		{"Closed Won", "closed_won"},
		{"In-Progress", "in_progress"},
		{"in_progress", "in_progress"},
		{"Paused", "on_hold"},
		{"Negotiation", "negotiation"},
		{"Needs Review", "needs_review"},
	}
	for _, tt := range canon {
		assert.Equal(t, tt.want, CanonicalStatus(tt.in), tt.in)
	}

	found := []struct {
		text string
		want string
		ok   bool
	}{
		{"The project is currently on hold.", "on_hold", true},
		{"Acme signed last week.", "closed_won", true},
		{"Work is in progress.", "in_progress", true},
		{"The proactive team met.", "", false},
	}
	for _, tt := range found {
		got, ok := FindStatus(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		assert.Equal(t, tt.want, got, tt.text)
	}
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "acme corp renewal", normalizeText("  ACME\tCorp \n Renewal "))
	assert.Equal(t, "strasse", normalizeText("STRAßE"))
	assert.Equal(t, []string{"deal", "value", "500k"}, words("Deal value: $500K!"))
}
