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
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NumericTolerance is the relative difference accepted between a claimed
// number and a source value.
var NumericTolerance = decimal.NewFromFloat(0.01)

var folder = cases.Fold()

// normalizeText composes, case-folds and collapses whitespace.
func normalizeText(s string) string {
	return strings.Join(strings.Fields(folder.String(norm.NFKC.String(s))), " ")
}

// words splits normalized text into letter/digit runs.
func words(s string) []string {
	return strings.FieldsFunc(normalizeText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// -----------------------------------------------------------------------------
// Quantities
// -----------------------------------------------------------------------------

// Quantity is a number found in text.
type Quantity struct {
	Value    decimal.Decimal
	Raw      string
	Currency bool
	Percent  bool
	Start    int
	End      int
}

var quantityRe = regexp.MustCompile(`(?i)(\$|€|£|usd\s?)?\b(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d+))?(?:\s?(thousand|million|billion|mm|bn|k|m|b)\b)?(%)?`)

var magnitudes = map[string]decimal.Decimal{
	"k":        decimal.NewFromInt(1_000),
	"thousand": decimal.NewFromInt(1_000),
	"m":        decimal.NewFromInt(1_000_000),
	"mm":       decimal.NewFromInt(1_000_000),
	"million":  decimal.NewFromInt(1_000_000),
	"b":        decimal.NewFromInt(1_000_000_000),
	"bn":       decimal.NewFromInt(1_000_000_000),
	"billion":  decimal.NewFromInt(1_000_000_000),
}

// ExtractQuantities returns the numbers in text, expanding K/M/B suffixes.
func ExtractQuantities(text string) []Quantity {
	var out []Quantity
	for _, m := range quantityRe.FindAllStringSubmatchIndex(text, -1) {
		group := func(i int) string {
			if m[2*i] < 0 {
				return ""
			}
			return text[m[2*i]:m[2*i+1]]
		}
		num := strings.ReplaceAll(group(2), ",", "")
		if frac := group(3); frac != "" {
			num += "." + frac
		}
		v, err := decimal.NewFromString(num)
		if err != nil {
			continue
		}
		if mag, ok := magnitudes[strings.ToLower(group(4))]; ok {
			v = v.Mul(mag)
		}
		out = append(out, Quantity{
			Value:    v,
			Raw:      strings.TrimSpace(text[m[0]:m[1]]),
			Currency: group(1) != "",
			Percent:  group(5) != "",
			Start:    m[0],
			End:      m[1],
		})
	}
	return out
}

// NumbersMatch reports whether claimed is within NumericTolerance of actual.
func NumbersMatch(claimed, actual decimal.Decimal) bool {
	if actual.IsZero() {
		return claimed.IsZero()
	}
	diff := claimed.Sub(actual).Abs()
	return diff.LessThanOrEqual(actual.Abs().Mul(NumericTolerance))
}

// ToDecimal converts a structured field value to a number.
func ToDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case decimal.Decimal:
		return n, true
	case string:
		qs := ExtractQuantities(n)
		if len(qs) == 1 && strings.TrimSpace(n) == qs[0].Raw {
			return qs[0].Value, true
		}
	}
	return decimal.Zero, false
}

// -----------------------------------------------------------------------------
// Dates
// -----------------------------------------------------------------------------

// DateValue is a date found in text. Quarter dates carry the first day of
// the quarter.
type DateValue struct {
	Time    time.Time
	Quarter bool
	Raw     string
	Start   int
	End     int
}

var (
	isoDateRe     = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	namedDateRe   = regexp.MustCompile(`(?i)\b(jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?)\.?\s+(\d{1,2})(?:st|nd|rd|th)?,?\s+(\d{4})\b`)
	quarterDateRe = regexp.MustCompile(`(?i)\bQ([1-4])\s*(?:FY\s*)?(\d{4})\b`)
)

var monthPrefixes = []string{"jan", "feb", "mar", "apr", "may", "jun", "jul", "aug", "sep", "oct", "nov", "dec"}

func monthOf(name string) time.Month {
	name = strings.ToLower(name)
	for i, p := range monthPrefixes {
		if strings.HasPrefix(name, p) {
			return time.Month(i + 1)
		}
	}
	return 0
}

// ExtractDates returns the dates in text in order of appearance.
func ExtractDates(text string) []DateValue {
	var out []DateValue
	for _, m := range isoDateRe.FindAllStringSubmatchIndex(text, -1) {
		y, _ := strconv.Atoi(text[m[2]:m[3]])
		mo, _ := strconv.Atoi(text[m[4]:m[5]])
		d, _ := strconv.Atoi(text[m[6]:m[7]])
		if mo < 1 || mo > 12 || d < 1 || d > 31 {
			continue
		}
		out = append(out, DateValue{
			Time: time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC),
			Raw:  text[m[0]:m[1]], Start: m[0], End: m[1],
		})
	}
	for _, m := range namedDateRe.FindAllStringSubmatchIndex(text, -1) {
		mo := monthOf(text[m[2]:m[3]])
		d, _ := strconv.Atoi(text[m[4]:m[5]])
		y, _ := strconv.Atoi(text[m[6]:m[7]])
		if mo == 0 || d < 1 || d > 31 {
			continue
		}
		out = append(out, DateValue{
			Time: time.Date(y, mo, d, 0, 0, 0, 0, time.UTC),
			Raw:  text[m[0]:m[1]], Start: m[0], End: m[1],
		})
	}
	for _, m := range quarterDateRe.FindAllStringSubmatchIndex(text, -1) {
		q, _ := strconv.Atoi(text[m[2]:m[3]])
		y, _ := strconv.Atoi(text[m[4]:m[5]])
		out = append(out, DateValue{
			Time:    time.Date(y, time.Month((q-1)*3+1), 1, 0, 0, 0, 0, time.UTC),
			Quarter: true,
			Raw:     text[m[0]:m[1]], Start: m[0], End: m[1],
		})
	}
	sortByStart(out)
	return out
}

func sortByStart(ds []DateValue) {
	for i := 1; i < len(ds); i++ {
		for j := i; j > 0 && ds[j].Start < ds[j-1].Start; j-- {
			ds[j], ds[j-1] = ds[j-1], ds[j]
		}
	}
}

func quarterOf(t time.Time) (int, int) {
	return t.Year(), (int(t.Month())-1)/3 + 1
}

// DateScore compares a claimed date to an actual one: 1.0 for the same
// day, 0.9 for the same quarter, 0 otherwise. A quarter-precision claim
// scores 1.0 when the actual date falls in that quarter.
func DateScore(claimed DateValue, actual time.Time) float64 {
	actual = actual.UTC()
	cy, cq := quarterOf(claimed.Time)
	ay, aq := quarterOf(actual)
	sameQuarter := cy == ay && cq == aq
	switch {
	case claimed.Quarter && sameQuarter:
		return 1.0
	case claimed.Quarter:
		return 0
	case claimed.Time.Year() == actual.Year() && claimed.Time.YearDay() == actual.YearDay():
		return 1.0
	case sameQuarter:
		return 0.9
	default:
		return 0
	}
}

// ToTime converts a structured field value to a time.
func ToTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed, true
			}
		}
		if ds := ExtractDates(t); len(ds) == 1 {
			return ds[0].Time, true
		}
	}
	return time.Time{}, false
}

// -----------------------------------------------------------------------------
// Statuses
// -----------------------------------------------------------------------------

// statusSynonyms maps a canonical status to the phrases that express it.
// Longer phrases are listed first so they win over their substrings.
var statusSynonyms = []struct {
	canonical string
	phrases   []string
}{
	{"closed_won", []string{"closed won", "closed-won", "closed_won", "won", "signed"}},
	{"closed_lost", []string{"closed lost", "closed-lost", "closed_lost", "lost"}},
	{"on_hold", []string{"on hold", "on_hold", "on-hold", "paused", "blocked", "stalled"}},
	{"at_risk", []string{"at risk", "at_risk", "at-risk", "in jeopardy"}},
	{"in_progress", []string{"in progress", "in_progress", "in-progress", "underway", "ongoing"}},
	{"completed", []string{"completed", "complete", "done", "finished", "delivered"}},
	{"cancelled", []string{"cancelled", "canceled", "terminated"}},
	{"active", []string{"active", "open", "live"}},
	{"planned", []string{"planned", "not started", "scheduled"}},
}

// CanonicalStatus maps a status value or phrase to its canonical form.
func CanonicalStatus(v string) string {
	n := normalizeText(v)
	for _, s := range statusSynonyms {
		for _, p := range s.phrases {
			if n == p {
				return s.canonical
			}
		}
	}
	return strings.NewReplacer(" ", "_", "-", "_").Replace(n)
}

// FindStatus returns the canonical status mentioned in text, if any.
func FindStatus(text string) (string, bool) {
	n := " " + strings.Join(words(text), " ") + " "
	for _, s := range statusSynonyms {
		for _, p := range s.phrases {
			p = strings.NewReplacer("_", " ", "-", " ").Replace(p)
			if strings.Contains(n, " "+p+" ") {
				return s.canonical, true
			}
		}
	}
	return "", false
}
