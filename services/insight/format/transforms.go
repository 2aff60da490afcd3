// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package format

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianInsight/services/insight/template"
	"github.com/shopspring/decimal"
)

// TransformFunc rewrites one field value. Implementations are pure.
type TransformFunc func(value any, cfg map[string]any) any

// Transforms maps each transform kind to its implementation. It is resolved
// at format time, so a template only names the kind.
var Transforms = map[template.TransformKind]TransformFunc{
	template.TransformTruncate:  truncateTransform,
	template.TransformSummarize: summarizeTransform,
	template.TransformExtract:   extractTransform,
	template.TransformFormat:    formatTransform,
}

// ApplyTransform runs the transform for kind. Unknown kinds return value
// unchanged.
func ApplyTransform(kind template.TransformKind, value any, cfg map[string]any) any {
	fn, ok := Transforms[kind]
	if !ok {
		return value
	}
	return fn(value, cfg)
}

// truncateTransform cuts string values to max_chars runes (default 200).
func truncateTransform(value any, cfg map[string]any) any {
	s := stringify(value)
	limit := cfgInt(cfg, "max_chars", 200)
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:limit])) + "…"
}

var sentenceEnd = regexp.MustCompile(`[.!?](\s+|$)`)

// summarizeTransform keeps the first N sentences (default 1).
func summarizeTransform(value any, cfg map[string]any) any {
	s := strings.TrimSpace(stringify(value))
	n := cfgInt(cfg, "sentences", 1)
	locs := sentenceEnd.FindAllStringIndex(s, n)
	if len(locs) < n {
		return s
	}
	return strings.TrimSpace(s[:locs[n-1][0]+1])
}

// extractTransform picks keys out of map values, or the first regex match
// out of string values.
func extractTransform(value any, cfg map[string]any) any {
	if m, ok := value.(map[string]any); ok {
		keys := cfgStrings(cfg, "keys")
		if len(keys) == 0 {
			return m
		}
		out := make(map[string]any, len(keys))
		for _, k := range keys {
			if v, ok := m[k]; ok {
				out[k] = v
			}
		}
		return out
	}
	pattern, _ := cfg["pattern"].(string)
	if pattern == "" {
		return value
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return value
	}
	s := stringify(value)
	m := re.FindStringSubmatch(s)
	switch {
	case m == nil:
		return ""
	case len(m) > 1:
		return m[1]
	default:
		return m[0]
	}
}

// formatTransform renders a value as currency, percent, date, upper or lower.
func formatTransform(value any, cfg map[string]any) any {
	kind, _ := cfg["as"].(string)
	switch kind {
	case "currency":
		d, ok := toDecimal(value)
		if !ok {
			return value
		}
		symbol := "$"
		if s, ok := cfg["symbol"].(string); ok {
			symbol = s
		}
		return symbol + groupThousands(d.StringFixed(int32(cfgInt(cfg, "places", 0))))
	case "percent":
		d, ok := toDecimal(value)
		if !ok {
			return value
		}
		if d.LessThanOrEqual(decimal.NewFromInt(1)) && d.GreaterThanOrEqual(decimal.NewFromInt(-1)) {
			d = d.Mul(decimal.NewFromInt(100))
		}
		return d.StringFixed(int32(cfgInt(cfg, "places", 0))) + "%"
	case "date":
		layout, _ := cfg["layout"].(string)
		if layout == "" {
			layout = "2006-01-02"
		}
		switch v := value.(type) {
		case time.Time:
			return v.Format(layout)
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.Format(layout)
			}
		}
		return value
	case "upper":
		return strings.ToUpper(stringify(value))
	case "lower":
		return strings.ToLower(stringify(value))
	default:
		return value
	}
}

// groupThousands inserts commas into the integer part of a decimal string.
func groupThousands(s string) string {
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	intPart, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, frac = s[:i], s[i:]
	}
	var b strings.Builder
	for i, c := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(c)
	}
	out := b.String() + frac
	if neg {
		return "-" + out
	}
	return out
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}

func cfgInt(cfg map[string]any, key string, def int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func cfgStrings(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			out = append(out, fmt.Sprint(x))
		}
		return out
	}
	return nil
}

// stringify renders a field value for display.
func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+stringify(x[k]))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			parts = append(parts, stringify(e))
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(x, ", ")
	default:
		return fmt.Sprint(x)
	}
}
