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
	"fmt"
	"sort"
	"strings"
	"time"
)

// maxCitationsPerClaim bounds the markers placed after one claim.
const maxCitationsPerClaim = 3

// Freshness icons for the source footer.
const (
	freshIcon  = "🟢"
	recentIcon = "🟡"
	staleIcon  = "🔴"
)

// Injected is a response with citation markers and a source footer.
type Injected struct {
	Content   string     `json:"content"`
	Citations []Citation `json:"citations"`
}

// CitationInjector numbers sources and places markers in a response.
//
// Thread Safety: Safe for concurrent use.
type CitationInjector struct {
	now func() time.Time
}

// NewCitationInjector creates an injector. now may be nil.
func NewCitationInjector(now func() time.Time) *CitationInjector {
	if now == nil {
		now = time.Now
	}
	return &CitationInjector{now: now}
}

type insertion struct {
	pos  int
	seq  int
	text string
}

// Inject adds a [n] marker after every supported claim and appends a
// footer listing each cited shard once.
//
// Description:
//
//	Numbers are assigned per ShardID in document order of the claims, so
//	two claims backed by the same shard share a number. Markers are placed
//	at the claim end, before trailing punctuation, and inserted from the
//	last position backwards so earlier offsets stay valid.
func (ci *CitationInjector) Inject(response string, matches []SourceMatch) Injected {
	return ci.inject(response, matches, nil)
}

// inject also places an inline note after each high severity finding.
func (ci *CitationInjector) inject(response string, matches []SourceMatch, findings []HallucinationResult) Injected {
	ordered := append([]SourceMatch(nil), matches...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Claim.StartIndex < ordered[j].Claim.StartIndex
	})

	numbers := make(map[string]int)
	var citations []Citation
	var ins []insertion

	for _, m := range ordered {
		if m.Status != StatusVerified && m.Status != StatusPartiallyVerified {
			continue
		}
		end := m.Claim.EndIndex
		if end <= 0 || end > len(response) {
			continue
		}
		var markers strings.Builder
		placed := make(map[string]struct{})
		for _, s := range m.Sources {
			if len(placed) == maxCitationsPerClaim || s.MatchScore < PartialThreshold {
				break
			}
			id := s.Citation.ShardID
			if _, dup := placed[id]; dup {
				continue
			}
			placed[id] = struct{}{}
			n, ok := numbers[id]
			if !ok {
				n = len(citations) + 1
				numbers[id] = n
				c := s.Citation
				c.ID = n
				citations = append(citations, c)
			}
			fmt.Fprintf(&markers, "[%d]", n)
		}
		if markers.Len() == 0 {
			continue
		}
		ins = append(ins, insertion{pos: markerPos(response, m.Claim.StartIndex, end), seq: 0, text: markers.String()})
	}

	for _, h := range findings {
		if h.Severity != SeverityHigh || h.EndIndex <= 0 || h.EndIndex > len(response) {
			continue
		}
		ins = append(ins, insertion{pos: h.EndIndex, seq: 1, text: fmt.Sprintf(" [unverified: %s]", h.Message)})
	}

	sort.SliceStable(ins, func(i, j int) bool {
		if ins[i].pos != ins[j].pos {
			return ins[i].pos > ins[j].pos
		}
		return ins[i].seq > ins[j].seq
	})
	content := response
	for _, in := range ins {
		content = content[:in.pos] + in.text + content[in.pos:]
	}

	if len(citations) > 0 {
		content = strings.TrimRight(content, " \n") + "\n\n" + ci.footer(citations)
	}
	return Injected{Content: content, Citations: citations}
}

// markerPos moves end back over trailing punctuation so "$500K." becomes
// "$500K[1].".
func markerPos(response string, start, end int) int {
	for end > start && strings.ContainsRune(".!?,;:", rune(response[end-1])) {
		end--
	}
	return end
}

func (ci *CitationInjector) footer(citations []Citation) string {
	var b strings.Builder
	b.WriteString("Sources:")
	now := ci.now()
	for _, c := range citations {
		fmt.Fprintf(&b, "\n[%d] %s", c.ID, c.ShardName)
		if c.ShardTypeID != "" {
			fmt.Fprintf(&b, " (%s)", c.ShardTypeID)
		}
		b.WriteString(" ")
		b.WriteString(FreshnessIcon(c.DataUpdatedAt, now))
		if !c.DataUpdatedAt.IsZero() {
			fmt.Fprintf(&b, " updated %s", c.DataUpdatedAt.Format("2006-01-02"))
		}
	}
	return b.String()
}

// FreshnessIcon labels data age: fresh within a day, recent within a week,
// stale otherwise.
func FreshnessIcon(updated, now time.Time) string {
	if updated.IsZero() {
		return staleIcon + " stale"
	}
	switch age := now.Sub(updated); {
	case age <= 24*time.Hour:
		return freshIcon
	case age <= 7*24*time.Hour:
		return recentIcon
	default:
		return staleIcon + " stale"
	}
}
