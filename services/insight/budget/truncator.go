// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import "sort"

// MinUsefulChunk is the smallest remaining budget worth filling with a
// partially truncated optional item.
const MinUsefulChunk = 100

// Reason explains why an item was dropped or truncated.
type Reason string

const (
	ReasonBudget        Reason = "budget"
	ReasonPerShardLimit Reason = "per_shard_limit"
	ReasonFieldLimit    Reason = "field_limit"
)

// Action is what happened to an item that did not fit whole.
type Action string

const (
	ActionDropped   Action = "dropped"
	ActionTruncated Action = "truncated"
)

// Candidate is an item competing for a section budget.
type Candidate struct {
	ID        string
	ShardID   string
	FieldPath string
	Content   string

	// Tokens is the estimated size. Computed from Content when zero.
	Tokens int

	Score    float64
	Required bool
}

// Included is a candidate that made it into the section, possibly cut.
type Included struct {
	Candidate
	Truncated bool
}

// Record documents a dropped or truncated item.
type Record struct {
	ID             string `json:"id"`
	ShardID        string `json:"shard_id,omitempty"`
	FieldPath      string `json:"field_path,omitempty"`
	Reason         Reason `json:"reason"`
	Action         Action `json:"action"`
	Required       bool   `json:"required"`
	OriginalTokens int    `json:"original_tokens"`
	KeptTokens     int    `json:"kept_tokens"`
}

// Options tune Truncate.
type Options struct {
	// PerShardLimit caps the tokens any single shard may contribute.
	PerShardLimit int

	// FieldLimit caps the tokens of candidates that represent one field.
	FieldLimit int

	// MinUsefulChunk overrides the partial-inclusion threshold.
	MinUsefulChunk int

	// Estimator measures content. Defaults to HeuristicEstimator.
	Estimator Estimator
}

// Result is the outcome of Truncate.
type Result struct {
	Included []Included
	Records  []Record
	Used     int
	Budget   int

	// RequiredOverflow is set when required items alone exceeded the budget
	// and were cut to fit.
	RequiredOverflow bool
}

// Dropped returns the records of items that were left out entirely.
func (r Result) Dropped() []Record {
	var out []Record
	for _, rec := range r.Records {
		if rec.Action == ActionDropped {
			out = append(out, rec)
		}
	}
	return out
}

// Truncate fits items into budget.
//
// Description:
//
//	Required items always go in first. When together they exceed the
//	budget each is cut to a proportional share, so none is ever dropped.
//	Optional items then fill what is left in score order (ties by id). An
//	optional item that does not fit whole is cut to the remaining space only
//	when more than MinUsefulChunk tokens remain; otherwise it is dropped.
//	Every cut or drop is recorded with its reason.
//
// Outputs:
//
//	Result - Used <= budget always holds.
func Truncate(items []Candidate, budget int, opts Options) Result {
	est := opts.Estimator
	if est == nil {
		est = HeuristicEstimator{}
	}
	minChunk := opts.MinUsefulChunk
	if minChunk <= 0 {
		minChunk = MinUsefulChunk
	}
	if budget < 0 {
		budget = 0
	}

	res := Result{Budget: budget}
	shardUsed := make(map[string]int)

	var required, optional []Candidate
	for _, c := range items {
		if c.Tokens == 0 && c.Content != "" {
			c.Tokens = est.Estimate(c.Content)
		}
		if opts.FieldLimit > 0 && c.FieldPath != "" && c.Tokens > opts.FieldLimit {
			orig := c.Tokens
			c = cut(c, opts.FieldLimit, est)
			res.Records = append(res.Records, Record{
				ID: c.ID, ShardID: c.ShardID, FieldPath: c.FieldPath,
				Reason: ReasonFieldLimit, Action: ActionTruncated, Required: c.Required,
				OriginalTokens: orig, KeptTokens: c.Tokens,
			})
		}
		if c.Required {
			required = append(required, c)
		} else {
			optional = append(optional, c)
		}
	}
	byScore := func(list []Candidate) {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Score != list[j].Score {
				return list[i].Score > list[j].Score
			}
			return list[i].ID < list[j].ID
		})
	}
	byScore(required)
	byScore(optional)

	reqTotal := 0
	for _, c := range required {
		reqTotal += c.Tokens
	}
	if reqTotal > budget {
		res.RequiredOverflow = true
	}
	for _, c := range required {
		if !res.RequiredOverflow {
			res.add(c, false, shardUsed)
			continue
		}
		share := 0
		if reqTotal > 0 {
			share = budget * c.Tokens / reqTotal
		}
		orig := c.Tokens
		c = cut(c, share, est)
		res.add(c, true, shardUsed)
		res.Records = append(res.Records, Record{
			ID: c.ID, ShardID: c.ShardID, FieldPath: c.FieldPath,
			Reason: ReasonBudget, Action: ActionTruncated, Required: true,
			OriginalTokens: orig, KeptTokens: c.Tokens,
		})
	}

	for _, c := range optional {
		limit := budget - res.Used
		reason := ReasonBudget
		if opts.PerShardLimit > 0 && c.ShardID != "" {
			if shardLeft := opts.PerShardLimit - shardUsed[c.ShardID]; shardLeft < limit {
				limit = shardLeft
				reason = ReasonPerShardLimit
			}
		}
		if limit < 0 {
			limit = 0
		}

		switch {
		case c.Tokens <= limit:
			res.add(c, false, shardUsed)
		case limit > minChunk:
			orig := c.Tokens
			c = cut(c, limit, est)
			res.add(c, true, shardUsed)
			res.Records = append(res.Records, Record{
				ID: c.ID, ShardID: c.ShardID, FieldPath: c.FieldPath,
				Reason: reason, Action: ActionTruncated,
				OriginalTokens: orig, KeptTokens: c.Tokens,
			})
		default:
			res.Records = append(res.Records, Record{
				ID: c.ID, ShardID: c.ShardID, FieldPath: c.FieldPath,
				Reason: reason, Action: ActionDropped,
				OriginalTokens: c.Tokens,
			})
		}
	}
	return res
}

func (r *Result) add(c Candidate, truncated bool, shardUsed map[string]int) {
	r.Included = append(r.Included, Included{Candidate: c, Truncated: truncated})
	r.Used += c.Tokens
	if c.ShardID != "" {
		shardUsed[c.ShardID] += c.Tokens
	}
}

// cut shrinks c to at most limit tokens. Content that still measures over
// the limit after truncation is emptied so Tokens always reflects it.
func cut(c Candidate, limit int, est Estimator) Candidate {
	if limit < 0 {
		limit = 0
	}
	if c.Content == "" {
		if c.Tokens > limit {
			c.Tokens = limit
		}
		return c
	}
	c.Content = TruncateText(c.Content, limit, est)
	c.Tokens = est.Estimate(c.Content)
	if c.Tokens > limit {
		c.Content, c.Tokens = "", 0
	}
	return c
}
