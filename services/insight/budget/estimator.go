// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package budget splits a model context window into per-section token
// budgets and fits candidate items into those budgets.
package budget

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the tiktoken encoding used when none is configured.
const DefaultEncoding = "cl100k_base"

// CharsPerToken is the heuristic ratio used when no tokenizer is available.
const CharsPerToken = 4.0

// Estimator counts tokens in text.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Estimator interface {
	Estimate(text string) int
}

// HeuristicEstimator approximates tokens as characters / CharsPerToken.
type HeuristicEstimator struct{}

// Estimate implements Estimator. Non-empty text is at least one token.
func (HeuristicEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	n := int(float64(utf8.RuneCountInString(text))/CharsPerToken + 0.5)
	if n == 0 {
		return 1
	}
	return n
}

// TiktokenEstimator counts tokens with a BPE encoding.
type TiktokenEstimator struct {
	mu       sync.Mutex
	encoding string
	tke      *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the named encoding (DefaultEncoding if empty).
// Loading may fetch the BPE ranks on first use; callers that must work
// offline should use NewEstimator, which falls back to the heuristic.
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		tke, err = tiktoken.EncodingForModel(encoding)
		if err != nil {
			return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
		}
	}
	return &TiktokenEstimator{encoding: encoding, tke: tke}, nil
}

// Estimate implements Estimator.
func (e *TiktokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tke.Encode(text, nil, nil))
}

// Encoding returns the encoding name.
func (e *TiktokenEstimator) Encoding() string {
	return e.encoding
}

// NewEstimator returns a tiktoken estimator for encoding, or the heuristic
// estimator when the encoding cannot be loaded or useTiktoken is false.
func NewEstimator(useTiktoken bool, encoding string, logger *slog.Logger) Estimator {
	if !useTiktoken {
		return HeuristicEstimator{}
	}
	est, err := NewTiktokenEstimator(encoding)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("tiktoken unavailable, using heuristic token estimation",
			slog.String("encoding", encoding),
			slog.String("error", err.Error()))
		return HeuristicEstimator{}
	}
	return est
}

// TruncateText shortens text so that est.Estimate(result) <= maxTokens.
// The cut prefers a word boundary near the limit.
func TruncateText(text string, maxTokens int, est Estimator) string {
	if maxTokens <= 0 {
		return ""
	}
	if est.Estimate(text) <= maxTokens {
		return text
	}
	runes := []rune(text)

	// Largest rune prefix that fits.
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if est.Estimate(string(runes[:mid])) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	cut := lo

	// Back up to whitespace when it costs less than a fifth of the prefix.
	for i := cut; i > cut*4/5 && i > 0; i-- {
		if unicode.IsSpace(runes[i-1]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
}
