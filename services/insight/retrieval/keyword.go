// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/AleutianAI/AleutianInsight/services/insight/shard"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// PhraseBoost multiplies the score of chunks containing the whole query.
const PhraseBoost = 1.5

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {},
	"the": {}, "this": {}, "to": {}, "was": {}, "what": {}, "with": {}, "which": {},
	"who": {}, "how": {}, "any": {}, "about": {}, "there": {},
}

var folder = cases.Fold()

// normalize folds case and composes unicode so lookups are stable.
func normalize(s string) string {
	return folder.String(norm.NFKC.String(s))
}

// tokenize splits normalized text into index terms.
func tokenize(s string) []string {
	words := strings.FieldsFunc(normalize(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := words[:0]
	for _, w := range words {
		if _, stop := stopwords[w]; stop {
			continue
		}
		out = append(out, w)
	}
	return out
}

type posting struct {
	key string
	tf  int
}

// KeywordIndex is an in-memory inverted index over shard chunks scored by
// tf-idf with an exact-phrase boost. Scores are normalized to [0,1] per
// query.
//
// Thread Safety: Safe for concurrent use.
type KeywordIndex struct {
	chunker *Chunker

	mu       sync.RWMutex
	chunks   map[string]*Chunk
	lengths  map[string]int
	folded   map[string]string
	postings map[string][]posting
	byShard  map[string][]string
}

// NewKeywordIndex creates an empty index.
func NewKeywordIndex(chunker *Chunker) *KeywordIndex {
	if chunker == nil {
		chunker = NewChunker(0, 0, nil)
	}
	return &KeywordIndex{
		chunker:  chunker,
		chunks:   make(map[string]*Chunk),
		lengths:  make(map[string]int),
		folded:   make(map[string]string),
		postings: make(map[string][]posting),
		byShard:  make(map[string][]string),
	}
}

// Index chunks s and adds it, replacing any previous version.
func (k *KeywordIndex) Index(s *shard.Shard) int {
	chunks := k.chunker.Split(s)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.removeLocked(s.ID)
	for i := range chunks {
		c := chunks[i]
		key := c.Key()
		terms := tokenize(c.Content)
		tf := make(map[string]int)
		for _, t := range terms {
			tf[t]++
		}
		for t, n := range tf {
			k.postings[t] = append(k.postings[t], posting{key: key, tf: n})
		}
		k.chunks[key] = &c
		k.lengths[key] = len(terms)
		k.folded[key] = strings.Join(strings.Fields(normalize(c.Content)), " ")
		k.byShard[s.ID] = append(k.byShard[s.ID], key)
	}
	return len(chunks)
}

// Remove drops every chunk of shardID.
func (k *KeywordIndex) Remove(shardID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.removeLocked(shardID)
}

func (k *KeywordIndex) removeLocked(shardID string) {
	keys := k.byShard[shardID]
	if len(keys) == 0 {
		return
	}
	drop := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		drop[key] = struct{}{}
		delete(k.chunks, key)
		delete(k.lengths, key)
		delete(k.folded, key)
	}
	for t, ps := range k.postings {
		kept := ps[:0]
		for _, p := range ps {
			if _, gone := drop[p.key]; !gone {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(k.postings, t)
		} else {
			k.postings[t] = kept
		}
	}
	delete(k.byShard, shardID)
}

// Len returns the number of indexed chunks.
func (k *KeywordIndex) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.chunks)
}

// Search implements KeywordSearcher.
func (k *KeywordIndex) Search(ctx context.Context, query string, topK int, f Filters) ([]Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	phrase := strings.Join(strings.Fields(normalize(query)), " ")

	k.mu.RLock()
	defer k.mu.RUnlock()

	n := float64(len(k.chunks))
	scores := make(map[string]float64)
	seen := make(map[string]struct{})
	for _, t := range terms {
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		ps := k.postings[t]
		if len(ps) == 0 {
			continue
		}
		idf := math.Log(1 + n/float64(len(ps)))
		for _, p := range ps {
			if !f.Match(k.chunks[p.key]) {
				continue
			}
			length := float64(k.lengths[p.key])
			scores[p.key] += idf * float64(p.tf) / (float64(p.tf) + 0.5 + length/50)
		}
	}
	if len(scores) == 0 {
		return nil, nil
	}

	for key := range scores {
		if len(terms) > 1 && strings.Contains(k.folded[key], phrase) {
			scores[key] *= PhraseBoost
		}
	}
	maxScore := 0.0
	for _, s := range scores {
		maxScore = math.Max(maxScore, s)
	}

	out := make([]Chunk, 0, len(scores))
	for key, s := range scores {
		c := *k.chunks[key]
		c.Score = s / maxScore
		out = append(out, c)
	}
	sortChunks(out)
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// sortChunks orders by score descending, then ShardID, then ChunkIndex.
func sortChunks(cs []Chunk) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}
		if cs[i].ShardID != cs[j].ShardID {
			return cs[i].ShardID < cs[j].ShardID
		}
		return cs[i].ChunkIndex < cs[j].ChunkIndex
	})
}
