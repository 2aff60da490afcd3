// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package traversal

import "sync"

// visitedSet records shard ids claimed during one traversal. A claim is
// released when the target is not included, so a later config may still
// reach it.
//
// Thread Safety: Safe for concurrent use.
type visitedSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
}

func newVisitedSet() *visitedSet {
	return &visitedSet{ids: make(map[string]struct{})}
}

// claim marks id visited and reports whether this call was the first.
func (v *visitedSet) claim(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, seen := v.ids[id]; seen {
		return false
	}
	v.ids[id] = struct{}{}
	v.order = append(v.order, id)
	return true
}

// release forgets a claim on id.
func (v *visitedSet) release(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.ids[id]; !ok {
		return
	}
	delete(v.ids, id)
	for i, o := range v.order {
		if o == id {
			v.order = append(v.order[:i], v.order[i+1:]...)
			break
		}
	}
}

func (v *visitedSet) has(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.ids[id]
	return ok
}

// list returns ids in claim order.
func (v *visitedSet) list() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.order...)
}
