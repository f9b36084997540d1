// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"sort"

	"github.com/AleutianAI/strata/pkg/fact"
)

// lineEntry is one (line, fact) pair in a file's sorted run.
type lineEntry struct {
	line int32
	id   fact.ID
}

// SpatialIndex orders fact IDs by (file, line).
//
// Each file holds a slice of (line, id) pairs sorted by line then ID,
// sorted once at freeze time. Point, window and proximity queries run
// in O(log n + k) via binary search; no query scans the whole store.
//
// # Thread Safety
//
// Writes during build only, reads after Freeze().
type SpatialIndex struct {
	byFile map[string][]lineEntry
}

// newSpatialIndex creates an empty spatial index.
func newSpatialIndex() *SpatialIndex {
	return &SpatialIndex{
		byFile: make(map[string][]lineEntry),
	}
}

// add indexes one located fact. Facts without a location are skipped.
// Build phase only.
func (ix *SpatialIndex) add(f *fact.Fact) {
	if f.Location == nil {
		return
	}
	ix.byFile[f.Location.Path] = append(ix.byFile[f.Location.Path], lineEntry{
		line: int32(f.Location.Line),
		id:   f.ID,
	})
}

// freeze sorts every file's run by (line, id). Called once by the store.
func (ix *SpatialIndex) freeze() {
	for _, entries := range ix.byFile {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].line != entries[j].line {
				return entries[i].line < entries[j].line
			}
			return entries[i].id < entries[j].id
		})
	}
}

// At returns the facts at exactly (path, line), ordered by fact ID.
func (ix *SpatialIndex) At(path string, line int) []fact.ID {
	return ix.Window(path, line, line)
}

// Window returns all facts in path within [lineStart, lineEnd],
// ordered by (line, fact ID).
func (ix *SpatialIndex) Window(path string, lineStart, lineEnd int) []fact.ID {
	entries := ix.byFile[path]
	if len(entries) == 0 || lineEnd < lineStart {
		return []fact.ID{}
	}
	lo := sort.Search(len(entries), func(i int) bool {
		return entries[i].line >= int32(lineStart)
	})
	hi := sort.Search(len(entries), func(i int) bool {
		return entries[i].line > int32(lineEnd)
	})
	out := make([]fact.ID, 0, hi-lo)
	for _, e := range entries[lo:hi] {
		out = append(out, e.id)
	}
	return out
}

// Near returns the facts in path within radius lines of line, sorted by
// absolute line distance ascending, ties broken by fact ID ascending.
//
// The tie-break is a correctness requirement: rule output ordering
// depends on it being stable across runs.
func (ix *SpatialIndex) Near(path string, line, radius int) []fact.ID {
	if radius < 0 {
		return []fact.ID{}
	}
	entries := ix.byFile[path]
	if len(entries) == 0 {
		return []fact.ID{}
	}
	lo := sort.Search(len(entries), func(i int) bool {
		return entries[i].line >= int32(line-radius)
	})
	hi := sort.Search(len(entries), func(i int) bool {
		return entries[i].line > int32(line+radius)
	})
	window := make([]lineEntry, hi-lo)
	copy(window, entries[lo:hi])

	sort.Slice(window, func(i, j int) bool {
		di := absInt32(window[i].line - int32(line))
		dj := absInt32(window[j].line - int32(line))
		if di != dj {
			return di < dj
		}
		return window[i].id < window[j].id
	})

	out := make([]fact.ID, len(window))
	for i, e := range window {
		out[i] = e.id
	}
	return out
}

// FileCount returns the number of indexed files.
func (ix *SpatialIndex) FileCount() int {
	return len(ix.byFile)
}

func absInt32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}
