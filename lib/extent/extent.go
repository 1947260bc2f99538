// Copyright 2026 The LCFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package extent provides interval arithmetic over contiguous block
// ranges. A Map is an ordered set of disjoint, coalesced ranges; it
// backs the global free list, per-layer allocation pools, and the
// dirty-metadata extent sets attached to inodes.
package extent

import "sort"

// Range is a contiguous run of blocks.
type Range struct {
	// Start is the first block of the run.
	Start uint64

	// Length is the number of blocks in the run. A Range with
	// Length 0 is empty and never stored in a Map.
	Length uint64
}

// End returns the block immediately after the run.
func (r Range) End() uint64 {
	return r.Start + r.Length
}

// Contains reports whether the run covers block b.
func (r Range) Contains(b uint64) bool {
	return b >= r.Start && b < r.End()
}

// Map is an ordered set of disjoint block ranges. Adjacent ranges are
// coalesced on insert, so the representation is canonical: two Maps
// holding the same block set have identical contents.
//
// Map is not safe for concurrent use; callers hold the lock that
// guards the structure the Map belongs to.
type Map struct {
	ranges []Range
}

// Insert adds a range, merging it with any adjacent or overlapping
// ranges already present.
func (m *Map) Insert(r Range) {
	if r.Length == 0 {
		return
	}

	// Position of the first range starting at or after r.
	i := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].Start >= r.Start
	})

	// Merge with the predecessor if it touches or overlaps r.
	if i > 0 && m.ranges[i-1].End() >= r.Start {
		i--
		if end := m.ranges[i].End(); end > r.End() {
			return // already fully covered
		}
		r.Length = r.End() - m.ranges[i].Start
		r.Start = m.ranges[i].Start
	}

	// Swallow successors that touch or overlap the merged range.
	j := i
	for j < len(m.ranges) && m.ranges[j].Start <= r.End() {
		if end := m.ranges[j].End(); end > r.End() {
			r.Length = end - r.Start
		}
		j++
	}

	m.ranges = append(m.ranges[:i], append([]Range{r}, m.ranges[j:]...)...)
}

// RemoveFirstFit removes and returns the lowest-addressed contiguous
// run of count blocks. Returns false when no single range is large
// enough.
func (m *Map) RemoveFirstFit(count uint64) (Range, bool) {
	for i := range m.ranges {
		if m.ranges[i].Length < count {
			continue
		}
		r := Range{Start: m.ranges[i].Start, Length: count}
		if m.ranges[i].Length == count {
			m.ranges = append(m.ranges[:i], m.ranges[i+1:]...)
		} else {
			m.ranges[i].Start += count
			m.ranges[i].Length -= count
		}
		return r, true
	}
	return Range{}, false
}

// RemoveAt removes up to count blocks starting exactly at start.
// It returns the removed range, which may be shorter than count if
// the containing range ends early, or false when start is not in
// the map.
func (m *Map) RemoveAt(start, count uint64) (Range, bool) {
	i := m.find(start)
	if i < 0 {
		return Range{}, false
	}
	have := m.ranges[i]
	take := count
	if avail := have.End() - start; avail < take {
		take = avail
	}
	m.removeSpan(i, Range{Start: start, Length: take})
	return Range{Start: start, Length: take}, true
}

// RemoveExact removes exactly r from the map. Returns false, leaving
// the map unchanged, when r is not fully present.
func (m *Map) RemoveExact(r Range) bool {
	if r.Length == 0 {
		return true
	}
	i := m.find(r.Start)
	if i < 0 || m.ranges[i].End() < r.End() {
		return false
	}
	m.removeSpan(i, r)
	return true
}

// find returns the index of the range containing block b, or -1.
func (m *Map) find(b uint64) int {
	i := sort.Search(len(m.ranges), func(i int) bool {
		return m.ranges[i].End() > b
	})
	if i < len(m.ranges) && m.ranges[i].Contains(b) {
		return i
	}
	return -1
}

// removeSpan carves span out of m.ranges[i]. The caller guarantees
// the span is fully contained in that range.
func (m *Map) removeSpan(i int, span Range) {
	have := m.ranges[i]
	switch {
	case have == span:
		m.ranges = append(m.ranges[:i], m.ranges[i+1:]...)
	case have.Start == span.Start:
		m.ranges[i].Start = span.End()
		m.ranges[i].Length = have.End() - span.End()
	case have.End() == span.End():
		m.ranges[i].Length = span.Start - have.Start
	default:
		// Split into a head and a tail.
		head := Range{Start: have.Start, Length: span.Start - have.Start}
		tail := Range{Start: span.End(), Length: have.End() - span.End()}
		m.ranges[i] = head
		m.ranges = append(m.ranges[:i+1], append([]Range{tail}, m.ranges[i+1:]...)...)
	}
}

// Contains reports whether every block of r is present.
func (m *Map) Contains(r Range) bool {
	if r.Length == 0 {
		return true
	}
	i := m.find(r.Start)
	return i >= 0 && m.ranges[i].End() >= r.End()
}

// Ranges returns the ranges in ascending start order. The slice is a
// copy; mutating it does not affect the map.
func (m *Map) Ranges() []Range {
	out := make([]Range, len(m.ranges))
	copy(out, m.ranges)
	return out
}

// Blocks returns the total number of blocks across all ranges.
func (m *Map) Blocks() uint64 {
	var n uint64
	for _, r := range m.ranges {
		n += r.Length
	}
	return n
}

// Len returns the number of disjoint ranges.
func (m *Map) Len() int {
	return len(m.ranges)
}

// Clear removes all ranges.
func (m *Map) Clear() {
	m.ranges = m.ranges[:0]
}
