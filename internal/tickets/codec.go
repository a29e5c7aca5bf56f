// Package tickets converts between ticket indices and the compact
// representation stored on orders: inclusive ranges plus an optional
// sparse list of lucky indices.
package tickets

import (
	"fmt"
	"slices"

	"raffle-core/internal/models"
)

// Set is the ticket set of one order.
type Set struct {
	Ranges []models.Range
	Lucky  []int
}

// Count returns the number of tickets in s.
func (s Set) Count() int {
	n := len(s.Lucky)
	for _, r := range s.Ranges {
		n += r.Len()
	}
	return n
}

// Expand lists every index of s: ranges in order, then lucky indices verbatim.
func Expand(s Set) []int {
	out := make([]int, 0, s.Count())
	for _, r := range s.Ranges {
		for i := r.Start; i <= r.End; i++ {
			out = append(out, i)
		}
	}
	return append(out, s.Lucky...)
}

// Compress turns indices into the minimal set of contiguous ranges.
// Duplicates are dropped. In lucky mode, runs of a single index are
// kept in Lucky instead of becoming one-element ranges.
func Compress(indices []int, lucky bool) Set {
	if len(indices) == 0 {
		return Set{}
	}
	sorted := slices.Clone(indices)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	var s Set
	flush := func(start, end int) {
		if start == end && lucky {
			s.Lucky = append(s.Lucky, start)
			return
		}
		s.Ranges = append(s.Ranges, models.Range{Start: start, End: end})
	}

	start, prev := sorted[0], sorted[0]
	for _, i := range sorted[1:] {
		if i == prev+1 {
			prev = i
			continue
		}
		flush(start, prev)
		start, prev = i, i
	}
	flush(start, prev)
	return s
}

// IndexAt resolves a 0-based position within the set to its ticket index.
// Positions walk the ranges first, then fall through to the lucky list.
func IndexAt(s Set, position int) (int, error) {
	if position < 0 || position >= s.Count() {
		return 0, fmt.Errorf("position %d out of bounds for %d tickets", position, s.Count())
	}
	for _, r := range s.Ranges {
		if position < r.Len() {
			return r.Start + position, nil
		}
		position -= r.Len()
	}
	return s.Lucky[position], nil
}

// Contains reports whether index belongs to s.
func Contains(s Set, index int) bool {
	for _, r := range s.Ranges {
		if index >= r.Start && index <= r.End {
			return true
		}
	}
	return slices.Contains(s.Lucky, index)
}

// OfOrder returns the ticket set stored on o.
func OfOrder(o models.Order) Set {
	return Set{Ranges: o.TicketRanges, Lucky: o.LuckyIndices}
}
