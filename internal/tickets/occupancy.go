package tickets

import (
	"slices"
	"sort"

	"raffle-core/internal/models"
)

// Occupancy is the merged set of taken indices of a raffle. It answers
// membership, counting and "n-th free index" queries in O(log m) where m
// is the number of merged spans, independent of the raffle size.
type Occupancy struct {
	spans      []models.Range
	takenUpTo  []int // takenUpTo[j] = tickets in spans[0..j]
	freeBefore []int // freeBefore[j] = free indices below spans[j].Start
}

// OccupancyBuilder accumulates taken spans in any order.
type OccupancyBuilder struct {
	spans []models.Range
}

// AddRange marks r as taken.
func (b *OccupancyBuilder) AddRange(r models.Range) {
	if r.End < r.Start {
		return
	}
	b.spans = append(b.spans, r)
}

// AddIndex marks a single index as taken.
func (b *OccupancyBuilder) AddIndex(i int) {
	b.spans = append(b.spans, models.Range{Start: i, End: i})
}

// AddSet marks every ticket of s as taken.
func (b *OccupancyBuilder) AddSet(s Set) {
	for _, r := range s.Ranges {
		b.AddRange(r)
	}
	for _, i := range s.Lucky {
		b.AddIndex(i)
	}
}

// Build merges overlapping and adjacent spans, clipped to [0,total).
func (b *OccupancyBuilder) Build(total int) Occupancy {
	spans := slices.Clone(b.spans)
	slices.SortFunc(spans, func(a, c models.Range) int { return a.Start - c.Start })

	var merged []models.Range
	for _, r := range spans {
		r.Start = max(r.Start, 0)
		r.End = min(r.End, total-1)
		if r.End < r.Start {
			continue
		}
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End+1 {
			merged[n-1].End = max(merged[n-1].End, r.End)
			continue
		}
		merged = append(merged, r)
	}

	o := Occupancy{
		spans:      merged,
		takenUpTo:  make([]int, len(merged)),
		freeBefore: make([]int, len(merged)),
	}
	taken := 0
	for j, r := range merged {
		o.freeBefore[j] = r.Start - taken
		taken += r.Len()
		o.takenUpTo[j] = taken
	}
	return o
}

// Taken returns the number of taken indices.
func (o Occupancy) Taken() int {
	if len(o.takenUpTo) == 0 {
		return 0
	}
	return o.takenUpTo[len(o.takenUpTo)-1]
}

// Contains reports whether index i is taken.
func (o Occupancy) Contains(i int) bool {
	j := sort.Search(len(o.spans), func(j int) bool { return o.spans[j].End >= i })
	return j < len(o.spans) && o.spans[j].Start <= i
}

// NthFree returns the k-th (0-based) free index. The caller guarantees
// k < total - Taken().
func (o Occupancy) NthFree(k int) int {
	p := sort.Search(len(o.freeBefore), func(j int) bool { return o.freeBefore[j] > k })
	if p == 0 {
		return k
	}
	return k + o.takenUpTo[p-1]
}

// Spans returns the merged taken spans.
func (o Occupancy) Spans() []models.Range { return o.spans }
