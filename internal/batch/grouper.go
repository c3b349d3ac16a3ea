// Package batch partitions a job's work items into sub-batches bounded by
// item count and cumulative estimated byte size, so one downstream call
// never exceeds the API's payload limits.
package batch

import (
	"sort"

	"github.com/lumenlearn/gradeq/internal/domain"
)

// SizeEstimator guesses the wire cost of one item. The default counts
// content bytes plus a fixed per-item envelope; callers with a better cost
// model supply their own.
type SizeEstimator func(domain.WorkItem) int64

const itemOverheadBytes = 256

func DefaultEstimator(it domain.WorkItem) int64 {
	return int64(len(it.Content)) + itemOverheadBytes
}

type Grouper struct {
	MaxItems int
	MaxBytes int64
	Estimate SizeEstimator
}

func NewGrouper(maxItems int, maxBytes int64) *Grouper {
	return &Grouper{MaxItems: maxItems, MaxBytes: maxBytes, Estimate: DefaultEstimator}
}

// Split partitions items into ordered sub-batches. Items are sorted by
// ascending estimated size first, so oversized items end up alone in their
// own groups instead of starving small items out of a shared one. The sort
// is stable on the original index, which makes the partition deterministic
// for identical input.
func (g *Grouper) Split(items []domain.WorkItem) [][]domain.WorkItem {
	if len(items) == 0 {
		return nil
	}

	type sized struct {
		item domain.WorkItem
		size int64
	}
	ordered := make([]sized, len(items))
	for i, it := range items {
		ordered[i] = sized{item: it, size: g.Estimate(it)}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].size < ordered[j].size })

	var groups [][]domain.WorkItem
	var cur []domain.WorkItem
	var curBytes int64

	for _, s := range ordered {
		full := len(cur) >= g.MaxItems || (len(cur) > 0 && curBytes+s.size > g.MaxBytes)
		if full {
			groups = append(groups, cur)
			cur, curBytes = nil, 0
		}
		cur = append(cur, s.item)
		curBytes += s.size
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}
