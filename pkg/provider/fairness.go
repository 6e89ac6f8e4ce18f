package provider

import (
	"cmp"
	"slices"
)

// Candidate is a PENDING task considered for a claim.
type Candidate struct {
	OrderingFactor *int64
	ConcurrencyKey string
	ID             int64
}

// Before reports whether c is claimed ahead of o: tasks with an ordering
// factor come first in ascending order, then insertion order.
func (c Candidate) Before(o Candidate) bool {
	return compareCandidates(c, o) < 0
}

func compareCandidates(a, b Candidate) int {
	switch {
	case a.OrderingFactor != nil && b.OrderingFactor == nil:
		return -1
	case a.OrderingFactor == nil && b.OrderingFactor != nil:
		return 1
	case a.OrderingFactor != nil && b.OrderingFactor != nil:
		if c := cmp.Compare(*a.OrderingFactor, *b.OrderingFactor); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.ID, b.ID)
}

// SelectFair picks at most capacity candidates for one processor type.
//
// Every concurrency key that has no RUNNING task contributes its oldest
// candidate, at most one per call, and the no-key bucket contributes its
// oldest task alongside them; these heads are taken in claim order. Slots
// left over are filled with the remaining no-key tasks in FIFO order. Keys
// listed in running are skipped entirely.
func SelectFair(candidates []Candidate, running map[string]bool, capacity int) []Candidate {
	if capacity <= 0 || len(candidates) == 0 {
		return nil
	}

	sorted := slices.Clone(candidates)
	slices.SortStableFunc(sorted, compareCandidates)

	picked := make([]Candidate, 0, min(capacity, len(sorted)))
	taken := make(map[int64]bool, capacity)
	seenKeys := make(map[string]bool)
	nullTaken := false

	for _, c := range sorted {
		if len(picked) == capacity {
			return picked
		}
		if c.ConcurrencyKey == "" {
			if nullTaken {
				continue
			}
			nullTaken = true
		} else {
			if running[c.ConcurrencyKey] || seenKeys[c.ConcurrencyKey] {
				continue
			}
			seenKeys[c.ConcurrencyKey] = true
		}
		picked = append(picked, c)
		taken[c.ID] = true
	}

	for _, c := range sorted {
		if len(picked) == capacity {
			break
		}
		if c.ConcurrencyKey == "" && !taken[c.ID] {
			picked = append(picked, c)
			taken[c.ID] = true
		}
	}

	return picked
}
