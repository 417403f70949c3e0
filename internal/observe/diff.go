package observe

import (
	"sort"
	"time"

	"github.com/zetareticula/meshstore/internal/document"
)

// Move relocates the item at old index From to new index To. Changed reports that the item's
// content changed as well.
type Move struct {
	From    int  `json:"from"`
	To      int  `json:"to"`
	Changed bool `json:"changed,omitempty"`
}

// Batch describes how one ordered result list became the next.
//
// Deleted holds old indices in descending order, Moved is ordered by ascending To, Inserted
// holds new indices in ascending order, and Updated holds new indices of items that kept their
// position but whose content changed. A repositioned item whose content changed is only
// reported as a Move with Changed set. Items is the complete new list.
type Batch struct {
	Inserted []int
	Updated  []int
	Deleted  []int
	Moved    []Move
	Items    []document.Document
	Initial  bool
	Time     time.Time
}

// Empty reports whether the batch changes nothing.
func (b Batch) Empty() bool {
	return len(b.Inserted) == 0 && len(b.Updated) == 0 && len(b.Deleted) == 0 && len(b.Moved) == 0
}

// Diff computes the batch turning old into next. Items that keep their relative order are
// left in place; the fewest others are reported as moves.
func Diff(old, next []document.Document) Batch {
	b := Batch{Items: next}
	oldIdx := make(map[string]int, len(old))
	for i, d := range old {
		oldIdx[d.ID] = i
	}
	newIdx := make(map[string]int, len(next))
	for j, d := range next {
		newIdx[d.ID] = j
	}

	for i := len(old) - 1; i >= 0; i-- {
		if _, ok := newIdx[old[i].ID]; !ok {
			b.Deleted = append(b.Deleted, i)
		}
	}

	// survivors in new order, with their old positions
	var (
		from, to []int
		changed  []bool
	)
	for j, d := range next {
		i, ok := oldIdx[d.ID]
		if !ok {
			b.Inserted = append(b.Inserted, j)
			continue
		}
		from = append(from, i)
		to = append(to, j)
		changed = append(changed, !document.SameContent(old[i], d))
	}
	stay := longestIncreasing(from)
	for k := range from {
		switch {
		case !stay[k]:
			b.Moved = append(b.Moved, Move{From: from[k], To: to[k], Changed: changed[k]})
		case changed[k]:
			b.Updated = append(b.Updated, to[k])
		}
	}
	return b
}

// longestIncreasing marks one longest strictly increasing subsequence of seq.
func longestIncreasing(seq []int) []bool {
	keep := make([]bool, len(seq))
	if len(seq) == 0 {
		return keep
	}
	// tails[l] is the index in seq of the smallest tail of an increasing run of length l+1
	tails := make([]int, 0, len(seq))
	prev := make([]int, len(seq))
	for i, v := range seq {
		l := sort.Search(len(tails), func(k int) bool { return seq[tails[k]] >= v })
		if l > 0 {
			prev[i] = tails[l-1]
		} else {
			prev[i] = -1
		}
		if l == len(tails) {
			tails = append(tails, i)
		} else {
			tails[l] = i
		}
	}
	for i := tails[len(tails)-1]; i >= 0; i = prev[i] {
		keep[i] = true
	}
	return keep
}

// Replay applies b to mirror, a copy of the previous list, and returns the new list. at
// supplies the element for a new index (inserted, updated or changed moved items). Unchanged
// moved items are carried over from mirror.
func Replay[T any](mirror []T, b Batch, at func(newIndex int) T) []T {
	remove := make([]int, 0, len(b.Deleted)+len(b.Moved))
	remove = append(remove, b.Deleted...)
	moved := make(map[int]T, len(b.Moved))
	for _, m := range b.Moved {
		remove = append(remove, m.From)
		if m.Changed {
			moved[m.To] = at(m.To)
		} else {
			moved[m.To] = mirror[m.From]
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(remove)))

	out := append([]T(nil), mirror...)
	for _, i := range remove {
		out = append(out[:i], out[i+1:]...)
	}

	add := make([]int, 0, len(b.Inserted)+len(b.Moved))
	inserted := make(map[int]bool, len(b.Inserted))
	for _, j := range b.Inserted {
		add = append(add, j)
		inserted[j] = true
	}
	for _, m := range b.Moved {
		add = append(add, m.To)
	}
	sort.Ints(add)
	for _, j := range add {
		var item T
		if inserted[j] {
			item = at(j)
		} else {
			item = moved[j]
		}
		out = append(out, item)
		copy(out[j+1:], out[j:])
		out[j] = item
	}

	for _, j := range b.Updated {
		out[j] = at(j)
	}
	return out
}
