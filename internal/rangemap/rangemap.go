// Package rangemap provides a container mapping possibly-overlapping ranges
// of an ordered linear domain to records. Internally the container keeps the
// common refinement of all record intervals as disjoint sub-ranges, with one
// sub-range per covering record, so point queries see every record covering
// the point without scanning.
package rangemap

import (
	"fmt"

	"github.com/google/btree"
)

// Domain supplies ordering and unit stepping for the key type.
type Domain[K any] interface {
	Compare(a, b K) int
	// Pred and Succ step one unit down or up. They are only invoked on
	// interior points, never past the ends of a record's range.
	Pred(K) K
	Succ(K) K
}

// Uint64Domain is the Domain over plain unsigned offsets.
type Uint64Domain struct{}

func (Uint64Domain) Compare(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
func (Uint64Domain) Pred(k uint64) uint64 { return k - 1 }
func (Uint64Domain) Succ(k uint64) uint64 { return k + 1 }

// Entry is the handle for one inserted record. The range and sub-sort are
// fixed at insertion; Value carries the caller's record.
type Entry[K, V any] struct {
	First   K
	Last    K
	SubSort uint32
	Value   V

	uid uint64 // creation order, final tiebreak among equal sub-sorts
}

type piece[K, V any] struct {
	first K
	last  K
	entry *Entry[K, V]
}

// Map is the sub-range container. The zero value is not usable; call New.
type Map[K, V any] struct {
	dom     Domain[K]
	tree    *btree.BTreeG[*piece[K, V]]
	nrec    int
	nextUID uint64
}

// New creates an empty map over the given domain.
func New[K, V any](dom Domain[K]) *Map[K, V] {
	m := &Map[K, V]{dom: dom}
	m.tree = btree.NewG(8, func(a, b *piece[K, V]) bool {
		if c := dom.Compare(a.first, b.first); c != 0 {
			return c < 0
		}
		if a.entry.SubSort != b.entry.SubSort {
			return a.entry.SubSort < b.entry.SubSort
		}
		return a.entry.uid < b.entry.uid
	})
	return m
}

// NumRecords returns the number of inserted records.
func (m *Map[K, V]) NumRecords() int { return m.nrec }

// Empty reports whether the map holds no records.
func (m *Map[K, V]) Empty() bool { return m.nrec == 0 }

// unzip splits every sub-range straddling the boundary just before p, so
// that afterwards no sub-range contains both Pred(p) and p.
func (m *Map[K, V]) unzip(p K) {
	covering := m.pieces(p)
	for _, pc := range covering {
		if m.dom.Compare(pc.first, p) >= 0 {
			continue // already starts at the boundary
		}
		m.tree.Delete(pc)
		lo := &piece[K, V]{first: pc.first, last: m.dom.Pred(p), entry: pc.entry}
		hi := &piece[K, V]{first: p, last: pc.last, entry: pc.entry}
		m.tree.ReplaceOrInsert(lo)
		m.tree.ReplaceOrInsert(hi)
	}
}

// pieces returns all sub-ranges covering the point p.
func (m *Map[K, V]) pieces(p K) []*piece[K, V] {
	var out []*piece[K, V]
	pivot := &piece[K, V]{first: p, entry: &Entry[K, V]{SubSort: ^uint32(0), uid: ^uint64(0)}}
	var cellFirst K
	have := false
	m.tree.DescendLessOrEqual(pivot, func(pc *piece[K, V]) bool {
		if !have {
			if m.dom.Compare(pc.last, p) < 0 {
				return false // nearest cell ends before p: gap
			}
			cellFirst = pc.first
			have = true
		}
		if m.dom.Compare(pc.first, cellFirst) != 0 {
			return false
		}
		if m.dom.Compare(pc.last, p) >= 0 {
			out = append(out, pc)
		}
		return true
	})
	// Reverse to ascending sub-sort order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Insert adds a record covering [a, b] inclusive. Records sharing boundary
// points are ordered by subsort at those points.
func (m *Map[K, V]) Insert(value V, subsort uint32, a, b K) (*Entry[K, V], error) {
	if m.dom.Compare(a, b) > 0 {
		return nil, fmt.Errorf("rangemap: inverted range")
	}
	m.nextUID++
	ent := &Entry[K, V]{First: a, Last: b, SubSort: subsort, Value: value, uid: m.nextUID}
	m.unzip(a)
	if cells := m.pieces(b); len(cells) > 0 && m.dom.Compare(cells[0].last, b) > 0 {
		m.unzip(m.dom.Succ(b))
	}

	// Walk the existing partition inside [a,b]; mirror each covered cell and
	// bridge each gap with a fresh sub-range for the new record.
	cur := a
	done := false
	for !done {
		cells := m.pieces(cur)
		if len(cells) > 0 {
			cell := cells[0]
			m.tree.ReplaceOrInsert(&piece[K, V]{first: cell.first, last: cell.last, entry: ent})
			if m.dom.Compare(cell.last, b) >= 0 {
				break
			}
			cur = m.dom.Succ(cell.last)
			continue
		}
		// Gap: runs until the next cell start or the end of the range.
		gapLast := b
		pivot := &piece[K, V]{first: cur, entry: &Entry[K, V]{}}
		m.tree.AscendGreaterOrEqual(pivot, func(pc *piece[K, V]) bool {
			if m.dom.Compare(pc.first, b) > 0 {
				return false
			}
			gapLast = m.dom.Pred(pc.first)
			return false
		})
		m.tree.ReplaceOrInsert(&piece[K, V]{first: cur, last: gapLast, entry: ent})
		if m.dom.Compare(gapLast, b) >= 0 {
			done = true
		} else {
			cur = m.dom.Succ(gapLast)
		}
	}
	m.nrec++
	return ent, nil
}

// Erase removes a record previously inserted. Sub-range boundaries no longer
// required by any record are fused away.
func (m *Map[K, V]) Erase(ent *Entry[K, V]) {
	var mine []*piece[K, V]
	pivot := &piece[K, V]{first: ent.First, entry: &Entry[K, V]{}}
	m.tree.AscendGreaterOrEqual(pivot, func(pc *piece[K, V]) bool {
		if m.dom.Compare(pc.first, ent.Last) > 0 {
			return false
		}
		if pc.entry == ent {
			mine = append(mine, pc)
		}
		return true
	})
	var bounds []K
	for _, pc := range mine {
		m.tree.Delete(pc)
		bounds = append(bounds, pc.first)
		if m.dom.Compare(pc.last, ent.Last) < 0 {
			bounds = append(bounds, m.dom.Succ(pc.last))
		}
	}
	m.nrec--
	// The record's end may also have forced a boundary on its right neighbor.
	m.tree.AscendGreaterOrEqual(&piece[K, V]{first: ent.Last, entry: &Entry[K, V]{SubSort: ^uint32(0), uid: ^uint64(0)}}, func(pc *piece[K, V]) bool {
		bounds = append(bounds, pc.first)
		return false
	})
	for _, p := range bounds {
		m.zip(p)
	}
}

// zip fuses the sub-ranges meeting at boundary p when no record requires a
// boundary there.
func (m *Map[K, V]) zip(p K) {
	right := m.pieces(p)
	if len(right) == 0 {
		return
	}
	if m.dom.Compare(right[0].first, p) != 0 {
		return // no boundary at p
	}
	// A fuse needs an abutting neighbor ending exactly at Pred(p).
	var leftLast K
	haveLeft := false
	m.tree.DescendLessOrEqual(&piece[K, V]{first: p, entry: &Entry[K, V]{}}, func(pc *piece[K, V]) bool {
		if m.dom.Compare(pc.first, p) >= 0 {
			return true
		}
		leftLast = pc.last
		haveLeft = true
		return false
	})
	if !haveLeft || m.dom.Compare(leftLast, m.dom.Pred(p)) != 0 {
		return
	}
	left := m.pieces(m.dom.Pred(p))
	if len(left) != len(right) {
		return
	}
	// The boundary is required while any record starts or ends exactly here.
	byEntry := make(map[*Entry[K, V]]*piece[K, V], len(left))
	for _, pc := range left {
		if m.dom.Compare(pc.entry.Last, pc.last) == 0 {
			return
		}
		byEntry[pc.entry] = pc
	}
	for _, pc := range right {
		if m.dom.Compare(pc.entry.First, p) == 0 {
			return
		}
		if _, ok := byEntry[pc.entry]; !ok {
			return
		}
	}
	for _, rc := range right {
		lc := byEntry[rc.entry]
		m.tree.Delete(lc)
		m.tree.Delete(rc)
		m.tree.ReplaceOrInsert(&piece[K, V]{first: lc.first, last: rc.last, entry: rc.entry})
	}
}

// Find returns the entries of every record covering the point, in sub-sort
// order.
func (m *Map[K, V]) Find(p K) []*Entry[K, V] {
	cells := m.pieces(p)
	out := make([]*Entry[K, V], 0, len(cells))
	for _, pc := range cells {
		out = append(out, pc.entry)
	}
	return out
}

// FindOverlap returns the entry of the first sub-range intersecting [a, b],
// or nil when nothing intersects.
func (m *Map[K, V]) FindOverlap(a, b K) *Entry[K, V] {
	if cells := m.pieces(a); len(cells) > 0 {
		return cells[0].entry
	}
	var found *Entry[K, V]
	pivot := &piece[K, V]{first: a, entry: &Entry[K, V]{}}
	m.tree.AscendGreaterOrEqual(pivot, func(pc *piece[K, V]) bool {
		if m.dom.Compare(pc.first, b) > 0 {
			return false
		}
		found = pc.entry
		return false
	})
	return found
}

// Ascend walks every sub-range in order, calling fn with the sub-range
// bounds and the owning record entry. Return false from fn to stop.
func (m *Map[K, V]) Ascend(fn func(first, last K, ent *Entry[K, V]) bool) {
	m.tree.Ascend(func(pc *piece[K, V]) bool {
		return fn(pc.first, pc.last, pc.entry)
	})
}
