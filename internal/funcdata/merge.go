package funcdata

import (
	"sort"

	"github.com/tinyrange/decomp/internal/pcode"
)

// highPair is an unordered pair of high-variables.
type highPair struct {
	a, b *pcode.HighVariable
}

func makePair(a, b *pcode.HighVariable) highPair {
	if b.Serial() < a.Serial() {
		a, b = b, a
	}
	return highPair{a, b}
}

// Merge groups value cells into high-variables and owns the cover
// intersection cache.
type Merge struct {
	fd *Funcdata

	// cache holds intersection answers. An entry is only valid while
	// neither side's cover has changed; noteDirty purges lazily via the
	// dirty set.
	cache map[highPair]bool

	// dirty holds highs whose cover changed since their cache entries were
	// written; entries touching them are discarded on first touch.
	dirty map[*pcode.HighVariable]bool
}

func newMerge(fd *Funcdata) *Merge {
	return &Merge{
		fd:    fd,
		cache: make(map[highPair]bool),
		dirty: make(map[*pcode.HighVariable]bool),
	}
}

func (m *Merge) noteDirty(h *pcode.HighVariable) {
	if h != nil {
		m.dirty[h] = true
	}
}

// purgeDirty drops every cache entry touching a dirtied high.
func (m *Merge) purgeDirty() {
	if len(m.dirty) == 0 {
		return
	}
	for p := range m.cache {
		if m.dirty[p.a] || m.dirty[p.b] {
			delete(m.cache, p)
		}
	}
	m.dirty = make(map[*pcode.HighVariable]bool)
}

// CacheLen reports the number of cached intersection answers.
func (m *Merge) CacheLen() int { return len(m.cache) }

// CachedIntersect returns the cached answer for the pair, ok false when
// absent or stale.
func (m *Merge) CachedIntersect(a, b *pcode.HighVariable) (bool, bool) {
	m.purgeDirty()
	v, ok := m.cache[makePair(a, b)]
	return v, ok
}

// Intersect reports whether two high-variables' covers intersect, using and
// maintaining the cache.
func (m *Merge) Intersect(a, b *pcode.HighVariable) bool {
	if a == b {
		return false
	}
	m.purgeDirty()
	p := makePair(a, b)
	if v, ok := m.cache[p]; ok {
		return v
	}
	v := m.testIntersect(a, b)
	m.cache[p] = v
	return v
}

// testIntersect computes the answer: a coarse per-block cover test first;
// a boundary-only touch is discounted when the touching cells shadow each
// other through COPYs.
func (m *Merge) testIntersect(a, b *pcode.HighVariable) bool {
	switch a.GetCover().Intersect(b.GetCover()) {
	case pcode.IntersectNone:
		return false
	case pcode.IntersectProper:
		return true
	}
	// Boundary touch: find a touching pair of instances and test copy
	// shadowing.
	for _, va := range a.Instances() {
		if va.IsAnnotation() {
			continue
		}
		for _, vb := range b.Instances() {
			if vb.IsAnnotation() {
				continue
			}
			if va.CopyShadow(vb) {
				return false
			}
			if va.Size != vb.Size {
				rel := int(va.Addr.Offset) - int(vb.Addr.Offset)
				if rel >= 0 && va.PartialCopyShadow(vb, rel) {
					return false
				}
				if rel <= 0 && vb.PartialCopyShadow(va, -rel) {
					return false
				}
			}
		}
	}
	return true
}

// MergeHigh merges b into a, keeping the cache coherent: every true entry
// involving b transfers to a; a false entry survives only when both sides
// already agreed it was false.
func (m *Merge) MergeHigh(a, b *pcode.HighVariable) {
	if a == b {
		return
	}
	m.purgeDirty()
	// confirmed records pairs whose post-merge answer is known: true when b
	// intersected, false when both a and b agreed false.
	confirmed := make(map[highPair]bool)
	for p, v := range m.cache {
		var other *pcode.HighVariable
		switch {
		case p.a == b:
			other = p.b
		case p.b == b:
			other = p.a
		default:
			continue
		}
		delete(m.cache, p)
		if other == a {
			continue
		}
		np := makePair(a, other)
		if v {
			confirmed[np] = true
		} else if prior, ok := m.cache[np]; ok && !prior {
			confirmed[np] = false
		}
	}
	// Every unconfirmed false entry involving a could flip by gaining b's
	// cover; those re-run lazily.
	for p, v := range m.cache {
		if p.a != a && p.b != a {
			continue
		}
		if v {
			continue
		}
		if _, ok := confirmed[p]; ok {
			continue
		}
		delete(m.cache, p)
	}
	for p, v := range confirmed {
		m.cache[p] = v
	}
	a.MergeInto(b)
}

// mergeTest reports whether the pair may merge: no cover intersection, and
// compatible metatypes.
func (m *Merge) mergeTest(a, b *pcode.HighVariable) bool {
	if a == b {
		return false
	}
	ra, rb := a.Represent(), b.Represent()
	if ra == nil || rb == nil || ra.Size != rb.Size {
		return false
	}
	if m.Intersect(a, b) {
		return false
	}
	return true
}

// MergeOpInputs groups the inputs and output of marker ops (phi and
// indirect): they name the same storage over time.
func (m *Merge) MergeOpInputs() {
	for _, code := range []pcode.OpCode{pcode.OpMultiequal, pcode.OpIndirect} {
		ops := m.fd.obank.OpsOf(code)
		sort.Slice(ops, func(i, j int) bool { return ops[i].Seq().Compare(ops[j].Seq()) < 0 })
		for _, op := range ops {
			out := op.Output()
			if out == nil || out.High() == nil {
				continue
			}
			for i := 0; i < op.NumInput(); i++ {
				in := op.Input(i)
				if in == nil || in.High() == nil || in.IsConstant() || in.IsAnnotation() {
					continue
				}
				if code == pcode.OpIndirect && i != 0 {
					continue
				}
				if m.mergeTest(out.High(), in.High()) {
					m.MergeHigh(out.High(), in.High())
				}
			}
		}
	}
}

// MergeAdjacentCopies groups COPY outputs with their inputs when the copy
// shadows rather than diverges.
func (m *Merge) MergeAdjacentCopies() {
	var copies []*pcode.PcodeOp
	m.fd.obank.AscendAlive(func(op *pcode.PcodeOp) bool {
		if op.Code() == pcode.OpCopy {
			copies = append(copies, op)
		}
		return true
	})
	for _, op := range copies {
		out, in := op.Output(), op.Input(0)
		if out == nil || in == nil || in.IsConstant() || in.IsAnnotation() {
			continue
		}
		ho, hi := out.High(), in.High()
		if ho == nil || hi == nil {
			continue
		}
		if m.mergeTest(ho, hi) {
			m.MergeHigh(ho, hi)
		}
	}
}

// MergeByStorage groups address-tied cells sharing exact storage: they are
// one variable by definition.
func (m *Merge) MergeByStorage() {
	type key struct {
		addr pcode.VarnodeData
	}
	groups := make(map[key][]*pcode.HighVariable)
	m.fd.vbank.AscendLoc(func(vn *pcode.Varnode) bool {
		if !vn.IsAddrTied() || vn.High() == nil {
			return true
		}
		k := key{pcode.VarnodeData{Addr: vn.Addr, Size: vn.Size}}
		groups[k] = append(groups[k], vn.High())
		return true
	})
	for _, highs := range groups {
		base := highs[0]
		for _, h := range highs[1:] {
			if h == base {
				continue
			}
			m.MergeHigh(base, h)
		}
	}
}

// Run performs the merge passes in order.
func (m *Merge) Run() {
	m.MergeByStorage()
	m.MergeOpInputs()
	m.MergeAdjacentCopies()
}
