package pcode

import (
	"sync/atomic"

	"github.com/tinyrange/decomp/internal/dtype"
)

var highSerial atomic.Uint64

// High-variable dirty bits.
const (
	highCoverDirty = 1 << iota
	highTypeDirty
	highMark
)

// HighVariable groups the value cells that must share one storage name in
// the output. Instances stay sorted by creation index.
type HighVariable struct {
	inst  []*Varnode
	Type  *dtype.DataType
	Symbol SymbolEntry
	SymbolOffset int

	cover  Cover
	flags  uint32
	serial uint64

	// Piece links this high to the composite whole it is a part of.
	Piece *HighVariable
	PieceOffset int

	name string
}

// NewHighVariable wraps a single cell in a fresh high-variable.
func NewHighVariable(vn *Varnode) *HighVariable {
	h := &HighVariable{
		flags:  highCoverDirty | highTypeDirty,
		serial: highSerial.Add(1),
	}
	h.insert(vn)
	return h
}

// Serial returns a process-unique creation number, used as a stable
// ordering key for cache pairs.
func (h *HighVariable) Serial() uint64 { return h.serial }

// NumInstances returns the number of member cells.
func (h *HighVariable) NumInstances() int { return len(h.inst) }

// Instance returns the i-th member in creation order.
func (h *HighVariable) Instance(i int) *Varnode { return h.inst[i] }

// Instances returns the member slice, owned by the high.
func (h *HighVariable) Instances() []*Varnode { return h.inst }

// Represent returns the cell used to print the variable: an input if one
// exists, otherwise the earliest instance.
func (h *HighVariable) Represent() *Varnode {
	for _, vn := range h.inst {
		if vn.IsInput() {
			return vn
		}
	}
	if len(h.inst) == 0 {
		return nil
	}
	return h.inst[0]
}

// Name returns the assigned output name, empty until naming runs.
func (h *HighVariable) Name() string { return h.name }

// SetName fixes the output name.
func (h *HighVariable) SetName(n string) { h.name = n }

func (h *HighVariable) insert(vn *Varnode) {
	pos := len(h.inst)
	for i, o := range h.inst {
		if vn.CreateIndex() < o.CreateIndex() {
			pos = i
			break
		}
	}
	h.inst = append(h.inst, nil)
	copy(h.inst[pos+1:], h.inst[pos:])
	h.inst[pos] = vn
	vn.setHigh(h)
	h.flags |= highCoverDirty | highTypeDirty
}

func (h *HighVariable) remove(vn *Varnode) {
	for i, o := range h.inst {
		if o == vn {
			h.inst = append(h.inst[:i], h.inst[i+1:]...)
			break
		}
	}
	if vn.High() == h {
		vn.setHigh(nil)
	}
	h.flags |= highCoverDirty | highTypeDirty
}

// CoverDirty reports whether the cover must be recomputed before use.
func (h *HighVariable) CoverDirty() bool { return h.flags&highCoverDirty != 0 }

// MarkCoverDirty invalidates the cached cover.
func (h *HighVariable) MarkCoverDirty() { h.flags |= highCoverDirty }

// GetCover returns the up-to-date cover, recomputing lazily.
func (h *HighVariable) GetCover() *Cover {
	if h.flags&highCoverDirty != 0 {
		h.cover.Clear()
		var one Cover
		for _, vn := range h.inst {
			if vn.IsAnnotation() {
				continue
			}
			one.Rebuild(vn)
			h.cover.Merge(&one)
		}
		h.flags &^= highCoverDirty
	}
	return &h.cover
}

// MergeInto moves every instance of other into h. The caller maintains the
// intersection cache.
func (h *HighVariable) MergeInto(other *HighVariable) {
	if other == h {
		return
	}
	for _, vn := range other.inst {
		pos := len(h.inst)
		for i, o := range h.inst {
			if vn.CreateIndex() < o.CreateIndex() {
				pos = i
				break
			}
		}
		h.inst = append(h.inst, nil)
		copy(h.inst[pos+1:], h.inst[pos:])
		h.inst[pos] = vn
		vn.setHigh(h)
	}
	other.inst = nil
	if h.Type == nil {
		h.Type = other.Type
	}
	if h.Symbol == nil {
		h.Symbol = other.Symbol
		h.SymbolOffset = other.SymbolOffset
	}
	h.flags |= highCoverDirty | highTypeDirty
}

// UpdateType recomputes the high's data-type as the most specific type among
// instances, respecting type locks.
func (h *HighVariable) UpdateType() {
	if h.flags&highTypeDirty == 0 {
		return
	}
	var best *dtype.DataType
	for _, vn := range h.inst {
		if vn.Type == nil {
			continue
		}
		if vn.IsTypeLocked() {
			best = vn.Type
			break
		}
		if best == nil || dtype.CompareSpecificity(vn.Type, best) < 0 {
			best = vn.Type
		}
	}
	if best != nil {
		h.Type = best
	}
	h.flags &^= highTypeDirty
}

// MarkTypeDirty invalidates the cached type.
func (h *HighVariable) MarkTypeDirty() { h.flags |= highTypeDirty }
