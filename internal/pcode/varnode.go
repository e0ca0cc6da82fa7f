package pcode

import (
	"fmt"

	"github.com/tinyrange/decomp/internal/dtype"
	"github.com/tinyrange/decomp/internal/space"
)

// Varnode flags.
const (
	// VfAddrTied means the storage address is the identity of the value
	// across the whole function: every cell at this address aliases it.
	VfAddrTied = 1 << iota
	// VfAddrForce keeps the value live at its address even when no reads
	// remain.
	VfAddrForce
	// VfInput marks a function input: no defining op.
	VfInput
	// VfConstant marks a cell in the constant space.
	VfConstant
	// VfAnnotation marks a code reference carried for display only.
	VfAnnotation
	// VfPersist marks storage that survives the function (globals).
	VfPersist
	// VfIndirectCreation marks a cell conjured by an INDIRECT rather than
	// truly written.
	VfIndirectCreation
	// VfSpacebase marks a pointer to the base of an address space.
	VfSpacebase
	// VfVolatile marks storage with side-effectful reads/writes.
	VfVolatile
	// VfTypeLock pins the data-type against propagation.
	VfTypeLock
	// VfNameLock pins the symbol name.
	VfNameLock
	// VfReadOnly marks storage the loader says never changes.
	VfReadOnly
	// VfMark is the scratch traversal bit.
	VfMark
	// VfImplied marks a value printed as part of its use expression.
	VfImplied
	// VfExplicit marks a value printed as its own variable.
	VfExplicit
	// VfWritten means the cell has a defining op.
	VfWritten
	// VfInsert means the cell is linked into the bank's indexes.
	VfInsert
	// VfAutoLive keeps the cell alive through dead-code elimination.
	VfAutoLive
)

// SymbolEntry is what a varnode knows about the symbol mapped to its
// storage. The symbol table supplies the implementation.
type SymbolEntry interface {
	SymbolName() string
	SymbolID() uint64
}

// Varnode is one SSA value cell: a storage range plus the operation that
// defines it. Cells are created and owned by a VarnodeBank.
type Varnode struct {
	Addr space.Address
	Size int

	def     *PcodeOp
	descend []*PcodeOp // ops reading this cell
	flags   uint32

	nzMask  uint64 // bits that may be set
	consume uint64 // bits observed by descendants

	Type     *dtype.DataType
	high     *HighVariable
	entry    SymbolEntry
	entryOff int

	createIndex uint32
	mergeGroup  int16
}

// Def returns the defining op, nil for inputs, constants and free cells.
func (vn *Varnode) Def() *PcodeOp { return vn.def }

// Descend returns the ops reading this cell. The slice is owned by the
// varnode; callers must not mutate it.
func (vn *Varnode) Descend() []*PcodeOp { return vn.descend }

// LoneDescend returns the single reading op, or nil if there are zero or
// several.
func (vn *Varnode) LoneDescend() *PcodeOp {
	if len(vn.descend) == 1 {
		return vn.descend[0]
	}
	return nil
}

func (vn *Varnode) Flags() uint32        { return vn.flags }
func (vn *Varnode) HasFlag(f uint32) bool { return vn.flags&f != 0 }
func (vn *Varnode) SetFlag(f uint32)     { vn.flags |= f }
func (vn *Varnode) ClearFlag(f uint32)   { vn.flags &^= f }

func (vn *Varnode) IsConstant() bool   { return vn.flags&VfConstant != 0 }
func (vn *Varnode) IsInput() bool      { return vn.flags&VfInput != 0 }
func (vn *Varnode) IsWritten() bool    { return vn.flags&VfWritten != 0 }
func (vn *Varnode) IsFree() bool       { return vn.flags&(VfWritten|VfInput|VfConstant) == 0 }
func (vn *Varnode) IsAddrTied() bool   { return vn.flags&VfAddrTied != 0 }
func (vn *Varnode) IsAnnotation() bool { return vn.flags&VfAnnotation != 0 }
func (vn *Varnode) IsTypeLocked() bool { return vn.flags&VfTypeLock != 0 }
func (vn *Varnode) IsHeritageKnown() bool {
	return vn.flags&(VfInsert|VfConstant|VfAnnotation) != 0
}

// ConstantValue returns the value of a constant cell.
func (vn *Varnode) ConstantValue() uint64 { return vn.Addr.Offset }

// NZMask returns the mask of bits that may be nonzero.
func (vn *Varnode) NZMask() uint64 { return vn.nzMask }

// SetNZMask narrows the nonzero mask.
func (vn *Varnode) SetNZMask(m uint64) { vn.nzMask = m & CalcMask(vn.Size) }

// Consume returns the bits consumed downstream.
func (vn *Varnode) Consume() uint64     { return vn.consume }
func (vn *Varnode) SetConsume(m uint64) { vn.consume = m }

// High returns the high-variable grouping, nil before the high-level index
// is captured.
func (vn *Varnode) High() *HighVariable { return vn.high }

func (vn *Varnode) setHigh(h *HighVariable) { vn.high = h }

// SymbolEntry returns the mapped symbol, nil if none.
func (vn *Varnode) SymbolEntry() (SymbolEntry, int) { return vn.entry, vn.entryOff }

// MapSymbol attaches a symbol entry at the given byte offset within the
// symbol's storage.
func (vn *Varnode) MapSymbol(e SymbolEntry, off int) {
	vn.entry = e
	vn.entryOff = off
}

// CreateIndex returns the creation order of the cell within its bank.
func (vn *Varnode) CreateIndex() uint32 { return vn.createIndex }

// Overlap returns the byte offset of this cell within other, or -1 when the
// storage does not nest.
func (vn *Varnode) Overlap(other *Varnode) int {
	if !vn.Addr.ContainedBy(vn.Size, other.Addr, other.Size) {
		return -1
	}
	return int(vn.Addr.Offset - other.Addr.Offset)
}

// Intersects reports whether the two storage ranges share a byte.
func (vn *Varnode) Intersects(other *Varnode) bool {
	if vn.Addr.Space != other.Addr.Space || vn.Addr.Space == nil {
		return false
	}
	if vn.Addr.Space.Kind() == space.KindConstant {
		return false
	}
	if vn.Addr.Offset <= other.Addr.Offset {
		return other.Addr.Offset-vn.Addr.Offset < uint64(vn.Size)
	}
	return vn.Addr.Offset-other.Addr.Offset < uint64(other.Size)
}

// CopyShadow reports whether the two cells hold the same value because one
// reaches the other through COPY ops.
func (vn *Varnode) CopyShadow(other *Varnode) bool {
	if vn == other {
		return true
	}
	for v := vn; v != nil && v.IsWritten() && v.def.code == OpCopy; {
		v = v.def.inputs[0]
		if v == other {
			return true
		}
	}
	for v := other; v != nil && v.IsWritten() && v.def.code == OpCopy; {
		v = v.def.inputs[0]
		if v == vn {
			return true
		}
	}
	return false
}

// PartialCopyShadow reports whether vn is a SUBPIECE of other (or of a copy
// shadow of it) at the matching relative offset, so the two never diverge.
func (vn *Varnode) PartialCopyShadow(other *Varnode, relOff int) bool {
	if !vn.IsWritten() || vn.def.code != OpSubpiece {
		return false
	}
	if int(vn.def.inputs[1].ConstantValue()) != relOff {
		return false
	}
	return vn.def.inputs[0].CopyShadow(other)
}

func (vn *Varnode) String() string {
	if vn.IsConstant() {
		return fmt.Sprintf("#%#x:%d", vn.Addr.Offset, vn.Size)
	}
	return fmt.Sprintf("%s:%d", vn.Addr, vn.Size)
}

func (vn *Varnode) addDescend(op *PcodeOp) {
	vn.descend = append(vn.descend, op)
}

func (vn *Varnode) removeDescend(op *PcodeOp) {
	for i, d := range vn.descend {
		if d == op {
			vn.descend[i] = vn.descend[len(vn.descend)-1]
			vn.descend = vn.descend[:len(vn.descend)-1]
			return
		}
	}
}
