package funcdata

import (
	"github.com/tinyrange/decomp/internal/dtype"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
	"github.com/tinyrange/decomp/internal/symtab"
)

// ResolvedUnionKey identifies one data-flow edge touching a union type.
type ResolvedUnionKey struct {
	UnionID uint64
	Seq     space.SeqNum
	// Slot is the input slot, or -1 for the output edge.
	Slot int
}

// ResolvedUnion is the field chosen for the edge. Locked entries come from
// user facet symbols and are never overwritten.
type ResolvedUnion struct {
	Field int
	Lock  bool
}

// ResolveUnion picks (or recalls) the union field used on the given edge.
func (fd *Funcdata) ResolveUnion(op *pcode.PcodeOp, slot int, union *dtype.DataType) *ResolvedUnion {
	parent := union
	if union.Meta == dtype.MetaPartialUnion {
		parent = union.Element
	}
	key := ResolvedUnionKey{UnionID: parent.ID, Seq: op.Seq(), Slot: slot}
	if res, ok := fd.resolved[key]; ok {
		return res
	}
	res := &ResolvedUnion{Field: fd.pickUnionField(op, slot, parent)}
	fd.resolved[key] = res

	// A phi reading the same cell through several slots resolves them all
	// identically.
	if op.Code() == pcode.OpMultiequal && slot >= 0 {
		vn := op.Input(slot)
		for i := 0; i < op.NumInput(); i++ {
			if i != slot && op.Input(i) == vn {
				k := key
				k.Slot = i
				if _, ok := fd.resolved[k]; !ok {
					fd.resolved[k] = res
				}
			}
		}
	}
	return res
}

// LockUnionFacet installs a user-forced field choice for an edge.
func (fd *Funcdata) LockUnionFacet(union *dtype.DataType, seq space.SeqNum, slot, field int) {
	key := ResolvedUnionKey{UnionID: union.ID, Seq: seq, Slot: slot}
	fd.resolved[key] = &ResolvedUnion{Field: field, Lock: true}
}

// ResolvedUnions exposes the cache for encoding.
func (fd *Funcdata) ResolvedUnions() map[ResolvedUnionKey]*ResolvedUnion {
	return fd.resolved
}

// pickUnionField chooses the field best matching the size read or written
// on the edge. -1 keeps the whole union.
func (fd *Funcdata) pickUnionField(op *pcode.PcodeOp, slot int, union *dtype.DataType) int {
	var vn *pcode.Varnode
	if slot < 0 {
		vn = op.Output()
	} else {
		vn = op.Input(slot)
	}
	if vn == nil {
		return -1
	}
	for i := range union.Fields {
		if union.Fields[i].Type.Size == vn.Size {
			return i
		}
	}
	return -1
}

// applyFacetSymbols seeds the resolution cache from facet symbols mapped in
// the local scope.
func (fd *Funcdata) applyFacetSymbols() {
	var walk func(sc *symtab.Scope)
	walk = func(sc *symtab.Scope) {
		for _, sym := range sc.Symbols() {
			if sym.Kind != symtab.KindFacet || sym.Type == nil || sym.FacetField < 0 {
				continue
			}
			if !sym.DynAddr.IsInvalid() {
				fd.obank.AscendRange(sym.DynAddr, sym.DynAddr, func(op *pcode.PcodeOp) bool {
					for i := 0; i < op.NumInput(); i++ {
						fd.LockUnionFacet(sym.Type, op.Seq(), i, sym.FacetField)
					}
					fd.LockUnionFacet(sym.Type, op.Seq(), -1, sym.FacetField)
					return true
				})
			}
		}
		for _, ch := range sc.Children() {
			walk(ch)
		}
	}
	walk(fd.symbols.Global())
}

// propagateEdge computes the type flowing across one edge of op, from the
// cell in inSlot (-1 for output) toward outSlot (-1 for output). A nil
// result stops propagation on the edge.
func (fd *Funcdata) propagateEdge(op *pcode.PcodeOp, inSlot, outSlot int, alt *dtype.DataType) *dtype.DataType {
	types := fd.deps.Types
	cellOf := func(slot int) *pcode.Varnode {
		if slot < 0 {
			return op.Output()
		}
		return op.Input(slot)
	}
	src := cellOf(inSlot)
	dst := cellOf(outSlot)
	if src == nil || dst == nil {
		return nil
	}
	cur := alt
	if cur == nil {
		cur = src.Type
	}
	if cur == nil {
		return nil
	}

	switch op.Code() {
	case pcode.OpCopy, pcode.OpMultiequal, pcode.OpIndirect:
		if src.Size != dst.Size {
			return nil
		}
		return cur
	case pcode.OpIntEqual, pcode.OpIntNotEqual, pcode.OpIntLess, pcode.OpIntLessEqual,
		pcode.OpIntSLess, pcode.OpIntSLessEqual:
		// Types meet across the comparison's two inputs.
		if inSlot < 0 || outSlot < 0 || src.Size != dst.Size {
			return nil
		}
		return cur
	case pcode.OpIntAdd:
		if cur.Meta == dtype.MetaPtr && outSlot < 0 {
			return cur
		}
		return nil
	case pcode.OpPtrAdd:
		if inSlot == 0 && outSlot < 0 {
			return cur
		}
		return nil
	case pcode.OpPtrSub:
		if inSlot != 0 || outSlot >= 0 || cur.Meta != dtype.MetaPtr {
			return nil
		}
		if !op.Input(1).IsConstant() {
			return nil
		}
		off := int(op.Input(1).ConstantValue())
		comp := types.ExactPiece(cur.Element, off, componentSizeHint(cur.Element, off))
		if comp == nil {
			return nil
		}
		return types.Pointer(cur.Size, comp, cur.WordSize)
	case pcode.OpLoad:
		if inSlot == 1 && outSlot < 0 && cur.Meta == dtype.MetaPtr && cur.Element != nil {
			if cur.Element.Size == dst.Size {
				return cur.Element
			}
		}
		return nil
	case pcode.OpStore:
		if inSlot == 1 && outSlot == 2 && cur.Meta == dtype.MetaPtr && cur.Element != nil {
			if cur.Element.Size == dst.Size {
				return cur.Element
			}
		}
		return nil
	case pcode.OpSubpiece:
		if inSlot == 0 && outSlot < 0 && cur.IsComposite() {
			off := int(op.Input(1).ConstantValue())
			return types.ExactPiece(cur, off, dst.Size)
		}
		return nil
	case pcode.OpPiece, pcode.OpCast:
		return nil
	}
	return nil
}

func componentSizeHint(dt *dtype.DataType, off int) int {
	if dt == nil {
		return 1
	}
	if f := dt.FieldAt(off, 1); f != nil {
		return f.Type.Size
	}
	return 1
}

// maxPropagationPasses caps the type-flow loop.
const maxPropagationPasses = 100

// PropagateTypes seeds every cell with a default type, then flows locked
// and inferred types across operation edges until nothing changes.
func (fd *Funcdata) PropagateTypes() {
	types := fd.deps.Types
	fd.applyFacetSymbols()

	fd.vbank.AscendLoc(func(vn *pcode.Varnode) bool {
		if vn.Type != nil {
			return true
		}
		switch {
		case vn.IsConstant():
			vn.Type = types.Base(vn.Size, dtype.MetaUint)
		default:
			vn.Type = types.Base(vn.Size, dtype.MetaUnknown)
		}
		return true
	})

	update := func(vn *pcode.Varnode, nt *dtype.DataType) bool {
		if nt == nil || vn.IsTypeLocked() || vn.Type == nt {
			return false
		}
		if vn.Type != nil && dtype.CompareSpecificity(nt, vn.Type) >= 0 {
			return false
		}
		if nt.IsUnionView() {
			// Reads and writes of a union pick a field per edge; the cell
			// itself keeps the union view type.
			vn.Type = nt
			if h := vn.High(); h != nil {
				h.MarkTypeDirty()
			}
			return true
		}
		vn.Type = nt
		if h := vn.High(); h != nil {
			h.MarkTypeDirty()
		}
		return true
	}

	for pass := 0; pass < maxPropagationPasses; pass++ {
		changed := false
		fd.obank.AscendAlive(func(op *pcode.PcodeOp) bool {
			n := op.NumInput()
			slots := make([]int, 0, n+1)
			if op.Output() != nil {
				slots = append(slots, -1)
			}
			for i := 0; i < n; i++ {
				if op.Input(i) != nil && !op.Input(i).IsAnnotation() {
					slots = append(slots, i)
				}
			}
			for _, from := range slots {
				for _, to := range slots {
					if from == to {
						continue
					}
					nt := fd.propagateEdge(op, from, to, nil)
					if nt == nil {
						continue
					}
					if nt.IsUnionView() {
						res := fd.ResolveUnion(op, to, nt)
						if res.Field >= 0 {
							parent := nt
							if nt.Meta == dtype.MetaPartialUnion {
								parent = nt.Element
							}
							nt = parent.Fields[res.Field].Type
						}
					}
					var dst *pcode.Varnode
					if to < 0 {
						dst = op.Output()
					} else {
						dst = op.Input(to)
					}
					if update(dst, nt) {
						changed = true
					}
				}
			}
			return true
		})
		if !changed {
			break
		}
	}

	// Constant pointers to mapped symbols pick up the symbol's type.
	fd.vbank.AscendLoc(func(vn *pcode.Varnode) bool {
		if !vn.IsConstant() || vn.Type == nil || vn.Type.Meta != dtype.MetaPtr {
			return true
		}
		dataSp := fd.deps.Spaces.DefaultData()
		addr := space.Address{Space: dataSp, Offset: vn.ConstantValue()}
		if e := fd.locals.LookupStorage(addr, 1); e != nil {
			vn.MapSymbol(e, int(addr.Offset-e.Addr.Offset))
		}
		return true
	})
}
