package funcdata

import (
	"github.com/tinyrange/decomp/internal/diag"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
)

// NewOp creates a dead op with the given input arity at addr.
func (fd *Funcdata) NewOp(numInputs int, addr space.Address) *pcode.PcodeOp {
	return fd.obank.Create(numInputs, addr)
}

// NewVarnode returns the free cell with the given storage, creating it if
// needed.
func (fd *Funcdata) NewVarnode(size int, addr space.Address) *pcode.Varnode {
	if vn := fd.vbank.Find(size, addr, space.Invalid(), ^uint32(0)); vn != nil && vn.IsFree() {
		return vn
	}
	vn := fd.vbank.Create(size, addr)
	fd.assignHigh(vn)
	return vn
}

// NewConstant creates a fresh constant cell.
func (fd *Funcdata) NewConstant(size int, val uint64) *pcode.Varnode {
	addr := space.Address{Space: fd.deps.Spaces.Constant(), Offset: val & pcode.CalcMask(size)}
	vn := fd.vbank.Create(size, addr)
	fd.assignHigh(vn)
	return vn
}

// NewCodeRef creates an annotation cell referring to a code address.
func (fd *Funcdata) NewCodeRef(addr space.Address) *pcode.Varnode {
	vn := fd.vbank.Create(1, addr)
	vn.SetFlag(pcode.VfAnnotation)
	return vn
}

// NewUniqueOut allocates a fresh temporary and attaches it as op's output.
func (fd *Funcdata) NewUniqueOut(size int, op *pcode.PcodeOp) *pcode.Varnode {
	uniq := fd.deps.Spaces.Unique()
	addr := space.Address{Space: uniq, Offset: fd.uniqBase}
	fd.uniqBase += 16
	vn := fd.vbank.CreateDef(size, addr, op)
	op.SetOutputRaw(vn)
	fd.assignHigh(vn)
	return vn
}

// OpSetOpcode changes an op's op-code. Turning an op into a BRANCH while
// its block still fans out is rejected; the caller must remove the extra
// out-edges first.
func (fd *Funcdata) OpSetOpcode(op *pcode.PcodeOp, code pcode.OpCode) error {
	if code == pcode.OpBranch && !op.IsDead() {
		if bl := op.Parent(); bl != nil && bl.SizeOut() > 1 {
			return diag.LowLevel("funcdata: BRANCH into block %s with fan-out %d", bl, bl.SizeOut())
		}
	}
	fd.obank.SetOpcode(op, code)
	return nil
}

// OpSetInput writes vn into the op's input slot. A constant already read
// elsewhere is cloned so every constant cell has a single reader; spacebase
// pointers are shared.
func (fd *Funcdata) OpSetInput(op *pcode.PcodeOp, vn *pcode.Varnode, slot int) {
	if vn != nil && vn == op.Input(slot) {
		return
	}
	if vn != nil && vn.IsConstant() && len(vn.Descend()) > 0 && !vn.HasFlag(pcode.VfSpacebase) {
		clone := fd.NewConstant(vn.Size, vn.ConstantValue())
		clone.Type = vn.Type
		vn = clone
	}
	op.SetInputRaw(slot, vn)
	fd.markCoverDirty(vn)
}

// OpSwapInput exchanges two input slots.
func (fd *Funcdata) OpSwapInput(op *pcode.PcodeOp, i, j int) {
	op.SwapInputRaw(i, j)
}

// OpInsertInput grows the op's inputs, placing vn at slot.
func (fd *Funcdata) OpInsertInput(op *pcode.PcodeOp, vn *pcode.Varnode, slot int) {
	if vn != nil && vn.IsConstant() && len(vn.Descend()) > 0 && !vn.HasFlag(pcode.VfSpacebase) {
		clone := fd.NewConstant(vn.Size, vn.ConstantValue())
		clone.Type = vn.Type
		vn = clone
	}
	op.InsertInputRaw(slot, vn)
	fd.markCoverDirty(vn)
}

// OpRemoveInput deletes an input slot entirely.
func (fd *Funcdata) OpRemoveInput(op *pcode.PcodeOp, slot int) {
	old := op.Input(slot)
	op.RemoveInputRaw(slot)
	fd.markCoverDirty(old)
}

// OpUnsetInput clears a slot to nil without shrinking the op.
func (fd *Funcdata) OpUnsetInput(op *pcode.PcodeOp, slot int) {
	old := op.Input(slot)
	op.SetInputRaw(slot, nil)
	fd.markCoverDirty(old)
}

// OpSetOutput attaches vn as the op's output.
func (fd *Funcdata) OpSetOutput(op *pcode.PcodeOp, vn *pcode.Varnode) {
	if op.Output() == vn {
		return
	}
	if old := op.Output(); old != nil {
		fd.vbank.SetDef(old, nil)
	}
	op.SetOutputRaw(vn)
	if vn != nil {
		fd.vbank.SetDef(vn, op)
	}
	fd.markCoverDirty(vn)
}

// OpUnsetOutput detaches the output, leaving the cell free.
func (fd *Funcdata) OpUnsetOutput(op *pcode.PcodeOp) {
	if old := op.Output(); old != nil {
		fd.vbank.SetDef(old, nil)
		op.SetOutputRaw(nil)
		fd.markCoverDirty(old)
	}
}

// OpInsertBefore links a dead op into follow's block just before it,
// skipping over any indirect-effect ops pinned to follow.
func (fd *Funcdata) OpInsertBefore(op, follow *pcode.PcodeOp) {
	bl := follow.Parent()
	prev := follow.PrevInBlock()
	if op.Code() != pcode.OpIndirect {
		for prev != nil && prev.Code() == pcode.OpIndirect && prev.Addr().Equal(follow.Addr()) {
			follow = prev
			prev = follow.PrevInBlock()
		}
	}
	fd.opInsert(op, bl, prev)
}

// OpInsertAfter links a dead op into prev's block just after it.
func (fd *Funcdata) OpInsertAfter(op, prev *pcode.PcodeOp) {
	fd.opInsert(op, prev.Parent(), prev)
}

// OpInsertBegin links a dead op at the beginning of a block, after any phi
// ops (unless the op is itself a phi).
func (fd *Funcdata) OpInsertBegin(op *pcode.PcodeOp, bl *pcode.BlockBasic) {
	var prev *pcode.PcodeOp
	if op.Code() != pcode.OpMultiequal {
		for o := bl.FirstOp(); o != nil && o.Code() == pcode.OpMultiequal; o = o.NextInBlock() {
			prev = o
		}
	}
	fd.opInsert(op, bl, prev)
}

// OpInsertEnd links a dead op at the end of a block, before the terminator
// when one is present and op is not itself one.
func (fd *Funcdata) OpInsertEnd(op *pcode.PcodeOp, bl *pcode.BlockBasic) {
	prev := bl.LastOp()
	if prev != nil && prev.IsBlockTerminator() && !op.IsBlockTerminator() {
		prev = prev.PrevInBlock()
	}
	fd.opInsert(op, bl, prev)
}

func (fd *Funcdata) opInsert(op *pcode.PcodeOp, bl *pcode.BlockBasic, prev *pcode.PcodeOp) {
	fd.obank.MarkAlive(op)
	bl.InsertOpAfter(op, prev)
	if out := op.Output(); out != nil {
		fd.markCoverDirty(out)
	}
	for _, in := range op.Inputs() {
		fd.markCoverDirty(in)
	}
}

// OpUninsert unlinks op from its block back onto the dead list, leaving its
// data-flow edges intact.
func (fd *Funcdata) OpUninsert(op *pcode.PcodeOp) {
	if op.IsDead() {
		return
	}
	if out := op.Output(); out != nil {
		fd.markCoverDirty(out)
	}
	for _, in := range op.Inputs() {
		fd.markCoverDirty(in)
	}
	op.Parent().RemoveOp(op)
	fd.obank.MarkDead(op)
}

// OpUnlink uninserts op and severs all of its data-flow edges.
func (fd *Funcdata) OpUnlink(op *pcode.PcodeOp) {
	fd.OpUninsert(op)
	fd.OpUnsetOutput(op)
	for i := 0; i < op.NumInput(); i++ {
		fd.OpUnsetInput(op, i)
	}
}

// OpDestroy unlinks and frees the op. The output cell, now free, is
// destroyed too when nothing reads it.
func (fd *Funcdata) OpDestroy(op *pcode.PcodeOp) error {
	out := op.Output()
	fd.OpUnlink(op)
	if out != nil && len(out.Descend()) == 0 && out.IsFree() {
		if err := fd.vbank.Destroy(out); err != nil {
			return err
		}
	}
	return fd.obank.Destroy(op)
}

// OpDestroyRaw frees an op straight off the dead list; it must have no
// remaining data-flow edges.
func (fd *Funcdata) OpDestroyRaw(op *pcode.PcodeOp) error {
	if !op.IsDead() {
		return diag.LowLevel("funcdata: raw destroy of alive op %s", op)
	}
	return fd.obank.Destroy(op)
}

// DeleteVarnode destroys a free, unread cell.
func (fd *Funcdata) DeleteVarnode(vn *pcode.Varnode) error {
	if h := vn.High(); h != nil {
		h.HighRemove(vn)
	}
	return fd.vbank.Destroy(vn)
}

// TotalReplace rewires every reader of vn to read newvn instead.
func (fd *Funcdata) TotalReplace(vn, newvn *pcode.Varnode) {
	for len(vn.Descend()) > 0 {
		op := vn.Descend()[0]
		slot := op.Slot(vn)
		fd.OpSetInput(op, newvn, slot)
	}
	fd.markCoverDirty(newvn)
}

// TotalReplaceConstant rewires every reader of vn to read the constant.
// Each reader gets its own constant cell.
func (fd *Funcdata) TotalReplaceConstant(vn *pcode.Varnode, val uint64) {
	for len(vn.Descend()) > 0 {
		op := vn.Descend()[0]
		slot := op.Slot(vn)
		fd.OpSetInput(op, fd.NewConstant(vn.Size, val), slot)
	}
}

func (fd *Funcdata) markCoverDirty(vn *pcode.Varnode) {
	if vn == nil {
		return
	}
	if h := vn.High(); h != nil {
		h.MarkCoverDirty()
		fd.merge.noteDirty(h)
	}
}
