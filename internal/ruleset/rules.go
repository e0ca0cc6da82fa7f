// Package ruleset supplies the concrete rewrite rules and assembles them
// into the named action groups the analysis driver applies.
package ruleset

import (
	"errors"

	"github.com/tinyrange/decomp/internal/diag"
	"github.com/tinyrange/decomp/internal/funcdata"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
)

// RuleTermOrder canonicalizes commutative ops: constants move to slot 1.
type RuleTermOrder struct{}

func (RuleTermOrder) Name() string { return "termorder" }

func (RuleTermOrder) OpList() []pcode.OpCode {
	return []pcode.OpCode{
		pcode.OpIntAdd, pcode.OpIntMult, pcode.OpIntXor, pcode.OpIntAnd, pcode.OpIntOr,
		pcode.OpIntEqual, pcode.OpIntNotEqual, pcode.OpBoolXor, pcode.OpBoolAnd, pcode.OpBoolOr,
	}
}

func (RuleTermOrder) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	if op.NumInput() != 2 {
		return false, nil
	}
	if op.Input(0).IsConstant() && !op.Input(1).IsConstant() {
		fd.OpSwapInput(op, 0, 1)
		return true, nil
	}
	return false, nil
}

// RuleCollapseConstants folds any op whose inputs are all constant.
type RuleCollapseConstants struct{}

func (RuleCollapseConstants) Name() string { return "collapseconstants" }

func (RuleCollapseConstants) OpList() []pcode.OpCode {
	return pcode.EvalOpCodes()
}

func (RuleCollapseConstants) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	out := op.Output()
	if out == nil || out.IsAddrTied() || op.HasFlag(pcode.PfNoCollapse) {
		return false, nil
	}
	if fd.HeritageState().NotHeritaged(out.Addr, out.Size) {
		return false, nil
	}
	val, ok := op.Evaluate()
	if !ok {
		return false, nil
	}
	fd.TotalReplaceConstant(out, val)
	if err := fd.OpDestroy(op); err != nil {
		return false, err
	}
	return true, nil
}

// RuleCopyProp forwards the input of a COPY to the output's readers when
// the two cells cannot diverge.
type RuleCopyProp struct{}

func (RuleCopyProp) Name() string { return "copyprop" }

func (RuleCopyProp) OpList() []pcode.OpCode { return []pcode.OpCode{pcode.OpCopy} }

func (RuleCopyProp) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	out, in := op.Output(), op.Input(0)
	if out == nil || in == nil {
		return false, nil
	}
	if out.IsAddrTied() || in.IsAddrTied() || in.IsAnnotation() {
		return false, nil
	}
	if in.IsConstant() {
		if fd.HeritageState().NotHeritaged(out.Addr, out.Size) {
			return false, nil
		}
		fd.TotalReplaceConstant(out, in.ConstantValue())
	} else {
		if len(out.Descend()) == 0 {
			return false, nil
		}
		fd.TotalReplace(out, in)
	}
	if len(out.Descend()) != 0 {
		return true, nil
	}
	if err := fd.OpDestroy(op); err != nil {
		return false, err
	}
	return true, nil
}

// RuleIdentity strips arithmetic identities: x+0, x-0, x*1, x|0, x^0,
// x&~0, x<<0, x>>0 collapse to x; x*0 and x&0 collapse to 0.
type RuleIdentity struct{}

func (RuleIdentity) Name() string { return "identity" }

func (RuleIdentity) OpList() []pcode.OpCode {
	return []pcode.OpCode{
		pcode.OpIntAdd, pcode.OpIntSub, pcode.OpIntMult, pcode.OpIntOr,
		pcode.OpIntXor, pcode.OpIntAnd, pcode.OpIntLeft, pcode.OpIntRight,
		pcode.OpIntSRight,
	}
}

func (RuleIdentity) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	out := op.Output()
	if out == nil || out.IsAddrTied() || op.NumInput() != 2 {
		return false, nil
	}
	c := op.Input(1)
	if !c.IsConstant() {
		return false, nil
	}
	val := c.ConstantValue()
	x := op.Input(0)
	mask := pcode.CalcMask(out.Size)

	identity := false
	zero := false
	switch op.Code() {
	case pcode.OpIntAdd, pcode.OpIntSub, pcode.OpIntOr, pcode.OpIntXor,
		pcode.OpIntLeft, pcode.OpIntRight, pcode.OpIntSRight:
		identity = val == 0
	case pcode.OpIntMult:
		identity = val == 1
		zero = val == 0
	case pcode.OpIntAnd:
		identity = val&mask == mask
		zero = val == 0
	}
	switch {
	case zero:
		fd.TotalReplaceConstant(out, 0)
	case identity:
		if x.IsFree() && !x.IsHeritageKnown() {
			return false, nil
		}
		fd.TotalReplace(out, x)
	default:
		return false, nil
	}
	if err := fd.OpDestroy(op); err != nil {
		return false, err
	}
	return true, nil
}

// RuleConcatZero rewrites PIECE(V, #0) as an explicit zero-extension
// followed by a left shift by the zero's bit width.
type RuleConcatZero struct{}

func (RuleConcatZero) Name() string { return "concatzero" }

func (RuleConcatZero) OpList() []pcode.OpCode { return []pcode.OpCode{pcode.OpPiece} }

func (RuleConcatZero) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	out := op.Output()
	if out == nil {
		return false, nil
	}
	lo := op.Input(1)
	hi := op.Input(0)
	if !lo.IsConstant() || lo.ConstantValue() != 0 {
		return false, nil
	}
	shift := uint64(8 * lo.Size)

	zext := fd.NewOp(1, op.Addr())
	if err := fd.OpSetOpcode(zext, pcode.OpIntZext); err != nil {
		return false, err
	}
	fd.OpSetInput(zext, hi, 0)
	mid := fd.NewUniqueOut(out.Size, zext)
	fd.OpInsertBefore(zext, op)

	if err := fd.OpSetOpcode(op, pcode.OpIntLeft); err != nil {
		return false, err
	}
	fd.OpSetInput(op, mid, 0)
	fd.OpSetInput(op, fd.NewConstant(4, shift), 1)
	return true, nil
}

// RuleLessEqual rewrites x <= #c as x < #c+1 (and the signed form), unless
// the increment would wrap.
type RuleLessEqual struct{}

func (RuleLessEqual) Name() string { return "lessequal" }

func (RuleLessEqual) OpList() []pcode.OpCode {
	return []pcode.OpCode{pcode.OpIntLessEqual, pcode.OpIntSLessEqual}
}

func (RuleLessEqual) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	c := op.Input(1)
	if !c.IsConstant() {
		return false, nil
	}
	val := c.ConstantValue()
	size := c.Size
	mask := pcode.CalcMask(size)
	if op.Code() == pcode.OpIntLessEqual {
		if val == mask {
			return false, nil // would wrap
		}
		if err := fd.OpSetOpcode(op, pcode.OpIntLess); err != nil {
			return false, err
		}
	} else {
		if val == mask>>1 {
			return false, nil // signed maximum
		}
		if err := fd.OpSetOpcode(op, pcode.OpIntSLess); err != nil {
			return false, err
		}
	}
	fd.OpSetInput(op, fd.NewConstant(size, (val+1)&mask), 1)
	return true, nil
}

// RuleMultCollapse folds nested multiplies by constants:
// (#c * x) * #k becomes #(c*k) * x.
type RuleMultCollapse struct{}

func (RuleMultCollapse) Name() string { return "multcollapse" }

func (RuleMultCollapse) OpList() []pcode.OpCode { return []pcode.OpCode{pcode.OpIntMult} }

func (RuleMultCollapse) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	out := op.Output()
	if out == nil {
		return false, nil
	}
	k := op.Input(1)
	if !k.IsConstant() {
		return false, nil
	}
	inner := op.Input(0)
	if !inner.IsWritten() || inner.Def().Code() != pcode.OpIntMult {
		return false, nil
	}
	if inner.LoneDescend() != op {
		return false, nil
	}
	def := inner.Def()
	ic := def.Input(1)
	x := def.Input(0)
	if !ic.IsConstant() {
		ic, x = def.Input(0), def.Input(1)
		if !ic.IsConstant() {
			return false, nil
		}
	}
	prod := (ic.ConstantValue() * k.ConstantValue()) & pcode.CalcMask(out.Size)
	fd.OpSetInput(op, x, 0)
	fd.OpSetInput(op, fd.NewConstant(out.Size, prod), 1)
	return true, nil
}

// RuleDistributeMult pushes a constant multiplier into an addition whose
// terms are free or constant.
type RuleDistributeMult struct{}

func (RuleDistributeMult) Name() string { return "distributemult" }

func (RuleDistributeMult) OpList() []pcode.OpCode { return []pcode.OpCode{pcode.OpIntMult} }

func (RuleDistributeMult) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	out := op.Output()
	if out == nil {
		return false, nil
	}
	c := op.Input(1)
	if !c.IsConstant() {
		return false, nil
	}
	sum := op.Input(0)
	if !sum.IsWritten() || sum.Def().Code() != pcode.OpIntAdd {
		return false, nil
	}
	if sum.LoneDescend() != op {
		return false, nil
	}
	add := sum.Def()
	a, b := add.Input(0), add.Input(1)
	if !(a.IsConstant() || a.IsFree() || a.IsWritten()) || !b.IsConstant() {
		return false, nil
	}

	ma := fd.NewOp(2, op.Addr())
	if err := fd.OpSetOpcode(ma, pcode.OpIntMult); err != nil {
		return false, err
	}
	fd.OpSetInput(ma, a, 0)
	fd.OpSetInput(ma, fd.NewConstant(out.Size, c.ConstantValue()), 1)
	va := fd.NewUniqueOut(out.Size, ma)
	fd.OpInsertBefore(ma, op)

	mb := fd.NewOp(2, op.Addr())
	if err := fd.OpSetOpcode(mb, pcode.OpIntMult); err != nil {
		return false, err
	}
	fd.OpSetInput(mb, b, 0)
	fd.OpSetInput(mb, fd.NewConstant(out.Size, c.ConstantValue()), 1)
	vb := fd.NewUniqueOut(out.Size, mb)
	fd.OpInsertBefore(mb, op)

	if err := fd.OpSetOpcode(op, pcode.OpIntAdd); err != nil {
		return false, err
	}
	fd.OpSetInput(op, va, 0)
	fd.OpSetInput(op, vb, 1)
	return true, nil
}

// RuleShiftZero collapses shifts by at least the value's bit width to zero.
// Shifts by zero are left to RuleIdentity.
type RuleShiftZero struct{}

func (RuleShiftZero) Name() string { return "shiftzero" }

func (RuleShiftZero) OpList() []pcode.OpCode {
	return []pcode.OpCode{pcode.OpIntLeft, pcode.OpIntRight}
}

func (RuleShiftZero) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	out := op.Output()
	sa := op.Input(1)
	if out == nil || out.IsAddrTied() || !sa.IsConstant() {
		return false, nil
	}
	if sa.ConstantValue() < uint64(8*out.Size) {
		return false, nil
	}
	fd.TotalReplaceConstant(out, 0)
	if err := fd.OpDestroy(op); err != nil {
		return false, err
	}
	return true, nil
}

// RuleDoubleSubpiece fuses SUBPIECE(SUBPIECE(x, a), b) into a single
// SUBPIECE(x, a+b).
type RuleDoubleSubpiece struct{}

func (RuleDoubleSubpiece) Name() string { return "doublesubpiece" }

func (RuleDoubleSubpiece) OpList() []pcode.OpCode { return []pcode.OpCode{pcode.OpSubpiece} }

func (RuleDoubleSubpiece) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	inner := op.Input(0)
	if !inner.IsWritten() || inner.Def().Code() != pcode.OpSubpiece {
		return false, nil
	}
	def := inner.Def()
	total := op.Input(1).ConstantValue() + def.Input(1).ConstantValue()
	fd.OpSetInput(op, def.Input(0), 0)
	fd.OpSetInput(op, fd.NewConstant(4, total), 1)
	return true, nil
}

// RuleSubpieceOfPiece carves a SUBPIECE directly out of a PIECE operand
// when the cut lines up with one side.
type RuleSubpieceOfPiece struct{}

func (RuleSubpieceOfPiece) Name() string { return "subpieceofpiece" }

func (RuleSubpieceOfPiece) OpList() []pcode.OpCode { return []pcode.OpCode{pcode.OpSubpiece} }

func (RuleSubpieceOfPiece) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	out := op.Output()
	src := op.Input(0)
	if out == nil || !src.IsWritten() || src.Def().Code() != pcode.OpPiece {
		return false, nil
	}
	piece := src.Def()
	lo := piece.Input(1)
	hi := piece.Input(0)
	off := int(op.Input(1).ConstantValue())
	switch {
	case off == 0 && out.Size == lo.Size:
		if err := fd.OpSetOpcode(op, pcode.OpCopy); err != nil {
			return false, err
		}
		fd.OpRemoveInput(op, 1)
		fd.OpSetInput(op, lo, 0)
		return true, nil
	case off == lo.Size && out.Size == hi.Size:
		if err := fd.OpSetOpcode(op, pcode.OpCopy); err != nil {
			return false, err
		}
		fd.OpRemoveInput(op, 1)
		fd.OpSetInput(op, hi, 0)
		return true, nil
	case off == 0 && out.Size < lo.Size:
		fd.OpSetInput(op, lo, 0)
		return true, nil
	case off >= lo.Size:
		fd.OpSetInput(op, hi, 0)
		fd.OpSetInput(op, fd.NewConstant(4, uint64(off-lo.Size)), 1)
		return true, nil
	}
	return false, nil
}

// RuleBoolFlip absorbs a BOOL_NEGATE feeding a CBRANCH into the branch's
// flip flag.
type RuleBoolFlip struct{}

func (RuleBoolFlip) Name() string { return "boolflip" }

func (RuleBoolFlip) OpList() []pcode.OpCode { return []pcode.OpCode{pcode.OpCBranch} }

func (RuleBoolFlip) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	cond := op.Input(1)
	if !cond.IsWritten() || cond.Def().Code() != pcode.OpBoolNegate {
		return false, nil
	}
	if cond.LoneDescend() != op {
		return false, nil
	}
	neg := cond.Def()
	fd.OpSetInput(op, neg.Input(0), 1)
	if op.HasFlag(pcode.PfBooleanFlip) {
		op.ClearFlag(pcode.PfBooleanFlip)
	} else {
		op.SetFlag(pcode.PfBooleanFlip)
	}
	if err := fd.OpDestroy(neg); err != nil {
		return false, err
	}
	return true, nil
}

// RulePhiCollapse collapses a MULTIEQUAL whose inputs are all the same
// cell into a COPY.
type RulePhiCollapse struct{}

func (RulePhiCollapse) Name() string { return "phicollapse" }

func (RulePhiCollapse) OpList() []pcode.OpCode { return []pcode.OpCode{pcode.OpMultiequal} }

func (RulePhiCollapse) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	if op.NumInput() == 0 {
		return false, nil
	}
	first := op.Input(0)
	if first == nil {
		return false, nil
	}
	for i := 1; i < op.NumInput(); i++ {
		in := op.Input(i)
		if in != first && in != op.Output() {
			return false, nil
		}
	}
	for op.NumInput() > 1 {
		fd.OpRemoveInput(op, op.NumInput()-1)
	}
	fd.OpSetInput(op, first, 0)
	if err := fd.OpSetOpcode(op, pcode.OpCopy); err != nil {
		return false, err
	}
	return true, nil
}

// RuleIndirectCollapse removes an INDIRECT whose guarded effect provably
// cannot touch the output's storage.
type RuleIndirectCollapse struct{}

func (RuleIndirectCollapse) Name() string { return "indirectcollapse" }

func (RuleIndirectCollapse) OpList() []pcode.OpCode { return []pcode.OpCode{pcode.OpIndirect} }

func (RuleIndirectCollapse) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	out := op.Output()
	if out == nil || op.HasFlag(pcode.PfIndirectCreation) {
		return false, nil
	}
	eff := op.NextInBlock()
	if eff == nil || eff.Code() != pcode.OpStore {
		return false, nil
	}
	ptr := eff.Input(1)
	if !ptr.IsConstant() {
		return false, nil
	}
	// A store through a constant pointer touches exactly [p, p+size).
	stored := eff.Input(2)
	p := ptr.ConstantValue()
	lo, hi := out.Addr.Offset, out.Addr.Offset+uint64(out.Size)
	if p < hi && p+uint64(stored.Size) > lo {
		return false, nil
	}
	if err := fd.OpSetOpcode(op, pcode.OpCopy); err != nil {
		return false, err
	}
	fd.OpRemoveInput(op, 1)
	return true, nil
}

// RuleReadOnlyFold replaces a LOAD of read-only memory through a constant
// pointer with the loaded constant. Missing bytes clear the read-only
// attribute and abandon the rewrite.
type RuleReadOnlyFold struct{}

func (RuleReadOnlyFold) Name() string { return "readonlyfold" }

func (RuleReadOnlyFold) OpList() []pcode.OpCode { return []pcode.OpCode{pcode.OpLoad} }

func (RuleReadOnlyFold) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	out := op.Output()
	ptr := op.Input(1)
	if out == nil || !ptr.IsConstant() || fd.Image() == nil {
		return false, nil
	}
	dataAddr := space.Address{Space: fd.Spaces().DefaultData(), Offset: ptr.ConstantValue()}
	if !fd.Image().IsReadOnly(dataAddr, out.Size) {
		return false, nil
	}
	buf := make([]byte, out.Size)
	if err := fd.Image().LoadFill(buf, dataAddr); err != nil {
		if errors.Is(err, diag.ErrUnavailable) {
			out.ClearFlag(pcode.VfReadOnly)
			return false, nil
		}
		return false, err
	}
	var val uint64
	if dataAddr.Space.IsBigEndian() {
		for _, b := range buf {
			val = val<<8 | uint64(b)
		}
	} else {
		for i := len(buf) - 1; i >= 0; i-- {
			val = val<<8 | uint64(buf[i])
		}
	}
	fd.TotalReplaceConstant(out, val)
	if err := fd.OpDestroy(op); err != nil {
		return false, err
	}
	return true, nil
}
