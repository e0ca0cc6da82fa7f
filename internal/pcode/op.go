package pcode

import (
	"fmt"
	"strings"

	"github.com/tinyrange/decomp/internal/space"
)

// PcodeOp flags.
const (
	// PfStartBasic marks the first op of a basic block.
	PfStartBasic = 1 << iota
	// PfStartMark marks the first op of the instruction at its address.
	PfStartMark
	// PfNoCollapse blocks constant folding of the output.
	PfNoCollapse
	// PfNonPrinting hides the op from the printer.
	PfNonPrinting
	// PfIndirectCreation marks an INDIRECT that conjures its output.
	PfIndirectCreation
	// PfCallOutput marks the op as producing the value returned by a call.
	PfCallOutput
	// PfWarning attaches a warning comment to the op's address.
	PfWarning
	// PfBooleanFlip inverts the sense of a CBRANCH condition.
	PfBooleanFlip
	// PfFallthruFlip swaps which out-edge is the fallthru of a CBRANCH.
	PfFallthruFlip
	// PfSpacebasePtr marks a LOAD/STORE through a spacebase pointer.
	PfSpacebasePtr
	// PfSpecialPrint requests the special printing hook.
	PfSpecialPrint
	// PfSpecialProp requests the special propagation hook.
	PfSpecialProp
	// PfDead means the op is not linked into a block.
	PfDead
	// PfMark is the scratch traversal bit.
	PfMark
	// PfHalt marks a RETURN synthesized for truncated flow.
	PfHalt
)

// PcodeOp is one three-address operation. Ops are owned by a PcodeOpBank and
// linked into at most one basic block.
type PcodeOp struct {
	code   OpCode
	seq    space.SeqNum
	inputs []*Varnode
	output *Varnode
	parent *BlockBasic
	flags  uint32

	// Intrusive links: position in the parent block's op list.
	blockPrev, blockNext *PcodeOp
	// opOrder is the cached position within the block, renumbered lazily.
	opOrder int32
	// Intrusive links: position in the bank's alive or dead list.
	bankPrev, bankNext *PcodeOp
}

// Code returns the op-code.
func (op *PcodeOp) Code() OpCode { return op.code }

// Behavior returns the behavior record of the current op-code.
func (op *PcodeOp) Behavior() *Behavior { return BehaviorOf(op.code) }

// Seq returns the op's sequence number.
func (op *PcodeOp) Seq() space.SeqNum { return op.seq }

// Addr returns the machine address the op descends from.
func (op *PcodeOp) Addr() space.Address { return op.seq.Addr }

// NumInput returns the number of input slots.
func (op *PcodeOp) NumInput() int { return len(op.inputs) }

// Input returns the cell in slot i.
func (op *PcodeOp) Input(i int) *Varnode { return op.inputs[i] }

// Inputs returns the input slice, owned by the op.
func (op *PcodeOp) Inputs() []*Varnode { return op.inputs }

// Output returns the output cell, nil if none.
func (op *PcodeOp) Output() *Varnode { return op.output }

// Parent returns the containing block, nil while dead.
func (op *PcodeOp) Parent() *BlockBasic { return op.parent }

func (op *PcodeOp) Flags() uint32         { return op.flags }
func (op *PcodeOp) HasFlag(f uint32) bool { return op.flags&f != 0 }
func (op *PcodeOp) SetFlag(f uint32)      { op.flags |= f }
func (op *PcodeOp) ClearFlag(f uint32)    { op.flags &^= f }

// IsDead reports whether the op is outside any block.
func (op *PcodeOp) IsDead() bool { return op.flags&PfDead != 0 }

// IsMarker reports whether the op is bookkeeping (phi/indirect/cast).
func (op *PcodeOp) IsMarker() bool { return op.Behavior().IsMarker() }

// IsCall reports whether the op has call semantics.
func (op *PcodeOp) IsCall() bool { return op.Behavior().IsCalling() }

// IsBranch reports whether the op transfers control.
func (op *PcodeOp) IsBranch() bool { return op.Behavior().IsBranching() }

// IsBlockTerminator reports whether the op must be the last in its block.
func (op *PcodeOp) IsBlockTerminator() bool {
	switch op.code {
	case OpBranch, OpCBranch, OpBranchInd, OpReturn:
		return true
	}
	return false
}

// Slot returns the input slot holding vn, -1 if absent.
func (op *PcodeOp) Slot(vn *Varnode) int {
	for i, in := range op.inputs {
		if in == vn {
			return i
		}
	}
	return -1
}

// PrevInBlock and NextInBlock walk the containing block's op list.
func (op *PcodeOp) PrevInBlock() *PcodeOp { return op.blockPrev }
func (op *PcodeOp) NextInBlock() *PcodeOp { return op.blockNext }

// Evaluate folds the op over constant inputs. ok is false when any input is
// symbolic or the op has no fold semantics.
func (op *PcodeOp) Evaluate() (uint64, bool) {
	if op.output == nil || op.flags&PfNoCollapse != 0 {
		return 0, false
	}
	b := op.Behavior()
	switch {
	case b.IsUnary() && b.EvalUnary != nil && len(op.inputs) == 1:
		in := op.inputs[0]
		if !in.IsConstant() {
			return 0, false
		}
		return b.EvalUnary(op.output.Size, in.Size, in.ConstantValue())
	case b.IsBinary() && b.EvalBinary != nil && len(op.inputs) == 2:
		in0, in1 := op.inputs[0], op.inputs[1]
		if !in0.IsConstant() || !in1.IsConstant() {
			return 0, false
		}
		return b.EvalBinary(op.output.Size, in0.ConstantValue(), in1.ConstantValue())
	}
	return 0, false
}

func (op *PcodeOp) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ", op.seq)
	if op.output != nil {
		fmt.Fprintf(&b, "%s = ", op.output)
	}
	b.WriteString(op.code.String())
	for i, in := range op.inputs {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}
		if in == nil {
			b.WriteString("<nil>")
		} else {
			b.WriteString(in.String())
		}
	}
	return b.String()
}
