package pcode

// Low-level mutation primitives. These keep the op↔varnode back-references
// coherent but enforce no policy; the function container's editing API is
// the only caller.

// SetInputRaw stores vn in the slot, maintaining descend lists on both the
// old and new cells. A cell read through several slots appears once per
// slot in the descend list.
func (op *PcodeOp) SetInputRaw(slot int, vn *Varnode) {
	if old := op.inputs[slot]; old != nil {
		old.removeDescend(op)
	}
	op.inputs[slot] = vn
	if vn != nil {
		vn.addDescend(op)
	}
}

// InsertInputRaw grows the input array, placing vn at slot.
func (op *PcodeOp) InsertInputRaw(slot int, vn *Varnode) {
	op.inputs = append(op.inputs, nil)
	copy(op.inputs[slot+1:], op.inputs[slot:])
	op.inputs[slot] = nil
	op.SetInputRaw(slot, vn)
}

// RemoveInputRaw deletes the slot, shrinking the input array.
func (op *PcodeOp) RemoveInputRaw(slot int) {
	op.SetInputRaw(slot, nil)
	op.inputs = append(op.inputs[:slot], op.inputs[slot+1:]...)
}

// SwapInputRaw exchanges two slots.
func (op *PcodeOp) SwapInputRaw(i, j int) {
	op.inputs[i], op.inputs[j] = op.inputs[j], op.inputs[i]
}

// SetOutputRaw stores the output pointer; the bank's def index is the
// caller's responsibility.
func (op *PcodeOp) SetOutputRaw(vn *Varnode) { op.output = vn }

// InsertOpAfter links op into the block after prev; nil prev links at the
// head.
func (bl *BlockBasic) InsertOpAfter(op, prev *PcodeOp) { bl.insertOpAfter(op, prev) }

// InsertOpEnd links op as the block's last op.
func (bl *BlockBasic) InsertOpEnd(op *PcodeOp) { bl.insertOpAfter(op, bl.opTail) }

// RemoveOp unlinks op from the block.
func (bl *BlockBasic) RemoveOp(op *PcodeOp) { bl.removeOp(op) }

// SetHigh attaches a high-variable grouping to the cell.
func (vn *Varnode) SetHigh(h *HighVariable) { vn.setHigh(h) }

// HighInsert adds vn as an instance of h.
func (h *HighVariable) HighInsert(vn *Varnode) { h.insert(vn) }

// HighRemove detaches vn from h.
func (h *HighVariable) HighRemove(vn *Varnode) { h.remove(vn) }
