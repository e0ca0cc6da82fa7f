package funcdata

import (
	"github.com/tinyrange/decomp/internal/diag"
	"github.com/tinyrange/decomp/internal/pcode"
)

// phiOps returns the MULTIEQUAL ops at the head of bl.
func phiOps(bl *pcode.BlockBasic) []*pcode.PcodeOp {
	var out []*pcode.PcodeOp
	for op := bl.FirstOp(); op != nil && op.Code() == pcode.OpMultiequal; op = op.NextInBlock() {
		out = append(out, op)
	}
	return out
}

// RemoveFromFlow splices a block out of the control flow: its predecessors
// are rerouted to its single successor and the successor's phi slots are
// patched. A value the block defined with its own phi flows through as the
// phi's inputs, one per rerouted edge.
func (fd *Funcdata) RemoveFromFlow(bl *pcode.BlockBasic) error {
	if bl.SizeOut() > 1 {
		return diag.LowLevel("funcdata: removing block %s with fan-out %d from flow", bl, bl.SizeOut())
	}
	var succ *pcode.BlockBasic
	if bl.SizeOut() == 1 {
		succ = bl.Out(0)
	}
	nPred := bl.SizeIn()

	if succ != nil {
		slot := succ.InIndex(bl)
		for _, phi := range phiOps(succ) {
			vn := phi.Input(slot)
			var insert []*pcode.Varnode
			if def := vn.Def(); def != nil && def.Code() == pcode.OpMultiequal && def.Parent() == bl {
				for i := 0; i < nPred; i++ {
					insert = append(insert, def.Input(i))
				}
			} else {
				for i := 0; i < nPred; i++ {
					insert = append(insert, vn)
				}
			}
			fd.OpRemoveInput(phi, slot)
			// Rerouted edges append to the successor's in-edge list, so the
			// patched inputs append in the same order.
			for _, v := range insert {
				fd.OpInsertInput(phi, v, phi.NumInput())
			}
		}
		fd.graph.RemoveEdge(bl, succ)
		for bl.SizeIn() > 0 {
			pred := bl.In(0)
			fd.graph.SwitchEdge(pred, bl, succ)
		}
	} else {
		for bl.SizeIn() > 0 {
			fd.graph.RemoveEdge(bl.In(0), bl)
		}
	}
	return nil
}

// NodeSplit duplicates a block, moving one in-edge onto the clone. Each phi
// of the original becomes a COPY of the corresponding input in the clone,
// and the original phi loses that input slot. The block must not end in a
// conditional branch.
func (fd *Funcdata) NodeSplit(bl *pcode.BlockBasic, inedge int) (*pcode.BlockBasic, error) {
	if last := bl.LastOp(); last != nil && last.Code() == pcode.OpCBranch {
		return nil, diag.LowLevel("funcdata: node split through 2-way branch in %s", bl)
	}
	if inedge >= bl.SizeIn() {
		return nil, diag.LowLevel("funcdata: node split bad in-edge %d of %s", inedge, bl)
	}
	clone := fd.graph.NewBlockBasic()
	clone.SetFlag(pcode.BlkDuplicate)

	// Map values defined inside the original onto their clones.
	local := make(map[*pcode.Varnode]*pcode.Varnode)
	cloneOut := func(op, newOp *pcode.PcodeOp) {
		out := op.Output()
		if out == nil {
			return
		}
		nv := fd.vbank.Create(out.Size, out.Addr)
		nv.Type = out.Type
		fd.OpSetOutput(newOp, nv)
		fd.assignHigh(nv)
		local[out] = nv
	}

	for op := bl.FirstOp(); op != nil; op = op.NextInBlock() {
		if op.Code() == pcode.OpMultiequal {
			cp := fd.NewOp(1, op.Addr())
			if err := fd.OpSetOpcode(cp, pcode.OpCopy); err != nil {
				return nil, err
			}
			fd.OpSetInput(cp, op.Input(inedge), 0)
			cloneOut(op, cp)
			fd.opInsert(cp, clone, clone.LastOp())
			continue
		}
		newOp := fd.NewOp(op.NumInput(), op.Addr())
		if err := fd.OpSetOpcode(newOp, op.Code()); err != nil {
			return nil, err
		}
		newOp.SetFlag(op.Flags() & (pcode.PfStartBasic | pcode.PfNoCollapse | pcode.PfBooleanFlip | pcode.PfFallthruFlip))
		for i := 0; i < op.NumInput(); i++ {
			in := op.Input(i)
			if repl, ok := local[in]; ok {
				in = repl
			}
			fd.OpSetInput(newOp, in, i)
		}
		cloneOut(op, newOp)
		fd.opInsert(newOp, clone, clone.LastOp())
	}

	// The original phis lose the moved slot.
	for _, phi := range phiOps(bl) {
		fd.OpRemoveInput(phi, inedge)
	}

	// Move the in-edge, then mirror the out-edges.
	fd.graph.MoveOutEdge(bl, inedge, clone)
	for i := 0; i < bl.SizeOut(); i++ {
		fd.graph.AddEdge(clone, bl.Out(i))
	}
	return clone, nil
}

// SpliceBlock merges a block with its lone successor, which must have no
// other predecessor. The successor's phis must already be collapsed.
func (fd *Funcdata) SpliceBlock(bl *pcode.BlockBasic) error {
	if bl.SizeOut() != 1 {
		return diag.LowLevel("funcdata: splicing block %s with fan-out %d", bl, bl.SizeOut())
	}
	succ := bl.Out(0)
	if succ.SizeIn() != 1 {
		return diag.LowLevel("funcdata: splice target %s has fan-in %d", succ, succ.SizeIn())
	}
	if len(phiOps(succ)) != 0 {
		return diag.LowLevel("funcdata: splice target %s still has phi ops", succ)
	}
	// A branch from bl to succ is now redundant.
	if last := bl.LastOp(); last != nil && last.Code() == pcode.OpBranch {
		if err := fd.OpDestroy(last); err != nil {
			return err
		}
	}
	for op := succ.FirstOp(); op != nil; op = succ.FirstOp() {
		succ.RemoveOp(op)
		bl.InsertOpEnd(op)
	}
	fd.graph.RemoveEdge(bl, succ)
	for succ.SizeOut() > 0 {
		out := succ.Out(0)
		fd.graph.RemoveEdge(succ, out)
		fd.graph.AddEdge(bl, out)
	}
	for _, r := range succ.Cover().Ranges() {
		bl.Cover().InsertRange(r.Space, r.First, r.Last)
	}
	return fd.graph.RemoveBlock(succ)
}

// RemoveUnreachable prunes every block not reachable from the entry,
// attaching a warning at each pruned block's first address.
func (fd *Funcdata) RemoveUnreachable() error {
	dead := fd.graph.CollectReachable()
	if len(dead) == 0 {
		return nil
	}
	deadSet := make(map[*pcode.BlockBasic]bool, len(dead))
	for _, bl := range dead {
		deadSet[bl] = true
	}
	// Patch phis in reachable successors before edges disappear.
	for _, bl := range dead {
		for i := 0; i < bl.SizeOut(); i++ {
			succ := bl.Out(i)
			if deadSet[succ] {
				continue
			}
			slot := succ.InIndex(bl)
			for _, phi := range phiOps(succ) {
				fd.OpRemoveInput(phi, slot)
			}
		}
		if first := bl.FirstOp(); first != nil {
			fd.Warning("Removing unreachable block", first.Addr())
		}
	}
	for _, bl := range dead {
		for bl.SizeOut() > 0 {
			fd.graph.RemoveEdge(bl, bl.Out(0))
		}
		for bl.SizeIn() > 0 {
			fd.graph.RemoveEdge(bl.In(0), bl)
		}
	}
	for _, bl := range dead {
		for op := bl.FirstOp(); op != nil; op = bl.FirstOp() {
			fd.OpUnlink(op)
			if err := fd.OpDestroyRaw(op); err != nil {
				return err
			}
		}
		if err := fd.graph.RemoveBlock(bl); err != nil {
			return err
		}
	}
	// Single-in-edge phis left behind collapse to COPYs.
	return fd.collapseDegeneratePhis()
}

// collapseDegeneratePhis rewrites every single-input MULTIEQUAL as a COPY.
func (fd *Funcdata) collapseDegeneratePhis() error {
	for _, op := range fd.obank.OpsOf(pcode.OpMultiequal) {
		if op.NumInput() == 1 {
			if err := fd.OpSetOpcode(op, pcode.OpCopy); err != nil {
				return err
			}
		}
	}
	return nil
}
