package funcdata

import (
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
)

// CloneForRecovery builds a partial copy of the function for jump-table
// analysis: every entity is duplicated value-wise and cross-references are
// rewritten through remap tables built during the copy. The clone's flow is
// truncated at stop (the indirect branch): its block keeps no out-edges, so
// simplification never walks past it.
func (fd *Funcdata) CloneForRecovery(stop *pcode.PcodeOp) (*Funcdata, *pcode.PcodeOp) {
	clone := NewFuncdata(fd.name, fd.entry, fd.deps)
	clone.jumptableRecovery = true
	clone.uniqBase = fd.uniqBase

	vmap := make(map[*pcode.Varnode]*pcode.Varnode)
	omap := make(map[*pcode.PcodeOp]*pcode.PcodeOp)
	bmap := make(map[*pcode.BlockBasic]*pcode.BlockBasic)

	cloneVn := func(vn *pcode.Varnode) *pcode.Varnode {
		if vn == nil {
			return nil
		}
		if nv, ok := vmap[vn]; ok {
			return nv
		}
		nv := clone.vbank.Create(vn.Size, vn.Addr)
		nv.SetFlag(vn.Flags() & (pcode.VfAddrTied | pcode.VfAddrForce | pcode.VfAnnotation |
			pcode.VfPersist | pcode.VfSpacebase | pcode.VfVolatile | pcode.VfTypeLock |
			pcode.VfReadOnly | pcode.VfAutoLive))
		nv.Type = vn.Type
		nv.SetNZMask(vn.NZMask())
		vmap[vn] = nv
		return nv
	}

	// Copy ops: the dead list first (matching the source holding pen), then
	// the alive ops block by block so block order is preserved.
	cloneOp := func(op *pcode.PcodeOp) *pcode.PcodeOp {
		nop := clone.obank.Create(op.NumInput(), op.Addr())
		clone.obank.SetOpcode(nop, op.Code())
		nop.SetFlag(op.Flags() & ^uint32(pcode.PfDead))
		nop.SetFlag(pcode.PfDead)
		for i := 0; i < op.NumInput(); i++ {
			if in := op.Input(i); in != nil {
				nop.SetInputRaw(i, cloneVn(in))
			}
		}
		if out := op.Output(); out != nil {
			nv := cloneVn(out)
			nop.SetOutputRaw(nv)
			clone.vbank.SetDef(nv, nop)
		}
		omap[op] = nop
		return nop
	}

	fd.obank.AscendDead(func(op *pcode.PcodeOp) bool {
		cloneOp(op)
		return true
	})

	for _, bl := range fd.graph.Blocks() {
		nbl := clone.graph.NewBlockBasic()
		nbl.SetFlag(bl.Flags() & ^uint32(pcode.BlkEntry))
		for _, r := range bl.Cover().Ranges() {
			nbl.Cover().InsertRange(r.Space, r.First, r.Last)
		}
		bmap[bl] = nbl
		bl.AscendOps(func(op *pcode.PcodeOp) bool {
			nop := cloneOp(op)
			clone.obank.MarkAlive(nop)
			nbl.InsertOpEnd(nop)
			return true
		})
	}
	for _, bl := range fd.graph.Blocks() {
		nbl := bmap[bl]
		for i := 0; i < bl.SizeOut(); i++ {
			clone.graph.AddEdge(nbl, bmap[bl.Out(i)])
		}
	}
	if e := fd.graph.Entry(); e != nil {
		clone.graph.SetEntry(bmap[e])
	}

	// Rebuild input status once cells exist, so overlap checks see the
	// clone's own bank.
	fd.vbank.AscendLoc(func(vn *pcode.Varnode) bool {
		if vn.IsInput() {
			if nv, ok := vmap[vn]; ok && nv.IsFree() {
				clone.vbank.SetInput(nv)
			}
		}
		return true
	})

	for _, cs := range fd.callSpecs {
		if nop, ok := omap[cs.Op]; ok {
			ncs := clone.NewCallSpecs(nop)
			ncs.EntryAddr = cs.EntryAddr
			ncs.Name = cs.Name
			ncs.Effects = append([]Effect(nil), cs.Effects...)
			ncs.NoReturn = cs.NoReturn
			ncs.Inline = cs.Inline
		}
	}
	for _, jt := range fd.jumpTables {
		njt := &JumpTable{
			Addr:         jt.Addr,
			Targets:      append([]space.Address(nil), jt.Targets...),
			Override:     append([]space.Address(nil), jt.Override...),
			DefaultIndex: jt.DefaultIndex,
			Stage:        jt.Stage,
		}
		if nop, ok := omap[jt.Op]; ok {
			njt.Op = nop
		}
		clone.jumpTables = append(clone.jumpTables, njt)
	}

	nstop := omap[stop]
	if nstop != nil && !nstop.IsDead() {
		// Truncate the clone's flow at the indirect branch.
		bl := nstop.Parent()
		for bl.SizeOut() > 0 {
			succ := bl.Out(0)
			slot := succ.InIndex(bl)
			for _, phi := range phiOps(succ) {
				clone.OpRemoveInput(phi, slot)
			}
			clone.graph.RemoveEdge(bl, succ)
		}
	}
	return clone, nstop
}
