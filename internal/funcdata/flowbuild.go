package funcdata

import (
	"fmt"
	"sort"

	"github.com/tinyrange/decomp/internal/diag"
	"github.com/tinyrange/decomp/internal/flow"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
)

// flowEmitter adapts the p-code emission contract onto the banks: cells are
// allocated for any storage not yet seen, and branch targets become code
// annotations.
type flowEmitter struct {
	fd  *Funcdata
	ops []*pcode.PcodeOp
}

// Dump implements pcode.Emitter.
func (e *flowEmitter) Dump(addr space.Address, opc pcode.OpCode, out *pcode.VarnodeData, in []pcode.VarnodeData) {
	fd := e.fd
	op := fd.NewOp(len(in), addr)
	if err := fd.OpSetOpcode(op, opc); err != nil {
		return
	}
	for i, d := range in {
		var vn *pcode.Varnode
		switch {
		case i == 0 && (opc == pcode.OpBranch || opc == pcode.OpCBranch || opc == pcode.OpCall):
			vn = fd.NewCodeRef(d.Addr)
		case d.Addr.IsConstant():
			vn = fd.NewConstant(d.Size, d.Addr.Offset)
		default:
			vn = fd.NewVarnode(d.Size, d.Addr)
			if fd.isSpacebase(d.Addr, d.Size) {
				vn.SetFlag(pcode.VfSpacebase)
			}
		}
		fd.OpSetInput(op, vn, i)
	}
	if out != nil {
		ovn := fd.vbank.Create(out.Size, out.Addr)
		fd.OpSetOutput(op, ovn)
	}
	if opc == pcode.OpCall || opc == pcode.OpCallInd || opc == pcode.OpCallOther {
		fd.NewCallSpecs(op)
	}
	e.ops = append(e.ops, op)
}

func (fd *Funcdata) isSpacebase(addr space.Address, size int) bool {
	for _, sb := range fd.deps.Spacebase {
		if addr.Equal(sb.Addr) && size == sb.Size {
			return true
		}
	}
	return false
}

// maxInstructions bounds flow following per function.
const maxInstructions = 65536

// FollowFlow disassembles from the entry point, creating raw ops and
// enqueueing branch targets until the function's flow is exhausted.
func (fd *Funcdata) FollowFlow(tr pcode.Translator) error {
	type pend struct{ addr space.Address }
	emitter := &flowEmitter{fd: fd}

	visited := make(map[uint64]bool)
	targets := make(map[uint64]bool)
	queue := []pend{{fd.entry}}
	targets[fd.entry.Offset] = true
	count := 0

	// Destinations of previously recovered tables join the flow up front.
	for _, jt := range fd.jumpTables {
		for _, tgt := range jt.Targets {
			if !targets[tgt.Offset] {
				targets[tgt.Offset] = true
				queue = append(queue, pend{tgt})
			}
		}
	}

	for len(queue) > 0 {
		cur := queue[0].addr
		queue = queue[1:]
		for !visited[cur.Offset] {
			if count >= maxInstructions {
				return diag.LowLevel("funcdata: instruction budget exhausted at %s", cur)
			}
			count++
			visited[cur.Offset] = true
			mark := len(emitter.ops)
			length, err := tr.OneInstruction(emitter, cur)
			if err != nil {
				fd.Warning(fmt.Sprintf("Bad instruction: %v", err), cur)
				// Truncate flow here.
				halt := fd.NewOp(1, cur)
				if err := fd.OpSetOpcode(halt, pcode.OpReturn); err != nil {
					return err
				}
				halt.SetFlag(pcode.PfHalt)
				fd.OpSetInput(halt, fd.NewConstant(4, 1), 0)
				emitter.ops = append(emitter.ops, halt)
				break
			}
			fallthru := true
			for _, op := range emitter.ops[mark:] {
				switch op.Code() {
				case pcode.OpBranch:
					t := op.Input(0).Addr
					targets[t.Offset] = true
					if !visited[t.Offset] {
						queue = append(queue, pend{t})
					}
					fallthru = false
				case pcode.OpCBranch:
					t := op.Input(0).Addr
					targets[t.Offset] = true
					if !visited[t.Offset] {
						queue = append(queue, pend{t})
					}
					// Fallthrough address starts a block too.
					targets[cur.Offset+uint64(length)] = true
				case pcode.OpBranchInd, pcode.OpReturn:
					fallthru = false
				case pcode.OpCall:
					if cs := fd.findCallSpec(op); cs != nil && cs.NoReturn {
						fallthru = false
					}
				}
			}
			if !fallthru {
				break
			}
			cur = cur.Add(uint64(length))
		}
	}
	return fd.generateBlocks(targets)
}

// generateBlocks partitions the raw op list into basic blocks and wires the
// edges, honoring explicit block-start markers.
func (fd *Funcdata) generateBlocks(targets map[uint64]bool) error {
	// Collect raw (dead) ops in sequence order.
	var ops []*pcode.PcodeOp
	fd.obank.AscendDead(func(op *pcode.PcodeOp) bool {
		ops = append(ops, op)
		return true
	})
	sort.SliceStable(ops, func(i, j int) bool {
		if c := ops[i].Seq().Addr.Compare(ops[j].Seq().Addr); c != 0 {
			return c < 0
		}
		return ops[i].Seq().Order < ops[j].Seq().Order
	})
	if len(ops) == 0 {
		return diag.LowLevel("funcdata: no instructions at %s", fd.entry)
	}

	byStart := make(map[uint64]*pcode.BlockBasic)
	var cur *pcode.BlockBasic
	var lastAddr space.Address
	terminated := true
	for _, op := range ops {
		startHere := targets[op.Addr().Offset] && !op.Addr().Equal(lastAddr)
		if terminated || startHere {
			cur = fd.graph.NewBlockBasic()
			if _, dup := byStart[op.Addr().Offset]; !dup {
				byStart[op.Addr().Offset] = cur
			}
			op.SetFlag(pcode.PfStartBasic)
			terminated = false
		}
		lastAddr = op.Addr()
		fd.obank.MarkAlive(op)
		cur.InsertOpEnd(op)
		cur.Cover().InsertRange(op.Addr().Space, op.Addr().Offset, op.Addr().Offset)
		if op.IsBlockTerminator() {
			terminated = true
		}
	}

	// Edges: fallthrough to the next block, plus explicit branch targets.
	blocks := fd.graph.Blocks()
	for i, bl := range blocks {
		last := bl.LastOp()
		if last == nil {
			continue
		}
		addFall := func() {
			if i+1 < len(blocks) {
				fd.graph.AddEdge(bl, blocks[i+1])
			}
		}
		switch last.Code() {
		case pcode.OpBranch:
			if t, ok := byStart[last.Input(0).Addr.Offset]; ok {
				fd.graph.AddEdge(bl, t)
			}
		case pcode.OpCBranch:
			// Fallthrough is out-edge 0, the taken branch out-edge 1.
			addFall()
			if t, ok := byStart[last.Input(0).Addr.Offset]; ok {
				fd.graph.AddEdge(bl, t)
			}
		case pcode.OpBranchInd, pcode.OpReturn:
			// Indirect targets are spliced in after table recovery.
		default:
			addFall()
		}
	}
	if entry, ok := byStart[fd.entry.Offset]; ok {
		fd.graph.SetEntry(entry)
	} else if len(blocks) > 0 {
		fd.graph.SetEntry(blocks[0])
	}

	// Seeded tables attach their switch edges now that blocks exist.
	for _, jt := range fd.jumpTables {
		if len(jt.Targets) == 0 {
			continue
		}
		for _, branch := range fd.obank.OpsOf(pcode.OpBranchInd) {
			if branch.Addr().Equal(jt.Addr) {
				jt.Op = branch
				fd.InstallSwitchEdges(jt)
				break
			}
		}
	}
	fd.markSpacebasePointers()
	return nil
}

// markSpacebasePointers flags LOAD/STORE ops whose pointer chains to a
// spacebase register.
func (fd *Funcdata) markSpacebasePointers() {
	chase := func(vn *pcode.Varnode) bool {
		for steps := 0; vn != nil && steps < 8; steps++ {
			if vn.HasFlag(pcode.VfSpacebase) {
				return true
			}
			if !vn.IsWritten() {
				return false
			}
			def := vn.Def()
			switch def.Code() {
			case pcode.OpCopy, pcode.OpIntAdd, pcode.OpIntSub, pcode.OpPtrAdd, pcode.OpPtrSub:
				vn = def.Input(0)
			default:
				return false
			}
		}
		return false
	}
	for _, code := range []pcode.OpCode{pcode.OpLoad, pcode.OpStore} {
		for _, op := range fd.obank.OpsOf(code) {
			if op.NumInput() > 1 && chase(op.Input(1)) {
				op.SetFlag(pcode.PfSpacebasePtr)
			}
		}
	}
}

// maxRecoveryPasses bounds the outer jump-table loop.
const maxRecoveryPasses = 8

// Analyze drives the full pipeline: flow generation, SSA, the rewrite loop
// with staged jump-table recovery, final merging and typing, and
// structuring. The returned tree is ready for the printer.
func (fd *Funcdata) Analyze(tr pcode.Translator) (*flow.Block, error) {
	if err := fd.FollowFlow(tr); err != nil {
		return nil, err
	}
	if err := fd.RemoveUnreachable(); err != nil {
		return nil, err
	}
	if err := fd.heritage.Heritage(); err != nil {
		return nil, err
	}

	group := fd.deps.Actions.Group("default")
	for pass := 0; pass < maxRecoveryPasses; pass++ {
		if group != nil {
			if err := group.Apply(fd); err != nil {
				fd.WarningHeader(fmt.Sprintf("Analysis abandoned: %v", err))
				fd.analysisDone = true
				return flow.Structure(fd.graph), nil
			}
		}
		progress := false
		for _, branch := range fd.obank.OpsOf(pcode.OpBranchInd) {
			jt := fd.FindJumpTable(branch)
			if jt != nil && jt.Stage == StageComplete && branch.Parent().SizeOut() > 0 {
				continue
			}
			table, code := fd.RecoverJumpTable(branch)
			switch code {
			case JumpSuccess:
				fd.InstallSwitchEdges(table)
				if fd.restartNeeded {
					// The driver re-analyzes with the table seeded.
					return flow.Structure(fd.graph), nil
				}
				progress = true
			case JumpDead:
				fd.Warning("Removing unreachable indirect branch", branch.Addr())
				bl := branch.Parent()
				if err := fd.OpDestroy(branch); err != nil {
					return nil, err
				}
				if bl != nil && bl.NumOps() == 0 && bl.SizeIn() == 0 {
					if err := fd.RemoveFromFlow(bl); err != nil {
						return nil, err
					}
					if err := fd.graph.RemoveBlock(bl); err != nil {
						return nil, err
					}
				}
				progress = true
			case JumpThunk:
				fd.Warning("Treating indirect jump as thunk", branch.Addr())
			default:
				fd.Warning("Could not recover jumptable", branch.Addr())
			}
		}
		if !progress {
			break
		}
		if err := fd.heritage.Heritage(); err != nil {
			return nil, err
		}
	}

	fd.deadCodeSweep()
	fd.SetHighLevel()
	fd.merge.Run()
	fd.PropagateTypes()
	fd.analysisDone = true
	return flow.Structure(fd.graph), nil
}

// deadCodeSweep removes unread, effect-free definitions, respecting the
// per-space dead-code delays.
func (fd *Funcdata) deadCodeSweep() {
	for {
		var victims []*pcode.PcodeOp
		fd.obank.AscendAlive(func(op *pcode.PcodeOp) bool {
			out := op.Output()
			if out == nil || len(out.Descend()) != 0 {
				return true
			}
			if out.HasFlag(pcode.VfAddrForce|pcode.VfAutoLive) || out.IsAddrTied() && out.HasFlag(pcode.VfPersist) {
				return true
			}
			if !fd.heritage.DeadCodeRemovable(out.Addr.Space) {
				return true
			}
			switch op.Code() {
			case pcode.OpCall, pcode.OpCallInd, pcode.OpCallOther, pcode.OpStore,
				pcode.OpBranch, pcode.OpCBranch, pcode.OpBranchInd, pcode.OpReturn,
				pcode.OpNew:
				return true
			}
			victims = append(victims, op)
			return true
		})
		if len(victims) == 0 {
			return
		}
		for _, op := range victims {
			if out := op.Output(); out != nil {
				fd.heritage.MarkDeadRemoved(out.Addr.Space)
			}
			_ = fd.OpDestroy(op)
		}
	}
}
