package funcdata

import (
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
)

// Jump-table recovery result codes.
const (
	JumpSuccess = 0
	// JumpFail is a generic recovery failure.
	JumpFail = 1
	// JumpThunk means the branch target simplified to a single constant:
	// the "table" is likely a thunk.
	JumpThunk = 2
	// JumpDead means the branch proved unreachable in the clone.
	JumpDead = 3
)

// Recovery stages.
const (
	StageUntried  = 0
	StagePartial  = 1
	StageComplete = 2
)

// JumpTable records the recovered destinations of one indirect branch.
type JumpTable struct {
	Op   *pcode.PcodeOp
	Addr space.Address

	// Override supplies externally provided destinations.
	Override []space.Address

	Targets      []space.Address
	DefaultIndex int
	Stage        int

	// Guards are the load guards protecting the table reads.
	Guards []*LoadGuard
}

// NumTargets returns the number of destinations.
func (jt *JumpTable) NumTargets() int { return len(jt.Targets) }

// FindJumpTable returns the table attached to the branch, nil if none.
func (fd *Funcdata) FindJumpTable(op *pcode.PcodeOp) *JumpTable {
	for _, jt := range fd.jumpTables {
		if jt.Op == op || (op != nil && jt.Addr.Equal(op.Addr())) {
			return jt
		}
	}
	return nil
}

// InstallJumpTableOverride registers externally supplied destinations for
// the indirect branch at addr.
func (fd *Funcdata) InstallJumpTableOverride(addr space.Address, targets []space.Address) *JumpTable {
	jt := &JumpTable{Addr: addr, DefaultIndex: -1}
	jt.Override = append(jt.Override, targets...)
	fd.jumpTables = append(fd.jumpTables, jt)
	return jt
}

// earlyFailWindow bounds the backward walk of the early-fail check.
const earlyFailWindow = 8

// earlyFail walks backward from the branch along single-def chains: a call,
// store, or non-inlined user-op writing storage that intersects the chain
// means table recovery cannot succeed.
func (fd *Funcdata) earlyFail(branch *pcode.PcodeOp) bool {
	if branch.NumInput() == 0 || branch.Input(0) == nil {
		return true
	}
	chain := make(map[*pcode.Varnode]bool)
	vn := branch.Input(0)
	for steps := 0; vn != nil && steps < earlyFailWindow; steps++ {
		chain[vn] = true
		def := vn.Def()
		if def == nil {
			break
		}
		switch def.Code() {
		case pcode.OpCopy, pcode.OpIntZext, pcode.OpIntSext, pcode.OpCast,
			pcode.OpIntAdd, pcode.OpIntMult, pcode.OpIntLeft,
			pcode.OpPtrAdd, pcode.OpPtrSub, pcode.OpSubpiece:
			vn = def.Input(0)
		case pcode.OpLoad:
			vn = def.Input(1)
		default:
			vn = nil
		}
	}

	writes := func(op *pcode.PcodeOp) bool {
		check := func(out *pcode.Varnode) bool {
			if out == nil {
				return false
			}
			for c := range chain {
				if out.Intersects(c) {
					return true
				}
			}
			return false
		}
		switch op.Code() {
		case pcode.OpStore:
			// Written storage is unknown; an address-tied chain cell may
			// alias it.
			for c := range chain {
				if c.IsAddrTied() {
					return true
				}
			}
			return false
		case pcode.OpCall, pcode.OpCallInd:
			if check(op.Output()) {
				return true
			}
			for prev := op.PrevInBlock(); prev != nil && prev.Code() == pcode.OpIndirect; prev = prev.PrevInBlock() {
				if check(prev.Output()) {
					return true
				}
			}
			return false
		case pcode.OpCallOther:
			if cs := fd.findCallSpec(op); cs != nil && cs.Inline {
				return false
			}
			return check(op.Output())
		}
		return false
	}

	count := 0
	for op := branch.PrevInBlock(); op != nil && count < earlyFailWindow; op = op.PrevInBlock() {
		count++
		switch op.Code() {
		case pcode.OpStore, pcode.OpCall, pcode.OpCallInd, pcode.OpCallOther:
			if writes(op) {
				return true
			}
		}
	}
	return false
}

// RecoverJumpTable runs the staged recovery pipeline on an indirect branch.
// It returns the recovered table (possibly partial) and a result code.
func (fd *Funcdata) RecoverJumpTable(branch *pcode.PcodeOp) (*JumpTable, int) {
	jt := fd.FindJumpTable(branch)
	if jt == nil {
		jt = &JumpTable{Op: branch, Addr: branch.Addr(), DefaultIndex: -1}
		fd.jumpTables = append(fd.jumpTables, jt)
	}
	jt.Op = branch
	if jt.Stage == StageComplete {
		return jt, JumpSuccess
	}

	if len(jt.Override) > 0 {
		jt.Targets = append(jt.Targets[:0], jt.Override...)
		jt.Stage = StageComplete
		return jt, JumpSuccess
	}

	if fd.earlyFail(branch) {
		fd.log.Debug("jumptable early fail", "branch", branch.Seq().String())
		return jt, JumpFail
	}

	clone, cbranch := fd.CloneForRecovery(branch)
	if cbranch == nil || cbranch.IsDead() {
		return jt, JumpDead
	}
	if act := fd.deps.Actions.Group("jumptable"); act != nil {
		if err := act.Apply(clone); err != nil {
			fd.log.Warn("jumptable simplification overran", "err", err)
			return jt, JumpFail
		}
	}
	if cbranch.IsDead() || cbranch.Parent() == nil {
		return jt, JumpDead
	}

	targets, code := clone.extractTargets(cbranch)
	if code != JumpSuccess {
		return jt, code
	}
	jt.Targets = targets
	if clone.unresolvedGuardFor(cbranch) {
		jt.Stage = StagePartial
	} else {
		jt.Stage = StageComplete
	}
	return jt, JumpSuccess
}

func (fd *Funcdata) unresolvedGuardFor(branch *pcode.PcodeOp) bool {
	for _, g := range fd.heritage.LoadGuards() {
		if !g.Resolved {
			return true
		}
	}
	return false
}

// extractTargets follows the simplified pointer expression of the branch.
// A switch over a bounded index into a table of code addresses enumerates
// the destinations.
func (fd *Funcdata) extractTargets(branch *pcode.PcodeOp) ([]space.Address, int) {
	codeSpace := fd.deps.Spaces.DefaultCode()
	vn := branch.Input(0)

	// Strip value-preserving wrappers.
	for vn != nil && vn.IsWritten() {
		def := vn.Def()
		if def.Code() == pcode.OpCopy || def.Code() == pcode.OpCast {
			vn = def.Input(0)
			continue
		}
		break
	}
	if vn == nil {
		return nil, JumpFail
	}
	if vn.IsConstant() {
		// A single fixed destination: the branch is a thunk, not a table.
		return nil, JumpThunk
	}
	if !vn.IsWritten() || vn.Def().Code() != pcode.OpLoad {
		return nil, JumpFail
	}
	load := vn.Def()
	entrySize := vn.Size

	base, scale, index, ok := fd.matchTableAddress(load.Input(1))
	if !ok {
		return nil, JumpFail
	}
	n, ok := fd.findIndexBound(index, load)
	if !ok || n == 0 {
		return nil, JumpFail
	}
	if n > 4096 {
		return nil, JumpFail
	}

	img := fd.deps.Image
	if img == nil {
		return nil, JumpFail
	}
	targets := make([]space.Address, 0, n)
	buf := make([]byte, entrySize)
	for i := uint64(0); i < n; i++ {
		entry := space.Address{Space: fd.deps.Spaces.DefaultData(), Offset: base + i*scale}
		if err := img.LoadFill(buf, entry); err != nil {
			return nil, JumpFail
		}
		var val uint64
		if entry.Space.IsBigEndian() {
			for _, b := range buf {
				val = val<<8 | uint64(b)
			}
		} else {
			for j := len(buf) - 1; j >= 0; j-- {
				val = val<<8 | uint64(buf[j])
			}
		}
		targets = append(targets, space.Address{Space: codeSpace, Offset: val})
	}
	return targets, JumpSuccess
}

// matchTableAddress recognizes base + index*scale address expressions.
func (fd *Funcdata) matchTableAddress(ptr *pcode.Varnode) (base, scale uint64, index *pcode.Varnode, ok bool) {
	if ptr == nil {
		return 0, 0, nil, false
	}
	if ptr.IsConstant() {
		// Degenerate one-entry table.
		return ptr.ConstantValue(), 1, nil, false
	}
	if !ptr.IsWritten() {
		return 0, 0, nil, false
	}
	def := ptr.Def()
	switch def.Code() {
	case pcode.OpIntAdd:
		a, b := def.Input(0), def.Input(1)
		if b.IsConstant() {
			base = b.ConstantValue()
		} else if a.IsConstant() {
			base = a.ConstantValue()
			a = b
		} else {
			return 0, 0, nil, false
		}
		scale, index, ok = matchScaled(a)
		return base, scale, index, ok
	case pcode.OpPtrAdd:
		if !def.Input(0).IsConstant() || !def.Input(2).IsConstant() {
			return 0, 0, nil, false
		}
		return def.Input(0).ConstantValue(), def.Input(2).ConstantValue(), def.Input(1), true
	}
	return 0, 0, nil, false
}

func matchScaled(vn *pcode.Varnode) (scale uint64, index *pcode.Varnode, ok bool) {
	for vn.IsWritten() {
		def := vn.Def()
		if def.Code() == pcode.OpIntZext || def.Code() == pcode.OpIntSext || def.Code() == pcode.OpCopy {
			vn = def.Input(0)
			continue
		}
		break
	}
	if !vn.IsWritten() {
		return 1, vn, true
	}
	def := vn.Def()
	switch def.Code() {
	case pcode.OpIntMult:
		if def.Input(1).IsConstant() {
			return def.Input(1).ConstantValue(), def.Input(0), true
		}
		if def.Input(0).IsConstant() {
			return def.Input(0).ConstantValue(), def.Input(1), true
		}
	case pcode.OpIntLeft:
		if def.Input(1).IsConstant() {
			return uint64(1) << def.Input(1).ConstantValue(), def.Input(0), true
		}
	}
	return 1, vn, true
}

// findIndexBound locates the guard bounding the switch index: a CBRANCH on
// a comparison of the index against a constant that dominates the load.
func (fd *Funcdata) findIndexBound(index *pcode.Varnode, load *pcode.PcodeOp) (uint64, bool) {
	if index == nil {
		return 1, true
	}
	// An index with a known nonzero mask is bounded by it.
	if mask := index.NZMask(); mask != pcode.CalcMask(index.Size) {
		return mask + 1, true
	}
	for vn := index; vn != nil; {
		for _, reader := range vn.Descend() {
			var cmp uint64
			var strict bool
			switch reader.Code() {
			case pcode.OpIntLess:
				if reader.Input(0) != vn || !reader.Input(1).IsConstant() {
					continue
				}
				cmp = reader.Input(1).ConstantValue()
				strict = true
			case pcode.OpIntLessEqual:
				if reader.Input(0) != vn || !reader.Input(1).IsConstant() {
					continue
				}
				cmp = reader.Input(1).ConstantValue()
			default:
				continue
			}
			out := reader.Output()
			if out == nil {
				continue
			}
			guarded := false
			for _, rd := range out.Descend() {
				if rd.Code() == pcode.OpCBranch {
					guarded = true
				}
			}
			if !guarded {
				continue
			}
			if strict {
				return cmp, true
			}
			return cmp + 1, true
		}
		if vn.IsWritten() && (vn.Def().Code() == pcode.OpCopy || vn.Def().Code() == pcode.OpIntZext || vn.Def().Code() == pcode.OpIntSext) {
			vn = vn.Def().Input(0)
			continue
		}
		break
	}
	return 0, false
}

// SeedJumpTables installs previously recovered tables before flow
// generation, so their destinations disassemble on the next outer pass.
func (fd *Funcdata) SeedJumpTables(tables []*JumpTable) {
	for _, jt := range tables {
		njt := &JumpTable{
			Addr:         jt.Addr,
			Targets:      append([]space.Address(nil), jt.Targets...),
			Override:     append([]space.Address(nil), jt.Override...),
			DefaultIndex: jt.DefaultIndex,
			Stage:        jt.Stage,
		}
		fd.jumpTables = append(fd.jumpTables, njt)
	}
}

// NeedsRestart reports whether recovery produced destinations the current
// flow does not contain; the driver re-analyzes with the tables seeded.
func (fd *Funcdata) NeedsRestart() bool { return fd.restartNeeded }

// InstallSwitchEdges splices the recovered destinations into the flow:
// each target address that begins a block gains an in-edge from the
// branch's block. Successors the table does not name become goto-out
// default edges.
func (fd *Funcdata) InstallSwitchEdges(jt *JumpTable) {
	bl := jt.Op.Parent()
	if bl == nil {
		return
	}
	have := make(map[*pcode.BlockBasic]bool)
	for i := 0; i < bl.SizeOut(); i++ {
		have[bl.Out(i)] = true
	}
	for _, t := range jt.Targets {
		target := fd.blockStartingAt(t)
		if target == nil {
			fd.restartNeeded = true
			continue
		}
		if have[target] {
			continue
		}
		fd.graph.AddEdge(bl, target)
		have[target] = true
		// A fresh edge extends the phi inputs of the target.
		for _, phi := range phiOps(target) {
			fd.OpInsertInput(phi, phi.Input(phi.NumInput()-1), phi.NumInput())
		}
	}
	// A successor absent from the table keeps its edge as the default,
	// marked as a goto-out.
	named := make(map[uint64]bool, len(jt.Targets))
	for _, t := range jt.Targets {
		named[t.Offset] = true
	}
	jt.DefaultIndex = -1
	for i := 0; i < bl.SizeOut(); i++ {
		succ := bl.Out(i)
		first := succ.FirstOp()
		if first == nil || !named[first.Addr().Offset] {
			jt.DefaultIndex = i
			succ.SetFlag(pcode.BlkDefaultSwitch)
			bl.SetOutLabel(i, pcode.EdgeGoto)
			break
		}
	}
	bl.SetFlag(pcode.BlkSwitchOut)
}

func (fd *Funcdata) blockStartingAt(addr space.Address) *pcode.BlockBasic {
	for _, bl := range fd.graph.Blocks() {
		if first := bl.FirstOp(); first != nil && first.Addr().Equal(addr) {
			return bl
		}
	}
	return nil
}
