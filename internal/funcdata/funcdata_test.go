package funcdata

import (
	"log/slog"
	"testing"

	"github.com/tinyrange/decomp/internal/dtype"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	m, err := space.NewManager([]space.Config{
		{Name: "ram", Kind: "data", AddrSize: 8},
		{Name: "code", Kind: "code", AddrSize: 8},
		{Name: "register", Kind: "register", AddrSize: 4},
		{Name: "stack", Kind: "stack", AddrSize: 8, Delay: 1, Spacebase: true},
	})
	if err != nil {
		t.Fatalf("space manager: %v", err)
	}
	return Deps{
		Spaces:  m,
		Types:   dtype.NewDB(),
		Laned:   pcode.NewLanedRegistry(),
		Actions: NewActionDatabase(),
		Logger:  slog.Default(),
	}
}

func testFunc(t *testing.T) *Funcdata {
	t.Helper()
	deps := testDeps(t)
	entry := space.Address{Space: deps.Spaces.DefaultCode(), Offset: 0x1000}
	return NewFuncdata("test", entry, deps)
}

func codeAddr(fd *Funcdata, off uint64) space.Address {
	return space.Address{Space: fd.Spaces().DefaultCode(), Offset: off}
}

func regAddr(fd *Funcdata, off uint64) space.Address {
	return space.Address{Space: fd.Spaces().ByName("register"), Offset: off}
}

// addOp builds and links an op at the end of bl.
func addOp(t *testing.T, fd *Funcdata, bl *pcode.BlockBasic, code pcode.OpCode, out *pcode.Varnode, ins ...*pcode.Varnode) *pcode.PcodeOp {
	t.Helper()
	op := fd.NewOp(len(ins), codeAddr(fd, 0x1000+uint64(fd.Obank().NumAlive()+fd.Obank().NumDead())))
	if err := fd.OpSetOpcode(op, code); err != nil {
		t.Fatalf("set opcode: %v", err)
	}
	for i, in := range ins {
		fd.OpSetInput(op, in, i)
	}
	if out != nil {
		fd.OpSetOutput(op, out)
	}
	fd.OpInsertEnd(op, bl)
	return op
}

func TestOpInsertBeforeUninsertLaw(t *testing.T) {
	fd := testFunc(t)
	bl := fd.Graph().NewBlockBasic()
	fd.Graph().SetEntry(bl)

	a := fd.NewVarnode(4, regAddr(fd, 0))
	c1 := addOp(t, fd, bl, pcode.OpCopy, a, fd.NewConstant(4, 1))
	b := fd.NewVarnode(4, regAddr(fd, 8))
	c2 := addOp(t, fd, bl, pcode.OpCopy, b, a)

	var before []*pcode.PcodeOp
	bl.AscendOps(func(op *pcode.PcodeOp) bool {
		before = append(before, op)
		return true
	})

	extra := fd.NewOp(1, codeAddr(fd, 0x1234))
	if err := fd.OpSetOpcode(extra, pcode.OpCopy); err != nil {
		t.Fatalf("opcode: %v", err)
	}
	fd.OpSetInput(extra, fd.NewConstant(4, 9), 0)
	fd.OpSetOutput(extra, fd.NewVarnode(4, regAddr(fd, 16)))
	fd.OpInsertBefore(extra, c2)

	if c1.NextInBlock() != extra || extra.NextInBlock() != c2 {
		t.Fatalf("insert before did not land between ops")
	}

	fd.OpUninsert(extra)
	var after []*pcode.PcodeOp
	bl.AscendOps(func(op *pcode.PcodeOp) bool {
		after = append(after, op)
		return true
	})
	if len(after) != len(before) {
		t.Fatalf("op count changed: %d != %d", len(after), len(before))
	}
	for i := range after {
		if after[i] != before[i] {
			t.Fatalf("block sequence changed at %d", i)
		}
	}
	if err := fd.VerifyIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
}

func TestInsertBeforeSkipsIndirect(t *testing.T) {
	fd := testFunc(t)
	bl := fd.Graph().NewBlockBasic()
	fd.Graph().SetEntry(bl)

	addr := codeAddr(fd, 0x2000)
	store := fd.NewOp(3, addr)
	if err := fd.OpSetOpcode(store, pcode.OpStore); err != nil {
		t.Fatalf("opcode: %v", err)
	}
	fd.OpSetInput(store, fd.NewConstant(8, 0), 0)
	fd.OpSetInput(store, fd.NewConstant(8, 0x5000), 1)
	fd.OpSetInput(store, fd.NewConstant(4, 7), 2)
	fd.OpInsertEnd(store, bl)

	ind := fd.NewOp(2, addr)
	if err := fd.OpSetOpcode(ind, pcode.OpIndirect); err != nil {
		t.Fatalf("opcode: %v", err)
	}
	fd.OpSetInput(ind, fd.NewVarnode(4, regAddr(fd, 0)), 0)
	fd.OpSetInput(ind, fd.NewConstant(8, 1), 1)
	fd.OpSetOutput(ind, fd.Vbank().Create(4, regAddr(fd, 0)))
	fd.OpInsertBefore(ind, store)

	// A plain op inserted "before the store" must stay above the INDIRECT.
	cp := fd.NewOp(1, codeAddr(fd, 0x2004))
	if err := fd.OpSetOpcode(cp, pcode.OpCopy); err != nil {
		t.Fatalf("opcode: %v", err)
	}
	fd.OpSetInput(cp, fd.NewConstant(4, 3), 0)
	fd.OpSetOutput(cp, fd.NewVarnode(4, regAddr(fd, 8)))
	fd.OpInsertBefore(cp, store)

	if ind.NextInBlock() != store {
		t.Fatalf("indirect separated from its effect op")
	}
	if cp.NextInBlock() != ind {
		t.Fatalf("inserted op did not skip the indirect group")
	}
}

// buildDiamond makes entry -> (left|right) -> join with a conditional.
func buildDiamond(t *testing.T, fd *Funcdata) (entry, left, right, join *pcode.BlockBasic) {
	t.Helper()
	g := fd.Graph()
	entry = g.NewBlockBasic()
	left = g.NewBlockBasic()
	right = g.NewBlockBasic()
	join = g.NewBlockBasic()
	g.SetEntry(entry)
	g.AddEdge(entry, left)
	g.AddEdge(entry, right)
	g.AddEdge(left, join)
	g.AddEdge(right, join)
	return entry, left, right, join
}

func TestHeritagePlacesPhi(t *testing.T) {
	fd := testFunc(t)
	entry, left, right, join := buildDiamond(t, fd)

	r0 := regAddr(fd, 0)
	cond := fd.NewVarnode(1, regAddr(fd, 0x200))
	cb := addOp(t, fd, entry, pcode.OpCBranch, nil, fd.NewCodeRef(codeAddr(fd, 0x1100)), cond)
	_ = cb

	// Both branches write r0; the join reads it.
	lv := fd.Vbank().Create(4, r0)
	addOp(t, fd, left, pcode.OpCopy, lv, fd.NewConstant(4, 1))
	rv := fd.Vbank().Create(4, r0)
	addOp(t, fd, right, pcode.OpCopy, rv, fd.NewConstant(4, 2))
	read := fd.NewVarnode(4, r0)
	sink := fd.Vbank().Create(4, regAddr(fd, 8))
	addOp(t, fd, join, pcode.OpCopy, sink, read)

	if err := fd.HeritageState().Heritage(); err != nil {
		t.Fatalf("heritage: %v", err)
	}

	var phi *pcode.PcodeOp
	for op := join.FirstOp(); op != nil; op = op.NextInBlock() {
		if op.Code() == pcode.OpMultiequal {
			phi = op
			break
		}
	}
	if phi == nil {
		t.Fatalf("no phi placed in join block")
	}
	if phi.NumInput() != 2 {
		t.Fatalf("phi has %d inputs, want 2", phi.NumInput())
	}
	if phi.Input(0) != lv && phi.Input(1) != lv {
		t.Fatalf("phi does not read the left definition")
	}
	if phi.Input(0) != rv && phi.Input(1) != rv {
		t.Fatalf("phi does not read the right definition")
	}
	// The join's read must now see the phi output.
	readOp := join.FirstNonPhi()
	if readOp == nil || readOp.Input(0) != phi.Output() {
		t.Fatalf("join read not renamed to phi output")
	}
	if err := fd.VerifyIntegrity(); err != nil {
		t.Fatalf("integrity after heritage: %v", err)
	}
}

func TestNodeSplitPatchesPhi(t *testing.T) {
	fd := testFunc(t)
	_, left, right, join := buildDiamond(t, fd)

	r0 := regAddr(fd, 0)
	v1 := fd.Vbank().Create(4, r0)
	addOp(t, fd, left, pcode.OpCopy, v1, fd.NewConstant(4, 1))
	v2 := fd.Vbank().Create(4, r0)
	addOp(t, fd, right, pcode.OpCopy, v2, fd.NewConstant(4, 2))

	phi := fd.NewOp(2, codeAddr(fd, 0x1400))
	if err := fd.OpSetOpcode(phi, pcode.OpMultiequal); err != nil {
		t.Fatalf("opcode: %v", err)
	}
	fd.OpSetInput(phi, v1, 0)
	fd.OpSetInput(phi, v2, 1)
	out := fd.Vbank().Create(4, r0)
	fd.OpSetOutput(phi, out)
	fd.OpInsertBegin(phi, join)

	clone, err := fd.NodeSplit(join, 0)
	if err != nil {
		t.Fatalf("node split: %v", err)
	}
	if clone.SizeIn() != 1 || clone.In(0) != left {
		t.Fatalf("clone in-edge not moved from left")
	}
	if join.SizeIn() != 1 || join.In(0) != right {
		t.Fatalf("original block should keep only the right edge")
	}
	// The clone holds a COPY of the phi's first input.
	ccopy := clone.FirstOp()
	if ccopy == nil || ccopy.Code() != pcode.OpCopy || ccopy.Input(0) != v1 {
		t.Fatalf("clone lacks COPY of the moved phi input")
	}
	// The original phi lost the moved slot.
	if phi.NumInput() != 1 || phi.Input(0) != v2 {
		t.Fatalf("original phi not reduced to the remaining input")
	}
}

func TestRemoveFromFlowPhiPatch(t *testing.T) {
	fd := testFunc(t)
	g := fd.Graph()
	a1 := g.NewBlockBasic()
	a2 := g.NewBlockBasic()
	mid := g.NewBlockBasic()
	succ := g.NewBlockBasic()
	other := g.NewBlockBasic()
	g.SetEntry(a1)
	g.AddEdge(a1, mid)
	g.AddEdge(a2, mid)
	g.AddEdge(mid, succ)
	g.AddEdge(other, succ)

	r0 := regAddr(fd, 0)
	w1 := fd.Vbank().Create(4, r0)
	addOp(t, fd, a1, pcode.OpCopy, w1, fd.NewConstant(4, 1))
	w2 := fd.Vbank().Create(4, r0)
	addOp(t, fd, a2, pcode.OpCopy, w2, fd.NewConstant(4, 2))
	w3 := fd.Vbank().Create(4, r0)
	addOp(t, fd, other, pcode.OpCopy, w3, fd.NewConstant(4, 3))

	midPhi := fd.NewOp(2, codeAddr(fd, 0x1500))
	if err := fd.OpSetOpcode(midPhi, pcode.OpMultiequal); err != nil {
		t.Fatalf("opcode: %v", err)
	}
	fd.OpSetInput(midPhi, w1, 0)
	fd.OpSetInput(midPhi, w2, 1)
	midOut := fd.Vbank().Create(4, r0)
	fd.OpSetOutput(midPhi, midOut)
	fd.OpInsertBegin(midPhi, mid)

	succPhi := fd.NewOp(2, codeAddr(fd, 0x1600))
	if err := fd.OpSetOpcode(succPhi, pcode.OpMultiequal); err != nil {
		t.Fatalf("opcode: %v", err)
	}
	fd.OpSetInput(succPhi, midOut, 0)
	fd.OpSetInput(succPhi, w3, 1)
	succOut := fd.Vbank().Create(4, r0)
	fd.OpSetOutput(succPhi, succOut)
	fd.OpInsertBegin(succPhi, succ)

	if err := fd.RemoveFromFlow(mid); err != nil {
		t.Fatalf("remove from flow: %v", err)
	}

	if succ.SizeIn() != 3 {
		t.Fatalf("successor should have 3 in-edges, got %d", succ.SizeIn())
	}
	if succPhi.NumInput() != 3 {
		t.Fatalf("phi should have 3 inputs, got %d", succPhi.NumInput())
	}
	// Slot 0 (the mid edge) was dropped; w3 keeps its slot; the two new
	// slots carry the mid phi's former inputs.
	if succPhi.Input(0) != w3 {
		t.Fatalf("surviving input displaced")
	}
	found1, found2 := false, false
	for i := 1; i < 3; i++ {
		if succPhi.Input(i) == w1 {
			found1 = true
		}
		if succPhi.Input(i) == w2 {
			found2 = true
		}
	}
	if !found1 || !found2 {
		t.Fatalf("phi inputs not populated from the removed block's phi")
	}
}

func TestMergeCacheScenario(t *testing.T) {
	fd := testFunc(t)
	bl := fd.Graph().NewBlockBasic()
	fd.Graph().SetEntry(bl)

	reg := func(i uint64) space.Address { return regAddr(fd, i*8) }

	// Op positions shape the covers: v1 lives [0,1], v3 [2,4], v2 [3,5]
	// (proper overlap with v3), v4 [6,7], v5 [8,8].
	v1 := fd.Vbank().Create(4, reg(1))
	addOp(t, fd, bl, pcode.OpCopy, v1, fd.NewConstant(4, 1))
	u1 := fd.Vbank().Create(4, reg(10))
	addOp(t, fd, bl, pcode.OpCopy, u1, v1)

	v3 := fd.Vbank().Create(4, reg(3))
	addOp(t, fd, bl, pcode.OpCopy, v3, fd.NewConstant(4, 3))
	v2 := fd.Vbank().Create(4, reg(2))
	addOp(t, fd, bl, pcode.OpCopy, v2, fd.NewConstant(4, 2))

	u3 := fd.Vbank().Create(4, reg(11))
	addOp(t, fd, bl, pcode.OpIntAdd, u3, v3, v2)
	u2b := fd.Vbank().Create(4, reg(12))
	addOp(t, fd, bl, pcode.OpCopy, u2b, v2)

	v4 := fd.Vbank().Create(4, reg(4))
	addOp(t, fd, bl, pcode.OpCopy, v4, fd.NewConstant(4, 4))
	u4 := fd.Vbank().Create(4, reg(13))
	addOp(t, fd, bl, pcode.OpCopy, u4, v4)

	v5 := fd.Vbank().Create(4, reg(5))
	addOp(t, fd, bl, pcode.OpCopy, v5, fd.NewConstant(4, 5))

	fd.SetHighLevel()
	m := fd.Merge()
	h1, h2, h3, h4, h5 := v1.High(), v2.High(), v3.High(), v4.High(), v5.High()

	if m.Intersect(h1, h3) {
		t.Fatalf("h1/h3 should not intersect")
	}
	if !m.Intersect(h2, h3) {
		t.Fatalf("h2/h3 should intersect")
	}
	if m.Intersect(h2, h4) {
		t.Fatalf("h2/h4 should not intersect")
	}
	if m.Intersect(h1, h4) {
		t.Fatalf("h1/h4 should not intersect")
	}

	m.MergeHigh(h1, h2)

	if v, ok := m.CachedIntersect(h1, h3); !ok || !v {
		t.Fatalf("expected cached true for merged pair with h3, got ok=%v v=%v", ok, v)
	}
	if v, ok := m.CachedIntersect(h1, h4); !ok || v {
		t.Fatalf("expected cached false for agreed pair with h4, got ok=%v v=%v", ok, v)
	}
	if _, ok := m.CachedIntersect(h1, h5); ok {
		t.Fatalf("pair with h5 must be recomputed lazily, not cached")
	}
}

func TestJumpTableEarlyFail(t *testing.T) {
	fd := testFunc(t)
	bl := fd.Graph().NewBlockBasic()
	fd.Graph().SetEntry(bl)

	target := fd.Vbank().Create(4, regAddr(fd, 0x100))

	// A non-inlined user-op writes the same storage as the branch target
	// within the early-fail window.
	user := fd.NewOp(1, codeAddr(fd, 0x3000))
	if err := fd.OpSetOpcode(user, pcode.OpCallOther); err != nil {
		t.Fatalf("opcode: %v", err)
	}
	fd.OpSetInput(user, fd.NewConstant(4, 0), 0)
	fd.OpSetOutput(user, target)
	fd.OpInsertEnd(user, bl)

	branch := fd.NewOp(1, codeAddr(fd, 0x3008))
	if err := fd.OpSetOpcode(branch, pcode.OpBranchInd); err != nil {
		t.Fatalf("opcode: %v", err)
	}
	fd.OpSetInput(branch, target, 0)
	fd.OpInsertEnd(branch, bl)

	if !fd.earlyFail(branch) {
		t.Fatalf("early-fail check should reject this branch")
	}
	if _, code := fd.RecoverJumpTable(branch); code != JumpFail {
		t.Fatalf("recovery should fail, got code %d", code)
	}
}

func TestJumpTableOverride(t *testing.T) {
	fd := testFunc(t)
	bl := fd.Graph().NewBlockBasic()
	fd.Graph().SetEntry(bl)

	target := fd.Vbank().Create(8, regAddr(fd, 0))
	branch := addOp(t, fd, bl, pcode.OpBranchInd, nil, target)

	want := []space.Address{codeAddr(fd, 0x4000), codeAddr(fd, 0x4010)}
	fd.InstallJumpTableOverride(branch.Addr(), want)

	jt, code := fd.RecoverJumpTable(branch)
	if code != JumpSuccess {
		t.Fatalf("override recovery failed with code %d", code)
	}
	if jt.Stage != StageComplete || len(jt.Targets) != 2 {
		t.Fatalf("override not applied: stage=%d targets=%d", jt.Stage, len(jt.Targets))
	}

	// Idempotence: recovering again yields identical targets.
	jt2, code := fd.RecoverJumpTable(branch)
	if code != JumpSuccess || jt2 != jt {
		t.Fatalf("second recovery diverged")
	}
	for i, tgt := range jt2.Targets {
		if !tgt.Equal(want[i]) {
			t.Fatalf("target %d changed across recoveries", i)
		}
	}
}

func TestConstantCloneOnSecondUse(t *testing.T) {
	fd := testFunc(t)
	bl := fd.Graph().NewBlockBasic()
	fd.Graph().SetEntry(bl)

	c := fd.NewConstant(4, 42)
	out1 := fd.NewVarnode(4, regAddr(fd, 0))
	addOp(t, fd, bl, pcode.OpCopy, out1, c)
	out2 := fd.NewVarnode(4, regAddr(fd, 8))
	op2 := addOp(t, fd, bl, pcode.OpCopy, out2, c)

	if op2.Input(0) == c {
		t.Fatalf("constant shared across two readers")
	}
	if op2.Input(0).ConstantValue() != 42 {
		t.Fatalf("cloned constant lost its value")
	}
}

func TestDeadCodeDelayBlocksSweep(t *testing.T) {
	fd := testFunc(t)
	bl := fd.Graph().NewBlockBasic()
	fd.Graph().SetEntry(bl)

	// The stack space has deadcodedelay 1: nothing may be reclaimed there
	// until a second heritage pass has run.
	stack := fd.Spaces().Stack()
	sv := fd.Vbank().Create(8, space.Address{Space: stack, Offset: 0x10})
	addOp(t, fd, bl, pcode.OpCopy, sv, fd.NewConstant(8, 1))

	if fd.HeritageState().DeadCodeRemovable(stack) {
		t.Fatalf("stack dead code removable before any pass")
	}
	if err := fd.HeritageState().Heritage(); err != nil {
		t.Fatalf("heritage: %v", err)
	}
	if fd.HeritageState().DeadCodeRemovable(stack) {
		t.Fatalf("stack dead code removable after first pass despite delay")
	}
	if err := fd.HeritageState().Heritage(); err != nil {
		t.Fatalf("heritage: %v", err)
	}
	if !fd.HeritageState().DeadCodeRemovable(stack) {
		t.Fatalf("stack dead code still blocked after delay elapsed")
	}
}
