package funcdata_test

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"testing"

	"github.com/tinyrange/decomp/internal/dtype"
	"github.com/tinyrange/decomp/internal/flow"
	"github.com/tinyrange/decomp/internal/funcdata"
	"github.com/tinyrange/decomp/internal/loader"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/ruleset"
	"github.com/tinyrange/decomp/internal/space"
)

// switchProgram lifts a hand-built function with a 3-way table dispatch:
//
//	if (idx < 3) goto dispatch; else return;
//	dispatch: jump table[idx]
//	case blocks set r1 and join at a common store+return.
type switchProgram struct {
	m *space.Manager
}

func (p *switchProgram) reg(off uint64, size int) pcode.VarnodeData {
	return pcode.VarnodeData{Addr: space.Address{Space: p.m.ByName("register"), Offset: off}, Size: size}
}

func (p *switchProgram) uniq(off uint64, size int) pcode.VarnodeData {
	return pcode.VarnodeData{Addr: space.Address{Space: p.m.Unique(), Offset: off}, Size: size}
}

func (p *switchProgram) konst(val uint64, size int) pcode.VarnodeData {
	return pcode.VarnodeData{Addr: space.Address{Space: p.m.Constant(), Offset: val}, Size: size}
}

func (p *switchProgram) code(off uint64) pcode.VarnodeData {
	return pcode.VarnodeData{Addr: space.Address{Space: p.m.DefaultCode(), Offset: off}, Size: 1}
}

func (p *switchProgram) OneInstruction(emit pcode.Emitter, addr space.Address) (int, error) {
	r0 := p.reg(0, 8)
	r1 := p.reg(8, 8)
	cond := p.reg(0x200, 1)
	ramID := p.konst(uint64(p.m.DefaultData().Index()), 8)

	switch addr.Offset {
	case 0x1000:
		emit.Dump(addr, pcode.OpIntLess, &cond, []pcode.VarnodeData{r0, p.konst(3, 8)})
		emit.Dump(addr, pcode.OpCBranch, nil, []pcode.VarnodeData{p.code(0x1008), cond})
	case 0x1004:
		emit.Dump(addr, pcode.OpReturn, nil, []pcode.VarnodeData{p.konst(0, 4)})
	case 0x1008:
		t2 := p.uniq(0x10, 8)
		t3 := p.uniq(0x20, 8)
		t4 := p.uniq(0x30, 8)
		emit.Dump(addr, pcode.OpIntMult, &t2, []pcode.VarnodeData{r0, p.konst(8, 8)})
		emit.Dump(addr, pcode.OpIntAdd, &t3, []pcode.VarnodeData{t2, p.konst(0x5000, 8)})
		emit.Dump(addr, pcode.OpLoad, &t4, []pcode.VarnodeData{ramID, t3})
		emit.Dump(addr, pcode.OpBranchInd, nil, []pcode.VarnodeData{t4})
	case 0x1010, 0x1018, 0x1020:
		val := (addr.Offset-0x1010)/8 + 1
		emit.Dump(addr, pcode.OpCopy, &r1, []pcode.VarnodeData{p.konst(val, 8)})
		emit.Dump(addr, pcode.OpBranch, nil, []pcode.VarnodeData{p.code(0x1028)})
	case 0x1028:
		emit.Dump(addr, pcode.OpStore, nil, []pcode.VarnodeData{ramID, p.konst(0x6000, 8), r1})
		emit.Dump(addr, pcode.OpReturn, nil, []pcode.VarnodeData{p.konst(0, 4)})
	default:
		return 0, fmt.Errorf("no instruction at %s", addr)
	}
	return 4, nil
}

func analyzeDeps(t *testing.T) (funcdata.Deps, *switchProgram) {
	t.Helper()
	m, err := space.NewManager([]space.Config{
		{Name: "ram", Kind: "data", AddrSize: 8},
		{Name: "code", Kind: "code", AddrSize: 8},
		{Name: "register", Kind: "register", AddrSize: 4},
	})
	if err != nil {
		t.Fatalf("space manager: %v", err)
	}

	table := make([]byte, 24)
	binary.LittleEndian.PutUint64(table[0:], 0x1010)
	binary.LittleEndian.PutUint64(table[8:], 0x1018)
	binary.LittleEndian.PutUint64(table[16:], 0x1020)
	img := &loader.MemoryImage{}
	img.AddSection(space.Address{Space: m.DefaultData(), Offset: 0x5000}, table, true)

	deps := funcdata.Deps{
		Spaces:  m,
		Types:   dtype.NewDB(),
		Image:   img,
		Laned:   pcode.NewLanedRegistry(),
		Actions: ruleset.BuildActionDatabase(),
		Logger:  slog.Default(),
	}
	return deps, &switchProgram{m: m}
}

func TestAnalyzeRecoversJumpTable(t *testing.T) {
	deps, prog := analyzeDeps(t)
	entry := space.Address{Space: deps.Spaces.DefaultCode(), Offset: 0x1000}

	// Staged reanalysis: the first round discovers the table, the second
	// round disassembles its destinations.
	var fd *funcdata.Funcdata
	var root *flow.Block
	seed := []*funcdata.JumpTable{}
	for round := 0; round < 4; round++ {
		fd = funcdata.NewFuncdata("switcher", entry, deps)
		fd.SeedJumpTables(seed)
		var err error
		root, err = fd.Analyze(prog)
		if err != nil {
			t.Fatalf("analyze round %d: %v", round, err)
		}
		if !fd.NeedsRestart() {
			break
		}
		seed = fd.JumpTables()
	}
	if fd.NeedsRestart() {
		t.Fatalf("analysis did not settle")
	}

	if len(fd.JumpTables()) != 1 {
		t.Fatalf("expected one jump table, got %d", len(fd.JumpTables()))
	}
	jt := fd.JumpTables()[0]
	if jt.Stage != funcdata.StageComplete {
		t.Fatalf("table not complete, stage %d", jt.Stage)
	}
	want := []uint64{0x1010, 0x1018, 0x1020}
	if len(jt.Targets) != len(want) {
		t.Fatalf("expected %d targets, got %d", len(want), len(jt.Targets))
	}
	for i, w := range want {
		if jt.Targets[i].Offset != w {
			t.Fatalf("target %d = %#x, want %#x", i, jt.Targets[i].Offset, w)
		}
	}

	// The dispatch block fans out to every case.
	if jt.Op == nil || jt.Op.Parent() == nil {
		t.Fatalf("table op not linked")
	}
	if got := jt.Op.Parent().SizeOut(); got != 3 {
		t.Fatalf("dispatch block has %d out-edges, want 3", got)
	}

	// The join block merges r1 through a phi read by the store.
	var phi *pcode.PcodeOp
	for _, op := range fd.Obank().OpsOf(pcode.OpMultiequal) {
		phi = op
	}
	if phi == nil {
		t.Fatalf("no phi in the join block")
	}
	if phi.NumInput() != phi.Parent().SizeIn() {
		t.Fatalf("phi arity %d does not match in-edges %d", phi.NumInput(), phi.Parent().SizeIn())
	}

	if err := fd.VerifyIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
	if root == nil {
		t.Fatalf("no structured tree produced")
	}

	// Idempotence: recovering the same branch again yields the same table.
	jt2, code := fd.RecoverJumpTable(jt.Op)
	if code != funcdata.JumpSuccess || jt2 != jt {
		t.Fatalf("re-recovery diverged: code=%d", code)
	}
}
