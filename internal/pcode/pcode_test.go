package pcode

import (
	"testing"

	"github.com/tinyrange/decomp/internal/space"
)

func testSpaces(t *testing.T) *space.Manager {
	t.Helper()
	m, err := space.NewManager([]space.Config{
		{Name: "ram", Kind: "data", AddrSize: 8},
		{Name: "code", Kind: "code", AddrSize: 8},
		{Name: "register", Kind: "register", AddrSize: 4},
	})
	if err != nil {
		t.Fatalf("space manager: %v", err)
	}
	return m
}

func TestVarnodeBankIndexes(t *testing.T) {
	m := testSpaces(t)
	bank := NewVarnodeBank(m)
	reg := m.ByName("register")

	a := bank.Create(4, space.Address{Space: reg, Offset: 0})
	b := bank.Create(8, space.Address{Space: reg, Offset: 0})
	c := bank.Create(4, space.Address{Space: reg, Offset: 8})

	if bank.Size() != 3 {
		t.Fatalf("expected 3 cells, got %d", bank.Size())
	}
	var got []*Varnode
	bank.AscendLoc(func(vn *Varnode) bool {
		got = append(got, vn)
		return true
	})
	if got[0] != a || got[1] != b || got[2] != c {
		t.Fatalf("loc order wrong: smaller size first within an address")
	}

	var overlap []*Varnode
	bank.AscendOverlap(space.Address{Space: reg, Offset: 6}, 4, func(vn *Varnode) bool {
		overlap = append(overlap, vn)
		return true
	})
	if len(overlap) != 2 {
		t.Fatalf("expected b and c to overlap [6,10), got %d cells", len(overlap))
	}
}

func TestSetInputRejectsOverlap(t *testing.T) {
	m := testSpaces(t)
	bank := NewVarnodeBank(m)
	reg := m.ByName("register")

	a := bank.Create(8, space.Address{Space: reg, Offset: 0})
	if _, err := bank.SetInput(a); err != nil {
		t.Fatalf("first input: %v", err)
	}
	same := bank.Create(8, space.Address{Space: reg, Offset: 0})
	in, err := bank.SetInput(same)
	if err != nil {
		t.Fatalf("identical storage should reuse the existing input: %v", err)
	}
	if in != a {
		t.Fatalf("expected the existing input back")
	}
	partial := bank.Create(4, space.Address{Space: reg, Offset: 4})
	if _, err := bank.SetInput(partial); err == nil {
		t.Fatalf("overlapping input of different size must be rejected")
	}
}

func TestOpBankLists(t *testing.T) {
	m := testSpaces(t)
	bank := NewPcodeOpBank()
	code := m.DefaultCode()

	op := bank.Create(2, space.Address{Space: code, Offset: 0x10})
	if !op.IsDead() || bank.NumDead() != 1 {
		t.Fatalf("creation must yield a dead op")
	}
	bank.SetOpcode(op, OpIntAdd)
	bank.MarkAlive(op)
	if op.IsDead() || bank.NumAlive() != 1 || bank.NumDead() != 0 {
		t.Fatalf("markAlive bookkeeping wrong")
	}
	if err := bank.Destroy(op); err == nil {
		t.Fatalf("destroying an alive op must fail")
	}
	bank.MarkDead(op)
	if err := bank.Destroy(op); err != nil {
		t.Fatalf("destroy dead: %v", err)
	}
	if bank.NumDead() != 0 {
		t.Fatalf("destroy left the op on a list")
	}
}

func TestOpBankBuckets(t *testing.T) {
	m := testSpaces(t)
	bank := NewPcodeOpBank()
	code := m.DefaultCode()

	b1 := bank.Create(1, space.Address{Space: code, Offset: 0x10})
	bank.SetOpcode(b1, OpBranchInd)
	bank.MarkAlive(b1)
	b2 := bank.Create(1, space.Address{Space: code, Offset: 0x20})
	bank.SetOpcode(b2, OpBranchInd)
	bank.MarkAlive(b2)

	if got := len(bank.OpsOf(OpBranchInd)); got != 2 {
		t.Fatalf("expected 2 bucketed branches, got %d", got)
	}
	bank.SetOpcode(b2, OpBranch)
	if got := len(bank.OpsOf(OpBranchInd)); got != 1 {
		t.Fatalf("bucket not maintained across opcode change, got %d", got)
	}
}

func TestSeqOrderPerAddress(t *testing.T) {
	m := testSpaces(t)
	bank := NewPcodeOpBank()
	addr := space.Address{Space: m.DefaultCode(), Offset: 0x10}

	o1 := bank.Create(0, addr)
	o2 := bank.Create(0, addr)
	if o1.Seq().Order != 0 || o2.Seq().Order != 1 {
		t.Fatalf("order slots not sequential: %d, %d", o1.Seq().Order, o2.Seq().Order)
	}
	if bank.FindSeq(o2.Seq()) != o2 {
		t.Fatalf("FindSeq missed")
	}
}

func TestDominators(t *testing.T) {
	g := NewBlockGraph()
	entry := g.NewBlockBasic()
	left := g.NewBlockBasic()
	right := g.NewBlockBasic()
	join := g.NewBlockBasic()
	tail := g.NewBlockBasic()
	g.SetEntry(entry)
	g.AddEdge(entry, left)
	g.AddEdge(entry, right)
	g.AddEdge(left, join)
	g.AddEdge(right, join)
	g.AddEdge(join, tail)

	g.CalcDominators()
	if join.ImmedDom() != entry {
		t.Fatalf("join idom should be entry, got %v", join.ImmedDom())
	}
	if tail.ImmedDom() != join {
		t.Fatalf("tail idom should be join")
	}
	if !g.Dominates(entry, tail) || g.Dominates(left, tail) {
		t.Fatalf("dominance queries wrong")
	}
}

func TestLoopEdgeMarking(t *testing.T) {
	g := NewBlockGraph()
	entry := g.NewBlockBasic()
	head := g.NewBlockBasic()
	body := g.NewBlockBasic()
	exit := g.NewBlockBasic()
	g.SetEntry(entry)
	g.AddEdge(entry, head)
	g.AddEdge(head, body)
	g.AddEdge(body, head)
	g.AddEdge(head, exit)

	g.MarkLoopEdges()
	if body.OutLabel(0)&EdgeLoop == 0 {
		t.Fatalf("back edge not labeled")
	}
	if head.OutLabel(0)&EdgeLoop != 0 {
		t.Fatalf("forward edge mislabeled as loop")
	}
}

func TestCoverIntersect(t *testing.T) {
	var a, b Cover
	a.add(0, Interval{Start: 0, Stop: 4})
	b.add(0, Interval{Start: 5, Stop: 9})
	if got := a.Intersect(&b); got != IntersectNone {
		t.Fatalf("disjoint covers intersect: %d", got)
	}
	b.add(0, Interval{Start: 4, Stop: 4})
	if got := a.Intersect(&b); got != IntersectBoundary {
		t.Fatalf("touching covers should report boundary: %d", got)
	}
	b.add(0, Interval{Start: 2, Stop: 3})
	if got := a.Intersect(&b); got != IntersectProper {
		t.Fatalf("overlapping covers should report proper: %d", got)
	}
	var c Cover
	c.add(1, Interval{Start: 0, Stop: 100})
	if got := a.Intersect(&c); got != IntersectNone {
		t.Fatalf("different blocks must not intersect")
	}
}

func TestLanedRegistry(t *testing.T) {
	m := testSpaces(t)
	r := NewLanedRegistry()
	reg := m.ByName("register")
	base := space.Address{Space: reg, Offset: 0x100}
	if err := r.Register(base, 16, []int{4, 1, 8}); err != nil {
		t.Fatalf("register: %v", err)
	}

	lr := r.Lookup(base, 16)
	if lr == nil {
		t.Fatalf("lookup missed")
	}
	widths := lr.Widths()
	if len(widths) != 3 || widths[0] != 1 || widths[1] != 4 || widths[2] != 8 {
		t.Fatalf("widths not ascending: %v", widths)
	}
	if r.Lookup(space.Address{Space: reg, Offset: 0x100 + 8}, 8) == nil {
		t.Fatalf("contained range should resolve to the laned record")
	}
	if r.Lookup(space.Address{Space: reg, Offset: 0x10c}, 8) != nil {
		t.Fatalf("range extending past the record must not resolve")
	}
}

func TestEvaluate(t *testing.T) {
	for _, tc := range []struct {
		code OpCode
		size int
		a, b uint64
		want uint64
		ok   bool
	}{
		{OpIntAdd, 4, 0xffffffff, 1, 0, true},
		{OpIntSub, 4, 0, 1, 0xffffffff, true},
		{OpIntSLess, 4, 0xffffffff, 0, 1, true}, // -1 < 0 signed
		{OpIntLess, 4, 0xffffffff, 0, 0, true},
		{OpIntDiv, 4, 10, 0, 0, false},
		{OpIntSRight, 4, 0x80000000, 4, 0xf8000000, true},
		{OpSubpiece, 2, 0x11223344, 2, 0x1122, true},
		{OpPopcount, 1, 0xff, 0, 8, true},
	} {
		b := BehaviorOf(tc.code)
		var got uint64
		var ok bool
		if b.IsBinary() {
			got, ok = b.EvalBinary(tc.size, tc.a, tc.b)
		} else {
			got, ok = b.EvalUnary(tc.size, tc.size, tc.a)
		}
		if ok != tc.ok || (ok && got != tc.want) {
			t.Fatalf("%s(%#x, %#x) = %#x ok=%v, want %#x ok=%v", tc.code, tc.a, tc.b, got, ok, tc.want, tc.ok)
		}
	}
}
