package space

import "testing"

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager([]Config{
		{Name: "ram", Kind: "data", AddrSize: 8},
		{Name: "code", Kind: "code", AddrSize: 8},
		{Name: "register", Kind: "register", AddrSize: 4, Delay: 0},
		{Name: "stack", Kind: "stack", AddrSize: 8, Delay: 1, Spacebase: true},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m
}

func TestAddressCompare(t *testing.T) {
	m := testManager(t)
	ram := m.ByName("ram")
	reg := m.ByName("register")

	a := Address{Space: ram, Offset: 0x100}
	b := Address{Space: ram, Offset: 0x200}
	if a.Compare(b) != -1 || b.Compare(a) != 1 || a.Compare(a) != 0 {
		t.Fatalf("offset ordering broken")
	}
	c := Address{Space: reg, Offset: 0}
	if got := a.Compare(c) + c.Compare(a); got != 0 {
		t.Fatalf("cross-space ordering not antisymmetric")
	}
}

func TestAddressOverlap(t *testing.T) {
	m := testManager(t)
	ram := m.ByName("ram")

	base := Address{Space: ram, Offset: 0x1000}
	if got := base.Add(4).Overlap(base, 8); got != 4 {
		t.Fatalf("expected overlap 4, got %d", got)
	}
	if got := base.Add(8).Overlap(base, 8); got != -1 {
		t.Fatalf("expected no overlap past end, got %d", got)
	}
	cst := Address{Space: m.Constant(), Offset: 4}
	if got := cst.Overlap(cst, 8); got != -1 {
		t.Fatalf("constants must never overlap, got %d", got)
	}
}

func TestJustifiedContain(t *testing.T) {
	m, err := NewManager([]Config{
		{Name: "ram", Kind: "data", AddrSize: 8},
		{Name: "code", Kind: "code", AddrSize: 8},
		{Name: "bigreg", Kind: "register", AddrSize: 4, BigEndian: true},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ram := m.ByName("ram")
	big := m.ByName("bigreg")

	whole := Address{Space: ram, Offset: 0x10}
	if got := whole.JustifiedContain(4, whole, 8); got != 0 {
		t.Fatalf("little-endian low piece should justify, got %d", got)
	}
	if got := whole.Add(4).JustifiedContain(4, whole, 8); got != -1 {
		t.Fatalf("little-endian high piece must not justify, got %d", got)
	}

	bw := Address{Space: big, Offset: 0x10}
	if got := bw.Add(4).JustifiedContain(4, bw, 8); got != 0 {
		t.Fatalf("big-endian high piece should justify, got %d", got)
	}
	if got := bw.JustifiedContain(4, bw, 8); got != -1 {
		t.Fatalf("big-endian low piece must not justify, got %d", got)
	}
}

func TestRangeListInsertRemove(t *testing.T) {
	m := testManager(t)
	ram := m.ByName("ram")

	var rl RangeList
	rl.InsertRange(ram, 0x100, 0x1ff)
	rl.InsertRange(ram, 0x300, 0x3ff)
	rl.InsertRange(ram, 0x200, 0x2ff) // bridges the gap
	if got := len(rl.Ranges()); got != 1 {
		t.Fatalf("expected fused single range, got %d: %s", got, rl.String())
	}
	if !rl.InRange(Address{Space: ram, Offset: 0x100}, 0x300) {
		t.Fatalf("fused range should cover the whole span")
	}

	rl.RemoveRange(ram, 0x200, 0x2ff)
	if got := len(rl.Ranges()); got != 2 {
		t.Fatalf("expected split into 2 ranges, got %d: %s", got, rl.String())
	}
	if rl.Contains(Address{Space: ram, Offset: 0x250}) {
		t.Fatalf("removed span still covered")
	}
}

func TestHeritageOrder(t *testing.T) {
	m := testManager(t)
	order := m.HeritageOrder()
	for i, sp := range order {
		if sp.Kind() == KindConstant || sp.Kind() == KindIop || sp.Kind() == KindFspec {
			t.Fatalf("space %s must not be heritaged", sp.Name())
		}
		if i > 0 && order[i-1].Delay() > sp.Delay() {
			t.Fatalf("heritage order not sorted by delay")
		}
	}
	if order[len(order)-1].Name() != "stack" {
		t.Fatalf("stack (delay 1) should come last, got %s", order[len(order)-1].Name())
	}
}
