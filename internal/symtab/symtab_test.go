package symtab

import (
	"testing"

	"github.com/tinyrange/decomp/internal/space"
)

func testSpaces(t *testing.T) *space.Manager {
	t.Helper()
	m, err := space.NewManager([]space.Config{
		{Name: "ram", Kind: "data", AddrSize: 8},
		{Name: "code", Kind: "code", AddrSize: 8},
	})
	if err != nil {
		t.Fatalf("space manager: %v", err)
	}
	return m
}

func TestLookupWalksParents(t *testing.T) {
	tbl := NewTable()
	ram := testSpaces(t).ByName("ram")

	global := tbl.Global()
	g := global.AddSymbol("gvar", KindValue, nil)
	if _, err := global.MapStorage(g, space.Address{Space: ram, Offset: 0x1000}, 8); err != nil {
		t.Fatalf("map: %v", err)
	}

	local := tbl.AddScope("func")
	l := local.AddSymbol("lvar", KindValue, nil)
	if _, err := local.MapStorage(l, space.Address{Space: ram, Offset: 0x2000}, 4); err != nil {
		t.Fatalf("map: %v", err)
	}

	if syms := local.LookupName("gvar"); len(syms) != 1 || syms[0] != g {
		t.Fatalf("name lookup did not walk to the global scope")
	}
	e := local.LookupStorage(space.Address{Space: ram, Offset: 0x1004}, 4)
	if e == nil || e.Sym != g {
		t.Fatalf("storage lookup did not walk to the global scope")
	}
	if global.LookupName("lvar") != nil {
		t.Fatalf("parent scope must not see child symbols")
	}
	if err := tbl.PopScope(); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if tbl.Current() != global {
		t.Fatalf("pop did not restore the global scope")
	}
}

func TestDynamicSymbols(t *testing.T) {
	tbl := NewTable()
	m := testSpaces(t)
	code := m.DefaultCode()
	sc := tbl.AddScope("func")

	sym := sc.AddSymbol("tmp_hash", KindDynamic, nil)
	addr := space.Address{Space: code, Offset: 0x1234}
	sc.MapDynamic(sym, addr, 0xdeadbeef)

	if e := sc.LookupDynamic(addr, 0xdeadbeef); e == nil || e.Sym != sym {
		t.Fatalf("dynamic lookup by (address, hash) failed")
	}
	if e := sc.LookupDynamic(addr, 0xdeadbeee); e != nil {
		t.Fatalf("wrong hash must miss")
	}
}

func TestPurgeRenumbers(t *testing.T) {
	tbl := NewTable()
	global := tbl.Global()

	keep := global.AddSymbol("keep", KindValue, nil)
	tmp := global.AddSymbol("tmp", KindValue, nil)
	tmp.Flags |= SymUnsavable

	empty := tbl.AddScope("empty")
	_ = empty
	if err := tbl.PopScope(); err != nil {
		t.Fatalf("pop: %v", err)
	}
	full := tbl.AddScope("full")
	inner := full.AddSymbol("inner", KindValue, nil)

	tbl.Purge()

	if len(tbl.Global().Children()) != 1 {
		t.Fatalf("empty scope not purged, children=%d", len(tbl.Global().Children()))
	}
	if got := tbl.Global().LookupName("tmp"); got != nil {
		t.Fatalf("unsavable symbol survived purge")
	}
	// Ids are dense again.
	if keep.ID != 0 {
		t.Fatalf("surviving symbol not renumbered densely, id=%d", keep.ID)
	}
	if inner.ID != 1 {
		t.Fatalf("nested symbol not renumbered densely, id=%d", inner.ID)
	}
	if tbl.Global().ID != 0 {
		t.Fatalf("global scope id should be 0")
	}
}
