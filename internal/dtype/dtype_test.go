package dtype

import "testing"

func TestBaseInterning(t *testing.T) {
	db := NewDB()
	a := db.Base(4, MetaInt)
	b := db.Base(4, MetaInt)
	if a != b {
		t.Fatalf("base types not interned")
	}
	if a.Name != "int" || a.Size != 4 {
		t.Fatalf("unexpected base type %s/%d", a.Name, a.Size)
	}
	if db.Base(8, MetaUint).Name != "ulong" {
		t.Fatalf("wrong name for 8-byte uint")
	}
}

func TestPointerInterning(t *testing.T) {
	db := NewDB()
	el := db.Base(4, MetaInt)
	p1 := db.Pointer(8, el, 1)
	p2 := db.Pointer(8, el, 1)
	if p1 != p2 {
		t.Fatalf("pointer types not interned")
	}
	if p1.Meta != MetaPtr || p1.Element != el {
		t.Fatalf("pointer structure wrong")
	}
}

func TestExactPiece(t *testing.T) {
	db := NewDB()
	i4 := db.Base(4, MetaInt)
	i8 := db.Base(8, MetaInt)
	st := db.Struct("pair", []Field{
		{Name: "lo", Offset: 0, Type: i4},
		{Name: "hi", Offset: 4, Type: i4},
	})
	if st.Size != 8 {
		t.Fatalf("struct size %d, want 8", st.Size)
	}
	if got := db.ExactPiece(st, 4, 4); got != i4 {
		t.Fatalf("exact field lookup failed")
	}
	if got := db.ExactPiece(st, 2, 4); got != nil {
		t.Fatalf("misaligned piece should miss")
	}

	arr := db.Array(i8, 4)
	if got := db.ExactPiece(arr, 16, 8); got != i8 {
		t.Fatalf("array element lookup failed")
	}

	un := db.Union("u", []Field{
		{Name: "as_long", Offset: 0, Type: i8},
		{Name: "as_int", Offset: 0, Type: i4},
	})
	piece := db.ExactPiece(un, 0, 4)
	if piece == nil || piece.Meta != MetaPartialUnion || piece.Element != un {
		t.Fatalf("union piece should be a partial union view")
	}
	if again := db.ExactPiece(un, 0, 4); again != piece {
		t.Fatalf("partial unions not interned")
	}
}

func TestCompareSpecificity(t *testing.T) {
	db := NewDB()
	unk := db.Base(4, MetaUnknown)
	i4 := db.Base(4, MetaInt)
	ptr := db.Pointer(8, i4, 1)
	if CompareSpecificity(i4, unk) >= 0 {
		t.Fatalf("int should be more specific than unknown")
	}
	if CompareSpecificity(ptr, i4) >= 0 {
		t.Fatalf("pointer should be more specific than int")
	}
}
