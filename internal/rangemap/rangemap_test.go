package rangemap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type span struct {
	First, Last uint64
	Who         []string
}

func snapshot(m *Map[uint64, string]) []span {
	var out []span
	m.Ascend(func(first, last uint64, ent *Entry[uint64, string]) bool {
		if n := len(out); n > 0 && out[n-1].First == first {
			out[n-1].Who = append(out[n-1].Who, ent.Value)
			return true
		}
		out = append(out, span{First: first, Last: last, Who: []string{ent.Value}})
		return true
	})
	return out
}

func TestInsertRefinesAndEraseZips(t *testing.T) {
	m := New[uint64, string](Uint64Domain{})

	r1, err := m.Insert("R1", 0, 0, 99)
	if err != nil {
		t.Fatalf("insert R1: %v", err)
	}
	if _, err := m.Insert("R2", 1, 50, 149); err != nil {
		t.Fatalf("insert R2: %v", err)
	}

	want := []span{
		{0, 49, []string{"R1"}},
		{50, 99, []string{"R1", "R2"}},
		{100, 149, []string{"R2"}},
	}
	if diff := cmp.Diff(want, snapshot(m)); diff != "" {
		t.Fatalf("refinement mismatch (-want +got):\n%s", diff)
	}

	m.Erase(r1)
	want = []span{{50, 149, []string{"R2"}}}
	if diff := cmp.Diff(want, snapshot(m)); diff != "" {
		t.Fatalf("zip after erase mismatch (-want +got):\n%s", diff)
	}
}

func TestInsertEraseRoundTrip(t *testing.T) {
	m := New[uint64, string](Uint64Domain{})
	if _, err := m.Insert("A", 0, 10, 20); err != nil {
		t.Fatalf("insert A: %v", err)
	}
	if _, err := m.Insert("B", 0, 40, 60); err != nil {
		t.Fatalf("insert B: %v", err)
	}
	before := snapshot(m)

	ent, err := m.Insert("C", 1, 0, 100)
	if err != nil {
		t.Fatalf("insert C: %v", err)
	}
	m.Erase(ent)

	if diff := cmp.Diff(before, snapshot(m)); diff != "" {
		t.Fatalf("insert+erase not identity (-want +got):\n%s", diff)
	}
}

func TestFind(t *testing.T) {
	m := New[uint64, string](Uint64Domain{})
	if _, err := m.Insert("A", 0, 0, 9); err != nil {
		t.Fatalf("insert A: %v", err)
	}
	if _, err := m.Insert("B", 1, 5, 15); err != nil {
		t.Fatalf("insert B: %v", err)
	}

	got := m.Find(7)
	if len(got) != 2 || got[0].Value != "A" || got[1].Value != "B" {
		t.Fatalf("expected [A B] covering 7, got %v", got)
	}
	if got := m.Find(12); len(got) != 1 || got[0].Value != "B" {
		t.Fatalf("expected [B] covering 12, got %v", got)
	}
	if got := m.Find(20); len(got) != 0 {
		t.Fatalf("expected nothing covering 20, got %v", got)
	}

	if ent := m.FindOverlap(16, 30); ent != nil {
		t.Fatalf("expected no overlap past 15, got %v", ent.Value)
	}
	if ent := m.FindOverlap(12, 30); ent == nil || ent.Value != "B" {
		t.Fatalf("expected B overlapping [12,30]")
	}
	if ent := m.FindOverlap(0, 3); ent == nil || ent.Value != "A" {
		t.Fatalf("expected A overlapping [0,3]")
	}
}

func TestZeroBoundaryInsert(t *testing.T) {
	m := New[uint64, string](Uint64Domain{})
	if _, err := m.Insert("A", 0, 0, 5); err != nil {
		t.Fatalf("insert at zero: %v", err)
	}
	if got := m.Find(0); len(got) != 1 {
		t.Fatalf("expected coverage at 0, got %v", got)
	}
	ent, err := m.Insert("B", 0, 0, 2)
	if err != nil {
		t.Fatalf("insert nested at zero: %v", err)
	}
	m.Erase(ent)
	if got := snapshot(m); len(got) != 1 || got[0].First != 0 || got[0].Last != 5 {
		t.Fatalf("expected single [0,5] after erase, got %v", got)
	}
}
