package pattern

import "testing"

func TestPatternBlockMatch(t *testing.T) {
	w := &BytesWalker{Data: []byte{0xff, 0x24, 0xc5, 0x00}}
	pb := &PatternBlock{Offset: 0, Mask: 0x38ff, Value: 0x20ff}
	if !pb.Match(w) {
		t.Fatalf("ff /4 pattern should match jmp [reg*8] bytes")
	}
	w2 := &BytesWalker{Data: []byte{0xff, 0x14, 0xc5, 0x00}} // /2: call
	if pb.Match(w2) {
		t.Fatalf("pattern must reject a different reg field")
	}
}

func TestCombineAndOr(t *testing.T) {
	rex := &DisjointPattern{Instr: []PatternBlock{{Offset: 0, Mask: 0xf0, Value: 0x40}}}
	jmp := &DisjointPattern{Instr: []PatternBlock{{Offset: 1, Mask: 0x38ff, Value: 0x20ff}}}
	both := &CombinePattern{A: rex, B: jmp}

	w := &BytesWalker{Data: []byte{0x48, 0xff, 0x24, 0xc5}}
	if !both.Match(w) {
		t.Fatalf("AND pattern should match REX-prefixed jmp")
	}
	if both.Match(&BytesWalker{Data: []byte{0x90, 0xff, 0x24, 0xc5}}) {
		t.Fatalf("AND pattern must require the prefix")
	}

	either := &OrPattern{Alts: []Pattern{jmp, both}}
	if either.NumDisjoint() != 2 {
		t.Fatalf("OR should expose 2 alternatives, got %d", either.NumDisjoint())
	}
	if !either.Match(w) {
		t.Fatalf("OR pattern should match when an alternative matches")
	}
}

func TestCombineDisjointIntersection(t *testing.T) {
	a := &DisjointPattern{Instr: []PatternBlock{{Offset: 0, Mask: 0x0f, Value: 0x05}}}
	b := &DisjointPattern{Instr: []PatternBlock{{Offset: 0, Mask: 0xf0, Value: 0x30}}}
	cp := &CombinePattern{A: a, B: b}
	dp := cp.Disjoint(0)
	if len(dp.Instr) != 1 || dp.Instr[0].Mask != 0xff || dp.Instr[0].Value != 0x35 {
		t.Fatalf("blockwise intersection wrong: %+v", dp.Instr)
	}

	// Conflicting fixed bits can never match.
	c := &DisjointPattern{Instr: []PatternBlock{{Offset: 0, Mask: 0x0f, Value: 0x0a}}}
	conflict := &CombinePattern{A: a, B: c}
	dp = conflict.Disjoint(0)
	if dp.Match(&BytesWalker{Data: []byte{0x05, 0, 0, 0}}) || dp.Match(&BytesWalker{Data: []byte{0x0a, 0, 0, 0}}) {
		t.Fatalf("conflicting intersection must never match")
	}
}

func TestContextBits(t *testing.T) {
	p := &DisjointPattern{CtxMask: 0x3, CtxVal: 0x2}
	if p.Match(&BytesWalker{Data: make([]byte, 4), Ctx: 1}) {
		t.Fatalf("wrong context must not match")
	}
	if !p.Match(&BytesWalker{Data: make([]byte, 4), Ctx: 2}) {
		t.Fatalf("matching context rejected")
	}
}
