// Package pattern implements composable bit patterns over instruction
// streams. A pattern constrains masked bits of the instruction words (and
// optionally a context word); AND and OR compositions build up the dispatch
// forms the rewrite pipeline uses to recognize jump-table idioms.
package pattern

import "encoding/binary"

// Walker supplies instruction bytes to a match. Offsets are relative to the
// instruction currently being inspected.
type Walker interface {
	// InstructionBytes returns size bytes starting at the given byte offset
	// into the instruction stream. ok is false past the end.
	InstructionBytes(offset, size int) (uint32, bool)
	// ContextBits returns the current disassembly context word.
	ContextBits() uint32
}

// Pattern matches or rejects a position in an instruction stream.
type Pattern interface {
	Match(w Walker) bool
	// NumDisjoint returns how many disjoint alternatives the pattern has.
	NumDisjoint() int
	// Disjoint returns the i-th alternative as a mask/value pattern.
	Disjoint(i int) *DisjointPattern
}

// PatternBlock is a run of masked bits: the instruction matches when
// (bits & Mask) == Value at the given byte offset.
type PatternBlock struct {
	Offset int
	Mask   uint32
	Value  uint32
}

// Match tests the block against the stream.
func (pb *PatternBlock) Match(w Walker) bool {
	if pb.Mask == 0 {
		return true
	}
	// Read only as many bytes as the mask covers.
	size := 4
	for size > 1 && pb.Mask>>(8*uint(size-1)) == 0 {
		size--
	}
	bits, ok := w.InstructionBytes(pb.Offset, size)
	if !ok {
		return false
	}
	return bits&pb.Mask == pb.Value
}

// Intersect combines two blocks at the same offset; ok is false when their
// fixed bits conflict.
func (pb *PatternBlock) Intersect(o *PatternBlock) (*PatternBlock, bool) {
	if pb.Offset != o.Offset {
		return nil, false
	}
	common := pb.Mask & o.Mask
	if pb.Value&common != o.Value&common {
		return nil, false
	}
	return &PatternBlock{
		Offset: pb.Offset,
		Mask:   pb.Mask | o.Mask,
		Value:  pb.Value | o.Value,
	}, true
}

// DisjointPattern is a single conjunction of instruction and context blocks.
type DisjointPattern struct {
	Instr   []PatternBlock
	CtxMask uint32
	CtxVal  uint32
}

// Match implements Pattern.
func (dp *DisjointPattern) Match(w Walker) bool {
	if dp.CtxMask != 0 && w.ContextBits()&dp.CtxMask != dp.CtxVal {
		return false
	}
	for i := range dp.Instr {
		if !dp.Instr[i].Match(w) {
			return false
		}
	}
	return true
}

// NumDisjoint implements Pattern.
func (dp *DisjointPattern) NumDisjoint() int { return 1 }

// Disjoint implements Pattern.
func (dp *DisjointPattern) Disjoint(i int) *DisjointPattern { return dp }

// CombinePattern is the AND of two patterns.
type CombinePattern struct {
	A, B Pattern
}

// Match implements Pattern.
func (cp *CombinePattern) Match(w Walker) bool {
	return cp.A.Match(w) && cp.B.Match(w)
}

// NumDisjoint implements Pattern.
func (cp *CombinePattern) NumDisjoint() int {
	return cp.A.NumDisjoint() * cp.B.NumDisjoint()
}

// Disjoint implements Pattern: the cross product of the operands'
// alternatives, intersected blockwise. Conflicting alternatives produce a
// never-matching pattern.
func (cp *CombinePattern) Disjoint(i int) *DisjointPattern {
	nb := cp.B.NumDisjoint()
	a := cp.A.Disjoint(i / nb)
	b := cp.B.Disjoint(i % nb)
	out := &DisjointPattern{
		CtxMask: a.CtxMask | b.CtxMask,
		CtxVal:  a.CtxVal | b.CtxVal,
	}
	if a.CtxVal&a.CtxMask&b.CtxMask != b.CtxVal&a.CtxMask&b.CtxMask {
		return neverMatch()
	}
	used := make([]bool, len(b.Instr))
	for ai := range a.Instr {
		blk := a.Instr[ai]
		merged := false
		for bi := range b.Instr {
			if b.Instr[bi].Offset == blk.Offset {
				m, ok := blk.Intersect(&b.Instr[bi])
				if !ok {
					return neverMatch()
				}
				out.Instr = append(out.Instr, *m)
				used[bi] = true
				merged = true
				break
			}
		}
		if !merged {
			out.Instr = append(out.Instr, blk)
		}
	}
	for bi := range b.Instr {
		if !used[bi] {
			out.Instr = append(out.Instr, b.Instr[bi])
		}
	}
	return out
}

// neverMatch is a pattern with contradictory bit requirements.
func neverMatch() *DisjointPattern {
	return &DisjointPattern{Instr: []PatternBlock{
		{Mask: 1, Value: 0},
		{Mask: 1, Value: 1},
	}}
}

// OrPattern is the OR of several patterns.
type OrPattern struct {
	Alts []Pattern
}

// Match implements Pattern.
func (op *OrPattern) Match(w Walker) bool {
	for _, p := range op.Alts {
		if p.Match(w) {
			return true
		}
	}
	return false
}

// NumDisjoint implements Pattern.
func (op *OrPattern) NumDisjoint() int {
	n := 0
	for _, p := range op.Alts {
		n += p.NumDisjoint()
	}
	return n
}

// Disjoint implements Pattern.
func (op *OrPattern) Disjoint(i int) *DisjointPattern {
	for _, p := range op.Alts {
		if n := p.NumDisjoint(); i < n {
			return p.Disjoint(i)
		} else {
			i -= n
		}
	}
	return nil
}

// BytesWalker adapts a raw byte slice (little-endian words) to the Walker
// contract for testing and for matching over loaded images.
type BytesWalker struct {
	Data []byte
	Ctx  uint32
}

// InstructionBytes implements Walker.
func (bw *BytesWalker) InstructionBytes(offset, size int) (uint32, bool) {
	if offset < 0 || offset+size > len(bw.Data) {
		return 0, false
	}
	var buf [4]byte
	copy(buf[:], bw.Data[offset:offset+size])
	return binary.LittleEndian.Uint32(buf[:]), true
}

// ContextBits implements Walker.
func (bw *BytesWalker) ContextBits() uint32 { return bw.Ctx }
