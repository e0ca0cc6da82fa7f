// Package pcode holds the single-assignment intermediate representation of a
// function: value cells (varnodes), operations, the banks that own and index
// them, and the raw basic-block graph built over the operations.
package pcode

import "fmt"

// OpCode enumerates the p-code operation forms.
type OpCode int

const (
	OpInvalid OpCode = iota

	OpCopy
	OpLoad
	OpStore
	OpBranch
	OpCBranch
	OpBranchInd
	OpCall
	OpCallInd
	OpCallOther
	OpReturn

	OpIntEqual
	OpIntNotEqual
	OpIntSLess
	OpIntSLessEqual
	OpIntLess
	OpIntLessEqual
	OpIntZext
	OpIntSext
	OpIntAdd
	OpIntSub
	OpIntCarry
	OpIntSCarry
	OpIntSBorrow
	OpInt2Comp
	OpIntNegate
	OpIntXor
	OpIntAnd
	OpIntOr
	OpIntLeft
	OpIntRight
	OpIntSRight
	OpIntMult
	OpIntDiv
	OpIntSDiv
	OpIntRem
	OpIntSRem

	OpBoolNegate
	OpBoolXor
	OpBoolAnd
	OpBoolOr

	OpFloatEqual
	OpFloatNotEqual
	OpFloatLess
	OpFloatLessEqual
	OpFloatNan
	OpFloatAdd
	OpFloatDiv
	OpFloatMult
	OpFloatSub
	OpFloatNeg
	OpFloatAbs
	OpFloatSqrt
	OpFloatInt2Float
	OpFloatFloat2Float
	OpFloatTrunc
	OpFloatCeil
	OpFloatFloor
	OpFloatRound

	OpMultiequal
	OpIndirect
	OpPiece
	OpSubpiece
	OpCast
	OpPtrAdd
	OpPtrSub
	OpSegmentOp
	OpCPoolRef
	OpNew
	OpInsert
	OpExtract
	OpPopcount
	OpLzcount

	opMax
)

// Behavior flags for an op-code.
const (
	BehaviorUnary       = 1 << iota // one input, pure function of it
	BehaviorBinary                  // two inputs, pure function of them
	BehaviorCommutative             // inputs may be swapped
	BehaviorBooleanOut              // output is 1-byte 0/1
	BehaviorBranching               // transfers control
	BehaviorCalling                 // call semantics (side effects unknown)
	BehaviorMarker                  // phi/indirect style bookkeeping op
	BehaviorSpecial                 // no uniform evaluation semantics
	BehaviorReturns                 // terminates the function
)

// Behavior is the per-op-code description consulted by the rewrite rules,
// constant folding and type propagation.
type Behavior struct {
	Code  OpCode
	Name  string
	Flags int

	// EvalUnary and EvalBinary fold the op over constant inputs, producing
	// the output value truncated to size bytes. ok is false when the op
	// cannot fold (traps, unrepresentable).
	EvalUnary  func(size, sizeIn int, in uint64) (out uint64, ok bool)
	EvalBinary func(size int, in0, in1 uint64) (out uint64, ok bool)
}

func (b *Behavior) IsUnary() bool       { return b.Flags&BehaviorUnary != 0 }
func (b *Behavior) IsBinary() bool      { return b.Flags&BehaviorBinary != 0 }
func (b *Behavior) IsCommutative() bool { return b.Flags&BehaviorCommutative != 0 }
func (b *Behavior) IsBranching() bool   { return b.Flags&BehaviorBranching != 0 }
func (b *Behavior) IsCalling() bool     { return b.Flags&BehaviorCalling != 0 }
func (b *Behavior) IsMarker() bool      { return b.Flags&BehaviorMarker != 0 }
func (b *Behavior) IsSpecial() bool     { return b.Flags&BehaviorSpecial != 0 }

// CalcMask returns the mask of valid bits for a value of the given byte size.
func CalcMask(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (8 * size)) - 1
}

func signExtend(size int, v uint64) int64 {
	shift := 64 - 8*size
	return int64(v<<shift) >> shift
}

var behaviors [opMax]Behavior

// BehaviorOf returns the behavior record for the op-code.
func BehaviorOf(c OpCode) *Behavior {
	if c <= OpInvalid || c >= opMax {
		return &behaviors[OpInvalid]
	}
	return &behaviors[c]
}

// EvalOpCodes returns every op-code with constant-fold semantics.
func EvalOpCodes() []OpCode {
	var out []OpCode
	for c := OpCode(1); c < opMax; c++ {
		b := &behaviors[c]
		if (b.IsUnary() && b.EvalUnary != nil) || (b.IsBinary() && b.EvalBinary != nil) {
			out = append(out, c)
		}
	}
	return out
}

func (c OpCode) String() string {
	b := BehaviorOf(c)
	if b.Name == "" {
		return fmt.Sprintf("opcode(%d)", int(c))
	}
	return b.Name
}

func def(c OpCode, name string, flags int) *Behavior {
	behaviors[c] = Behavior{Code: c, Name: name, Flags: flags}
	return &behaviors[c]
}

func defBinary(c OpCode, name string, flags int, eval func(size int, in0, in1 uint64) (uint64, bool)) {
	b := def(c, name, flags|BehaviorBinary)
	b.EvalBinary = eval
}

func defUnary(c OpCode, name string, flags int, eval func(size, sizeIn int, in uint64) (uint64, bool)) {
	b := def(c, name, flags|BehaviorUnary)
	b.EvalUnary = eval
}

func boolVal(b bool) (uint64, bool) {
	if b {
		return 1, true
	}
	return 0, true
}

func init() {
	def(OpInvalid, "INVALID", BehaviorSpecial)

	defUnary(OpCopy, "COPY", 0, func(size, sizeIn int, in uint64) (uint64, bool) {
		return in & CalcMask(size), true
	})
	def(OpLoad, "LOAD", BehaviorSpecial)
	def(OpStore, "STORE", BehaviorSpecial)
	def(OpBranch, "BRANCH", BehaviorBranching|BehaviorSpecial)
	def(OpCBranch, "CBRANCH", BehaviorBranching|BehaviorSpecial)
	def(OpBranchInd, "BRANCHIND", BehaviorBranching|BehaviorSpecial)
	def(OpCall, "CALL", BehaviorBranching|BehaviorCalling|BehaviorSpecial)
	def(OpCallInd, "CALLIND", BehaviorBranching|BehaviorCalling|BehaviorSpecial)
	def(OpCallOther, "CALLOTHER", BehaviorCalling|BehaviorSpecial)
	def(OpReturn, "RETURN", BehaviorBranching|BehaviorReturns|BehaviorSpecial)

	defBinary(OpIntEqual, "INT_EQUAL", BehaviorCommutative|BehaviorBooleanOut, func(size int, a, b uint64) (uint64, bool) {
		return boolVal(a == b)
	})
	defBinary(OpIntNotEqual, "INT_NOTEQUAL", BehaviorCommutative|BehaviorBooleanOut, func(size int, a, b uint64) (uint64, bool) {
		return boolVal(a != b)
	})
	defBinary(OpIntSLess, "INT_SLESS", BehaviorBooleanOut, func(size int, a, b uint64) (uint64, bool) {
		return boolVal(signExtend(size, a) < signExtend(size, b))
	})
	defBinary(OpIntSLessEqual, "INT_SLESSEQUAL", BehaviorBooleanOut, func(size int, a, b uint64) (uint64, bool) {
		return boolVal(signExtend(size, a) <= signExtend(size, b))
	})
	defBinary(OpIntLess, "INT_LESS", BehaviorBooleanOut, func(size int, a, b uint64) (uint64, bool) {
		return boolVal(a < b)
	})
	defBinary(OpIntLessEqual, "INT_LESSEQUAL", BehaviorBooleanOut, func(size int, a, b uint64) (uint64, bool) {
		return boolVal(a <= b)
	})
	defUnary(OpIntZext, "INT_ZEXT", 0, func(size, sizeIn int, in uint64) (uint64, bool) {
		return in & CalcMask(sizeIn), true
	})
	defUnary(OpIntSext, "INT_SEXT", 0, func(size, sizeIn int, in uint64) (uint64, bool) {
		return uint64(signExtend(sizeIn, in)) & CalcMask(size), true
	})
	defBinary(OpIntAdd, "INT_ADD", BehaviorCommutative, func(size int, a, b uint64) (uint64, bool) {
		return (a + b) & CalcMask(size), true
	})
	defBinary(OpIntSub, "INT_SUB", 0, func(size int, a, b uint64) (uint64, bool) {
		return (a - b) & CalcMask(size), true
	})
	defBinary(OpIntCarry, "INT_CARRY", BehaviorBooleanOut, func(size int, a, b uint64) (uint64, bool) {
		mask := CalcMask(size)
		return boolVal((a+b)&mask < a&mask)
	})
	defBinary(OpIntSCarry, "INT_SCARRY", BehaviorBooleanOut, func(size int, a, b uint64) (uint64, bool) {
		sa, sb := signExtend(size, a), signExtend(size, b)
		r := signExtend(size, uint64(sa+sb)&CalcMask(size))
		return boolVal((sa >= 0) == (sb >= 0) && (r >= 0) != (sa >= 0))
	})
	defBinary(OpIntSBorrow, "INT_SBORROW", BehaviorBooleanOut, func(size int, a, b uint64) (uint64, bool) {
		sa, sb := signExtend(size, a), signExtend(size, b)
		r := signExtend(size, uint64(sa-sb)&CalcMask(size))
		return boolVal((sa >= 0) != (sb >= 0) && (r >= 0) != (sa >= 0))
	})
	defUnary(OpInt2Comp, "INT_2COMP", 0, func(size, sizeIn int, in uint64) (uint64, bool) {
		return (-in) & CalcMask(size), true
	})
	defUnary(OpIntNegate, "INT_NEGATE", 0, func(size, sizeIn int, in uint64) (uint64, bool) {
		return (^in) & CalcMask(size), true
	})
	defBinary(OpIntXor, "INT_XOR", BehaviorCommutative, func(size int, a, b uint64) (uint64, bool) {
		return a ^ b, true
	})
	defBinary(OpIntAnd, "INT_AND", BehaviorCommutative, func(size int, a, b uint64) (uint64, bool) {
		return a & b, true
	})
	defBinary(OpIntOr, "INT_OR", BehaviorCommutative, func(size int, a, b uint64) (uint64, bool) {
		return a | b, true
	})
	defBinary(OpIntLeft, "INT_LEFT", 0, func(size int, a, b uint64) (uint64, bool) {
		if b >= uint64(8*size) {
			return 0, true
		}
		return (a << b) & CalcMask(size), true
	})
	defBinary(OpIntRight, "INT_RIGHT", 0, func(size int, a, b uint64) (uint64, bool) {
		if b >= uint64(8*size) {
			return 0, true
		}
		return (a & CalcMask(size)) >> b, true
	})
	defBinary(OpIntSRight, "INT_SRIGHT", 0, func(size int, a, b uint64) (uint64, bool) {
		sa := signExtend(size, a)
		if b >= uint64(8*size) {
			b = uint64(8*size) - 1
		}
		return uint64(sa>>b) & CalcMask(size), true
	})
	defBinary(OpIntMult, "INT_MULT", BehaviorCommutative, func(size int, a, b uint64) (uint64, bool) {
		return (a * b) & CalcMask(size), true
	})
	defBinary(OpIntDiv, "INT_DIV", 0, func(size int, a, b uint64) (uint64, bool) {
		if b == 0 {
			return 0, false
		}
		return (a & CalcMask(size)) / (b & CalcMask(size)), true
	})
	defBinary(OpIntSDiv, "INT_SDIV", 0, func(size int, a, b uint64) (uint64, bool) {
		sb := signExtend(size, b)
		if sb == 0 {
			return 0, false
		}
		return uint64(signExtend(size, a)/sb) & CalcMask(size), true
	})
	defBinary(OpIntRem, "INT_REM", 0, func(size int, a, b uint64) (uint64, bool) {
		if b&CalcMask(size) == 0 {
			return 0, false
		}
		return (a & CalcMask(size)) % (b & CalcMask(size)), true
	})
	defBinary(OpIntSRem, "INT_SREM", 0, func(size int, a, b uint64) (uint64, bool) {
		sb := signExtend(size, b)
		if sb == 0 {
			return 0, false
		}
		return uint64(signExtend(size, a)%sb) & CalcMask(size), true
	})

	defUnary(OpBoolNegate, "BOOL_NEGATE", BehaviorBooleanOut, func(size, sizeIn int, in uint64) (uint64, bool) {
		return in&1 ^ 1, true
	})
	defBinary(OpBoolXor, "BOOL_XOR", BehaviorCommutative|BehaviorBooleanOut, func(size int, a, b uint64) (uint64, bool) {
		return (a ^ b) & 1, true
	})
	defBinary(OpBoolAnd, "BOOL_AND", BehaviorCommutative|BehaviorBooleanOut, func(size int, a, b uint64) (uint64, bool) {
		return a & b & 1, true
	})
	defBinary(OpBoolOr, "BOOL_OR", BehaviorCommutative|BehaviorBooleanOut, func(size int, a, b uint64) (uint64, bool) {
		return (a | b) & 1, true
	})

	// Floats never fold here: the core has no access to the float formats of
	// the machine, so the rules leave them symbolic.
	def(OpFloatEqual, "FLOAT_EQUAL", BehaviorBinary|BehaviorCommutative|BehaviorBooleanOut)
	def(OpFloatNotEqual, "FLOAT_NOTEQUAL", BehaviorBinary|BehaviorCommutative|BehaviorBooleanOut)
	def(OpFloatLess, "FLOAT_LESS", BehaviorBinary|BehaviorBooleanOut)
	def(OpFloatLessEqual, "FLOAT_LESSEQUAL", BehaviorBinary|BehaviorBooleanOut)
	def(OpFloatNan, "FLOAT_NAN", BehaviorUnary|BehaviorBooleanOut)
	def(OpFloatAdd, "FLOAT_ADD", BehaviorBinary|BehaviorCommutative)
	def(OpFloatDiv, "FLOAT_DIV", BehaviorBinary)
	def(OpFloatMult, "FLOAT_MULT", BehaviorBinary|BehaviorCommutative)
	def(OpFloatSub, "FLOAT_SUB", BehaviorBinary)
	def(OpFloatNeg, "FLOAT_NEG", BehaviorUnary)
	def(OpFloatAbs, "FLOAT_ABS", BehaviorUnary)
	def(OpFloatSqrt, "FLOAT_SQRT", BehaviorUnary)
	def(OpFloatInt2Float, "FLOAT_INT2FLOAT", BehaviorUnary)
	def(OpFloatFloat2Float, "FLOAT_FLOAT2FLOAT", BehaviorUnary)
	def(OpFloatTrunc, "FLOAT_TRUNC", BehaviorUnary)
	def(OpFloatCeil, "FLOAT_CEIL", BehaviorUnary)
	def(OpFloatFloor, "FLOAT_FLOOR", BehaviorUnary)
	def(OpFloatRound, "FLOAT_ROUND", BehaviorUnary)

	def(OpMultiequal, "MULTIEQUAL", BehaviorMarker|BehaviorSpecial)
	def(OpIndirect, "INDIRECT", BehaviorMarker|BehaviorSpecial)
	def(OpPiece, "PIECE", BehaviorSpecial)
	defBinary(OpSubpiece, "SUBPIECE", 0, func(size int, a, b uint64) (uint64, bool) {
		return (a >> (8 * b)) & CalcMask(size), true
	})
	def(OpCast, "CAST", BehaviorMarker|BehaviorSpecial)
	def(OpPtrAdd, "PTRADD", BehaviorSpecial)
	def(OpPtrSub, "PTRSUB", BehaviorSpecial)
	def(OpSegmentOp, "SEGMENTOP", BehaviorSpecial)
	def(OpCPoolRef, "CPOOLREF", BehaviorSpecial)
	def(OpNew, "NEW", BehaviorSpecial|BehaviorCalling)
	def(OpInsert, "INSERT", BehaviorSpecial)
	def(OpExtract, "EXTRACT", BehaviorSpecial)
	defUnary(OpPopcount, "POPCOUNT", 0, func(size, sizeIn int, in uint64) (uint64, bool) {
		var n uint64
		for v := in & CalcMask(sizeIn); v != 0; v &= v - 1 {
			n++
		}
		return n & CalcMask(size), true
	})
	defUnary(OpLzcount, "LZCOUNT", 0, func(size, sizeIn int, in uint64) (uint64, bool) {
		bits := 8 * sizeIn
		v := in & CalcMask(sizeIn)
		var n uint64
		for i := bits - 1; i >= 0; i-- {
			if v&(uint64(1)<<uint(i)) != 0 {
				break
			}
			n++
		}
		return n & CalcMask(size), true
	})
}
