// Package x86 lifts 64-bit x86 machine code into p-code through the
// emitter contract, using the golang.org/x/arch decoder. The lifter covers
// the practical core of the instruction set: moves, integer arithmetic and
// logic, compares, conditional and unconditional branches, calls, stack
// ops and table dispatch.
package x86

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/tinyrange/decomp/internal/diag"
	"github.com/tinyrange/decomp/internal/loader"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
)

// Register file offsets within the register space, 8 bytes per slot.
const (
	offRAX = 0x00
	offRCX = 0x08
	offRDX = 0x10
	offRBX = 0x18
	offRSP = 0x20
	offRBP = 0x28
	offRSI = 0x30
	offRDI = 0x38
	offR8  = 0x40

	// Virtual flag bits.
	offZF  = 0x200
	offCF  = 0x201
	offSF  = 0x202
	offOF  = 0x203
	offSLT = 0x204 // signed less-than, set alongside ZF by the flag writers
)

// uniqueBase seeds per-instruction temporaries; heritage renames reuse.
const uniqueBase = 0x100

// Translator lifts x86-64 instructions.
type Translator struct {
	spaces *space.Manager
	image  loader.Image

	reg  *space.AddrSpace
	ram  *space.AddrSpace
	code *space.AddrSpace
	uniq *space.AddrSpace

	// uniqNext rotates within the instruction being lifted.
	uniqNext uint64
}

// New creates a translator reading instruction bytes from the image.
func New(spaces *space.Manager, image loader.Image) (*Translator, error) {
	reg := spaces.ByName("register")
	if reg == nil {
		return nil, fmt.Errorf("x86: descriptor has no register space")
	}
	return &Translator{
		spaces: spaces,
		image:  image,
		reg:    reg,
		ram:    spaces.DefaultData(),
		code:   spaces.DefaultCode(),
		uniq:   spaces.Unique(),
	}, nil
}

// SpacebaseRegisters returns the storage anchoring stack addressing.
func (t *Translator) SpacebaseRegisters() []pcode.VarnodeData {
	return []pcode.VarnodeData{
		{Addr: space.Address{Space: t.reg, Offset: offRSP}, Size: 8},
		{Addr: space.Address{Space: t.reg, Offset: offRBP}, Size: 8},
	}
}

type lift struct {
	t    *Translator
	emit pcode.Emitter
	addr space.Address
	next space.Address
}

func (l *lift) uniq(size int) pcode.VarnodeData {
	d := pcode.VarnodeData{Addr: space.Address{Space: l.t.uniq, Offset: l.t.uniqNext}, Size: size}
	l.t.uniqNext += 16
	return d
}

func (l *lift) konst(size int, val uint64) pcode.VarnodeData {
	return pcode.VarnodeData{
		Addr: space.Address{Space: l.t.spaces.Constant(), Offset: val & pcode.CalcMask(size)},
		Size: size,
	}
}

func (l *lift) codeRef(off uint64) pcode.VarnodeData {
	return pcode.VarnodeData{Addr: space.Address{Space: l.t.code, Offset: off}, Size: 1}
}

func (l *lift) op(opc pcode.OpCode, out *pcode.VarnodeData, in ...pcode.VarnodeData) {
	l.emit.Dump(l.addr, opc, out, in)
}

// regStorage maps a decoded register onto its storage slot.
func regStorage(r x86asm.Reg) (off uint64, size int, ok bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return regBase(r - x86asm.RAX), 8, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return regBase(r - x86asm.EAX), 4, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return regBase(r - x86asm.AX), 2, true
	case r >= x86asm.AL && r <= x86asm.BL:
		return regBase(r - x86asm.AL), 1, true
	case r >= x86asm.AH && r <= x86asm.BH:
		return regBase(r-x86asm.AH) + 1, 1, true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return regBase(r - x86asm.SPB + 4), 1, true
	}
	return 0, 0, false
}

// regBase converts the decoder's AX,CX,DX,BX,SP,BP,SI,DI,R8.. order into
// file offsets.
func regBase(i x86asm.Reg) uint64 {
	order := []uint64{offRAX, offRCX, offRDX, offRBX, offRSP, offRBP, offRSI, offRDI,
		offR8, offR8 + 8, offR8 + 16, offR8 + 24, offR8 + 32, offR8 + 40, offR8 + 48, offR8 + 56}
	if int(i) < len(order) {
		return order[i]
	}
	return 0x1000 + uint64(i)*8
}

func (l *lift) regData(r x86asm.Reg) (pcode.VarnodeData, error) {
	off, size, ok := regStorage(r)
	if !ok {
		return pcode.VarnodeData{}, fmt.Errorf("x86: unsupported register %v", r)
	}
	return pcode.VarnodeData{Addr: space.Address{Space: l.t.reg, Offset: off}, Size: size}, nil
}

func (l *lift) flag(off uint64) pcode.VarnodeData {
	return pcode.VarnodeData{Addr: space.Address{Space: l.t.reg, Offset: off}, Size: 1}
}

// memAddress computes the effective address of a memory operand into a
// temporary, returning it.
func (l *lift) memAddress(m x86asm.Mem) (pcode.VarnodeData, error) {
	var cur pcode.VarnodeData
	have := false
	if m.Base != 0 {
		if m.Base == x86asm.RIP {
			cur = l.konst(8, l.next.Offset)
		} else {
			rd, err := l.regData(m.Base)
			if err != nil {
				return pcode.VarnodeData{}, err
			}
			cur = rd
		}
		have = true
	}
	if m.Index != 0 {
		idx, err := l.regData(m.Index)
		if err != nil {
			return pcode.VarnodeData{}, err
		}
		scaled := idx
		if m.Scale > 1 {
			scaled = l.uniq(8)
			l.op(pcode.OpIntMult, &scaled, idx, l.konst(8, uint64(m.Scale)))
		}
		if have {
			sum := l.uniq(8)
			l.op(pcode.OpIntAdd, &sum, cur, scaled)
			cur = sum
		} else {
			cur = scaled
			have = true
		}
	}
	if m.Disp != 0 || !have {
		if have {
			sum := l.uniq(8)
			l.op(pcode.OpIntAdd, &sum, cur, l.konst(8, uint64(m.Disp)))
			cur = sum
		} else {
			cur = l.konst(8, uint64(m.Disp))
		}
	}
	return cur, nil
}

// loadArg reads an operand's value into a VarnodeData (possibly a fresh
// temporary holding a memory load).
func (l *lift) loadArg(arg x86asm.Arg, size int) (pcode.VarnodeData, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		return l.regData(a)
	case x86asm.Imm:
		return l.konst(size, uint64(a)), nil
	case x86asm.Mem:
		ptr, err := l.memAddress(a)
		if err != nil {
			return pcode.VarnodeData{}, err
		}
		out := l.uniq(size)
		l.op(pcode.OpLoad, &out, l.konst(8, uint64(l.t.ram.Index())), ptr)
		return out, nil
	}
	return pcode.VarnodeData{}, fmt.Errorf("x86: unsupported operand %v", arg)
}

// storeArg writes a value to an operand destination.
func (l *lift) storeArg(arg x86asm.Arg, val pcode.VarnodeData) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		rd, err := l.regData(a)
		if err != nil {
			return err
		}
		l.op(pcode.OpCopy, &rd, val)
		return nil
	case x86asm.Mem:
		ptr, err := l.memAddress(a)
		if err != nil {
			return err
		}
		l.op(pcode.OpStore, nil, l.konst(8, uint64(l.t.ram.Index())), ptr, val)
		return nil
	}
	return fmt.Errorf("x86: unsupported destination %v", arg)
}

func argSize(arg x86asm.Arg, inst x86asm.Inst) int {
	if r, ok := arg.(x86asm.Reg); ok {
		if _, size, ok := regStorage(r); ok {
			return size
		}
	}
	if inst.DataSize > 0 {
		return inst.DataSize / 8
	}
	return 8
}

// setArithFlags models the flag results the branch lifter consumes.
func (l *lift) setArithFlags(a, b pcode.VarnodeData) {
	zf, cf, slt := l.flag(offZF), l.flag(offCF), l.flag(offSLT)
	l.op(pcode.OpIntEqual, &zf, a, b)
	l.op(pcode.OpIntLess, &cf, a, b)
	l.op(pcode.OpIntSLess, &slt, a, b)
}

func (l *lift) setResultFlags(res pcode.VarnodeData) {
	zero := l.konst(res.Size, 0)
	zf := l.flag(offZF)
	l.op(pcode.OpIntEqual, &zf, res, zero)
	slt := l.flag(offSLT)
	l.op(pcode.OpIntSLess, &slt, res, l.konst(res.Size, 0))
}

// OneInstruction implements pcode.Translator.
func (t *Translator) OneInstruction(emit pcode.Emitter, addr space.Address) (int, error) {
	buf := make([]byte, 15)
	if err := t.image.LoadFill(buf, addr); err != nil {
		// Retry shorter reads near the end of a section.
		ok := false
		for n := 14; n >= 1; n-- {
			if err2 := t.image.LoadFill(buf[:n], addr); err2 == nil {
				buf = buf[:n]
				ok = true
				break
			}
		}
		if !ok {
			return 0, fmt.Errorf("x86: no bytes at %s: %w", addr, diag.ErrUnavailable)
		}
	}
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return 0, fmt.Errorf("x86: decode at %s: %v", addr, err)
	}
	l := &lift{
		t:    t,
		emit: emit,
		addr: addr,
		next: addr.Add(uint64(inst.Len)),
	}
	t.uniqNext = uniqueBase
	if err := l.instruction(inst); err != nil {
		return 0, err
	}
	return inst.Len, nil
}

func (l *lift) instruction(inst x86asm.Inst) error {
	switch inst.Op {
	case x86asm.MOV:
		size := argSize(inst.Args[0], inst)
		val, err := l.loadArg(inst.Args[1], size)
		if err != nil {
			return err
		}
		return l.storeArg(inst.Args[0], val)

	case x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		dst, err := l.regData(inst.Args[0].(x86asm.Reg))
		if err != nil {
			return err
		}
		src, err := l.loadArg(inst.Args[1], argSize(inst.Args[1], inst))
		if err != nil {
			return err
		}
		ext := pcode.OpIntZext
		if inst.Op != x86asm.MOVZX {
			ext = pcode.OpIntSext
		}
		l.op(ext, &dst, src)
		return nil

	case x86asm.LEA:
		dst, err := l.regData(inst.Args[0].(x86asm.Reg))
		if err != nil {
			return err
		}
		ptr, err := l.memAddress(inst.Args[1].(x86asm.Mem))
		if err != nil {
			return err
		}
		l.op(pcode.OpCopy, &dst, ptr)
		return nil

	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.IMUL, x86asm.SHL, x86asm.SHR, x86asm.SAR:
		return l.arith(inst)

	case x86asm.INC, x86asm.DEC:
		size := argSize(inst.Args[0], inst)
		val, err := l.loadArg(inst.Args[0], size)
		if err != nil {
			return err
		}
		res := l.uniq(size)
		opc := pcode.OpIntAdd
		if inst.Op == x86asm.DEC {
			opc = pcode.OpIntSub
		}
		l.op(opc, &res, val, l.konst(size, 1))
		l.setResultFlags(res)
		return l.storeArg(inst.Args[0], res)

	case x86asm.CMP:
		size := argSize(inst.Args[0], inst)
		a, err := l.loadArg(inst.Args[0], size)
		if err != nil {
			return err
		}
		b, err := l.loadArg(inst.Args[1], size)
		if err != nil {
			return err
		}
		l.setArithFlags(a, b)
		return nil

	case x86asm.TEST:
		size := argSize(inst.Args[0], inst)
		a, err := l.loadArg(inst.Args[0], size)
		if err != nil {
			return err
		}
		b, err := l.loadArg(inst.Args[1], size)
		if err != nil {
			return err
		}
		res := l.uniq(size)
		l.op(pcode.OpIntAnd, &res, a, b)
		l.setResultFlags(res)
		return nil

	case x86asm.PUSH:
		size := 8
		val, err := l.loadArg(inst.Args[0], size)
		if err != nil {
			return err
		}
		rsp, _ := l.regData(x86asm.RSP)
		l.op(pcode.OpIntSub, &rsp, rsp, l.konst(8, 8))
		l.op(pcode.OpStore, nil, l.konst(8, uint64(l.t.ram.Index())), rsp, val)
		return nil

	case x86asm.POP:
		rsp, _ := l.regData(x86asm.RSP)
		val := l.uniq(8)
		l.op(pcode.OpLoad, &val, l.konst(8, uint64(l.t.ram.Index())), rsp)
		l.op(pcode.OpIntAdd, &rsp, rsp, l.konst(8, 8))
		return l.storeArg(inst.Args[0], val)

	case x86asm.JMP:
		switch a := inst.Args[0].(type) {
		case x86asm.Rel:
			l.op(pcode.OpBranch, nil, l.codeRef(l.next.Offset+uint64(int64(a))))
			return nil
		case x86asm.Reg:
			rd, err := l.regData(a)
			if err != nil {
				return err
			}
			l.op(pcode.OpBranchInd, nil, rd)
			return nil
		case x86asm.Mem:
			ptr, err := l.memAddress(a)
			if err != nil {
				return err
			}
			dest := l.uniq(8)
			l.op(pcode.OpLoad, &dest, l.konst(8, uint64(l.t.ram.Index())), ptr)
			l.op(pcode.OpBranchInd, nil, dest)
			return nil
		}
		return fmt.Errorf("x86: unsupported jmp operand")

	case x86asm.CALL:
		rsp, _ := l.regData(x86asm.RSP)
		l.op(pcode.OpIntSub, &rsp, rsp, l.konst(8, 8))
		l.op(pcode.OpStore, nil, l.konst(8, uint64(l.t.ram.Index())), rsp, l.konst(8, l.next.Offset))
		switch a := inst.Args[0].(type) {
		case x86asm.Rel:
			l.op(pcode.OpCall, nil, l.codeRef(l.next.Offset+uint64(int64(a))))
		default:
			val, err := l.loadArg(a, 8)
			if err != nil {
				return err
			}
			l.op(pcode.OpCallInd, nil, val)
		}
		return nil

	case x86asm.RET:
		rsp, _ := l.regData(x86asm.RSP)
		ret := l.uniq(8)
		l.op(pcode.OpLoad, &ret, l.konst(8, uint64(l.t.ram.Index())), rsp)
		l.op(pcode.OpIntAdd, &rsp, rsp, l.konst(8, 8))
		l.op(pcode.OpReturn, nil, ret)
		return nil

	case x86asm.NOP:
		return nil
	}

	if cond, neg, ok := condFlag(inst.Op); ok {
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return fmt.Errorf("x86: indirect conditional jump")
		}
		target := l.codeRef(l.next.Offset + uint64(int64(rel)))
		flag := l.flag(cond)
		if neg {
			inv := l.uniq(1)
			l.op(pcode.OpBoolNegate, &inv, flag)
			l.op(pcode.OpCBranch, nil, target, inv)
		} else {
			l.op(pcode.OpCBranch, nil, target, flag)
		}
		return nil
	}
	return fmt.Errorf("x86: unsupported instruction %v", inst.Op)
}

// condFlag maps a conditional jump onto its flag bit and polarity.
func condFlag(op x86asm.Op) (off uint64, negate, ok bool) {
	switch op {
	case x86asm.JE:
		return offZF, false, true
	case x86asm.JNE:
		return offZF, true, true
	case x86asm.JB:
		return offCF, false, true
	case x86asm.JAE:
		return offCF, true, true
	case x86asm.JL:
		return offSLT, false, true
	case x86asm.JGE:
		return offSLT, true, true
	case x86asm.JS:
		return offSF, false, true
	case x86asm.JNS:
		return offSF, true, true
	case x86asm.JBE:
		// Approximated by unsigned less-or-equal via CF; exactness is the
		// rewrite rules' concern once compare forms normalize.
		return offCF, false, true
	case x86asm.JA:
		return offCF, true, true
	}
	return 0, false, false
}

func (l *lift) arith(inst x86asm.Inst) error {
	size := argSize(inst.Args[0], inst)
	a, err := l.loadArg(inst.Args[0], size)
	if err != nil {
		return err
	}
	b, err := l.loadArg(inst.Args[1], size)
	if err != nil {
		return err
	}
	var opc pcode.OpCode
	switch inst.Op {
	case x86asm.ADD:
		opc = pcode.OpIntAdd
	case x86asm.SUB:
		opc = pcode.OpIntSub
	case x86asm.AND:
		opc = pcode.OpIntAnd
	case x86asm.OR:
		opc = pcode.OpIntOr
	case x86asm.XOR:
		opc = pcode.OpIntXor
	case x86asm.IMUL:
		opc = pcode.OpIntMult
	case x86asm.SHL:
		opc = pcode.OpIntLeft
	case x86asm.SHR:
		opc = pcode.OpIntRight
	case x86asm.SAR:
		opc = pcode.OpIntSRight
	}
	res := l.uniq(size)
	l.op(opc, &res, a, b)
	l.setResultFlags(res)
	if inst.Op == x86asm.SUB {
		l.setArithFlags(a, b)
	}
	return l.storeArg(inst.Args[0], res)
}
