package pcode

import "github.com/tinyrange/decomp/internal/space"

// VarnodeData is the raw (storage, size) pair the disassembler hands over
// before any cell exists for it.
type VarnodeData struct {
	Addr space.Address
	Size int
}

// Emitter is the p-code emission contract: the disassembler calls Dump once
// per operation, in instruction order. The engine allocates cells for
// address/size pairs it has not yet seen.
type Emitter interface {
	Dump(addr space.Address, opc OpCode, out *VarnodeData, in []VarnodeData)
}

// Translator produces the p-code of one machine instruction. OneInstruction
// returns the byte length of the decoded instruction.
type Translator interface {
	OneInstruction(emit Emitter, addr space.Address) (length int, err error)
}
