package codec

import (
	"fmt"

	"github.com/tinyrange/decomp/internal/diag"
	"github.com/tinyrange/decomp/internal/funcdata"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
	"github.com/tinyrange/decomp/internal/symtab"
)

// EncodeFunction writes the structural state of an analyzed function: ops
// grouped by block, edges, jump tables and the symbol scopes.
func EncodeFunction(enc Encoder, fd *funcdata.Funcdata) {
	enc.OpenElement(ElemFunction)
	enc.WriteString(AttrName, fd.Name())
	enc.WriteString(AttrSpace, fd.Entry().Space.Name())
	enc.WriteUint(AttrOffset, fd.Entry().Offset)

	enc.OpenElement(ElemAST)
	for _, bl := range fd.Graph().Blocks() {
		enc.OpenElement(ElemBlock)
		enc.WriteUint(AttrIndex, uint64(bl.Index()))
		bl.AscendOps(func(op *pcode.PcodeOp) bool {
			encodeOp(enc, op)
			return true
		})
		enc.CloseElement(ElemBlock)
	}
	for _, bl := range fd.Graph().Blocks() {
		for i := 0; i < bl.SizeOut(); i++ {
			enc.OpenElement(ElemBlockEdge)
			enc.WriteUint(AttrIndex, uint64(bl.Index()))
			enc.WriteUint(AttrEnd, uint64(bl.Out(i).Index()))
			enc.CloseElement(ElemBlockEdge)
		}
	}
	enc.CloseElement(ElemAST)

	enc.OpenElement(ElemJumpTableList)
	for _, jt := range fd.JumpTables() {
		enc.OpenElement(ElemJumpTable)
		enc.WriteString(AttrSpace, jt.Addr.Space.Name())
		enc.WriteUint(AttrOffset, jt.Addr.Offset)
		enc.WriteUint(AttrStage, uint64(jt.Stage))
		if jt.DefaultIndex >= 0 {
			enc.WriteUint(AttrDefault, uint64(jt.DefaultIndex))
		}
		targets := jt.Targets
		if len(targets) == 0 {
			targets = jt.Override
		}
		for _, t := range targets {
			enc.OpenElement(ElemTarget)
			enc.WriteString(AttrSpace, t.Space.Name())
			enc.WriteUint(AttrOffset, t.Offset)
			enc.CloseElement(ElemTarget)
		}
		enc.CloseElement(ElemJumpTable)
	}
	enc.CloseElement(ElemJumpTableList)

	enc.OpenElement(ElemSymbolTable)
	encodeScope(enc, fd.Symbols().Global())
	enc.CloseElement(ElemSymbolTable)

	enc.CloseElement(ElemFunction)
}

func encodeOp(enc Encoder, op *pcode.PcodeOp) {
	enc.OpenElement(ElemOp)
	enc.WriteUint(AttrCode, uint64(op.Code()))
	enc.WriteString(AttrSpace, op.Addr().Space.Name())
	enc.WriteUint(AttrOffset, op.Addr().Offset)
	if out := op.Output(); out != nil {
		enc.OpenElement(ElemOutput)
		encodeVarnodeAttrs(enc, out)
		enc.CloseElement(ElemOutput)
	}
	for i := 0; i < op.NumInput(); i++ {
		in := op.Input(i)
		if in == nil {
			continue
		}
		enc.OpenElement(ElemInput)
		encodeVarnodeAttrs(enc, in)
		enc.CloseElement(ElemInput)
	}
	enc.CloseElement(ElemOp)
}

func encodeVarnodeAttrs(enc Encoder, vn *pcode.Varnode) {
	enc.WriteString(AttrSpace, vn.Addr.Space.Name())
	enc.WriteUint(AttrOffset, vn.Addr.Offset)
	enc.WriteUint(AttrSize, uint64(vn.Size))
}

func encodeScope(enc Encoder, sc *symtab.Scope) {
	enc.OpenElement(ElemScope)
	enc.WriteUint(AttrID, sc.ID)
	enc.WriteString(AttrName, sc.Name)
	syms := sc.Symbols()
	enc.WriteUint(AttrSymbolSize, uint64(len(syms)))
	for _, sym := range syms {
		enc.OpenElement(ElemValueSymHead)
		enc.WriteUint(AttrID, sym.ID)
		enc.WriteString(AttrName, sym.Name)
		enc.WriteUint(AttrCode, uint64(sym.Kind))
		enc.CloseElement(ElemValueSymHead)
	}
	for _, ch := range sc.Children() {
		encodeScope(enc, ch)
	}
	enc.CloseElement(ElemScope)
}

// DecodeFunction rebuilds a function's structure from the stream. Any
// malformed input aborts with diag.ErrParse and the partial result is
// discarded.
func DecodeFunction(dec Decoder, deps funcdata.Deps) (*funcdata.Funcdata, error) {
	fd, err := decodeFunction(dec, deps)
	if err != nil {
		return nil, err
	}
	return fd, nil
}

func decodeFunction(dec Decoder, deps funcdata.Deps) (*funcdata.Funcdata, error) {
	name, err := dec.OpenElement()
	if err != nil {
		return nil, err
	}
	if name != ElemFunction {
		return nil, fmt.Errorf("codec: expected %s, got %s: %w", ElemFunction, name, diag.ErrParse)
	}
	fname, _ := dec.ReadString(AttrName)
	spcName, _ := dec.ReadString(AttrSpace)
	off, _ := dec.ReadUint(AttrOffset)
	spc := deps.Spaces.ByName(spcName)
	if spc == nil {
		return nil, fmt.Errorf("codec: unknown space %q: %w", spcName, diag.ErrParse)
	}
	fd := funcdata.NewFuncdata(fname, space.Address{Space: spc, Offset: off}, deps)

	if name, err = dec.OpenElement(); err != nil || name != ElemAST {
		return nil, fmt.Errorf("codec: expected %s: %w", ElemAST, diag.ErrParse)
	}
	var blocks []*pcode.BlockBasic
	for {
		next, ok := dec.PeekElement()
		if !ok || next != ElemBlock {
			break
		}
		if _, err := dec.OpenElement(); err != nil {
			return nil, err
		}
		bl := fd.Graph().NewBlockBasic()
		blocks = append(blocks, bl)
		for {
			n2, ok := dec.PeekElement()
			if !ok || n2 != ElemOp {
				break
			}
			if err := decodeOp(dec, fd, bl); err != nil {
				return nil, err
			}
		}
		if err := dec.CloseElement(ElemBlock); err != nil {
			return nil, err
		}
	}
	for {
		next, ok := dec.PeekElement()
		if !ok || next != ElemBlockEdge {
			break
		}
		if _, err := dec.OpenElement(); err != nil {
			return nil, err
		}
		from, _ := dec.ReadUint(AttrIndex)
		to, _ := dec.ReadUint(AttrEnd)
		if int(from) >= len(blocks) || int(to) >= len(blocks) {
			return nil, fmt.Errorf("codec: edge index out of range: %w", diag.ErrParse)
		}
		fd.Graph().AddEdge(blocks[from], blocks[to])
		if err := dec.CloseElement(ElemBlockEdge); err != nil {
			return nil, err
		}
	}
	if err := dec.CloseElement(ElemAST); err != nil {
		return nil, err
	}
	if len(blocks) > 0 {
		fd.Graph().SetEntry(blocks[0])
	}

	if name, err = dec.OpenElement(); err != nil || name != ElemJumpTableList {
		return nil, fmt.Errorf("codec: expected %s: %w", ElemJumpTableList, diag.ErrParse)
	}
	for {
		next, ok := dec.PeekElement()
		if !ok || next != ElemJumpTable {
			break
		}
		if err := decodeJumpTable(dec, fd, deps); err != nil {
			return nil, err
		}
	}
	if err := dec.CloseElement(ElemJumpTableList); err != nil {
		return nil, err
	}

	if name, err = dec.OpenElement(); err != nil || name != ElemSymbolTable {
		return nil, fmt.Errorf("codec: expected %s: %w", ElemSymbolTable, diag.ErrParse)
	}
	if err := decodeScope(dec, fd, true); err != nil {
		return nil, err
	}
	if err := dec.CloseElement(ElemSymbolTable); err != nil {
		return nil, err
	}

	if err := dec.CloseElement(ElemFunction); err != nil {
		return nil, err
	}
	return fd, nil
}

func decodeOp(dec Decoder, fd *funcdata.Funcdata, bl *pcode.BlockBasic) error {
	if _, err := dec.OpenElement(); err != nil {
		return err
	}
	code, _ := dec.ReadUint(AttrCode)
	spcName, _ := dec.ReadString(AttrSpace)
	off, _ := dec.ReadUint(AttrOffset)
	spc := fd.Spaces().ByName(spcName)
	if spc == nil {
		return fmt.Errorf("codec: unknown space %q: %w", spcName, diag.ErrParse)
	}

	var out *pcode.VarnodeData
	var ins []pcode.VarnodeData
	for {
		next, ok := dec.PeekElement()
		if !ok || (next != ElemInput && next != ElemOutput) {
			break
		}
		if _, err := dec.OpenElement(); err != nil {
			return err
		}
		vd, err := decodeVarnodeData(dec, fd)
		if err != nil {
			return err
		}
		if next == ElemOutput {
			out = &vd
			if err := dec.CloseElement(ElemOutput); err != nil {
				return err
			}
		} else {
			ins = append(ins, vd)
			if err := dec.CloseElement(ElemInput); err != nil {
				return err
			}
		}
	}

	op := fd.NewOp(len(ins), space.Address{Space: spc, Offset: off})
	if err := fd.OpSetOpcode(op, pcode.OpCode(code)); err != nil {
		return err
	}
	for i, vd := range ins {
		var vn *pcode.Varnode
		if vd.Addr.IsConstant() {
			vn = fd.NewConstant(vd.Size, vd.Addr.Offset)
		} else {
			vn = fd.NewVarnode(vd.Size, vd.Addr)
		}
		fd.OpSetInput(op, vn, i)
	}
	if out != nil {
		ov := fd.NewVarnode(out.Size, out.Addr)
		fd.OpSetOutput(op, ov)
	}
	fd.OpInsertEnd(op, bl)
	return dec.CloseElement(ElemOp)
}

func decodeVarnodeData(dec Decoder, fd *funcdata.Funcdata) (pcode.VarnodeData, error) {
	spcName, _ := dec.ReadString(AttrSpace)
	off, _ := dec.ReadUint(AttrOffset)
	size, _ := dec.ReadUint(AttrSize)
	spc := fd.Spaces().ByName(spcName)
	if spc == nil {
		return pcode.VarnodeData{}, fmt.Errorf("codec: unknown space %q: %w", spcName, diag.ErrParse)
	}
	return pcode.VarnodeData{Addr: space.Address{Space: spc, Offset: off}, Size: int(size)}, nil
}

func decodeJumpTable(dec Decoder, fd *funcdata.Funcdata, deps funcdata.Deps) error {
	if _, err := dec.OpenElement(); err != nil {
		return err
	}
	spcName, _ := dec.ReadString(AttrSpace)
	off, _ := dec.ReadUint(AttrOffset)
	stage, _ := dec.ReadUint(AttrStage)
	spc := deps.Spaces.ByName(spcName)
	if spc == nil {
		return fmt.Errorf("codec: unknown space %q: %w", spcName, diag.ErrParse)
	}
	var targets []space.Address
	for {
		next, ok := dec.PeekElement()
		if !ok || next != ElemTarget {
			break
		}
		if _, err := dec.OpenElement(); err != nil {
			return err
		}
		tName, _ := dec.ReadString(AttrSpace)
		tOff, _ := dec.ReadUint(AttrOffset)
		tSpc := deps.Spaces.ByName(tName)
		if tSpc == nil {
			return fmt.Errorf("codec: unknown space %q: %w", tName, diag.ErrParse)
		}
		targets = append(targets, space.Address{Space: tSpc, Offset: tOff})
		if err := dec.CloseElement(ElemTarget); err != nil {
			return err
		}
	}
	jt := fd.InstallJumpTableOverride(space.Address{Space: spc, Offset: off}, targets)
	jt.Stage = int(stage)
	jt.Targets = targets
	return dec.CloseElement(ElemJumpTable)
}

func decodeScope(dec Decoder, fd *funcdata.Funcdata, root bool) error {
	name, err := dec.OpenElement()
	if err != nil {
		return err
	}
	if name != ElemScope {
		return fmt.Errorf("codec: expected %s: %w", ElemScope, diag.ErrParse)
	}
	scopeName, _ := dec.ReadString(AttrName)
	var sc *symtab.Scope
	if root {
		sc = fd.Symbols().Global()
	} else {
		sc = fd.Symbols().AddScope(scopeName)
		defer fd.Symbols().PopScope()
	}
	for {
		next, ok := dec.PeekElement()
		if !ok {
			break
		}
		switch next {
		case ElemValueSymHead:
			if _, err := dec.OpenElement(); err != nil {
				return err
			}
			symName, _ := dec.ReadString(AttrName)
			kind, _ := dec.ReadUint(AttrCode)
			sc.AddSymbol(symName, symtab.SymbolKind(kind), nil)
			if err := dec.CloseElement(ElemValueSymHead); err != nil {
				return err
			}
		case ElemScope:
			if err := decodeScope(dec, fd, false); err != nil {
				return err
			}
		default:
			return dec.CloseElement(ElemScope)
		}
	}
	return dec.CloseElement(ElemScope)
}
