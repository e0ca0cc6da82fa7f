package printer

import (
	"fmt"

	"github.com/tinyrange/decomp/internal/flow"
	"github.com/tinyrange/decomp/internal/funcdata"
	"github.com/tinyrange/decomp/internal/pcode"
)

// opToken maps an op-code to its C spelling and precedence.
type opToken struct {
	tok  string
	prec int
}

var unaryTokens = map[pcode.OpCode]opToken{
	pcode.OpBoolNegate: {"!", 70},
	pcode.OpIntNegate:  {"~", 70},
	pcode.OpInt2Comp:   {"-", 70},
	pcode.OpFloatNeg:   {"-", 70},
}

var binaryTokens = map[pcode.OpCode]opToken{
	pcode.OpIntAdd:        {"+", 50},
	pcode.OpIntSub:        {"-", 50},
	pcode.OpIntMult:       {"*", 60},
	pcode.OpIntDiv:        {"/", 60},
	pcode.OpIntSDiv:       {"/", 60},
	pcode.OpIntRem:        {"%", 60},
	pcode.OpIntSRem:       {"%", 60},
	pcode.OpIntAnd:        {"&", 30},
	pcode.OpIntOr:         {"|", 26},
	pcode.OpIntXor:        {"^", 28},
	pcode.OpIntLeft:       {"<<", 45},
	pcode.OpIntRight:      {">>", 45},
	pcode.OpIntSRight:     {">>", 45},
	pcode.OpIntEqual:      {"==", 35},
	pcode.OpIntNotEqual:   {"!=", 35},
	pcode.OpIntLess:       {"<", 40},
	pcode.OpIntLessEqual:  {"<=", 40},
	pcode.OpIntSLess:      {"<", 40},
	pcode.OpIntSLessEqual: {"<=", 40},
	pcode.OpBoolAnd:       {"&&", 22},
	pcode.OpBoolOr:        {"||", 20},
	pcode.OpBoolXor:       {"!=", 35},
	pcode.OpFloatAdd:      {"+", 50},
	pcode.OpFloatSub:      {"-", 50},
	pcode.OpFloatMult:     {"*", 60},
	pcode.OpFloatDiv:      {"/", 60},
	pcode.OpFloatEqual:    {"==", 35},
	pcode.OpFloatNotEqual: {"!=", 35},
	pcode.OpFloatLess:     {"<", 40},
	pcode.OpFloatLessEqual: {"<=", 40},
	pcode.OpPtrAdd:        {"+", 50},
}

// CPrinter walks the structured tree of an analyzed function and emits
// C-like output through the token emitter.
type CPrinter struct {
	fd   *funcdata.Funcdata
	emit *CEmitter

	names  map[*pcode.HighVariable]string
	nextID int
}

// NewCPrinter creates a printer over the function.
func NewCPrinter(fd *funcdata.Funcdata) *CPrinter {
	return &CPrinter{fd: fd, emit: NewCEmitter(), names: make(map[*pcode.HighVariable]string)}
}

// Print renders the whole function given its structured root.
func (p *CPrinter) Print(root *flow.Block) string {
	p.emit.Raw(fmt.Sprintf("void %s(void)", p.fd.Name()))
	for _, w := range p.fd.Warnings.HeaderWarnings() {
		p.emit.Comment(w.Text)
	}
	p.emit.PushScope()
	p.printBlock(root)
	p.emit.PopScope()
	return p.emit.String()
}

func (p *CPrinter) printBlock(b *flow.Block) {
	if b == nil {
		return
	}
	switch b.Kind {
	case flow.KindBasic:
		p.printStatements(b.Basic)
	case flow.KindList:
		for _, c := range b.Components {
			p.printBlock(c)
		}
	case flow.KindIfThen:
		p.printCondHeader("if", b.Components[0])
		p.emit.PushScope()
		p.printBlock(b.Components[1])
		p.emit.PopScope()
	case flow.KindIfElse:
		p.printCondHeader("if", b.Components[0])
		p.emit.PushScope()
		p.printBlock(b.Components[1])
		p.emit.PopScope()
		p.emit.Raw("else")
		p.emit.PushScope()
		p.printBlock(b.Components[2])
		p.emit.PopScope()
	case flow.KindWhileDo:
		p.printCondHeader("while", b.Components[0])
		p.emit.PushScope()
		p.printBlock(b.Components[1])
		p.emit.PopScope()
	case flow.KindDoWhile:
		p.emit.Raw("do")
		p.emit.PushScope()
		p.printBlock(b.Components[0])
		p.emit.PopScope()
		p.emit.Raw(fmt.Sprintf("while (%s);", p.condOf(b.Components[0])))
	case flow.KindInfLoop:
		p.emit.Raw("for (;;)")
		p.emit.PushScope()
		p.printBlock(b.Components[0])
		p.emit.PopScope()
	case flow.KindSwitch:
		p.printCondHeader("switch", b.Components[0])
		p.emit.PushScope()
		for i, c := range b.Components[1:] {
			p.emit.Raw(fmt.Sprintf("case %d:", i))
			p.printBlock(c)
			p.emit.Statement("break")
		}
		p.emit.PopScope()
	case flow.KindGoto:
		if b.GotoTarget != nil {
			p.emit.Statement(fmt.Sprintf("goto LAB_%d", b.GotoTarget.Index()))
		}
	}
}

// printCondHeader prints the leading statements of a condition block, then
// the keyword with the controlling expression.
func (p *CPrinter) printCondHeader(keyword string, cond *flow.Block) {
	p.printBlock(cond)
	p.emit.Raw(fmt.Sprintf("%s (%s)", keyword, p.condOf(cond)))
}

// condOf extracts the controlling expression of a condition block.
func (p *CPrinter) condOf(b *flow.Block) string {
	leaf := lastLeaf(b)
	if leaf == nil {
		return "true"
	}
	last := leaf.LastOp()
	if last == nil {
		return "true"
	}
	switch last.Code() {
	case pcode.OpCBranch:
		expr := p.expression(last.Input(1))
		if last.HasFlag(pcode.PfBooleanFlip) {
			return "!(" + expr + ")"
		}
		return expr
	case pcode.OpBranchInd:
		return p.expression(last.Input(0))
	}
	return "true"
}

func lastLeaf(b *flow.Block) *pcode.BlockBasic {
	if b == nil {
		return nil
	}
	if b.Kind == flow.KindBasic {
		return b.Basic
	}
	for i := len(b.Components) - 1; i >= 0; i-- {
		if leaf := lastLeaf(b.Components[i]); leaf != nil {
			return leaf
		}
	}
	return nil
}

// printStatements renders the explicit statements of one basic block;
// branch ops and implied expressions fold into their uses.
func (p *CPrinter) printStatements(bb *pcode.BlockBasic) {
	if bb == nil {
		return
	}
	for _, w := range p.fd.Warnings.Warnings() {
		if !w.Addr.IsInvalid() && bb.Cover().Contains(w.Addr) {
			p.emit.Comment(w.Text)
			break
		}
	}
	for op := bb.FirstOp(); op != nil; op = op.NextInBlock() {
		if op.HasFlag(pcode.PfNonPrinting) {
			continue
		}
		switch op.Code() {
		case pcode.OpBranch, pcode.OpCBranch, pcode.OpBranchInd:
			continue
		case pcode.OpMultiequal, pcode.OpIndirect:
			continue
		case pcode.OpReturn:
			if op.HasFlag(pcode.PfHalt) {
				continue
			}
			p.emit.Statement("return")
		case pcode.OpStore:
			p.emit.Statement(fmt.Sprintf("*(%s) = %s",
				p.expression(op.Input(1)), p.expression(op.Input(2))))
		case pcode.OpCall, pcode.OpCallInd, pcode.OpCallOther:
			p.emit.Statement(p.callStatement(op))
		default:
			out := op.Output()
			if out == nil || p.isImplied(out) {
				continue
			}
			p.pushOpExpr(op)
			p.emit.Statement(fmt.Sprintf("%s = %s", p.varName(out), p.emit.PopExpression()))
		}
	}
}

func (p *CPrinter) callStatement(op *pcode.PcodeOp) string {
	p.pushCall(op)
	text := p.emit.PopExpression()
	if out := op.Output(); out != nil {
		text = fmt.Sprintf("%s = %s", p.varName(out), text)
	}
	return text
}

// isImplied reports whether the cell prints inside its lone use.
func (p *CPrinter) isImplied(vn *pcode.Varnode) bool {
	if vn.IsAddrTied() || vn.HasFlag(pcode.VfExplicit) {
		return false
	}
	if def := vn.Def(); def != nil && def.IsMarker() {
		return false
	}
	return vn.LoneDescend() != nil
}

// expression renders a cell from an empty emitter stack.
func (p *CPrinter) expression(vn *pcode.Varnode) string {
	p.pushExpr(vn)
	return p.emit.PopExpression()
}

// pushExpr pushes the tokens of a cell's value, descending through implied
// definitions in reverse evaluation order.
func (p *CPrinter) pushExpr(vn *pcode.Varnode) {
	if vn == nil {
		p.emit.PushAtom("?")
		return
	}
	switch {
	case vn.IsConstant():
		if e, _ := vn.SymbolEntry(); e != nil {
			p.emit.PushAtom(e.SymbolName())
			return
		}
		p.emit.PushAtom(fmt.Sprintf("%#x", vn.ConstantValue()))
	case vn.IsAnnotation():
		p.emit.PushAtom(fmt.Sprintf("0x%08x", vn.Addr.Offset))
	case vn.IsWritten() && p.isImplied(vn):
		p.pushOpExpr(vn.Def())
	default:
		p.emit.PushAtom(p.varName(vn))
	}
}

// pushOpExpr pushes the expression computing op's output.
func (p *CPrinter) pushOpExpr(op *pcode.PcodeOp) {
	if t, ok := binaryTokens[op.Code()]; ok && op.NumInput() >= 2 {
		p.emit.PushOp(t.tok, t.prec, 2)
		p.pushExpr(op.Input(1))
		p.pushExpr(op.Input(0))
		return
	}
	if t, ok := unaryTokens[op.Code()]; ok && op.NumInput() >= 1 {
		p.emit.PushOp(t.tok, t.prec, 1)
		p.pushExpr(op.Input(0))
		return
	}
	switch op.Code() {
	case pcode.OpCopy, pcode.OpCast, pcode.OpIntZext, pcode.OpIntSext:
		p.pushExpr(op.Input(0))
	case pcode.OpLoad:
		p.emit.PushOp("*", 70, 1)
		p.pushExpr(op.Input(1))
	case pcode.OpSubpiece:
		p.emit.PushCall(fmt.Sprintf("SUB%d", outSize(op)), 2)
		p.pushExpr(op.Input(1))
		p.pushExpr(op.Input(0))
	case pcode.OpPiece:
		p.emit.PushCall("CONCAT", 2)
		p.pushExpr(op.Input(1))
		p.pushExpr(op.Input(0))
	case pcode.OpPtrSub:
		p.emit.PushCall("FIELD", 2)
		p.pushExpr(op.Input(1))
		p.pushExpr(op.Input(0))
	case pcode.OpCall, pcode.OpCallInd, pcode.OpCallOther:
		p.pushCall(op)
	default:
		p.emit.PushCall(op.Code().String(), op.NumInput())
		for i := op.NumInput() - 1; i >= 0; i-- {
			p.pushExpr(op.Input(i))
		}
	}
}

// pushCall pushes a call expression: the callee name with the remaining
// inputs as arguments.
func (p *CPrinter) pushCall(op *pcode.PcodeOp) {
	target := "(*fn)"
	argStart := 1
	if op.NumInput() > 0 {
		in := op.Input(0)
		if in.IsAnnotation() {
			target = fmt.Sprintf("FUN_%08x", in.Addr.Offset)
		} else if in.IsConstant() {
			target = fmt.Sprintf("FUN_%08x", in.ConstantValue())
		} else {
			// The callee expression assembles on a scratch emitter so a
			// pending outer operator is not disturbed.
			saved := p.emit
			p.emit = NewCEmitter()
			p.pushExpr(in)
			target = "(*" + p.emit.PopExpression() + ")"
			p.emit = saved
		}
	} else {
		argStart = 0
	}
	n := op.NumInput() - argStart
	p.emit.PushCall(target, n)
	for i := op.NumInput() - 1; i >= argStart; i-- {
		p.pushExpr(op.Input(i))
	}
}

func outSize(op *pcode.PcodeOp) int {
	if out := op.Output(); out != nil {
		return out.Size
	}
	return 0
}

// varName assigns and recalls the printed name of the cell's variable.
func (p *CPrinter) varName(vn *pcode.Varnode) string {
	if e, _ := vn.SymbolEntry(); e != nil {
		return e.SymbolName()
	}
	h := vn.High()
	if h == nil {
		return fmt.Sprintf("unnamed_%x", vn.Addr.Offset)
	}
	if h.Symbol != nil {
		return h.Symbol.SymbolName()
	}
	if h.Name() != "" {
		return h.Name()
	}
	if name, ok := p.names[h]; ok {
		return name
	}
	var name string
	rep := h.Represent()
	if rep != nil && rep.IsInput() {
		name = fmt.Sprintf("param_%d", p.nextID+1)
	} else {
		name = fmt.Sprintf("var_%d", p.nextID+1)
	}
	p.nextID++
	p.names[h] = name
	h.SetName(name)
	return name
}
