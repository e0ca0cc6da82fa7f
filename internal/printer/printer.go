// Package printer renders the structured, typed IR as C-like source. The
// token emitter contract keeps the engine independent of formatting: the
// engine pushes expression atoms and operators in reverse evaluation order
// and the emitter reassembles them shunting-yard style.
package printer

import (
	"fmt"
	"strings"
)

// TokenEmitter receives the print stream. Operators carry a precedence so
// the emitter can parenthesize minimally.
type TokenEmitter interface {
	// PushAtom emits a leaf token (variable, constant, name).
	PushAtom(tok string)
	// PushOp emits an operator over the next arity operands, which arrive
	// through subsequent pushes in reverse evaluation order.
	PushOp(tok string, precedence, arity int)
	// PushCall emits a function-call form over the next arity operands.
	PushCall(tok string, arity int)
	// PushScope opens a brace scope; PopScope closes it.
	PushScope()
	PopScope()
	// Statement terminates the current expression as a statement.
	Statement(text string)
}

// CEmitter assembles pushed tokens into C text.
type CEmitter struct {
	b      strings.Builder
	indent int

	// stack holds partially assembled expression fragments with the
	// precedence of their outermost operator.
	stack []frag
	// pending operators awaiting operands.
	ops []pendingOp
}

type frag struct {
	text string
	prec int
}

type pendingOp struct {
	tok   string
	prec  int
	arity int
	call  bool
	got   []frag
}

// NewCEmitter creates an empty emitter.
func NewCEmitter() *CEmitter { return &CEmitter{} }

const atomPrecedence = 100

// PushAtom implements TokenEmitter.
func (e *CEmitter) PushAtom(tok string) {
	e.feed(frag{text: tok, prec: atomPrecedence})
}

// PushOp implements TokenEmitter.
func (e *CEmitter) PushOp(tok string, precedence, arity int) {
	e.ops = append(e.ops, pendingOp{tok: tok, prec: precedence, arity: arity})
}

// PushCall implements TokenEmitter.
func (e *CEmitter) PushCall(tok string, arity int) {
	if arity == 0 {
		e.feed(frag{text: tok + "()", prec: atomPrecedence})
		return
	}
	e.ops = append(e.ops, pendingOp{tok: tok, prec: atomPrecedence, arity: arity, call: true})
}

func (e *CEmitter) feed(f frag) {
	for len(e.ops) > 0 {
		top := &e.ops[len(e.ops)-1]
		top.got = append(top.got, f)
		if len(top.got) < top.arity {
			return
		}
		// Operands arrived in reverse evaluation order; assemble.
		f = assemble(*top)
		e.ops = e.ops[:len(e.ops)-1]
	}
	e.stack = append(e.stack, f)
}

func assemble(op pendingOp) frag {
	wrap := func(f frag, strict bool) string {
		if f.prec < op.prec || (strict && f.prec == op.prec) {
			return "(" + f.text + ")"
		}
		return f.text
	}
	if op.call {
		parts := make([]string, len(op.got))
		for i, g := range op.got {
			parts[len(op.got)-1-i] = g.text
		}
		return frag{text: op.tok + "(" + strings.Join(parts, ", ") + ")", prec: atomPrecedence}
	}
	switch op.arity {
	case 1:
		return frag{text: op.tok + wrap(op.got[0], false), prec: op.prec}
	case 2:
		// Reverse order: got[0] is the right operand.
		r, l := op.got[0], op.got[1]
		return frag{
			text: wrap(l, false) + " " + op.tok + " " + wrap(r, true),
			prec: op.prec,
		}
	default:
		parts := make([]string, len(op.got))
		for i, g := range op.got {
			parts[len(op.got)-1-i] = g.text
		}
		return frag{text: op.tok + "(" + strings.Join(parts, ", ") + ")", prec: atomPrecedence}
	}
}

// PopExpression returns the fully assembled expression on top of the
// stack, empty when none.
func (e *CEmitter) PopExpression() string {
	if len(e.stack) == 0 {
		return ""
	}
	f := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	return f.text
}

// PushScope implements TokenEmitter.
func (e *CEmitter) PushScope() {
	e.line("{")
	e.indent++
}

// PopScope implements TokenEmitter.
func (e *CEmitter) PopScope() {
	e.indent--
	e.line("}")
}

// Statement implements TokenEmitter.
func (e *CEmitter) Statement(text string) {
	if text == "" {
		return
	}
	e.line(text + ";")
}

func (e *CEmitter) line(text string) {
	for i := 0; i < e.indent; i++ {
		e.b.WriteString("  ")
	}
	e.b.WriteString(text)
	e.b.WriteByte('\n')
}

// Raw appends a preformatted line at the current indent.
func (e *CEmitter) Raw(text string) { e.line(text) }

// String returns the emitted source.
func (e *CEmitter) String() string { return e.b.String() }

// Comment emits a C comment line.
func (e *CEmitter) Comment(text string) {
	e.line(fmt.Sprintf("/* %s */", text))
}
