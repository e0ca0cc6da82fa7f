package ruleset

import (
	"testing"

	"github.com/tinyrange/decomp/internal/dtype"
	"github.com/tinyrange/decomp/internal/funcdata"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
)

func testFunc(t *testing.T) (*funcdata.Funcdata, *pcode.BlockBasic) {
	t.Helper()
	m, err := space.NewManager([]space.Config{
		{Name: "ram", Kind: "data", AddrSize: 8},
		{Name: "code", Kind: "code", AddrSize: 8},
		{Name: "register", Kind: "register", AddrSize: 4},
	})
	if err != nil {
		t.Fatalf("space manager: %v", err)
	}
	deps := funcdata.Deps{
		Spaces:  m,
		Types:   dtype.NewDB(),
		Laned:   pcode.NewLanedRegistry(),
		Actions: BuildActionDatabase(),
	}
	entry := space.Address{Space: m.DefaultCode(), Offset: 0x1000}
	fd := funcdata.NewFuncdata("test", entry, deps)
	bl := fd.Graph().NewBlockBasic()
	fd.Graph().SetEntry(bl)
	return fd, bl
}

func reg(fd *funcdata.Funcdata, off uint64) space.Address {
	return space.Address{Space: fd.Spaces().ByName("register"), Offset: off}
}

func code(fd *funcdata.Funcdata, off uint64) space.Address {
	return space.Address{Space: fd.Spaces().DefaultCode(), Offset: off}
}

func link(t *testing.T, fd *funcdata.Funcdata, bl *pcode.BlockBasic, opc pcode.OpCode, out *pcode.Varnode, ins ...*pcode.Varnode) *pcode.PcodeOp {
	t.Helper()
	op := fd.NewOp(len(ins), code(fd, 0x1000+uint64(fd.Obank().NumAlive())*4))
	if err := fd.OpSetOpcode(op, opc); err != nil {
		t.Fatalf("set opcode: %v", err)
	}
	for i, in := range ins {
		fd.OpSetInput(op, in, i)
	}
	if out != nil {
		fd.OpSetOutput(op, out)
	}
	fd.OpInsertEnd(op, bl)
	return op
}

func TestRuleConcatZero(t *testing.T) {
	fd, bl := testFunc(t)

	t1 := fd.Vbank().Create(4, reg(fd, 0))
	input, err := fd.Vbank().SetInput(t1)
	if err != nil {
		t.Fatalf("set input: %v", err)
	}
	r := fd.Vbank().Create(8, reg(fd, 8))
	piece := link(t, fd, bl, pcode.OpPiece, r, input, fd.NewConstant(4, 0))

	reader := fd.Vbank().Create(8, reg(fd, 16))
	link(t, fd, bl, pcode.OpCopy, reader, r)

	changed, err := RuleConcatZero{}.Apply(piece, fd)
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	if !changed {
		t.Fatalf("rule did not fire")
	}

	// The op becomes r = zext(t1) << 32 with the PIECE replaced in place.
	if piece.Code() != pcode.OpIntLeft {
		t.Fatalf("expected INT_LEFT, got %s", piece.Code())
	}
	if piece.Output() != r {
		t.Fatalf("readers of r must be unchanged")
	}
	sa := piece.Input(1)
	if !sa.IsConstant() || sa.ConstantValue() != 32 {
		t.Fatalf("shift amount should be 32, got %v", sa)
	}
	mid := piece.Input(0)
	if !mid.IsWritten() || mid.Def().Code() != pcode.OpIntZext {
		t.Fatalf("shift operand should be a zero extension")
	}
	if mid.Def().Input(0) != input {
		t.Fatalf("zext should read the original high input")
	}
	if mid.Size != 8 {
		t.Fatalf("zext output should widen to 8 bytes, got %d", mid.Size)
	}
	if err := fd.VerifyIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
}

func TestRuleLessEqual(t *testing.T) {
	fd, bl := testFunc(t)

	x := fd.Vbank().Create(4, reg(fd, 0))
	xin, err := fd.Vbank().SetInput(x)
	if err != nil {
		t.Fatalf("set input: %v", err)
	}
	b := fd.Vbank().Create(1, reg(fd, 0x200))
	cmp := link(t, fd, bl, pcode.OpIntLessEqual, b, xin, fd.NewConstant(4, 10))
	link(t, fd, bl, pcode.OpCBranch, nil, fd.NewCodeRef(code(fd, 0x2000)), b)

	changed, err := RuleLessEqual{}.Apply(cmp, fd)
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	if !changed {
		t.Fatalf("rule did not fire")
	}
	if cmp.Code() != pcode.OpIntLess {
		t.Fatalf("expected INT_LESS, got %s", cmp.Code())
	}
	if got := cmp.Input(1).ConstantValue(); got != 11 {
		t.Fatalf("constant should be 11, got %d", got)
	}
}

func TestRuleLessEqualSkipsOverflow(t *testing.T) {
	fd, bl := testFunc(t)

	x := fd.Vbank().Create(4, reg(fd, 0))
	xin, err := fd.Vbank().SetInput(x)
	if err != nil {
		t.Fatalf("set input: %v", err)
	}
	b := fd.Vbank().Create(1, reg(fd, 0x200))
	unsignedMax := link(t, fd, bl, pcode.OpIntLessEqual, b, xin, fd.NewConstant(4, 0xffffffff))
	if changed, _ := (RuleLessEqual{}).Apply(unsignedMax, fd); changed {
		t.Fatalf("unsigned rewrite must skip the maximum constant")
	}

	b2 := fd.Vbank().Create(1, reg(fd, 0x201))
	signedMax := link(t, fd, bl, pcode.OpIntSLessEqual, b2, xin, fd.NewConstant(4, 0x7fffffff))
	if changed, _ := (RuleLessEqual{}).Apply(signedMax, fd); changed {
		t.Fatalf("signed rewrite must skip INT_MAX")
	}
}

func TestRuleMultCollapse(t *testing.T) {
	fd, bl := testFunc(t)

	x := fd.Vbank().Create(4, reg(fd, 0))
	xin, err := fd.Vbank().SetInput(x)
	if err != nil {
		t.Fatalf("set input: %v", err)
	}
	inner := fd.Vbank().Create(4, reg(fd, 8))
	link(t, fd, bl, pcode.OpIntMult, inner, xin, fd.NewConstant(4, 3))
	outer := fd.Vbank().Create(4, reg(fd, 16))
	mul := link(t, fd, bl, pcode.OpIntMult, outer, inner, fd.NewConstant(4, 5))

	changed, err := RuleMultCollapse{}.Apply(mul, fd)
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	if !changed {
		t.Fatalf("rule did not fire")
	}
	if mul.Input(0) != xin {
		t.Fatalf("collapsed multiply should read x directly")
	}
	if got := mul.Input(1).ConstantValue(); got != 15 {
		t.Fatalf("coefficient should fold to 15, got %d", got)
	}
}

func TestRuleCollapseConstants(t *testing.T) {
	fd, bl := testFunc(t)

	out := fd.Vbank().Create(4, reg(fd, 0))
	add := link(t, fd, bl, pcode.OpIntAdd, out, fd.NewConstant(4, 3), fd.NewConstant(4, 4))
	sink := fd.Vbank().Create(4, reg(fd, 8))
	use := link(t, fd, bl, pcode.OpCopy, sink, out)

	changed, err := RuleCollapseConstants{}.Apply(add, fd)
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	if !changed {
		t.Fatalf("rule did not fire")
	}
	if !use.Input(0).IsConstant() || use.Input(0).ConstantValue() != 7 {
		t.Fatalf("reader should now see the constant 7")
	}
	if !add.IsDead() {
		t.Fatalf("folded op should be destroyed or dead")
	}
}

func TestRuleCollapseSkipsDivByZero(t *testing.T) {
	fd, bl := testFunc(t)

	out := fd.Vbank().Create(4, reg(fd, 0))
	div := link(t, fd, bl, pcode.OpIntDiv, out, fd.NewConstant(4, 9), fd.NewConstant(4, 0))
	if changed, _ := (RuleCollapseConstants{}).Apply(div, fd); changed {
		t.Fatalf("division by zero must not fold")
	}
}

func TestRuleBoolFlip(t *testing.T) {
	fd, bl := testFunc(t)

	cond := fd.Vbank().Create(1, reg(fd, 0x200))
	cin, err := fd.Vbank().SetInput(cond)
	if err != nil {
		t.Fatalf("set input: %v", err)
	}
	neg := fd.Vbank().Create(1, reg(fd, 0x201))
	link(t, fd, bl, pcode.OpBoolNegate, neg, cin)
	cb := link(t, fd, bl, pcode.OpCBranch, nil, fd.NewCodeRef(code(fd, 0x2000)), neg)

	changed, err := RuleBoolFlip{}.Apply(cb, fd)
	if err != nil {
		t.Fatalf("rule: %v", err)
	}
	if !changed {
		t.Fatalf("rule did not fire")
	}
	if cb.Input(1) != cin {
		t.Fatalf("branch should read the original condition")
	}
	if !cb.HasFlag(pcode.PfBooleanFlip) {
		t.Fatalf("branch flip flag not set")
	}
}

func TestDefaultActionReachesFixedPoint(t *testing.T) {
	fd, bl := testFunc(t)

	// (3 + 4) * 2 collapses to 14 through repeated rule application.
	sum := fd.Vbank().Create(4, reg(fd, 0))
	link(t, fd, bl, pcode.OpIntAdd, sum, fd.NewConstant(4, 3), fd.NewConstant(4, 4))
	prod := fd.Vbank().Create(4, reg(fd, 8))
	link(t, fd, bl, pcode.OpIntMult, prod, sum, fd.NewConstant(4, 2))
	store := link(t, fd, bl, pcode.OpStore, nil,
		fd.NewConstant(8, 0), fd.NewConstant(8, 0x5000), prod)

	act := BuildActionDatabase().Group("default")
	if act == nil {
		t.Fatalf("default group missing")
	}
	if err := act.Apply(fd); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !store.Input(2).IsConstant() || store.Input(2).ConstantValue() != 14 {
		t.Fatalf("expression did not fold to 14, stores %v", store.Input(2))
	}
}
