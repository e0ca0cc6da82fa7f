package x86

import (
	"testing"

	"github.com/tinyrange/decomp/internal/loader"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
)

type emitted struct {
	code pcode.OpCode
	out  *pcode.VarnodeData
	in   []pcode.VarnodeData
}

type recorder struct {
	ops []emitted
}

func (r *recorder) Dump(addr space.Address, opc pcode.OpCode, out *pcode.VarnodeData, in []pcode.VarnodeData) {
	var oc *pcode.VarnodeData
	if out != nil {
		c := *out
		oc = &c
	}
	r.ops = append(r.ops, emitted{code: opc, out: oc, in: append([]pcode.VarnodeData(nil), in...)})
}

func testTranslator(t *testing.T, code []byte) (*Translator, space.Address) {
	t.Helper()
	m, err := space.NewManager([]space.Config{
		{Name: "ram", Kind: "data", AddrSize: 8},
		{Name: "code", Kind: "code", AddrSize: 8},
		{Name: "register", Kind: "register", AddrSize: 4},
	})
	if err != nil {
		t.Fatalf("space manager: %v", err)
	}
	img := &loader.MemoryImage{}
	base := space.Address{Space: m.DefaultCode(), Offset: 0x1000}
	img.AddSection(base, code, true)
	tr, err := New(m, img)
	if err != nil {
		t.Fatalf("translator: %v", err)
	}
	return tr, base
}

func find(ops []emitted, code pcode.OpCode) *emitted {
	for i := range ops {
		if ops[i].code == code {
			return &ops[i]
		}
	}
	return nil
}

func TestLiftMovImm(t *testing.T) {
	// mov eax, 5
	tr, base := testTranslator(t, []byte{0xb8, 0x05, 0x00, 0x00, 0x00})
	rec := &recorder{}
	n, err := tr.OneInstruction(rec, base)
	if err != nil {
		t.Fatalf("lift: %v", err)
	}
	if n != 5 {
		t.Fatalf("length %d, want 5", n)
	}
	cp := find(rec.ops, pcode.OpCopy)
	if cp == nil || cp.out == nil {
		t.Fatalf("no copy emitted")
	}
	if cp.out.Addr.Offset != offRAX || cp.out.Size != 4 {
		t.Fatalf("destination not eax: %+v", cp.out)
	}
	if !cp.in[0].Addr.IsConstant() || cp.in[0].Addr.Offset != 5 {
		t.Fatalf("immediate not lifted: %+v", cp.in[0])
	}
}

func TestLiftAddSetsFlags(t *testing.T) {
	// add eax, ebx
	tr, base := testTranslator(t, []byte{0x01, 0xd8})
	rec := &recorder{}
	if _, err := tr.OneInstruction(rec, base); err != nil {
		t.Fatalf("lift: %v", err)
	}
	add := find(rec.ops, pcode.OpIntAdd)
	if add == nil {
		t.Fatalf("no add emitted")
	}
	if find(rec.ops, pcode.OpIntEqual) == nil {
		t.Fatalf("zero flag not modeled")
	}
}

func TestLiftCmpJne(t *testing.T) {
	// cmp eax, 3 ; jne +4
	tr, base := testTranslator(t, []byte{0x83, 0xf8, 0x03, 0x75, 0x04})
	rec := &recorder{}
	n, err := tr.OneInstruction(rec, base)
	if err != nil {
		t.Fatalf("cmp: %v", err)
	}
	if find(rec.ops, pcode.OpIntEqual) == nil || find(rec.ops, pcode.OpIntSLess) == nil {
		t.Fatalf("cmp flags incomplete")
	}
	rec2 := &recorder{}
	if _, err := tr.OneInstruction(rec2, base.Add(uint64(n))); err != nil {
		t.Fatalf("jne: %v", err)
	}
	cb := find(rec2.ops, pcode.OpCBranch)
	if cb == nil {
		t.Fatalf("no conditional branch emitted")
	}
	if cb.in[0].Addr.Space != base.Space {
		t.Fatalf("branch target not in code space")
	}
	if find(rec2.ops, pcode.OpBoolNegate) == nil {
		t.Fatalf("jne should negate the zero flag")
	}
}

func TestLiftTableJmp(t *testing.T) {
	// jmp qword ptr [rax*8 + 0x5000]
	tr, base := testTranslator(t, []byte{0xff, 0x24, 0xc5, 0x00, 0x50, 0x00, 0x00})
	rec := &recorder{}
	if _, err := tr.OneInstruction(rec, base); err != nil {
		t.Fatalf("lift: %v", err)
	}
	if find(rec.ops, pcode.OpIntMult) == nil {
		t.Fatalf("index scaling not emitted")
	}
	ld := find(rec.ops, pcode.OpLoad)
	if ld == nil {
		t.Fatalf("table load not emitted")
	}
	bi := find(rec.ops, pcode.OpBranchInd)
	if bi == nil {
		t.Fatalf("indirect branch not emitted")
	}
	if ld.out == nil || !bi.in[0].Addr.Equal(ld.out.Addr) {
		t.Fatalf("indirect branch should consume the loaded destination")
	}
}

func TestLiftRet(t *testing.T) {
	tr, base := testTranslator(t, []byte{0xc3})
	rec := &recorder{}
	if _, err := tr.OneInstruction(rec, base); err != nil {
		t.Fatalf("lift: %v", err)
	}
	if find(rec.ops, pcode.OpReturn) == nil {
		t.Fatalf("no return emitted")
	}
	if find(rec.ops, pcode.OpLoad) == nil {
		t.Fatalf("return address load not emitted")
	}
}
