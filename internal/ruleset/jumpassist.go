package ruleset

import (
	"errors"

	"github.com/tinyrange/decomp/internal/diag"
	"github.com/tinyrange/decomp/internal/funcdata"
	"github.com/tinyrange/decomp/internal/pattern"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
)

// x86JmpTablePattern matches the indirect jmp instruction ff /4: the opcode
// byte and the ModRM reg field are checked, the mod and rm fields (and so
// the presence of a SIB byte) are not. The REX-prefixed form is an
// alternative.
var x86JmpTablePattern = &pattern.OrPattern{
	Alts: []pattern.Pattern{
		&pattern.DisjointPattern{Instr: []pattern.PatternBlock{
			{Offset: 0, Mask: 0x38ff, Value: 0x20ff},
		}},
		&pattern.CombinePattern{
			A: &pattern.DisjointPattern{Instr: []pattern.PatternBlock{
				{Offset: 0, Mask: 0xf0, Value: 0x40}, // REX prefix
			}},
			B: &pattern.DisjointPattern{Instr: []pattern.PatternBlock{
				{Offset: 1, Mask: 0x38ff, Value: 0x20ff},
			}},
		},
	},
}

// RuleJumpAssist recognizes table-dispatch idioms at an indirect branch by
// matching the instruction bytes against the assist patterns, then pins the
// switch variable so simplification cannot fold it away before extraction.
type RuleJumpAssist struct{}

func (RuleJumpAssist) Name() string { return "jumpassist" }

func (RuleJumpAssist) OpList() []pcode.OpCode { return []pcode.OpCode{pcode.OpBranchInd} }

func (RuleJumpAssist) Apply(op *pcode.PcodeOp, fd *funcdata.Funcdata) (bool, error) {
	if op.HasFlag(pcode.PfMark) {
		return false, nil
	}
	img := fd.Image()
	if img == nil {
		return false, nil
	}
	buf := make([]byte, 8)
	addr := space.Address{Space: op.Addr().Space, Offset: op.Addr().Offset}
	if err := img.LoadFill(buf, addr); err != nil {
		if !errors.Is(err, diag.ErrUnavailable) {
			return false, err
		}
		return false, nil
	}
	w := &pattern.BytesWalker{Data: buf}
	if !x86JmpTablePattern.Match(w) {
		return false, nil
	}
	// Keep the dispatch expression intact for the extractor.
	if in := op.Input(0); in != nil && in.IsWritten() {
		in.Def().SetFlag(pcode.PfNoCollapse)
	}
	op.SetFlag(pcode.PfMark)
	return true, nil
}
