package funcdata

import (
	"github.com/tinyrange/decomp/internal/diag"
	"github.com/tinyrange/decomp/internal/pcode"
)

// VerifyIntegrity checks the structural invariants every editing operation
// must preserve. It is cheap enough for tests to call after each edit.
func (fd *Funcdata) VerifyIntegrity() error {
	// Unique definition and back-reference coherence.
	var err error
	fd.vbank.AscendLoc(func(vn *pcode.Varnode) bool {
		if vn.IsWritten() {
			def := vn.Def()
			if def == nil || def.Output() != vn {
				err = diag.LowLevel("cell %s written but definer disagrees", vn)
				return false
			}
			if vn.IsInput() {
				err = diag.LowLevel("cell %s both input and written", vn)
				return false
			}
		}
		for _, op := range vn.Descend() {
			if op.Slot(vn) < 0 {
				err = diag.LowLevel("cell %s names reader %s that does not read it", vn, op)
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	fd.obank.AscendAlive(func(op *pcode.PcodeOp) bool {
		if out := op.Output(); out != nil {
			if out.Def() != op {
				err = diag.LowLevel("op %s output back-reference broken", op)
				return false
			}
			if op.Slot(out) >= 0 {
				err = diag.LowLevel("op %s reads its own output", op)
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}

	for _, bl := range fd.graph.Blocks() {
		// Phi placement and arity; branch terminality; indirect adjacency.
		seenNonPhi := false
		for op := bl.FirstOp(); op != nil; op = op.NextInBlock() {
			switch op.Code() {
			case pcode.OpMultiequal:
				if seenNonPhi {
					return diag.LowLevel("phi %s after non-phi in %s", op, bl)
				}
				if op.NumInput() != bl.SizeIn() {
					return diag.LowLevel("phi %s has %d inputs, block %s has %d in-edges",
						op, op.NumInput(), bl, bl.SizeIn())
				}
			case pcode.OpIndirect:
				next := op.NextInBlock()
				if next == nil || !next.Addr().Equal(op.Addr()) {
					return diag.LowLevel("indirect %s not adjacent to its effect", op)
				}
			default:
				seenNonPhi = true
			}
			if op.IsBlockTerminator() && op.NextInBlock() != nil {
				return diag.LowLevel("terminator %s is not last in %s", op, bl)
			}
		}
		if last := bl.LastOp(); last != nil {
			switch last.Code() {
			case pcode.OpBranch, pcode.OpReturn:
				if bl.SizeOut() > 1 {
					return diag.LowLevel("block %s fan-out %d after %s", bl, bl.SizeOut(), last)
				}
			case pcode.OpCBranch:
				if bl.SizeOut() > 2 {
					return diag.LowLevel("block %s fan-out %d after conditional", bl, bl.SizeOut())
				}
			}
		}
	}
	return nil
}
