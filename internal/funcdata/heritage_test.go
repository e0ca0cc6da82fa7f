package funcdata

import (
	"testing"

	"github.com/tinyrange/decomp/internal/pcode"
)

// TestHeritageSplitsPartialWrite checks that a read of wide storage after a
// narrow write sees a stitched full-width definition.
func TestHeritageSplitsPartialWrite(t *testing.T) {
	fd := testFunc(t)
	bl := fd.Graph().NewBlockBasic()
	fd.Graph().SetEntry(bl)

	r0 := regAddr(fd, 0)

	// Write all 8 bytes, overwrite the low 4, then read all 8.
	w8 := fd.Vbank().Create(8, r0)
	addOp(t, fd, bl, pcode.OpCopy, w8, fd.NewConstant(8, 0x1122334455667788))
	w4 := fd.Vbank().Create(4, r0)
	addOp(t, fd, bl, pcode.OpCopy, w4, fd.NewConstant(4, 0xaabbccdd))
	read := fd.NewVarnode(8, r0)
	sink := fd.Vbank().Create(8, regAddr(fd, 8))
	use := addOp(t, fd, bl, pcode.OpCopy, sink, read)

	if err := fd.HeritageState().Heritage(); err != nil {
		t.Fatalf("heritage: %v", err)
	}

	// The read now sees a single full-width definer.
	in := use.Input(0)
	if in == nil || !in.IsWritten() || in.Size != 8 {
		t.Fatalf("wide read not renamed to a written full-width cell: %v", in)
	}

	// Somewhere between the narrow write and the read, a PIECE stitches
	// the halves back together.
	foundPiece := false
	fd.Obank().AscendAlive(func(op *pcode.PcodeOp) bool {
		if op.Code() == pcode.OpPiece {
			foundPiece = true
			for _, pin := range op.Inputs() {
				if pin == w4 {
					return false
				}
			}
		}
		return true
	})
	if !foundPiece {
		t.Fatalf("no PIECE stitching the partial write")
	}
	if err := fd.VerifyIntegrity(); err != nil {
		t.Fatalf("integrity: %v", err)
	}
}
