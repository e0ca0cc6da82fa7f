package pcode

import (
	"fmt"

	"github.com/google/btree"
	"github.com/tinyrange/decomp/internal/space"
)

// defClass partitions cells sharing a storage location for the loc index:
// inputs sort first, then written cells by sequence number, then free cells.
func defClass(vn *Varnode) int {
	switch {
	case vn.IsInput():
		return 0
	case vn.IsWritten():
		return 1
	}
	return 2
}

func locLess(a, b *Varnode) bool {
	if c := a.Addr.Compare(b.Addr); c != 0 {
		return c < 0
	}
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	ca, cb := defClass(a), defClass(b)
	if ca != cb {
		return ca < cb
	}
	if ca == 1 {
		if c := a.def.seq.Compare(b.def.seq); c != 0 {
			return c < 0
		}
		if a.def.seq.Time != b.def.seq.Time {
			return a.def.seq.Time < b.def.seq.Time
		}
	}
	return a.createIndex < b.createIndex
}

func defLess(a, b *Varnode) bool {
	ca, cb := defClass(a), defClass(b)
	if ca != cb {
		return ca < cb
	}
	if ca == 1 {
		if c := a.def.seq.Compare(b.def.seq); c != 0 {
			return c < 0
		}
		if a.def.seq.Time != b.def.seq.Time {
			return a.def.seq.Time < b.def.seq.Time
		}
	}
	if c := a.Addr.Compare(b.Addr); c != 0 {
		return c < 0
	}
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.createIndex < b.createIndex
}

// VarnodeBank owns every value cell of one function.
type VarnodeBank struct {
	manager *space.Manager

	loc *btree.BTreeG[*Varnode]
	def *btree.BTreeG[*Varnode]

	createIndex uint32
}

// NewVarnodeBank creates an empty bank.
func NewVarnodeBank(m *space.Manager) *VarnodeBank {
	return &VarnodeBank{
		manager: m,
		loc:     btree.NewG(16, locLess),
		def:     btree.NewG(16, defLess),
	}
}

// Size returns the number of cells in the bank.
func (bank *VarnodeBank) Size() int { return bank.loc.Len() }

// CreateIndex returns the next creation index to be handed out.
func (bank *VarnodeBank) CreateIndex() uint32 { return bank.createIndex }

// Create makes a new free cell at the given storage. Constant-space cells
// get the constant flag.
func (bank *VarnodeBank) Create(size int, addr space.Address) *Varnode {
	vn := &Varnode{Addr: addr, Size: size, createIndex: bank.createIndex}
	bank.createIndex++
	vn.nzMask = CalcMask(size)
	if addr.IsConstant() {
		vn.flags |= VfConstant
		vn.nzMask = addr.Offset & CalcMask(size)
	}
	vn.flags |= VfInsert
	bank.loc.ReplaceOrInsert(vn)
	bank.def.ReplaceOrInsert(vn)
	return vn
}

// CreateDef makes a new cell defined by op. The op's output is not linked
// here; the function container does that.
func (bank *VarnodeBank) CreateDef(size int, addr space.Address, op *PcodeOp) *Varnode {
	vn := bank.Create(size, addr)
	bank.SetDef(vn, op)
	return vn
}

func (bank *VarnodeBank) remove(vn *Varnode) {
	bank.loc.Delete(vn)
	bank.def.Delete(vn)
}

func (bank *VarnodeBank) reinsert(vn *Varnode) {
	bank.loc.ReplaceOrInsert(vn)
	bank.def.ReplaceOrInsert(vn)
}

// SetDef records op as the definer of vn, reindexing the cell.
func (bank *VarnodeBank) SetDef(vn *Varnode, op *PcodeOp) {
	bank.remove(vn)
	vn.def = op
	if op != nil {
		vn.flags |= VfWritten
	} else {
		vn.flags &^= VfWritten
	}
	bank.reinsert(vn)
}

// SetInput marks a free cell as a function input. Inputs must not overlap
// existing inputs with different storage.
func (bank *VarnodeBank) SetInput(vn *Varnode) (*Varnode, error) {
	if vn.IsWritten() || vn.IsConstant() {
		return nil, fmt.Errorf("pcode: cell %s cannot become an input", vn)
	}
	if in := bank.FindInput(vn.Size, vn.Addr); in != nil {
		return in, nil
	}
	var clash *Varnode
	bank.AscendOverlap(vn.Addr, vn.Size, func(o *Varnode) bool {
		if o.IsInput() {
			clash = o
			return false
		}
		return true
	})
	if clash != nil {
		return nil, fmt.Errorf("pcode: input %s overlaps existing input %s", vn, clash)
	}
	bank.remove(vn)
	vn.flags |= VfInput
	bank.reinsert(vn)
	return vn, nil
}

// MakeFree strips definition and input status from a cell.
func (bank *VarnodeBank) MakeFree(vn *Varnode) {
	bank.remove(vn)
	vn.def = nil
	vn.flags &^= VfWritten | VfInput | VfInsert
	vn.flags |= VfInsert
	bank.reinsert(vn)
}

// Destroy removes a cell from the bank. The cell must have no definer and
// no remaining readers.
func (bank *VarnodeBank) Destroy(vn *Varnode) error {
	if vn.def != nil || len(vn.descend) != 0 {
		return fmt.Errorf("pcode: destroying linked cell %s", vn)
	}
	bank.remove(vn)
	vn.flags &^= VfInsert
	return nil
}

// Find locates the cell with exact storage and defining op address, nil if
// absent. A nil defAddr finds inputs or free cells.
func (bank *VarnodeBank) Find(size int, addr space.Address, defAddr space.Address, time uint32) *Varnode {
	var found *Varnode
	pivot := &Varnode{Addr: addr, Size: size, flags: VfInput}
	bank.loc.AscendGreaterOrEqual(pivot, func(o *Varnode) bool {
		if !o.Addr.Equal(addr) || o.Size != size {
			return false
		}
		if defAddr.IsInvalid() {
			if !o.IsWritten() {
				found = o
				return false
			}
			return true
		}
		if o.IsWritten() && o.def.seq.Addr.Equal(defAddr) && (time == ^uint32(0) || o.def.seq.Time == time) {
			found = o
			return false
		}
		return true
	})
	return found
}

// FindInput locates the input cell with exact storage, nil if absent.
func (bank *VarnodeBank) FindInput(size int, addr space.Address) *Varnode {
	var found *Varnode
	pivot := &Varnode{Addr: addr, Size: size, flags: VfInput}
	bank.loc.AscendGreaterOrEqual(pivot, func(o *Varnode) bool {
		if !o.Addr.Equal(addr) || o.Size != size {
			return false
		}
		if o.IsInput() {
			found = o
		}
		return false // inputs sort first at their (addr, size)
	})
	return found
}

// AscendLoc walks all cells in loc order. fn returns false to stop.
func (bank *VarnodeBank) AscendLoc(fn func(*Varnode) bool) {
	bank.loc.Ascend(fn)
}

// AscendDef walks all cells in definition order.
func (bank *VarnodeBank) AscendDef(fn func(*Varnode) bool) {
	bank.def.Ascend(fn)
}

// AscendSpace walks cells whose storage lies in sp.
func (bank *VarnodeBank) AscendSpace(sp *space.AddrSpace, fn func(*Varnode) bool) {
	pivot := &Varnode{Addr: space.Address{Space: sp, Offset: 0}}
	bank.loc.AscendGreaterOrEqual(pivot, func(o *Varnode) bool {
		if o.Addr.Space != sp {
			return false
		}
		return fn(o)
	})
}

// AscendAddr walks cells whose storage starts exactly at addr.
func (bank *VarnodeBank) AscendAddr(addr space.Address, fn func(*Varnode) bool) {
	pivot := &Varnode{Addr: addr}
	bank.loc.AscendGreaterOrEqual(pivot, func(o *Varnode) bool {
		if !o.Addr.Equal(addr) {
			return false
		}
		return fn(o)
	})
}

// AscendOverlap walks cells whose storage intersects [addr, addr+size).
func (bank *VarnodeBank) AscendOverlap(addr space.Address, size int, fn func(*Varnode) bool) {
	if addr.Space == nil {
		return
	}
	// A cell starting before addr can still reach into the range; no cell
	// exceeds maxVarnodeSize bytes, so backing up that far is exact.
	start := space.Address{Space: addr.Space, Offset: 0}
	if addr.Offset > maxVarnodeSize {
		start.Offset = addr.Offset - maxVarnodeSize
	}
	pivot := &Varnode{Addr: start}
	stop := addr.Offset + uint64(size)
	bank.loc.AscendGreaterOrEqual(pivot, func(o *Varnode) bool {
		if o.Addr.Space != addr.Space || o.Addr.Offset >= stop {
			return false
		}
		if o.Addr.Offset+uint64(o.Size) > addr.Offset {
			return fn(o)
		}
		return true
	})
}

// maxVarnodeSize bounds how far back an overlapping cell can start.
const maxVarnodeSize = 64
