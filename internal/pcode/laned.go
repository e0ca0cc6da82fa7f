package pcode

import (
	"github.com/tinyrange/decomp/internal/rangemap"
	"github.com/tinyrange/decomp/internal/space"
)

// LanedRegister describes one storage range that may be viewed as parallel
// independent lanes, with a bitmask of admissible lane widths in bytes.
type LanedRegister struct {
	Addr space.Address
	Size int
	// widths bit i set means a lane width of i bytes is admissible.
	widths uint32
}

// AddWidth admits a lane width in bytes (1..16).
func (lr *LanedRegister) AddWidth(w int) {
	if w >= 1 && w <= 16 {
		lr.widths |= 1 << uint(w)
	}
}

// AllowsWidth reports whether w-byte lanes are admissible.
func (lr *LanedRegister) AllowsWidth(w int) bool {
	return w >= 1 && w < 32 && lr.widths&(1<<uint(w)) != 0
}

// Widths yields the admissible widths in ascending order.
func (lr *LanedRegister) Widths() []int {
	var out []int
	for w := 1; w < 32; w++ {
		if lr.widths&(1<<uint(w)) != 0 {
			out = append(out, w)
		}
	}
	return out
}

type lanedDomain struct{}

func (lanedDomain) Compare(a, b space.Address) int { return a.Compare(b) }
func (lanedDomain) Pred(a space.Address) space.Address {
	return space.Address{Space: a.Space, Offset: a.Offset - 1}
}
func (lanedDomain) Succ(a space.Address) space.Address {
	return space.Address{Space: a.Space, Offset: a.Offset + 1}
}

// LanedRegistry records which storage may be split into lanes.
type LanedRegistry struct {
	m *rangemap.Map[space.Address, *LanedRegister]
}

// NewLanedRegistry creates an empty registry.
func NewLanedRegistry() *LanedRegistry {
	return &LanedRegistry{m: rangemap.New[space.Address, *LanedRegister](lanedDomain{})}
}

// Register admits the given lane widths for [addr, addr+size).
func (r *LanedRegistry) Register(addr space.Address, size int, widths []int) error {
	lr := &LanedRegister{Addr: addr, Size: size}
	for _, w := range widths {
		lr.AddWidth(w)
	}
	last := space.Address{Space: addr.Space, Offset: addr.Offset + uint64(size) - 1}
	_, err := r.m.Insert(lr, 0, addr, last)
	return err
}

// Lookup returns the laned record whose storage contains [addr, addr+size),
// nil when the storage is not laned.
func (r *LanedRegistry) Lookup(addr space.Address, size int) *LanedRegister {
	if addr.Space == nil {
		return nil
	}
	for _, ent := range r.m.Find(addr) {
		lr := ent.Value
		if addr.ContainedBy(size, lr.Addr, lr.Size) {
			return lr
		}
	}
	return nil
}
