package space

import "fmt"

// Address is a byte offset within an address space. The zero Address (nil
// space) is the invalid address.
type Address struct {
	Space  *AddrSpace
	Offset uint64
}

// Invalid returns the invalid address.
func Invalid() Address { return Address{} }

// IsInvalid reports whether the address names no storage.
func (a Address) IsInvalid() bool { return a.Space == nil }

// IsConstant reports whether the address lives in the constant space.
func (a Address) IsConstant() bool { return a.Space != nil && a.Space.kind == KindConstant }

// Compare orders addresses: first by space index, then by offset.
func (a Address) Compare(b Address) int {
	ai, bi := -1, -1
	if a.Space != nil {
		ai = a.Space.index
	}
	if b.Space != nil {
		bi = b.Space.index
	}
	switch {
	case ai < bi:
		return -1
	case ai > bi:
		return 1
	case a.Offset < b.Offset:
		return -1
	case a.Offset > b.Offset:
		return 1
	}
	return 0
}

// Equal reports whether two addresses name the same byte.
func (a Address) Equal(b Address) bool { return a.Space == b.Space && a.Offset == b.Offset }

// Add returns the address advanced by n bytes, wrapped within the space.
func (a Address) Add(n uint64) Address {
	if a.Space == nil {
		return a
	}
	return Address{Space: a.Space, Offset: a.Space.Wrap(a.Offset + n)}
}

// Overlap returns the offset of this address relative to the range
// [b, b+size), or -1 if it lies outside.
func (a Address) Overlap(b Address, size int) int {
	if a.Space != b.Space || a.Space == nil || a.Space.kind == KindConstant {
		return -1
	}
	if a.Offset < b.Offset {
		return -1
	}
	d := a.Offset - b.Offset
	if d >= uint64(size) {
		return -1
	}
	return int(d)
}

// IsContiguous reports whether a range of size asize starting at a is
// immediately followed by b.
func (a Address) IsContiguous(asize int, b Address) bool {
	if a.Space != b.Space || a.Space == nil {
		return false
	}
	return a.Space.Wrap(a.Offset+uint64(asize)) == b.Offset
}

// ContainedBy reports whether [a, a+asize) lies entirely inside [b, b+bsize).
func (a Address) ContainedBy(asize int, b Address, bsize int) bool {
	if a.Space != b.Space || a.Space == nil {
		return false
	}
	if a.Offset < b.Offset {
		return false
	}
	return a.Offset+uint64(asize) <= b.Offset+uint64(bsize)
}

// JustifiedContain reports the offset of the range [a,a+asize) within
// [b,b+bsize) provided the containment is justified: flush against the least
// significant end of the container, which is the high end for big-endian
// spaces. Returns -1 when not justified.
func (a Address) JustifiedContain(asize int, b Address, bsize int) int {
	if !a.ContainedBy(asize, b, bsize) {
		return -1
	}
	off := int(a.Offset - b.Offset)
	if a.Space.bigEndian {
		if off+asize == bsize {
			return 0
		}
		return -1
	}
	if off == 0 {
		return 0
	}
	return -1
}

func (a Address) String() string {
	if a.Space == nil {
		return "<invalid>"
	}
	if a.Space.kind == KindConstant {
		return fmt.Sprintf("#%#x", a.Offset)
	}
	return fmt.Sprintf("%s:%#x", a.Space.name, a.Offset)
}

// SeqNum pins an operation to a unique point: its code address, a creation
// uniquifier, and an order slot within the address.
type SeqNum struct {
	Addr  Address
	Time  uint32 // creation order, never reused within a function
	Order uint32 // position among ops sharing Addr
}

// Compare orders sequence numbers by address then order slot.
func (s SeqNum) Compare(o SeqNum) int {
	if c := s.Addr.Compare(o.Addr); c != 0 {
		return c
	}
	switch {
	case s.Order < o.Order:
		return -1
	case s.Order > o.Order:
		return 1
	}
	return 0
}

func (s SeqNum) String() string {
	return fmt.Sprintf("%s:%d", s.Addr, s.Order)
}
