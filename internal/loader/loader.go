// Package loader is the image-provider contract: the engine pulls raw bytes
// from it when folding reads of read-only storage and when walking jump
// tables.
package loader

import (
	"fmt"
	"sort"

	"github.com/tinyrange/decomp/internal/diag"
	"github.com/tinyrange/decomp/internal/space"
)

// Image supplies the bytes behind an address space.
type Image interface {
	// LoadFill fills buf with the bytes at addr. It returns
	// diag.ErrUnavailable (possibly wrapped) when the range is not backed.
	LoadFill(buf []byte, addr space.Address) error
	// IsReadOnly reports whether every byte of [addr, addr+size) is from a
	// read-only section.
	IsReadOnly(addr space.Address, size int) bool
}

type section struct {
	addr     space.Address
	data     []byte
	readOnly bool
}

// MemoryImage is an in-memory Image built from explicit sections.
type MemoryImage struct {
	sections []section
}

// AddSection registers bytes at an address. Sections must not overlap.
func (m *MemoryImage) AddSection(addr space.Address, data []byte, readOnly bool) {
	m.sections = append(m.sections, section{addr: addr, data: data, readOnly: readOnly})
	sort.Slice(m.sections, func(i, j int) bool {
		return m.sections[i].addr.Compare(m.sections[j].addr) < 0
	})
}

func (m *MemoryImage) find(addr space.Address) *section {
	for i := range m.sections {
		s := &m.sections[i]
		if s.addr.Space != addr.Space {
			continue
		}
		if addr.Offset >= s.addr.Offset && addr.Offset < s.addr.Offset+uint64(len(s.data)) {
			return s
		}
	}
	return nil
}

// LoadFill implements Image.
func (m *MemoryImage) LoadFill(buf []byte, addr space.Address) error {
	s := m.find(addr)
	if s == nil {
		return fmt.Errorf("loader: %s: %w", addr, diag.ErrUnavailable)
	}
	off := addr.Offset - s.addr.Offset
	if off+uint64(len(buf)) > uint64(len(s.data)) {
		return fmt.Errorf("loader: %s+%d: %w", addr, len(buf), diag.ErrUnavailable)
	}
	copy(buf, s.data[off:])
	return nil
}

// IsReadOnly implements Image.
func (m *MemoryImage) IsReadOnly(addr space.Address, size int) bool {
	s := m.find(addr)
	if s == nil {
		return false
	}
	off := addr.Offset - s.addr.Offset
	return s.readOnly && off+uint64(size) <= uint64(len(s.data))
}

var _ Image = (*MemoryImage)(nil)
