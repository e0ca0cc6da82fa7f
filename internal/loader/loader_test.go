package loader

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinyrange/decomp/internal/diag"
	"github.com/tinyrange/decomp/internal/space"
)

func testSpaces(t *testing.T) *space.Manager {
	t.Helper()
	m, err := space.NewManager([]space.Config{
		{Name: "ram", Kind: "data", AddrSize: 8},
		{Name: "code", Kind: "code", AddrSize: 8},
	})
	if err != nil {
		t.Fatalf("space manager: %v", err)
	}
	return m
}

func TestLoadFill(t *testing.T) {
	m := testSpaces(t)
	ram := m.ByName("ram")
	img := &MemoryImage{}
	img.AddSection(space.Address{Space: ram, Offset: 0x1000}, []byte{1, 2, 3, 4, 5, 6, 7, 8}, true)

	buf := make([]byte, 4)
	if err := img.LoadFill(buf, space.Address{Space: ram, Offset: 0x1002}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(buf, []byte{3, 4, 5, 6}) {
		t.Fatalf("wrong bytes: %v", buf)
	}

	err := img.LoadFill(buf, space.Address{Space: ram, Offset: 0x2000})
	if !errors.Is(err, diag.ErrUnavailable) {
		t.Fatalf("miss should be ErrUnavailable, got %v", err)
	}
	err = img.LoadFill(buf, space.Address{Space: ram, Offset: 0x1006})
	if !errors.Is(err, diag.ErrUnavailable) {
		t.Fatalf("partial read past section end must fail, got %v", err)
	}
}

func TestIsReadOnly(t *testing.T) {
	m := testSpaces(t)
	ram := m.ByName("ram")
	img := &MemoryImage{}
	img.AddSection(space.Address{Space: ram, Offset: 0x1000}, make([]byte, 16), true)
	img.AddSection(space.Address{Space: ram, Offset: 0x2000}, make([]byte, 16), false)

	if !img.IsReadOnly(space.Address{Space: ram, Offset: 0x1004}, 4) {
		t.Fatalf("read-only section misreported")
	}
	if img.IsReadOnly(space.Address{Space: ram, Offset: 0x2004}, 4) {
		t.Fatalf("writable section misreported")
	}
	if img.IsReadOnly(space.Address{Space: ram, Offset: 0x3000}, 4) {
		t.Fatalf("unmapped range cannot be read-only")
	}
}
