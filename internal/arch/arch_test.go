package arch

import (
	"testing"

	"github.com/tinyrange/decomp/internal/space"
)

func TestBuiltinDescriptor(t *testing.T) {
	a, err := New(nil, nil, nil)
	if err != nil {
		t.Fatalf("builtin descriptor: %v", err)
	}
	if a.Name != "x86:64" {
		t.Fatalf("unexpected name %q", a.Name)
	}
	for _, name := range []string{"ram", "code", "register", "stack"} {
		if a.Spaces.ByName(name) == nil {
			t.Fatalf("space %q missing", name)
		}
	}
	if a.Spaces.Stack() == nil || !a.Spaces.Stack().HasSpacebase() {
		t.Fatalf("stack space not spacebase")
	}
	if len(a.Deps.Spacebase) != 2 {
		t.Fatalf("expected 2 spacebase registers, got %d", len(a.Deps.Spacebase))
	}
	reg := a.Spaces.ByName("register")
	if a.Laned.Lookup(space.Address{Space: reg, Offset: 0x1000}, 16) == nil {
		t.Fatalf("laned vector register not registered")
	}
	if a.Deps.Actions.Group("default") == nil || a.Deps.Actions.Group("jumptable") == nil {
		t.Fatalf("action groups not registered")
	}
}

func TestCustomDescriptor(t *testing.T) {
	desc := []byte(`
name: toy
spaces:
  - {name: mem, kind: data, addrsize: 4}
  - {name: text, kind: code, addrsize: 4}
  - {name: regs, kind: register, addrsize: 2}
`)
	a, err := New(desc, nil, nil)
	if err != nil {
		t.Fatalf("custom descriptor: %v", err)
	}
	if a.Spaces.DefaultCode().Name() != "text" {
		t.Fatalf("code space not honored")
	}
	if a.Spaces.DefaultData().Name() != "mem" {
		t.Fatalf("data space not honored")
	}
}

func TestDescriptorErrors(t *testing.T) {
	if _, err := New([]byte("spaces: [{name: a, kind: nosuch, addrsize: 4}]"), nil, nil); err == nil {
		t.Fatalf("bad kind must fail")
	}
	if _, err := New([]byte("spaces: [{name: mem, kind: data, addrsize: 4}]"), nil, nil); err == nil {
		t.Fatalf("missing code space must fail")
	}
	if _, err := New([]byte("spaces: [unclosed"), nil, nil); err == nil {
		t.Fatalf("unparseable yaml must fail")
	}
}
