package flow

import (
	"testing"

	"github.com/tinyrange/decomp/internal/pcode"
)

func TestStructureIfElse(t *testing.T) {
	g := pcode.NewBlockGraph()
	cond := g.NewBlockBasic()
	then := g.NewBlockBasic()
	els := g.NewBlockBasic()
	follow := g.NewBlockBasic()
	g.SetEntry(cond)
	g.AddEdge(cond, then)
	g.AddEdge(cond, els)
	g.AddEdge(then, follow)
	g.AddEdge(els, follow)

	root := Structure(g)
	if g.StructureDirty() {
		t.Fatalf("structure dirty bit not cleared")
	}
	list := root
	if list.Kind != KindList {
		// A single if-else with follow may collapse directly.
		if list.Kind != KindIfElse {
			t.Fatalf("unexpected root kind %s", list.Kind)
		}
		return
	}
	if len(list.Components) < 1 || list.Components[0].Kind != KindIfElse {
		t.Fatalf("expected if-else at head of list, got %s", list.Components[0].Kind)
	}
}

func TestStructureWhile(t *testing.T) {
	g := pcode.NewBlockGraph()
	entry := g.NewBlockBasic()
	head := g.NewBlockBasic()
	body := g.NewBlockBasic()
	exit := g.NewBlockBasic()
	g.SetEntry(entry)
	g.AddEdge(entry, head)
	g.AddEdge(head, body)
	g.AddEdge(body, head)
	g.AddEdge(head, exit)

	root := Structure(g)
	var found bool
	var walk func(b *Block)
	walk = func(b *Block) {
		if b == nil {
			return
		}
		if b.Kind == KindWhileDo {
			found = true
		}
		for _, c := range b.Components {
			walk(c)
		}
	}
	walk(root)
	if !found {
		t.Fatalf("loop not structured as while-do")
	}
}

func TestStructureIrreducibleDegradesToGoto(t *testing.T) {
	g := pcode.NewBlockGraph()
	a := g.NewBlockBasic()
	b := g.NewBlockBasic()
	c := g.NewBlockBasic()
	g.SetEntry(a)
	// Two entries into the same region make it irreducible.
	g.AddEdge(a, b)
	g.AddEdge(a, c)
	g.AddEdge(b, c)
	g.AddEdge(c, b)

	root := Structure(g)
	var gotos int
	var walk func(b *Block)
	walk = func(b *Block) {
		if b == nil {
			return
		}
		if b.Kind == KindGoto {
			gotos++
		}
		for _, comp := range b.Components {
			walk(comp)
		}
	}
	walk(root)
	if gotos == 0 {
		t.Fatalf("irreducible flow must degrade through gotos")
	}
}
