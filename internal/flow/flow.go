// Package flow derives the structured control-flow tree from a function's
// raw basic-block graph. The tree is recomputed from scratch after any
// control-flow edit; collapse passes run to a fixed point and leftover
// edges degrade to gotos.
package flow

import (
	"github.com/tinyrange/decomp/internal/pcode"
)

// Kind tags a structured node.
type Kind int

const (
	KindBasic Kind = iota
	KindList
	KindIfThen
	KindIfElse
	KindWhileDo
	KindDoWhile
	KindInfLoop
	KindSwitch
	KindGoto
)

func (k Kind) String() string {
	switch k {
	case KindBasic:
		return "basic"
	case KindList:
		return "list"
	case KindIfThen:
		return "ifthen"
	case KindIfElse:
		return "ifelse"
	case KindWhileDo:
		return "whiledo"
	case KindDoWhile:
		return "dowhile"
	case KindInfLoop:
		return "infloop"
	case KindSwitch:
		return "switch"
	case KindGoto:
		return "goto"
	}
	return "?"
}

// Block is one node of the structured tree.
type Block struct {
	Kind Kind
	// Basic is set on leaves.
	Basic *pcode.BlockBasic
	// Components are the structured children, meaning depends on Kind:
	// List: statements in order; IfThen: [cond, then]; IfElse: [cond,
	// then, else]; WhileDo: [cond, body]; DoWhile: [body]; InfLoop:
	// [body]; Switch: [cond, case0, case1, ...]; Goto: [target leaf].
	Components []*Block

	// GotoTarget is the leaf a KindGoto jumps to.
	GotoTarget *pcode.BlockBasic
}

// node is the mutable collapse-graph vertex.
type node struct {
	block *Block
	in    []*node
	out   []*node
	// gotoOut marks out edges degraded to gotos (parallel to out).
	gotoOut []bool
}

func (n *node) removeIn(m *node) {
	for i, p := range n.in {
		if p == m {
			n.in = append(n.in[:i], n.in[i+1:]...)
			return
		}
	}
}

func (n *node) replaceIn(old, nw *node) {
	for i, p := range n.in {
		if p == old {
			n.in[i] = nw
			return
		}
	}
}

// Structure computes the structured tree of the graph. It never fails: flow
// that does not match a structured form collapses through goto edges.
func Structure(g *pcode.BlockGraph) *Block {
	defer g.ClearStructureDirty()
	if g.NumBlocks() == 0 {
		return &Block{Kind: KindList}
	}

	nodes := make(map[*pcode.BlockBasic]*node, g.NumBlocks())
	for _, bb := range g.Blocks() {
		nodes[bb] = &node{block: &Block{Kind: KindBasic, Basic: bb}}
	}
	for _, bb := range g.Blocks() {
		n := nodes[bb]
		for i := 0; i < bb.SizeOut(); i++ {
			m := nodes[bb.Out(i)]
			n.out = append(n.out, m)
			n.gotoOut = append(n.gotoOut, bb.OutLabel(i)&pcode.EdgeGoto != 0)
			m.in = append(m.in, n)
		}
	}
	entry := nodes[g.Entry()]
	if entry == nil {
		for _, bb := range g.Blocks() {
			entry = nodes[bb]
			break
		}
	}

	live := make(map[*node]bool, len(nodes))
	for _, n := range nodes {
		live[n] = true
	}

	for {
		changed := false
		for n := range live {
			if !live[n] {
				continue
			}
			if collapseOne(n, live, &entry) {
				changed = true
			}
		}
		if len(live) == 1 {
			break
		}
		if !changed {
			// Degrade one unstructured edge to a goto and retry.
			if !degradeOneEdge(live) {
				break
			}
		}
	}
	if len(live) == 1 {
		for n := range live {
			return n.block
		}
	}
	if live[entry] {
		return entry.block
	}
	for n := range live {
		return n.block
	}
	return &Block{Kind: KindList}
}

// collapseOne tries every structured form rooted at n.
func collapseOne(n *node, live map[*node]bool, entry **node) bool {
	switch {
	case collapseInfLoop(n, live):
		return true
	case collapseDoWhile(n, live):
		return true
	case collapseWhileDo(n, live):
		return true
	case collapseIfElse(n, live):
		return true
	case collapseIfThen(n, live):
		return true
	case collapseSwitch(n, live):
		return true
	case collapseSequence(n, live, entry):
		return true
	}
	return false
}

func absorb(winner, loser *node, live map[*node]bool) {
	delete(live, loser)
}

// collapseSequence merges n with its lone successor when that successor has
// no other predecessor and neither edge is a goto.
func collapseSequence(n *node, live map[*node]bool, entry **node) bool {
	if len(n.out) != 1 || n.gotoOut[0] {
		return false
	}
	m := n.out[0]
	if m == n || len(m.in) != 1 {
		return false
	}
	var comps []*Block
	if n.block.Kind == KindList {
		comps = append(comps, n.block.Components...)
	} else {
		comps = append(comps, n.block)
	}
	if m.block.Kind == KindList {
		comps = append(comps, m.block.Components...)
	} else {
		comps = append(comps, m.block)
	}
	n.block = &Block{Kind: KindList, Components: comps}
	n.out = m.out
	n.gotoOut = m.gotoOut
	for _, s := range m.out {
		s.replaceIn(m, n)
	}
	absorb(n, m, live)
	if *entry == m {
		*entry = n
	}
	return true
}

// collapseIfThen matches cond with two successors where one (the body) has
// a single in-edge and falls through to the other successor.
func collapseIfThen(n *node, live map[*node]bool) bool {
	if len(n.out) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		body, exit := n.out[i], n.out[1-i]
		if body == n || body == exit {
			continue
		}
		if len(body.in) != 1 || len(body.out) != 1 || body.out[0] != exit {
			continue
		}
		if n.gotoOut[i] || n.gotoOut[1-i] || body.gotoOut[0] {
			continue
		}
		n.block = &Block{Kind: KindIfThen, Components: []*Block{n.block, body.block}}
		exit.removeIn(body)
		n.out = []*node{exit}
		n.gotoOut = []bool{false}
		exit.removeIn(n)
		exit.in = append(exit.in, n)
		absorb(n, body, live)
		return true
	}
	return false
}

// collapseIfElse matches cond with two single-entry bodies joining at a
// common follow block.
func collapseIfElse(n *node, live map[*node]bool) bool {
	if len(n.out) != 2 || n.gotoOut[0] || n.gotoOut[1] {
		return false
	}
	t, e := n.out[0], n.out[1]
	if t == n || e == n || t == e {
		return false
	}
	if len(t.in) != 1 || len(e.in) != 1 || len(t.out) != 1 || len(e.out) != 1 {
		return false
	}
	if t.gotoOut[0] || e.gotoOut[0] {
		return false
	}
	follow := t.out[0]
	if follow != e.out[0] || follow == n {
		return false
	}
	n.block = &Block{Kind: KindIfElse, Components: []*Block{n.block, t.block, e.block}}
	follow.removeIn(t)
	follow.removeIn(e)
	n.out = []*node{follow}
	n.gotoOut = []bool{false}
	follow.in = append(follow.in, n)
	absorb(n, t, live)
	absorb(n, e, live)
	return true
}

// collapseWhileDo matches cond with an exit and a body looping straight
// back to cond.
func collapseWhileDo(n *node, live map[*node]bool) bool {
	if len(n.out) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		body, exit := n.out[i], n.out[1-i]
		if body == n || body == exit {
			continue
		}
		if len(body.in) != 1 || len(body.out) != 1 || body.out[0] != n {
			continue
		}
		n.block = &Block{Kind: KindWhileDo, Components: []*Block{n.block, body.block}}
		n.removeIn(body)
		n.out = []*node{exit}
		n.gotoOut = []bool{false}
		absorb(n, body, live)
		return true
	}
	return false
}

// collapseDoWhile matches a body whose conditional tail loops back on
// itself.
func collapseDoWhile(n *node, live map[*node]bool) bool {
	if len(n.out) != 2 {
		return false
	}
	var exit *node
	self := 0
	for i, m := range n.out {
		if m == n {
			self++
		} else {
			exit = n.out[i]
		}
	}
	if self != 1 || exit == nil {
		return false
	}
	n.block = &Block{Kind: KindDoWhile, Components: []*Block{n.block}}
	n.removeIn(n)
	n.out = []*node{exit}
	n.gotoOut = []bool{false}
	return true
}

// collapseInfLoop matches a node whose only successor is itself.
func collapseInfLoop(n *node, live map[*node]bool) bool {
	if len(n.out) != 1 || n.out[0] != n {
		return false
	}
	n.block = &Block{Kind: KindInfLoop, Components: []*Block{n.block}}
	n.removeIn(n)
	n.out = nil
	n.gotoOut = nil
	return true
}

// collapseSwitch matches a multi-way dispatch whose cases all rejoin at one
// follow block (or exit).
func collapseSwitch(n *node, live map[*node]bool) bool {
	if len(n.out) <= 2 {
		return false
	}
	var follow *node
	cases := make([]*node, 0, len(n.out))
	for i, c := range n.out {
		if n.gotoOut[i] {
			return false
		}
		if c == n {
			return false
		}
		if len(c.in) != 1 {
			// The case may be the shared follow block itself.
			if follow == nil || follow == c {
				follow = c
				cases = append(cases, nil)
				continue
			}
			return false
		}
		switch len(c.out) {
		case 0:
		case 1:
			if follow == nil {
				follow = c.out[0]
			} else if c.out[0] != follow {
				return false
			}
		default:
			return false
		}
		cases = append(cases, c)
	}
	comps := []*Block{n.block}
	for _, c := range cases {
		if c == nil {
			continue
		}
		comps = append(comps, c.block)
	}
	n.block = &Block{Kind: KindSwitch, Components: comps}
	for _, c := range cases {
		if c == nil {
			continue
		}
		if follow != nil {
			follow.removeIn(c)
		}
		absorb(n, c, live)
	}
	if follow != nil {
		follow.removeIn(n)
		n.out = []*node{follow}
		n.gotoOut = []bool{false}
		follow.in = append(follow.in, n)
	} else {
		n.out = nil
		n.gotoOut = nil
	}
	return true
}

// degradeOneEdge turns one structural obstruction into a goto so collapse
// can continue: prefer an edge into a node with several predecessors.
func degradeOneEdge(live map[*node]bool) bool {
	var src *node
	srcIdx := -1
	for n := range live {
		for i, m := range n.out {
			if n.gotoOut[i] {
				continue
			}
			if len(m.in) > 1 {
				if src == nil {
					src, srcIdx = n, i
				}
			}
		}
	}
	if src == nil {
		for n := range live {
			for i := range n.out {
				if !n.gotoOut[i] {
					src, srcIdx = n, i
					break
				}
			}
			if src != nil {
				break
			}
		}
	}
	if src == nil {
		return false
	}
	dst := src.out[srcIdx]
	var leaf *pcode.BlockBasic
	if dst.block.Kind == KindBasic {
		leaf = dst.block.Basic
	} else {
		leaf = firstLeaf(dst.block)
	}
	src.block = &Block{
		Kind: KindList,
		Components: []*Block{
			src.block,
			{Kind: KindGoto, GotoTarget: leaf},
		},
	}
	src.out = append(src.out[:srcIdx], src.out[srcIdx+1:]...)
	src.gotoOut = append(src.gotoOut[:srcIdx], src.gotoOut[srcIdx+1:]...)
	dst.removeIn(src)
	return true
}

func firstLeaf(b *Block) *pcode.BlockBasic {
	if b.Kind == KindBasic {
		return b.Basic
	}
	for _, c := range b.Components {
		if leaf := firstLeaf(c); leaf != nil {
			return leaf
		}
	}
	return nil
}
