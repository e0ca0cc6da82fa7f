package pcode

import (
	"fmt"

	"github.com/tinyrange/decomp/internal/space"
)

// Basic-block flags.
const (
	BlkEntry = 1 << iota
	BlkUnreachable
	BlkSwitchOut
	BlkDuplicate
	BlkJoined
	BlkDefaultSwitch
	BlkMark
)

// Edge labels.
const (
	EdgeGoto = 1 << iota
	EdgeLoop
	EdgeFallthru
	EdgeIrreducible
)

type edge struct {
	blk   *BlockBasic
	label uint32
}

// BlockBasic is a contiguous run of operations with one successor list and
// one predecessor list.
type BlockBasic struct {
	index int
	flags uint32

	inEdges  []edge
	outEdges []edge

	opHead, opTail *PcodeOp
	opCount        int

	// cover is the set of machine addresses the block's ops descend from.
	cover space.RangeList

	immedDom *BlockBasic

	orderDirty bool
}

// Position returns the op's ordinal within the block, renumbering lazily.
func (bl *BlockBasic) Position(op *PcodeOp) int {
	if bl.orderDirty {
		n := int32(0)
		for o := bl.opHead; o != nil; o = o.blockNext {
			o.opOrder = n
			n++
		}
		bl.orderDirty = false
	}
	return int(op.opOrder)
}

func (bl *BlockBasic) Index() int             { return bl.index }
func (bl *BlockBasic) Flags() uint32          { return bl.flags }
func (bl *BlockBasic) HasFlag(f uint32) bool  { return bl.flags&f != 0 }
func (bl *BlockBasic) SetFlag(f uint32)       { bl.flags |= f }
func (bl *BlockBasic) ClearFlag(f uint32)     { bl.flags &^= f }
func (bl *BlockBasic) ImmedDom() *BlockBasic  { return bl.immedDom }
func (bl *BlockBasic) Cover() *space.RangeList { return &bl.cover }

// SizeIn and SizeOut report edge counts.
func (bl *BlockBasic) SizeIn() int  { return len(bl.inEdges) }
func (bl *BlockBasic) SizeOut() int { return len(bl.outEdges) }

// In and Out return the i-th predecessor and successor.
func (bl *BlockBasic) In(i int) *BlockBasic  { return bl.inEdges[i].blk }
func (bl *BlockBasic) Out(i int) *BlockBasic { return bl.outEdges[i].blk }

// InLabel and OutLabel return edge labels.
func (bl *BlockBasic) InLabel(i int) uint32  { return bl.inEdges[i].label }
func (bl *BlockBasic) OutLabel(i int) uint32 { return bl.outEdges[i].label }

// SetOutLabel sets label bits on out-edge i and the matching in-edge.
func (bl *BlockBasic) SetOutLabel(i int, label uint32) {
	to := bl.outEdges[i].blk
	bl.outEdges[i].label |= label
	j := to.inIndex(bl)
	if j >= 0 {
		to.inEdges[j].label |= label
	}
}

// InIndex returns the slot of pred in the in-edge list, -1 if absent.
func (bl *BlockBasic) InIndex(pred *BlockBasic) int { return bl.inIndex(pred) }

func (bl *BlockBasic) inIndex(pred *BlockBasic) int {
	for i, e := range bl.inEdges {
		if e.blk == pred {
			return i
		}
	}
	return -1
}

// OutIndex returns the slot of succ in the out-edge list, -1 if absent.
func (bl *BlockBasic) OutIndex(succ *BlockBasic) int {
	for i, e := range bl.outEdges {
		if e.blk == succ {
			return i
		}
	}
	return -1
}

// FirstOp and LastOp bound the op list.
func (bl *BlockBasic) FirstOp() *PcodeOp { return bl.opHead }
func (bl *BlockBasic) LastOp() *PcodeOp  { return bl.opTail }
func (bl *BlockBasic) NumOps() int       { return bl.opCount }

// AscendOps visits the block's ops in order.
func (bl *BlockBasic) AscendOps(fn func(*PcodeOp) bool) {
	for op := bl.opHead; op != nil; {
		next := op.blockNext
		if !fn(op) {
			return
		}
		op = next
	}
}

// FirstNonPhi returns the first op that is not a MULTIEQUAL, nil if all are.
func (bl *BlockBasic) FirstNonPhi() *PcodeOp {
	for op := bl.opHead; op != nil; op = op.blockNext {
		if op.code != OpMultiequal {
			return op
		}
	}
	return nil
}

// insertOpAfter links op after prev (nil prev means at the head).
func (bl *BlockBasic) insertOpAfter(op *PcodeOp, prev *PcodeOp) {
	op.parent = bl
	if prev == nil {
		op.blockPrev = nil
		op.blockNext = bl.opHead
		if bl.opHead != nil {
			bl.opHead.blockPrev = op
		} else {
			bl.opTail = op
		}
		bl.opHead = op
	} else {
		op.blockPrev = prev
		op.blockNext = prev.blockNext
		if prev.blockNext != nil {
			prev.blockNext.blockPrev = op
		} else {
			bl.opTail = op
		}
		prev.blockNext = op
	}
	bl.opCount++
	bl.orderDirty = true
}

// removeOp unlinks op from the block's list.
func (bl *BlockBasic) removeOp(op *PcodeOp) {
	if op.blockPrev != nil {
		op.blockPrev.blockNext = op.blockNext
	} else {
		bl.opHead = op.blockNext
	}
	if op.blockNext != nil {
		op.blockNext.blockPrev = op.blockPrev
	} else {
		bl.opTail = op.blockPrev
	}
	op.blockPrev, op.blockNext = nil, nil
	op.parent = nil
	bl.opCount--
	bl.orderDirty = true
}

func (bl *BlockBasic) String() string {
	return fmt.Sprintf("block%d", bl.index)
}

// BlockGraph owns the raw control-flow graph of a function. The structured
// tree is derived from it by the flow package and invalidated on any edit.
type BlockGraph struct {
	blocks []*BlockBasic
	entry  *BlockBasic

	domValid    bool
	structDirty bool
}

// NewBlockGraph creates an empty graph.
func NewBlockGraph() *BlockGraph { return &BlockGraph{structDirty: true} }

// NumBlocks returns the block count.
func (g *BlockGraph) NumBlocks() int { return len(g.blocks) }

// Block returns the block with the given index.
func (g *BlockGraph) Block(i int) *BlockBasic { return g.blocks[i] }

// Blocks returns the block list in index order.
func (g *BlockGraph) Blocks() []*BlockBasic { return g.blocks }

// Entry returns the entry block, nil when the graph is empty.
func (g *BlockGraph) Entry() *BlockBasic { return g.entry }

// SetEntry marks the entry block.
func (g *BlockGraph) SetEntry(bl *BlockBasic) {
	if g.entry != nil {
		g.entry.ClearFlag(BlkEntry)
	}
	g.entry = bl
	bl.SetFlag(BlkEntry)
	g.dirty()
}

// StructureDirty reports whether the structured tree must be rebuilt.
func (g *BlockGraph) StructureDirty() bool  { return g.structDirty }
func (g *BlockGraph) ClearStructureDirty()  { g.structDirty = false }

func (g *BlockGraph) dirty() {
	g.domValid = false
	g.structDirty = true
}

// NewBlockBasic appends a fresh empty block.
func (g *BlockGraph) NewBlockBasic() *BlockBasic {
	bl := &BlockBasic{index: len(g.blocks)}
	g.blocks = append(g.blocks, bl)
	g.dirty()
	return bl
}

// RemoveBlock detaches a block with no remaining edges from the graph and
// renumbers the rest.
func (g *BlockGraph) RemoveBlock(bl *BlockBasic) error {
	if len(bl.inEdges) != 0 || len(bl.outEdges) != 0 {
		return fmt.Errorf("pcode: removing block %s with live edges", bl)
	}
	for i := bl.index + 1; i < len(g.blocks); i++ {
		g.blocks[i].index--
	}
	g.blocks = append(g.blocks[:bl.index], g.blocks[bl.index+1:]...)
	if g.entry == bl {
		g.entry = nil
	}
	g.dirty()
	return nil
}

// AddEdge adds a directed edge from a to b.
func (g *BlockGraph) AddEdge(a, b *BlockBasic) {
	a.outEdges = append(a.outEdges, edge{blk: b})
	b.inEdges = append(b.inEdges, edge{blk: a})
	g.dirty()
}

// RemoveEdge deletes the edge from a to b. Edge order among the survivors
// is preserved: phi input slots track in-edge slots.
func (g *BlockGraph) RemoveEdge(a, b *BlockBasic) {
	if i := a.OutIndex(b); i >= 0 {
		a.outEdges = append(a.outEdges[:i], a.outEdges[i+1:]...)
	}
	if i := b.inIndex(a); i >= 0 {
		b.inEdges = append(b.inEdges[:i], b.inEdges[i+1:]...)
	}
	g.dirty()
}

// SwitchEdge redirects the edge a→b to a→c, preserving a's out slot.
func (g *BlockGraph) SwitchEdge(a, b, c *BlockBasic) {
	if i := a.OutIndex(b); i >= 0 {
		a.outEdges[i].blk = c
	}
	if i := b.inIndex(a); i >= 0 {
		b.inEdges = append(b.inEdges[:i], b.inEdges[i+1:]...)
	}
	c.inEdges = append(c.inEdges, edge{blk: a})
	g.dirty()
}

// MoveOutEdge moves the in-slot of the edge a→b onto clone, used when a's
// edge is being retargeted during node splitting: the edge a→b in slot
// inslot of b moves to become a→clone.
func (g *BlockGraph) MoveOutEdge(b *BlockBasic, inslot int, clone *BlockBasic) {
	a := b.inEdges[inslot].blk
	label := b.inEdges[inslot].label
	if i := a.OutIndex(b); i >= 0 {
		a.outEdges[i].blk = clone
	}
	b.inEdges = append(b.inEdges[:inslot], b.inEdges[inslot+1:]...)
	clone.inEdges = append(clone.inEdges, edge{blk: a, label: label})
	g.dirty()
}

// CollectReachable marks every block reachable from the entry and returns
// the unreachable remainder.
func (g *BlockGraph) CollectReachable() []*BlockBasic {
	seen := make(map[*BlockBasic]bool, len(g.blocks))
	var stack []*BlockBasic
	if g.entry != nil {
		stack = append(stack, g.entry)
		seen[g.entry] = true
	}
	for len(stack) > 0 {
		bl := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range bl.outEdges {
			if !seen[e.blk] {
				seen[e.blk] = true
				stack = append(stack, e.blk)
			}
		}
	}
	var unreachable []*BlockBasic
	for _, bl := range g.blocks {
		if !seen[bl] {
			bl.SetFlag(BlkUnreachable)
			unreachable = append(unreachable, bl)
		}
	}
	return unreachable
}

// reversePostorder numbers reachable blocks in reverse postorder.
func (g *BlockGraph) reversePostorder() []*BlockBasic {
	var order []*BlockBasic
	seen := make(map[*BlockBasic]bool, len(g.blocks))
	var visit func(bl *BlockBasic)
	visit = func(bl *BlockBasic) {
		seen[bl] = true
		for _, e := range bl.outEdges {
			if !seen[e.blk] {
				visit(e.blk)
			}
		}
		order = append(order, bl)
	}
	if g.entry != nil {
		visit(g.entry)
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// CalcDominators computes immediate dominators for all reachable blocks
// using iterative dataflow over reverse postorder.
func (g *BlockGraph) CalcDominators() {
	if g.domValid {
		return
	}
	order := g.reversePostorder()
	rpo := make(map[*BlockBasic]int, len(order))
	for i, bl := range order {
		rpo[bl] = i
		bl.immedDom = nil
	}
	if len(order) == 0 {
		g.domValid = true
		return
	}
	entry := order[0]
	entry.immedDom = entry

	intersect := func(a, b *BlockBasic) *BlockBasic {
		for a != b {
			for rpo[a] > rpo[b] {
				a = a.immedDom
			}
			for rpo[b] > rpo[a] {
				b = b.immedDom
			}
		}
		return a
	}

	for changed := true; changed; {
		changed = false
		for _, bl := range order[1:] {
			var idom *BlockBasic
			for _, e := range bl.inEdges {
				p := e.blk
				if p.immedDom == nil {
					continue
				}
				if idom == nil {
					idom = p
				} else {
					idom = intersect(idom, p)
				}
			}
			if idom != nil && bl.immedDom != idom {
				bl.immedDom = idom
				changed = true
			}
		}
	}
	entry.immedDom = nil // entry dominates itself implicitly
	g.domValid = true
}

// Dominates reports whether a dominates b. Requires CalcDominators.
func (g *BlockGraph) Dominates(a, b *BlockBasic) bool {
	for ; b != nil; b = b.immedDom {
		if a == b {
			return true
		}
	}
	return false
}

// MarkLoopEdges labels back edges (targets dominating sources).
func (g *BlockGraph) MarkLoopEdges() {
	g.CalcDominators()
	for _, bl := range g.blocks {
		for i, e := range bl.outEdges {
			if g.Dominates(e.blk, bl) {
				bl.SetOutLabel(i, EdgeLoop)
			}
		}
	}
}
