package funcdata

import (
	"sort"

	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
)

// spaceInfo tracks heritage progress for one address space.
type spaceInfo struct {
	space *space.AddrSpace
	// delay is the pass on which the space becomes eligible.
	delay int
	// deadcodeDelay is the pass on which dead code in the space may go.
	deadcodeDelay int
	// deadRemoved is set once dead code has been swept in the space.
	deadRemoved bool
	// processed is the storage already renamed into SSA form.
	processed space.RangeList
}

// LoadGuard pairs a LOAD or STORE with the value range its pointer may
// take. Until the range is resolved, heritage treats the access as
// touching everything it might alias.
type LoadGuard struct {
	Op       *pcode.PcodeOp
	Spc      *space.AddrSpace
	Min, Max uint64
	Step     int
	// Resolved is set once analysis bounds the pointer.
	Resolved bool
	// defer count before the guard stops blocking heritage.
	deferrals int
}

// maxGuardDeferrals bounds how long an unresolved guard may postpone the
// heritage of storage it intersects.
const maxGuardDeferrals = 2

// Heritage builds single-assignment form over the function, one address
// space at a time.
type Heritage struct {
	fd   *Funcdata
	pass int

	info []*spaceInfo

	loadGuards  []*LoadGuard
	storeGuards []*LoadGuard

	// notHeritaged records storage whose renaming is deferred; the rewrite
	// loop must not constant-fold reads of it.
	notHeritaged space.RangeList
}

func newHeritage(fd *Funcdata) *Heritage {
	h := &Heritage{fd: fd}
	for _, sp := range fd.deps.Spaces.HeritageOrder() {
		h.info = append(h.info, &spaceInfo{
			space:         sp,
			delay:         sp.Delay(),
			deadcodeDelay: sp.DeadcodeDelay(),
		})
	}
	return h
}

// Pass returns the number of completed heritage passes.
func (h *Heritage) Pass() int { return h.pass }

// LoadGuards returns the recorded load guards.
func (h *Heritage) LoadGuards() []*LoadGuard { return h.loadGuards }

// DeadCodeRemovable reports whether dead cells in the space may be
// reclaimed yet.
func (h *Heritage) DeadCodeRemovable(sp *space.AddrSpace) bool {
	for _, si := range h.info {
		if si.space == sp {
			return h.pass > si.deadcodeDelay
		}
	}
	return true
}

// MarkDeadRemoved records that a dead-code sweep covered the space.
func (h *Heritage) MarkDeadRemoved(sp *space.AddrSpace) {
	for _, si := range h.info {
		if si.space == sp {
			si.deadRemoved = true
		}
	}
}

// Heritaged reports whether the storage has been renamed into SSA form.
func (h *Heritage) Heritaged(addr space.Address, size int) bool {
	for _, si := range h.info {
		if si.space == addr.Space {
			return si.processed.InRange(addr, size)
		}
	}
	return false
}

// NotHeritaged reports whether renaming of the storage is deferred behind
// an unresolved guard.
func (h *Heritage) NotHeritaged(addr space.Address, size int) bool {
	return h.notHeritaged.InRange(addr, size)
}

// Heritage runs one pass: every space whose delay has elapsed gets new
// storage ranges discovered, phi ops placed, and cells renamed.
func (h *Heritage) Heritage() error {
	h.fd.graph.CalcDominators()
	for _, si := range h.info {
		if h.pass < si.delay {
			continue
		}
		if err := h.heritageSpace(si); err != nil {
			return err
		}
	}
	h.pass++
	return nil
}

// rangeWork is one disjoint storage range being renamed this pass.
type rangeWork struct {
	addr space.Address
	size int
}

func (h *Heritage) heritageSpace(si *spaceInfo) error {
	h.recordGuards(si)

	// Discover unprocessed storage ranges touched by any cell.
	var disjoint space.RangeList
	h.fd.vbank.AscendSpace(si.space, func(vn *pcode.Varnode) bool {
		if vn.IsAnnotation() {
			return true
		}
		if si.processed.InRange(vn.Addr, vn.Size) {
			return true
		}
		disjoint.InsertRange(si.space, vn.Addr.Offset, vn.Addr.Offset+uint64(vn.Size)-1)
		return true
	})

	var work []rangeWork
	for _, r := range disjoint.Ranges() {
		w := rangeWork{addr: r.FirstAddr(), size: int(r.Last-r.First) + 1}
		if h.guardBlocks(si, w) {
			continue
		}
		work = append(work, w)
	}
	for _, w := range work {
		if err := h.heritageRange(si, w); err != nil {
			return err
		}
		si.processed.InsertRange(si.space, w.addr.Offset, w.addr.Offset+uint64(w.size)-1)
		h.notHeritaged.RemoveRange(si.space, w.addr.Offset, w.addr.Offset+uint64(w.size)-1)
	}
	return nil
}

// recordGuards registers a guard for every LOAD/STORE through a pointer
// into this space's spacebase that is not yet constant.
func (h *Heritage) recordGuards(si *spaceInfo) {
	if !si.space.HasSpacebase() {
		return
	}
	add := func(op *pcode.PcodeOp, list *[]*LoadGuard) {
		for _, g := range *list {
			if g.Op == op {
				return
			}
		}
		g := &LoadGuard{Op: op, Spc: si.space, Min: 0, Max: si.space.Highest()}
		ptr := op.Input(1)
		if ptr.IsConstant() {
			g.Min = ptr.ConstantValue()
			g.Max = g.Min
			g.Resolved = true
		}
		*list = append(*list, g)
	}
	for _, op := range h.fd.obank.OpsOf(pcode.OpLoad) {
		if op.HasFlag(pcode.PfSpacebasePtr) {
			add(op, &h.loadGuards)
		}
	}
	for _, op := range h.fd.obank.OpsOf(pcode.OpStore) {
		if op.HasFlag(pcode.PfSpacebasePtr) {
			add(op, &h.storeGuards)
		}
	}
}

// guardBlocks reports whether an unresolved guard intersects the range and
// is still within its deferral budget. Once the budget is exhausted the
// range proceeds but is marked not-heritaged for the rewrite loop.
func (h *Heritage) guardBlocks(si *spaceInfo, w rangeWork) bool {
	blocked := false
	for _, g := range append(append([]*LoadGuard{}, h.loadGuards...), h.storeGuards...) {
		if g.Resolved || g.Spc != si.space {
			continue
		}
		if g.Max < w.addr.Offset || g.Min > w.addr.Offset+uint64(w.size)-1 {
			continue
		}
		if g.deferrals < maxGuardDeferrals {
			g.deferrals++
			blocked = true
		}
	}
	if blocked {
		h.notHeritaged.InsertRange(si.space, w.addr.Offset, w.addr.Offset+uint64(w.size)-1)
	}
	return blocked
}

// heritageRange renames one storage range into SSA form.
func (h *Heritage) heritageRange(si *spaceInfo, w rangeWork) error {
	if err := h.splitPartials(w); err != nil {
		return err
	}
	if h.globalSpace(si.space) {
		if err := h.guardCalls(w); err != nil {
			return err
		}
	}

	// Collect the blocks holding a definition of the range.
	defBlocks := make(map[*pcode.BlockBasic]bool)
	h.fd.vbank.AscendAddr(w.addr, func(vn *pcode.Varnode) bool {
		if vn.Size != w.size || !vn.IsWritten() {
			return true
		}
		if bl := vn.Def().Parent(); bl != nil {
			defBlocks[bl] = true
		}
		return true
	})

	phiBlocks := h.placePhis(defBlocks)
	for bl := range phiBlocks {
		phi := h.fd.NewOp(bl.SizeIn(), h.blockAddr(bl))
		if err := h.fd.OpSetOpcode(phi, pcode.OpMultiequal); err != nil {
			return err
		}
		out := h.fd.vbank.Create(w.size, w.addr)
		h.markTied(out)
		h.fd.OpSetOutput(phi, out)
		h.fd.assignHigh(out)
		h.fd.opInsert(phi, bl, nil)
	}

	return h.rename(w)
}

func (h *Heritage) globalSpace(sp *space.AddrSpace) bool {
	switch sp.Kind() {
	case space.KindData, space.KindStack:
		return true
	}
	return false
}

func (h *Heritage) markTied(vn *pcode.Varnode) {
	switch vn.Addr.Space.Kind() {
	case space.KindData, space.KindStack:
		vn.SetFlag(pcode.VfAddrTied)
		if vn.Addr.Space.Kind() == space.KindData {
			vn.SetFlag(pcode.VfPersist)
		}
	}
}

// blockAddr picks the address new bookkeeping ops in a block descend from.
func (h *Heritage) blockAddr(bl *pcode.BlockBasic) space.Address {
	if first := bl.FirstOp(); first != nil {
		return first.Addr()
	}
	return h.fd.entry
}

// splitPartials rewrites reads and writes of sub-ranges of w so that only
// full-width cells remain: sub-reads become SUBPIECEs of the whole, and
// sub-writes are stitched back into a full-width value with PIECEs.
func (h *Heritage) splitPartials(w rangeWork) error {
	type partial struct {
		vn *pcode.Varnode
	}
	var parts []partial
	h.fd.vbank.AscendOverlap(w.addr, w.size, func(vn *pcode.Varnode) bool {
		if vn.Size != w.size && !vn.IsAnnotation() {
			parts = append(parts, partial{vn})
		}
		return true
	})
	for _, p := range parts {
		vn := p.vn
		off := int(vn.Addr.Offset - w.addr.Offset)
		if vn.IsWritten() {
			if err := h.stitchWrite(w, vn, off); err != nil {
				return err
			}
		}
		// Readers of the partial get the value carved from the whole.
		for _, op := range append([]*pcode.PcodeOp(nil), vn.Descend()...) {
			if op.IsDead() {
				continue
			}
			if vn.IsWritten() && op == vn.Def() {
				continue
			}
			if err := h.carveRead(w, vn, off, op); err != nil {
				return err
			}
		}
	}
	return nil
}

// lsbOffset converts a byte offset within the range into the SUBPIECE
// least-significant-byte count.
func (h *Heritage) lsbOffset(w rangeWork, off, size int) int {
	if w.addr.Space.IsBigEndian() {
		return w.size - off - size
	}
	return off
}

func (h *Heritage) stitchWrite(w rangeWork, vn *pcode.Varnode, off int) error {
	def := vn.Def()
	bl := def.Parent()
	if bl == nil {
		return nil
	}
	lsb := h.lsbOffset(w, off, vn.Size)

	// Assemble most-significant to least-significant.
	var pieces []*pcode.Varnode
	cursor := def
	carve := func(pieceLsb, pieceSize int) (*pcode.Varnode, error) {
		sub := h.fd.NewOp(2, def.Addr())
		if err := h.fd.OpSetOpcode(sub, pcode.OpSubpiece); err != nil {
			return nil, err
		}
		prior := h.fd.NewVarnode(w.size, w.addr)
		h.markTied(prior)
		h.fd.OpSetInput(sub, prior, 0)
		h.fd.OpSetInput(sub, h.fd.NewConstant(4, uint64(pieceLsb)), 1)
		out := h.fd.NewUniqueOut(pieceSize, sub)
		h.fd.OpInsertBefore(sub, def)
		return out, nil
	}
	highSize := w.size - lsb - vn.Size
	if highSize > 0 {
		p, err := carve(lsb+vn.Size, highSize)
		if err != nil {
			return err
		}
		pieces = append(pieces, p)
	}
	pieces = append(pieces, vn)
	if lsb > 0 {
		p, err := carve(0, lsb)
		if err != nil {
			return err
		}
		pieces = append(pieces, p)
	}

	// Fold the pieces into the new whole just after the write.
	cur := pieces[0]
	for _, nxt := range pieces[1:] {
		pc := h.fd.NewOp(2, def.Addr())
		if err := h.fd.OpSetOpcode(pc, pcode.OpPiece); err != nil {
			return err
		}
		h.fd.OpSetInput(pc, cur, 0)
		h.fd.OpSetInput(pc, nxt, 1)
		out := h.fd.NewUniqueOut(cur.Size+nxt.Size, pc)
		h.fd.OpInsertAfter(pc, cursor)
		cursor = pc
		cur = out
	}
	// The final whole takes the range's storage, becoming a def.
	if cur.Size == w.size {
		final := h.fd.NewOp(1, def.Addr())
		if err := h.fd.OpSetOpcode(final, pcode.OpCopy); err != nil {
			return err
		}
		h.fd.OpSetInput(final, cur, 0)
		out := h.fd.vbank.Create(w.size, w.addr)
		h.markTied(out)
		h.fd.OpSetOutput(final, out)
		h.fd.assignHigh(out)
		h.fd.OpInsertAfter(final, cursor)
	}
	return nil
}

func (h *Heritage) carveRead(w rangeWork, vn *pcode.Varnode, off int, op *pcode.PcodeOp) error {
	lsb := h.lsbOffset(w, off, vn.Size)
	sub := h.fd.NewOp(2, op.Addr())
	if err := h.fd.OpSetOpcode(sub, pcode.OpSubpiece); err != nil {
		return err
	}
	whole := h.fd.NewVarnode(w.size, w.addr)
	h.markTied(whole)
	h.fd.OpSetInput(sub, whole, 0)
	h.fd.OpSetInput(sub, h.fd.NewConstant(4, uint64(lsb)), 1)
	out := h.fd.NewUniqueOut(vn.Size, sub)
	if op.Code() == pcode.OpMultiequal {
		// Feed the phi through the tail of the corresponding predecessor.
		slot := op.Slot(vn)
		pred := op.Parent().In(slot)
		h.fd.OpInsertEnd(sub, pred)
	} else {
		h.fd.OpInsertBefore(sub, op)
	}
	for slot := op.Slot(vn); slot >= 0; slot = op.Slot(vn) {
		h.fd.OpSetInput(op, out, slot)
	}
	return nil
}

// guardCalls models the side effects of calls and indirect stores on
// address-tied storage: each such op gets an INDIRECT def of the range.
func (h *Heritage) guardCalls(w rangeWork) error {
	var effects []*pcode.PcodeOp
	for _, c := range []pcode.OpCode{pcode.OpCall, pcode.OpCallInd, pcode.OpCallOther} {
		effects = append(effects, h.fd.obank.OpsOf(c)...)
	}
	for _, g := range h.storeGuards {
		if g.Spc == w.addr.Space && !(g.Max < w.addr.Offset || g.Min > w.addr.Offset+uint64(w.size)-1) {
			effects = append(effects, g.Op)
		}
	}
	for _, eff := range effects {
		if eff.IsDead() {
			continue
		}
		if h.hasIndirectFor(eff, w) {
			continue
		}
		ind := h.fd.NewOp(2, eff.Addr())
		if err := h.fd.OpSetOpcode(ind, pcode.OpIndirect); err != nil {
			return err
		}
		prior := h.fd.NewVarnode(w.size, w.addr)
		h.markTied(prior)
		h.fd.OpSetInput(ind, prior, 0)
		iop := space.Address{Space: h.fd.deps.Spaces.Iop(), Offset: uint64(eff.Seq().Time)}
		ref := h.fd.vbank.Create(8, iop)
		ref.SetFlag(pcode.VfAnnotation)
		ind.SetInputRaw(1, ref)
		out := h.fd.vbank.Create(w.size, w.addr)
		h.markTied(out)
		h.fd.OpSetOutput(ind, out)
		h.fd.assignHigh(out)
		h.fd.OpInsertBefore(ind, eff)
	}
	return nil
}

func (h *Heritage) hasIndirectFor(eff *pcode.PcodeOp, w rangeWork) bool {
	for prev := eff.PrevInBlock(); prev != nil && prev.Code() == pcode.OpIndirect && prev.Addr().Equal(eff.Addr()); prev = prev.PrevInBlock() {
		if out := prev.Output(); out != nil && out.Addr.Equal(w.addr) && out.Size == w.size {
			return true
		}
	}
	return false
}

// placePhis computes the iterated dominance frontier of the def blocks.
func (h *Heritage) placePhis(defBlocks map[*pcode.BlockBasic]bool) map[*pcode.BlockBasic]bool {
	if len(defBlocks) == 0 {
		return nil
	}
	g := h.fd.graph
	g.CalcDominators()

	df := make(map[*pcode.BlockBasic]map[*pcode.BlockBasic]bool)
	for _, bl := range g.Blocks() {
		if bl.SizeIn() < 2 {
			continue
		}
		for i := 0; i < bl.SizeIn(); i++ {
			runner := bl.In(i)
			for runner != nil && runner != bl.ImmedDom() {
				if df[runner] == nil {
					df[runner] = make(map[*pcode.BlockBasic]bool)
				}
				df[runner][bl] = true
				runner = runner.ImmedDom()
			}
		}
	}

	phi := make(map[*pcode.BlockBasic]bool)
	var worklist []*pcode.BlockBasic
	for bl := range defBlocks {
		worklist = append(worklist, bl)
	}
	sort.Slice(worklist, func(i, j int) bool { return worklist[i].Index() < worklist[j].Index() })
	onList := make(map[*pcode.BlockBasic]bool)
	for _, bl := range worklist {
		onList[bl] = true
	}
	for len(worklist) > 0 {
		bl := worklist[0]
		worklist = worklist[1:]
		for fr := range df[bl] {
			if !phi[fr] {
				phi[fr] = true
				if !onList[fr] {
					onList[fr] = true
					worklist = append(worklist, fr)
				}
			}
		}
	}
	return phi
}

// rename walks the dominator tree establishing single definitions for the
// range.
func (h *Heritage) rename(w rangeWork) error {
	g := h.fd.graph
	g.CalcDominators()

	children := make(map[*pcode.BlockBasic][]*pcode.BlockBasic)
	var roots []*pcode.BlockBasic
	for _, bl := range g.Blocks() {
		if id := bl.ImmedDom(); id != nil {
			children[id] = append(children[id], bl)
		} else {
			roots = append(roots, bl)
		}
	}

	matches := func(vn *pcode.Varnode) bool {
		return vn != nil && vn.Addr.Equal(w.addr) && vn.Size == w.size && !vn.IsAnnotation()
	}

	var stack []*pcode.Varnode
	reachingDef := func() (*pcode.Varnode, error) {
		if len(stack) > 0 {
			return stack[len(stack)-1], nil
		}
		// No definition on this path: the range is a function input.
		if in := h.fd.vbank.FindInput(w.size, w.addr); in != nil {
			return in, nil
		}
		vn := h.fd.NewVarnode(w.size, w.addr)
		h.markTied(vn)
		in, err := h.fd.vbank.SetInput(vn)
		if err != nil {
			return nil, err
		}
		h.fd.assignHigh(in)
		return in, nil
	}

	var visit func(bl *pcode.BlockBasic) error
	visit = func(bl *pcode.BlockBasic) error {
		depth := len(stack)
		for op := bl.FirstOp(); op != nil; op = op.NextInBlock() {
			if op.Code() != pcode.OpMultiequal {
				for slot := 0; slot < op.NumInput(); slot++ {
					in := op.Input(slot)
					if !matches(in) || in.IsWritten() || in.IsInput() {
						continue
					}
					rd, err := reachingDef()
					if err != nil {
						return err
					}
					if rd != in {
						h.fd.OpSetInput(op, rd, slot)
					}
				}
			}
			if out := op.Output(); matches(out) {
				stack = append(stack, out)
			}
		}
		for i := 0; i < bl.SizeOut(); i++ {
			succ := bl.Out(i)
			slot := succ.InIndex(bl)
			for _, phi := range phiOps(succ) {
				if !matches(phi.Output()) {
					continue
				}
				cur := phi.Input(slot)
				if matches(cur) && (cur.IsWritten() || cur.IsInput()) {
					continue // already renamed
				}
				rd, err := reachingDef()
				if err != nil {
					return err
				}
				h.fd.OpSetInput(phi, rd, slot)
			}
		}
		for _, ch := range children[bl] {
			if err := visit(ch); err != nil {
				return err
			}
		}
		stack = stack[:depth]
		return nil
	}

	for _, bl := range roots {
		if bl != g.Entry() && bl.ImmedDom() == nil && bl.SizeIn() > 0 {
			continue // unreachable; swept separately
		}
		if err := visit(bl); err != nil {
			return err
		}
	}
	return nil
}
