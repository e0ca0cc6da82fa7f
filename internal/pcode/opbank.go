package pcode

import (
	"fmt"

	"github.com/google/btree"
	"github.com/tinyrange/decomp/internal/space"
)

// opList is an intrusive doubly-linked list over the bank links of ops.
type opList struct {
	head, tail *PcodeOp
	count      int
}

func (l *opList) pushBack(op *PcodeOp) {
	op.bankPrev = l.tail
	op.bankNext = nil
	if l.tail != nil {
		l.tail.bankNext = op
	} else {
		l.head = op
	}
	l.tail = op
	l.count++
}

func (l *opList) remove(op *PcodeOp) {
	if op.bankPrev != nil {
		op.bankPrev.bankNext = op.bankNext
	} else {
		l.head = op.bankNext
	}
	if op.bankNext != nil {
		op.bankNext.bankPrev = op.bankPrev
	} else {
		l.tail = op.bankPrev
	}
	op.bankPrev, op.bankNext = nil, nil
	l.count--
}

// PcodeOpBank owns every operation of one function. Ops are created dead
// (outside any block); linking into a block moves them to the alive list.
type PcodeOpBank struct {
	alive opList
	dead  opList

	// seqTree orders all ops (alive and dead) by sequence number for
	// address-keyed range iteration.
	seqTree *btree.BTreeG[*PcodeOp]

	// buckets holds the alive ops of selected op-codes for quick per-code
	// scans by the rewrite rules and the jump-table recoverer.
	buckets map[OpCode]map[*PcodeOp]struct{}

	uniqTime uint32
}

var bucketedCodes = []OpCode{
	OpBranch, OpCBranch, OpBranchInd, OpCall, OpCallInd, OpCallOther,
	OpReturn, OpMultiequal, OpIndirect, OpLoad, OpStore,
}

// NewPcodeOpBank creates an empty bank.
func NewPcodeOpBank() *PcodeOpBank {
	b := &PcodeOpBank{
		buckets: make(map[OpCode]map[*PcodeOp]struct{}),
	}
	b.seqTree = btree.NewG(16, func(x, y *PcodeOp) bool {
		if c := x.seq.Compare(y.seq); c != 0 {
			return c < 0
		}
		return x.seq.Time < y.seq.Time
	})
	for _, c := range bucketedCodes {
		b.buckets[c] = make(map[*PcodeOp]struct{})
	}
	return b
}

// Create makes a new dead op with the given input arity at the address.
// Order slots within the address follow creation order.
func (bank *PcodeOpBank) Create(numInputs int, addr space.Address) *PcodeOp {
	bank.uniqTime++
	op := &PcodeOp{
		code:   OpInvalid,
		seq:    space.SeqNum{Addr: addr, Time: bank.uniqTime, Order: bank.nextOrder(addr)},
		inputs: make([]*Varnode, numInputs),
		flags:  PfDead,
	}
	bank.dead.pushBack(op)
	bank.seqTree.ReplaceOrInsert(op)
	return op
}

func (bank *PcodeOpBank) nextOrder(addr space.Address) uint32 {
	var last *PcodeOp
	pivot := &PcodeOp{seq: space.SeqNum{Addr: addr, Order: ^uint32(0), Time: ^uint32(0)}}
	bank.seqTree.DescendLessOrEqual(pivot, func(o *PcodeOp) bool {
		if o.seq.Addr.Equal(addr) {
			last = o
		}
		return false
	})
	if last == nil {
		return 0
	}
	return last.seq.Order + 1
}

// SetOpcode changes the op-code, maintaining the per-code buckets.
func (bank *PcodeOpBank) SetOpcode(op *PcodeOp, code OpCode) {
	if !op.IsDead() {
		bank.unbucket(op)
	}
	op.code = code
	if !op.IsDead() {
		bank.bucket(op)
	}
}

func (bank *PcodeOpBank) bucket(op *PcodeOp) {
	if m, ok := bank.buckets[op.code]; ok {
		m[op] = struct{}{}
	}
}

func (bank *PcodeOpBank) unbucket(op *PcodeOp) {
	if m, ok := bank.buckets[op.code]; ok {
		delete(m, op)
	}
}

// MarkAlive moves a dead op to the alive list. The caller links it into a
// block separately.
func (bank *PcodeOpBank) MarkAlive(op *PcodeOp) {
	if !op.IsDead() {
		return
	}
	bank.dead.remove(op)
	bank.alive.pushBack(op)
	op.flags &^= PfDead
	bank.bucket(op)
}

// MarkDead moves an alive op to the dead list.
func (bank *PcodeOpBank) MarkDead(op *PcodeOp) {
	if op.IsDead() {
		return
	}
	bank.unbucket(op)
	bank.alive.remove(op)
	bank.dead.pushBack(op)
	op.flags |= PfDead
}

// Destroy frees a dead op. Destroying an alive op is a caller bug.
func (bank *PcodeOpBank) Destroy(op *PcodeOp) error {
	if !op.IsDead() {
		return fmt.Errorf("pcode: destroying alive op %s", op)
	}
	bank.dead.remove(op)
	bank.seqTree.Delete(op)
	return nil
}

// NumAlive and NumDead report list sizes.
func (bank *PcodeOpBank) NumAlive() int { return bank.alive.count }
func (bank *PcodeOpBank) NumDead() int  { return bank.dead.count }

// AliveHead returns the first alive op; iterate with NextAlive.
func (bank *PcodeOpBank) AliveHead() *PcodeOp { return bank.alive.head }

// DeadHead returns the first dead op; iterate with NextAlive.
func (bank *PcodeOpBank) DeadHead() *PcodeOp { return bank.dead.head }

// NextAlive steps along whichever bank list op is on.
func (bank *PcodeOpBank) NextAlive(op *PcodeOp) *PcodeOp { return op.bankNext }

// AscendAlive visits every alive op in list order.
func (bank *PcodeOpBank) AscendAlive(fn func(*PcodeOp) bool) {
	for op := bank.alive.head; op != nil; {
		next := op.bankNext
		if !fn(op) {
			return
		}
		op = next
	}
}

// AscendDead visits every dead op in list order.
func (bank *PcodeOpBank) AscendDead(fn func(*PcodeOp) bool) {
	for op := bank.dead.head; op != nil; {
		next := op.bankNext
		if !fn(op) {
			return
		}
		op = next
	}
}

// OpsOf returns the alive ops with the given (bucketed) op-code.
func (bank *PcodeOpBank) OpsOf(code OpCode) []*PcodeOp {
	m := bank.buckets[code]
	out := make([]*PcodeOp, 0, len(m))
	for op := range m {
		out = append(out, op)
	}
	return out
}

// AscendRange visits ops with addresses in [first, last] in sequence order,
// dead or alive.
func (bank *PcodeOpBank) AscendRange(first, last space.Address, fn func(*PcodeOp) bool) {
	pivot := &PcodeOp{seq: space.SeqNum{Addr: first}}
	bank.seqTree.AscendGreaterOrEqual(pivot, func(o *PcodeOp) bool {
		if o.seq.Addr.Compare(last) > 0 {
			return false
		}
		return fn(o)
	})
}

// FindSeq returns the op with exactly the given sequence number, matching
// address and order.
func (bank *PcodeOpBank) FindSeq(sn space.SeqNum) *PcodeOp {
	var found *PcodeOp
	pivot := &PcodeOp{seq: space.SeqNum{Addr: sn.Addr, Order: sn.Order}}
	bank.seqTree.AscendGreaterOrEqual(pivot, func(o *PcodeOp) bool {
		if o.seq.Addr.Equal(sn.Addr) && o.seq.Order == sn.Order {
			found = o
		}
		return false
	})
	return found
}
