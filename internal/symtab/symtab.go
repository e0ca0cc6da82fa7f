// Package symtab implements the nested-scope symbol table consulted and
// populated by the analysis pipeline. Scopes form a tree rooted at the
// global scope; lookups walk parent scopes until a hit.
package symtab

import (
	"fmt"
	"sort"

	"github.com/tinyrange/decomp/internal/dtype"
	"github.com/tinyrange/decomp/internal/rangemap"
	"github.com/tinyrange/decomp/internal/space"
)

// SymbolKind distinguishes what a symbol names.
type SymbolKind int

const (
	// KindValue is a storage-mapped variable.
	KindValue SymbolKind = iota
	// KindEquate overrides how a constant prints.
	KindEquate
	// KindFacet forces a union field choice on matching data flow.
	KindFacet
	// KindDynamic keys on a hash of defining data flow instead of storage.
	KindDynamic
	// KindFunction names a function entry.
	KindFunction
)

// Symbol flags.
const (
	SymTypeLock = 1 << iota
	SymNameLock
	SymReadOnly
	SymVolatile
	SymUnsavable
)

// Symbol is one named entity.
type Symbol struct {
	ID    uint64
	Name  string
	Kind  SymbolKind
	Type  *dtype.DataType
	Flags uint32
	Scope *Scope

	// Equate value for KindEquate.
	EquateValue uint64
	// Field number for KindFacet, -1 otherwise.
	FacetField int
	// Dynamic location for KindDynamic.
	DynAddr space.Address
	DynHash uint64
}

// Entry maps a symbol to concrete storage over a range of code addresses.
type Entry struct {
	Sym  *Symbol
	Addr space.Address
	Size int
	// Use restricts where the mapping applies; empty means everywhere.
	Use space.RangeList
}

// SymbolName implements the pcode symbol-entry contract.
func (e *Entry) SymbolName() string { return e.Sym.Name }

// SymbolID implements the pcode symbol-entry contract.
func (e *Entry) SymbolID() uint64 { return e.Sym.ID }

type addrDomain struct{}

func (addrDomain) Compare(a, b space.Address) int { return a.Compare(b) }
func (addrDomain) Pred(a space.Address) space.Address {
	return space.Address{Space: a.Space, Offset: a.Offset - 1}
}
func (addrDomain) Succ(a space.Address) space.Address {
	return space.Address{Space: a.Space, Offset: a.Offset + 1}
}

// Scope is one level of the symbol table.
type Scope struct {
	ID       uint64
	Name     string
	parent   *Scope
	children []*Scope
	table    *Table

	byName map[string][]*Symbol
	byID   map[uint64]*Symbol
	ranges *rangemap.Map[space.Address, *Entry]
	// dynamic entries keyed by (address, hash).
	dynamic map[dynKey]*Entry
}

type dynKey struct {
	addr space.Address
	hash uint64
}

// Parent returns the enclosing scope, nil at the root.
func (sc *Scope) Parent() *Scope { return sc.parent }

// Children returns the child scopes.
func (sc *Scope) Children() []*Scope { return sc.children }

// Table is the whole symbol table.
type Table struct {
	root    *Scope
	current *Scope

	nextScopeID  uint64
	nextSymbolID uint64
}

// NewTable creates a table with a fresh global scope, which starts current.
func NewTable() *Table {
	t := &Table{}
	t.root = t.newScope("", nil)
	t.current = t.root
	return t
}

func (t *Table) newScope(name string, parent *Scope) *Scope {
	sc := &Scope{
		ID:      t.nextScopeID,
		Name:    name,
		parent:  parent,
		table:   t,
		byName:  make(map[string][]*Symbol),
		byID:    make(map[uint64]*Symbol),
		ranges:  rangemap.New[space.Address, *Entry](addrDomain{}),
		dynamic: make(map[dynKey]*Entry),
	}
	t.nextScopeID++
	if parent != nil {
		parent.children = append(parent.children, sc)
	}
	return sc
}

// Global returns the root scope.
func (t *Table) Global() *Scope { return t.root }

// Current returns the scope lookups start from.
func (t *Table) Current() *Scope { return t.current }

// AddScope pushes a new child of the current scope and makes it current.
func (t *Table) AddScope(name string) *Scope {
	sc := t.newScope(name, t.current)
	t.current = sc
	return sc
}

// PopScope returns to the parent scope.
func (t *Table) PopScope() error {
	if t.current.parent == nil {
		return fmt.Errorf("symtab: popping the global scope")
	}
	t.current = t.current.parent
	return nil
}

// AddSymbol creates a symbol in the scope.
func (sc *Scope) AddSymbol(name string, kind SymbolKind, dt *dtype.DataType) *Symbol {
	sym := &Symbol{
		ID:         sc.table.nextSymbolID,
		Name:       name,
		Kind:       kind,
		Type:       dt,
		Scope:      sc,
		FacetField: -1,
	}
	sc.table.nextSymbolID++
	sc.byName[name] = append(sc.byName[name], sym)
	sc.byID[sym.ID] = sym
	return sym
}

// MapStorage attaches storage to a symbol and indexes it for address lookup.
func (sc *Scope) MapStorage(sym *Symbol, addr space.Address, size int) (*Entry, error) {
	e := &Entry{Sym: sym, Addr: addr, Size: size}
	last := space.Address{Space: addr.Space, Offset: addr.Offset + uint64(size) - 1}
	if _, err := sc.ranges.Insert(e, 0, addr, last); err != nil {
		return nil, fmt.Errorf("symtab: mapping %q: %w", sym.Name, err)
	}
	return e, nil
}

// MapDynamic attaches a dynamic (hash-keyed) location to a symbol.
func (sc *Scope) MapDynamic(sym *Symbol, addr space.Address, hash uint64) *Entry {
	sym.DynAddr = addr
	sym.DynHash = hash
	e := &Entry{Sym: sym, Addr: addr}
	sc.dynamic[dynKey{addr, hash}] = e
	return e
}

// LookupName finds symbols by name, walking parent scopes.
func (sc *Scope) LookupName(name string) []*Symbol {
	for s := sc; s != nil; s = s.parent {
		if syms, ok := s.byName[name]; ok && len(syms) > 0 {
			return syms
		}
	}
	return nil
}

// LookupStorage finds the entry whose storage contains [addr, addr+size),
// walking parent scopes.
func (sc *Scope) LookupStorage(addr space.Address, size int) *Entry {
	for s := sc; s != nil; s = s.parent {
		for _, ent := range s.ranges.Find(addr) {
			e := ent.Value
			if addr.ContainedBy(size, e.Addr, e.Size) {
				return e
			}
		}
	}
	return nil
}

// LookupDynamic finds a dynamic entry by code address and hash, walking
// parent scopes.
func (sc *Scope) LookupDynamic(addr space.Address, hash uint64) *Entry {
	k := dynKey{addr, hash}
	for s := sc; s != nil; s = s.parent {
		if e, ok := s.dynamic[k]; ok {
			return e
		}
	}
	return nil
}

// Symbols returns the scope's own symbols ordered by id.
func (sc *Scope) Symbols() []*Symbol {
	out := make([]*Symbol, 0, len(sc.byID))
	for _, sym := range sc.byID {
		out = append(out, sym)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveSymbol deletes a symbol from its scope. Storage entries indexed for
// the symbol are dropped as well.
func (sc *Scope) RemoveSymbol(sym *Symbol) {
	list := sc.byName[sym.Name]
	for i, s := range list {
		if s == sym {
			sc.byName[sym.Name] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(sc.byName[sym.Name]) == 0 {
		delete(sc.byName, sym.Name)
	}
	delete(sc.byID, sym.ID)
	var stale []*rangemap.Entry[space.Address, *Entry]
	sc.ranges.Ascend(func(first, last space.Address, ent *rangemap.Entry[space.Address, *Entry]) bool {
		if ent.Value.Sym == sym {
			stale = append(stale, ent)
		}
		return true
	})
	seen := make(map[*rangemap.Entry[space.Address, *Entry]]bool)
	for _, ent := range stale {
		if !seen[ent] {
			seen[ent] = true
			sc.ranges.Erase(ent)
		}
	}
	for k, e := range sc.dynamic {
		if e.Sym == sym {
			delete(sc.dynamic, k)
		}
	}
}

// Purge removes unsavable symbols and empty scopes, then renumbers the
// remaining scopes and symbols so ids stay dense.
func (t *Table) Purge() {
	var prune func(sc *Scope) bool
	prune = func(sc *Scope) bool {
		kept := sc.children[:0]
		for _, ch := range sc.children {
			if prune(ch) {
				kept = append(kept, ch)
			}
		}
		sc.children = kept
		for _, sym := range sc.Symbols() {
			if sym.Flags&SymUnsavable != 0 {
				sc.RemoveSymbol(sym)
			}
		}
		if sc == t.root {
			return true
		}
		return len(sc.byID) > 0 || len(sc.children) > 0 || len(sc.dynamic) > 0
	}
	prune(t.root)
	if t.current != t.scopeStillLive(t.current) {
		t.current = t.root
	}

	// Renumber depth-first so ids are dense again.
	t.nextScopeID = 0
	t.nextSymbolID = 0
	var renumber func(sc *Scope)
	renumber = func(sc *Scope) {
		sc.ID = t.nextScopeID
		t.nextScopeID++
		for _, sym := range sc.Symbols() {
			delete(sc.byID, sym.ID)
			sym.ID = t.nextSymbolID
			t.nextSymbolID++
			sc.byID[sym.ID] = sym
		}
		for _, ch := range sc.children {
			renumber(ch)
		}
	}
	renumber(t.root)
}

func (t *Table) scopeStillLive(target *Scope) *Scope {
	var walk func(sc *Scope) *Scope
	walk = func(sc *Scope) *Scope {
		if sc == target {
			return sc
		}
		for _, ch := range sc.children {
			if found := walk(ch); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(t.root)
}
