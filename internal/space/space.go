package space

import (
	"fmt"
)

// Kind classifies an address space by the sort of thing its offsets name.
type Kind int

const (
	KindInvalid Kind = iota
	// KindCode holds executable bytes addressed by the processor.
	KindCode
	// KindData is general RAM.
	KindData
	// KindStack is the per-function stack frame space, offsets relative to
	// the spacebase register on entry.
	KindStack
	// KindConstant encodes constant values directly as offsets.
	KindConstant
	// KindUnique holds compiler temporaries with no processor storage.
	KindUnique
	// KindIop encodes references to p-code operations as offsets.
	KindIop
	// KindFspec encodes references to call specifications as offsets.
	KindFspec
	// KindRegister holds the processor register file.
	KindRegister
)

func (k Kind) String() string {
	switch k {
	case KindCode:
		return "code"
	case KindData:
		return "data"
	case KindStack:
		return "stack"
	case KindConstant:
		return "const"
	case KindUnique:
		return "unique"
	case KindIop:
		return "iop"
	case KindFspec:
		return "fspec"
	case KindRegister:
		return "register"
	}
	return "invalid"
}

// AddrSpace describes one address space of the machine model. Spaces are
// created once by the Manager and referenced by pointer everywhere else;
// pointer identity is space identity.
type AddrSpace struct {
	name      string
	kind      Kind
	index     int
	addrSize  int    // bytes needed to hold an offset
	wordSize  int    // bytes per addressable unit
	highest   uint64 // largest valid offset
	bigEndian bool

	// delay orders heritage passes: lower delay spaces are renamed first.
	delay int
	// deadcodeDelay is the number of heritage passes to wait before dead
	// cells in this space may be reclaimed.
	deadcodeDelay int

	hasSpacebase bool
}

func (s *AddrSpace) Name() string       { return s.name }
func (s *AddrSpace) Kind() Kind         { return s.kind }
func (s *AddrSpace) Index() int         { return s.index }
func (s *AddrSpace) AddrSize() int      { return s.addrSize }
func (s *AddrSpace) WordSize() int      { return s.wordSize }
func (s *AddrSpace) Highest() uint64    { return s.highest }
func (s *AddrSpace) IsBigEndian() bool  { return s.bigEndian }
func (s *AddrSpace) Delay() int         { return s.delay }
func (s *AddrSpace) DeadcodeDelay() int { return s.deadcodeDelay }
func (s *AddrSpace) HasSpacebase() bool { return s.hasSpacebase }

// SetDeadcodeDelay extends the dead-code grace period for the space. The
// delay can only grow; rules that request a shorter delay keep the longer one.
func (s *AddrSpace) SetDeadcodeDelay(d int) {
	if d > s.deadcodeDelay {
		s.deadcodeDelay = d
	}
}

// Wrap reduces an offset modulo the size of the space.
func (s *AddrSpace) Wrap(off uint64) uint64 {
	if s.highest == ^uint64(0) {
		return off
	}
	return off % (s.highest + 1)
}

func (s *AddrSpace) String() string { return s.name }

// Manager owns the address spaces of a single machine model.
type Manager struct {
	spaces []*AddrSpace
	byName map[string]*AddrSpace

	constant *AddrSpace
	unique   *AddrSpace
	iop      *AddrSpace
	fspec    *AddrSpace
	stack    *AddrSpace
	defCode  *AddrSpace
	defData  *AddrSpace
}

// Config describes one address space in a machine descriptor.
type Config struct {
	Name          string `yaml:"name"`
	Kind          string `yaml:"kind"`
	AddrSize      int    `yaml:"addrsize"`
	WordSize      int    `yaml:"wordsize,omitempty"`
	BigEndian     bool   `yaml:"bigendian,omitempty"`
	Delay         int    `yaml:"delay,omitempty"`
	DeadcodeDelay int    `yaml:"deadcodedelay,omitempty"`
	Spacebase     bool   `yaml:"spacebase,omitempty"`
}

func kindFromString(s string) Kind {
	for k := KindCode; k <= KindRegister; k++ {
		if k.String() == s {
			return k
		}
	}
	return KindInvalid
}

// NewManager builds the space set for a machine. The constant, unique, iop
// and fspec spaces are always created; the configs add the processor spaces.
func NewManager(configs []Config) (*Manager, error) {
	m := &Manager{byName: make(map[string]*AddrSpace)}

	m.constant = m.add(&AddrSpace{name: "const", kind: KindConstant, addrSize: 8, wordSize: 1, highest: ^uint64(0)})
	m.unique = m.add(&AddrSpace{name: "unique", kind: KindUnique, addrSize: 4, wordSize: 1, highest: ^uint64(0), delay: 0})
	m.iop = m.add(&AddrSpace{name: "iop", kind: KindIop, addrSize: 8, wordSize: 1, highest: ^uint64(0)})
	m.fspec = m.add(&AddrSpace{name: "fspec", kind: KindFspec, addrSize: 8, wordSize: 1, highest: ^uint64(0)})

	for _, cfg := range configs {
		kind := kindFromString(cfg.Kind)
		if kind == KindInvalid || kind == KindConstant || kind == KindUnique || kind == KindIop || kind == KindFspec {
			return nil, fmt.Errorf("space: config %q has unusable kind %q", cfg.Name, cfg.Kind)
		}
		if _, ok := m.byName[cfg.Name]; ok {
			return nil, fmt.Errorf("space: duplicate space %q", cfg.Name)
		}
		if cfg.AddrSize <= 0 || cfg.AddrSize > 8 {
			return nil, fmt.Errorf("space: %q has bad addrsize %d", cfg.Name, cfg.AddrSize)
		}
		word := cfg.WordSize
		if word == 0 {
			word = 1
		}
		highest := ^uint64(0)
		if cfg.AddrSize < 8 {
			highest = (uint64(1) << (8 * cfg.AddrSize)) - 1
		}
		sp := m.add(&AddrSpace{
			name:          cfg.Name,
			kind:          kind,
			addrSize:      cfg.AddrSize,
			wordSize:      word,
			highest:       highest,
			bigEndian:     cfg.BigEndian,
			delay:         cfg.Delay,
			deadcodeDelay: cfg.DeadcodeDelay,
			hasSpacebase:  cfg.Spacebase,
		})
		switch kind {
		case KindStack:
			m.stack = sp
		case KindCode:
			if m.defCode == nil {
				m.defCode = sp
			}
		case KindData:
			if m.defData == nil {
				m.defData = sp
			}
		}
	}
	if m.defCode == nil {
		return nil, fmt.Errorf("space: no code space configured")
	}
	if m.defData == nil {
		m.defData = m.defCode
	}
	return m, nil
}

func (m *Manager) add(sp *AddrSpace) *AddrSpace {
	sp.index = len(m.spaces)
	if sp.deadcodeDelay < sp.delay {
		sp.deadcodeDelay = sp.delay
	}
	m.spaces = append(m.spaces, sp)
	m.byName[sp.name] = sp
	return sp
}

// NumSpaces returns the number of spaces including the internal ones.
func (m *Manager) NumSpaces() int { return len(m.spaces) }

// Space returns the space with the given index.
func (m *Manager) Space(i int) *AddrSpace { return m.spaces[i] }

// ByName looks up a space by name, nil if absent.
func (m *Manager) ByName(name string) *AddrSpace { return m.byName[name] }

func (m *Manager) Constant() *AddrSpace     { return m.constant }
func (m *Manager) Unique() *AddrSpace       { return m.unique }
func (m *Manager) Iop() *AddrSpace          { return m.iop }
func (m *Manager) Fspec() *AddrSpace        { return m.fspec }
func (m *Manager) Stack() *AddrSpace        { return m.stack }
func (m *Manager) DefaultCode() *AddrSpace  { return m.defCode }
func (m *Manager) DefaultData() *AddrSpace  { return m.defData }

// HeritageOrder returns the spaces eligible for heritage, ordered by delay
// then index. Constant, iop and fspec spaces never hold renamable storage.
func (m *Manager) HeritageOrder() []*AddrSpace {
	var out []*AddrSpace
	for _, sp := range m.spaces {
		switch sp.kind {
		case KindConstant, KindIop, KindFspec:
			continue
		}
		out = append(out, sp)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if a.delay > b.delay || (a.delay == b.delay && a.index > b.index) {
				out[j-1], out[j] = b, a
			} else {
				break
			}
		}
	}
	return out
}
