// Package arch assembles the process-wide analysis context from a machine
// descriptor: address spaces, spacebase registers, laned storage, the type
// database and the action groups. Descriptors are YAML documents; one
// builtin descriptor covers x86-64.
package arch

import (
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/decomp/internal/dtype"
	"github.com/tinyrange/decomp/internal/flow"
	"github.com/tinyrange/decomp/internal/funcdata"
	"github.com/tinyrange/decomp/internal/loader"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/ruleset"
	"github.com/tinyrange/decomp/internal/space"
)

// Descriptor is the YAML machine description.
type Descriptor struct {
	Name   string         `yaml:"name"`
	Spaces []space.Config `yaml:"spaces"`

	// Spacebase registers anchor pointer-relative spaces (stack pointer).
	Spacebase []StorageRef `yaml:"spacebase,omitempty"`

	// Laned lists storage that may split into parallel lanes.
	Laned []LanedConfig `yaml:"laned,omitempty"`
}

// StorageRef names a storage slot in a descriptor.
type StorageRef struct {
	Space  string `yaml:"space"`
	Offset uint64 `yaml:"offset"`
	Size   int    `yaml:"size"`
}

// LanedConfig admits lane widths for one storage range.
type LanedConfig struct {
	Space  string `yaml:"space"`
	Offset uint64 `yaml:"offset"`
	Size   int    `yaml:"size"`
	Widths []int  `yaml:"widths"`
}

// builtinX8664 is the descriptor used when none is supplied.
const builtinX8664 = `
name: x86:64
spaces:
  - {name: ram, kind: data, addrsize: 8}
  - {name: code, kind: code, addrsize: 8}
  - {name: register, kind: register, addrsize: 4}
  - {name: stack, kind: stack, addrsize: 8, delay: 1, deadcodedelay: 2, spacebase: true}
spacebase:
  - {space: register, offset: 0x20, size: 8}
  - {space: register, offset: 0x28, size: 8}
laned:
  - {space: register, offset: 0x1000, size: 16, widths: [1, 2, 4, 8]}
  - {space: register, offset: 0x1010, size: 16, widths: [1, 2, 4, 8]}
`

// Arch is the shared context handle. Build it once before analyzing any
// function; every function container holds it explicitly.
type Arch struct {
	Name   string
	Spaces *space.Manager
	Types  *dtype.DB
	Laned  *pcode.LanedRegistry
	Deps   funcdata.Deps
}

// New builds the context from a YAML descriptor; empty input selects the
// builtin x86-64 descriptor.
func New(descriptor []byte, image loader.Image, logger *slog.Logger) (*Arch, error) {
	if len(descriptor) == 0 {
		descriptor = []byte(builtinX8664)
	}
	var d Descriptor
	if err := yaml.Unmarshal(descriptor, &d); err != nil {
		return nil, fmt.Errorf("arch: parse descriptor: %w", err)
	}
	spaces, err := space.NewManager(d.Spaces)
	if err != nil {
		return nil, fmt.Errorf("arch: %q: %w", d.Name, err)
	}

	laned := pcode.NewLanedRegistry()
	for _, lc := range d.Laned {
		sp := spaces.ByName(lc.Space)
		if sp == nil {
			return nil, fmt.Errorf("arch: laned config names unknown space %q", lc.Space)
		}
		addr := space.Address{Space: sp, Offset: lc.Offset}
		if err := laned.Register(addr, lc.Size, lc.Widths); err != nil {
			return nil, fmt.Errorf("arch: laned %s: %w", addr, err)
		}
	}

	var spacebase []pcode.VarnodeData
	for _, sb := range d.Spacebase {
		sp := spaces.ByName(sb.Space)
		if sp == nil {
			return nil, fmt.Errorf("arch: spacebase names unknown space %q", sb.Space)
		}
		spacebase = append(spacebase, pcode.VarnodeData{
			Addr: space.Address{Space: sp, Offset: sb.Offset},
			Size: sb.Size,
		})
	}

	if logger == nil {
		logger = slog.Default()
	}
	types := dtype.NewDB()
	a := &Arch{
		Name:   d.Name,
		Spaces: spaces,
		Types:  types,
		Laned:  laned,
		Deps: funcdata.Deps{
			Spaces:    spaces,
			Types:     types,
			Image:     image,
			Laned:     laned,
			Actions:   ruleset.BuildActionDatabase(),
			Logger:    logger,
			Spacebase: spacebase,
		},
	}
	return a, nil
}

// NewFunction creates a container for the function at entry.
func (a *Arch) NewFunction(name string, entry space.Address) *funcdata.Funcdata {
	return funcdata.NewFuncdata(name, entry, a.Deps)
}

// maxAnalysisRounds bounds the staged jump-table reanalysis loop.
const maxAnalysisRounds = 4

// AnalyzeFunction runs the full pipeline, re-analyzing from a fresh
// container whenever jump-table recovery discovers destinations outside
// the generated flow.
func (a *Arch) AnalyzeFunction(name string, entry space.Address, tr pcode.Translator) (*funcdata.Funcdata, *flow.Block, error) {
	var seed []*funcdata.JumpTable
	for round := 0; round < maxAnalysisRounds; round++ {
		fd := a.NewFunction(name, entry)
		fd.SeedJumpTables(seed)
		root, err := fd.Analyze(tr)
		if err != nil {
			return nil, nil, err
		}
		if !fd.NeedsRestart() {
			return fd, root, nil
		}
		seed = fd.JumpTables()
	}
	return nil, nil, fmt.Errorf("arch: jump-table reanalysis did not settle for %s", name)
}
