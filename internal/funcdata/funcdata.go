// Package funcdata implements the function container: the object owning all
// IR entities of one function and the editing API every analysis pass goes
// through. The SSA builder, the rewrite driver, high-variable merging, type
// propagation and jump-table recovery all live here, operating on the
// container they are part of.
package funcdata

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/decomp/internal/diag"
	"github.com/tinyrange/decomp/internal/dtype"
	"github.com/tinyrange/decomp/internal/loader"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
	"github.com/tinyrange/decomp/internal/symtab"
)

// Deps bundles the process-wide collaborators a function container needs.
// The architecture layer builds one Deps and shares it across functions.
type Deps struct {
	Spaces  *space.Manager
	Types   *dtype.DB
	Image   loader.Image
	Laned   *pcode.LanedRegistry
	Actions *ActionDatabase
	Logger  *slog.Logger
	// Spacebase lists the registers anchoring spacebase-relative spaces
	// (typically the stack pointer).
	Spacebase []pcode.VarnodeData
}

// Funcdata owns every IR entity of one function under analysis.
type Funcdata struct {
	name  string
	entry space.Address
	deps  Deps
	log   *slog.Logger

	vbank *pcode.VarnodeBank
	obank *pcode.PcodeOpBank
	graph *pcode.BlockGraph

	symbols *symtab.Table
	locals  *symtab.Scope

	Warnings diag.Sink

	heritage *Heritage
	merge    *Merge
	resolved map[ResolvedUnionKey]*ResolvedUnion

	jumpTables []*JumpTable
	callSpecs  []*CallSpecs

	// uniqBase allocates fresh offsets in the unique space.
	uniqBase uint64

	// highIndex is the creation index captured when the high-level view is
	// switched on; ^uint32(0) before that.
	highIndex uint32

	// jumptableRecovery marks a partial clone built for jump-table
	// analysis.
	jumptableRecovery bool

	// analysisDone is set when the action pipeline has completed (or been
	// abandoned) for this function.
	analysisDone bool

	// restartNeeded is set when a recovered jump table names destinations
	// outside the generated flow.
	restartNeeded bool
}

// NewFuncdata creates an empty container for the function at entry.
func NewFuncdata(name string, entry space.Address, deps Deps) *Funcdata {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fd := &Funcdata{
		name:      name,
		entry:     entry,
		deps:      deps,
		log:       logger.With(slog.String("function", name)),
		vbank:     pcode.NewVarnodeBank(deps.Spaces),
		obank:     pcode.NewPcodeOpBank(),
		graph:     pcode.NewBlockGraph(),
		symbols:   symtab.NewTable(),
		resolved:  make(map[ResolvedUnionKey]*ResolvedUnion),
		highIndex: ^uint32(0),
		uniqBase:  0x10000000, // above any frontend-assigned temporary
	}
	fd.locals = fd.symbols.AddScope(name)
	fd.heritage = newHeritage(fd)
	fd.merge = newMerge(fd)
	return fd
}

// Name returns the function's name.
func (fd *Funcdata) Name() string { return fd.name }

// Entry returns the function's entry address.
func (fd *Funcdata) Entry() space.Address { return fd.entry }

// Spaces returns the machine's address spaces.
func (fd *Funcdata) Spaces() *space.Manager { return fd.deps.Spaces }

// Types returns the type database.
func (fd *Funcdata) Types() *dtype.DB { return fd.deps.Types }

// Image returns the loader image, nil when no bytes are attached.
func (fd *Funcdata) Image() loader.Image { return fd.deps.Image }

// Laned returns the laned-register registry, nil when absent.
func (fd *Funcdata) Laned() *pcode.LanedRegistry { return fd.deps.Laned }

// Vbank exposes the value-cell store.
func (fd *Funcdata) Vbank() *pcode.VarnodeBank { return fd.vbank }

// Obank exposes the operation store.
func (fd *Funcdata) Obank() *pcode.PcodeOpBank { return fd.obank }

// Graph exposes the basic-block graph.
func (fd *Funcdata) Graph() *pcode.BlockGraph { return fd.graph }

// Symbols returns the function's symbol table.
func (fd *Funcdata) Symbols() *symtab.Table { return fd.symbols }

// Locals returns the function-local scope.
func (fd *Funcdata) Locals() *symtab.Scope { return fd.locals }

// Merge returns the high-variable merge state.
func (fd *Funcdata) Merge() *Merge { return fd.merge }

// HeritageState returns the SSA builder state.
func (fd *Funcdata) HeritageState() *Heritage { return fd.heritage }

// Logger returns the function-scoped logger.
func (fd *Funcdata) Logger() *slog.Logger { return fd.log }

// IsJumptableRecovery reports whether this container is a partial clone
// built for jump-table analysis.
func (fd *Funcdata) IsJumptableRecovery() bool { return fd.jumptableRecovery }

// HighLevelOn reports whether the high-level index has been captured.
func (fd *Funcdata) HighLevelOn() bool { return fd.highIndex != ^uint32(0) }

// SetHighLevel captures the current creation index: cells created from here
// on receive fresh high-variables as they appear.
func (fd *Funcdata) SetHighLevel() {
	if fd.HighLevelOn() {
		return
	}
	fd.highIndex = fd.vbank.CreateIndex()
	fd.vbank.AscendLoc(func(vn *pcode.Varnode) bool {
		fd.assignHigh(vn)
		return true
	})
}

func (fd *Funcdata) assignHigh(vn *pcode.Varnode) {
	if !fd.HighLevelOn() || vn.High() != nil || vn.IsAnnotation() {
		return
	}
	pcode.NewHighVariable(vn)
}

// Warning attaches a warning near an address.
func (fd *Funcdata) Warning(text string, addr space.Address) {
	fd.Warnings.Warn(text, addr)
}

// WarningHeader attaches a warning at the function prototype.
func (fd *Funcdata) WarningHeader(text string) {
	fd.Warnings.WarnHeader(text)
}

// JumpTables returns the recovered jump tables.
func (fd *Funcdata) JumpTables() []*JumpTable { return fd.jumpTables }

// CallSpecs returns the per-call records.
func (fd *Funcdata) CallSpecs() []*CallSpecs { return fd.callSpecs }

// findCallSpec returns the record for a call op, nil if absent.
func (fd *Funcdata) findCallSpec(op *pcode.PcodeOp) *CallSpecs {
	for _, cs := range fd.callSpecs {
		if cs.Op == op {
			return cs
		}
	}
	return nil
}

// String identifies the function in logs.
func (fd *Funcdata) String() string {
	return fmt.Sprintf("%s@%s", fd.name, fd.entry)
}
