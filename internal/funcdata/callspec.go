package funcdata

import (
	"github.com/tinyrange/decomp/internal/dtype"
	"github.com/tinyrange/decomp/internal/pcode"
	"github.com/tinyrange/decomp/internal/space"
)

// Trial status for one candidate parameter location.
type TrialStatus int

const (
	TrialUnchecked TrialStatus = iota
	TrialChecked
	TrialActive
	TrialInactive
)

// Trial flags set during ancestor/descendant walks.
const (
	TrialAncestorRealistic = 1 << iota
	TrialAncestorSolid
	TrialDescUsed
	TrialKilledByCall
)

// ParamTrial is one candidate parameter or return location of a call.
type ParamTrial struct {
	Addr   space.Address
	Size   int
	Slot   int
	Status TrialStatus
	Flags  uint32
	Type   *dtype.DataType
}

// EffectKind classifies how a call treats one storage range.
type EffectKind int

const (
	EffectUnaffected EffectKind = iota
	EffectKilledByCall
	EffectReturnAddress
	EffectUnknown
)

// Effect is a storage range with the call's effect on it.
type Effect struct {
	Addr space.Address
	Size int
	Kind EffectKind
}

// CallSpecs is the per-call record the parameter recovery works over.
type CallSpecs struct {
	Op        *pcode.PcodeOp
	EntryAddr space.Address
	Name      string

	Effects      []Effect
	InputTrials  []ParamTrial
	OutputTrials []ParamTrial

	// NoReturn marks a call that never falls through.
	NoReturn bool
	// Inline requests in-place expansion instead of a call.
	Inline bool
}

// NewCallSpecs records a call op. The entry address comes from the first
// input for direct calls.
func (fd *Funcdata) NewCallSpecs(op *pcode.PcodeOp) *CallSpecs {
	cs := &CallSpecs{Op: op}
	if op.Code() == pcode.OpCall && op.NumInput() > 0 {
		if in := op.Input(0); in != nil && in.IsAnnotation() {
			cs.EntryAddr = in.Addr
		}
	}
	fd.callSpecs = append(fd.callSpecs, cs)
	return cs
}

// ActiveInputs returns the trials currently considered real parameters.
func (cs *CallSpecs) ActiveInputs() []*ParamTrial {
	var out []*ParamTrial
	for i := range cs.InputTrials {
		if cs.InputTrials[i].Status == TrialActive {
			out = append(out, &cs.InputTrials[i])
		}
	}
	return out
}

// HasEffect reports the call's effect on a storage range.
func (cs *CallSpecs) HasEffect(addr space.Address, size int) EffectKind {
	for _, e := range cs.Effects {
		if addr.ContainedBy(size, e.Addr, e.Size) {
			return e.Kind
		}
	}
	return EffectUnknown
}
