package funcdata

import (
	"fmt"

	"github.com/tinyrange/decomp/internal/pcode"
)

// Rule is one local rewrite: OpList names the op-codes whose ops trigger
// consideration, and Apply attempts the rewrite, reporting whether the IR
// changed.
type Rule interface {
	Name() string
	OpList() []pcode.OpCode
	Apply(op *pcode.PcodeOp, fd *Funcdata) (changed bool, err error)
}

// Action is an ordered collection of rules applied to fixed point, with an
// iteration cap that is fatal when exceeded.
type Action struct {
	Name  string
	Rules []Rule
	// Cap bounds full sweeps within one application; 0 means default.
	Cap int
}

// defaultActionCap bounds sweeps per action application.
const defaultActionCap = 1000

// ActionDatabase holds the named action groups.
type ActionDatabase struct {
	groups map[string]*Action
}

// NewActionDatabase creates an empty database.
func NewActionDatabase() *ActionDatabase {
	return &ActionDatabase{groups: make(map[string]*Action)}
}

// Register adds a named group.
func (db *ActionDatabase) Register(act *Action) {
	db.groups[act.Name] = act
}

// Group returns a named group, nil when absent.
func (db *ActionDatabase) Group(name string) *Action {
	if db == nil {
		return nil
	}
	return db.groups[name]
}

// Apply runs the action on fd to a fixed point: every alive op is visited,
// rules matching its op-code are tried in registration order, and any
// change re-queues the op. The sweep repeats until a full pass makes no
// change or the cap is hit.
func (act *Action) Apply(fd *Funcdata) error {
	byCode := make(map[pcode.OpCode][]Rule)
	for _, r := range act.Rules {
		for _, c := range r.OpList() {
			byCode[c] = append(byCode[c], r)
		}
	}
	limit := act.Cap
	if limit == 0 {
		limit = defaultActionCap
	}

	total := 0
	for sweep := 0; ; sweep++ {
		if sweep >= limit {
			return fmt.Errorf("funcdata: action %q exceeded %d sweeps", act.Name, limit)
		}
		changed := false

		// Snapshot the alive list: rules insert and remove ops during the
		// sweep, and new ops get their turn on the next sweep.
		var queue []*pcode.PcodeOp
		fd.obank.AscendAlive(func(op *pcode.PcodeOp) bool {
			queue = append(queue, op)
			return true
		})
		for len(queue) > 0 {
			op := queue[0]
			queue = queue[1:]
			if op.IsDead() {
				continue
			}
			for _, r := range byCode[op.Code()] {
				hit, err := r.Apply(op, fd)
				if err != nil {
					return fmt.Errorf("funcdata: rule %s: %w", r.Name(), err)
				}
				if hit {
					total++
					changed = true
					fd.log.Debug("rule applied",
						"rule", r.Name(), "op", op.String(), "count", total)
					if !op.IsDead() {
						queue = append(queue, op)
					}
					break
				}
			}
		}
		if !changed {
			return nil
		}
	}
}
