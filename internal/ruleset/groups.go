package ruleset

import (
	"github.com/tinyrange/decomp/internal/funcdata"
)

// DefaultRules returns the full simplification battery in application
// order.
func DefaultRules() []funcdata.Rule {
	return []funcdata.Rule{
		RuleTermOrder{},
		RuleCollapseConstants{},
		RuleIdentity{},
		RuleShiftZero{},
		RuleCopyProp{},
		RulePhiCollapse{},
		RuleDoubleSubpiece{},
		RuleSubpieceOfPiece{},
		RuleConcatZero{},
		RuleLessEqual{},
		RuleMultCollapse{},
		RuleDistributeMult{},
		RuleBoolFlip{},
		RuleIndirectCollapse{},
		RuleReadOnlyFold{},
	}
}

// JumptableRules returns the targeted battery used on recovery clones: it
// exposes the table expression without normalizations that would obscure
// it.
func JumptableRules() []funcdata.Rule {
	return []funcdata.Rule{
		RuleJumpAssist{},
		RuleTermOrder{},
		RuleCollapseConstants{},
		RuleIdentity{},
		RuleShiftZero{},
		RuleCopyProp{},
		RulePhiCollapse{},
		RuleDoubleSubpiece{},
		RuleSubpieceOfPiece{},
		RuleReadOnlyFold{},
	}
}

// BuildActionDatabase assembles the named groups the engine drives.
func BuildActionDatabase() *funcdata.ActionDatabase {
	db := funcdata.NewActionDatabase()
	db.Register(&funcdata.Action{Name: "default", Rules: DefaultRules()})
	db.Register(&funcdata.Action{Name: "jumptable", Rules: JumptableRules()})
	return db
}
