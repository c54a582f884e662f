package engine

import (
	"context"

	"badgekit/core"
)

// LegacyCondition answers the single boolean condition of badges that have no
// active rules yet.
type LegacyCondition interface {
	Asserted(ctx context.Context, user core.UserID, badge core.Badge) (bool, error)
}

// LegacyConditionFunc adapts a function to LegacyCondition.
type LegacyConditionFunc func(ctx context.Context, user core.UserID, badge core.Badge) (bool, error)

func (f LegacyConditionFunc) Asserted(ctx context.Context, user core.UserID, badge core.Badge) (bool, error) {
	return f(ctx, user, badge)
}

type noLegacyCondition struct{}

func (noLegacyCondition) Asserted(context.Context, core.UserID, core.Badge) (bool, error) {
	return false, nil
}

const legacyRuleID = "legacy"

// evaluateLegacy produces the same result shape as the rule path: 0 until the
// condition holds, then 100.
func evaluateLegacy(ctx context.Context, cond LegacyCondition, user core.UserID, badge core.Badge) (core.Computed, error) {
	target := badge.TargetValue
	if target < 1 {
		target = 1
	}
	rule := core.RuleProgress{RuleID: legacyRuleID, Target: target, Weight: 1}
	ok := false
	if badge.Condition != "" {
		var err error
		ok, err = cond.Asserted(ctx, user, badge)
		if err != nil {
			return core.Computed{Data: core.ProgressData{Rules: []core.RuleProgress{rule}, TargetSum: target, Legacy: true}}, err
		}
	}
	if ok {
		rule.Current = target
		rule.Normalized = 1
	}
	c := Aggregate([]core.RuleProgress{rule})
	c.Data.Legacy = true
	return c, nil
}
