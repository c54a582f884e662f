package engine

import (
	"strings"
	"time"

	"badgekit/core"
	"badgekit/evaluator"
)

// ResolveQuery turns a rule definition into the query its evaluator runs.
// Windows are anchored at now.
func ResolveQuery(rule core.BadgeRule, registry *evaluator.Registry, now time.Time) evaluator.Query {
	def := rule.Definition
	q := evaluator.Query{
		Metric:   rule.Metric,
		Target:   effectiveTarget(rule, registry),
		MinScore: def.MinScore,
		SkillKey: strings.TrimSpace(def.SkillKey),
		Filter: evaluator.ActivityFilter{
			Category:      def.Category,
			ActivityType:  def.ActivityType,
			DifficultyGte: def.DifficultyGte,
			DifficultyLte: def.DifficultyLte,
			Tags:          dedupTags(def.Tags),
		},
	}
	if def.TimeWindowDays != nil {
		q.Window = evaluator.WindowFromDays(*def.TimeWindowDays, now)
	}
	return q
}

func effectiveTarget(rule core.BadgeRule, registry *evaluator.Registry) int64 {
	if rule.Target != nil {
		if *rule.Target < 0 {
			return 0
		}
		return *rule.Target
	}
	if t, ok := registry.DefaultTarget(rule.Metric, rule.Definition); ok {
		return t
	}
	return 1
}

func dedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
