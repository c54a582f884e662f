package evaluator

import (
	"context"
	"fmt"
	"strings"

	"badgekit/core"
)

func constTarget(n int64) func(core.RuleDefinition) int64 {
	return func(core.RuleDefinition) int64 { return n }
}

// quiz_correct sums correct answers; consecutive only sets the default target.
func quizCorrectTarget(def core.RuleDefinition) int64 {
	if def.Consecutive != nil {
		return *def.Consecutive
	}
	return 10
}

func skillMasteryTarget(def core.RuleDefinition) int64 {
	if def.MasteryThreshold != nil {
		return *def.MasteryThreshold
	}
	return 100
}

func measured(current int64, err error) (core.RuleResult, error) {
	if err != nil {
		return core.RuleResult{}, err
	}
	return core.RuleResult{Current: current}, nil
}

func activitiesCompleted(ctx context.Context, src Source, user core.UserID, q Query) (core.RuleResult, error) {
	return measured(src.CountCompletedActivities(ctx, user, q.Filter, q.Window))
}

func quizzesCompleted(ctx context.Context, src Source, user core.UserID, q Query) (core.RuleResult, error) {
	return measured(src.CountCompletedQuizzes(ctx, user, q.MinScore, q.Window))
}

func quizCorrect(ctx context.Context, src Source, user core.UserID, q Query) (core.RuleResult, error) {
	return measured(src.SumQuizCorrectAnswers(ctx, user, q.Window))
}

func loginStreak(ctx context.Context, src Source, user core.UserID, _ Query) (core.RuleResult, error) {
	return measured(src.LoginStreak(ctx, user))
}

func diamondsEarned(ctx context.Context, src Source, user core.UserID, q Query) (core.RuleResult, error) {
	if q.Window != nil {
		return measured(src.SumPositiveCurrencyTx(ctx, user, *q.Window))
	}
	return measured(src.LifetimeCurrency(ctx, user))
}

func codeSubmissions(ctx context.Context, src Source, user core.UserID, q Query) (core.RuleResult, error) {
	return measured(src.CodeSubmissionCount(ctx, user, q.Window))
}

func skillMastery(ctx context.Context, src Source, user core.UserID, q Query) (core.RuleResult, error) {
	key := strings.TrimSpace(q.SkillKey)
	if key == "" {
		return core.RuleResult{Details: "skill_key is not set"}, nil
	}
	score, found, err := src.SkillMastery(ctx, user, key)
	if err != nil {
		return core.RuleResult{}, err
	}
	if !found {
		return core.RuleResult{Details: fmt.Sprintf("unknown skill %q", key)}, nil
	}
	return core.RuleResult{Current: score}, nil
}
