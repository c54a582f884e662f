package evaluator

import (
	"context"
	"time"

	"badgekit/core"
)

// TimeWindow bounds a metric query to [Since, Until].
type TimeWindow struct {
	Since time.Time
	Until time.Time
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.Since) && !t.After(w.Until)
}

// WindowFromDays builds a trailing window of the given number of days ending at now.
func WindowFromDays(days int, now time.Time) *TimeWindow {
	if days <= 0 {
		return nil
	}
	now = now.UTC()
	return &TimeWindow{Since: now.AddDate(0, 0, -days), Until: now}
}

// ActivityFilter selects completed activity attempts. Tags are AND-ed.
type ActivityFilter struct {
	Category      string
	ActivityType  string
	DifficultyGte *int
	DifficultyLte *int
	Tags          []string
}

// Source is the read-only data capability evaluators measure from.
type Source interface {
	CountCompletedActivities(ctx context.Context, user core.UserID, filter ActivityFilter, window *TimeWindow) (int64, error)
	CountCompletedQuizzes(ctx context.Context, user core.UserID, minScore *float64, window *TimeWindow) (int64, error)
	SumQuizCorrectAnswers(ctx context.Context, user core.UserID, window *TimeWindow) (int64, error)
	LoginStreak(ctx context.Context, user core.UserID) (int64, error)
	LifetimeCurrency(ctx context.Context, user core.UserID) (int64, error)
	SumPositiveCurrencyTx(ctx context.Context, user core.UserID, window TimeWindow) (int64, error)
	CodeSubmissionCount(ctx context.Context, user core.UserID, window *TimeWindow) (int64, error)
	// SkillMastery reports found=false for an unknown skill key.
	SkillMastery(ctx context.Context, user core.UserID, skillKey string) (score int64, found bool, err error)
}
