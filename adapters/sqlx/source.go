package sqlx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"badgekit/core"
	"badgekit/evaluator"
)

// Source answers metric queries from the learning-activity tables.
type Source struct {
	s *Store
}

func withWindow(b sq.SelectBuilder, column string, w *evaluator.TimeWindow) sq.SelectBuilder {
	if w == nil {
		return b
	}
	return b.Where(sq.GtOrEq{column: w.Since}).Where(sq.LtOrEq{column: w.Until})
}

func (src *Source) scalar(ctx context.Context, b sq.SelectBuilder, what string) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, err
	}
	var n sql.NullInt64
	if err := src.s.db.GetContext(ctx, &n, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("%s: %w", what, err)
	}
	return n.Int64, nil
}

func (src *Source) CountCompletedActivities(ctx context.Context, user core.UserID, f evaluator.ActivityFilter, w *evaluator.TimeWindow) (int64, error) {
	b := src.s.sb.Select("COUNT(*)").
		From("activity_attempts a").
		Where(sq.Eq{"a.user_id": user, "a.completed": true})
	if f.Category != "" {
		b = b.Where(sq.Eq{"a.category": f.Category})
	}
	if f.ActivityType != "" {
		b = b.Where(sq.Eq{"a.activity_type": f.ActivityType})
	}
	if f.DifficultyGte != nil {
		b = b.Where(sq.GtOrEq{"a.difficulty": *f.DifficultyGte})
	}
	if f.DifficultyLte != nil {
		b = b.Where(sq.LtOrEq{"a.difficulty": *f.DifficultyLte})
	}
	b = withWindow(b, "a.completed_at", w)
	if len(f.Tags) > 0 {
		sub, subArgs, err := sq.Select("COUNT(DISTINCT t.tag)").
			From("activity_tags t").
			Where("t.activity_id = a.id").
			Where(sq.Eq{"t.tag": f.Tags}).
			ToSql()
		if err != nil {
			return 0, err
		}
		b = b.Where(sq.Expr("("+sub+") = ?", append(subArgs, len(f.Tags))...))
	}
	return src.scalar(ctx, b, "count activities")
}

func (src *Source) CountCompletedQuizzes(ctx context.Context, user core.UserID, minScore *float64, w *evaluator.TimeWindow) (int64, error) {
	b := src.s.sb.Select("COUNT(*)").
		From("quiz_attempts").
		Where(sq.Eq{"user_id": user, "completed": true})
	if minScore != nil {
		b = b.Where(sq.GtOrEq{"score": *minScore})
	}
	return src.scalar(ctx, withWindow(b, "completed_at", w), "count quizzes")
}

func (src *Source) SumQuizCorrectAnswers(ctx context.Context, user core.UserID, w *evaluator.TimeWindow) (int64, error) {
	b := src.s.sb.Select("COALESCE(SUM(correct_count), 0)").
		From("quiz_attempts").
		Where(sq.Eq{"user_id": user, "completed": true})
	return src.scalar(ctx, withWindow(b, "completed_at", w), "sum quiz correct")
}

func (src *Source) LoginStreak(ctx context.Context, user core.UserID) (int64, error) {
	b := src.s.sb.Select("login_streak").From("user_profiles").Where(sq.Eq{"user_id": user})
	return src.scalar(ctx, b, "login streak")
}

func (src *Source) LifetimeCurrency(ctx context.Context, user core.UserID) (int64, error) {
	b := src.s.sb.Select("lifetime_diamonds").From("user_profiles").Where(sq.Eq{"user_id": user})
	return src.scalar(ctx, b, "lifetime currency")
}

func (src *Source) SumPositiveCurrencyTx(ctx context.Context, user core.UserID, w evaluator.TimeWindow) (int64, error) {
	b := src.s.sb.Select("COALESCE(SUM(amount), 0)").
		From("currency_transactions").
		Where(sq.Eq{"user_id": user}).
		Where(sq.Gt{"amount": 0})
	return src.scalar(ctx, withWindow(b, "created_at", &w), "sum currency")
}

// CodeSubmissionCount reads the lifetime counter kept on the profile, and
// counts code_submissions rows only when a window is given.
func (src *Source) CodeSubmissionCount(ctx context.Context, user core.UserID, w *evaluator.TimeWindow) (int64, error) {
	if w == nil {
		b := src.s.sb.Select("code_submissions_total").From("user_profiles").Where(sq.Eq{"user_id": user})
		return src.scalar(ctx, b, "submission total")
	}
	b := src.s.sb.Select("COUNT(*)").From("code_submissions").Where(sq.Eq{"user_id": user})
	return src.scalar(ctx, withWindow(b, "submitted_at", w), "count submissions")
}

func (src *Source) SkillMastery(ctx context.Context, user core.UserID, key string) (int64, bool, error) {
	query, args, err := src.s.sb.Select("mastery").
		From("user_skills").
		Where(sq.Eq{"user_id": user, "skill_key": key}).
		ToSql()
	if err != nil {
		return 0, false, err
	}
	var n int64
	if err := src.s.db.GetContext(ctx, &n, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("skill mastery: %w", err)
	}
	return n, true, nil
}

var _ evaluator.Source = (*Source)(nil)
