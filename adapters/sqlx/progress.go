package sqlx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	libsqlx "github.com/jmoiron/sqlx"

	"badgekit/core"
)

var userBadgeColumns = []string{
	"user_id", "badge_id", "progress", "is_unlocked", "is_completed",
	"unlocked_at", "earned_at", "progress_data", "updated_at",
}

func (s *Store) Load(ctx context.Context, user core.UserID, badge core.BadgeID) (*core.UserBadge, error) {
	query, args, err := s.sb.Select(userBadgeColumns...).
		From("user_badges").
		Where(sq.Eq{"user_id": user, "badge_id": badge}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var rec core.UserBadge
	if err := s.db.GetContext(ctx, &rec, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	return &rec, nil
}

// Upsert locks the record row, merges, writes and grants the reward in one
// transaction. A concurrent first insert surfaces as ErrConflict.
func (s *Store) Upsert(ctx context.Context, req core.UpsertRequest) (tr core.Transition, err error) {
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return core.Transition{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query, args, err := s.sb.Select(userBadgeColumns...).
		From("user_badges").
		Where(sq.Eq{"user_id": req.UserID, "badge_id": req.BadgeID}).
		Suffix("FOR UPDATE").
		ToSql()
	if err != nil {
		return core.Transition{}, err
	}
	var existing *core.UserBadge
	var row core.UserBadge
	switch err = tx.GetContext(ctx, &row, query, args...); {
	case err == nil:
		existing = &row
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	default:
		return core.Transition{}, fmt.Errorf("failed to lock progress: %w", err)
	}

	tr = core.MergeProgress(existing, req.UserID, req.BadgeID, req.Computed, now)
	if tr.SkippedEmptyRecord || !tr.Changed {
		return tr, tx.Rollback()
	}

	if tr.Created {
		err = s.insertRecord(ctx, tx, tr.Record)
	} else if tr.Changed {
		err = s.updateRecord(ctx, tx, tr.Record)
	}
	if err != nil {
		return core.Transition{}, err
	}

	if tr.JustCompleted && req.Reward != nil && !req.Reward.Empty() {
		var rec *core.TransactionRecord
		rec, err = s.grant(ctx, tx, *req.Reward, now)
		if err != nil {
			return core.Transition{}, err
		}
		tr.Transaction = rec
	}

	if err = tx.Commit(); err != nil {
		return core.Transition{}, fmt.Errorf("failed to commit progress: %w", err)
	}
	return tr, nil
}

func (s *Store) insertRecord(ctx context.Context, tx *libsqlx.Tx, r core.UserBadge) error {
	query, args, err := s.sb.Insert("user_badges").
		Columns(userBadgeColumns...).
		Values(r.UserID, r.BadgeID, r.Progress, r.IsUnlocked, r.IsCompleted, r.UnlockedAt, r.EarnedAt, r.ProgressData, r.UpdatedAt).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert progress %s/%s: %w", r.UserID, r.BadgeID, ErrConflict)
		}
		return fmt.Errorf("failed to insert progress: %w", err)
	}
	return nil
}

func (s *Store) updateRecord(ctx context.Context, tx *libsqlx.Tx, r core.UserBadge) error {
	query, args, err := s.sb.Update("user_badges").
		Set("progress", r.Progress).
		Set("is_unlocked", r.IsUnlocked).
		Set("is_completed", r.IsCompleted).
		Set("unlocked_at", r.UnlockedAt).
		Set("earned_at", r.EarnedAt).
		Set("progress_data", r.ProgressData).
		Set("updated_at", r.UpdatedAt).
		Where(sq.Eq{"user_id": r.UserID, "badge_id": r.BadgeID}).
		ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

func (s *Store) ListByUser(ctx context.Context, user core.UserID) ([]core.UserBadge, error) {
	query, args, err := s.sb.Select(userBadgeColumns...).
		From("user_badges").
		Where(sq.Eq{"user_id": user}).
		OrderBy("badge_id").
		ToSql()
	if err != nil {
		return nil, err
	}
	var out []core.UserBadge
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list progress: %w", err)
	}
	return out, nil
}
