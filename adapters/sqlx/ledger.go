package sqlx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	libsqlx "github.com/jmoiron/sqlx"

	"badgekit/core"
)

var transactionColumns = []string{"id", "user_id", "badge_id", "diamonds", "xp", "idempotency_key", "reason", "created_at"}

// grant writes the audit record and credits the account inside tx. It returns
// nil when the idempotency key was already used.
func (s *Store) grant(ctx context.Context, tx *libsqlx.Tx, g core.RewardGrant, now time.Time) (*core.TransactionRecord, error) {
	query, args, err := s.sb.Select("1").
		From("reward_transactions").
		Where(sq.Eq{"idempotency_key": g.IdempotencyKey()}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var one int
	switch err := tx.GetContext(ctx, &one, query, args...); {
	case err == nil:
		return nil, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("failed to check reward: %w", err)
	}

	rec := core.NewTransaction(g, now)
	query, args, err = s.sb.Insert("reward_transactions").
		Columns(transactionColumns...).
		Values(rec.ID, rec.UserID, rec.BadgeID, rec.Diamonds, rec.XP, rec.IdempotencyKey, rec.Reason, rec.CreatedAt).
		ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert reward %s: %w", rec.IdempotencyKey, ErrConflict)
		}
		return nil, fmt.Errorf("failed to insert reward: %w", err)
	}

	upsert := s.sb.Insert("user_accounts").
		Columns("user_id", "diamonds", "xp").
		Values(g.UserID, g.Diamonds, g.XP)
	if s.driver == DriverMySQL {
		upsert = upsert.Suffix("ON DUPLICATE KEY UPDATE diamonds = diamonds + VALUES(diamonds), xp = xp + VALUES(xp)")
	} else {
		upsert = upsert.Suffix("ON CONFLICT (user_id) DO UPDATE SET diamonds = user_accounts.diamonds + EXCLUDED.diamonds, xp = user_accounts.xp + EXCLUDED.xp")
	}
	query, args, err = upsert.ToSql()
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("failed to credit account: %w", err)
	}
	return &rec, nil
}

func (s *Store) Account(ctx context.Context, user core.UserID) (core.Account, error) {
	query, args, err := s.sb.Select("user_id", "diamonds", "xp").
		From("user_accounts").
		Where(sq.Eq{"user_id": user}).
		ToSql()
	if err != nil {
		return core.Account{}, err
	}
	var acct core.Account
	if err := s.db.GetContext(ctx, &acct, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Account{UserID: user}, nil
		}
		return core.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	return acct, nil
}

func (s *Store) Transactions(ctx context.Context, user core.UserID) ([]core.TransactionRecord, error) {
	query, args, err := s.sb.Select(transactionColumns...).
		From("reward_transactions").
		Where(sq.Eq{"user_id": user}).
		OrderBy("created_at", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	var out []core.TransactionRecord
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return out, nil
}
