package engine

import (
	"context"

	"badgekit/core"
)

// ErrBadgeNotFound is returned for unknown or inactive badges.
var ErrBadgeNotFound = core.ErrBadgeNotFound

// BadgeConfigRepository provides badge definitions with their rules.
type BadgeConfigRepository interface {
	ListActiveBadgesWithRules(ctx context.Context) ([]core.Badge, error)
	GetBadge(ctx context.Context, id core.BadgeID) (core.Badge, error)
}

// ProgressStore persists per-user badge progress. Upsert must run the merge and
// any reward grant as one atomic read-modify-write.
type ProgressStore interface {
	Load(ctx context.Context, user core.UserID, badge core.BadgeID) (*core.UserBadge, error)
	Upsert(ctx context.Context, req core.UpsertRequest) (core.Transition, error)
	ListByUser(ctx context.Context, user core.UserID) ([]core.UserBadge, error)
}

// RewardLedger exposes balances and the grant audit trail.
type RewardLedger interface {
	Account(ctx context.Context, user core.UserID) (core.Account, error)
	Transactions(ctx context.Context, user core.UserID) ([]core.TransactionRecord, error)
}
