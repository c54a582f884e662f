package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrBadgeNotFound is returned by catalogs for unknown or inactive badges.
var ErrBadgeNotFound = errors.New("badge not found")

// ProgressState is the derived lifecycle stage of a UserBadge.
type ProgressState string

const (
	StateNotStarted ProgressState = "not_started"
	StateInProgress ProgressState = "in_progress"
	StateCompleted  ProgressState = "completed"
)

// UserBadge is one user's persisted progress on one badge.
type UserBadge struct {
	UserID       UserID       `json:"user_id" db:"user_id"`
	BadgeID      BadgeID      `json:"badge_id" db:"badge_id"`
	Progress     int          `json:"progress" db:"progress"`
	IsUnlocked   bool         `json:"is_unlocked" db:"is_unlocked"`
	IsCompleted  bool         `json:"is_completed" db:"is_completed"`
	UnlockedAt   *time.Time   `json:"unlocked_at,omitempty" db:"unlocked_at"`
	EarnedAt     *time.Time   `json:"earned_at,omitempty" db:"earned_at"`
	ProgressData ProgressData `json:"progress_data" db:"progress_data"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// State reports where the record sits in NOT_STARTED → IN_PROGRESS → COMPLETED.
func (u UserBadge) State() ProgressState {
	switch {
	case u.IsCompleted:
		return StateCompleted
	case u.IsUnlocked:
		return StateInProgress
	default:
		return StateNotStarted
	}
}

// RuleProgress is the per-rule part of a progress snapshot.
type RuleProgress struct {
	RuleID     string  `json:"rule_id"`
	Metric     Metric  `json:"metric"`
	Current    int64   `json:"current"`
	Target     int64   `json:"target"`
	Normalized float64 `json:"normalized"`
	Weight     float64 `json:"weight"`
	Details    string  `json:"details,omitempty"`
}

// ProgressData is the structured snapshot stored alongside progress for display.
type ProgressData struct {
	Rules      []RuleProgress `json:"rules"`
	CurrentSum int64          `json:"current_sum"`
	TargetSum  int64          `json:"target_sum"`
	Legacy     bool           `json:"legacy,omitempty"`
}

// Equal compares two snapshots field by field.
func (p ProgressData) Equal(o ProgressData) bool {
	if p.CurrentSum != o.CurrentSum || p.TargetSum != o.TargetSum || p.Legacy != o.Legacy || len(p.Rules) != len(o.Rules) {
		return false
	}
	for i := range p.Rules {
		if p.Rules[i] != o.Rules[i] {
			return false
		}
	}
	return true
}

// Computed is the aggregator's verdict for one (user, badge) evaluation.
type Computed struct {
	Aggregate   float64      `json:"aggregate"`
	Progress    int          `json:"progress"`
	IsUnlocked  bool         `json:"is_unlocked"`
	IsCompleted bool         `json:"is_completed"`
	Data        ProgressData `json:"progress_data"`
}

// HasProgress reports whether the computation warrants creating a record.
func (c Computed) HasProgress() bool { return c.IsUnlocked || c.IsCompleted }

// Transition describes what an upsert did to the stored record.
type Transition struct {
	Record             UserBadge          `json:"record"`
	Created            bool               `json:"created"`
	Changed            bool               `json:"changed"`
	WasCompleted       bool               `json:"was_completed"`
	JustUnlocked       bool               `json:"just_unlocked"`
	JustCompleted      bool               `json:"just_completed"`
	Transaction        *TransactionRecord `json:"transaction,omitempty"`
	SkippedEmptyRecord bool               `json:"-"`
}

// MergeProgress applies a computed state to an existing record (nil when none
// is stored). Flags are OR-ed, timestamps are only ever set once, and the
// progress of an already completed badge never goes down.
func MergeProgress(existing *UserBadge, user UserID, badge BadgeID, computed Computed, now time.Time) Transition {
	now = now.UTC()
	if existing == nil {
		if !computed.HasProgress() {
			return Transition{
				Record:             UserBadge{UserID: user, BadgeID: badge, Progress: computed.Progress, ProgressData: computed.Data},
				SkippedEmptyRecord: true,
			}
		}
		rec := UserBadge{
			UserID:       user,
			BadgeID:      badge,
			Progress:     computed.Progress,
			IsUnlocked:   computed.IsUnlocked || computed.IsCompleted,
			IsCompleted:  computed.IsCompleted,
			ProgressData: computed.Data,
			UpdatedAt:    now,
		}
		if rec.IsUnlocked {
			rec.UnlockedAt = &now
		}
		if rec.IsCompleted {
			rec.EarnedAt = &now
		}
		return Transition{
			Record:        rec,
			Created:       true,
			Changed:       true,
			JustUnlocked:  rec.IsUnlocked,
			JustCompleted: rec.IsCompleted,
		}
	}

	prev := *existing
	next := prev
	next.UserID, next.BadgeID = user, badge
	next.IsCompleted = prev.IsCompleted || computed.IsCompleted
	next.IsUnlocked = prev.IsUnlocked || computed.IsUnlocked || next.IsCompleted
	next.Progress = computed.Progress
	if prev.IsCompleted && prev.Progress > next.Progress {
		next.Progress = prev.Progress
	}
	next.ProgressData = computed.Data
	if next.IsUnlocked && next.UnlockedAt == nil {
		next.UnlockedAt = &now
	}
	if next.IsCompleted && next.EarnedAt == nil {
		next.EarnedAt = &now
	}

	changed := next.Progress != prev.Progress ||
		next.IsUnlocked != prev.IsUnlocked ||
		next.IsCompleted != prev.IsCompleted ||
		!sameTime(next.UnlockedAt, prev.UnlockedAt) ||
		!sameTime(next.EarnedAt, prev.EarnedAt) ||
		!next.ProgressData.Equal(prev.ProgressData)
	if changed {
		next.UpdatedAt = now
	}
	return Transition{
		Record:        next,
		Changed:       changed,
		WasCompleted:  prev.IsCompleted,
		JustUnlocked:  next.IsUnlocked && !prev.IsUnlocked,
		JustCompleted: next.IsCompleted && !prev.IsCompleted,
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// RewardGrant describes the currency/experience owed for completing a badge.
type RewardGrant struct {
	UserID   UserID  `json:"user_id"`
	BadgeID  BadgeID `json:"badge_id"`
	Diamonds int64   `json:"diamonds"`
	XP       int64   `json:"xp"`
}

// Empty reports whether the grant carries nothing worth recording.
func (g RewardGrant) Empty() bool { return g.Diamonds <= 0 && g.XP <= 0 }

// IdempotencyKey is unique per (user, badge) so a badge reward is granted once.
func (g RewardGrant) IdempotencyKey() string {
	return RewardKey(g.UserID, g.BadgeID)
}

// RewardKey derives the ledger idempotency key for a (user, badge) pair.
func RewardKey(user UserID, badge BadgeID) string {
	return fmt.Sprintf("badge:%s:%s", user, badge)
}

// NewTransaction builds the audit record for a grant.
func NewTransaction(g RewardGrant, now time.Time) TransactionRecord {
	return TransactionRecord{
		ID:             uuid.NewString(),
		UserID:         g.UserID,
		BadgeID:        g.BadgeID,
		Diamonds:       g.Diamonds,
		XP:             g.XP,
		IdempotencyKey: g.IdempotencyKey(),
		Reason:         "badge_completed",
		CreatedAt:      now.UTC(),
	}
}

// UpsertRequest carries one computed state into a progress store. Reward, when
// set, is granted in the same atomic unit only if the upsert flips the record
// to completed.
type UpsertRequest struct {
	UserID   UserID
	BadgeID  BadgeID
	Computed Computed
	Reward   *RewardGrant
	Now      time.Time
}
