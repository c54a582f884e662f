package core

import "time"

// EventType enumerates domain events.
type EventType string

const (
	EventBadgeUnlocked  EventType = "badge_unlocked"
	EventBadgeCompleted EventType = "badge_completed"
	EventRewardGranted  EventType = "reward_granted"
	EventRuleFailed     EventType = "rule_failed"
)

// Event represents an immutable domain event.
type Event struct {
	Type     EventType      `json:"type"`
	Time     time.Time      `json:"time"`
	UserID   UserID         `json:"user_id"`
	BadgeID  BadgeID        `json:"badge_id,omitempty"`
	RuleID   string         `json:"rule_id,omitempty"`
	Metric   Metric         `json:"metric,omitempty"`
	Progress int            `json:"progress,omitempty"`
	Diamonds int64          `json:"diamonds,omitempty"`
	XP       int64          `json:"xp,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func NewBadgeUnlocked(user UserID, badge BadgeID, progress int) Event {
	return Event{Type: EventBadgeUnlocked, Time: time.Now().UTC(), UserID: user, BadgeID: badge, Progress: progress}
}

func NewBadgeCompleted(user UserID, badge BadgeID) Event {
	return Event{Type: EventBadgeCompleted, Time: time.Now().UTC(), UserID: user, BadgeID: badge, Progress: 100}
}

func NewRewardGranted(tx TransactionRecord) Event {
	return Event{
		Type:     EventRewardGranted,
		Time:     tx.CreatedAt,
		UserID:   tx.UserID,
		BadgeID:  tx.BadgeID,
		Diamonds: tx.Diamonds,
		XP:       tx.XP,
		Metadata: map[string]any{"transaction_id": tx.ID},
	}
}

func NewRuleFailed(user UserID, badge BadgeID, ruleID string, metric Metric, cause error) Event {
	return Event{
		Type:     EventRuleFailed,
		Time:     time.Now().UTC(),
		UserID:   user,
		BadgeID:  badge,
		RuleID:   ruleID,
		Metric:   metric,
		Metadata: map[string]any{"error": cause.Error()},
	}
}
