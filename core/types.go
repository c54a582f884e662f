package core

import (
	"errors"
	"math"
	"strings"
	"time"
)

// UserID uniquely identifies a user in the achievement domain.
type UserID string

// BadgeID identifies a badge definition.
type BadgeID string

// Metric names the category of user data a rule measures.
type Metric string

const (
	MetricActivitiesCompleted Metric = "activities_completed"
	MetricQuizzesCompleted    Metric = "quizzes_completed"
	MetricQuizCorrect         Metric = "quiz_correct"
	MetricLoginStreak         Metric = "login_streak"
	MetricDiamondsEarned      Metric = "diamonds_earned"
	MetricCodeSubmissions     Metric = "code_submissions"
	MetricSkillMastery        Metric = "skill_mastery"
)

// RuleType is informational; evaluation dispatch is keyed by Metric.
type RuleType string

const (
	RuleCount        RuleType = "count"
	RuleStreak       RuleType = "streak"
	RuleMilestone    RuleType = "milestone"
	RuleTimeBased    RuleType = "time_based"
	RuleCombo        RuleType = "combo"
	RuleSkillMastery RuleType = "skill_mastery"
)

var (
	ErrEmptyUserID    = errors.New("empty user id")
	ErrInvalidBadgeID = errors.New("invalid badge id")
)

// Badge is a named achievement definition. The engine never mutates it.
type Badge struct {
	ID             BadgeID     `json:"id" db:"id" validate:"required"`
	Title          string      `json:"title" db:"title" validate:"required"`
	Description    string      `json:"description,omitempty" db:"description"`
	Category       string      `json:"category,omitempty" db:"category"`
	Rarity         int         `json:"rarity" db:"rarity" validate:"gte=0"`
	TargetValue    int64       `json:"target_value,omitempty" db:"target_value" validate:"gte=0"`
	RewardDiamonds int64       `json:"reward_diamonds" db:"reward_diamonds" validate:"gte=0"`
	RewardXP       int64       `json:"reward_xp" db:"reward_xp" validate:"gte=0"`
	RewardCardPack *string     `json:"reward_card_pack,omitempty" db:"reward_card_pack"`
	SpecialReward  *string     `json:"special_reward,omitempty" db:"special_reward"`
	IsActive       bool        `json:"is_active" db:"is_active"`
	IsHidden       bool        `json:"is_hidden" db:"is_hidden"`
	SortOrder      int         `json:"sort_order" db:"sort_order"`
	Condition      string      `json:"condition,omitempty" db:"legacy_condition"`
	Rules          []BadgeRule `json:"rules,omitempty" db:"-" validate:"dive"`
}

// ActiveRules returns the rules that take part in aggregation, in order.
func (b Badge) ActiveRules() []BadgeRule {
	out := make([]BadgeRule, 0, len(b.Rules))
	for _, r := range b.Rules {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}

// BadgeRule is one weighted, measurable condition contributing to a badge.
type BadgeRule struct {
	ID         string         `json:"id" db:"id" validate:"required"`
	BadgeID    BadgeID        `json:"badge_id,omitempty" db:"badge_id"`
	RuleType   RuleType       `json:"rule_type" db:"rule_type" validate:"omitempty,oneof=count streak milestone time_based combo skill_mastery"`
	Metric     Metric         `json:"metric" db:"metric" validate:"required"`
	Target     *int64         `json:"target,omitempty" db:"target"`
	Weight     float64        `json:"weight" db:"weight"`
	Definition RuleDefinition `json:"definition" db:"definition"`
	IsActive   bool           `json:"is_active" db:"is_active"`
	Position   int            `json:"position,omitempty" db:"position"`
}

// EffectiveWeight treats zero and negative weights as zero.
func (r BadgeRule) EffectiveWeight() float64 {
	if r.Weight <= 0 || math.IsNaN(r.Weight) {
		return 0
	}
	return r.Weight
}

// RuleDefinition holds the optional filters of a rule.
type RuleDefinition struct {
	Category         string   `json:"category,omitempty"`
	ActivityType     string   `json:"activity_type,omitempty"`
	DifficultyGte    *int     `json:"difficulty_gte,omitempty"`
	DifficultyLte    *int     `json:"difficulty_lte,omitempty"`
	Tags             []string `json:"tags,omitempty"`
	TimeWindowDays   *int     `json:"time_window_days,omitempty" validate:"omitempty,gte=0"`
	MinScore         *float64 `json:"min_score,omitempty"`
	Consecutive      *int64   `json:"consecutive,omitempty"`
	SkillKey         string   `json:"skill_key,omitempty"`
	MasteryThreshold *int64   `json:"mastery_threshold,omitempty"`
}

// RuleResult is the transient outcome of evaluating one rule.
type RuleResult struct {
	Current    int64   `json:"current"`
	Target     int64   `json:"target"`
	Normalized float64 `json:"normalized"`
	Details    string  `json:"details,omitempty"`
}

// Normalize maps current/target to [0,1]. A non-positive target rewards any
// positive progress with a full score.
func Normalize(current, target int64) float64 {
	if target <= 0 {
		if current > 0 {
			return 1
		}
		return 0
	}
	n := float64(current) / float64(target)
	switch {
	case n < 0 || math.IsNaN(n):
		return 0
	case n > 1:
		return 1
	default:
		return n
	}
}

// NormalizeUserID trims surrounding whitespace and rejects empty ids. Case is
// preserved: ids belong to the caller and key both metrics and progress.
func NormalizeUserID(id UserID) (UserID, error) {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return "", ErrEmptyUserID
	}
	return UserID(s), nil
}

// ValidateBadgeID ensures non-empty badge id with simple charset check.
func ValidateBadgeID(b BadgeID) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		return ErrInvalidBadgeID
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' {
			continue
		}
		return ErrInvalidBadgeID
	}
	return nil
}

// DefaultLevel computes a level from total XP using a sublinear curve.
// level = floor(sqrt(xp)/10) + 1, ensuring at least 1.
func DefaultLevel(totalXP int64) int64 {
	if totalXP <= 0 {
		return 1
	}
	lvl := int64(math.Floor(math.Sqrt(float64(totalXP))/10.0)) + 1
	if lvl < 1 {
		return 1
	}
	return lvl
}

// AchievementsSummary is a roll-up of one user's badge records.
type AchievementsSummary struct {
	UserID     UserID `json:"user_id"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	InProgress int    `json:"in_progress"`
	Level      int64  `json:"level"`
	XP         int64  `json:"xp"`
}

// Account is a user's reward balance.
type Account struct {
	UserID   UserID `json:"user_id" db:"user_id"`
	Diamonds int64  `json:"diamonds" db:"diamonds"`
	XP       int64  `json:"xp" db:"xp"`
}

// TransactionRecord is the immutable audit entry written for a reward grant.
type TransactionRecord struct {
	ID             string    `json:"id" db:"id"`
	UserID         UserID    `json:"user_id" db:"user_id"`
	BadgeID        BadgeID   `json:"badge_id" db:"badge_id"`
	Diamonds       int64     `json:"diamonds" db:"diamonds"`
	XP             int64     `json:"xp" db:"xp"`
	IdempotencyKey string    `json:"idempotency_key" db:"idempotency_key"`
	Reason         string    `json:"reason" db:"reason"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
