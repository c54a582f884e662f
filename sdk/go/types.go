package sdk

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RuleProgress mirrors one rule entry of a progress snapshot.
type RuleProgress struct {
	RuleID     string  `json:"rule_id"`
	Metric     string  `json:"metric"`
	Current    int64   `json:"current"`
	Target     int64   `json:"target"`
	Normalized float64 `json:"normalized"`
	Weight     float64 `json:"weight"`
	Details    string  `json:"details,omitempty"`
}

// ProgressData mirrors the stored snapshot.
type ProgressData struct {
	Rules      []RuleProgress `json:"rules"`
	CurrentSum int64          `json:"current_sum"`
	TargetSum  int64          `json:"target_sum"`
	Legacy     bool           `json:"legacy,omitempty"`
}

// Computed is the aggregate verdict of one evaluation.
type Computed struct {
	Aggregate    float64      `json:"aggregate"`
	Progress     int          `json:"progress"`
	IsUnlocked   bool         `json:"is_unlocked"`
	IsCompleted  bool         `json:"is_completed"`
	ProgressData ProgressData `json:"progress_data"`
}

// UserBadge is a persisted progress record.
type UserBadge struct {
	UserID       string       `json:"user_id"`
	BadgeID      string       `json:"badge_id"`
	Progress     int          `json:"progress"`
	IsUnlocked   bool         `json:"is_unlocked"`
	IsCompleted  bool         `json:"is_completed"`
	UnlockedAt   *time.Time   `json:"unlocked_at,omitempty"`
	EarnedAt     *time.Time   `json:"earned_at,omitempty"`
	ProgressData ProgressData `json:"progress_data"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Transaction is a reward ledger entry.
type Transaction struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	BadgeID        string    `json:"badge_id"`
	Diamonds       int64     `json:"diamonds"`
	XP             int64     `json:"xp"`
	IdempotencyKey string    `json:"idempotency_key"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// RuleFailure names a rule whose data could not be read.
type RuleFailure struct {
	RuleID string `json:"rule_id"`
	Metric string `json:"metric"`
	Error  string `json:"error"`
}

// BadgeResult is the outcome of recomputing one badge.
type BadgeResult struct {
	UserID        string        `json:"user_id"`
	BadgeID       string        `json:"badge_id"`
	Title         string        `json:"title"`
	Computed      Computed      `json:"computed"`
	Persisted     bool          `json:"persisted"`
	Record        *UserBadge    `json:"record,omitempty"`
	JustUnlocked  bool          `json:"just_unlocked"`
	JustCompleted bool          `json:"just_completed"`
	Transaction   *Transaction  `json:"transaction,omitempty"`
	Failures      []RuleFailure `json:"failures,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// RecomputeSummary is the outcome of recomputing every active badge.
type RecomputeSummary struct {
	UserID         string        `json:"user_id"`
	Results        []BadgeResult `json:"results"`
	NewlyCompleted []string      `json:"newly_completed"`
	Failed         []string      `json:"failed,omitempty"`
}

// Summary is a user's achievements roll-up.
type Summary struct {
	UserID     string `json:"user_id"`
	Total      int    `json:"total"`
	Completed  int    `json:"completed"`
	InProgress int    `json:"in_progress"`
	Level      int64  `json:"level"`
	XP         int64  `json:"xp"`
}

// HealthStatus describes the /healthz response.
type HealthStatus struct {
	Status string                 `json:"status"`
	Checks map[string]interface{} `json:"checks"`
}

// RecomputeParams map onto the persist and award query parameters. Nil
// fields use the server defaults.
type RecomputeParams struct {
	Persist *bool
	Award   *bool
}

// APIError is a non-2xx response carrying the server error envelope.
type APIError struct {
	Status  int             `json:"-"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("request failed: status %d", e.Status)
	}
	return fmt.Sprintf("request failed: status %d: %s: %s", e.Status, e.Code, e.Message)
}

// Retryable reports whether the same request may succeed later.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests
}

// PartialResult decodes the badge result attached to a partial_measurement error.
func (e *APIError) PartialResult() (BadgeResult, bool) {
	var res BadgeResult
	if e.Code != "partial_measurement" || len(e.Details) == 0 {
		return res, false
	}
	if err := json.Unmarshal(e.Details, &res); err != nil {
		return res, false
	}
	return res, true
}

func decodeJSON(resp *http.Response, target any) error {
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

var (
	// ErrEmptyUserID is returned when user id is empty.
	ErrEmptyUserID = errors.New("user id is required")
	// ErrEmptyBadgeID is returned when badge id is empty.
	ErrEmptyBadgeID = errors.New("badge id is required")
)
