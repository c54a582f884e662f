package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"badgekit/core"
	"badgekit/engine"
)

// IdempotencyHeader carries <event type>:badge:<user>:<badge> so receivers can
// drop redeliveries without conflating the completion and reward events of
// one badge.
const IdempotencyHeader = "Idempotency-Key"

// Subscriber is the part of the event bus the sink needs.
type Subscriber interface {
	Subscribe(typ core.EventType, handler engine.Handler) func()
}

// Sink posts completion and reward events to configured HTTP endpoints, for
// collaborators that fulfil what the engine does not grant itself (card packs,
// special rewards). Deliveries are retried per endpoint, but an event the bus
// drops (async dispatch with a full queue) is never posted, so receivers
// should reconcile against the transaction ledger.
type Sink struct {
	client    *http.Client
	endpoints []string
	retries   uint64
	interval  time.Duration
	logger    *slog.Logger
}

// Option configures a Sink.
type Option func(*Sink)

// WithClient overrides the HTTP client (defaults to 2s timeout).
func WithClient(c *http.Client) Option {
	return func(s *Sink) {
		if c != nil {
			s.client = c
		}
	}
}

// WithRetries sets how many times a failed delivery is retried per endpoint.
func WithRetries(n uint64, initial time.Duration) Option {
	return func(s *Sink) {
		s.retries = n
		if initial > 0 {
			s.interval = initial
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) {
		if l != nil {
			s.logger = l
		}
	}
}

// New creates a webhook sink.
func New(endpoints []string, opts ...Option) *Sink {
	s := &Sink{
		client:   &http.Client{Timeout: 2 * time.Second},
		retries:  2,
		interval: 100 * time.Millisecond,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.endpoints = append([]string{}, endpoints...)
	return s
}

// Attach subscribes the sink to completion and reward events and returns a
// function that removes both subscriptions.
func (s *Sink) Attach(bus Subscriber) func() {
	offCompleted := bus.Subscribe(core.EventBadgeCompleted, s.OnEvent)
	offReward := bus.Subscribe(core.EventRewardGranted, s.OnEvent)
	return func() {
		offCompleted()
		offReward()
	}
}

// OnEvent posts the event JSON to all endpoints. Failures are logged once
// retries are exhausted; they never reach the recompute that produced the event.
func (s *Sink) OnEvent(ctx context.Context, e core.Event) {
	if len(s.endpoints) == 0 {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("webhook encode failed", slog.String("type", string(e.Type)), slog.String("error", err.Error()))
		return
	}
	key := idempotencyKey(e)
	for _, ep := range s.endpoints {
		if err := s.deliver(ctx, ep, key, body); err != nil {
			s.logger.Error("webhook delivery failed",
				slog.String("endpoint", ep),
				slog.String("type", string(e.Type)),
				slog.String("user_id", string(e.UserID)),
				slog.String("badge_id", string(e.BadgeID)),
				slog.String("error", err.Error()))
		}
	}
}

func idempotencyKey(e core.Event) string {
	return fmt.Sprintf("%s:%s", e.Type, core.RewardKey(e.UserID, e.BadgeID))
}

func (s *Sink) deliver(ctx context.Context, endpoint, key string, body []byte) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.interval
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, s.retries), ctx)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(IdempotencyHeader, key)
		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		switch {
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("endpoint returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("endpoint rejected event with %d", resp.StatusCode))
		}
		return nil
	}, policy)
}
