package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"badgekit/core"
	"badgekit/evaluator"
)

// ErrPartialMeasurement reports that at least one rule of a badge could not be
// measured. The accompanying result carries the failures and nothing was persisted.
var ErrPartialMeasurement = errors.New("partial measurement")

// RecomputeOptions control what a recompute may write.
type RecomputeOptions struct {
	Persist         bool
	AwardOnComplete bool
}

// RuleFailure is a rule whose data could not be read.
type RuleFailure struct {
	RuleID  string      `json:"rule_id"`
	Metric  core.Metric `json:"metric"`
	Message string      `json:"error"`
	Err     error       `json:"-"`
}

// BadgeResult is the outcome of recomputing one badge for one user.
type BadgeResult struct {
	UserID        core.UserID             `json:"user_id"`
	BadgeID       core.BadgeID            `json:"badge_id"`
	Title         string                  `json:"title"`
	Computed      core.Computed           `json:"computed"`
	Persisted     bool                    `json:"persisted"`
	Record        *core.UserBadge         `json:"record,omitempty"`
	JustUnlocked  bool                    `json:"just_unlocked"`
	JustCompleted bool                    `json:"just_completed"`
	Transaction   *core.TransactionRecord `json:"transaction,omitempty"`
	Failures      []RuleFailure           `json:"failures,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

// RecomputeSummary is the outcome of recomputing every active badge.
type RecomputeSummary struct {
	UserID         core.UserID    `json:"user_id"`
	Results        []BadgeResult  `json:"results"`
	NewlyCompleted []core.BadgeID `json:"newly_completed"`
	Failed         []core.BadgeID `json:"failed,omitempty"`
}

// Service evaluates badge rules, persists progress and issues rewards.
type Service struct {
	catalog  BadgeConfigRepository
	source   evaluator.Source
	store    ProgressStore
	ledger   RewardLedger
	registry *evaluator.Registry
	legacy   LegacyCondition
	bus      *EventBus
	logger   *slog.Logger
	now      func() time.Time

	concurrency    int
	persistRetries uint64
	retryInitial   time.Duration
	retryMax       time.Duration
}

// Option configures a Service.
type Option func(*Service)

func WithRegistry(r *evaluator.Registry) Option { return func(s *Service) { s.registry = r } }

func WithLegacyCondition(c LegacyCondition) Option { return func(s *Service) { s.legacy = c } }

func WithEventBus(b *EventBus) Option { return func(s *Service) { s.bus = b } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// WithClock sets the time source used for windows and timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithConcurrency bounds how many badges RecomputeAll evaluates at once.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithPersistRetry configures the exponential backoff around Upsert.
func WithPersistRetry(retries uint64, initial, maxInterval time.Duration) Option {
	return func(s *Service) {
		s.persistRetries = retries
		if initial > 0 {
			s.retryInitial = initial
		}
		if maxInterval > 0 {
			s.retryMax = maxInterval
		}
	}
}

func NewService(catalog BadgeConfigRepository, source evaluator.Source, store ProgressStore, ledger RewardLedger, opts ...Option) *Service {
	if catalog == nil || source == nil || store == nil || ledger == nil {
		panic("NewService requires non-nil catalog, source, store, and ledger")
	}
	s := &Service{
		catalog:        catalog,
		source:         source,
		store:          store,
		ledger:         ledger,
		registry:       evaluator.DefaultRegistry(),
		legacy:         noLegacyCondition{},
		logger:         slog.Default(),
		now:            time.Now,
		concurrency:    4,
		persistRetries: 3,
		retryInitial:   50 * time.Millisecond,
		retryMax:       time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a handler on the service's event bus, if any.
func (s *Service) Subscribe(typ core.EventType, handler Handler) func() {
	if s.bus == nil {
		return func() {}
	}
	return s.bus.Subscribe(typ, handler)
}

// RecomputeOne evaluates one badge for user. On a measurement failure the
// partial result is returned with an error matching ErrPartialMeasurement.
func (s *Service) RecomputeOne(ctx context.Context, user core.UserID, badgeID core.BadgeID, opts RecomputeOptions) (BadgeResult, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return BadgeResult{}, err
	}
	if err := core.ValidateBadgeID(badgeID); err != nil {
		return BadgeResult{}, err
	}
	badge, err := s.catalog.GetBadge(ctx, badgeID)
	if err != nil {
		return BadgeResult{}, fmt.Errorf("load badge %s: %w", badgeID, err)
	}
	return s.recompute(ctx, s.source, normalized, badge, s.now(), opts)
}

// RecomputeAll evaluates every active badge for user in display order. Badge
// level failures are reported in the summary; the error is reserved for
// catalog failures and cancellation.
func (s *Service) RecomputeAll(ctx context.Context, user core.UserID, opts RecomputeOptions) (RecomputeSummary, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return RecomputeSummary{}, err
	}
	badges, err := s.catalog.ListActiveBadgesWithRules(ctx)
	if err != nil {
		return RecomputeSummary{}, fmt.Errorf("list badges: %w", err)
	}
	SortBadges(badges)

	src := evaluator.NewCachedSource(s.source)
	now := s.now()
	results := make([]BadgeResult, len(badges))
	failed := make([]bool, len(badges))
	for i, b := range badges {
		results[i] = BadgeResult{UserID: normalized, BadgeID: b.ID, Title: b.Title}
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, b := range badges {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := s.recompute(ctx, src, normalized, b, now, opts)
			results[i] = res
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				failed[i] = true
			}
			return nil
		})
	}
	err = g.Wait()

	sum := RecomputeSummary{UserID: normalized, Results: results, NewlyCompleted: []core.BadgeID{}}
	for i, r := range results {
		if r.JustCompleted {
			sum.NewlyCompleted = append(sum.NewlyCompleted, r.BadgeID)
		}
		if failed[i] {
			sum.Failed = append(sum.Failed, badges[i].ID)
		}
	}
	if err != nil {
		return sum, fmt.Errorf("recompute all: %w", err)
	}
	return sum, nil
}

// SortBadges orders badges by sort order, then rarity descending, then title.
func SortBadges(badges []core.Badge) {
	sort.SliceStable(badges, func(i, j int) bool {
		a, b := badges[i], badges[j]
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		if a.Rarity != b.Rarity {
			return a.Rarity > b.Rarity
		}
		return a.Title < b.Title
	})
}

func (s *Service) recompute(ctx context.Context, src evaluator.Source, user core.UserID, badge core.Badge, now time.Time, opts RecomputeOptions) (BadgeResult, error) {
	res := BadgeResult{UserID: user, BadgeID: badge.ID, Title: badge.Title}
	computed, failures := s.evaluate(ctx, src, user, badge, now)
	res.Computed = computed

	if len(failures) > 0 {
		res.Failures = failures
		errs := make([]error, 0, len(failures))
		for _, f := range failures {
			errs = append(errs, f.Err)
			s.publish(ctx, core.NewRuleFailed(user, badge.ID, f.RuleID, f.Metric, f.Err))
		}
		err := fmt.Errorf("%w: badge %s: %w", ErrPartialMeasurement, badge.ID, errors.Join(errs...))
		res.Error = err.Error()
		s.logger.Error("badge measurement failed",
			slog.String("user_id", string(user)),
			slog.String("badge_id", string(badge.ID)),
			slog.Int("failures", len(failures)),
			slog.String("error", err.Error()))
		return res, err
	}

	if !opts.Persist {
		existing, err := s.store.Load(ctx, user, badge.ID)
		if err != nil {
			err = fmt.Errorf("load progress %s: %w", badge.ID, err)
			res.Error = err.Error()
			return res, err
		}
		preview := core.MergeProgress(existing, user, badge.ID, computed, now)
		res.JustUnlocked, res.JustCompleted = preview.JustUnlocked, preview.JustCompleted
		if existing != nil {
			res.Record = existing
		}
		return res, nil
	}

	req := core.UpsertRequest{UserID: user, BadgeID: badge.ID, Computed: computed, Now: now}
	if opts.AwardOnComplete {
		req.Reward = RewardFor(badge, user)
	}
	tr, err := s.upsertWithRetry(ctx, req)
	if err != nil {
		err = fmt.Errorf("persist progress %s: %w", badge.ID, err)
		res.Error = err.Error()
		s.logger.Error("persist progress failed",
			slog.String("user_id", string(user)),
			slog.String("badge_id", string(badge.ID)),
			slog.String("error", err.Error()))
		return res, err
	}

	res.Persisted = !tr.SkippedEmptyRecord
	if res.Persisted {
		rec := tr.Record
		res.Record = &rec
	}
	res.JustUnlocked, res.JustCompleted = tr.JustUnlocked, tr.JustCompleted
	res.Transaction = tr.Transaction
	s.emitTransition(ctx, user, badge, tr)
	return res, nil
}

func (s *Service) evaluate(ctx context.Context, src evaluator.Source, user core.UserID, badge core.Badge, now time.Time) (core.Computed, []RuleFailure) {
	rules := badge.ActiveRules()
	if len(rules) == 0 {
		c, err := evaluateLegacy(ctx, s.legacy, user, badge)
		if err != nil {
			return c, []RuleFailure{{RuleID: legacyRuleID, Message: err.Error(), Err: err}}
		}
		return c, nil
	}

	progress := make([]core.RuleProgress, 0, len(rules))
	var failures []RuleFailure
	for _, rule := range rules {
		q := ResolveQuery(rule, s.registry, now)
		r, err := s.registry.Evaluate(ctx, src, user, q)
		if err != nil {
			failures = append(failures, RuleFailure{RuleID: rule.ID, Metric: rule.Metric, Message: err.Error(), Err: err})
		} else if r.Details != "" {
			s.logger.Warn("rule misconfigured",
				slog.String("badge_id", string(badge.ID)),
				slog.String("rule_id", rule.ID),
				slog.String("metric", string(rule.Metric)),
				slog.String("details", r.Details))
		}
		progress = append(progress, core.RuleProgress{
			RuleID:     rule.ID,
			Metric:     rule.Metric,
			Current:    r.Current,
			Target:     r.Target,
			Normalized: r.Normalized,
			Weight:     rule.EffectiveWeight(),
			Details:    r.Details,
		})
	}
	return Aggregate(progress), failures
}

func (s *Service) upsertWithRetry(ctx context.Context, req core.UpsertRequest) (core.Transition, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.retryInitial
	exp.MaxInterval = s.retryMax
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, s.persistRetries), ctx)

	var tr core.Transition
	attempt := 0
	op := func() error {
		attempt++
		var err error
		tr, err = s.store.Upsert(ctx, req)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		s.logger.Warn("upsert failed, retrying",
			slog.String("user_id", string(req.UserID)),
			slog.String("badge_id", string(req.BadgeID)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		return err
	}
	if err := backoff.Retry(op, policy); err != nil {
		return core.Transition{}, err
	}
	return tr, nil
}

func (s *Service) emitTransition(ctx context.Context, user core.UserID, badge core.Badge, tr core.Transition) {
	if tr.JustUnlocked {
		s.publish(ctx, core.NewBadgeUnlocked(user, badge.ID, tr.Record.Progress))
	}
	if tr.JustCompleted {
		s.logger.Info("badge completed",
			slog.String("user_id", string(user)),
			slog.String("badge_id", string(badge.ID)))
		s.publish(ctx, core.NewBadgeCompleted(user, badge.ID))
	}
	if tr.Transaction != nil {
		s.logger.Info("reward granted",
			slog.String("user_id", string(user)),
			slog.String("badge_id", string(badge.ID)),
			slog.Int64("diamonds", tr.Transaction.Diamonds),
			slog.Int64("xp", tr.Transaction.XP),
			slog.String("transaction_id", tr.Transaction.ID))
		s.publish(ctx, core.NewRewardGranted(*tr.Transaction))
	}
}

func (s *Service) publish(ctx context.Context, ev core.Event) {
	if s.bus != nil {
		s.bus.Publish(ctx, ev)
	}
}

// Summary rolls up the user's stored badge records against the active catalog.
func (s *Service) Summary(ctx context.Context, user core.UserID) (core.AchievementsSummary, error) {
	normalized, err := core.NormalizeUserID(user)
	if err != nil {
		return core.AchievementsSummary{}, err
	}
	badges, err := s.catalog.ListActiveBadgesWithRules(ctx)
	if err != nil {
		return core.AchievementsSummary{}, fmt.Errorf("list badges: %w", err)
	}
	records, err := s.store.ListByUser(ctx, normalized)
	if err != nil {
		return core.AchievementsSummary{}, fmt.Errorf("list progress: %w", err)
	}
	acct, err := s.ledger.Account(ctx, normalized)
	if err != nil {
		return core.AchievementsSummary{}, fmt.Errorf("load account: %w", err)
	}

	active := make(map[core.BadgeID]struct{}, len(badges))
	for _, b := range badges {
		active[b.ID] = struct{}{}
	}
	sum := core.AchievementsSummary{UserID: normalized, Total: len(badges), XP: acct.XP, Level: core.DefaultLevel(acct.XP)}
	for _, r := range records {
		if _, ok := active[r.BadgeID]; !ok {
			continue
		}
		switch r.State() {
		case core.StateCompleted:
			sum.Completed++
		case core.StateInProgress:
			sum.InProgress++
		}
	}
	return sum, nil
}

// Close releases the event bus.
func (s *Service) Close() {
	if s.bus != nil {
		s.bus.Close()
	}
}
