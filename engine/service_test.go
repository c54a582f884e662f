package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"badgekit/adapters/memory"
	"badgekit/core"
	"badgekit/evaluator"
)

func ptr[T any](v T) *T { return &v }

var persistAward = RecomputeOptions{Persist: true, AwardOnComplete: true}

type fixture struct {
	svc     *Service
	src     *memory.Source
	store   *memory.Store
	catalog *memory.Catalog
	bus     *EventBus
	now     time.Time
}

func newFixture(t *testing.T, badges ...core.Badge) *fixture {
	t.Helper()
	f := &fixture{
		src:     memory.NewSource(),
		store:   memory.New(),
		catalog: memory.NewCatalog(badges...),
		bus:     NewEventBus(DispatchSync),
		now:     time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
	f.svc = NewService(f.catalog, f.src, f.store, f.store,
		WithEventBus(f.bus),
		WithClock(func() time.Time { return f.now }),
		WithPersistRetry(2, time.Millisecond, 5*time.Millisecond),
	)
	return f
}

func quizMaster() core.Badge {
	return core.Badge{
		ID:             "quiz-master",
		Title:          "Quiz Master",
		IsActive:       true,
		RewardDiamonds: 50,
		RewardXP:       400,
		Rules: []core.BadgeRule{
			{ID: "A", Metric: core.MetricQuizzesCompleted, Target: ptr[int64](10), Weight: 1, IsActive: true},
			{ID: "B", Metric: core.MetricQuizCorrect, Target: ptr[int64](50), Weight: 2, IsActive: true},
		},
	}
}

func streakBadge() core.Badge {
	return core.Badge{
		ID:             "streak-7",
		Title:          "Week Streak",
		IsActive:       true,
		RewardDiamonds: 10,
		Rules: []core.BadgeRule{
			{ID: "S", Metric: core.MetricLoginStreak, Target: ptr[int64](7), Weight: 1, IsActive: true},
		},
	}
}

func (f *fixture) addQuizzes(user core.UserID, n int, correct int64) {
	for i := 0; i < n; i++ {
		f.src.AddQuiz(user, memory.QuizAttempt{Score: 80, CorrectCount: correct, Completed: true, CompletedAt: f.now.Add(-time.Hour)})
	}
}

func TestScenarioPartialQuizProgress(t *testing.T) {
	f := newFixture(t, quizMaster())
	f.addQuizzes("u", 5, 5)

	res, err := f.svc.RecomputeOne(context.Background(), "u", "quiz-master", persistAward)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Computed.Aggregate, 1e-9)
	assert.Equal(t, 50, res.Computed.Progress)
	assert.False(t, res.Computed.IsCompleted)
	assert.True(t, res.JustUnlocked)
	assert.False(t, res.JustCompleted)
	require.Len(t, res.Computed.Data.Rules, 2)
	assert.InDelta(t, 0.5, res.Computed.Data.Rules[0].Normalized, 1e-9)
	assert.InDelta(t, 0.5, res.Computed.Data.Rules[1].Normalized, 1e-9)
}

func TestScenarioQuizCompletionGrantsOnce(t *testing.T) {
	f := newFixture(t, quizMaster())
	f.addQuizzes("u", 5, 5)
	_, err := f.svc.RecomputeOne(context.Background(), "u", "quiz-master", persistAward)
	require.NoError(t, err)

	f.addQuizzes("u", 5, 5)
	res, err := f.svc.RecomputeOne(context.Background(), "u", "quiz-master", persistAward)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Computed.Progress)
	assert.True(t, res.JustCompleted)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, int64(50), res.Transaction.Diamonds)

	res, err = f.svc.RecomputeOne(context.Background(), "u", "quiz-master", persistAward)
	require.NoError(t, err)
	assert.False(t, res.JustCompleted)
	assert.Nil(t, res.Transaction)

	txs, err := f.store.Transactions(context.Background(), "u")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestScenarioStreakOverTarget(t *testing.T) {
	f := newFixture(t, streakBadge())
	f.src.SetLoginStreak("u", 10)

	res, err := f.svc.RecomputeOne(context.Background(), "u", "streak-7", persistAward)
	require.NoError(t, err)
	assert.Equal(t, 1.0, res.Computed.Data.Rules[0].Normalized)
	assert.Equal(t, 100, res.Computed.Progress)
	assert.Equal(t, int64(7), res.Computed.Data.CurrentSum)
	assert.Equal(t, int64(7), res.Computed.Data.TargetSum)
}

func TestScenarioUnknownSkill(t *testing.T) {
	badge := core.Badge{
		ID:       "polymath",
		Title:    "Polymath",
		IsActive: true,
		Rules: []core.BadgeRule{
			{ID: "skill", Metric: core.MetricSkillMastery, Weight: 1, IsActive: true, Definition: core.RuleDefinition{SkillKey: "no-such-skill"}},
			{ID: "streak", Metric: core.MetricLoginStreak, Target: ptr[int64](10), Weight: 1, IsActive: true},
		},
	}
	f := newFixture(t, badge)
	f.src.SetLoginStreak("u", 5)

	res, err := f.svc.RecomputeOne(context.Background(), "u", "polymath", persistAward)
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	skill := res.Computed.Data.Rules[0]
	assert.Zero(t, skill.Current)
	assert.Zero(t, skill.Normalized)
	assert.NotEmpty(t, skill.Details)
	assert.Equal(t, 25, res.Computed.Progress)
}

func TestUserIDCaseIsPreserved(t *testing.T) {
	f := newFixture(t, streakBadge())
	f.src.SetLoginStreak("User-AB", 10)

	res, err := f.svc.RecomputeOne(context.Background(), " User-AB ", "streak-7", persistAward)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Computed.Progress)
	assert.True(t, res.JustCompleted)
	require.NotNil(t, res.Record)
	assert.Equal(t, core.UserID("User-AB"), res.Record.UserID)

	f.src.SetLoginStreak("alice", 7)
	f.src.SetLoginStreak("Alice", 7)
	for _, user := range []core.UserID{"alice", "Alice"} {
		res, err := f.svc.RecomputeOne(context.Background(), user, "streak-7", persistAward)
		require.NoError(t, err)
		assert.True(t, res.JustCompleted, user)
		txs, err := f.store.Transactions(context.Background(), user)
		require.NoError(t, err)
		assert.Len(t, txs, 1, user)
	}
}

func TestRecomputeIsIdempotent(t *testing.T) {
	f := newFixture(t, quizMaster())
	f.addQuizzes("u", 3, 4)

	_, err := f.svc.RecomputeOne(context.Background(), "u", "quiz-master", persistAward)
	require.NoError(t, err)
	first, err := f.store.Load(context.Background(), "u", "quiz-master")
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	_, err = f.svc.RecomputeOne(context.Background(), "u", "quiz-master", persistAward)
	require.NoError(t, err)
	second, err := f.store.Load(context.Background(), "u", "quiz-master")
	require.NoError(t, err)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	assert.Equal(t, string(a), string(b))
}

func TestCompletionIsMonotonic(t *testing.T) {
	f := newFixture(t, streakBadge())
	f.src.SetLoginStreak("u", 7)
	_, err := f.svc.RecomputeOne(context.Background(), "u", "streak-7", persistAward)
	require.NoError(t, err)

	f.src.SetLoginStreak("u", 0)
	res, err := f.svc.RecomputeOne(context.Background(), "u", "streak-7", persistAward)
	require.NoError(t, err)
	assert.Zero(t, res.Computed.Progress)
	require.NotNil(t, res.Record)
	assert.True(t, res.Record.IsCompleted)
	assert.Equal(t, 100, res.Record.Progress)
	assert.Equal(t, int64(0), res.Record.ProgressData.CurrentSum)
}

func TestConcurrentRecomputeGrantsOnce(t *testing.T) {
	f := newFixture(t, streakBadge())
	f.src.SetLoginStreak("u", 9)

	var wg sync.WaitGroup
	var mu sync.Mutex
	completions := 0
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.RecomputeOne(context.Background(), "u", "streak-7", persistAward)
			if err != nil {
				t.Error(err)
				return
			}
			if res.JustCompleted {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, completions)
	txs, _ := f.store.Transactions(context.Background(), "u")
	assert.Len(t, txs, 1)
	acct, _ := f.store.Account(context.Background(), "u")
	assert.Equal(t, int64(10), acct.Diamonds)
}

func TestMeasurementFailureIsNotPersisted(t *testing.T) {
	f := newFixture(t, quizMaster())
	f.addQuizzes("u", 10, 5)
	f.src.Fail(core.MetricQuizCorrect, errors.New("replica lag"))

	var failed []core.Event
	f.bus.Subscribe(core.EventRuleFailed, func(_ context.Context, e core.Event) { failed = append(failed, e) })

	res, err := f.svc.RecomputeOne(context.Background(), "u", "quiz-master", persistAward)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPartialMeasurement)
	assert.ErrorIs(t, err, evaluator.ErrMeasurement)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "B", res.Failures[0].RuleID)
	assert.False(t, res.Persisted)
	require.Len(t, failed, 1)
	assert.Equal(t, core.MetricQuizCorrect, failed[0].Metric)

	rec, err := f.store.Load(context.Background(), "u", "quiz-master")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestRecomputeWithoutPersist(t *testing.T) {
	f := newFixture(t, streakBadge())
	f.src.SetLoginStreak("u", 7)

	res, err := f.svc.RecomputeOne(context.Background(), "u", "streak-7", RecomputeOptions{})
	require.NoError(t, err)
	assert.True(t, res.JustCompleted)
	assert.False(t, res.Persisted)
	assert.Nil(t, res.Transaction)

	rec, _ := f.store.Load(context.Background(), "u", "streak-7")
	assert.Nil(t, rec)
}

func TestRecomputeWithoutAward(t *testing.T) {
	f := newFixture(t, streakBadge())
	f.src.SetLoginStreak("u", 7)

	res, err := f.svc.RecomputeOne(context.Background(), "u", "streak-7", RecomputeOptions{Persist: true})
	require.NoError(t, err)
	assert.True(t, res.JustCompleted)
	assert.Nil(t, res.Transaction)
	txs, _ := f.store.Transactions(context.Background(), "u")
	assert.Empty(t, txs)
}

func TestRecomputeOneInputErrors(t *testing.T) {
	f := newFixture(t, streakBadge())
	_, err := f.svc.RecomputeOne(context.Background(), "  ", "streak-7", persistAward)
	assert.ErrorIs(t, err, core.ErrEmptyUserID)
	_, err = f.svc.RecomputeOne(context.Background(), "u", "bad id!", persistAward)
	assert.ErrorIs(t, err, core.ErrInvalidBadgeID)
	_, err = f.svc.RecomputeOne(context.Background(), "u", "missing", persistAward)
	assert.ErrorIs(t, err, ErrBadgeNotFound)
}

func TestLegacyBadgeThroughService(t *testing.T) {
	badges := []core.Badge{
		{ID: "beta", Title: "Beta Tester", IsActive: true, Condition: "beta_tester", RewardXP: 100},
		{ID: "bare", Title: "Bare", IsActive: true},
	}
	f := newFixture(t, badges...)
	f.svc = NewService(f.catalog, f.src, f.store, f.store,
		WithClock(func() time.Time { return f.now }),
		WithLegacyCondition(LegacyConditionFunc(func(_ context.Context, u core.UserID, b core.Badge) (bool, error) {
			return u == "u" && b.Condition == "beta_tester", nil
		})),
	)

	res, err := f.svc.RecomputeOne(context.Background(), "u", "beta", persistAward)
	require.NoError(t, err)
	assert.True(t, res.JustCompleted)
	assert.Equal(t, 100, res.Computed.Progress)
	require.NotNil(t, res.Transaction)

	res, err = f.svc.RecomputeOne(context.Background(), "u", "bare", persistAward)
	require.NoError(t, err)
	assert.False(t, res.Computed.IsCompleted)
	assert.False(t, res.Persisted)
}

func TestRecomputeAllOrderAndNewlyCompleted(t *testing.T) {
	badges := []core.Badge{
		quizMaster(),
		streakBadge(),
		{ID: "first-login", Title: "First Login", IsActive: true, SortOrder: -1, Rules: []core.BadgeRule{
			{ID: "L", Metric: core.MetricLoginStreak, Weight: 1, IsActive: true},
		}},
		{ID: "legendary", Title: "Legend", IsActive: true, Rarity: 5, Rules: []core.BadgeRule{
			{ID: "D", Metric: core.MetricDiamondsEarned, Target: ptr[int64](1000), Weight: 1, IsActive: true},
		}},
		{ID: "retired", Title: "Retired", IsActive: false},
	}
	f := newFixture(t, badges...)
	f.src.SetLoginStreak("u", 8)
	f.src.AddCurrency("u", memory.CurrencyTx{Amount: 100, At: f.now})

	sum, err := f.svc.RecomputeAll(context.Background(), "u", persistAward)
	require.NoError(t, err)
	ids := make([]core.BadgeID, 0, len(sum.Results))
	for _, r := range sum.Results {
		ids = append(ids, r.BadgeID)
	}
	assert.Equal(t, []core.BadgeID{"first-login", "legendary", "quiz-master", "streak-7"}, ids)
	assert.Equal(t, []core.BadgeID{"first-login", "streak-7"}, sum.NewlyCompleted)
	assert.Empty(t, sum.Failed)

	again, err := f.svc.RecomputeAll(context.Background(), "u", persistAward)
	require.NoError(t, err)
	assert.Empty(t, again.NewlyCompleted)
}

func TestRecomputeAllReportsFailuresAndContinues(t *testing.T) {
	f := newFixture(t, quizMaster(), streakBadge())
	f.src.SetLoginStreak("u", 7)
	f.src.Fail(core.MetricQuizzesCompleted, errors.New("timeout"))

	sum, err := f.svc.RecomputeAll(context.Background(), "u", persistAward)
	require.NoError(t, err)
	assert.Equal(t, []core.BadgeID{"quiz-master"}, sum.Failed)
	assert.Equal(t, []core.BadgeID{"streak-7"}, sum.NewlyCompleted)
}

func TestRecomputeAllCanceled(t *testing.T) {
	f := newFixture(t, quizMaster(), streakBadge())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.RecomputeAll(ctx, "u", persistAward)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummary(t *testing.T) {
	f := newFixture(t, quizMaster(), streakBadge())
	f.src.SetLoginStreak("u", 7)
	f.addQuizzes("u", 2, 1)

	_, err := f.svc.RecomputeAll(context.Background(), "u", persistAward)
	require.NoError(t, err)

	sum, err := f.svc.Summary(context.Background(), "U")
	require.NoError(t, err)
	assert.Equal(t, core.UserID("u"), sum.UserID)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, 1, sum.Completed)
	assert.Equal(t, 1, sum.InProgress)
	assert.Equal(t, int64(0), sum.XP)
	assert.Equal(t, int64(1), sum.Level)
}

func TestEventsOnCompletion(t *testing.T) {
	f := newFixture(t, streakBadge())
	f.src.SetLoginStreak("u", 7)
	var types []core.EventType
	f.bus.SubscribeAll(func(_ context.Context, e core.Event) { types = append(types, e.Type) })

	_, err := f.svc.RecomputeOne(context.Background(), "u", "streak-7", persistAward)
	require.NoError(t, err)
	assert.Equal(t, []core.EventType{core.EventBadgeUnlocked, core.EventBadgeCompleted, core.EventRewardGranted}, types)
}

type mockStore struct{ mock.Mock }

func (m *mockStore) Load(ctx context.Context, u core.UserID, b core.BadgeID) (*core.UserBadge, error) {
	args := m.Called(ctx, u, b)
	rec, _ := args.Get(0).(*core.UserBadge)
	return rec, args.Error(1)
}

func (m *mockStore) Upsert(ctx context.Context, req core.UpsertRequest) (core.Transition, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(core.Transition), args.Error(1)
}

func (m *mockStore) ListByUser(ctx context.Context, u core.UserID) ([]core.UserBadge, error) {
	args := m.Called(ctx, u)
	recs, _ := args.Get(0).([]core.UserBadge)
	return recs, args.Error(1)
}

func TestPersistRetriesTransientErrors(t *testing.T) {
	f := newFixture(t, streakBadge())
	f.src.SetLoginStreak("u", 3)
	store := &mockStore{}
	deadlock := errors.New("deadlock detected")
	ok := core.Transition{Record: core.UserBadge{UserID: "u", BadgeID: "streak-7", Progress: 43, IsUnlocked: true}, Created: true, Changed: true, JustUnlocked: true}
	store.On("Upsert", mock.Anything, mock.Anything).Return(core.Transition{}, deadlock).Twice()
	store.On("Upsert", mock.Anything, mock.Anything).Return(ok, nil).Once()

	svc := NewService(f.catalog, f.src, store, f.store, WithPersistRetry(3, time.Millisecond, 2*time.Millisecond))
	res, err := svc.RecomputeOne(context.Background(), "u", "streak-7", persistAward)
	require.NoError(t, err)
	assert.True(t, res.Persisted)
	assert.True(t, res.JustUnlocked)
	store.AssertNumberOfCalls(t, "Upsert", 3)
}

func TestPersistGivesUpAfterRetries(t *testing.T) {
	f := newFixture(t, streakBadge())
	f.src.SetLoginStreak("u", 3)
	store := &mockStore{}
	down := errors.New("connection refused")
	store.On("Upsert", mock.Anything, mock.Anything).Return(core.Transition{}, down)

	svc := NewService(f.catalog, f.src, store, f.store, WithPersistRetry(2, time.Millisecond, 2*time.Millisecond))
	res, err := svc.RecomputeOne(context.Background(), "u", "streak-7", persistAward)
	require.Error(t, err)
	assert.ErrorIs(t, err, down)
	assert.False(t, res.Persisted)
	assert.NotEmpty(t, res.Error)
	store.AssertNumberOfCalls(t, "Upsert", 3)
}
