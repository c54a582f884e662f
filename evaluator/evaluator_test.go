package evaluator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"badgekit/adapters/memory"
	"badgekit/core"
	"badgekit/evaluator"
)

func i64(v int64) *int64 { return &v }

func TestDefaultRegistryMetrics(t *testing.T) {
	r := evaluator.DefaultRegistry()
	assert.ElementsMatch(t, []core.Metric{
		core.MetricActivitiesCompleted,
		core.MetricQuizzesCompleted,
		core.MetricQuizCorrect,
		core.MetricLoginStreak,
		core.MetricDiamondsEarned,
		core.MetricCodeSubmissions,
		core.MetricSkillMastery,
	}, r.Metrics())
}

func TestDefaultTargets(t *testing.T) {
	r := evaluator.DefaultRegistry()
	cases := []struct {
		metric core.Metric
		def    core.RuleDefinition
		want   int64
	}{
		{core.MetricActivitiesCompleted, core.RuleDefinition{}, 1},
		{core.MetricDiamondsEarned, core.RuleDefinition{}, 100},
		{core.MetricQuizCorrect, core.RuleDefinition{}, 10},
		{core.MetricQuizCorrect, core.RuleDefinition{Consecutive: i64(5)}, 5},
		{core.MetricSkillMastery, core.RuleDefinition{}, 100},
		{core.MetricSkillMastery, core.RuleDefinition{MasteryThreshold: i64(80)}, 80},
	}
	for _, tc := range cases {
		got, ok := r.DefaultTarget(tc.metric, tc.def)
		require.True(t, ok, tc.metric)
		assert.Equal(t, tc.want, got, tc.metric)
	}
	_, ok := r.DefaultTarget("bogus", core.RuleDefinition{})
	assert.False(t, ok)
}

func TestEvaluateNormalizes(t *testing.T) {
	src := memory.NewSource()
	src.SetLoginStreak("u", 12)
	r := evaluator.DefaultRegistry()

	res, err := r.Evaluate(context.Background(), src, "u", evaluator.Query{Metric: core.MetricLoginStreak, Target: 7})
	require.NoError(t, err)
	assert.Equal(t, int64(12), res.Current)
	assert.Equal(t, int64(7), res.Target)
	assert.Equal(t, 1.0, res.Normalized)

	res, err = r.Evaluate(context.Background(), src, "u", evaluator.Query{Metric: core.MetricLoginStreak, Target: 24})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, res.Normalized, 1e-9)
}

func TestEvaluateUnknownMetric(t *testing.T) {
	r := evaluator.DefaultRegistry()
	res, err := r.Evaluate(context.Background(), memory.NewSource(), "u", evaluator.Query{Metric: "made_up", Target: 3})
	require.NoError(t, err)
	assert.Zero(t, res.Current)
	assert.Zero(t, res.Normalized)
	assert.Contains(t, res.Details, "made_up")
}

func TestEvaluateUnknownSkill(t *testing.T) {
	src := memory.NewSource()
	src.SetSkill("u", "algebra", 90)
	r := evaluator.DefaultRegistry()

	res, err := r.Evaluate(context.Background(), src, "u", evaluator.Query{Metric: core.MetricSkillMastery, Target: 100, SkillKey: "geometry"})
	require.NoError(t, err)
	assert.Zero(t, res.Current)
	assert.NotEmpty(t, res.Details)

	res, err = r.Evaluate(context.Background(), src, "u", evaluator.Query{Metric: core.MetricSkillMastery, Target: 100})
	require.NoError(t, err)
	assert.Zero(t, res.Normalized)

	res, err = r.Evaluate(context.Background(), src, "u", evaluator.Query{Metric: core.MetricSkillMastery, Target: 100, SkillKey: "algebra"})
	require.NoError(t, err)
	assert.InDelta(t, 0.9, res.Normalized, 1e-9)
}

func TestEvaluateMeasurementError(t *testing.T) {
	src := memory.NewSource()
	boom := errors.New("connection reset")
	src.Fail(core.MetricQuizzesCompleted, boom)
	r := evaluator.DefaultRegistry()

	res, err := r.Evaluate(context.Background(), src, "u", evaluator.Query{Metric: core.MetricQuizzesCompleted, Target: 5})
	require.Error(t, err)
	assert.ErrorIs(t, err, evaluator.ErrMeasurement)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, res.Current)
	assert.Equal(t, int64(5), res.Target)
}

func TestDiamondsWindowUsesPositiveTransactions(t *testing.T) {
	src := memory.NewSource()
	now := time.Now()
	src.AddCurrency("u", memory.CurrencyTx{Amount: 200, At: now.AddDate(0, 0, -40)})
	src.AddCurrency("u", memory.CurrencyTx{Amount: 30, At: now.AddDate(0, 0, -1)})
	src.AddCurrency("u", memory.CurrencyTx{Amount: -25, At: now.AddDate(0, 0, -1)})
	r := evaluator.DefaultRegistry()

	res, err := r.Evaluate(context.Background(), src, "u", evaluator.Query{Metric: core.MetricDiamondsEarned, Target: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(230), res.Current)

	res, err = r.Evaluate(context.Background(), src, "u", evaluator.Query{
		Metric: core.MetricDiamondsEarned,
		Target: 100,
		Window: evaluator.WindowFromDays(7, now),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), res.Current)
}

func TestQuizCorrectSumsAnswers(t *testing.T) {
	src := memory.NewSource()
	now := time.Now()
	src.AddQuiz("u", memory.QuizAttempt{Score: 80, CorrectCount: 4, Completed: true, CompletedAt: now})
	src.AddQuiz("u", memory.QuizAttempt{Score: 50, CorrectCount: 3, Completed: true, CompletedAt: now})
	src.AddQuiz("u", memory.QuizAttempt{Score: 90, CorrectCount: 9, Completed: false, CompletedAt: now})
	r := evaluator.DefaultRegistry()

	res, err := r.Evaluate(context.Background(), src, "u", evaluator.Query{Metric: core.MetricQuizCorrect, Target: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Current)

	minScore := 75.0
	res, err = r.Evaluate(context.Background(), src, "u", evaluator.Query{Metric: core.MetricQuizzesCompleted, Target: 1, MinScore: &minScore})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Current)
}

type countingSource struct {
	evaluator.Source
	calls atomic.Int64
}

func (c *countingSource) CountCompletedActivities(ctx context.Context, u core.UserID, f evaluator.ActivityFilter, w *evaluator.TimeWindow) (int64, error) {
	c.calls.Add(1)
	return c.Source.CountCompletedActivities(ctx, u, f, w)
}

func (c *countingSource) SkillMastery(ctx context.Context, u core.UserID, key string) (int64, bool, error) {
	c.calls.Add(1)
	return c.Source.SkillMastery(ctx, u, key)
}

func (c *countingSource) LoginStreak(ctx context.Context, u core.UserID) (int64, error) {
	c.calls.Add(1)
	return c.Source.LoginStreak(ctx, u)
}

func TestCachedSourceMemoizes(t *testing.T) {
	mem := memory.NewSource()
	mem.SetLoginStreak("u", 3)
	counting := &countingSource{Source: mem}
	cached := evaluator.NewCachedSource(counting)

	for i := 0; i < 3; i++ {
		n, err := cached.LoginStreak(context.Background(), "u")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	}
	assert.Equal(t, int64(1), counting.calls.Load())
}

func TestCachedSourceKeepsDelimitedValuesApart(t *testing.T) {
	mem := memory.NewSource()
	mem.AddActivity("u", memory.ActivityAttempt{Tags: []string{"a", "b"}, Completed: true, CompletedAt: time.Now()})
	counting := &countingSource{Source: mem}
	cached := evaluator.NewCachedSource(counting)
	ctx := context.Background()

	both, err := cached.CountCompletedActivities(ctx, "u", evaluator.ActivityFilter{Tags: []string{"a", "b"}}, nil)
	require.NoError(t, err)
	joined, err := cached.CountCompletedActivities(ctx, "u", evaluator.ActivityFilter{Tags: []string{"a,b"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), both)
	assert.Zero(t, joined)
	assert.Equal(t, int64(2), counting.calls.Load())

	_, _, err = cached.SkillMastery(ctx, "u|x", "k")
	require.NoError(t, err)
	_, _, err = cached.SkillMastery(ctx, "u", "x|k")
	require.NoError(t, err)
	assert.Equal(t, int64(4), counting.calls.Load())
}

func TestCachedSourceDoesNotCacheFailures(t *testing.T) {
	mem := memory.NewSource()
	mem.SetLoginStreak("u", 3)
	mem.Fail(core.MetricLoginStreak, errors.New("flaky"))
	cached := evaluator.NewCachedSource(mem)

	_, err := cached.LoginStreak(context.Background(), "u")
	require.Error(t, err)

	mem.Fail(core.MetricLoginStreak, nil)
	n, err := cached.LoginStreak(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
