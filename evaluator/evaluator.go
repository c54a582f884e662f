package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"badgekit/core"
)

// ErrMeasurement marks a retryable failure to read the data a rule measures.
var ErrMeasurement = errors.New("metric measurement failed")

// Query is a resolved rule: the filters and target an evaluator measures against.
type Query struct {
	Metric   core.Metric
	Target   int64
	Filter   ActivityFilter
	Window   *TimeWindow
	MinScore *float64
	SkillKey string
}

// Evaluator measures one metric kind for a user.
// Misconfiguration yields a zero result with Details set, never an error;
// errors are reserved for failed reads and wrap ErrMeasurement.
type Evaluator interface {
	Evaluate(ctx context.Context, src Source, user core.UserID, q Query) (core.RuleResult, error)
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, src Source, user core.UserID, q Query) (core.RuleResult, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, src Source, user core.UserID, q Query) (core.RuleResult, error) {
	return f(ctx, src, user, q)
}

// Registry maps metric identifiers to evaluators and default targets.
type Registry struct {
	mu         sync.RWMutex
	evaluators map[core.Metric]entry
}

type entry struct {
	eval          Evaluator
	defaultTarget func(core.RuleDefinition) int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{evaluators: map[core.Metric]entry{}}
}

// Register installs an evaluator for a metric, replacing any previous one.
// defaultTarget resolves the target of rules that leave it unset.
func (r *Registry) Register(metric core.Metric, eval Evaluator, defaultTarget func(core.RuleDefinition) int64) {
	if defaultTarget == nil {
		defaultTarget = func(core.RuleDefinition) int64 { return 1 }
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluators[metric] = entry{eval: eval, defaultTarget: defaultTarget}
}

// Metrics lists registered metric identifiers in sorted order.
func (r *Registry) Metrics() []core.Metric {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Metric, 0, len(r.evaluators))
	for m := range r.evaluators {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DefaultTarget returns the metric-specific target for a rule without one.
func (r *Registry) DefaultTarget(metric core.Metric, def core.RuleDefinition) (int64, bool) {
	r.mu.RLock()
	e, ok := r.evaluators[metric]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return e.defaultTarget(def), true
}

// Evaluate dispatches to the evaluator registered for q.Metric. The result is
// always normalized into [0,1] against q.Target.
func (r *Registry) Evaluate(ctx context.Context, src Source, user core.UserID, q Query) (core.RuleResult, error) {
	r.mu.RLock()
	e, ok := r.evaluators[q.Metric]
	r.mu.RUnlock()
	if !ok {
		return zero(q.Target, fmt.Sprintf("unknown metric %q", q.Metric)), nil
	}
	res, err := e.eval.Evaluate(ctx, src, user, q)
	if err != nil {
		if !errors.Is(err, ErrMeasurement) {
			err = fmt.Errorf("%w: %s: %w", ErrMeasurement, q.Metric, err)
		}
		return zero(q.Target, err.Error()), err
	}
	res.Target = q.Target
	res.Normalized = core.Normalize(res.Current, res.Target)
	return res, nil
}

func zero(target int64, details string) core.RuleResult {
	return core.RuleResult{Current: 0, Target: target, Normalized: 0, Details: details}
}

// DefaultRegistry returns a registry with every built-in metric.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(core.MetricActivitiesCompleted, EvaluatorFunc(activitiesCompleted), constTarget(1))
	r.Register(core.MetricQuizzesCompleted, EvaluatorFunc(quizzesCompleted), constTarget(1))
	r.Register(core.MetricQuizCorrect, EvaluatorFunc(quizCorrect), quizCorrectTarget)
	r.Register(core.MetricLoginStreak, EvaluatorFunc(loginStreak), constTarget(1))
	r.Register(core.MetricDiamondsEarned, EvaluatorFunc(diamondsEarned), constTarget(100))
	r.Register(core.MetricCodeSubmissions, EvaluatorFunc(codeSubmissions), constTarget(1))
	r.Register(core.MetricSkillMastery, EvaluatorFunc(skillMastery), skillMasteryTarget)
	return r
}
