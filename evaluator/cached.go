package evaluator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"badgekit/core"
)

// CachedSource memoizes identical queries for the lifetime of the value, so
// one recompute pass over many badges reads each metric once. Failed reads are
// not cached.
type CachedSource struct {
	src Source
	mu  sync.Mutex
	hit map[string]cachedValue
}

type cachedValue struct {
	n     int64
	found bool
}

// NewCachedSource wraps src with a per-call memo.
func NewCachedSource(src Source) *CachedSource {
	return &CachedSource{src: src, hit: map[string]cachedValue{}}
}

func (c *CachedSource) do(key string, fn func() (int64, bool, error)) (int64, bool, error) {
	c.mu.Lock()
	if v, ok := c.hit[key]; ok {
		c.mu.Unlock()
		return v.n, v.found, nil
	}
	c.mu.Unlock()
	n, found, err := fn()
	if err != nil {
		return 0, false, err
	}
	c.mu.Lock()
	c.hit[key] = cachedValue{n: n, found: found}
	c.mu.Unlock()
	return n, found, nil
}

func (c *CachedSource) count(key string, fn func() (int64, error)) (int64, error) {
	n, _, err := c.do(key, func() (int64, bool, error) {
		v, err := fn()
		return v, true, err
	})
	return n, err
}

func windowKey(w *TimeWindow) string {
	if w == nil {
		return "-"
	}
	return fmt.Sprintf("%d-%d", w.Since.UnixNano(), w.Until.UnixNano())
}

func intPtrKey(p *int) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprint(*p)
}

func (c *CachedSource) CountCompletedActivities(ctx context.Context, user core.UserID, f ActivityFilter, w *TimeWindow) (int64, error) {
	tags := append([]string(nil), f.Tags...)
	sort.Strings(tags)
	key := fmt.Sprintf("act|%q|%q|%q|%s|%s|%q|%s", user, f.Category, f.ActivityType,
		intPtrKey(f.DifficultyGte), intPtrKey(f.DifficultyLte), tags, windowKey(w))
	return c.count(key, func() (int64, error) { return c.src.CountCompletedActivities(ctx, user, f, w) })
}

func (c *CachedSource) CountCompletedQuizzes(ctx context.Context, user core.UserID, minScore *float64, w *TimeWindow) (int64, error) {
	ms := "-"
	if minScore != nil {
		ms = fmt.Sprint(*minScore)
	}
	key := fmt.Sprintf("quiz|%q|%s|%s", user, ms, windowKey(w))
	return c.count(key, func() (int64, error) { return c.src.CountCompletedQuizzes(ctx, user, minScore, w) })
}

func (c *CachedSource) SumQuizCorrectAnswers(ctx context.Context, user core.UserID, w *TimeWindow) (int64, error) {
	key := fmt.Sprintf("correct|%q|%s", user, windowKey(w))
	return c.count(key, func() (int64, error) { return c.src.SumQuizCorrectAnswers(ctx, user, w) })
}

func (c *CachedSource) LoginStreak(ctx context.Context, user core.UserID) (int64, error) {
	return c.count("streak|"+string(user), func() (int64, error) { return c.src.LoginStreak(ctx, user) })
}

func (c *CachedSource) LifetimeCurrency(ctx context.Context, user core.UserID) (int64, error) {
	return c.count("lifetime|"+string(user), func() (int64, error) { return c.src.LifetimeCurrency(ctx, user) })
}

func (c *CachedSource) SumPositiveCurrencyTx(ctx context.Context, user core.UserID, w TimeWindow) (int64, error) {
	key := fmt.Sprintf("currency|%q|%s", user, windowKey(&w))
	return c.count(key, func() (int64, error) { return c.src.SumPositiveCurrencyTx(ctx, user, w) })
}

func (c *CachedSource) CodeSubmissionCount(ctx context.Context, user core.UserID, w *TimeWindow) (int64, error) {
	key := fmt.Sprintf("code|%q|%s", user, windowKey(w))
	return c.count(key, func() (int64, error) { return c.src.CodeSubmissionCount(ctx, user, w) })
}

func (c *CachedSource) SkillMastery(ctx context.Context, user core.UserID, skillKey string) (int64, bool, error) {
	key := fmt.Sprintf("skill|%q|%q", user, skillKey)
	return c.do(key, func() (int64, bool, error) { return c.src.SkillMastery(ctx, user, skillKey) })
}

var _ Source = (*CachedSource)(nil)
