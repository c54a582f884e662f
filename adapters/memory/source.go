package memory

import (
	"context"
	"sync"
	"time"

	"badgekit/core"
	"badgekit/evaluator"
)

// ActivityAttempt is one learning activity attempt.
type ActivityAttempt struct {
	Category     string
	ActivityType string
	Difficulty   int
	Tags         []string
	Completed    bool
	CompletedAt  time.Time
}

// QuizAttempt is one quiz attempt.
type QuizAttempt struct {
	Score        float64
	CorrectCount int64
	Completed    bool
	CompletedAt  time.Time
}

// CurrencyTx is one currency ledger movement; negative amounts are spends.
type CurrencyTx struct {
	Amount int64
	At     time.Time
}

type userMetrics struct {
	activities      []ActivityAttempt
	quizzes         []QuizAttempt
	currency        []CurrencyTx
	submissions     []time.Time
	loginStreak     int64
	lifetimeEarned  int64
	submissionTotal int64
	skills          map[string]int64
}

// Source is an in-memory metric source for demos and tests.
type Source struct {
	mu    sync.RWMutex
	users map[core.UserID]*userMetrics
	fail  map[core.Metric]error
}

func NewSource() *Source {
	return &Source{users: map[core.UserID]*userMetrics{}, fail: map[core.Metric]error{}}
}

func (s *Source) user(u core.UserID) *userMetrics {
	m, ok := s.users[u]
	if !ok {
		m = &userMetrics{skills: map[string]int64{}}
		s.users[u] = m
	}
	return m
}

// Fail makes every read behind metric return err; a nil err clears it.
func (s *Source) Fail(metric core.Metric, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.fail, metric)
		return
	}
	s.fail[metric] = err
}

func (s *Source) AddActivity(u core.UserID, a ActivityAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(u).activities = append(s.user(u).activities, a)
}

func (s *Source) AddQuiz(u core.UserID, q QuizAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(u).quizzes = append(s.user(u).quizzes, q)
}

// AddCurrency records a transaction; positive amounts also raise the lifetime total.
func (s *Source) AddCurrency(u core.UserID, tx CurrencyTx) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.user(u)
	m.currency = append(m.currency, tx)
	if tx.Amount > 0 {
		m.lifetimeEarned += tx.Amount
	}
}

// AddSubmission records a code submission and bumps the lifetime counter.
func (s *Source) AddSubmission(u core.UserID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.user(u)
	m.submissions = append(m.submissions, at)
	m.submissionTotal++
}

func (s *Source) SetLoginStreak(u core.UserID, streak int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(u).loginStreak = streak
}

func (s *Source) SetSkill(u core.UserID, key string, mastery int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user(u).skills[key] = mastery
}

func (s *Source) read(u core.UserID, metric core.Metric) (*userMetrics, error) {
	if err := s.fail[metric]; err != nil {
		return nil, err
	}
	if m, ok := s.users[u]; ok {
		return m, nil
	}
	return &userMetrics{}, nil
}

func inWindow(w *evaluator.TimeWindow, t time.Time) bool {
	return w == nil || w.Contains(t)
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

func (s *Source) CountCompletedActivities(_ context.Context, u core.UserID, f evaluator.ActivityFilter, w *evaluator.TimeWindow) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.read(u, core.MetricActivitiesCompleted)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, a := range m.activities {
		switch {
		case !a.Completed, !inWindow(w, a.CompletedAt):
		case f.Category != "" && a.Category != f.Category:
		case f.ActivityType != "" && a.ActivityType != f.ActivityType:
		case f.DifficultyGte != nil && a.Difficulty < *f.DifficultyGte:
		case f.DifficultyLte != nil && a.Difficulty > *f.DifficultyLte:
		case !hasAllTags(a.Tags, f.Tags):
		default:
			n++
		}
	}
	return n, nil
}

func (s *Source) CountCompletedQuizzes(_ context.Context, u core.UserID, minScore *float64, w *evaluator.TimeWindow) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.read(u, core.MetricQuizzesCompleted)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, q := range m.quizzes {
		if !q.Completed || !inWindow(w, q.CompletedAt) {
			continue
		}
		if minScore != nil && q.Score < *minScore {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Source) SumQuizCorrectAnswers(_ context.Context, u core.UserID, w *evaluator.TimeWindow) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.read(u, core.MetricQuizCorrect)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, q := range m.quizzes {
		if q.Completed && inWindow(w, q.CompletedAt) {
			n += q.CorrectCount
		}
	}
	return n, nil
}

func (s *Source) LoginStreak(_ context.Context, u core.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.read(u, core.MetricLoginStreak)
	if err != nil {
		return 0, err
	}
	return m.loginStreak, nil
}

func (s *Source) LifetimeCurrency(_ context.Context, u core.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.read(u, core.MetricDiamondsEarned)
	if err != nil {
		return 0, err
	}
	return m.lifetimeEarned, nil
}

func (s *Source) SumPositiveCurrencyTx(_ context.Context, u core.UserID, w evaluator.TimeWindow) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.read(u, core.MetricDiamondsEarned)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, tx := range m.currency {
		if tx.Amount > 0 && w.Contains(tx.At) {
			n += tx.Amount
		}
	}
	return n, nil
}

func (s *Source) CodeSubmissionCount(_ context.Context, u core.UserID, w *evaluator.TimeWindow) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.read(u, core.MetricCodeSubmissions)
	if err != nil {
		return 0, err
	}
	if w == nil {
		return m.submissionTotal, nil
	}
	var n int64
	for _, at := range m.submissions {
		if w.Contains(at) {
			n++
		}
	}
	return n, nil
}

func (s *Source) SkillMastery(_ context.Context, u core.UserID, key string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, err := s.read(u, core.MetricSkillMastery)
	if err != nil {
		return 0, false, err
	}
	score, ok := m.skills[key]
	return score, ok, nil
}

var _ evaluator.Source = (*Source)(nil)
