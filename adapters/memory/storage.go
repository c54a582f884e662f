package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"badgekit/core"
)

// Store is a concurrent in-memory progress store and reward ledger.
// Each (user, badge) record has its own mutex; the ledger has one shared lock
// that is only taken while a record lock is held.
type Store struct {
	records sync.Map // map[recordKey]*record

	ledgerMu sync.Mutex
	accounts map[core.UserID]core.Account
	txByKey  map[string]core.TransactionRecord
	txByUser map[core.UserID][]core.TransactionRecord

	now func() time.Time
}

type recordKey struct {
	user  core.UserID
	badge core.BadgeID
}

type record struct {
	mu     sync.Mutex
	stored *core.UserBadge
}

func New() *Store {
	return &Store{
		accounts: map[core.UserID]core.Account{},
		txByKey:  map[string]core.TransactionRecord{},
		txByUser: map[core.UserID][]core.TransactionRecord{},
		now:      time.Now,
	}
}

func (s *Store) getOrCreate(user core.UserID, badge core.BadgeID) *record {
	k := recordKey{user: user, badge: badge}
	if v, ok := s.records.Load(k); ok {
		return v.(*record)
	}
	actual, _ := s.records.LoadOrStore(k, &record{})
	return actual.(*record)
}

func (s *Store) Load(_ context.Context, user core.UserID, badge core.BadgeID) (*core.UserBadge, error) {
	rec := s.getOrCreate(user, badge)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.stored == nil {
		return nil, nil
	}
	cp := cloneUserBadge(*rec.stored)
	return &cp, nil
}

// Upsert merges the computed state and, when the merge completes the badge,
// grants the reward while still holding the record lock.
func (s *Store) Upsert(ctx context.Context, req core.UpsertRequest) (core.Transition, error) {
	if err := ctx.Err(); err != nil {
		return core.Transition{}, err
	}
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}
	rec := s.getOrCreate(req.UserID, req.BadgeID)
	rec.mu.Lock()
	defer rec.mu.Unlock()

	tr := core.MergeProgress(rec.stored, req.UserID, req.BadgeID, req.Computed, now)
	if tr.SkippedEmptyRecord {
		return tr, nil
	}
	if tr.JustCompleted && req.Reward != nil && !req.Reward.Empty() {
		tx, _ := s.grant(*req.Reward, now)
		tr.Transaction = &tx
	}
	if tr.Changed {
		stored := cloneUserBadge(tr.Record)
		rec.stored = &stored
	}
	tr.Record = cloneUserBadge(tr.Record)
	return tr, nil
}

// grant records a reward once per idempotency key. The bool is false when the
// key was already granted and the existing record is returned.
func (s *Store) grant(g core.RewardGrant, now time.Time) (core.TransactionRecord, bool) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	if tx, ok := s.txByKey[g.IdempotencyKey()]; ok {
		return tx, false
	}
	tx := core.NewTransaction(g, now)
	s.txByKey[tx.IdempotencyKey] = tx
	s.txByUser[g.UserID] = append(s.txByUser[g.UserID], tx)
	acct := s.accounts[g.UserID]
	acct.UserID = g.UserID
	acct.Diamonds += g.Diamonds
	acct.XP += g.XP
	s.accounts[g.UserID] = acct
	return tx, true
}

func (s *Store) ListByUser(_ context.Context, user core.UserID) ([]core.UserBadge, error) {
	var out []core.UserBadge
	s.records.Range(func(k, v any) bool {
		key := k.(recordKey)
		if key.user != user {
			return true
		}
		rec := v.(*record)
		rec.mu.Lock()
		if rec.stored != nil {
			out = append(out, cloneUserBadge(*rec.stored))
		}
		rec.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].BadgeID < out[j].BadgeID })
	return out, nil
}

func (s *Store) Account(_ context.Context, user core.UserID) (core.Account, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	acct := s.accounts[user]
	acct.UserID = user
	return acct, nil
}

func (s *Store) Transactions(_ context.Context, user core.UserID) ([]core.TransactionRecord, error) {
	s.ledgerMu.Lock()
	defer s.ledgerMu.Unlock()
	return append([]core.TransactionRecord(nil), s.txByUser[user]...), nil
}

func cloneUserBadge(u core.UserBadge) core.UserBadge {
	cp := u
	if u.UnlockedAt != nil {
		t := *u.UnlockedAt
		cp.UnlockedAt = &t
	}
	if u.EarnedAt != nil {
		t := *u.EarnedAt
		cp.EarnedAt = &t
	}
	cp.ProgressData.Rules = append([]core.RuleProgress(nil), u.ProgressData.Rules...)
	return cp
}

var _ interface {
	Load(context.Context, core.UserID, core.BadgeID) (*core.UserBadge, error)
	Upsert(context.Context, core.UpsertRequest) (core.Transition, error)
	ListByUser(context.Context, core.UserID) ([]core.UserBadge, error)
	Account(context.Context, core.UserID) (core.Account, error)
	Transactions(context.Context, core.UserID) ([]core.TransactionRecord, error)
} = (*Store)(nil)
