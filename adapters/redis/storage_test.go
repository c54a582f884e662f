package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"badgekit/core"
)

// newTestClient spins up a miniredis server and returns a client plus cleanup.
func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis, func()) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cleanup := func() {
		_ = client.Close()
		mr.Close()
	}
	return client, mr, cleanup
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func completedReq(user core.UserID, badge core.BadgeID, reward *core.RewardGrant) core.UpsertRequest {
	return core.UpsertRequest{
		UserID:   user,
		BadgeID:  badge,
		Computed: core.Computed{Aggregate: 1, Progress: 100, IsUnlocked: true, IsCompleted: true},
		Reward:   reward,
		Now:      testNow,
	}
}

func TestStore_LoadMissing(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	rec, err := store.Load(context.Background(), "u", "b")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestStore_UpsertSkipsEmpty(t *testing.T) {
	client, mr, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	tr, err := store.Upsert(context.Background(), core.UpsertRequest{UserID: "u", BadgeID: "b", Now: testNow})
	require.NoError(t, err)
	assert.True(t, tr.SkippedEmptyRecord)
	assert.False(t, mr.Exists("badgekit:progress:u:b"))
}

func TestStore_UpsertMergesProgress(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()

	tr, err := store.Upsert(ctx, core.UpsertRequest{
		UserID:   "u",
		BadgeID:  "b",
		Computed: core.Computed{Progress: 30, IsUnlocked: true, Data: core.ProgressData{CurrentSum: 3, TargetSum: 10}},
		Now:      testNow,
	})
	require.NoError(t, err)
	assert.True(t, tr.Created)
	assert.True(t, tr.JustUnlocked)

	tr, err = store.Upsert(ctx, completedReq("u", "b", nil))
	require.NoError(t, err)
	assert.True(t, tr.JustCompleted)

	rec, err := store.Load(ctx, "u", "b")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.IsCompleted)
	assert.Equal(t, 100, rec.Progress)
	require.NotNil(t, rec.UnlockedAt)
	assert.True(t, rec.UnlockedAt.Equal(testNow))

	// regressed metrics keep the completed progress
	tr, err = store.Upsert(ctx, core.UpsertRequest{UserID: "u", BadgeID: "b", Computed: core.Computed{Progress: 10, IsUnlocked: true}, Now: testNow.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, tr.Record.IsCompleted)
	assert.Equal(t, 100, tr.Record.Progress)

	list, err := store.ListByUser(ctx, "u")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, core.BadgeID("b"), list[0].BadgeID)
}

func TestStore_RewardGrantedAtomically(t *testing.T) {
	client, mr, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	reward := &core.RewardGrant{UserID: "u", BadgeID: "b", Diamonds: 25, XP: 300}

	tr, err := store.Upsert(ctx, completedReq("u", "b", reward))
	require.NoError(t, err)
	require.NotNil(t, tr.Transaction)
	assert.Equal(t, "badge:u:b", tr.Transaction.IdempotencyKey)
	assert.True(t, mr.Exists("badgekit:reward:badge:u:b"))

	tr, err = store.Upsert(ctx, completedReq("u", "b", reward))
	require.NoError(t, err)
	assert.Nil(t, tr.Transaction)

	acct, err := store.Account(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, int64(25), acct.Diamonds)
	assert.Equal(t, int64(300), acct.XP)

	txs, err := store.Transactions(ctx, "u")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, core.BadgeID("b"), txs[0].BadgeID)
}

func TestStore_ConcurrentCompletionGrantsOnce(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	ctx := context.Background()
	reward := &core.RewardGrant{UserID: "u", BadgeID: "b", Diamonds: 5}

	var wg sync.WaitGroup
	var mu sync.Mutex
	completions := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := store.Upsert(ctx, completedReq("u", "b", reward))
			if err != nil {
				t.Error(err)
				return
			}
			if tr.JustCompleted {
				mu.Lock()
				completions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, completions)
	txs, err := store.Transactions(ctx, "u")
	require.NoError(t, err)
	assert.Len(t, txs, 1)
}

func TestStore_EmptyAccount(t *testing.T) {
	client, _, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	acct, err := store.Account(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, core.Account{UserID: "nobody"}, acct)

	txs, err := store.Transactions(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestStore_ConnectionError(t *testing.T) {
	_, err := New(Config{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	assert.Error(t, err)
}

func TestStore_ClosedServer(t *testing.T) {
	client, mr, cleanup := newTestClient(t)
	defer cleanup()

	store := NewWithClient(client)
	mr.Close()
	_, err := store.Upsert(context.Background(), completedReq("u", "b", nil))
	assert.Error(t, err)
}
