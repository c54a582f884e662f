package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"badgekit/core"
)

// ErrConflict is returned when optimistic retries are exhausted.
var ErrConflict = errors.New("redis: concurrent update conflict")

// Config holds Redis connection configuration
type Config struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	MaxTxRetries int           `mapstructure:"max_tx_retries"`
}

// DefaultConfig returns sensible defaults for Redis configuration
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "badgekit",
		MaxTxRetries: 16,
	}
}

// Store is a progress store and reward ledger backed by Redis.
// Data structure:
//   - {prefix}:progress:{user}:{badge} -> JSON UserBadge
//   - {prefix}:user:{user}:badges      -> set of badge ids with a record
//   - {prefix}:reward:{key}            -> JSON TransactionRecord, one per idempotency key
//   - {prefix}:user:{user}:account     -> hash of diamonds, xp
//   - {prefix}:user:{user}:ledger      -> list of JSON TransactionRecord
//
// Upsert runs under WATCH on the record and reward keys and commits with MULTI.
type Store struct {
	client     *redis.Client
	prefix     string
	maxRetries int
	now        func() time.Time
}

// New creates a new Redis-backed store with the provided configuration
func New(config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	s := NewWithClient(client)
	if config.KeyPrefix != "" {
		s.prefix = config.KeyPrefix
	}
	if config.MaxTxRetries > 0 {
		s.maxRetries = config.MaxTxRetries
	}
	return s, nil
}

// NewWithClient creates a Store using an existing Redis client (useful for testing)
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client, prefix: "badgekit", maxRetries: 16, now: time.Now}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) progressKey(user core.UserID, badge core.BadgeID) string {
	return fmt.Sprintf("%s:progress:%s:%s", s.prefix, user, badge)
}

func (s *Store) userBadgesKey(user core.UserID) string {
	return fmt.Sprintf("%s:user:%s:badges", s.prefix, user)
}

func (s *Store) rewardKey(idempotencyKey string) string {
	return fmt.Sprintf("%s:reward:%s", s.prefix, idempotencyKey)
}

func (s *Store) accountKey(user core.UserID) string {
	return fmt.Sprintf("%s:user:%s:account", s.prefix, user)
}

func (s *Store) ledgerKey(user core.UserID) string {
	return fmt.Sprintf("%s:user:%s:ledger", s.prefix, user)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func loadRecord(ctx context.Context, c getter, key string) (*core.UserBadge, error) {
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	var rec core.UserBadge
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode progress: %w", err)
	}
	return &rec, nil
}

func (s *Store) Load(ctx context.Context, user core.UserID, badge core.BadgeID) (*core.UserBadge, error) {
	return loadRecord(ctx, s.client, s.progressKey(user, badge))
}

// Upsert merges the computed state into the stored record and, on the
// completion flip, records the reward in the same MULTI block.
func (s *Store) Upsert(ctx context.Context, req core.UpsertRequest) (core.Transition, error) {
	now := req.Now
	if now.IsZero() {
		now = s.now()
	}
	recKey := s.progressKey(req.UserID, req.BadgeID)
	rwKey := s.rewardKey(core.RewardKey(req.UserID, req.BadgeID))

	var tr core.Transition
	txf := func(tx *redis.Tx) error {
		existing, err := loadRecord(ctx, tx, recKey)
		if err != nil {
			return err
		}
		tr = core.MergeProgress(existing, req.UserID, req.BadgeID, req.Computed, now)
		if tr.SkippedEmptyRecord {
			return nil
		}

		var grant *core.TransactionRecord
		if tr.JustCompleted && req.Reward != nil && !req.Reward.Empty() {
			n, err := tx.Exists(ctx, rwKey).Result()
			if err != nil {
				return fmt.Errorf("failed to check reward: %w", err)
			}
			if n == 0 {
				rec := core.NewTransaction(*req.Reward, now)
				grant = &rec
			}
		}
		if !tr.Changed && grant == nil {
			return nil
		}

		recJSON, err := json.Marshal(tr.Record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if tr.Changed {
				p.Set(ctx, recKey, recJSON, 0)
				p.SAdd(ctx, s.userBadgesKey(req.UserID), string(req.BadgeID))
			}
			if grant != nil {
				txJSON, err := json.Marshal(grant)
				if err != nil {
					return err
				}
				p.Set(ctx, rwKey, txJSON, 0)
				p.HIncrBy(ctx, s.accountKey(grant.UserID), "diamonds", grant.Diamonds)
				p.HIncrBy(ctx, s.accountKey(grant.UserID), "xp", grant.XP)
				p.RPush(ctx, s.ledgerKey(grant.UserID), txJSON)
			}
			return nil
		})
		if err == nil {
			tr.Transaction = grant
		}
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, recKey, rwKey)
		if err == nil {
			return tr, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return core.Transition{}, fmt.Errorf("failed to upsert progress: %w", err)
	}
	return core.Transition{}, ErrConflict
}

func (s *Store) ListByUser(ctx context.Context, user core.UserID) ([]core.UserBadge, error) {
	ids, err := s.client.SMembers(ctx, s.userBadgesKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list badges: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.progressKey(user, core.BadgeID(id))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load progress: %w", err)
	}
	out := make([]core.UserBadge, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec core.UserBadge
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode progress: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

type accountHash struct {
	Diamonds int64 `redis:"diamonds"`
	XP       int64 `redis:"xp"`
}

func (s *Store) Account(ctx context.Context, user core.UserID) (core.Account, error) {
	var h accountHash
	if err := s.client.HGetAll(ctx, s.accountKey(user)).Scan(&h); err != nil {
		return core.Account{}, fmt.Errorf("failed to load account: %w", err)
	}
	return core.Account{UserID: user, Diamonds: h.Diamonds, XP: h.XP}, nil
}

func (s *Store) Transactions(ctx context.Context, user core.UserID) ([]core.TransactionRecord, error) {
	vals, err := s.client.LRange(ctx, s.ledgerKey(user), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	out := make([]core.TransactionRecord, 0, len(vals))
	for _, v := range vals {
		var tx core.TransactionRecord
		if err := json.Unmarshal([]byte(v), &tx); err != nil {
			return nil, fmt.Errorf("failed to decode transaction: %w", err)
		}
		out = append(out, tx)
	}
	return out, nil
}
