// Package sqlx implements the progress store, reward ledger, badge catalog and
// metric source on top of PostgreSQL or MySQL.
//
// Tables:
//
//	badges(id, title, description, category, rarity, target_value, reward_diamonds,
//	       reward_xp, reward_card_pack, special_reward, is_active, is_hidden,
//	       sort_order, legacy_condition)
//	badge_rules(id, badge_id, rule_type, metric, target, weight, definition, is_active, position)
//	user_badges(user_id, badge_id, progress, is_unlocked, is_completed, unlocked_at,
//	            earned_at, progress_data, updated_at)      PRIMARY KEY (user_id, badge_id)
//	reward_transactions(id, user_id, badge_id, diamonds, xp, idempotency_key UNIQUE,
//	                    reason, created_at)
//	user_accounts(user_id PRIMARY KEY, diamonds, xp)
//
// The metric source reads activity_attempts, activity_tags, quiz_attempts,
// user_profiles(user_id, login_streak, lifetime_diamonds, code_submissions_total),
// currency_transactions, code_submissions and user_skills.
package sqlx

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/go-sql-driver/mysql"
	libsqlx "github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Driver names a supported SQL dialect.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverMySQL    Driver = "mysql"
)

// ErrConflict reports a concurrent insert of the same row; the write is safe to retry.
var ErrConflict = errors.New("sqlx: conflicting concurrent write")

// Config holds database connection settings.
type Config struct {
	Driver          Driver        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// DefaultConfig returns pool defaults for the given driver.
func DefaultConfig(driver Driver) Config {
	cfg := Config{
		Driver:          driver,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
	switch driver {
	case DriverMySQL:
		cfg.DSN = "root:password@tcp(localhost:3306)/badgekit?parseTime=true"
	default:
		cfg.DSN = "postgres://localhost:5432/badgekit?sslmode=disable"
	}
	return cfg
}

// Store is the SQL-backed progress store and reward ledger.
type Store struct {
	db     *libsqlx.DB
	driver Driver
	sb     sq.StatementBuilderType
	now    func() time.Time
}

// New opens a connection pool and verifies it with a ping.
func New(cfg Config) (*Store, error) {
	switch cfg.Driver {
	case DriverPostgres, DriverMySQL:
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
	db, err := libsqlx.Open(string(cfg.Driver), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return NewWithDB(db, cfg.Driver), nil
}

// NewWithDB wraps an existing handle (useful for testing).
func NewWithDB(db *libsqlx.DB, driver Driver) *Store {
	format := sq.PlaceholderFormat(sq.Question)
	if driver == DriverPostgres {
		format = sq.Dollar
	}
	return &Store{
		db:     db,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(format),
		now:    time.Now,
	}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Catalog returns the badge catalog reading from the same database.
func (s *Store) Catalog() *Catalog { return &Catalog{s: s} }

// Source returns the metric source reading from the same database.
func (s *Store) Source() *Source { return &Source{s: s} }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}
