package lockout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/assetdesk/assetdesk/internal/shared"
)

// PGStore keeps lock state in the users table.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// Load reads the lock columns of a user.
func (s *PGStore) Load(ctx context.Context, principalID int64) (Record, error) {
	var (
		rec   Record
		until pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `SELECT failed_attempts, locked_until FROM users WHERE id = $1`, principalID).
		Scan(&rec.FailedAttempts, &until)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, shared.ErrNotFound
		}
		return Record{}, fmt.Errorf("lockout: load: %w", err)
	}
	if until.Valid {
		rec.LockedUntil = until.Time
	}
	return rec, nil
}

// Save writes the lock columns of a user.
func (s *PGStore) Save(ctx context.Context, principalID int64, rec Record) error {
	until := pgtype.Timestamptz{Time: rec.LockedUntil.UTC(), Valid: !rec.LockedUntil.IsZero()}
	tag, err := s.pool.Exec(ctx, `UPDATE users SET failed_attempts = $2, locked_until = $3, updated_at = NOW() WHERE id = $1`,
		principalID, rec.FailedAttempts, until)
	if err != nil {
		return fmt.Errorf("lockout: save: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// RedisStore keeps lock state in a Redis hash per principal. Unknown
// principals read as an empty record.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore constructs a RedisStore. ttl bounds how long idle counters
// are kept.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStore{client: client, prefix: "lockout:", ttl: ttl}
}

// Load reads the hash.
func (s *RedisStore) Load(ctx context.Context, principalID int64) (Record, error) {
	vals, err := s.client.HGetAll(ctx, s.key(principalID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("lockout: load: %w", err)
	}
	var rec Record
	if raw := vals["failed_attempts"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Record{}, fmt.Errorf("lockout: parse failed_attempts: %w", err)
		}
		rec.FailedAttempts = n
	}
	if raw := vals["locked_until"]; raw != "" {
		unix, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("lockout: parse locked_until: %w", err)
		}
		rec.LockedUntil = time.Unix(0, unix).UTC()
	}
	return rec, nil
}

// Save overwrites the hash, or deletes it for an empty record.
func (s *RedisStore) Save(ctx context.Context, principalID int64, rec Record) error {
	key := s.key(principalID)
	if rec == (Record{}) {
		return s.client.Del(ctx, key).Err()
	}
	until := ""
	if !rec.LockedUntil.IsZero() {
		until = strconv.FormatInt(rec.LockedUntil.UnixNano(), 10)
	}
	ttl := s.ttl
	if remaining := time.Until(rec.LockedUntil); remaining > ttl {
		ttl = remaining
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "failed_attempts", rec.FailedAttempts, "locked_until", until)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("lockout: save: %w", err)
	}
	return nil
}

func (s *RedisStore) key(principalID int64) string {
	return s.prefix + strconv.FormatInt(principalID, 10)
}

// MemoryStore is an in-process Store for tests and single-node tooling.
type MemoryStore struct {
	mu      sync.Mutex
	records map[int64]Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[int64]Record)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, principalID int64) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[principalID], nil
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, principalID int64, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec == (Record{}) {
		delete(m.records, principalID)
		return nil
	}
	m.records[principalID] = rec
	return nil
}
