// internal/repository/postgres/kv_repo.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront-service/internal/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbtx is the slice of *pgxpool.Pool the repository uses.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// KVRepository is the durable tier of the auth store. Rows carry their own
// expiry; expired rows read as missing and are removed when touched.
type KVRepository struct {
	db  dbtx
	now func() time.Time
}

func NewKVRepository(db *pgxpool.Pool) *KVRepository {
	return newKVRepository(db, time.Now)
}

func newKVRepository(db dbtx, now func() time.Time) *KVRepository {
	return &KVRepository{db: db, now: now}
}

var _ store.Backend = (*KVRepository)(nil)

func (r *KVRepository) Name() string { return "postgres" }

func (r *KVRepository) expiry(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := r.now().Add(ttl)
	return &t
}

func (r *KVRepository) remaining(expiresAt *time.Time) time.Duration {
	if expiresAt == nil {
		return 0
	}
	if d := expiresAt.Sub(r.now()); d > 0 {
		return d
	}
	return 0
}

func (r *KVRepository) Get(ctx context.Context, key string) ([]byte, time.Duration, error) {
	query := `SELECT value, expires_at FROM auth_kv WHERE key = $1`

	var (
		value     []byte
		expiresAt *time.Time
	)
	err := r.db.QueryRow(ctx, query, key).Scan(&value, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, store.ErrMiss
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", key, err)
	}

	now := r.now()
	if expiresAt != nil && !expiresAt.After(now) {
		if _, err := r.db.Exec(ctx, `DELETE FROM auth_kv WHERE key = $1 AND expires_at <= $2`, key, now); err != nil {
			return nil, 0, fmt.Errorf("failed to purge %s: %w", key, err)
		}
		return nil, 0, store.ErrMiss
	}

	return value, r.remaining(expiresAt), nil
}

func (r *KVRepository) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := `
		INSERT INTO auth_kv (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = EXCLUDED.updated_at
	`

	if _, err := r.db.Exec(ctx, query, key, value, r.expiry(ttl), r.now()); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// SetNX inserts the row, replacing it only when the existing one has expired.
func (r *KVRepository) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	query := `
		INSERT INTO auth_kv (key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = EXCLUDED.updated_at
		WHERE auth_kv.expires_at IS NOT NULL AND auth_kv.expires_at <= EXCLUDED.updated_at
	`

	tag, err := r.db.Exec(ctx, query, key, value, r.expiry(ttl), r.now())
	if err != nil {
		return false, fmt.Errorf("failed to insert %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompareAndSwap updates a live row whose value is still old. When nothing
// matched, a second read tells a changed row from a missing one.
func (r *KVRepository) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	now := r.now()
	query := `
		UPDATE auth_kv
		SET value = $3, expires_at = $4, updated_at = $5
		WHERE key = $1 AND value = $2 AND (expires_at IS NULL OR expires_at > $5)
	`

	tag, err := r.db.Exec(ctx, query, key, old, value, r.expiry(ttl), now)
	if err != nil {
		return false, fmt.Errorf("failed to swap %s: %w", key, err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var live bool
	err = r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM auth_kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2))`,
		key, now,
	).Scan(&live)
	if err != nil {
		return false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !live {
		return false, store.ErrMiss
	}
	return false, nil
}

func (r *KVRepository) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM auth_kv WHERE key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM auth_kv_members WHERE key = ANY($1)`, keys); err != nil {
		return fmt.Errorf("failed to delete sets: %w", err)
	}

	return tx.Commit(ctx)
}

// IncrBy keeps counters as decimal text so both tiers agree on the encoding.
// An expired counter restarts from delta with a fresh window.
func (r *KVRepository) IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, time.Duration, error) {
	query := `
		INSERT INTO auth_kv (key, value, expires_at, updated_at)
		VALUES ($1, convert_to($2::bigint::text, 'UTF8'), $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = CASE
		        WHEN auth_kv.expires_at IS NOT NULL AND auth_kv.expires_at <= EXCLUDED.updated_at
		            THEN EXCLUDED.value
		        ELSE convert_to((convert_from(auth_kv.value, 'UTF8')::bigint + $2::bigint)::text, 'UTF8')
		    END,
		    expires_at = CASE
		        WHEN auth_kv.expires_at IS NOT NULL AND auth_kv.expires_at <= EXCLUDED.updated_at
		            THEN EXCLUDED.expires_at
		        ELSE COALESCE(auth_kv.expires_at, EXCLUDED.expires_at)
		    END,
		    updated_at = EXCLUDED.updated_at
		RETURNING convert_from(value, 'UTF8')::bigint, expires_at
	`

	var (
		n         int64
		expiresAt *time.Time
	)
	err := r.db.QueryRow(ctx, query, key, delta, r.expiry(ttl), r.now()).Scan(&n, &expiresAt)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return n, r.remaining(expiresAt), nil
}

func (r *KVRepository) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if _, err := r.db.Exec(ctx, `UPDATE auth_kv SET expires_at = $2, updated_at = $3 WHERE key = $1`,
		key, r.expiry(ttl), r.now()); err != nil {
		return fmt.Errorf("failed to expire %s: %w", key, err)
	}
	return nil
}

// TTL covers plain keys and member sets; a set lives as long as its
// longest-lived member.
func (r *KVRepository) TTL(ctx context.Context, key string) (time.Duration, error) {
	now := r.now()

	var expiresAt *time.Time
	err := r.db.QueryRow(ctx,
		`SELECT expires_at FROM auth_kv WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)`,
		key, now,
	).Scan(&expiresAt)
	if err == nil {
		return r.remaining(expiresAt), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("failed to read ttl of %s: %w", key, err)
	}

	query := `
		SELECT COUNT(*), MAX(expires_at), COALESCE(BOOL_OR(expires_at IS NULL), false)
		FROM auth_kv_members
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)
	`
	var (
		count     int64
		latest    *time.Time
		unbounded bool
	)
	if err := r.db.QueryRow(ctx, query, key, now).Scan(&count, &latest, &unbounded); err != nil {
		return 0, fmt.Errorf("failed to read ttl of %s: %w", key, err)
	}
	if count == 0 {
		return 0, store.ErrMiss
	}
	if unbounded {
		return 0, nil
	}
	return r.remaining(latest), nil
}

// AddMember never shortens a member's expiry; a zero ttl makes it unbounded.
func (r *KVRepository) AddMember(ctx context.Context, key, member string, ttl time.Duration) error {
	query := `
		INSERT INTO auth_kv_members (key, member, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key, member) DO UPDATE
		SET expires_at = CASE
		        WHEN auth_kv_members.expires_at IS NULL OR EXCLUDED.expires_at IS NULL THEN NULL
		        ELSE GREATEST(auth_kv_members.expires_at, EXCLUDED.expires_at)
		    END
	`

	if _, err := r.db.Exec(ctx, query, key, member, r.expiry(ttl)); err != nil {
		return fmt.Errorf("failed to add member to %s: %w", key, err)
	}
	return nil
}

func (r *KVRepository) Members(ctx context.Context, key string) ([]string, error) {
	now := r.now()
	rows, err := r.db.Query(ctx,
		`SELECT member FROM auth_kv_members WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2) ORDER BY member`,
		key, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list members of %s: %w", key, err)
	}

	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan members of %s: %w", key, err)
	}

	if _, err := r.db.Exec(ctx, `DELETE FROM auth_kv_members WHERE key = $1 AND expires_at <= $2`, key, now); err != nil {
		return nil, fmt.Errorf("failed to purge members of %s: %w", key, err)
	}

	if len(members) == 0 {
		return nil, store.ErrMiss
	}
	return members, nil
}

func (r *KVRepository) RemoveMember(ctx context.Context, key, member string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM auth_kv_members WHERE key = $1 AND member = $2`, key, member); err != nil {
		return fmt.Errorf("failed to remove member from %s: %w", key, err)
	}
	return nil
}
