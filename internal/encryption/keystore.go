package encryption

import (
	"context"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/bengobox/tenancy-service/internal/database"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// KeyStatus is the lifecycle state of a data key.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRetired KeyStatus = "retired"
)

// Algorithm names the cipher used for both wrapping and data.
const Algorithm = "AES-256-GCM"

// Key is a data key as persisted: the key bytes only ever appear wrapped.
type Key struct {
	ID        string     `json:"key_id"`
	Version   int        `json:"version"`
	Wrapped   []byte     `json:"-"`
	Algorithm string     `json:"algorithm"`
	Status    KeyStatus  `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	RetiredAt *time.Time `json:"retired_at,omitempty"`
}

// MintFunc produces a new wrapped key for the given version.
type MintFunc func(version int) (Key, error)

// KeyStore persists key metadata and wrapped key material.
type KeyStore interface {
	// Active returns the single active key or ErrNoActiveKey.
	Active(ctx context.Context) (Key, error)
	// Get returns the key with the given id or ErrUnknownKeyVersion.
	Get(ctx context.Context, keyID string) (Key, error)
	// List returns every key ordered by version.
	List(ctx context.Context) ([]Key, error)
	// Rotate retires the active key and stores a freshly minted one in a single
	// transaction.
	Rotate(ctx context.Context, mint MintFunc) (Key, error)
	// Bootstrap stores a minted key only when no active key exists yet.
	Bootstrap(ctx context.Context, mint MintFunc) (Key, error)
}

const keysTable = "encryption_keys"

var keyColumns = []string{"key_id", "version", "wrapped_key", "algorithm", "status", "created_at", "retired_at"}

type keyRow struct {
	KeyID      string     `db:"key_id"`
	Version    int        `db:"version"`
	WrappedKey []byte     `db:"wrapped_key"`
	Algorithm  string     `db:"algorithm"`
	Status     string     `db:"status"`
	CreatedAt  time.Time  `db:"created_at"`
	RetiredAt  *time.Time `db:"retired_at"`
}

func (r keyRow) key() Key {
	return Key{
		ID:        r.KeyID,
		Version:   r.Version,
		Wrapped:   r.WrappedKey,
		Algorithm: r.Algorithm,
		Status:    KeyStatus(r.Status),
		CreatedAt: r.CreatedAt,
		RetiredAt: r.RetiredAt,
	}
}

// PostgresKeyStore keeps keys in core.encryption_keys. A partial unique index
// guarantees at most one active row and a trigger keeps key material immutable.
type PostgresKeyStore struct {
	pool *pgxpool.Pool
}

// NewPostgresKeyStore constructs a PostgresKeyStore.
func NewPostgresKeyStore(pool *pgxpool.Pool) *PostgresKeyStore {
	return &PostgresKeyStore{pool: pool}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func selectKeys(ctx context.Context, q querier, pred *entsql.Predicate) ([]Key, error) {
	b := database.Builder()
	sel := b.Select(keyColumns...).From(b.Table(keysTable).Schema(database.CoreSchema))
	if pred != nil {
		sel = sel.Where(pred)
	}
	query, args := sel.OrderBy("version").Query()
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query encryption keys: %w", err)
	}
	items, err := pgx.CollectRows(rows, pgx.RowToStructByName[keyRow])
	if err != nil {
		return nil, fmt.Errorf("scan encryption keys: %w", err)
	}
	out := make([]Key, 0, len(items))
	for _, item := range items {
		out = append(out, item.key())
	}
	return out, nil
}

func (s *PostgresKeyStore) Active(ctx context.Context) (Key, error) {
	keys, err := selectKeys(ctx, s.pool, entsql.EQ("status", string(KeyActive)))
	if err != nil {
		return Key{}, err
	}
	if len(keys) == 0 {
		return Key{}, ErrNoActiveKey
	}
	return keys[0], nil
}

func (s *PostgresKeyStore) Get(ctx context.Context, keyID string) (Key, error) {
	keys, err := selectKeys(ctx, s.pool, entsql.EQ("key_id", keyID))
	if err != nil {
		return Key{}, err
	}
	if len(keys) == 0 {
		return Key{}, ErrUnknownKeyVersion
	}
	return keys[0], nil
}

func (s *PostgresKeyStore) List(ctx context.Context) ([]Key, error) {
	return selectKeys(ctx, s.pool, nil)
}

func (s *PostgresKeyStore) Rotate(ctx context.Context, mint MintFunc) (Key, error) {
	return s.install(ctx, mint, false)
}

func (s *PostgresKeyStore) Bootstrap(ctx context.Context, mint MintFunc) (Key, error) {
	return s.install(ctx, mint, true)
}

// install runs under a SHARE ROW EXCLUSIVE table lock, which conflicts with
// itself, so concurrent rotations queue up. Readers are not blocked and see
// either the old or the new active key once the transaction commits.
func (s *PostgresKeyStore) install(ctx context.Context, mint MintFunc, onlyIfNone bool) (Key, error) {
	var out Key
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "LOCK TABLE core.encryption_keys IN SHARE ROW EXCLUSIVE MODE"); err != nil {
			return fmt.Errorf("lock encryption keys: %w", err)
		}
		if onlyIfNone {
			active, err := selectKeys(ctx, tx, entsql.EQ("status", string(KeyActive)))
			if err != nil {
				return err
			}
			if len(active) > 0 {
				out = active[0]
				return nil
			}
		}

		var latest int
		if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM core.encryption_keys").Scan(&latest); err != nil {
			return fmt.Errorf("read latest key version: %w", err)
		}
		key, err := mint(latest + 1)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		b := database.Builder()
		query, args := b.Update(keysTable).Schema(database.CoreSchema).
			Set("status", string(KeyRetired)).
			Set("retired_at", now).
			Where(entsql.EQ("status", string(KeyActive))).
			Query()
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("retire active key: %w", err)
		}

		query, args = b.Insert(keysTable).Schema(database.CoreSchema).
			Columns("key_id", "version", "wrapped_key", "algorithm", "status", "created_at").
			Values(key.ID, key.Version, key.Wrapped, Algorithm, string(KeyActive), now).
			Returning(keyColumns...).
			Query()
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("insert encryption key: %w", err)
		}
		row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[keyRow])
		if err != nil {
			return fmt.Errorf("insert encryption key: %w", err)
		}
		out = row.key()
		return nil
	})
	if err != nil {
		return Key{}, fmt.Errorf("install encryption key: %w", err)
	}
	return out, nil
}
