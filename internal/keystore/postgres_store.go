package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL, for running this core
// outside a real device (local dev host, integration tests). The schema
// is a single namespaced key-value table; see cmd/migrate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed keystore.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, key string) (*string, error) {
	var value string
	err := p.db.QueryRowContext(ctx, `SELECT value FROM keystore_entries WHERE key = $1`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keystore: get %q: %w", key, err)
	}
	return &value, nil
}

func (p *PostgresStore) Set(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO keystore_entries (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`, key, value)
	if err != nil {
		return fmt.Errorf("keystore: set %q: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, key string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM keystore_entries WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("keystore: delete %q: %w", key, err)
	}
	return nil
}

func (p *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT key FROM keystore_entries WHERE key LIKE $1`, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("keystore: keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (p *PostgresStore) Reset(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM keystore_entries WHERE key LIKE 'starkclaw.%'`)
	if err != nil {
		// Best-effort: in-memory callers have already cleared their own
		// state by the time Reset is invoked.
		return fmt.Errorf("keystore: reset: %w", err)
	}
	return nil
}

func escapeLikePrefix(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var _ Store = (*PostgresStore)(nil)
