package state

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the remote SQL backend: enables multi-instance sharding
// by source_id, since the pool is safe for concurrent use across
// processes talking to the same database. Built fresh on pgx/v5 per
// go.mod's declared dependency (see DESIGN.md for why the teacher's
// sqlx/lib-pq postgres_database.go was not adapted directly).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS hel_state (
	source_id TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     TEXT NOT NULL,
	PRIMARY KEY (source_id, key)
)`
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Get(ctx context.Context, sourceID string) (map[string]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT key, value FROM hel_state WHERE source_id = $1`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan state row: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (p *PostgresStore) Set(ctx context.Context, sourceID string, delta map[string]string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for k, v := range delta {
		_, err := tx.Exec(ctx, `
INSERT INTO hel_state (source_id, key, value) VALUES ($1, $2, $3)
ON CONFLICT (source_id, key) DO UPDATE SET value = excluded.value`, sourceID, k, v)
		if err != nil {
			return fmt.Errorf("upsert %s/%s: %w", sourceID, k, err)
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) Delete(ctx context.Context, sourceID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM hel_state WHERE source_id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("delete source %s: %w", sourceID, err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT source_id FROM hel_state`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan source id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Export(ctx context.Context) (map[string]map[string]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT source_id, key, value FROM hel_state`)
	if err != nil {
		return nil, fmt.Errorf("export state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]string)
	for rows.Next() {
		var id, k, v string
		if err := rows.Scan(&id, &k, &v); err != nil {
			return nil, fmt.Errorf("scan export row: %w", err)
		}
		if out[id] == nil {
			out[id] = make(map[string]string)
		}
		out[id][k] = v
	}
	return out, rows.Err()
}

func (p *PostgresStore) Import(ctx context.Context, dump map[string]map[string]string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM hel_state`); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	for id, kv := range dump {
		for k, v := range kv {
			if _, err := tx.Exec(ctx, `INSERT INTO hel_state (source_id, key, value) VALUES ($1, $2, $3)`, id, k, v); err != nil {
				return fmt.Errorf("insert %s/%s: %w", id, k, err)
			}
		}
	}
	return tx.Commit(ctx)
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
