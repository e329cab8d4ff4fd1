package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgRow represents a single row returned by QueryRow.
type pgRow interface {
	Scan(dest ...any) error
}

// pgConn is the slice of pgx the store needs. Exec reports rows affected.
type pgConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
	Exec(ctx context.Context, sql string, args ...any) (int64, error)
}

// PGStateStore keeps pending grants in the PostgreSQL oauth_states table
// created by the db migrations.
type PGStateStore struct {
	db  pgConn
	now func() time.Time
}

// NewPGStateStore creates a store over db. Use NewPGStateStoreFromPool in
// production.
func NewPGStateStore(db pgConn) *PGStateStore {
	return &PGStateStore{db: db, now: time.Now}
}

// NewPGStateStoreFromPool creates a store backed by a pgx pool.
func NewPGStateStoreFromPool(pool *pgxpool.Pool) *PGStateStore {
	return NewPGStateStore(&pgxPoolWrapper{pool: pool})
}

func (s *PGStateStore) Save(ctx context.Context, g *PendingGrant) error {
	if g == nil || g.State == "" {
		return errors.New("pending grant requires a state")
	}
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal pending grant: %w", err)
	}

	const query = `INSERT INTO oauth_states (state, grant_json, created_at, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (state) DO NOTHING`

	n, err := s.db.Exec(ctx, query, g.State, data, g.CreatedAt, g.ExpiresAt)
	if err != nil {
		return fmt.Errorf("save pending grant: %w", err)
	}
	if n == 0 {
		return ErrStateExists
	}
	return nil
}

// Consume deletes and returns the row in one statement.
func (s *PGStateStore) Consume(ctx context.Context, state string) (*PendingGrant, error) {
	const query = `DELETE FROM oauth_states
WHERE state = $1 AND expires_at > $2
RETURNING grant_json`

	var data []byte
	if err := s.db.QueryRow(ctx, query, state, s.now()).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownState
		}
		return nil, fmt.Errorf("consume pending grant: %w", err)
	}

	var g PendingGrant
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("unmarshal pending grant: %w", err)
	}
	return &g, nil
}

// Cleanup deletes expired rows.
func (s *PGStateStore) Cleanup(ctx context.Context) error {
	const query = `DELETE FROM oauth_states WHERE expires_at <= $1`
	if _, err := s.db.Exec(ctx, query, s.now()); err != nil {
		return fmt.Errorf("cleanup pending grants: %w", err)
	}
	return nil
}

type pgxPoolWrapper struct {
	pool *pgxpool.Pool
}

func (w *pgxPoolWrapper) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return w.pool.QueryRow(ctx, sql, args...)
}

func (w *pgxPoolWrapper) Exec(ctx context.Context, sql string, args ...any) (int64, error) {
	tag, err := w.pool.Exec(ctx, sql, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
