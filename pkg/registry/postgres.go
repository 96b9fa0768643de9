package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/speedrun-hq/bridgerunner/pkg/models"
)

const createTransfersTable = `
CREATE TABLE IF NOT EXISTS transfers (
    id          TEXT PRIMARY KEY,
    state       TEXT NOT NULL,
    document    JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL
)`

// PostgresStore keeps each transfer as a JSONB document
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and creates the transfers table if missing
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	db, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(ctx, createTransfersTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create transfers table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Save(ctx context.Context, t *models.Transfer) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode transfer: %w", err)
	}
	query := `
        INSERT INTO transfers (id, state, document, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (id) DO UPDATE SET
            state = EXCLUDED.state,
            document = EXCLUDED.document,
            updated_at = EXCLUDED.updated_at
    `
	_, err = s.db.Exec(ctx, query, t.ID, string(t.State()), doc, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*models.Transfer, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT document FROM transfers WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTransferNotFound, id)
		}
		return nil, err
	}
	return decodeTransfer(doc)
}

func (s *PostgresStore) LoadAll(ctx context.Context) ([]*models.Transfer, error) {
	rows, err := s.db.Query(ctx, `SELECT document FROM transfers ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Transfer
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		t, err := decodeTransfer(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func decodeTransfer(doc []byte) (*models.Transfer, error) {
	var t models.Transfer
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("failed to decode transfer: %w", err)
	}
	return &t, nil
}
