package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"

	"telepool-go/internal/migrations"
)

const defaultPGTimeout = 5 * time.Second

func withPGTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, defaultPGTimeout)
}

// PostgresBackend implements Backend on PostgreSQL. Cursors get their own
// columns; jobs are stored as JSONB, same trade-off as the Redis backend.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend creates a PostgreSQL storage backend
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	log.Info("Connected to PostgreSQL storage backend")
	return &PostgresBackend{db: db}, nil
}

// Initialize applies pending schema migrations.
func (p *PostgresBackend) Initialize(ctx context.Context) error {
	if err := migrations.PostgresUp(p.db); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	log.Info("PostgreSQL migrations applied")
	return nil
}

// Close closes the database connection pool.
func (p *PostgresBackend) Close() error {
	return p.db.Close()
}

// Health checks connectivity.
func (p *PostgresBackend) Health(ctx context.Context) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	return p.db.PingContext(ctx)
}

func (p *PostgresBackend) GetCursor(ctx context.Context, peer string) (Cursor, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	var c Cursor
	err := p.db.QueryRowContext(ctx,
		"SELECT peer, message_id, updated_at FROM fetch_cursors WHERE peer = $1", peer).
		Scan(&c.Peer, &c.MessageID, &c.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return Cursor{}, &ErrNotFound{Key: peer}
		}
		return Cursor{}, fmt.Errorf("failed to get cursor: %w", err)
	}
	return c, nil
}

func (p *PostgresBackend) SetCursor(ctx context.Context, cursor Cursor) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	query := `
		INSERT INTO fetch_cursors (peer, message_id, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (peer)
		DO UPDATE SET message_id = EXCLUDED.message_id, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := p.db.ExecContext(ctx, query, cursor.Peer, cursor.MessageID); err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	return nil
}

func (p *PostgresBackend) DeleteCursor(ctx context.Context, peer string) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, "DELETE FROM fetch_cursors WHERE peer = $1", peer); err != nil {
		return fmt.Errorf("failed to delete cursor: %w", err)
	}
	return nil
}

func (p *PostgresBackend) ListCursors(ctx context.Context) ([]Cursor, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx,
		"SELECT peer, message_id, updated_at FROM fetch_cursors ORDER BY peer")
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []Cursor
	for rows.Next() {
		var c Cursor
		if err := rows.Scan(&c.Peer, &c.MessageID, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cursor: %w", err)
		}
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cursor rows iteration error: %w", err)
	}
	return cursors, nil
}

func (p *PostgresBackend) GetJob(ctx context.Context, id string) (FetchJob, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	var raw []byte
	err := p.db.QueryRowContext(ctx, "SELECT data FROM fetch_jobs WHERE id = $1", id).Scan(&raw)
	if err != nil {
		if err == sql.ErrNoRows {
			return FetchJob{}, &ErrNotFound{Key: id}
		}
		return FetchJob{}, fmt.Errorf("failed to get job: %w", err)
	}
	var j FetchJob
	if err := json.Unmarshal(raw, &j); err != nil {
		return FetchJob{}, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return j, nil
}

func (p *PostgresBackend) SetJob(ctx context.Context, job FetchJob) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	query := `
		INSERT INTO fetch_jobs (id, data, updated_at)
		VALUES ($1, $2, CURRENT_TIMESTAMP)
		ON CONFLICT (id)
		DO UPDATE SET data = EXCLUDED.data, updated_at = CURRENT_TIMESTAMP
	`
	if _, err := p.db.ExecContext(ctx, query, job.ID, raw); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (p *PostgresBackend) DeleteJob(ctx context.Context, id string) error {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	if _, err := p.db.ExecContext(ctx, "DELETE FROM fetch_jobs WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (p *PostgresBackend) ListJobs(ctx context.Context) ([]string, error) {
	ctx, cancel := withPGTimeout(ctx)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, "SELECT id FROM fetch_jobs ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job rows iteration error: %w", err)
	}
	return ids, nil
}
