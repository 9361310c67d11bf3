// Package storage persists the small amount of application data the fetch
// surface needs: per-peer high-water cursors and fetch job records. Backends
// are interchangeable behind one interface and selected by configuration.
package storage

import (
	"context"
	"fmt"
	"time"

	"telepool-go/internal/config"
)

// Cursor is the high-water mark of fetched history for one peer.
type Cursor struct {
	Peer      string    `json:"peer"`
	MessageID int64     `json:"message_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FetchJob records one requested history fetch and its outcome.
type FetchJob struct {
	ID        string    `json:"id"`
	Peer      string    `json:"peer"`
	Limit     int       `json:"limit"`
	Status    string    `json:"status"`
	Fetched   int       `json:"fetched"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FetchJob statuses.
const (
	JobPending = "pending"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Backend defines the interface for storage implementations
type Backend interface {
	// Initialize sets up the storage backend
	Initialize(ctx context.Context) error

	// Close closes the storage backend
	Close() error

	// Health checks if the storage backend is healthy
	Health(ctx context.Context) error

	// Cursor operations
	GetCursor(ctx context.Context, peer string) (Cursor, error)
	SetCursor(ctx context.Context, cursor Cursor) error
	DeleteCursor(ctx context.Context, peer string) error
	ListCursors(ctx context.Context) ([]Cursor, error)

	// Fetch job operations
	GetJob(ctx context.Context, id string) (FetchJob, error)
	SetJob(ctx context.Context, job FetchJob) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context) ([]string, error)
}

// ErrNotFound is returned when a key is not found
type ErrNotFound struct {
	Key string
}

func (e *ErrNotFound) Error() string {
	return "key not found: " + e.Key
}

// Open builds the backend named by cfg.StorageBackend. The returned backend
// is not initialized; the caller owns Initialize and Close.
func Open(cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case "memory":
		return NewMemoryBackend(), nil
	case "redis":
		return NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
	case "postgres":
		return NewPostgresBackend(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
