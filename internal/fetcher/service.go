// Package fetcher is the pool's primary caller: it borrows a connection,
// fetches message history for a peer and advances the persisted high-water
// cursor. The business logic stays deliberately thin; the interesting parts
// live in the pool underneath it.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"telepool-go/internal/connector"
	"telepool-go/internal/storage"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// ConnPool is the slice of the pool the fetcher needs. Connections are
// shared, never owned: the fetcher must not disconnect them.
type ConnPool interface {
	Acquire(ctx context.Context) (connector.Conn, error)
}

// Result summarizes one completed fetch.
type Result struct {
	JobID    string              `json:"job_id"`
	Peer     string              `json:"peer"`
	Fetched  int                 `json:"fetched"`
	Cursor   int64               `json:"cursor"`
	Messages []connector.Message `json:"messages"`
}

// Service coordinates pool, gateway and storage for history fetches.
type Service struct {
	pool  ConnPool
	store storage.Backend
}

// New builds a fetcher over the given pool and store.
func New(pool ConnPool, store storage.Backend) *Service {
	return &Service{pool: pool, store: store}
}

// FetchHistory fetches up to limit messages for peer newer than the persisted
// cursor, then advances the cursor to the highest id seen. Job records are
// written best-effort; a failing store never blocks the fetch itself, but a
// cursor that cannot be persisted is reported since the next fetch would
// re-deliver.
func (s *Service) FetchHistory(ctx context.Context, peer string, limit int) (*Result, error) {
	if peer == "" {
		return nil, errors.New("fetcher: peer is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	job := storage.FetchJob{
		ID:        uuid.NewString(),
		Peer:      peer,
		Limit:     limit,
		Status:    storage.JobPending,
		CreatedAt: time.Now().UTC(),
	}
	s.writeJob(ctx, &job)

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		s.failJob(ctx, &job, err)
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	var since int64
	cur, err := s.store.GetCursor(ctx, peer)
	if err == nil {
		since = cur.MessageID
	} else {
		var notFound *storage.ErrNotFound
		if !errors.As(err, &notFound) {
			s.failJob(ctx, &job, err)
			return nil, fmt.Errorf("load cursor for %s: %w", peer, err)
		}
	}

	msgs, err := conn.FetchMessages(ctx, peer, limit, since)
	if err != nil {
		s.failJob(ctx, &job, err)
		return nil, fmt.Errorf("fetch history for %s: %w", peer, err)
	}

	high := since
	for _, m := range msgs {
		if m.ID > high {
			high = m.ID
		}
	}
	if high > since {
		if err := s.store.SetCursor(ctx, storage.Cursor{Peer: peer, MessageID: high}); err != nil {
			s.failJob(ctx, &job, err)
			return nil, fmt.Errorf("persist cursor for %s: %w", peer, err)
		}
	}

	job.Status = storage.JobDone
	job.Fetched = len(msgs)
	s.writeJob(ctx, &job)

	log.WithFields(log.Fields{
		"peer":    peer,
		"fetched": len(msgs),
		"cursor":  high,
	}).Info("history fetched")

	return &Result{
		JobID:    job.ID,
		Peer:     peer,
		Fetched:  len(msgs),
		Cursor:   high,
		Messages: msgs,
	}, nil
}

// Job returns a previously recorded fetch job.
func (s *Service) Job(ctx context.Context, id string) (storage.FetchJob, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) writeJob(ctx context.Context, job *storage.FetchJob) {
	job.UpdatedAt = time.Now().UTC()
	if err := s.store.SetJob(ctx, *job); err != nil {
		log.WithError(err).WithField("job", job.ID).Warn("failed to record fetch job")
	}
}

func (s *Service) failJob(ctx context.Context, job *storage.FetchJob, cause error) {
	job.Status = storage.JobFailed
	job.Error = cause.Error()
	s.writeJob(ctx, job)
}
