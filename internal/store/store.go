package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

const (
	sqlCreateCommits = `
        CREATE TABLE IF NOT EXISTS commits (
            repository TEXT NOT NULL,
            id TEXT NOT NULL,
            record JSONB NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL,
            PRIMARY KEY (repository, id)
        );
    `
	sqlSelectCommits = `
        SELECT id, record
        FROM commits
        WHERE repository = $1 AND id = ANY($2) AND updated_at >= $3;
    `
	sqlUpsertCommit = `
        INSERT INTO commits (repository, id, record, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (repository, id) DO UPDATE SET
            record = EXCLUDED.record,
            updated_at = EXCLUDED.updated_at;
    `
)

// Store is the PostgreSQL implementation of schemas.CommitCache. Records are
// kept as JSONB keyed by (repository, commit id).
type Store struct {
	pool DBPool
	ttl  time.Duration
	log  *zap.Logger
	now  func() time.Time
}

// New creates a new store instance, verifies the connection and makes sure
// the table exists. A zero ttl keeps records forever.
func New(ctx context.Context, pool DBPool, ttl time.Duration, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, sqlCreateCommits); err != nil {
		return nil, fmt.Errorf("failed to create commits table: %w", err)
	}

	return &Store{
		pool: pool,
		ttl:  ttl,
		log:  logger.Named("store"),
		now:  time.Now,
	}, nil
}

// Lookup returns the cached, unexpired records among ids.
func (s *Store) Lookup(ctx context.Context, repository string, ids []string) (map[string]*schemas.CommitRecord, error) {
	found := make(map[string]*schemas.CommitRecord)
	if len(ids) == 0 {
		return found, nil
	}

	rows, err := s.pool.Query(ctx, sqlSelectCommits, repository, ids, s.oldestValid())
	if err != nil {
		return nil, fmt.Errorf("failed to query commits: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var raw []byte
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan commit row: %w", err)
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			// A corrupt row is a miss, the commit is mined again and overwritten.
			s.log.Warn("Discarding undecodable cached commit", zap.String("commit", id), zap.Error(err))
			continue
		}
		found[id] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return found, nil
}

// Save upserts records in one transaction.
func (s *Store) Save(ctx context.Context, repository string, records []*schemas.CommitRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	now := s.now().UTC()
	batch := &pgx.Batch{}
	queued := make([]string, 0, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		raw, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("failed to encode commit %s: %w", rec.ID, err)
		}
		batch.Queue(sqlUpsertCommit, repository, rec.ID, raw, now)
		queued = append(queued, rec.ID)
	}

	br := tx.SendBatch(ctx, batch)
	if br == nil {
		return fmt.Errorf("failed to send batch: batch results is nil")
	}
	for i, id := range queued {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert commit %s (index %d): %w", id, i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) oldestValid() time.Time {
	if s.ttl <= 0 {
		return time.Unix(0, 0).UTC()
	}
	return s.now().Add(-s.ttl).UTC()
}
