package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/xkilldash9x/fixfinder/api/schemas"
	"github.com/xkilldash9x/fixfinder/internal/config"
)

// BadgerCache is an embedded, single-process commit cache.
type BadgerCache struct {
	db  *badger.DB
	ttl time.Duration
	log *zap.Logger
}

// OpenBadger opens (or creates) the database described by cfg.
func OpenBadger(cfg config.BadgerConfig, ttl time.Duration, logger *zap.Logger) (*BadgerCache, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		path, err := homedir.Expand(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to expand badger path: %w", err)
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create badger directory: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithLoggingLevel(badger.ERROR)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return &BadgerCache{db: db, ttl: ttl, log: logger.Named("badger_cache")}, nil
}

func badgerKey(repository, id string) []byte {
	return []byte("commit:" + repository + ":" + id)
}

// Lookup reads all ids in one read transaction. Expired entries are
// invisible.
func (c *BadgerCache) Lookup(ctx context.Context, repository string, ids []string) (map[string]*schemas.CommitRecord, error) {
	found := make(map[string]*schemas.CommitRecord)
	err := c.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return err
			}
			item, err := txn.Get(badgerKey(repository, id))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			err = item.Value(func(v []byte) error {
				rec, err := decodeRecord(v)
				if err != nil {
					c.log.Warn("Discarding undecodable cached commit", zap.String("commit", id), zap.Error(err))
					return nil
				}
				found[id] = rec
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger lookup: %w", err)
	}
	return found, nil
}

// Save writes records through a WriteBatch, which splits large saves into
// several transactions.
func (c *BadgerCache) Save(ctx context.Context, repository string, records []*schemas.CommitRecord) error {
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	for _, rec := range records {
		if rec == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := encodeRecord(rec)
		if err != nil {
			return fmt.Errorf("failed to encode commit %s: %w", rec.ID, err)
		}
		e := badger.NewEntry(badgerKey(repository, rec.ID), raw)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		if err := wb.SetEntry(e); err != nil {
			return fmt.Errorf("badger set %s: %w", rec.ID, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger flush: %w", err)
	}
	return nil
}

// Close closes the database.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}
