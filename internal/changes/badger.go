package changes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
)

const checkpointKeyPrefix = "checkpoint:"

// BadgerStore persists checkpoints in an embedded BadgerDB so change detection
// survives process restarts.
type BadgerStore struct {
	db *badger.DB
}

var _ CheckpointStore = (*BadgerStore)(nil)

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(msg string, items ...any) {
	l.logger.Error(fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Warningf(msg string, items ...any) {
	l.logger.Warn(fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Infof(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

func (l *badgerLogger) Debugf(msg string, items ...any) {
	l.logger.Debug(fmt.Sprintf(msg, items...))
}

// OpenBadgerStore opens (creating if needed) a checkpoint database at path.
// An empty path opens an in-memory database, which is what tests use.
func OpenBadgerStore(path string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts.Logger = &badgerLogger{logger: logger.With("component", "badger")}
	opts.Compression = options.None

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Load returns the recorded time for objectID.
func (s *BadgerStore) Load(_ context.Context, objectID string) (time.Time, bool, error) {
	var (
		ts    time.Time
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(checkpointKeyPrefix + objectID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			found = true
			return ts.UnmarshalBinary(val)
		})
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load checkpoint %s: %w", objectID, err)
	}
	return ts, found, nil
}

// Save records processedAt, in UTC, for objectID.
func (s *BadgerStore) Save(_ context.Context, objectID string, processedAt time.Time) error {
	val, err := processedAt.UTC().MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", objectID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(checkpointKeyPrefix+objectID), val)
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint %s: %w", objectID, err)
	}
	return nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
