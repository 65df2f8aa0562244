package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/cyderes/findings-ingestion-service/internal/config"
	"github.com/cyderes/findings-ingestion-service/internal/failures"
	"github.com/cyderes/findings-ingestion-service/internal/metrics"
	"github.com/cyderes/findings-ingestion-service/internal/models"
	"github.com/cyderes/findings-ingestion-service/internal/storage"
)

// Writer upserts finding records, retrying transient store errors with a fixed delay.
type Writer struct {
	store       storage.Storage
	validate    *validator.Validate
	attempts    int
	delay       time.Duration
	concurrency int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// WriteResult tallies one PersistAll call. Err joins every record failure.
type WriteResult struct {
	Written  int
	Rejected int
	Failed   int
	Err      error
}

// NewWriter creates a writer. RetryCount is the total number of attempts per record.
func NewWriter(store storage.Storage, cfg config.IngestionConfig, m *metrics.Metrics, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.RetryCount
	if attempts < 1 {
		attempts = 1
	}
	concurrency := cfg.MaxConcurrentWrites
	if concurrency < 1 {
		concurrency = 1
	}
	return &Writer{
		store:       store,
		validate:    validator.New(),
		attempts:    attempts,
		delay:       cfg.RetryDelay,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger.With("component", "writer"),
	}
}

// Persist writes one record and returns its id. Invalid records fail with
// ValidationFailure before the store is called. Store rejections come back as
// ClientRejected without a retry; anything else is retried and, once the attempts
// are used up, surfaces as TransientFailure wrapping the last error.
func (w *Writer) Persist(ctx context.Context, record models.FindingRecord) (string, error) {
	if err := w.validate.Struct(record); err != nil {
		return "", failures.New(failures.ValidationFailure, "persist record", err)
	}

	attempt := 0
	var lastErr error
	operation := func() error {
		attempt++
		if attempt > 1 && w.metrics != nil {
			w.metrics.IncWriteRetries()
		}
		err := w.store.UpsertFinding(ctx, record)
		if err == nil {
			return nil
		}
		lastErr = err
		if !failures.KindOf(err).Retryable() {
			return backoff.Permanent(err)
		}
		w.logger.Warn("upsert failed, will retry", "id", record.ID, "attempt", attempt, "error", err)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.delay), uint64(w.attempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if !failures.KindOf(err).Retryable() {
			return "", err
		}
		if lastErr == nil {
			lastErr = err
		}
		return "", failures.New(failures.TransientFailure, "persist record",
			fmt.Errorf("gave up on %s after %d attempts: %w", record.ID, attempt, lastErr))
	}
	return record.ID, nil
}

// PersistAll writes records concurrently and waits for every write to settle. A
// failing record does not cancel the others.
func (w *Writer) PersistAll(ctx context.Context, records []models.FindingRecord) WriteResult {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		result WriteResult
		errs   []error
	)
	g.SetLimit(w.concurrency)

	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			_, err := w.Persist(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			switch kind := failures.KindOf(err); {
			case err == nil:
				result.Written++
			case kind == failures.ValidationFailure || kind == failures.ClientRejected:
				result.Rejected++
				errs = append(errs, err)
				w.logger.Error("record rejected", "id", rec.ID, "kind", kind.String(), "error", err)
			default:
				result.Failed++
				errs = append(errs, err)
				w.logger.Error("record write failed", "id", rec.ID, "kind", kind.String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Err = errors.Join(errs...)
	return result
}
