package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/cyderes/findings-ingestion-service/internal/changes"
	"github.com/cyderes/findings-ingestion-service/internal/config"
	"github.com/cyderes/findings-ingestion-service/internal/credentials"
	"github.com/cyderes/findings-ingestion-service/internal/extraction"
	"github.com/cyderes/findings-ingestion-service/internal/failures"
	"github.com/cyderes/findings-ingestion-service/internal/metrics"
	"github.com/cyderes/findings-ingestion-service/internal/models"
	"github.com/cyderes/findings-ingestion-service/internal/objectpool"
	"github.com/cyderes/findings-ingestion-service/internal/storage"
)

// CredentialSource hands out a currently valid credential.
type CredentialSource interface {
	Credential(ctx context.Context) (credentials.Credential, error)
}

// Extractor submits text to the extraction service.
type Extractor interface {
	Extract(ctx context.Context, text string) (*extraction.Result, error)
	ExtractDefault(ctx context.Context) (*extraction.Result, error)
}

// Service runs the findings pipeline on a schedule
type Service struct {
	config    config.IngestionConfig
	storage   storage.Storage
	creds     CredentialSource
	extractor Extractor
	writer    *Writer
	source    objectpool.Source
	detector  *changes.Detector
	pool      *ants.Pool
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	runs sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithObjectSource switches the service from the template's sample text to scanning
// source, using detector to pick new and changed objects.
func WithObjectSource(source objectpool.Source, detector *changes.Detector) Option {
	return func(s *Service) {
		s.source = source
		s.detector = detector
	}
}

// WithMetrics sets the metrics the service and its writer report to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a new ingestion service
func NewService(cfg config.IngestionConfig, store storage.Storage, creds CredentialSource, extractor Extractor, opts ...Option) (*Service, error) {
	s := &Service{
		config:    cfg,
		storage:   store,
		creds:     creds,
		extractor: extractor,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	if s.source != nil && s.detector == nil {
		return nil, errors.New("object source configured without a change detector")
	}
	s.logger = s.logger.With("component", "ingestion")

	size := cfg.MaxConcurrentObjects
	if size < 1 {
		size = 1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create object pool workers: %w", err)
	}
	s.pool = pool
	s.writer = NewWriter(store, cfg, s.metrics, s.logger)
	return s, nil
}

// Start runs the pipeline once immediately and then on every tick until ctx is
// cancelled. Runs are not serialized: a slow run overlaps the next one. Start waits
// for in-flight runs before returning.
func (s *Service) Start(ctx context.Context) error {
	s.launch(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.runs.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.launch(ctx)
		}
	}
}

func (s *Service) launch(ctx context.Context) {
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		if _, err := s.Run(ctx); err != nil {
			s.logger.Error("ingestion run failed", "error", err)
		}
	}()
}

// Release stops the object workers. The service must not be used afterwards.
func (s *Service) Release() {
	s.pool.Release()
}

// Run performs one pipeline pass and reports what happened. The returned error is
// set when the run was aborted for lack of a credential or when any record could not
// be written. Extraction failures are counted in the report but do not fail the run.
func (s *Service) Run(ctx context.Context) (models.RunReport, error) {
	report := models.RunReport{StartedAt: s.now().UTC()}

	if _, err := s.creds.Credential(ctx); err != nil {
		s.metrics.IncCredentialFailure(failures.KindOf(err).String())
		err = fmt.Errorf("run aborted: %w", err)
		s.finish(ctx, &report, err, true)
		return report, err
	}

	t := &tally{report: &report}
	if s.source == nil {
		s.processDefault(ctx, t)
	} else {
		s.processPool(ctx, t)
	}

	err := errors.Join(t.errs...)
	s.finish(ctx, &report, err, t.aborted)
	return report, err
}

// tally accumulates per-object outcomes from concurrent workers.
type tally struct {
	mu      sync.Mutex
	report  *models.RunReport
	errs    []error
	aborted bool
}

func (t *tally) add(fn func(r *models.RunReport)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.report)
}

func (t *tally) fail(err error, abort bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, err)
	t.aborted = t.aborted || abort
}

func (s *Service) processDefault(ctx context.Context, t *tally) {
	t.add(func(r *models.RunReport) {
		r.ObjectsSeen++
		r.ObjectsProcessed++
	})
	result, err := s.extractor.ExtractDefault(ctx)
	s.persistResult(ctx, t, models.DefaultProvenance, result, err)
}

func (s *Service) processPool(ctx context.Context, t *tally) {
	objects, err := s.source.List(ctx)
	if err != nil {
		t.fail(fmt.Errorf("failed to list objects in %s: %w", s.source.Container(), err), true)
		return
	}

	var wg sync.WaitGroup
	for _, obj := range objects {
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			s.processObject(ctx, t, obj)
		})
		if err != nil {
			wg.Done()
			t.fail(fmt.Errorf("failed to schedule %s: %w", obj.Key, err), false)
		}
	}
	wg.Wait()
}

func (s *Service) processObject(ctx context.Context, t *tally, obj objectpool.Object) {
	t.add(func(r *models.RunReport) { r.ObjectsSeen++ })

	claimed, err := s.detector.Claim(ctx, obj.Key, obj.LastModified)
	if err != nil {
		t.fail(fmt.Errorf("failed to check %s: %w", obj.Key, err), false)
		return
	}
	if !claimed {
		s.metrics.IncObjects("unchanged")
		t.add(func(r *models.RunReport) { r.ObjectsSkipped++ })
		return
	}
	s.metrics.IncObjects("changed")
	t.add(func(r *models.RunReport) { r.ObjectsProcessed++ })

	text, err := s.source.ReadText(ctx, obj.Key)
	if err != nil {
		s.logger.Warn("failed to read object", "object", obj.Key, "error", err)
		s.metrics.IncExtractionFailure("read_failure")
		t.add(func(r *models.RunReport) { r.DocumentsFailed++ })
		return
	}

	modified := obj.LastModified.UTC()
	prov := models.Provenance{
		Subscription:         s.config.Subscription,
		ResourceGroup:        s.config.ResourceGroup,
		StorageAreaName:      s.source.Account(),
		StorageAreaContainer: s.source.Container(),
		FileName:             obj.Key,
		LastModified:         &modified,
	}
	result, err := s.extractor.Extract(ctx, text)
	s.persistResult(ctx, t, prov, result, err)
}

func (s *Service) persistResult(ctx context.Context, t *tally, prov models.Provenance, result *extraction.Result, err error) {
	if err != nil {
		kind := failures.KindOf(err)
		if kind == failures.AuthenticationFailure {
			s.metrics.IncCredentialFailure(kind.String())
			t.fail(fmt.Errorf("extraction for %s: %w", prov.FileName, err), true)
			return
		}
		s.logger.Warn("extraction failed, skipping document", "file", prov.FileName, "kind", kind.String(), "error", err)
		s.metrics.IncExtractionFailure(kind.String())
		t.add(func(r *models.RunReport) { r.DocumentsFailed++ })
		return
	}

	for _, docErr := range result.Errors {
		s.logger.Warn("extraction reported a document error", "file", prov.FileName,
			"document", docErr.ID, "code", docErr.Error.Code, "message", docErr.Error.Message)
		s.metrics.IncExtractionFailure("document_error")
	}

	records := ToRecords(result, prov)
	written := s.writer.PersistAll(ctx, records)
	s.logger.Debug("document persisted", "file", prov.FileName, "entities", len(records),
		"written", written.Written, "rejected", written.Rejected, "failed", written.Failed)

	t.add(func(r *models.RunReport) {
		r.DocumentsFailed += len(result.Errors)
		r.RecordsWritten += written.Written
		r.RecordsRejected += written.Rejected
		r.RecordsFailed += written.Failed
	})
	if written.Err != nil {
		t.fail(written.Err, false)
	}
}

// finish records the run outcome in metrics and the store's status document.
func (s *Service) finish(ctx context.Context, report *models.RunReport, runErr error, aborted bool) {
	report.Duration = s.now().Sub(report.StartedAt)

	status := report.Status()
	if aborted {
		status = "failure"
	}

	s.metrics.ObserveRun(status, report.StartedAt, report.Duration)
	s.metrics.AddRecords("written", report.RecordsWritten)
	s.metrics.AddRecords("rejected", report.RecordsRejected)
	s.metrics.AddRecords("failed", report.RecordsFailed)

	s.logger.Info("ingestion run finished",
		"status", status,
		"duration", report.Duration,
		"objects_seen", report.ObjectsSeen,
		"objects_processed", report.ObjectsProcessed,
		"objects_skipped", report.ObjectsSkipped,
		"documents_failed", report.DocumentsFailed,
		"records_written", report.RecordsWritten,
		"records_rejected", report.RecordsRejected,
		"records_failed", report.RecordsFailed,
	)

	next := models.IngestionStatus{
		LastAttempt:      report.StartedAt,
		Status:           status,
		RecordsIngested:  report.RecordsWritten,
		RecordsFailed:    report.RecordsRejected + report.RecordsFailed,
		ObjectsProcessed: report.ObjectsProcessed,
		ObjectsSkipped:   report.ObjectsSkipped,
	}
	if runErr != nil {
		next.ErrorMessage = runErr.Error()
	}
	if status == "success" {
		next.LastSuccessfulRun = report.StartedAt
	} else if prev, err := s.storage.GetIngestionStatus(ctx); err == nil && prev != nil {
		next.LastSuccessfulRun = prev.LastSuccessfulRun
	}

	if err := s.storage.UpdateIngestionStatus(ctx, next); err != nil {
		s.logger.Error("failed to update ingestion status", "error", err)
	}
}
