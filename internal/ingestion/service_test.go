package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

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

const janeDoeResponse = `{"results":{"documents":[{"entities":[{"text":"Jane Doe","category":"Person"}]}]}}`

// MockStorage is a mock implementation of the Storage interface
type MockStorage struct {
	mock.Mock
}

func (m *MockStorage) EnsureSchema(ctx context.Context, schema storage.Schema) error {
	args := m.Called(ctx, schema)
	return args.Error(0)
}

func (m *MockStorage) UpsertFinding(ctx context.Context, record models.FindingRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStorage) GetFindingByID(ctx context.Context, id string) (*models.FindingRecord, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*models.FindingRecord), args.Error(1)
}

func (m *MockStorage) GetFindings(ctx context.Context, filter models.FindingFilter, limit int, offset int) ([]models.FindingRecord, error) {
	args := m.Called(ctx, filter, limit, offset)
	return args.Get(0).([]models.FindingRecord), args.Error(1)
}

func (m *MockStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

func (m *MockStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(*models.IngestionStatus), args.Error(1)
}

func (m *MockStorage) Close() error {
	args := m.Called()
	return args.Error(0)
}

type fakeCredentials struct {
	err   error
	calls atomic.Int32
}

func (f *fakeCredentials) Credential(context.Context) (credentials.Credential, error) {
	f.calls.Add(1)
	if f.err != nil {
		return credentials.Credential{}, f.err
	}
	return credentials.Credential{Token: "token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func testIngestionConfig() config.IngestionConfig {
	return config.IngestionConfig{
		Interval:             time.Minute,
		RetryCount:           3,
		RetryDelay:           time.Millisecond,
		MaxConcurrentObjects: 4,
		MaxConcurrentWrites:  4,
		Subscription:         "sub-1",
		ResourceGroup:        "rg-1",
	}
}

// extractionServer answers every analyze-text call with body and counts the calls.
func extractionServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func newExtractor(t *testing.T, url string) *extraction.Client {
	t.Helper()
	client, err := extraction.NewClient(config.ExtractionConfig{
		Endpoint: url,
		Key:      "test-key",
		Timeout:  5 * time.Second,
	}, nil, nil)
	require.NoError(t, err)
	return client
}

func newTestService(t *testing.T, store storage.Storage, creds CredentialSource, extractor Extractor, opts ...Option) *Service {
	t.Helper()
	opts = append(opts, WithMetrics(metrics.New(nil)))
	service, err := NewService(testIngestionConfig(), store, creds, extractor, opts...)
	require.NoError(t, err)
	t.Cleanup(service.Release)
	return service
}

func TestService_Run_DefaultPayload(t *testing.T) {
	server, calls := extractionServer(t, http.StatusOK, janeDoeResponse)
	store := storage.NewMemoryStorage()
	service := newTestService(t, store, &fakeCredentials{}, newExtractor(t, server.URL))

	report, err := service.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, report.RecordsWritten)
	assert.Equal(t, "success", report.Status())

	findings, err := store.GetFindings(context.Background(), models.FindingFilter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "Person", findings[0].FieldName)
	assert.Equal(t, "Person", findings[0].FieldType)
	assert.Equal(t, models.OperationInsert, findings[0].Operation)
	assert.Equal(t, "FromLanguage", findings[0].FileName)
	assert.Equal(t, "LanguageSubscription", findings[0].Subscription)

	status, err := store.GetIngestionStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "success", status.Status)
	assert.Equal(t, 1, status.RecordsIngested)
}

func TestService_Run_UnchangedObjectIsNotReextracted(t *testing.T) {
	server, calls := extractionServer(t, http.StatusOK, janeDoeResponse)
	store := storage.NewMemoryStorage()
	source := objectpool.NewMemorySource("account-1", "container-1")
	t1 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	source.Put("a.txt", "Call Jane Doe", t1)

	service := newTestService(t, store, &fakeCredentials{}, newExtractor(t, server.URL),
		WithObjectSource(source, changes.NewDetector(changes.NewMemoryStore())))

	first, err := service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.ObjectsProcessed)
	assert.Equal(t, 1, first.RecordsWritten)

	second, err := service.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, second.ObjectsProcessed)
	assert.Equal(t, 1, second.ObjectsSkipped)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, store.Len())

	findings, err := store.GetFindings(context.Background(), models.FindingFilter{FileName: "a.txt"}, 0, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "account-1", findings[0].StorageAreaName)
	assert.Equal(t, "container-1", findings[0].StorageAreaContainer)
	assert.Equal(t, "sub-1", findings[0].Subscription)
	assert.Equal(t, "rg-1", findings[0].ResourceGroup)
	require.NotNil(t, findings[0].SourceLastModified)
	assert.True(t, t1.Equal(*findings[0].SourceLastModified))
}

func TestService_Run_ModifiedObjectIsReextracted(t *testing.T) {
	server, calls := extractionServer(t, http.StatusOK, janeDoeResponse)
	source := objectpool.NewMemorySource("account-1", "container-1")
	t1 := time.Now().Add(-time.Hour)
	source.Put("a.txt", "Call Jane Doe", t1)

	service := newTestService(t, storage.NewMemoryStorage(), &fakeCredentials{}, newExtractor(t, server.URL),
		WithObjectSource(source, changes.NewDetector(changes.NewMemoryStore())))

	_, err := service.Run(context.Background())
	require.NoError(t, err)

	source.Put("a.txt", "Call Jane Doe again", time.Now().Add(time.Hour))
	report, err := service.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.ObjectsProcessed)
	assert.Equal(t, int32(2), calls.Load())
}

func TestService_Run_AuthenticationFailureAbortsRun(t *testing.T) {
	server, calls := extractionServer(t, http.StatusOK, janeDoeResponse)
	store := storage.NewMemoryStorage()
	creds := &fakeCredentials{err: failures.Newf(failures.AuthenticationFailure, "renew credential", "token endpoint returned 401")}
	service := newTestService(t, store, creds, newExtractor(t, server.URL))

	_, err := service.Run(context.Background())

	require.Error(t, err)
	assert.True(t, failures.IsKind(err, failures.AuthenticationFailure))
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, 0, store.Len())

	status, err := store.GetIngestionStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "failure", status.Status)
	assert.Contains(t, status.ErrorMessage, "run aborted")
}

func TestService_Run_ExtractionFailureIsSoft(t *testing.T) {
	server, _ := extractionServer(t, http.StatusServiceUnavailable, `{"error":"busy"}`)
	source := objectpool.NewMemorySource("account-1", "container-1")
	source.Put("a.txt", "one", time.Now())
	source.Put("b.txt", "two", time.Now())

	service := newTestService(t, storage.NewMemoryStorage(), &fakeCredentials{}, newExtractor(t, server.URL),
		WithObjectSource(source, changes.NewDetector(changes.NewMemoryStore())))

	report, err := service.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, report.ObjectsProcessed)
	assert.Equal(t, 2, report.DocumentsFailed)
	assert.Equal(t, 0, report.RecordsWritten)
}

func TestService_Run_MalformedResponseProducesNoRecords(t *testing.T) {
	server, _ := extractionServer(t, http.StatusOK, `{"unexpected":true}`)
	store := storage.NewMemoryStorage()
	service := newTestService(t, store, &fakeCredentials{}, newExtractor(t, server.URL))

	report, err := service.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, report.DocumentsFailed)
	assert.Equal(t, 0, store.Len())
}

func TestService_Run_WriteFailureFailsRun(t *testing.T) {
	server, _ := extractionServer(t, http.StatusOK,
		`{"results":{"documents":[{"entities":[{"text":"Jane Doe","category":"Person"},{"text":"jane@example.com","category":"Email"}]}]}}`)

	mockStorage := new(MockStorage)
	mockStorage.On("UpsertFinding", mock.Anything, mock.MatchedBy(func(r models.FindingRecord) bool {
		return r.FieldType == "Person"
	})).Return(errors.New("connection reset"))
	mockStorage.On("UpsertFinding", mock.Anything, mock.MatchedBy(func(r models.FindingRecord) bool {
		return r.FieldType == "Email"
	})).Return(nil)
	mockStorage.On("GetIngestionStatus", mock.Anything).Return(&models.IngestionStatus{Status: "never_run"}, nil)
	mockStorage.On("UpdateIngestionStatus", mock.Anything, mock.MatchedBy(func(s models.IngestionStatus) bool {
		return s.Status == "partial" && s.RecordsIngested == 1 && s.RecordsFailed == 1
	})).Return(nil)

	service := newTestService(t, mockStorage, &fakeCredentials{}, newExtractor(t, server.URL))

	report, err := service.Run(context.Background())

	require.Error(t, err)
	assert.True(t, failures.IsKind(err, failures.TransientFailure))
	assert.Equal(t, 1, report.RecordsWritten)
	assert.Equal(t, 1, report.RecordsFailed)
	mockStorage.AssertExpectations(t)
}

func TestService_StartStopsOnCancel(t *testing.T) {
	server, calls := extractionServer(t, http.StatusOK, janeDoeResponse)
	service := newTestService(t, storage.NewMemoryStorage(), &fakeCredentials{}, newExtractor(t, server.URL))
	service.config.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Start(ctx) }()

	assert.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestNewService_SourceWithoutDetector(t *testing.T) {
	_, err := NewService(testIngestionConfig(), storage.NewMemoryStorage(), &fakeCredentials{}, nil,
		WithObjectSource(objectpool.NewMemorySource("a", "c"), nil))

	assert.Error(t, err)
}
