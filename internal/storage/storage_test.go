package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/cyderes/findings-ingestion-service/internal/config"
	"github.com/cyderes/findings-ingestion-service/internal/failures"
	"github.com/cyderes/findings-ingestion-service/internal/models"
)

func sampleRecord(id, fieldType string) models.FindingRecord {
	modified := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.FindingRecord{
		ID:                   id,
		Subscription:         "LanguageSubscription",
		ResourceGroup:        "LanguageRG",
		StorageAreaName:      "LanguageStorage",
		StorageAreaContainer: "Container",
		FileName:             "FromLanguage",
		Operation:            models.OperationInsert,
		FieldName:            fieldType,
		FieldType:            fieldType,
		SourceLastModified:   &modified,
	}
}

func TestDefaultSchema(t *testing.T) {
	schema := DefaultSchema("findings", "phirecords-v9")

	assert.Equal(t, "findings", schema.Database)
	assert.Equal(t, "phirecords-v9", schema.Container)
	assert.Equal(t, "/id", schema.PartitionKeyPath)
	assert.Equal(t, "/", schema.IndexingPolicy.IncludedPaths[0])
	assert.Contains(t, schema.IndexingPolicy.IncludedPaths, "/fileName/?")
	assert.Contains(t, schema.IndexingPolicy.IncludedPaths, "/fieldType/?")
	assert.Equal(t, []string{"/_etag/?"}, schema.IndexingPolicy.ExcludedPaths)
}

func TestIndexingPolicy_IndexedFields(t *testing.T) {
	policy := IndexingPolicy{
		IncludedPaths: []string{"/", "/fileName/?", "/_etag/?", "/fieldType/?"},
		ExcludedPaths: []string{"/_etag/?"},
	}

	assert.Equal(t, []string{"fileName", "fieldType"}, policy.IndexedFields())
}

func TestFieldFromPath(t *testing.T) {
	tests := map[string]string{
		"/":                  "",
		"/fileName/?":        "fileName",
		"/resourceGroup/*":   "resourceGroup",
		"/_etag/?":           "_etag",
		"sourceLastModified": "sourceLastModified",
	}
	for path, want := range tests {
		assert.Equal(t, want, fieldFromPath(path), path)
	}
}

func TestMemoryStorage_UpsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	rec := sampleRecord("a1", "Person")

	require.NoError(t, store.UpsertFinding(ctx, rec))

	got, err := store.GetFindingByID(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)
}

func TestMemoryStorage_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	rec := sampleRecord("a1", "Person")

	require.NoError(t, store.UpsertFinding(ctx, rec))
	require.NoError(t, store.UpsertFinding(ctx, rec))

	assert.Equal(t, 1, store.Len())
}

func TestMemoryStorage_GetFindingByID_NotFound(t *testing.T) {
	got, err := NewMemoryStorage().GetFindingByID(context.Background(), "missing")

	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStorage_GetFindings(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	for i, fieldType := range []string{"Person", "Email", "Person", "PhoneNumber", "Person"} {
		require.NoError(t, store.UpsertFinding(ctx, sampleRecord(fmt.Sprintf("id-%d", i), fieldType)))
	}

	people, err := store.GetFindings(ctx, models.FindingFilter{FieldType: "Person"}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, people, 3)

	page, err := store.GetFindings(ctx, models.FindingFilter{}, 2, 1)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "id-1", page[0].ID)
	assert.Equal(t, "id-2", page[1].ID)

	empty, err := store.GetFindings(ctx, models.FindingFilter{}, 10, 50)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStorage_IngestionStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	status, err := store.GetIngestionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "never_run", status.Status)

	require.NoError(t, store.UpdateIngestionStatus(ctx, models.IngestionStatus{Status: "success", RecordsIngested: 4}))

	status, err = store.GetIngestionStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "success", status.Status)
	assert.Equal(t, 4, status.RecordsIngested)
}

func TestNewStorage_UnsupportedType(t *testing.T) {
	_, err := NewStorage(context.Background(), config.StorageConfig{Type: "cassandra"})

	assert.EqualError(t, err, "unsupported storage type: cassandra")
}

func TestNewStorage_Memory(t *testing.T) {
	store, err := NewStorage(context.Background(), config.StorageConfig{Type: "memory"})

	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, store)
}

func TestMongoFilter(t *testing.T) {
	filter := mongoFilter(models.FindingFilter{FileName: "a.txt", FieldType: "Email"})

	assert.Equal(t, bson.D{
		{Key: "fileName", Value: "a.txt"},
		{Key: "fieldType", Value: "Email"},
	}, filter)
	assert.Empty(t, mongoFilter(models.FindingFilter{}))
}

func TestClassifyMongoError(t *testing.T) {
	rejected := mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 121, Message: "Document failed validation"}}}
	assert.True(t, failures.IsKind(classifyMongoError(fmt.Errorf("upsert: %w", rejected)), failures.ClientRejected))

	badValue := mongo.CommandError{Code: 2, Message: "bad request"}
	assert.True(t, failures.IsKind(classifyMongoError(badValue), failures.ClientRejected))

	throttled := mongo.CommandError{Code: 16500, Message: "request rate is large"}
	assert.Equal(t, failures.Unknown, failures.KindOf(classifyMongoError(throttled)))

	plain := errors.New("connection reset")
	assert.Same(t, plain, classifyMongoError(plain))
}

func TestPostgresWhere(t *testing.T) {
	where, args := postgresWhere(models.FindingFilter{ResourceGroup: "rg1", Operation: "insert"})

	assert.Equal(t, " WHERE resource_group = $1 AND operation = $2", where)
	assert.Equal(t, []any{"rg1", "insert"}, args)

	where, args = postgresWhere(models.FindingFilter{})
	assert.Empty(t, where)
	assert.Nil(t, args)
}

func TestClassifyPostgresError(t *testing.T) {
	checkViolation := &pq.Error{Code: "23514", Message: "violates check constraint"}
	assert.True(t, failures.IsKind(classifyPostgresError(fmt.Errorf("upsert: %w", checkViolation)), failures.ClientRejected))

	adminShutdown := &pq.Error{Code: "57P01", Message: "terminating connection"}
	assert.Equal(t, failures.Unknown, failures.KindOf(classifyPostgresError(adminShutdown)))
}

func TestPostgreSQLStorage_TableNames(t *testing.T) {
	p := &PostgreSQLStorage{schema: "findings", table: "phirecords-v9"}

	assert.Equal(t, `"findings"."phirecords-v9"`, p.findingsTable())
	assert.Equal(t, `"findings"."phirecords-v9_status"`, p.statusTable())
}
