package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/cyderes/findings-ingestion-service/internal/config"
	"github.com/cyderes/findings-ingestion-service/internal/failures"
	"github.com/cyderes/findings-ingestion-service/internal/models"
)

// mongoClientErrorCodes are server codes that mean the request itself is bad.
// Retrying them cannot succeed.
var mongoClientErrorCodes = map[int]bool{
	2:     true, // BadValue (Cosmos DB reports HTTP 400 as this)
	9:     true, // FailedToParse
	14:    true, // TypeMismatch
	22:    true, // InvalidBSON
	52:    true, // DollarPrefixedFieldName
	66:    true, // ImmutableField
	121:   true, // DocumentValidationFailure
	10334: true, // BSONObjectTooLarge
}

// MongoDBStorage implements Storage on MongoDB or Azure Cosmos DB's MongoDB API.
type MongoDBStorage struct {
	client       *mongo.Client
	database     *mongo.Database
	findings     *mongo.Collection
	status       *mongo.Collection
	writeTimeout time.Duration
}

// NewMongoDBStorage connects to the configured deployment and verifies it is reachable.
func NewMongoDBStorage(ctx context.Context, cfg config.StorageConfig) (*MongoDBStorage, error) {
	opts := options.Client().
		ApplyURI(cfg.MongoDBURI).
		SetAppName("findings-ingestion-service").
		SetRetryWrites(false) // Cosmos DB rejects retryable writes

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(cfg.Database)
	return &MongoDBStorage{
		client:       client,
		database:     db,
		findings:     db.Collection(cfg.Container),
		status:       db.Collection(cfg.Container + "_status"),
		writeTimeout: cfg.WriteTimeout,
	}, nil
}

// EnsureSchema creates the findings collection and one ascending index per indexed
// field. Both steps are no-ops when the objects already exist. Excluded paths need no
// action since MongoDB only indexes what it is told to.
func (m *MongoDBStorage) EnsureSchema(ctx context.Context, schema Schema) error {
	if schema.Database != "" && schema.Database != m.database.Name() {
		m.database = m.client.Database(schema.Database)
	}
	if schema.Container != "" && schema.Container != m.findings.Name() {
		m.findings = m.database.Collection(schema.Container)
		m.status = m.database.Collection(schema.Container + "_status")
	}

	for _, coll := range []*mongo.Collection{m.findings, m.status} {
		names, err := m.database.ListCollectionNames(ctx, bson.M{"name": coll.Name()})
		if err != nil {
			return fmt.Errorf("failed to list collections: %w", err)
		}
		if len(names) > 0 {
			continue
		}
		if err := m.database.CreateCollection(ctx, coll.Name()); err != nil && !isNamespaceExists(err) {
			return fmt.Errorf("failed to create collection %s: %w", coll.Name(), err)
		}
	}

	var indexes []mongo.IndexModel
	for _, field := range schema.IndexingPolicy.IndexedFields() {
		if field == "id" {
			continue // stored as _id, always indexed
		}
		indexes = append(indexes, mongo.IndexModel{
			Keys:    bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetName("idx_" + field),
		})
	}
	if len(indexes) == 0 {
		return nil
	}
	if _, err := m.findings.Indexes().CreateMany(ctx, indexes); err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}
	return nil
}

// UpsertFinding replaces the document with the record's id, inserting it if absent.
func (m *MongoDBStorage) UpsertFinding(ctx context.Context, record models.FindingRecord) error {
	ctx, cancel := withWriteTimeout(ctx, m.writeTimeout)
	defer cancel()

	_, err := m.findings.ReplaceOne(ctx, bson.M{"_id": record.ID}, record, options.Replace().SetUpsert(true))
	if err != nil {
		return classifyMongoError(fmt.Errorf("failed to upsert finding %s: %w", record.ID, err))
	}
	return nil
}

// GetFindingByID retrieves a specific finding by ID
func (m *MongoDBStorage) GetFindingByID(ctx context.Context, id string) (*models.FindingRecord, error) {
	var record models.FindingRecord
	err := m.findings.FindOne(ctx, bson.M{"_id": id}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil // Finding not found
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get finding %s: %w", id, err)
	}
	return &record, nil
}

// GetFindings retrieves findings matching filter with pagination
func (m *MongoDBStorage) GetFindings(ctx context.Context, filter models.FindingFilter, limit int, offset int) ([]models.FindingRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.findings.Find(ctx, mongoFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer cursor.Close(ctx)

	findings := []models.FindingRecord{}
	if err := cursor.All(ctx, &findings); err != nil {
		return nil, fmt.Errorf("failed to decode findings: %w", err)
	}
	return findings, nil
}

// UpdateIngestionStatus updates the ingestion status
func (m *MongoDBStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	ctx, cancel := withWriteTimeout(ctx, m.writeTimeout)
	defer cancel()

	_, err := m.status.ReplaceOne(ctx, bson.M{"_id": statusID}, status, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to update ingestion status: %w", err)
	}
	return nil
}

// GetIngestionStatus retrieves the current ingestion status
func (m *MongoDBStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	ctx, cancel := withWriteTimeout(ctx, m.writeTimeout)
	defer cancel()

	var status models.IngestionStatus
	err := m.status.FindOne(ctx, bson.M{"_id": statusID}).Decode(&status)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &models.IngestionStatus{Status: "never_run"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion status: %w", err)
	}
	return &status, nil
}

// Close disconnects the client
func (m *MongoDBStorage) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func mongoFilter(f models.FindingFilter) bson.D {
	filter := bson.D{}
	for _, match := range filterMatches(f) {
		filter = append(filter, bson.E{Key: match.Name, Value: match.Value})
	}
	return filter
}

// classifyMongoError marks request-level rejections as ClientRejected.
func classifyMongoError(err error) error {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if mongoClientErrorCodes[e.Code] {
				return failures.New(failures.ClientRejected, "upsert finding", err)
			}
		}
		return err
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) && mongoClientErrorCodes[int(ce.Code)] {
		return failures.New(failures.ClientRejected, "upsert finding", err)
	}
	return err
}

func isNamespaceExists(err error) bool {
	var ce mongo.CommandError
	return errors.As(err, &ce) && ce.Code == 48
}

func withWriteTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
