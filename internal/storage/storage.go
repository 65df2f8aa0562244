package storage

import (
	"context"
	"fmt"

	"github.com/cyderes/findings-ingestion-service/internal/config"
	"github.com/cyderes/findings-ingestion-service/internal/models"
)

// statusID is the key of the single ingestion status document.
const statusID = "ingestion_status"

// Storage interface defines the contract for finding storage.
//
// UpsertFinding errors that the store attributes to the request itself are wrapped as
// failures.ClientRejected; everything else is returned unclassified and treated as
// transient by the writer.
type Storage interface {
	EnsureSchema(ctx context.Context, schema Schema) error
	UpsertFinding(ctx context.Context, record models.FindingRecord) error
	GetFindingByID(ctx context.Context, id string) (*models.FindingRecord, error)
	GetFindings(ctx context.Context, filter models.FindingFilter, limit int, offset int) ([]models.FindingRecord, error)
	UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error
	GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error)
	Close() error
}

// NewStorage creates a new storage instance based on configuration
func NewStorage(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "mongodb":
		return NewMongoDBStorage(ctx, cfg)
	case "dynamodb":
		return NewDynamoDBStorage(cfg)
	case "postgresql":
		return NewPostgreSQLStorage(ctx, cfg)
	case "memory":
		return NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
