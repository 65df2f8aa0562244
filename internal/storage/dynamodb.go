package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"

	"github.com/cyderes/findings-ingestion-service/internal/config"
	"github.com/cyderes/findings-ingestion-service/internal/failures"
	"github.com/cyderes/findings-ingestion-service/internal/models"
)

// dynamoClientErrorCodes are DynamoDB error codes caused by the request itself.
var dynamoClientErrorCodes = map[string]bool{
	"ValidationException":                      true,
	"SerializationException":                   true,
	"ItemCollectionSizeLimitExceededException": true,
}

// DynamoDBStorage implements Storage interface using AWS DynamoDB
type DynamoDBStorage struct {
	client       dynamodbiface.DynamoDBAPI
	tableName    string
	writeTimeout time.Duration
}

// NewDynamoDBStorage creates a new DynamoDB storage instance
func NewDynamoDBStorage(cfg config.StorageConfig) (*DynamoDBStorage, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewDynamoDBStorageWithClient(dynamodb.New(sess), cfg), nil
}

// NewDynamoDBStorageWithClient wraps an existing DynamoDB client.
func NewDynamoDBStorageWithClient(client dynamodbiface.DynamoDBAPI, cfg config.StorageConfig) *DynamoDBStorage {
	return &DynamoDBStorage{
		client:       client,
		tableName:    cfg.Container,
		writeTimeout: cfg.WriteTimeout,
	}
}

// EnsureSchema creates the findings and status tables if they don't exist. The
// partition key path becomes the table's hash key. DynamoDB does not index non-key
// attributes, so the indexing policy needs no action here.
func (d *DynamoDBStorage) EnsureSchema(ctx context.Context, schema Schema) error {
	if schema.Container != "" {
		d.tableName = schema.Container
	}
	hashKey := fieldFromPath(schema.PartitionKeyPath)
	if hashKey == "" {
		hashKey = "id"
	}

	for _, table := range []string{d.tableName, d.statusTable()} {
		if err := d.ensureTable(ctx, table, hashKey); err != nil {
			return err
		}
	}
	return nil
}

// ensureTable creates the DynamoDB table if it doesn't exist
func (d *DynamoDBStorage) ensureTable(ctx context.Context, table, hashKey string) error {
	// Check if table exists
	_, err := d.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	if err == nil {
		return nil // Table already exists
	}
	var aerr awserr.Error
	if !errors.As(err, &aerr) || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("failed to describe table %s: %w", table, err)
	}

	// Create table
	input := &dynamodb.CreateTableInput{
		TableName: aws.String(table),
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(hashKey),
				KeyType:       aws.String(dynamodb.KeyTypeHash),
			},
		},
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(hashKey),
				AttributeType: aws.String(dynamodb.ScalarAttributeTypeS),
			},
		},
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
	}

	_, err = d.client.CreateTableWithContext(ctx, input)
	if err != nil {
		if errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeResourceInUseException {
			return nil // Created concurrently
		}
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}

	// Wait for table to be created
	return d.client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
}

// UpsertFinding stores a finding, replacing any item with the same id
func (d *DynamoDBStorage) UpsertFinding(ctx context.Context, record models.FindingRecord) error {
	item, err := dynamodbattribute.MarshalMap(record)
	if err != nil {
		return failures.New(failures.ValidationFailure, "upsert finding", fmt.Errorf("failed to marshal finding %s: %w", record.ID, err))
	}

	ctx, cancel := withWriteTimeout(ctx, d.writeTimeout)
	defer cancel()

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName),
		Item:      item,
	})
	if err != nil {
		return classifyDynamoError(fmt.Errorf("failed to store finding %s: %w", record.ID, err))
	}
	return nil
}

// GetFindings scans findings matching filter. Scan order is not key order, so every
// match is read and sorted by id before the offset and limit window is applied.
func (d *DynamoDBStorage) GetFindings(ctx context.Context, filter models.FindingFilter, limit int, offset int) ([]models.FindingRecord, error) {
	input := &dynamodb.ScanInput{
		TableName: aws.String(d.tableName),
	}

	if matches := filterMatches(filter); len(matches) > 0 {
		cond := expression.Name(matches[0].Name).Equal(expression.Value(matches[0].Value))
		for _, m := range matches[1:] {
			cond = cond.And(expression.Name(m.Name).Equal(expression.Value(m.Value)))
		}
		expr, err := expression.NewBuilder().WithFilter(cond).Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build filter: %w", err)
		}
		input.FilterExpression = expr.Filter()
		input.ExpressionAttributeNames = expr.Names()
		input.ExpressionAttributeValues = expr.Values()
	}

	var (
		findings []models.FindingRecord
		pageErr  error
	)
	err := d.client.ScanPagesWithContext(ctx, input, func(page *dynamodb.ScanOutput, _ bool) bool {
		var batch []models.FindingRecord
		if pageErr = dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); pageErr != nil {
			return false
		}
		findings = append(findings, batch...)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan findings: %w", err)
	}
	if pageErr != nil {
		return nil, fmt.Errorf("failed to unmarshal findings: %w", pageErr)
	}

	sort.Slice(findings, func(i, j int) bool { return findings[i].ID < findings[j].ID })
	if offset >= len(findings) {
		return []models.FindingRecord{}, nil
	}
	findings = findings[offset:]
	if limit > 0 && limit < len(findings) {
		findings = findings[:limit]
	}
	return findings, nil
}

// GetFindingByID retrieves a specific finding by ID
func (d *DynamoDBStorage) GetFindingByID(ctx context.Context, id string) (*models.FindingRecord, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(d.tableName),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {
				S: aws.String(id),
			},
		},
	}

	result, err := d.client.GetItemWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to get finding %s: %w", id, err)
	}

	if result.Item == nil {
		return nil, nil // Finding not found
	}

	var record models.FindingRecord
	err = dynamodbattribute.UnmarshalMap(result.Item, &record)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal finding: %w", err)
	}

	return &record, nil
}

// UpdateIngestionStatus updates the ingestion status
func (d *DynamoDBStorage) UpdateIngestionStatus(ctx context.Context, status models.IngestionStatus) error {
	item, err := dynamodbattribute.MarshalMap(status)
	if err != nil {
		return fmt.Errorf("failed to marshal ingestion status: %w", err)
	}

	// Add a fixed key for the status record
	item["id"] = &dynamodb.AttributeValue{S: aws.String(statusID)}

	ctx, cancel := withWriteTimeout(ctx, d.writeTimeout)
	defer cancel()

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.statusTable()),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to update ingestion status: %w", err)
	}
	return nil
}

// GetIngestionStatus retrieves the current ingestion status
func (d *DynamoDBStorage) GetIngestionStatus(ctx context.Context) (*models.IngestionStatus, error) {
	input := &dynamodb.GetItemInput{
		TableName: aws.String(d.statusTable()),
		Key: map[string]*dynamodb.AttributeValue{
			"id": {
				S: aws.String(statusID),
			},
		},
	}

	ctx, cancel := withWriteTimeout(ctx, d.writeTimeout)
	defer cancel()

	result, err := d.client.GetItemWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to get ingestion status: %w", err)
	}

	if result.Item == nil {
		// Return default status if not found
		return &models.IngestionStatus{
			Status: "never_run",
		}, nil
	}

	var status models.IngestionStatus
	err = dynamodbattribute.UnmarshalMap(result.Item, &status)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal ingestion status: %w", err)
	}

	return &status, nil
}

// Close closes the DynamoDB connection
func (d *DynamoDBStorage) Close() error {
	// DynamoDB client doesn't need explicit closing
	return nil
}

func (d *DynamoDBStorage) statusTable() string {
	return d.tableName + "_status"
}

// classifyDynamoError marks request-level rejections as ClientRejected. Throttling
// and server faults stay unclassified so the writer retries them.
func classifyDynamoError(err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) && dynamoClientErrorCodes[aerr.Code()] {
		return failures.New(failures.ClientRejected, "upsert finding", err)
	}
	return err
}
