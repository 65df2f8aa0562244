package storage

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/findings-ingestion-service/internal/config"
	"github.com/cyderes/findings-ingestion-service/internal/failures"
	"github.com/cyderes/findings-ingestion-service/internal/models"
)

// MockDynamoDB is a mock implementation of the DynamoDB calls the store makes
type MockDynamoDB struct {
	dynamodbiface.DynamoDBAPI
	mock.Mock
}

func (m *MockDynamoDB) DescribeTableWithContext(ctx aws.Context, in *dynamodb.DescribeTableInput, _ ...request.Option) (*dynamodb.DescribeTableOutput, error) {
	args := m.Called(ctx, aws.StringValue(in.TableName))
	out, _ := args.Get(0).(*dynamodb.DescribeTableOutput)
	return out, args.Error(1)
}

func (m *MockDynamoDB) CreateTableWithContext(ctx aws.Context, in *dynamodb.CreateTableInput, _ ...request.Option) (*dynamodb.CreateTableOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.CreateTableOutput)
	return out, args.Error(1)
}

func (m *MockDynamoDB) WaitUntilTableExistsWithContext(ctx aws.Context, in *dynamodb.DescribeTableInput, _ ...request.WaiterOption) error {
	args := m.Called(ctx, aws.StringValue(in.TableName))
	return args.Error(0)
}

func (m *MockDynamoDB) PutItemWithContext(ctx aws.Context, in *dynamodb.PutItemInput, _ ...request.Option) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.PutItemOutput)
	return out, args.Error(1)
}

func (m *MockDynamoDB) GetItemWithContext(ctx aws.Context, in *dynamodb.GetItemInput, _ ...request.Option) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.GetItemOutput)
	return out, args.Error(1)
}

func (m *MockDynamoDB) ScanPagesWithContext(ctx aws.Context, in *dynamodb.ScanInput, fn func(*dynamodb.ScanOutput, bool) bool, _ ...request.Option) error {
	args := m.Called(ctx, in)
	if pages, ok := args.Get(0).([]*dynamodb.ScanOutput); ok {
		for i, page := range pages {
			if !fn(page, i == len(pages)-1) {
				break
			}
		}
	}
	return args.Error(1)
}

func newTestDynamo(client *MockDynamoDB) *DynamoDBStorage {
	return NewDynamoDBStorageWithClient(client, config.StorageConfig{Container: "phirecords-v9"})
}

func TestDynamoDBStorage_EnsureSchema_CreatesMissingTables(t *testing.T) {
	client := new(MockDynamoDB)
	notFound := awserr.New(dynamodb.ErrCodeResourceNotFoundException, "not found", nil)
	client.On("DescribeTableWithContext", mock.Anything, "phirecords-v9").Return(nil, notFound)
	client.On("DescribeTableWithContext", mock.Anything, "phirecords-v9_status").Return(&dynamodb.DescribeTableOutput{}, nil)
	client.On("CreateTableWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.CreateTableInput) bool {
		return aws.StringValue(in.TableName) == "phirecords-v9" &&
			aws.StringValue(in.KeySchema[0].AttributeName) == "id"
	})).Return(&dynamodb.CreateTableOutput{}, nil)
	client.On("WaitUntilTableExistsWithContext", mock.Anything, "phirecords-v9").Return(nil)

	err := newTestDynamo(client).EnsureSchema(context.Background(), DefaultSchema("findings", "phirecords-v9"))

	assert.NoError(t, err)
	client.AssertExpectations(t)
}

func TestDynamoDBStorage_EnsureSchema_ConcurrentCreate(t *testing.T) {
	client := new(MockDynamoDB)
	notFound := awserr.New(dynamodb.ErrCodeResourceNotFoundException, "not found", nil)
	inUse := awserr.New(dynamodb.ErrCodeResourceInUseException, "in use", nil)
	client.On("DescribeTableWithContext", mock.Anything, mock.Anything).Return(nil, notFound)
	client.On("CreateTableWithContext", mock.Anything, mock.Anything).Return(nil, inUse)

	err := newTestDynamo(client).EnsureSchema(context.Background(), DefaultSchema("findings", "phirecords-v9"))

	assert.NoError(t, err)
	client.AssertNotCalled(t, "WaitUntilTableExistsWithContext", mock.Anything, mock.Anything)
}

func TestDynamoDBStorage_UpsertFinding(t *testing.T) {
	client := new(MockDynamoDB)
	client.On("PutItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		return aws.StringValue(in.TableName) == "phirecords-v9" &&
			aws.StringValue(in.Item["id"].S) == "a1" &&
			aws.StringValue(in.Item["fieldType"].S) == "Person"
	})).Return(&dynamodb.PutItemOutput{}, nil)

	err := newTestDynamo(client).UpsertFinding(context.Background(), sampleRecord("a1", "Person"))

	assert.NoError(t, err)
	client.AssertExpectations(t)
}

func TestDynamoDBStorage_UpsertFinding_Rejected(t *testing.T) {
	client := new(MockDynamoDB)
	client.On("PutItemWithContext", mock.Anything, mock.Anything).
		Return(nil, awserr.New("ValidationException", "item size exceeded", nil))

	err := newTestDynamo(client).UpsertFinding(context.Background(), sampleRecord("a1", "Person"))

	assert.True(t, failures.IsKind(err, failures.ClientRejected))
}

func TestDynamoDBStorage_UpsertFinding_Throttled(t *testing.T) {
	client := new(MockDynamoDB)
	client.On("PutItemWithContext", mock.Anything, mock.Anything).
		Return(nil, awserr.New(dynamodb.ErrCodeProvisionedThroughputExceededException, "slow down", nil))

	err := newTestDynamo(client).UpsertFinding(context.Background(), sampleRecord("a1", "Person"))

	require.Error(t, err)
	assert.Equal(t, failures.Unknown, failures.KindOf(err))
}

func TestDynamoDBStorage_GetFindingByID(t *testing.T) {
	item, err := dynamodbattribute.MarshalMap(sampleRecord("a1", "Email"))
	require.NoError(t, err)

	client := new(MockDynamoDB)
	client.On("GetItemWithContext", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: item}, nil).Once()
	client.On("GetItemWithContext", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil).Once()
	store := newTestDynamo(client)

	got, err := store.GetFindingByID(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, sampleRecord("a1", "Email"), *got)

	missing, err := store.GetFindingByID(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDynamoDBStorage_GetFindings(t *testing.T) {
	var items []map[string]*dynamodb.AttributeValue
	for _, id := range []string{"c", "a", "b"} {
		item, err := dynamodbattribute.MarshalMap(sampleRecord(id, "Person"))
		require.NoError(t, err)
		items = append(items, item)
	}

	client := new(MockDynamoDB)
	client.On("ScanPagesWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
		return in.FilterExpression != nil
	})).Return([]*dynamodb.ScanOutput{{Items: items[:2]}, {Items: items[2:]}}, nil)

	findings, err := newTestDynamo(client).GetFindings(context.Background(), models.FindingFilter{FieldType: "Person"}, 2, 1)

	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, "b", findings[0].ID)
	assert.Equal(t, "c", findings[1].ID)
}

func TestDynamoDBStorage_GetFindings_PagesAreWindowsOfOneOrder(t *testing.T) {
	page := func(ids ...string) *dynamodb.ScanOutput {
		out := &dynamodb.ScanOutput{}
		for _, id := range ids {
			item, err := dynamodbattribute.MarshalMap(sampleRecord(id, "Person"))
			require.NoError(t, err)
			out.Items = append(out.Items, item)
		}
		return out
	}

	client := new(MockDynamoDB)
	client.On("ScanPagesWithContext", mock.Anything, mock.Anything).
		Return([]*dynamodb.ScanOutput{page("c", "d"), page("a", "b")}, nil)
	store := newTestDynamo(client)

	var served []string
	for offset := 0; offset < 5; offset++ {
		findings, err := store.GetFindings(context.Background(), models.FindingFilter{}, 1, offset)
		require.NoError(t, err)
		for _, f := range findings {
			served = append(served, f.ID)
		}
	}

	assert.Equal(t, []string{"a", "b", "c", "d"}, served)
}

func TestDynamoDBStorage_UpdateIngestionStatus_BoundedByWriteTimeout(t *testing.T) {
	client := new(MockDynamoDB)
	client.On("PutItemWithContext", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(aws.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)
	store := NewDynamoDBStorageWithClient(client, config.StorageConfig{
		Container:    "phirecords-v9",
		WriteTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	err := store.UpdateIngestionStatus(context.Background(), models.IngestionStatus{Status: "success"})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDynamoDBStorage_GetIngestionStatus_NeverRun(t *testing.T) {
	client := new(MockDynamoDB)
	client.On("GetItemWithContext", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		return aws.StringValue(in.TableName) == "phirecords-v9_status"
	})).Return(&dynamodb.GetItemOutput{}, nil)

	status, err := newTestDynamo(client).GetIngestionStatus(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "never_run", status.Status)
}
