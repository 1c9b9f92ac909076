package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/vmorsell/shelterlink/pkg/model"
	"go.uber.org/zap"
)

const (
	partitionKey = "connectionId"

	dynamoDBOperationTimeout = 5 * time.Second
)

var (
	// ErrConnectionNotFound is returned when no record exists for a connection id.
	ErrConnectionNotFound = errors.New("connection not found")
	// ErrConnectionExists is returned when a record for the connection id was already written.
	ErrConnectionExists = errors.New("connection already exists")
)

// DynamoDBAPI is the subset of the DynamoDB client used by Storage.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Storage is the connection directory backed by a DynamoDB table keyed on
// connectionId.
type Storage struct {
	logger    *zap.Logger
	client    DynamoDBAPI
	tableName string
	now       func() time.Time
}

func NewStorage(logger *zap.Logger, client DynamoDBAPI, tableName string) *Storage {
	return &Storage{
		logger:    logger,
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func (s *Storage) Get(ctx context.Context, connectionID string) (model.ConnectionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dynamoDBOperationTimeout)
	defer cancel()

	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		ConsistentRead: aws.Bool(true),
		Key:            connectionKey(connectionID),
	})
	if err != nil {
		return model.ConnectionRecord{}, fmt.Errorf("get connection item: %w", err)
	}

	if len(result.Item) == 0 {
		return model.ConnectionRecord{}, ErrConnectionNotFound
	}

	var rec model.ConnectionRecord
	if err := attributevalue.UnmarshalMap(result.Item, &rec); err != nil {
		return model.ConnectionRecord{}, fmt.Errorf("unmarshal connection: %w", err)
	}

	if rec.Expired(s.now()) {
		return model.ConnectionRecord{}, ErrConnectionNotFound
	}

	return rec, nil
}

// ListAll scans the whole table. Records past their ttl are skipped since
// DynamoDB removes expired items lazily.
func (s *Storage) ListAll(ctx context.Context) ([]model.ConnectionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dynamoDBOperationTimeout)
	defer cancel()

	now := s.now()
	records := []model.ConnectionRecord{}
	expired := 0

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: &s.tableName,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan connections: %w", err)
		}

		var batch []model.ConnectionRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal connections: %w", err)
		}
		for _, rec := range batch {
			if rec.Expired(now) {
				expired++
				continue
			}
			records = append(records, rec)
		}
	}

	if expired > 0 {
		s.logger.Debug("skipped expired connections", zap.Int("count", expired))
	}

	return records, nil
}

func (s *Storage) Put(ctx context.Context, rec model.ConnectionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, dynamoDBOperationTimeout)
	defer cancel()

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(connectionId)"),
	})
	if err != nil {
		var condCheckErr *types.ConditionalCheckFailedException
		if errors.As(err, &condCheckErr) {
			return ErrConnectionExists
		}
		return fmt.Errorf("put connection item: %w", err)
	}

	return nil
}

// Delete removes the record. Deleting a missing record is not an error.
func (s *Storage) Delete(ctx context.Context, connectionID string) error {
	ctx, cancel := context.WithTimeout(ctx, dynamoDBOperationTimeout)
	defer cancel()

	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: &s.tableName,
		Key:       connectionKey(connectionID),
	})
	if err != nil {
		return fmt.Errorf("delete connection item: %w", err)
	}
	return nil
}

func connectionKey(connectionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		partitionKey: &types.AttributeValueMemberS{Value: connectionID},
	}
}
