package adapters

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
)

// DynamoDBAPI is the subset of the DynamoDB client used by DynamoLocks.
type DynamoDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// lockRecord is one row of the lock table. The table is keyed by
// collection (partition) and resource (sort).
type lockRecord struct {
	Collection string    `dynamodbav:"collection"`
	Resource   string    `dynamodbav:"resource"`
	Item       string    `dynamodbav:"item"`
	Email      string    `dynamodbav:"email"`
	LockedAt   time.Time `dynamodbav:"locked_at"`
}

func (r lockRecord) status() models.LockStatus {
	return models.LockedBy(r.Email, r.LockedAt)
}

// DynamoLocks keeps advisory locks in a DynamoDB table using conditional
// writes.
type DynamoLocks struct {
	client    DynamoDBAPI
	tableName string
	logger    *events.Logger
}

// NewDynamoLocks creates a lock table client.
func NewDynamoLocks(client DynamoDBAPI, tableName string, logger *events.Logger) *DynamoLocks {
	return &DynamoLocks{
		client:    client,
		tableName: tableName,
		logger:    logger.WithField("component", "dynamodb_locks"),
	}
}

func primaryKey(key models.ResourceKey) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"collection": &types.AttributeValueMemberS{Value: key.Collection},
		"resource":   &types.AttributeValueMemberS{Value: key.String()},
	}
}

// Status implements state.Locks.
func (d *DynamoLocks) Status(ctx context.Context, key models.ResourceKey) (models.LockStatus, error) {
	result, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.tableName),
		Key:            primaryKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return models.LockStatus{}, dynamoUnavailable("get", err)
	}
	return decodeStatus(result.Item)
}

// List implements state.Locks.
func (d *DynamoLocks) List(ctx context.Context, collection string) (map[string]models.LockStatus, error) {
	held := make(map[string]models.LockStatus)

	paginator := dynamodb.NewQueryPaginator(d.client, &dynamodb.QueryInput{
		TableName:              aws.String(d.tableName),
		KeyConditionExpression: aws.String("#c = :c"),
		ExpressionAttributeNames: map[string]string{
			"#c": "collection",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: collection},
		},
		ConsistentRead: aws.Bool(true),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, dynamoUnavailable("query", err)
		}

		var records []lockRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &records); err != nil {
			return nil, fmt.Errorf("decode locks: %w: %w", models.ErrStoreUnavailable, err)
		}
		for _, r := range records {
			held[r.Item] = r.status()
		}
	}

	return held, nil
}

// Acquire implements state.Locks. The previous holder comes back from the
// write itself so the read and the write cannot interleave with another
// editor. A holder acquiring again keeps its original timestamp.
func (d *DynamoLocks) Acquire(ctx context.Context, key models.ResourceKey, editor string, at time.Time, force bool) (models.LockStatus, error) {
	var (
		previous map[string]types.AttributeValue
		err      error
	)
	if force {
		previous, err = d.takeOver(ctx, key, editor, at)
	} else {
		previous, err = d.claim(ctx, key, editor, at)
	}
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if !errors.As(err, &failed) {
			return models.LockStatus{}, dynamoUnavailable("acquire", err)
		}
		current, decodeErr := decodeStatus(failed.Item)
		if decodeErr != nil {
			return models.LockStatus{}, decodeErr
		}
		if force {
			// Already ours.
			return current, nil
		}
		return models.LockStatus{}, &models.LockedError{Resource: key, Status: current}
	}

	status, err := decodeStatus(previous)
	if err != nil {
		return models.LockStatus{}, err
	}

	d.logger.WithFields(map[string]any{
		"resource": key.String(),
		"editor":   editor,
		"force":    force,
	}).Debug("Lock acquired")
	return status, nil
}

// claim takes a free lock or refreshes one editor already holds, leaving
// locked_at untouched in the latter case.
func (d *DynamoLocks) claim(ctx context.Context, key models.ResourceKey, editor string, at time.Time) (map[string]types.AttributeValue, error) {
	lockedAt, err := attributevalue.Marshal(at.UTC())
	if err != nil {
		return nil, fmt.Errorf("encode lock time: %w", err)
	}

	result, err := d.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.tableName),
		Key:                 primaryKey(key),
		UpdateExpression:    aws.String("SET #i = :i, #e = :e, #t = if_not_exists(#t, :t)"),
		ConditionExpression: aws.String("attribute_not_exists(#r) OR #e = :e"),
		ExpressionAttributeNames: map[string]string{
			"#r": "resource",
			"#i": "item",
			"#e": "email",
			"#t": "locked_at",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":i": &types.AttributeValueMemberS{Value: key.Item},
			":e": &types.AttributeValueMemberS{Value: editor},
			":t": lockedAt,
		},
		ReturnValues:                        types.ReturnValueAllOld,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return nil, err
	}
	return result.Attributes, nil
}

// takeOver replaces the lock unless editor already holds it.
func (d *DynamoLocks) takeOver(ctx context.Context, key models.ResourceKey, editor string, at time.Time) (map[string]types.AttributeValue, error) {
	item, err := attributevalue.MarshalMap(lockRecord{
		Collection: key.Collection,
		Resource:   key.String(),
		Item:       key.Item,
		Email:      editor,
		LockedAt:   at.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode lock: %w", err)
	}

	result, err := d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(d.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#r) OR #e <> :e"),
		ExpressionAttributeNames: map[string]string{"#r": "resource", "#e": "email"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": &types.AttributeValueMemberS{Value: editor},
		},
		ReturnValues:                        types.ReturnValueAllOld,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return nil, err
	}
	return result.Attributes, nil
}

// Release implements state.Locks.
func (d *DynamoLocks) Release(ctx context.Context, key models.ResourceKey, editor string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(d.tableName),
		Key:                      primaryKey(key),
		ConditionExpression:      aws.String("#e = :e"),
		ExpressionAttributeNames: map[string]string{"#e": "email"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":e": &types.AttributeValueMemberS{Value: editor},
		},
	})
	if err != nil {
		var failed *types.ConditionalCheckFailedException
		if errors.As(err, &failed) {
			return models.ErrNotHolder
		}
		return dynamoUnavailable("delete", err)
	}
	return nil
}

// Clear implements state.Locks.
func (d *DynamoLocks) Clear(ctx context.Context, key models.ResourceKey) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.tableName),
		Key:       primaryKey(key),
	})
	if err != nil {
		return dynamoUnavailable("delete", err)
	}
	return nil
}

func decodeStatus(item map[string]types.AttributeValue) (models.LockStatus, error) {
	if len(item) == 0 {
		return models.Unlocked(), nil
	}

	var r lockRecord
	if err := attributevalue.UnmarshalMap(item, &r); err != nil {
		return models.LockStatus{}, fmt.Errorf("decode lock: %w: %w", models.ErrStoreUnavailable, err)
	}
	return r.status(), nil
}

func dynamoUnavailable(op string, err error) error {
	return fmt.Errorf("dynamodb %s: %w: %w", op, models.ErrStoreUnavailable, err)
}
