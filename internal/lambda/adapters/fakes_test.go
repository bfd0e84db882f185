package adapters

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dynamotypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// fakeS3 honours IfMatch and IfNoneMatch the way S3 does. ETags are the
// MD5 of the body, as for single-part uploads.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	failGet error
}

type fakeObject struct {
	data []byte
	etag string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failGet != nil {
		return nil, f.failGet
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("The specified key does not exist.")}
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader(obj.data)),
		ETag: aws.String(obj.etag),
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := aws.ToString(in.Key)
	current, exists := f.objects[key]
	if in.IfNoneMatch != nil && exists {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}
	if in.IfMatch != nil && (!exists || current.etag != aws.ToString(in.IfMatch)) {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "At least one of the pre-conditions you specified did not hold"}
	}

	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	sum := md5.Sum(data)
	obj := fakeObject{data: data, etag: `"` + hex.EncodeToString(sum[:]) + `"`}
	f.objects[key] = obj
	return &s3.PutObjectOutput{ETag: aws.String(obj.etag)}, nil
}

// fakeDynamo understands the expressions DynamoLocks sends: a holder
// check on ":e" (equal or not equal), optionally allowing a missing item,
// and the lock claim update.
type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]dynamotypes.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]dynamotypes.AttributeValue)}
}

func stringAttr(item map[string]dynamotypes.AttributeValue, name string) string {
	if v, ok := item[name].(*dynamotypes.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}

func (f *fakeDynamo) conditionHolds(existing map[string]dynamotypes.AttributeValue, condition *string, values map[string]dynamotypes.AttributeValue) bool {
	if condition == nil {
		return true
	}
	if existing == nil {
		return strings.Contains(aws.ToString(condition), "attribute_not_exists")
	}
	same := stringAttr(existing, "email") == stringAttr(values, ":e")
	if strings.Contains(aws.ToString(condition), "<>") {
		return !same
	}
	return same
}

func conditionFailed(existing map[string]dynamotypes.AttributeValue, ret dynamotypes.ReturnValuesOnConditionCheckFailure) error {
	failed := &dynamotypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	if ret == dynamotypes.ReturnValuesOnConditionCheckFailureAllOld {
		failed.Item = existing
	}
	return failed
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[stringAttr(in.Key, "resource")]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resource := stringAttr(in.Item, "resource")
	existing := f.items[resource]
	if !f.conditionHolds(existing, in.ConditionExpression, in.ExpressionAttributeValues) {
		return nil, conditionFailed(existing, in.ReturnValuesOnConditionCheckFailure)
	}

	f.items[resource] = in.Item
	out := &dynamodb.PutItemOutput{}
	if in.ReturnValues == dynamotypes.ReturnValueAllOld {
		out.Attributes = existing
	}
	return out, nil
}

// UpdateItem applies "SET #i = :i, #e = :e, #t = if_not_exists(#t, :t)".
func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resource := stringAttr(in.Key, "resource")
	existing := f.items[resource]
	if !f.conditionHolds(existing, in.ConditionExpression, in.ExpressionAttributeValues) {
		return nil, conditionFailed(existing, in.ReturnValuesOnConditionCheckFailure)
	}

	updated := make(map[string]dynamotypes.AttributeValue, len(existing)+len(in.Key)+3)
	for k, v := range existing {
		updated[k] = v
	}
	for k, v := range in.Key {
		updated[k] = v
	}
	updated["item"] = in.ExpressionAttributeValues[":i"]
	updated["email"] = in.ExpressionAttributeValues[":e"]
	if _, ok := updated["locked_at"]; !ok {
		updated["locked_at"] = in.ExpressionAttributeValues[":t"]
	}
	f.items[resource] = updated

	out := &dynamodb.UpdateItemOutput{}
	if in.ReturnValues == dynamotypes.ReturnValueAllOld {
		out.Attributes = existing
	}
	return out, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resource := stringAttr(in.Key, "resource")
	if !f.conditionHolds(f.items[resource], in.ConditionExpression, in.ExpressionAttributeValues) {
		return nil, &dynamotypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	delete(f.items, resource)
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if in.ExclusiveStartKey != nil {
		return nil, errors.New("fake does not paginate")
	}

	collection := stringAttr(in.ExpressionAttributeValues, ":c")
	var items []map[string]dynamotypes.AttributeValue
	for _, item := range f.items {
		if stringAttr(item, "collection") == collection {
			items = append(items, item)
		}
	}
	return &dynamodb.QueryOutput{Items: items, Count: int32(len(items))}, nil
}
