package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/guardian/support-admin-console-sub001/internal/events"
	"github.com/guardian/support-admin-console-sub001/internal/models"
)

// S3API is the subset of the S3 client used by S3Blobs.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Blobs stores collection blobs as JSON objects. The object ETag is the
// version; writes are conditional on it. Every write carries a fresh
// revision in the object body, so the ETag changes even when the content
// does not.
type S3Blobs struct {
	client S3API
	bucket string
	prefix string
	logger *events.Logger
}

// NewS3Blobs creates a blob store under bucket/prefix.
func NewS3Blobs(client S3API, bucket, prefix string, logger *events.Logger) *S3Blobs {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &S3Blobs{
		client: client,
		bucket: bucket,
		prefix: prefix,
		logger: logger.WithField("component", "s3_blobs"),
	}
}

// document is the object body.
type document struct {
	Revision string          `json:"revision"`
	Data     json.RawMessage `json:"data"`
}

func (s *S3Blobs) objectKey(key string) string {
	return s.prefix + key + ".json"
}

// Get implements state.Blobs.
func (s *S3Blobs) Get(ctx context.Context, key string) ([]byte, string, error) {
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, "", models.ErrNotFound
		}
		return nil, "", fmt.Errorf("s3 get %s: %w: %w", key, models.ErrStoreUnavailable, err)
	}
	defer result.Body.Close()

	body, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, "", fmt.Errorf("s3 read %s: %w: %w", key, models.ErrStoreUnavailable, err)
	}
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, "", fmt.Errorf("s3 decode %s: %w", key, err)
	}

	return []byte(doc.Data), aws.ToString(result.ETag), nil
}

// Put implements state.Blobs.
func (s *S3Blobs) Put(ctx context.Context, key string, data []byte, ifVersion string) (string, error) {
	if !json.Valid(data) {
		return "", fmt.Errorf("s3 put %s: %w: blob is not JSON", key, models.ErrInvalidRequest)
	}
	body, err := json.Marshal(document{Revision: uuid.NewString(), Data: data})
	if err != nil {
		return "", fmt.Errorf("s3 encode %s: %w", key, err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if ifVersion == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(ifVersion)
	}

	result, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			s.logger.WithFields(map[string]any{
				"key":        key,
				"if_version": ifVersion,
			}).Debug("Conditional write rejected")
			return "", models.ErrVersionConflict
		}
		return "", fmt.Errorf("s3 put %s: %w: %w", key, models.ErrStoreUnavailable, err)
	}

	return aws.ToString(result.ETag), nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound")
}

func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}
