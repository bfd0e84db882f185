// Package adapters binds the collection store to AWS: blobs live in S3 and
// locks in DynamoDB.
package adapters

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/guardian/support-admin-console-sub001/internal/config"
	"github.com/guardian/support-admin-console-sub001/internal/events"
)

// AWSBackend pairs S3 blobs with DynamoDB locks.
type AWSBackend struct {
	*S3Blobs
	*DynamoLocks
}

// Close implements state.Backend. The SDK clients hold no resources.
func (b *AWSBackend) Close() error {
	return nil
}

// NewAWSBackend builds the clients from the default AWS configuration,
// overridden by cfg.
func NewAWSBackend(ctx context.Context, cfg config.AWSConfig, logger *events.Logger) (*AWSBackend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	dynamoClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	logger.WithFields(map[string]any{
		"region":     awsCfg.Region,
		"bucket":     cfg.Bucket,
		"lock_table": cfg.LockTable,
	}).Debug("AWS backend configured")

	return &AWSBackend{
		S3Blobs:     NewS3Blobs(s3Client, cfg.Bucket, cfg.Prefix, logger),
		DynamoLocks: NewDynamoLocks(dynamoClient, cfg.LockTable, logger),
	}, nil
}
