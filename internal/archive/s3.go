// Package archive stores full execution output in an S3 compatible bucket.
package archive

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

const keyPrefix = "executions"

type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// S3Archiver uploads output files as objects under executions/<id>/.
type S3Archiver struct {
	client *s3.Client
	bucket string
	logger zerolog.Logger
}

func NewS3Archiver(cfg Config, logger zerolog.Logger) *S3Archiver {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	return &S3Archiver{
		client: s3.New(s3.Options{
			BaseEndpoint: aws.String(cfg.Endpoint),
			Region:       region,
			Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
			UsePathStyle: true,
		}),
		bucket: cfg.Bucket,
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// Key returns the object key for one output file of an execution.
func Key(executionID, name string) string {
	return path.Join(keyPrefix, executionID, name)
}

// EnsureBucket creates the bucket if it does not exist.
func (a *S3Archiver) EnsureBucket(ctx context.Context) error {
	if _, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)}); err == nil {
		return nil
	}
	if _, err := a.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(a.bucket)}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	a.logger.Info().Str("bucket", a.bucket).Msg("created archive bucket")
	return nil
}

func (a *S3Archiver) Archive(ctx context.Context, executionID, name string, body io.ReadSeeker) error {
	key := Key(executionID, name)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", a.bucket, key, err)
	}
	a.logger.Debug().Str("bucket", a.bucket).Str("key", key).Msg("archived execution output")
	return nil
}
