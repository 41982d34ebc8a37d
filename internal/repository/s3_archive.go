package repository

import (
	"bytes"
	"context"
	"fmt"

	appConfig "github.com/alcalc/playsync/internal/config"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3PayloadArchive implements domain.PayloadArchive using AWS SDK v2 against
// any S3 compatible store.
type S3PayloadArchive struct {
	client *s3.Client
	bucket string
}

// NewS3PayloadArchive creates a new archive and makes sure the bucket exists
func NewS3PayloadArchive(ctx context.Context, cfg appConfig.S3Config) (*S3PayloadArchive, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load SDK config, %v", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = true
	})

	archive := &S3PayloadArchive{
		client: client,
		bucket: cfg.Bucket,
	}

	if err := archive.ensureBucket(ctx); err != nil {
		return nil, err
	}

	return archive, nil
}

// Put stores a raw payload under key
func (r *S3PayloadArchive) Put(ctx context.Context, key string, payload []byte) error {
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(r.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to archive payload to S3: %w", err)
	}
	return nil
}

// ensureBucket checks if bucket exists, creating it if necessary
func (r *S3PayloadArchive) ensureBucket(ctx context.Context) error {
	_, err := r.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(r.bucket),
	})
	if err != nil {
		_, err = r.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(r.bucket),
		})
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", r.bucket, err)
		}
	}
	return nil
}
