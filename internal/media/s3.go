// internal/media/s3.go
// Package media provides S3-compatible storage access for purchasable image files.
// It checks that a product's file exists and hands out short-lived presigned download URLs;
// the service never streams file bytes itself.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client wraps the AWS S3 client for product file operations.
type S3Client struct {
	client    *s3.Client // AWS S3 client
	presign   *s3.PresignClient
	bucket    string // Bucket holding the original image files
	keyPrefix string // Prefix prepended to product ids to form object keys
}

// Options configures NewS3Client.
type Options struct {
	Endpoint  string // S3 endpoint URL; empty uses the AWS default for Region
	Region    string // AWS region (or equivalent for S3-compatible services)
	Bucket    string // Bucket name
	AccessKey string // Static access key; empty falls back to the default credential chain
	SecretKey string // Static secret key
	KeyPrefix string // Object key prefix, e.g. "originals/"
}

// NewS3Client creates a new S3 client for product files.
// It supports both AWS S3 and S3-compatible services like MinIO.
func NewS3Client(ctx context.Context, opts Options) (*S3Client, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(opts.Region)}
	if opts.Endpoint != "" {
		loadOpts = append(loadOpts, config.WithBaseEndpoint(opts.Endpoint))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     opts.AccessKey,
					SecretAccessKey: opts.SecretKey,
				}, nil
			})))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.Endpoint != "" // Required for MinIO and other S3-compatible services
	})

	return &S3Client{
		client:    client,
		presign:   s3.NewPresignClient(client),
		bucket:    opts.Bucket,
		keyPrefix: opts.KeyPrefix,
	}, nil
}

// ObjectKey maps a product id to its object key.
func (s *S3Client) ObjectKey(productID string) string {
	return s.keyPrefix + strings.TrimLeft(productID, "/")
}

// ObjectExists reports whether key is present in the bucket.
// A missing object is (false, nil); any other failure is returned.
func (s *S3Client) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &notFound) || errors.As(err, &noSuchKey) {
		return false, nil
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return false, nil
	}
	return false, fmt.Errorf("failed to get object metadata: %w", err)
}

// GenerateDownloadURL returns a presigned GET URL that makes browsers save the
// object as filename.
func (s *S3Client) GenerateDownloadURL(ctx context.Context, key string, expires time.Duration, filename string) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if filename != "" {
		input.ResponseContentDisposition = aws.String(fmt.Sprintf("attachment; filename=%q", filename))
	}

	presignResult, err := s.presign.PresignGetObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}
	return presignResult.URL, nil
}
