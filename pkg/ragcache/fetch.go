package ragcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/incidentfox/incidentfox/pkg/config"
	"github.com/incidentfox/incidentfox/pkg/services"
)

// S3Fetcher retrieves tree artifacts from an S3-compatible bucket.
type S3Fetcher struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3Fetcher builds the artifact store client. Credentials come from
// the configured environment variables when set, otherwise the default
// AWS chain applies. A custom endpoint with path-style addressing
// supports MinIO-compatible stores.
func NewS3Fetcher(ctx context.Context, cfg *config.S3Config, logger *slog.Logger) (*S3Fetcher, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, fmt.Errorf("artifact store requires a bucket")
	}
	if logger == nil {
		logger = slog.Default()
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyEnv != "" && cfg.SecretKeyEnv != "" {
		accessKey := os.Getenv(cfg.AccessKeyEnv)
		secretKey := os.Getenv(cfg.SecretKeyEnv)
		if accessKey != "" && secretKey != "" {
			loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
				awscreds.NewStaticCredentialsProvider(accessKey, secretKey, ""),
			))
		}
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	logger.Info("Artifact store configured", "bucket", cfg.Bucket, "region", region)
	return &S3Fetcher{client: client, bucket: cfg.Bucket, logger: logger}, nil
}

// Fetch streams one object. Missing keys map to services.ErrNotFound
// so callers can try the alternate layout.
func (f *S3Fetcher) Fetch(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &f.bucket,
		Key:    &key,
	})
	if err != nil {
		if isObjectMissing(err) {
			return nil, fmt.Errorf("object %q: %w", key, services.ErrNotFound)
		}
		return nil, fmt.Errorf("get object %q: %w", key, err)
	}
	return out.Body, nil
}

func isObjectMissing(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound"
	}
	return false
}
