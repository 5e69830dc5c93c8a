package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// DefaultAWSRegion is used for AWS S3 when nothing else resolves a region.
const DefaultAWSRegion = "us-east-1"

// S3Config configures an S3 sink.
//
// Credentials follow the AWS SDK v2 default chain unless AccessKeyID and
// SecretAccessKey are both set. For S3-compatible stores set Endpoint and
// usually ForcePathStyle.
type S3Config struct {
	// Bucket is the target bucket (required).
	Bucket string

	// Prefix is prepended to every key, e.g. "proofs/".
	Prefix string

	// Region is the AWS region. Defaults to us-east-1 for AWS S3 when not
	// set via environment or profile; no default with a custom Endpoint.
	Region string

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string

	// Profile is the shared config profile.
	Profile string

	AccessKeyID     string
	SecretAccessKey string

	// ForcePathStyle puts the bucket in the path instead of the host.
	ForcePathStyle bool
}

// Validate checks required fields.
func (c S3Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
		return fmt.Errorf("s3 access key id and secret access key must be set together")
	}
	return nil
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes bundles to s3://<bucket>/<prefix><job_id>.json.
type S3Sink struct {
	client objectPutter
	bucket string
	prefix string
}

// NewS3Sink builds an S3 client from cfg.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, &SinkError{Op: "New", Kind: KindS3, Target: cfg.Bucket, Err: err}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3Sink(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3Sink(client objectPutter, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: strings.TrimPrefix(prefix, "/")}
}

func loadAWSConfig(ctx context.Context, cfg S3Config) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

// Publish uploads payload and returns its s3:// URI.
func (s *S3Sink) Publish(ctx context.Context, jobID string, payload []byte) (string, error) {
	name, err := objectName(jobID)
	if err != nil {
		return "", err
	}
	key := name
	if s.prefix != "" {
		key = path.Join(s.prefix, name)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		return "", s.wrapError(key, err)
	}
	return "s3://" + s.bucket + "/" + key, nil
}

func (s *S3Sink) wrapError(key string, err error) error {
	wrapped := &SinkError{Op: "Publish", Kind: KindS3, Target: s.bucket, Key: key, Err: err}

	var noSuchBucket *types.NoSuchBucket
	if errors.As(err, &noSuchBucket) {
		wrapped.Err = ErrBucketNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchBucket":
			wrapped.Err = ErrBucketNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = ErrUnavailable
		}
	}
	return wrapped
}
