// Package cloudtest runs artifact sink tests against a local S3-compatible
// endpoint (moto). Tests using it are tagged cloudintegration and skip when
// the endpoint is down.
package cloudtest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const (
	// DefaultEndpoint avoids the macOS AirTunes port.
	DefaultEndpoint = "http://localhost:5555"

	DefaultRegion = "us-east-1"

	// AccessKeyID and SecretAccessKey are accepted by moto as-is.
	AccessKeyID     = "testing"
	SecretAccessKey = "testing"
)

var (
	// Endpoint can be overridden with MOTO_ENDPOINT.
	Endpoint = envOr("MOTO_ENDPOINT", DefaultEndpoint)

	// Region can be overridden with MOTO_REGION.
	Region = envOr("MOTO_REGION", DefaultRegion)

	clientOnce sync.Once
	client     *s3.Client
	clientErr  error
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Available reports whether the moto control API answers.
func Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, Endpoint+"/moto-api/", http.NoBody)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// SkipIfUnavailable skips t when moto is not running.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	if !Available() {
		t.Skipf("moto not available at %s", Endpoint)
	}
}

// Client returns a shared path-style S3 client pointed at Endpoint.
func Client(t *testing.T) *s3.Client {
	t.Helper()
	clientOnce.Do(func() {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(AccessKeyID, SecretAccessKey, "")),
		)
		if err != nil {
			clientErr = fmt.Errorf("load aws config: %w", err)
			return
		}
		client = s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(Endpoint)
			o.UsePathStyle = true
		})
	})
	if clientErr != nil {
		t.Fatalf("s3 client: %v", clientErr)
	}
	return client
}

// CreateBucket creates a uniquely named bucket and empties and removes it
// when the test ends.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	c := Client(t)

	name := strings.NewReplacer("/", "-", "_", "-").Replace(strings.ToLower(t.Name()))
	if len(name) > 50 {
		name = name[:50]
	}
	name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano()%100000)

	if _, err := c.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { deleteBucket(t, name) })
	return name
}

func deleteBucket(t *testing.T, bucket string) {
	ctx := context.Background()
	c := Client(t)

	pages := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			t.Logf("list %s: %v", bucket, err)
			return
		}
		for _, obj := range page.Contents {
			if _, err := c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key}); err != nil {
				t.Logf("delete %s/%s: %v", bucket, aws.ToString(obj.Key), err)
			}
		}
	}
	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("delete bucket %s: %v", bucket, err)
	}
}

// GetObject reads back bucket/key.
func GetObject(t *testing.T, ctx context.Context, bucket, key string) []byte {
	t.Helper()
	out, err := Client(t).GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		t.Fatalf("get %s/%s: %v", bucket, key, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		t.Fatalf("read %s/%s: %v", bucket, key, err)
	}
	return data
}
