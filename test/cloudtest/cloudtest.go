// Package cloudtest runs the S3 adapter against a local moto server.
//
// Tests that use it carry the cloudintegration build tag and call
// SkipIfUnavailable first, so a plain `go test ./...` never needs moto.
// MOTO_ENDPOINT and MOTO_REGION override where the server is found.
package cloudtest

import (
	"bytes"
	"context"
	"fmt"
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
	"github.com/google/uuid"

	"github.com/3leaps/nimbusgate/pkg/provider"
)

// moto accepts any key pair.
const (
	accessKey = "testing"
	secretKey = "testing"
)

var (
	endpoint = envOr("MOTO_ENDPOINT", "http://localhost:5555")
	region   = envOr("MOTO_REGION", "us-east-1")

	seedClient = sync.OnceValues(func() (*s3.Client, error) {
		cfg, err := config.LoadDefaultConfig(context.Background(),
			config.WithRegion(region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		)
		if err != nil {
			return nil, err
		}
		return s3.NewFromConfig(cfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}), nil
	})
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// SkipIfUnavailable skips t unless moto answers on its management API.
func SkipIfUnavailable(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/moto-api/", nil)
	if err != nil {
		t.Fatalf("moto request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Skipf("moto not reachable at %s: %v", endpoint, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Skipf("moto at %s answered %d", endpoint, resp.StatusCode)
	}
}

// Credentials returns the "aws" credential map the gateway's provider
// factory expects, pointed at moto and bucket.
func Credentials(bucket string) map[string]string {
	return map[string]string{
		provider.FieldAccessKey: accessKey,
		provider.FieldSecretKey: secretKey,
		provider.FieldBucket:    bucket,
		provider.FieldRegion:    region,
		provider.FieldEndpoint:  endpoint,
	}
}

func client(t *testing.T) *s3.Client {
	t.Helper()
	c, err := seedClient()
	if err != nil {
		t.Fatalf("moto client: %v", err)
	}
	return c
}

// CreateBucket creates an empty bucket for t and removes it, with everything
// left inside, when t finishes.
func CreateBucket(t *testing.T, ctx context.Context) string {
	t.Helper()
	name := "nimbusgate-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
	if _, err := client(t).CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(name)}); err != nil {
		t.Fatalf("create bucket %s: %v", name, err)
	}
	t.Cleanup(func() { dropBucket(t, name) })
	return name
}

// dropBucket aborts open uploads, deletes every object and then the bucket.
// Failures are logged; moto is disposable.
func dropBucket(t *testing.T, bucket string) {
	ctx := context.Background()
	c := client(t)

	uploads := s3.NewListMultipartUploadsPaginator(c, &s3.ListMultipartUploadsInput{Bucket: aws.String(bucket)})
	for uploads.HasMorePages() {
		page, err := uploads.NextPage(ctx)
		if err != nil {
			t.Logf("list uploads in %s: %v", bucket, err)
			break
		}
		for _, u := range page.Uploads {
			_, _ = c.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{Bucket: aws.String(bucket), Key: u.Key, UploadId: u.UploadId})
		}
	}

	objects := s3.NewListObjectsV2Paginator(c, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for objects.HasMorePages() {
		page, err := objects.NextPage(ctx)
		if err != nil {
			t.Logf("list objects in %s: %v", bucket, err)
			break
		}
		for _, obj := range page.Contents {
			_, _ = c.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key})
		}
	}

	if _, err := c.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)}); err != nil {
		t.Logf("delete bucket %s: %v", bucket, err)
	}
}

// PutObject seeds key with content, bypassing the adapter under test.
func PutObject(t *testing.T, ctx context.Context, bucket, key string, content []byte) {
	t.Helper()
	_, err := client(t).PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(content),
	})
	if err != nil {
		t.Fatalf("seed %s/%s: %v", bucket, key, err)
	}
}

// PutObjects seeds each key with content naming the key.
func PutObjects(t *testing.T, ctx context.Context, bucket string, keys []string) {
	t.Helper()
	for _, key := range keys {
		PutObject(t, ctx, bucket, key, fmt.Appendf(nil, "content of %s", key))
	}
}

// UploadIDs projects a multipart listing onto its upload IDs.
func UploadIDs(uploads []provider.MultipartUpload) []string {
	ids := make([]string, 0, len(uploads))
	for _, u := range uploads {
		ids = append(ids, u.UploadID)
	}
	return ids
}
