package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Blob stores objects in an S3 bucket under an optional prefix.
type S3Blob struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Blob loads the default AWS credential chain.
func NewS3Blob(ctx context.Context, bucket, prefix, region string) (*S3Blob, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &S3Blob{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

func (b *S3Blob) key(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + "/" + key
}

// Create checks for an existing object and then uploads data in a single PutObject,
// which S3 applies atomically.
func (b *S3Blob) Create(ctx context.Context, key string, data []byte) error {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err == nil {
		return fmt.Errorf("s3://%s/%s: %w", b.bucket, b.key(key), errBlobExists)
	}
	var nf *types.NotFound
	if !errors.As(err, &nf) {
		return fmt.Errorf("checking s3://%s/%s: %w", b.bucket, b.key(key), err)
	}

	if _, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
	}); err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", b.bucket, b.key(key), err)
	}
	return nil
}

func (b *S3Blob) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	})
	if err != nil {
		return nil, fmt.Errorf("getting s3://%s/%s: %w", b.bucket, b.key(key), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", b.bucket, b.key(key), err)
	}
	return data, nil
}

func (b *S3Blob) List(ctx context.Context, prefix string) ([]string, error) {
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.key(prefix)),
	})

	var keys []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s: %w", b.bucket, b.key(prefix), err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if b.prefix != "" {
				key = strings.TrimPrefix(key, b.prefix+"/")
			}
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *S3Blob) Close() error { return nil }
