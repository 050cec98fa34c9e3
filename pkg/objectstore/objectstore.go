// Package objectstore wraps the S3-compatible object store pkg/checkpoint
// uploads and downloads checkpoint attempts against.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config configures the S3-compatible client. Endpoint is optional and,
// when set, is used for MinIO-style testing instead of a real AWS region
// endpoint. KeyPrefix, when set, is prepended to every key so multiple
// deployments can share a bucket.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	KeyPrefix string
}

// Client is a thin, context-first wrapper over *s3.Client exposing only the
// four operations the checkpoint subsystem needs.
type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
}

// New builds a Client from Config, resolving credentials the standard AWS
// way (environment, shared config, instance profile).
func New(ctx context.Context, cfg Config) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}

	prefix := strings.Trim(cfg.KeyPrefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Client{s3: s3.NewFromConfig(awsCfg, opts), bucket: cfg.Bucket, prefix: prefix}, nil
}

// PutObject uploads bytes at key, overwriting any existing object.
func (c *Client) PutObject(ctx context.Context, key string, data []byte) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.prefix + key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

// GetObject downloads the object at key. Errors, including the one for a
// missing key, are wrapped with %w, so callers can reach the SDK error with
// errors.As.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.prefix + key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// ObjectInfo is one entry returned by ListObjectsV2.
type ObjectInfo struct {
	Key  string
	Size int64
}

// ListObjectsV2 lists every object under prefix, following continuation
// tokens until the listing is exhausted.
func (c *Client) ListObjectsV2(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	var token *string

	for {
		resp, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(c.prefix + prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}

		for _, obj := range resp.Contents {
			out = append(out, ObjectInfo{Key: strings.TrimPrefix(aws.ToString(obj.Key), c.prefix), Size: aws.ToInt64(obj.Size)})
		}

		if resp.IsTruncated == nil || !*resp.IsTruncated {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

// DeleteObject removes the object at key. Deleting an absent key is not an
// error, matching S3 semantics.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.prefix + key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}
