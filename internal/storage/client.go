// Package storage wraps the S3-compatible object store that holds batch
// sources and finished archives.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
)

var ErrObjectNotFound = errors.New("object not found")

const uploadsRuleID = "imageverse-expire-uploads"

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	UseSSL    bool
	// UploadsPrefix objects expire after UploadTTLDays; zero keeps them.
	UploadsPrefix string
	UploadTTLDays int
}

type Client struct {
	mc  *minio.Client
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client for %s: %w", cfg.Endpoint, err)
	}
	return &Client{mc: mc, cfg: cfg}, nil
}

func (c *Client) Bucket() string {
	return c.cfg.Bucket
}

// EnsureBucket creates the bucket when missing and installs the expiry rule
// for uploaded sources.
func (c *Client) EnsureBucket(ctx context.Context) error {
	if err := c.makeBucket(ctx); err != nil {
		return err
	}
	if c.cfg.UploadTTLDays <= 0 || strings.Trim(c.cfg.UploadsPrefix, "/") == "" {
		return nil
	}

	rules := lifecycle.NewConfiguration()
	rules.Rules = []lifecycle.Rule{{
		ID:         uploadsRuleID,
		Status:     "Enabled",
		RuleFilter: lifecycle.Filter{Prefix: strings.Trim(c.cfg.UploadsPrefix, "/") + "/"},
		Expiration: lifecycle.Expiration{Days: lifecycle.ExpirationDays(c.cfg.UploadTTLDays)},
	}}
	if err := c.mc.SetBucketLifecycle(ctx, c.cfg.Bucket, rules); err != nil {
		return fmt.Errorf("set lifecycle on %s: %w", c.cfg.Bucket, err)
	}
	return nil
}

func (c *Client) makeBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", c.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	err = c.mc.MakeBucket(ctx, c.cfg.Bucket, minio.MakeBucketOptions{Region: c.cfg.Region})
	if err == nil {
		return nil
	}
	// another replica may have won the race
	switch minio.ToErrorResponse(err).Code {
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		return nil
	}
	return fmt.Errorf("create bucket %s: %w", c.cfg.Bucket, err)
}

// PresignedGetURL returns a time-limited download link. A non-empty filename
// becomes the attachment name the browser saves.
func (c *Client) PresignedGetURL(ctx context.Context, objectKey, filename string, expiry time.Duration) (string, error) {
	var params url.Values
	if filename = strings.TrimSpace(filename); filename != "" {
		params = url.Values{"response-content-disposition": {fmt.Sprintf("attachment; filename=%q", filename)}}
	}
	u, err := c.mc.PresignedGetObject(ctx, c.cfg.Bucket, objectKey, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectKey, err)
	}
	return u.String(), nil
}

// OpenObject streams an object. The caller closes the reader.
func (c *Client) OpenObject(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	obj, err := c.mc.GetObject(ctx, c.cfg.Bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", objectKey, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, objectError("stat", objectKey, err)
	}
	return obj, nil
}

func (c *Client) ReadObject(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := c.OpenObject(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, objectError("read", objectKey, err)
	}
	return data, nil
}

func (c *Client) WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error {
	_, err := c.mc.PutObject(ctx, c.cfg.Bucket, objectKey, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return objectError("put", objectKey, err)
	}
	return nil
}

// RemoveObject deletes an object. Removing a missing object is not an error.
func (c *Client) RemoveObject(ctx context.Context, objectKey string) error {
	err := c.mc.RemoveObject(ctx, c.cfg.Bucket, objectKey, minio.RemoveObjectOptions{})
	if err != nil && !notFound(err) {
		return objectError("remove", objectKey, err)
	}
	return nil
}

// RemovePrefix deletes every object under prefix and reports how many were
// listed.
func (c *Client) RemovePrefix(ctx context.Context, prefix string) (int, error) {
	if strings.Trim(prefix, "/") == "" {
		return 0, errors.New("refusing to remove the whole bucket")
	}

	listed := c.mc.ListObjects(ctx, c.cfg.Bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})
	doomed := make(chan minio.ObjectInfo)
	listDone := make(chan struct{})
	var (
		count   int
		listErr error
	)
	go func() {
		defer close(listDone)
		defer close(doomed)
		for obj := range listed {
			if obj.Err != nil {
				if listErr == nil {
					listErr = obj.Err
				}
				continue
			}
			select {
			case doomed <- obj:
				count++
			case <-ctx.Done():
				return
			}
		}
	}()

	var removeErr error
	for res := range c.mc.RemoveObjects(ctx, c.cfg.Bucket, doomed, minio.RemoveObjectsOptions{}) {
		if res.Err != nil && removeErr == nil && !notFound(res.Err) {
			removeErr = objectError("remove", res.ObjectName, res.Err)
		}
	}
	<-listDone
	if listErr != nil {
		return count, fmt.Errorf("list %s: %w", prefix, listErr)
	}
	if removeErr == nil {
		removeErr = ctx.Err()
	}
	return count, removeErr
}

func objectError(op, key string, err error) error {
	if notFound(err) {
		return fmt.Errorf("%s %s: %w", op, key, ErrObjectNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

func notFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchObject":
		return true
	}
	return false
}
