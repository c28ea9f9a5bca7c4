// Package objstore wraps the S3-compatible object store behind the small
// surface the upload pipeline needs: time-boxed signed PUT/GET capabilities
// and a HEAD probe for existence and size.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrObjectNotFound = errors.New("object not found")

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// PutAudit carries identifiers signed into the PUT capability as object
// metadata. They exist for out-of-band audit, not for authorization.
type PutAudit struct {
	UserID     string
	ProcessID  string
	DocumentID string
}

type DownloadOptions struct {
	Filename string
	MimeType string
	Inline   bool
}

type Client struct {
	client *minio.Client
	bucket string
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Client{client: mc, bucket: cfg.Bucket}, nil
}

// PresignPut mints a signed PUT URL scoped to one object key. The declared
// content length and the audit identifiers are part of the signature, so the
// client cannot upload under different headers.
func (c *Client) PresignPut(ctx context.Context, storageKey string, contentLength int64, audit PutAudit, expiry time.Duration) (string, error) {
	headers := http.Header{}
	headers.Set("Content-Length", strconv.FormatInt(contentLength, 10))
	headers.Set("x-amz-meta-user-id", audit.UserID)
	headers.Set("x-amz-meta-process-id", audit.ProcessID)
	headers.Set("x-amz-meta-document-id", audit.DocumentID)

	signed, err := c.client.PresignHeader(ctx, http.MethodPut, c.bucket, storageKey, expiry, url.Values{}, headers)
	if err != nil {
		return "", fmt.Errorf("presign put %s: %w", storageKey, err)
	}
	return signed.String(), nil
}

// PresignGet mints a signed GET URL. The response content type is forced to
// the stored MIME to defeat browser sniffing, and the disposition carries a
// sanitized filename.
func (c *Client) PresignGet(ctx context.Context, storageKey string, opts DownloadOptions, expiry time.Duration) (string, error) {
	filename := SanitizeFilename(opts.Filename)
	disposition := "attachment"
	if opts.Inline {
		disposition = "inline"
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("%s; filename=%q", disposition, filename))
	params.Set("response-content-type", mimeType)

	signed, err := c.client.PresignedGetObject(ctx, c.bucket, storageKey, expiry, params)
	if err != nil {
		return "", fmt.Errorf("presign get %s: %w", storageKey, err)
	}
	return signed.String(), nil
}

// Stat probes the object with a HEAD request and returns its size. A missing
// object is reported as ErrObjectNotFound.
func (c *Client) Stat(ctx context.Context, storageKey string) (int64, error) {
	info, err := c.client.StatObject(ctx, c.bucket, storageKey, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return 0, ErrObjectNotFound
		}
		return 0, fmt.Errorf("stat %s: %w", storageKey, err)
	}
	return info.Size, nil
}
