// Package s3 stores artifacts in any S3-compatible object store
// (AWS S3, MinIO, R2) through the minio client.
package s3

import (
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"

	"reelforge/internal/ports"
)

// Client implements ports.StorageProvider on a single bucket.
type Client struct {
	mc     *minio.Client
	bucket string
}

func NewClient(mc *minio.Client, bucket string) *Client {
	return &Client{mc: mc, bucket: bucket}
}

func (c *Client) Provider() string { return "s3" }

func (c *Client) PutObject(ctx context.Context, in ports.PutObjectInput) (ports.PutObjectOutput, error) {
	size := in.Size
	if size <= 0 {
		// Unknown size: stream with multipart.
		size = -1
	}

	info, err := c.mc.PutObject(ctx, c.bucket, in.ObjectKey, in.Reader, size, minio.PutObjectOptions{
		ContentType: in.ContentType,
	})
	if err != nil {
		return ports.PutObjectOutput{}, err
	}
	return ports.PutObjectOutput{ObjectKey: info.Key, Size: info.Size}, nil
}

func (c *Client) GetObject(ctx context.Context, objectKey string) (io.ReadCloser, string, int64, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", 0, err
	}

	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, "", 0, err
	}
	return obj, st.ContentType, st.Size, nil
}

func (c *Client) StatObject(ctx context.Context, objectKey string) (int64, error) {
	st, err := c.mc.StatObject(ctx, c.bucket, objectKey, minio.StatObjectOptions{})
	if err != nil {
		return 0, err
	}
	return st.Size, nil
}

func (c *Client) DeleteObject(ctx context.Context, objectKey string) error {
	return c.mc.RemoveObject(ctx, c.bucket, objectKey, minio.RemoveObjectOptions{})
}

func (c *Client) GetSignedURL(ctx context.Context, objectKey string, expiresIn time.Duration) (ports.SignedURLOutput, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, objectKey, expiresIn, nil)
	if err != nil {
		return ports.SignedURLOutput{}, err
	}
	return ports.SignedURLOutput{
		URL:       u.String(),
		ExpiresAt: time.Now().UTC().Add(expiresIn),
	}, nil
}
