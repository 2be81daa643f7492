// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// MinioUploader uploads to a MinIO, or any S3 compatible, server.
type MinioUploader struct {
	client   *minio.Client
	bucket   string
	partSize uint64
	threads  uint
}

var _ Uploader = (*MinioUploader)(nil)

// NewMinioUploader creates a MinioUploader for cfg.Endpoint ("host:port", no scheme).
// No connection is made until the first upload.
func NewMinioUploader(cfg Config) (*MinioUploader, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("storage: minio backend requires STORAGE_ENDPOINT")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "storage: failed to create minio client for %q", cfg.Endpoint)
	}
	u := &MinioUploader{client: client, bucket: cfg.Bucket}
	if cfg.PartSizeMB > 0 {
		u.partSize = uint64(cfg.PartSizeMB) << 20
	}
	if cfg.Concurrency > 0 {
		u.threads = uint(cfg.Concurrency)
	}
	return u, nil
}

// String implements Uploader.
func (u *MinioUploader) String() string { return u.client.EndpointURL().String() + "/" + u.bucket }

// Upload implements Uploader.
func (u *MinioUploader) Upload(ctx context.Context, key, localPath string) error {
	_, err := u.client.FPutObject(ctx, u.bucket, key, localPath, minio.PutObjectOptions{
		PartSize:   u.partSize,
		NumThreads: u.threads,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to upload %q to %s/%s", localPath, u, key)
	}
	return nil
}
