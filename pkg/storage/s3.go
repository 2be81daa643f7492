// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// S3Uploader uploads with the AWS SDK multipart uploader.
type S3Uploader struct {
	bucket   string
	endpoint string
	uploader *manager.Uploader
}

var _ Uploader = (*S3Uploader)(nil)

// NewS3Uploader creates an S3Uploader. Credentials and region come from the default AWS chain
// (environment, shared config files, instance roles), unless given in cfg.
func NewS3Uploader(ctx context.Context, cfg Config) (*S3Uploader, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		creds := aws.Credentials{AccessKeyID: cfg.AccessKey, SecretAccessKey: cfg.SecretKey, Source: "STORAGE_ACCESS_KEY"}
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(context.Context) (aws.Credentials, error) { return creds, nil })))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "storage: failed to load AWS configuration")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSizeMB > 0 {
			u.PartSize = max(cfg.PartSizeMB<<20, manager.MinUploadPartSize)
		}
		if cfg.Concurrency > 0 {
			u.Concurrency = cfg.Concurrency
		}
	})
	return &S3Uploader{bucket: cfg.Bucket, endpoint: cfg.Endpoint, uploader: uploader}, nil
}

// String implements Uploader.
func (u *S3Uploader) String() string {
	if u.endpoint != "" {
		return u.endpoint + "/" + u.bucket
	}
	return "s3://" + u.bucket
}

// Upload implements Uploader.
func (u *S3Uploader) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q for upload", localPath)
	}
	defer func() { _ = f.Close() }()
	var size string
	if fi, err := f.Stat(); err == nil {
		size = humanize.Bytes(uint64(fi.Size()))
	}
	klog.V(1).Infof("Uploading %q (%s) to s3://%s/%s", localPath, size, u.bucket, key)
	_, err = u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(u.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to upload %q to s3://%s/%s", localPath, u.bucket, key)
	}
	return nil
}
