// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package storage uploads experiment archives to an object store: AWS S3, a MinIO (or any
// S3 compatible) server, or a local directory.
package storage

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Backends supported by New.
const (
	BackendS3    = "s3"
	BackendMinio = "minio"
	BackendLocal = "local"
)

// DefaultBucket where experiments are uploaded.
const DefaultBucket = "msc-thesis"

// Uploader uploads local files to a bucket.
type Uploader interface {
	// Upload the file at localPath to the object key.
	Upload(ctx context.Context, key, localPath string) error

	// String describes the destination, for logging.
	String() string
}

// Config of the storage, usually read from the environment with ConfigFromEnv.
type Config struct {
	Backend     string `env:"STORAGE_BACKEND" envDefault:"s3"`
	Bucket      string `env:"STORAGE_BUCKET" envDefault:"msc-thesis"`
	Endpoint    string `env:"STORAGE_ENDPOINT"`
	Region      string `env:"STORAGE_REGION"`
	AccessKey   string `env:"STORAGE_ACCESS_KEY"`
	SecretKey   string `env:"STORAGE_SECRET_KEY"`
	UseSSL      bool   `env:"STORAGE_USE_SSL" envDefault:"true"`
	LocalDir    string `env:"STORAGE_LOCAL_DIR"`
	Prefix      string `env:"STORAGE_PREFIX"`
	PartSizeMB  int64  `env:"STORAGE_PART_SIZE_MB" envDefault:"16"`
	Concurrency int    `env:"STORAGE_CONCURRENCY" envDefault:"4"`
}

// ConfigFromEnv reads the Config from the STORAGE_* environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to parse storage configuration from environment")
	}
	return cfg, nil
}

// New creates the Uploader for the configured backend.
func New(ctx context.Context, cfg Config) (Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: bucket not configured")
	}
	switch strings.ToLower(cfg.Backend) {
	case BackendS3, "":
		return NewS3Uploader(ctx, cfg)
	case BackendMinio:
		return NewMinioUploader(cfg)
	case BackendLocal:
		return NewLocalUploader(cfg.LocalDir, cfg.Bucket)
	default:
		return nil, errors.Errorf("storage: unknown backend %q, valid values are %q, %q and %q",
			cfg.Backend, BackendS3, BackendMinio, BackendLocal)
	}
}

// ObjectKey returns the key for the file: its base name, under prefix if one is given.
func ObjectKey(prefix, fileName string) string {
	name := path.Base(filepath.ToSlash(fileName))
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// LocalUploader "uploads" files by copying them to <dir>/<bucket>/<key>.
type LocalUploader struct {
	dir, bucket string
}

var _ Uploader = (*LocalUploader)(nil)

// NewLocalUploader creates a LocalUploader rooted at dir.
func NewLocalUploader(dir, bucket string) (*LocalUploader, error) {
	if dir == "" {
		return nil, errors.New("storage: local backend requires STORAGE_LOCAL_DIR")
	}
	return &LocalUploader{dir: dir, bucket: bucket}, nil
}

// String implements Uploader.
func (u *LocalUploader) String() string { return "file://" + filepath.Join(u.dir, u.bucket) }

// Path returns the local path where key is stored.
func (u *LocalUploader) Path(key string) string {
	return filepath.Join(u.dir, u.bucket, filepath.FromSlash(key))
}

// Upload implements Uploader.
func (u *LocalUploader) Upload(ctx context.Context, key, localPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst := u.Path(key)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory for %q", dst)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q for upload", localPath)
	}
	defer func() { _ = src.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", dst)
	}
	if _, err = io.Copy(out, src); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to copy %q to %q", localPath, dst)
	}
	return errors.Wrapf(out.Close(), "failed to close %q", dst)
}
