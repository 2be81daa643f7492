// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv(t *testing.T) {
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, BackendS3, cfg.Backend)
	assert.Equal(t, DefaultBucket, cfg.Bucket)
	assert.True(t, cfg.UseSSL)
	assert.Equal(t, int64(16), cfg.PartSizeMB)
	assert.Equal(t, 4, cfg.Concurrency)

	t.Setenv("STORAGE_BACKEND", "local")
	t.Setenv("STORAGE_BUCKET", "other")
	t.Setenv("STORAGE_LOCAL_DIR", "/tmp/uploads")
	t.Setenv("STORAGE_USE_SSL", "false")
	t.Setenv("STORAGE_PREFIX", "runs/")
	cfg, err = ConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, Config{Backend: "local", Bucket: "other", LocalDir: "/tmp/uploads", Prefix: "runs/",
		PartSizeMB: 16, Concurrency: 4}, cfg)

	t.Setenv("STORAGE_CONCURRENCY", "many")
	_, err = ConfigFromEnv()
	require.Error(t, err)
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "experiment_x.zip", ObjectKey("", "/work/experiment_x.zip"))
	assert.Equal(t, "runs/experiment_x.zip", ObjectKey("/runs/", "experiment_x.zip"))
	assert.Equal(t, "a/b/experiment_x.zip", ObjectKey("a/b", "out/experiment_x.zip"))
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	_, err := New(ctx, Config{Backend: "ftp", Bucket: "b"})
	require.Error(t, err)
	_, err = New(ctx, Config{Backend: BackendLocal})
	require.Error(t, err, "missing bucket")
	_, err = New(ctx, Config{Backend: BackendLocal, Bucket: "b"})
	require.Error(t, err, "missing local dir")
	_, err = New(ctx, Config{Backend: BackendMinio, Bucket: "b"})
	require.Error(t, err, "missing endpoint")

	u, err := New(ctx, Config{Backend: "MinIO", Bucket: "b", Endpoint: "localhost:9000"})
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/b", u.String())
}

func writeTempFile(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "experiment_test.zip")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLocalUploader(t *testing.T) {
	src := writeTempFile(t, "archive contents")
	dir := t.TempDir()
	u, err := New(context.Background(), Config{Backend: BackendLocal, Bucket: DefaultBucket, LocalDir: dir})
	require.NoError(t, err)
	key := ObjectKey("runs", src)
	require.NoError(t, u.Upload(context.Background(), key, src))
	got, err := os.ReadFile(filepath.Join(dir, DefaultBucket, "runs", "experiment_test.zip"))
	require.NoError(t, err)
	assert.Equal(t, "archive contents", string(got))

	require.Error(t, u.Upload(context.Background(), key, filepath.Join(dir, "missing.zip")))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.Error(t, u.Upload(ctx, key, src))
}

// objectServer records the PUT requests of an S3 compatible client.
type objectServer struct {
	mu   sync.Mutex
	puts map[string]string
}

func newObjectServer(t *testing.T) (*objectServer, *httptest.Server) {
	s := &objectServer{puts: make(map[string]string)}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.puts[r.URL.Path] = string(body)
		s.mu.Unlock()
		w.Header().Set("ETag", `"0123456789abcdef0123456789abcdef"`)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	return s, server
}

func TestS3UploaderAgainstServer(t *testing.T) {
	objects, server := newObjectServer(t)
	src := writeTempFile(t, "s3 archive contents")
	u, err := New(context.Background(), Config{
		Backend:   BackendS3,
		Bucket:    DefaultBucket,
		Endpoint:  server.URL,
		Region:    "us-east-1",
		AccessKey: "key",
		SecretKey: "secret",
	})
	require.NoError(t, err)
	require.NoError(t, u.Upload(context.Background(), "runs/experiment_test.zip", src))
	objects.mu.Lock()
	defer objects.mu.Unlock()
	body, found := objects.puts["/"+DefaultBucket+"/runs/experiment_test.zip"]
	require.True(t, found, "puts: %v", objects.puts)
	assert.Contains(t, body, "s3 archive contents")
}

func TestMinioUploaderAgainstServer(t *testing.T) {
	objects, server := newObjectServer(t)
	src := writeTempFile(t, "minio archive contents")
	u, err := New(context.Background(), Config{
		Backend:   BackendMinio,
		Bucket:    DefaultBucket,
		Endpoint:  strings.TrimPrefix(server.URL, "http://"),
		Region:    "us-east-1",
		AccessKey: "key",
		SecretKey: "secret",
	})
	require.NoError(t, err)
	require.NoError(t, u.Upload(context.Background(), "experiment_test.zip", src))
	objects.mu.Lock()
	defer objects.mu.Unlock()
	body, found := objects.puts["/"+DefaultBucket+"/experiment_test.zip"]
	require.True(t, found, "puts: %v", objects.puts)
	assert.Contains(t, body, "minio archive contents")
}
