// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package artifacts

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, contents string) {
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
}

func TestNewID(t *testing.T) {
	now := time.Date(2024, 5, 17, 13, 4, 5, 0, time.UTC)
	id := NewID("cub200_noweights", now)
	assert.True(t, strings.HasPrefix(id, "cub200_noweights_20240517T130405Z_"), id)
	assert.Len(t, id, len("cub200_noweights_20240517T130405Z_")+8)
	assert.NotEqual(t, id, NewID("cub200_noweights", now))

	id = NewID("", now)
	assert.True(t, strings.HasPrefix(id, "20240517T130405Z_"), id)
	assert.Equal(t, "experiment_abc.zip", ArchiveName("abc"))
}

func TestZipFiles(t *testing.T) {
	work := t.TempDir()
	writeFile(t, filepath.Join(work, "models", "checkpoint-n0000001.json"), `{"step": 1}`)
	writeFile(t, filepath.Join(work, "models", "checkpoint-n0000001.bin"), "weights")
	writeFile(t, filepath.Join(work, "logs", "train.log"), "epoch=0\n")
	writeFile(t, filepath.Join(work, "logs", "sub", "train.log"), "epoch=0\n")
	outDir := filepath.Join(t.TempDir(), "out")

	id, archivePath, err := ZipFiles(
		[]string{filepath.Join(work, "models"), filepath.Join(work, "logs"), filepath.Join(work, "missing")},
		"cub200_noweights", outDir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "cub200_noweights_"))
	assert.Equal(t, filepath.Join(outDir, "experiment_"+id+".zip"), archivePath)

	names, err := List(archivePath)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"models/checkpoint-n0000001.json",
		"models/checkpoint-n0000001.bin",
		"logs/train.log",
		"logs/sub/train.log",
	}, names)

	r, err := zip.OpenReader(archivePath)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()
	for _, f := range r.File {
		if f.Name != "logs/sub/train.log" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		contents, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, "epoch=0\n", string(contents))
	}
}

func TestZipFilesEmpty(t *testing.T) {
	work := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(work, "logs"), 0o755))
	outDir := t.TempDir()
	_, _, err := ZipFiles([]string{filepath.Join(work, "logs"), filepath.Join(work, "models")}, "x", outDir)
	require.Error(t, err)
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no archive should be left behind")

	writeFile(t, filepath.Join(work, "not_a_dir"), "x")
	_, _, err = ZipFiles([]string{filepath.Join(work, "not_a_dir")}, "x", outDir)
	require.Error(t, err)
}
