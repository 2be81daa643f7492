// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package artifacts packs the outputs of an experiment (checkpoints, logs) into a single zip archive.
package artifacts

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ArchivePrefix and ArchiveExt make the archive file name: ArchivePrefix + id + ArchiveExt.
const (
	ArchivePrefix = "experiment_"
	ArchiveExt    = ".zip"
)

// timestampLayout is used in the generated ids. It sorts chronologically and is safe in file names.
const timestampLayout = "20060102T150405Z"

// NewID returns a unique id for the experiment: experimentID, the UTC time and a short random suffix.
func NewID(experimentID string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	parts := make([]string, 0, 3)
	if experimentID != "" {
		parts = append(parts, experimentID)
	}
	parts = append(parts, now.UTC().Format(timestampLayout), suffix)
	return strings.Join(parts, "_")
}

// ArchiveName returns the file name of the archive for the given id.
func ArchiveName(id string) string {
	return ArchivePrefix + id + ArchiveExt
}

// ZipFiles creates the archive experiment_<id>.zip in outDir, with every regular file under each of dirs.
// Entries are named with slash separated paths relative to the parent of their dir, so the archive
// of "work/models" and "work/logs" has entries "models/..." and "logs/...".
//
// Directories that don't exist are skipped with a warning. It is an error if no file at all was archived,
// in which case no archive is left behind.
//
// It returns the generated id (see NewID) and the path to the archive.
func ZipFiles(dirs []string, experimentID, outDir string) (id, archivePath string, err error) {
	id = NewID(experimentID, time.Now())
	archivePath = filepath.Join(outDir, ArchiveName(id))
	if err = os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", errors.Wrapf(err, "failed to create output directory %q", outDir)
	}
	f, err := os.Create(archivePath)
	if err != nil {
		return "", "", errors.Wrapf(err, "failed to create archive %q", archivePath)
	}
	numFiles, err := writeArchive(f, dirs)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close archive %q", archivePath)
	}
	if err == nil && numFiles == 0 {
		err = errors.Errorf("no files found to archive in %q", dirs)
	}
	if err != nil {
		_ = os.Remove(archivePath)
		return "", "", err
	}
	if fi, statErr := os.Stat(archivePath); statErr == nil {
		klog.Infof("Archived %d files into %q (%s)", numFiles, archivePath, humanize.Bytes(uint64(fi.Size())))
	}
	return id, archivePath, nil
}

func writeArchive(w io.Writer, dirs []string) (numFiles int, err error) {
	zw := zip.NewWriter(w)
	for _, dir := range dirs {
		fi, err := os.Stat(dir)
		if errors.Is(err, fs.ErrNotExist) {
			klog.Warningf("Directory %q not found, not included in the archive", dir)
			continue
		}
		if err != nil {
			return numFiles, errors.Wrapf(err, "failed to stat %q", dir)
		}
		if !fi.IsDir() {
			return numFiles, errors.Errorf("%q is not a directory", dir)
		}
		n, err := addDir(zw, filepath.Clean(dir))
		numFiles += n
		if err != nil {
			return numFiles, err
		}
	}
	if err = zw.Close(); err != nil {
		return numFiles, errors.Wrap(err, "failed to finalize zip archive")
	}
	return numFiles, nil
}

// addDir adds all regular files under dir, named relative to the parent of dir.
func addDir(zw *zip.Writer, dir string) (numFiles int, err error) {
	base := filepath.Dir(dir)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		if err = addFile(zw, path, filepath.ToSlash(rel)); err != nil {
			return err
		}
		numFiles++
		return nil
	})
	if err != nil {
		return numFiles, errors.Wrapf(err, "failed to archive %q", dir)
	}
	return numFiles, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	header, err := zip.FileInfoHeader(fi)
	if err != nil {
		return err
	}
	header.Name = name
	header.Method = zip.Deflate
	entry, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(entry, f)
	return err
}

// List returns the names of the entries of the archive at path.
func List(path string) ([]string, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open archive %q", path)
	}
	defer func() { _ = r.Close() }()
	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	return names, nil
}
