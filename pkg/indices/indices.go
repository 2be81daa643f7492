// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package indices reads the CUB-200-2011 manifests (images.txt and train_test_split.txt)
// and builds the train/validation/holdout index sets used by an experiment.
//
// Positions in the index sets refer to the order of the records in images.txt.
// The sets can be persisted to a NumPy .npz archive with the arrays "train", "val" and "holdout",
// so they can be read back by later runs, or by Python tools.
package indices

import (
	"bufio"
	"io"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ImagesManifest is the default name of the file listing "<index> <relative_path>".
	ImagesManifest = "images.txt"

	// SplitManifest is the default name of the file listing "<index> <is_training_image>".
	SplitManifest = "train_test_split.txt"

	// DefaultImagesRoot is the prefix prepended to the relative paths of ImagesManifest.
	DefaultImagesRoot = "CUB_200_2011/images"

	// TrainFlag marks an image as part of the training partition in SplitManifest.
	TrainFlag = "1"
)

// Record is one image of the dataset, as listed in the manifests.
type Record struct {
	// Index is the identifier used in the manifests, kept as a string.
	Index string

	// Path is the images root joined with the relative path from the images manifest.
	Path string

	// Train is true if the split manifest flags the image as a training image.
	Train bool
}

// manifestLine is one parsed "<key> <value>" line.
type manifestLine struct {
	lineNum    int
	key, value string
}

// scanManifest reads "<key> <value>" lines from r. Blank lines are ignored, anything else
// that doesn't have exactly two whitespace separated fields is an error.
func scanManifest(r io.Reader, name string) ([]manifestLine, error) {
	var lines []manifestLine
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, errors.Errorf("%s:%d: expected 2 fields (\"<index> <value>\"), got %d in line %q",
				name, lineNum, len(fields), line)
		}
		lines = append(lines, manifestLine{lineNum: lineNum, key: fields[0], value: fields[1]})
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "while reading %s", name)
	}
	return lines, nil
}

// ParseImages parses the images manifest: lines of "<index> <relative_path>".
// The records are returned in the manifest order, with Path set to root joined with the relative path.
// Train is left as false, see ParseSplit and ReadManifests.
func ParseImages(r io.Reader, root string) ([]Record, error) {
	lines, err := scanManifest(r, ImagesManifest)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(lines))
	seen := make(map[string]int, len(lines))
	for _, l := range lines {
		if prevLine, found := seen[l.key]; found {
			return nil, errors.Errorf("%s:%d: duplicate image index %q (first seen in line %d)",
				ImagesManifest, l.lineNum, l.key, prevLine)
		}
		seen[l.key] = l.lineNum
		records = append(records, Record{Index: l.key, Path: path.Join(root, l.value)})
	}
	return records, nil
}

// ParseSplit parses the split manifest: lines of "<index> <flag>".
// It returns whether each index is a training image: only the flag "1" means training.
func ParseSplit(r io.Reader) (map[string]bool, error) {
	lines, err := scanManifest(r, SplitManifest)
	if err != nil {
		return nil, err
	}
	split := make(map[string]bool, len(lines))
	for _, l := range lines {
		if _, found := split[l.key]; found {
			return nil, errors.Errorf("%s:%d: duplicate image index %q", SplitManifest, l.lineNum, l.key)
		}
		split[l.key] = l.value == TrainFlag
	}
	return split, nil
}

// Join sets the Train field of the records from the split map.
// Every record must have an entry in split.
func Join(records []Record, split map[string]bool) ([]Record, error) {
	joined := make([]Record, len(records))
	for ii, rec := range records {
		isTrain, found := split[rec.Index]
		if !found {
			return nil, errors.Errorf("image index %q (%s) has no entry in %s", rec.Index, rec.Path, SplitManifest)
		}
		rec.Train = isTrain
		joined[ii] = rec
	}
	if len(split) != len(records) {
		klog.Warningf("%s has %d entries, but %s lists %d images: extra entries ignored",
			SplitManifest, len(split), ImagesManifest, len(records))
	}
	return joined, nil
}

// ReadManifests reads and joins the images and the split manifests.
// root is prepended to the image paths, usually DefaultImagesRoot.
func ReadManifests(imagesPath, splitPath, root string) ([]Record, error) {
	f, err := os.Open(imagesPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open images manifest")
	}
	records, err := ParseImages(f, root)
	_ = f.Close()
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing %q", imagesPath)
	}

	f, err = os.Open(splitPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open split manifest")
	}
	split, err := ParseSplit(f)
	_ = f.Close()
	if err != nil {
		return nil, errors.WithMessagef(err, "parsing %q", splitPath)
	}
	return Join(records, split)
}

// Paths returns the image paths of the records, in order.
func Paths(records []Record) []string {
	paths := make([]string, len(records))
	for ii, rec := range records {
		paths[ii] = rec.Path
	}
	return paths
}
