// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package indices

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/numpy"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testImages = `1 001.Black_footed_Albatross/Black_Footed_Albatross_0046_18.jpg
2 001.Black_footed_Albatross/Black_Footed_Albatross_0009_34.jpg
3 002.Laysan_Albatross/Laysan_Albatross_0002_1027.jpg
`
	testSplit = "1 1\n2 0\n3 1\n"
)

func writeManifests(t *testing.T, images, split string) (imagesPath, splitPath string) {
	dir := t.TempDir()
	imagesPath = filepath.Join(dir, ImagesManifest)
	splitPath = filepath.Join(dir, SplitManifest)
	require.NoError(t, os.WriteFile(imagesPath, []byte(images), 0o644))
	require.NoError(t, os.WriteFile(splitPath, []byte(split), 0o644))
	return
}

func TestReadManifests(t *testing.T) {
	imagesPath, splitPath := writeManifests(t, testImages, testSplit)
	records, err := ReadManifests(imagesPath, splitPath, DefaultImagesRoot)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "CUB_200_2011/images/001.Black_footed_Albatross/Black_Footed_Albatross_0046_18.jpg", records[0].Path)
	assert.Equal(t, []bool{true, false, true}, []bool{records[0].Train, records[1].Train, records[2].Train})

	// Flags 1,0,1 -> train=[0,2], val=[1], holdout=[].
	set := Build(records)
	assert.Equal(t, []int{0, 2}, set.Train)
	assert.Equal(t, []int{1}, set.Val)
	assert.Empty(t, set.Holdout)
	require.NoError(t, set.Validate(len(records)))
	assert.Len(t, Paths(records), 3)
}

func TestParseErrors(t *testing.T) {
	t.Run("malformed", func(t *testing.T) {
		_, err := ParseImages(strings.NewReader("1 a.jpg\n2\n"), "")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "images.txt:2")
	})
	t.Run("too many fields", func(t *testing.T) {
		_, err := ParseSplit(strings.NewReader("1 1 extra\n"))
		require.Error(t, err)
	})
	t.Run("duplicate", func(t *testing.T) {
		_, err := ParseImages(strings.NewReader("1 a.jpg\n1 b.jpg\n"), "")
		require.ErrorContains(t, err, "duplicate")
	})
	t.Run("missing split", func(t *testing.T) {
		records, err := ParseImages(strings.NewReader("1 a.jpg\n2 b.jpg\n"), "")
		require.NoError(t, err)
		split, err := ParseSplit(strings.NewReader("1 1\n"))
		require.NoError(t, err)
		_, err = Join(records, split)
		require.ErrorContains(t, err, "no entry")
	})
	t.Run("blank lines and CRLF", func(t *testing.T) {
		records, err := ParseImages(strings.NewReader("1 a.jpg\r\n\r\n2 b.jpg\r\n"), "root")
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "root/b.jpg", records[1].Path)
	})
}

func TestPartition(t *testing.T) {
	var sb, sp strings.Builder
	n := 57
	for ii := range n {
		sb.WriteString(strings.Join([]string{strconv.Itoa(ii + 1), "x/" + strconv.Itoa(ii) + ".jpg"}, " ") + "\n")
		flag := "0"
		if ii%3 != 0 {
			flag = "1"
		}
		sp.WriteString(strconv.Itoa(ii+1) + " " + flag + "\n")
	}
	records, err := ParseImages(strings.NewReader(sb.String()), DefaultImagesRoot)
	require.NoError(t, err)
	split, err := ParseSplit(strings.NewReader(sp.String()))
	require.NoError(t, err)
	records, err = Join(records, split)
	require.NoError(t, err)
	set := Build(records)
	require.NoError(t, set.Validate(n))
	assert.Equal(t, n, set.Len())

	// Broken partitions.
	require.Error(t, Set{Train: []int{0, 1}, Val: []int{1}}.Validate(2))
	require.Error(t, Set{Train: []int{0}, Val: []int{2}}.Validate(2))
	require.Error(t, Set{Train: []int{0}}.Validate(2))
}

func TestSaveLoad(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "CUB_indices.npz")
	want := Set{Train: []int{5, 0, 2}, Val: []int{1, 4, 3}, Holdout: []int{}}
	require.NoError(t, Save(filePath, want))
	got, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, want.Train, got.Train)
	assert.Equal(t, want.Val, got.Val)
	assert.NotNil(t, got.Holdout)
	assert.Empty(t, got.Holdout)

	_, err = Load(filepath.Join(t.TempDir(), "missing.npz"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSaveLoadFromManifests(t *testing.T) {
	imagesPath, splitPath := writeManifests(t, testImages, testSplit)
	records, err := ReadManifests(imagesPath, splitPath, DefaultImagesRoot)
	require.NoError(t, err)
	set := Build(records)

	filePath := filepath.Join(t.TempDir(), "CUB_indices.npz")
	require.NoError(t, Save(filePath, set))
	got, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, got.Train)
	assert.Equal(t, []int{1}, got.Val)
	assert.Empty(t, got.Holdout)
	require.NoError(t, got.Validate(len(records)))
}

func TestSaveLoadEmptyPartitions(t *testing.T) {
	for _, set := range []Set{
		{Train: []int{}, Val: []int{0, 1}, Holdout: []int{}},
		{Train: []int{1, 0}, Val: []int{}, Holdout: []int{}},
		{Train: []int{}, Val: []int{}, Holdout: []int{}},
	} {
		filePath := filepath.Join(t.TempDir(), "indices.npz")
		require.NoError(t, Save(filePath, set))
		got, err := Load(filePath)
		require.NoError(t, err)
		assert.Equal(t, set, got)
	}
}

func TestEmptyNpyHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeNpyInts(&buf, nil))
	data := buf.Bytes()
	assert.Zero(t, len(data)%16, "header must be padded to 16 bytes")
	assert.Equal(t, byte('\n'), data[len(data)-1])
	assert.Contains(t, string(data), "'descr': '<i8'")
	shape, err := npyShape(data)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, shape)

	_, err = npyShape([]byte("not a npy"))
	require.Error(t, err)
}

func TestLoadNumpyDTypes(t *testing.T) {
	dir := t.TempDir()

	// Integral float64 and int32 arrays, as written by numpy.savez from Python lists.
	filePath := filepath.Join(dir, "float.npz")
	require.NoError(t, numpy.ToNpzFile(map[string]*tensors.Tensor{
		TrainKey:   tensors.FromValue([]float64{0, 2}),
		ValKey:     tensors.FromValue([]int32{1}),
		HoldoutKey: tensors.FromValue([]int64{3}),
	}, filePath))
	got, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, Set{Train: []int{0, 2}, Val: []int{1}, Holdout: []int{3}}, got)

	// Non-integer values are rejected rather than truncated.
	for _, bad := range []float64{1.5, math.NaN(), math.Inf(1)} {
		filePath = filepath.Join(dir, "bad.npz")
		require.NoError(t, numpy.ToNpzFile(map[string]*tensors.Tensor{
			TrainKey:   tensors.FromValue([]float64{0, bad}),
			ValKey:     tensors.FromValue([]int64{1}),
			HoldoutKey: tensors.FromValue([]int64{3}),
		}, filePath))
		_, err = Load(filePath)
		require.ErrorContains(t, err, "non-integer", "value %g", bad)
	}

	// Missing array.
	filePath = filepath.Join(dir, "partial.npz")
	require.NoError(t, numpy.ToNpzFile(map[string]*tensors.Tensor{
		TrainKey: tensors.FromValue([]int64{0}),
	}, filePath))
	_, err = Load(filePath)
	require.ErrorContains(t, err, "no \"val\" array")
}
