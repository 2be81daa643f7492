// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imagedata

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestImages writes numImages PNG files, with class ii%numClasses, of size 12x8,
// the first one grayscale and the second one with transparency.
func writeTestImages(t *testing.T, numImages, numClasses int) (paths []string, labels []int) {
	dir := t.TempDir()
	for ii := range numImages {
		label := ii % numClasses
		classDir := filepath.Join(dir, fmt.Sprintf("%03d.class", label))
		require.NoError(t, os.MkdirAll(classDir, 0o755))
		var img image.Image
		switch ii {
		case 0:
			gray := image.NewGray(image.Rect(0, 0, 12, 8))
			for p := range gray.Pix {
				gray.Pix[p] = 128
			}
			img = gray
		default:
			rgba := image.NewNRGBA(image.Rect(0, 0, 12, 8))
			for y := range 8 {
				for x := range 12 {
					rgba.SetNRGBA(x, y, color.NRGBA{R: uint8(ii), G: uint8(x * 10), B: uint8(y * 10), A: 100})
				}
			}
			img = rgba
		}
		p := filepath.Join(classDir, fmt.Sprintf("img_%d.png", ii))
		f, err := os.Create(p)
		require.NoError(t, err)
		require.NoError(t, png.Encode(f, img))
		require.NoError(t, f.Close())
		paths = append(paths, p)
		labels = append(labels, label)
	}
	return
}

func TestDataset(t *testing.T) {
	paths, labels := writeTestImages(t, 6, 3)
	ds, err := New(paths, labels, nil)
	require.NoError(t, err)
	require.Equal(t, 6, ds.Len())

	// Defensive copy: changing the inputs doesn't change the dataset.
	labels[1] = 99
	paths[1] = "/does/not/exist.png"
	img, label, err := ds.Get(1)
	require.NoError(t, err)
	assert.Equal(t, 1, label)
	assert.Equal(t, image.Pt(12, 8), img.Bounds().Size())

	// Converted to opaque RGB.
	nrgba, ok := img.(*image.NRGBA)
	require.True(t, ok)
	assert.Equal(t, uint8(0xFF), nrgba.NRGBAAt(3, 3).A)
	assert.Equal(t, uint8(30), nrgba.NRGBAAt(3, 3).G)

	// Grayscale is expanded to 3 equal channels.
	img, _, err = ds.Get(0)
	require.NoError(t, err)
	c := img.(*image.NRGBA).NRGBAAt(0, 0)
	assert.Equal(t, color.NRGBA{R: 128, G: 128, B: 128, A: 255}, c)

	// Errors.
	_, _, err = ds.Get(6)
	require.Error(t, err)
	bad, err := New([]string{filepath.Join(t.TempDir(), "missing.jpg")}, []int{0}, nil)
	require.NoError(t, err)
	_, _, err = bad.Get(0)
	require.Error(t, err)
	_, err = New(paths, labels[:2], nil)
	require.Error(t, err)
}

func TestDatasetConcurrentGet(t *testing.T) {
	paths, labels := writeTestImages(t, 8, 2)
	ds, err := New(paths, labels, Compose(Resize(4, 4), RandomFlipH(NewRand(1))))
	require.NoError(t, err)
	var wg sync.WaitGroup
	errs := make([]error, 32)
	for ii := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img, label, err := ds.Get(ii % ds.Len())
			if err == nil && (label != ds.Label(ii%ds.Len()) || img.Bounds().Dx() != 4) {
				err = fmt.Errorf("unexpected result for %d", ii)
			}
			errs[ii] = err
		}()
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestTransforms(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 40, 20))
	rng := NewRand(7)
	for _, tc := range []struct {
		name string
		fn   Transform
		want image.Point
	}{
		{"resize", Resize(10, 10), image.Pt(10, 10)},
		{"shorter", ResizeShorter(10), image.Pt(20, 10)},
		{"center", CenterCrop(16, 16), image.Pt(16, 16)},
		{"center-pad", CenterCrop(50, 30), image.Pt(50, 30)},
		{"random-resized-crop", RandomResizedCrop(8, 0.3, rng), image.Pt(8, 8)},
		{"train", TrainTransform(16, rng), image.Pt(16, 16)},
		{"eval", EvalTransform(14), image.Pt(14, 14)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.fn(src).Bounds().Size())
		})
	}
}

func TestSamplerMPerClass(t *testing.T) {
	paths, labels := writeTestImages(t, 12, 3)
	ds, err := New(paths, labels, Resize(6, 6))
	require.NoError(t, err)
	indices := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}

	_, err = NewSampler(ds, indices, SamplerConfig{Name: "bad", BatchSize: 5, M: 2})
	require.Error(t, err, "batch size not divisible by M")
	_, err = NewSampler(ds, indices, SamplerConfig{Name: "bad", BatchSize: 8, M: 2})
	require.Error(t, err, "needs 4 classes but only 3")

	s, err := NewSampler(ds, indices, SamplerConfig{
		Name: "train", BatchSize: 4, M: 2, MaxBatches: 5, NumWorkers: 3, Seed: 42,
		ClassWeights: []float32{1, 2, 3},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, s.NumBatches())
	for epoch := range 2 {
		count := 0
		for {
			spec, inputs, batchLabels, err := s.Yield()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			require.Nil(t, spec)
			require.Len(t, inputs, 2)
			require.NoError(t, inputs[0].Shape().CheckDims(4, 6, 6, 3))
			require.NoError(t, inputs[1].Shape().CheckDims(4))
			require.Len(t, batchLabels, 2)
			require.NoError(t, batchLabels[0].Shape().CheckDims(4, 1))
			require.NoError(t, batchLabels[1].Shape().CheckDims(4))

			flatLabels := tensors.MustCopyFlatData[int32](batchLabels[0])
			positions := tensors.MustCopyFlatData[int32](inputs[1])
			weights := tensors.MustCopyFlatData[float32](batchLabels[1])
			perClass := make(map[int32]int)
			for ii, l := range flatLabels {
				perClass[l]++
				assert.Equal(t, int32(labels[positions[ii]]), l)
				assert.Equal(t, float32(l+1), weights[ii])
			}
			assert.Len(t, perClass, 2, "2 classes per batch")
			for _, n := range perClass {
				assert.Equal(t, 2, n, "M=2 examples per class")
			}
			count++
		}
		assert.Equal(t, 5, count, "epoch %d", epoch)
		s.Reset()
	}
}

func TestSamplerSequential(t *testing.T) {
	paths, labels := writeTestImages(t, 7, 2)
	ds, err := New(paths, labels, Resize(5, 5))
	require.NoError(t, err)
	s, err := NewSampler(ds, []int{6, 5, 4, 3, 2}, SamplerConfig{Name: "eval", BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, s.NumBatches())
	var seen []int32
	for {
		_, inputs, _, err := s.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen = append(seen, tensors.MustCopyFlatData[int32](inputs[1])...)
	}
	assert.Equal(t, []int32{6, 5, 4, 3, 2}, seen, "last partial batch kept, order preserved")
}

func TestSplitTrainVal(t *testing.T) {
	labels := make([]int, 40)
	indices := make([]int, 40)
	for ii := range labels {
		labels[ii] = ii % 4
		indices[ii] = ii
	}
	train, val, err := SplitTrainVal(indices, labels, 0.9, 3)
	require.NoError(t, err)
	assert.Len(t, train, 36)
	assert.Len(t, val, 4)
	perClass := make(map[int]int)
	for _, idx := range val {
		perClass[labels[idx]]++
	}
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1, 3: 1}, perClass)

	train2, val2, err := SplitTrainVal(indices, labels, 0.9, 3)
	require.NoError(t, err)
	assert.Equal(t, train, train2)
	assert.Equal(t, val, val2)

	_, _, err = SplitTrainVal(indices, labels, 0, 3)
	require.Error(t, err)
}
