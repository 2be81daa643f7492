// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package labels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategory(t *testing.T) {
	const root = "CUB_200_2011/images"
	got, err := Category(root, "CUB_200_2011/images/001.Black_footed_Albatross/Black_Footed_Albatross_0046_18.jpg")
	require.NoError(t, err)
	assert.Equal(t, "001.Black_footed_Albatross", got)

	// Class names that start with letters of the root must be kept intact.
	got, err = Category(root, "CUB_200_2011/images/Cardinal/x.jpg")
	require.NoError(t, err)
	assert.Equal(t, "Cardinal", got)

	_, err = Category(root, "other/001.x/y.jpg")
	require.Error(t, err)
	_, err = Category(root, "CUB_200_2011/images/")
	require.Error(t, err)

	cats, err := Categories("", []string{"cat/1.jpg", "dog/2.jpg"})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, cats)
}

func TestEncoder(t *testing.T) {
	enc, ids := FitTransform([]string{"cat", "dog", "cat"})
	assert.Equal(t, []int{0, 1, 0}, ids)
	assert.Equal(t, 2, enc.NumClasses())
	assert.Equal(t, []string{"cat", "dog"}, enc.Classes())

	// Deterministic, independent of the input order.
	enc2 := Fit([]string{"dog", "cat", "dog"})
	ids2, err := enc2.Transform([]string{"cat", "dog", "cat"})
	require.NoError(t, err)
	assert.Equal(t, ids, ids2)

	names, err := enc.InverseTransform([]int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []string{"dog", "cat"}, names)

	_, err = enc.Transform([]string{"bird"})
	require.Error(t, err)
	_, err = enc.InverseTransform([]int{2})
	require.Error(t, err)

	id, found := enc.ClassID("dog")
	assert.True(t, found)
	assert.Equal(t, 1, id)
}

func TestInverseFrequencyWeights(t *testing.T) {
	ids := []int{0, 0, 0, 1}
	assert.Equal(t, []int{3, 1, 0}, Counts(ids, 3))
	weights := InverseFrequencyWeights(ids, 3)
	// Weighted mean over examples is 1: (3*w0 + w1)/4 == 1.
	assert.InDelta(t, 1.0, (3*weights[0]+weights[1])/4, 1e-6)
	assert.Greater(t, weights[1], weights[0])
	assert.Zero(t, weights[2])
}
