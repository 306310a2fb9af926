// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stats

import (
	"math/rand/v2"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/styletransfer/features"
	"github.com/gomlx/styletransfer/features/featurestest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	_ "github.com/gomlx/gomlx/backends/default"
)

// randomFeatures returns a flat [1, height, width, channels] feature map.
func randomFeatures(rng *rand.Rand, height, width, channels int) []float32 {
	flat := make([]float32, height*width*channels)
	for ii := range flat {
		flat[ii] = rng.Float32()*2 - 1
	}
	return flat
}

func TestGramMatrix(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(42, 7))
	const height, width, channels = 5, 3, 4
	flat := randomFeatures(rng, height, width, channels)

	gramT, err := ExecOnce(backend, GramMatrix, tensors.FromFlatDataAndDimensions(flat, 1, height, width, channels))
	require.NoError(t, err)
	require.Equal(t, []int{1, channels, channels}, gramT.Shape().Dimensions)
	got := tensors.MustCopyFlatData[float32](gramT)

	// Reference: G = A^T A / (height*width), with A shaped [positions, channels].
	data := make([]float64, len(flat))
	for ii, v := range flat {
		data[ii] = float64(v)
	}
	a := mat.NewDense(height*width, channels, data)
	var want mat.Dense
	want.Mul(a.T(), a)
	want.Scale(1.0/float64(height*width), &want)

	for c := range channels {
		for d := range channels {
			assert.InDeltaf(t, want.At(c, d), float64(got[c*channels+d]), 1e-5, "gram[%d, %d]", c, d)
			assert.InDeltaf(t, got[d*channels+c], got[c*channels+d], 1e-6, "gram not symmetric at [%d, %d]", c, d)
		}
	}
}

func TestGramMatrixPermutationInvariance(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	rng := rand.New(rand.NewPCG(1, 2))
	const height, width, channels = 4, 4, 3
	flat := randomFeatures(rng, height, width, channels)

	// Shuffle spatial positions, keeping the channels of each position together.
	perm := rng.Perm(height * width)
	shuffled := make([]float32, len(flat))
	for dst, src := range perm {
		copy(shuffled[dst*channels:(dst+1)*channels], flat[src*channels:(src+1)*channels])
	}
	gramExec := MustNewExec(backend, GramMatrix)
	original := gramExec.Call1(tensors.FromFlatDataAndDimensions(flat, 1, height, width, channels))
	permuted := gramExec.Call1(tensors.FromFlatDataAndDimensions(shuffled, 1, height, width, channels))
	assert.True(t, original.InDelta(permuted, 1e-5))

	// Same positions laid out in a different spatial shape give the same Gram matrix.
	reshaped := gramExec.Call1(tensors.FromFlatDataAndDimensions(flat, 1, 2, 8, channels))
	assert.True(t, original.InDelta(reshaped, 1e-5))
}

func TestGramMatrixRank(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	require.Panics(t, func() {
		_ = MustNewExec(backend, GramMatrix).Call1(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2))
	})
}

func TestCompute(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	e, err := features.NewExtractor(featurestest.New(),
		[]string{featurestest.LayerPixels, featurestest.LayerCoarse},
		[]string{featurestest.LayerMix})
	require.NoError(t, err)

	ctx := context.New()
	outputs, err := context.ExecOnceN(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		s := Extract(ctx, e, images)
		assert.Equal(t, e.StyleLayers(), s.StyleLayers)
		assert.Equal(t, e.ContentLayers(), s.ContentLayers)
		return s.Flatten()
	}, tensors.FromFlatDataAndDimensions(randomFeatures(rand.New(rand.NewPCG(3, 4)), 6, 4, 3), 1, 6, 4, 3))
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	assert.Equal(t, []int{1, 3, 3}, outputs[0].Shape().Dimensions)    // Gram of pixels.
	assert.Equal(t, []int{1, 4, 4}, outputs[1].Shape().Dimensions)    // Gram of coarse.
	assert.Equal(t, []int{1, 6, 4, 4}, outputs[2].Shape().Dimensions) // Raw mix activations.
}

func TestUnflatten(t *testing.T) {
	e, err := features.NewExtractor(featurestest.New(),
		[]string{featurestest.LayerPixels, featurestest.LayerCoarse},
		[]string{featurestest.LayerMix})
	require.NoError(t, err)
	g := NewGraph(graphtest.BuildTestBackend(), "unflatten")
	all := []*Node{Const(g, float32(1)), Const(g, float32(2)), Const(g, float32(3))}
	s := Unflatten(e, all)
	assert.Equal(t, all, s.Flatten())
	assert.Equal(t, e.StyleLayers(), s.StyleLayers)
	require.Len(t, s.Content, 1)
	assert.Same(t, all[2], s.Content[0])
	require.Panics(t, func() { Unflatten(e, all[:2]) })
}
