// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package featurestest provides a small deterministic features.Network for tests.
//
// It has no pretrained weights to download, and builds instantly for small images.
package featurestest

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// Layer names of the Network.
const (
	// LayerPixels is the preprocessed image itself, shaped `[batch, height, width, 3]`.
	LayerPixels = "pixels"

	// LayerMix is a per-pixel linear mix of the colors into 4 channels followed by tanh.
	LayerMix = "mix"

	// LayerCoarse is the square of LayerMix, sub-sampled with a stride of 2 in both spatial axes.
	LayerCoarse = "coarse"
)

// MixKernel is the initial value of the "mix" kernel variable, shaped `[3, 4]`.
var MixKernel = [][]float32{
	{0.5, -0.25, 0.1, 0.8},
	{-0.3, 0.6, 0.2, -0.1},
	{0.4, 0.1, -0.7, 0.3},
}

// Network implements features.Network.
type Network struct{}

// New returns the test network.
func New() *Network { return &Network{} }

// Name implements features.Network.
func (n *Network) Name() string { return "featurestest" }

// LayerNames implements features.Network.
func (n *Network) LayerNames() []string { return []string{LayerPixels, LayerMix, LayerCoarse} }

// Preprocess maps [0, 255] back to [0, 1].
func (n *Network) Preprocess(images *Node) *Node {
	return DivScalar(images, 255.0)
}

// Build implements features.Network.
func (n *Network) Build(ctx *context.Context, images *Node, layers []string) []*Node {
	taps := map[string]*Node{LayerPixels: images}
	if slices.Contains(layers, LayerMix) || slices.Contains(layers, LayerCoarse) {
		kernel := ctx.In("mix").VariableWithValue("kernel", MixKernel).ValueGraph(images.Graph())
		mix := Tanh(Einsum("bhwc,cd->bhwd", images, kernel))
		taps[LayerMix] = mix
		taps[LayerCoarse] = Square(Slice(mix, AxisRange(), AxisRange().Stride(2), AxisRange().Stride(2), AxisRange()))
	}
	outputs := make([]*Node, len(layers))
	for ii, name := range layers {
		tap, found := taps[name]
		if !found {
			exceptions.Panicf("featurestest: unknown layer %q", name)
		}
		outputs[ii] = tap
	}
	return outputs
}
