// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package inception implements a features.Network with the InceptionV3 model pretrained on ImageNet,
// using the weights published with Keras.
//
// The layers that can be tapped are the outputs of each of the 94 convolution blocks (convolution,
// batch normalization and ReLU), named "conv_000" to "conv_093", and the outputs of the 11 "mixed"
// (inception) blocks, named "mixed0" to "mixed10", as in Keras.
//
// Batch normalization uses the stored moving averages with the direct (differentiable) formula, so
// gradients can flow back to the input image.
//
// Before building the graph, the weights must be downloaded with DownloadWeights.
package inception

import (
	"fmt"
	"os"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/batchnorm"
	"github.com/pkg/errors"
)

const (
	// NumConvBlocks is the number of convolution blocks in InceptionV3.
	NumConvBlocks = 94

	// NumMixedBlocks is the number of inception ("mixed") blocks.
	NumMixedBlocks = 11

	// MinImageSize is the smallest height or width accepted.
	MinImageSize = 75

	// BatchNormEpsilon used by Keras InceptionV3.
	BatchNormEpsilon = 1e-3
)

var (
	// DefaultStyleLayers are shallow layers, capturing textures at different scales.
	DefaultStyleLayers = []string{"conv_000", "conv_002", "conv_004", "mixed0", "mixed3"}

	// DefaultContentLayers is a deeper layer, capturing the structure of the image.
	DefaultContentLayers = []string{"mixed5"}
)

// ConvLayerName returns the name of the tap at the output of the convolution block idx (0-based).
func ConvLayerName(idx int) string { return fmt.Sprintf("conv_%03d", idx) }

// MixedLayerName returns the name of the tap at the output of the mixed block idx (0-based).
func MixedLayerName(idx int) string { return fmt.Sprintf("mixed%d", idx) }

// Network implements features.Network for InceptionV3.
type Network struct {
	dataDir string
}

// New returns an InceptionV3 network whose weights are read from dataDir.
// See DownloadWeights.
func New(dataDir string) *Network {
	return &Network{dataDir: dataDir}
}

// Name implements features.Network.
func (n *Network) Name() string { return "InceptionV3" }

// LayerNames implements features.Network. It lists the taps in the order they are built.
func (n *Network) LayerNames() []string {
	names := make([]string, 0, NumConvBlocks+NumMixedBlocks)
	for _, stage := range stages {
		for ii := range stage.numConvs {
			names = append(names, ConvLayerName(stage.firstConv+ii))
		}
		if stage.mixed >= 0 {
			names = append(names, MixedLayerName(stage.mixed))
		}
	}
	return names
}

// Preprocess maps values from [0, 255] to [-1, 1], the input convention of the Keras model.
func (n *Network) Preprocess(images *Node) *Node {
	return AddScalar(DivScalar(images, 127.5), -1.0)
}

// Build implements features.Network. Only the stages up to the deepest requested layer are built.
func (n *Network) Build(ctx *context.Context, x *Node, layerNames []string) []*Node {
	spatial := x.Shape().Dimensions[1:3]
	if spatial[0] < MinImageSize || spatial[1] < MinImageSize {
		exceptions.Panicf("InceptionV3 requires images of at least %dx%d, got shape %s", MinImageSize, MinImageSize, x.Shape())
	}
	b := &builder{
		ctx:     ctx,
		dataDir: n.dataDir,
		wanted:  make(map[string]bool, len(layerNames)),
		taps:    make(map[string]*Node, len(layerNames)),
	}
	for _, name := range layerNames {
		b.wanted[name] = true
	}
	for _, stage := range stages {
		if len(b.taps) == len(b.wanted) {
			break
		}
		x = stage.build(b, x)
		if stage.mixed >= 0 {
			b.tap(MixedLayerName(stage.mixed), x)
		}
	}
	outputs := make([]*Node, len(layerNames))
	for ii, name := range layerNames {
		tap, found := b.taps[name]
		if !found {
			exceptions.Panicf("InceptionV3 has no layer named %q", name)
		}
		outputs[ii] = tap
	}
	return outputs
}

// builder holds the state while building the network graph.
type builder struct {
	ctx     *context.Context
	dataDir string

	// convIdx is the index of the next convolution block: it follows the creation order used by Keras,
	// which is also the naming order of the weights.
	convIdx int

	wanted map[string]bool
	taps   map[string]*Node
}

func (b *builder) tap(name string, x *Node) {
	if b.wanted[name] {
		b.taps[name] = x
	}
}

// loadVariable creates the variable name in ctx with the pretrained tensor h5Name, if it doesn't exist yet.
func (b *builder) loadVariable(ctx *context.Context, h5Name, name string) {
	if ctx.GetVariableByScopeAndName(ctx.Scope(), name) != nil {
		return
	}
	tensorPath := PathToTensor(b.dataDir, h5Name)
	value, err := tensors.Load(tensorPath)
	if err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			err = errors.WithMessagef(err, "InceptionV3 weights not found in %q, were they downloaded", b.dataDir)
		}
		panic(errors.WithMessagef(err, "failed to load InceptionV3 weights %q", h5Name))
	}
	ctx.VariableWithValue(name, value).SetTrainable(false)
}

// conv2DWithBatchNorm builds the next convolution block: a convolution without bias, followed by batch
// normalization (without scale) and a ReLU. Weights are read from the pretrained model.
//
// strides is 1 if not given; padding selects between "same" and "valid" padding.
func (b *builder) conv2DWithBatchNorm(x *Node, filters, kernelHeight, kernelWidth int, padding bool, strides ...int) *Node {
	idx := b.convIdx
	b.convIdx++
	ctx := b.ctx.In(ConvLayerName(idx))

	// Keras weights are numbered from 1.
	kerasIdx := idx + 1
	convCtx := ctx.In("conv")
	b.loadVariable(convCtx, fmt.Sprintf("conv2d_%d/conv2d_%d/kernel:0", kerasIdx, kerasIdx), "weights")
	conv := layers.Convolution(convCtx, x).CurrentScope().
		ChannelsAxis(images.ChannelsLast).
		Filters(filters).
		KernelSizePerDim(kernelHeight, kernelWidth).
		UseBias(false)
	if len(strides) > 0 {
		conv = conv.StridePerDim(strides...)
	}
	if padding {
		conv = conv.PadSame()
	} else {
		conv = conv.NoPadding()
	}
	x = conv.Done()

	bnCtx := ctx.In("batch_normalization")
	bnGroup := fmt.Sprintf("batch_normalization_%d/batch_normalization_%d/", kerasIdx, kerasIdx)
	b.loadVariable(bnCtx, bnGroup+"moving_mean:0", "mean")
	b.loadVariable(bnCtx, bnGroup+"moving_variance:0", "variance")
	b.loadVariable(bnCtx, bnGroup+"beta:0", "offset")
	x = batchnorm.New(bnCtx, x, -1).CurrentScope().
		Scale(false).
		Epsilon(BatchNormEpsilon).
		Trainable(false).
		UseBackendInference(false).
		Done()

	x = activations.Relu(x)
	b.tap(ConvLayerName(idx), x)
	return x
}

func maxPool(x *Node) *Node {
	return MaxPool(x).ChannelsAxis(images.ChannelsLast).Window(3).Strides(2).NoPadding().Done()
}

func meanPool(x *Node) *Node {
	return MeanPool(x).ChannelsAxis(images.ChannelsLast).Window(3).Strides(1).PadSame().Done()
}

func concat(branches ...*Node) *Node {
	return Concatenate(branches, -1)
}

// stage is a contiguous section of the network: the stem, or one of the mixed blocks.
type stage struct {
	firstConv, numConvs int
	mixed               int // -1 for the stem.
	build               func(b *builder, x *Node) *Node
}

// stages of InceptionV3, following keras/applications/inception_v3.py.
var stages = []stage{
	{firstConv: 0, numConvs: 5, mixed: -1, build: buildStem},
	{firstConv: 5, numConvs: 7, mixed: 0, build: func(b *builder, x *Node) *Node { return buildMixed35(b, x, 32) }},
	{firstConv: 12, numConvs: 7, mixed: 1, build: func(b *builder, x *Node) *Node { return buildMixed35(b, x, 64) }},
	{firstConv: 19, numConvs: 7, mixed: 2, build: func(b *builder, x *Node) *Node { return buildMixed35(b, x, 64) }},
	{firstConv: 26, numConvs: 4, mixed: 3, build: buildReduction17},
	{firstConv: 30, numConvs: 10, mixed: 4, build: func(b *builder, x *Node) *Node { return buildMixed17(b, x, 128) }},
	{firstConv: 40, numConvs: 10, mixed: 5, build: func(b *builder, x *Node) *Node { return buildMixed17(b, x, 160) }},
	{firstConv: 50, numConvs: 10, mixed: 6, build: func(b *builder, x *Node) *Node { return buildMixed17(b, x, 160) }},
	{firstConv: 60, numConvs: 10, mixed: 7, build: func(b *builder, x *Node) *Node { return buildMixed17(b, x, 192) }},
	{firstConv: 70, numConvs: 6, mixed: 8, build: buildReduction8},
	{firstConv: 76, numConvs: 9, mixed: 9, build: buildMixed8},
	{firstConv: 85, numConvs: 9, mixed: 10, build: buildMixed8},
}

func buildStem(b *builder, x *Node) *Node {
	x = b.conv2DWithBatchNorm(x, 32, 3, 3, false, 2, 2)
	x = b.conv2DWithBatchNorm(x, 32, 3, 3, false)
	x = b.conv2DWithBatchNorm(x, 64, 3, 3, true)
	x = maxPool(x)
	x = b.conv2DWithBatchNorm(x, 80, 1, 1, false)
	x = b.conv2DWithBatchNorm(x, 192, 3, 3, false)
	return maxPool(x)
}

// buildMixed35 builds mixed0 to mixed2: 35x35 blocks for the canonical 299x299 input.
func buildMixed35(b *builder, x *Node, poolFilters int) *Node {
	branch1x1 := b.conv2DWithBatchNorm(x, 64, 1, 1, true)

	branch5x5 := b.conv2DWithBatchNorm(x, 48, 1, 1, true)
	branch5x5 = b.conv2DWithBatchNorm(branch5x5, 64, 5, 5, true)

	branch3x3Dbl := b.conv2DWithBatchNorm(x, 64, 1, 1, true)
	branch3x3Dbl = b.conv2DWithBatchNorm(branch3x3Dbl, 96, 3, 3, true)
	branch3x3Dbl = b.conv2DWithBatchNorm(branch3x3Dbl, 96, 3, 3, true)

	branchPool := b.conv2DWithBatchNorm(meanPool(x), poolFilters, 1, 1, true)
	return concat(branch1x1, branch5x5, branch3x3Dbl, branchPool)
}

// buildReduction17 builds mixed3, which halves the spatial dimensions.
func buildReduction17(b *builder, x *Node) *Node {
	branch3x3 := b.conv2DWithBatchNorm(x, 384, 3, 3, false, 2, 2)

	branch3x3Dbl := b.conv2DWithBatchNorm(x, 64, 1, 1, true)
	branch3x3Dbl = b.conv2DWithBatchNorm(branch3x3Dbl, 96, 3, 3, true)
	branch3x3Dbl = b.conv2DWithBatchNorm(branch3x3Dbl, 96, 3, 3, false, 2, 2)

	return concat(branch3x3, branch3x3Dbl, maxPool(x))
}

// buildMixed17 builds mixed4 to mixed7, with factorized 7x7 convolutions.
func buildMixed17(b *builder, x *Node, filters int) *Node {
	branch1x1 := b.conv2DWithBatchNorm(x, 192, 1, 1, true)

	branch7x7 := b.conv2DWithBatchNorm(x, filters, 1, 1, true)
	branch7x7 = b.conv2DWithBatchNorm(branch7x7, filters, 1, 7, true)
	branch7x7 = b.conv2DWithBatchNorm(branch7x7, 192, 7, 1, true)

	branch7x7Dbl := b.conv2DWithBatchNorm(x, filters, 1, 1, true)
	branch7x7Dbl = b.conv2DWithBatchNorm(branch7x7Dbl, filters, 7, 1, true)
	branch7x7Dbl = b.conv2DWithBatchNorm(branch7x7Dbl, filters, 1, 7, true)
	branch7x7Dbl = b.conv2DWithBatchNorm(branch7x7Dbl, filters, 7, 1, true)
	branch7x7Dbl = b.conv2DWithBatchNorm(branch7x7Dbl, 192, 1, 7, true)

	branchPool := b.conv2DWithBatchNorm(meanPool(x), 192, 1, 1, true)
	return concat(branch1x1, branch7x7, branch7x7Dbl, branchPool)
}

// buildReduction8 builds mixed8, which halves the spatial dimensions again.
func buildReduction8(b *builder, x *Node) *Node {
	branch3x3 := b.conv2DWithBatchNorm(x, 192, 1, 1, true)
	branch3x3 = b.conv2DWithBatchNorm(branch3x3, 320, 3, 3, false, 2, 2)

	branch7x7x3 := b.conv2DWithBatchNorm(x, 192, 1, 1, true)
	branch7x7x3 = b.conv2DWithBatchNorm(branch7x7x3, 192, 1, 7, true)
	branch7x7x3 = b.conv2DWithBatchNorm(branch7x7x3, 192, 7, 1, true)
	branch7x7x3 = b.conv2DWithBatchNorm(branch7x7x3, 192, 3, 3, false, 2, 2)

	return concat(branch3x3, branch7x7x3, maxPool(x))
}

// buildMixed8 builds mixed9 and mixed10, with 2048 output channels.
func buildMixed8(b *builder, x *Node) *Node {
	branch1x1 := b.conv2DWithBatchNorm(x, 320, 1, 1, true)

	branch3x3 := b.conv2DWithBatchNorm(x, 384, 1, 1, true)
	branch3x3 = concat(
		b.conv2DWithBatchNorm(branch3x3, 384, 1, 3, true),
		b.conv2DWithBatchNorm(branch3x3, 384, 3, 1, true))

	branch3x3Dbl := b.conv2DWithBatchNorm(x, 448, 1, 1, true)
	branch3x3Dbl = b.conv2DWithBatchNorm(branch3x3Dbl, 384, 3, 3, true)
	branch3x3Dbl = concat(
		b.conv2DWithBatchNorm(branch3x3Dbl, 384, 1, 3, true),
		b.conv2DWithBatchNorm(branch3x3Dbl, 384, 3, 1, true))

	branchPool := b.conv2DWithBatchNorm(meanPool(x), 192, 1, 1, true)
	return concat(branch1x1, branch3x3, branch3x3Dbl, branchPool)
}
