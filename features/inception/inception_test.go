// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package inception

import (
	"flag"
	"fmt"
	"os/exec"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/styletransfer/features"
	"github.com/gomlx/styletransfer/internal/hdf5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

var flagDataDir = flag.String("data", "~/.cache/styletransfer", "Directory where to download the InceptionV3 weights.")

func TestLayerNames(t *testing.T) {
	names := New("").LayerNames()
	require.Len(t, names, NumConvBlocks+NumMixedBlocks)
	assert.Equal(t, "conv_000", names[0])
	assert.Equal(t, "conv_004", names[4])
	assert.Equal(t, "conv_005", names[5])
	assert.Equal(t, "mixed0", names[12])
	assert.Equal(t, "mixed10", names[len(names)-1])
	assert.Equal(t, "conv_093", names[len(names)-2])

	seen := make(map[string]bool)
	for _, name := range names {
		assert.Falsef(t, seen[name], "repeated layer name %q", name)
		seen[name] = true
	}
	for _, name := range append(DefaultStyleLayers, DefaultContentLayers...) {
		assert.Truef(t, seen[name], "default layer %q not in the network", name)
	}

	// Stages cover all convolutions, contiguously.
	next := 0
	for _, stage := range stages {
		assert.Equal(t, next, stage.firstConv)
		next += stage.numConvs
	}
	assert.Equal(t, NumConvBlocks, next)
}

func TestDefaultExtractor(t *testing.T) {
	_, err := features.NewExtractor(New(""), DefaultStyleLayers, DefaultContentLayers)
	require.NoError(t, err)
	_, err = features.NewExtractor(New(""), []string{"block1_conv1"}, DefaultContentLayers)
	require.Error(t, err)
}

func TestImageTooSmall(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	inceptionExec, err := context.NewExec(backend, context.New(), func(ctx *context.Context, x *Node) *Node {
		return New("").Build(ctx, x, []string{"conv_000"})[0]
	})
	require.NoError(t, err)
	small := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 32, 100, 3))
	require.Panics(t, func() { inceptionExec.MustExec(small) })
}

func TestBuild(t *testing.T) {
	if testing.Short() {
		fmt.Println("- inception.TestBuild disabled for go test --short because it requires downloading a large file with weights.")
		return
	}
	if _, err := exec.LookPath(hdf5.H5DumpBinary); err != nil {
		t.Skipf("%q not installed, required to unpack the weights", hdf5.H5DumpBinary)
	}
	require.NoError(t, DownloadWeights(*flagDataDir))

	backend := graphtest.BuildTestBackend()
	e, err := features.NewExtractor(New(*flagDataDir), DefaultStyleLayers, DefaultContentLayers)
	require.NoError(t, err)
	ctx := context.New()
	inceptionExec, err := context.NewExec(backend, ctx, func(ctx *context.Context, images *Node) []*Node {
		return e.Extract(ctx, images)
	})
	require.NoError(t, err)

	const size = 128
	flat := make([]float32, size*size*3)
	for ii := range flat {
		flat[ii] = float32(ii%97) / 96
	}
	outputs, err := inceptionExec.Exec(tensors.FromFlatDataAndDimensions(flat, 1, size, size, 3))
	require.NoError(t, err)
	require.Len(t, outputs, 6)
	assert.Equal(t, []int{1, 63, 63, 32}, outputs[0].Shape().Dimensions) // conv_000
	assert.Equal(t, []int{1, 61, 61, 64}, outputs[1].Shape().Dimensions) // conv_002
	assert.Equal(t, 192, outputs[2].Shape().Dimensions[3])               // conv_004
	assert.Equal(t, 256, outputs[3].Shape().Dimensions[3])               // mixed0
	assert.Equal(t, 768, outputs[4].Shape().Dimensions[3])               // mixed3
	assert.Equal(t, 768, outputs[5].Shape().Dimensions[3])               // mixed5

	for v := range ctx.IterVariables() {
		assert.Falsef(t, v.Trainable, "variable %s should be frozen", v.ScopeAndName())
	}
	// Only stages up to mixed5 were built.
	assert.Nil(t, ctx.GetVariableByScopeAndName("/features/conv_060/conv", "weights"))
	assert.NotNil(t, ctx.GetVariableByScopeAndName("/features/conv_049/conv", "weights"))
}
