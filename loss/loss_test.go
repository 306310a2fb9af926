// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package loss

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/styletransfer/stats"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func TestTotalVariation(t *testing.T) {
	graphtest.RunTestGraphFn(t, "constant", func(g *Graph) (inputs, outputs []*Node) {
		img := Const(g, [][][][]float32{{{{0.3, 0.3}, {0.3, 0.3}}, {{0.3, 0.3}, {0.3, 0.3}}}})
		return []*Node{img}, []*Node{TotalVariation(img)}
	}, []any{float32(0)}, 0)

	// dx = {1, 1}, dy = {2, 2}: mean(dx²) + mean(dy²) = 1 + 4.
	graphtest.RunTestGraphFn(t, "gradient", func(g *Graph) (inputs, outputs []*Node) {
		img := Const(g, [][][][]float32{{{{0}, {1}}, {{2}, {3}}}})
		return []*Node{img}, []*Node{TotalVariation(img)}
	}, []any{float32(5)}, 1e-6)

	// One differing pixel: mean(dx²) = 0.5/4, mean(dy²) = 0.25/3.
	graphtest.RunTestGraphFn(t, "one pixel differs", func(g *Graph) (inputs, outputs []*Node) {
		img := Const(g, [][][][]float32{{{{0}, {0}, {0}}, {{0}, {0.5}, {0}}}})
		return []*Node{img}, []*Node{TotalVariation(img)}
	}, []any{float32(0.125 + 0.25/3)}, 1e-6)

	graphtest.RunTestGraphFn(t, "single row", func(g *Graph) (inputs, outputs []*Node) {
		img := Const(g, [][][][]float32{{{{0}, {2}, {2}}}})
		return []*Node{img}, []*Node{TotalVariation(img)}
	}, []any{float32(2)}, 1e-6)

	graphtest.RunTestGraphFn(t, "single pixel", func(g *Graph) (inputs, outputs []*Node) {
		img := Const(g, [][][][]float32{{{{0.7, 0.1, 0.2}}}})
		return []*Node{img}, []*Node{TotalVariation(img)}
	}, []any{float32(0)}, 0)
}

func TestDistance(t *testing.T) {
	graphtest.RunTestGraphFn(t, "sum of mse", func(g *Graph) (inputs, outputs []*Node) {
		current := []*Node{Const(g, []float32{1, 2}), Const(g, [][]float32{{1, 1}, {1, 1}})}
		targets := []*Node{Const(g, []float32{0, 0}), Const(g, [][]float32{{1, 1}, {1, 3}})}
		// mse = 2.5 and 1.
		return nil, []*Node{Distance(current, targets)}
	}, []any{float32(3.5)}, 1e-6)

	backend := graphtest.BuildTestBackend()
	require.Panics(t, func() {
		_ = MustNewExec(backend, func(g *Graph) *Node {
			return Distance([]*Node{Const(g, []float32{1, 2})}, []*Node{Const(g, []float32{1, 2, 3})})
		}).Call1()
	})
	require.Panics(t, func() {
		_ = MustNewExec(backend, func(g *Graph) *Node {
			x := Const(g, []float32{1, 2})
			return Distance([]*Node{x, x}, []*Node{x})
		}).Call1()
	})
}

func TestContentAndStyleLoss(t *testing.T) {
	graphtest.RunTestGraphFn(t, "normalized by number of layers", func(g *Graph) (inputs, outputs []*Node) {
		current := []*Node{Const(g, []float32{1, 1}), Const(g, []float32{3, 3})}
		targets := []*Node{Const(g, []float32{0, 0}), Const(g, []float32{3, 3})}
		return nil, []*Node{
			ContentLoss(current, targets, 10_000),
			StyleLoss(current, targets, 0.1),
			ContentLoss(current, current, 10_000),
		}
	}, []any{float32(5_000), float32(0.05), float32(0)}, 1e-4)
}

func TestCompose(t *testing.T) {
	weights := Weights{Content: 2, Style: 3, TotalVariation: 10}
	graphtest.RunTestGraphFn(t, "additive", func(g *Graph) (inputs, outputs []*Node) {
		img := Const(g, [][][][]float32{{{{0}, {1}}, {{2}, {3}}}})
		current := &stats.Statistics{
			StyleLayers: []string{"a", "b"}, ContentLayers: []string{"c"},
			Style:   []*Node{Const(g, []float32{1}), Const(g, []float32{2})},
			Content: []*Node{Const(g, []float32{4, 4})},
		}
		targets := &stats.Statistics{
			StyleLayers: []string{"a", "b"}, ContentLayers: []string{"c"},
			Style:   []*Node{Const(g, []float32{0}), Const(g, []float32{0})},
			Content: []*Node{Const(g, []float32{4, 4})},
		}
		terms := Compose(weights, current, targets, img)
		return nil, terms.Flatten()
	}, []any{
		// style = (1 + 4) * 3 / 2 = 7.5; content = 0; variation = 5; total = 7.5 + 0 + 10*5.
		float32(57.5), float32(7.5), float32(0), float32(5),
	}, 1e-4)
}
