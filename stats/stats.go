// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stats converts feature activations into the statistics compared by the losses:
// Gram matrices for the style layers, and the raw activations for the content layers.
package stats

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/styletransfer/features"
)

// GramMatrix of features shaped `[batch, height, width, channels]`, normalized by the number of
// spatial positions.
//
// The result is shaped `[batch, channels, channels]`, where `result[b, c, d] = sum_{i,j} x[b,i,j,c] * x[b,i,j,d] / (height * width)`.
// It is symmetric and invariant to permutations of the spatial positions.
func GramMatrix(x *Node) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("GramMatrix requires features shaped [batch, height, width, channels], got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	numPositions := float64(dims[1] * dims[2])
	return DivScalar(Einsum("bijc,bijd->bcd", x, x), numPositions)
}

// Statistics of one image: Gram matrices of the style layers and raw activations of the content layers,
// both in the order of the extractor layers.
type Statistics struct {
	StyleLayers, ContentLayers []string
	Style, Content             []*Node
}

// Compute splits the outputs of features.Extractor.Extract into style and content statistics.
func Compute(e *features.Extractor, outputs []*Node) *Statistics {
	numStyle, numContent := e.NumStyleLayers(), e.NumContentLayers()
	if len(outputs) != numStyle+numContent {
		exceptions.Panicf("stats.Compute: expected %d outputs (%d style + %d content), got %d",
			numStyle+numContent, numStyle, numContent, len(outputs))
	}
	s := &Statistics{
		StyleLayers:   e.StyleLayers(),
		ContentLayers: e.ContentLayers(),
		Style:         make([]*Node, numStyle),
		Content:       make([]*Node, numContent),
	}
	for ii, output := range outputs[:numStyle] {
		s.Style[ii] = GramMatrix(output)
	}
	copy(s.Content, outputs[numStyle:])
	return s
}

// Extract is a shortcut to compute the statistics of images (values in [0, 1]) with the extractor.
func Extract(ctx *context.Context, e *features.Extractor, images *Node) *Statistics {
	return Compute(e, e.Extract(ctx, images))
}

// Flatten returns the style statistics followed by the content statistics.
func (s *Statistics) Flatten() []*Node {
	all := make([]*Node, 0, len(s.Style)+len(s.Content))
	all = append(all, s.Style...)
	return append(all, s.Content...)
}

// Unflatten is the inverse of Flatten: it splits all (style followed by content statistics) into a
// Statistics with the layers of the extractor.
func Unflatten(e *features.Extractor, all []*Node) *Statistics {
	numStyle := e.NumStyleLayers()
	if len(all) != numStyle+e.NumContentLayers() {
		exceptions.Panicf("stats.Unflatten: expected %d statistics, got %d", numStyle+e.NumContentLayers(), len(all))
	}
	return &Statistics{
		StyleLayers:   e.StyleLayers(),
		ContentLayers: e.ContentLayers(),
		Style:         slices.Clone(all[:numStyle]),
		Content:       slices.Clone(all[numStyle:]),
	}
}
