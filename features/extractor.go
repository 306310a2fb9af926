// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package features extracts intermediate activations ("taps") of a frozen, pretrained convolutional
// network, used as the content and style features of an image.
//
// The network weights are context variables under the Scope scope, and they are always marked as
// not trainable: gradients only flow through the network back to its input image.
package features

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Scope where the feature network variables are stored.
const Scope = "features"

// Network is a pretrained image network whose intermediate layers can be tapped.
type Network interface {
	// Name of the network, used for logging.
	Name() string

	// LayerNames lists the names of all layers that can be tapped, in the order they are built.
	LayerNames() []string

	// Preprocess converts images shaped `[batch, height, width, 3]` with values in [0, 255] to the input
	// convention of the network.
	Preprocess(images *Node) *Node

	// Build the network graph on the preprocessed images and return the activations of the given layers,
	// in the same order.
	//
	// Building may stop at the deepest requested layer.
	// Variables are created (or reused) in ctx. It panics on errors.
	Build(ctx *context.Context, images *Node, layers []string) []*Node
}

// Extractor taps a Network at a fixed set of style and content layers.
//
// It is immutable after construction, and can be used to build any number of graphs.
type Extractor struct {
	network                    Network
	styleLayers, contentLayers []string

	// uniqueLayers are the layers requested from the network: style and content layers without repetitions.
	uniqueLayers []string
	// styleIdx and contentIdx map the style and content layers to their position in uniqueLayers.
	styleIdx, contentIdx []int
}

// NewExtractor validates the layer names against the network and returns an Extractor.
//
// The style and content layer lists must be non-empty and have no repeated names. The same layer may be
// used both for style and for content.
func NewExtractor(network Network, styleLayers, contentLayers []string) (*Extractor, error) {
	if network == nil {
		return nil, errors.New("features.NewExtractor: nil network")
	}
	if len(styleLayers) == 0 {
		return nil, errors.Errorf("features.NewExtractor(%s): no style layers given", network.Name())
	}
	if len(contentLayers) == 0 {
		return nil, errors.Errorf("features.NewExtractor(%s): no content layers given", network.Name())
	}
	known := make(map[string]bool)
	for _, name := range network.LayerNames() {
		known[name] = true
	}
	e := &Extractor{
		network:       network,
		styleLayers:   slices.Clone(styleLayers),
		contentLayers: slices.Clone(contentLayers),
	}
	indexOf := make(map[string]int)
	mapLayers := func(kind string, layers []string) ([]int, error) {
		seen := make(map[string]bool)
		indices := make([]int, len(layers))
		for ii, name := range layers {
			if !known[name] {
				return nil, errors.Errorf("features.NewExtractor(%s): unknown %s layer %q", network.Name(), kind, name)
			}
			if seen[name] {
				return nil, errors.Errorf("features.NewExtractor(%s): %s layer %q given more than once", network.Name(), kind, name)
			}
			seen[name] = true
			idx, found := indexOf[name]
			if !found {
				idx = len(e.uniqueLayers)
				indexOf[name] = idx
				e.uniqueLayers = append(e.uniqueLayers, name)
			}
			indices[ii] = idx
		}
		return indices, nil
	}
	var err error
	if e.styleIdx, err = mapLayers("style", styleLayers); err != nil {
		return nil, err
	}
	if e.contentIdx, err = mapLayers("content", contentLayers); err != nil {
		return nil, err
	}
	return e, nil
}

// Network returns the network being tapped.
func (e *Extractor) Network() Network { return e.network }

// StyleLayers returns a copy of the style layer names, in order.
func (e *Extractor) StyleLayers() []string { return slices.Clone(e.styleLayers) }

// ContentLayers returns a copy of the content layer names, in order.
func (e *Extractor) ContentLayers() []string { return slices.Clone(e.contentLayers) }

// NumStyleLayers returns the number of style layers.
func (e *Extractor) NumStyleLayers() int { return len(e.styleLayers) }

// NumContentLayers returns the number of content layers.
func (e *Extractor) NumContentLayers() int { return len(e.contentLayers) }

// Extract builds the graph that computes the activations of the style and content layers for images
// shaped `[batch, height, width, 3]`, with values in [0, 1].
//
// It returns the style layers activations followed by the content layers activations, in the order
// given to NewExtractor.
//
// The network variables are created (or reused) under the Scope sub-scope of ctx, and are all marked
// as not trainable.
func (e *Extractor) Extract(ctx *context.Context, images *Node) []*Node {
	if images.Rank() != 4 || images.Shape().Dimensions[3] != 3 {
		exceptions.Panicf("features.Extract requires images shaped [batch, height, width, 3], got %s", images.Shape())
	}
	ctx = ctx.In(Scope).Checked(false)
	x := e.network.Preprocess(MulScalar(images, 255.0))
	activations := e.network.Build(ctx, x, e.uniqueLayers)
	if len(activations) != len(e.uniqueLayers) {
		exceptions.Panicf("network %s returned %d activations, but %d were requested",
			e.network.Name(), len(activations), len(e.uniqueLayers))
	}
	Freeze(ctx)

	outputs := make([]*Node, 0, len(e.styleIdx)+len(e.contentIdx))
	for _, idx := range e.styleIdx {
		outputs = append(outputs, activations[idx])
	}
	for _, idx := range e.contentIdx {
		outputs = append(outputs, activations[idx])
	}
	return outputs
}

// Freeze marks all variables under the current scope of ctx as not trainable.
//
// Layers like batch normalization re-mark some of their variables as trainable when built, so this must be
// called after the network graph is built, and before the optimizer builds its update graph.
func Freeze(ctx *context.Context) {
	for v := range ctx.IterVariablesInScope() {
		if v.Trainable {
			v.SetTrainable(false)
		}
	}
}
