// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package loss composes the style transfer objective: content loss, style loss and total variation,
// each independently weighted.
//
// Content and style weights are divided by the number of layers contributing to the term, so changing the
// layer selection doesn't change the overall balance between the terms.
package loss

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/styletransfer/stats"
)

// Weights of each loss term.
type Weights struct {
	Content, Style, TotalVariation float64
}

// Terms of the loss, all scalars.
type Terms struct {
	// Total = Style + Content + Weights.TotalVariation * Variation.
	Total *Node

	// Style and Content are already weighted and normalized by their number of layers.
	Style, Content *Node

	// Variation is the unweighted total variation of the image.
	Variation *Node
}

// Flatten returns total, style, content and variation, in this order.
func (t *Terms) Flatten() []*Node {
	return []*Node{t.Total, t.Style, t.Content, t.Variation}
}

// Distance is the sum over the layers of the mean squared error between current and target values.
//
// Each pair of current and target values must have the same shape.
func Distance(current, targets []*Node) *Node {
	if len(current) != len(targets) {
		exceptions.Panicf("loss.Distance: %d current values but %d targets", len(current), len(targets))
	}
	if len(current) == 0 {
		exceptions.Panicf("loss.Distance: no values given")
	}
	var sum *Node
	for ii, value := range current {
		target := StopGradient(targets[ii])
		if !value.Shape().Equal(target.Shape()) {
			exceptions.Panicf("loss.Distance: value #%d shaped %s, but its target is shaped %s", ii, value.Shape(), target.Shape())
		}
		mse := losses.MeanSquaredError([]*Node{target}, []*Node{value})
		if sum == nil {
			sum = mse
		} else {
			sum = Add(sum, mse)
		}
	}
	return sum
}

// ContentLoss is the Distance of the content activations, times weight and divided by the number of layers.
func ContentLoss(current, targets []*Node, weight float64) *Node {
	return MulScalar(Distance(current, targets), weight/float64(len(current)))
}

// StyleLoss is the Distance of the Gram matrices of the style layers, times weight and divided by the
// number of layers.
func StyleLoss(current, targets []*Node, weight float64) *Node {
	return MulScalar(Distance(current, targets), weight/float64(len(current)))
}

// TotalVariation of images shaped `[batch, height, width, channels]`: the mean squared difference between
// horizontally adjacent pixels plus the mean squared difference between vertically adjacent pixels.
//
// It is zero for a constant image. An axis with a single pixel contributes nothing.
func TotalVariation(images *Node) *Node {
	if images.Rank() != 4 {
		exceptions.Panicf("loss.TotalVariation requires images shaped [batch, height, width, channels], got %s", images.Shape())
	}
	dims := images.Shape().Dimensions
	height, width := dims[1], dims[2]
	variation := ScalarZero(images.Graph(), images.DType())
	if width > 1 {
		dx := Sub(
			Slice(images, AxisRange(), AxisRange(), AxisRange(1, width), AxisRange()),
			Slice(images, AxisRange(), AxisRange(), AxisRange(0, width-1), AxisRange()))
		variation = Add(variation, ReduceAllMean(Square(dx)))
	}
	if height > 1 {
		dy := Sub(
			Slice(images, AxisRange(), AxisRange(1, height), AxisRange(), AxisRange()),
			Slice(images, AxisRange(), AxisRange(0, height-1), AxisRange(), AxisRange()))
		variation = Add(variation, ReduceAllMean(Square(dy)))
	}
	return variation
}

// Compose the loss terms of images, given their current statistics and the target statistics.
func Compose(weights Weights, current, targets *stats.Statistics, images *Node) *Terms {
	t := &Terms{
		Style:     StyleLoss(current.Style, targets.Style, weights.Style),
		Content:   ContentLoss(current.Content, targets.Content, weights.Content),
		Variation: TotalVariation(images),
	}
	t.Total = Add(Add(t.Style, t.Content), MulScalar(t.Variation, weights.TotalVariation))
	return t
}
