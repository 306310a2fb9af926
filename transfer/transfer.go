// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transfer implements the style transfer optimization: the pixels of an image are trained with Adam
// to minimize the composed content, style and total variation losses, while the feature network stays frozen.
//
// All state lives in a context.Context:
//
//   - "/image/pixels": the trained image, shaped `[1, height, width, 3]` with values in [0, 1].
//   - "/targets/style/<layer>" and "/targets/content/<layer>": the target statistics, computed once at
//     construction and never trained.
//   - "/features/...": the frozen feature network weights.
//   - the optimizer state (global step, learning rate and Adam moments), as created by the optimizers package.
//
// A Model is not safe for concurrent use.
package transfer

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/styletransfer/config"
	"github.com/gomlx/styletransfer/features"
	"github.com/gomlx/styletransfer/loss"
	"github.com/gomlx/styletransfer/stats"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scopes and names of the variables owned by the Model.
const (
	ImageScope   = "image"
	ImageVarName = "pixels"

	TargetsScope = "targets"
	StyleScope   = "style"
	ContentScope = "content"
)

// ErrNonFinite is returned by Model.Step when the loss is NaN or infinite, and the optimizer is not
// configured to skip non-finite updates (see optimizers.ParamClipNaN).
var ErrNonFinite = errors.New("loss is not finite")

// Metrics are the values of the loss terms for one image.
type Metrics struct {
	// Total loss: Style + Content + tv_weight * Variation.
	Total float64

	// Style and Content losses, already weighted.
	Style, Content float64

	// Variation is the unweighted total variation.
	Variation float64
}

// IsFinite returns whether all terms are finite.
func (m Metrics) IsFinite() bool {
	for _, v := range []float64{m.Total, m.Style, m.Content, m.Variation} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (m Metrics) String() string {
	return fmt.Sprintf("loss=%.5g (style=%.5g, content=%.5g, variation=%.5g)", m.Total, m.Style, m.Content, m.Variation)
}

// Model holds the trained image, the targets and the compiled computations of the optimization.
type Model struct {
	backend   backends.Backend
	ctx       *context.Context
	cfg       *config.Config
	extractor *features.Extractor
	weights   loss.Weights
	optimizer optimizers.Interface

	imageVar                     *context.Variable
	styleTargets, contentTargets []*context.Variable

	stepExec, evalExec *context.Exec
}

// New creates the Model that stylizes the content image with the style image.
//
// Both images must be shaped `[1, height, width, 3]` with values in [0, 1], but can have different sizes.
// The trained image starts as a copy of content, unless ctx already holds (or can load from an attached
// checkpoint) a previous image of the same shape.
//
// The target statistics are computed here, once. The optimizer is Adam, configured from cfg.
func New(backend backends.Backend, ctx *context.Context, cfg *config.Config, extractor *features.Extractor,
	content, style *tensors.Tensor) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if extractor == nil {
		return nil, errors.New("transfer.New: nil extractor")
	}
	if err := checkImage("content", content); err != nil {
		return nil, err
	}
	if err := checkImage("style", style); err != nil {
		return nil, err
	}
	ctx.SetParam(optimizers.ParamClipNaN, cfg.ClipNaN)
	m := &Model{
		backend:   backend,
		ctx:       ctx,
		cfg:       cfg,
		extractor: extractor,
		weights: loss.Weights{
			Content:        cfg.ContentWeight,
			Style:          cfg.StyleWeight,
			TotalVariation: cfg.TotalVariationWeight,
		},
		optimizer: optimizers.Adam().
			FromContext(ctx).
			LearningRate(cfg.LearningRate).
			Betas(cfg.Beta1, cfg.Beta2).
			Epsilon(cfg.Epsilon).
			Done(),
	}
	err := exceptions.TryCatch[error](func() {
		initial, err := content.LocalClone()
		if err != nil {
			panic(err)
		}
		m.imageVar = ctx.In(ImageScope).Checked(false).VariableWithValue(ImageVarName, initial)
		m.imageVar.SetTrainable(true)
		m.computeTargets(content, style)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "transfer.New")
	}
	if m.stepExec, err = context.NewExec(backend, ctx, m.stepGraph); err != nil {
		return nil, errors.WithMessage(err, "transfer.New: creating step computation")
	}
	if m.evalExec, err = context.NewExec(backend, ctx, m.evalGraph); err != nil {
		return nil, errors.WithMessage(err, "transfer.New: creating evaluation computation")
	}
	klog.V(1).Infof("transfer: %s, image %v, %d style layers %v, %d content layers %v",
		extractor.Network().Name(), content.Shape().Dimensions, extractor.NumStyleLayers(), extractor.StyleLayers(),
		extractor.NumContentLayers(), extractor.ContentLayers())
	return m, nil
}

func checkImage(name string, img *tensors.Tensor) error {
	if img == nil {
		return errors.Errorf("transfer.New: nil %s image", name)
	}
	dims := img.Shape().Dimensions
	if img.DType() != dtypes.Float32 || len(dims) != 4 || dims[0] != 1 || dims[3] != 3 {
		return errors.Errorf("transfer.New: %s image must be a Float32 tensor shaped [1, height, width, 3], got %s",
			name, img.Shape())
	}
	return nil
}

// computeTargets extracts the content statistics of content and the style statistics of style, and stores
// them in non-trainable variables.
func (m *Model) computeTargets(content, style *tensors.Tensor) {
	targetsExec := context.MustNewExec(m.backend, m.ctx, func(ctx *context.Context, content, style *Node) []*Node {
		contentStats := stats.Extract(ctx, m.extractor, content)
		styleStats := stats.Extract(ctx, m.extractor, style)
		return append(styleStats.Style, contentStats.Content...)
	})
	defer targetsExec.Finalize()
	outputs := targetsExec.MustExec(content, style)
	numStyle := m.extractor.NumStyleLayers()

	targetsCtx := m.ctx.In(TargetsScope).Checked(false)
	for ii, layer := range m.extractor.StyleLayers() {
		m.styleTargets = append(m.styleTargets, setTarget(targetsCtx.In(StyleScope), layer, outputs[ii]))
	}
	for ii, layer := range m.extractor.ContentLayers() {
		m.contentTargets = append(m.contentTargets, setTarget(targetsCtx.In(ContentScope), layer, outputs[numStyle+ii]))
	}
}

// setTarget creates or overwrites the non-trainable variable name with value.
func setTarget(ctx *context.Context, name string, value *tensors.Tensor) *context.Variable {
	v := ctx.GetVariable(name)
	if v == nil {
		return ctx.VariableWithValue(name, value).SetTrainable(false)
	}
	if !v.Shape().Equal(value.Shape()) {
		exceptions.Panicf("target %s shaped %s, but new value is shaped %s", v.ScopeAndName(), v.Shape(), value.Shape())
	}
	v.MustSetValue(value)
	return v.SetTrainable(false)
}

// targetsGraph returns the target statistics as graph values.
func (m *Model) targetsGraph(g *Graph) *stats.Statistics {
	all := make([]*Node, 0, len(m.styleTargets)+len(m.contentTargets))
	for _, v := range m.styleTargets {
		all = append(all, v.ValueGraph(g))
	}
	for _, v := range m.contentTargets {
		all = append(all, v.ValueGraph(g))
	}
	return stats.Unflatten(m.extractor, all)
}

// lossGraph builds the loss terms of the current image.
func (m *Model) lossGraph(ctx *context.Context, g *Graph) *loss.Terms {
	pixels := m.imageVar.ValueGraph(g)
	current := stats.Extract(ctx, m.extractor, pixels)
	return loss.Compose(m.weights, current, m.targetsGraph(g), pixels)
}

// stepGraph builds one optimization step: loss, Adam update of the image and clipping to [0, 1].
// It returns the loss terms before the update.
func (m *Model) stepGraph(ctx *context.Context, g *Graph) []*Node {
	terms := m.lossGraph(ctx, g)
	m.optimizer.UpdateGraph(ctx, g, terms.Total)
	m.imageVar.SetValueGraph(ClipScalar(m.imageVar.ValueGraph(g), 0, 1))
	return terms.Flatten()
}

func (m *Model) evalGraph(ctx *context.Context, g *Graph) []*Node {
	return m.lossGraph(ctx, g).Flatten()
}

func metricsFromTensors(outputs []*tensors.Tensor) Metrics {
	values := make([]float64, len(outputs))
	for ii, t := range outputs {
		values[ii] = float64(tensors.ToScalar[float32](t))
	}
	return Metrics{Total: values[0], Style: values[1], Content: values[2], Variation: values[3]}
}

// Step runs one optimization step and returns the loss terms of the image before the update.
//
// If the loss is not finite it returns ErrNonFinite, unless the model was configured with ClipNaN, in which
// case the non-finite updates are dropped by the optimizer and the metrics are returned normally.
func (m *Model) Step() (Metrics, error) {
	outputs, err := m.stepExec.Exec()
	if err != nil {
		return Metrics{}, errors.WithMessage(err, "transfer.Step")
	}
	metrics := metricsFromTensors(outputs)
	if !metrics.IsFinite() && !m.cfg.ClipNaN {
		return metrics, errors.Wrapf(ErrNonFinite, "at global step %d: %s", m.GlobalStep(), metrics)
	}
	return metrics, nil
}

// Evaluate returns the loss terms of the current image, without changing it.
func (m *Model) Evaluate() (Metrics, error) {
	outputs, err := m.evalExec.Exec()
	if err != nil {
		return Metrics{}, errors.WithMessage(err, "transfer.Evaluate")
	}
	return metricsFromTensors(outputs), nil
}

// Image returns a copy of the current image, shaped `[1, height, width, 3]` with values in [0, 1].
func (m *Model) Image() (*tensors.Tensor, error) {
	return m.imageVar.MustValue().LocalClone()
}

// StyleTargets returns the target Gram matrices of the style layers, in order.
func (m *Model) StyleTargets() []*tensors.Tensor {
	return cloneValues(m.styleTargets)
}

// ContentTargets returns the target activations of the content layers, in order.
func (m *Model) ContentTargets() []*tensors.Tensor {
	return cloneValues(m.contentTargets)
}

func cloneValues(vars []*context.Variable) []*tensors.Tensor {
	values := make([]*tensors.Tensor, len(vars))
	for ii, v := range vars {
		var err error
		values[ii], err = v.MustValue().LocalClone()
		if err != nil {
			panic(errors.WithMessagef(err, "copying value of %s", v.ScopeAndName()))
		}
	}
	return values
}

// GlobalStep returns the number of steps taken so far, including those restored from a checkpoint.
func (m *Model) GlobalStep() int64 {
	return optimizers.GetGlobalStep(m.ctx)
}

// Context holding the model variables.
func (m *Model) Context() *context.Context {
	return m.ctx
}

// DerivedVariables lists the variables that are derived from the inputs and need not be saved in checkpoints:
// the feature network weights and the targets.
func (m *Model) DerivedVariables() []*context.Variable {
	var vars []*context.Variable
	for v := range m.ctx.In(features.Scope).IterVariablesInScope() {
		vars = append(vars, v)
	}
	vars = append(vars, m.styleTargets...)
	return append(vars, m.contentTargets...)
}

// Finalize frees the compiled computations. The Model can't be used afterwards.
func (m *Model) Finalize() {
	m.stepExec.Finalize()
	m.evalExec.Finalize()
}
