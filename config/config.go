// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines the hyperparameters of a style transfer run.
//
// Hyperparameters live as parameters of a context.Context, so they can be set from the command line
// with the usual GoMLX settings flag (e.g.: `-set="style_weight=0.2;epochs=5"`), and are materialized
// into a read-only Config with FromContext before the run starts.
package config

import (
	"math"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

const (
	// ParamEpochs is the number of epochs: after each epoch a snapshot of the image is written.
	ParamEpochs = "epochs"

	// ParamStepsPerEpoch is the number of optimizer steps per epoch.
	ParamStepsPerEpoch = "steps_per_epoch"

	// ParamContentWeight multiplies the content loss.
	ParamContentWeight = "content_weight"

	// ParamStyleWeight multiplies the style loss.
	ParamStyleWeight = "style_weight"

	// ParamTotalVariationWeight multiplies the total variation loss.
	ParamTotalVariationWeight = "tv_weight"

	// ParamMaxDim is the size in pixels of the longer side of the loaded images.
	ParamMaxDim = "max_dim"

	// ParamStyleLayers is a comma-separated list of the feature network layers used for style.
	// If empty, the network's default is used.
	ParamStyleLayers = "style_layers"

	// ParamContentLayers is a comma-separated list of the feature network layers used for content.
	// If empty, the network's default is used.
	ParamContentLayers = "content_layers"

	// ParamJPEGQuality is the quality of the JPEG snapshots, from 1 to 100.
	ParamJPEGQuality = "jpeg_quality"

	// ParamCheckpointKeep is the number of checkpoints to keep, if checkpointing is enabled.
	ParamCheckpointKeep = "checkpoint_keep"
)

// Config holds the hyperparameters of one run. It is not changed after FromContext returns.
type Config struct {
	Epochs, StepsPerEpoch int

	ContentWeight, StyleWeight, TotalVariationWeight float64

	LearningRate, Beta1, Beta2, Epsilon float64

	// ClipNaN makes the optimizer skip non-finite updates, instead of failing the run.
	ClipNaN bool

	MaxDim int

	// StyleLayers and ContentLayers are empty if the feature network defaults should be used.
	StyleLayers, ContentLayers []string

	JPEGQuality    int
	CheckpointKeep int
}

// Default values of the hyperparameters.
const (
	DefaultEpochs               = 20
	DefaultStepsPerEpoch        = 500
	DefaultTotalVariationWeight = 1e8
	DefaultContentWeight        = 10_000.0
	DefaultStyleWeight          = 0.10
	DefaultLearningRate         = 0.02
	DefaultBeta1                = 0.99
	DefaultBeta2                = 0.999
	DefaultEpsilon              = 0.10
	DefaultMaxDim               = 512
	DefaultJPEGQuality          = 95
	DefaultCheckpointKeep       = 3
)

// CreateDefaultContext returns a new context.Context with all hyperparameters set to their default values.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamEpochs:        DefaultEpochs,
		ParamStepsPerEpoch: DefaultStepsPerEpoch,

		ParamTotalVariationWeight: DefaultTotalVariationWeight,
		ParamContentWeight:        DefaultContentWeight,
		ParamStyleWeight:          DefaultStyleWeight,

		optimizers.ParamLearningRate: DefaultLearningRate,
		optimizers.ParamAdamBeta1:    DefaultBeta1,
		optimizers.ParamAdamBeta2:    DefaultBeta2,
		optimizers.ParamAdamEpsilon:  DefaultEpsilon,
		optimizers.ParamClipNaN:      false,

		ParamMaxDim:        DefaultMaxDim,
		ParamStyleLayers:   "",
		ParamContentLayers: "",

		ParamJPEGQuality:    DefaultJPEGQuality,
		ParamCheckpointKeep: DefaultCheckpointKeep,
	})
	return ctx
}

// FromContext reads the hyperparameters from ctx and validates them.
// Parameters not set in ctx take their default values.
func FromContext(ctx *context.Context) (*Config, error) {
	cfg := &Config{
		Epochs:               context.GetParamOr(ctx, ParamEpochs, DefaultEpochs),
		StepsPerEpoch:        context.GetParamOr(ctx, ParamStepsPerEpoch, DefaultStepsPerEpoch),
		ContentWeight:        context.GetParamOr(ctx, ParamContentWeight, DefaultContentWeight),
		StyleWeight:          context.GetParamOr(ctx, ParamStyleWeight, DefaultStyleWeight),
		TotalVariationWeight: context.GetParamOr(ctx, ParamTotalVariationWeight, DefaultTotalVariationWeight),
		LearningRate:         context.GetParamOr(ctx, optimizers.ParamLearningRate, DefaultLearningRate),
		Beta1:                context.GetParamOr(ctx, optimizers.ParamAdamBeta1, DefaultBeta1),
		Beta2:                context.GetParamOr(ctx, optimizers.ParamAdamBeta2, DefaultBeta2),
		Epsilon:              context.GetParamOr(ctx, optimizers.ParamAdamEpsilon, DefaultEpsilon),
		ClipNaN:              context.GetParamOr(ctx, optimizers.ParamClipNaN, false),
		MaxDim:               context.GetParamOr(ctx, ParamMaxDim, DefaultMaxDim),
		StyleLayers:          SplitLayers(context.GetParamOr(ctx, ParamStyleLayers, "")),
		ContentLayers:        SplitLayers(context.GetParamOr(ctx, ParamContentLayers, "")),
		JPEGQuality:          context.GetParamOr(ctx, ParamJPEGQuality, DefaultJPEGQuality),
		CheckpointKeep:       context.GetParamOr(ctx, ParamCheckpointKeep, DefaultCheckpointKeep),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns an error describing the first invalid hyperparameter found.
func (cfg *Config) Validate() error {
	if cfg.Epochs <= 0 {
		return errors.Errorf("%s must be > 0, got %d", ParamEpochs, cfg.Epochs)
	}
	if cfg.StepsPerEpoch <= 0 {
		return errors.Errorf("%s must be > 0, got %d", ParamStepsPerEpoch, cfg.StepsPerEpoch)
	}
	if cfg.MaxDim <= 0 {
		return errors.Errorf("%s must be > 0, got %d", ParamMaxDim, cfg.MaxDim)
	}
	for _, w := range []struct {
		name  string
		value float64
	}{
		{ParamContentWeight, cfg.ContentWeight},
		{ParamStyleWeight, cfg.StyleWeight},
		{ParamTotalVariationWeight, cfg.TotalVariationWeight},
		{optimizers.ParamAdamEpsilon, cfg.Epsilon},
	} {
		if w.value < 0 || math.IsNaN(w.value) || math.IsInf(w.value, 0) {
			return errors.Errorf("%s must be a finite value >= 0, got %g", w.name, w.value)
		}
	}
	if !(cfg.LearningRate > 0) || math.IsInf(cfg.LearningRate, 0) {
		return errors.Errorf("%s must be a finite value > 0, got %g", optimizers.ParamLearningRate, cfg.LearningRate)
	}
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 {
		return errors.Errorf("%s must be in [0, 1), got %g", optimizers.ParamAdamBeta1, cfg.Beta1)
	}
	if cfg.Beta2 < 0 || cfg.Beta2 >= 1 {
		return errors.Errorf("%s must be in [0, 1), got %g", optimizers.ParamAdamBeta2, cfg.Beta2)
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return errors.Errorf("%s must be in [1, 100], got %d", ParamJPEGQuality, cfg.JPEGQuality)
	}
	return nil
}

// TotalSteps is the number of optimizer steps of a full run.
func (cfg *Config) TotalSteps() int {
	return cfg.Epochs * cfg.StepsPerEpoch
}

// SplitLayers parses a comma-separated list of layer names, dropping empty entries.
func SplitLayers(list string) []string {
	var layers []string
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			layers = append(layers, name)
		}
	}
	return layers
}
