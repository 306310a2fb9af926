// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := FromContext(CreateDefaultContext())
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.Epochs)
	assert.Equal(t, 500, cfg.StepsPerEpoch)
	assert.Equal(t, 1e8, cfg.TotalVariationWeight)
	assert.Equal(t, 10_000.0, cfg.ContentWeight)
	assert.Equal(t, 0.10, cfg.StyleWeight)
	assert.Equal(t, 0.02, cfg.LearningRate)
	assert.Equal(t, 0.99, cfg.Beta1)
	assert.Equal(t, 0.999, cfg.Beta2)
	assert.Equal(t, 0.10, cfg.Epsilon)
	assert.Equal(t, 512, cfg.MaxDim)
	assert.False(t, cfg.ClipNaN)
	assert.Empty(t, cfg.StyleLayers)
	assert.Empty(t, cfg.ContentLayers)
	assert.Equal(t, 10_000, cfg.TotalSteps())

	// An empty context also yields the defaults.
	cfg2, err := FromContext(context.New())
	require.NoError(t, err)
	assert.Equal(t, cfg, cfg2)
}

func TestSettings(t *testing.T) {
	ctx := CreateDefaultContext()
	_, err := commandline.ParseContextSettings(ctx,
		"epochs=3;steps_per_epoch=1_000;style_weight=0.5;learning_rate=1;clip_nan=true;style_layers=a, b,,c;content_layers=d")
	require.NoError(t, err)
	cfg, err := FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, 1000, cfg.StepsPerEpoch)
	assert.Equal(t, 0.5, cfg.StyleWeight)
	assert.Equal(t, 1.0, cfg.LearningRate)
	assert.True(t, cfg.ClipNaN)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.StyleLayers)
	assert.Equal(t, []string{"d"}, cfg.ContentLayers)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		key   string
		value any
	}{
		{ParamEpochs, 0},
		{ParamStepsPerEpoch, -1},
		{ParamMaxDim, 0},
		{ParamStyleWeight, -0.1},
		{ParamTotalVariationWeight, -1.0},
		{optimizers.ParamLearningRate, 0.0},
		{optimizers.ParamAdamBeta1, 1.0},
		{optimizers.ParamAdamBeta2, -0.5},
		{ParamJPEGQuality, 101},
	} {
		ctx := CreateDefaultContext()
		ctx.SetParam(tc.key, tc.value)
		_, err := FromContext(ctx)
		require.Errorf(t, err, "%s=%v should have failed validation", tc.key, tc.value)
		assert.Contains(t, err.Error(), tc.key)
	}
}
