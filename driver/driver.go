// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package driver runs the style transfer optimization for a fixed number of epochs, writing a snapshot of
// the image after each epoch and, optionally, a checkpoint of the optimization state.
package driver

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/styletransfer/transfer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Stepper is the optimization being driven. It is implemented by *transfer.Model.
type Stepper interface {
	// Step runs one optimization step and returns the loss terms before the update.
	Step() (transfer.Metrics, error)

	// Image returns a copy of the current image.
	Image() (*tensors.Tensor, error)

	// GlobalStep is the number of steps taken so far, including restored ones.
	GlobalStep() int64
}

// Snapshotter writes the image at the end of each epoch. It is implemented by *imageio.Writer.
type Snapshotter interface {
	Snapshot(epoch int, image *tensors.Tensor) error
}

// Checkpointer saves the optimization state. It is implemented by *checkpoints.Handler.
type Checkpointer interface {
	Save() error
}

// Driver runs Epochs epochs of StepsPerEpoch steps each.
type Driver struct {
	Epochs, StepsPerEpoch int

	Model     Stepper
	Snapshots Snapshotter

	// Checkpoint, if not nil, is saved at the end of each epoch.
	Checkpoint Checkpointer

	// ShowProgress displays a progress bar per epoch on the terminal. Otherwise, progress is only logged.
	ShowProgress bool
}

// StartEpoch returns the number of epochs already completed and the number of steps already taken in the
// following epoch, given the global step restored from a checkpoint.
func (d *Driver) StartEpoch(globalStep int64) (epochsDone, stepsDone int) {
	epochsDone = int(globalStep / int64(d.StepsPerEpoch))
	stepsDone = int(globalStep % int64(d.StepsPerEpoch))
	return
}

// Run the remaining epochs. Epochs are numbered from 1, and the snapshot of epoch N is written once the
// N-th epoch completes.
//
// It returns on the first error of a step, a snapshot or a checkpoint.
func (d *Driver) Run() error {
	if d.Epochs <= 0 || d.StepsPerEpoch <= 0 {
		return errors.Errorf("driver.Run: epochs (%d) and steps per epoch (%d) must be > 0", d.Epochs, d.StepsPerEpoch)
	}
	if d.Model == nil || d.Snapshots == nil {
		return errors.New("driver.Run: Model and Snapshots must be set")
	}
	epochsDone, stepsDone := d.StartEpoch(d.Model.GlobalStep())
	if epochsDone >= d.Epochs {
		klog.Infof("All %d epochs already completed (global step %s), nothing to do.",
			d.Epochs, humanize.Comma(d.Model.GlobalStep()))
		return nil
	}
	if epochsDone > 0 || stepsDone > 0 {
		klog.Infof("Resuming at epoch %d, step %d of %d", epochsDone+1, stepsDone, d.StepsPerEpoch)
	}

	var pBar *progressBar
	if d.ShowProgress {
		pBar = newProgressBar(d.Epochs, d.StepsPerEpoch)
	}
	start := time.Now()
	for epoch := epochsDone + 1; epoch <= d.Epochs; epoch++ {
		if err := d.runEpoch(epoch, stepsDone, pBar); err != nil {
			return err
		}
		stepsDone = 0
	}
	klog.Infof("Finished %d epochs in %s", d.Epochs, commandline.FormatDuration(time.Since(start)))
	return nil
}

func (d *Driver) runEpoch(epoch, stepsDone int, pBar *progressBar) (err error) {
	epochStart := time.Now()
	if pBar != nil {
		pBar.onEpochStart(epoch, stepsDone)
		defer pBar.onEpochEnd()
	}
	var metrics transfer.Metrics
	for step := stepsDone; step < d.StepsPerEpoch; step++ {
		stepStart := time.Now()
		metrics, err = d.Model.Step()
		if err != nil {
			return errors.WithMessagef(err, "epoch %d, step %d", epoch, step)
		}
		if pBar != nil {
			pBar.onStep(d.Model.GlobalStep(), metrics, time.Since(stepStart))
		}
	}

	img, err := d.Model.Image()
	if err != nil {
		return errors.WithMessagef(err, "epoch %d", epoch)
	}
	if err = d.Snapshots.Snapshot(epoch, img); err != nil {
		return errors.WithMessagef(err, "epoch %d", epoch)
	}
	if d.Checkpoint != nil {
		if err = d.Checkpoint.Save(); err != nil {
			return errors.WithMessagef(err, "saving checkpoint at epoch %d", epoch)
		}
	}
	klog.V(1).Infof("Epoch %d/%d done in %s: %s", epoch, d.Epochs,
		commandline.FormatDuration(time.Since(epochStart)), metrics)
	return nil
}
