// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// styletransfer renders the content of one image in the style of another, by optimizing the pixels of
// the image to match the features of a pretrained InceptionV3 network.
//
// After each epoch a snapshot is written to `<output>/<epoch>.jpg`.
//
// Example:
//
//	styletransfer -content=photo.jpg -style=painting.jpg -output=/tmp/stylized -set="epochs=5;style_weight=0.2"
package main

import (
	"flag"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/styletransfer/config"
	"github.com/gomlx/styletransfer/driver"
	"github.com/gomlx/styletransfer/features"
	"github.com/gomlx/styletransfer/features/inception"
	"github.com/gomlx/styletransfer/imageio"
	"github.com/gomlx/styletransfer/transfer"
	"github.com/janpfeifer/must"
	"golang.org/x/term"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

// backendEnvVar configures the backend, see backends.New.
const backendEnvVar = "GOMLX_BACKEND"

var (
	flagContent        = flag.String("content", "", "Path of the content image. Required.")
	flagStyle          = flag.String("style", "", "Path of the style image. Required.")
	flagOutput         = flag.String("output", ".", "Directory where to write the snapshots, one per epoch.")
	flagDataDir        = flag.String("data", "~/.cache/styletransfer", "Directory where to download the pretrained network weights.")
	flagCheckpoint     = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If empty, no checkpoints are created.")
	flagBackend        = flag.String("backend", "", "Backend configuration, e.g. \"xla:cuda\". If empty, uses $GOMLX_BACKEND or the default backend.")
	flagPreserveColors = flag.Bool("preserve_colors", false, "Keep the colors of the content image in the snapshots, using only the lightness of the stylized image.")
)

func main() {
	ctx := config.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	if *flagContent == "" || *flagStyle == "" {
		klog.Exitf("Both -content and -style must be given.")
	}
	for _, imagePath := range []string{*flagContent, *flagStyle} {
		if !must.M1(fsutil.FileExists(fsutil.MustReplaceTildeInDir(imagePath))) {
			klog.Exitf("Image %q not found.", imagePath)
		}
	}
	paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
	if err != nil {
		klog.Exitf("Invalid -set: %v", err)
	}
	cfg, err := config.FromContext(ctx)
	if err != nil {
		klog.Exitf("Invalid configuration: %v", err)
	}
	klog.Infof("Settings: %s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	klog.Infof("Optimizing for %d epochs of %d steps (%s steps total)", cfg.Epochs, cfg.StepsPerEpoch,
		humanize.Comma(int64(cfg.TotalSteps())))

	styleLayers, contentLayers := cfg.StyleLayers, cfg.ContentLayers
	if len(styleLayers) == 0 {
		styleLayers = inception.DefaultStyleLayers
	}
	if len(contentLayers) == 0 {
		contentLayers = inception.DefaultContentLayers
	}
	extractor, err := features.NewExtractor(inception.New(*flagDataDir), styleLayers, contentLayers)
	if err != nil {
		klog.Exitf("Invalid layers: %v", err)
	}

	content := must.M1(imageio.Load(fsutil.MustReplaceTildeInDir(*flagContent), cfg.MaxDim))
	style := must.M1(imageio.Load(fsutil.MustReplaceTildeInDir(*flagStyle), cfg.MaxDim))
	must.M(inception.DownloadWeights(*flagDataDir))

	if *flagBackend != "" {
		must.M(os.Setenv(backendEnvVar, *flagBackend))
	}
	backend := backends.MustNew()
	klog.Infof("Backend: %s", backend.Description())

	var checkpoint *checkpoints.Handler
	if *flagCheckpoint != "" {
		checkpoint = must.M1(checkpoints.Build(ctx).
			Dir(fsutil.MustReplaceTildeInDir(*flagCheckpoint)).
			Keep(cfg.CheckpointKeep).
			ExcludeAllParams().
			Done())
	}
	model := must.M1(transfer.New(backend, ctx, cfg, extractor, content, style))
	defer model.Finalize()

	writer := &imageio.Writer{Dir: *flagOutput, Quality: cfg.JPEGQuality}
	if *flagPreserveColors {
		writer.PreserveColorsOf = content
	}
	d := &driver.Driver{
		Epochs:        cfg.Epochs,
		StepsPerEpoch: cfg.StepsPerEpoch,
		Model:         model,
		Snapshots:     writer,
		ShowProgress:  term.IsTerminal(int(os.Stdout.Fd())),
	}
	if checkpoint != nil {
		checkpoint.ExcludeVarsFromSaving(model.DerivedVariables()...)
		d.Checkpoint = checkpoint
	}
	if err = d.Run(); err != nil {
		klog.Fatalf("Failed: %+v", err)
	}
	klog.Infof("Final image: %s", writer.Path(cfg.Epochs))
}
