// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imageio loads images into tensors in the layout used by the optimization, and writes
// the stylized snapshots back to disk.
//
// Images are handled as float32 tensors shaped `[1, height, width, 3]` with values in [0, 1].
package imageio

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"k8s.io/klog/v2"
)

// Load decodes the image in filePath and resizes it so that its longer side is maxDim pixels.
//
// The shorter side is scaled by the same factor, truncated to an integer (minimum 1).
// The returned tensor is float32 shaped `[1, height, width, 3]`, with values in [0, 1]; any alpha channel is dropped.
func Load(filePath string, maxDim int) (*tensors.Tensor, error) {
	img, err := Decode(filePath)
	if err != nil {
		return nil, err
	}
	return FromImage(img, maxDim)
}

// Decode reads and decodes the image in filePath, without any resizing.
func Decode(filePath string) (image.Image, error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open image %q", filePath)
	}
	defer func() { _ = f.Close() }()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image %q", filePath)
	}
	klog.V(1).Infof("decoded %s image %q: %dx%d", format, filePath, img.Bounds().Dx(), img.Bounds().Dy())
	return img, nil
}

// FromImage resizes img so its longer side is maxDim (see ScaledSize) and converts it to a
// float32 tensor shaped `[1, height, width, 3]`, with values in [0, 1].
func FromImage(img image.Image, maxDim int) (*tensors.Tensor, error) {
	if maxDim <= 0 {
		return nil, errors.Errorf("invalid maxDim=%d, it must be > 0", maxDim)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, errors.Errorf("empty image with bounds %v", bounds)
	}
	width, height := ScaledSize(bounds.Dx(), bounds.Dy(), maxDim)
	resized := imaging.Resize(img, width, height, imaging.Lanczos)
	return images.ToTensor(dtypes.Float32).MaxValue(1.0).Batch([]image.Image{resized}), nil
}

// ScaledSize returns the dimensions of an image of the given width and height scaled such that
// the longer side becomes maxDim. The shorter side is truncated, but never less than 1.
func ScaledSize(width, height, maxDim int) (newWidth, newHeight int) {
	longDim := max(width, height)
	newWidth = max(width*maxDim/longDim, 1)
	newHeight = max(height*maxDim/longDim, 1)
	if width >= height {
		newWidth = maxDim
	} else {
		newHeight = maxDim
	}
	return
}

// ToImage converts a tensor shaped `[1, height, width, 3]` with values in [0, 1] to an image.
func ToImage(t *tensors.Tensor) (image.Image, error) {
	if err := checkImageTensor(t); err != nil {
		return nil, err
	}
	return images.ToImage().MaxValue(1.0).Batch(t)[0], nil
}

func checkImageTensor(t *tensors.Tensor) error {
	if t == nil {
		return errors.New("nil image tensor")
	}
	dims := t.Shape().Dimensions
	if t.DType() != dtypes.Float32 || len(dims) != 4 || dims[0] != 1 || dims[3] != 3 {
		return errors.Errorf("image tensor must be float32 shaped [1, height, width, 3], got %s", t.Shape())
	}
	return nil
}

// Writer writes the snapshots of the image being optimized as `<Dir>/<epoch>.jpg`.
type Writer struct {
	// Dir where to write the images. It is created if it doesn't exist.
	Dir string

	// Quality of the JPEG encoding, from 1 to 100.
	Quality int

	// PreserveColorsOf, if set, is the content image whose colors are kept in the snapshots:
	// only the lightness of the stylized image is used. See PreserveColors.
	PreserveColorsOf *tensors.Tensor
}

// Snapshot writes the image for the given epoch (1-based), overwriting any previous file with the same name.
func (w *Writer) Snapshot(epoch int, t *tensors.Tensor) error {
	img, err := ToImage(t)
	if err != nil {
		return errors.WithMessagef(err, "snapshot of epoch %d", epoch)
	}
	if w.PreserveColorsOf != nil {
		colorsImg, err := ToImage(w.PreserveColorsOf)
		if err != nil {
			return errors.WithMessagef(err, "image to preserve colors from")
		}
		img, err = PreserveColors(img, colorsImg)
		if err != nil {
			return err
		}
	}
	return w.save(fmt.Sprintf("%d.jpg", epoch), img)
}

// Path returns the path of the snapshot for the given epoch.
func (w *Writer) Path(epoch int) string {
	return filepath.Join(fsutil.MustReplaceTildeInDir(w.Dir), fmt.Sprintf("%d.jpg", epoch))
}

func (w *Writer) save(name string, img image.Image) error {
	dir := fsutil.MustReplaceTildeInDir(w.Dir)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create output directory %q", dir)
	}
	quality := w.Quality
	if quality <= 0 {
		quality = 95
	}
	filePath := filepath.Join(dir, name)
	if err := imaging.Save(img, filePath, imaging.JPEGQuality(quality)); err != nil {
		return errors.Wrapf(err, "failed to save image to %q", filePath)
	}
	if klog.V(1).Enabled() {
		if info, err := os.Stat(filePath); err == nil {
			klog.Infof("saved %q (%s)", filePath, humanize.Bytes(uint64(info.Size())))
		}
	}
	return nil
}
