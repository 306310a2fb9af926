// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imageio

import (
	"image"
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
	"github.com/pkg/errors"
)

// PreserveColors returns an image with the lightness (L* in CIE-L*a*b*) of stylized and the
// chromaticity (a* and b*) of colors.
//
// Both images must have the same dimensions.
func PreserveColors(stylized, colors image.Image) (*image.NRGBA, error) {
	sb, cb := stylized.Bounds(), colors.Bounds()
	if sb.Dx() != cb.Dx() || sb.Dy() != cb.Dy() {
		return nil, errors.Errorf("PreserveColors requires images of the same size, got %dx%d and %dx%d",
			sb.Dx(), sb.Dy(), cb.Dx(), cb.Dy())
	}
	out := image.NewNRGBA(image.Rect(0, 0, sb.Dx(), sb.Dy()))
	for y := 0; y < sb.Dy(); y++ {
		for x := 0; x < sb.Dx(); x++ {
			s, _ := colorful.MakeColor(stylized.At(sb.Min.X+x, sb.Min.Y+y))
			c, ok := colorful.MakeColor(colors.At(cb.Min.X+x, cb.Min.Y+y))
			if !ok {
				// Fully transparent pixel: keep the stylized one.
				c = s
			}
			l, _, _ := s.Lab()
			_, a, b := c.Lab()
			r, g, bl := colorful.Lab(l, a, b).Clamped().RGB255()
			out.SetNRGBA(x, y, color.NRGBA{R: r, G: g, B: bl, A: 255})
		}
	}
	return out, nil
}
