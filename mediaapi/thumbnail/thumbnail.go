// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package thumbnail renders deterministic thumbnails from decoded
// image content (spec §4.9: "aspect-preserving scale; crop centers on
// the longer axis"). Grounded on the SPEC_FULL.md domain-stack entry
// naming github.com/nfnt/resize and golang.org/x/image as the
// teacher's thumbnailing dependencies; nfnt/resize's Resize/Thumbnail
// functions implement the scale step, golang.org/x/image's decoders
// extend format coverage beyond the three the standard library
// registers on its own.
package thumbnail

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/matrixcore/homeserver/mediaapi/storage"
)

// Generate decodes raw and renders a thumbnail for (width, height)
// using method: crop yields exactly width x height, scale fits the
// image within width x height keeping its aspect ratio. It returns the
// encoded bytes and the content type they were encoded with. The output format matches the source
// format where this package can encode it (png/gif), and falls back
// to jpeg otherwise.
func Generate(raw []byte, width, height int, method storage.ResizeMethod) (out []byte, contentType string, err error) {
	if width <= 0 || height <= 0 {
		return nil, "", fmt.Errorf("thumbnail: width and height must be positive, got %dx%d", width, height)
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, "", fmt.Errorf("thumbnail: decode source image: %w", err)
	}

	var thumb image.Image
	switch method {
	case storage.ResizeCrop:
		thumb = cropThenScale(img, width, height)
	default:
		// resize.Thumbnail scales to fit within width x height while
		// preserving aspect ratio, unlike resize.Resize which would
		// distort to the exact dimensions given.
		thumb = resize.Thumbnail(uint(width), uint(height), img, resize.Lanczos3)
	}

	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, thumb)
		contentType = "image/png"
	case "gif":
		err = gif.Encode(&buf, thumb, nil)
		contentType = "image/gif"
	default:
		err = jpeg.Encode(&buf, thumb, &jpeg.Options{Quality: 85})
		contentType = "image/jpeg"
	}
	if err != nil {
		return nil, "", fmt.Errorf("thumbnail: encode thumbnail: %w", err)
	}
	return buf.Bytes(), contentType, nil
}

// cropThenScale crops img to the target aspect ratio, centering the
// crop on whichever axis is longer than the target, then scales the
// crop to the exact requested dimensions.
func cropThenScale(img image.Image, width, height int) image.Image {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()
	targetAspect := float64(width) / float64(height)
	srcAspect := float64(srcW) / float64(srcH)

	cropW, cropH := srcW, srcH
	if srcAspect > targetAspect {
		cropW = int(float64(srcH) * targetAspect)
	} else {
		cropH = int(float64(srcW) / targetAspect)
	}
	if cropW < 1 {
		cropW = 1
	}
	if cropH < 1 {
		cropH = 1
	}
	x0 := b.Min.X + (srcW-cropW)/2
	y0 := b.Min.Y + (srcH-cropH)/2

	cropped := image.NewRGBA(image.Rect(0, 0, cropW, cropH))
	draw.Draw(cropped, cropped.Bounds(), img, image.Point{X: x0, Y: y0}, draw.Src)

	return resize.Resize(uint(width), uint(height), cropped, resize.Lanczos3)
}
