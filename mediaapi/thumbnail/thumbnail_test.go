// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package thumbnail

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matrixcore/homeserver/mediaapi/storage"
)

func sourcePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodedBounds(t *testing.T, raw []byte) image.Rectangle {
	t.Helper()
	img, _, err := image.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	return img.Bounds()
}

func TestGenerateScalePreservesAspectAndFitsWithinBounds(t *testing.T) {
	src := sourcePNG(t, 200, 100)

	out, contentType, err := Generate(src, 50, 50, storage.ResizeScale)
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)

	b := decodedBounds(t, out)
	assert.LessOrEqual(t, b.Dx(), 50)
	assert.LessOrEqual(t, b.Dy(), 50)
	// 200x100 source scaled to fit 50x50 keeps the 2:1 aspect ratio.
	assert.Equal(t, 50, b.Dx())
	assert.Equal(t, 25, b.Dy())
}

func TestGenerateCropProducesExactRequestedDimensions(t *testing.T) {
	src := sourcePNG(t, 200, 100)

	out, contentType, err := Generate(src, 40, 40, storage.ResizeCrop)
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)

	b := decodedBounds(t, out)
	assert.Equal(t, 40, b.Dx())
	assert.Equal(t, 40, b.Dy())
}

func TestGenerateRejectsNonPositiveDimensions(t *testing.T) {
	src := sourcePNG(t, 10, 10)

	_, _, err := Generate(src, 0, 10, storage.ResizeScale)
	assert.Error(t, err)

	_, _, err = Generate(src, 10, -1, storage.ResizeCrop)
	assert.Error(t, err)
}

func TestGenerateRejectsUndecodableInput(t *testing.T) {
	_, _, err := Generate([]byte("not an image"), 10, 10, storage.ResizeScale)
	assert.Error(t, err)
}
