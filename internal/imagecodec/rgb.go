// Package imagecodec converts camera frames and reference artifacts into
// image.Image values for scoring.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/png"
)

// DecodeRGB decodes a base64 raw RGB frame (row-major, 3 bytes per pixel).
func DecodeRGB(b64 string, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("bad frame size %dx%d", width, height)
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("frame: %w", err)
	}
	if want := width * height * 3; len(raw) != want {
		return nil, fmt.Errorf("frame: got %d bytes, want %d for %dx%d", len(raw), want, width, height)
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < len(raw); i, j = i+3, j+4 {
		img.Pix[j] = raw[i]
		img.Pix[j+1] = raw[i+1]
		img.Pix[j+2] = raw[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

// EncodeRGB is the inverse of DecodeRGB. Alpha is dropped.
func EncodeRGB(img image.Image) string {
	b := img.Bounds()
	raw := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
			raw = append(raw, c.R, c.G, c.B)
		}
	}
	return base64.StdEncoding.EncodeToString(raw)
}

// EncodePNG returns img as PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
