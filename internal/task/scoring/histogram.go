package scoring

import (
	"context"
	"fmt"
	"image"
)

const histBins = 4

// Histogram scores by RGB color-histogram intersection. Identical color
// distributions score 1 and disjoint ones 0. Ref.Text is ignored.
type Histogram struct{}

func (Histogram) Name() string { return BackendHistogram }

func (Histogram) Score(_ context.Context, live image.Image, ref Reference) (float64, error) {
	if live == nil || ref.Image == nil {
		return 0, fmt.Errorf("histogram: missing image")
	}
	a, b := histogram(live), histogram(ref.Image)
	if a == nil || b == nil {
		return 0, fmt.Errorf("histogram: empty image")
	}
	var s float64
	for i := range a {
		s += min(a[i], b[i])
	}
	return s, nil
}

// histogram returns the normalised joint RGB histogram, nil for an empty image.
func histogram(img image.Image) []float64 {
	r := img.Bounds()
	n := r.Dx() * r.Dy()
	if n <= 0 {
		return nil
	}
	h := make([]float64, histBins*histBins*histBins)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			i := bin(cr)*histBins*histBins + bin(cg)*histBins + bin(cb)
			h[i]++
		}
	}
	for i := range h {
		h[i] /= float64(n)
	}
	return h
}

func bin(c uint32) int {
	return int(c>>8) * histBins / 256
}
