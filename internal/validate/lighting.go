package validate

import "image"

// Lighting bounds the acceptable average luminance on an 8-bit scale.
// Values equal to a bound are accepted.
type Lighting struct {
	Dark   float64 `json:"dark"`
	Bright float64 `json:"bright"`
}

// DefaultLighting returns the 40..240 window.
func DefaultLighting() Lighting {
	return Lighting{Dark: 40, Bright: 240}
}

// Luminance returns the mean of 0.299R + 0.587G + 0.114B over every pixel.
// An empty image has luminance 0.
func Luminance(img *image.RGBA) float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return 0
	}
	// Weights are scaled by 1000 so a uniform grey frame averages exactly to
	// its grey level.
	var total uint64
	for y := 0; y < h; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		row := img.Pix[off : off+w*4]
		for i := 0; i < len(row); i += 4 {
			total += 299*uint64(row[i]) + 587*uint64(row[i+1]) + 114*uint64(row[i+2])
		}
	}
	return float64(total) / 1000 / float64(w*h)
}

// Check classifies an average luminance.
func (l Lighting) Check(lum float64) Reason {
	switch {
	case lum < l.Dark:
		return ReasonTooDark
	case lum > l.Bright:
		return ReasonTooBright
	default:
		return ReasonNone
	}
}
