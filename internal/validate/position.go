package validate

import (
	"math"

	"posecapture/internal/vision"
)

// Guide is the oval target the face box must sit in. The ellipse is centred
// on the frame with radii width/RadiusXDivisor and height/RadiusYDivisor.
type Guide struct {
	RadiusXDivisor    float64 `json:"radius_x_divisor"`
	RadiusYDivisor    float64 `json:"radius_y_divisor"`
	Density           float64 `json:"sample_density"`
	PositionThreshold float64 `json:"position_threshold"`
	SizeThreshold     float64 `json:"size_threshold"`
}

// DefaultGuide returns the w/6 x h/3 ellipse with 0.4 thresholds.
func DefaultGuide() Guide {
	return Guide{
		RadiusXDivisor:    6,
		RadiusYDivisor:    3,
		Density:           10,
		PositionThreshold: 0.4,
		SizeThreshold:     0.4,
	}
}

// Fit holds the two geometric measurements of a face box against the guide.
type Fit struct {
	Intersection float64 `json:"intersection"`
	AreaRatio    float64 `json:"areaRatio"`
}

// Ellipse returns the guide centre and radii for a frame size.
func (g Guide) Ellipse(width, height int) (cx, cy, rx, ry float64) {
	w, h := float64(width), float64(height)
	return w / 2, h / 2, w / g.RadiusXDivisor, h / g.RadiusYDivisor
}

// Measure samples the face box on a regular grid with spacing 1/Density,
// bounds inclusive, and reports the fraction of samples inside the ellipse
// together with the box-to-ellipse area ratio.
func (g Guide) Measure(box vision.Box, width, height int) Fit {
	cx, cy, rx, ry := g.Ellipse(width, height)
	if box.Width < 0 || box.Height < 0 || rx <= 0 || ry <= 0 || g.Density <= 0 {
		return Fit{}
	}
	fit := Fit{AreaRatio: box.Area() / (math.Pi * rx * ry)}

	nx := int(math.Floor(box.Width*g.Density+1e-9)) + 1
	ny := int(math.Floor(box.Height*g.Density+1e-9)) + 1
	step := 1 / g.Density

	// Each column's inside samples form one contiguous run, so count them
	// from the chord instead of visiting every row.
	var inside int
	for i := 0; i < nx; i++ {
		x := box.X + float64(i)*step
		dx := (x - cx) / rx
		rem := 1 - dx*dx
		if rem < 0 {
			continue
		}
		half := ry * math.Sqrt(rem)
		lo := math.Ceil((cy - half - box.Y) * g.Density)
		hi := math.Floor((cy + half - box.Y) * g.Density)
		lo = math.Max(lo, 0)
		hi = math.Min(hi, float64(ny-1))
		if hi >= lo {
			inside += int(hi-lo) + 1
		}
	}
	fit.Intersection = float64(inside) / float64(nx*ny)
	return fit
}

// Check measures box and applies the position then size thresholds.
func (g Guide) Check(box vision.Box, width, height int) (Fit, Reason) {
	fit := g.Measure(box, width, height)
	if fit.Intersection < g.PositionThreshold {
		return fit, ReasonOutOfGuide
	}
	if fit.AreaRatio < g.SizeThreshold {
		return fit, ReasonTooFar
	}
	return fit, ReasonNone
}
