package validate

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"

	"posecapture/internal/pose"
	"posecapture/internal/vision"
)

// DegreeScale converts a normalised landmark offset to degrees.
const DegreeScale = 45.0

// RawAngles is the unsmoothed yaw/pitch estimate for one face.
type RawAngles struct {
	Yaw   float64
	Pitch float64
}

// EstimateAngles derives yaw and pitch from 2-D landmarks. Yaw is the nose
// tip's horizontal offset from the eye midpoint, pitch its offset from the
// left eye centre across the eye line; both are divided by the inter-eye
// distance and multiplied by scale. ok is false when the landmarks are
// incomplete or the eyes coincide.
func EstimateAngles(l vision.Landmarks, scale float64) (RawAngles, bool) {
	tip, ok := l.NoseTip()
	if !ok || len(l.LeftEye) == 0 || len(l.RightEye) == 0 {
		return RawAngles{}, false
	}
	left := centroid(l.LeftEye)
	right := centroid(l.RightEye)
	nose := r2.Vec{X: tip.X, Y: tip.Y}

	eyeLine := r2.Sub(right, left)
	dist := r2.Norm(eyeLine)
	if dist == 0 {
		return RawAngles{}, false
	}
	theta := math.Atan2(eyeLine.Y, eyeLine.X)
	mid := r2.Scale(0.5, r2.Add(left, right))

	d := r2.Sub(nose, left)
	rotatedY := math.Cos(theta)*d.Y - math.Sin(theta)*d.X

	return RawAngles{
		Yaw:   (nose.X - mid.X) / dist * scale,
		Pitch: rotatedY / dist * scale,
	}, true
}

func centroid(pts []vision.Point) r2.Vec {
	var sum r2.Vec
	for _, p := range pts {
		sum = r2.Add(sum, r2.Vec{X: p.X, Y: p.Y})
	}
	return r2.Scale(1/float64(len(pts)), sum)
}

// CheckAngles compares rounded angles with a pose's ranges.
func CheckAngles(spec pose.Spec, yaw, pitch int) Axis {
	okYaw := spec.Yaw.Contains(yaw)
	okPitch := spec.Pitch.Contains(pitch)
	switch {
	case !okYaw && !okPitch:
		return AxisBoth
	case !okYaw:
		return AxisYaw
	case !okPitch:
		return AxisPitch
	default:
		return AxisNone
	}
}
