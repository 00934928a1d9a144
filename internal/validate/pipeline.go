package validate

import (
	"context"
	"errors"
	"math"

	"posecapture/internal/detector"
	"posecapture/internal/pose"
	"posecapture/internal/vision"
)

// Config tunes the validation pipeline.
type Config struct {
	Lighting    Lighting `json:"lighting"`
	Guide       Guide    `json:"guide"`
	Alpha       float64  `json:"alpha"`
	DegreeScale float64  `json:"degree_scale"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Lighting:    DefaultLighting(),
		Guide:       DefaultGuide(),
		Alpha:       Alpha,
		DegreeScale: DegreeScale,
	}
}

// Pipeline runs lighting, face count, position and angle checks in that
// order. The first failing check decides the verdict.
//
// Evaluation is split around the detector call: Precheck covers the
// whole-frame checks and Judge consumes the detector's answer. A caller that
// runs detection asynchronously calls them separately; Evaluate chains both.
type Pipeline struct {
	cfg Config
}

// New returns a Pipeline. Zero fields in cfg fall back to defaults.
func New(cfg Config) *Pipeline {
	def := DefaultConfig()
	if cfg.Lighting == (Lighting{}) {
		cfg.Lighting = def.Lighting
	}
	if cfg.Guide == (Guide{}) {
		cfg.Guide = def.Guide
	}
	if cfg.Alpha == 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.DegreeScale == 0 {
		cfg.DegreeScale = def.DegreeScale
	}
	return &Pipeline{cfg: cfg}
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Precheck runs the lighting check. ok is false when the returned verdict is
// already final and detection should be skipped.
func (p *Pipeline) Precheck(frame *vision.Frame) (Verdict, bool) {
	lum := Luminance(frame.Image)
	switch p.cfg.Lighting.Check(lum) {
	case ReasonTooDark:
		v := reject(ReasonTooDark, msgTooDark)
		v.Luminance = lum
		return v, false
	case ReasonTooBright:
		v := reject(ReasonTooBright, msgTooBright)
		v.Luminance = lum
		return v, false
	}
	return Verdict{Luminance: lum}, true
}

// Judge completes a verdict from a detector answer. pre is the verdict
// returned by a passing Precheck. spec is nil when the current pose is
// unknown. state is only advanced when the angle stage is reached.
func (p *Pipeline) Judge(frame *vision.Frame, pre Verdict, det vision.Detection, detErr error, spec *pose.Spec, state *SmoothingState) Verdict {
	lum := pre.Luminance
	finish := func(v Verdict) Verdict {
		v.Luminance = lum
		if spec != nil {
			v.PoseID = spec.ID
		}
		return v
	}

	if detErr != nil {
		var v Verdict
		if errors.Is(detErr, detector.ErrModelNotLoaded) {
			v = reject(ReasonDetectorUnavailable, msgDetectorUnavailable)
		} else {
			v = reject(ReasonNoFace, msgNoFace)
		}
		v.DetectorError = detErr.Error()
		return finish(v)
	}

	switch n := len(det.Faces); {
	case n == 0:
		return finish(reject(ReasonNoFace, msgNoFace))
	case n > 1:
		return finish(reject(ReasonMultipleFaces, msgMultipleFaces))
	}
	face := det.Faces[0]

	fit, reason := p.cfg.Guide.Check(face.Box, frame.Width(), frame.Height())
	switch reason {
	case ReasonOutOfGuide:
		v := reject(ReasonOutOfGuide, msgOutOfGuide)
		v.Fit = &fit
		return finish(v)
	case ReasonTooFar:
		v := reject(ReasonTooFar, msgTooFar)
		v.Fit = &fit
		return finish(v)
	}

	raw, ok := EstimateAngles(face.Landmarks, p.cfg.DegreeScale)
	if !ok {
		v := reject(ReasonNoFace, msgNoFace)
		v.Fit = &fit
		return finish(v)
	}
	sy, sp := state.Step(raw.Yaw, raw.Pitch, p.cfg.Alpha)
	yaw, pitch := int(math.Round(sy)), int(math.Round(sp))

	v := Verdict{Yaw: &yaw, Pitch: &pitch, Fit: &fit}
	if spec == nil {
		v.Reason, v.Message = ReasonUnknownPose, msgUnknownPose
		return finish(v)
	}
	if axis := CheckAngles(*spec, yaw, pitch); axis != AxisNone {
		v.Reason, v.Axis = ReasonAngleOutOfRange, axis
		v.Message = AngleMessage(*spec, axis)
		return finish(v)
	}
	v.Valid = true
	v.Message = spec.Message
	return finish(v)
}

// Evaluate runs the whole pipeline synchronously against d.
func (p *Pipeline) Evaluate(ctx context.Context, frame *vision.Frame, d detector.Detector, spec *pose.Spec, state *SmoothingState) Verdict {
	pre, ok := p.Precheck(frame)
	if !ok {
		if spec != nil {
			pre.PoseID = spec.ID
		}
		return pre
	}
	det, err := d.Detect(ctx, frame)
	return p.Judge(frame, pre, det, err, spec, state)
}
