package validate

import (
	"fmt"

	"posecapture/internal/pose"
)

// Reason names why a frame was rejected. Empty means valid.
type Reason string

const (
	ReasonNone                Reason = ""
	ReasonNoFace              Reason = "no_face"
	ReasonMultipleFaces       Reason = "multiple_faces"
	ReasonTooDark             Reason = "too_dark"
	ReasonTooBright           Reason = "too_bright"
	ReasonOutOfGuide          Reason = "out_of_guide"
	ReasonTooFar              Reason = "too_far"
	ReasonAngleOutOfRange     Reason = "angle_out_of_range"
	ReasonDetectorUnavailable Reason = "detector_unavailable"
	ReasonUnknownPose         Reason = "unknown_pose"
)

// Axis identifies which angle failed an AngleOutOfRange verdict.
type Axis string

const (
	AxisNone  Axis = ""
	AxisYaw   Axis = "yaw"
	AxisPitch Axis = "pitch"
	AxisBoth  Axis = "both"
)

const (
	msgTooDark             = "Scene is too dark. Please increase lighting."
	msgTooBright           = "Scene is too bright. Please reduce lighting."
	msgNoFace              = "No face detected. Ensure proper positioning and lighting"
	msgMultipleFaces       = "Multiple faces detected"
	msgOutOfGuide          = "Please position your face within the oval guide"
	msgTooFar              = "Please move closer to the camera"
	msgDetectorUnavailable = "Face detection model is not loaded"
	msgUnknownPose         = "Unknown view position"
)

// Verdict is the per-tick validity decision.
type Verdict struct {
	Valid         bool    `json:"valid"`
	Reason        Reason  `json:"reason,omitempty"`
	Axis          Axis    `json:"axis,omitempty"`
	Message       string  `json:"message"`
	Yaw           *int    `json:"yaw"`
	Pitch         *int    `json:"pitch"`
	PoseID        string  `json:"pose,omitempty"`
	Luminance     float64 `json:"luminance"`
	Fit           *Fit    `json:"fit,omitempty"`
	DetectorError string  `json:"detectorError,omitempty"`
}

// Equal compares the user-visible parts of two verdicts.
func (v Verdict) Equal(o Verdict) bool {
	return v.Valid == o.Valid && v.Reason == o.Reason && v.Axis == o.Axis &&
		v.Message == o.Message && v.PoseID == o.PoseID &&
		intPtrEqual(v.Yaw, o.Yaw) && intPtrEqual(v.Pitch, o.Pitch)
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func reject(reason Reason, msg string) Verdict {
	return Verdict{Reason: reason, Message: msg}
}

// AngleMessage describes what range the user should move into.
func AngleMessage(spec pose.Spec, axis Axis) string {
	switch axis {
	case AxisYaw:
		return fmt.Sprintf("Adjust yaw to %s", spec.Yaw)
	case AxisPitch:
		return fmt.Sprintf("Adjust pitch to %s", spec.Pitch)
	case AxisBoth:
		return fmt.Sprintf("Adjust yaw to %s and pitch to %s", spec.Yaw, spec.Pitch)
	default:
		return spec.Message
	}
}
