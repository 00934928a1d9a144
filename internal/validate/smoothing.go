package validate

// Alpha is the default smoothing factor.
const Alpha = 0.3

// Smooth applies one exponential moving average step. A nil previous value
// returns raw unchanged.
func Smooth(previous *float64, raw float64, alpha float64) float64 {
	if previous == nil {
		return raw
	}
	return *previous + alpha*(raw-*previous)
}

// Update is Smooth with the default Alpha.
func Update(previous *float64, raw float64) float64 {
	return Smooth(previous, raw, Alpha)
}

// SmoothingState carries the previous smoothed yaw and pitch of one session.
type SmoothingState struct {
	Yaw   *float64
	Pitch *float64
}

// Step smooths a raw sample and stores the results as the new previous values.
func (s *SmoothingState) Step(rawYaw, rawPitch, alpha float64) (yaw, pitch float64) {
	yaw = Smooth(s.Yaw, rawYaw, alpha)
	pitch = Smooth(s.Pitch, rawPitch, alpha)
	s.Yaw, s.Pitch = &yaw, &pitch
	return yaw, pitch
}

// Reset forgets the previous samples.
func (s *SmoothingState) Reset() {
	s.Yaw, s.Pitch = nil, nil
}
