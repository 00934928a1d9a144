package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"posecapture/internal/detector"
	"posecapture/internal/events"
	"posecapture/internal/pose"
	"posecapture/internal/sequence"
	"posecapture/internal/validate"
	"posecapture/internal/vision"
)

type fakeSource struct {
	mu    sync.Mutex
	frame *vision.Frame
}

func (f *fakeSource) Current() (*vision.Frame, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frame, f.frame != nil
}

func (f *fakeSource) set(frame *vision.Frame) {
	f.mu.Lock()
	f.frame = frame
	f.mu.Unlock()
}

type scriptDetector struct {
	mu    sync.Mutex
	det   vision.Detection
	err   error
	calls int
	block chan struct{}
}

func (d *scriptDetector) Detect(ctx context.Context, frame *vision.Frame) (vision.Detection, error) {
	d.mu.Lock()
	d.calls++
	block := d.block
	det, err := d.det, d.err
	d.mu.Unlock()
	if block != nil {
		<-block
	}
	return det, err
}

func (d *scriptDetector) set(det vision.Detection, err error) {
	d.mu.Lock()
	d.det, d.err = det, err
	d.mu.Unlock()
}

func (d *scriptDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Notify(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ events.Type) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

type chanCue struct{ played chan struct{} }

func (c *chanCue) Play(ctx context.Context) error {
	select {
	case c.played <- struct{}{}:
	default:
	}
	return nil
}

type memSink struct {
	mu     sync.Mutex
	photos []sequence.Photo
}

func (m *memSink) Accept(ctx context.Context, session string, photo sequence.Photo) error {
	m.mu.Lock()
	m.photos = append(m.photos, photo)
	m.mu.Unlock()
	return nil
}

func (m *memSink) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.photos)
}

type harness struct {
	s    *Session
	src  *fakeSource
	det  *scriptDetector
	obs  *recorder
	cue  *chanCue
	sink *memSink
	t0   time.Time
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func profileOf(t *testing.T, ids ...string) *pose.Profile {
	t.Helper()
	def := pose.Default()
	p := &pose.Profile{Name: "test"}
	for _, id := range ids {
		spec, _, ok := def.Lookup(id)
		if !ok {
			t.Fatalf("pose %s missing", id)
		}
		p.Poses = append(p.Poses, spec)
	}
	return p
}

func greyFrame(g uint8) *vision.Frame {
	img := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = g, g, g, 255
	}
	return &vision.Frame{Image: img, Seq: 1}
}

// faceAt returns a single centred face whose raw angle estimate is yaw/pitch.
func faceAt(yaw, pitch float64) vision.Detection {
	const eyeY, dist = 200.0, 90.0
	tip := vision.Point{X: 320 + yaw*dist/validate.DegreeScale, Y: eyeY + pitch*dist/validate.DegreeScale}
	return vision.Detection{Faces: []vision.Face{{
		Box: vision.Box{X: 240, Y: 140, Width: 160, Height: 200},
		Landmarks: vision.Landmarks{
			LeftEye:  []vision.Point{{X: 320 - dist/2, Y: eyeY}},
			RightEye: []vision.Point{{X: 320 + dist/2, Y: eyeY}},
			Nose:     []vision.Point{{X: 320, Y: eyeY}, {X: 320, Y: eyeY + 10}, {X: 320, Y: eyeY + 20}, tip},
		},
	}}}
}

func newHarness(t *testing.T, profile *pose.Profile) *harness {
	t.Helper()
	h := &harness{
		src:  &fakeSource{frame: greyFrame(128)},
		det:  &scriptDetector{},
		obs:  &recorder{},
		cue:  &chanCue{played: make(chan struct{}, 16)},
		sink: &memSink{},
		t0:   time.Unix(1700000000, 0),
	}
	s, err := NewSession("s1", DefaultConfig(), Deps{
		Source:   h.src,
		Detector: h.det,
		Profile:  profile,
		Cue:      h.cue,
		Sink:     h.sink,
		Observer: h.obs,
		Log:      quietLogger(),
		Now:      func() time.Time { return h.t0 },
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	h.s = s
	return h
}

// step runs one tick at t0+offset and completes any detection it started.
func (h *harness) step(t *testing.T, offset time.Duration) {
	t.Helper()
	ctx := context.Background()
	now := h.t0.Add(offset)
	h.s.tick(ctx, now)
	if !h.s.inFlight {
		return
	}
	select {
	case r := <-h.s.results:
		h.s.onDetection(ctx, now, r)
	case <-time.After(2 * time.Second):
		t.Fatalf("detection did not complete")
	}
}

func (h *harness) snapshot() Snapshot { return h.s.buildSnapshot() }

func TestNewSessionRequiresSourceAndDetector(t *testing.T) {
	if _, err := NewSession("x", DefaultConfig(), Deps{Detector: &scriptDetector{}}); err == nil {
		t.Fatalf("expected error without a source")
	}
	if _, err := NewSession("x", DefaultConfig(), Deps{Source: &fakeSource{}}); err == nil {
		t.Fatalf("expected error without a detector")
	}
}

func TestTooDarkSkipsDetectionAndNeverArms(t *testing.T) {
	h := newHarness(t, profileOf(t, "halfLeft"))
	h.src.set(greyFrame(30))
	h.det.set(faceAt(22, 30), nil)

	for i := 0; i < 5; i++ {
		h.step(t, time.Duration(i)*100*time.Millisecond)
	}
	if h.det.callCount() != 0 {
		t.Fatalf("detector called %d times for a dark frame", h.det.callCount())
	}
	snap := h.snapshot()
	if snap.Verdict == nil || snap.Verdict.Reason != validate.ReasonTooDark {
		t.Fatalf("expected too dark verdict, got %+v", snap.Verdict)
	}
	if snap.Armed || h.obs.count(events.TypeArmed) != 0 {
		t.Fatalf("dark frames must not arm")
	}
}

func TestHalfLeftArmsOnceSmoothedYawEntersRange(t *testing.T) {
	h := newHarness(t, profileOf(t, "halfLeft", "halfRight"))
	wantValid := []bool{false, false, true, true}
	for i, raw := range []float64{10, 30, 30, 30} {
		h.det.set(faceAt(raw, 30), nil)
		h.step(t, time.Duration(i)*100*time.Millisecond)
		v := h.snapshot().Verdict
		if v == nil || v.Valid != wantValid[i] {
			t.Fatalf("tick %d: expected valid=%v, got %+v", i, wantValid[i], v)
		}
	}
	if got := *h.snapshot().Verdict.Yaw; got != 23 {
		t.Fatalf("expected smoothed yaw 23, got %d", got)
	}
	if n := h.obs.count(events.TypeArmed); n != 1 {
		t.Fatalf("expected a single arm, got %d", n)
	}
}

func TestManualPoseNeedsCaptureNow(t *testing.T) {
	h := newHarness(t, profileOf(t, "center", "halfLeft"))
	ctx := context.Background()
	h.det.set(faceAt(0, 20), nil)

	for i := 0; i < 30; i++ {
		h.step(t, time.Duration(i)*100*time.Millisecond)
	}
	snap := h.snapshot()
	if snap.Verdict == nil || !snap.Verdict.Valid {
		t.Fatalf("expected center to validate, got %+v", snap.Verdict)
	}
	if snap.Armed || len(snap.Captured) != 0 {
		t.Fatalf("manual pose must not auto capture: %+v", snap)
	}

	now := h.t0.Add(3 * time.Second)
	if err := h.s.captureNow(ctx, now); err != nil {
		t.Fatalf("captureNow: %v", err)
	}
	if snap := h.snapshot(); snap.Pending != "center" || snap.Pose != "center" {
		t.Fatalf("expected pending center, got %+v", snap)
	}
	pending, ok := h.obs.last(events.TypePending)
	if !ok || len(pending.Preview) == 0 {
		t.Fatalf("expected pending event with preview")
	}
	if err := h.s.captureNow(ctx, now); !errors.Is(err, sequence.ErrPendingConfirmation) {
		t.Fatalf("expected pending confirmation error, got %v", err)
	}
	if h.sink.len() != 0 {
		t.Fatalf("pending photo must not reach the sink")
	}

	if err := h.s.confirm(ctx, now, true); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	snap = h.snapshot()
	if snap.Pose != "halfLeft" || len(snap.Captured) != 1 || h.sink.len() != 1 {
		t.Fatalf("expected advance to halfLeft with one photo, got %+v", snap)
	}
	if snap.Verdict != nil {
		t.Fatalf("verdict should reset on advance")
	}
	if !snap.CoolingDown {
		t.Fatalf("expected cooldown after confirm")
	}
}

func TestConfirmRejectStaysOnPose(t *testing.T) {
	h := newHarness(t, profileOf(t, "center", "halfLeft"))
	ctx := context.Background()
	h.det.set(faceAt(0, 20), nil)
	h.step(t, 0)
	if err := h.s.captureNow(ctx, h.t0); err != nil {
		t.Fatalf("captureNow: %v", err)
	}
	if err := h.s.confirm(ctx, h.t0, false); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	snap := h.snapshot()
	if snap.Pose != "center" || snap.Pending != "" || len(snap.Captured) != 0 {
		t.Fatalf("reject should keep state, got %+v", snap)
	}
	if h.obs.count(events.TypeRejected) != 1 {
		t.Fatalf("expected rejected event")
	}
	if err := h.s.confirm(ctx, h.t0, true); !errors.Is(err, sequence.ErrNoPending) {
		t.Fatalf("expected no pending error, got %v", err)
	}
}

func TestCaptureNowRequiresValidVerdict(t *testing.T) {
	h := newHarness(t, profileOf(t, "center"))
	ctx := context.Background()
	if err := h.s.captureNow(ctx, h.t0); !errors.Is(err, ErrNotValid) {
		t.Fatalf("expected not valid before any verdict, got %v", err)
	}
	h.det.set(vision.Detection{}, nil)
	h.step(t, 0)
	if err := h.s.captureNow(ctx, h.t0); !errors.Is(err, ErrNotValid) {
		t.Fatalf("expected not valid with no face, got %v", err)
	}
}

func TestAutoCaptureFiresAndCoolsDown(t *testing.T) {
	h := newHarness(t, profileOf(t, "halfLeft", "halfRight"))
	h.det.set(faceAt(22, 30), nil)

	h.step(t, 0)
	if !h.snapshot().Armed {
		t.Fatalf("expected armed after first valid tick")
	}
	select {
	case <-h.cue.played:
	case <-time.After(2 * time.Second):
		t.Fatalf("cue not played")
	}
	for ms := 100; ms < 1000; ms += 100 {
		h.step(t, time.Duration(ms)*time.Millisecond)
	}
	if h.obs.count(events.TypeArmed) != 1 || h.sink.len() != 0 {
		t.Fatalf("expected one arm and no photo before the delay")
	}

	h.step(t, time.Second)
	snap := h.snapshot()
	if len(snap.Captured) != 1 || snap.Captured[0] != "halfLeft" || snap.Pose != "halfRight" {
		t.Fatalf("expected halfLeft captured and advance, got %+v", snap)
	}
	if !snap.CoolingDown || snap.Cooldown != 3 {
		t.Fatalf("expected 3 step cooldown, got %+v", snap)
	}

	h.det.set(faceAt(-22, 30), nil)
	for ms := 1100; ms < 4000; ms += 100 {
		h.step(t, time.Duration(ms)*time.Millisecond)
		if h.snapshot().Armed {
			t.Fatalf("armed during cooldown at +%dms", ms)
		}
	}
	if v := h.snapshot().Verdict; v == nil || !v.Valid {
		t.Fatalf("verdicts should still be computed during cooldown, got %+v", v)
	}
	h.step(t, 4*time.Second)
	if snap := h.snapshot(); !snap.Armed || snap.CoolingDown {
		t.Fatalf("expected re-arm once cooldown expired, got %+v", snap)
	}
	if h.obs.count(events.TypeCooldown) < 4 {
		t.Fatalf("expected cooldown countdown events")
	}
}

func TestFireTimeRecheckDropsStaleArm(t *testing.T) {
	h := newHarness(t, profileOf(t, "halfLeft", "halfRight"))
	h.det.set(faceAt(22, 30), nil)
	h.step(t, 0)

	h.det.set(vision.Detection{}, nil)
	h.step(t, 500*time.Millisecond)
	h.step(t, time.Second)

	snap := h.snapshot()
	if len(snap.Captured) != 0 || snap.Armed || snap.CoolingDown {
		t.Fatalf("expected silent drop without cooldown, got %+v", snap)
	}

	h.det.set(faceAt(22, 30), nil)
	h.step(t, 1100*time.Millisecond)
	if !h.snapshot().Armed || h.obs.count(events.TypeArmed) != 2 {
		t.Fatalf("expected re-arm on next valid tick")
	}
}

func TestAutoCaptureEncodesJudgedFrame(t *testing.T) {
	h := newHarness(t, profileOf(t, "halfLeft", "halfRight"))
	judged := greyFrame(128)
	h.src.set(judged)
	h.det.set(faceAt(22, 30), nil)
	for ms := 0; ms < 1000; ms += 100 {
		h.step(t, time.Duration(ms)*time.Millisecond)
	}

	h.src.set(greyFrame(200))
	h.step(t, time.Second)
	if h.sink.len() != 1 {
		t.Fatalf("expected one photo, got %d", h.sink.len())
	}
	want, err := vision.EncodeJPEG(judged.Image, DefaultConfig().JPEGQuality)
	if err != nil {
		t.Fatal(err)
	}
	h.sink.mu.Lock()
	got := h.sink.photos[0].Data
	h.sink.mu.Unlock()
	if !bytes.Equal(got, want) {
		t.Fatalf("photo should be the frame that passed validation, not the newest one")
	}
}

func TestRetakeAdvancesOntoCapturedPoseAndRearms(t *testing.T) {
	h := newHarness(t, profileOf(t, "halfLeft", "halfRight"))
	ctx := context.Background()
	left, right := faceAt(22, 30), faceAt(-22, 30)

	h.det.set(left, nil)
	h.step(t, 0)
	h.step(t, time.Second)
	h.det.set(right, nil)
	h.step(t, 4*time.Second)
	h.step(t, 5*time.Second)
	if !h.snapshot().Complete {
		t.Fatalf("expected complete, got %+v", h.snapshot())
	}

	if err := h.s.retake(ctx, "halfLeft"); err != nil {
		t.Fatalf("retake: %v", err)
	}
	h.det.set(left, nil)
	h.step(t, 6*time.Second)
	h.step(t, 7*time.Second)
	if snap := h.snapshot(); snap.Pose != "halfRight" || snap.Complete {
		t.Fatalf("expected advance to halfRight after retake, got %+v", snap)
	}

	h.det.set(right, nil)
	h.step(t, 10*time.Second)
	if !h.snapshot().Armed {
		t.Fatalf("pose that already holds a photo should still arm")
	}
	h.step(t, 11*time.Second)
	if !h.snapshot().Complete || h.sink.len() != 4 {
		t.Fatalf("expected complete with the photo recaptured, got %+v sink=%d", h.snapshot(), h.sink.len())
	}
}

func TestDetectorUnavailableDisablesTrigger(t *testing.T) {
	h := newHarness(t, profileOf(t, "halfLeft"))
	ctx := context.Background()
	h.det.set(faceAt(22, 30), nil)
	h.step(t, 0)

	h.det.set(vision.Detection{}, detector.ErrModelNotLoaded)
	h.step(t, 100*time.Millisecond)
	h.step(t, 200*time.Millisecond)

	snap := h.snapshot()
	if !snap.DetectorDown || snap.Armed {
		t.Fatalf("expected detector down and disarmed, got %+v", snap)
	}
	if snap.Verdict.Reason != validate.ReasonDetectorUnavailable {
		t.Fatalf("unexpected reason %q", snap.Verdict.Reason)
	}
	if n := h.obs.count(events.TypeDetectorError); n != 1 {
		t.Fatalf("expected one detector_error event, got %d", n)
	}
	if err := h.s.captureNow(ctx, h.t0); !errors.Is(err, ErrDetectorUnavailable) {
		t.Fatalf("expected detector unavailable, got %v", err)
	}

	h.det.set(faceAt(22, 30), nil)
	h.step(t, 300*time.Millisecond)
	if snap := h.snapshot(); snap.DetectorDown || !snap.Armed {
		t.Fatalf("expected recovery and re-arm, got %+v", snap)
	}
}

func TestDetectorErrorIsNoFace(t *testing.T) {
	h := newHarness(t, profileOf(t, "halfLeft"))
	h.det.set(vision.Detection{}, errors.New("connection reset"))
	h.step(t, 0)
	snap := h.snapshot()
	if snap.Verdict.Reason != validate.ReasonNoFace || snap.DetectorDown {
		t.Fatalf("expected no face verdict, got %+v", snap)
	}
	e, ok := h.obs.last(events.TypeDetectorError)
	if !ok || e.Error != "connection reset" {
		t.Fatalf("expected detector_error event, got %+v", e)
	}
}

func TestRetakeCancelsCooldownAndStaleDetections(t *testing.T) {
	h := newHarness(t, profileOf(t, "halfLeft", "halfRight"))
	ctx := context.Background()
	h.det.set(faceAt(22, 30), nil)
	h.step(t, 0)
	h.step(t, time.Second)
	if !h.snapshot().CoolingDown {
		t.Fatalf("expected cooldown after capture")
	}

	h.s.tick(ctx, h.t0.Add(1100*time.Millisecond))
	if !h.s.inFlight {
		t.Fatalf("expected a detection in flight")
	}
	if err := h.s.retake(ctx, "halfLeft"); err != nil {
		t.Fatalf("retake: %v", err)
	}
	r := <-h.s.results
	h.s.onDetection(ctx, h.t0.Add(1100*time.Millisecond), r)

	snap := h.snapshot()
	if snap.Pose != "halfLeft" || len(snap.Captured) != 0 {
		t.Fatalf("expected halfLeft current with no photos, got %+v", snap)
	}
	if snap.CoolingDown || snap.Armed {
		t.Fatalf("retake should cancel trigger state, got %+v", snap)
	}
	if snap.Verdict != nil {
		t.Fatalf("stale detection should be discarded, got %+v", snap.Verdict)
	}
	if err := h.s.retake(ctx, "nope"); !errors.Is(err, sequence.ErrUnknownPose) {
		t.Fatalf("expected unknown pose, got %v", err)
	}
}

func TestOneDetectionInFlight(t *testing.T) {
	h := newHarness(t, profileOf(t, "halfLeft"))
	ctx := context.Background()
	release := make(chan struct{})
	h.det.block = release
	h.det.set(faceAt(22, 30), nil)

	h.s.tick(ctx, h.t0)
	h.s.tick(ctx, h.t0.Add(100*time.Millisecond))
	h.s.tick(ctx, h.t0.Add(200*time.Millisecond))
	close(release)
	r := <-h.s.results
	h.s.onDetection(ctx, h.t0.Add(200*time.Millisecond), r)

	if h.det.callCount() != 1 {
		t.Fatalf("expected one detector call, got %d", h.det.callCount())
	}
	if h.snapshot().Skipped != 2 {
		t.Fatalf("expected two skipped ticks, got %d", h.snapshot().Skipped)
	}
}

func TestCompleteStopsValidationUntilRetake(t *testing.T) {
	h := newHarness(t, profileOf(t, "halfLeft"))
	ctx := context.Background()
	h.det.set(faceAt(22, 30), nil)
	h.step(t, 0)
	h.step(t, time.Second)
	if !h.snapshot().Complete || h.obs.count(events.TypeComplete) != 1 {
		t.Fatalf("expected complete")
	}

	calls := h.det.callCount()
	for ms := 1100; ms < 2000; ms += 100 {
		h.step(t, time.Duration(ms)*time.Millisecond)
	}
	if h.det.callCount() != calls {
		t.Fatalf("detector called while complete")
	}
	if err := h.s.captureNow(ctx, h.t0); !errors.Is(err, sequence.ErrComplete) {
		t.Fatalf("expected complete error, got %v", err)
	}

	if err := h.s.retake(ctx, "halfLeft"); err != nil {
		t.Fatalf("retake: %v", err)
	}
	h.step(t, 2*time.Second)
	if h.det.callCount() != calls+1 || h.snapshot().Complete {
		t.Fatalf("expected validation to resume after retake")
	}
}

func TestRunSerialisesCommands(t *testing.T) {
	src := &fakeSource{frame: greyFrame(128)}
	det := &scriptDetector{det: faceAt(0, 20)}
	cfg := Config{
		TickInterval: 5 * time.Millisecond,
		Trigger:      TriggerConfig{Delay: 10 * time.Millisecond, CooldownSteps: 1, CooldownStep: 5 * time.Millisecond},
	}
	s, err := NewSession("run", cfg, Deps{
		Source:   src,
		Detector: det,
		Profile:  profileOf(t, "center", "halfLeft"),
		Log:      quietLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, func() bool {
		v := s.Snapshot().Verdict
		return v != nil && v.Valid
	})
	if err := s.CaptureNow(ctx); err != nil {
		t.Fatalf("CaptureNow: %v", err)
	}
	if err := s.Confirm(ctx, true); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	photos, err := s.Photos(ctx)
	if err != nil || len(photos) != 1 || photos[0].PoseID != "center" {
		t.Fatalf("unexpected photos %v err=%v", photos, err)
	}
	if p, ok, err := s.Photo(ctx, "center"); err != nil || !ok || len(p.Data) == 0 {
		t.Fatalf("expected stored center photo")
	}

	det.set(faceAt(22, 30), nil)
	waitFor(t, func() bool { return s.Snapshot().Complete })

	if err := s.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %v", err)
	}
	s.Close()
	<-s.Done()
	if !s.Snapshot().Closed {
		t.Fatalf("snapshot should report closed")
	}
	if err := s.CaptureNow(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected session closed, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}
