// Package capture runs guided capture sessions: a single goroutine per
// session pulls frames, validates them against the current pose and turns
// stable valid verdicts into photos.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"posecapture/internal/detector"
	"posecapture/internal/events"
	"posecapture/internal/logging"
	"posecapture/internal/pose"
	"posecapture/internal/sequence"
	"posecapture/internal/validate"
	"posecapture/internal/vision"
)

var (
	ErrNotValid            = errors.New("current frame is not valid for the pose")
	ErrCoolingDown         = errors.New("capture cooldown active")
	ErrDetectorUnavailable = errors.New("face detector unavailable")
	ErrSessionClosed       = errors.New("session closed")
	ErrNoFrame             = errors.New("no frame available")
	ErrAlreadyRunning      = errors.New("session already running")
)

// FrameSource yields the most recent frame. ok is false when none is ready.
type FrameSource interface {
	Current() (*vision.Frame, bool)
}

// Cue plays the audible signal when a capture is armed.
type Cue interface {
	Play(ctx context.Context) error
}

// PhotoSink receives photos once they are stored for a pose.
type PhotoSink interface {
	Accept(ctx context.Context, session string, photo sequence.Photo) error
}

// Config controls session timing and encoding.
type Config struct {
	TickInterval  time.Duration `json:"tick_interval"`
	DetectTimeout time.Duration `json:"detect_timeout"`
	Trigger       TriggerConfig `json:"trigger"`
	JPEGQuality   int           `json:"jpeg_quality"`
	PreviewSize   int           `json:"preview_size"`
}

func DefaultConfig() Config {
	return Config{
		TickInterval:  100 * time.Millisecond,
		DetectTimeout: 2 * time.Second,
		Trigger:       DefaultTriggerConfig(),
		JPEGQuality:   92,
		PreviewSize:   240,
	}
}

// Deps are the collaborators a session talks to. Source and Detector are
// required; the rest may be nil.
type Deps struct {
	Source   FrameSource
	Detector detector.Detector
	Pipeline *validate.Pipeline
	Profile  *pose.Profile
	Cue      Cue
	Sink     PhotoSink
	Observer events.Observer
	Log      *slog.Logger
	Now      func() time.Time
}

// Snapshot is a read-only view of a session, safe to read from any goroutine.
type Snapshot struct {
	ID           string            `json:"id"`
	Profile      string            `json:"profile"`
	Pose         string            `json:"pose,omitempty"`
	Index        int               `json:"index"`
	Total        int               `json:"total"`
	Complete     bool              `json:"complete"`
	Pending      string            `json:"pending,omitempty"`
	Armed        bool              `json:"armed"`
	CoolingDown  bool              `json:"coolingDown"`
	Cooldown     int               `json:"cooldown,omitempty"`
	DetectorDown bool              `json:"detectorDown"`
	Verdict      *validate.Verdict `json:"verdict,omitempty"`
	Captured     []string          `json:"captured"`
	Skipped      uint64            `json:"skipped"`
	StartedAt    time.Time         `json:"startedAt"`
	Closed       bool              `json:"closed"`
}

type detectResult struct {
	epoch uint64
	frame *vision.Frame
	pre   validate.Verdict
	det   vision.Detection
	err   error
}

// Session owns one capture sequence. All state below the channels is
// touched only by the Run goroutine; other goroutines go through do().
type Session struct {
	id       string
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
	source   FrameSource
	detector detector.Detector
	pipeline *validate.Pipeline
	cue      Cue
	sink     PhotoSink
	observer events.Observer
	started  time.Time

	seq          *sequence.Controller
	trigger      *Trigger
	smoothing    validate.SmoothingState
	latest       validate.Verdict
	haveVerdict  bool
	judgedFrame  *vision.Frame
	detectorDown bool
	inFlight     bool
	epoch        uint64
	skipped      uint64

	results   chan detectResult
	cmds      chan func()
	closing   chan struct{}
	done      chan struct{}
	runOnce   sync.Once
	closeOnce sync.Once
	snap      atomic.Pointer[Snapshot]
}

// NewSession builds a session ready to Run.
func NewSession(id string, cfg Config, deps Deps) (*Session, error) {
	if deps.Source == nil {
		return nil, errors.New("capture: frame source is required")
	}
	if deps.Detector == nil {
		return nil, errors.New("capture: detector is required")
	}
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = def.DetectTimeout
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if deps.Profile == nil {
		deps.Profile = pose.Default()
	}
	if err := deps.Profile.Validate(); err != nil {
		return nil, err
	}
	if deps.Pipeline == nil {
		deps.Pipeline = validate.New(validate.DefaultConfig())
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Session{
		id:       id,
		cfg:      cfg,
		log:      deps.Log.With("session", id),
		now:      deps.Now,
		source:   deps.Source,
		detector: deps.Detector,
		pipeline: deps.Pipeline,
		cue:      deps.Cue,
		sink:     deps.Sink,
		observer: deps.Observer,
		started:  deps.Now(),
		seq:      sequence.New(deps.Profile),
		trigger:  NewTrigger(cfg.Trigger),
		results:  make(chan detectResult, 1),
		cmds:     make(chan func()),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.publish()
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Snapshot returns the state as of the last loop iteration.
func (s *Session) Snapshot() Snapshot { return *s.snap.Load() }

// Close stops the loop. It does not wait; use Done for that.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// Run drives the session until ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) error {
	first := false
	s.runOnce.Do(func() { first = true })
	if !first {
		return ErrAlreadyRunning
	}
	defer s.shutdown()

	logging.LogSessionState(s.log, s.id, "opened", map[string]any{
		"profile": s.seq.Profile().Name,
		"poses":   s.seq.Profile().Len(),
	})
	s.emit(events.Event{Type: events.TypeSessionOpened, Message: s.seq.Profile().Name})
	if spec, ok := s.seq.Current(); ok {
		s.emit(events.Event{Type: events.TypePoseChanged, Pose: spec.ID, Message: spec.Message})
	}

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		var timerC <-chan time.Time
		if deadline := s.trigger.Deadline(); !deadline.IsZero() {
			timer.Reset(max(deadline.Sub(s.now()), 0))
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.closing:
			return nil
		case <-ticker.C:
			s.tick(ctx, s.now())
		case <-timerC:
			s.advanceTimers(ctx, s.now())
		case r := <-s.results:
			s.onDetection(ctx, s.now(), r)
		case cmd := <-s.cmds:
			cmd()
		}
		s.publish()
	}
}

func (s *Session) shutdown() {
	s.trigger.Reset()
	s.epoch++
	s.emit(events.Event{Type: events.TypeSessionClosed})
	logging.LogSessionState(s.log, s.id, "closed", map[string]any{
		"captured": len(s.seq.Photos()),
		"complete": s.seq.Complete(),
	})
	snap := s.buildSnapshot()
	snap.Closed = true
	s.snap.Store(&snap)
	close(s.done)
}

// tick runs one scheduler step: timers first, then (unless a detection is
// outstanding) a new validation of the current frame.
func (s *Session) tick(ctx context.Context, now time.Time) {
	s.advanceTimers(ctx, now)
	if s.seq.Complete() {
		return
	}
	frame, ok := s.source.Current()
	if !ok || frame == nil || frame.Image == nil {
		return
	}
	if s.inFlight {
		s.skipped++
		return
	}

	spec, _ := s.seq.Current()
	pre, ok := s.pipeline.Precheck(frame)
	if !ok {
		pre.PoseID = spec.ID
		s.applyVerdict(ctx, now, spec, pre, frame)
		return
	}
	s.startDetect(ctx, frame, pre)
}

func (s *Session) startDetect(ctx context.Context, frame *vision.Frame, pre validate.Verdict) {
	s.inFlight = true
	epoch := s.epoch
	d := s.detector
	timeout := s.cfg.DetectTimeout
	go func() {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		det, err := d.Detect(dctx, frame)
		s.results <- detectResult{epoch: epoch, frame: frame, pre: pre, det: det, err: err}
	}()
}

func (s *Session) onDetection(ctx context.Context, now time.Time, r detectResult) {
	s.inFlight = false
	if r.epoch != s.epoch || s.seq.Complete() {
		return
	}
	spec, _ := s.seq.Current()

	switch {
	case r.err == nil:
		s.detectorDown = false
	case errors.Is(r.err, detector.ErrModelNotLoaded):
		if !s.detectorDown {
			s.log.Warn("detector unavailable", "error", r.err)
			s.emit(events.Event{Type: events.TypeDetectorError, Pose: spec.ID, Error: r.err.Error()})
		}
		s.detectorDown = true
		s.trigger.Disarm()
	default:
		s.detectorDown = false
		s.log.Warn("detection failed", "pose", spec.ID, "error", r.err)
		s.emit(events.Event{Type: events.TypeDetectorError, Pose: spec.ID, Error: r.err.Error()})
	}

	v := s.pipeline.Judge(r.frame, r.pre, r.det, r.err, &spec, &s.smoothing)
	s.applyVerdict(ctx, now, spec, v, r.frame)
}

// applyVerdict records v as the latest verdict for spec together with the
// frame it was computed from.
func (s *Session) applyVerdict(ctx context.Context, now time.Time, spec pose.Spec, v validate.Verdict, frame *vision.Frame) {
	if !s.haveVerdict || !v.Equal(s.latest) {
		logging.LogVerdictChange(s.log, s.id, spec.ID, v.Valid, string(v.Reason), v.Message)
	}
	s.latest = v
	s.judgedFrame = frame
	s.haveVerdict = true
	vc := v
	s.emit(events.Event{Type: events.TypeVerdict, Pose: spec.ID, Message: v.Message, Verdict: &vc})
	s.maybeArm(ctx, now, spec, v)
}

func (s *Session) maybeArm(ctx context.Context, now time.Time, spec pose.Spec, v validate.Verdict) {
	if !v.Valid || spec.Manual || s.detectorDown {
		return
	}
	if _, pending := s.seq.Pending(); pending {
		return
	}
	if !s.trigger.Arm(now, spec.ID) {
		return
	}
	s.log.Debug("capture armed", "pose", spec.ID, "delay", s.cfg.Trigger.Delay)
	s.emit(events.Event{Type: events.TypeArmed, Pose: spec.ID})
	if s.cue != nil {
		cue := s.cue
		go func() {
			if err := cue.Play(ctx); err != nil {
				s.log.Warn("cue failed", "error", err)
			}
		}()
	}
}

func (s *Session) advanceTimers(ctx context.Context, now time.Time) {
	if remaining, changed := s.trigger.Step(now); changed {
		s.emit(events.Event{Type: events.TypeCooldown, Remaining: remaining})
	}
	if id, due := s.trigger.Due(now); due {
		s.fire(ctx, now, id)
	}
}

// fire takes the armed photo if the pose it was armed for is still current
// and still valid. Otherwise the trigger is dropped and re-arms on the next
// valid verdict.
func (s *Session) fire(ctx context.Context, now time.Time, id string) {
	s.trigger.Disarm()
	spec, ok := s.seq.Current()
	if !ok || spec.ID != id || s.detectorDown || !s.haveVerdict || !s.latest.Valid || s.latest.PoseID != id {
		s.log.Debug("armed capture dropped", "pose", id)
		return
	}
	if err := s.capture(ctx, now, false); err != nil {
		s.log.Warn("auto capture failed", "pose", id, "error", err)
	}
}

// capture encodes the frame behind the latest verdict, so the photo is the
// image that passed validation.
func (s *Session) capture(ctx context.Context, now time.Time, manual bool) error {
	frame := s.judgedFrame
	if frame == nil || frame.Image == nil {
		return ErrNoFrame
	}
	data, err := vision.EncodeJPEG(frame.Image, s.cfg.JPEGQuality)
	if err != nil {
		return fmt.Errorf("encode capture: %w", err)
	}
	tr, err := s.seq.Capture(sequence.Photo{Data: data, TakenAt: now})
	if err != nil {
		return err
	}
	logging.LogCapture(s.log, s.id, tr.PoseID, len(data), manual)
	s.trigger.StartCooldown(now)
	s.emit(events.Event{Type: events.TypeCooldown, Remaining: s.trigger.Remaining()})
	s.afterTransition(ctx, tr, frame)
	return nil
}

func (s *Session) afterTransition(ctx context.Context, tr sequence.Transition, frame *vision.Frame) {
	switch tr.Kind {
	case sequence.KindPending:
		s.emit(events.Event{Type: events.TypePending, Pose: tr.PoseID, Preview: s.preview(frame)})
	case sequence.KindDiscarded:
		s.emit(events.Event{Type: events.TypeRejected, Pose: tr.PoseID})
	case sequence.KindRetake:
		s.trigger.Reset()
		s.resetForPose()
		s.emit(events.Event{Type: events.TypeRetake, Pose: tr.PoseID})
		s.poseChanged(tr.Next)
	case sequence.KindStored:
		s.emit(events.Event{Type: events.TypeCaptured, Pose: tr.PoseID})
		s.deliver(ctx, *tr.Photo)
		s.resetForPose()
		if tr.Complete {
			logging.LogSessionState(s.log, s.id, "complete", map[string]any{"captured": len(s.seq.Photos())})
			s.emit(events.Event{Type: events.TypeComplete})
			return
		}
		s.poseChanged(tr.Next)
	}
}

func (s *Session) poseChanged(id string) {
	spec, _, _ := s.seq.Profile().Lookup(id)
	s.emit(events.Event{Type: events.TypePoseChanged, Pose: id, Message: spec.Message})
}

// resetForPose clears everything tied to the previous pose. Detections
// already in flight carry the old epoch and are discarded on arrival.
func (s *Session) resetForPose() {
	s.smoothing.Reset()
	s.epoch++
	s.latest = validate.Verdict{}
	s.judgedFrame = nil
	s.haveVerdict = false
}

func (s *Session) deliver(ctx context.Context, photo sequence.Photo) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Accept(ctx, s.id, photo); err != nil {
		s.log.Error("photo sink rejected photo", "pose", photo.PoseID, "error", err)
	}
}

func (s *Session) preview(frame *vision.Frame) []byte {
	if frame == nil || s.cfg.PreviewSize <= 0 {
		return nil
	}
	data, err := vision.EncodeJPEG(vision.Thumbnail(frame.Image, s.cfg.PreviewSize), 80)
	if err != nil {
		s.log.Warn("preview encode failed", "error", err)
		return nil
	}
	return data
}

func (s *Session) captureNow(ctx context.Context, now time.Time) error {
	if s.seq.Complete() {
		return sequence.ErrComplete
	}
	if _, pending := s.seq.Pending(); pending {
		return sequence.ErrPendingConfirmation
	}
	if s.detectorDown {
		return ErrDetectorUnavailable
	}
	if s.trigger.CoolingDown() {
		return ErrCoolingDown
	}
	spec, _ := s.seq.Current()
	if !s.haveVerdict || !s.latest.Valid || s.latest.PoseID != spec.ID {
		return ErrNotValid
	}
	s.trigger.Disarm()
	return s.capture(ctx, now, true)
}

func (s *Session) confirm(ctx context.Context, now time.Time, accept bool) error {
	tr, err := s.seq.Confirm(accept)
	if err != nil {
		return err
	}
	if tr.Kind == sequence.KindStored {
		s.trigger.StartCooldown(now)
	}
	s.afterTransition(ctx, tr, nil)
	return nil
}

func (s *Session) retake(ctx context.Context, id string) error {
	tr, err := s.seq.Retake(id)
	if err != nil {
		return err
	}
	s.afterTransition(ctx, tr, nil)
	return nil
}

// do runs fn on the loop goroutine and waits for it. The snapshot is
// refreshed before do returns.
func (s *Session) do(ctx context.Context, fn func()) error {
	reply := make(chan struct{})
	select {
	case s.cmds <- func() { fn(); s.publish(); close(reply) }:
	case <-s.closing:
		return ErrSessionClosed
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// CaptureNow takes a photo of the current pose immediately. It is the only
// way to capture manual poses.
func (s *Session) CaptureNow(ctx context.Context) error {
	var err error
	if derr := s.do(ctx, func() { err = s.captureNow(ctx, s.now()) }); derr != nil {
		return derr
	}
	return err
}

// Confirm accepts or rejects the photo awaiting confirmation.
func (s *Session) Confirm(ctx context.Context, accept bool) error {
	var err error
	if derr := s.do(ctx, func() { err = s.confirm(ctx, s.now(), accept) }); derr != nil {
		return derr
	}
	return err
}

// Retake clears the photo for poseID and makes it current.
func (s *Session) Retake(ctx context.Context, poseID string) error {
	var err error
	if derr := s.do(ctx, func() { err = s.retake(ctx, poseID) }); derr != nil {
		return derr
	}
	return err
}

// Photo returns the stored photo for poseID.
func (s *Session) Photo(ctx context.Context, poseID string) (sequence.Photo, bool, error) {
	var (
		p  sequence.Photo
		ok bool
	)
	err := s.do(ctx, func() { p, ok = s.seq.Photo(poseID) })
	return p, ok, err
}

// Photos returns stored photos in pose order.
func (s *Session) Photos(ctx context.Context) ([]sequence.Photo, error) {
	var out []sequence.Photo
	err := s.do(ctx, func() { out = s.seq.Photos() })
	return out, err
}

func (s *Session) emit(e events.Event) {
	if s.observer == nil {
		return
	}
	e.Session = s.id
	e.Time = s.now()
	e.Index = s.seq.Index()
	e.Total = s.seq.Profile().Len()
	s.observer.Notify(e)
}

func (s *Session) publish() {
	snap := s.buildSnapshot()
	s.snap.Store(&snap)
}

func (s *Session) buildSnapshot() Snapshot {
	profile := s.seq.Profile()
	snap := Snapshot{
		ID:           s.id,
		Profile:      profile.Name,
		Index:        s.seq.Index(),
		Total:        profile.Len(),
		Complete:     s.seq.Complete(),
		Armed:        s.trigger.Armed(),
		CoolingDown:  s.trigger.CoolingDown(),
		Cooldown:     s.trigger.Remaining(),
		DetectorDown: s.detectorDown,
		Skipped:      s.skipped,
		StartedAt:    s.started,
		Captured:     make([]string, 0, profile.Len()),
	}
	if spec, ok := s.seq.Current(); ok {
		snap.Pose = spec.ID
	}
	if p, ok := s.seq.Pending(); ok {
		snap.Pending = p.PoseID
	}
	if s.haveVerdict {
		v := s.latest
		snap.Verdict = &v
	}
	for _, p := range s.seq.Photos() {
		snap.Captured = append(snap.Captured, p.PoseID)
	}
	return snap
}
