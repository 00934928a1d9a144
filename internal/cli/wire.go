package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"posecapture/internal/capture"
	"posecapture/internal/config"
	"posecapture/internal/detector"
	"posecapture/internal/events"
	"posecapture/internal/notify"
	"posecapture/internal/pipeline"
	"posecapture/internal/pose"
	"posecapture/internal/source"
	"posecapture/internal/storage"
	"posecapture/internal/trace"
	"posecapture/internal/upload"
	"posecapture/internal/validate"
)

func captureConfig(c *config.Config) capture.Config {
	return capture.Config{
		TickInterval:  c.Capture.TickInterval(),
		DetectTimeout: c.Capture.DetectTimeout(),
		Trigger: capture.TriggerConfig{
			Delay:         c.Capture.CaptureDelay(),
			CooldownSteps: c.Capture.CooldownSteps,
			CooldownStep:  c.Capture.CooldownStep(),
		},
		JPEGQuality: c.Capture.JPEGQuality,
		PreviewSize: c.Capture.PreviewSize,
	}
}

func validateConfig(c *config.Config) validate.Config {
	v := c.Validation
	return validate.Config{
		Lighting: validate.Lighting{Dark: v.DarkThreshold, Bright: v.BrightThreshold},
		Guide: validate.Guide{
			RadiusXDivisor:    v.RadiusXDivisor,
			RadiusYDivisor:    v.RadiusYDivisor,
			Density:           v.SampleDensity,
			PositionThreshold: v.PositionThreshold,
			SizeThreshold:     v.SizeThreshold,
		},
		Alpha: v.Alpha,
	}
}

func openDetector(cfg *config.Config, log *slog.Logger) (detector.Detector, io.Closer, error) {
	switch cfg.Detector.Kind {
	case "recorded":
		rec, err := detector.LoadRecorded(cfg.Detector.RecordingPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load recorded detections: %w", err)
		}
		log.Info("using recorded detections", "path", cfg.Detector.RecordingPath, "frames", rec.Len())
		return rec, nil, nil
	default:
		ws := detector.NewWebSocket(detector.WebSocketConfig{
			URL:          cfg.Detector.URL,
			ReadTimeout:  cfg.Detector.ReadTimeout(),
			WriteTimeout: cfg.Detector.WriteTimeout(),
			JPEGQuality:  cfg.Capture.JPEGQuality,
		}, log)
		return ws, ws, nil
	}
}

func openSource(cfg *config.Config, log *slog.Logger) (capture.FrameSource, func(ctx context.Context) error, error) {
	switch cfg.Source.Kind {
	case "camera":
		cam, err := source.OpenCamera(strconv.Itoa(cfg.Source.Device), log)
		if err != nil {
			return nil, nil, err
		}
		return cam, cam.Run, nil
	default:
		dir := source.NewDirectory(cfg.Source.Directory, log)
		return dir, dir.Run, nil
	}
}

// stack is the set of long-lived components behind a running session.
type stack struct {
	log      *slog.Logger
	profile  *pose.Profile
	store    *storage.Store
	pipe     *pipeline.Pipeline
	bus      *events.Bus
	registry *capture.Registry

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	consumers sync.WaitGroup
	closers   []func() error
}

func (r *Root) buildStack(ctx context.Context, cue capture.Cue, extra ...events.Observer) (*stack, error) {
	cfg := r.cfg
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	profile, err := pose.LoadProfile(cfg.Capture.ProfilePath)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	st := &stack{log: r.log, profile: profile, cancel: cancel}
	fail := func(err error) (*stack, error) {
		st.Close()
		return nil, err
	}

	st.store, err = storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fail(fmt.Errorf("open database: %w", err))
	}
	st.closers = append(st.closers, st.store.Close)

	opts := pipeline.Options{PhotoDir: cfg.Paths.PhotoDir}
	if cfg.Upload.Enabled {
		s3, err := upload.NewS3(cfg.Upload.Bucket, cfg.Upload.Region, r.log)
		if err != nil {
			return fail(fmt.Errorf("open s3: %w", err))
		}
		code := cfg.Upload.InstanceCode
		if code == "" {
			code, err = upload.NewInstanceCode(ctx, s3.CodeExists, 5)
			if err != nil {
				return fail(err)
			}
			r.log.Info("generated instance code", "code", code)
		}
		roll := cfg.Upload.RollNumber
		opts.Uploader = s3
		opts.ObjectKey = func(session, poseID string) string {
			if roll == "" {
				return upload.Key(code, session, poseID)
			}
			return upload.Key(code, roll, poseID)
		}
	}
	st.pipe = pipeline.New(ctx, cfg.Processing.ParallelJobs, r.log, st.store, opts)

	st.bus = events.NewBus(r.log, 256)
	st.consume(ctx, func(ctx context.Context, ch <-chan events.Event) { st.store.ConsumeEvents(ctx, ch, r.log) })
	if cfg.Paths.TraceDir != "" {
		rec := trace.NewRecorder(cfg.Paths.TraceDir, r.log)
		st.consume(ctx, rec.Run)
	}
	if cfg.Redis.Enabled {
		rds := notify.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel, r.log)
		st.closers = append(st.closers, rds.Close)
		st.consume(ctx, rds.Run)
	}

	src, runSource, err := r.newSource(cfg, r.log)
	if err != nil {
		return fail(fmt.Errorf("open frame source: %w", err))
	}
	if runSource != nil {
		st.wg.Add(1)
		go func() {
			defer st.wg.Done()
			if err := runSource(ctx); err != nil {
				r.log.Error("frame source stopped", "error", err)
			}
		}()
	}

	det, closer, err := r.newDetector(cfg, r.log)
	if err != nil {
		return fail(err)
	}
	if closer != nil {
		st.closers = append(st.closers, closer.Close)
	}

	observers := append(events.Observers{st.bus}, extra...)
	st.registry = capture.NewRegistry(captureConfig(cfg), capture.Deps{
		Source:   src,
		Detector: det,
		Pipeline: validate.New(validateConfig(cfg)),
		Profile:  profile,
		Cue:      cue,
		Sink:     st.pipe,
		Observer: observers,
		Log:      r.log,
	})
	return st, nil
}

// consume subscribes fn to the bus and runs it until the bus closes.
func (s *stack) consume(ctx context.Context, fn func(ctx context.Context, ch <-chan events.Event)) {
	ch, _ := s.bus.Subscribe()
	s.consumers.Add(1)
	go func() {
		defer s.consumers.Done()
		fn(ctx, ch)
	}()
}

// Close stops sessions first so their final events and photos reach the
// bus and sink, then drains consumers and closes resources.
func (s *stack) Close() {
	if s.registry != nil {
		s.registry.CloseAll()
	}
	if s.pipe != nil {
		s.pipe.Stop()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	s.consumers.Wait()
	s.cancel()
	s.wg.Wait()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("close failed", "error", err)
		}
	}
}
