// Command test-integration replays a directory of frames and a recorded
// detection log through a capture session and reports what was captured.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"posecapture/internal/capture"
	"posecapture/internal/cue"
	"posecapture/internal/detector"
	"posecapture/internal/events"
	"posecapture/internal/logging"
	"posecapture/internal/pose"
	"posecapture/internal/sequence"
	"posecapture/internal/source"
	"posecapture/internal/validate"
)

type options struct {
	frames     string
	detections string
	profile    string
	tick       time.Duration
	timeout    time.Duration
	logLevel   string
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:          "test-integration",
		Short:        "Replay recorded frames through a capture session",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.frames, "frames", "testdata/frames", "directory of frames, replayed in path order")
	cmd.Flags().StringVar(&opts.detections, "detections", "testdata/detections.jsonl", "recorded detector responses (JSON lines)")
	cmd.Flags().StringVar(&opts.profile, "profile", "", "pose profile YAML (default built-in)")
	cmd.Flags().DurationVar(&opts.tick, "tick", 20*time.Millisecond, "session tick interval")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "give up after this long")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "log level")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// memorySink keeps delivered photos in order.
type memorySink struct {
	mu     sync.Mutex
	photos []sequence.Photo
}

func (m *memorySink) Accept(ctx context.Context, session string, photo sequence.Photo) error {
	m.mu.Lock()
	m.photos = append(m.photos, photo)
	m.mu.Unlock()
	return nil
}

func run(ctx context.Context, opts options) error {
	log := logging.New(opts.logLevel, "text")

	replay, err := source.LoadReplay(opts.frames)
	if err != nil {
		return err
	}
	rec, err := detector.LoadRecorded(opts.detections)
	if err != nil {
		return err
	}
	profile, err := pose.LoadProfile(opts.profile)
	if err != nil {
		return err
	}
	fmt.Printf("Replaying %d frames against %d recorded detections (%d poses)\n", replay.Len(), rec.Len(), profile.Len())

	cfg := capture.DefaultConfig()
	cfg.TickInterval = opts.tick
	cfg.Trigger = capture.TriggerConfig{Delay: 5 * opts.tick, CooldownSteps: 1, CooldownStep: 5 * opts.tick}

	// Session events are handled here, off the session goroutine, since the
	// control calls block on it.
	evs := make(chan events.Event, 256)
	sink := &memorySink{}
	id, err := capture.NewSessionID(time.Now())
	if err != nil {
		return err
	}
	sess, err := capture.NewSession(id, cfg, capture.Deps{
		Source:   replay,
		Detector: rec,
		Pipeline: validate.New(validate.DefaultConfig()),
		Profile:  profile,
		Cue:      cue.Silent{},
		Sink:     sink,
		Observer: events.ObserverFunc(func(e events.Event) {
			select {
			case evs <- e:
			default:
			}
		}),
		Log: log,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	go sess.Run(ctx)
	defer sess.Close()

	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			report(sess.Snapshot(), sink, time.Since(start))
			return fmt.Errorf("session did not complete: %w", ctx.Err())
		case e := <-evs:
			switch e.Type {
			case events.TypeVerdict:
				if e.Verdict == nil || !e.Verdict.Valid {
					continue
				}
				spec, _, ok := profile.Lookup(e.Pose)
				if !ok || !spec.Manual {
					continue
				}
				if err := sess.CaptureNow(ctx); err != nil && !expected(err) {
					return err
				}
			case events.TypePending:
				fmt.Printf("  accepting %s\n", e.Pose)
				if err := sess.Confirm(ctx, true); err != nil && !expected(err) {
					return err
				}
			case events.TypeCaptured:
				fmt.Printf("  captured %s after %s\n", e.Pose, time.Since(start).Round(time.Millisecond))
			case events.TypeDetectorError:
				fmt.Printf("  detector error: %s\n", e.Error)
			case events.TypeComplete:
				report(sess.Snapshot(), sink, time.Since(start))
				return nil
			}
		}
	}
}

// expected reports control errors that are normal while racing the session
// state, such as a capture attempt during cooldown.
func expected(err error) bool {
	return errors.Is(err, capture.ErrCoolingDown) ||
		errors.Is(err, sequence.ErrPendingConfirmation) ||
		errors.Is(err, capture.ErrNotValid) ||
		errors.Is(err, sequence.ErrNoPending)
}

func report(s capture.Snapshot, sink *memorySink, elapsed time.Duration) {
	fmt.Printf("\nSession %s: %d/%d poses captured in %s (complete %t, skipped ticks %d)\n",
		s.ID, len(s.Captured), s.Total, elapsed.Round(time.Millisecond), s.Complete, s.Skipped)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, p := range sink.photos {
		fmt.Printf("  %d. %-14s %s\n", i+1, p.PoseID, humanize.Bytes(uint64(len(p.Data))))
	}
}
