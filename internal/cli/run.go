package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"posecapture/internal/capture"
	"posecapture/internal/cue"
	"posecapture/internal/events"
)

func newRunCmd(root *Root) *cobra.Command {
	var (
		silent bool
		stay   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one capture session in the terminal",
		Long: `Start a capture session against the configured frame source and detector.
Guidance is printed as it changes. Commands on stdin:

  c          capture the current pose now (required for manual poses)
  y / n      accept or reject the photo awaiting confirmation
  r <pose>   retake a pose
  s          print session status
  q          quit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var bell capture.Cue = cue.NewBell(root.out)
			if silent {
				bell = cue.Silent{}
			}
			return root.runSession(cmd.Context(), bell, !stay)
		},
	}
	cmd.Flags().BoolVar(&silent, "silent", false, "do not ring the terminal bell before automatic captures")
	cmd.Flags().BoolVar(&stay, "stay", false, "keep the session open after every pose is captured")
	return cmd
}

func (r *Root) runSession(ctx context.Context, bell capture.Cue, exitOnComplete bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	printer := newPrinter(r.out)
	st, err := r.buildStack(ctx, bell, printer)
	if err != nil {
		return err
	}
	defer st.Close()

	sess, err := st.registry.Start(st.profile)
	if err != nil {
		return err
	}
	fmt.Fprintf(r.out, "Session %s started (%d poses, profile %s)\n", sess.ID(), st.profile.Len(), st.profile.Name)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			return nil
		case <-printer.complete:
			if exitOnComplete {
				r.printStatus(sess.Snapshot())
				return nil
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			quit, err := r.handleLine(ctx, sess, line)
			if err != nil {
				fmt.Fprintf(r.out, "! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// sessionControl is the part of a capture session the terminal drives.
type sessionControl interface {
	CaptureNow(ctx context.Context) error
	Confirm(ctx context.Context, accept bool) error
	Retake(ctx context.Context, poseID string) error
	Snapshot() capture.Snapshot
}

func (r *Root) handleLine(ctx context.Context, sess sessionControl, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	switch strings.ToLower(fields[0]) {
	case "c", "capture":
		return false, sess.CaptureNow(ctx)
	case "y", "yes":
		return false, sess.Confirm(ctx, true)
	case "n", "no":
		return false, sess.Confirm(ctx, false)
	case "r", "retake":
		if len(fields) < 2 {
			return false, errors.New("usage: r <pose>")
		}
		return false, sess.Retake(ctx, fields[1])
	case "s", "status":
		r.printStatus(sess.Snapshot())
		return false, nil
	case "q", "quit", "exit":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", fields[0])
	}
}

func (r *Root) printStatus(s capture.Snapshot) {
	state := "in progress"
	switch {
	case s.Complete:
		state = "complete"
	case s.Pending != "":
		state = "awaiting confirmation of " + s.Pending
	case s.DetectorDown:
		state = "detector unavailable"
	}
	fmt.Fprintf(r.out, "Session %s: %s, pose %q (%d/%d), captured %d, started %s\n",
		s.ID, state, s.Pose, s.Index+1, s.Total, len(s.Captured), humanize.Time(s.StartedAt))
	if len(s.Captured) > 0 {
		fmt.Fprintf(r.out, "  captured: %s\n", strings.Join(s.Captured, ", "))
	}
}

// printer renders session events as terminal guidance. Verdicts are only
// printed when the message changes.
type printer struct {
	mu       sync.Mutex
	w        io.Writer
	last     string
	complete chan struct{}
	done     bool
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, complete: make(chan struct{}, 1)}
}

func (p *printer) Notify(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e.Type {
	case events.TypePoseChanged:
		p.last = ""
		fmt.Fprintf(p.w, "\n[%d/%d] %s: %s\n", e.Index+1, e.Total, e.Pose, e.Message)
	case events.TypeVerdict:
		if e.Verdict == nil {
			return
		}
		msg := e.Verdict.Message
		if e.Verdict.Yaw != nil && e.Verdict.Pitch != nil {
			msg = fmt.Sprintf("%s (yaw %d, pitch %d)", msg, *e.Verdict.Yaw, *e.Verdict.Pitch)
		}
		if msg == p.last {
			return
		}
		p.last = msg
		mark := "x"
		if e.Verdict.Valid {
			mark = "ok"
		}
		fmt.Fprintf(p.w, "  [%s] %s\n", mark, msg)
	case events.TypeArmed:
		fmt.Fprintf(p.w, "  hold still...\n")
	case events.TypePending:
		fmt.Fprintf(p.w, "  photo for %s taken, accept? [y/n]\n", e.Pose)
	case events.TypeCaptured:
		fmt.Fprintf(p.w, "  captured %s\n", e.Pose)
	case events.TypeRejected:
		fmt.Fprintf(p.w, "  photo for %s discarded\n", e.Pose)
	case events.TypeCooldown:
		if e.Remaining > 0 {
			fmt.Fprintf(p.w, "  next capture in %ds\n", e.Remaining)
		}
	case events.TypeRetake:
		p.done = false
		fmt.Fprintf(p.w, "  retaking %s\n", e.Pose)
	case events.TypeDetectorError:
		fmt.Fprintf(p.w, "  detector error: %s\n", e.Error)
	case events.TypeComplete:
		fmt.Fprintf(p.w, "\nAll poses captured.\n")
		if !p.done {
			p.done = true
			select {
			case p.complete <- struct{}{}:
			default:
			}
		}
	}
}
