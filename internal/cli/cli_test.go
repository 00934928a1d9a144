package cli

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"posecapture/internal/capture"
	"posecapture/internal/config"
	"posecapture/internal/detector"
	"posecapture/internal/events"
	"posecapture/internal/source"
	"posecapture/internal/storage"
	"posecapture/internal/validate"
	"posecapture/internal/vision"
)

// lockedBuffer guards a buffer shared by the command and session goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *lockedBuffer) Reset() {
	b.mu.Lock()
	b.buf.Reset()
	b.mu.Unlock()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRoot(t *testing.T, stdin string) (*Root, *lockedBuffer) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DatabasePath = filepath.Join(dir, "posecapture.db")
	cfg.Paths.PhotoDir = filepath.Join(dir, "photos")
	cfg.Paths.TraceDir = filepath.Join(dir, "traces")
	cfg.Capture.TickIntervalMS = 10
	cfg.Logging.FileOutput = false

	out := &lockedBuffer{}
	root := &Root{
		cfg:     cfg,
		log:     quietLogger(),
		out:     out,
		in:      strings.NewReader(stdin),
		version: "test",
		newDetector: func(*config.Config, *slog.Logger) (detector.Detector, io.Closer, error) {
			return detector.Func(func(ctx context.Context, f *vision.Frame) (vision.Detection, error) {
				return vision.Detection{}, nil
			}), nil, nil
		},
		newSource: func(*config.Config, *slog.Logger) (capture.FrameSource, func(ctx context.Context) error, error) {
			box := source.NewMailbox()
			box.Put(image.NewRGBA(image.Rect(0, 0, 40, 40)), "blank")
			return box, nil, nil
		},
	}
	return root, out
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func execute(t *testing.T, root *Root, args ...string) error {
	t.Helper()
	cmd := newRootCmd(root)
	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(context.Background())
}

func TestProfileShow(t *testing.T) {
	root, out := newTestRoot(t, "")
	if err := execute(t, root, "profile", "show"); err != nil {
		t.Fatalf("profile show: %v", err)
	}
	if !strings.Contains(out.String(), "halfLeftTop") || !strings.Contains(out.String(), "manual") {
		t.Fatalf("unexpected table output:\n%s", out)
	}

	out.Reset()
	if err := execute(t, root, "profile", "show", "--format", "yaml"); err != nil {
		t.Fatalf("profile show yaml: %v", err)
	}
	if !strings.Contains(out.String(), "id: center") {
		t.Fatalf("unexpected yaml output:\n%s", out)
	}

	if err := execute(t, root, "profile", "show", "--format", "xml"); err == nil {
		t.Fatalf("expected unknown format error")
	}
}

func TestProfileValidate(t *testing.T) {
	root, out := newTestRoot(t, "")
	dir := t.TempDir()
	good := filepath.Join(dir, "two.yaml")
	writeFile(t, good, `poses:
  - id: front
    yaw: {min: -10, max: 10}
    pitch: {min: 15, max: 30}
    manual: true
  - id: left
    yaw: {min: 20, max: 25}
    pitch: {min: 20, max: 40}
`)
	if err := execute(t, root, "profile", "validate", good); err != nil {
		t.Fatalf("validate good profile: %v", err)
	}
	if !strings.Contains(out.String(), `"two" is valid (2 poses)`) {
		t.Fatalf("unexpected output %q", out)
	}

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "poses:\n  - id: a\n    yaw: {min: 10, max: 0}\n")
	if err := execute(t, root, "profile", "validate", bad); err == nil {
		t.Fatalf("expected invalid profile error")
	}
}

func TestConfigCommands(t *testing.T) {
	root, out := newTestRoot(t, "")
	root.cfg.Redis.Password = "secret"
	if err := execute(t, root, "config", "show"); err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out.String(), "secret") || !strings.Contains(out.String(), "tick_interval_ms") {
		t.Fatalf("unexpected config output:\n%s", out)
	}
	if err := execute(t, root, "config", "validate"); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	root.cfg.Server.Addr = ""
	if err := execute(t, root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error for empty server addr")
	}
}

func TestVersion(t *testing.T) {
	root, out := newTestRoot(t, "")
	if err := execute(t, root, "version"); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "posecapture test") {
		t.Fatalf("unexpected version output %q", out)
	}
}

type stubSession struct {
	calls []string
	err   error
}

func (s *stubSession) CaptureNow(context.Context) error { s.calls = append(s.calls, "capture"); return s.err }
func (s *stubSession) Confirm(_ context.Context, accept bool) error {
	if accept {
		s.calls = append(s.calls, "accept")
	} else {
		s.calls = append(s.calls, "reject")
	}
	return s.err
}
func (s *stubSession) Retake(_ context.Context, id string) error {
	s.calls = append(s.calls, "retake:"+id)
	return s.err
}
func (s *stubSession) Snapshot() capture.Snapshot {
	return capture.Snapshot{ID: "s1", Pose: "center", Total: 8, StartedAt: time.Now()}
}

func TestHandleLine(t *testing.T) {
	root, out := newTestRoot(t, "")
	sess := &stubSession{}
	ctx := context.Background()
	for _, line := range []string{"c", "y", "n", "r halfLeft", "", "s"} {
		if quit, err := root.handleLine(ctx, sess, line); quit || err != nil {
			t.Fatalf("line %q: quit=%v err=%v", line, quit, err)
		}
	}
	want := []string{"capture", "accept", "reject", "retake:halfLeft"}
	if strings.Join(sess.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v, got %v", want, sess.calls)
	}
	if !strings.Contains(out.String(), "Session s1: in progress") {
		t.Fatalf("status not printed: %q", out)
	}
	if _, err := root.handleLine(ctx, sess, "r"); err == nil {
		t.Fatalf("expected usage error for retake without pose")
	}
	if _, err := root.handleLine(ctx, sess, "dance"); err == nil {
		t.Fatalf("expected unknown command error")
	}
	if quit, _ := root.handleLine(ctx, sess, "q"); !quit {
		t.Fatalf("expected quit")
	}

	sess.err = capture.ErrNotValid
	if _, err := root.handleLine(ctx, sess, "c"); !errors.Is(err, capture.ErrNotValid) {
		t.Fatalf("expected session error to surface, got %v", err)
	}
}

func TestPrinterCollapsesRepeatedVerdicts(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf)
	v := &validate.Verdict{Reason: validate.ReasonNoFace, Message: "No face detected"}
	p.Notify(events.Event{Type: events.TypePoseChanged, Pose: "center", Message: "Face straight ahead", Total: 8})
	p.Notify(events.Event{Type: events.TypeVerdict, Verdict: v})
	p.Notify(events.Event{Type: events.TypeVerdict, Verdict: v})
	p.Notify(events.Event{Type: events.TypeComplete})
	if n := strings.Count(buf.String(), "No face detected"); n != 1 {
		t.Fatalf("expected one verdict line, got %d:\n%s", n, buf.String())
	}
	if !strings.Contains(buf.String(), "[1/8] center") {
		t.Fatalf("missing pose header:\n%s", buf.String())
	}
	select {
	case <-p.complete:
	default:
		t.Fatalf("expected complete signal")
	}
}

func TestRunSessionRecordsAndTraces(t *testing.T) {
	root, out := newTestRoot(t, "s\nq\n")
	if err := execute(t, root, "run", "--silent"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "started (8 poses, profile default)") {
		t.Fatalf("unexpected run output:\n%s", out)
	}

	store, err := storage.New(root.cfg.Paths.DatabasePath)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := store.RecentSessions(5)
	store.Close()
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one recorded session, got %+v err=%v", recs, err)
	}
	id := recs[0].ID

	out.Reset()
	if err := execute(t, root, "sessions", "list"); err != nil {
		t.Fatalf("sessions list: %v", err)
	}
	if !strings.Contains(out.String(), id) {
		t.Fatalf("session missing from list:\n%s", out)
	}

	tracePath := filepath.Join(root.cfg.Paths.TraceDir, id+".parquet")
	out.Reset()
	if err := execute(t, root, "trace", "summarize", tracePath); err != nil {
		t.Fatalf("trace summarize: %v", err)
	}
	if !strings.Contains(out.String(), "Session:   "+id) {
		t.Fatalf("unexpected summary:\n%s", out)
	}

	if err := execute(t, root, "sessions", "photos", id); err == nil {
		t.Fatalf("expected no photos for an empty session")
	}
}
