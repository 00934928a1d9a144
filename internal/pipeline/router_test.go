package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"posecapture/internal/sequence"
	"posecapture/internal/storage"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRouterPersistWritesPhotoAndRecord(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "db.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	r := newRouter(quietLogger(), store, Options{PhotoDir: dir}).(*router)
	job := Job{ID: "p1", Type: JobPersist, Session: "s1", Pose: "center", Data: []byte("jpeg"), TakenAt: time.Unix(10, 0)}

	res := r.Process(context.Background(), job)
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	want := filepath.Join(dir, "s1", "center.jpg")
	if res.Meta["path"] != want {
		t.Fatalf("unexpected path meta %v", res.Meta["path"])
	}
	if data, err := os.ReadFile(want); err != nil || string(data) != "jpeg" {
		t.Fatalf("photo not written: %q %v", data, err)
	}
	photos, err := store.Photos("s1")
	if err != nil || len(photos) != 1 || photos[0].FileSize != 4 {
		t.Fatalf("expected photo row, got %+v err=%v", photos, err)
	}
}

func TestRouterPersistReportsWriteError(t *testing.T) {
	r := &router{
		log:      quietLogger(),
		photoDir: "/photos",
		write:    func(string, []byte) error { return errors.New("disk full") },
	}
	res := r.Process(context.Background(), Job{Type: JobPersist, Session: "s", Pose: "p", Data: []byte{1}})
	if res.Error == nil {
		t.Fatalf("expected write error")
	}
}

func TestRouterUploadUsesObjectKey(t *testing.T) {
	up := &stubUploader{}
	r := &router{
		log:       quietLogger(),
		uploader:  up,
		objectKey: func(session, pose string) string { return "AB12CD/7/" + pose + ".jpg" },
	}
	res := r.Process(context.Background(), Job{Type: JobUpload, Session: "s1", Pose: "halfLeft", Data: []byte("x")})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if up.lastKey != "AB12CD/7/halfLeft.jpg" || up.lastType != "image/jpeg" {
		t.Fatalf("unexpected upload key=%q type=%q", up.lastKey, up.lastType)
	}
	if res.Meta["location"] != "s3://bucket/AB12CD/7/halfLeft.jpg" {
		t.Fatalf("unexpected location %v", res.Meta["location"])
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r := &router{log: quietLogger()}
	if res := r.Process(context.Background(), Job{Type: "resize"}); res.Error == nil {
		t.Fatalf("expected unknown job type error")
	}
}

func TestPipelineAcceptQueuesPersistAndUpload(t *testing.T) {
	proc := &recordingProcessor{}
	p := newPipeline(context.Background(), 2, quietLogger(), nil, proc, true)
	results, unsub := p.Subscribe()
	defer unsub()

	photo := sequence.Photo{PoseID: "center", Data: []byte("x"), TakenAt: time.Unix(5, 0)}
	if err := p.Accept(context.Background(), "s1", photo); err != nil {
		t.Fatalf("accept: %v", err)
	}
	seen := map[JobType]bool{}
	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.Job.Session != "s1" || res.Job.Pose != "center" || res.Job.ID == "" {
				t.Fatalf("unexpected job %+v", res.Job)
			}
			seen[res.Job.Type] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("result not delivered")
		}
	}
	if !seen[JobPersist] || !seen[JobUpload] {
		t.Fatalf("expected persist and upload jobs, saw %v", seen)
	}
	p.Stop()
}

func TestPipelineSubmitFailsWhenFull(t *testing.T) {
	block := make(chan struct{})
	proc := &recordingProcessor{block: block}
	p := newPipeline(context.Background(), 1, quietLogger(), nil, proc, false)
	defer func() {
		close(block)
		p.Stop()
	}()

	var err error
	for i := 0; i < 32 && err == nil; i++ {
		err = p.Submit(Job{Type: JobPersist})
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
}

// Stubs
type stubUploader struct {
	lastKey  string
	lastType string
}

func (s *stubUploader) Upload(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	s.lastKey = key
	s.lastType = contentType
	return "s3://bucket/" + key, nil
}

type recordingProcessor struct {
	block chan struct{}
}

func (r *recordingProcessor) Process(ctx context.Context, job Job) Result {
	if r.block != nil {
		<-r.block
	}
	return Result{Job: job, Meta: map[string]any{}}
}
