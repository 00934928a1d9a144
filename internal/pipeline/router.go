package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"posecapture/internal/storage"
)

// Uploader stores a photo under key and returns its location.
type Uploader interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

type writeFunc func(path string, data []byte) error

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log       *slog.Logger
	store     *storage.Store
	photoDir  string
	write     writeFunc
	uploader  Uploader
	objectKey func(session, pose string) string
}

func newRouter(logger *slog.Logger, store *storage.Store, opts Options) Processor {
	key := opts.ObjectKey
	if key == nil {
		key = func(session, pose string) string { return session + "/" + pose + ".jpg" }
	}
	return &router{
		log:       logger,
		store:     store,
		photoDir:  opts.PhotoDir,
		write:     writeFileAtomic,
		uploader:  opts.Uploader,
		objectKey: key,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobPersist:
		return r.handlePersist(ctx, job)
	case JobUpload:
		return r.handleUpload(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handlePersist(ctx context.Context, job Job) Result {
	if r.photoDir == "" {
		return Result{Job: job, Error: errors.New("photo directory not configured")}
	}
	path := filepath.Join(r.photoDir, job.Session, job.Pose+".jpg")
	meta := map[string]any{
		"path":  path,
		"bytes": len(job.Data),
		"size":  humanize.Bytes(uint64(len(job.Data))),
	}
	if err := r.write(path, job.Data); err != nil {
		return Result{Job: job, Error: fmt.Errorf("write photo: %w", err), Meta: meta}
	}
	if r.store != nil {
		if err := r.store.RecordPhoto(storage.PhotoRecord{
			SessionID: job.Session,
			PoseID:    job.Pose,
			FilePath:  path,
			FileSize:  int64(len(job.Data)),
			TakenAt:   job.TakenAt,
		}); err != nil {
			r.log.Warn("record photo failed", "session", job.Session, "pose", job.Pose, "error", err)
		}
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleUpload(ctx context.Context, job Job) Result {
	if r.uploader == nil {
		return Result{Job: job, Error: errors.New("uploader not configured")}
	}
	key := r.objectKey(job.Session, job.Pose)
	meta := map[string]any{"key": key}
	location, err := r.uploader.Upload(ctx, key, job.Data, "image/jpeg")
	if err != nil {
		return Result{Job: job, Error: fmt.Errorf("upload %s: %w", key, err), Meta: meta}
	}
	meta["location"] = location
	if r.store != nil {
		if err := r.store.RecordUpload(job.Session, job.Pose, key); err != nil {
			r.log.Warn("record upload failed", "session", job.Session, "pose", job.Pose, "error", err)
		}
	}
	return Result{Job: job, Meta: meta}
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
