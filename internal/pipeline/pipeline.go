package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"posecapture/internal/logging"
	"posecapture/internal/sequence"
	"posecapture/internal/storage"
)

// ErrQueueFull is returned when the job queue cannot take another job.
var ErrQueueFull = errors.New("job queue is full")

// JobType enumerates what can be done with a stored photo.
type JobType string

const (
	JobPersist JobType = "persist"
	JobUpload  JobType = "upload"
)

// Job represents a single photo sink request.
type Job struct {
	ID      string
	Type    JobType
	Session string
	Pose    string
	Data    []byte
	TakenAt time.Time
	Options map[string]any
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Options configures where photos go.
type Options struct {
	PhotoDir  string
	Uploader  Uploader                          // nil disables upload jobs
	ObjectKey func(session, pose string) string // object key for uploads
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	upload    bool
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
}

// New creates a new Pipeline with the given concurrency.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, opts Options) *Pipeline {
	return newPipeline(ctx, concurrency, logger, store, newRouter(logger, store, opts), opts.Uploader != nil)
}

func newPipeline(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, proc Processor, upload bool) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:    logger,
		jobs:   make(chan Job, concurrency*8),
		cancel: cancel,
		store:  store,
		upload: upload,
		subs:   make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		p.processor = proc
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Accept queues a stored photo for persistence and, when an uploader is
// configured, upload.
func (p *Pipeline) Accept(ctx context.Context, session string, photo sequence.Photo) error {
	types := []JobType{JobPersist}
	if p.upload {
		types = append(types, JobUpload)
	}
	var errs []error
	for _, typ := range types {
		errs = append(errs, p.Submit(Job{
			ID:      uuid.NewString(),
			Type:    typ,
			Session: session,
			Pose:    photo.PoseID,
			Data:    photo.Data,
			TakenAt: photo.TakenAt,
		}))
	}
	return errors.Join(errs...)
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			SessionID:   job.Session,
			PoseID:      job.Pose,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion. Queued jobs are
// drained first.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.jobs)
		p.wg.Wait()
		p.cancel()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for job := range p.jobs {
		start := time.Now()

		logging.LogJobStart(p.log, string(job.Type), job.ID, job.Session, job.Pose, job.Options)

		if p.store != nil {
			_ = p.store.RecordJobStart(job.ID)
		}
		res := p.processor.Process(ctx, job)
		duration := time.Since(start)

		if res.Error != nil {
			logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
				"session": job.Session,
				"pose":    job.Pose,
				"worker":  id,
			})
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, "failed", res.Meta, errString(res.Error))
			}
		} else {
			logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, "completed", res.Meta, "")
			}
		}

		p.broadcast(res)
	}
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
