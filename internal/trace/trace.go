// Package trace records session events to parquet files, one per session,
// and summarises them afterwards.
package trace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"

	"posecapture/internal/events"
)

// Row is one recorded event.
type Row struct {
	Session   string  `parquet:"session"`
	Type      string  `parquet:"type"`
	Pose      string  `parquet:"pose"`
	TimeMS    int64   `parquet:"time_ms"`
	Valid     bool    `parquet:"valid"`
	Reason    string  `parquet:"reason"`
	Axis      string  `parquet:"axis"`
	HasAngle  bool    `parquet:"has_angle"`
	Yaw       int32   `parquet:"yaw"`
	Pitch     int32   `parquet:"pitch"`
	Luminance float64 `parquet:"luminance"`
	Message   string  `parquet:"message"`
}

// RowFromEvent flattens an event.
func RowFromEvent(e events.Event) Row {
	r := Row{
		Session: e.Session,
		Type:    string(e.Type),
		Pose:    e.Pose,
		TimeMS:  e.Time.UnixMilli(),
		Message: e.Message,
	}
	if e.Error != "" {
		r.Message = e.Error
	}
	if v := e.Verdict; v != nil {
		r.Valid = v.Valid
		r.Reason = string(v.Reason)
		r.Axis = string(v.Axis)
		r.Luminance = v.Luminance
		if v.Yaw != nil && v.Pitch != nil {
			r.HasAngle = true
			r.Yaw = int32(*v.Yaw)
			r.Pitch = int32(*v.Pitch)
		}
	}
	return r
}

// Recorder buffers rows per session and writes <dir>/<session>.parquet when
// the session closes.
type Recorder struct {
	dir  string
	log  *slog.Logger
	mu   sync.Mutex
	rows map[string][]Row
}

// NewRecorder returns a recorder writing into dir.
func NewRecorder(dir string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{dir: dir, log: logger, rows: make(map[string][]Row)}
}

// Notify implements events.Observer.
func (r *Recorder) Notify(e events.Event) {
	r.mu.Lock()
	r.rows[e.Session] = append(r.rows[e.Session], RowFromEvent(e))
	r.mu.Unlock()
	if e.Type == events.TypeSessionClosed {
		if _, err := r.Flush(e.Session); err != nil {
			r.log.Warn("trace flush failed", "session", e.Session, "error", err)
		}
	}
}

// Run records events from ch until it closes or ctx ends, then flushes every
// open session.
func (r *Recorder) Run(ctx context.Context, ch <-chan events.Event) {
	defer r.FlushAll()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.Notify(e)
		}
	}
}

// Path returns the trace file for session.
func (r *Recorder) Path(session string) string {
	return filepath.Join(r.dir, session+".parquet")
}

// Flush writes the buffered rows of session and forgets them.
func (r *Recorder) Flush(session string) (string, error) {
	r.mu.Lock()
	rows := r.rows[session]
	delete(r.rows, session)
	r.mu.Unlock()
	if len(rows) == 0 {
		return "", nil
	}
	path := r.Path(session)
	if err := WriteFile(path, rows); err != nil {
		return "", err
	}
	r.log.Info("trace written", "session", session, "rows", len(rows), "path", path)
	return path, nil
}

// FlushAll flushes every buffered session.
func (r *Recorder) FlushAll() {
	r.mu.Lock()
	sessions := make([]string, 0, len(r.rows))
	for s := range r.rows {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		if _, err := r.Flush(s); err != nil {
			r.log.Warn("trace flush failed", "session", s, "error", err)
		}
	}
}

// WriteFile writes rows to path atomically.
func WriteFile(path string, rows []Row) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := parquet.NewGenericWriter[Row](f)
	if _, err := w.Write(rows); err != nil {
		f.Close()
		return fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close parquet writer: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadFile loads every row from a trace file.
func ReadFile(path string) ([]Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	pf, err := parquet.OpenFile(file, info.Size())
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet: %w", err)
	}
	reader := parquet.NewGenericReader[Row](pf)
	defer reader.Close()

	rows := make([]Row, 0, pf.NumRows())
	batch := make([]Row, 128)
	for {
		n, err := reader.Read(batch)
		rows = append(rows, batch[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read parquet rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return rows, nil
}

// PoseSummary aggregates one pose.
type PoseSummary struct {
	Pose        string
	Verdicts    int
	Valid       int
	Captures    int
	TimeToValid time.Duration // from the pose becoming current to its first valid verdict
}

// Summary aggregates a trace.
type Summary struct {
	Session  string
	Rows     int
	Verdicts int
	Valid    int
	Captures int
	Retakes  int
	Complete bool
	Duration time.Duration
	Reasons  map[string]int
	Poses    []PoseSummary
}

// Summarize aggregates rows in time order.
func Summarize(rows []Row) Summary {
	s := Summary{Rows: len(rows), Reasons: make(map[string]int)}
	if len(rows) == 0 {
		return s
	}
	sorted := append([]Row(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TimeMS < sorted[j].TimeMS })
	s.Session = sorted[0].Session
	s.Duration = time.Duration(sorted[len(sorted)-1].TimeMS-sorted[0].TimeMS) * time.Millisecond

	byPose := map[string]*PoseSummary{}
	var order []string
	poseStart := map[string]int64{}
	get := func(id string) *PoseSummary {
		p, ok := byPose[id]
		if !ok {
			p = &PoseSummary{Pose: id, TimeToValid: -1}
			byPose[id] = p
			order = append(order, id)
		}
		return p
	}

	for _, r := range sorted {
		switch events.Type(r.Type) {
		case events.TypePoseChanged:
			poseStart[r.Pose] = r.TimeMS
			get(r.Pose)
		case events.TypeVerdict:
			s.Verdicts++
			p := get(r.Pose)
			p.Verdicts++
			if r.Valid {
				s.Valid++
				p.Valid++
				if p.TimeToValid < 0 {
					if start, ok := poseStart[r.Pose]; ok {
						p.TimeToValid = time.Duration(r.TimeMS-start) * time.Millisecond
					}
				}
			} else {
				s.Reasons[r.Reason]++
			}
		case events.TypeCaptured:
			s.Captures++
			get(r.Pose).Captures++
		case events.TypeRetake:
			s.Retakes++
			s.Complete = false
			p := get(r.Pose)
			p.TimeToValid = -1
			poseStart[r.Pose] = r.TimeMS
		case events.TypeComplete:
			s.Complete = true
		}
	}
	for _, id := range order {
		s.Poses = append(s.Poses, *byPose[id])
	}
	return s
}

// ValidRatio is the share of verdicts that were valid.
func (s Summary) ValidRatio() float64 {
	if s.Verdicts == 0 {
		return 0
	}
	return float64(s.Valid) / float64(s.Verdicts)
}
