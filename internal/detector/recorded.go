package detector

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sync"

	"posecapture/internal/vision"
)

// Record is one line of a recorded detection file.
type Record struct {
	Frame string        `json:"frame"`
	Faces []vision.Face `json:"faces"`
	Error string        `json:"error,omitempty"`
}

// Recorded replays detections captured earlier, keyed by frame name. Frames
// without a record detect no faces.
type Recorded struct {
	mu      sync.Mutex
	records map[string]Record
	calls   int
}

// LoadRecorded reads a JSON-lines file of Records.
func LoadRecorded(path string) (*Recorded, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := &Recorded{records: make(map[string]Record)}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		r.records[rec.Frame] = rec
	}
	return r, sc.Err()
}

// NewRecorded builds a Recorded from in-memory records.
func NewRecorded(records ...Record) *Recorded {
	r := &Recorded{records: make(map[string]Record, len(records))}
	for _, rec := range records {
		r.records[rec.Frame] = rec
	}
	return r
}

func (r *Recorded) Detect(ctx context.Context, frame *vision.Frame) (vision.Detection, error) {
	r.mu.Lock()
	r.calls++
	rec, ok := r.records[frame.Name]
	r.mu.Unlock()
	if !ok {
		return vision.Detection{}, nil
	}
	switch rec.Error {
	case "":
		return vision.Detection{Faces: rec.Faces}, nil
	case errCodeModelNotLoaded:
		return vision.Detection{}, ErrModelNotLoaded
	default:
		return vision.Detection{}, fmt.Errorf("detector: %s", rec.Error)
	}
}

// Calls returns how many frames were looked up.
func (r *Recorded) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Len returns the number of recorded frames.
func (r *Recorded) Len() int { return len(r.records) }
