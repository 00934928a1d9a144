package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"posecapture/internal/events"
)

// Store wraps SQLite-backed persistence for sessions, photos and sink jobs.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sink_jobs (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            status TEXT NOT NULL,
            session_id TEXT,
            pose_id TEXT,
            output_path TEXT,
            options_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS job_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS capture_sessions (
            id TEXT PRIMARY KEY,
            profile TEXT,
            status TEXT NOT NULL,
            pose_count INTEGER,
            captured_count INTEGER DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS captured_photos (
            session_id TEXT NOT NULL,
            pose_id TEXT NOT NULL,
            file_path TEXT,
            file_size INTEGER,
            s3_key TEXT,
            taken_at TIMESTAMP,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (session_id, pose_id)
        );`,
		`CREATE TABLE IF NOT EXISTS session_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            session_id TEXT NOT NULL,
            event_type TEXT NOT NULL,
            pose_id TEXT,
            message TEXT,
            reason TEXT,
            event_time TIMESTAMP NOT NULL,
            event_data TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_session_events_type ON session_events(event_type);`,
		`CREATE INDEX IF NOT EXISTS idx_sink_jobs_session ON sink_jobs(session_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted sink job info.
type JobRecord struct {
	ID          string
	JobType     string
	Status      string
	SessionID   string
	PoseID      string
	OutputPath  string
	OptionsJSON string
	Error       string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// SessionRecord is one capture session row.
type SessionRecord struct {
	ID            string
	Profile       string
	Status        string
	PoseCount     int
	CapturedCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PhotoRecord describes a stored photo.
type PhotoRecord struct {
	SessionID string
	PoseID    string
	FilePath  string
	FileSize  int64
	S3Key     string
	TakenAt   time.Time
}

// EventRecord is one logged session event.
type EventRecord struct {
	ID        int64
	SessionID string
	EventType string
	PoseID    string
	Message   string
	Reason    string
	EventTime time.Time
	EventData string
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO sink_jobs (id, job_type, status, session_id, pose_id, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.SessionID, rec.PoseID, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE sink_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE sink_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, session_id, pose_id, output_path, options_json, created_at, started_at, completed_at, error_message FROM sink_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var created time.Time
		var started, completed sql.NullTime
		var errorMsg sql.NullString
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &rec.SessionID, &rec.PoseID, &rec.OutputPath, &rec.OptionsJSON, &created, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.CreatedAt = created
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordSessionOpened inserts a session row.
func (s *Store) RecordSessionOpened(id, profile string, poseCount int) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO capture_sessions (id, profile, status, pose_count) VALUES (?, ?, 'open', ?);`, id, profile, poseCount)
	return err
}

// RecordSessionStatus updates a session's status (open, complete, closed).
func (s *Store) RecordSessionStatus(id, status string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE capture_sessions SET status=?, updated_at=CURRENT_TIMESTAMP WHERE id=?;`, status, id)
	return err
}

// RecentSessions returns the latest sessions up to limit.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, profile, status, pose_count, captured_count, created_at, updated_at FROM capture_sessions ORDER BY created_at DESC, id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.Profile, &rec.Status, &rec.PoseCount, &rec.CapturedCount, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordPhoto stores (or replaces, after a retake) the photo row for a pose
// and refreshes the session's captured count.
func (s *Store) RecordPhoto(rec PhotoRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO captured_photos (session_id, pose_id, file_path, file_size, taken_at) VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(session_id, pose_id) DO UPDATE SET file_path=excluded.file_path, file_size=excluded.file_size, taken_at=excluded.taken_at, s3_key=NULL;`,
		rec.SessionID, rec.PoseID, rec.FilePath, rec.FileSize, rec.TakenAt)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`UPDATE capture_sessions SET captured_count=(SELECT COUNT(*) FROM captured_photos WHERE session_id=?), updated_at=CURRENT_TIMESTAMP WHERE id=?;`,
		rec.SessionID, rec.SessionID)
	return err
}

// RecordUpload attaches the object key an uploaded photo was stored under.
func (s *Store) RecordUpload(sessionID, poseID, key string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO captured_photos (session_id, pose_id, s3_key) VALUES (?, ?, ?)
        ON CONFLICT(session_id, pose_id) DO UPDATE SET s3_key=excluded.s3_key;`, sessionID, poseID, key)
	return err
}

// Photos lists a session's stored photos ordered by capture time.
func (s *Store) Photos(sessionID string) ([]PhotoRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT session_id, pose_id, file_path, file_size, s3_key, taken_at FROM captured_photos WHERE session_id=? ORDER BY taken_at, pose_id;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []PhotoRecord
	for rows.Next() {
		var rec PhotoRecord
		var path, key sql.NullString
		var size sql.NullInt64
		var taken sql.NullTime
		if err := rows.Scan(&rec.SessionID, &rec.PoseID, &path, &size, &key, &taken); err != nil {
			return nil, err
		}
		rec.FilePath = path.String
		rec.FileSize = size.Int64
		rec.S3Key = key.String
		rec.TakenAt = taken.Time
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// RecordEvent appends to the session event log.
func (s *Store) RecordEvent(rec EventRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO session_events (session_id, event_type, pose_id, message, reason, event_time, event_data) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.SessionID, rec.EventType, rec.PoseID, rec.Message, rec.Reason, rec.EventTime, rec.EventData)
	return err
}

// SessionEvents returns a session's events, oldest first.
func (s *Store) SessionEvents(sessionID string, limit int) ([]EventRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, session_id, event_type, pose_id, message, reason, event_time, event_data FROM session_events WHERE session_id=? ORDER BY id LIMIT ?;`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []EventRecord
	for rows.Next() {
		var rec EventRecord
		var pose, msg, reason, data sql.NullString
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.EventType, &pose, &msg, &reason, &rec.EventTime, &data); err != nil {
			return nil, err
		}
		rec.PoseID, rec.Message, rec.Reason, rec.EventData = pose.String, msg.String, reason.String, data.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ConsumeEvents writes session events from ch until it closes or ctx ends.
// Verdict events are only logged when their reason changes, keeping the
// per-tick stream out of the table.
func (s *Store) ConsumeEvents(ctx context.Context, ch <-chan events.Event, log *slog.Logger) {
	if s == nil {
		return
	}
	lastReason := make(map[string]string)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := s.recordEvent(e, lastReason); err != nil {
				log.Warn("event log write failed", "session", e.Session, "type", e.Type, "error", err)
			}
		}
	}
}

func (s *Store) recordEvent(e events.Event, lastReason map[string]string) error {
	rec := EventRecord{
		SessionID: e.Session,
		EventType: string(e.Type),
		PoseID:    e.Pose,
		Message:   e.Message,
		EventTime: e.Time,
	}
	switch e.Type {
	case events.TypeVerdict:
		if e.Verdict == nil {
			return nil
		}
		reason := string(e.Verdict.Reason)
		if e.Verdict.Valid {
			reason = "valid"
		}
		if prev, seen := lastReason[e.Session]; seen && prev == reason {
			return nil
		}
		lastReason[e.Session] = reason
		rec.Reason = reason
	case events.TypeSessionOpened:
		if err := s.RecordSessionOpened(e.Session, e.Message, e.Total); err != nil {
			return err
		}
	case events.TypeComplete:
		if err := s.RecordSessionStatus(e.Session, "complete"); err != nil {
			return err
		}
	case events.TypeRetake:
		if err := s.RecordSessionStatus(e.Session, "open"); err != nil {
			return err
		}
	case events.TypeSessionClosed:
		delete(lastReason, e.Session)
		if err := s.RecordSessionStatus(e.Session, "closed"); err != nil {
			return err
		}
	case events.TypeDetectorError:
		rec.Message = e.Error
	case events.TypeCooldown:
		rec.EventData = fmt.Sprintf(`{"remaining":%d}`, e.Remaining)
	}
	return s.RecordEvent(rec)
}
