package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"marlin/internal/logger"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

// EventModel is one structured session event: fills, exits, rejections,
// drops, breaker transitions, shutdown reasons. Append-only.
type EventModel struct {
	ID        uint   `gorm:"primaryKey"`
	SessionID string `gorm:"index"`
	Kind      string `gorm:"index"`
	Class     string // transient | data_quality | risk | fatal | info
	At        int64  `gorm:"index"` // unix ms
	Payload   string // scrubbed JSON
}

func (EventModel) TableName() string { return "events" }

// RunModel summarizes one completed session.
type RunModel struct {
	ID          uint   `gorm:"primaryKey"`
	SessionID   string `gorm:"uniqueIndex"`
	Status      string
	StopReason  string
	ErrorCount  int
	StartEquity float64
	FinalEquity float64
	StartedAt   int64
	FinishedAt  int64
}

func (RunModel) TableName() string { return "runs" }

// Store persists events and run summaries in SQLite (gorm) and mirrors each
// event as one JSON line for external tailing.
type Store struct {
	db *gorm.DB

	jsonlMu sync.Mutex
	jsonl   *os.File
}

func Open(dbPath, eventLogPath string) (*Store, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, fmt.Errorf("store: db path is required")
	}
	if err := ensureDir(dbPath); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", dbPath)
	// The cgo-free driver registers itself as "sqlite"; the dialector just
	// rides on top of it.
	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&EventModel{}, &RunModel{}); err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if eventLogPath = strings.TrimSpace(eventLogPath); eventLogPath != "" {
		if err := ensureDir(eventLogPath); err != nil {
			return nil, err
		}
		f, err := os.OpenFile(eventLogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening event log: %w", err)
		}
		s.jsonl = f
	}
	return s, nil
}

// AppendEvent records one structured event. The payload map is scrubbed of
// credential-looking keys before serialization.
func (s *Store) AppendEvent(sessionID, kind, class string, at time.Time, payload map[string]any) error {
	payload = logger.ScrubSecrets(payload)
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: encoding event payload: %w", err)
	}
	rec := EventModel{
		SessionID: sessionID,
		Kind:      kind,
		Class:     class,
		At:        at.UnixMilli(),
		Payload:   string(raw),
	}
	if err := s.db.Create(&rec).Error; err != nil {
		return fmt.Errorf("store: appending event: %w", err)
	}
	s.appendJSONL(rec)
	return nil
}

func (s *Store) appendJSONL(rec EventModel) {
	if s.jsonl == nil {
		return
	}
	line, err := json.Marshal(map[string]any{
		"session_id": rec.SessionID,
		"kind":       rec.Kind,
		"class":      rec.Class,
		"at":         rec.At,
		"payload":    json.RawMessage(rec.Payload),
	})
	if err != nil {
		return
	}
	s.jsonlMu.Lock()
	defer s.jsonlMu.Unlock()
	if _, err := s.jsonl.Write(append(line, '\n')); err != nil {
		logger.Warnf("store: event log write failed: %v", err)
	}
}

// RecentEvents returns the newest events for a session, newest first.
func (s *Store) RecentEvents(sessionID string, limit int) ([]EventModel, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []EventModel
	err := s.db.Where("session_id = ?", sessionID).
		Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

// SaveRun upserts the session summary row.
func (s *Store) SaveRun(run *RunModel) error {
	var existing RunModel
	err := s.db.Where("session_id = ?", run.SessionID).First(&existing).Error
	if err == nil {
		run.ID = existing.ID
		return s.db.Save(run).Error
	}
	if err == gorm.ErrRecordNotFound {
		return s.db.Create(run).Error
	}
	return err
}

func (s *Store) Run(sessionID string) (*RunModel, error) {
	var run RunModel
	if err := s.db.Where("session_id = ?", sessionID).First(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *Store) Close() error {
	if s.jsonl != nil {
		s.jsonlMu.Lock()
		s.jsonl.Close()
		s.jsonl = nil
		s.jsonlMu.Unlock()
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating dir for %s: %w", path, err)
	}
	return nil
}
