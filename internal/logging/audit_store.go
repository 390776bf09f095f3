package logging

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tokenissuer/tokenissuer/internal/errors"
	_ "modernc.org/sqlite"
)

const (
	defaultAuditRetention       = 30 * 24 * time.Hour
	defaultAuditCleanupInterval = time.Hour
	auditQueueSize              = 256
)

// AuditStore persists audit events.
type AuditStore interface {
	SaveEvent(event *AuditEvent) error
	SaveEventAsync(event *AuditEvent)
	QueryEvents(ctx context.Context, filters AuditQueryFilters) ([]*AuditEvent, error)
	GetEventByID(ctx context.Context, id string) (*AuditEvent, error)
	CountEvents(ctx context.Context, filters AuditQueryFilters) (int, error)
	CleanupOldEvents(ctx context.Context, olderThan time.Duration) (int64, error)
	Close() error
}

// AuditQueryFilters narrows QueryEvents and CountEvents. Zero values match everything.
type AuditQueryFilters struct {
	EventType     string
	Principal     string
	Status        string
	CorrelationID string
	Since         time.Time
	Until         time.Time
	Limit         int
	Offset        int
	OrderDesc     bool
}

// NoopAuditStore discards every event.
type NoopAuditStore struct{}

// NewNoopAuditStore returns a store used when auditing is disabled.
func NewNoopAuditStore() *NoopAuditStore {
	return &NoopAuditStore{}
}

func (NoopAuditStore) SaveEvent(*AuditEvent) error { return nil }

func (NoopAuditStore) SaveEventAsync(*AuditEvent) {}

func (NoopAuditStore) QueryEvents(context.Context, AuditQueryFilters) ([]*AuditEvent, error) {
	return nil, nil
}

func (NoopAuditStore) GetEventByID(context.Context, string) (*AuditEvent, error) {
	return nil, nil
}

func (NoopAuditStore) CountEvents(context.Context, AuditQueryFilters) (int, error) {
	return 0, nil
}

func (NoopAuditStore) CleanupOldEvents(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (NoopAuditStore) Close() error { return nil }

// SQLiteAuditStore stores audit events in SQLite (WAL mode). Async saves go
// through a bounded queue drained by a single writer goroutine; a second
// goroutine deletes events older than the retention period.
type SQLiteAuditStore struct {
	db        *sql.DB
	logger    *Logger
	retention time.Duration
	interval  time.Duration

	mu        sync.RWMutex
	closed    bool
	eventChan chan *AuditEvent
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSQLiteAuditStore opens an audit store with the default 30 day retention.
func NewSQLiteAuditStore(path string) (*SQLiteAuditStore, error) {
	return NewSQLiteAuditStoreWithRetention(path, defaultAuditRetention, defaultAuditCleanupInterval)
}

// NewSQLiteAuditStoreWithRetention opens an audit store. A retention of zero disables cleanup.
func NewSQLiteAuditStoreWithRetention(path string, retention, interval time.Duration) (*SQLiteAuditStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, &errors.ErrDirectoryCreate{Path: dir, Err: err}
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, &errors.ErrDatabaseOpen{Path: path, Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &errors.ErrDatabaseOpen{Path: path, Err: err}
	}
	if err := migrateAudit(db); err != nil {
		db.Close()
		return nil, err
	}

	if interval <= 0 {
		interval = defaultAuditCleanupInterval
	}
	s := &SQLiteAuditStore{
		db:        db,
		logger:    NewLogger(),
		retention: retention,
		interval:  interval,
		eventChan: make(chan *AuditEvent, auditQueueSize),
		done:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.writeLoop(s.eventChan)

	if retention > 0 {
		s.wg.Add(1)
		go s.cleanupLoop()
	}

	return s, nil
}

func migrateAudit(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			timestamp INTEGER NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			correlation_id TEXT,
			principal TEXT,
			ip_address TEXT,
			action TEXT NOT NULL,
			resource TEXT,
			status TEXT NOT NULL,
			details TEXT,
			error_message TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
		CREATE INDEX IF NOT EXISTS idx_audit_events_principal ON audit_events(principal);
	`)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "create audit_events", Err: err}
	}
	return nil
}

// SetLogger replaces the logger used for background failures.
func (s *SQLiteAuditStore) SetLogger(logger *Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SaveEvent writes an event synchronously.
func (s *SQLiteAuditStore) SaveEvent(event *AuditEvent) error {
	var details sql.NullString
	if len(event.Details) > 0 {
		data, err := json.Marshal(event.Details)
		if err != nil {
			return &errors.ErrDatabaseQuery{Operation: "marshal audit details", Err: err}
		}
		details = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO audit_events
			(id, timestamp, event_type, severity, correlation_id, principal, ip_address, action, resource, status, details, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Timestamp.UTC().UnixNano(), string(event.EventType), string(event.Severity),
		event.CorrelationID, event.Principal, event.IPAddress, event.Action, event.Resource,
		string(event.Status), details, event.ErrorMessage,
	)
	if err != nil {
		return &errors.ErrDatabaseQuery{Operation: "insert audit event", Err: err}
	}
	return nil
}

// SaveEventAsync queues an event. Events are dropped when the queue is full or the store is closed.
func (s *SQLiteAuditStore) SaveEventAsync(event *AuditEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.eventChan <- event:
	default:
		s.logger.Warn("audit queue full, dropping event", "event_id", event.ID, "event_type", string(event.EventType))
	}
}

func (s *SQLiteAuditStore) writeLoop(events <-chan *AuditEvent) {
	defer s.wg.Done()
	for event := range events {
		if err := s.SaveEvent(event); err != nil {
			s.logger.Error("failed to save audit event", "event_id", event.ID, "error", err.Error())
		}
	}
}

func (s *SQLiteAuditStore) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanupOldData()
		}
	}
}

func (s *SQLiteAuditStore) cleanupOldData() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	deleted, err := s.CleanupOldEvents(ctx, s.retention)
	if err != nil {
		s.logger.Error("audit retention cleanup failed", "error", err.Error())
		return
	}
	if deleted > 0 {
		s.logger.Info("audit retention cleanup", "deleted", deleted)
	}
}

// QueryEvents returns events matching the filters, oldest first unless OrderDesc is set.
func (s *SQLiteAuditStore) QueryEvents(ctx context.Context, filters AuditQueryFilters) ([]*AuditEvent, error) {
	where, args := buildAuditWhere(filters)
	query := `SELECT id, timestamp, event_type, severity, correlation_id, principal, ip_address,
		action, resource, status, details, error_message FROM audit_events` + where

	if filters.OrderDesc {
		query += " ORDER BY timestamp DESC"
	} else {
		query += " ORDER BY timestamp ASC"
	}
	if filters.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filters.Limit)
		if filters.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filters.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "query audit events", Err: err}
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "iterate audit events", Err: err}
	}
	return events, nil
}

// GetEventByID returns the event or nil when it does not exist.
func (s *SQLiteAuditStore) GetEventByID(ctx context.Context, id string) (*AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, timestamp, event_type, severity, correlation_id, principal,
		ip_address, action, resource, status, details, error_message FROM audit_events WHERE id = ?`, id)
	event, err := scanAuditEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return event, err
}

// CountEvents counts events matching the filters. Limit and Offset are ignored.
func (s *SQLiteAuditStore) CountEvents(ctx context.Context, filters AuditQueryFilters) (int, error) {
	where, args := buildAuditWhere(filters)
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_events"+where, args...).Scan(&count); err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "count audit events", Err: err}
	}
	return count, nil
}

// CleanupOldEvents deletes events older than olderThan and returns how many were removed.
func (s *SQLiteAuditStore) CleanupOldEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().UnixNano()
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, &errors.ErrDatabaseQuery{Operation: "cleanup audit events", Err: err}
	}
	return res.RowsAffected()
}

// Close drains queued events, stops cleanup and closes the database.
func (s *SQLiteAuditStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.eventChan)
		close(s.done)
		s.mu.Unlock()

		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func buildAuditWhere(f AuditQueryFilters) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	add := func(clause string, arg interface{}) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if f.EventType != "" {
		add("event_type = ?", f.EventType)
	}
	if f.Principal != "" {
		add("principal = ?", f.Principal)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.CorrelationID != "" {
		add("correlation_id = ?", f.CorrelationID)
	}
	if !f.Since.IsZero() {
		add("timestamp >= ?", f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		add("timestamp <= ?", f.Until.UTC().UnixNano())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditEvent(row rowScanner) (*AuditEvent, error) {
	var (
		event                       AuditEvent
		ts                          int64
		eventType, severity, status string
		correlationID, principal    sql.NullString
		ip, resource, errMsg        sql.NullString
		details                     sql.NullString
	)
	err := row.Scan(&event.ID, &ts, &eventType, &severity, &correlationID, &principal, &ip,
		&event.Action, &resource, &status, &details, &errMsg)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, &errors.ErrDatabaseQuery{Operation: "scan audit event", Err: err}
	}

	event.Timestamp = time.Unix(0, ts).UTC()
	event.EventType = AuditEventType(eventType)
	event.Severity = AuditSeverity(severity)
	event.Status = AuditStatus(status)
	event.CorrelationID = correlationID.String
	event.Principal = principal.String
	event.IPAddress = ip.String
	event.Resource = resource.String
	event.ErrorMessage = errMsg.String
	if details.Valid && details.String != "" {
		if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
			return nil, &errors.ErrDatabaseQuery{Operation: "unmarshal audit details", Err: err}
		}
	}
	return &event, nil
}
