package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/keo571/netquery-insight-chat/internal/domain"
	"github.com/keo571/netquery-insight-chat/internal/shared"
)

const maxListLimit = 500

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to avoid SQLITE_BUSY
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		query_id TEXT,
		user_question TEXT,
		sql_query TEXT,
		description TEXT,
		tags_json TEXT NOT NULL DEFAULT '[]',
		submitted_at TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_created ON feedback(created_at);
	CREATE INDEX IF NOT EXISTS idx_feedback_query ON feedback(query_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SaveFeedback stores fb.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) SaveFeedback(ctx context.Context, fb *domain.Feedback) error {
	tags := fb.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal feedback tags: %w", err)
	}

	maxRetries := 3
	baseDelay := 50 * time.Millisecond
	for i := 0; i < maxRetries; i++ {
		err = s.saveFeedbackOnce(ctx, fb, string(tagsJSON))
		if err == nil {
			return nil
		}
		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
			slog.Debug("SaveFeedback hit a locked database, retrying",
				"attempt", i+1,
				"delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		break
	}
	return fmt.Errorf("save feedback after %d attempts: %w", maxRetries, err)
}

func (s *SQLiteStore) saveFeedbackOnce(ctx context.Context, fb *domain.Feedback, tagsJSON string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	created := s.now().UTC()
	query := `
	INSERT INTO feedback (type, query_id, user_question, sql_query, description, tags_json, submitted_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		fb.Type, nullable(fb.QueryID), nullable(fb.UserQuestion), nullable(fb.SQLQuery),
		nullable(fb.Description), tagsJSON, fb.SubmittedAt, created.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read feedback id: %w", err)
	}
	fb.ID = id
	fb.CreatedAt = created
	return nil
}

// ListFeedback returns the newest feedback first.
func (s *SQLiteStore) ListFeedback(ctx context.Context, limit int) ([]*domain.Feedback, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	query := `
		SELECT id, type, query_id, user_question, sql_query, description,
		       tags_json, submitted_at, created_at
		FROM feedback ORDER BY created_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*domain.Feedback
	for rows.Next() {
		var fb domain.Feedback
		var queryID, question, sqlQuery, description sql.NullString
		var tagsJSON string
		var createdAt int64
		if err := rows.Scan(&fb.ID, &fb.Type, &queryID, &question, &sqlQuery, &description,
			&tagsJSON, &fb.SubmittedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan feedback row: %w", err)
		}
		fb.QueryID = queryID.String
		fb.UserQuestion = question.String
		fb.SQLQuery = sqlQuery.String
		fb.Description = description.String
		fb.CreatedAt = time.UnixMilli(createdAt).UTC()
		if err := json.Unmarshal([]byte(tagsJSON), &fb.Tags); err != nil {
			return nil, fmt.Errorf("decode feedback tags %d: %w", fb.ID, err)
		}
		if len(fb.Tags) == 0 {
			fb.Tags = nil
		}
		out = append(out, &fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return out, nil
}

// CountFeedback returns stored entries per feedback type.
func (s *SQLiteStore) CountFeedback(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM feedback GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("count feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, fmt.Errorf("scan feedback count: %w", err)
		}
		counts[typ] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback counts: %w", err)
	}
	return counts, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
