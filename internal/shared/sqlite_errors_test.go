package shared

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func TestSQLiteErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		busy     bool
		locked   bool
		conflict bool
	}{
		{name: "nil", err: nil},
		{name: "busy", err: errors.New("SQLITE_BUSY: database busy"), busy: true, conflict: true},
		{name: "table locked", err: errors.New("database table is locked: feedback"), locked: true, conflict: true},
		{name: "wrapped busy", err: fmt.Errorf("insert feedback: %w", errors.New("SQLITE_BUSY")), busy: true, conflict: true},
		{name: "other", err: errors.New("no such table: feedback")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSQLiteBusyError(tt.err); got != tt.busy {
				t.Errorf("IsSQLiteBusyError() = %v, want %v", got, tt.busy)
			}
			if got := IsSQLiteLockedError(tt.err); got != tt.locked {
				t.Errorf("IsSQLiteLockedError() = %v, want %v", got, tt.locked)
			}
			if got := IsSQLiteConflictError(tt.err); got != tt.conflict {
				t.Errorf("IsSQLiteConflictError() = %v, want %v", got, tt.conflict)
			}
		})
	}
}

func TestDriverBusyErrorIsConflict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busy.db")

	holder, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open holder: %v", err)
	}
	defer holder.Close()
	if _, err := holder.Exec(`CREATE TABLE t (v INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}

	tx, err := holder.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`INSERT INTO t (v) VALUES (1)`); err != nil {
		t.Fatalf("insert in tx: %v", err)
	}

	other, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(0)")
	if err != nil {
		t.Fatalf("open other: %v", err)
	}
	defer other.Close()

	_, err = other.Exec(`INSERT INTO t (v) VALUES (2)`)
	if err == nil {
		t.Fatal("expected a busy error while another connection writes")
	}
	if !IsSQLiteBusyError(err) {
		t.Errorf("IsSQLiteBusyError(%v) = false", err)
	}
	if !IsSQLiteConflictError(fmt.Errorf("save: %w", err)) {
		t.Errorf("wrapped driver error not classified as conflict")
	}
}
