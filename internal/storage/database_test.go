package storage

import (
	"context"
	"testing"

	"edututor/internal/config"
)

func TestRebindPostgres(t *testing.T) {
	db := &DB{driver: "postgres"}
	got := db.Rebind("SELECT id FROM messages WHERE conversation_id = ? AND content = '?' AND turn_id = ?")
	want := "SELECT id FROM messages WHERE conversation_id = $1 AND content = '?' AND turn_id = $2"
	if got != want {
		t.Fatalf("rebind mismatch:\n got %q\nwant %q", got, want)
	}

	sqlite := &DB{driver: "sqlite3"}
	if q := sqlite.Rebind("SELECT ?"); q != "SELECT ?" {
		t.Fatalf("sqlite query should be untouched, got %q", q)
	}
}

func TestOpenUnsupportedDriver(t *testing.T) {
	if _, err := Open("oracle", config.Default()); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestMigrateSQLiteAndInsertID(t *testing.T) {
	db, err := Open("sqlite3", config.Default())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// running twice must be harmless
	if err := Migrate(db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}

	ctx := context.Background()
	id, err := db.InsertID(ctx, `INSERT INTO students (display_name, age, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)`, "Léa", 8)
	if err != nil {
		t.Fatalf("insert student: %v", err)
	}
	if id <= 0 {
		t.Fatalf("expected positive id, got %d", id)
	}

	var name string
	if err := db.QueryRowContext(ctx, `SELECT display_name FROM students WHERE id = ?`, id).Scan(&name); err != nil {
		t.Fatalf("select student: %v", err)
	}
	if name != "Léa" {
		t.Fatalf("unexpected name %q", name)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	convID, err := tx.InsertID(ctx, `INSERT INTO conversations (student_id, title, created_at, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`, id, "Conversation")
	if err != nil {
		tx.Rollback()
		t.Fatalf("insert conversation: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if convID <= 0 {
		t.Fatalf("expected conversation id, got %d", convID)
	}
}
