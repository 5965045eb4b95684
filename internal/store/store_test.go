package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	"github.com/presage-io/presage/pkg/plugin"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMigrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create widgets",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT)`)
				return err
			},
		},
		{
			Version:     2,
			Description: "add widget color",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`ALTER TABLE widgets ADD COLUMN color TEXT`)
				return err
			},
		},
	}
}

func TestMigrate_AppliesInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Migrate(ctx, "test", testMigrations()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	// Column from migration 2 must exist.
	if _, err := s.DB().Exec(`INSERT INTO widgets (id, name, color) VALUES ('w1', 'one', 'red')`); err != nil {
		t.Fatalf("insert after migrations: %v", err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Migrate(ctx, "test", testMigrations()); err != nil {
		t.Fatalf("first Migrate: %v", err)
	}
	// Second run must skip already-applied migrations rather than fail on
	// re-creating the table.
	if err := s.Migrate(ctx, "test", testMigrations()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	var count int
	err := s.DB().QueryRow(`SELECT COUNT(*) FROM _migrations WHERE module_name = 'test'`).Scan(&count)
	if err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if count != 2 {
		t.Errorf("recorded migrations = %d, want 2", count)
	}
}

func TestMigrate_FailedMigrationRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bad := []plugin.Migration{
		{
			Version:     1,
			Description: "broken",
			Up: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`CREATE TABLE half (id TEXT)`); err != nil {
					return err
				}
				return fmt.Errorf("deliberate failure")
			},
		},
	}

	if err := s.Migrate(ctx, "bad", bad); err == nil {
		t.Fatal("expected migration error")
	}

	// Table created inside the failed transaction must not exist.
	var name string
	err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='half'`).Scan(&name)
	if err != sql.ErrNoRows {
		t.Errorf("half table survived rollback (err=%v)", err)
	}
}

func TestTx_CommitAndRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.DB().Exec(`CREATE TABLE t (id INTEGER)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	if err := s.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO t (id) VALUES (1)`)
		return err
	}); err != nil {
		t.Fatalf("commit tx: %v", err)
	}

	wantErr := fmt.Errorf("abort")
	err := s.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO t (id) VALUES (2)`); err != nil {
			return err
		}
		return wantErr
	})
	if err != wantErr {
		t.Fatalf("Tx error = %v, want %v", err, wantErr)
	}

	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM t`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1 (rollback must discard second insert)", count)
	}
}
