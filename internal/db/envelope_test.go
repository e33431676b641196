package db_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/Hussein-Mazeh/credvault/internal/db"
	"github.com/Hussein-Mazeh/credvault/store"
)

func openTestStore(t *testing.T) (*db.DB, *db.EnvelopeStore) {
	t.Helper()
	d, err := db.OpenVault(t.TempDir())
	if err != nil {
		t.Fatalf("OpenVault returned error: %v", err)
	}
	t.Cleanup(func() {
		db.Close(d)
	})
	return d, db.NewEnvelopeStore(d)
}

func TestOpenCreatesDatabaseFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "vault.db")

	d, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() {
		db.Close(d)
	})

	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("expected database file to exist at %q: %v", dbPath, err)
	}
	if err := db.Migrate(d); err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}
	if err := db.Migrate(d); err != nil {
		t.Fatalf("second Migrate returned error: %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := db.Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestEnvelopeStoreLoadMissing(t *testing.T) {
	_, s := openTestStore(t)
	if _, err := s.Load(context.Background()); !errors.Is(err, store.ErrNoEnvelope) {
		t.Fatalf("expected ErrNoEnvelope, got %v", err)
	}
}

func TestEnvelopeStoreSaveLoadAndHistory(t *testing.T) {
	_, s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 8; i++ {
		if err := s.Save(ctx, []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("Save %d returned error: %v", i, err)
		}
	}

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if string(got) != `{"n":8}` {
		t.Fatalf("expected latest record, got %s", got)
	}

	history, err := s.History(ctx)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(history) != 5 {
		t.Fatalf("expected history pruned to 5 rows, got %d", len(history))
	}
	if string(history[0].Record) != `{"n":7}` || string(history[4].Record) != `{"n":3}` {
		t.Fatalf("unexpected history order: first %s last %s", history[0].Record, history[4].Record)
	}
}

func TestEnvelopeStoreSaveRekeyedClearsHistory(t *testing.T) {
	_, s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := s.Save(ctx, []byte(fmt.Sprintf(`{"old":%d}`, i))); err != nil {
			t.Fatalf("Save %d returned error: %v", i, err)
		}
	}
	if err := s.SaveRekeyed(ctx, []byte(`{"new":1}`)); err != nil {
		t.Fatalf("SaveRekeyed returned error: %v", err)
	}

	history, err := s.History(ctx)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history after rekey, got %d rows", len(history))
	}
	got, err := s.Load(ctx)
	if err != nil || string(got) != `{"new":1}` {
		t.Fatalf("expected rekeyed record, got %s (%v)", got, err)
	}

	if err := s.Save(ctx, []byte(`{"new":2}`)); err != nil {
		t.Fatalf("Save after rekey returned error: %v", err)
	}
	history, err = s.History(ctx)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	if len(history) != 1 || string(history[0].Record) != `{"new":1}` {
		t.Fatalf("expected only the rekeyed record archived, got %d rows", len(history))
	}
}

func TestEnvelopeStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	d, err := db.OpenVault(dir)
	if err != nil {
		t.Fatalf("OpenVault returned error: %v", err)
	}
	if err := db.NewEnvelopeStore(d).Save(ctx, []byte("persisted")); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	db.Close(d)

	d, err = db.OpenVault(dir)
	if err != nil {
		t.Fatalf("reopen returned error: %v", err)
	}
	defer db.Close(d)
	got, err := db.NewEnvelopeStore(d).Load(ctx)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if string(got) != "persisted" {
		t.Fatalf("expected persisted record, got %s", got)
	}
}

func TestVacuumAfterPrune(t *testing.T) {
	d, s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := s.Save(ctx, []byte(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("Save returned error: %v", err)
		}
	}
	if err := db.Vacuum(d); err != nil {
		t.Fatalf("Vacuum returned error: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil || string(got) != `{"n":2}` {
		t.Fatalf("Load after vacuum = %q, %v", got, err)
	}
}
