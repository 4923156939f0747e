// Package testutil holds shared test fixtures for the sqlite-backed stores.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/tracklet/tracklet/internal/ingestd"
	"github.com/tracklet/tracklet/internal/outbox"
)

// NewOutboxStore opens a migrated outbox store in a temp directory.
func NewOutboxStore(t *testing.T, opts outbox.Options) (*outbox.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := outbox.Open(ctx, filepath.Join(t.TempDir(), "outbox-test.db"), opts)
	if err != nil {
		t.Fatalf("open test outbox: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := outbox.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// NewIngestStore opens a migrated ingestion store in a temp directory.
func NewIngestStore(t *testing.T) (*ingestd.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := ingestd.Open(ctx, filepath.Join(t.TempDir(), "tracker-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := ingestd.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}
