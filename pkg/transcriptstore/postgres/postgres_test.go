package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/scribeflow/pkg/transcriptstore"
	"github.com/MrWong99/scribeflow/pkg/transcriptstore/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if SCRIBEFLOW_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("SCRIBEFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SCRIBEFLOW_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// dropSchema removes all tables created by Migrate in reverse dependency order.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS screenshots CASCADE",
		"DROP TABLE IF EXISTS transcript_deltas CASCADE",
		"DROP TABLE IF EXISTS dictation_sessions CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.StartSession(ctx, "Morning notes")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if id == "" {
		t.Fatal("StartSession: empty session id")
	}

	for _, delta := range []string{"hello world", " how are you", " today"} {
		if err := store.SaveDelta(ctx, id, delta); err != nil {
			t.Fatalf("SaveDelta(%q): %v", delta, err)
		}
	}

	sess, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.ID != id {
		t.Errorf("ID: want %s, got %s", id, sess.ID)
	}
	if sess.Title != "Morning notes" {
		t.Errorf("Title: want %q, got %q", "Morning notes", sess.Title)
	}
	if want := "hello world how are you today"; sess.Transcription != want {
		t.Errorf("Transcription: want %q, got %q", want, sess.Transcription)
	}
	if sess.CreatedAt.IsZero() || sess.UpdatedAt.IsZero() {
		t.Error("timestamps not populated")
	}
}

func TestUpdateTranscriptionClearsDeltas(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.StartSession(ctx, "edit test")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := store.SaveDelta(ctx, id, "first draft words"); err != nil {
		t.Fatalf("SaveDelta: %v", err)
	}

	if err := store.UpdateTranscription(ctx, id, "the corrected text"); err != nil {
		t.Fatalf("UpdateTranscription: %v", err)
	}
	sess, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Transcription != "the corrected text" {
		t.Errorf("after rewrite: want %q, got %q", "the corrected text", sess.Transcription)
	}

	// New deltas append to the rewritten base.
	if err := store.SaveDelta(ctx, id, " and more"); err != nil {
		t.Fatalf("SaveDelta after rewrite: %v", err)
	}
	sess, err = store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if want := "the corrected text and more"; sess.Transcription != want {
		t.Errorf("after rewrite+delta: want %q, got %q", want, sess.Transcription)
	}
}

func TestUpdateTitle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.StartSession(ctx, "old title")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := store.UpdateTitle(ctx, id, "new title"); err != nil {
		t.Fatalf("UpdateTitle: %v", err)
	}
	sess, err := store.GetSession(ctx, id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if sess.Title != "new title" {
		t.Errorf("Title: want %q, got %q", "new title", sess.Title)
	}
}

func TestSaveScreenshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.StartSession(ctx, "with screenshot")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	if err := store.SaveScreenshot(ctx, id, png, time.Now()); err != nil {
		t.Fatalf("SaveScreenshot: %v", err)
	}
}

func TestUnknownSession(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SaveDelta(ctx, "no-such-session", "text"); !errors.Is(err, transcriptstore.ErrSessionNotFound) {
		t.Errorf("SaveDelta: want ErrSessionNotFound, got %v", err)
	}
	if err := store.UpdateTranscription(ctx, "no-such-session", "text"); !errors.Is(err, transcriptstore.ErrSessionNotFound) {
		t.Errorf("UpdateTranscription: want ErrSessionNotFound, got %v", err)
	}
	if err := store.UpdateTitle(ctx, "no-such-session", "title"); !errors.Is(err, transcriptstore.ErrSessionNotFound) {
		t.Errorf("UpdateTitle: want ErrSessionNotFound, got %v", err)
	}
	if _, err := store.GetSession(ctx, "no-such-session"); !errors.Is(err, transcriptstore.ErrSessionNotFound) {
		t.Errorf("GetSession: want ErrSessionNotFound, got %v", err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	t.Cleanup(pool.Close)

	// Second run against an existing schema must not fail.
	if err := postgres.Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate twice: %v", err)
	}

	if _, err := store.StartSession(ctx, "still works"); err != nil {
		t.Fatalf("StartSession after re-migrate: %v", err)
	}
}
