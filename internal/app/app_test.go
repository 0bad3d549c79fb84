package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/scribeflow/internal/config"
	"github.com/MrWong99/scribeflow/internal/engine"
	enginemock "github.com/MrWong99/scribeflow/internal/engine/mock"
	"github.com/MrWong99/scribeflow/internal/state"
	storemock "github.com/MrWong99/scribeflow/pkg/transcriptstore/mock"
)

func newTestApp(t *testing.T, eng *enginemock.Engine, store *storemock.Store) *App {
	t.Helper()
	st, err := state.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open state store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:0"},
	}
	a, err := New(context.Background(), cfg,
		WithEngine(eng),
		WithStore(store),
		WithState(st),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{
		ScriptMode: engine.ModeAppend,
		Script:     []engine.Result{{Text: "hello from the api", Final: true}},
	}
	store := storemock.New()
	a := newTestApp(t, eng, store)
	h := a.routes()

	rec := doJSON(t, h, "POST", "/api/session/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d, body %s", rec.Code, rec.Body)
	}

	if rec := doJSON(t, h, "POST", "/api/session/start", ""); rec.Code != http.StatusConflict {
		t.Errorf("double start status = %d, want %d", rec.Code, http.StatusConflict)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && a.controller.Transcript() == "" {
		time.Sleep(5 * time.Millisecond)
	}

	rec = doJSON(t, h, "POST", "/api/session/stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d, body %s", rec.Code, rec.Body)
	}
	var got struct {
		Listening  bool   `json:"listening"`
		Transcript string `json:"transcript"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode stop response: %v", err)
	}
	if got.Listening {
		t.Error("still listening after stop")
	}
	if got.Transcript != "hello from the api" {
		t.Errorf("transcript = %q", got.Transcript)
	}
	if store.Transcription("session-1") != "hello from the api" {
		t.Errorf("stored transcript = %q", store.Transcription("session-1"))
	}

	// The finished recording must show up in the history.
	rec = doJSON(t, h, "GET", "/api/recordings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("recordings status = %d", rec.Code)
	}
	var refs []state.RecordingRef
	if err := json.NewDecoder(rec.Body).Decode(&refs); err != nil {
		t.Fatalf("decode recordings: %v", err)
	}
	if len(refs) != 1 || refs[0].SessionID != "session-1" {
		t.Errorf("recordings = %+v", refs)
	}
}

func TestTranscriptEditOverHTTP(t *testing.T) {
	t.Parallel()

	eng := &enginemock.Engine{ScriptMode: engine.ModeAppend}
	store := storemock.New()
	a := newTestApp(t, eng, store)
	h := a.routes()

	if rec := doJSON(t, h, "POST", "/api/session/start", ""); rec.Code != http.StatusOK {
		t.Fatalf("start status = %d", rec.Code)
	}
	if rec := doJSON(t, h, "POST", "/api/session/stop", ""); rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d", rec.Code)
	}

	rec := doJSON(t, h, "PUT", "/api/session/transcript", `{"transcript":"rewritten by hand"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("edit status = %d, body %s", rec.Code, rec.Body)
	}
	if got := store.Transcription("session-1"); got != "rewritten by hand" {
		t.Errorf("stored transcript = %q", got)
	}

	if rec := doJSON(t, h, "PUT", "/api/session/title", `{"title":"Weekly sync"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("title status = %d", rec.Code)
	}
	if got := store.Title("session-1"); got != "Weekly sync" {
		t.Errorf("title = %q", got)
	}
}

func TestScreenshotRequiresSession(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, &enginemock.Engine{ScriptMode: engine.ModeAppend}, storemock.New())
	rec := doJSON(t, a.routes(), "POST", "/api/session/screenshot", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestSettingsRoundTripOverHTTP(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, &enginemock.Engine{ScriptMode: engine.ModeAppend}, storemock.New())
	h := a.routes()

	body := `{"engineKind":"cloud","language":"de","chunkSeconds":4,"overlapSeconds":0.5}`
	if rec := doJSON(t, h, "PUT", "/api/settings", body); rec.Code != http.StatusNoContent {
		t.Fatalf("put settings status = %d", rec.Code)
	}

	rec := doJSON(t, h, "GET", "/api/settings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get settings status = %d", rec.Code)
	}
	var set state.Settings
	if err := json.NewDecoder(rec.Body).Decode(&set); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if set.EngineKind != "cloud" || set.Language != "de" {
		t.Errorf("settings = %+v", set)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, &enginemock.Engine{ScriptMode: engine.ModeAppend}, storemock.New())
	h := a.routes()

	if rec := doJSON(t, h, "GET", "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d", rec.Code)
	}
	// Mock store always pings fine and the mock engine has no model.
	if rec := doJSON(t, h, "GET", "/readyz", ""); rec.Code != http.StatusOK {
		t.Errorf("readyz status = %d", rec.Code)
	}
}
