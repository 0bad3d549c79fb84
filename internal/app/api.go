package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/MrWong99/scribeflow/internal/engine"
	"github.com/MrWong99/scribeflow/internal/session"
	"github.com/MrWong99/scribeflow/internal/state"
)

// registerAPI adds the dictation control routes to mux. The API is the
// programmatic counterpart of the side panel: start/stop, live transcript,
// edits, screenshots, history, and settings.
func (a *App) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/session/start", a.handleSessionStart)
	mux.HandleFunc("POST /api/session/stop", a.handleSessionStop)
	mux.HandleFunc("GET /api/session", a.handleSessionGet)
	mux.HandleFunc("PUT /api/session/transcript", a.handleTranscriptPut)
	mux.HandleFunc("PUT /api/session/title", a.handleTitlePut)
	mux.HandleFunc("POST /api/session/screenshot", a.handleScreenshot)
	mux.HandleFunc("GET /api/recordings", a.handleRecordings)
	mux.HandleFunc("GET /api/settings", a.handleSettingsGet)
	mux.HandleFunc("PUT /api/settings", a.handleSettingsPut)
	mux.HandleFunc("GET /api/events", a.handleEvents)
}

type startRequest struct {
	// RecordingID continues a stored recording instead of starting fresh.
	RecordingID string `json:"recording_id"`
}

func (a *App) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, err)
		return
	}
	if req.RecordingID != "" {
		a.controller.SelectRecording(req.RecordingID)
	} else {
		a.controller.ClearSelection()
	}

	if err := a.controller.Start(r.Context()); err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyListening):
			writeAPIError(w, http.StatusConflict, err)
		case errors.Is(err, engine.ErrPermissionDenied):
			writeAPIError(w, http.StatusForbidden, err)
		case errors.Is(err, engine.ErrModelNotReady):
			writeAPIError(w, http.StatusServiceUnavailable, err)
		default:
			writeAPIError(w, http.StatusInternalServerError, err)
		}
		return
	}
	a.writeSessionState(w, http.StatusOK)
}

func (a *App) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.Stop(r.Context()); err != nil {
		if errors.Is(err, session.ErrNotListening) {
			writeAPIError(w, http.StatusConflict, err)
			return
		}
		// The session did end; the error means trailing text may not have
		// been persisted.
		slog.Warn("session stop", "error", err)
	}
	a.writeSessionState(w, http.StatusOK)
}

func (a *App) handleSessionGet(w http.ResponseWriter, _ *http.Request) {
	a.writeSessionState(w, http.StatusOK)
}

func (a *App) writeSessionState(w http.ResponseWriter, status int) {
	writeJSON(w, status, map[string]any{
		"listening":  a.controller.Listening(),
		"transcript": a.controller.Transcript(),
	})
}

type transcriptRequest struct {
	Transcript string `json:"transcript"`
}

func (a *App) handleTranscriptPut(w http.ResponseWriter, r *http.Request) {
	var req transcriptRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.controller.ApplyEdit(r.Context(), req.Transcript); err != nil {
		writeAPIError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeSessionState(w, http.StatusOK)
}

type titleRequest struct {
	Title string `json:"title"`
}

func (a *App) handleTitlePut(w http.ResponseWriter, r *http.Request) {
	var req titleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, err)
		return
	}
	if req.Title == "" {
		writeAPIError(w, http.StatusBadRequest, errors.New("title must not be empty"))
		return
	}
	if err := a.controller.Rename(r.Context(), req.Title); err != nil {
		writeAPIError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	if err := a.controller.TakeScreenshot(r.Context()); err != nil {
		if errors.Is(err, session.ErrNotListening) {
			writeAPIError(w, http.StatusConflict, err)
			return
		}
		writeAPIError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleRecordings(w http.ResponseWriter, _ *http.Request) {
	if a.localState == nil {
		writeJSON(w, http.StatusOK, []state.RecordingRef{})
		return
	}
	refs, err := a.localState.History()
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, err)
		return
	}
	if refs == nil {
		refs = []state.RecordingRef{}
	}
	writeJSON(w, http.StatusOK, refs)
}

func (a *App) handleSettingsGet(w http.ResponseWriter, _ *http.Request) {
	if a.localState == nil {
		writeAPIError(w, http.StatusNotFound, errors.New("no state store configured"))
		return
	}
	set, err := a.localState.Settings()
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		writeAPIError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (a *App) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	if a.localState == nil {
		writeAPIError(w, http.StatusNotFound, errors.New("no state store configured"))
		return
	}
	var set state.Settings
	if err := decodeJSON(r, &set); err != nil {
		writeAPIError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.localState.SaveSettings(set); err != nil {
		writeAPIError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams controller events as server-sent events. The event
// channel has a single consumer, so only one client at a time gets the live
// feed; the side panel is that client.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-a.controller.Events():
			payload, err := json.Marshal(eventPayload(ev))
			if err != nil {
				slog.Warn("encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName(ev.Kind), payload)
			flusher.Flush()
		}
	}
}

func eventName(k session.EventKind) string {
	switch k {
	case session.EventTranscript:
		return "transcript"
	case session.EventStatus:
		return "status"
	case session.EventModelProgress:
		return "model_progress"
	case session.EventError:
		return "error"
	case session.EventSaved:
		return "saved"
	default:
		return "unknown"
	}
}

func eventPayload(ev session.Event) map[string]any {
	p := map[string]any{}
	switch ev.Kind {
	case session.EventTranscript, session.EventSaved:
		p["transcript"] = ev.Transcript
	case session.EventStatus:
		p["status"] = ev.Status
	case session.EventModelProgress:
		p["state"] = ev.Progress.State.String()
		p["percent"] = ev.Progress.Percent
		p["detail"] = ev.Progress.Detail
	case session.EventError:
		p["error"] = ev.Err.Error()
	}
	return p
}

// decodeJSON decodes the request body into v, tolerating an empty body.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response", "error", err)
	}
}

func writeAPIError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
