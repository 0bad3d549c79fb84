// Package mock provides an in-memory Store for tests.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/scribeflow/pkg/transcriptstore"
)

// Store keeps sessions in memory. FailDeltas makes the next N SaveDelta
// calls fail, which tests use to exercise retry behavior.
type Store struct {
	mu         sync.Mutex
	seq        int
	sessions   map[string]*record
	FailDeltas int
}

type record struct {
	title       string
	deltas      []string
	full        string
	screenshots [][]byte
	createdAt   time.Time
}

var _ transcriptstore.Store = (*Store)(nil)

// New returns an empty in-memory store.
func New() *Store {
	return &Store{sessions: make(map[string]*record)}
}

func (s *Store) StartSession(ctx context.Context, title string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("session-%d", s.seq)
	s.sessions[id] = &record{title: title, createdAt: time.Now()}
	return id, nil
}

func (s *Store) SaveDelta(ctx context.Context, sessionID, delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailDeltas > 0 {
		s.FailDeltas--
		return errors.New("mock: simulated save failure")
	}
	rec, ok := s.sessions[sessionID]
	if !ok {
		return transcriptstore.ErrSessionNotFound
	}
	rec.deltas = append(rec.deltas, delta)
	return nil
}

func (s *Store) UpdateTranscription(ctx context.Context, sessionID, full string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return transcriptstore.ErrSessionNotFound
	}
	rec.full = full
	rec.deltas = nil
	return nil
}

func (s *Store) UpdateTitle(ctx context.Context, sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return transcriptstore.ErrSessionNotFound
	}
	rec.title = title
	return nil
}

func (s *Store) SaveScreenshot(ctx context.Context, sessionID string, image []byte, capturedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return transcriptstore.ErrSessionNotFound
	}
	rec.screenshots = append(rec.screenshots, image)
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (transcriptstore.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return transcriptstore.Session{}, transcriptstore.ErrSessionNotFound
	}
	return transcriptstore.Session{
		ID:            sessionID,
		Title:         rec.title,
		Transcription: s.transcription(rec),
		CreatedAt:     rec.createdAt,
	}, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

// transcription reconstructs the transcript: the last full-text edit (if
// any) followed by every delta received since.
func (s *Store) transcription(rec *record) string {
	full := rec.full
	for _, d := range rec.deltas {
		full += d
	}
	return full
}

// Deltas returns the raw delta stream of a session, for assertions.
func (s *Store) Deltas(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]string, len(rec.deltas))
	copy(out, rec.deltas)
	return out
}

// Title returns the stored title of a session.
func (s *Store) Title(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[sessionID]; ok {
		return rec.title
	}
	return ""
}

// Screenshots returns how many screenshots a session holds.
func (s *Store) Screenshots(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[sessionID]; ok {
		return len(rec.screenshots)
	}
	return 0
}

// Transcription returns the reconstructed transcript of a session.
func (s *Store) Transcription(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.sessions[sessionID]; ok {
		return s.transcription(rec)
	}
	return ""
}
