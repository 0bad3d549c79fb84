// Package state persists small local runtime state, the user settings and
// the recent recording history, in an embedded Badger key-value store. Unlike
// the transcript store this data never leaves the machine and survives
// restarts without any external service.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("state: not found")

const (
	keySettings = "settings"
	keyHistory  = "history"

	// historyCap bounds the recording history. The oldest entries fall
	// off when a new recording is added.
	historyCap = 20
)

// Settings are the user-tunable dictation preferences.
type Settings struct {
	EngineKind     string  `json:"engineKind"`
	Language       string  `json:"language"`
	ChunkSeconds   float64 `json:"chunkSeconds"`
	OverlapSeconds float64 `json:"overlapSeconds"`
}

// RecordingRef points at a stored session; the transcript itself lives in
// the transcript store, the ref carries just enough to list and resume it.
type RecordingRef struct {
	SessionID string    `json:"sessionId"`
	Title     string    `json:"title"`
	Preview   string    `json:"preview"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store wraps a Badger database.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the state database in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("state: open %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Settings returns the stored settings, or ErrNotFound when none were saved.
func (s *Store) Settings() (Settings, error) {
	var out Settings
	err := s.get(keySettings, &out)
	return out, err
}

// SaveSettings stores the settings.
func (s *Store) SaveSettings(set Settings) error {
	return s.put(keySettings, set)
}

// History returns the recording history, newest first. An empty history is
// not an error.
func (s *Store) History() ([]RecordingRef, error) {
	var out []RecordingRef
	err := s.get(keyHistory, &out)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return out, err
}

// AddRecording puts a recording at the head of the history. An existing
// entry with the same session ID is replaced rather than duplicated, and the
// history is trimmed to its cap.
func (s *Store) AddRecording(ref RecordingRef) error {
	history, err := s.History()
	if err != nil {
		return err
	}
	updated := make([]RecordingRef, 0, len(history)+1)
	updated = append(updated, ref)
	for _, h := range history {
		if h.SessionID == ref.SessionID {
			continue
		}
		updated = append(updated, h)
	}
	if len(updated) > historyCap {
		updated = updated[:historyCap]
	}
	return s.put(keyHistory, updated)
}

// Recording looks up a history entry by session ID.
func (s *Store) Recording(sessionID string) (RecordingRef, error) {
	history, err := s.History()
	if err != nil {
		return RecordingRef{}, err
	}
	for _, h := range history {
		if h.SessionID == sessionID {
			return h, nil
		}
	}
	return RecordingRef{}, ErrNotFound
}

func (s *Store) get(key string, out any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("state: get %q: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, out); err != nil {
				return fmt.Errorf("state: decode %q: %w", key, err)
			}
			return nil
		})
	})
}

func (s *Store) put(key string, val any) error {
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("state: encode %q: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), data); err != nil {
			return fmt.Errorf("state: set %q: %w", key, err)
		}
		return nil
	})
}
