// Package store provides crash-safe persistence of the fee bidder's
// competitor history using a JSON file.
//
// Writes use atomic file replacement (write to .tmp, then rename) so the
// file is never left half written. The engine loads the history on startup
// and saves it on shutdown and after each competitor observation batch.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const feesFile = "fees.json"

// FeeState is the persisted part of the fee bidder.
type FeeState struct {
	CompetitorFees []uint64  `json:"competitor_fees"`
	Congestion     float64   `json:"congestion"`
	SavedAt        time.Time `json:"saved_at"`
}

// Store persists state to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// SaveFeeState atomically replaces fees.json.
func (s *Store) SaveFeeState(state FeeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fee state: %w", err)
	}

	path := filepath.Join(s.dir, feesFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write fee state: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadFeeState restores the fee state from disk.
// Returns nil, nil if nothing has been saved yet.
func (s *Store) LoadFeeState() (*FeeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.dir, feesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read fee state: %w", err)
	}

	var state FeeState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal fee state: %w", err)
	}
	return &state, nil
}
