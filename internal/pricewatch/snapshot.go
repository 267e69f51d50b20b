package pricewatch

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// PricePoint is the last polled price of a token.
type PricePoint struct {
	Price     float64 `json:"price"`
	UpdatedAt int64   `json:"updatedAt"`
}

// TokenState is one tracked token and its listeners.
type TokenState struct {
	Token     string      `json:"token"`
	Listeners []*Listener `json:"listeners"`
}

// State is the persisted worker state.
type State struct {
	Prices    map[string]PricePoint `json:"prices"`
	Tokens    []TokenState          `json:"tokens"`
	UpdatedAt string                `json:"updatedAt"`
}

// SnapshotStore persists worker state to a JSON file. An empty path disables it.
type SnapshotStore struct {
	path string
}

func NewSnapshotStore(path string) *SnapshotStore {
	return &SnapshotStore{path: path}
}

func (s *SnapshotStore) enabled() bool {
	return s != nil && s.path != ""
}

// Load reads the snapshot. ok is false when there is nothing to restore.
func (s *SnapshotStore) Load() (State, bool, error) {
	if !s.enabled() {
		return State{}, false, nil
	}

	stat, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("stat snapshot: %w", err)
	}
	if stat.IsDir() {
		return State{}, false, fmt.Errorf("snapshot path is a directory")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return State{}, false, fmt.Errorf("read snapshot: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, false, fmt.Errorf("parse snapshot: %w", err)
	}
	return st, true, nil
}

// Save writes st atomically. Listener key material is stripped.
func (s *SnapshotStore) Save(st State) error {
	if !s.enabled() {
		return nil
	}

	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot dir: %w", err)
		}
	}

	out := State{
		Prices:    st.Prices,
		Tokens:    make([]TokenState, 0, len(st.Tokens)),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	for _, ts := range st.Tokens {
		redacted := make([]*Listener, 0, len(ts.Listeners))
		for _, l := range ts.Listeners {
			redacted = append(redacted, l.Redacted())
		}
		out.Tokens = append(out.Tokens, TokenState{Token: ts.Token, Listeners: redacted})
	}
	sort.Slice(out.Tokens, func(i, j int) bool { return out.Tokens[i].Token < out.Tokens[j].Token })

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write snapshot tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
