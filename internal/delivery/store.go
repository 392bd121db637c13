package delivery

import (
	"encoding/json"
	"sync"

	"github.com/mappaturasmd/mappatura/internal/collector"
)

// PendingPlot is one durable entry. Attempt is the number of the next
// submission attempt and survives restarts.
type PendingPlot struct {
	collector.Record
	Attempt   int    `json:"attempt"`
	LastError string `json:"lastError,omitempty"`
}

func (p PendingPlot) Key() string {
	return p.Record.DedupKey()
}

// Snapshot is the whole durable state, rewritten on every change.
type Snapshot struct {
	Pending   []PendingPlot `json:"pending"`
	Abandoned []PendingPlot `json:"abandoned,omitempty"`
}

func (s *Snapshot) clone() (*Snapshot, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var out Snapshot
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type PendingStore interface {
	// Load returns nil when nothing has been saved yet.
	Load() (*Snapshot, error)
	Save(snapshot *Snapshot) error
	Close() error
}

type InMemoryPendingStore struct {
	mu       sync.Mutex
	snapshot *Snapshot
	saves    int
}

func NewInMemoryPendingStore() *InMemoryPendingStore {
	return &InMemoryPendingStore{}
}

func (s *InMemoryPendingStore) Load() (*Snapshot, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, nil
	}
	return s.snapshot.clone()
}

func (s *InMemoryPendingStore) Save(snapshot *Snapshot) error {
	if s == nil || snapshot == nil {
		return nil
	}
	clone, err := snapshot.clone()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = clone
	s.saves++
	return nil
}

// Saves reports how many times Save succeeded.
func (s *InMemoryPendingStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *InMemoryPendingStore) Close() error {
	return nil
}
