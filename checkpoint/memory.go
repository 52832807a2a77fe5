package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/glimte/docflow-go/contracts"
)

// MemoryStore is an in-memory Checkpointer for development and testing.
// Records are stored as marshaled JSON so callers never share memory with the
// store.
type MemoryStore struct {
	mu        sync.RWMutex
	latest    map[string][]byte
	snapshots map[string][][]byte
}

// NewMemoryStore creates a new in-memory checkpointer.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		latest:    make(map[string][]byte),
		snapshots: make(map[string][][]byte),
	}
}

// Save persists the record, appending a snapshot to the session history.
func (s *MemoryStore) Save(ctx context.Context, record *contracts.ProcessingRecord) error {
	if record == nil {
		return fmt.Errorf("record cannot be nil")
	}
	if record.SessionID == "" {
		return fmt.Errorf("record session ID cannot be empty")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest[record.SessionID] = data
	s.snapshots[record.SessionID] = append(s.snapshots[record.SessionID], data)
	return nil
}

// Load returns the latest persisted state for a session.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) (*contracts.ProcessingRecord, error) {
	s.mu.RLock()
	data, ok := s.latest[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	var record contracts.ProcessingRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &record, nil
}

// History returns every snapshot for a session in save order.
func (s *MemoryStore) History(ctx context.Context, sessionID string) ([]*contracts.ProcessingRecord, error) {
	s.mu.RLock()
	raw, ok := s.snapshots[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	records := make([]*contracts.ProcessingRecord, 0, len(raw))
	for i, data := range raw {
		var record contracts.ProcessingRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot %d: %w", i, err)
		}
		records = append(records, &record)
	}
	return records, nil
}

// Delete removes all state for a session.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.latest, sessionID)
	delete(s.snapshots, sessionID)
	return nil
}

// ListActive returns sessions whose latest snapshot is not terminal.
func (s *MemoryStore) ListActive(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []string
	for sessionID, data := range s.latest {
		var record contracts.ProcessingRecord
		if err := json.Unmarshal(data, &record); err != nil {
			continue
		}
		if !record.Status.IsTerminal() {
			active = append(active, sessionID)
		}
	}
	return active, nil
}
