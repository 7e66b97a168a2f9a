package ingest

import (
	"sync"

	"github.com/vaultcard/vaultcard-service/internal/models"
)

// Store holds processed-event outcomes for deduplication. Records are
// immutable once written and kept for the dedup retention window.
type Store interface {
	Get(eventID string) (*models.IngestOutcome, bool)
	Put(outcome *models.IngestOutcome)
}

// MemStore is the in-process dedup set. Lookups never block unrelated
// event processing; writes happen once per event id.
type MemStore struct {
	mu       sync.RWMutex
	outcomes map[string]*models.IngestOutcome
}

func NewMemStore() *MemStore {
	return &MemStore{outcomes: make(map[string]*models.IngestOutcome)}
}

func (s *MemStore) Get(eventID string) (*models.IngestOutcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outcomes[eventID]
	return out, ok
}

func (s *MemStore) Put(outcome *models.IngestOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outcomes[outcome.EventID]; exists {
		return
	}
	s.outcomes[outcome.EventID] = outcome
}
