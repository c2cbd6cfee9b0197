package approval

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store, used in tests and single-process
// setups without a database.
type MemStore struct {
	mu   sync.RWMutex
	byID map[string]*Request
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]*Request)}
}

func (s *MemStore) InsertApproval(ctx context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.byID[r.ID] = &cp
	return nil
}

func (s *MemStore) GetApproval(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemStore) PendingApprovalForRun(ctx context.Context, runID string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.byID {
		if r.RunID == runID && r.Status == StatusPending {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemStore) UpdateApproval(ctx context.Context, r *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[r.ID]; !ok {
		return ErrNotFound
	}
	cp := *r
	s.byID[r.ID] = &cp
	return nil
}

func (s *MemStore) ListPendingApprovals(ctx context.Context) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*Request{}
	for _, r := range s.byID {
		if r.Status == StatusPending {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}
