package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"inboxrelay/internal/inbox/models"
	"inboxrelay/pkg/platform/sentinel"
)

// InMemoryStore is a process-local Store Gateway with the same partition semantics as the
// Postgres implementation. Used by tests and single-node development runs.
type InMemoryStore struct {
	mu            sync.RWMutex
	requests      map[string]map[uuid.UUID]models.ApprovalRequest
	verifications map[string]map[uuid.UUID]models.VerificationRequest
	inbox         map[string]map[uuid.UUID]struct{}
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		requests:      make(map[string]map[uuid.UUID]models.ApprovalRequest),
		verifications: make(map[string]map[uuid.UUID]models.VerificationRequest),
		inbox:         make(map[string]map[uuid.UUID]struct{}),
	}
}

// SaveRequest inserts or replaces a request. Timestamps are kept at the same precision
// as the Postgres store.
func (s *InMemoryStore) SaveRequest(_ context.Context, req models.ApprovalRequest) error {
	req = req.Normalized()
	if err := req.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	partition, ok := s.requests[req.Subject]
	if !ok {
		partition = make(map[uuid.UUID]models.ApprovalRequest)
		s.requests[req.Subject] = partition
	}
	partition[req.RequestID] = req
	return nil
}

// FindRequest returns sentinel.ErrNotFound when the key is absent.
func (s *InMemoryStore) FindRequest(_ context.Context, key models.Key) (models.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[key.Subject][key.RequestID]
	if !ok {
		return models.ApprovalRequest{}, sentinel.ErrNotFound
	}
	return req, nil
}

// ListRequests scans one subject's partition, oldest first.
func (s *InMemoryStore) ListRequests(_ context.Context, subject string) ([]models.ApprovalRequest, error) {
	s.mu.RLock()
	out := make([]models.ApprovalRequest, 0, len(s.requests[subject]))
	for _, req := range s.requests[subject] {
		out = append(out, req)
	}
	s.mu.RUnlock()
	sortRequests(out)
	return out, nil
}

// DeleteRequest removes a request. Deleting an absent key is not an error.
func (s *InMemoryStore) DeleteRequest(_ context.Context, key models.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	partition, ok := s.requests[key.Subject]
	if !ok {
		return nil
	}
	delete(partition, key.RequestID)
	if len(partition) == 0 {
		delete(s.requests, key.Subject)
	}
	return nil
}

// ListExpired returns every request whose deadline is strictly before now.
func (s *InMemoryStore) ListExpired(_ context.Context, now time.Time) ([]models.ApprovalRequest, error) {
	s.mu.RLock()
	var out []models.ApprovalRequest
	for _, partition := range s.requests {
		for _, req := range partition {
			if req.Expired(now) {
				out = append(out, req)
			}
		}
	}
	s.mu.RUnlock()
	sortRequests(out)
	return out, nil
}

// MarkViewed sets the viewed flag and returns the updated request.
func (s *InMemoryStore) MarkViewed(_ context.Context, key models.Key) (models.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[key.Subject][key.RequestID]
	if !ok {
		return models.ApprovalRequest{}, sentinel.ErrNotFound
	}
	req.Viewed = true
	s.requests[key.Subject][key.RequestID] = req
	return req, nil
}

// SaveVerification inserts or replaces a verification request.
func (s *InMemoryStore) SaveVerification(_ context.Context, v models.VerificationRequest) error {
	if err := v.Key().Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	partition, ok := s.verifications[v.Subject]
	if !ok {
		partition = make(map[uuid.UUID]models.VerificationRequest)
		s.verifications[v.Subject] = partition
	}
	partition[v.RequestID] = v
	return nil
}

// ListVerifications scans one subject's verification partition.
func (s *InMemoryStore) ListVerifications(_ context.Context, subject string) ([]models.VerificationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.VerificationRequest, 0, len(s.verifications[subject]))
	for _, v := range s.verifications[subject] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestID.String() < out[j].RequestID.String()
	})
	return out, nil
}

// SaveInboxEntry records a legacy inbox pointer.
func (s *InMemoryStore) SaveInboxEntry(_ context.Context, entry models.InboxEntry) error {
	key := models.Key{Subject: entry.Subject, RequestID: entry.RequestID}
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	partition, ok := s.inbox[entry.Subject]
	if !ok {
		partition = make(map[uuid.UUID]struct{})
		s.inbox[entry.Subject] = partition
	}
	partition[entry.RequestID] = struct{}{}
	return nil
}

// ListInboxEntries returns the legacy inbox pointers for a subject.
func (s *InMemoryStore) ListInboxEntries(_ context.Context, subject string) ([]models.InboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.InboxEntry, 0, len(s.inbox[subject]))
	for id := range s.inbox[subject] {
		out = append(out, models.InboxEntry{Subject: subject, RequestID: id})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestID.String() < out[j].RequestID.String()
	})
	return out, nil
}

func sortRequests(reqs []models.ApprovalRequest) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		if reqs[i].Subject != reqs[j].Subject {
			return reqs[i].Subject < reqs[j].Subject
		}
		return reqs[i].RequestID.String() < reqs[j].RequestID.String()
	})
}
