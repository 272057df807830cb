package poller

import (
	"sync"

	"github.com/google/uuid"

	"inboxrelay/internal/inbox/models"
)

// Snapshots remembers the last request set observed for each subject.
type Snapshots struct {
	mu        sync.Mutex
	bySubject map[string]map[uuid.UUID]models.ApprovalRequest
}

func NewSnapshots() *Snapshots {
	return &Snapshots{bySubject: make(map[string]map[uuid.UUID]models.ApprovalRequest)}
}

// Diff replaces subject's snapshot with current and returns the notifications for
// requests that are new or whose value changed. Requests missing from current are
// forgotten without a notification.
func (s *Snapshots) Diff(subject string, current []models.ApprovalRequest) []models.Notification {
	next := make(map[uuid.UUID]models.ApprovalRequest, len(current))
	var delta []models.Notification

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.bySubject[subject]
	for _, req := range current {
		next[req.RequestID] = req
		old, seen := prev[req.RequestID]
		switch {
		case !seen:
			delta = append(delta, models.Notification{Kind: models.KindCreated, Request: req})
		case !old.Equal(req):
			delta = append(delta, models.Notification{Kind: models.KindUpdated, Request: req})
		}
	}
	s.bySubject[subject] = next
	return delta
}

// Forget drops subject's snapshot so the next Diff treats every request as new.
func (s *Snapshots) Forget(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bySubject, subject)
}

// Len returns the number of subjects with a snapshot.
func (s *Snapshots) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bySubject)
}
