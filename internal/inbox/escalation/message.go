package escalation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"inboxrelay/internal/inbox/models"
)

// IdempotencyHeader carries a key that is identical for every resubmission of the same
// request, so the receiver can drop duplicates.
const IdempotencyHeader = "idempotency-key"

// AutoApproval is the outbound message asking the workflow backend to approve a request
// whose deadline elapsed.
type AutoApproval struct {
	Subject     string    `json:"subject"`
	RequestID   uuid.UUID `json:"requestId"`
	Requester   string    `json:"requester,omitempty"`
	EventDate   time.Time `json:"eventDate,omitzero"`
	CreatedAt   time.Time `json:"createdAt"`
	Deadline    time.Time `json:"deadline"`
	EscalatedAt time.Time `json:"escalatedAt"`
}

// NewAutoApproval projects an expired request onto the wire message.
func NewAutoApproval(req models.ApprovalRequest, now time.Time) AutoApproval {
	return AutoApproval{
		Subject:     req.Subject,
		RequestID:   req.RequestID,
		Requester:   req.Requester,
		EventDate:   req.EventDate.UTC(),
		CreatedAt:   req.CreatedAt.UTC(),
		Deadline:    req.Deadline.UTC(),
		EscalatedAt: now.UTC(),
	}
}

// IdempotencyKey is stable across sweeps for the same request.
func (a AutoApproval) IdempotencyKey() string {
	return models.Key{Subject: a.Subject, RequestID: a.RequestID}.String()
}

func (a AutoApproval) Marshal() ([]byte, error) {
	return json.Marshal(a)
}
