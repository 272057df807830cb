package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"inboxrelay/internal/inbox/models"
)

// DefaultApprovalWindow is the deadline applied when a new-request message has no
// usable createdAt/deadline pair.
const DefaultApprovalWindow = 20 * time.Second

// Event is one decoded inbound message. The concrete types are NewRequest, Deletion,
// Verification and LegacyInbox.
type Event interface {
	event()
}

// NewRequest adds a request to a subject's inbox.
type NewRequest struct {
	Request models.ApprovalRequest
}

// Deletion removes a request from a subject's inbox.
type Deletion struct {
	Key models.Key
}

// Verification asks a subject to confirm a completed request.
type Verification struct {
	Request models.VerificationRequest
}

// LegacyInbox records a bare inbox pointer in the legacy table.
type LegacyInbox struct {
	Entry models.InboxEntry
}

func (NewRequest) event()   {}
func (Deletion) event()     {}
func (Verification) event() {}
func (LegacyInbox) event()  {}

type keyPayload struct {
	Subject   string `json:"subject"`
	RequestID string `json:"requestId"`
}

func (p keyPayload) key() (models.Key, error) {
	id, err := uuid.Parse(strings.TrimSpace(p.RequestID))
	if err != nil {
		return models.Key{}, fmt.Errorf("requestId: %w", err)
	}
	key := models.Key{Subject: models.NormalizeSubject(p.Subject), RequestID: id}
	if err := key.Validate(); err != nil {
		return models.Key{}, err
	}
	return key, nil
}

type newRequestPayload struct {
	keyPayload
	Requester string `json:"requester"`
	EventDate string `json:"eventDate"`
	CreatedAt string `json:"createdAt"`
	Deadline  string `json:"deadline"`
}

// DecodeNewRequest parses a new-request message. createdAt and deadline are kept only
// when both parse and deadline is after createdAt; otherwise createdAt is now and the
// deadline is now plus window. Timestamps come out in UTC at store precision.
func DecodeNewRequest(raw []byte, now time.Time, window time.Duration) (NewRequest, error) {
	var p newRequestPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return NewRequest{}, fmt.Errorf("decode new request: %w", err)
	}
	key, err := p.key()
	if err != nil {
		return NewRequest{}, fmt.Errorf("decode new request: %w", err)
	}
	if window <= 0 {
		window = DefaultApprovalWindow
	}

	req := models.ApprovalRequest{
		Subject:   key.Subject,
		RequestID: key.RequestID,
		Requester: strings.TrimSpace(p.Requester),
		EventDate: parseTime(p.EventDate),
		CreatedAt: parseTime(p.CreatedAt),
		Deadline:  parseTime(p.Deadline),
	}.Normalized()
	if req.CreatedAt.IsZero() || req.Deadline.IsZero() || !req.Deadline.After(req.CreatedAt) {
		req.CreatedAt = models.Timestamp(now)
		req.Deadline = models.Timestamp(now.Add(window))
	}
	return NewRequest{Request: req}, nil
}

// DecodeDeletion parses a deletion message.
func DecodeDeletion(raw []byte) (Deletion, error) {
	var p keyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Deletion{}, fmt.Errorf("decode deletion: %w", err)
	}
	key, err := p.key()
	if err != nil {
		return Deletion{}, fmt.Errorf("decode deletion: %w", err)
	}
	return Deletion{Key: key}, nil
}

type verificationPayload struct {
	keyPayload
	Viewed bool `json:"viewed"`
}

// DecodeVerification parses a completion-verification message.
func DecodeVerification(raw []byte) (Verification, error) {
	var p verificationPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Verification{}, fmt.Errorf("decode verification: %w", err)
	}
	key, err := p.key()
	if err != nil {
		return Verification{}, fmt.Errorf("decode verification: %w", err)
	}
	return Verification{Request: models.VerificationRequest{
		Subject:   key.Subject,
		RequestID: key.RequestID,
		Viewed:    p.Viewed,
	}}, nil
}

// DecodeLegacyInbox parses a legacy inbox message.
func DecodeLegacyInbox(raw []byte) (LegacyInbox, error) {
	var p keyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return LegacyInbox{}, fmt.Errorf("decode inbox entry: %w", err)
	}
	key, err := p.key()
	if err != nil {
		return LegacyInbox{}, fmt.Errorf("decode inbox entry: %w", err)
	}
	return LegacyInbox{Entry: models.InboxEntry{Subject: key.Subject, RequestID: key.RequestID}}, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999", // zone-less timestamps are read as UTC
	time.DateOnly,
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
