// Package models holds the approval-request entities shared by every inbox component.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ApprovalRequest is one item in a subject's inbox awaiting approval.
// (Subject, RequestID) is unique; Deadline is strictly after CreatedAt.
type ApprovalRequest struct {
	Subject   string    `json:"subject"`
	RequestID uuid.UUID `json:"requestId"`
	Requester string    `json:"requester,omitempty"`
	EventDate time.Time `json:"eventDate,omitzero"`
	CreatedAt time.Time `json:"createdAt"`
	Deadline  time.Time `json:"deadline"`
	Viewed    bool      `json:"viewed"`
}

// Key returns the request's identity.
func (r ApprovalRequest) Key() Key {
	return Key{Subject: r.Subject, RequestID: r.RequestID}
}

// Validate checks the entity invariants.
func (r ApprovalRequest) Validate() error {
	if err := r.Key().Validate(); err != nil {
		return err
	}
	if r.CreatedAt.IsZero() || r.Deadline.IsZero() {
		return errors.New("createdAt and deadline are required")
	}
	if !r.Deadline.After(r.CreatedAt) {
		return fmt.Errorf("deadline %s must be after createdAt %s",
			r.Deadline.Format(time.RFC3339Nano), r.CreatedAt.Format(time.RFC3339Nano))
	}
	return nil
}

// Equal compares by value. Timestamps compare as instants so a row read back from the
// store equals the value that was written.
func (r ApprovalRequest) Equal(o ApprovalRequest) bool {
	return r.Subject == o.Subject &&
		r.RequestID == o.RequestID &&
		r.Requester == o.Requester &&
		r.EventDate.Equal(o.EventDate) &&
		r.CreatedAt.Equal(o.CreatedAt) &&
		r.Deadline.Equal(o.Deadline) &&
		r.Viewed == o.Viewed
}

// TimestampPrecision is the resolution the store keeps (Postgres TIMESTAMPTZ).
const TimestampPrecision = time.Microsecond

// Timestamp reduces t to UTC at store precision. Every path that carries a request
// (ingest, poll, stream, cache) must agree on the same instant or value dedup fails.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(TimestampPrecision)
}

// Normalized returns r with every timestamp reduced by Timestamp.
func (r ApprovalRequest) Normalized() ApprovalRequest {
	r.EventDate = Timestamp(r.EventDate)
	r.CreatedAt = Timestamp(r.CreatedAt)
	r.Deadline = Timestamp(r.Deadline)
	return r
}

// Expired reports whether the deadline is strictly before now.
func (r ApprovalRequest) Expired(now time.Time) bool {
	return r.Deadline.Before(now)
}

// VerificationRequest asks the subject to confirm a completed request.
type VerificationRequest struct {
	Subject   string    `json:"subject"`
	RequestID uuid.UUID `json:"requestId"`
	Viewed    bool      `json:"viewed"`
}

// Key returns the verification's identity.
func (v VerificationRequest) Key() Key {
	return Key{Subject: v.Subject, RequestID: v.RequestID}
}

// InboxEntry is a row of the legacy inbox table: a bare pointer from a subject to a request.
type InboxEntry struct {
	Subject   string    `json:"subject"`
	RequestID uuid.UUID `json:"requestId"`
}

// Key identifies a request within a subject's partition.
type Key struct {
	Subject   string
	RequestID uuid.UUID
}

// Validate rejects keys with a blank subject or nil request id.
func (k Key) Validate() error {
	if strings.TrimSpace(k.Subject) == "" {
		return errors.New("subject is required")
	}
	if k.RequestID == uuid.Nil {
		return errors.New("requestId is required")
	}
	return nil
}

func (k Key) String() string {
	return k.Subject + "/" + k.RequestID.String()
}

// NormalizeSubject folds a subject for case-insensitive matching.
func NormalizeSubject(subject string) string {
	return strings.ToLower(strings.TrimSpace(subject))
}

// Kind classifies a Notification.
type Kind string

const (
	KindCreated      Kind = "created"
	KindUpdated      Kind = "updated"
	KindDeleted      Kind = "deleted"
	KindExpired      Kind = "expired"
	KindVerification Kind = "verification"
)

// Notification is one item on a subscriber's live sequence.
type Notification struct {
	Kind    Kind            `json:"kind"`
	Request ApprovalRequest `json:"request"`
}

// Equal compares kind and request value.
func (n Notification) Equal(o Notification) bool {
	return n.Kind == o.Kind && n.Request.Equal(o.Request)
}
