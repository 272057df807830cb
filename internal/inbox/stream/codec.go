package stream

import (
	"encoding/json"
	"fmt"

	"inboxrelay/internal/inbox/models"
)

// Record is one raw entry read from a shard.
type Record struct {
	Shard  int32
	Offset int64
	Key    []byte
	Value  []byte
}

// DecodeError reports a stream record that could not be turned into a notification.
type DecodeError struct {
	Shard  int32
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode record shard=%d offset=%d: %v", e.Shard, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode renders a notification as a stream record value.
func Encode(n models.Notification) ([]byte, error) {
	if err := n.Request.Key().Validate(); err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return json.Marshal(n)
}

// Decode parses a record value. Records without a kind are treated as created.
func Decode(rec Record) (models.Notification, error) {
	var n models.Notification
	if err := json.Unmarshal(rec.Value, &n); err != nil {
		return models.Notification{}, &DecodeError{Shard: rec.Shard, Offset: rec.Offset, Err: err}
	}
	if err := n.Request.Key().Validate(); err != nil {
		return models.Notification{}, &DecodeError{Shard: rec.Shard, Offset: rec.Offset, Err: err}
	}
	if n.Kind == "" {
		n.Kind = models.KindCreated
	}
	n.Request.Subject = models.NormalizeSubject(n.Request.Subject)
	return n, nil
}
