package registry

import (
	"context"
	"sync"

	"inboxrelay/internal/inbox/models"
	"inboxrelay/pkg/platform/sentinel"
)

// Subscription is one listener's view of a subject's live sequence.
type Subscription struct {
	subject string
	reg     *Registry
	box     *mailbox

	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

// Subject returns the normalized subject this subscription listens to.
func (s *Subscription) Subject() string {
	return s.subject
}

// Next blocks until a notification is available. Items already buffered are delivered
// before the terminal error; after Close the error is sentinel.ErrClosed unless the
// subscription was failed with a specific cause.
func (s *Subscription) Next(ctx context.Context) (models.Notification, error) {
	for {
		if n, ok := s.box.pop(); ok {
			return n, nil
		}
		select {
		case <-s.box.signal:
		case <-s.done:
			if n, ok := s.box.pop(); ok {
				return n, nil
			}
			return models.Notification{}, s.Err()
		case <-ctx.Done():
			return models.Notification{}, ctx.Err()
		}
	}
}

// Done is closed once the subscription has ended.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, or nil while the subscription is live.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return sentinel.ErrClosed
}

// Close detaches the listener. Closing the last listener of a subject releases its
// channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.Fail(nil)
}

// Fail ends the subscription with a terminal error delivered to the reader.
func (s *Subscription) Fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		s.reg.remove(s)
	})
}
