package registry

import (
	"sync"

	"inboxrelay/internal/inbox/models"
)

// mailbox is a bounded, thread-safe queue of notifications for one subscriber.
// When full, the oldest notification is dropped to make room for the new one, so a
// slow reader never blocks publishers and always ends on the latest value.
type mailbox struct {
	mu       sync.Mutex
	items    []models.Notification
	head     int // next write position
	tail     int // next read position
	count    int
	capacity int
	dropped  int64

	// signal has capacity 1 and is poked after every push
	signal chan struct{}
}

func newMailbox(capacity int) *mailbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &mailbox{
		items:    make([]models.Notification, capacity),
		capacity: capacity,
		signal:   make(chan struct{}, 1),
	}
}

// push appends n and reports whether an older item was overwritten.
func (b *mailbox) push(n models.Notification) bool {
	b.mu.Lock()
	overwrote := false
	if b.count >= b.capacity {
		b.tail = (b.tail + 1) % b.capacity
		b.count--
		b.dropped++
		overwrote = true
	}
	b.items[b.head] = n
	b.head = (b.head + 1) % b.capacity
	b.count++
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return overwrote
}

// pop removes the oldest item.
func (b *mailbox) pop() (models.Notification, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.count == 0 {
		return models.Notification{}, false
	}
	n := b.items[b.tail]
	b.items[b.tail] = models.Notification{}
	b.tail = (b.tail + 1) % b.capacity
	b.count--
	return n, true
}

func (b *mailbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func (b *mailbox) droppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
