package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"inboxrelay/internal/inbox/models"
)

func TestMailboxDropsOldestWhenFull(t *testing.T) {
	b := newMailbox(2)
	kinds := []models.Kind{models.KindCreated, models.KindUpdated, models.KindDeleted}

	assert.False(t, b.push(models.Notification{Kind: kinds[0]}))
	assert.False(t, b.push(models.Notification{Kind: kinds[1]}))
	assert.True(t, b.push(models.Notification{Kind: kinds[2]}))
	assert.Equal(t, 2, b.len())
	assert.Equal(t, int64(1), b.droppedCount())

	n, ok := b.pop()
	assert.True(t, ok)
	assert.Equal(t, models.KindUpdated, n.Kind)
	n, ok = b.pop()
	assert.True(t, ok)
	assert.Equal(t, models.KindDeleted, n.Kind)
	_, ok = b.pop()
	assert.False(t, ok)
}

func TestMailboxSignalDoesNotBlock(t *testing.T) {
	b := newMailbox(4)
	for range 4 {
		b.push(models.Notification{})
	}
	assert.Len(t, b.signal, 1)
}
