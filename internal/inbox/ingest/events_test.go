package ingest

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeNewRequest(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	id := uuid.New()

	t.Run("keeps a valid window", func(t *testing.T) {
		raw := []byte(`{"subject":" Alice ","requestId":"` + id.String() + `","requester":"manager",
			"eventDate":"2026-03-03","createdAt":"2026-03-01T08:00:00Z","deadline":"2026-03-01T08:30:00Z"}`)
		ev, err := DecodeNewRequest(raw, now, 20*time.Second)
		require.NoError(t, err)

		req := ev.Request
		assert.Equal(t, "alice", req.Subject)
		assert.Equal(t, id, req.RequestID)
		assert.Equal(t, "manager", req.Requester)
		assert.Equal(t, time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC), req.EventDate)
		assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), req.CreatedAt)
		assert.Equal(t, time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC), req.Deadline)
	})

	cases := map[string]string{
		"missing timestamps":        `{"subject":"alice","requestId":"` + id.String() + `"}`,
		"unparseable deadline":      `{"subject":"alice","requestId":"` + id.String() + `","createdAt":"2026-03-01T08:00:00Z","deadline":"soon"}`,
		"deadline before createdAt": `{"subject":"alice","requestId":"` + id.String() + `","createdAt":"2026-03-01T08:00:00Z","deadline":"2026-03-01T07:00:00Z"}`,
	}
	for name, raw := range cases {
		t.Run(name+" falls back to the approval window", func(t *testing.T) {
			ev, err := DecodeNewRequest([]byte(raw), now, 20*time.Second)
			require.NoError(t, err)
			assert.Equal(t, now, ev.Request.CreatedAt)
			assert.Equal(t, now.Add(20*time.Second), ev.Request.Deadline)
			assert.NoError(t, ev.Request.Validate())
		})
	}

	t.Run("rejects missing identity", func(t *testing.T) {
		_, err := DecodeNewRequest([]byte(`{"subject":"alice"}`), now, 0)
		assert.Error(t, err)
		_, err = DecodeNewRequest([]byte(`{"requestId":"`+id.String()+`"}`), now, 0)
		assert.Error(t, err)
		_, err = DecodeNewRequest([]byte(`not json`), now, 0)
		assert.Error(t, err)
	})
}

func TestDecodeOtherEvents(t *testing.T) {
	id := uuid.New()
	raw := []byte(`{"subject":"BOB","requestId":"` + id.String() + `","viewed":true}`)

	del, err := DecodeDeletion(raw)
	require.NoError(t, err)
	assert.Equal(t, "bob", del.Key.Subject)
	assert.Equal(t, id, del.Key.RequestID)

	ver, err := DecodeVerification(raw)
	require.NoError(t, err)
	assert.True(t, ver.Request.Viewed)
	assert.Equal(t, "bob", ver.Request.Subject)

	inbox, err := DecodeLegacyInbox(raw)
	require.NoError(t, err)
	assert.Equal(t, id, inbox.Entry.RequestID)

	_, err = DecodeDeletion([]byte(`{"subject":"bob","requestId":"nope"}`))
	assert.Error(t, err)
}
