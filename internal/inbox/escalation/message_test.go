package escalation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxrelay/internal/inbox/models"
)

func goldenRequest() models.ApprovalRequest {
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return models.ApprovalRequest{
		Subject:   "alice",
		RequestID: uuid.MustParse("3f2504e0-4f89-11d3-9a0c-0305e82c3301"),
		Requester: "manager",
		CreatedAt: created,
		Deadline:  created.Add(20 * time.Second),
	}
}

func TestAutoApprovalWireFormat(t *testing.T) {
	escalatedAt := time.Date(2026, 3, 1, 9, 0, 21, 0, time.UTC)
	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))

	t.Run("without event date", func(t *testing.T) {
		payload, err := NewAutoApproval(goldenRequest(), escalatedAt).Marshal()
		require.NoError(t, err)
		g.Assert(t, "auto_approval", payload)
	})

	t.Run("with event date", func(t *testing.T) {
		req := goldenRequest()
		req.EventDate = time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)
		payload, err := NewAutoApproval(req, escalatedAt).Marshal()
		require.NoError(t, err)
		g.Assert(t, "auto_approval_event_date", payload)
	})
}

func TestAutoApprovalNormalizesToUTC(t *testing.T) {
	zone := time.FixedZone("UTC+2", 2*60*60)
	req := goldenRequest()
	req.CreatedAt = req.CreatedAt.In(zone)
	req.Deadline = req.Deadline.In(zone)

	msg := NewAutoApproval(req, time.Now().In(zone))
	assert.Equal(t, time.UTC, msg.CreatedAt.Location())
	assert.Equal(t, time.UTC, msg.EscalatedAt.Location())
	assert.Equal(t, "alice/3f2504e0-4f89-11d3-9a0c-0305e82c3301", msg.IdempotencyKey())
}
