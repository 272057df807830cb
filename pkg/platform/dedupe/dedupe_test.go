package dedupe

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTrimmed(t *testing.T) {
	tests := []struct {
		name     string
		input    []string
		expected []string
	}{
		{
			name:     "nil slice",
			input:    nil,
			expected: nil,
		},
		{
			name:     "empty slice",
			input:    []string{},
			expected: []string{},
		},
		{
			name:     "trims and drops blanks",
			input:    []string{"  approval-request-queue ", "", "   "},
			expected: []string{"approval-request-queue"},
		},
		{
			name:     "keeps first occurrence",
			input:    []string{"broker-2:9092", "broker-1:9092", " broker-2:9092"},
			expected: []string{"broker-2:9092", "broker-1:9092"},
		},
		{
			name:     "case sensitive",
			input:    []string{"Inbox", "inbox"},
			expected: []string{"Inbox", "inbox"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Trimmed(tt.input))
		})
	}
}

func TestStable(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	assert.Equal(t, []uuid.UUID{a, b}, Stable([]uuid.UUID{a, b, a, b, a}))
	assert.Equal(t, []int{3, 1, 2}, Stable([]int{3, 1, 3, 2, 1}))
	assert.Nil(t, Stable[int](nil))
}
