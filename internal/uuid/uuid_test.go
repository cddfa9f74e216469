package uuid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		assert.True(t, IsValid(id), id)
		assert.False(t, seen[id], "duplicate %s", id)
		seen[id] = true
	}
}

func TestIsValid(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"123e4567-e89b-42d3-a456-426614174000", true},
		{"123E4567-E89B-42D3-A456-426614174000", true},
		{"123e4567-e89b-12d3-a456-426614174000", false}, // v1
		{"123e4567-e89b-42d3-c456-426614174000", false}, // variant
		{"123e4567e89b42d3a456426614174000", false},
		{"{123e4567-e89b-42d3-a456-426614174000}", false},
		{"", false},
		{"not-a-uuid", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsValid(tt.in), tt.in)
	}
}
