package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

	r, err := parseRange("", "", 0, now)
	require.NoError(t, err)
	assert.Equal(t, now, r.To)
	assert.Equal(t, now.Add(-24*time.Hour), r.From)

	r, err = parseRange("2026-03-01T00:00:00Z", "2026-03-01T06:00:00Z", 50, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), r.From)
	assert.Equal(t, time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC), r.To)
	assert.Equal(t, 50, r.Limit)

	tests := []struct {
		name     string
		from, to string
		limit    int
	}{
		{"bad from", "yesterday", "", 0},
		{"bad to", "", "tomorrow", 0},
		{"inverted", "2026-03-02T00:00:00Z", "2026-03-01T00:00:00Z", 0},
		{"negative limit", "", "", -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseRange(tt.from, tt.to, tt.limit, now)
			assert.Error(t, err)
		})
	}
}
