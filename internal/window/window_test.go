package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime_Layouts(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{
			name: "rfc3339 with nanos",
			raw:  "2024-03-01T12:30:45.123456789Z",
			want: time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.UTC),
		},
		{
			name: "rfc3339",
			raw:  "2024-03-01T12:30:45Z",
			want: time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC),
		},
		{
			name: "offset normalized to utc",
			raw:  "2024-03-01T14:30:45+02:00",
			want: time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC),
		},
		{
			name: "no zone",
			raw:  "2024-03-01T12:30:45",
			want: time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC),
		},
		{
			name: "date only",
			raw:  "2024-03-01",
			want: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "surrounding whitespace",
			raw:  "  2024-03-01T12:30:45Z  ",
			want: time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTime(tt.raw)
			require.True(t, ok)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestParseTime_Invalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "not a time", "2024-13-40T99:00:00Z"} {
		_, ok := ParseTime(raw)
		assert.False(t, ok, "raw %q", raw)
	}
}

func TestNormalizeSince(t *testing.T) {
	now := time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

	t.Run("absolute timestamp", func(t *testing.T) {
		got, err := NormalizeSince("2024-06-01T00:00:00Z", now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("numeric days ago", func(t *testing.T) {
		got, err := NormalizeSince("7", now)
		require.NoError(t, err)
		assert.Equal(t, now.AddDate(0, 0, -7), got)
	})

	t.Run("fractional days", func(t *testing.T) {
		got, err := NormalizeSince("0.5", now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(-12*time.Hour), got)
	})

	t.Run("negative days rejected", func(t *testing.T) {
		_, err := NormalizeSince("-1", now)
		assert.Error(t, err)
	})

	t.Run("empty rejected", func(t *testing.T) {
		_, err := NormalizeSince("", now)
		assert.Error(t, err)
	})

	t.Run("garbage rejected", func(t *testing.T) {
		_, err := NormalizeSince("last tuesday", now)
		assert.Error(t, err)
	})
}

func TestFormatMinDate(t *testing.T) {
	at := time.Date(2024, 6, 15, 12, 0, 1, 987654321, time.UTC)
	assert.Equal(t, "2024-06-15T12:00:01.000Z", FormatMinDate(at))
}
