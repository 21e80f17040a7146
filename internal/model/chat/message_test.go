package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatTimeSortsLikeTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	times := []time.Time{
		base,
		base.Add(100 * time.Millisecond),
		base.Add(150 * time.Millisecond),
		base.Add(150*time.Millisecond + time.Nanosecond),
		base.Add(time.Second),
	}
	for i := 1; i < len(times); i++ {
		earlier, later := FormatTime(times[i-1]), FormatTime(times[i])
		assert.Less(t, earlier, later)
		assert.Len(t, later, len(earlier))
	}
	assert.Equal(t, "2026-01-01T00:00:00.100000000Z", FormatTime(times[1]))
}

func TestParseTime(t *testing.T) {
	ts := time.Date(2026, 1, 1, 8, 30, 0, 150_000_000, time.FixedZone("CST", 8*3600))
	got, err := ParseTime(FormatTime(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))

	got, err = ParseTime("2026-01-01T00:00:00.15Z")
	require.NoError(t, err)
	assert.Equal(t, 150*time.Millisecond, got.Sub(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	got, err = ParseTime("")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	_, err = ParseTime("yesterday")
	assert.Error(t, err)
}
