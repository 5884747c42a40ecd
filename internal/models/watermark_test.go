package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermark_RoundTrip(t *testing.T) {
	orig := NewWatermark(time.Date(2025, 3, 14, 9, 26, 53, 589793238, time.UTC))

	parsed, err := ParseWatermark(orig.String())
	require.NoError(t, err)
	assert.True(t, parsed.Time().Equal(orig.Time()))
}

func TestWatermark_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	w := NewWatermark(time.Date(2025, 3, 14, 15, 0, 0, 0, loc))

	assert.Equal(t, time.UTC, w.Time().Location())
}

func TestParseWatermark_Malformed(t *testing.T) {
	for _, token := range []string{"", "yesterday", "1710408413", "2025-03-14"} {
		_, err := ParseWatermark(token)
		assert.ErrorIs(t, err, ErrMalformedWatermark, "token %q", token)
	}
}

func TestWatermark_Before(t *testing.T) {
	earlier := NewWatermark(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	later := NewWatermark(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC))

	assert.True(t, earlier.Before(later))
	assert.False(t, later.Before(earlier))
	assert.True(t, Watermark{}.IsZero())
}
