package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for name, want := range map[string]Level{
		"low": LevelLow, "Medium": LevelMedium, " HIGH ": LevelHigh,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseLevel("extreme")
	assert.Error(t, err)

	assert.True(t, LevelLow < LevelMedium)
	assert.True(t, LevelMedium < LevelHigh)
}

func TestWindow_Contains(t *testing.T) {
	w := Window{Start: "09:00", End: "17:00", Timezone: "UTC"}

	in, err := w.Contains(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, in)

	in, err = w.Contains(time.Date(2026, 8, 28, 8, 59, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, in)

	// End is exclusive.
	in, err = w.Contains(time.Date(2026, 8, 28, 17, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, in)
}

func TestWindow_WrapsMidnight(t *testing.T) {
	w := Window{Start: "22:00", End: "06:00", Timezone: "UTC"}

	in, err := w.Contains(time.Date(2026, 8, 28, 23, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, in)

	in, err = w.Contains(time.Date(2026, 8, 28, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, in)

	in, err = w.Contains(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, in)
}

func TestWindow_TimezoneRespected(t *testing.T) {
	w := Window{Start: "09:00", End: "17:00", Timezone: "Australia/Brisbane"}

	// 02:00 UTC is 12:00 in Brisbane (UTC+10).
	in, err := w.Contains(time.Date(2026, 8, 28, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, in)

	// 12:00 UTC is 22:00 in Brisbane.
	in, err = w.Contains(time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, in)
}

func TestWindow_EmptyAlwaysOpen(t *testing.T) {
	in, err := Window{}.Contains(time.Now())
	require.NoError(t, err)
	assert.True(t, in)
}

func TestWindow_InvalidValues(t *testing.T) {
	_, err := Window{Start: "25:00", End: "17:00"}.Contains(time.Now())
	assert.Error(t, err)

	_, err = Window{Start: "09:00", End: "17:00", Timezone: "Mars/Olympus"}.Contains(time.Now())
	assert.Error(t, err)
}

func TestScope_GrantCaseInsensitive(t *testing.T) {
	scope := &Scope{Grants: []DomainGrant{
		{Domain: "SEO", Enabled: true},
		{Domain: "content", Enabled: false},
	}}

	g, ok := scope.Grant("seo")
	require.True(t, ok)
	assert.True(t, g.Enabled)

	_, ok = scope.Grant("ads")
	assert.False(t, ok)
}
