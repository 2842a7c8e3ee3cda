package timeperiod

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// 2026-01-02 is a Friday.
func at(hour, minute int) time.Time {
	return time.Date(2026, 1, 2, hour, minute, 0, 0, time.UTC)
}

func TestParseEmpty(t *testing.T) {
	p, err := Parse("")
	require.NoError(t, err)
	require.True(t, p.Contains(at(3, 0)))
	require.True(t, p.Contains(at(23, 59)))
}

func TestHours(t *testing.T) {
	p, err := Parse("hours 9-17")
	require.NoError(t, err)
	require.True(t, p.Contains(at(9, 0)))
	require.True(t, p.Contains(at(17, 59)))
	require.False(t, p.Contains(at(8, 59)))
	require.False(t, p.Contains(at(18, 0)))
}

func TestHourRangeList(t *testing.T) {
	p, err := Parse("hr 0-5,22-23")
	require.NoError(t, err)
	require.True(t, p.Contains(at(3, 0)))
	require.True(t, p.Contains(at(22, 30)))
	require.False(t, p.Contains(at(12, 0)))
}

func TestWeekdays(t *testing.T) {
	p, err := Parse("weekdays mon-fri")
	require.NoError(t, err)
	require.True(t, p.Contains(at(12, 0)))                       // Friday
	require.False(t, p.Contains(at(12, 0).Add(24*time.Hour)))   // Saturday
	require.True(t, p.Contains(at(12, 0).Add(3*24*time.Hour)))  // Monday
}

func TestWrappedWeekdayRange(t *testing.T) {
	p, err := Parse("wd fri-mon")
	require.NoError(t, err)
	require.True(t, p.Contains(at(12, 0)))                       // Friday
	require.True(t, p.Contains(at(12, 0).Add(24*time.Hour)))    // Saturday
	require.True(t, p.Contains(at(12, 0).Add(3*24*time.Hour)))  // Monday
	require.False(t, p.Contains(at(12, 0).Add(4*24*time.Hour))) // Tuesday
}

func TestCombinedClauses(t *testing.T) {
	p, err := Parse("weekdays mon-fri; hours 9-17; minutes 0-29")
	require.NoError(t, err)
	require.True(t, p.Contains(at(9, 15)))
	require.False(t, p.Contains(at(9, 45)))
	require.False(t, p.Contains(at(8, 15)))
}

func TestSingleValues(t *testing.T) {
	p, err := Parse("hours 12; weekdays fri")
	require.NoError(t, err)
	require.True(t, p.Contains(at(12, 0)))
	require.False(t, p.Contains(at(13, 0)))
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"hours",
		"hours 25-26",
		"hours 17-9",
		"minutes 0-75",
		"weekdays funday",
		"fortnights 1-2",
		"hours nine-five",
	}
	for _, expression := range cases {
		_, err := Parse(expression)
		require.Error(t, err, expression)
	}
}
