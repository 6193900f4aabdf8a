package schedule_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/EmpoweredVote/EV-Geofences/internal/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tod(t *testing.T, s string) schedule.TimeOfDay {
	t.Helper()
	v, err := schedule.ParseTimeOfDay(s)
	require.NoError(t, err)
	return v
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"00:00", 0, false},
		{"09:30", 9*time.Hour + 30*time.Minute, false},
		{"17:45:10", 17*time.Hour + 45*time.Minute + 10*time.Second, false},
		{"24:00:00", 24 * time.Hour, false},
		{"24:00:01", 0, true},
		{"12:60", 0, true},
		{"9:30", 0, true},
		{"noon", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := schedule.ParseTimeOfDay(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, schedule.ErrInvalidSchedule)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, schedule.TimeOfDay(tt.want), got)
		})
	}
}

func TestFullUTCIsAlwaysActive(t *testing.T) {
	s := schedule.FullUTC()
	require.NoError(t, s.Validate())
	assert.True(t, s.IsFullUTC())

	base := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 7*24*4; i++ {
		instant := base.Add(time.Duration(i)*15*time.Minute + 7*time.Second)
		ok, err := schedule.IsWithinSchedule(s, instant)
		require.NoError(t, err)
		assert.True(t, ok, "expected %s to be within the full schedule", instant)
	}

	last := time.Date(2024, 3, 10, 23, 59, 59, 999999999, time.UTC)
	ok, err := schedule.IsWithinSchedule(s, last)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsWithinSchedule_ConvertsToLocalTime(t *testing.T) {
	s := schedule.FullUTC()
	s.TimeZoneID = "America/New_York"
	s.Monday = schedule.DailySchedule{Start: tod(t, "09:00"), End: tod(t, "17:00")}

	// Monday 2024-06-03 13:00 UTC is 09:00 EDT.
	ok, err := schedule.IsWithinSchedule(s, time.Date(2024, 6, 3, 13, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok, "start is inclusive")

	// 21:00 UTC is 17:00 EDT.
	ok, err = schedule.IsWithinSchedule(s, time.Date(2024, 6, 3, 21, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok, "end is inclusive")

	ok, err = schedule.IsWithinSchedule(s, time.Date(2024, 6, 3, 21, 0, 1, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok)

	// 12:00 UTC is 08:00 EDT.
	ok, err = schedule.IsWithinSchedule(s, time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsWithinSchedule_LocalWeekdaySelectsWindow(t *testing.T) {
	s := schedule.FullUTC()
	s.TimeZoneID = "Asia/Tokyo"
	s.Sunday = schedule.DailySchedule{}
	s.Saturday = schedule.DailySchedule{}

	// Saturday 2024-06-01 20:00 UTC is Sunday 05:00 in Tokyo.
	ok, err := schedule.IsWithinSchedule(s, time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok)

	// Friday 2024-05-31 20:00 UTC is Saturday 05:00 in Tokyo.
	ok, err = schedule.IsWithinSchedule(s, time.Date(2024, 5, 31, 20, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok)

	// Friday 2024-05-31 10:00 UTC is Friday 19:00 in Tokyo.
	ok, err = schedule.IsWithinSchedule(s, time.Date(2024, 5, 31, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsWithinSchedule_OvernightAsAdjacentDays(t *testing.T) {
	s := schedule.FullUTC()
	s.Friday = schedule.DailySchedule{Start: tod(t, "22:00"), End: schedule.EndOfDay}
	s.Saturday = schedule.DailySchedule{Start: schedule.StartOfDay, End: tod(t, "06:00")}

	ok, err := schedule.IsWithinSchedule(s, time.Date(2024, 5, 31, 23, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = schedule.IsWithinSchedule(s, time.Date(2024, 6, 1, 3, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = schedule.IsWithinSchedule(s, time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsWithinSchedule_EndSecondIsInclusive(t *testing.T) {
	s := schedule.FullUTC()
	s.Friday = schedule.DailySchedule{Start: tod(t, "09:00"), End: tod(t, "23:59:59")}

	ok, err := schedule.IsWithinSchedule(s, time.Date(2024, 5, 31, 23, 59, 59, 500_000_000, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok, "the whole final second belongs to the window")

	ok, err = schedule.IsWithinSchedule(s, time.Date(2024, 5, 31, 8, 59, 59, 999_000_000, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	s := schedule.FullUTC()
	s.TimeZoneID = "Mars/Olympus_Mons"
	assert.ErrorIs(t, s.Validate(), schedule.ErrInvalidSchedule)

	s = schedule.FullUTC()
	s.TimeZoneID = ""
	assert.ErrorIs(t, s.Validate(), schedule.ErrInvalidSchedule)

	s = schedule.FullUTC()
	s.Wednesday = schedule.DailySchedule{Start: tod(t, "18:00"), End: tod(t, "08:00")}
	err := s.Validate()
	require.ErrorIs(t, err, schedule.ErrInvalidSchedule)
	assert.Contains(t, err.Error(), "wednesday")
}

func TestScheduleJSON(t *testing.T) {
	raw := `{"timeZoneId":"Europe/Berlin",
		"sunday":{"startTime":"00:00:00","endTime":"24:00:00"},
		"monday":{"startTime":"08:00","endTime":"18:00"},
		"tuesday":{"startTime":"08:00","endTime":"18:00"},
		"wednesday":{"startTime":"08:00","endTime":"18:00"},
		"thursday":{"startTime":"08:00","endTime":"18:00"},
		"friday":{"startTime":"08:00","endTime":"18:00"},
		"saturday":{"startTime":"00:00:00","endTime":"00:00:00"}}`

	var s schedule.Schedule
	require.NoError(t, json.Unmarshal([]byte(raw), &s))
	require.NoError(t, s.Validate())
	assert.False(t, s.IsFullUTC())
	assert.Equal(t, "18:00:00", s.Monday.End.String())

	var scanned schedule.Schedule
	v, err := s.Value()
	require.NoError(t, err)
	require.NoError(t, scanned.Scan(v))
	assert.Equal(t, s, scanned)
}
