// Package schedule decides whether an instant falls inside a geofence's
// weekly activity window.
//
// A Schedule holds one DailySchedule per weekday plus an IANA time zone. Each
// day is a closed interval of local clock time. A window cannot wrap past
// midnight; an overnight window is expressed as the tail of one day and the
// head of the next (for example Friday 22:00-24:00 and Saturday 00:00-06:00).
package schedule

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrInvalidSchedule = errors.New("invalid schedule")

// TimeOfDay is an offset from local midnight. 24:00:00 is a valid end of
// day so that a full day can be expressed as a closed interval.
type TimeOfDay time.Duration

const (
	StartOfDay TimeOfDay = 0
	EndOfDay   TimeOfDay = TimeOfDay(24 * time.Hour)
)

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: time of day %q must be HH:MM or HH:MM:SS", ErrInvalidSchedule, s)
	}
	var fields [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || len(p) != 2 {
			return 0, fmt.Errorf("%w: time of day %q must be HH:MM or HH:MM:SS", ErrInvalidSchedule, s)
		}
		fields[i] = n
	}
	h, m, sec := fields[0], fields[1], fields[2]
	if m > 59 || sec > 59 || h > 24 || (h == 24 && (m != 0 || sec != 0)) {
		return 0, fmt.Errorf("%w: time of day %q is out of range", ErrInvalidSchedule, s)
	}
	return TimeOfDay(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second), nil
}

func (t TimeOfDay) String() string {
	d := time.Duration(t)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func (t TimeOfDay) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *TimeOfDay) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: time of day must be a string", ErrInvalidSchedule)
	}
	v, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// UnmarshalText lets YAML fixtures use the same "HH:MM:SS" form.
func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// DailySchedule is the active window for one weekday, inclusive at both
// ends.
type DailySchedule struct {
	Start TimeOfDay `json:"startTime" yaml:"startTime"`
	End   TimeOfDay `json:"endTime" yaml:"endTime"`
}

// AllDay is active from 00:00:00 through 24:00:00.
func AllDay() DailySchedule {
	return DailySchedule{Start: StartOfDay, End: EndOfDay}
}

func (d DailySchedule) Validate() error {
	if d.Start < StartOfDay || d.End > EndOfDay {
		return fmt.Errorf("%w: times must fall within 00:00:00 and 24:00:00", ErrInvalidSchedule)
	}
	if d.Start > d.End {
		return fmt.Errorf("%w: start time %s must not be after end time %s", ErrInvalidSchedule, d.Start, d.End)
	}
	return nil
}

func (d DailySchedule) contains(tod TimeOfDay) bool {
	return d.Start <= tod && tod <= d.End
}

// Schedule is a weekly set of daily windows evaluated in TimeZoneID.
type Schedule struct {
	TimeZoneID string        `json:"timeZoneId" yaml:"timeZoneId"`
	Sunday     DailySchedule `json:"sunday" yaml:"sunday"`
	Monday     DailySchedule `json:"monday" yaml:"monday"`
	Tuesday    DailySchedule `json:"tuesday" yaml:"tuesday"`
	Wednesday  DailySchedule `json:"wednesday" yaml:"wednesday"`
	Thursday   DailySchedule `json:"thursday" yaml:"thursday"`
	Friday     DailySchedule `json:"friday" yaml:"friday"`
	Saturday   DailySchedule `json:"saturday" yaml:"saturday"`
}

// FullUTC is the default schedule: always active.
func FullUTC() Schedule {
	d := AllDay()
	return Schedule{
		TimeZoneID: "UTC",
		Sunday:     d, Monday: d, Tuesday: d, Wednesday: d, Thursday: d, Friday: d, Saturday: d,
	}
}

func (s Schedule) IsFullUTC() bool {
	return s == FullUTC()
}

// Day returns the window for a weekday.
func (s Schedule) Day(wd time.Weekday) DailySchedule {
	switch wd {
	case time.Sunday:
		return s.Sunday
	case time.Monday:
		return s.Monday
	case time.Tuesday:
		return s.Tuesday
	case time.Wednesday:
		return s.Wednesday
	case time.Thursday:
		return s.Thursday
	case time.Friday:
		return s.Friday
	default:
		return s.Saturday
	}
}

// Validate checks the time zone and every daily window. Evaluation assumes
// a schedule that already passed validation.
func (s Schedule) Validate() error {
	if s.TimeZoneID == "" {
		return fmt.Errorf("%w: timeZoneId is required", ErrInvalidSchedule)
	}
	if _, err := location(s.TimeZoneID); err != nil {
		return fmt.Errorf("%w: timeZoneId %q is not a valid IANA time zone", ErrInvalidSchedule, s.TimeZoneID)
	}
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if err := s.Day(wd).Validate(); err != nil {
			return fmt.Errorf("%s: %w", strings.ToLower(wd.String()), err)
		}
	}
	return nil
}

// IsWithinSchedule reports whether instant, converted to the schedule's time
// zone, falls inside that local weekday's window.
func IsWithinSchedule(s Schedule, instant time.Time) (bool, error) {
	loc, err := location(s.TimeZoneID)
	if err != nil {
		return false, fmt.Errorf("%w: load time zone %q: %v", ErrInvalidSchedule, s.TimeZoneID, err)
	}
	local := instant.In(loc)
	h, m, sec := local.Clock()
	// Windows have second resolution, so fractions of a second are dropped.
	tod := TimeOfDay(time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second)
	return s.Day(local.Weekday()).contains(tod), nil
}

// Value stores the schedule as jsonb.
func (s Schedule) Value() (driver.Value, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *Schedule) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = FullUTC()
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("schedule: unsupported scan type %T", src)
	}
}

// GormDataType maps the column to jsonb on migration.
func (Schedule) GormDataType() string { return "jsonb" }

var locations sync.Map // map[string]*time.Location

func location(id string) (*time.Location, error) {
	if loc, ok := locations.Load(id); ok {
		return loc.(*time.Location), nil
	}
	loc, err := time.LoadLocation(id)
	if err != nil {
		return nil, err
	}
	locations.Store(id, loc)
	return loc, nil
}
