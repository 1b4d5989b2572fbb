// Package businesshours decides whether a tenant is open at a given instant.
package businesshours

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"gorm.io/datatypes"

	"gitlab.com/timkado/api/livechat-router/internal/apperrors"
	"gitlab.com/timkado/api/livechat-router/internal/model"
)

const minutesPerDay = 24 * 60

// Result is the outcome of an evaluation. OfflineMessage is only set when closed.
type Result struct {
	IsOpen         bool
	OfflineMessage string
}

var locations sync.Map // timezone name -> *time.Location

// Evaluate reports whether the schedule is open at the given instant. A nil or disabled
// schedule is always open. A weekday that is missing, marked closed or malformed is
// closed.
func Evaluate(hours *model.BusinessHours, at time.Time) Result {
	if hours == nil || !hours.Enabled {
		return Result{IsOpen: true}
	}
	closed := Result{OfflineMessage: hours.OfflineMessage}

	local := at.In(location(hours.Timezone))
	window, ok := hours.Week.Data()[weekdayKey(local.Weekday())]
	if !ok || !window.Open {
		return closed
	}

	start, err := parseClock(window.Start)
	if err != nil {
		return closed
	}
	end, err := parseClock(window.End)
	if err != nil {
		return closed
	}
	if end == 0 {
		end = minutesPerDay
	}
	now := local.Hour()*60 + local.Minute()

	var open bool
	if end < start {
		open = now >= start || now < end
	} else {
		open = now >= start && now < end
	}
	if !open {
		return closed
	}
	return Result{IsOpen: true}
}

// Validate checks that the timezone resolves and every window uses HH:MM bounds.
func Validate(hours *model.BusinessHours) error {
	if _, err := time.LoadLocation(hours.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", apperrors.ErrValidation, hours.Timezone)
	}
	for day, window := range hours.Week.Data() {
		if !isWeekdayKey(day) {
			return fmt.Errorf("%w: unknown weekday %q", apperrors.ErrValidation, day)
		}
		if _, err := parseClock(window.Start); err != nil {
			return fmt.Errorf("%w: %s start: %w", apperrors.ErrValidation, day, err)
		}
		if _, err := parseClock(window.End); err != nil {
			return fmt.Errorf("%w: %s end: %w", apperrors.ErrValidation, day, err)
		}
	}
	return nil
}

// Default returns the schedule given to tenants that never configured one: disabled,
// Monday to Friday 09:00-18:00 in Europe/Kyiv.
func Default(tenantID string) model.BusinessHours {
	weekday := model.DayWindow{Start: "09:00", End: "18:00", Open: true}
	weekend := model.DayWindow{Start: "10:00", End: "15:00", Open: false}
	return model.BusinessHours{
		TenantID:       tenantID,
		Timezone:       "Europe/Kyiv",
		Enabled:        false,
		OfflineMessage: "Thanks for reaching out! We are offline right now.",
		Week: datatypes.NewJSONType(model.WeekSchedule{
			"monday":    weekday,
			"tuesday":   weekday,
			"wednesday": weekday,
			"thursday":  weekday,
			"friday":    weekday,
			"saturday":  weekend,
			"sunday":    weekend,
		}),
	}
}

// location resolves a timezone once and caches it. Unknown names fall back to UTC.
func location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	if loc, ok := locations.Load(name); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		loc = time.UTC
	}
	locations.Store(name, loc)
	return loc
}

func weekdayKey(d time.Weekday) string {
	return strings.ToLower(d.String())
}

func isWeekdayKey(key string) bool {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if weekdayKey(d) == key {
			return true
		}
	}
	return false
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if hour == 24 && minute != 0 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return hour*60 + minute, nil
}
