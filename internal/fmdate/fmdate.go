// Package fmdate converts between the host's locale-invariant date/time wire
// strings and time.Time values.
//
// The host speaks two different string formats, and the asymmetry is part of
// the contract:
//
//   - Inbound record data and find queries use US order, MM/DD/YYYY
//     (the host's data API emits and accepts this regardless of file locale).
//   - Outbound notification payloads use DD/MM/YYYY, which is what the
//     host-side scripts consuming drop/resize/selection events expect.
//
// Time-of-day is zero-padded 24-hour HH:mm:ss in both directions, with no
// fractional seconds and no zone offset.
package fmdate

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Decode parses an MM/DD/YYYY date plus an optional HH:mm:ss time into a
// single instant in loc. timeStr defaults to midnight when empty.
//
// ok is false when dateStr does not split into exactly three '/' components,
// when any component fails to parse as an integer, or when the components do
// not name a real calendar date (e.g. month 13 or day 40). Out-of-range
// components are not range-checked individually; they are rejected by
// re-validating the constructed instant.
func Decode(dateStr, timeStr string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	if strings.TrimSpace(dateStr) == "" {
		return time.Time{}, false
	}

	parts := strings.Split(dateStr, "/")
	if len(parts) != 3 {
		return time.Time{}, false
	}

	month, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	day, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	year, err3 := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err1 != nil || err2 != nil || err3 != nil {
		return time.Time{}, false
	}

	hour, minute, sec, ok := splitTime(timeStr)
	if !ok {
		return time.Time{}, false
	}

	t := time.Date(year, time.Month(month), day, hour, minute, sec, 0, loc)

	// time.Date normalizes out-of-range components (month 13 becomes January
	// of the next year); a normalized result means the input was invalid.
	if t.Year() != year || t.Month() != time.Month(month) || t.Day() != day {
		return time.Time{}, false
	}
	if month < 1 || day < 1 {
		return time.Time{}, false
	}
	return t, true
}

func splitTime(timeStr string) (hour, minute, sec int, ok bool) {
	if strings.TrimSpace(timeStr) == "" {
		return 0, 0, 0, true
	}
	parts := strings.Split(timeStr, ":")
	nums := [3]int{}
	for i := 0; i < 3; i++ {
		if i >= len(parts) || strings.TrimSpace(parts[i]) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(parts[i]))
		if err != nil {
			return 0, 0, 0, false
		}
		nums[i] = n
	}
	if nums[0] < 0 || nums[0] > 23 || nums[1] < 0 || nums[1] > 59 || nums[2] < 0 || nums[2] > 59 {
		return 0, 0, 0, false
	}
	return nums[0], nums[1], nums[2], true
}

// Encode formats an instant for outbound notification payloads:
// zero-padded DD/MM/YYYY plus 24-hour HH:mm:ss.
func Encode(t time.Time) (dateStr, timeStr string) {
	dateStr = fmt.Sprintf("%02d/%02d/%04d", t.Day(), int(t.Month()), t.Year())
	timeStr = t.Format("15:04:05")
	return dateStr, timeStr
}

// EncodeQuery formats an instant's date for find-query range operators:
// zero-padded MM/DD/YYYY, the host data API's required order.
func EncodeQuery(t time.Time) string {
	return fmt.Sprintf("%02d/%02d/%04d", int(t.Month()), t.Day(), t.Year())
}
