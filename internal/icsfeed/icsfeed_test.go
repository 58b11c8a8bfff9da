package icsfeed

import (
	"strings"
	"testing"
	"time"

	"fmcalbridge/internal/model"
)

func TestBuild(t *testing.T) {
	events := []model.Event{
		{
			ID:          "101",
			Title:       "Site visit",
			Description: "bring keys",
			Start:       time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC),
			End:         time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		},
		{
			ID:     "102",
			Title:  "Inventory day",
			AllDay: true,
			Start:  time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC),
			End:    time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC),
		},
	}

	ics := Build(events)

	for _, want := range []string{
		"BEGIN:VCALENDAR",
		"END:VCALENDAR",
		"METHOD:PUBLISH",
		"UID:101",
		"SUMMARY:Site visit",
		"DESCRIPTION:bring keys",
		"UID:102",
		"SUMMARY:Inventory day",
	} {
		if !strings.Contains(ics, want) {
			t.Errorf("feed missing %q:\n%s", want, ics)
		}
	}

	if strings.Count(ics, "BEGIN:VEVENT") != 2 {
		t.Fatalf("wrong event count:\n%s", ics)
	}
}

func TestBuildAllDayDegenerateEnd(t *testing.T) {
	// An all-day event whose end does not follow its start still needs a
	// spanning DTEND; one day is synthesized.
	start := time.Date(2025, 1, 16, 0, 0, 0, 0, time.UTC)
	ics := Build([]model.Event{{ID: "1", Title: "x", AllDay: true, Start: start, End: start}})

	if !strings.Contains(ics, "DTSTART;VALUE=DATE:20250116") {
		t.Fatalf("all-day start missing:\n%s", ics)
	}
	if !strings.Contains(ics, "DTEND;VALUE=DATE:20250117") {
		t.Fatalf("synthesized all-day end missing:\n%s", ics)
	}
}

func TestBuildEmpty(t *testing.T) {
	ics := Build(nil)
	if !strings.Contains(ics, "BEGIN:VCALENDAR") {
		t.Fatalf("empty feed is not a calendar:\n%s", ics)
	}
	if strings.Contains(ics, "BEGIN:VEVENT") {
		t.Fatalf("empty feed contains events:\n%s", ics)
	}
}
