// Package icsfeed serializes the currently mapped events as an iCalendar
// feed, so anything that can subscribe to ICS can mirror the host calendar.
package icsfeed

import (
	"time"

	ical "github.com/arran4/golang-ical"

	"fmcalbridge/internal/model"
)

const productID = "-//fmcalbridge//calendar feed//EN"

// Build renders the event set as an ICS calendar. Event IDs double as
// iCalendar UIDs; they are host primary keys and therefore stable across
// refetches.
func Build(events []model.Event) string {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)

	now := time.Now().UTC()

	for _, ev := range events {
		ve := cal.AddEvent(ev.ID)
		ve.SetDtStampTime(now)
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}

		if ev.AllDay {
			ve.SetAllDayStartAt(ev.Start)
			end := ev.End
			if !end.After(ev.Start) {
				end = ev.Start.Add(24 * time.Hour)
			}
			ve.SetAllDayEndAt(end)
		} else {
			ve.SetStartAt(ev.Start)
			ve.SetEndAt(ev.End)
		}
	}

	return cal.Serialize()
}
