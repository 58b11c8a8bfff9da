// Package records translates host find results into calendar events and
// issues the range fetches that produce them.
package records

import (
	"strings"
	"time"

	"fmcalbridge/internal/fmdate"
	"fmcalbridge/internal/hostcfg"
	appLog "fmcalbridge/internal/log"
	"fmcalbridge/internal/model"
)

// Logical-to-default field names. The defaults apply when the session
// configuration omits a mapping entirely.
const (
	defaultIDField          = "Id"
	defaultTitleField       = "Title"
	defaultStartDateField   = "StartDate"
	defaultStartTimeField   = "StartTime"
	defaultEndDateField     = "EndDate"
	defaultEndTimeField     = "EndTime"
	defaultAllDayField      = "AllDay"
	defaultEditableField    = "Editable"
	defaultDescriptionField = "Description"
	defaultStyleField       = "Style"
)

// MapRecordToEvent converts one host record into a calendar event using the
// session's field mapping. ok is false when the record must be dropped: a
// missing/empty id or an unparseable start would corrupt round-trip edits if
// defaulted, so such records never reach the widget.
func MapRecordToEvent(res *hostcfg.Resolver, rec model.HostRecord, loc *time.Location) (model.Event, bool) {
	idField := res.ResolveFieldName("EventPrimaryKeyField")
	if idField == "EventPrimaryKeyField" {
		idField = defaultIDField
	}

	id, _ := rec.Field(idField)
	if strings.TrimSpace(id) == "" {
		appLog.Warn("dropping record without id", "id_field", idField)
		return model.Event{}, false
	}

	title, _ := rec.Field(fieldName(res, "EventTitleField", defaultTitleField))
	if title == "" {
		title = "Untitled"
	}

	startDate, _ := rec.Field(fieldName(res, "EventStartDateField", defaultStartDateField))
	rawStartTime, _ := rec.Field(fieldName(res, "EventStartTimeField", defaultStartTimeField))
	endDate, _ := rec.Field(fieldName(res, "EventEndDateField", defaultEndDateField))
	rawEndTime, _ := rec.Field(fieldName(res, "EventEndTimeField", defaultEndTimeField))

	startTime := rawStartTime
	if strings.TrimSpace(startTime) == "" {
		startTime = "00:00:00"
	}
	endTime := rawEndTime
	if strings.TrimSpace(endTime) == "" {
		endTime = "00:00:00"
	}

	start, ok := fmdate.Decode(startDate, startTime, loc)
	if !ok {
		appLog.Warn("dropping record with unparseable start",
			"record_id", id, "start_date", startDate, "start_time", startTime)
		return model.Event{}, false
	}

	// A missing or unparseable end is not an error; the widget needs a
	// renderable duration, so synthesize one hour.
	end, endOK := fmdate.Decode(endDate, endTime, loc)
	if !endOK {
		end = start.Add(time.Hour)
	}

	// All-day when the configured flag field says so, or when both raw time
	// strings are blank. Either signal alone is sufficient.
	allDayVal, _ := rec.Field(fieldName(res, "EventAllDayField", defaultAllDayField))
	allDay := allDayVal == "1" ||
		(strings.TrimSpace(rawStartTime) == "" && strings.TrimSpace(rawEndTime) == "")

	editable := true
	if v, ok := rec.Field(fieldName(res, "EventEditableField", defaultEditableField)); ok {
		editable = v == "1"
	}

	description, _ := rec.Field(fieldName(res, "EventDescriptionField", defaultDescriptionField))
	style, _ := rec.Field(fieldName(res, "EventStyleField", defaultStyleField))

	return model.Event{
		ID:          id,
		Title:       title,
		Start:       start,
		End:         end,
		AllDay:      allDay,
		Editable:    editable,
		Description: description,
		StyleClass:  "fc-event-" + styleSlug(style),
	}, true
}

// MapAll converts a batch, dropping unmappable records with a warning.
// A bad record is never fatal to the batch.
func MapAll(res *hostcfg.Resolver, recs []model.HostRecord, loc *time.Location) []model.Event {
	events := make([]model.Event, 0, len(recs))
	for i, rec := range recs {
		ev, ok := MapRecordToEvent(res, rec, loc)
		if !ok {
			appLog.Warn("record mapping failed", "index", i)
			continue
		}
		events = append(events, ev)
	}
	return events
}

func fieldName(res *hostcfg.Resolver, key, def string) string {
	name := res.ResolveFieldName(key)
	if name == key {
		return def
	}
	return name
}

// styleSlug lowers the configured style value and collapses whitespace runs
// into hyphens, forming a CSS-class-like token. An absent value yields the
// literal "-" slug so the class is always present.
func styleSlug(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "-"
	}
	return strings.Join(strings.Fields(strings.ToLower(raw)), "-")
}
