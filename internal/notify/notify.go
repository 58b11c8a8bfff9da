// Package notify emits fire-and-forget user-interaction events to the host:
// clicks, drops, resizes, time-range selections, and view changes. Nothing
// here awaits a callback; failures are logged and the user re-attempts the
// interaction.
package notify

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fmcalbridge/internal/bridge"
	"fmcalbridge/internal/fmdate"
	"fmcalbridge/internal/hostcfg"
	appLog "fmcalbridge/internal/log"
	"fmcalbridge/internal/model"
)

const (
	// EventsScript receives all interaction notifications; the event kind
	// travels in Meta.EventType.
	EventsScript = "FCCalendarEvents"

	// SaveConfigScript persists edited configuration. The host answers by
	// invoking the config-change callback and then reloading the page.
	SaveConfigScript = "FCCalendarSaveConfig"

	configCallback = "fmwConfigChangeCallback"
)

// Meta.EventType values.
const (
	TypeEventClick       = "EventClick"
	TypeEventDropped     = "EventDropped"
	TypeEventResized     = "EventResized"
	TypeNewEventSelected = "NewEventFromSelected"
	TypeViewStateChanged = "ViewStateChanged"
	TypeSaveConfig       = "SaveConfig"
)

// viewChangeCooldown suppresses view-change notifications re-fired shortly
// after the previous one. The host persists each as a "current view" write,
// so redundant sends are wasted round-trips.
const viewChangeCooldown = 500 * time.Millisecond

// newEventDuration is the fixed length of an event created from a dragged
// selection.
const newEventDuration = 60 * time.Minute

// Dispatcher builds and sends notification envelopes for one session.
type Dispatcher struct {
	adapter   bridge.Adapter
	addonUUID string
	res       *hostcfg.Resolver

	now func() time.Time

	mu         sync.Mutex
	lastViewAt time.Time
	lastView   string
}

func New(adapter bridge.Adapter, addonUUID string, res *hostcfg.Resolver) *Dispatcher {
	return &Dispatcher{
		adapter:   adapter,
		addonUUID: addonUUID,
		res:       res,
		now:       time.Now,
	}
}

// send serializes one {Data, Meta} envelope and hands it to the host
// dispatch primitive. Outer quoting the host's marshalling may have
// introduced is stripped before sending so the host script parses clean
// JSON. Errors are absorbed: the notification is simply not confirmed.
func (d *Dispatcher) send(script, eventType, callback string, data any) {
	env := bridge.Envelope{
		Data: data,
		Meta: map[string]any{
			"EventType": eventType,
			"AddonUUID": d.addonUUID,
			"FetchId":   uuid.NewString(),
			"Callback":  callback,
			"Config":    d.res.Config(),
		},
	}

	param, err := json.Marshal(env)
	if err != nil {
		appLog.Error("failed to encode notification", err, "event_type", eventType)
		return
	}

	cleaned := hostcfg.StripQuoted(string(param))

	if err := d.adapter.Perform(script, cleaned); err != nil {
		appLog.Warn("notification not delivered",
			"event_type", eventType, "script", script, "err", err)
	}
}

// EventClick notifies the host that an event was clicked, carrying what its
// detail script needs to open the record.
func (d *Dispatcher) EventClick(ev model.Event) {
	editable := 0
	if ev.Editable {
		editable = 1
	}
	d.send(EventsScript, TypeEventClick, bridge.CallbackName, map[string]any{
		"id":                 ev.ID,
		"eventDisplayLayout": d.res.Field("EventDetailLayout", "Visit Event Display"),
		"idFieldName":        d.res.Field("EventPrimaryKeyField", defaultIDRef),
		"editable":           editable,
	})
}

// EventDropped notifies the host of a drag-move. hasEnd distinguishes a
// widget event without an explicit end; the host script expects null end
// strings in that case, not a synthesized end.
func (d *Dispatcher) EventDropped(ev model.Event, hasEnd bool) {
	if ev.ID == "" {
		appLog.Warn("drop notification without event id, ignoring")
		return
	}

	data := d.editPayload(ev.ID)
	startDate, startTime := fmdate.Encode(ev.Start)
	data["newStartDate"] = startDate
	data["newStartTime"] = startTime
	if hasEnd {
		endDate, endTime := fmdate.Encode(ev.End)
		data["newEndDate"] = endDate
		data["newEndTime"] = endTime
	} else {
		data["newEndDate"] = nil
		data["newEndTime"] = nil
	}

	d.send(EventsScript, TypeEventDropped, bridge.CallbackName, data)
}

// EventResized notifies the host of a duration change.
func (d *Dispatcher) EventResized(ev model.Event) {
	if ev.ID == "" || ev.End.IsZero() {
		appLog.Warn("resize notification missing id or end, ignoring", "id", ev.ID)
		return
	}

	data := d.editPayload(ev.ID)
	startDate, startTime := fmdate.Encode(ev.Start)
	endDate, endTime := fmdate.Encode(ev.End)
	data["newStartDate"] = startDate
	data["newStartTime"] = startTime
	data["newEndDate"] = endDate
	data["newEndTime"] = endTime

	d.send(EventsScript, TypeEventResized, bridge.CallbackName, data)
}

// NewEventFromSelection notifies the host that the user dragged out a time
// range to create an event. The selection start snaps forward to the end of
// the latest rendered event that finishes inside the selected range on the
// same day, so back-to-back creation does not overlap; the new event is
// always 60 minutes long. Returns the snapped start for the caller's UI.
func (d *Dispatcher) NewEventFromSelection(selStart, selEnd time.Time, rendered []model.Event) time.Time {
	adjustedStart := selStart

	var latestEnd time.Time
	for _, ev := range rendered {
		if ev.AllDay {
			continue
		}
		if !sameDay(ev.Start, selStart) {
			continue
		}
		if !ev.End.After(selStart) || !ev.End.Before(selEnd) {
			continue
		}
		if ev.End.After(latestEnd) {
			latestEnd = ev.End
		}
	}
	if !latestEnd.IsZero() {
		adjustedStart = latestEnd
	}
	adjustedEnd := adjustedStart.Add(newEventDuration)

	startDate, startTime := fmdate.Encode(adjustedStart)
	endDate, endTime := fmdate.Encode(adjustedEnd)

	data := map[string]any{
		"StartDateStr": startDate,
		"StartTimeStr": startTime,
		"EndDateStr":   endDate,
		"EndTimeStr":   endTime,

		"startDateFieldName": d.res.Field("EventStartDateField", defaultStartDateRef),
		"startTimeFieldName": d.res.Field("EventStartTimeField", defaultStartTimeRef),
		"endDateFieldName":   d.res.Field("EventEndDateField", defaultEndDateRef),
		"endTimeFieldName":   d.res.Field("EventEndTimeField", defaultEndTimeRef),

		"eventDisplayLayout": d.res.Field("EventDetailLayout", "Visit Event Display"),
		"idFieldName":        d.res.Field("EventPrimaryKeyField", defaultIDRef),
		"editable":           1,
	}

	d.send(EventsScript, TypeNewEventSelected, bridge.CallbackName, data)
	return adjustedStart
}

// ViewStateChanged persists the widget's current view on the host. Sends
// are suppressed inside the cooldown window and whenever the computed state
// is identical to the last one sent.
func (d *Dispatcher) ViewStateChanged(v model.ViewState) {
	mid := v.ActiveStart.Add(v.ActiveEnd.Sub(v.ActiveStart) / 2)

	key := fmt.Sprintf("%s|%s|%s|%s|%s|%s",
		v.Type, v.Title,
		isoString(v.CurrentStart), isoString(v.CurrentEnd),
		isoString(v.ActiveStart), isoString(v.ActiveEnd))

	now := d.now()

	d.mu.Lock()
	if key == d.lastView {
		d.mu.Unlock()
		appLog.Debug("view state unchanged, suppressing notification", "type", v.Type)
		return
	}
	if !d.lastViewAt.IsZero() && now.Sub(d.lastViewAt) < viewChangeCooldown {
		d.mu.Unlock()
		appLog.Debug("view change inside cooldown, suppressing notification", "type", v.Type)
		return
	}
	d.lastView = key
	d.lastViewAt = now
	d.mu.Unlock()

	d.send(EventsScript, TypeViewStateChanged, bridge.CallbackName, map[string]any{
		"type":         v.Type,
		"title":        v.Title,
		"currentStart": isoString(v.CurrentStart),
		"currentEnd":   isoString(v.CurrentEnd),
		"activeStart":  isoString(v.ActiveStart),
		"activeEnd":    isoString(v.ActiveEnd),
		"calendarDate": isoString(mid),
		"currentDate":  isoString(now),
	})
}

// SaveConfig sends edited configuration for persistence. The host responds
// through the config-change callback and then reloads the page, which is
// what resets all session state. Every entry is normalized to the tagged
// {type, value} shape and the mandatory field mappings are marked required.
func (d *Dispatcher) SaveConfig(cfg hostcfg.Config) {
	data := map[string]any{"AddonUUID": d.addonUUID}

	merged := hostcfg.Config{}
	for k, v := range cfg {
		if v.Kind == "" {
			v.Kind = settingKind(k)
		}
		merged[k] = v
	}

	// The host's config store expects these entries to exist even when the
	// editor leaves them untouched; omitting them loses style/description
	// mapping on reload.
	if _, ok := merged["EventStyleField"]; !ok {
		merged["EventStyleField"] = hostcfg.Setting{Kind: "select"}
	}
	if _, ok := merged["EventDescriptionField"]; !ok {
		merged["EventDescriptionField"] = hostcfg.Setting{Kind: "select"}
	}

	for _, key := range requiredConfigKeys {
		if s, ok := merged[key]; ok {
			s.Required = true
			merged[key] = s
		}
	}
	if s, ok := merged["EventDetailLayout"]; ok {
		s.ReScanOnChange = true
		merged["EventDetailLayout"] = s
	}

	for k, v := range merged {
		data[k] = v
	}

	d.send(SaveConfigScript, TypeSaveConfig, configCallback, data)
}

// requiredConfigKeys are the field mappings the host refuses to save
// without.
var requiredConfigKeys = []string{
	"EventDetailLayout",
	"EventEndDateField",
	"EventEndTimeField",
	"EventPrimaryKeyField",
	"EventStartDateField",
	"EventStartTimeField",
	"EventTitleField",
}

// selectKinds are the settings edited as dropdowns; everything else is text.
var selectKinds = map[string]bool{
	"StartingView":       true,
	"StartOnDay":         true,
	"DefaultEventStyle":  true,
	"EventAllDayField":   true,
	"EventEditableField": true,
}

func settingKind(key string) string {
	if selectKinds[key] {
		return "select"
	}
	return "text"
}

// editPayload carries the field-name mapping a host edit script needs to
// locate the record and Set the right fields.
func (d *Dispatcher) editPayload(id string) map[string]any {
	return map[string]any{
		"id":                 id,
		"idFieldName":        d.res.Field("EventPrimaryKeyField", defaultIDRef),
		"startDateFieldName": d.res.Field("EventStartDateField", defaultStartDateRef),
		"startTimeFieldName": d.res.Field("EventStartTimeField", defaultStartTimeRef),
		"endDateFieldName":   d.res.Field("EventEndDateField", defaultEndDateRef),
		"endTimeFieldName":   d.res.Field("EventEndTimeField", defaultEndTimeRef),
		"eventDisplayLayout": d.res.Field("EventDetailLayout", "Visit Event Display"),
	}
}

const (
	defaultIDRef        = "Id"
	defaultStartDateRef = "StartDate"
	defaultStartTimeRef = "StartTime"
	defaultEndDateRef   = "EndDate"
	defaultEndTimeRef   = "EndTime"
)

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func isoString(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
