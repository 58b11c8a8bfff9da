package records

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"fmcalbridge/internal/bridge"
	"fmcalbridge/internal/fmdate"
	"fmcalbridge/internal/hostcfg"
	appLog "fmcalbridge/internal/log"
	"fmcalbridge/internal/model"
)

const (
	// FindScript is the host script performing the range find.
	FindScript = "FCCalendarFind"

	findLimit = 3000

	// rangeBufferDays widens the visible range on both sides so boundary
	// records are already present when the user scrolls.
	rangeBufferDays = 2

	// debounceDelay collapses rapid range-change bursts from view
	// navigation into one find.
	debounceDelay = 500 * time.Millisecond
)

// FindRequest is the Data section of an FCCalendarFind request.
type FindRequest struct {
	Layouts string              `json:"layouts"`
	Query   []map[string]string `json:"query"`
	Limit   int                 `json:"limit"`
}

// BuildFindRequest constructs the find for a visible range [start, end),
// widened by the 2-day buffer, with inclusive/exclusive bounds expressed in
// the host's ">=" / "<" range operator strings. Query keys use the
// configured (table-qualified) field references, which is what the host's
// find layer expects.
func BuildFindRequest(res *hostcfg.Resolver, start, end time.Time) FindRequest {
	bufStart := start.AddDate(0, 0, -rangeBufferDays)
	bufEnd := end.AddDate(0, 0, rangeBufferDays)

	startField := res.Field("EventStartDateField", defaultStartDateField)
	endField := res.Field("EventEndDateField", defaultEndDateField)

	layout := res.Field("EventDetailLayout", "EventDetail")
	if layout == "" {
		appLog.Error("no event detail layout configured", errors.New("empty layout name"))
	}

	return FindRequest{
		Layouts: layout,
		Query: []map[string]string{{
			startField: ">=" + fmdate.EncodeQuery(bufStart),
			endField:   "<" + fmdate.EncodeQuery(bufEnd),
		}},
		Limit: findLimit,
	}
}

// FetchRange performs one find round-trip and returns the raw host records.
// The host's "query matched nothing" outcome is a normal empty result, not
// an error.
func FetchRange(ctx context.Context, tr *bridge.Transport, res *hostcfg.Resolver, start, end time.Time) ([]model.HostRecord, error) {
	req := BuildFindRequest(res, start, end)

	payload, err := tr.Call(ctx, FindScript, req, nil)
	if err != nil {
		if bridge.IsNoMatch(err) {
			appLog.Info("find matched no records", "layout", req.Layouts)
			return []model.HostRecord{}, nil
		}
		return nil, err
	}

	recs := decodeRecords(payload)
	appLog.Info("find completed", "layout", req.Layouts, "record_count", len(recs))
	return recs, nil
}

// decodeRecords extracts the record list from a find payload. Host scripts
// differ on whether the data array sits under "response" or at top level.
func decodeRecords(payload bridge.Payload) []model.HostRecord {
	src := payload.Response()
	if src == nil {
		src = map[string]any(payload)
	}
	raw, ok := src["data"]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		appLog.Warn("unencodable data array in find payload", "err", err)
		return nil
	}
	var recs []model.HostRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		appLog.Warn("no valid data array in find payload", "err", err)
		return nil
	}
	return recs
}

// Fetcher debounces range fetches and owns the last-known-good event set.
//
// Every issued fetch carries a monotonic sequence number; a result is
// applied only if its number is still the latest issued, so a slow fetch
// superseded by a newer range cannot clobber fresher data. Failed fetches
// serve the previous known-good set instead of blanking the calendar.
type Fetcher struct {
	tr      *bridge.Transport
	res     *hostcfg.Resolver
	onApply func([]model.Event)

	debounce time.Duration

	mu         sync.Mutex
	timer      *time.Timer
	issued     uint64
	rangeStart time.Time
	rangeEnd   time.Time
	lastGood   []model.Event
}

// NewFetcher constructs a Fetcher. onApply receives every applied event set
// (fresh or fallback) and must tolerate being called from a timer goroutine.
func NewFetcher(tr *bridge.Transport, res *hostcfg.Resolver, onApply func([]model.Event)) *Fetcher {
	if onApply == nil {
		onApply = func([]model.Event) {}
	}
	return &Fetcher{
		tr:       tr,
		res:      res,
		onApply:  onApply,
		debounce: debounceDelay,
		lastGood: []model.Event{},
	}
}

// SetDebounce overrides the debounce window (tests use a short one).
func (f *Fetcher) SetDebounce(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debounce = d
}

// Events returns the last applied known-good event set.
func (f *Fetcher) Events() []model.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Event, len(f.lastGood))
	copy(out, f.lastGood)
	return out
}

// Request schedules a fetch for the visible range, collapsing with any
// still-pending request so only the last range within the debounce window
// is actually sent.
func (f *Fetcher) Request(start, end time.Time) {
	f.mu.Lock()
	f.rangeStart, f.rangeEnd = start, end
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.debounce, f.issue)
	f.mu.Unlock()
}

// Refresh re-issues the last requested range immediately, bypassing the
// debounce window. Used by the host's refresh hook and the periodic
// schedule; a no-op before the first Request.
func (f *Fetcher) Refresh() {
	f.mu.Lock()
	if f.rangeStart.IsZero() && f.rangeEnd.IsZero() {
		f.mu.Unlock()
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.mu.Unlock()
	f.issue()
}

func (f *Fetcher) issue() {
	f.mu.Lock()
	f.issued++
	seq := f.issued
	start, end := f.rangeStart, f.rangeEnd
	f.mu.Unlock()

	loc := f.res.Location()

	recs, err := FetchRange(context.Background(), f.tr, f.res, start, end)

	var events []model.Event
	if err == nil {
		events = MapAll(f.res, recs, loc)
	}

	f.mu.Lock()
	if seq != f.issued {
		// A newer fetch was issued while this one was in flight;
		// last-writer-wins at apply time.
		f.mu.Unlock()
		appLog.Debug("discarding superseded fetch result", "seq", seq)
		return
	}
	if err != nil {
		// Read-path failures degrade to the previous known-good set; the
		// calendar must never blank out over a transient host error.
		appLog.Error("range fetch failed, serving last known-good events", err,
			"event_count", len(f.lastGood))
		events = f.lastGood
	} else {
		f.lastGood = events
	}
	applied := make([]model.Event, len(events))
	copy(applied, events)
	f.mu.Unlock()

	f.onApply(applied)
}
