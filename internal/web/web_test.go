package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fmcalbridge/internal/calendar"
	"fmcalbridge/internal/hostsim"
	"fmcalbridge/internal/model"
)

const testProps = `{
	"AddonUUID": "web-1",
	"Config": {
		"EventPrimaryKeyField": {"type": "text", "value": "Visits::Id"},
		"EventTitleField":      {"type": "text", "value": "Visits::Title"},
		"EventStartDateField":  {"type": "text", "value": "Visits::StartDate"},
		"EventStartTimeField":  {"type": "text", "value": "Visits::StartTime"},
		"EventEndDateField":    {"type": "text", "value": "Visits::EndDate"},
		"EventEndTimeField":    {"type": "text", "value": "Visits::EndTime"},
		"EventDetailLayout":    {"type": "text", "value": "EventDetail"},
		"StartingView":         {"type": "select", "value": "Week"},
		"StartOnDay":           {"type": "select", "value": "Monday"}
	}
}`

func testServer(t *testing.T) (*Server, *calendar.Session) {
	t.Helper()
	sim := hostsim.New([]model.HostRecord{
		{FieldData: map[string]any{
			"Id": "1", "Title": "Visit",
			"StartDate": "01/12/2025", "StartTime": "09:00:00",
			"EndDate": "01/12/2025", "EndTime": "10:00:00",
		}},
	}, hostsim.Quirks{})

	applied := make(chan struct{}, 1)
	sess := calendar.New(sim, testProps, calendar.Options{
		OnEvents: func([]model.Event) { applied <- struct{}{} },
	})
	sess.Fetcher.SetDebounce(time.Millisecond)
	sess.RequestRange(
		time.Date(2025, 1, 10, 0, 0, 0, 0, time.Local),
		time.Date(2025, 1, 17, 0, 0, 0, 0, time.Local))

	select {
	case <-applied:
	case <-time.After(3 * time.Second):
		t.Fatal("fetch never applied")
	}
	return NewServer(sess), sess
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s, "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestEventsEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s, "/api/events")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Events      []model.Event `json:"events"`
		Count       int           `json:"count"`
		FirstDay    int           `json:"first_day"`
		InitialView string        `json:"initial_view"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if resp.Count != 1 || len(resp.Events) != 1 {
		t.Fatalf("count = %d, events = %d", resp.Count, len(resp.Events))
	}
	if resp.Events[0].Title != "Visit" {
		t.Fatalf("event = %+v", resp.Events[0])
	}
	if resp.FirstDay != 1 {
		t.Fatalf("first day = %d", resp.FirstDay)
	}
	if resp.InitialView != "timeGridWeek" {
		t.Fatalf("initial view = %q", resp.InitialView)
	}
}

func TestSessionEndpoint(t *testing.T) {
	s, sess := testServer(t)
	rec := get(t, s, "/api/session")

	var resp struct {
		AddonUUID string `json:"addon_uuid"`
		Pending   int    `json:"pending_requests"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if resp.AddonUUID != sess.UUID {
		t.Fatalf("uuid = %q, want %q", resp.AddonUUID, sess.UUID)
	}
	if resp.Pending != 0 {
		t.Fatalf("pending = %d", resp.Pending)
	}
}

func TestICSEndpoint(t *testing.T) {
	s, _ := testServer(t)
	rec := get(t, s, "/calendar.ics")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		t.Fatalf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "SUMMARY:Visit") {
		t.Fatalf("feed missing event:\n%s", rec.Body.String())
	}
}
