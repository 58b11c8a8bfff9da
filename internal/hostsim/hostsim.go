// Package hostsim is a scripted stand-in for the host's scripting channel.
// It implements bridge.Adapter, answering find requests from fixture
// records and acknowledging saves, so the whole bridge can run end to end
// without the desktop application. The development harness and the
// integration tests both drive it.
package hostsim

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"fmcalbridge/internal/fmdate"
	"fmcalbridge/internal/hostcfg"
	appLog "fmcalbridge/internal/log"
	"fmcalbridge/internal/model"
	"fmcalbridge/internal/notify"
	"fmcalbridge/internal/records"
)

// Quirks reproduce observed host misbehavior so the robustness paths stay
// exercised.
type Quirks struct {
	// OmitFetchID drops the correlation id from callback payloads, forcing
	// the transport onto its single-pending fallback.
	OmitFetchID bool

	// ResponseDelay postpones every callback, simulating slow host scripts.
	ResponseDelay time.Duration

	// Mute swallows find requests entirely, so callers run into the
	// transport timeout.
	Mute bool
}

// Host is an in-process fake host session.
type Host struct {
	quirks Quirks

	mu       sync.Mutex
	records  []model.HostRecord
	handler  func(string)
	saved    hostcfg.Config
	onReload func()

	// notifications received via the events script, newest last.
	notifications []Notification
}

// Notification is one fire-and-forget event the simulator received.
type Notification struct {
	EventType string
	Data      map[string]any
}

func New(recs []model.HostRecord, quirks Quirks) *Host {
	return &Host{records: recs, quirks: quirks}
}

// OnReload registers the page-reload hook the real host triggers after a
// config save.
func (h *Host) OnReload(fn func()) {
	h.mu.Lock()
	h.onReload = fn
	h.mu.Unlock()
}

// SavedConfig returns the configuration received via the save script.
func (h *Host) SavedConfig() hostcfg.Config {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.saved
}

// Notifications returns all received interaction notifications.
func (h *Host) Notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Notification, len(h.notifications))
	copy(out, h.notifications)
	return out
}

// OnMessage implements bridge.Adapter.
func (h *Host) OnMessage(fn func(string)) {
	h.mu.Lock()
	h.handler = fn
	h.mu.Unlock()
}

// Perform implements bridge.Adapter, dispatching on script name the way the
// host's script workspace would.
func (h *Host) Perform(script, param string) error {
	var env struct {
		Data json.RawMessage `json:"Data"`
		Meta map[string]any  `json:"Meta"`
	}
	if err := json.Unmarshal([]byte(param), &env); err != nil {
		return errors.New("hostsim: unparseable parameter: " + err.Error())
	}

	fetchID, _ := env.Meta["FetchId"].(string)

	switch script {
	case records.FindScript:
		if h.quirks.Mute {
			appLog.Debug("hostsim muted, dropping find", "fetch_id", fetchID)
			return nil
		}
		var req records.FindRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			h.deliver(fetchID, errorPayload(fetchID, "500", "bad find request"))
			return nil
		}
		h.deliver(fetchID, h.findPayload(fetchID, req))
		return nil

	case notify.EventsScript:
		h.recordNotification(env.Data, env.Meta)
		return nil

	case notify.SaveConfigScript:
		h.saveConfig(env.Data)
		return nil

	default:
		return errors.New("hostsim: unknown script " + script)
	}
}

func (h *Host) recordNotification(data json.RawMessage, meta map[string]any) {
	var payload map[string]any
	_ = json.Unmarshal(data, &payload)
	eventType, _ := meta["EventType"].(string)

	h.mu.Lock()
	h.notifications = append(h.notifications, Notification{EventType: eventType, Data: payload})
	h.mu.Unlock()

	appLog.Info("hostsim received notification", "event_type", eventType)
}

func (h *Host) saveConfig(data json.RawMessage) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		appLog.Warn("hostsim: unparseable save-config payload", "err", err)
		return
	}

	cfg := hostcfg.Config{}
	for key, val := range raw {
		if key == "AddonUUID" {
			continue
		}
		var s hostcfg.Setting
		if err := json.Unmarshal(val, &s); err == nil {
			cfg[key] = s
		}
	}

	h.mu.Lock()
	h.saved = cfg
	reload := h.onReload
	h.mu.Unlock()

	appLog.Info("hostsim persisted configuration", "keys", len(cfg))
	if reload != nil {
		reload()
	}
}

// findPayload runs the find against the fixture records. Query conditions
// are the host's ">=<date>" / "<<date>" string operators on date fields.
func (h *Host) findPayload(fetchID string, req records.FindRequest) map[string]any {
	h.mu.Lock()
	recs := h.records
	h.mu.Unlock()

	matched := make([]model.HostRecord, 0, len(recs))
	for _, rec := range recs {
		if matchesQuery(rec, req.Query) {
			matched = append(matched, rec)
		}
		if req.Limit > 0 && len(matched) >= req.Limit {
			break
		}
	}

	if len(matched) == 0 {
		return errorPayload(fetchID, "401", "No records match the request")
	}

	return map[string]any{
		"Meta":     map[string]any{"FetchId": fetchID},
		"messages": []any{map[string]any{"code": "0", "message": "OK"}},
		"response": map[string]any{
			"dataInfo": map[string]any{"foundCount": len(matched), "returnedCount": len(matched)},
			"data":     matched,
		},
	}
}

func matchesQuery(rec model.HostRecord, query []map[string]string) bool {
	if len(query) == 0 {
		return true
	}
	// Host semantics: entries in one query map AND together; multiple maps
	// OR. The bridge only ever sends a single map.
	for _, conditions := range query {
		all := true
		for field, cond := range conditions {
			if !matchesCondition(rec, field, cond) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func matchesCondition(rec model.HostRecord, field, cond string) bool {
	// Queries use table-qualified references; record data is keyed bare.
	if _, after, found := strings.Cut(field, "::"); found && after != "" {
		field = after
	}
	raw, ok := rec.Field(field)
	if !ok {
		return false
	}
	val, ok := fmdate.Decode(raw, "", time.Local)
	if !ok {
		return false
	}

	switch {
	case strings.HasPrefix(cond, ">="):
		bound, ok := fmdate.Decode(strings.TrimPrefix(cond, ">="), "", time.Local)
		return ok && !val.Before(bound)
	case strings.HasPrefix(cond, "<"):
		bound, ok := fmdate.Decode(strings.TrimPrefix(cond, "<"), "", time.Local)
		return ok && val.Before(bound)
	default:
		return raw == cond
	}
}

func errorPayload(fetchID, code, message string) map[string]any {
	return map[string]any{
		"Meta":     map[string]any{"FetchId": fetchID},
		"messages": []any{map[string]any{"code": code, "message": message}},
		"response": map[string]any{},
	}
}

// deliver sends one callback payload through the registered handler,
// asynchronously like the real host, applying the configured quirks.
func (h *Host) deliver(fetchID string, payload map[string]any) {
	h.mu.Lock()
	handler := h.handler
	h.mu.Unlock()
	if handler == nil {
		appLog.Warn("hostsim has no callback handler, dropping response", "fetch_id", fetchID)
		return
	}

	if h.quirks.OmitFetchID {
		delete(payload, "Meta")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		appLog.Error("hostsim: encode callback payload", err)
		return
	}

	go func() {
		if h.quirks.ResponseDelay > 0 {
			time.Sleep(h.quirks.ResponseDelay)
		}
		handler(string(data))
	}()
}
