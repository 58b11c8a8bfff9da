// Package bridge implements the request/response correlation protocol over
// the host's one-way scripting channel.
//
// The host offers no return values and no multiplexing: a script is invoked
// with a string parameter, and some time later the host calls one fixed
// global callback with a JSON string. Correlation is by FetchId, carried in
// the request Meta and (usually) echoed back in the callback payload.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fmcalbridge/internal/hostcfg"
	appLog "fmcalbridge/internal/log"
)

// CallbackName is the fixed global callback the host invokes with every
// asynchronous response, regardless of originating request.
const CallbackName = "Fmw_Callback"

// DefaultTimeout bounds one round-trip. Finds against large layouts are the
// slowest observed caller; 30s matches the host scripts' own limits.
const DefaultTimeout = 30 * time.Second

// Adapter is the narrow surface of the host channel. In the real embedding
// it wraps the web-viewer script primitive and the fixed global callback;
// tests and the development harness supply their own implementations.
type Adapter interface {
	// Perform invokes a named host script with a string parameter.
	// Fire-and-forget: there is no return value and no error signal from
	// the host itself. An error here means the primitive is unavailable.
	Perform(script, param string) error

	// OnMessage registers the handler invoked with each raw callback
	// payload. The transport installs exactly one handler at construction.
	OnMessage(handler func(payload string))
}

var (
	// ErrUnavailable reports that the host dispatch primitive is missing,
	// i.e. the page is not running inside the host. No retry, no queueing.
	ErrUnavailable = errors.New("host dispatch unavailable")

	// ErrTimeout reports that no callback arrived before the deadline.
	ErrTimeout = errors.New("timed out waiting for host callback")
)

// Message is one entry of a callback payload's message list.
type Message struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// successCodes are the message codes that do not reject a round-trip.
var successCodes = map[string]bool{"0": true, "OK": true}

// noMatchCode is the host's "query matched nothing" code. It rejects the
// round-trip like any other non-success code; read-path callers translate
// it into a valid empty result.
const noMatchCode = "401"

// HostError reports non-success message codes in a callback payload.
type HostError struct {
	Script   string
	Messages []Message
}

func (e *HostError) Error() string {
	return fmt.Sprintf("host error from %s: %s", e.Script, summarize(e.Messages))
}

// HasCode reports whether any message carries the given code.
func (e *HostError) HasCode(code string) bool {
	for _, m := range e.Messages {
		if m.Code == code {
			return true
		}
	}
	return false
}

// IsNoMatch reports whether err is the host's "no records match the
// request" outcome, which read paths treat as an empty result.
func IsNoMatch(err error) bool {
	var he *HostError
	return errors.As(err, &he) && he.HasCode(noMatchCode)
}

// ParseError reports a malformed callback payload.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return "malformed host callback: " + e.Err.Error() }
func (e *ParseError) Unwrap() error { return e.Err }

func summarize(msgs []Message) string {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Sprint(msgs)
	}
	return string(data)
}

// Envelope is the wire shape of every outbound parameter.
type Envelope struct {
	Data any            `json:"Data"`
	Meta map[string]any `json:"Meta"`
}

// Payload is a parsed callback payload. The host scripts are inconsistent
// about shape, so it stays a loose map with typed accessors.
type Payload map[string]any

// Messages extracts the payload's message list, tolerating numeric codes.
func (p Payload) Messages() []Message {
	raw, ok := p["messages"].([]any)
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, Message{
			Code:    scalarString(m["code"]),
			Message: scalarString(m["message"]),
		})
	}
	return out
}

// Response returns the payload's nested response object, or nil.
func (p Payload) Response() map[string]any {
	resp, _ := p["response"].(map[string]any)
	return resp
}

func scalarString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		n := int64(s)
		if float64(n) == s {
			return fmt.Sprintf("%d", n)
		}
		return fmt.Sprint(s)
	default:
		return fmt.Sprint(v)
	}
}

type outcome struct {
	payload Payload
	err     error
}

// pendingRequest is one in-flight round-trip awaiting its callback.
type pendingRequest struct {
	fetchID   string
	script    string
	createdAt time.Time
	timer     *time.Timer
	done      chan outcome // buffered; settled exactly once
}

// Options configures a Transport.
type Options struct {
	// AddonUUID identifies this embedded instance in every request Meta.
	AddonUUID string
	// Config is echoed in every request Meta so host scripts can read the
	// session's field mapping without a separate lookup.
	Config hostcfg.Config
	// Timeout per round-trip; DefaultTimeout when zero.
	Timeout time.Duration
}

// Transport owns the pending-request table for one embedded session and
// settles each request exactly once: with its payload, a host error, or a
// timeout. Late and duplicate callbacks are logged and discarded.
type Transport struct {
	adapter   Adapter
	addonUUID string
	config    hostcfg.Config
	timeout   time.Duration

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// New constructs a Transport over the given adapter and installs its
// callback handler.
func New(adapter Adapter, opts Options) *Transport {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	t := &Transport{
		adapter:   adapter,
		addonUUID: opts.AddonUUID,
		config:    opts.Config,
		timeout:   opts.Timeout,
		pending:   make(map[string]*pendingRequest),
	}
	adapter.OnMessage(t.handleCallback)
	return t
}

// AddonUUID returns the session identity sent with every request.
func (t *Transport) AddonUUID() string { return t.addonUUID }

// PendingCount reports the number of in-flight requests.
func (t *Transport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Call sends one correlated request and waits for its callback, the
// timeout, or ctx cancellation, whichever comes first. Multiple calls may
// be outstanding concurrently; callbacks are matched by FetchId, not
// arrival order.
func (t *Transport) Call(ctx context.Context, script string, data any, metaOverrides map[string]any) (Payload, error) {
	fetchID := uuid.NewString()

	meta := map[string]any{
		"AddonUUID": t.addonUUID,
		"FetchId":   fetchID,
		"Callback":  CallbackName,
		"Config":    t.config,
	}
	for k, v := range metaOverrides {
		meta[k] = v
	}

	param, err := json.Marshal(Envelope{Data: data, Meta: meta})
	if err != nil {
		return nil, fmt.Errorf("bridge: encode %s request: %w", script, err)
	}

	req := &pendingRequest{
		fetchID:   fetchID,
		script:    script,
		createdAt: time.Now(),
		done:      make(chan outcome, 1),
	}

	// Timer assignment and map insertion happen under the same lock: the
	// moment the entry is visible, a callback may grab it and stop the timer.
	t.mu.Lock()
	req.timer = time.AfterFunc(t.timeout, func() { t.expire(fetchID) })
	t.pending[fetchID] = req
	t.mu.Unlock()

	if err := t.adapter.Perform(script, string(param)); err != nil {
		t.remove(fetchID)
		return nil, fmt.Errorf("bridge: %s: %w: %v", script, ErrUnavailable, err)
	}

	select {
	case out := <-req.done:
		return out.payload, out.err
	case <-ctx.Done():
		// No cancellation primitive on the host channel; stop waiting and
		// let any eventual callback be discarded as late.
		t.remove(fetchID)
		return nil, ctx.Err()
	}
}

// remove deletes a pending entry, stopping its timer. It reports whether
// the entry was still present, i.e. whether the caller owns settlement.
func (t *Transport) remove(fetchID string) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.pending[fetchID]
	if !ok {
		return nil, false
	}
	delete(t.pending, fetchID)
	if req.timer != nil {
		req.timer.Stop()
	}
	return req, true
}

func (t *Transport) expire(fetchID string) {
	req, ok := t.remove(fetchID)
	if !ok {
		return
	}
	appLog.Warn("bridge request timed out",
		"script", req.script,
		"fetch_id", fetchID,
		"waited", time.Since(req.createdAt).Round(time.Millisecond),
	)
	req.done <- outcome{err: fmt.Errorf("bridge: %s: %w", req.script, ErrTimeout)}
}

// handleCallback processes one raw payload from the host's fixed global
// callback. It extracts a FetchId from the plausible locations different
// host scripts use, falls back to the sole pending request when none is
// found, and settles the matching entry.
func (t *Transport) handleCallback(raw string) {
	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		// Malformed JSON carries no correlation id. With exactly one
		// request pending it can still be attributed; otherwise the
		// affected request will time out on its own.
		if req, ok := t.takeSolePending(); ok {
			appLog.Warn("malformed callback attributed to sole pending request",
				"script", req.script, "fetch_id", req.fetchID)
			req.done <- outcome{err: &ParseError{Err: err}}
			return
		}
		appLog.Warn("discarding malformed host callback", "parse_err", err)
		return
	}

	fetchID := extractFetchID(payload)
	if fetchID == "" {
		// Degraded correlation: some host scripts do not echo the id.
		// Sound only while a single request is pending; with several,
		// the response is ambiguous and is dropped.
		req, ok := t.takeSolePending()
		if !ok {
			appLog.Warn("callback without FetchId and no unique pending request, discarding",
				"pending", t.PendingCount())
			return
		}
		t.settle(req, payload)
		return
	}

	req, ok := t.remove(fetchID)
	if !ok {
		// Already settled, already timed out, or truly unknown.
		appLog.Warn("no pending request for callback, discarding", "fetch_id", fetchID)
		return
	}
	t.settle(req, payload)
}

// takeSolePending removes and returns the only pending request, if there is
// exactly one.
func (t *Transport) takeSolePending() (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) != 1 {
		return nil, false
	}
	for id, req := range t.pending {
		delete(t.pending, id)
		if req.timer != nil {
			req.timer.Stop()
		}
		return req, true
	}
	return nil, false
}

func (t *Transport) settle(req *pendingRequest, payload Payload) {
	msgs := payload.Messages()
	for _, m := range msgs {
		if !successCodes[m.Code] {
			req.done <- outcome{err: &HostError{Script: req.script, Messages: msgs}}
			return
		}
	}
	req.done <- outcome{payload: payload}
}

// extractFetchID checks the locations where host scripts have been observed
// to echo the correlation id, in lookup order.
func extractFetchID(p Payload) string {
	if meta, ok := p["Meta"].(map[string]any); ok {
		if id := scalarString(meta["FetchId"]); id != "" {
			return id
		}
		if id := scalarString(meta["fetchId"]); id != "" {
			return id
		}
	}
	if id := scalarString(p["fetchId"]); id != "" {
		return id
	}
	if id := scalarString(p["FetchId"]); id != "" {
		return id
	}
	return ""
}
