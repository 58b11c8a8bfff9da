package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	appLog "fmcalbridge/internal/log"
)

// fakeAdapter captures outbound performs and lets tests inject callbacks.
type fakeAdapter struct {
	mu       sync.Mutex
	handler  func(string)
	performs []performCall
	err      error
	delay    time.Duration
}

type performCall struct {
	script string
	param  string
}

func (a *fakeAdapter) Perform(script, param string) error {
	a.mu.Lock()
	if a.err != nil {
		a.mu.Unlock()
		return a.err
	}
	a.performs = append(a.performs, performCall{script: script, param: param})
	delay := a.delay
	a.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return nil
}

func (a *fakeAdapter) OnMessage(fn func(string)) {
	a.mu.Lock()
	a.handler = fn
	a.mu.Unlock()
}

func (a *fakeAdapter) deliver(t *testing.T, payload string) {
	t.Helper()
	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler == nil {
		t.Fatal("no callback handler installed")
	}
	handler(payload)
}

// lastFetchID extracts the FetchId from the most recent outbound envelope.
func (a *fakeAdapter) lastFetchID(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.performs) == 0 {
		t.Fatal("no performs captured")
	}
	var env struct {
		Meta map[string]any `json:"Meta"`
	}
	if err := json.Unmarshal([]byte(a.performs[len(a.performs)-1].param), &env); err != nil {
		t.Fatalf("unparseable outbound param: %v", err)
	}
	id, _ := env.Meta["FetchId"].(string)
	if id == "" {
		t.Fatal("outbound envelope has no FetchId")
	}
	return id
}

func (a *fakeAdapter) performCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.performs)
}

func okPayload(fetchID, marker string) string {
	return `{"Meta":{"FetchId":"` + fetchID + `"},"messages":[{"code":"0","message":"OK"}],"response":{"marker":"` + marker + `"}}`
}

func TestCallResolvesWithMatchingCallback(t *testing.T) {
	adapter := &fakeAdapter{}
	tr := New(adapter, Options{AddonUUID: "uuid-1"})

	done := make(chan Payload, 1)
	errCh := make(chan error, 1)
	go func() {
		p, err := tr.Call(context.Background(), "FCCalendarFind", map[string]any{"q": 1}, nil)
		errCh <- err
		done <- p
	}()

	waitForPending(t, tr, 1)
	adapter.deliver(t, okPayload(adapter.lastFetchID(t), "m1"))

	if err := <-errCh; err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	p := <-done
	if p.Response()["marker"] != "m1" {
		t.Fatalf("wrong payload resolved: %v", p)
	}
	if tr.PendingCount() != 0 {
		t.Fatalf("pending table not drained: %d", tr.PendingCount())
	}
}

func TestOutOfOrderCallbacks(t *testing.T) {
	adapter := &fakeAdapter{}
	tr := New(adapter, Options{})

	type result struct {
		payload Payload
		err     error
	}

	first := make(chan result, 1)
	go func() {
		p, err := tr.Call(context.Background(), "FCCalendarFind", nil, nil)
		first <- result{p, err}
	}()
	waitForPending(t, tr, 1)
	id1 := adapter.lastFetchID(t)

	second := make(chan result, 1)
	go func() {
		p, err := tr.Call(context.Background(), "FCCalendarFind", nil, nil)
		second <- result{p, err}
	}()
	waitForPending(t, tr, 2)
	id2 := adapter.lastFetchID(t)

	if id1 == id2 {
		t.Fatal("fetch ids must be unique per request")
	}

	// Host answers the second request first.
	adapter.deliver(t, okPayload(id2, "second"))
	adapter.deliver(t, okPayload(id1, "first"))

	r1 := <-first
	r2 := <-second
	if r1.err != nil || r2.err != nil {
		t.Fatalf("unexpected errors: %v, %v", r1.err, r2.err)
	}
	if r1.payload.Response()["marker"] != "first" {
		t.Fatalf("first call got wrong payload: %v", r1.payload)
	}
	if r2.payload.Response()["marker"] != "second" {
		t.Fatalf("second call got wrong payload: %v", r2.payload)
	}
}

func TestLateCallbackAfterTimeout(t *testing.T) {
	adapter := &fakeAdapter{}
	tr := New(adapter, Options{Timeout: 30 * time.Millisecond})

	_, err := tr.Call(context.Background(), "FCCalendarFind", nil, nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if tr.PendingCount() != 0 {
		t.Fatalf("timed-out entry still pending")
	}

	// The late callback must be discarded, not resurrect anything.
	adapter.deliver(t, okPayload(adapter.lastFetchID(t), "late"))
	if tr.PendingCount() != 0 {
		t.Fatalf("late callback re-registered a pending entry")
	}
}

func TestFallbackToSolePendingRequest(t *testing.T) {
	adapter := &fakeAdapter{}
	tr := New(adapter, Options{})

	done := make(chan Payload, 1)
	go func() {
		p, err := tr.Call(context.Background(), "FCCalendarFind", nil, nil)
		if err != nil {
			t.Errorf("Call failed: %v", err)
		}
		done <- p
	}()
	waitForPending(t, tr, 1)

	// No FetchId anywhere in the payload.
	adapter.deliver(t, `{"messages":[{"code":"0"}],"response":{"marker":"orphan"}}`)

	p := <-done
	if p.Response()["marker"] != "orphan" {
		t.Fatalf("fallback did not resolve sole pending request: %v", p)
	}
}

// Id-less callbacks arriving while a call is still inside its setup window
// (entry published, send in progress) must grab a fully formed entry: the
// timer has to be stoppable at the instant the entry is visible.
func TestFallbackDuringCallSetup(t *testing.T) {
	// Quiet the per-discard warnings from the spam goroutine.
	appLog.SetLevel(appLog.LevelError)
	defer appLog.SetLevel(appLog.LevelInfo)

	adapter := &fakeAdapter{delay: time.Millisecond}
	tr := New(adapter, Options{Timeout: 200 * time.Millisecond})

	adapter.mu.Lock()
	handler := adapter.handler
	adapter.mu.Unlock()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				handler(`{"messages":[{"code":"0"}],"response":{}}`)
			}
		}
	}()

	for i := 0; i < 50; i++ {
		if _, err := tr.Call(context.Background(), "FCCalendarFind", nil, nil); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	close(stop)
	wg.Wait()

	if got := tr.PendingCount(); got != 0 {
		t.Fatalf("pending table not drained: %d", got)
	}
}

func TestNoFallbackWithMultiplePending(t *testing.T) {
	adapter := &fakeAdapter{}
	tr := New(adapter, Options{Timeout: time.Minute})

	for i := 0; i < 2; i++ {
		go tr.Call(context.Background(), "FCCalendarFind", nil, nil) //nolint:errcheck
	}
	waitForPending(t, tr, 2)

	// Ambiguous: no id, two candidates. Must be dropped, both stay pending.
	adapter.deliver(t, `{"messages":[{"code":"0"}],"response":{}}`)

	if got := tr.PendingCount(); got != 2 {
		t.Fatalf("ambiguous callback settled a request: pending=%d", got)
	}
}

func TestHostErrorCodes(t *testing.T) {
	adapter := &fakeAdapter{}
	tr := New(adapter, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "FCCalendarFind", nil, nil)
		errCh <- err
	}()
	waitForPending(t, tr, 1)

	adapter.deliver(t, `{"Meta":{"FetchId":"`+adapter.lastFetchID(t)+`"},"messages":[{"code":"401","message":"No records match the request"}]}`)

	err := <-errCh
	var he *HostError
	if !errors.As(err, &he) {
		t.Fatalf("want HostError, got %v", err)
	}
	if !he.HasCode("401") {
		t.Fatalf("missing code 401: %v", he.Messages)
	}
	if !IsNoMatch(err) {
		t.Fatal("IsNoMatch should report true for code 401")
	}
}

func TestNumericMessageCodes(t *testing.T) {
	adapter := &fakeAdapter{}
	tr := New(adapter, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "FCCalendarFind", nil, nil)
		errCh <- err
	}()
	waitForPending(t, tr, 1)

	// Some host scripts echo numeric codes; 401 as a JSON number must
	// still be recognized.
	adapter.deliver(t, `{"Meta":{"FetchId":"`+adapter.lastFetchID(t)+`"},"messages":[{"code":401,"message":"no match"}]}`)

	if !IsNoMatch(<-errCh) {
		t.Fatal("numeric 401 not recognized")
	}
}

func TestUnavailableDispatch(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("not inside host")}
	tr := New(adapter, Options{})

	_, err := tr.Call(context.Background(), "FCCalendarFind", nil, nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
	if tr.PendingCount() != 0 {
		t.Fatal("failed send left a pending entry")
	}
}

func TestMalformedCallbackWithSolePending(t *testing.T) {
	adapter := &fakeAdapter{}
	tr := New(adapter, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Call(context.Background(), "FCCalendarFind", nil, nil)
		errCh <- err
	}()
	waitForPending(t, tr, 1)

	adapter.deliver(t, `{not json`)

	err := <-errCh
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("want ParseError, got %v", err)
	}
}

func TestContextCancellation(t *testing.T) {
	adapter := &fakeAdapter{}
	tr := New(adapter, Options{Timeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Call(ctx, "FCCalendarFind", nil, nil)
		errCh <- err
	}()
	waitForPending(t, tr, 1)

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if tr.PendingCount() != 0 {
		t.Fatal("cancelled call left a pending entry")
	}
}

func TestOutboundEnvelopeShape(t *testing.T) {
	adapter := &fakeAdapter{}
	tr := New(adapter, Options{AddonUUID: "uuid-42", Timeout: 20 * time.Millisecond})

	tr.Call(context.Background(), "FCCalendarFind", map[string]any{"limit": 3000}, map[string]any{"Extra": "x"}) //nolint:errcheck

	adapter.mu.Lock()
	param := adapter.performs[0].param
	adapter.mu.Unlock()

	var env struct {
		Data map[string]any `json:"Data"`
		Meta map[string]any `json:"Meta"`
	}
	if err := json.Unmarshal([]byte(param), &env); err != nil {
		t.Fatalf("outbound param is not JSON: %v", err)
	}
	if env.Meta["AddonUUID"] != "uuid-42" {
		t.Fatalf("missing AddonUUID: %v", env.Meta)
	}
	if env.Meta["Callback"] != CallbackName {
		t.Fatalf("wrong callback name: %v", env.Meta["Callback"])
	}
	if env.Meta["Extra"] != "x" {
		t.Fatalf("meta override not applied: %v", env.Meta)
	}
	if env.Data["limit"] != float64(3000) {
		t.Fatalf("data not carried: %v", env.Data)
	}
	if _, ok := env.Meta["FetchId"].(string); !ok {
		t.Fatalf("missing FetchId: %v", env.Meta)
	}
}

func TestExtractFetchIDLocations(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"meta", `{"Meta":{"FetchId":"a"}}`, "a"},
		{"meta lower", `{"Meta":{"fetchId":"b"}}`, "b"},
		{"top lower", `{"fetchId":"c"}`, "c"},
		{"top upper", `{"FetchId":"d"}`, "d"},
		{"meta wins", `{"Meta":{"FetchId":"a"},"fetchId":"c"}`, "a"},
		{"none", `{"response":{}}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Payload
			if err := json.Unmarshal([]byte(tt.json), &p); err != nil {
				t.Fatal(err)
			}
			if got := extractFetchID(p); got != tt.want {
				t.Fatalf("extractFetchID(%s) = %q, want %q", tt.json, got, tt.want)
			}
		})
	}
}

func TestHostErrorSummary(t *testing.T) {
	he := &HostError{Script: "FCCalendarFind", Messages: []Message{{Code: "802", Message: "boom"}}}
	if !strings.Contains(he.Error(), "802") {
		t.Fatalf("summary missing code: %s", he.Error())
	}
}

// waitForPending polls until the pending table holds n entries.
func waitForPending(t *testing.T, tr *Transport, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tr.PendingCount() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending count never reached %d (now %d)", n, tr.PendingCount())
}
