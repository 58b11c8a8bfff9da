// Package wsadapter carries the bridge over a websocket so the session can
// talk to an out-of-process host during development. Outbound frames are
// {script, param} pairs; inbound text messages are raw callback payloads,
// delivered exactly as the host's fixed global callback would receive them.
package wsadapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	appLog "fmcalbridge/internal/log"
)

type frame struct {
	Script string `json:"script"`
	Param  string `json:"param"`
}

// Adapter implements bridge.Adapter over one websocket connection.
type Adapter struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	handler func(string)
	started bool
	closed  bool
}

// Dial connects to a remote host endpoint, e.g. "ws://127.0.0.1:9222/bridge".
func Dial(ctx context.Context, url string) (*Adapter, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsadapter: dial %s: %w", url, err)
	}
	return &Adapter{conn: conn}, nil
}

// Perform implements bridge.Adapter.
func (a *Adapter) Perform(script, param string) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return fmt.Errorf("wsadapter: connection closed")
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.WriteJSON(frame{Script: script, Param: param}); err != nil {
		return fmt.Errorf("wsadapter: write %s: %w", script, err)
	}
	return nil
}

// OnMessage implements bridge.Adapter. The read loop starts with the first
// registration.
func (a *Adapter) OnMessage(fn func(string)) {
	a.mu.Lock()
	a.handler = fn
	start := !a.started
	a.started = true
	a.mu.Unlock()

	if start {
		go a.readLoop()
	}
}

// Close tears the connection down; any in-flight requests run into their
// transport timeout.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	return a.conn.Close()
}

func (a *Adapter) readLoop() {
	for {
		msgType, data, err := a.conn.ReadMessage()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if !closed {
				appLog.Warn("wsadapter read loop ended", "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		a.mu.Lock()
		handler := a.handler
		a.mu.Unlock()
		if handler != nil {
			handler(string(data))
		}
	}
}
