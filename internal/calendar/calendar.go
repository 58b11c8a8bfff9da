// Package calendar assembles one embedded bridge session: the parsed host
// configuration, the session identity, the correlated transport, the range
// fetcher, and the notification dispatcher. Lifecycle equals page lifetime;
// the host resets everything by reloading the page after a config save.
package calendar

import (
	"time"

	"github.com/google/uuid"

	"fmcalbridge/internal/bridge"
	"fmcalbridge/internal/hostcfg"
	appLog "fmcalbridge/internal/log"
	"fmcalbridge/internal/model"
	"fmcalbridge/internal/notify"
	"fmcalbridge/internal/records"
	"fmcalbridge/internal/session"
)

// Session is the fully wired bridge state for one embedded instance.
type Session struct {
	UUID  string
	Props hostcfg.Props

	Resolver  *hostcfg.Resolver
	Transport *bridge.Transport
	Fetcher   *records.Fetcher
	Notify    *notify.Dispatcher

	store *session.Store
}

// Options tunes session construction.
type Options struct {
	// Store, when set, is the session-storage recovery cache.
	Store *session.Store
	// Timeout overrides the transport round-trip deadline.
	Timeout time.Duration
	// OnEvents receives every applied event set from the fetcher.
	OnEvents func([]model.Event)
}

// New initializes a session from the injected props. A missing, placeholder,
// or unparseable injection degrades, in order, to the cached session and
// then to an empty configuration; initialization never fails outright, so
// the page stays renderable with generic labels.
func New(adapter bridge.Adapter, rawProps any, opts Options) *Session {
	props, err := hostcfg.ParseProps(rawProps)
	if err != nil {
		appLog.Warn("no usable injected props, recovering from session cache", "reason", err)
		props = recoverProps(opts.Store)
	}

	id := props.AddonUUID
	if id == "" {
		// Generated client-side but stable for the page lifetime, so the
		// host can correlate multiple calls to this visual instance.
		id = uuid.NewString()
		appLog.Info("generated addon uuid", "addon_uuid", id)
	}
	props.AddonUUID = id

	s := &Session{
		UUID:     id,
		Props:    props,
		Resolver: hostcfg.NewResolver(props.Config),
		store:    opts.Store,
	}

	s.cache()

	s.Transport = bridge.New(adapter, bridge.Options{
		AddonUUID: id,
		Config:    props.Config,
		Timeout:   opts.Timeout,
	})
	s.Fetcher = records.NewFetcher(s.Transport, s.Resolver, opts.OnEvents)
	s.Notify = notify.New(adapter, id, s.Resolver)

	appLog.Info("bridge session initialized",
		"addon_uuid", id,
		"config_keys", len(props.Config),
		"show_config", props.ShowConfig,
	)
	return s
}

// recoverProps rebuilds props from the session cache left by a previous
// initialization, or returns empty props.
func recoverProps(store *session.Store) hostcfg.Props {
	props := hostcfg.Props{Config: hostcfg.Config{}, State: map[string]any{}}
	if store == nil {
		return props
	}
	var cfg hostcfg.Config
	if store.Get(session.ConfigKey, &cfg) && cfg != nil {
		props.Config = cfg
	}
	var state map[string]any
	if store.Get(session.StateKey, &state) && state != nil {
		props.State = state
		if id, ok := state["AddonUUID"].(string); ok {
			props.AddonUUID = id
		}
	}
	return props
}

// cache writes the applied config and state back to the session store for
// the next recovery.
func (s *Session) cache() {
	if s.store == nil {
		return
	}
	if err := s.store.Set(session.ConfigKey, s.Props.Config); err != nil {
		appLog.Warn("session config cache write failed", "err", err)
	}
	state := s.Props.State
	if state == nil {
		state = map[string]any{}
	}
	state["AddonUUID"] = s.UUID
	if err := s.store.Set(session.StateKey, state); err != nil {
		appLog.Warn("session state cache write failed", "err", err)
	}
}

// RequestRange schedules a debounced fetch for the widget's visible range.
func (s *Session) RequestRange(start, end time.Time) {
	s.Fetcher.Request(start, end)
}

// Refresh re-fetches the last requested range immediately. Wired to the
// host's refresh hook and the harness's periodic schedule.
func (s *Session) Refresh() {
	s.Fetcher.Refresh()
}

// Events returns the last known-good event set.
func (s *Session) Events() []model.Event {
	return s.Fetcher.Events()
}
