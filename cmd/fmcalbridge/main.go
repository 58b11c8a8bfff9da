package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"fmcalbridge/internal/bridge"
	"fmcalbridge/internal/calendar"
	"fmcalbridge/internal/config"
	"fmcalbridge/internal/hostsim"
	appLog "fmcalbridge/internal/log"
	"fmcalbridge/internal/model"
	"fmcalbridge/internal/records"
	"fmcalbridge/internal/session"
	"fmcalbridge/internal/web"
	"fmcalbridge/internal/wsadapter"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	debug      bool
}

func main() {
	appLog.Info("fmcalbridge starting", "version", "0.1.0-dev")

	flags := parseFlags()
	if flags.debug {
		appLog.SetLevel(appLog.LevelDebug)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"state_dir", conf.StateDir,
		"props_file", conf.PropsFile,
		"host_ws", conf.HostWS,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"backfill_days", conf.BackfillDays,
		"record_fixtures", len(conf.Records),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	adapter, sim, err := buildAdapter(ctx, conf)
	if err != nil {
		appLog.Error("failed to connect to host", err)
		os.Exit(1)
	}

	rawProps := loadProps(conf.PropsFile)
	store := session.NewStore(conf.StateDir)

	sess := calendar.New(adapter, rawProps, calendar.Options{
		Store: store,
		OnEvents: func(events []model.Event) {
			appLog.Info("event set applied", "count", len(events))
		},
	})

	if sim != nil {
		// The real host answers a config save by reloading the page; the
		// harness can only note that a restart is due.
		sim.OnReload(func() {
			appLog.Info("host requested page reload after config save; restart to re-initialize")
		})
	}

	now := time.Now()
	rangeStart := now.AddDate(0, 0, -conf.BackfillDays)
	rangeEnd := now.AddDate(0, 0, conf.HorizonDays)

	if flags.once {
		runOnce(ctx, sess, rangeStart, rangeEnd)
		return
	}

	sess.RequestRange(rangeStart, rangeEnd)

	sched := cron.New()
	if _, err := sched.AddFunc(conf.RefreshCron, sess.Refresh); err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		os.Exit(1)
	}
	sched.Start()
	defer sched.Stop()

	go func() {
		if err := web.StartServer(ctx, conf.Listen, sess); err != nil {
			appLog.Error("status server stopped", err)
			cancel()
		}
	}()

	<-ctx.Done()

	// Give timers and in-flight callbacks a moment to settle.
	time.Sleep(100 * time.Millisecond)
	appLog.Info("fmcalbridge exiting")
}

// runOnce performs a single immediate fetch and writes the mapped events to
// stdout as JSON.
func runOnce(ctx context.Context, sess *calendar.Session, start, end time.Time) {
	recs, err := records.FetchRange(ctx, sess.Transport, sess.Resolver, start, end)
	if err != nil {
		appLog.Error("fetch failed", err)
		os.Exit(1)
	}
	events := records.MapAll(sess.Resolver, recs, sess.Resolver.Location())

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(events); err != nil {
		appLog.Error("failed to encode events", err)
		os.Exit(1)
	}
}

// buildAdapter wires either the remote websocket host or the built-in
// simulator. The simulator handle is returned so main can hook its reload
// signal.
func buildAdapter(ctx context.Context, conf *config.Config) (bridge.Adapter, *hostsim.Host, error) {
	if conf.HostWS != "" {
		a, err := wsadapter.Dial(ctx, conf.HostWS)
		if err != nil {
			return nil, nil, err
		}
		return a, nil, nil
	}

	sim := hostsim.New(fixtureRecords(conf.Records), hostsim.Quirks{
		OmitFetchID:   conf.Quirks.OmitFetchID,
		ResponseDelay: time.Duration(conf.Quirks.ResponseDelayMs) * time.Millisecond,
		Mute:          conf.Quirks.Mute,
	})
	return sim, sim, nil
}

func fixtureRecords(fixtures []config.RecordFixture) []model.HostRecord {
	recs := make([]model.HostRecord, 0, len(fixtures))
	for _, f := range fixtures {
		fd := make(map[string]any, len(f.Fields))
		for k, v := range f.Fields {
			fd[k] = v
		}
		recs = append(recs, model.HostRecord{FieldData: fd})
	}
	return recs
}

// loadProps reads the injected-props payload from disk; a missing file just
// means the session recovers from its cache or starts empty.
func loadProps(path string) any {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		appLog.Warn("props file unreadable", "path", path, "err", err)
		return nil
	}
	return string(data)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "./fmcalbridge.yaml", "Path to harness config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one fetch cycle, print events as JSON, and exit")
	flag.BoolVar(&cfg.debug, "debug", false, "Enable debug logging")

	flag.Parse()

	return cfg
}
