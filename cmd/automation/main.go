package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/broker"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/config"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/configsource"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/cronsched"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/discovery"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/eventloop"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/httpapi"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/kvstore"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/engine"
	rulesconfig "github.com/homie-homecontrol/hc-homie5-automation/internal/rules/config"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/model"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/script"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/solar"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/timer"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/virtual"
	vdevconfig "github.com/homie-homecontrol/hc-homie5-automation/internal/virtual/config"
)

// queryResolver wires homie.Query lookups against the live DeviceStore
// for both the rule engine and the virtual-device manager; it has no
// DeviceTagger backing (no config surface in this build populates
// device tags, see DESIGN.md), so tag-scoped queries match nothing.
type queryResolver struct {
	store *homie.Store
}

func (r queryResolver) Resolve(q homie.Query) []homie.PropertyRef { return q.Resolve(r.store, nil) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg))

	store := homie.NewStore()

	brokerURL := fmt.Sprintf("mqtt://%s:%s", cfg.MQTTHost, cfg.MQTTPort)
	if cfg.MQTTUsername != "" {
		brokerURL = fmt.Sprintf("mqtt://%s:%s@%s:%s", cfg.MQTTUsername, cfg.MQTTPassword, cfg.MQTTHost, cfg.MQTTPort)
	}
	brokerClient := broker.New(brokerURL, cfg.MQTTClientID)

	disco := discovery.New(cfg.Domain, brokerClient, store)

	values, err := openValueStore(cfg.ValueStoreSource)
	if err != nil {
		slog.Error("value store init failed", "error", err)
		os.Exit(1)
	}

	timers := timer.New()
	cron := cronsched.New()
	var eph solar.EphemerisFunc
	if cfg.Location.Ok {
		eph = solar.DefaultEphemeris(cfg.Location.Lat, cfg.Location.Lon, cfg.Location.Elevation)
	}
	solarSched := solar.New(eph)

	scripts := script.NewMapModuleStore()
	scriptRuntime := script.New(scripts)

	qr := queryResolver{store: store}

	engineDeps := engine.Deps{
		Store:     store,
		Publisher: brokerClient,
		Timers:    timers,
		Cron:      cron,
		Solar:     solarSched,
		Scripts:   scriptRuntime,
		Values:    values,
		Queries:   qr,
		Domain:    cfg.Domain,
		Now:       time.Now,
	}
	eng := engine.NewManager(engineDeps)

	bus := httpapi.NewBus()

	ruleSource, err := openRuleSource(cfg.RulesSource, brokerClient, cfg.Domain)
	if err != nil {
		slog.Error("rule config source init failed", "error", err)
		os.Exit(1)
	}
	vdevSource, err := openVDevSource(cfg.VDevSource, brokerClient, cfg.Domain)
	if err != nil {
		slog.Error("virtual device config source init failed", "error", err)
		os.Exit(1)
	}
	scriptSource, err := openScriptSource(cfg.RulesSource, brokerClient)
	if err != nil {
		slog.Error("script module source init failed", "error", err)
		os.Exit(1)
	}

	ruleEvents := configsource.Throttle(ruleSource.Events(), 10*time.Millisecond)
	vdevEvents := configsource.Throttle(vdevSource.Events(), 10*time.Millisecond)

	// virtual.NewManager needs the event loop as its RecomputeScheduler,
	// and the loop needs the manager; construct the loop with a nil
	// manager first, then the manager with the loop, then wire it back.
	loop := eventloop.New(eng, nil, store, ruleEvents, vdevEvents, scriptSource.Events(),
		timers, cron, solarSched, brokerClient.Events, bus, scripts)
	vman := virtual.NewManager(cfg.Domain, store, brokerClient, qr, loop)
	loop.Virtual = vman

	httpSrv := httpapi.New(eng, vman, store, bus)
	mux := httpSrv.Handler()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // the websocket debug stream is long-lived
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go forwardDiscovery(ctx, disco, loop)

	go func() {
		if err := brokerClient.Connect(); err != nil {
			slog.Error("broker connect failed", "error", err)
			return
		}
		if err := disco.Start(); err != nil {
			slog.Error("discovery subscribe failed", "error", err)
		}
	}()

	go func() {
		slog.Info("automation http api started", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	go loop.Run(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("shutdown signal received")

	loop.AppCmd <- eventloop.CmdExit
	cancel()
	time.Sleep(1200 * time.Millisecond) // let the loop's own shutdown drain run first

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	_ = ruleSource.Close()
	_ = vdevSource.Close()
	_ = scriptSource.Close()
	brokerClient.Disconnect()
	slog.Info("automation controller stopped")
}

// forwardDiscovery translates the wire-level discovery.Event stream
// into the event multiplexer's own DiscoveryEvent shape.
func forwardDiscovery(ctx context.Context, d *discovery.Client, loop *eventloop.Loop) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.Events:
			out := eventloop.DiscoveryEvent{DeviceRef: ev.Device, Prop: ev.Prop}
			switch ev.Kind {
			case discovery.KindDescriptionChanged:
				out.Kind = eventloop.DiscoveryDescriptionChanged
				out.Description = ev.Desc
			case discovery.KindDeviceRemoved:
				out.Kind = eventloop.DiscoveryDeviceRemoved
			case discovery.KindPropertyValueChanged:
				out.Kind = eventloop.DiscoveryPropertyValueChanged
				out.FromValue = ev.FromValue
				out.HadFromValue = ev.HadFrom
				out.ToValue = ev.Value
			case discovery.KindPropertyValueTriggered:
				out.Kind = eventloop.DiscoveryPropertyValueTriggered
				out.TriggeredValue = ev.Value
			case discovery.KindStateChanged:
				out.Kind = eventloop.DiscoveryStateChanged
				out.FromState = ev.PrevState
				out.ToState = ev.State
			default:
				continue
			}
			select {
			case loop.Discovery <- out:
			case <-ctx.Done():
				return
			}
		}
	}
}

func openValueStore(spec config.SourceSpec) (kvstore.Store, error) {
	switch spec.Kind {
	case "", "inmemory":
		return kvstore.NewMemoryStore(), nil
	case "sqlite":
		return kvstore.OpenSQLite(spec.Arg)
	case "postgres":
		return kvstore.OpenPostgres("postgres:" + spec.Arg)
	default:
		return nil, fmt.Errorf("unsupported VALUESTORE_CONFIG kind %q", spec.Kind)
	}
}

func openRuleSource(spec config.SourceSpec, b *broker.Client, domain string) (configsource.Source[model.Rule], error) {
	decode := rulesconfig.NewDecoder(domain)
	switch spec.Kind {
	case "", "inmemory":
		return configsource.NewMemorySource[model.Rule](), nil
	case "file":
		return configsource.NewFileSource(spec.Arg, "*.yaml", decode)
	case "mqtt":
		return configsource.NewMQTTSource[model.Rule](b, spec.Arg, decode)
	default:
		return nil, fmt.Errorf("unsupported RULES_CONFIG kind %q (kubernetes source is not wired in this build)", spec.Kind)
	}
}

func openVDevSource(spec config.SourceSpec, b *broker.Client, domain string) (configsource.Source[virtual.Device], error) {
	decode := vdevconfig.NewDecoder(domain)
	switch spec.Kind {
	case "", "inmemory":
		return configsource.NewMemorySource[virtual.Device](), nil
	case "file":
		return configsource.NewFileSource(spec.Arg, "*.yaml", decode)
	case "mqtt":
		return configsource.NewMQTTSource[virtual.Device](b, spec.Arg, decode)
	default:
		return nil, fmt.Errorf("unsupported VDEV_CONFIG kind %q (kubernetes source is not wired in this build)", spec.Kind)
	}
}

// openScriptSource reuses the rule source's directory/topic (script
// modules live alongside rule documents, spec.md §6) but decodes each
// document as raw source text rather than YAML.
func openScriptSource(spec config.SourceSpec, b *broker.Client) (configsource.Source[string], error) {
	decode := func(path string, content []byte) (map[string]string, error) {
		base := path
		if i := lastSlash(base); i >= 0 {
			base = base[i+1:]
		}
		return map[string]string{base: string(content)}, nil
	}
	switch spec.Kind {
	case "", "inmemory":
		return configsource.NewMemorySource[string](), nil
	case "file":
		return configsource.NewFileSource(spec.Arg, "*.js", decode)
	case "mqtt":
		return configsource.NewMQTTSource[string](b, spec.Arg+"/scripts", decode)
	default:
		return nil, fmt.Errorf("unsupported script module source kind %q", spec.Kind)
	}
}

// newLogger builds the process-wide slog.Logger from LOGLEVEL /
// LOG_TO_FILE / LOG_SOURCE_FILES (spec.md §6). ENV_COLOR_LOG is loaded
// into the config but has no effect: both the stdout and the file
// destination get the plain text handler.
func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: cfg.LogSourceFiles}

	if cfg.LogToFile != "" {
		f, err := os.OpenFile(cfg.LogToFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			slog.Error("open log file failed, falling back to stdout", "path", cfg.LogToFile, "error", err)
			return slog.New(slog.NewTextHandler(os.Stdout, opts))
		}
		return slog.New(slog.NewTextHandler(f, opts))
	}
	// ENV_COLOR_LOG has no effect on the stdout path: none of the
	// homenavi services' go.mod carries a color/tint logging library,
	// so this is always the plain slog.TextHandler.
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}
