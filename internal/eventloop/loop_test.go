package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/broker"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/configsource"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/cronsched"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/httpapi"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/engine"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/model"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/script"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/solar"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/timer"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/virtual"
)

// fakePublisher is the same minimal broker.Publisher double used by
// internal/rules/engine's tests, extended to timestamp each publish so
// shutdown-ordering assertions can tell "before the drain" from "after".
type fakePublisher struct {
	mu        sync.Mutex
	published []publishedMsg
}

type publishedMsg struct {
	topic   string
	payload string
	at      time.Time
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, publishedMsg{topic: topic, payload: string(payload), at: time.Now()})
	return nil
}
func (p *fakePublisher) Subscribe(topic string, qos byte, cb broker.Handler) error { return nil }
func (p *fakePublisher) Unsubscribe(topic string) error                           { return nil }

func (p *fakePublisher) countPayload(topic, payload string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.published {
		if m.topic == topic && m.payload == payload {
			n++
		}
	}
	return n
}

// disconnectPublishes returns every recorded "disconnected" $state
// publish for topic, in order — used to find the one DisconnectAll
// itself emits, as distinct from the "ready" one AddDevice emits.
func (p *fakePublisher) disconnectPublishes(topic string) []publishedMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedMsg
	for _, m := range p.published {
		if m.topic == topic && m.payload == "disconnected" {
			out = append(out, m)
		}
	}
	return out
}

// fakeResolver satisfies both engine.QueryResolver and virtual.QueryResolver
// with a fixed, empty member set — no test here exercises query
// materialization, only shutdown and config-stream plumbing.
type fakeResolver struct{}

func (fakeResolver) Resolve(q homie.Query) []homie.PropertyRef { return nil }

// newTestLoop builds a fully wired Loop against real schedulers/managers
// and a fake broker publisher, following cmd/automation's own
// nil-then-backfill construction order for the Virtual field.
func newTestLoop(t *testing.T) (*Loop, *fakePublisher, *homie.Store) {
	t.Helper()
	store := homie.NewStore()
	pub := &fakePublisher{}
	timers := timer.New()
	cron := cronsched.New()
	sol := solar.New(nil)
	bus := httpapi.NewBus()
	scripts := script.NewMapModuleStore()

	eng := engine.NewManager(engine.Deps{
		Store:     store,
		Publisher: pub,
		Timers:    timers,
		Cron:      cron,
		Solar:     sol,
		Queries:   fakeResolver{},
	})

	ruleCfg := make(chan configsource.Event[model.Rule], 4)
	vdevCfg := make(chan configsource.Event[virtual.Device], 4)
	scriptCfg := make(chan configsource.Event[string], 4)

	loop := New(eng, nil, store, ruleCfg, vdevCfg, scriptCfg, timers, cron, sol,
		make(chan broker.Event, 4), bus, scripts)
	vman := virtual.NewManager("homie", store, pub, fakeResolver{}, loop)
	loop.Virtual = vman

	return loop, pub, store
}

// TestLoop_BeginShutdown_Sequence drives beginShutdown and asserts spec.md
// §4.L's S6 ordering for the steps the event loop itself owns: virtual
// device disconnects are published, then the ~1s drain runs, and only once
// it completes are the schedulers stopped and the device store cleared.
// (Stopping config watchers and disconnecting the broker client happen one
// layer up, in cmd/automation's shutdown sequence, once loop.Run returns.)
func TestLoop_BeginShutdown_Sequence(t *testing.T) {
	loop, pub, store := newTestLoop(t)

	ref := homie.DeviceRef{Domain: "homie", DeviceID: "virtual-1"}
	loop.Virtual.AddDevice(&virtual.Device{Ref: ref, Properties: map[homie.PropertyPointer]*virtual.Property{}})
	store.SetDescription(homie.DeviceRef{Domain: "homie", DeviceID: "real-1"}, homie.DeviceDescription{Name: "lamp"})

	if loop.shouldExit {
		t.Fatalf("expected shouldExit to start false")
	}

	start := time.Now()
	loop.beginShutdown()
	elapsed := time.Since(start)

	if !loop.shouldExit {
		t.Fatalf("expected beginShutdown to set shouldExit")
	}
	if elapsed < shutdownDrain {
		t.Fatalf("expected beginShutdown to block for the full shutdown drain, took %v, want >= %v", elapsed, shutdownDrain)
	}
	disconnects := pub.disconnectPublishes(ref.String() + "/$state")
	if len(disconnects) != 1 {
		t.Fatalf("expected exactly one disconnect publish for the virtual device, got %d", len(disconnects))
	}
	if _, ok := store.Description(homie.DeviceRef{Domain: "homie", DeviceID: "real-1"}); ok {
		t.Fatalf("expected the device store to be cleared once the drain completes")
	}

	// The disconnect publish must have landed well before the drain's
	// 1s sleep elapsed, i.e. near the start of beginShutdown rather than
	// after it — proving "publish disconnects" precedes "drain", not the
	// other way around.
	publishLatency := disconnects[0].at.Sub(start)
	if publishLatency >= shutdownDrain {
		t.Fatalf("expected the disconnect publish to precede the drain sleep, latency=%v drain=%v", publishLatency, shutdownDrain)
	}
}

// TestLoop_BeginShutdown_Idempotent asserts a second beginShutdown call is
// a no-op: spec.md §4.L only transitions App::Exit once.
func TestLoop_BeginShutdown_Idempotent(t *testing.T) {
	loop, pub, _ := newTestLoop(t)
	ref := homie.DeviceRef{Domain: "homie", DeviceID: "virtual-1"}
	loop.Virtual.AddDevice(&virtual.Device{Ref: ref, Properties: map[homie.PropertyPointer]*virtual.Property{}})

	loop.beginShutdown()
	firstCount := len(pub.disconnectPublishes(ref.String() + "/$state"))

	loop.beginShutdown()
	if got := len(pub.disconnectPublishes(ref.String() + "/$state")); got != firstCount {
		t.Fatalf("expected a repeated beginShutdown call to publish nothing further, first=%d second=%d", firstCount, got)
	}
}

// TestLoop_Run_ExitCommandDrivesShutdown exercises the select loop's own
// wiring for App::Exit (spec.md §4.K/§4.L): sending CmdExit must cause
// Run to complete its shutdown sequence and return.
func TestLoop_Run_ExitCommandDrivesShutdown(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()

	loop.AppCmd <- CmdExit

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("expected Run to return once the shutdown sequence completes")
	}
	if !loop.shouldExit {
		t.Fatalf("expected shouldExit to be set once Run returns")
	}
}

// TestLoop_ScheduleRecompute_DropsWhenQueueFull asserts the non-blocking
// enqueue documented on ScheduleRecompute: once the Recompute channel's
// buffer is saturated, further calls must not block the caller (spec.md
// §4.I: recompute scheduling never stalls the publishing goroutine).
func TestLoop_ScheduleRecompute_DropsWhenQueueFull(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	ref := homie.PropertyRef{Domain: "homie", DeviceID: "d", NodeID: "n", PropertyID: "p"}

	for i := 0; i < cap(loop.Recompute); i++ {
		loop.ScheduleRecompute(ref)
	}

	done := make(chan struct{})
	go func() {
		loop.ScheduleRecompute(ref) // a blocking send here would hang forever since nothing drains Recompute
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected ScheduleRecompute to drop rather than block when the queue is full")
	}
}

// TestLoop_HandleRuleConfig_ReplaceOnSameHash asserts that re-adding a
// rule under the same ConfigItemHash (an edited file re-saved) replaces
// the previous installation rather than leaking a second copy (spec.md
// §4.F "Add rule" re-entrancy).
func TestLoop_HandleRuleConfig_ReplaceOnSameHash(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	hash := configsource.ItemHash{FilenameHash: 1, ContentHash: 1}
	ruleHash := foldItemHash(hash)

	loop.handleRuleConfig(configsource.Event[model.Rule]{
		Kind: configsource.EventNew, Hash: hash,
		Item: model.Rule{Hash: model.ConfigItemHash{FilenameHash: 1, ContentHash: 1}, Name: "v1"},
	})
	loop.handleRuleConfig(configsource.Event[model.Rule]{
		Kind: configsource.EventNew, Hash: hash,
		Item: model.Rule{Hash: model.ConfigItemHash{FilenameHash: 1, ContentHash: 1}, Name: "v2"},
	})

	if got := len(loop.Engine.Rules()); got != 1 {
		t.Fatalf("expected re-adding the same rule hash to leave exactly one installed rule, got %d", got)
	}
	r, ok := loop.Engine.Rule(ruleHash)
	if !ok || r.Name != "v2" {
		t.Fatalf("expected the latest version to win, got %#v ok=%v", r, ok)
	}

	loop.handleRuleConfig(configsource.Event[model.Rule]{Kind: configsource.EventRemoved, Hash: hash})
	if _, ok := loop.Engine.Rule(ruleHash); ok {
		t.Fatalf("expected EventRemoved to uninstall the rule")
	}
}

// TestLoop_HandleVDeviceConfig_ReplacesOldRefOnRename mirrors the rule
// case for virtual-device specs: editing a document's device ref under
// the same ConfigItemHash must remove the stale device before installing
// the new one.
func TestLoop_HandleVDeviceConfig_ReplacesOldRefOnRename(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	hash := configsource.ItemHash{FilenameHash: 2, ContentHash: 2}
	oldRef := homie.DeviceRef{Domain: "homie", DeviceID: "old"}
	newRef := homie.DeviceRef{Domain: "homie", DeviceID: "new"}

	loop.handleVDeviceConfig(configsource.Event[virtual.Device]{
		Kind: configsource.EventNew, Hash: hash,
		Item: virtual.Device{Ref: oldRef, Properties: map[homie.PropertyPointer]*virtual.Property{}},
	})
	if _, ok := loop.Virtual.Device(oldRef); !ok {
		t.Fatalf("expected the first version to be installed under its ref")
	}

	loop.handleVDeviceConfig(configsource.Event[virtual.Device]{
		Kind: configsource.EventNew, Hash: hash,
		Item: virtual.Device{Ref: newRef, Properties: map[homie.PropertyPointer]*virtual.Property{}},
	})
	if _, ok := loop.Virtual.Device(oldRef); ok {
		t.Fatalf("expected the renamed update to remove the stale ref")
	}
	if _, ok := loop.Virtual.Device(newRef); !ok {
		t.Fatalf("expected the renamed update to install under the new ref")
	}
}

// TestLoop_HandleScriptModule_PutAndRemove covers the require()-module
// table staying in sync with the script-module config stream, including
// the basename-without-extension derivation (spec.md §6).
func TestLoop_HandleScriptModule_PutAndRemove(t *testing.T) {
	loop, _, _ := newTestLoop(t)
	loop.handleScriptModule(configsource.Event[string]{
		Kind: configsource.EventNew, Path: "scripts/helpers.js", Item: "export const x = 1;",
	})
	src, ok := loop.Scripts.Module("helpers")
	if !ok || src != "export const x = 1;" {
		t.Fatalf("expected the module to be installed under its basename, got %q ok=%v", src, ok)
	}

	loop.handleScriptModule(configsource.Event[string]{Kind: configsource.EventRemoved, Path: "scripts/helpers.js"})
	if _, ok := loop.Scripts.Module("helpers"); ok {
		t.Fatalf("expected EventRemoved to remove the module")
	}
}
