package eventloop

import (
	"context"
	"log/slog"
	"path"
	"strings"
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

const (
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 1 * time.Second
	shutdownDrain   = 1 * time.Second
)

// AppCommand is the App-command channel's payload (spec.md §4.K),
// e.g. App::Exit.
type AppCommand int

const (
	CmdExit AppCommand = iota
)

// DiscoveryEvent mirrors spec.md §4.E's DiscoveryAction variants that
// matter to this loop.
type DiscoveryEvent struct {
	Kind DiscoveryKind

	DeviceRef   homie.DeviceRef
	Description homie.DeviceDescription

	Prop homie.PropertyRef

	FromValue    homie.Value
	HadFromValue bool
	ToValue      homie.Value

	TriggeredValue homie.Value

	FromState homie.DeviceStatus
	ToState   homie.DeviceStatus
}

type DiscoveryKind int

const (
	DiscoveryDescriptionChanged DiscoveryKind = iota
	DiscoveryDeviceRemoved
	DiscoveryPropertyValueChanged
	DiscoveryPropertyValueTriggered
	DiscoveryStateChanged
	DiscoveryConnEvent // carries only a connection signal, routed through the state machine
)

// Loop owns the single cooperative event-multiplexer loop and the App
// state machine. All business-state mutation happens inside Run's
// select body (spec.md §5 "Scheduling model").
type Loop struct {
	AppCmd        chan AppCommand
	Discovery     chan DiscoveryEvent
	VDeviceClient chan broker.Event
	RuleConfig    <-chan configsource.Event[model.Rule]
	VDeviceConfig <-chan configsource.Event[virtual.Device]
	ScriptModule  <-chan configsource.Event[string]
	Recompute     chan homie.PropertyRef

	Timers   *timer.Scheduler
	Cron     *cronsched.Scheduler
	Solar    *solar.Scheduler
	BrokerEv chan broker.Event

	Engine   *engine.Manager
	Virtual  *virtual.Manager
	Store    *homie.Store
	SM       *StateMachine
	Bus      *httpapi.Bus
	Scripts  *script.MapModuleStore

	vdevByHash map[uint64]homie.DeviceRef

	shouldExit bool
}

func New(eng *engine.Manager, vman *virtual.Manager, store *homie.Store,
	ruleCfg <-chan configsource.Event[model.Rule],
	vdevCfg <-chan configsource.Event[virtual.Device],
	scriptCfg <-chan configsource.Event[string],
	timers *timer.Scheduler, cron *cronsched.Scheduler, sol *solar.Scheduler,
	brokerEvents chan broker.Event, bus *httpapi.Bus, scripts *script.MapModuleStore,
) *Loop {
	return &Loop{
		AppCmd:        make(chan AppCommand, 4),
		Discovery:     make(chan DiscoveryEvent, 256),
		VDeviceClient: make(chan broker.Event, 16),
		RuleConfig:    ruleCfg,
		VDeviceConfig: vdevCfg,
		ScriptModule:  scriptCfg,
		Recompute:     make(chan homie.PropertyRef, 256),
		Timers:        timers,
		Cron:          cron,
		Solar:         sol,
		BrokerEv:      brokerEvents,
		Engine:        eng,
		Virtual:       vman,
		Store:         store,
		SM:            NewStateMachine(),
		Bus:           bus,
		Scripts:       scripts,
		vdevByHash:    map[uint64]homie.DeviceRef{},
	}
}

func (l *Loop) publish(kind httpapi.DebugEventKind, subject, detail string) {
	if l.Bus == nil {
		return
	}
	l.Bus.Publish(httpapi.DebugEvent{Time: time.Now(), Kind: kind, Subject: subject, Detail: detail})
}

func foldItemHash(h configsource.ItemHash) uint64 {
	return h.FilenameHash ^ (h.ContentHash * 1099511628211)
}

// ScheduleRecompute implements virtual.RecomputeScheduler: debounce
// firing enqueues an App-loop event rather than acting immediately, so
// recomputation is serialised with everything else (spec.md §4.I).
func (l *Loop) ScheduleRecompute(ref homie.PropertyRef) {
	select {
	case l.Recompute <- ref:
	default:
		slog.Warn("recompute queue full, dropping", "prop", ref)
	}
}

// Run drives the single-threaded cooperative loop until should_exit is
// set and the shutdown sequence completes (spec.md §4.K/§4.L).
func (l *Loop) Run(ctx context.Context) {
	for {
		timeout := idleTimeout
		if l.shouldExit {
			timeout = shutdownTimeout
		}
		t := time.NewTimer(timeout)

		select {
		case <-ctx.Done():
			t.Stop()
			l.beginShutdown()
			return

		case cmd := <-l.AppCmd:
			t.Stop()
			if cmd == CmdExit {
				l.beginShutdown()
			}

		case ev := <-l.Discovery:
			t.Stop()
			l.handleDiscovery(ev)

		case ev := <-l.VDeviceClient:
			t.Stop()
			l.handleConnEvent(ClientVirtualDevices, ev)

		case ev := <-l.BrokerEv:
			t.Stop()
			l.handleConnEvent(ClientBroker, ev)
			if ev.Kind == broker.EventError {
				slog.Warn("broker transient error, reconnect backoff in effect", "error", ev.Err)
			}

		case ev, ok := <-l.RuleConfig:
			t.Stop()
			if ok {
				l.handleRuleConfig(ev)
			}

		case ev, ok := <-l.VDeviceConfig:
			t.Stop()
			if ok {
				l.handleVDeviceConfig(ev)
			}

		case ev, ok := <-l.ScriptModule:
			t.Stop()
			if ok {
				l.handleScriptModule(ev)
			}

		case ev := <-l.Timers.Events:
			t.Stop()
			l.publish(httpapi.DebugTimerFired, ev.ID, "")
			l.Engine.HandleTimerEvent(ev)

		case ev := <-l.Cron.Events:
			t.Stop()
			l.publish(httpapi.DebugCronFired, ev.ScheduleID, "")
			l.Engine.HandleCronEvent(ev)

		case ev := <-l.Solar.Events:
			t.Stop()
			l.publish(httpapi.DebugSolarFired, string(ev.Phase), "")
			l.Engine.HandleSolarEvent(ev)

		case ref := <-l.Recompute:
			t.Stop()
			l.publish(httpapi.DebugRecompute, ref.Topic(), "")
			l.Virtual.Recompute(ref)

		case <-t.C:
			if l.shouldExit {
				return
			}
		}
	}
}

func (l *Loop) handleDiscovery(ev DiscoveryEvent) {
	switch ev.Kind {
	case DiscoveryDescriptionChanged:
		l.Store.SetDescription(ev.DeviceRef, ev.Description)
		l.Engine.OnDiscoveryUpdate()
	case DiscoveryDeviceRemoved:
		l.Store.RemoveDevice(ev.DeviceRef)
		l.Engine.OnDiscoveryUpdate()
	case DiscoveryPropertyValueChanged:
		l.Store.SetPropertyValue(ev.Prop, ev.ToValue)
		l.publish(httpapi.DebugPropertyChanged, ev.Prop.Topic(), ev.ToValue.String())
		l.Engine.HandlePropertyChanged(ev.Prop, ev.FromValue, ev.HadFromValue, ev.ToValue)
		for _, dep := range l.Virtual.Dependents(ev.Prop) {
			l.Virtual.ScheduleRecompute(dep, 0)
		}
	case DiscoveryPropertyValueTriggered:
		l.Engine.HandlePropertyTriggered(ev.Prop, ev.TriggeredValue)
	case DiscoveryStateChanged:
		l.Store.SetState(ev.DeviceRef, ev.ToState)
		for ptr := range deviceDependentProps(l, ev.DeviceRef) {
			l.Virtual.ScheduleRecompute(ptr, 0)
		}
	}
}

// deviceDependentProps is a small helper placeholder: the reference
// recomputes every virtual property that could be affected by a
// device's Ready-state flip by walking the PropertyIndex for each of
// the device's known properties, which the discovery layer supplies
// via DiscoveryStateChanged's associated description lookups in a full
// wiring. Kept minimal here since the eligibility filter itself lives
// in virtual.Manager.computeValue.
func deviceDependentProps(l *Loop, ref homie.DeviceRef) map[homie.PropertyRef]struct{} {
	desc, ok := l.Store.Description(ref)
	out := map[homie.PropertyRef]struct{}{}
	if !ok {
		return out
	}
	for nodeID, node := range desc.Nodes {
		for propID := range node.Properties {
			prop := homie.PropertyRef{Domain: ref.Domain, DeviceID: ref.DeviceID, NodeID: nodeID, PropertyID: propID}
			for _, dep := range l.Virtual.Dependents(prop) {
				out[dep] = struct{}{}
			}
		}
	}
	return out
}

func (l *Loop) handleConnEvent(c Client, ev broker.Event) {
	connected := ev.Kind == broker.EventConnect || ev.Kind == broker.EventReconnect
	disconnected := ev.Kind == broker.EventDisconnect
	if !connected && !disconnected {
		return
	}
	kind, changed := l.SM.Transition(c, connected)
	if !changed {
		return
	}
	LogTransition(c, kind)

	if kind == ConnReconnect {
		switch c {
		case ClientDiscovery:
			l.Store.Clear()
		case ClientVirtualDevices:
			// nothing is republished here on a virtual-devices reconnect
		}
	}
}

func (l *Loop) handleRuleConfig(ev configsource.Event[model.Rule]) {
	// Event.Item is only populated on EventNew; EventRemoved carries just
	// the ItemHash, so the rule identity is always derived from ev.Hash
	// rather than ev.Item.Hash.
	ruleHash := foldItemHash(ev.Hash)
	switch ev.Kind {
	case configsource.EventNew:
		rule := ev.Item
		rule.Hash = model.ConfigItemHash{FilenameHash: ev.Hash.FilenameHash, ContentHash: ev.Hash.ContentHash}
		if _, ok := l.Engine.Rule(ruleHash); ok {
			l.Engine.Remove(ruleHash)
		}
		l.Engine.Add(rule)
		l.publish(httpapi.DebugRuleAdded, rule.Name, ev.Path)
	case configsource.EventRemoved:
		l.Engine.Remove(ruleHash)
		l.publish(httpapi.DebugRuleRemoved, ev.Path, "")
	}
}

func (l *Loop) handleVDeviceConfig(ev configsource.Event[virtual.Device]) {
	hash := foldItemHash(ev.Hash)
	switch ev.Kind {
	case configsource.EventNew:
		d := ev.Item
		d.SpecHash = hash
		if old, ok := l.vdevByHash[hash]; ok && old != d.Ref {
			l.Virtual.RemoveDevice(old)
		}
		l.vdevByHash[hash] = d.Ref
		l.Virtual.AddDevice(&d)
	case configsource.EventRemoved:
		if ref, ok := l.vdevByHash[hash]; ok {
			l.Virtual.RemoveDevice(ref)
			delete(l.vdevByHash, hash)
		}
	}
}

// handleScriptModule keeps the script require() module table in sync
// with the script-module config stream. The module name is the
// document basename with its extension stripped (spec.md §6).
func (l *Loop) handleScriptModule(ev configsource.Event[string]) {
	base := path.Base(ev.Path)
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	switch ev.Kind {
	case configsource.EventNew:
		l.Scripts.Put(base, ev.Item)
		l.publish(httpapi.DebugRuleAdded, base, "script module "+ev.Path)
	case configsource.EventRemoved:
		l.Scripts.Remove(base)
		l.publish(httpapi.DebugRuleRemoved, base, "script module "+ev.Path)
	}
}

// beginShutdown runs the loop's part of spec.md §4.L's shutdown
// sequence (S6): set should_exit, publish disconnection for all virtual
// devices, block for the full shutdownDrain, then cancel all timers,
// stop the cron and solar schedulers, and clear the device store.
// Stopping the config watchers and disconnecting the broker client
// happen in cmd/automation after Run returns.
func (l *Loop) beginShutdown() {
	if l.shouldExit {
		return
	}
	l.shouldExit = true
	slog.Info("shutdown sequence starting")

	if err := l.Virtual.DisconnectAll(context.Background()); err != nil {
		slog.Warn("publishing virtual device disconnection failed", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		// The reference's own drain is a hard-coded ~1s sleep with no
		// flush acknowledgement (documented Open Question in spec.md §9);
		// reproduced verbatim rather than invented early-exit plumbing.
		time.Sleep(shutdownDrain)
		close(drained)
	}()
	<-drained

	l.Timers.CancelAll()
	l.Cron.Stop()
	l.Solar.Stop()
	l.Store.Clear()
}
