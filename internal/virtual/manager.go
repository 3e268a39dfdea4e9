package virtual

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/broker"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
)

const (
	defaultDebounce    = 200 * time.Millisecond
	defaultReadTimeout = 3 * time.Second
	rootDeviceID       = "automation-controller"
)

// Publisher is the broker surface the virtual-device manager needs:
// publishing computed values and states, and subscribing rehydration
// reads. mqtt-member input topics are not subscribed by this package.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, cb broker.Handler) error
	Unsubscribe(topic string) error
}

// QueryResolver resolves a declarative Query against the live
// DeviceStore, mirroring engine.QueryResolver (kept as a separate type
// to avoid virtual importing rules/engine).
type QueryResolver interface {
	Resolve(q homie.Query) []homie.PropertyRef
}

// RecomputeScheduler is satisfied by the event multiplexer: debounce
// firing queues a RecalculateVirtualPropertyValue(prop) App event so
// recomputation always runs on the single-threaded loop (spec.md
// §4.I "guaranteeing serial execution with other state changes").
type RecomputeScheduler interface {
	ScheduleRecompute(ref homie.PropertyRef)
}

// Manager is spec.md §4.J's Virtual Device Manager & Index.
type Manager struct {
	mu       sync.Mutex
	devices  map[homie.DeviceRef]*Device
	index    map[homie.PropertyRef]map[homie.PropertyRef]struct{} // real prop -> set of virtual prop refs
	rootKids map[homie.DeviceRef]struct{}
	rootVer  uint64

	domain    string
	store     *homie.Store
	publisher Publisher
	queries   QueryResolver
	sched     RecomputeScheduler
	now       func() time.Time

	pending map[homie.PropertyRef]*time.Timer
}

func NewManager(domain string, store *homie.Store, pub Publisher, queries QueryResolver, sched RecomputeScheduler) *Manager {
	return &Manager{
		devices:   map[homie.DeviceRef]*Device{},
		index:     map[homie.PropertyRef]map[homie.PropertyRef]struct{}{},
		rootKids:  map[homie.DeviceRef]struct{}{},
		domain:    domain,
		store:     store,
		publisher: pub,
		queries:   queries,
		sched:     sched,
		now:       time.Now,
		pending:   map[homie.PropertyRef]*time.Timer{},
	}
}

func (m *Manager) RootRef() homie.DeviceRef { return homie.DeviceRef{Domain: m.domain, DeviceID: rootDeviceID} }

// Device looks up a live virtual device.
func (m *Manager) Device(ref homie.DeviceRef) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ref]
	return d, ok
}

// Devices returns every live virtual device, for introspection
// endpoints (internal/httpapi).
func (m *Manager) Devices() []*Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, d)
	}
	return out
}

// indexAdd/indexRemove maintain the PropertyIndex reverse map.
func (m *Manager) indexAdd(real, virtual homie.PropertyRef) {
	set, ok := m.index[real]
	if !ok {
		set = map[homie.PropertyRef]struct{}{}
		m.index[real] = set
	}
	set[virtual] = struct{}{}
}

func (m *Manager) indexRemoveAllFor(virtual homie.PropertyRef) {
	for real, set := range m.index {
		delete(set, virtual)
		if len(set) == 0 {
			delete(m.index, real)
		}
	}
}

// Dependents returns the set of virtual PropertyRefs that must
// recompute when real changes, per the PropertyIndex invariant
// (spec.md §3).
func (m *Manager) Dependents(real homie.PropertyRef) []homie.PropertyRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.index[real]
	out := make([]homie.PropertyRef, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	return out
}

// AddDevice installs a virtual device: initializes every property's
// member graph against the current DeviceStore, publishes either the
// full device or an init-state placeholder (if rehydration reads are
// pending), then grows the root device's child list (spec.md §4.J "Add
// flow").
func (m *Manager) AddDevice(d *Device) {
	m.mu.Lock()
	m.devices[d.Ref] = d
	pending := 0
	for ptr, p := range d.Properties {
		propRef := homie.PropertyRef{Domain: d.Ref.Domain, DeviceID: d.Ref.DeviceID, NodeID: ptr.NodeID, PropertyID: ptr.PropertyID}
		if p.Compound != nil {
			for _, mem := range p.Compound.Members {
				switch mem.Kind {
				case MemberSubject, MemberSubjectMapped:
					m.indexAdd(mem.Subject, propRef)
				case MemberQuery:
					mem.QueryRefs = m.resolveLocked(mem.Query)
					for _, ref := range mem.QueryRefs {
						m.indexAdd(ref, propRef)
					}
				}
			}
		}
		if p.Retained && p.Options.ReadFromMqtt {
			pending++
		}
	}
	d.MqttReads = pending
	m.rootKids[d.Ref] = struct{}{}
	m.mu.Unlock()

	m.recomputeAllSync(d)

	if pending > 0 {
		m.publishInitState(d)
		m.startRehydration(d)
	} else {
		m.publishFullDevice(d)
	}
	m.publishRoot()
}

func (m *Manager) resolveLocked(q homie.Query) []homie.PropertyRef {
	if m.queries == nil {
		return nil
	}
	return m.queries.Resolve(q)
}

// RemoveDevice cancels pending rehydration reads, publishes a
// disconnection, drops index entries, and shrinks the root's child
// list (spec.md §4.J "Remove flow").
func (m *Manager) RemoveDevice(ref homie.DeviceRef) {
	m.mu.Lock()
	d, ok := m.devices[ref]
	if !ok {
		m.mu.Unlock()
		return
	}
	for ptr, p := range d.Properties {
		propRef := homie.PropertyRef{Domain: ref.Domain, DeviceID: ref.DeviceID, NodeID: ptr.NodeID, PropertyID: ptr.PropertyID}
		if p.rehydrateAbort != nil {
			close(p.rehydrateAbort)
		}
		m.indexRemoveAllFor(propRef)
	}
	delete(m.devices, ref)
	delete(m.rootKids, ref)
	m.mu.Unlock()

	_ = m.publisher.Publish(ref.String()+"/$state", 1, true, []byte("disconnected"))
	m.publishRoot()
}

// DisconnectAll publishes a disconnected $state for every live virtual
// device, fanned out concurrently (spec.md §4.L shutdown step "publish
// disconnection for all virtual devices").
func (m *Manager) DisconnectAll(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, d := range m.Devices() {
		d := d
		g.Go(func() error {
			return m.publisher.Publish(d.Ref.String()+"/$state", 1, true, []byte("disconnected"))
		})
	}
	return g.Wait()
}

func (m *Manager) publishInitState(d *Device) {
	_ = m.publisher.Publish(d.Ref.String()+"/$state", 1, true, []byte("init"))
}

func (m *Manager) publishFullDevice(d *Device) {
	for ptr, p := range d.Properties {
		if p.Value.IsEmpty() {
			continue
		}
		topic := d.Ref.String() + "/" + ptr.String()
		_ = m.publisher.Publish(topic, 1, p.Retained, []byte(p.Value.String()))
	}
	_ = m.publisher.Publish(d.Ref.String()+"/$state", 1, true, []byte("ready"))
}

func (m *Manager) publishRoot() {
	m.mu.Lock()
	m.rootVer++
	ver := m.rootVer
	m.mu.Unlock()
	_ = ver // description payload construction is an external wire-encoder concern (spec.md §1); version is tracked for monotonicity
	_ = m.publisher.Publish(m.RootRef().String()+"/$state", 1, true, []byte("ready"))
}

// startRehydration subscribes each pending property's own topic and
// arms a cancellation timer; on first message it adopts the value and
// unsubscribes, on expiry it unsubscribes and proceeds with the
// computed default (spec.md §4.I "Retained-value rehydration").
func (m *Manager) startRehydration(d *Device) {
	for ptr, p := range d.Properties {
		if !(p.Retained && p.Options.ReadFromMqtt) {
			continue
		}
		propRef := homie.PropertyRef{Domain: d.Ref.Domain, DeviceID: d.Ref.DeviceID, NodeID: ptr.NodeID, PropertyID: ptr.PropertyID}
		timeout := p.Options.ReadTimeout
		if timeout <= 0 {
			timeout = defaultReadTimeout
		}
		p.rehydrating = true
		p.rehydrateAbort = make(chan struct{})
		abort := p.rehydrateAbort
		topic := propRef.Topic()

		resolved := make(chan homie.Value, 1)
		_ = m.publisher.Subscribe(topic, 1, func(msg broker.Message) {
			v, err := homie.ParseValue(p.Datatype, string(msg.Payload()))
			if err != nil {
				return
			}
			select {
			case resolved <- v:
			default:
			}
		})

		go func(d *Device, p *Property, propRef homie.PropertyRef, topic string, abort chan struct{}) {
			select {
			case v := <-resolved:
				m.finishRehydration(d, p, propRef, topic, &v, abort)
			case <-time.After(timeout):
				m.finishRehydration(d, p, propRef, topic, nil, abort)
			case <-abort:
			}
		}(d, p, propRef, topic, abort)
	}
}

func (m *Manager) finishRehydration(d *Device, p *Property, propRef homie.PropertyRef, topic string, v *homie.Value, abort chan struct{}) {
	select {
	case <-abort:
		return // already aborted (device removed); single-shot semantics (spec.md §5)
	default:
	}

	m.mu.Lock()
	if !p.rehydrating {
		m.mu.Unlock()
		return
	}
	p.rehydrating = false
	if v != nil {
		p.Value = *v
	}
	d.MqttReads--
	ready := d.Ready()
	m.mu.Unlock()

	_ = m.publisher.Unsubscribe(topic)

	if ready {
		m.publishFullDevice(d)
		m.publishRoot()
	}
}

// ScheduleRecompute debounces a recompute request for prop (spec.md
// §4.I "default 200 ms"). The actual work runs when the debounce fires
// by asking the RecomputeScheduler to queue an App event, guaranteeing
// it executes on the single-threaded loop.
func (m *Manager) ScheduleRecompute(prop homie.PropertyRef, debounce time.Duration) {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	m.mu.Lock()
	if t, ok := m.pending[prop]; ok {
		t.Stop()
	}
	m.pending[prop] = time.AfterFunc(debounce, func() {
		m.mu.Lock()
		delete(m.pending, prop)
		m.mu.Unlock()
		if m.sched != nil {
			m.sched.ScheduleRecompute(prop)
		}
	})
	m.mu.Unlock()
}

// Recompute runs the single-aggregate pipeline of spec.md §4.I steps
// 1-4 for one virtual property and publishes on change.
func (m *Manager) Recompute(prop homie.PropertyRef) {
	m.mu.Lock()
	d, ok := m.devices[prop.Device()]
	if !ok {
		m.mu.Unlock()
		return
	}
	p, ok := d.Properties[prop.Pointer()]
	m.mu.Unlock()
	if !ok || p.Compound == nil {
		return
	}

	next := m.computeValue(p)
	if next.Equal(p.Value) || (next.IsEmpty() && p.Value.IsEmpty()) {
		return
	}
	p.Value = next
	if next.IsEmpty() {
		return // HomieValue::Empty is never published (spec.md §4.I step 4)
	}
	_ = m.publisher.Publish(prop.Topic(), 1, p.Retained, []byte(next.String()))
}

// computeValue implements steps 1-3: collect, dedupe, aggregate.
func (m *Manager) computeValue(p *Property) homie.Value {
	seen := map[homie.PropertyRef]struct{}{}
	var inputs []homie.Value

	collect := func(ref homie.PropertyRef, mapping Mapping) {
		if _, dup := seen[ref]; dup {
			return
		}
		seen[ref] = struct{}{}
		if !m.deviceReady(ref.Device()) {
			return
		}
		v, ok := m.store.PropertyValue(ref)
		if !ok || v.IsEmpty() {
			return
		}
		if len(mapping.Entries) == 0 {
			mapping = p.Compound.WholeMapping
		}
		mapped, matched := mapping.Apply(v.String())
		if !matched {
			return
		}
		pv, err := homie.ParseValue(p.Datatype, mapped)
		if err != nil {
			return
		}
		inputs = append(inputs, pv)
	}

	for _, mem := range p.Compound.Members {
		switch mem.Kind {
		case MemberSubject:
			collect(mem.Subject, Mapping{})
		case MemberSubjectMapped:
			collect(mem.Subject, mem.Mapping)
		case MemberQuery:
			for _, ref := range mem.QueryRefs {
				collect(ref, mem.Mapping)
			}
		case MemberMqtt:
			if mem.HasMqtt {
				raw, matched := p.Compound.WholeMapping.Apply(mem.LastMqtt)
				pv, err := homie.ParseValue(p.Datatype, raw)
				if matched && err == nil {
					inputs = append(inputs, pv)
				}
			}
		}
	}

	return Aggregate(p.Compound.Aggregate, p.Datatype, inputs)
}

func (m *Manager) deviceReady(ref homie.DeviceRef) bool {
	state, ok := m.store.State(ref)
	return ok && state == homie.StatusReady
}

// recomputeAllSync runs Recompute for every property of d synchronously
// at add-time, bypassing the debouncer (there is nothing to coalesce
// against yet).
func (m *Manager) recomputeAllSync(d *Device) {
	for _, p := range d.Properties {
		if p.Compound == nil {
			continue
		}
		p.Value = m.computeValue(p)
	}
}

// HandleMemberMqtt updates an mqtt-member's last value and schedules a
// recompute of every property that embeds it. This package does not
// subscribe mqtt-member input topics; a member's value changes only
// through a call to this method.
func (m *Manager) HandleMemberMqtt(prop homie.PropertyRef, topic string, payload string) {
	m.mu.Lock()
	d, ok := m.devices[prop.Device()]
	if !ok {
		m.mu.Unlock()
		return
	}
	p, ok := d.Properties[prop.Pointer()]
	m.mu.Unlock()
	if !ok || p.Compound == nil {
		return
	}
	changed := false
	for i := range p.Compound.Members {
		mem := &p.Compound.Members[i]
		if mem.Kind == MemberMqtt && mem.InputTopic == topic {
			mem.LastMqtt = payload
			mem.HasMqtt = true
			changed = true
		}
	}
	if changed {
		debounce := p.Compound.AggregationDebounce
		m.ScheduleRecompute(prop, debounce)
	}
}

// Fanout implements spec.md §4.I "Set-command fan-out": publish to
// every settable property-member (through its output mapping if any)
// and every mqtt-member declaring an output topic. Query-members are
// never fan-out targets.
func (m *Manager) Fanout(prop homie.PropertyRef, value homie.Value) {
	d, ok := m.devices[prop.Device()]
	if !ok {
		return
	}
	p, ok := d.Properties[prop.Pointer()]
	if !ok || p.Compound == nil {
		return
	}

	if p.Options.PassThrough {
		p.Value = value
		if !value.IsEmpty() {
			_ = m.publisher.Publish(prop.Topic(), 1, p.Retained, []byte(value.String()))
		}
	}

	for _, mem := range p.Compound.Members {
		switch mem.Kind {
		case MemberSubject, MemberSubjectMapped:
			desc, ok := m.store.Description(mem.Subject.Device())
			if !ok {
				continue
			}
			if pd, ok := desc.Property(mem.Subject.Pointer()); !ok || !pd.Settable {
				continue
			}
			out := value.String()
			if mem.Kind == MemberSubjectMapped {
				mapped, matched := mem.Mapping.Apply(out)
				if !matched {
					continue
				}
				out = mapped
			}
			_ = m.publisher.Publish(mem.Subject.Topic()+"/set", 1, false, []byte(out))
		case MemberMqtt:
			if mem.OutputTopic != "" {
				_ = m.publisher.Publish(mem.OutputTopic, mem.QoS, mem.Retained, []byte(value.String()))
			}
		}
	}
}
