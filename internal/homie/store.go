package homie

import "sync"

// DeviceStatus mirrors the Homie 5 $state node.
type DeviceStatus string

const (
	StatusInit         DeviceStatus = "init"
	StatusReady        DeviceStatus = "ready"
	StatusDisconnected DeviceStatus = "disconnected"
	StatusSleeping     DeviceStatus = "sleeping"
	StatusLost         DeviceStatus = "lost"
	StatusAlert        DeviceStatus = "alert"
)

// LastValueEntry is the last-known value of a property plus the retained
// flag it arrived with, so virtual-property fan-out and script reads can
// tell a freshly-observed value from a rehydrated one.
type LastValueEntry struct {
	Value    Value
	Retained bool
}

type deviceEntry struct {
	description *DeviceDescription
	propValues  map[PropertyPointer]LastValueEntry
	alerts      map[string]string
	state       DeviceStatus
}

func newDeviceEntry() *deviceEntry {
	return &deviceEntry{
		propValues: map[PropertyPointer]LastValueEntry{},
		alerts:     map[string]string{},
		state:      StatusInit,
	}
}

// Store is the authoritative mirror of discovered devices and their
// last-known property values. Writes come only from discovery-event
// handling; everything else only reads (§5 shared-resource policy).
type Store struct {
	mu      sync.RWMutex
	devices map[DeviceRef]*deviceEntry
}

func NewStore() *Store {
	return &Store{devices: map[DeviceRef]*deviceEntry{}}
}

func (s *Store) entry(ref DeviceRef) *deviceEntry {
	e, ok := s.devices[ref]
	if !ok {
		e = newDeviceEntry()
		s.devices[ref] = e
	}
	return e
}

// SetDescription installs/replaces a device's description and reconciles
// already-observed property values against it: a property value recorded
// before its description arrived is kept (tolerated) rather than
// dropped, per the DeviceStore invariant in spec.md §3.
func (s *Store) SetDescription(ref DeviceRef, desc DeviceDescription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(ref)
	e.description = &desc
}

func (s *Store) Description(ref DeviceRef) (DeviceDescription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.devices[ref]
	if !ok || e.description == nil {
		return DeviceDescription{}, false
	}
	return *e.description, true
}

// SetState records a device's $state transition and returns the prior
// state (StatusInit if the device was unknown).
func (s *Store) SetState(ref DeviceRef, state DeviceStatus) DeviceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(ref)
	prev := e.state
	e.state = state
	return prev
}

func (s *Store) State(ref DeviceRef) (DeviceStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.devices[ref]
	if !ok {
		return "", false
	}
	return e.state, true
}

// SetPropertyValue records a retained property value change and returns
// the previous value (IsEmpty() if this is the first observation).
func (s *Store) SetPropertyValue(ref PropertyRef, v Value) (prev Value, hadPrev bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(ref.Device())
	ptr := ref.Pointer()
	old, ok := e.propValues[ptr]
	e.propValues[ptr] = LastValueEntry{Value: v, Retained: true}
	if ok {
		return old.Value, true
	}
	return Empty(), false
}

func (s *Store) PropertyValue(ref PropertyRef) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.devices[ref.Device()]
	if !ok {
		return Empty(), false
	}
	lv, ok := e.propValues[ref.Pointer()]
	if !ok {
		return Empty(), false
	}
	return lv.Value, true
}

// RemoveDevice drops a device and all of its tracked state.
func (s *Store) RemoveDevice(ref DeviceRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, ref)
}

// Clear drops every tracked device (used on discovery-client Reconnect,
// §4.L).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = map[DeviceRef]*deviceEntry{}
}

func (s *Store) SetAlert(ref DeviceRef, id, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(ref)
	e.alerts[id] = message
}

func (s *Store) ClearAlert(ref DeviceRef, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.devices[ref]
	if !ok {
		return
	}
	delete(e.alerts, id)
}

func (s *Store) Alerts(ref DeviceRef) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.devices[ref]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(e.alerts))
	for k, v := range e.alerts {
		out[k] = v
	}
	return out
}

// Devices returns a snapshot of every tracked device ref. Used by
// RuleManager/VirtualDeviceManager to (re-)materialize queries.
func (s *Store) Devices() []DeviceRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeviceRef, 0, len(s.devices))
	for ref := range s.devices {
		out = append(out, ref)
	}
	return out
}
