// Package discovery subscribes to a Homie 5 domain's wildcard topic and
// translates the raw MQTT traffic into Event values carrying the
// DiscoveryAction variants spec.md §4.E describes (description
// changes, removals, property value changes/triggers, state changes);
// cmd/automation forwards them to the event loop as
// eventloop.DiscoveryEvent values.
//
// The wire layout mirrors homie.PropertyRef.Topic()/DeviceRef.String():
// "<domain>/<device>/$description" (JSON DeviceDescription, empty
// retained payload removes the device), "<domain>/<device>/$state"
// (plain DeviceStatus string), and "<domain>/<device>/<node>/<prop>"
// (the property's wire value; non-retained publishes, whatever their
// QoS, are triggers, retained publishes are value changes).
package discovery

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/broker"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
)

// Kind mirrors eventloop.DiscoveryKind without importing eventloop,
// which itself depends on this package's consumer wiring, not this
// package directly — kept string-free to avoid a cycle through a
// shared "kinds" package for five constants.
type Kind int

const (
	KindDescriptionChanged Kind = iota
	KindDeviceRemoved
	KindPropertyValueChanged
	KindPropertyValueTriggered
	KindStateChanged
)

// Event is the discovery-client's output, consumed by the event
// multiplexer and translated 1:1 into its own DiscoveryEvent type.
type Event struct {
	Kind      Kind
	Device    homie.DeviceRef
	Prop      homie.PropertyRef
	Desc      homie.DeviceDescription
	Value     homie.Value
	FromValue homie.Value
	HadFrom   bool
	State     homie.DeviceStatus
	PrevState homie.DeviceStatus
}

// Client subscribes to a domain's wildcard topic and emits Events built
// against the authoritative Store, so that reconciliation (description
// arriving after values, or vice versa) happens in one place.
type Client struct {
	domain string
	broker *broker.Client
	store  *homie.Store

	Events chan Event
}

func New(domain string, b *broker.Client, store *homie.Store) *Client {
	return &Client{
		domain: domain,
		broker: b,
		store:  store,
		Events: make(chan Event, 64),
	}
}

// Start subscribes to the domain wildcard. Call once after the broker
// client is connected; re-call after a broker Reconnect since
// Client.broker.Resubscribe already replays the wire subscription, but
// the Store itself must be cleared by the caller (§4.L) before values
// begin flowing again.
func (c *Client) Start() error {
	return c.broker.Subscribe(c.domain+"/#", 1, c.handle)
}

func (c *Client) emit(ev Event) {
	select {
	case c.Events <- ev:
	default:
		slog.Warn("discovery event channel full, dropping event", "kind", ev.Kind)
	}
}

func (c *Client) handle(m broker.Message) {
	parts := strings.Split(m.Topic(), "/")
	if len(parts) < 2 || parts[0] != c.domain {
		return
	}
	device := homie.DeviceRef{Domain: c.domain, DeviceID: parts[1]}

	switch {
	case len(parts) == 3 && parts[2] == "$description":
		c.handleDescription(device, m)
	case len(parts) == 3 && parts[2] == "$state":
		c.handleState(device, m)
	case len(parts) == 4:
		c.handleProperty(homie.PropertyRef{Domain: c.domain, DeviceID: device.DeviceID, NodeID: parts[2], PropertyID: parts[3]}, m)
	}
}

func (c *Client) handleDescription(device homie.DeviceRef, m broker.Message) {
	payload := m.Payload()
	if len(payload) == 0 {
		c.store.RemoveDevice(device)
		c.emit(Event{Kind: KindDeviceRemoved, Device: device})
		return
	}
	var desc homie.DeviceDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		slog.Error("discovery: invalid device description", "device", device, "error", err)
		return
	}
	c.store.SetDescription(device, desc)
	c.emit(Event{Kind: KindDescriptionChanged, Device: device, Desc: desc})
}

func (c *Client) handleState(device homie.DeviceRef, m broker.Message) {
	state := homie.DeviceStatus(strings.TrimSpace(string(m.Payload())))
	prev := c.store.SetState(device, state)
	if prev == state {
		return
	}
	c.emit(Event{Kind: KindStateChanged, Device: device, State: state, PrevState: prev})
}

func (c *Client) handleProperty(ref homie.PropertyRef, m broker.Message) {
	desc, ok := c.store.Description(ref.Device())
	dt := homie.DatatypeString
	if ok {
		if pd, ok := desc.Property(ref.Pointer()); ok {
			dt = pd.Datatype
		}
	}
	v, err := homie.ParseValue(dt, string(m.Payload()))
	if err != nil {
		slog.Warn("discovery: invalid property payload", "prop", ref.Topic(), "error", err)
		return
	}

	if !m.Retained() {
		c.emit(Event{Kind: KindPropertyValueTriggered, Prop: ref, Value: v})
		return
	}

	prev, hadPrev := c.store.SetPropertyValue(ref, v)
	c.emit(Event{Kind: KindPropertyValueChanged, Prop: ref, Value: v, FromValue: prev, HadFrom: hadPrev})
}
