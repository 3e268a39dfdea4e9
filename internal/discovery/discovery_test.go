package discovery

import (
	"testing"
	"time"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
)

// fakeMessage satisfies the paho mqtt.Message interface (broker.Message)
// for tests, without needing a live broker connection.
type fakeMessage struct {
	topic    string
	payload  []byte
	retained bool
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return m.retained }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestClient_HandleDescription(t *testing.T) {
	store := homie.NewStore()
	c := &Client{domain: "homie", store: store, Events: make(chan Event, 4)}

	desc := `{"Name":"Living Room Light","Nodes":{"switch":{"Properties":{"on":{"Datatype":"boolean","Settable":true}}}}}`
	c.handle(fakeMessage{topic: "homie/light-1/$description", payload: []byte(desc), retained: true})

	ev := <-c.Events
	if ev.Kind != KindDescriptionChanged {
		t.Fatalf("expected KindDescriptionChanged, got %v", ev.Kind)
	}
	if ev.Desc.Name != "Living Room Light" {
		t.Fatalf("unexpected decoded description: %#v", ev.Desc)
	}
	if _, ok := store.Description(homie.DeviceRef{Domain: "homie", DeviceID: "light-1"}); !ok {
		t.Fatalf("expected description to be stored")
	}
}

func TestClient_HandleDescriptionRemoval(t *testing.T) {
	store := homie.NewStore()
	ref := homie.DeviceRef{Domain: "homie", DeviceID: "light-1"}
	store.SetDescription(ref, homie.DeviceDescription{Name: "x"})
	c := &Client{domain: "homie", store: store, Events: make(chan Event, 4)}

	c.handle(fakeMessage{topic: "homie/light-1/$description", payload: nil, retained: true})

	ev := <-c.Events
	if ev.Kind != KindDeviceRemoved {
		t.Fatalf("expected KindDeviceRemoved, got %v", ev.Kind)
	}
	if _, ok := store.Description(ref); ok {
		t.Fatalf("expected description to be removed from store")
	}
}

func TestClient_HandlePropertyRetainedVsTriggered(t *testing.T) {
	store := homie.NewStore()
	ref := homie.DeviceRef{Domain: "homie", DeviceID: "light-1"}
	store.SetDescription(ref, homie.DeviceDescription{
		Nodes: map[string]homie.NodeDescription{
			"switch": {Properties: map[string]homie.PropertyDescription{"on": {Datatype: homie.DatatypeBool}}},
		},
	})
	c := &Client{domain: "homie", store: store, Events: make(chan Event, 4)}

	c.handle(fakeMessage{topic: "homie/light-1/switch/on", payload: []byte("true"), retained: true})
	ev := <-c.Events
	if ev.Kind != KindPropertyValueChanged {
		t.Fatalf("expected KindPropertyValueChanged for retained publish, got %v", ev.Kind)
	}
	if ev.HadFrom {
		t.Fatalf("expected no prior value on first observation")
	}

	c.handle(fakeMessage{topic: "homie/light-1/switch/on", payload: []byte("false"), retained: false})
	ev = <-c.Events
	if ev.Kind != KindPropertyValueTriggered {
		t.Fatalf("expected KindPropertyValueTriggered for non-retained publish, got %v", ev.Kind)
	}
}

func TestClient_HandleState(t *testing.T) {
	store := homie.NewStore()
	c := &Client{domain: "homie", store: store, Events: make(chan Event, 4)}

	c.handle(fakeMessage{topic: "homie/light-1/$state", payload: []byte("ready"), retained: true})
	select {
	case ev := <-c.Events:
		if ev.Kind != KindStateChanged || ev.State != homie.StatusReady {
			t.Fatalf("unexpected state event: %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for state event")
	}

	// Re-publishing the same state is not a change and emits nothing.
	c.handle(fakeMessage{topic: "homie/light-1/$state", payload: []byte("ready"), retained: true})
	select {
	case ev := <-c.Events:
		t.Fatalf("expected no event for unchanged state, got %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClient_IgnoresOtherDomains(t *testing.T) {
	store := homie.NewStore()
	c := &Client{domain: "homie", store: store, Events: make(chan Event, 4)}

	c.handle(fakeMessage{topic: "other/light-1/$state", payload: []byte("ready"), retained: true})
	select {
	case ev := <-c.Events:
		t.Fatalf("expected no event for a foreign domain, got %#v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
