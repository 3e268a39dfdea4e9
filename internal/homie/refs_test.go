package homie

import "testing"

func TestDeviceRef_String(t *testing.T) {
	d := DeviceRef{Domain: "homie", DeviceID: "light-1"}
	if got := d.String(); got != "homie/light-1" {
		t.Fatalf("unexpected device ref string: %q", got)
	}
}

func TestPropertyRef_TopicDeviceAndPointer(t *testing.T) {
	p := PropertyRef{Domain: "homie", DeviceID: "light-1", NodeID: "switch", PropertyID: "on"}
	if got := p.Topic(); got != "homie/light-1/switch/on" {
		t.Fatalf("unexpected topic: %q", got)
	}
	if got := p.Device(); got != (DeviceRef{Domain: "homie", DeviceID: "light-1"}) {
		t.Fatalf("unexpected device ref: %#v", got)
	}
	if got := p.Pointer(); got != (PropertyPointer{NodeID: "switch", PropertyID: "on"}) {
		t.Fatalf("unexpected pointer: %#v", got)
	}
}

func TestParsePropertyRef(t *testing.T) {
	p, err := ParsePropertyRef("light-1/switch/on", "homie")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := PropertyRef{Domain: "homie", DeviceID: "light-1", NodeID: "switch", PropertyID: "on"}
	if p != want {
		t.Fatalf("expected %#v, got %#v", want, p)
	}

	p, err = ParsePropertyRef("other/light-1/switch/on", "homie")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Domain != "other" {
		t.Fatalf("expected explicit domain segment to override default, got %q", p.Domain)
	}

	if _, err := ParsePropertyRef("too/many/segments/here/indeed", "homie"); err == nil {
		t.Fatalf("expected an error for a malformed property reference")
	}
}
