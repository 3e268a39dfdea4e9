package config

import (
	"testing"
	"time"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/virtual"
)

const sampleDoc = `
virtual_devices:
  - id: all-lights
    name: All Lights
    properties:
      - id: on
        node_id: switch
        datatype: boolean
        retained: true
        aggregate: or
        aggregation_debounce: 200ms
        members:
          - kind: subject
            subject: light-1/switch/on
          - kind: subject_mapped
            subject: light-2/switch/on
            mapping:
              - match: "open"
                value: "true"
      - id: passthrough
        datatype: string
        pass_through: true
`

func TestDecode_CompoundDeviceWithMembers(t *testing.T) {
	decode := NewDecoder("homie")
	devices, err := decode("vdev.yaml", []byte(sampleDoc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	dev, ok := devices["all-lights"]
	if !ok {
		t.Fatalf("expected a device named all-lights")
	}
	if dev.Ref.DeviceID != "all-lights" || dev.Description.Name != "All Lights" {
		t.Fatalf("unexpected device ref/description: %#v", dev)
	}

	onProp, ok := dev.Properties[homie.PropertyPointer{NodeID: "switch", PropertyID: "on"}]
	if !ok {
		t.Fatalf("expected an \"on\" property under node switch")
	}
	if onProp.Compound == nil {
		t.Fatalf("expected a compound spec for a property with members")
	}
	if onProp.Compound.Aggregate != virtual.AggOr {
		t.Fatalf("expected aggregate \"or\", got %q", onProp.Compound.Aggregate)
	}
	if onProp.Compound.AggregationDebounce != 200*time.Millisecond {
		t.Fatalf("expected a 200ms debounce, got %v", onProp.Compound.AggregationDebounce)
	}
	if len(onProp.Compound.Members) != 2 {
		t.Fatalf("expected two members, got %d", len(onProp.Compound.Members))
	}
	if onProp.Compound.Members[0].Kind != virtual.MemberSubject {
		t.Fatalf("expected first member to be a plain subject")
	}
	mapped := onProp.Compound.Members[1]
	if mapped.Kind != virtual.MemberSubjectMapped {
		t.Fatalf("expected second member to be subject_mapped")
	}
	if out, ok := mapped.Mapping.Apply("open"); !ok || out != "true" {
		t.Fatalf("expected mapping to translate \"open\"->\"true\", got %q ok=%v", out, ok)
	}

	// A plain (non-compound) property is settable by default.
	passProp, ok := dev.Properties[homie.PropertyPointer{NodeID: "default", PropertyID: "passthrough"}]
	if !ok {
		t.Fatalf("expected a passthrough property under the default node")
	}
	if passProp.Compound != nil {
		t.Fatalf("expected the passthrough property to have no compound spec")
	}
	if nd, ok := dev.Description.Nodes["default"]; !ok || !nd.Properties["passthrough"].Settable {
		t.Fatalf("expected a non-compound property to be marked settable")
	}

	// The compound "on" property is not settable unless pass-through is on.
	if nd, ok := dev.Description.Nodes["switch"]; !ok || nd.Properties["on"].Settable {
		t.Fatalf("expected the aggregated \"on\" property to not be settable without pass-through")
	}
}

func TestDecode_MissingDeviceID(t *testing.T) {
	decode := NewDecoder("homie")
	doc := "virtual_devices:\n  - name: x\n    properties: []\n"
	if _, err := decode("bad.yaml", []byte(doc)); err == nil {
		t.Fatalf("expected an error for a device missing its id")
	}
}

func TestDecode_UnknownMemberKind(t *testing.T) {
	decode := NewDecoder("homie")
	doc := "virtual_devices:\n  - id: d\n    properties:\n      - id: p\n        datatype: string\n        members:\n          - kind: bogus\n"
	if _, err := decode("bad.yaml", []byte(doc)); err == nil {
		t.Fatalf("expected an error for an unrecognized member kind")
	}
}

func TestDecode_QueryMemberSetsHasQueries(t *testing.T) {
	decode := NewDecoder("homie")
	doc := "virtual_devices:\n  - id: d\n    properties:\n      - id: p\n        datatype: string\n        aggregate: equal\n        members:\n          - kind: query\n            node_type: switch\n            property_id: on\n"
	devices, err := decode("vdev.yaml", []byte(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !devices["d"].HasQueries {
		t.Fatalf("expected a query member to set HasQueries on the device")
	}
}
