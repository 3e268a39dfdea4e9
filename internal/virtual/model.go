// Package virtual implements the Virtual Property/Virtual Device
// Manager of spec.md §4.I/§4.J: the compound-member graph, aggregation
// functions, debounced recomputation, retained-value rehydration, and
// set-command fan-out, plus the PropertyIndex reverse map and the root
// controller device's child-list bookkeeping.
//
// Grounded on the Engine/Definition node-and-edge graph shape of
// automation-service/internal/engine/{engine,definition}.go,
// generalized from automation-service's single computed-output-per-node
// model to spec.md's member/aggregation/mapping pipeline, and on
// original_source/src/virtual_devices/root_device.rs for the root
// device's monotonically-increasing description version.
package virtual

import (
	"time"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
)

// AggregateFunc is spec.md §4.I's aggregate_function enum.
type AggregateFunc string

const (
	AggEqual   AggregateFunc = "equal"
	AggOr      AggregateFunc = "or"
	AggAnd     AggregateFunc = "and"
	AggNor     AggregateFunc = "nor"
	AggNand    AggregateFunc = "nand"
	AggAvg     AggregateFunc = "avg"
	AggAvgCeil AggregateFunc = "avg_ceil"
	AggMax     AggregateFunc = "max"
	AggMin     AggregateFunc = "min"
)

// Mapping is an ordered from→to value table applied to one member's
// (or a whole CompoundSpec's) raw input before aggregation.
type Mapping struct {
	Entries []MapEntry
}

type MapEntry struct {
	From string
	To   string
}

// Apply looks the input up in the mapping, returning Mapped=false on a
// miss (spec.md §4.I "per-hop value mapping").
func (m Mapping) Apply(input string) (output string, mapped bool) {
	if len(m.Entries) == 0 {
		return input, true
	}
	for _, e := range m.Entries {
		if e.From == input {
			return e.To, true
		}
	}
	return "", false
}

// MemberKind tags a MemberSpec variant.
type MemberKind int

const (
	MemberSubject MemberKind = iota
	MemberSubjectMapped
	MemberQuery
	MemberMqtt
)

// MemberSpec is one compound-member contributor (spec.md §3
// "MemberSpec").
type MemberSpec struct {
	Kind MemberKind

	// MemberSubject / MemberSubjectMapped
	Subject homie.PropertyRef
	Mapping Mapping

	// MemberQuery
	Query     homie.Query
	QueryRefs []homie.PropertyRef // materialized set

	// MemberMqtt
	InputTopic  string
	OutputTopic string
	QoS         byte
	Retained    bool
	LastMqtt    string
	HasMqtt     bool
}

// CompoundSpec is spec.md §3's CompoundSpec.
type CompoundSpec struct {
	Members            []MemberSpec
	WholeMapping       Mapping
	HasWholeMapping    bool
	Aggregate          AggregateFunc
	AggregationDebounce time.Duration
}

// Options carries the per-property behavioral flags of spec.md §4.I.
type Options struct {
	PassThrough   bool
	ReadFromMqtt  bool
	ReadTimeout   time.Duration
}

// Property is spec.md §3's VirtualProperty.
type Property struct {
	Ref      homie.PropertyRef
	Datatype homie.Datatype
	Retained bool
	Value    homie.Value
	Compound *CompoundSpec
	Options  Options

	pendingRecompute bool
	rehydrating      bool
	rehydrateAbort   chan struct{}
}

// Device is spec.md §3's VirtualDevice.
type Device struct {
	SpecHash    uint64
	Ref         homie.DeviceRef
	Description homie.DeviceDescription
	Properties  map[homie.PropertyPointer]*Property
	Alerts      map[string]string
	HasQueries  bool
	MqttReads   int // count of properties still rehydrating
}

// Ready reports whether every rehydrating property has resolved
// (spec.md §4.I: "once all reads resolve, the full device ... is
// published and state moves to Ready").
func (d *Device) Ready() bool { return d.MqttReads == 0 }
