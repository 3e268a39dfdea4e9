package model

import "github.com/homie-homecontrol/hc-homie5-automation/internal/homie"

// TriggerEventKind tags the concrete event delivered to the engine,
// distinct from TriggerKind: a TriggerEvent is something that happened;
// a Trigger is something a rule is waiting for.
type TriggerEventKind int

const (
	EventPropertyTriggered TriggerEventKind = iota
	EventPropertyChanged
	EventTimer
	EventCron
	EventMqtt
	EventSolar
	EventOnSet
)

// TriggerEvent is the RuleTriggerEvent of spec.md §4.H's `event` table
// ("current RuleTriggerEvent as {type, prop, value, from_value,
// on_set_value, timer_id, mqtt_topic, mqtt_retain}").
type TriggerEvent struct {
	Kind TriggerEventKind

	Prop homie.PropertyRef

	// PropertyTriggered / OnSet
	Value string

	// PropertyChanged
	FromValue    string
	HasFromValue bool
	ToValue      string

	// Timer
	TimerID string

	// Cron
	RuleHash   uint64
	TriggerIdx int

	// Mqtt
	MqttTopic   string
	MqttPayload string
	MqttRetain  bool

	// Solar
	SolarKind  TriggerKind // TriggerSolarAt/After/Before
	SolarPhase string
}

// ResolvedValue extracts the MapSet input value per spec.md §4.F:
// "PropertyChanged.to / PropertyTriggered.value / OnSet.value /
// Timer.id / Mqtt.payload / Solar.phase".
func (e TriggerEvent) ResolvedValue() string {
	switch e.Kind {
	case EventPropertyChanged:
		return e.ToValue
	case EventPropertyTriggered, EventOnSet:
		return e.Value
	case EventTimer:
		return e.TimerID
	case EventMqtt:
		return e.MqttPayload
	case EventSolar:
		return e.SolarPhase
	default:
		return ""
	}
}
