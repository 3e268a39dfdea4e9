package model

import "testing"

func TestTriggerEvent_ResolvedValue(t *testing.T) {
	cases := []struct {
		name string
		ev   TriggerEvent
		want string
	}{
		{"changed uses ToValue", TriggerEvent{Kind: EventPropertyChanged, ToValue: "on"}, "on"},
		{"triggered uses Value", TriggerEvent{Kind: EventPropertyTriggered, Value: "press"}, "press"},
		{"on_set uses Value", TriggerEvent{Kind: EventOnSet, Value: "42"}, "42"},
		{"timer uses TimerID", TriggerEvent{Kind: EventTimer, TimerID: "t1"}, "t1"},
		{"mqtt uses MqttPayload", TriggerEvent{Kind: EventMqtt, MqttPayload: "hello"}, "hello"},
		{"solar uses SolarPhase", TriggerEvent{Kind: EventSolar, SolarPhase: "Sunset"}, "Sunset"},
		{"cron has no resolved value", TriggerEvent{Kind: EventCron}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ev.ResolvedValue(); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
