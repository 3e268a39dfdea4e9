package engine

import (
	"testing"
	"time"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/model"
)

func newTestManager(t *testing.T, now time.Time) (*Manager, *homie.Store) {
	t.Helper()
	store := homie.NewStore()
	deps := Deps{
		Store: store,
		Now:   func() time.Time { return now },
	}
	return NewManager(deps), store
}

func TestMatch_SubjectTriggered(t *testing.T) {
	m, _ := newTestManager(t, time.Now())
	prop := homie.PropertyRef{Domain: "homie", DeviceID: "d", NodeID: "n", PropertyID: "p"}
	trig := model.Trigger{Kind: model.TriggerSubjectTriggered, Subjects: []homie.PropertyRef{prop}}

	matching := model.TriggerEvent{Kind: model.EventPropertyTriggered, Prop: prop, Value: "press"}
	if !m.Match(trig, matching) {
		t.Fatalf("expected a plain subject_triggered trigger to match its subject")
	}

	wrongProp := model.TriggerEvent{Kind: model.EventPropertyTriggered, Prop: homie.PropertyRef{Domain: "homie", DeviceID: "other"}, Value: "press"}
	if m.Match(trig, wrongProp) {
		t.Fatalf("expected no match for an unrelated property")
	}

	wrongKind := model.TriggerEvent{Kind: model.EventPropertyChanged, Prop: prop}
	if m.Match(trig, wrongKind) {
		t.Fatalf("expected no match for a different event kind")
	}
}

func TestMatch_SubjectTriggeredWithValueCondition(t *testing.T) {
	m, _ := newTestManager(t, time.Now())
	prop := homie.PropertyRef{Domain: "homie", DeviceID: "d", NodeID: "n", PropertyID: "p"}
	trig := model.Trigger{
		Kind:     model.TriggerSubjectTriggered,
		Subjects: []homie.PropertyRef{prop},
		Value:    model.ValueCondition{HasEquals: true, Equals: "press"},
	}
	if !m.Match(trig, model.TriggerEvent{Kind: model.EventPropertyTriggered, Prop: prop, Value: "press"}) {
		t.Fatalf("expected a matching value condition to fire")
	}
	if m.Match(trig, model.TriggerEvent{Kind: model.EventPropertyTriggered, Prop: prop, Value: "release"}) {
		t.Fatalf("expected a mismatched value condition to not fire")
	}
}

func TestMatch_SubjectChangedWithFrom(t *testing.T) {
	m, _ := newTestManager(t, time.Now())
	prop := homie.PropertyRef{Domain: "homie", DeviceID: "d", NodeID: "n", PropertyID: "p"}
	trig := model.Trigger{
		Kind:     model.TriggerSubjectChanged,
		Subjects: []homie.PropertyRef{prop},
		Changed:  model.ChangedCondition{HasFrom: true, From: "off", To: model.ValueCondition{HasEquals: true, Equals: "on"}},
	}

	ok := model.TriggerEvent{Kind: model.EventPropertyChanged, Prop: prop, HasFromValue: true, FromValue: "off", ToValue: "on"}
	if !m.Match(trig, ok) {
		t.Fatalf("expected matching from/to to fire")
	}

	wrongFrom := model.TriggerEvent{Kind: model.EventPropertyChanged, Prop: prop, HasFromValue: true, FromValue: "dim", ToValue: "on"}
	if m.Match(trig, wrongFrom) {
		t.Fatalf("expected a mismatched \"from\" to not fire")
	}

	noPriorValue := model.TriggerEvent{Kind: model.EventPropertyChanged, Prop: prop, HasFromValue: false, ToValue: "on"}
	if m.Match(trig, noPriorValue) {
		t.Fatalf("expected a required \"from\" with no prior value to not fire")
	}
}

func TestMatch_Timer(t *testing.T) {
	m, _ := newTestManager(t, time.Now())
	trig := model.Trigger{Kind: model.TriggerTimer, TimerID: "t1"}
	if !m.Match(trig, model.TriggerEvent{Kind: model.EventTimer, TimerID: "t1"}) {
		t.Fatalf("expected matching timer id to fire")
	}
	if m.Match(trig, model.TriggerEvent{Kind: model.EventTimer, TimerID: "other"}) {
		t.Fatalf("expected a different timer id to not fire")
	}
}

func TestMatch_MqttWildcardAndSkipRetained(t *testing.T) {
	m, _ := newTestManager(t, time.Now())
	trig := model.Trigger{Kind: model.TriggerMqtt, MqttTopicFilter: "homie/+/switch/on", SkipRetained: true}

	if !m.Match(trig, model.TriggerEvent{Kind: model.EventMqtt, MqttTopic: "homie/light-1/switch/on"}) {
		t.Fatalf("expected a wildcard topic match to fire")
	}
	if m.Match(trig, model.TriggerEvent{Kind: model.EventMqtt, MqttTopic: "homie/light-1/switch/on", MqttRetain: true}) {
		t.Fatalf("expected SkipRetained to suppress a retained publish")
	}
	if m.Match(trig, model.TriggerEvent{Kind: model.EventMqtt, MqttTopic: "homie/light-1/dimmer/level"}) {
		t.Fatalf("expected a non-matching topic to not fire")
	}
}

func TestMatch_SolarRequiresKindAndPhase(t *testing.T) {
	m, _ := newTestManager(t, time.Now())
	trig := model.Trigger{Kind: model.TriggerSolarAfter, SolarPhase: "Sunset"}

	if !m.Match(trig, model.TriggerEvent{Kind: model.EventSolar, SolarKind: model.TriggerSolarAfter, SolarPhase: "Sunset"}) {
		t.Fatalf("expected matching solar kind/phase to fire")
	}
	if m.Match(trig, model.TriggerEvent{Kind: model.EventSolar, SolarKind: model.TriggerSolarBefore, SolarPhase: "Sunset"}) {
		t.Fatalf("expected a different solar trigger kind to not fire")
	}
	if m.Match(trig, model.TriggerEvent{Kind: model.EventSolar, SolarKind: model.TriggerSolarAfter, SolarPhase: "Sunrise"}) {
		t.Fatalf("expected a different phase to not fire")
	}
}

func TestMatch_WhileProperty(t *testing.T) {
	m, store := newTestManager(t, time.Now())
	prop := homie.PropertyRef{Domain: "homie", DeviceID: "d", NodeID: "n", PropertyID: "p"}
	guard := homie.PropertyRef{Domain: "homie", DeviceID: "d", NodeID: "n", PropertyID: "guard"}
	trig := model.Trigger{
		Kind:     model.TriggerTimer,
		TimerID:  "t1",
		While:    model.Single(model.WhileCondition{Kind: model.WhileProperty, Subject: guard, Predicate: model.ValueCondition{HasEquals: true, Equals: "armed"}}),
		Subjects: []homie.PropertyRef{prop},
	}
	evt := model.TriggerEvent{Kind: model.EventTimer, TimerID: "t1"}

	if m.Match(trig, evt) {
		t.Fatalf("expected no match while the guard property is unset")
	}
	store.SetPropertyValue(guard, homie.NewString(homie.DatatypeString, "armed"))
	if !m.Match(trig, evt) {
		t.Fatalf("expected a match once the guard property satisfies the predicate")
	}
	store.SetPropertyValue(guard, homie.NewString(homie.DatatypeString, "disarmed"))
	if m.Match(trig, evt) {
		t.Fatalf("expected no match once the guard property no longer satisfies the predicate")
	}
}

func TestMatch_WhileTimeStandardAndWeekdays(t *testing.T) {
	noon := time.Date(2024, 6, 21, 12, 0, 0, 0, time.UTC) // Friday
	m, _ := newTestManager(t, noon)

	after9 := time.Date(0, 1, 1, 9, 0, 0, 0, time.UTC)
	before17 := time.Date(0, 1, 1, 17, 0, 0, 0, time.UTC)
	trig := model.Trigger{
		Kind: model.TriggerCron,
		While: model.Single(model.WhileCondition{
			Kind:     model.WhileTimeStandard,
			After:    &after9,
			Before:   &before17,
			Weekdays: []time.Weekday{time.Monday, time.Friday},
		}),
	}
	if !m.Match(trig, model.TriggerEvent{Kind: model.EventCron}) {
		t.Fatalf("expected noon on a Friday within 9-17 to match")
	}

	wrongDay := model.Trigger{
		Kind: model.TriggerCron,
		While: model.Single(model.WhileCondition{
			Kind:     model.WhileTimeStandard,
			Weekdays: []time.Weekday{time.Sunday},
		}),
	}
	if m.Match(wrongDay, model.TriggerEvent{Kind: model.EventCron}) {
		t.Fatalf("expected a Friday timestamp to not match a Sunday-only weekday guard")
	}
}
