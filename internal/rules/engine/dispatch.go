package engine

import (
	"github.com/homie-homecontrol/hc-homie5-automation/internal/cronsched"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/model"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/solar"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/timer"
)

// fireMatching evaluates evt against every trigger of every rule and
// executes the rule once per rule that has at least one matching
// trigger (each handler below is invoked from the single-threaded
// event-multiplexer loop per spec.md §4.K, so no two dispatches ever
// overlap).
func (m *Manager) fireMatching(evt model.TriggerEvent) {
	for ruleHash, r := range m.rules {
		for _, t := range r.Triggers {
			if m.Match(t, evt) {
				m.ExecuteRule(ruleHash, r, evt)
				break
			}
		}
	}
}

// HandlePropertyTriggered handles DiscoveryAction::DevicePropertyValueTriggered.
func (m *Manager) HandlePropertyTriggered(prop homie.PropertyRef, value homie.Value) {
	m.fireMatching(model.TriggerEvent{Kind: model.EventPropertyTriggered, Prop: prop, Value: value.String()})
}

// HandlePropertyChanged handles DiscoveryAction::DevicePropertyValueChanged.
// Per spec.md §4.E, if from is the first observation (hadPrev=false) no
// rule fires.
func (m *Manager) HandlePropertyChanged(prop homie.PropertyRef, from homie.Value, hadPrev bool, to homie.Value) {
	if !hadPrev {
		return
	}
	evt := model.TriggerEvent{
		Kind: model.EventPropertyChanged, Prop: prop,
		FromValue: from.String(), HasFromValue: !from.IsEmpty(), ToValue: to.String(),
	}
	m.fireMatching(evt)
}

// HandleOnSet handles a PropertySet message aimed at a virtual
// property.
func (m *Manager) HandleOnSet(prop homie.PropertyRef, value homie.Value) {
	m.fireMatching(model.TriggerEvent{Kind: model.EventOnSet, Prop: prop, Value: value.String()})
}

// HandleMqttEvent handles a raw broker message matched against
// MqttTrigger topic filters.
func (m *Manager) HandleMqttEvent(topic string, payload string, retained bool) {
	m.fireMatching(model.TriggerEvent{Kind: model.EventMqtt, MqttTopic: topic, MqttPayload: payload, MqttRetain: retained})
}

// HandleCronEvent dispatches directly to the rule_hash/trigger_index
// the cron scheduler carries, per spec.md §4.F "CronTrigger: matched
// purely by dispatch".
func (m *Manager) HandleCronEvent(ev cronsched.Event) {
	r, ok := m.rules[ev.RuleHash]
	if !ok || ev.TriggerIdx >= len(r.Triggers) {
		return
	}
	t := r.Triggers[ev.TriggerIdx]
	if t.Kind != model.TriggerCron {
		return
	}
	evt := model.TriggerEvent{Kind: model.EventCron, RuleHash: ev.RuleHash, TriggerIdx: ev.TriggerIdx}
	if m.Match(t, evt) {
		m.ExecuteRule(ev.RuleHash, r, evt)
	}
}

// HandleSolarEvent dispatches directly to the rule_hash/trigger_index
// the solar scheduler carries, mirroring cron dispatch (spec.md §4.C,
// Open Question): the trigger's Δ must equal the Delta the scheduler
// emitted, with no offset recomputed here; Match then compares kind and
// phase.
func (m *Manager) HandleSolarEvent(ev solar.Event) {
	r, ok := m.rules[ev.RuleHash]
	if !ok || ev.TriggerIdx >= len(r.Triggers) {
		return
	}
	t := r.Triggers[ev.TriggerIdx]
	var kind model.TriggerKind
	switch ev.Kind {
	case solar.At:
		kind = model.TriggerSolarAt
	case solar.After:
		kind = model.TriggerSolarAfter
	case solar.Before:
		kind = model.TriggerSolarBefore
	}
	if t.Kind != kind || t.SolarDelta != ev.Delta {
		return
	}
	evt := model.TriggerEvent{
		Kind: model.EventSolar, SolarKind: kind, SolarPhase: string(ev.Phase),
	}
	if m.Match(t, evt) {
		m.ExecuteRule(ev.RuleHash, r, evt)
	}
}

// HandleTimerEvent dispatches a fired timer. If the scheduler captured
// a specific RuleAction (armed by an action's own TimerDef), that exact
// action runs with ignore_timer=true; otherwise the fire is treated as
// a plain TimerTrigger match across all rules (spec.md §4.A).
func (m *Manager) HandleTimerEvent(ev timer.Event) {
	if action, ok := ev.RuleAction.(model.Action); ok {
		r, ok := m.rules[ev.RuleHash]
		if !ok {
			return
		}
		triggerEvt, _ := ev.TriggerEvent.(model.TriggerEvent)
		m.ExecuteTimerBoundAction(ev.RuleHash, r.Name, action, triggerEvt)
		return
	}

	evt := model.TriggerEvent{Kind: model.EventTimer, TimerID: ev.ID}
	m.fireMatching(evt)
}
