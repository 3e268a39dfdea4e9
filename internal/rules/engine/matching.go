package engine

import (
	"time"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/broker"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/model"
)

// Match reports whether trigger t fires for event evt, per the matching
// rules of spec.md §4.F "Trigger matching".
func (m *Manager) Match(t model.Trigger, evt model.TriggerEvent) bool {
	switch t.Kind {
	case model.TriggerSubjectTriggered:
		if evt.Kind != model.EventPropertyTriggered || !t.HasSubjectOrQuery() {
			return false
		}
		return t.MatchesSubject(evt.Prop) && t.Value.Matches(evt.Value) && m.evalWhile(t.While)

	case model.TriggerSubjectChanged:
		if evt.Kind != model.EventPropertyChanged || !t.HasSubjectOrQuery() {
			return false
		}
		if !t.MatchesSubject(evt.Prop) {
			return false
		}
		if t.Changed.HasFrom {
			if !evt.HasFromValue || evt.FromValue != t.Changed.From {
				return false
			}
		}
		return t.Changed.To.Matches(evt.ToValue) && m.evalWhile(t.While)

	case model.TriggerTimer:
		if evt.Kind != model.EventTimer {
			return false
		}
		return t.TimerID == evt.TimerID && m.evalWhile(t.While)

	case model.TriggerCron:
		if evt.Kind != model.EventCron {
			return false
		}
		return m.evalWhile(t.While)

	case model.TriggerMqtt:
		if evt.Kind != model.EventMqtt {
			return false
		}
		if !broker.TopicMatches(t.MqttTopicFilter, evt.MqttTopic) {
			return false
		}
		if t.SkipRetained && evt.MqttRetain {
			return false
		}
		return t.Value.Matches(evt.MqttPayload) && m.evalWhile(t.While)

	case model.TriggerSolarAt, model.TriggerSolarAfter, model.TriggerSolarBefore:
		if evt.Kind != model.EventSolar {
			return false
		}
		if t.Kind != evt.SolarKind || t.SolarPhase != evt.SolarPhase {
			return false
		}
		return m.evalWhile(t.While)

	case model.TriggerOnSet:
		if evt.Kind != model.EventOnSet || !t.HasSubjectOrQuery() {
			return false
		}
		return t.MatchesSubject(evt.Prop) && t.Value.Matches(evt.Value) && m.evalWhile(t.While)

	default:
		return false
	}
}

// evalWhile evaluates a WhileConditionSet: Multiple is AND (spec.md
// §4.F "WhileConditionSet").
func (m *Manager) evalWhile(set model.WhileConditionSet) bool {
	for _, c := range set.Conditions {
		if !m.evalOne(c) {
			return false
		}
	}
	return true
}

func (m *Manager) evalOne(c model.WhileCondition) bool {
	switch c.Kind {
	case model.WhileProperty:
		v, ok := m.deps.Store.PropertyValue(c.Subject)
		if !ok || v.IsEmpty() {
			return false
		}
		return c.Predicate.Matches(v.String())

	case model.WhileTimeStandard:
		now := m.now()
		return withinTimeOfDay(now, c.After, c.Before) && withinWeekdays(now, c.Weekdays)

	case model.WhileTimeBefore:
		now := m.now()
		return beforeTimeOfDay(now, c.Before) && withinWeekdays(now, c.Weekdays)

	case model.WhileTimeAfter:
		now := m.now()
		return afterTimeOfDay(now, c.After) && withinWeekdays(now, c.Weekdays)

	case model.WhileTimeWeekdays:
		return withinWeekdays(m.now(), c.Weekdays)

	default:
		return false
	}
}

func (m *Manager) now() time.Time {
	if m.deps.Now != nil {
		return m.deps.Now()
	}
	return time.Now()
}

func withinWeekdays(now time.Time, days []time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		if now.Weekday() == d {
			return true
		}
	}
	return false
}

func todClock(t time.Time) int {
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

func afterTimeOfDay(now time.Time, after *time.Time) bool {
	if after == nil {
		return true
	}
	return todClock(now) >= todClock(*after)
}

func beforeTimeOfDay(now time.Time, before *time.Time) bool {
	if before == nil {
		return true
	}
	return todClock(now) <= todClock(*before)
}

func withinTimeOfDay(now time.Time, after, before *time.Time) bool {
	return afterTimeOfDay(now, after) && beforeTimeOfDay(now, before)
}
