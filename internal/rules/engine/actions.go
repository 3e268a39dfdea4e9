package engine

import (
	"fmt"
	"log/slog"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/model"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/timer"
)

// ExecuteRule runs every action of rule in order for the triggering
// event, per spec.md §4.F "Action execution": actions within a rule
// are strictly sequential, and a failure in one is logged without
// aborting the remaining actions (spec.md §7).
func (m *Manager) ExecuteRule(ruleHash uint64, rule *model.Rule, evt model.TriggerEvent) {
	for i, a := range rule.Actions {
		if err := m.executeAction(ruleHash, rule.Name, a, evt, false); err != nil {
			slog.Error("rule action failed", "rule", rule.Name, "action_index", i, "error", err)
		}
	}
}

// ExecuteTimerBoundAction runs exactly one action — the one captured by
// a TimerEvent.RuleAction — with ignore_timer=true, per spec.md §4.A:
// "the engine executes exactly that action with ignore_timer=true (to
// avoid re-arming the same timer)".
func (m *Manager) ExecuteTimerBoundAction(ruleHash uint64, ruleName string, a model.Action, evt model.TriggerEvent) {
	if err := m.executeAction(ruleHash, ruleName, a, evt, true); err != nil {
		slog.Error("timer-deferred rule action failed", "rule", ruleName, "error", err)
	}
}

func (m *Manager) executeAction(ruleHash uint64, ruleName string, a model.Action, evt model.TriggerEvent, ignoreTimer bool) error {
	if !ignoreTimer && a.HasDefer {
		m.armActionTimer(ruleHash, a, evt)
		return nil
	}

	switch a.Kind {
	case model.ActionSet:
		v, err := homie.ParseValue(a.SetDatatype, a.SetValue)
		if err != nil {
			return err
		}
		return m.deps.Publisher.Publish(a.Target.Topic()+"/set", 1, false, []byte(v.String()))

	case model.ActionMapSet:
		input := evt.ResolvedValue()
		for _, entry := range a.Mapping {
			if entry.Match.Matches(input) {
				v, err := homie.ParseValue(entry.Datatype, entry.Value)
				if err != nil {
					return err
				}
				return m.deps.Publisher.Publish(a.Target.Topic()+"/set", 1, false, []byte(v.String()))
			}
		}
		return nil // unmapped input: no-op per spec.md §4.F

	case model.ActionToggle:
		cur, ok := m.deps.Store.PropertyValue(a.Target)
		if !ok || cur.IsEmpty() {
			return nil
		}
		b, ok := cur.Bool()
		if !ok {
			return nil
		}
		return m.deps.Publisher.Publish(a.Target.Topic()+"/set", 1, false, []byte(homie.NewBool(!b).String()))

	case model.ActionRun:
		if m.deps.Scripts == nil {
			return fmt.Errorf("no script runtime configured")
		}
		return m.deps.Scripts.Run(a.ScriptSource, ScriptCapabilities{
			DefaultDomain: m.deps.Domain,
			Store:         m.deps.Store,
			Publisher:     m.deps.Publisher,
			Timers:        m.deps.Timers,
			ValueStore:    m.deps.Values,
			TriggerEvent:  evt,
		})

	case model.ActionTimer:
		if a.Timer.ID == "" {
			return fmt.Errorf("timer action missing id")
		}
		m.deps.Timers.Arm(toTimerDef(a.Timer), "", "", ruleHash, nil, nil)
		return nil

	case model.ActionCancelTimer:
		m.deps.Timers.Cancel(a.Timer.ID)
		return nil

	case model.ActionMqtt:
		return m.deps.Publisher.Publish(a.MqttTopic, a.MqttQoS, a.MqttRetained, []byte(a.MqttPayload))

	default:
		return fmt.Errorf("unknown action kind %d", a.Kind)
	}
}

// armActionTimer defers an action behind its TimerDef, per spec.md
// §4.A: the triggering property's topic (if any) feeds the
// triggerbound rewrite, and cancelcondition is evaluated against the
// resolved trigger value.
func (m *Manager) armActionTimer(ruleHash uint64, a model.Action, evt model.TriggerEvent) {
	triggerTopic := ""
	if evt.Kind == model.EventPropertyChanged || evt.Kind == model.EventPropertyTriggered {
		triggerTopic = evt.Prop.Topic()
	}
	aCopy := a
	m.deps.Timers.Arm(toTimerDef(a.Defer), triggerTopic, evt.ResolvedValue(), ruleHash, aCopy, evt)
}

func toTimerDef(d model.TimerDef) timer.Def {
	td := timer.Def{
		ID:           d.ID,
		Duration:     d.Duration,
		Repeat:       d.Repeat,
		Triggerbound: d.Triggerbound,
	}
	if d.HasCancelCond {
		cond := d.CancelCondition
		td.CancelCondition = func(v string) bool { return cond.Matches(v) }
	}
	return td
}
