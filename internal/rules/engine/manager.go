package engine

import (
	"log/slog"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/broker"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/model"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/solar"
)

// Manager holds parsed rules, wires them to the timer/cron/solar
// schedulers and the broker, and maintains materialized query sets
// (spec.md §4.F "Rule Manager").
type Manager struct {
	deps  Deps
	rules map[uint64]*model.Rule // keyed by ConfigItemHash.RuleHash()
}

func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, rules: map[uint64]*model.Rule{}}
}

// Rule looks up a live rule by its hash, used by the engine's dispatch
// handlers.
func (m *Manager) Rule(ruleHash uint64) (*model.Rule, bool) {
	r, ok := m.rules[ruleHash]
	return r, ok
}

// Rules returns every currently-installed rule.
func (m *Manager) Rules() []*model.Rule {
	out := make([]*model.Rule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r)
	}
	return out
}

// Add installs a rule: wires CronTriggers to the cron scheduler,
// subscribes MqttTrigger topics, registers SolarEventTriggers, and
// attempts to materialize every query-carrying trigger against the
// current DeviceStore (spec.md §4.F "Add rule").
func (m *Manager) Add(rule model.Rule) {
	ruleHash := rule.Hash.RuleHash()
	r := rule
	m.rules[ruleHash] = &r

	for idx := range r.Triggers {
		t := &r.Triggers[idx]
		switch t.Kind {
		case model.TriggerCron:
			if err := m.deps.Cron.Add(ruleHash, idx, t.CronExpr); err != nil {
				slog.Warn("invalid cron expression, rule kept for later reload",
					"rule", r.Name, "expr", t.CronExpr, "error", err)
			}
		case model.TriggerMqtt:
			if err := m.deps.Publisher.Subscribe(t.MqttTopicFilter, t.MinQoS, func(broker.Message) {}); err != nil {
				slog.Warn("mqtt trigger subscribe failed, rule kept for later reload",
					"rule", r.Name, "topic", t.MqttTopicFilter, "error", err)
			}
		case model.TriggerSolarAt, model.TriggerSolarAfter, model.TriggerSolarBefore:
			kind := solar.At
			switch t.Kind {
			case model.TriggerSolarAfter:
				kind = solar.After
			case model.TriggerSolarBefore:
				kind = solar.Before
			}
			m.deps.Solar.Add(solar.Trigger{
				RuleHash:   ruleHash,
				TriggerIdx: idx,
				Kind:       kind,
				Phase:      solar.Phase(t.SolarPhase),
				Delta:      t.SolarDelta,
			})
		}
		m.materializeTrigger(t)
	}
}

// Remove tears a rule down fully: timers, cron schedules, solar
// triggers, and MQTT subscriptions it alone held (spec.md §4.F "Remove
// rule"). Per the documented Open Question, materialized query state
// is not explicitly un-materialized — it is GC'd with the rule entry
// itself, matching the reference behavior.
func (m *Manager) Remove(ruleHash uint64) {
	r, ok := m.rules[ruleHash]
	if !ok {
		return
	}
	m.deps.Cron.RemoveRule(ruleHash)
	m.deps.Solar.RemoveRule(ruleHash)
	m.deps.Timers.CancelForRule(ruleHash)

	for _, t := range r.Triggers {
		if t.Kind == model.TriggerMqtt && !m.mqttTopicStillNeeded(ruleHash, t.MqttTopicFilter) {
			_ = m.deps.Publisher.Unsubscribe(t.MqttTopicFilter)
		}
	}
	delete(m.rules, ruleHash)
}

func (m *Manager) mqttTopicStillNeeded(excludeRuleHash uint64, topic string) bool {
	for hash, r := range m.rules {
		if hash == excludeRuleHash {
			continue
		}
		for _, t := range r.Triggers {
			if t.Kind == model.TriggerMqtt && t.MqttTopicFilter == topic {
				return true
			}
		}
	}
	return false
}

// materializeTrigger offers the trigger's queries a chance to resolve
// against the current DeviceStore/virtual-device set.
func (m *Manager) materializeTrigger(t *model.Trigger) {
	for i := range t.Queries {
		t.Queries[i].Members = m.deps.Queries.Resolve(t.Queries[i].Query)
	}
}

// OnDiscoveryUpdate re-runs materialization for every query-carrying
// trigger across every installed rule, per spec.md §4.F
// "re-indexed on discovery updates".
func (m *Manager) OnDiscoveryUpdate() {
	for _, r := range m.rules {
		for i := range r.Triggers {
			m.materializeTrigger(&r.Triggers[i])
		}
	}
}

// AddMaterialized offers ref the chance to join a query's materialized
// set (spec.md §4.F "add_materialized"); used when a device or virtual
// device newly appears. The reference recomputes wholesale rather than
// incrementally patching a single ref in, which is what is reproduced
// here (see the universal property in spec.md §8 item 1: both
// strategies must be observationally equivalent).
func (m *Manager) AddMaterialized(ref homie.PropertyRef) {
	_ = ref
	m.OnDiscoveryUpdate()
}

// RemoveMaterialized mirrors AddMaterialized for removed refs.
func (m *Manager) RemoveMaterialized(ref homie.PropertyRef) {
	_ = ref
	m.OnDiscoveryUpdate()
}
