// Package config decodes rule documents — YAML files under a rule
// directory, a broker-topic document, or an in-memory/cluster-config
// item — into model.Rule values, following spec.md §6's "YAML with the
// grammar implied by §3" and its deny_unknown_fields semantics.
//
// Grounded on the Kind-discriminator-plus-typed-payload decoding idiom
// of automation-service/internal/engine/definition.go, adapted from
// JSON/RawMessage dispatch to a flat per-kind YAML struct since a rule
// trigger/action's field set is small enough that a RawMessage second
// pass buys nothing.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/model"
)

// decoder binds a default domain (DOMAIN env var) so that three-segment
// subject refs (device/node/property) resolve without repeating the
// domain in every rule file, matching spec.md §3's PropertyRef grammar.
type decoder struct {
	defaultDomain string
}

// NewDecoder returns a configsource.Decoder[model.Rule] bound to
// defaultDomain.
func NewDecoder(defaultDomain string) func(path string, content []byte) (map[string]model.Rule, error) {
	d := decoder{defaultDomain: defaultDomain}
	return d.Decode
}

// document is the top-level shape of one *.yaml rule file: a list of
// named rules, each with ordered triggers/actions.
type document struct {
	Rules []ruleDoc `yaml:"rules"`
}

type ruleDoc struct {
	Name     string        `yaml:"name"`
	Triggers []triggerDoc  `yaml:"triggers"`
	Actions  []actionDoc   `yaml:"actions"`
	While    []whileDoc    `yaml:"while,omitempty"`
}

type triggerDoc struct {
	Kind string `yaml:"kind"`

	Subjects []string   `yaml:"subjects,omitempty"`
	Queries  []queryDoc `yaml:"queries,omitempty"`
	Value    string     `yaml:"value,omitempty"`

	ChangedFrom string `yaml:"changed_from,omitempty"`
	ChangedTo   string `yaml:"changed_to,omitempty"`

	TimerID string `yaml:"timer_id,omitempty"`
	Cron    string `yaml:"cron,omitempty"`

	TopicFilter   string `yaml:"topic_filter,omitempty"`
	SkipRetained  bool   `yaml:"skip_retained,omitempty"`
	SkipDuplicate bool   `yaml:"skip_duplicate,omitempty"`
	MinQoS        int    `yaml:"min_qos,omitempty"`

	Phase string `yaml:"phase,omitempty"`
	Delta string `yaml:"delta,omitempty"`

	While []whileDoc `yaml:"while,omitempty"`
}

type queryDoc struct {
	DeviceID   string   `yaml:"device_id,omitempty"`
	NodeType   string   `yaml:"node_type,omitempty"`
	PropertyID string   `yaml:"property_id,omitempty"`
	Tags       []string `yaml:"tags,omitempty"`
}

type whileDoc struct {
	Kind    string   `yaml:"kind"`
	Subject string   `yaml:"subject,omitempty"`
	Equals  string   `yaml:"equals,omitempty"`
	After   string   `yaml:"after,omitempty"`
	Before  string   `yaml:"before,omitempty"`
	Days    []string `yaml:"days,omitempty"`
}

type mapEntryDoc struct {
	Match    string `yaml:"match"`
	Value    string `yaml:"value"`
	Datatype string `yaml:"datatype,omitempty"`
}

type deferDoc struct {
	Duration        string `yaml:"duration"`
	Repeat          bool   `yaml:"repeat,omitempty"`
	Triggerbound    bool   `yaml:"triggerbound,omitempty"`
	CancelCondition string `yaml:"cancel_condition,omitempty"`
}

type actionDoc struct {
	Kind string `yaml:"kind"`

	Target string `yaml:"target,omitempty"`

	Value    string `yaml:"value,omitempty"`
	Datatype string `yaml:"datatype,omitempty"`

	Mapping []mapEntryDoc `yaml:"mapping,omitempty"`

	Script string `yaml:"script,omitempty"`

	TimerID         string `yaml:"timer_id,omitempty"`
	Duration        string `yaml:"duration,omitempty"`
	Repeat          bool   `yaml:"repeat,omitempty"`
	Triggerbound    bool   `yaml:"triggerbound,omitempty"`
	CancelCondition string `yaml:"cancel_condition,omitempty"`

	Topic    string `yaml:"topic,omitempty"`
	Payload  string `yaml:"payload,omitempty"`
	QoS      int    `yaml:"qos,omitempty"`
	Retained bool   `yaml:"retained,omitempty"`

	Defer *deferDoc `yaml:"defer,omitempty"`
}

// Decode implements configsource.Decoder[model.Rule] (via NewDecoder):
// it parses one *.yaml document (possibly multiple named rules) into a
// name→Rule map keyed by rule name, matching FileSource's "map of items
// per document" contract so that per-rule ConfigItemHash/removal
// tracking works the same as the teacher's per-document reload diffing.
func (d decoder) Decode(path string, content []byte) (map[string]model.Rule, error) {
	var doc document
	dec := yaml.NewDecoder(strings.NewReader(string(content)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse rule document %s: %w", path, err)
	}

	out := make(map[string]model.Rule, len(doc.Rules))
	for _, rd := range doc.Rules {
		if rd.Name == "" {
			return nil, fmt.Errorf("rule document %s: rule missing name", path)
		}
		rule, err := d.decodeRule(rd)
		if err != nil {
			return nil, fmt.Errorf("rule document %s, rule %q: %w", path, rd.Name, err)
		}
		out[rd.Name] = rule
	}
	return out, nil
}

func (d decoder) decodeRule(rd ruleDoc) (model.Rule, error) {
	triggers := make([]model.Trigger, 0, len(rd.Triggers))
	for _, td := range rd.Triggers {
		t, err := d.decodeTrigger(td)
		if err != nil {
			return model.Rule{}, err
		}
		triggers = append(triggers, t)
	}
	actions := make([]model.Action, 0, len(rd.Actions))
	for _, ad := range rd.Actions {
		a, err := d.decodeAction(ad)
		if err != nil {
			return model.Rule{}, err
		}
		actions = append(actions, a)
	}
	return model.Rule{Name: rd.Name, Triggers: triggers, Actions: actions}, nil
}

func (d decoder) decodeQueries(docs []queryDoc) []model.MaterializedQuery {
	if len(docs) == 0 {
		return nil
	}
	out := make([]model.MaterializedQuery, 0, len(docs))
	for _, qd := range docs {
		out = append(out, model.MaterializedQuery{Query: homie.Query{
			Domain:     d.defaultDomain,
			DeviceID:   qd.DeviceID,
			NodeType:   qd.NodeType,
			PropertyID: qd.PropertyID,
			Tags:       qd.Tags,
		}})
	}
	return out
}

func (d decoder) decodeTrigger(td triggerDoc) (model.Trigger, error) {
	t := model.Trigger{}
	if len(td.While) > 0 {
		conds := make([]model.WhileCondition, 0, len(td.While))
		for _, wd := range td.While {
			c, err := d.decodeWhile(wd)
			if err != nil {
				return t, err
			}
			conds = append(conds, c)
		}
		t.While = model.WhileConditionSet{Conditions: conds}
	}

	switch strings.ToLower(td.Kind) {
	case "subject_triggered":
		t.Kind = model.TriggerSubjectTriggered
		subs, err := d.parseSubjects(td.Subjects)
		if err != nil {
			return t, err
		}
		t.Subjects = subs
		t.Queries = d.decodeQueries(td.Queries)
		if td.Value != "" {
			t.Value = model.ValueCondition{HasEquals: true, Equals: td.Value}
		}
	case "subject_changed":
		t.Kind = model.TriggerSubjectChanged
		subs, err := d.parseSubjects(td.Subjects)
		if err != nil {
			return t, err
		}
		t.Subjects = subs
		t.Queries = d.decodeQueries(td.Queries)
		if td.ChangedFrom != "" {
			t.Changed.HasFrom = true
			t.Changed.From = td.ChangedFrom
		}
		if td.ChangedTo != "" {
			t.Changed.To = model.ValueCondition{HasEquals: true, Equals: td.ChangedTo}
		}
	case "timer":
		t.Kind = model.TriggerTimer
		t.TimerID = td.TimerID
	case "cron":
		t.Kind = model.TriggerCron
		t.CronExpr = td.Cron
	case "mqtt":
		t.Kind = model.TriggerMqtt
		t.MqttTopicFilter = td.TopicFilter
		t.SkipRetained = td.SkipRetained
		t.SkipDuplicate = td.SkipDuplicate
		t.MinQoS = byte(td.MinQoS)
	case "solar_at":
		t.Kind = model.TriggerSolarAt
		t.SolarPhase = td.Phase
	case "solar_after":
		t.Kind = model.TriggerSolarAfter
		t.SolarPhase = td.Phase
		d2, err := time.ParseDuration(td.Delta)
		if err != nil {
			return t, fmt.Errorf("invalid delta %q: %w", td.Delta, err)
		}
		t.SolarDelta = d2
	case "solar_before":
		t.Kind = model.TriggerSolarBefore
		t.SolarPhase = td.Phase
		d2, err := time.ParseDuration(td.Delta)
		if err != nil {
			return t, fmt.Errorf("invalid delta %q: %w", td.Delta, err)
		}
		t.SolarDelta = d2
	case "on_set":
		t.Kind = model.TriggerOnSet
		subs, err := d.parseSubjects(td.Subjects)
		if err != nil {
			return t, err
		}
		t.Subjects = subs
		t.Queries = d.decodeQueries(td.Queries)
		if td.Value != "" {
			t.Value = model.ValueCondition{HasEquals: true, Equals: td.Value}
		}
	default:
		return t, fmt.Errorf("unknown trigger kind %q", td.Kind)
	}
	return t, nil
}

func (d decoder) decodeWhile(wd whileDoc) (model.WhileCondition, error) {
	c := model.WhileCondition{}
	switch strings.ToLower(wd.Kind) {
	case "property":
		c.Kind = model.WhileProperty
		ref, err := homie.ParsePropertyRef(wd.Subject, d.defaultDomain)
		if err != nil {
			return c, err
		}
		c.Subject = ref
		if wd.Equals != "" {
			c.Predicate = model.ValueCondition{HasEquals: true, Equals: wd.Equals}
		}
	case "time_standard":
		c.Kind = model.WhileTimeStandard
		if err := parseTimeOfDayPair(wd.After, wd.Before, &c); err != nil {
			return c, err
		}
	case "time_after":
		c.Kind = model.WhileTimeAfter
		if err := parseTimeOfDayPair(wd.After, "", &c); err != nil {
			return c, err
		}
	case "time_before":
		c.Kind = model.WhileTimeBefore
		if err := parseTimeOfDayPair("", wd.Before, &c); err != nil {
			return c, err
		}
	case "weekdays":
		c.Kind = model.WhileTimeWeekdays
		days, err := parseWeekdays(wd.Days)
		if err != nil {
			return c, err
		}
		c.Weekdays = days
	default:
		return c, fmt.Errorf("unknown while kind %q", wd.Kind)
	}
	return c, nil
}

func parseTimeOfDayPair(after, before string, c *model.WhileCondition) error {
	if after != "" {
		t, err := parseTimeOfDay(after)
		if err != nil {
			return err
		}
		c.After = &t
	}
	if before != "" {
		t, err := parseTimeOfDay(before)
		if err != nil {
			return err
		}
		c.Before = &t
	}
	return nil
}

func parseTimeOfDay(s string) (time.Time, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time-of-day %q: %w", s, err)
	}
	return t, nil
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekdays(days []string) ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(days))
	for _, d := range days {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdayNames[key]
		if !ok {
			return nil, fmt.Errorf("invalid weekday %q", d)
		}
		out = append(out, wd)
	}
	return out, nil
}

func (d decoder) parseSubjects(raw []string) ([]homie.PropertyRef, error) {
	out := make([]homie.PropertyRef, 0, len(raw))
	for _, s := range raw {
		ref, err := homie.ParsePropertyRef(s, d.defaultDomain)
		if err != nil {
			return nil, fmt.Errorf("invalid subject %q: %w", s, err)
		}
		out = append(out, ref)
	}
	return out, nil
}

func (d decoder) decodeAction(ad actionDoc) (model.Action, error) {
	a := model.Action{}
	if ad.Target != "" {
		ref, err := homie.ParsePropertyRef(ad.Target, d.defaultDomain)
		if err != nil {
			return a, fmt.Errorf("invalid target %q: %w", ad.Target, err)
		}
		a.Target = ref
	}
	if ad.Defer != nil {
		d, err := decodeTimerDef(ad.TimerID, ad.Defer.Duration, ad.Defer.Repeat, ad.Defer.Triggerbound, ad.Defer.CancelCondition)
		if err != nil {
			return a, err
		}
		a.HasDefer = true
		a.Defer = d
	}

	switch strings.ToLower(ad.Kind) {
	case "set":
		a.Kind = model.ActionSet
		a.SetValue = ad.Value
		a.SetDatatype = homie.Datatype(ad.Datatype)
	case "map_set":
		a.Kind = model.ActionMapSet
		entries := make([]model.MapEntry, 0, len(ad.Mapping))
		for _, me := range ad.Mapping {
			entries = append(entries, model.MapEntry{
				Match:    model.ValueCondition{HasEquals: me.Match != "", Equals: me.Match},
				Value:    me.Value,
				Datatype: homie.Datatype(me.Datatype),
			})
		}
		a.Mapping = entries
	case "toggle":
		a.Kind = model.ActionToggle
	case "run":
		a.Kind = model.ActionRun
		a.ScriptSource = ad.Script
	case "timer":
		a.Kind = model.ActionTimer
		d, err := decodeTimerDef(ad.TimerID, ad.Duration, ad.Repeat, ad.Triggerbound, ad.CancelCondition)
		if err != nil {
			return a, err
		}
		a.Timer = d
	case "cancel_timer":
		a.Kind = model.ActionCancelTimer
		a.Timer = model.TimerDef{ID: ad.TimerID}
	case "mqtt":
		a.Kind = model.ActionMqtt
		a.MqttTopic = ad.Topic
		a.MqttPayload = ad.Payload
		a.MqttQoS = byte(ad.QoS)
		a.MqttRetained = ad.Retained
	default:
		return a, fmt.Errorf("unknown action kind %q", ad.Kind)
	}
	return a, nil
}

func decodeTimerDef(id, duration string, repeat, triggerbound bool, cancelCond string) (model.TimerDef, error) {
	d := model.TimerDef{ID: id, Repeat: repeat, Triggerbound: triggerbound}
	if duration != "" {
		dur, err := time.ParseDuration(duration)
		if err != nil {
			return d, fmt.Errorf("invalid duration %q: %w", duration, err)
		}
		d.Duration = dur
	}
	if cancelCond != "" {
		d.HasCancelCond = true
		d.CancelCondition = model.ValueCondition{HasEquals: true, Equals: cancelCond}
	}
	return d, nil
}
