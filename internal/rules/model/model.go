// Package model defines the Rule data model of spec.md §3/§4.F-G: the
// RuleTrigger/RuleAction/WhileCondition tagged unions, TimerDef,
// MaterializedQuery, and ConfigItemHash-based identity. Grounded on the
// typed-node-payload/NormalizeAndValidate idiom of
// automation-service/internal/engine/definition.go, generalized from
// that file's closed set of workflow node kinds to the full trigger and
// action variant set spec.md names.
package model

import (
	"time"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
)

// ConfigItemHash identifies a specific version of a declarative
// document item (Rule or VirtualDeviceSpec), per spec.md §3.
type ConfigItemHash struct {
	FilenameHash uint64
	ContentHash  uint64
}

// MaterializedQuery pairs a declarative Query with the live set of
// PropertyRefs it currently resolves to against the DeviceStore.
type MaterializedQuery struct {
	Query   homie.Query
	Members []homie.PropertyRef
}

// Contains reports whether ref is currently a member of this query's
// materialized set.
func (mq MaterializedQuery) Contains(ref homie.PropertyRef) bool {
	for _, m := range mq.Members {
		if m == ref {
			return true
		}
	}
	return false
}

// TriggerKind tags a RuleTrigger variant.
type TriggerKind int

const (
	TriggerSubjectTriggered TriggerKind = iota
	TriggerSubjectChanged
	TriggerTimer
	TriggerCron
	TriggerMqtt
	TriggerSolarAt
	TriggerSolarAfter
	TriggerSolarBefore
	TriggerOnSet
)

// ValueCondition is a trigger-value or changed-value test: an optional
// exact-match string (Equals) or, if unset, any value (including "").
type ValueCondition struct {
	HasEquals bool
	Equals    string
}

func (c ValueCondition) Matches(v string) bool {
	if !c.HasEquals {
		return true
	}
	return c.Equals == v
}

// ChangedCondition models SubjectChanged.changed{from,to}. An unset From
// accepts any prior value; a set From requires a present prior value
// equal to it (spec.md §4.F).
type ChangedCondition struct {
	HasFrom bool
	From    string
	To      ValueCondition
}

// Trigger is the tagged union over spec.md's RuleTrigger variants.
type Trigger struct {
	Kind TriggerKind

	// SubjectTriggered / SubjectChanged / OnSetEventTrigger
	Subjects []homie.PropertyRef
	Queries  []MaterializedQuery
	Value    ValueCondition   // SubjectTriggered / OnSet set-value condition
	Changed  ChangedCondition // SubjectChanged

	// TimerTrigger
	TimerID string

	// CronTrigger
	CronExpr string

	// MqttTrigger
	MqttTopicFilter string
	SkipRetained    bool
	SkipDuplicate   bool
	MinQoS          byte

	// SolarEventTrigger{At|After|Before}
	SolarPhase string
	SolarDelta time.Duration

	While WhileConditionSet
}

// HasSubjectOrQuery reports whether a trigger that should carry
// subjects/queries actually has at least one (spec.md §4.F: "if both
// are empty the trigger matches nothing").
func (t Trigger) HasSubjectOrQuery() bool {
	return len(t.Subjects) > 0 || len(t.Queries) > 0
}

// MatchesSubject reports whether ref is covered by this trigger's
// subjects or any of its materialized queries.
func (t Trigger) MatchesSubject(ref homie.PropertyRef) bool {
	for _, s := range t.Subjects {
		if s == ref {
			return true
		}
	}
	for _, q := range t.Queries {
		if q.Contains(ref) {
			return true
		}
	}
	return false
}

// WhileKind tags a WhileCondition.
type WhileKind int

const (
	WhileProperty WhileKind = iota
	WhileTimeStandard
	WhileTimeBefore
	WhileTimeAfter
	WhileTimeWeekdays
)

// WhileCondition is one atomic guard, either a property lookup or a
// time-of-day/weekday shape.
type WhileCondition struct {
	Kind WhileKind

	// WhileProperty
	Subject   homie.PropertyRef
	Predicate ValueCondition

	// Time-based (Standard/Before/After/Weekdays)
	After    *time.Time // time-of-day, date part ignored
	Before   *time.Time
	Weekdays []time.Weekday // empty means "no weekday restriction"
}

// WhileConditionSet is Single or Multiple (AND) per spec.md §4.F.
type WhileConditionSet struct {
	Conditions []WhileCondition
}

func Single(c WhileCondition) WhileConditionSet { return WhileConditionSet{Conditions: []WhileCondition{c}} }
func Multiple(cs ...WhileCondition) WhileConditionSet { return WhileConditionSet{Conditions: cs} }

// ActionKind tags a RuleAction variant.
type ActionKind int

const (
	ActionSet ActionKind = iota
	ActionMapSet
	ActionToggle
	ActionRun
	ActionTimer
	ActionCancelTimer
	ActionMqtt
)

// TimerDef mirrors spec.md §4.A's TimerDef, embedded by any action
// except CancelTimer/Mqtt/Toggle.
type TimerDef struct {
	ID              string
	Duration        time.Duration
	Repeat          bool
	Triggerbound    bool
	HasCancelCond   bool
	CancelCondition ValueCondition
}

// MapEntry is one row of a MapSet mapping list.
type MapEntry struct {
	Match ValueCondition
	Value string
	Datatype homie.Datatype
}

// Action is the tagged union over spec.md's RuleAction variants.
type Action struct {
	Kind ActionKind

	// Set / MapSet / Toggle / Run / Timer target
	Target homie.PropertyRef

	// Set
	SetValue    string
	SetDatatype homie.Datatype

	// MapSet
	Mapping []MapEntry

	// Run
	ScriptSource string

	// Timer / CancelTimer
	Timer TimerDef

	// Mqtt
	MqttTopic    string
	MqttPayload  string
	MqttQoS      byte
	MqttRetained bool

	// HasDefer/Defer: the optional TimerDef wrapping Set/MapSet/Toggle/Run
	// for deferred execution (spec.md §4.F).
	HasDefer bool
	Defer    TimerDef
}

// Rule is the top-level document item, identified by ConfigItemHash.
type Rule struct {
	Hash    ConfigItemHash
	Name    string
	Triggers []Trigger
	Actions  []Action
}

// RuleHash folds the ConfigItemHash into the single uint64 used as the
// keying value by the timer/cron/solar schedulers (spec.md §4.A-C refer
// to "rule_hash" as one scalar).
func (h ConfigItemHash) RuleHash() uint64 {
	return h.FilenameHash ^ (h.ContentHash * 1099511628211)
}
