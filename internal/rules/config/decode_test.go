package config

import (
	"testing"
	"time"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/model"
)

const sampleDoc = `
rules:
  - name: evening-lights
    triggers:
      - kind: subject_changed
        subjects: ["light-1/switch/on"]
        changed_to: "true"
        while:
          - kind: time_after
            after: "18:00"
      - kind: solar_after
        phase: Sunset
        delta: 15m
    actions:
      - kind: set
        target: light-2/switch/on
        value: "true"
        datatype: boolean
      - kind: timer
        timer_id: dim-later
        duration: 10m
`

func TestDecode_FullRule(t *testing.T) {
	decode := NewDecoder("homie")
	rules, err := decode("evening.yaml", []byte(sampleDoc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, ok := rules["evening-lights"]
	if !ok {
		t.Fatalf("expected a rule named evening-lights, got keys %v", keys(rules))
	}
	if len(r.Triggers) != 2 || len(r.Actions) != 2 {
		t.Fatalf("unexpected trigger/action counts: %#v", r)
	}

	changed := r.Triggers[0]
	if changed.Kind != model.TriggerSubjectChanged {
		t.Fatalf("expected first trigger to be subject_changed, got %v", changed.Kind)
	}
	if len(changed.Subjects) != 1 || changed.Subjects[0].Domain != "homie" || changed.Subjects[0].DeviceID != "light-1" {
		t.Fatalf("unexpected subject ref: %#v", changed.Subjects)
	}
	if !changed.Changed.To.HasEquals || changed.Changed.To.Equals != "true" {
		t.Fatalf("expected changed_to condition to require \"true\", got %#v", changed.Changed.To)
	}
	if len(changed.While.Conditions) != 1 || changed.While.Conditions[0].Kind != model.WhileTimeAfter {
		t.Fatalf("expected a time_after while condition, got %#v", changed.While)
	}

	solar := r.Triggers[1]
	if solar.Kind != model.TriggerSolarAfter || solar.SolarPhase != "Sunset" || solar.SolarDelta != 15*time.Minute {
		t.Fatalf("unexpected solar trigger: %#v", solar)
	}

	setAction := r.Actions[0]
	if setAction.Kind != model.ActionSet || setAction.Target.DeviceID != "light-2" || setAction.SetValue != "true" {
		t.Fatalf("unexpected set action: %#v", setAction)
	}

	timerAction := r.Actions[1]
	if timerAction.Kind != model.ActionTimer || timerAction.Timer.ID != "dim-later" || timerAction.Timer.Duration != 10*time.Minute {
		t.Fatalf("unexpected timer action: %#v", timerAction)
	}
}

func TestDecode_RejectsUnknownFields(t *testing.T) {
	decode := NewDecoder("homie")
	bad := "rules:\n  - name: x\n    bogus_field: 1\n"
	if _, err := decode("bad.yaml", []byte(bad)); err == nil {
		t.Fatalf("expected an error for an unknown field under strict decoding")
	}
}

func TestDecode_RejectsUnknownTriggerKind(t *testing.T) {
	decode := NewDecoder("homie")
	doc := "rules:\n  - name: x\n    triggers:\n      - kind: not_a_real_kind\n"
	if _, err := decode("bad.yaml", []byte(doc)); err == nil {
		t.Fatalf("expected an error for an unrecognized trigger kind")
	}
}

func TestDecode_RejectsMissingRuleName(t *testing.T) {
	decode := NewDecoder("homie")
	doc := "rules:\n  - triggers: []\n"
	if _, err := decode("bad.yaml", []byte(doc)); err == nil {
		t.Fatalf("expected an error for a rule missing its name")
	}
}

func TestDecode_InvalidSolarDelta(t *testing.T) {
	decode := NewDecoder("homie")
	doc := "rules:\n  - name: x\n    triggers:\n      - kind: solar_after\n        phase: Sunset\n        delta: not-a-duration\n"
	if _, err := decode("bad.yaml", []byte(doc)); err == nil {
		t.Fatalf("expected an error for an invalid solar delta duration")
	}
}

func keys(m map[string]model.Rule) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
