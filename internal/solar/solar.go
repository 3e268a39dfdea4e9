// Package solar implements the Solar Scheduler of spec.md §4.C: a
// single task owning the live set of SolarEventTrigger entries keyed by
// rule_hash, sleeping until the earliest upcoming event across all of
// them. The sun-phase ephemeris itself is an external abstract
// capability (spec.md §1/§6) injected as an EphemerisFunc.
//
// Grounded on the reconcile/sleep-until-earliest shape of
// cronsched.Scheduler and timer.Scheduler, generalized to solar's
// single-task/priority-queue structure per original_source's
// solar_scheduler.rs.
package solar

import (
	"sort"
	"time"
)

// Phase names a sun phase understood by the ephemeris function, e.g.
// "Sunrise", "Sunset", "Dawn", "Dusk", "GoldenHour" (the names
// DefaultEphemeris knows).
type Phase string

// Kind distinguishes the three SolarEventTrigger variants.
type Kind int

const (
	At Kind = iota
	After
	Before
)

// Trigger mirrors one SolarEventTrigger entry, scoped to a rule and a
// trigger index within that rule (so a rule with several solar
// triggers is tracked distinctly).
type Trigger struct {
	RuleHash   uint64
	TriggerIdx int
	Kind       Kind
	Phase      Phase
	Delta      time.Duration // offset for After/Before; zero for At
}

func (t Trigger) key() [2]uint64 { return [2]uint64{t.RuleHash, uint64(t.TriggerIdx)} }

// Event is emitted when a trigger's computed fire time arrives.
type Event struct {
	RuleHash   uint64
	TriggerIdx int
	Kind       Kind
	Phase      Phase
	Delta      time.Duration
	At         time.Time
}

// EphemerisFunc computes the UTC instant a named phase occurs on the
// given date at the configured location. ok is false if the phase does
// not occur that day at this latitude (e.g. polar night/day).
type EphemerisFunc func(date time.Time, phase Phase) (at time.Time, ok bool)

type cmd struct {
	add    *Trigger
	remove *[2]uint64 // (ruleHash, triggerIdx)
	removeRule *uint64
}

type Scheduler struct {
	ephemeris EphemerisFunc
	now       func() time.Time
	triggers  map[[2]uint64]Trigger
	cmds      chan cmd
	Events    chan Event
	stop      chan struct{}
}

func New(ephemeris EphemerisFunc) *Scheduler {
	s := &Scheduler{
		ephemeris: ephemeris,
		now:       time.Now,
		triggers:  map[[2]uint64]Trigger{},
		cmds:      make(chan cmd, 64),
		Events:    make(chan Event, 64),
		stop:      make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Scheduler) Add(t Trigger) {
	tc := t
	s.cmds <- cmd{add: &tc}
}

func (s *Scheduler) Remove(ruleHash uint64, triggerIdx int) {
	k := [2]uint64{ruleHash, uint64(triggerIdx)}
	s.cmds <- cmd{remove: &k}
}

func (s *Scheduler) RemoveRule(ruleHash uint64) {
	s.cmds <- cmd{removeRule: &ruleHash}
}

func (s *Scheduler) Stop() { close(s.stop) }

// nextOccurrence computes the next fire time for t strictly after
// after, scanning forward day by day up to a year to tolerate phases
// that skip days at extreme latitudes.
func (s *Scheduler) nextOccurrence(t Trigger, after time.Time) (time.Time, bool) {
	day := after.UTC().Truncate(24 * time.Hour)
	for i := 0; i < 366; i++ {
		phaseAt, ok := s.ephemeris(day, t.Phase)
		if ok {
			var fireAt time.Time
			switch t.Kind {
			case At:
				fireAt = phaseAt
			case After:
				fireAt = phaseAt.Add(t.Delta)
			case Before:
				fireAt = phaseAt.Add(-t.Delta)
			}
			if fireAt.After(after) {
				return fireAt, true
			}
		}
		day = day.Add(24 * time.Hour)
	}
	return time.Time{}, false
}

func (s *Scheduler) run() {
	fireAt := map[[2]uint64]time.Time{}

	recompute := func(k [2]uint64) {
		t, ok := s.triggers[k]
		if !ok {
			delete(fireAt, k)
			return
		}
		at, ok := s.nextOccurrence(t, s.now())
		if !ok {
			delete(fireAt, k)
			return
		}
		fireAt[k] = at
	}

	for {
		var wake <-chan time.Time
		var timer *time.Timer
		var earliestKey [2]uint64
		if len(fireAt) > 0 {
			keys := make([][2]uint64, 0, len(fireAt))
			for k := range fireAt {
				keys = append(keys, k)
			}
			sort.Slice(keys, func(i, j int) bool { return fireAt[keys[i]].Before(fireAt[keys[j]]) })
			earliestKey = keys[0]
			d := fireAt[earliestKey].Sub(s.now())
			if d < 0 {
				d = 0
			}
			timer = time.NewTimer(d)
			wake = timer.C
		}

		select {
		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
			return

		case c := <-s.cmds:
			if timer != nil {
				timer.Stop()
			}
			switch {
			case c.add != nil:
				s.triggers[c.add.key()] = *c.add
				recompute(c.add.key())
			case c.remove != nil:
				delete(s.triggers, *c.remove)
				delete(fireAt, *c.remove)
			case c.removeRule != nil:
				for k, t := range s.triggers {
					if t.RuleHash == *c.removeRule {
						delete(s.triggers, k)
						delete(fireAt, k)
					}
				}
			}

		case <-wake:
			t := s.triggers[earliestKey]
			s.Events <- Event{
				RuleHash:   t.RuleHash,
				TriggerIdx: t.TriggerIdx,
				Kind:       t.Kind,
				Phase:      t.Phase,
				Delta:      t.Delta,
				At:         fireAt[earliestKey],
			}
			recompute(earliestKey)
		}
	}
}
