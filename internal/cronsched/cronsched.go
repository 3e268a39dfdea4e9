// Package cronsched implements the Cron Scheduler of spec.md §4.B,
// wrapping robfig/cron/v3. Grounded on the reconcileCron shape of
// automation-service/internal/engine/engine.go, generalized from
// single-cron-per-workflow-node to the rule engine's per-trigger
// schedule set keyed by "rule_hash-trigger_index".
package cronsched

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
)

// Event is emitted each time a cron schedule fires.
type Event struct {
	ScheduleID string
	RuleHash   uint64
	TriggerIdx int
}

type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	specs   map[string]string
	Events  chan Event
}

func New() *Scheduler {
	s := &Scheduler{
		cron:    cron.New(cron.WithSeconds()),
		entries: map[string]cron.EntryID{},
		specs:   map[string]string{},
		Events:  make(chan Event, 64),
	}
	s.cron.Start()
	return s
}

// ScheduleID derives the id spec.md §4.B mandates: rule_hash-trigger_index.
func ScheduleID(ruleHash uint64, triggerIdx int) string {
	return fmt.Sprintf("%d-%d", ruleHash, triggerIdx)
}

// Add installs or replaces the schedule for id. Re-adding with an
// unchanged cron expression is a no-op; a changed expression removes
// the stale entry first.
func (s *Scheduler) Add(ruleHash uint64, triggerIdx int, expr string) error {
	id := ScheduleID(ruleHash, triggerIdx)

	s.mu.Lock()
	if old, ok := s.specs[id]; ok {
		if old == expr {
			s.mu.Unlock()
			return nil
		}
		if entryID, ok := s.entries[id]; ok {
			s.cron.Remove(entryID)
			delete(s.entries, id)
		}
		delete(s.specs, id)
	}
	s.mu.Unlock()

	entryID, err := s.cron.AddFunc(expr, func() {
		s.Events <- Event{ScheduleID: id, RuleHash: ruleHash, TriggerIdx: triggerIdx}
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[id] = entryID
	s.specs[id] = expr
	s.mu.Unlock()
	return nil
}

// Remove aborts a single schedule.
func (s *Scheduler) Remove(ruleHash uint64, triggerIdx int) {
	id := ScheduleID(ruleHash, triggerIdx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	delete(s.specs, id)
}

// RemoveRule aborts every schedule belonging to ruleHash, regardless of
// trigger index, used when a rule is removed wholesale.
func (s *Scheduler) RemoveRule(ruleHash uint64) {
	prefix := fmt.Sprintf("%d-", ruleHash)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, entryID := range s.entries {
		if len(id) >= len(prefix) && id[:len(prefix)] == prefix {
			s.cron.Remove(entryID)
			delete(s.entries, id)
			delete(s.specs, id)
		}
	}
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}
