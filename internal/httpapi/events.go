package httpapi

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DebugEventKind tags one entry on the live debug stream.
type DebugEventKind string

const (
	DebugPropertyChanged DebugEventKind = "property_changed"
	DebugTimerFired      DebugEventKind = "timer_fired"
	DebugCronFired       DebugEventKind = "cron_fired"
	DebugSolarFired      DebugEventKind = "solar_fired"
	DebugRecompute       DebugEventKind = "recompute"
	DebugRuleAdded       DebugEventKind = "rule_added"
	DebugRuleRemoved     DebugEventKind = "rule_removed"
)

// DebugEvent is one entry broadcast to every websocket subscriber of
// the run/event introspection stream, mirroring the shape of the
// teacher's run events without the run-id/workflow framing (this
// engine has no discrete "runs" — rules fire continuously).
type DebugEvent struct {
	ID      uuid.UUID      `json:"id"`
	Time    time.Time      `json:"time"`
	Kind    DebugEventKind `json:"kind"`
	Subject string         `json:"subject,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

// Bus is a small fan-out broadcaster, grounded on the
// engine.RunEventHub/SubscribeRunEvents/publish pattern of
// automation-service/internal/engine/run_events.go — generalized from
// one channel-set-per-run-id to one channel-per-websocket-client since
// this engine has a single continuous event stream rather than
// discrete runs, but keeping the same uuid.UUID subscriber-key idiom.
type Bus struct {
	mu   sync.Mutex
	subs map[uuid.UUID]chan DebugEvent
}

func NewBus() *Bus {
	return &Bus{subs: map[uuid.UUID]chan DebugEvent{}}
}

func (b *Bus) Publish(ev DebugEvent) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// slow consumer: drop rather than block the event loop
		}
	}
}

func (b *Bus) Subscribe() (<-chan DebugEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New()
	ch := make(chan DebugEvent, 64)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
		close(ch)
	}
	return ch, cancel
}
