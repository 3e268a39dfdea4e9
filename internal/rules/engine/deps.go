// Package engine implements the Rule Manager and Rule Engine of
// spec.md §4.F/§4.G: adding/removing rules (wiring them to the timer,
// cron and solar schedulers and the broker), materialized-query
// maintenance, trigger matching, and action execution. Grounded on the
// Engine struct and reconcileCron/handleState/executeRun shape of
// automation-service/internal/engine/engine.go, generalized from that
// file's single workflow-graph model to the full trigger/action union
// spec.md §3 names.
package engine

import (
	"time"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/broker"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/cronsched"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/model"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/solar"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/timer"
)

// Publisher is the minimal broker surface the engine needs to execute
// Mqtt actions and Set/MapSet/Toggle set-commands.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, cb broker.Handler) error
	Unsubscribe(topic string) error
}

// ScriptRunner executes a Run action's script source with the
// capability tables of spec.md §4.H. Implemented by internal/script.
type ScriptRunner interface {
	Run(source string, caps ScriptCapabilities) error
}

// ScriptCapabilities is the bundle of host state a script invocation
// needs reachable, kept here (not in internal/script) to avoid an
// import cycle between engine and script.
type ScriptCapabilities struct {
	DefaultDomain string
	Store         *homie.Store
	Publisher     Publisher
	Timers        *timer.Scheduler
	ValueStore    ValueStore
	TriggerEvent  model.TriggerEvent
}

// ValueStore is the script-facing key-value capability (§4.H
// `value_store`), backed by internal/kvstore.
type ValueStore interface {
	Set(key string, value []byte) error
	Get(key string) ([]byte, bool, error)
	Delete(key string) error
}

// QueryResolver resolves a declarative Query against the live
// DeviceStore and, if one exists, the virtual-device set.
type QueryResolver interface {
	Resolve(q homie.Query) []homie.PropertyRef
}

// Deps bundles everything the Manager wires rules to.
type Deps struct {
	Store     *homie.Store
	Publisher Publisher
	Timers    *timer.Scheduler
	Cron      *cronsched.Scheduler
	Solar     *solar.Scheduler
	Scripts   ScriptRunner
	Values    ValueStore
	Queries   QueryResolver
	Domain    string
	Now       func() time.Time
}
