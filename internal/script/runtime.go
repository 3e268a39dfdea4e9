// Package script implements the embedded Script Runtime of spec.md
// §4.H: a fresh goja.Runtime per Run action invocation, with the
// capability tables homie, virtual_device, timers, value_store, utils,
// and event, plus a require loader over an in-memory script-module map.
//
// Grounded on the fresh-runtime-per-invocation pattern of
// r3e-network-service_layer/system/tee/script_engine.go
// (gojaScriptEngine.Execute), substituted for the original's mlua
// sandbox because no Lua VM appears anywhere in the example pack.
package script

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/rules/engine"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/timer"
)

// ModuleStore resolves require() calls against the modules loaded from
// the script-module config stream (spec.md §6 "Script Modules": hashed
// by filename, basename becomes the module name).
type ModuleStore interface {
	Module(name string) (string, bool)
}

// Runtime implements engine.ScriptRunner.
type Runtime struct {
	Modules    ModuleStore
	HTTPClient *http.Client
}

func New(modules ModuleStore) *Runtime {
	return &Runtime{Modules: modules, HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Run loads and executes source to completion inside a fresh VM
// instance, installing the capability tables described in spec.md
// §4.H. Capabilities hold only temporary borrows of caps — per the
// design note in spec.md §9, nothing survives past Run returning.
func (r *Runtime) Run(source string, caps engine.ScriptCapabilities) (err error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("script panic: %v", p)
		}
	}()

	if err := vm.Set("homie", r.homieTable(vm, caps)); err != nil {
		return err
	}
	if err := vm.Set("virtual_device", r.virtualDeviceTable(vm, caps)); err != nil {
		return err
	}
	if err := vm.Set("timers", r.timersTable(vm, caps)); err != nil {
		return err
	}
	if err := vm.Set("value_store", r.valueStoreTable(vm, caps)); err != nil {
		return err
	}
	if err := vm.Set("utils", r.utilsTable(vm, caps)); err != nil {
		return err
	}
	if err := vm.Set("event", r.eventTable(vm, caps)); err != nil {
		return err
	}
	vm.Set("require", r.requireFunc(vm))

	_, err = vm.RunString(source)
	return err
}

// resolveProp accepts either a PropertyRef-shaped object or a
// "domain/device/node/prop" string, falling back to the configured
// default domain when omitted (spec.md §4.H).
func resolveProp(v goja.Value, defaultDomain string) (homie.PropertyRef, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return homie.PropertyRef{}, fmt.Errorf("property reference required")
	}
	if s, ok := v.Export().(string); ok {
		return homie.ParsePropertyRef(s, defaultDomain)
	}
	obj, ok := v.Export().(map[string]any)
	if !ok {
		return homie.PropertyRef{}, fmt.Errorf("unsupported property reference value")
	}
	get := func(k string) string {
		if s, ok := obj[k].(string); ok {
			return s
		}
		return ""
	}
	domain := get("domain")
	if domain == "" {
		domain = defaultDomain
	}
	return homie.PropertyRef{Domain: domain, DeviceID: get("device"), NodeID: get("node"), PropertyID: get("property")}, nil
}

func (r *Runtime) homieTable(vm *goja.Runtime, caps engine.ScriptCapabilities) *goja.Object {
	obj := vm.NewObject()
	obj.Set("set_command", func(call goja.FunctionCall) goja.Value {
		prop, err := resolveProp(call.Argument(0), caps.DefaultDomain)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		payload := call.Argument(1).String()
		if err := caps.Publisher.Publish(prop.Topic()+"/set", 1, false, []byte(payload)); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	obj.Set("get_value", func(call goja.FunctionCall) goja.Value {
		prop, err := resolveProp(call.Argument(0), caps.DefaultDomain)
		if err != nil {
			return goja.Null()
		}
		v, ok := caps.Store.PropertyValue(prop)
		if !ok || v.IsEmpty() {
			return goja.Null()
		}
		return vm.ToValue(v.String())
	})
	obj.Set("get_property_description", func(call goja.FunctionCall) goja.Value {
		prop, err := resolveProp(call.Argument(0), caps.DefaultDomain)
		if err != nil {
			return goja.Null()
		}
		desc, ok := caps.Store.Description(prop.Device())
		if !ok {
			return goja.Null()
		}
		pd, ok := desc.Property(prop.Pointer())
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(pd)
	})
	obj.Set("get_device_description", func(call goja.FunctionCall) goja.Value {
		ref := homie.DeviceRef{Domain: caps.DefaultDomain, DeviceID: call.Argument(0).String()}
		desc, ok := caps.Store.Description(ref)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(desc)
	})
	obj.Set("get_device_alerts", func(call goja.FunctionCall) goja.Value {
		ref := homie.DeviceRef{Domain: caps.DefaultDomain, DeviceID: call.Argument(0).String()}
		return vm.ToValue(caps.Store.Alerts(ref))
	})
	return obj
}

// virtualDeviceTable mirrors homieTable's read surface plus write and
// alert operations. set_value and set_str_value write the value, as a
// string-typed value, into the DeviceStore only: nothing is published,
// the value is not checked against the property description, and
// internal/virtual's Manager is not involved. set_command publishes to
// the property's "/set" topic, as homie.set_command does.
func (r *Runtime) virtualDeviceTable(vm *goja.Runtime, caps engine.ScriptCapabilities) *goja.Object {
	obj := vm.NewObject()
	obj.Set("set_value", func(call goja.FunctionCall) goja.Value {
		prop, err := resolveProp(call.Argument(0), caps.DefaultDomain)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		caps.Store.SetPropertyValue(prop, homie.NewString(homie.DatatypeString, call.Argument(1).String()))
		return goja.Undefined()
	})
	obj.Set("set_str_value", func(call goja.FunctionCall) goja.Value {
		prop, err := resolveProp(call.Argument(0), caps.DefaultDomain)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		caps.Store.SetPropertyValue(prop, homie.NewString(homie.DatatypeString, call.Argument(1).String()))
		return goja.Undefined()
	})
	obj.Set("set_command", func(call goja.FunctionCall) goja.Value {
		prop, err := resolveProp(call.Argument(0), caps.DefaultDomain)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		if err := caps.Publisher.Publish(prop.Topic()+"/set", 1, false, []byte(call.Argument(1).String())); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	obj.Set("get_value", func(call goja.FunctionCall) goja.Value {
		prop, err := resolveProp(call.Argument(0), caps.DefaultDomain)
		if err != nil {
			return goja.Null()
		}
		v, ok := caps.Store.PropertyValue(prop)
		if !ok || v.IsEmpty() {
			return goja.Null()
		}
		return vm.ToValue(v.String())
	})
	obj.Set("get_property_description", func(call goja.FunctionCall) goja.Value {
		prop, err := resolveProp(call.Argument(0), caps.DefaultDomain)
		if err != nil {
			return goja.Null()
		}
		desc, ok := caps.Store.Description(prop.Device())
		if !ok {
			return goja.Null()
		}
		pd, ok := desc.Property(prop.Pointer())
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(pd)
	})
	obj.Set("get_device_description", func(call goja.FunctionCall) goja.Value {
		ref := homie.DeviceRef{Domain: caps.DefaultDomain, DeviceID: call.Argument(0).String()}
		desc, ok := caps.Store.Description(ref)
		if !ok {
			return goja.Null()
		}
		return vm.ToValue(desc)
	})
	obj.Set("set_device_alert", func(call goja.FunctionCall) goja.Value {
		ref := homie.DeviceRef{Domain: caps.DefaultDomain, DeviceID: call.Argument(0).String()}
		caps.Store.SetAlert(ref, call.Argument(1).String(), call.Argument(2).String())
		return goja.Undefined()
	})
	obj.Set("clear_device_alert", func(call goja.FunctionCall) goja.Value {
		ref := homie.DeviceRef{Domain: caps.DefaultDomain, DeviceID: call.Argument(0).String()}
		caps.Store.ClearAlert(ref, call.Argument(1).String())
		return goja.Undefined()
	})
	obj.Set("get_device_alerts", func(call goja.FunctionCall) goja.Value {
		ref := homie.DeviceRef{Domain: caps.DefaultDomain, DeviceID: call.Argument(0).String()}
		return vm.ToValue(caps.Store.Alerts(ref))
	})
	return obj
}

func (r *Runtime) timersTable(vm *goja.Runtime, caps engine.ScriptCapabilities) *goja.Object {
	obj := vm.NewObject()
	obj.Set("create", func(call goja.FunctionCall) goja.Value {
		id := call.Argument(0).String()
		seconds := call.Argument(1).ToFloat()
		var repeat time.Duration
		if len(call.Arguments) > 2 && !goja.IsUndefined(call.Argument(2)) {
			repeat = time.Duration(call.Argument(2).ToFloat() * float64(time.Second))
		}
		caps.Timers.Arm(timer.Def{ID: id, Duration: time.Duration(seconds * float64(time.Second)), Repeat: repeat > 0}, "", "", 0, nil, nil)
		return goja.Undefined()
	})
	obj.Set("cancel", func(call goja.FunctionCall) goja.Value {
		caps.Timers.Cancel(call.Argument(0).String())
		return goja.Undefined()
	})
	return obj
}

func (r *Runtime) valueStoreTable(vm *goja.Runtime, caps engine.ScriptCapabilities) *goja.Object {
	obj := vm.NewObject()
	obj.Set("set", func(call goja.FunctionCall) goja.Value {
		key := normalizeKey(call.Argument(0).String())
		b, err := json.Marshal(call.Argument(1).Export())
		if err != nil {
			b = []byte(fmt.Sprintf("%q", call.Argument(1).String()))
		}
		if caps.ValueStore == nil {
			return goja.Undefined()
		}
		if err := caps.ValueStore.Set(key, b); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	obj.Set("get", func(call goja.FunctionCall) goja.Value {
		if caps.ValueStore == nil {
			return goja.Null()
		}
		key := normalizeKey(call.Argument(0).String())
		b, ok, err := caps.ValueStore.Get(key)
		if err != nil || !ok {
			return goja.Null()
		}
		var out any
		if err := json.Unmarshal(b, &out); err != nil {
			return vm.ToValue(string(b))
		}
		return vm.ToValue(out)
	})
	obj.Set("delete", func(call goja.FunctionCall) goja.Value {
		if caps.ValueStore == nil {
			return goja.Undefined()
		}
		_ = caps.ValueStore.Delete(normalizeKey(call.Argument(0).String()))
		return goja.Undefined()
	})
	return obj
}

func normalizeKey(k string) string { return strings.ToLower(strings.TrimSpace(k)) }

func (r *Runtime) utilsTable(vm *goja.Runtime, caps engine.ScriptCapabilities) *goja.Object {
	obj := vm.NewObject()
	obj.Set("sleep", func(call goja.FunctionCall) goja.Value {
		time.Sleep(time.Duration(call.Argument(0).ToFloat()) * time.Millisecond)
		return goja.Undefined()
	})
	obj.Set("from_json", func(call goja.FunctionCall) goja.Value {
		var out any
		if err := json.Unmarshal([]byte(call.Argument(0).String()), &out); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(out)
	})
	obj.Set("to_json", func(call goja.FunctionCall) goja.Value {
		b, err := json.Marshal(call.Argument(0).Export())
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(string(b))
	})
	obj.Set("http_get", func(call goja.FunctionCall) goja.Value {
		return r.httpDo(vm, http.MethodGet, call.Argument(0).String(), "", "")
	})
	obj.Set("http_post", func(call goja.FunctionCall) goja.Value {
		return r.httpDo(vm, http.MethodPost, call.Argument(0).String(), "text/plain", call.Argument(1).String())
	})
	obj.Set("http_post_json", func(call goja.FunctionCall) goja.Value {
		b, err := json.Marshal(call.Argument(1).Export())
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return r.httpDo(vm, http.MethodPost, call.Argument(0).String(), "application/json", string(b))
	})
	obj.Set("http_post_form", func(call goja.FunctionCall) goja.Value {
		form, _ := call.Argument(1).Export().(map[string]any)
		values := url.Values{}
		for k, v := range form {
			values.Set(k, fmt.Sprint(v))
		}
		return r.httpDo(vm, http.MethodPost, call.Argument(0).String(), "application/x-www-form-urlencoded", values.Encode())
	})
	obj.Set("mqtt_publish", func(call goja.FunctionCall) goja.Value {
		topic := call.Argument(0).String()
		payload := call.Argument(1).String()
		var qos byte = 0
		var retained bool
		if len(call.Arguments) > 2 {
			qos = byte(call.Argument(2).ToInteger())
		}
		if len(call.Arguments) > 3 {
			retained = call.Argument(3).ToBoolean()
		}
		if err := caps.Publisher.Publish(topic, qos, retained, []byte(payload)); err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return goja.Undefined()
	})
	return obj
}

func (r *Runtime) httpDo(vm *goja.Runtime, method, target, contentType, body string) goja.Value {
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, target, rdr)
	if err != nil {
		panic(vm.ToValue(err.Error()))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		panic(vm.ToValue(err.Error()))
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		panic(vm.ToValue(err.Error()))
	}
	result := vm.NewObject()
	result.Set("status", resp.StatusCode)
	result.Set("body", string(b))
	return result
}

func (r *Runtime) eventTable(vm *goja.Runtime, caps engine.ScriptCapabilities) *goja.Object {
	evt := caps.TriggerEvent
	obj := vm.NewObject()
	obj.Set("type", fmt.Sprint(evt.Kind))
	setOrNull(obj, "prop", evt.Prop.Topic())
	setOrNull(obj, "value", evt.Value)
	if evt.HasFromValue {
		obj.Set("from_value", evt.FromValue)
	} else {
		obj.Set("from_value", goja.Null())
	}
	setOrNull(obj, "on_set_value", evt.Value)
	setOrNull(obj, "timer_id", evt.TimerID)
	setOrNull(obj, "mqtt_topic", evt.MqttTopic)
	obj.Set("mqtt_retain", evt.MqttRetain)
	return obj
}

func setOrNull(obj *goja.Object, key, v string) {
	if v == "" {
		obj.Set(key, goja.Null())
		return
	}
	obj.Set(key, v)
}

// requireFunc resolves module names against r.Modules (spec.md §4.H
// "Custom require loader").
func (r *Runtime) requireFunc(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	loaded := map[string]goja.Value{}
	return func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		if v, ok := loaded[name]; ok {
			return v
		}
		if r.Modules == nil {
			panic(vm.ToValue(fmt.Sprintf("module not found: %s", name)))
		}
		src, ok := r.Modules.Module(name)
		if !ok {
			panic(vm.ToValue(fmt.Sprintf("module not found: %s", name)))
		}
		wrapped := fmt.Sprintf("(function(module, exports) {\n%s\nreturn module.exports;\n})", src)
		fn, err := vm.RunString(wrapped)
		if err != nil {
			slog.Error("script module failed to parse", "module", name, "error", err)
			panic(vm.ToValue(err.Error()))
		}
		call2, ok := goja.AssertFunction(fn)
		if !ok {
			panic(vm.ToValue("module wrapper is not callable"))
		}
		module := vm.NewObject()
		exports := vm.NewObject()
		module.Set("exports", exports)
		result, err := call2(goja.Undefined(), module, exports)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		loaded[name] = result
		return result
	}
}

