// Package homie holds the Homie 5 data model this engine evaluates rules
// and virtual devices against: device/property references, the typed
// HomieValue union, device descriptions, and the authoritative DeviceStore.
package homie

import (
	"fmt"
	"strconv"
	"strings"
)

// Datatype is one of the Homie 5 property datatypes.
type Datatype string

const (
	DatatypeInteger  Datatype = "integer"
	DatatypeFloat    Datatype = "float"
	DatatypeBool     Datatype = "boolean"
	DatatypeString   Datatype = "string"
	DatatypeEnum     Datatype = "enum"
	DatatypeColor    Datatype = "color"
	DatatypeDateTime Datatype = "datetime"
	DatatypeDuration Datatype = "duration"
	DatatypeJSON     Datatype = "json"
)

// Value is the tagged union over the Homie datatypes. Empty is the
// sentinel for "no value" and is never itself published.
type Value struct {
	Type Datatype
	// raw holds the wire-form string for every non-empty datatype; the
	// typed accessors below parse it lazily rather than storing N fields.
	raw   string
	empty bool
}

// Empty returns the "no value" sentinel.
func Empty() Value { return Value{empty: true} }

func (v Value) IsEmpty() bool { return v.empty }

func NewString(t Datatype, s string) Value { return Value{Type: t, raw: s} }

func NewBool(b bool) Value {
	if b {
		return Value{Type: DatatypeBool, raw: "true"}
	}
	return Value{Type: DatatypeBool, raw: "false"}
}

func NewInt(i int64) Value {
	return Value{Type: DatatypeInteger, raw: strconv.FormatInt(i, 10)}
}

func NewFloat(f float64) Value {
	return Value{Type: DatatypeFloat, raw: strconv.FormatFloat(f, 'g', -1, 64)}
}

// String returns the wire-form payload for this value. Callers needing a
// typed value should use Bool/Int/Float/Raw below.
func (v Value) String() string {
	if v.empty {
		return ""
	}
	return v.raw
}

func (v Value) Bool() (bool, bool) {
	if v.empty || v.Type != DatatypeBool {
		return false, false
	}
	return v.raw == "true", true
}

func (v Value) Int() (int64, bool) {
	if v.empty {
		return 0, false
	}
	switch v.Type {
	case DatatypeInteger:
		n, err := strconv.ParseInt(v.raw, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func (v Value) Float() (float64, bool) {
	if v.empty {
		return 0, false
	}
	switch v.Type {
	case DatatypeFloat:
		f, err := strconv.ParseFloat(v.raw, 64)
		return f, err == nil
	case DatatypeInteger:
		n, ok := v.Int()
		return float64(n), ok
	default:
		return 0, false
	}
}

// Equal compares two values by wire representation; Empty never equals
// anything, including another Empty (callers must check IsEmpty first).
func (v Value) Equal(o Value) bool {
	if v.empty || o.empty {
		return false
	}
	return v.Type == o.Type && v.raw == o.raw
}

// ParseValue decodes a raw MQTT payload into a Value of the given
// datatype. It never returns an error for String/JSON/Enum datatypes —
// those accept any payload verbatim.
func ParseValue(dt Datatype, payload string) (Value, error) {
	payload = strings.TrimSpace(payload)
	switch dt {
	case DatatypeBool:
		switch payload {
		case "true", "false":
			return Value{Type: dt, raw: payload}, nil
		default:
			return Value{}, fmt.Errorf("invalid bool payload: %q", payload)
		}
	case DatatypeInteger:
		if _, err := strconv.ParseInt(payload, 10, 64); err != nil {
			return Value{}, fmt.Errorf("invalid integer payload: %q", payload)
		}
		return Value{Type: dt, raw: payload}, nil
	case DatatypeFloat:
		if _, err := strconv.ParseFloat(payload, 64); err != nil {
			return Value{}, fmt.Errorf("invalid float payload: %q", payload)
		}
		return Value{Type: dt, raw: payload}, nil
	default:
		return Value{Type: dt, raw: payload}, nil
	}
}
