package homie

import "testing"

func TestValue_EmptyNeverEqual(t *testing.T) {
	a := Empty()
	b := Empty()
	if a.Equal(b) {
		t.Fatalf("expected two empty values to never compare equal")
	}
	if !a.IsEmpty() || a.String() != "" {
		t.Fatalf("expected empty value to report IsEmpty and an empty wire form")
	}
}

func TestValue_BoolRoundTrip(t *testing.T) {
	v := NewBool(true)
	b, ok := v.Bool()
	if !ok || !b {
		t.Fatalf("expected true, got %v ok=%v", b, ok)
	}
	if v.String() != "true" {
		t.Fatalf("expected wire form \"true\", got %q", v.String())
	}

	if _, ok := NewInt(1).Bool(); ok {
		t.Fatalf("expected Bool() on an integer value to report not-ok")
	}
}

func TestValue_FloatAcceptsInteger(t *testing.T) {
	v := NewInt(42)
	f, ok := v.Float()
	if !ok || f != 42 {
		t.Fatalf("expected Float() to widen an integer value, got %v ok=%v", f, ok)
	}
}

func TestValue_Equal(t *testing.T) {
	a := NewString(DatatypeString, "on")
	b := NewString(DatatypeString, "on")
	c := NewString(DatatypeString, "off")
	if !a.Equal(b) {
		t.Fatalf("expected equal values with the same type/raw to compare equal")
	}
	if a.Equal(c) {
		t.Fatalf("expected different raw payloads to compare unequal")
	}
}

func TestParseValue_Bool(t *testing.T) {
	if _, err := ParseValue(DatatypeBool, "maybe"); err == nil {
		t.Fatalf("expected an error for an invalid bool payload")
	}
	v, err := ParseValue(DatatypeBool, " true ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b, ok := v.Bool(); !ok || !b {
		t.Fatalf("expected trimmed payload to parse as true, got %v ok=%v", b, ok)
	}
}

func TestParseValue_IntegerAndFloat(t *testing.T) {
	if _, err := ParseValue(DatatypeInteger, "3.5"); err == nil {
		t.Fatalf("expected an error parsing a float payload as integer")
	}
	if _, err := ParseValue(DatatypeFloat, "not-a-number"); err == nil {
		t.Fatalf("expected an error for an invalid float payload")
	}
	v, err := ParseValue(DatatypeFloat, "3.5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f, ok := v.Float(); !ok || f != 3.5 {
		t.Fatalf("expected 3.5, got %v ok=%v", f, ok)
	}
}

func TestParseValue_StringPassesThroughAnyPayload(t *testing.T) {
	v, err := ParseValue(DatatypeString, "anything goes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.String() != "anything goes" {
		t.Fatalf("expected payload to pass through verbatim, got %q", v.String())
	}
}
