// Package config decodes VirtualDeviceSpec documents — YAML files
// under a virtual-device directory, a broker-topic document, or an
// in-memory/cluster-config item — into virtual.Device values, mirroring
// internal/rules/config's Kind-discriminator decoding idiom for the
// compound-member/aggregation grammar of spec.md §3/§4.I.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/homie-homecontrol/hc-homie5-automation/internal/homie"
	"github.com/homie-homecontrol/hc-homie5-automation/internal/virtual"
)

type document struct {
	VirtualDevices []deviceDoc `yaml:"virtual_devices"`
}

type deviceDoc struct {
	ID         string         `yaml:"id"`
	Name       string         `yaml:"name,omitempty"`
	Properties []propertyDoc  `yaml:"properties"`
}

type propertyDoc struct {
	ID           string        `yaml:"id"`
	NodeID       string        `yaml:"node_id,omitempty"`
	Datatype     string        `yaml:"datatype"`
	Retained     bool          `yaml:"retained,omitempty"`
	PassThrough  bool          `yaml:"pass_through,omitempty"`
	ReadFromMqtt bool          `yaml:"read_from_mqtt,omitempty"`
	ReadTimeout  string        `yaml:"read_timeout,omitempty"`

	Members             []memberDoc `yaml:"members,omitempty"`
	WholeMapping        []mapDoc    `yaml:"whole_mapping,omitempty"`
	Aggregate           string      `yaml:"aggregate,omitempty"`
	AggregationDebounce string      `yaml:"aggregation_debounce,omitempty"`
}

type memberDoc struct {
	Kind string `yaml:"kind"`

	Subject string   `yaml:"subject,omitempty"`
	Mapping []mapDoc `yaml:"mapping,omitempty"`

	DeviceID   string   `yaml:"device_id,omitempty"`
	NodeType   string   `yaml:"node_type,omitempty"`
	PropertyID string   `yaml:"property_id,omitempty"`
	Tags       []string `yaml:"tags,omitempty"`

	InputTopic  string `yaml:"input_topic,omitempty"`
	OutputTopic string `yaml:"output_topic,omitempty"`
	QoS         int    `yaml:"qos,omitempty"`
	Retained    bool   `yaml:"retained,omitempty"`
}

type mapDoc struct {
	Match string `yaml:"match"`
	Value string `yaml:"value"`
}

// decoder binds the domain used for the resulting DeviceRef/PropertyRef
// values (DOMAIN env var), matching internal/rules/config's approach.
type decoder struct {
	domain string
}

func NewDecoder(domain string) func(path string, content []byte) (map[string]virtual.Device, error) {
	d := decoder{domain: domain}
	return d.Decode
}

func (d decoder) Decode(path string, content []byte) (map[string]virtual.Device, error) {
	var doc document
	dec := yaml.NewDecoder(strings.NewReader(string(content)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse virtual device document %s: %w", path, err)
	}

	out := make(map[string]virtual.Device, len(doc.VirtualDevices))
	for _, dd := range doc.VirtualDevices {
		if dd.ID == "" {
			return nil, fmt.Errorf("virtual device document %s: device missing id", path)
		}
		dev, err := d.decodeDevice(dd)
		if err != nil {
			return nil, fmt.Errorf("virtual device document %s, device %q: %w", path, dd.ID, err)
		}
		out[dd.ID] = dev
	}
	return out, nil
}

func (d decoder) decodeDevice(dd deviceDoc) (virtual.Device, error) {
	ref := homie.DeviceRef{Domain: d.domain, DeviceID: dd.ID}
	dev := virtual.Device{
		Ref:        ref,
		Properties: map[homie.PropertyPointer]*virtual.Property{},
		Alerts:     map[string]string{},
	}

	nodes := map[string]homie.NodeDescription{}
	for _, pd := range dd.Properties {
		nodeID := pd.NodeID
		if nodeID == "" {
			nodeID = "default"
		}
		propRef := homie.PropertyRef{Domain: d.domain, DeviceID: dd.ID, NodeID: nodeID, PropertyID: pd.ID}
		prop, hasQuery, err := d.decodeProperty(propRef, pd)
		if err != nil {
			return dev, err
		}
		dev.Properties[propRef.Pointer()] = prop
		if hasQuery {
			dev.HasQueries = true
		}

		node, ok := nodes[nodeID]
		if !ok {
			node = homie.NodeDescription{Properties: map[string]homie.PropertyDescription{}}
		}
		// A plain (non-compound) virtual property is settable by
		// definition — setting it is how its value gets produced. A
		// compound property is only settable when pass-through fan-out
		// is enabled (spec.md §4.I "pass-through set-command fan-out");
		// otherwise its value is purely computed.
		settable := prop.Compound == nil || prop.Options.PassThrough
		node.Properties[pd.ID] = homie.PropertyDescription{
			Datatype: homie.Datatype(pd.Datatype),
			Settable: settable,
			Retained: pd.Retained,
		}
		nodes[nodeID] = node
	}
	dev.Description = homie.DeviceDescription{Name: dd.Name, Nodes: nodes}
	return dev, nil
}

func (d decoder) decodeProperty(ref homie.PropertyRef, pd propertyDoc) (*virtual.Property, bool, error) {
	prop := &virtual.Property{
		Ref:      ref,
		Datatype: homie.Datatype(pd.Datatype),
		Retained: pd.Retained,
		Options: virtual.Options{
			PassThrough:  pd.PassThrough,
			ReadFromMqtt: pd.ReadFromMqtt,
		},
	}
	if pd.ReadTimeout != "" {
		rt, err := time.ParseDuration(pd.ReadTimeout)
		if err != nil {
			return nil, false, fmt.Errorf("property %s: invalid read_timeout %q: %w", pd.ID, pd.ReadTimeout, err)
		}
		prop.Options.ReadTimeout = rt
	}

	if len(pd.Members) == 0 {
		return prop, false, nil
	}

	spec := &virtual.CompoundSpec{Aggregate: virtual.AggregateFunc(pd.Aggregate)}
	if len(pd.WholeMapping) > 0 {
		spec.HasWholeMapping = true
		spec.WholeMapping = decodeMapping(pd.WholeMapping)
	}
	if pd.AggregationDebounce != "" {
		deb, err := time.ParseDuration(pd.AggregationDebounce)
		if err != nil {
			return nil, false, fmt.Errorf("property %s: invalid aggregation_debounce %q: %w", pd.ID, pd.AggregationDebounce, err)
		}
		spec.AggregationDebounce = deb
	}

	hasQuery := false
	for _, md := range pd.Members {
		m, isQuery, err := d.decodeMember(md)
		if err != nil {
			return nil, false, fmt.Errorf("property %s: %w", pd.ID, err)
		}
		if isQuery {
			hasQuery = true
		}
		spec.Members = append(spec.Members, m)
	}
	prop.Compound = spec
	return prop, hasQuery, nil
}

func (d decoder) decodeMember(md memberDoc) (virtual.MemberSpec, bool, error) {
	m := virtual.MemberSpec{}
	switch strings.ToLower(md.Kind) {
	case "subject":
		m.Kind = virtual.MemberSubject
		ref, err := homie.ParsePropertyRef(md.Subject, d.domain)
		if err != nil {
			return m, false, err
		}
		m.Subject = ref
		return m, false, nil
	case "subject_mapped":
		m.Kind = virtual.MemberSubjectMapped
		ref, err := homie.ParsePropertyRef(md.Subject, d.domain)
		if err != nil {
			return m, false, err
		}
		m.Subject = ref
		m.Mapping = decodeMapping(md.Mapping)
		return m, false, nil
	case "query":
		m.Kind = virtual.MemberQuery
		m.Query = homie.Query{Domain: d.domain, DeviceID: md.DeviceID, NodeType: md.NodeType, PropertyID: md.PropertyID, Tags: md.Tags}
		return m, true, nil
	case "mqtt":
		m.Kind = virtual.MemberMqtt
		m.InputTopic = md.InputTopic
		m.OutputTopic = md.OutputTopic
		m.QoS = byte(md.QoS)
		m.Retained = md.Retained
		return m, false, nil
	default:
		return m, false, fmt.Errorf("unknown member kind %q", md.Kind)
	}
}

func decodeMapping(docs []mapDoc) virtual.Mapping {
	entries := make([]virtual.MapEntry, 0, len(docs))
	for _, md := range docs {
		entries = append(entries, virtual.MapEntry{From: md.Match, To: md.Value})
	}
	return virtual.Mapping{Entries: entries}
}
