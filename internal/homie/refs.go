package homie

import "fmt"

// DeviceRef identifies a device within a Homie domain.
type DeviceRef struct {
	Domain   string
	DeviceID string
}

func (d DeviceRef) String() string { return d.Domain + "/" + d.DeviceID }

// PropertyPointer identifies a property within a single device.
type PropertyPointer struct {
	NodeID     string
	PropertyID string
}

func (p PropertyPointer) String() string { return p.NodeID + "/" + p.PropertyID }

// PropertyRef identifies a property across devices and domains.
type PropertyRef struct {
	Domain   string
	DeviceID string
	NodeID   string
	PropertyID string
}

func (p PropertyRef) Device() DeviceRef {
	return DeviceRef{Domain: p.Domain, DeviceID: p.DeviceID}
}

func (p PropertyRef) Pointer() PropertyPointer {
	return PropertyPointer{NodeID: p.NodeID, PropertyID: p.PropertyID}
}

// Topic renders the property's Homie 5 state topic.
func (p PropertyRef) Topic() string {
	return fmt.Sprintf("%s/%s/%s/%s", p.Domain, p.DeviceID, p.NodeID, p.PropertyID)
}

// ParsePropertyRef parses "[domain/]device/node/prop", falling back to
// defaultDomain when the domain segment is omitted (4 vs 3 segments).
func ParsePropertyRef(s, defaultDomain string) (PropertyRef, error) {
	parts := splitNonEmpty(s, '/')
	switch len(parts) {
	case 3:
		return PropertyRef{Domain: defaultDomain, DeviceID: parts[0], NodeID: parts[1], PropertyID: parts[2]}, nil
	case 4:
		return PropertyRef{Domain: parts[0], DeviceID: parts[1], NodeID: parts[2], PropertyID: parts[3]}, nil
	default:
		return PropertyRef{}, fmt.Errorf("invalid property reference: %q", s)
	}
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
