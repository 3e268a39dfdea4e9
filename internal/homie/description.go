package homie

// PropertyDescription is one property's metadata as discovered from the
// device's Homie 5 description document.
type PropertyDescription struct {
	Datatype Datatype
	Format   string
	Settable bool
	Retained bool
	Unit     string
}

// NodeDescription groups properties under a single node id.
type NodeDescription struct {
	Name       string
	Type       string
	Properties map[string]PropertyDescription
}

// DeviceDescription is the discovered shape of a device: its nodes and
// their properties.
type DeviceDescription struct {
	Name  string
	Nodes map[string]NodeDescription
}

// Property looks up a property's description by pointer.
func (d *DeviceDescription) Property(p PropertyPointer) (PropertyDescription, bool) {
	if d == nil {
		return PropertyDescription{}, false
	}
	n, ok := d.Nodes[p.NodeID]
	if !ok {
		return PropertyDescription{}, false
	}
	pd, ok := n.Properties[p.PropertyID]
	return pd, ok
}
