package fdt

// Property is a single device-tree property. Exactly one field is set.
type Property struct {
	Strings []string
	U32     []uint32
	U64     []uint64
	Bytes   []byte
	Flag    bool
}

func Strings(v ...string) Property { return Property{Strings: v} }

func U32(v ...uint32) Property { return Property{U32: v} }

func U64(v ...uint64) Property { return Property{U64: v} }

// Flag is an empty property whose presence is the value.
func Flag() Property { return Property{Flag: true} }

func (p Property) kinds() int {
	n := 0
	for _, set := range []bool{len(p.Strings) > 0, len(p.U32) > 0, len(p.U64) > 0, len(p.Bytes) > 0, p.Flag} {
		if set {
			n++
		}
	}
	return n
}

// Node is a device-tree node. Properties are emitted in name order.
type Node struct {
	Name       string
	Properties map[string]Property
	Children   []Node
}
