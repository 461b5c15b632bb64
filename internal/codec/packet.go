package codec

import "fmt"

// Packet is an ordered sequence of typed values. The first element is
// the packet type: a short ASCII name, or the peer-assigned alias
// integer once aliasing is active.
//
// Element values are limited to: int64/uint64 (and plain int from
// callers), []byte, string, bool, float64, []any and map[string]any.
type Packet []any

// Type returns the packet-type name when element 0 is a string,
// "" otherwise (alias integers are resolved by the protocol engine).
func (p Packet) Type() string {
	if len(p) == 0 {
		return ""
	}
	if s, ok := p[0].(string); ok {
		return s
	}
	return ""
}

// Alias returns the packet-type alias when element 0 is an integer.
func (p Packet) Alias() (int64, bool) {
	if len(p) == 0 {
		return 0, false
	}
	switch v := p[0].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint64:
		return int64(v), true
	}
	return 0, false
}

// Compressed marks a packet element holding an already-compressed
// payload which must travel as its own raw chunk instead of being
// re-encoded inside the main packet body.
type Compressed struct {
	Datatype string
	Data     []byte
	// Flag is the compression byte describing Data; 0 means raw.
	Flag byte
	// CanInline allows small payloads to stay inside the main packet.
	CanInline bool
}

func (c *Compressed) String() string {
	return fmt.Sprintf("Compressed(%s: %d bytes)", c.Datatype, len(c.Data))
}

func (c *Compressed) Len() int { return len(c.Data) }

// CompressedWrapper compresses data with the preferred enabled
// algorithm when worthwhile, returning a raw wrapper otherwise.
func CompressedWrapper(datatype string, data []byte, enabled *EnabledSet, level int) (*Compressed, error) {
	c := ChooseCompressor(enabled, len(data), level)
	flag, out, err := Compress(c, data, level)
	if err != nil {
		return nil, err
	}
	return &Compressed{Datatype: datatype, Data: out, Flag: flag, CanInline: flag == 0}, nil
}
