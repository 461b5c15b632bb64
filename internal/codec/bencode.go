package codec

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// bencode is kept for interoperability with very old peers. Byte
// strings and text strings share one representation: decoded string
// values come back as []byte.

func bencodeEncode(p Packet) ([]byte, error) {
	var buf bytes.Buffer
	if err := benValue(&buf, []any(p)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func bencodeDecode(data []byte) (Packet, error) {
	d := &benDecoder{data: data}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.pos != len(data) {
		return nil, fmt.Errorf("bencode: %d trailing bytes", len(data)-d.pos)
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("bencode: packet is %T, not a list", v)
	}
	return Packet(list), nil
}

func benValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		// no null in bencode: encode as empty string
		buf.WriteString("0:")
	case bool:
		if x {
			buf.WriteString("i1e")
		} else {
			buf.WriteString("i0e")
		}
	case int:
		fmt.Fprintf(buf, "i%de", x)
	case int64:
		fmt.Fprintf(buf, "i%de", x)
	case uint64:
		fmt.Fprintf(buf, "i%de", x)
	case float64:
		// legacy peers encode floats as rounded integers
		fmt.Fprintf(buf, "i%de", int64(x))
	case string:
		buf.WriteString(strconv.Itoa(len(x)))
		buf.WriteByte(':')
		buf.WriteString(x)
	case []byte:
		buf.WriteString(strconv.Itoa(len(x)))
		buf.WriteByte(':')
		buf.Write(x)
	case []any:
		buf.WriteByte('l')
		for _, e := range x {
			if err := benValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	case Packet:
		return benValue(buf, []any(x))
	case []string:
		l := make([]any, len(x))
		for i, s := range x {
			l[i] = s
		}
		return benValue(buf, l)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('d')
		for _, k := range keys {
			buf.WriteString(strconv.Itoa(len(k)))
			buf.WriteByte(':')
			buf.WriteString(k)
			if err := benValue(buf, x[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('e')
	default:
		return fmt.Errorf("bencode: unsupported type %T", v)
	}
	return nil
}

type benDecoder struct {
	data []byte
	pos  int
}

func (d *benDecoder) value() (any, error) {
	if d.pos >= len(d.data) {
		return nil, errors.New("bencode: truncated input")
	}
	switch b := d.data[d.pos]; {
	case b == 'i':
		d.pos++
		end := bytes.IndexByte(d.data[d.pos:], 'e')
		if end < 0 {
			return nil, errors.New("bencode: unterminated integer")
		}
		s := string(d.data[d.pos : d.pos+end])
		d.pos += end + 1
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			if u, uerr := strconv.ParseUint(s, 10, 64); uerr == nil {
				return u, nil
			}
			return nil, fmt.Errorf("bencode: bad integer %q", s)
		}
		return n, nil
	case b == 'l':
		d.pos++
		out := []any{}
		for {
			if d.pos >= len(d.data) {
				return nil, errors.New("bencode: unterminated list")
			}
			if d.data[d.pos] == 'e' {
				d.pos++
				return out, nil
			}
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	case b == 'd':
		d.pos++
		out := make(map[string]any)
		for {
			if d.pos >= len(d.data) {
				return nil, errors.New("bencode: unterminated dict")
			}
			if d.data[d.pos] == 'e' {
				d.pos++
				return out, nil
			}
			k, err := d.value()
			if err != nil {
				return nil, err
			}
			kb, ok := k.([]byte)
			if !ok {
				return nil, fmt.Errorf("bencode: dict key is %T, not a string", k)
			}
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			out[string(kb)] = v
		}
	case b >= '0' && b <= '9':
		sep := bytes.IndexByte(d.data[d.pos:], ':')
		if sep < 0 {
			return nil, errors.New("bencode: unterminated string length")
		}
		n, err := strconv.Atoi(string(d.data[d.pos : d.pos+sep]))
		if err != nil || n < 0 {
			return nil, errors.New("bencode: bad string length")
		}
		d.pos += sep + 1
		if d.pos+n > len(d.data) {
			return nil, errors.New("bencode: truncated string")
		}
		out := append([]byte(nil), d.data[d.pos:d.pos+n]...)
		d.pos += n
		return out, nil
	default:
		return nil, fmt.Errorf("bencode: unknown tag 0x%02x", d.data[d.pos])
	}
}
