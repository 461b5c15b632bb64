package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// rencodeplus: a compact typed binary serialization. Small integers,
// short strings, lists and dicts are folded into the tag byte; byte
// strings are carried verbatim and kept distinct from UTF-8 strings.
const (
	chrFloat64 = 44
	chrBytes   = 47
	chrList    = 59
	chrDict    = 60
	chrInt     = 61
	chrInt1    = 62
	chrInt2    = 63
	chrInt4    = 64
	chrInt8    = 65
	chrFloat32 = 66
	chrTrue    = 67
	chrFalse   = 68
	chrNone    = 69
	chrTerm    = 127

	intPosFixedStart = 0
	intPosFixedCount = 44
	intNegFixedStart = 70
	intNegFixedCount = 32
	dictFixedStart   = 102
	dictFixedCount   = 25
	strFixedStart    = 128
	strFixedCount    = 64
	listFixedStart   = strFixedStart + strFixedCount
	listFixedCount   = 64
)

var errTruncated = errors.New("rencodeplus: truncated input")

func rencodeplusEncode(p Packet) ([]byte, error) {
	var buf bytes.Buffer
	for _, v := range p {
		if err := rencValue(&buf, v); err != nil {
			return nil, err
		}
	}
	// the packet itself is written as a fixed or terminated list
	out := make([]byte, 0, buf.Len()+2)
	if len(p) < listFixedCount {
		out = append(out, byte(listFixedStart+len(p)))
		out = append(out, buf.Bytes()...)
	} else {
		out = append(out, chrList)
		out = append(out, buf.Bytes()...)
		out = append(out, chrTerm)
	}
	return out, nil
}

func rencodeplusDecode(data []byte) (Packet, error) {
	d := &rencDecoder{data: data}
	v, err := d.value()
	if err != nil {
		return nil, err
	}
	if d.pos != len(data) {
		return nil, fmt.Errorf("rencodeplus: %d trailing bytes", len(data)-d.pos)
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("rencodeplus: packet is %T, not a list", v)
	}
	return Packet(list), nil
}

func rencValue(buf *bytes.Buffer, v any) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte(chrNone)
	case bool:
		if x {
			buf.WriteByte(chrTrue)
		} else {
			buf.WriteByte(chrFalse)
		}
	case int:
		rencInt(buf, int64(x))
	case int8:
		rencInt(buf, int64(x))
	case int16:
		rencInt(buf, int64(x))
	case int32:
		rencInt(buf, int64(x))
	case int64:
		rencInt(buf, x)
	case uint:
		rencUint(buf, uint64(x))
	case uint8:
		rencInt(buf, int64(x))
	case uint16:
		rencInt(buf, int64(x))
	case uint32:
		rencInt(buf, int64(x))
	case uint64:
		rencUint(buf, x)
	case float64:
		buf.WriteByte(chrFloat64)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(x))
		buf.Write(b[:])
	case float32:
		buf.WriteByte(chrFloat32)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], math.Float32bits(x))
		buf.Write(b[:])
	case string:
		rencStr(buf, x)
	case []byte:
		buf.WriteByte(chrBytes)
		buf.WriteString(strconv.Itoa(len(x)))
		buf.WriteByte(':')
		buf.Write(x)
	case []any:
		return rencList(buf, x)
	case Packet:
		return rencList(buf, x)
	case []string:
		l := make([]any, len(x))
		for i, s := range x {
			l[i] = s
		}
		return rencList(buf, l)
	case map[string]any:
		return rencDict(buf, x)
	default:
		return fmt.Errorf("rencodeplus: unsupported type %T", v)
	}
	return nil
}

func rencInt(buf *bytes.Buffer, v int64) {
	switch {
	case v >= 0 && v < intPosFixedCount:
		buf.WriteByte(byte(intPosFixedStart + v))
	case v < 0 && v >= -intNegFixedCount:
		buf.WriteByte(byte(intNegFixedStart - 1 - v))
	case v >= math.MinInt8 && v <= math.MaxInt8:
		buf.WriteByte(chrInt1)
		buf.WriteByte(byte(int8(v)))
	case v >= math.MinInt16 && v <= math.MaxInt16:
		buf.WriteByte(chrInt2)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(int16(v)))
		buf.Write(b[:])
	case v >= math.MinInt32 && v <= math.MaxInt32:
		buf.WriteByte(chrInt4)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(int32(v)))
		buf.Write(b[:])
	default:
		buf.WriteByte(chrInt8)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v))
		buf.Write(b[:])
	}
}

func rencUint(buf *bytes.Buffer, v uint64) {
	if v <= math.MaxInt64 {
		rencInt(buf, int64(v))
		return
	}
	buf.WriteByte(chrInt)
	buf.WriteString(strconv.FormatUint(v, 10))
	buf.WriteByte(chrTerm)
}

func rencStr(buf *bytes.Buffer, s string) {
	if len(s) < strFixedCount {
		buf.WriteByte(byte(strFixedStart + len(s)))
		buf.WriteString(s)
		return
	}
	buf.WriteString(strconv.Itoa(len(s)))
	buf.WriteByte(':')
	buf.WriteString(s)
}

func rencList(buf *bytes.Buffer, l []any) error {
	if len(l) < listFixedCount {
		buf.WriteByte(byte(listFixedStart + len(l)))
		for _, v := range l {
			if err := rencValue(buf, v); err != nil {
				return err
			}
		}
		return nil
	}
	buf.WriteByte(chrList)
	for _, v := range l {
		if err := rencValue(buf, v); err != nil {
			return err
		}
	}
	buf.WriteByte(chrTerm)
	return nil
}

func rencDict(buf *bytes.Buffer, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(m) < dictFixedCount {
		buf.WriteByte(byte(dictFixedStart + len(m)))
		for _, k := range keys {
			rencStr(buf, k)
			if err := rencValue(buf, m[k]); err != nil {
				return err
			}
		}
		return nil
	}
	buf.WriteByte(chrDict)
	for _, k := range keys {
		rencStr(buf, k)
		if err := rencValue(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte(chrTerm)
	return nil
}

type rencDecoder struct {
	data []byte
	pos  int
}

func (d *rencDecoder) byte() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, errTruncated
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *rencDecoder) take(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.data) {
		return nil, errTruncated
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *rencDecoder) peek() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, errTruncated
	}
	return d.data[d.pos], nil
}

// asciiLen reads decimal digits terminated by ':'.
func (d *rencDecoder) asciiLen(first byte) (int, error) {
	n := int(first - '0')
	for {
		b, err := d.byte()
		if err != nil {
			return 0, err
		}
		if b == ':' {
			return n, nil
		}
		if b < '0' || b > '9' {
			return 0, fmt.Errorf("rencodeplus: bad length byte 0x%02x", b)
		}
		n = n*10 + int(b-'0')
		if n > MaxPayloadSize {
			return 0, ErrPayloadTooLarge
		}
	}
}

func (d *rencDecoder) value() (any, error) {
	b, err := d.byte()
	if err != nil {
		return nil, err
	}
	switch {
	case b < intPosFixedStart+intPosFixedCount:
		return int64(b), nil
	case b == chrFloat64:
		raw, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
	case b == chrBytes:
		first, err := d.byte()
		if err != nil {
			return nil, err
		}
		if first < '0' || first > '9' {
			return nil, fmt.Errorf("rencodeplus: bad bytes length 0x%02x", first)
		}
		n, err := d.asciiLen(first)
		if err != nil {
			return nil, err
		}
		raw, err := d.take(n)
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), raw...), nil
	case b >= '0' && b <= '9':
		n, err := d.asciiLen(b)
		if err != nil {
			return nil, err
		}
		raw, err := d.take(n)
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case b == chrList:
		var out []any
		for {
			p, err := d.peek()
			if err != nil {
				return nil, err
			}
			if p == chrTerm {
				d.pos++
				return out, nil
			}
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
	case b == chrDict:
		out := make(map[string]any)
		for {
			p, err := d.peek()
			if err != nil {
				return nil, err
			}
			if p == chrTerm {
				d.pos++
				return out, nil
			}
			if err := d.dictPair(out); err != nil {
				return nil, err
			}
		}
	case b == chrInt:
		start := d.pos
		for {
			c, err := d.byte()
			if err != nil {
				return nil, err
			}
			if c == chrTerm {
				break
			}
		}
		s := string(d.data[start : d.pos-1])
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			if u <= math.MaxInt64 {
				return int64(u), nil
			}
			return u, nil
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("rencodeplus: bad integer %q", s)
		}
		return i, nil
	case b == chrInt1:
		raw, err := d.take(1)
		if err != nil {
			return nil, err
		}
		return int64(int8(raw[0])), nil
	case b == chrInt2:
		raw, err := d.take(2)
		if err != nil {
			return nil, err
		}
		return int64(int16(binary.BigEndian.Uint16(raw))), nil
	case b == chrInt4:
		raw, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return int64(int32(binary.BigEndian.Uint32(raw))), nil
	case b == chrInt8:
		raw, err := d.take(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(raw)), nil
	case b == chrFloat32:
		raw, err := d.take(4)
		if err != nil {
			return nil, err
		}
		return float32(math.Float32frombits(binary.BigEndian.Uint32(raw))), nil
	case b == chrTrue:
		return true, nil
	case b == chrFalse:
		return false, nil
	case b == chrNone:
		return nil, nil
	case b >= intNegFixedStart && b < intNegFixedStart+intNegFixedCount:
		return int64(intNegFixedStart - 1 - int(b)), nil
	case b >= dictFixedStart && b < dictFixedStart+dictFixedCount:
		n := int(b - dictFixedStart)
		out := make(map[string]any, n)
		for i := 0; i < n; i++ {
			if err := d.dictPair(out); err != nil {
				return nil, err
			}
		}
		return out, nil
	case b >= strFixedStart && b < strFixedStart+strFixedCount:
		raw, err := d.take(int(b - strFixedStart))
		if err != nil {
			return nil, err
		}
		return string(raw), nil
	case b >= listFixedStart:
		n := int(b - listFixedStart)
		out := make([]any, 0, n)
		for i := 0; i < n; i++ {
			v, err := d.value()
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return nil, fmt.Errorf("rencodeplus: unknown tag 0x%02x", b)
}

func (d *rencDecoder) dictPair(out map[string]any) error {
	kv, err := d.value()
	if err != nil {
		return err
	}
	var key string
	switch k := kv.(type) {
	case string:
		key = k
	case []byte:
		key = string(k)
	default:
		return fmt.Errorf("rencodeplus: dict key is %T, not a string", kv)
	}
	v, err := d.value()
	if err != nil {
		return err
	}
	out[key] = v
	return nil
}
