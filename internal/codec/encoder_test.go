package codec

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func samplePackets() []Packet {
	return []Packet{
		{"hello", map[string]any{
			"version": []any{int64(1), int64(2), int64(3), int64(4)},
			"uuid":    "abc",
		}},
		{"ping", int64(1234567890)},
		{"data", bytes.Repeat([]byte{0x00, 0xff, 0x7f, 0x50}, 100)},
		{"mixed", int64(-1), int64(-32), int64(-33), int64(127), int64(128),
			int64(-129), int64(65535), int64(-65536), int64(math.MaxInt64),
			true, false, nil},
		{"nested", map[string]any{
			"encryption": map[string]any{
				"cipher": "AES",
				"iv":     []byte("0000000000000000"),
			},
			"list": []any{"a", []byte{1, 2, 3}, int64(42)},
		}},
		{"long-string", string(bytes.Repeat([]byte("x"), 1000))},
	}
}

func TestRencodeplusRoundTrip(t *testing.T) {
	for _, p := range samplePackets() {
		data, err := rencodeplusEncode(p)
		require.NoError(t, err)
		got, err := rencodeplusDecode(data)
		require.NoError(t, err)
		require.Equal(t, p, got)
	}
}

func TestRencodeplusBinarySafe(t *testing.T) {
	// every byte value in every position
	blob := make([]byte, 256)
	for i := range blob {
		blob[i] = byte(i)
	}
	p := Packet{"blob", blob, map[string]any{"k": blob}}
	data, err := rencodeplusEncode(p)
	require.NoError(t, err)
	got, err := rencodeplusDecode(data)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestRencodeplusCompactInts(t *testing.T) {
	// small positive ints fold into a single byte
	data, err := rencodeplusEncode(Packet{int64(7)})
	require.NoError(t, err)
	require.Equal(t, []byte{0xc1, 7}, data)
}

func TestRencodeplusLargeList(t *testing.T) {
	p := make(Packet, 0, 100)
	p = append(p, "big-list")
	for i := 0; i < 99; i++ {
		p = append(p, int64(i))
	}
	data, err := rencodeplusEncode(p)
	require.NoError(t, err)
	got, err := rencodeplusDecode(data)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestRencodeplusTruncated(t *testing.T) {
	data, err := rencodeplusEncode(Packet{"hello", []byte{1, 2, 3}})
	require.NoError(t, err)
	for i := 1; i < len(data); i++ {
		_, err := rencodeplusDecode(data[:i])
		require.Error(t, err, "prefix of %d bytes should not decode", i)
	}
}

func TestBencodeRoundTrip(t *testing.T) {
	// bencode folds strings into byte strings
	p := Packet{[]byte("hello"), map[string]any{
		"uuid": []byte("abc"),
		"n":    int64(42),
	}, int64(-7)}
	data, err := bencodeEncode(p)
	require.NoError(t, err)
	got, err := bencodeDecode(data)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestBencodeWireFormat(t *testing.T) {
	data, err := bencodeEncode(Packet{"ping", int64(3)})
	require.NoError(t, err)
	require.Equal(t, "l4:pingi3ee", string(data))
}

func TestYAMLRoundTrip(t *testing.T) {
	p := Packet{"hello", map[string]any{
		"uuid":    "abc",
		"blob":    []byte{0x00, 0x50, 0xff},
		"version": []any{int64(1), int64(2)},
		"flag":    true,
	}}
	data, err := yamlEncode(p)
	require.NoError(t, err)
	got, err := yamlDecode(data)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestEncoderByFlag(t *testing.T) {
	cases := []struct {
		flags byte
		want  string
	}{
		{EncoderRencodeplus, "rencodeplus"},
		{EncoderRencodeplus | 0x02, "rencodeplus"},
		{EncoderBencode, "bencode"},
		{EncoderYAML, "yaml"},
		{0x00, "rencode"},
	}
	for _, tc := range cases {
		e, err := EncoderByFlag(tc.flags)
		require.NoError(t, err)
		require.Equal(t, tc.want, e.Name)
	}
}

func TestChooseEncoder(t *testing.T) {
	e, err := ChooseEncoder(AllEncoders(), []string{"yaml", "bencode", "rencodeplus"})
	require.NoError(t, err)
	require.Equal(t, "rencodeplus", e.Name)

	e, err = ChooseEncoder(AllEncoders(), []string{"yaml", "bencode"})
	require.NoError(t, err)
	require.Equal(t, "bencode", e.Name)

	// rencode is decode-only, never negotiated for sending
	_, err = ChooseEncoder(AllEncoders(), []string{"rencode"})
	require.Error(t, err)

	_, err = ChooseEncoder(AllEncoders(), nil)
	require.Error(t, err)
}
