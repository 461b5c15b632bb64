package codec

import (
	"bytes"
	"errors"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 500)
	for _, name := range AllCompressors() {
		c := GetCompressor(name)
		if c == nil {
			t.Fatalf("missing compressor %q", name)
		}
		for level := 1; level <= 9; level++ {
			flag, data, err := c.Compress(payload, level)
			if err != nil {
				t.Fatalf("%s level %d: compress: %v", name, level, err)
			}
			if flag&^LevelMask != c.Flag {
				t.Fatalf("%s: flag byte 0x%02x does not carry 0x%02x", name, flag, c.Flag)
			}
			if got := int(flag & LevelMask); got < 1 || got > 15 {
				t.Fatalf("%s: level nibble out of range: %d", name, got)
			}
			out, err := c.Decompress(data)
			if err != nil {
				t.Fatalf("%s level %d: decompress: %v", name, level, err)
			}
			if !bytes.Equal(out, payload) {
				t.Fatalf("%s level %d: round trip mismatch", name, level)
			}
		}
	}
}

func TestCompressFallsBackToRaw(t *testing.T) {
	// high-entropy-ish input that no algorithm should shrink
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i*37 + 11)
	}
	flag, out, err := Compress(GetCompressor("zlib"), payload, 5)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if flag != 0 {
		t.Fatalf("expected raw fallback, got flag 0x%02x", flag)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("raw fallback should keep the payload")
	}
}

func TestChooseCompressor(t *testing.T) {
	enabled := NewEnabledSet("zlib", "lz4", "brotli")
	cases := []struct {
		size, level int
		want        string
	}{
		{10000, 5, "lz4"},
		{255, 5, ""},
		{256, 5, "lz4"},
		{10000, 0, ""},
	}
	for _, tc := range cases {
		got := ChooseCompressor(enabled, tc.size, tc.level)
		name := ""
		if got != nil {
			name = got.Name
		}
		if name != tc.want {
			t.Fatalf("ChooseCompressor(size=%d, level=%d)=%q want %q",
				tc.size, tc.level, name, tc.want)
		}
	}
}

func TestChooseCompressorOrder(t *testing.T) {
	enabled := NewEnabledSet("brotli", "zlib")
	if got := ChooseCompressor(enabled, 10000, 5); got == nil || got.Name != "zlib" {
		t.Fatalf("expected zlib before brotli, got %v", got)
	}
}

func TestIntersect(t *testing.T) {
	enabled := NewEnabledSet("zlib", "lz4", "lzo")
	enabled.Intersect([]string{"lz4", "brotli"})
	if !enabled.Enabled("lz4") || enabled.Enabled("zlib") || enabled.Enabled("lzo") {
		t.Fatalf("bad intersection: %v", enabled.Names())
	}
	enabled.Intersect(nil)
	if !enabled.Empty() {
		t.Fatalf("expected empty set")
	}
}

func TestDecompressDisabledAlgorithm(t *testing.T) {
	payload := bytes.Repeat([]byte("abcd"), 1000)
	flag, data, err := GetCompressor("lz4").Compress(payload, 3)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	enabled := NewEnabledSet("zlib")
	if _, err := Decompress(enabled, flag, data); !errors.Is(err, ErrCompressorDisabled) {
		t.Fatalf("expected ErrCompressorDisabled, got %v", err)
	}
	enabled = NewEnabledSet("lz4")
	out, err := Decompress(enabled, flag, data)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("round trip mismatch")
	}
}

func TestCompressorName(t *testing.T) {
	cases := []struct {
		flag byte
		want string
	}{
		{0x45, "lz4"},
		{0x23, "lzo"},
		{0x81, "brotli"},
		{0x05, "zlib"},
		{0x00, ""},
	}
	for _, tc := range cases {
		if got := CompressorName(tc.flag); got != tc.want {
			t.Fatalf("CompressorName(0x%02x)=%q want %q", tc.flag, got, tc.want)
		}
	}
}
