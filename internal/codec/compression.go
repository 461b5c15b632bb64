package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/pierrec/lz4/v4"
	"github.com/rasky/go-lzo"
)

// MaxPayloadSize bounds both compressed and decompressed payloads.
const MaxPayloadSize = 256 * 1024 * 1024

// MinCompressSize: payloads below this are cheaper to send raw.
const MinCompressSize = 256

// Compression byte layout: low nibble carries the level,
// the high bits select the algorithm. Zero flag bits with a
// non-zero level means zlib.
const (
	LevelMask  = 0x0F
	LZOFlag    = 0x20
	LZ4Flag    = 0x40
	BrotliFlag = 0x80
)

var (
	ErrPayloadTooLarge       = errors.New("payload too large")
	ErrCompressorDisabled    = errors.New("compressor is disabled")
	ErrUnknownCompressorFlag = errors.New("unknown compressor flag")
)

// Compressor bundles one algorithm's compress/decompress pair.
// Compress returns the compression byte to place in the wire header
// along with the compressed payload.
type Compressor struct {
	Name       string
	Flag       byte
	Compress   func(data []byte, level int) (byte, []byte, error)
	Decompress func(data []byte) ([]byte, error)
}

var compressors = map[string]*Compressor{
	"zlib": {
		Name:       "zlib",
		Flag:       0,
		Compress:   zlibCompress,
		Decompress: zlibDecompress,
	},
	"lz4": {
		Name:       "lz4",
		Flag:       LZ4Flag,
		Compress:   lz4Compress,
		Decompress: lz4Decompress,
	},
	"lzo": {
		Name:       "lzo",
		Flag:       LZOFlag,
		Compress:   lzoCompress,
		Decompress: lzoDecompress,
	},
	"brotli": {
		Name:       "brotli",
		Flag:       BrotliFlag,
		Compress:   brotliCompress,
		Decompress: brotliDecompress,
	},
}

// compressor preference when both sides support several.
var compressorOrder = []string{"lz4", "lzo", "zlib", "brotli"}

// AllCompressors lists every algorithm built into this binary.
func AllCompressors() []string {
	return []string{"lz4", "lzo", "zlib", "brotli"}
}

// GetCompressor returns the named algorithm, or nil.
func GetCompressor(name string) *Compressor {
	return compressors[name]
}

// EnabledSet tracks which compression algorithms may be used,
// typically the intersection of the local build and the peer's
// "compressors" capability.
type EnabledSet struct {
	mu    sync.RWMutex
	names map[string]bool
}

func NewEnabledSet(names ...string) *EnabledSet {
	s := &EnabledSet{names: make(map[string]bool)}
	for _, n := range names {
		if compressors[n] != nil {
			s.names[n] = true
		}
	}
	return s
}

func (s *EnabledSet) Enabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.names[name]
}

func (s *EnabledSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.names))
	for _, n := range compressorOrder {
		if s.names[n] {
			out = append(out, n)
		}
	}
	return out
}

// Intersect keeps only the algorithms the peer also advertises.
func (s *EnabledSet) Intersect(peer []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string]bool, len(peer))
	for _, n := range peer {
		if s.names[n] {
			keep[n] = true
		}
	}
	s.names = keep
}

// Empty reports whether no compressor survived negotiation.
func (s *EnabledSet) Empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.names) == 0
}

// ChooseCompressor picks the preferred enabled algorithm, or nil when
// the payload should be sent raw.
func ChooseCompressor(enabled *EnabledSet, size, level int) *Compressor {
	if level <= 0 || size < MinCompressSize {
		return nil
	}
	for _, name := range compressorOrder {
		if enabled.Enabled(name) {
			return compressors[name]
		}
	}
	return nil
}

// Compress applies the chosen algorithm but falls back to raw when the
// compressed form is not actually smaller.
func Compress(c *Compressor, data []byte, level int) (byte, []byte, error) {
	if c == nil {
		return 0, data, nil
	}
	flag, out, err := c.Compress(data, level)
	if err != nil {
		return 0, nil, err
	}
	if len(out) >= len(data) {
		return 0, data, nil
	}
	return flag, out, nil
}

// Decompress reverses Compress based on the wire compression byte.
// An algorithm the local side has disabled is a protocol error.
func Decompress(enabled *EnabledSet, flag byte, data []byte) ([]byte, error) {
	name := CompressorName(flag)
	if name == "" {
		if flag&^LevelMask != 0 {
			return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownCompressorFlag, flag)
		}
		return data, nil
	}
	if enabled != nil && !enabled.Enabled(name) {
		return nil, fmt.Errorf("%w: %s", ErrCompressorDisabled, name)
	}
	out, err := compressors[name].Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%s decompression failed: %w", name, err)
	}
	if len(out) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	return out, nil
}

// CompressorName maps a wire compression byte back to the algorithm,
// "" for an uncompressed payload.
func CompressorName(flag byte) string {
	switch {
	case flag&LZ4Flag != 0:
		return "lz4"
	case flag&LZOFlag != 0:
		return "lzo"
	case flag&BrotliFlag != 0:
		return "brotli"
	case flag&LevelMask != 0:
		return "zlib"
	}
	return ""
}

func clampLevel(level int) int {
	if level < 1 {
		return 1
	}
	if level > 9 {
		return 9
	}
	return level
}

func zlibCompress(data []byte, level int) (byte, []byte, error) {
	level = clampLevel(level)
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return 0, nil, err
	}
	if _, err := w.Write(data); err != nil {
		return 0, nil, err
	}
	if err := w.Close(); err != nil {
		return 0, nil, err
	}
	return byte(level), buf.Bytes(), nil
}

func zlibDecompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return readCapped(r)
}

// lz4 payloads carry the uncompressed size as a little-endian u32
// before the raw block.
func lz4Compress(data []byte, level int) (byte, []byte, error) {
	level = clampLevel(level)
	flag := byte(level)&LevelMask | LZ4Flag
	out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
	binary.LittleEndian.PutUint32(out, uint32(len(data)))
	var (
		n   int
		err error
	)
	if level >= 7 {
		var c lz4.CompressorHC
		n, err = c.CompressBlock(data, out[4:])
	} else {
		var c lz4.Compressor
		n, err = c.CompressBlock(data, out[4:])
	}
	if err != nil {
		return 0, nil, err
	}
	if n == 0 {
		// incompressible: the caller will fall back to raw
		return 0, data, nil
	}
	return flag, out[:4+n], nil
}

func lz4Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errors.New("lz4 payload too short")
	}
	size := binary.LittleEndian.Uint32(data)
	if size > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, size)
	n, err := lz4.UncompressBlock(data[4:], out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

func lzoCompress(data []byte, level int) (byte, []byte, error) {
	level = clampLevel(level)
	out := lzo.Compress1X(data)
	return byte(level)&LevelMask | LZOFlag, out, nil
}

func lzoDecompress(data []byte) ([]byte, error) {
	return lzo.Decompress1X(bytes.NewReader(data), len(data), 0)
}

func brotliCompress(data []byte, level int) (byte, []byte, error) {
	level = clampLevel(level)
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, level)
	if _, err := w.Write(data); err != nil {
		return 0, nil, err
	}
	if err := w.Close(); err != nil {
		return 0, nil, err
	}
	return byte(level)&LevelMask | BrotliFlag, buf.Bytes(), nil
}

func brotliDecompress(data []byte) ([]byte, error) {
	return readCapped(brotli.NewReader(bytes.NewReader(data)))
}

func readCapped(r io.Reader) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, MaxPayloadSize+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	return out, nil
}
