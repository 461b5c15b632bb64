package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"xpra-wire/internal/codec"
)

// Wire header: 8 bytes, big-endian.
//
//	byte 0   magic 'P'
//	byte 1   protocol flags: cipher bit, flush bit, packet encoder
//	byte 2   compression byte: level nibble plus algorithm bits
//	byte 3   packet index: 0 is the main body, >0 a raw chunk
//	byte 4-7 payload length
const (
	HeaderSize = 8
	HeaderMagic byte = 'P'
)

// Protocol flag bits (byte 1).
const (
	FlagCipher byte = 0x2
	FlagFlush  byte = 0x8

	knownFlags = FlagCipher | FlagFlush | codec.EncoderFlagsMask
)

var (
	ErrInvalidHeader    = errors.New("invalid packet header")
	ErrPayloadTooLarge  = errors.New("payload-too-large")
	errShortHeader      = errors.New("short packet header")
)

// Header is the parsed form of the 8 leading bytes of a wire packet.
type Header struct {
	Flags       byte
	Compression byte
	Index       int
	Length      uint32
}

func (h Header) Encrypted() bool { return h.Flags&FlagCipher != 0 }

func (h Header) String() string {
	return fmt.Sprintf("Header(flags=0x%02x, compression=0x%02x, index=%d, length=%d)",
		h.Flags, h.Compression, h.Index, h.Length)
}

// PackHeader assembles the 8-byte wire header.
func PackHeader(flags, compression byte, index int, length int) ([]byte, error) {
	if length < 0 || length > codec.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, length)
	}
	if index < 0 || index > 255 {
		return nil, fmt.Errorf("invalid packet index %d", index)
	}
	out := make([]byte, HeaderSize)
	out[0] = HeaderMagic
	out[1] = flags
	out[2] = compression
	out[3] = byte(index)
	binary.BigEndian.PutUint32(out[4:], uint32(length))
	return out, nil
}

// ParseHeader validates and decodes an 8-byte wire header.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, errShortHeader
	}
	if data[0] != HeaderMagic {
		return Header{}, fmt.Errorf("%w: bad magic byte 0x%02x", ErrInvalidHeader, data[0])
	}
	h := Header{
		Flags:       data[1],
		Compression: data[2],
		Index:       int(data[3]),
		Length:      binary.BigEndian.Uint32(data[4:]),
	}
	if h.Flags&^knownFlags != 0 {
		return Header{}, fmt.Errorf("%w: unknown flags 0x%02x", ErrInvalidHeader, h.Flags)
	}
	if h.Length > codec.MaxPayloadSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
	}
	return h, nil
}

// plausibleHeader is the looser check used by the wait-for-header scan
// mode: magic byte, known flags and a believable length.
func plausibleHeader(data []byte) bool {
	if len(data) < HeaderSize || data[0] != HeaderMagic {
		return false
	}
	if data[1]&^knownFlags != 0 {
		return false
	}
	return binary.BigEndian.Uint32(data[4:]) <= codec.MaxPayloadSize
}
