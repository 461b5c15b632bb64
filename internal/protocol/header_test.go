package protocol

import (
	"bytes"
	"errors"
	"testing"

	"xpra-wire/internal/codec"
)

func TestPackParseHeader(t *testing.T) {
	data, err := PackHeader(codec.EncoderRencodeplus, 0x45, 3, 1234)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if len(data) != HeaderSize {
		t.Fatalf("header size %d", len(data))
	}
	if data[0] != 0x50 {
		t.Fatalf("magic byte 0x%02x", data[0])
	}
	h, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.Flags != codec.EncoderRencodeplus || h.Compression != 0x45 ||
		h.Index != 3 || h.Length != 1234 {
		t.Fatalf("round trip mismatch: %v", h)
	}
	if h.Encrypted() {
		t.Fatal("unexpected encrypted flag")
	}
}

func TestParseHeaderRejectsBadMagic(t *testing.T) {
	data, _ := PackHeader(0, 0, 0, 0)
	data[0] = 'Q'
	if _, err := ParseHeader(data); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}
}

func TestParseHeaderRejectsUnknownFlags(t *testing.T) {
	data, _ := PackHeader(0, 0, 0, 0)
	data[1] = 0x80
	if _, err := ParseHeader(data); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}
}

func TestParseHeaderRejectsOversizedPayload(t *testing.T) {
	data, _ := PackHeader(0, 0, 0, 16)
	data[4] = 0xff
	data[5] = 0xff
	data[6] = 0xff
	data[7] = 0xff
	if _, err := ParseHeader(data); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestPackHeaderRejectsOversizedPayload(t *testing.T) {
	if _, err := PackHeader(0, 0, 0, codec.MaxPayloadSize+1); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestPlausibleHeader(t *testing.T) {
	good, _ := PackHeader(codec.EncoderRencodeplus, 0, 0, 100)
	if !plausibleHeader(good) {
		t.Fatal("expected plausible")
	}
	bad := bytes.Repeat([]byte{'P'}, HeaderSize)
	if plausibleHeader(bad) {
		t.Fatal("expected implausible: unknown flags")
	}
}

func TestCipherFlag(t *testing.T) {
	data, _ := PackHeader(codec.EncoderRencodeplus|FlagCipher, 0, 0, 32)
	h, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !h.Encrypted() {
		t.Fatal("expected encrypted flag")
	}
}
