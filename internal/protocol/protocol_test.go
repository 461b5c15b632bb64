package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"xpra-wire/internal/codec"
	"xpra-wire/internal/crypt"
)

func newPair(t *testing.T, aOpts, bOpts Options) (*Protocol, *Protocol) {
	t.Helper()
	ca, cb := net.Pipe()
	a := New(ca, aOpts)
	b := New(cb, bOpts)
	t.Cleanup(func() {
		a.shutdown()
		b.shutdown()
	})
	return a, b
}

func expectPacket(t *testing.T, ch <-chan codec.Packet, what string) codec.Packet {
	t.Helper()
	select {
	case p := <-ch:
		return p
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func TestHelloRoundTripWireFormat(t *testing.T) {
	ca, cb := net.Pipe()
	p := New(ca, Options{})
	defer p.shutdown()
	p.Start()

	hello := codec.Packet{"hello", map[string]any{
		"version": []any{int64(1), int64(2), int64(3), int64(4)},
		"uuid":    "abc",
	}}
	if err := p.Send(hello); err != nil {
		t.Fatalf("send: %v", err)
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(cb, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header[0] != 0x50 {
		t.Fatalf("byte 0: 0x%02x", header[0])
	}
	if header[1] != 0x10 {
		t.Fatalf("byte 1: 0x%02x, expected rencodeplus without cipher", header[1])
	}
	if header[2] != 0 {
		t.Fatalf("byte 2: 0x%02x, expected no compression", header[2])
	}
	if header[3] != 0 {
		t.Fatalf("byte 3: %d, expected main packet index", header[3])
	}
	length := binary.BigEndian.Uint32(header[4:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(cb, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	got, err := codec.GetEncoder("rencodeplus").Decode(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, hello) {
		t.Fatalf("decoded %v, want %v", got, hello)
	}
}

func TestLZ4CompressedLargePayload(t *testing.T) {
	ca, cb := net.Pipe()
	p := New(ca, Options{})
	defer p.shutdown()
	p.SetCompressionLevel(5)
	p.Start()

	if err := p.Send(codec.Packet{"data", bytes.Repeat([]byte("A"), 10000)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(cb, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header[2]&codec.LZ4Flag == 0 {
		t.Fatalf("byte 2: 0x%02x, expected the lz4 bit", header[2])
	}
	level := int(header[2] & codec.LevelMask)
	if level < 1 || level > 9 {
		t.Fatalf("level %d out of range", level)
	}
	length := binary.BigEndian.Uint32(header[4:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(cb, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	data, err := codec.Decompress(codec.NewEnabledSet("lz4"), header[2], payload)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	got, err := codec.GetEncoder("rencodeplus").Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b, ok := got[1].([]byte); !ok || len(b) != 10000 || b[0] != 'A' {
		t.Fatalf("payload did not survive compression: %T", got[1])
	}
}

func TestPacketDelivery(t *testing.T) {
	a, b := newPair(t, Options{}, Options{})
	received := make(chan codec.Packet, 4)
	b.AddHandler("ping", func(p codec.Packet) { received <- p }, false)
	a.Start()
	b.Start()

	if err := a.Send(codec.Packet{"ping", int64(42)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := expectPacket(t, received, "ping")
	if got.Type() != "ping" || got[1] != int64(42) {
		t.Fatalf("got %v", got)
	}
}

func TestAliasDispatch(t *testing.T) {
	a, b := newPair(t, Options{}, Options{})
	received := make(chan codec.Packet, 1)
	b.AddHandler("ping", func(p codec.Packet) { received <- p }, false)
	b.SetReceiveAliases(map[int]string{7: "ping"})
	a.SetSendAliases(map[string]int{"ping": 7})
	a.Start()
	b.Start()

	if err := a.Send(codec.Packet{"ping", int64(1234567890)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := expectPacket(t, received, "aliased ping")
	// the alias integer is preserved as packet[0], dispatch uses the name
	if alias, ok := got.Alias(); !ok || alias != 7 {
		t.Fatalf("packet[0]=%v, expected alias 7", got[0])
	}
	if got[1] != int64(1234567890) {
		t.Fatalf("packet[1]=%v", got[1])
	}
}

func TestRawChunkSplicing(t *testing.T) {
	a, b := newPair(t, Options{}, Options{})
	received := make(chan codec.Packet, 1)
	b.AddHandler("draw", func(p codec.Packet) { received <- p }, false)
	a.Start()
	b.Start()

	pixels := bytes.Repeat([]byte{0xDE, 0xAD, 0xBE, 0xEF}, 5000)
	flag, compressed, err := codec.GetCompressor("lz4").Compress(pixels, 3)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	pkt := codec.Packet{"draw", int64(99),
		&codec.Compressed{Datatype: "pixels", Data: compressed, Flag: flag}}
	if err := a.Send(pkt); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := expectPacket(t, received, "draw")
	if got[1] != int64(99) {
		t.Fatalf("packet[1]=%v", got[1])
	}
	raw, ok := got[2].([]byte)
	if !ok {
		t.Fatalf("packet[2] is %T, expected raw bytes", got[2])
	}
	if !bytes.Equal(raw, pixels) {
		t.Fatalf("chunk did not round trip: %d bytes vs %d", len(raw), len(pixels))
	}
}

func TestInlineSmallCompressed(t *testing.T) {
	a, b := newPair(t, Options{}, Options{})
	received := make(chan codec.Packet, 1)
	b.AddHandler("blob", func(p codec.Packet) { received <- p }, false)
	a.Start()
	b.Start()

	small := []byte("tiny payload")
	pkt := codec.Packet{"blob",
		&codec.Compressed{Datatype: "raw", Data: small, CanInline: true}}
	if err := a.Send(pkt); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := expectPacket(t, received, "blob")
	if raw, ok := got[1].([]byte); !ok || !bytes.Equal(raw, small) {
		t.Fatalf("inline payload mismatch: %v", got[1])
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	params := crypt.Params{
		CipherMode: "AES-CBC",
		IV:         []byte(crypt.DefaultIV),
		Secret:     []byte("secret"),
		KeySalt:    []byte(crypt.DefaultSalt),
		KeyHash:    crypt.DefaultKeyHash,
		KeySize:    crypt.DefaultKeySize,
		Iterations: crypt.DefaultIterations,
		Padding:    crypt.PaddingPKCS7,
	}
	a, b := newPair(t, Options{}, Options{})
	if err := a.SetCipherOut(params); err != nil {
		t.Fatalf("cipher out: %v", err)
	}
	if err := b.SetCipherIn(params); err != nil {
		t.Fatalf("cipher in: %v", err)
	}
	received := make(chan codec.Packet, 1)
	b.AddHandler("secret-data", func(p codec.Packet) { received <- p }, false)
	a.Start()
	b.Start()

	if err := a.Send(codec.Packet{"secret-data", []byte("confidential")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := expectPacket(t, received, "secret-data")
	if raw, ok := got[1].([]byte); !ok || string(raw) != "confidential" {
		t.Fatalf("payload mismatch: %v", got[1])
	}
}

func TestCipherRekeyLimit(t *testing.T) {
	ca, _ := net.Pipe()
	p := New(ca, Options{})
	defer p.shutdown()
	params := crypt.Params{
		CipherMode: "AES-CTR",
		IV:         []byte(crypt.DefaultIV),
		Secret:     []byte("secret"),
		KeySalt:    []byte(crypt.DefaultSalt),
		KeyHash:    crypt.DefaultKeyHash,
		KeySize:    crypt.DefaultKeySize,
		Iterations: crypt.DefaultIterations,
	}
	if err := p.SetCipherOut(params); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := p.SetCipherOut(params); err != nil {
		t.Fatalf("second: %v", err)
	}
	if err := p.SetCipherOut(params); !errors.Is(err, ErrTooManyRekeys) {
		t.Fatalf("expected ErrTooManyRekeys, got %v", err)
	}
}

func TestDirectHandlerRunsInline(t *testing.T) {
	a, b := newPair(t, Options{}, Options{})
	received := make(chan codec.Packet, 1)
	b.AddHandler("ping", func(p codec.Packet) { received <- p }, true)
	a.Start()
	b.Start()
	if err := a.Send(codec.Packet{"ping", int64(1)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectPacket(t, received, "direct ping")
}

func TestPriorityBeforeOrdinary(t *testing.T) {
	ca, cb := net.Pipe()
	p := New(ca, Options{})
	defer p.shutdown()

	// queue before starting the loops so ordering is deterministic
	if err := p.Send(codec.Packet{"ordinary", int64(1)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := p.SendNow(codec.Packet{"urgent", int64(2)}); err != nil {
		t.Fatalf("send now: %v", err)
	}
	p.Start()

	var names []string
	for i := 0; i < 2; i++ {
		header := make([]byte, HeaderSize)
		if _, err := io.ReadFull(cb, header); err != nil {
			t.Fatalf("read header: %v", err)
		}
		payload := make([]byte, binary.BigEndian.Uint32(header[4:]))
		if _, err := io.ReadFull(cb, payload); err != nil {
			t.Fatalf("read payload: %v", err)
		}
		pkt, err := codec.GetEncoder("rencodeplus").Decode(payload)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		names = append(names, pkt.Type())
	}
	if !reflect.DeepEqual(names, []string{"urgent", "ordinary"}) {
		t.Fatalf("order %v", names)
	}
}

func TestPointerCoalescing(t *testing.T) {
	a, b := newPair(t, Options{}, Options{})
	received := make(chan codec.Packet, 8)
	b.AddHandler("pointer", func(p codec.Packet) { received <- p }, false)
	a.SetPointerDelay(50 * time.Millisecond)
	a.Start()
	b.Start()

	// first send goes out immediately; the next two land within the
	// delay window so only the last survives
	for i := 1; i <= 3; i++ {
		seq := a.NextPointerSequence(1)
		pkt := codec.Packet{"pointer", int64(1), seq, []any{int64(i * 10), int64(i * 10)}}
		if err := a.SendPointer(pkt); err != nil {
			t.Fatalf("send pointer: %v", err)
		}
	}
	first := expectPacket(t, received, "first pointer")
	if first[2] != int64(1) {
		t.Fatalf("first pointer seq=%v", first[2])
	}
	second := expectPacket(t, received, "coalesced pointer")
	if second[2] != int64(3) {
		t.Fatalf("expected seq 3 after coalescing, got %v", second[2])
	}
	select {
	case extra := <-received:
		t.Fatalf("unexpected extra pointer packet: %v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCloseSendsDisconnect(t *testing.T) {
	a, b := newPair(t, Options{}, Options{})
	received := make(chan codec.Packet, 1)
	lost := make(chan codec.Packet, 1)
	b.AddHandler(Disconnect, func(p codec.Packet) { received <- p }, false)
	b.AddHandler(ConnectionLost, func(p codec.Packet) { lost <- p }, false)
	a.Start()
	b.Start()

	a.Close("closing", "bye")
	got := expectPacket(t, received, "disconnect")
	if got[1] != "closing" || got[2] != "bye" {
		t.Fatalf("disconnect payload: %v", got)
	}
	// peer socket closes after the flush
	expectPacket(t, lost, "connection-lost")

	if err := a.Send(codec.Packet{"late", int64(1)}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// idempotent
	a.Close("again")
}

func TestConnectionLostOnPeerClose(t *testing.T) {
	ca, cb := net.Pipe()
	p := New(cb, Options{})
	defer p.shutdown()
	lost := make(chan codec.Packet, 2)
	p.AddHandler(ConnectionLost, func(pkt codec.Packet) { lost <- pkt }, false)
	p.Start()
	_ = ca.Close()
	expectPacket(t, lost, "connection-lost")
	select {
	case pkt := <-lost:
		t.Fatalf("connection-lost delivered twice: %v", pkt)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestGibberishOnBadMagic(t *testing.T) {
	ca, cb := net.Pipe()
	p := New(cb, Options{})
	defer p.shutdown()
	bad := make(chan codec.Packet, 1)
	p.AddHandler(Gibberish, func(pkt codec.Packet) { bad <- pkt }, false)
	p.Start()
	go func() {
		_, _ = ca.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	}()
	expectPacket(t, bad, "gibberish")
}

func TestWaitForHeaderSkipsBanner(t *testing.T) {
	ca, cb := net.Pipe()
	p := New(cb, Options{WaitForHeader: true})
	defer p.shutdown()
	received := make(chan codec.Packet, 1)
	p.AddHandler("ping", func(pkt codec.Packet) { received <- pkt }, false)
	p.Start()

	payload, err := codec.GetEncoder("rencodeplus").Encode(codec.Packet{"ping", int64(1)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	header, err := PackHeader(codec.EncoderRencodeplus, 0, 0, len(payload))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	go func() {
		_, _ = ca.Write([]byte("SSH-2.0-OpenSSH banner noise\r\n"))
		_, _ = ca.Write(header)
		_, _ = ca.Write(payload)
	}()
	expectPacket(t, received, "ping after banner")
}

func TestStealConnection(t *testing.T) {
	ca, cb := net.Pipe()
	p := New(cb, Options{})
	p.Start()

	conn, pending, err := p.StealConnection(nil)
	if err != nil {
		t.Fatalf("steal: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("unexpected pending bytes: %d", len(pending))
	}
	// the raw connection is still usable
	go func() {
		_, _ = ca.Write([]byte("raw"))
	}()
	buf := make([]byte, 3)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read stolen conn: %v", err)
	}
	if string(buf) != "raw" {
		t.Fatalf("got %q", buf)
	}
	// the dead engine refuses further sends
	if err := p.Send(codec.Packet{"x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	_ = ca.Close()
	_ = conn.Close()
}

func TestLegacyEncoderRefused(t *testing.T) {
	ca, cb := net.Pipe()
	p := New(cb, Options{})
	defer p.shutdown()
	invalid := make(chan codec.Packet, 1)
	p.AddHandler(Invalid, func(pkt codec.Packet) { invalid <- pkt }, false)
	p.Start()

	payload, err := codec.GetEncoder("rencodeplus").Encode(codec.Packet{"ping", int64(1)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// flags byte 0 selects the legacy rencode encoder
	header, err := PackHeader(codec.EncoderRencode, 0, 0, len(payload))
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	go func() {
		_, _ = ca.Write(header)
		_, _ = ca.Write(payload)
	}()
	expectPacket(t, invalid, "invalid packet for legacy encoder")
}
