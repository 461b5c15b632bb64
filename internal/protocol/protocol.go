package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"xpra-wire/internal/codec"
	"xpra-wire/internal/crypt"
	"xpra-wire/internal/telemetry"
)

// Internal packet types injected by the engine itself.
const (
	ConnectionLost = "connection-lost"
	Gibberish      = "gibberish"
	Invalid        = "invalid"
	Disconnect     = "disconnect"
)

const (
	// soft size threshold: packets above it outside the whitelist
	// are delivered but logged
	largePacketSize = 256 * 1024
	// how long Close waits for the disconnect packet to flush
	flushTimeout = time.Second
	// payloads below this size stay inline when their wrapper allows
	// it (CanInline); other wrapped payloads go out as raw chunks
	inlineSize = 4096
	// floor for the pointer coalescing delay
	minPointerDelay = 5 * time.Millisecond

	defaultSocketTimeout = 20 * time.Second
)

var (
	ErrClosed = errors.New("protocol is closed")
	// each direction gets its initial cipher plus one post-challenge swap
	ErrTooManyRekeys = errors.New("cipher state replaced too many times")
)

// Conn is the duplex stream the engine owns. net.Conn satisfies it;
// deadlines are used when available.
type Conn interface {
	io.ReadWriteCloser
}

type deadlineConn interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Handler processes one decoded packet. Direct handlers run inline on
// the read goroutine and must not block; all others are posted to the
// scheduler.
type Handler struct {
	Fn     func(p codec.Packet)
	Direct bool
}

// Options configures a Protocol instance.
type Options struct {
	Scheduler Scheduler
	// scan forward for a valid header before the first packet
	// (ssh transports may prepend banner noise)
	WaitForHeader bool
	SocketTimeout time.Duration
	// accept legacy packet encoders on the inbound side
	Legacy bool
}

// Protocol runs one read and one write goroutine over a connection,
// framing, compressing, encrypting and dispatching packets.
type Protocol struct {
	conn      Conn
	br        *bufio.Reader
	scheduler Scheduler
	legacy    bool
	timeout   time.Duration

	mu       sync.Mutex
	cond     *sync.Cond
	priority []codec.Packet
	ordinary []codec.Packet
	pointer  codec.Packet

	pointerPending  codec.Packet
	pointerTimer    uint64
	pointerDelay    time.Duration
	pointerLastSent time.Time
	pointerSeq      map[int64]int64

	closing bool // disconnect queued, draining
	stopped bool // loops must exit
	stolen  bool
	flushed chan struct{}

	handlersMu sync.RWMutex
	handlers   map[string]Handler
	fallback   func(name string, p codec.Packet)

	aliasMu        sync.RWMutex
	sendAliases    map[string]int
	receiveAliases map[int]string

	encoder    atomic.Pointer[codec.Encoder]
	compLevel  atomic.Int32
	compressor *codec.EnabledSet

	cipherIn       atomic.Pointer[crypt.State]
	cipherOut      atomic.Pointer[crypt.State]
	cipherInSwaps  atomic.Int32
	cipherOutSwaps atomic.Int32

	largeMu      sync.RWMutex
	largePackets map[string]bool

	waitForHeader atomic.Bool
	stealCb       func(p codec.Packet)

	rawChunks map[int][]byte

	inputPacketCount    atomic.Uint64
	inputRawPacketCount atomic.Uint64
	outputPacketCount   atomic.Uint64
	inputBytes          atomic.Uint64
	outputBytes         atomic.Uint64

	started  atomic.Bool
	lostOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an engine around conn. Start() begins the I/O loops.
func New(conn Conn, opts Options) *Protocol {
	if opts.Scheduler == nil {
		opts.Scheduler = NewScheduler()
	}
	if opts.SocketTimeout <= 0 {
		opts.SocketTimeout = defaultSocketTimeout
	}
	p := &Protocol{
		conn:         conn,
		br:           bufio.NewReader(conn),
		scheduler:    opts.Scheduler,
		legacy:       opts.Legacy,
		timeout:      opts.SocketTimeout,
		flushed:      make(chan struct{}),
		handlers:     make(map[string]Handler),
		largePackets: make(map[string]bool),
		rawChunks:    make(map[int][]byte),
		pointerSeq:   make(map[int64]int64),
		pointerDelay: 15 * time.Millisecond,
		compressor:   codec.NewEnabledSet(codec.AllCompressors()...),
	}
	p.cond = sync.NewCond(&p.mu)
	p.waitForHeader.Store(opts.WaitForHeader)
	p.encoder.Store(codec.GetEncoder("rencodeplus"))
	p.compLevel.Store(1)
	return p
}

// Start launches the read and write loops.
func (p *Protocol) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(2)
	go p.readLoop()
	go p.writeLoop()
}

// AddHandler registers a packet handler; direct handlers run on the
// read goroutine.
func (p *Protocol) AddHandler(packetType string, fn func(p codec.Packet), direct bool) {
	p.handlersMu.Lock()
	p.handlers[packetType] = Handler{Fn: fn, Direct: direct}
	p.handlersMu.Unlock()
}

func (p *Protocol) RemoveHandler(packetType string) {
	p.handlersMu.Lock()
	delete(p.handlers, packetType)
	p.handlersMu.Unlock()
}

// SetFallback receives every packet without a registered handler,
// along with the normalized packet-type name (packet[0] may still be
// an alias integer).
func (p *Protocol) SetFallback(fn func(name string, p codec.Packet)) {
	p.handlersMu.Lock()
	p.fallback = fn
	p.handlersMu.Unlock()
}

// SetSendAliases installs the peer-published alias map for outbound
// substitution. Only legal once the peer has advertised it.
func (p *Protocol) SetSendAliases(aliases map[string]int) {
	p.aliasMu.Lock()
	p.sendAliases = aliases
	p.aliasMu.Unlock()
}

// SetReceiveAliases installs our own published aliases so inbound
// alias integers can be normalized back to names.
func (p *Protocol) SetReceiveAliases(aliases map[int]string) {
	p.aliasMu.Lock()
	p.receiveAliases = aliases
	p.aliasMu.Unlock()
}

// SetEncoder switches the outbound packet encoder.
func (p *Protocol) SetEncoder(name string) error {
	e := codec.GetEncoder(name)
	if e == nil {
		return fmt.Errorf("%w: %q", codec.ErrUnknownEncoder, name)
	}
	p.encoder.Store(e)
	return nil
}

func (p *Protocol) Encoder() string { return p.encoder.Load().Name }

func (p *Protocol) SetCompressionLevel(level int) {
	if level < 0 {
		level = 0
	}
	if level > 9 {
		level = 9
	}
	p.compLevel.Store(int32(level))
}

// EnableCompressors restricts the compressor set to the given names
// (the local build ∩ peer capability intersection).
func (p *Protocol) EnableCompressors(names []string) error {
	p.compressor.Intersect(names)
	if p.compressor.Empty() {
		return errors.New("no common compressor")
	}
	return nil
}

func (p *Protocol) Compressors() []string { return p.compressor.Names() }

// AddLargePackets whitelists packet types allowed past the soft size
// threshold without a warning.
func (p *Protocol) AddLargePackets(names ...string) {
	p.largeMu.Lock()
	for _, n := range names {
		p.largePackets[n] = true
	}
	p.largeMu.Unlock()
}

// SetCipherIn installs or replaces the inbound cipher state.
func (p *Protocol) SetCipherIn(params crypt.Params) error {
	if p.cipherInSwaps.Add(1) > 2 {
		return ErrTooManyRekeys
	}
	st, err := crypt.NewState(params, false)
	if err != nil {
		return err
	}
	p.cipherIn.Store(st)
	return nil
}

// SetCipherOut installs or replaces the outbound cipher state.
func (p *Protocol) SetCipherOut(params crypt.Params) error {
	if p.cipherOutSwaps.Add(1) > 2 {
		return ErrTooManyRekeys
	}
	st, err := crypt.NewState(params, true)
	if err != nil {
		return err
	}
	p.cipherOut.Store(st)
	return nil
}

// IsSendingEncrypted reports whether outbound packets are encrypted.
func (p *Protocol) IsSendingEncrypted() bool {
	return p.cipherOut.Load() != nil
}

// SetPointerDelay sets the minimum delay between pointer sends.
func (p *Protocol) SetPointerDelay(d time.Duration) {
	if d < minPointerDelay {
		d = minPointerDelay
	}
	p.mu.Lock()
	p.pointerDelay = d
	p.mu.Unlock()
}

// Send queues an ordinary packet.
func (p *Protocol) Send(packet codec.Packet) error {
	return p.enqueue(&p.ordinary, packet)
}

// SendNow queues a priority packet ahead of ordinary traffic.
func (p *Protocol) SendNow(packet codec.Packet) error {
	return p.enqueue(&p.priority, packet)
}

func (p *Protocol) enqueue(queue *[]codec.Packet, packet codec.Packet) error {
	if len(packet) == 0 {
		return errors.New("empty packet")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing || p.stopped {
		return ErrClosed
	}
	*queue = append(*queue, packet)
	p.cond.Broadcast()
	return nil
}

// NextPointerSequence returns the next pointer sequence number for a
// device. Negative device ids are untracked.
func (p *Protocol) NextPointerSequence(deviceID int64) int64 {
	if deviceID < 0 {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pointerSeq[deviceID]++
	return p.pointerSeq[deviceID]
}

// SendPointer queues a pointer-position packet. Only the most recent
// one survives coalescing, and sends are rate-limited.
func (p *Protocol) SendPointer(packet codec.Packet) error {
	if len(packet) == 0 {
		return errors.New("empty packet")
	}
	p.mu.Lock()
	if p.closing || p.stopped {
		p.mu.Unlock()
		return ErrClosed
	}
	p.pointerPending = packet
	if p.pointerTimer != 0 {
		// a send is already scheduled; the new position replaced
		// the pending one
		p.mu.Unlock()
		return nil
	}
	delay := p.pointerDelay - time.Since(p.pointerLastSent)
	if delay <= 0 {
		p.promotePointerLocked()
		p.mu.Unlock()
		return nil
	}
	p.pointerTimer = p.scheduler.TimeoutAdd(delay, func() bool {
		p.mu.Lock()
		p.pointerTimer = 0
		p.promotePointerLocked()
		p.mu.Unlock()
		return false
	})
	p.mu.Unlock()
	return nil
}

func (p *Protocol) promotePointerLocked() {
	if p.pointerPending == nil {
		return
	}
	p.pointer = p.pointerPending
	p.pointerPending = nil
	p.pointerLastSent = time.Now()
	p.cond.Broadcast()
}

// SourceHasMore wakes the write loop; callers use it after batching.
func (p *Protocol) SourceHasMore() {
	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}

// nextPacketLocked pops the next packet: priority first, then
// ordinary, then the sole pending pointer position.
func (p *Protocol) nextPacketLocked() codec.Packet {
	if len(p.priority) > 0 {
		pkt := p.priority[0]
		p.priority = p.priority[1:]
		return pkt
	}
	if len(p.ordinary) > 0 {
		pkt := p.ordinary[0]
		p.ordinary = p.ordinary[1:]
		return pkt
	}
	if p.pointer != nil {
		pkt := p.pointer
		p.pointer = nil
		return pkt
	}
	return nil
}

func (p *Protocol) hasWorkLocked() bool {
	return len(p.priority) > 0 || len(p.ordinary) > 0 || p.pointer != nil
}

// Close performs the orderly shutdown: queue a disconnect with the
// given reason, flush for up to a second, then close the connection.
// It is idempotent.
func (p *Protocol) Close(reason string, extra ...string) {
	p.mu.Lock()
	if p.closing || p.stopped {
		p.mu.Unlock()
		return
	}
	p.closing = true
	if reason != "" {
		pkt := codec.Packet{Disconnect, reason}
		for _, x := range extra {
			pkt = append(pkt, x)
		}
		p.priority = append(p.priority, pkt)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	go func() {
		t := time.NewTimer(flushTimeout)
		defer t.Stop()
		select {
		case <-p.flushed:
		case <-t.C:
		}
		p.shutdown()
	}()
}

// shutdown stops both loops and closes the connection.
func (p *Protocol) shutdown() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()
	_ = p.conn.Close()
}

// StealConnection halts both I/O loops without closing the socket and
// hands back the connection plus any bytes the reader had buffered
// past the last dispatched packet. The engine is dead afterwards.
// Packets decoded while the loops drain are passed to cb: nothing is
// expected there, so the caller treats them as a protocol error.
func (p *Protocol) StealConnection(cb func(p codec.Packet)) (Conn, []byte, error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, nil, ErrClosed
	}
	p.stolen = true
	p.stealCb = cb
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	// kick the reader out of its blocking recv
	if dc, ok := p.conn.(deadlineConn); ok {
		_ = dc.SetReadDeadline(time.Now())
	}
	if !p.waitLoops(time.Second) {
		return nil, nil, errors.New("i/o loops failed to terminate")
	}
	var pending []byte
	if n := p.br.Buffered(); n > 0 {
		pending = make([]byte, n)
		_, _ = io.ReadFull(p.br, pending)
	}
	if dc, ok := p.conn.(deadlineConn); ok {
		_ = dc.SetReadDeadline(time.Time{})
	}
	return p.conn, pending, nil
}

func (p *Protocol) waitLoops(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// GetInfo returns engine counters and negotiated settings.
func (p *Protocol) GetInfo() map[string]any {
	return map[string]any{
		"encoder":             p.encoder.Load().Name,
		"compressors":         p.compressor.Names(),
		"compression-level":   int(p.compLevel.Load()),
		"input-packets":       p.inputPacketCount.Load(),
		"input-raw-packets":   p.inputRawPacketCount.Load(),
		"output-packets":      p.outputPacketCount.Load(),
		"input-bytes":         p.inputBytes.Load(),
		"output-bytes":        p.outputBytes.Load(),
		"encrypted-out":       p.cipherOut.Load() != nil,
		"encrypted-in":        p.cipherIn.Load() != nil,
	}
}

// InputPacketCount reports how many valid packets have been received.
func (p *Protocol) InputPacketCount() uint64 {
	return p.inputPacketCount.Load()
}

//
// write side
//

func (p *Protocol) writeLoop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for !p.stopped && !p.hasWorkLocked() {
			if p.closing {
				// disconnect flushed, nothing left
				p.mu.Unlock()
				p.signalFlushed()
				return
			}
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		pkt := p.nextPacketLocked()
		p.mu.Unlock()
		if pkt == nil {
			continue
		}
		if err := p.writePacket(pkt); err != nil {
			if !p.isShuttingDown() {
				log.Warnf("[proto] write failed: %v", err)
				p.connectionLost(err.Error())
			}
			p.signalFlushed()
			return
		}
	}
}

func (p *Protocol) signalFlushed() {
	select {
	case <-p.flushed:
	default:
		close(p.flushed)
	}
}

func (p *Protocol) isShuttingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped || p.stolen
}

// writePacket frames one application packet: raw chunks first, then
// the encoded main body.
func (p *Protocol) writePacket(packet codec.Packet) error {
	name := packet.Type()
	// outbound alias substitution
	p.aliasMu.RLock()
	if alias, ok := p.sendAliases[name]; ok && name != "" {
		packet = append(codec.Packet{int64(alias)}, packet[1:]...)
	}
	p.aliasMu.RUnlock()

	// peel off pre-compressed elements into raw chunks
	var chunks []rawChunk
	for i := 1; i < len(packet) && i < 256; i++ {
		c, ok := packet[i].(*codec.Compressed)
		if !ok {
			continue
		}
		if c.CanInline && len(c.Data) < inlineSize {
			packet[i] = c.Data
			continue
		}
		chunks = append(chunks, rawChunk{index: i, flag: c.Flag, data: c.Data})
		packet[i] = []byte{}
	}

	enc := p.encoder.Load()
	body, err := enc.Encode(packet)
	if err != nil {
		return fmt.Errorf("packet encoding failed: %w", err)
	}

	// compress the main body when worthwhile
	level := int(p.compLevel.Load())
	compFlag := byte(0)
	if c := codec.ChooseCompressor(p.compressor, len(body), level); c != nil {
		compFlag, body, err = codec.Compress(c, body, level)
		if err != nil {
			return fmt.Errorf("compression failed: %w", err)
		}
	}

	if name != "" && len(body) > largePacketSize {
		p.largeMu.RLock()
		whitelisted := p.largePackets[name]
		p.largeMu.RUnlock()
		if !whitelisted {
			log.Warnf("[proto] packet %q is unusually large: %d bytes", name, len(body))
		}
	}

	for _, c := range chunks {
		if err := p.writeFrame(0, c.flag, c.index, c.data); err != nil {
			return err
		}
	}
	if err := p.writeFrame(enc.Flag, compFlag, 0, body); err != nil {
		return err
	}
	p.outputPacketCount.Add(1)
	telemetry.ObservePacket("out", len(body))
	return nil
}

type rawChunk struct {
	index int
	flag  byte
	data  []byte
}

func (p *Protocol) writeFrame(flags, compression byte, index int, payload []byte) error {
	if cipher := p.cipherOut.Load(); cipher != nil {
		enc, err := cipher.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("encryption failed: %w", err)
		}
		payload = enc
		flags |= FlagCipher
	}
	header, err := PackHeader(flags, compression, index, len(payload))
	if err != nil {
		return err
	}
	if dc, ok := p.conn.(deadlineConn); ok {
		_ = dc.SetWriteDeadline(time.Now().Add(p.timeout))
	}
	if _, err := p.conn.Write(header); err != nil {
		return err
	}
	if _, err := p.conn.Write(payload); err != nil {
		return err
	}
	p.outputBytes.Add(uint64(HeaderSize + len(payload)))
	return nil
}

//
// read side
//

func (p *Protocol) readLoop() {
	defer p.wg.Done()
	for {
		if p.isShuttingDown() {
			return
		}
		header, err := p.readHeader()
		if err != nil {
			p.readFailed(err)
			return
		}
		payload := make([]byte, header.Length)
		if header.Length > 0 {
			// the body must arrive within the socket timeout
			if dc, ok := p.conn.(deadlineConn); ok {
				_ = dc.SetReadDeadline(time.Now().Add(p.timeout))
			}
			if _, err := io.ReadFull(p.br, payload); err != nil {
				p.readFailed(err)
				return
			}
			if dc, ok := p.conn.(deadlineConn); ok {
				_ = dc.SetReadDeadline(time.Time{})
			}
		}
		p.inputBytes.Add(uint64(HeaderSize) + uint64(header.Length))
		if err := p.processFrame(header, payload); err != nil {
			return
		}
	}
}

// readHeader reads the 8 leading bytes, scanning past leading noise
// in wait-for-header mode.
func (p *Protocol) readHeader() (Header, error) {
	buf := make([]byte, HeaderSize)
	if !p.waitForHeader.Load() {
		if _, err := io.ReadFull(p.br, buf); err != nil {
			return Header{}, err
		}
		h, err := ParseHeader(buf)
		if err != nil {
			return Header{}, err
		}
		return h, nil
	}
	// scan forward, discarding bytes until a plausible header
	discarded := 0
	for {
		b, err := p.br.ReadByte()
		if err != nil {
			return Header{}, err
		}
		if b != HeaderMagic {
			discarded++
			if discarded > 64*1024 {
				return Header{}, fmt.Errorf("%w: no header in the first %d bytes",
					ErrInvalidHeader, discarded)
			}
			continue
		}
		rest, err := p.br.Peek(HeaderSize - 1)
		if err != nil {
			return Header{}, err
		}
		buf[0] = b
		copy(buf[1:], rest)
		if !plausibleHeader(buf) {
			discarded++
			continue
		}
		if _, err := p.br.Discard(HeaderSize - 1); err != nil {
			return Header{}, err
		}
		p.waitForHeader.Store(false)
		if discarded > 0 {
			log.Infof("[proto] discarded %d bytes before the first packet header", discarded)
		}
		return ParseHeader(buf)
	}
}

// processFrame decrypts, decompresses and decodes one wire packet.
// A non-nil error means the loop must exit.
func (p *Protocol) processFrame(header Header, payload []byte) error {
	if header.Encrypted() {
		cipher := p.cipherIn.Load()
		if cipher == nil {
			p.invalid("received an encrypted packet but encryption is not enabled", payload)
			return errors.New("unexpected encrypted packet")
		}
		plain, err := cipher.Decrypt(payload)
		if err != nil {
			p.invalid(fmt.Sprintf("decryption failed: %v", err), payload)
			return err
		}
		payload = plain
	}
	data, err := codec.Decompress(p.compressor, header.Compression, payload)
	if err != nil {
		p.invalid(fmt.Sprintf("decompression failed: %v", err), payload)
		return err
	}
	if header.Index > 0 {
		p.rawChunks[header.Index] = data
		p.inputRawPacketCount.Add(1)
		return nil
	}
	enc, err := codec.EncoderByFlag(header.Flags)
	if err != nil {
		p.invalid(err.Error(), data)
		return err
	}
	if enc.Name == "rencode" && !p.legacy {
		p.invalid("legacy rencode packets are not accepted", data)
		return errors.New("legacy packet encoder")
	}
	packet, err := enc.Decode(data)
	if err != nil {
		p.invalid(fmt.Sprintf("packet decoding failed: %v", err), data)
		return err
	}
	if len(packet) == 0 {
		p.invalid("empty packet", data)
		return errors.New("empty packet")
	}
	// splice buffered raw chunks into the positions their indices name
	for index, raw := range p.rawChunks {
		if index >= len(packet) {
			p.invalid(fmt.Sprintf("raw chunk index %d out of range", index), data)
			return errors.New("raw chunk out of range")
		}
		packet[index] = raw
	}
	clear(p.rawChunks)

	p.inputPacketCount.Add(1)
	telemetry.ObservePacket("in", len(data))

	// normalize alias -> name for dispatch only; packet[0] keeps the
	// alias integer the peer sent
	name := packet.Type()
	if name == "" {
		if alias, ok := packet.Alias(); ok {
			p.aliasMu.RLock()
			name = p.receiveAliases[int(alias)]
			p.aliasMu.RUnlock()
		}
		if name == "" {
			p.invalid("unknown packet alias", data)
			return errors.New("unknown packet alias")
		}
	}
	p.dispatch(name, packet)
	return nil
}

func (p *Protocol) dispatch(name string, packet codec.Packet) {
	p.mu.Lock()
	stolen := p.stolen
	cb := p.stealCb
	p.mu.Unlock()
	if stolen {
		if cb != nil {
			cb(packet)
		}
		return
	}
	p.handlersMu.RLock()
	h, ok := p.handlers[name]
	fallback := p.fallback
	p.handlersMu.RUnlock()
	if !ok {
		if fallback != nil {
			p.scheduler.IdleAdd(func() { fallback(name, packet) })
			return
		}
		log.Debugf("[proto] no handler for %q packet", name)
		return
	}
	if h.Direct {
		h.Fn(packet)
		return
	}
	p.scheduler.IdleAdd(func() { h.Fn(packet) })
}

// readFailed classifies a read-side error and injects the matching
// internal packet.
func (p *Protocol) readFailed(err error) {
	if p.isShuttingDown() {
		return
	}
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		p.connectionLost("connection closed by peer")
	case errors.As(err, &netErr) && netErr.Timeout():
		p.connectionLost("read timeout")
	case errors.Is(err, ErrInvalidHeader), errors.Is(err, ErrPayloadTooLarge):
		p.gibberish(err)
	default:
		p.connectionLost(err.Error())
	}
}

// gibberish: the stream does not look like this protocol at all.
func (p *Protocol) gibberish(err error) {
	telemetry.ObserveError("gibberish")
	p.dispatch(Gibberish, codec.Packet{Gibberish, err.Error()})
	p.shutdown()
}

// invalid: a well-formed header whose payload failed to process.
func (p *Protocol) invalid(message string, data []byte) {
	telemetry.ObserveError("invalid")
	if len(data) > 128 {
		data = data[:128]
	}
	p.dispatch(Invalid, codec.Packet{Invalid, message, append([]byte(nil), data...)})
	p.shutdown()
}

// connectionLost is delivered exactly once.
func (p *Protocol) connectionLost(message string) {
	p.lostOnce.Do(func() {
		telemetry.ObserveError("connection-lost")
		p.dispatch(ConnectionLost, codec.Packet{ConnectionLost, message})
		p.shutdown()
	})
}
