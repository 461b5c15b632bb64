package server

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"xpra-wire/internal/auth"
	"xpra-wire/internal/caps"
	"xpra-wire/internal/codec"
	"xpra-wire/internal/config"
	"xpra-wire/internal/crypt"
	"xpra-wire/internal/protocol"
	"xpra-wire/internal/transport"
)

// Version advertised in the server hello.
var Version = []int64{6, 0, 0}

// packet types published in hello and as receive aliases. The server
// handles hello, disconnect, ping, ping_echo and shutdown-server itself;
// the others go to the embedder's handler.
var corePacketTypes = []string{
	"hello", "disconnect", "ping", "ping_echo",
	"shutdown-server", "ssl-upgrade", "info-request",
	"pointer", "pointer-position", "damage-sequence",
	"key-action", "button-action", "close-window",
}

// Options configures the server side of the wire protocol.
type Options struct {
	Scheduler protocol.Scheduler
	// demand a challenge round even when the client does not ask
	AuthRequired bool
	// response digest, "hmac:sha256" unless overridden
	Digest string
	// salt combination digest, "sha256" unless overridden
	SaltDigest string
	Prompt     string
	// allow clients to shut the server down
	ClientShutdown bool
	// receives every packet the core does not handle itself; name is
	// the normalized packet type (packet[0] may be an alias integer)
	OnPacket func(s *Session, name string, p codec.Packet)
	// called once a session completes the handshake
	OnConnect func(s *Session)
}

// Server accepts connections and runs one Session per client.
type Server struct {
	cfg  *config.Config
	opts Options
	uuid string

	mu        sync.Mutex
	sessions  map[*Session]struct{}
	listeners []net.Listener
	closed    bool
}

func New(cfg *config.Config, opts Options) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.Digest == "" {
		opts.Digest = "hmac:sha256"
	}
	if opts.SaltDigest == "" {
		opts.SaltDigest = "sha256"
	}
	if opts.Prompt == "" {
		opts.Prompt = "password"
	}
	return &Server{
		cfg:      cfg,
		opts:     opts,
		uuid:     uuid.NewString(),
		sessions: make(map[*Session]struct{}),
	}
}

// ListenTCP starts accepting plain tcp connections.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()
	log.Infof("[server] listening on tcp %s", ln.Addr())
	go s.serve(ln, transport.TCP)
	return nil
}

// Addr returns the first listener's address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

func (s *Server) serve(ln net.Listener, socktype string) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warnf("[server] accept: %v", err)
			continue
		}
		local := false
		if host, _, err := net.SplitHostPort(nc.RemoteAddr().String()); err == nil {
			if ip := net.ParseIP(host); ip != nil {
				local = ip.IsLoopback()
			}
		}
		conn := &transport.Conn{
			Conn:     nc,
			SockType: socktype,
			Endpoint: nc.RemoteAddr().String(),
			Local:    local,
			Timeout:  s.cfg.SocketTimeout,
		}
		s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn *transport.Conn) {
	sess := &Session{
		srv:            s,
		conn:           conn,
		receiveAliases: make(map[int]string),
	}
	for i, name := range corePacketTypes {
		sess.receiveAliases[i+1] = name
	}
	sess.proto = sess.setupConnection(conn)
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	log.Infof("[server] new %s connection from %s", conn.SockType, conn.Endpoint)
	sess.proto.Start()
}

// Shutdown disconnects every session and stops the listeners.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := s.listeners
	sessions := make([]*Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, sess := range sessions {
		sess.Disconnect(reason)
	}
}

func (s *Server) remove(sess *Session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// password returns the shared secret clients must prove they know.
func (s *Server) password() []byte {
	if s.cfg.Password != "" {
		return []byte(s.cfg.Password)
	}
	if s.cfg.PasswordFile != "" {
		data, err := os.ReadFile(s.cfg.PasswordFile)
		if err == nil {
			return []byte(strings.Trim(string(data), "\r\n"))
		}
		log.Warnf("[server] password-file: %v", err)
	}
	if env := os.Getenv("XPRA_PASSWORD"); env != "" {
		return []byte(env)
	}
	return nil
}

func (s *Server) authRequired() bool {
	return s.opts.AuthRequired || len(s.password()) > 0
}

// Session is one connected client.
type Session struct {
	srv   *Server
	conn  *transport.Conn
	proto *protocol.Protocol

	receiveAliases map[int]string

	mu             sync.Mutex
	serverSalt     []byte
	authenticated  bool
	established    bool
	cipherCapsSent bool
	clientUUID     string
}

func (sess *Session) setupConnection(conn *transport.Conn) *protocol.Protocol {
	p := protocol.New(conn, protocol.Options{
		Scheduler:     sess.srv.opts.Scheduler,
		SocketTimeout: sess.srv.cfg.SocketTimeout,
		Legacy:        sess.srv.cfg.Legacy,
	})
	p.AddLargePackets("hello", "window-metadata", "draw")
	p.SetCompressionLevel(sess.srv.cfg.CompressionLevel)
	p.SetReceiveAliases(sess.receiveAliases)

	p.AddHandler("hello", sess.processHello, false)
	p.AddHandler(protocol.Disconnect, sess.processDisconnect, false)
	p.AddHandler(protocol.ConnectionLost, sess.processConnectionLost, false)
	p.AddHandler(protocol.Gibberish, sess.processGone, false)
	p.AddHandler(protocol.Invalid, sess.processGone, false)
	p.AddHandler("ping", sess.processPing, true)
	p.AddHandler("ping_echo", func(codec.Packet) {}, true)
	p.AddHandler("shutdown-server", sess.processShutdownServer, false)
	p.SetFallback(func(name string, pkt codec.Packet) {
		if !sess.isEstablished() {
			log.Warnf("[server] dropping %q packet before handshake", name)
			return
		}
		if cb := sess.srv.opts.OnPacket; cb != nil {
			cb(sess, name, pkt)
		}
	})
	return p
}

func (sess *Session) isEstablished() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.established
}

// Send queues a packet to this client.
func (sess *Session) Send(packet codec.Packet) error {
	return sess.proto.Send(packet)
}

// Disconnect sends a disconnect with the reason and closes.
func (sess *Session) Disconnect(reason string, extra ...string) {
	sess.proto.Close(reason, extra...)
	sess.srv.remove(sess)
}

// UUID returns the client-advertised instance id.
func (sess *Session) UUID() string {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.clientUUID
}

func (sess *Session) processHello(packet codec.Packet) {
	if len(packet) < 2 {
		sess.Disconnect("invalid packet format", "hello payload missing")
		return
	}
	d := caps.New(packet[1])
	sess.mu.Lock()
	sess.clientUUID = d.StrGet("uuid", "")
	sess.mu.Unlock()

	// apply the client's encryption offer to inbound traffic
	if enc := d.DictGet("encryption"); enc != nil {
		if !sess.applyClientCipher(enc) {
			return
		}
	}

	if sess.srv.authRequired() && !sess.isAuthenticated() {
		response := d.BytesGet("challenge_response")
		if response == nil {
			sess.sendChallenge()
			return
		}
		if !sess.verifyChallenge(d, response) {
			sess.Disconnect("invalid challenge response", "authentication failed")
			return
		}
		sess.mu.Lock()
		sess.authenticated = true
		sess.mu.Unlock()
	}
	sess.completeHandshake(d)
}

func (sess *Session) isAuthenticated() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.authenticated
}

// applyClientCipher derives the server-to-client cipher state from
// the client's published encryption offer (the client holds the
// matching inbound state).
func (sess *Session) applyClientCipher(enc caps.Dict) bool {
	key, err := crypt.KeySource(sess.srv.cfg.EncryptionKeyfile, nil)
	if err != nil {
		sess.Disconnect("encryption is not enabled on this server")
		return false
	}
	cipher := enc.StrGet("cipher", "")
	mode := enc.StrGet("mode", crypt.DefaultMode)
	err = sess.proto.SetCipherOut(crypt.Params{
		CipherMode: cipher + "-" + strings.ToUpper(mode),
		IV:         enc.BytesGet("iv"),
		Secret:     key,
		KeySalt:    enc.BytesGet("key_salt"),
		KeyHash:    enc.StrGet("key_hash", crypt.DefaultKeyHash),
		KeySize:    int(enc.IntGet("key_size", crypt.DefaultKeySize)),
		Iterations: int(enc.IntGet("key_stretch_iterations", crypt.DefaultIterations)),
		Padding:    enc.StrGet("padding", crypt.InitialPadding),
	})
	if err != nil {
		sess.Disconnect("encryption setup failed", err.Error())
		return false
	}
	return true
}

// sendChallenge starts the authentication round.
func (sess *Session) sendChallenge() {
	salt, err := auth.GetSalt(auth.SaltLen)
	if err != nil {
		sess.Disconnect("internal error", err.Error())
		return
	}
	sess.mu.Lock()
	sess.serverSalt = salt
	sess.mu.Unlock()
	cipherCaps := map[string]any{}
	if sess.srv.cfg.Encryption != "" {
		cc, ok := sess.publishCipherIn()
		if !ok {
			return
		}
		cipherCaps = cc
	}
	challenge := codec.Packet{"challenge", salt, cipherCaps,
		sess.srv.opts.Digest, sess.srv.opts.SaltDigest, sess.srv.opts.Prompt}
	if err := sess.proto.SendNow(challenge); err != nil {
		log.Warnf("[server] failed to send challenge: %v", err)
	}
}

// verifyChallenge checks the response from the second hello.
func (sess *Session) verifyChallenge(d caps.Dict, response []byte) bool {
	sess.mu.Lock()
	salt := sess.serverSalt
	sess.mu.Unlock()
	if salt == nil {
		log.Warnf("[server] challenge response without a pending challenge")
		return false
	}
	password := sess.srv.password()
	if password == nil {
		return false
	}
	clientSalt := d.BytesGet("challenge_client_salt")
	combined, err := auth.CombineSalts(sess.srv.opts.SaltDigest, clientSalt, salt)
	if err != nil {
		log.Warnf("[server] salt combination failed: %v", err)
		return false
	}
	expected, err := auth.GenDigest(sess.srv.opts.Digest, password, combined)
	if err != nil {
		log.Warnf("[server] digest failed: %v", err)
		return false
	}
	if subtle.ConstantTimeCompare(expected, response) != 1 {
		log.Warnf("[server] authentication failed for %s", sess.conn.Endpoint)
		return false
	}
	return true
}

// completeHandshake negotiates codecs and sends the server hello.
func (sess *Session) completeHandshake(d caps.Dict) {
	enc, err := codec.ChooseEncoder(sess.srv.cfg.PacketEncoders, d.StrTupleGet("packet-encoders"))
	if err != nil {
		sess.Disconnect("incompatible version", err.Error())
		return
	}
	if err := sess.proto.SetEncoder(enc.Name); err != nil {
		sess.Disconnect("internal error", err.Error())
		return
	}
	clientCompressors := d.StrTupleGet("compressors")
	if len(clientCompressors) == 0 {
		clientCompressors = []string{"zlib"}
	}
	if err := sess.proto.EnableCompressors(clientCompressors); err != nil {
		sess.Disconnect("incompatible version", err.Error())
		return
	}
	if aliases := d.AliasesGet("aliases"); len(aliases) > 0 {
		sess.proto.SetSendAliases(aliases)
	}

	hello := map[string]any{
		"version":         caps.VersionTuple(Version),
		"uuid":            sess.srv.uuid,
		"compressors":     sess.proto.Compressors(),
		"packet-encoders": []string{enc.Name},
		"packet-types":    corePacketTypes,
		"aliases":         sess.networkAliases(),
		"client-shutdown": sess.srv.opts.ClientShutdown,
	}
	// when no challenge round carried them, the hello publishes the
	// cipher parameters for the client-to-server direction
	if sess.srv.cfg.Encryption != "" && !sess.sentCipherCaps() {
		cc, ok := sess.publishCipherIn()
		if !ok {
			return
		}
		hello["encryption"] = cc
	}
	if err := sess.proto.SendNow(codec.Packet{"hello", hello}); err != nil {
		log.Warnf("[server] failed to send hello: %v", err)
		return
	}
	_ = sess.proto.SendNow(codec.Packet{"startup-complete"})
	sess.mu.Lock()
	sess.established = true
	sess.mu.Unlock()
	log.Infof("[server] session established with %s (version %s)",
		sess.conn.Endpoint, caps.VersionString(d.IntTupleGet("version")))
	if cb := sess.srv.opts.OnConnect; cb != nil {
		cb(sess)
	}
}

func (sess *Session) sentCipherCaps() bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.cipherCapsSent
}

// publishCipherIn creates fresh cipher parameters for the
// client-to-server direction and installs the matching inbound
// state; the client mirrors them as its cipher-out replacement.
func (sess *Session) publishCipherIn() (map[string]any, bool) {
	key, err := crypt.KeySource(sess.srv.cfg.EncryptionKeyfile, nil)
	if err != nil {
		sess.Disconnect("encryption key is missing")
		return nil, false
	}
	iv, err := crypt.GetIV()
	if err != nil {
		sess.Disconnect("internal error", err.Error())
		return nil, false
	}
	keySalt, err := crypt.GetSalt(0)
	if err != nil {
		sess.Disconnect("internal error", err.Error())
		return nil, false
	}
	parts := strings.SplitN(sess.srv.cfg.Encryption, "-", 2)
	cipher := parts[0]
	mode := crypt.DefaultMode
	if len(parts) == 2 && parts[1] != "" {
		mode = strings.ToUpper(parts[1])
	}
	params := crypt.Params{
		CipherMode: cipher + "-" + mode,
		IV:         iv,
		Secret:     key,
		KeySalt:    keySalt,
		KeyHash:    crypt.DefaultKeyHash,
		KeySize:    crypt.DefaultKeySize,
		Iterations: crypt.DefaultIterations,
		Padding:    crypt.InitialPadding,
	}
	if err := sess.proto.SetCipherIn(params); err != nil {
		sess.Disconnect("encryption setup failed", err.Error())
		return nil, false
	}
	sess.mu.Lock()
	sess.cipherCapsSent = true
	sess.mu.Unlock()
	opts := make([]any, len(crypt.PaddingOptions))
	for i, p := range crypt.PaddingOptions {
		opts[i] = p
	}
	return map[string]any{
		"cipher":                 cipher,
		"mode":                   mode,
		"iv":                     iv,
		"key_salt":               keySalt,
		"key_size":               int64(crypt.DefaultKeySize),
		"key_hash":               crypt.DefaultKeyHash,
		"key_stretch":            crypt.DefaultKeyStretch,
		"key_stretch_iterations": int64(crypt.DefaultIterations),
		"padding":                crypt.InitialPadding,
		"padding.options":        opts,
	}, true
}

func (sess *Session) networkAliases() map[string]any {
	aliases := make(map[string]any, len(sess.receiveAliases))
	for n, name := range sess.receiveAliases {
		aliases[name] = int64(n)
	}
	return aliases
}

// SSLUpgrade converts this session's transport to TLS in-band.
func (sess *Session) SSLUpgrade(ssl transport.SSLOptions) error {
	if _, ok := transport.UpgradedSockType(sess.conn.SockType); !ok {
		return fmt.Errorf("cannot upgrade a %q connection to ssl", sess.conn.SockType)
	}
	if err := sess.proto.SendNow(codec.Packet{"ssl-upgrade", map[string]any{}}); err != nil {
		return err
	}
	transport.DrainWait()
	encoder := sess.proto.Encoder()
	compressors := sess.proto.Compressors()
	raw, pending, err := sess.proto.StealConnection(func(pkt codec.Packet) {
		log.Errorf("[server] received a packet during ssl upgrade: %v", pkt.Type())
	})
	if err != nil {
		return err
	}
	tconn, ok := raw.(*transport.Conn)
	if !ok {
		return fmt.Errorf("connection is not upgradable")
	}
	newConn, err := transport.UpgradeServerTLS(tconn, pending, ssl)
	if err != nil {
		return err
	}
	sess.conn = newConn
	sess.proto = sess.setupConnection(newConn)
	_ = sess.proto.SetEncoder(encoder)
	_ = sess.proto.EnableCompressors(compressors)
	sess.mu.Lock()
	established := sess.established
	sess.mu.Unlock()
	if established {
		// handlers and receive aliases are reinstalled by
		// setupConnection and the encoder and compressors are restored;
		// send aliases are not, so packets go out under their names
		log.Infof("[server] session upgraded to %s", newConn.SockType)
	}
	sess.proto.Start()
	return nil
}

func (sess *Session) processDisconnect(packet codec.Packet) {
	reason := ""
	if len(packet) >= 2 {
		if s, ok := packet[1].(string); ok {
			reason = s
		}
	}
	log.Infof("[server] client %s disconnected: %s", sess.conn.Endpoint, reason)
	sess.proto.Close("")
	sess.srv.remove(sess)
}

func (sess *Session) processConnectionLost(codec.Packet) {
	log.Infof("[server] connection lost: %s", sess.conn.Endpoint)
	sess.srv.remove(sess)
}

func (sess *Session) processGone(packet codec.Packet) {
	log.Warnf("[server] protocol error from %s: %v", sess.conn.Endpoint, packet)
	sess.srv.remove(sess)
}

func (sess *Session) processPing(packet codec.Packet) {
	echo := codec.Packet{"ping_echo", int64(0), int64(0), int64(0), int64(0), int64(-1)}
	if len(packet) >= 2 {
		echo[1] = packet[1]
	}
	_ = sess.proto.SendNow(echo)
}

func (sess *Session) processShutdownServer(codec.Packet) {
	if !sess.srv.opts.ClientShutdown {
		log.Warnf("[server] refusing shutdown request from %s", sess.conn.Endpoint)
		sess.Disconnect("shutdown requests are not allowed")
		return
	}
	log.Infof("[server] shutdown requested by %s", sess.conn.Endpoint)
	sess.srv.Shutdown("shutting down")
}
