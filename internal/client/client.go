package client

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

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

// Version advertised in hello.
var Version = []int64{6, 0, 0}

// extra slack on top of connection-timeout before giving up on hello
const extraTimeout = 10 * time.Second

// corePacketTypes is what we publish as receive aliases: the packet
// types this side knows how to process.
var corePacketTypes = []string{
	"hello", "challenge", "disconnect", "ssl-upgrade",
	"startup-complete", "setting-change", "set_deflate",
	"ping", "ping_echo", "info-response", "server-event",
	"new-window", "lost-window", "window-metadata", "draw",
	"notify_show", "notify_close", "cursor", "bell",
}

// Result is the session outcome.
type Result struct {
	Code   ExitCode
	Reason string
	Extra  []string
}

// Options tweaks client behavior beyond the configuration file.
type Options struct {
	Scheduler protocol.Scheduler
	// encrypt the very first packet with the default constants
	// instead of negotiating in clear text
	EncryptFirstPacket bool
	// receives every packet the core does not handle itself; name is
	// the normalized packet type (packet[0] may be an alias integer)
	OnPacket func(name string, p codec.Packet)
	// extra capabilities merged into hello
	HelloExtra map[string]any
}

// Client drives one connection through handshake, authentication and
// session packet exchange.
type Client struct {
	cfg  *config.Config
	opts Options

	uuid      string
	sessionID string

	mu        sync.Mutex
	conn      *transport.Conn
	proto     *protocol.Protocol
	scheduler protocol.Scheduler

	handlers []auth.Handler

	receiveAliases map[int]string

	passwordSent          bool
	connectionEstablished bool
	completedStartup      bool

	serverCompressors    []string
	serverPacketTypes    []string
	serverPaddingOptions []string
	serverClientShutdown bool
	serverAliases        map[string]int
	activeEncoder        string
	activeCompressors    []string

	timeoutID uint64

	quitOnce sync.Once
	done     chan Result
}

// New prepares a client for one session.
func New(cfg *config.Config, opts Options) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	scheduler := opts.Scheduler
	if scheduler == nil {
		scheduler = protocol.NewScheduler()
	}
	c := &Client{
		cfg:            cfg,
		opts:           opts,
		uuid:           uuid.NewString(),
		sessionID:      uuid.NewString(),
		scheduler:      scheduler,
		receiveAliases: make(map[int]string),
		done:           make(chan Result, 1),
	}
	for i, name := range corePacketTypes {
		c.receiveAliases[i+1] = name
	}
	return c, nil
}

// UUID returns the client instance identifier sent in hello.
func (c *Client) UUID() string { return c.uuid }

// Connect dials the endpoint and starts the handshake.
func (c *Client) Connect(ctx context.Context, endpoint string) error {
	desc, err := transport.Parse(endpoint)
	if err != nil {
		return err
	}
	sslOpts := c.sslOptions()
	conn, err := transport.Dial(ctx, desc, sslOpts)
	if err != nil {
		return err
	}
	handlerOpts := auth.HandlerOptions{
		Password:     c.cfg.Password,
		PasswordFile: c.cfg.PasswordFile,
		URIPassword:  conn.Option("password"),
	}
	c.handlers, err = auth.ParseHandlers(c.cfg.ChallengeHandlers, handlerOpts)
	if err != nil {
		_ = conn.Close()
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.proto = c.setupConnection(conn)
	c.mu.Unlock()
	c.proto.Start()
	c.sendHello(nil, nil)
	c.timeoutID = c.scheduler.TimeoutAdd(c.cfg.ConnectionTimeout+extraTimeout, func() bool {
		c.verifyConnected()
		return false
	})
	return nil
}

// Wait blocks until the session ends.
func (c *Client) Wait() Result {
	return <-c.done
}

// Send queues an application packet.
func (c *Client) Send(packet codec.Packet) error {
	return c.protoRef().Send(packet)
}

// SendNow queues a priority packet.
func (c *Client) SendNow(packet codec.Packet) error {
	return c.protoRef().SendNow(packet)
}

// SendPointer queues a coalescing pointer-position packet.
func (c *Client) SendPointer(deviceID int64, wid int64, pos []any, props map[string]any) error {
	p := c.protoRef()
	seq := p.NextPointerSequence(deviceID)
	attrs := map[string]any{}
	for k, v := range props {
		attrs[k] = v
	}
	return p.SendPointer(codec.Packet{"pointer", deviceID, seq, wid, pos, attrs})
}

// SendShutdownServer asks the server to terminate; the server's
// client-shutdown capability gates it.
func (c *Client) SendShutdownServer() error {
	if !c.serverClientShutdown {
		return fmt.Errorf("this server does not allow client shutdown")
	}
	return c.protoRef().SendNow(codec.Packet{"shutdown-server"})
}

func (c *Client) protoRef() *protocol.Protocol {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proto
}

// setupConnection builds a protocol engine around a connection; it is
// used for the initial socket and again after upgrades.
func (c *Client) setupConnection(conn *transport.Conn) *protocol.Protocol {
	p := protocol.New(conn, protocol.Options{
		Scheduler: c.scheduler,
		// ssh channels may carry banner noise before the first packet
		WaitForHeader: conn.SockType == transport.SSH,
		SocketTimeout: c.cfg.SocketTimeout,
		Legacy:        c.cfg.Legacy,
	})
	p.AddLargePackets("keymap-changed", "server-settings", "logging", "input-devices")
	p.SetCompressionLevel(c.cfg.CompressionLevel)
	p.SetReceiveAliases(c.receiveAliases)

	p.AddHandler("hello", c.processHello, false)
	p.AddHandler("challenge", c.processChallenge, false)
	p.AddHandler("ssl-upgrade", c.processSSLUpgrade, false)
	p.AddHandler(protocol.Disconnect, c.processDisconnect, false)
	p.AddHandler("startup-complete", c.processStartupComplete, false)
	p.AddHandler("setting-change", c.processSettingChange, false)
	p.AddHandler("set_deflate", func(codec.Packet) {}, false)
	p.AddHandler(protocol.ConnectionLost, c.processConnectionLost, false)
	p.AddHandler(protocol.Gibberish, c.processGibberish, false)
	p.AddHandler(protocol.Invalid, c.processInvalid, false)
	// pings are answered from the read loop to keep latency figures
	// honest even when the main loop is busy
	p.AddHandler("ping", c.processPing, true)
	p.AddHandler("ping_echo", func(codec.Packet) {}, true)
	if c.opts.OnPacket != nil {
		p.SetFallback(c.opts.OnPacket)
	}

	if c.opts.EncryptFirstPacket {
		if enc := c.getEncryption(); enc != "" {
			key, err := c.getEncryptionKey()
			if err != nil {
				c.quit(ExitEncryption, err.Error())
				return p
			}
			err = p.SetCipherOut(crypt.Params{
				CipherMode: enc,
				IV:         []byte(crypt.DefaultIV),
				Secret:     key,
				KeySalt:    []byte(crypt.DefaultSalt),
				KeyHash:    crypt.DefaultKeyHash,
				KeySize:    crypt.DefaultKeySize,
				Iterations: crypt.DefaultIterations,
				Padding:    crypt.InitialPadding,
			})
			if err != nil {
				c.quit(ExitEncryption, err.Error())
			}
		}
	}
	return p
}

func (c *Client) sslOptions() transport.SSLOptions {
	s := c.cfg.SSL
	return transport.SSLOptions{
		Cert:             s.Cert,
		Key:              s.Key,
		CACerts:          s.CACerts,
		CAData:           s.CAData,
		ServerHostname:   s.ServerHostname,
		ServerVerifyMode: s.ServerVerifyMode,
		ClientVerifyMode: s.ClientVerifyMode,
		Protocol:         s.Protocol,
		Ciphers:          s.Ciphers,
		CheckHostname:    s.CheckHostname,
		VerifyFlags:      s.VerifyFlags,
		Options:          s.Options,
	}
}

//
// hello
//

func (c *Client) hasPassword() bool {
	return c.cfg.Password != "" || c.cfg.PasswordFile != "" ||
		os.Getenv("XPRA_PASSWORD") != ""
}

func (c *Client) sendHello(challengeResponse, clientSalt []byte) {
	hello, err := c.makeHelloBase()
	if err != nil {
		log.Errorf("[client] error preparing hello: %v", err)
		c.quit(ExitInternalError, err.Error())
		return
	}
	if c.hasPassword() && challengeResponse == nil {
		// don't send the full hello: ask for a challenge first
		hello["challenge"] = true
	} else {
		hello["aliases"] = c.networkAliases()
	}
	if challengeResponse != nil {
		hello["challenge_response"] = challengeResponse
		// obscure the response length from passive observers
		padding, err := auth.ResponsePadding(len(challengeResponse))
		if err != nil {
			c.quit(ExitInternalError, err.Error())
			return
		}
		hello["challenge_padding"] = padding
		if clientSalt != nil {
			hello["challenge_client_salt"] = clientSalt
		}
		c.passwordSent = true
	}
	if err := c.protoRef().SendNow(codec.Packet{"hello", hello}); err != nil {
		c.quit(ExitConnectionLost, err.Error())
	}
}

func (c *Client) makeHelloBase() (map[string]any, error) {
	hostname, _ := os.Hostname()
	hello := map[string]any{
		"version":           caps.VersionTuple(Version),
		"uuid":              c.uuid,
		"session-id":        c.sessionID,
		"client_type":       "console",
		"hostname":          hostname,
		"compression_level": int64(c.cfg.CompressionLevel),
		"compressors":       c.cfg.Compressors,
		"packet-encoders":   c.cfg.PacketEncoders,
		"packet-types":      corePacketTypes,
		"digest":            auth.Digests(),
	}
	if c.cfg.Username != "" {
		hello["username"] = c.cfg.Username
	}
	if c.cfg.MMap != "" {
		hello["mmap"] = c.cfg.MMap
	}
	for k, v := range c.opts.HelloExtra {
		hello[k] = v
	}
	cipherCaps, err := c.cipherCaps()
	if err != nil {
		return nil, err
	}
	if cipherCaps != nil {
		hello["encryption"] = cipherCaps
	}
	return hello, nil
}

func (c *Client) networkAliases() map[string]any {
	aliases := make(map[string]any, len(c.receiveAliases))
	for n, name := range c.receiveAliases {
		aliases[name] = int64(n)
	}
	return aliases
}

// cipherCaps builds the encryption offer and installs cipher-in so
// the server's encrypted replies can be read.
func (c *Client) cipherCaps() (map[string]any, error) {
	encryption := c.getEncryption()
	if encryption == "" {
		return nil, nil
	}
	key, err := c.getEncryptionKey()
	if err != nil {
		return nil, err
	}
	iv, err := crypt.GetIV()
	if err != nil {
		return nil, err
	}
	keySalt, err := crypt.GetSalt(0)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(encryption, "-", 2)
	cipher := parts[0]
	mode := crypt.DefaultMode
	if len(parts) == 2 && parts[1] != "" {
		mode = strings.ToUpper(parts[1])
	}
	padding := crypt.ChoosePadding(c.serverPaddingOptions)
	if err := c.protoRef().SetCipherIn(crypt.Params{
		CipherMode: cipher + "-" + mode,
		IV:         iv,
		Secret:     key,
		KeySalt:    keySalt,
		KeyHash:    crypt.DefaultKeyHash,
		KeySize:    crypt.DefaultKeySize,
		Iterations: crypt.DefaultIterations,
		Padding:    padding,
	}); err != nil {
		return nil, err
	}
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
		"padding":                padding,
		"padding.options":        opts,
	}, nil
}

// getEncryption resolves the cipher spec: socket options first, then
// the configuration; a key source alone enables the default cipher.
func (c *Client) getEncryption() string {
	conn := c.connRef()
	if conn == nil {
		return ""
	}
	encryption := conn.Option("encryption")
	if encryption == "" {
		if conn.SockType == transport.TCP && c.cfg.TCPEncryption != "" {
			encryption = c.cfg.TCPEncryption
		} else {
			encryption = c.cfg.Encryption
		}
	}
	if encryption == "" {
		if conn.Option("encryption-keyfile") != "" || conn.Option("keyfile") != "" ||
			conn.Option("keydata") != "" || c.cfg.EncryptionKeyfile != "" ||
			os.Getenv("XPRA_ENCRYPTION_KEY") != "" {
			encryption = "AES-" + crypt.DefaultMode
		}
	}
	return encryption
}

func (c *Client) getEncryptionKey() ([]byte, error) {
	conn := c.connRef()
	keyfile := ""
	var keydata []byte
	if conn != nil {
		keyfile = conn.Option("encryption-keyfile")
		if keyfile == "" {
			keyfile = conn.Option("keyfile")
		}
		keydata = parseEncodedBinData(conn.Option("keydata"))
	}
	if keyfile == "" {
		keyfile = c.cfg.EncryptionKeyfile
	}
	return crypt.KeySource(keyfile, keydata)
}

// parseEncodedBinData decodes "base64:...", "hex:..." or raw data.
func parseEncodedBinData(s string) []byte {
	if s == "" {
		return nil
	}
	if v, ok := strings.CutPrefix(s, "base64:"); ok {
		if data, err := base64.StdEncoding.DecodeString(v); err == nil {
			return data
		}
		return nil
	}
	if v, ok := strings.CutPrefix(s, "hex:"); ok {
		if data, err := hex.DecodeString(v); err == nil {
			return data
		}
		return nil
	}
	return []byte(s)
}

func (c *Client) connRef() *transport.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) verifyConnected() {
	if !c.connectionEstablished {
		c.warnAndQuit(ExitTimeout, "connection timed out")
	}
}

//
// incoming packets
//

func (c *Client) processHello(packet codec.Packet) {
	if len(packet) < 2 {
		c.warnAndQuit(ExitFailure, "malformed hello packet")
		return
	}
	p := c.protoRef()
	p.RemoveHandler("challenge")
	p.RemoveHandler("ssl-upgrade")
	if !c.passwordSent && c.hasPassword() {
		c.warnAndQuit(ExitNoAuthentication, "the server did not request our password")
		return
	}
	d := caps.New(packet[1])
	if !c.parseEncryptionCapabilities(d) {
		return
	}
	if !c.parseServerCapabilities(d) {
		c.warnAndQuit(ExitFailure, "failed to establish connection")
		return
	}
	if !c.parseNetworkCapabilities(d) {
		return
	}
	c.connectionEstablished = true
	log.Infof("[client] connection established, server version %s",
		caps.VersionString(d.IntTupleGet("version")))
}

func (c *Client) parseServerCapabilities(d caps.Dict) bool {
	c.serverClientShutdown = d.BoolGet("client-shutdown", true)
	c.serverCompressors = d.StrTupleGet("compressors")
	if len(c.serverCompressors) == 0 {
		c.serverCompressors = []string{"zlib"}
	}
	return true
}

func (c *Client) parseNetworkCapabilities(d caps.Dict) bool {
	p := c.protoRef()
	enc, err := codec.ChooseEncoder(c.cfg.PacketEncoders, d.StrTupleGet("packet-encoders"))
	if err != nil {
		c.warnAndQuit(ExitUnsupported, err.Error())
		return false
	}
	if err := p.SetEncoder(enc.Name); err != nil {
		c.warnAndQuit(ExitUnsupported, err.Error())
		return false
	}
	c.activeEncoder = enc.Name
	if err := p.EnableCompressors(c.serverCompressors); err != nil {
		c.warnAndQuit(ExitUnsupported, err.Error())
		return false
	}
	c.activeCompressors = p.Compressors()
	if aliases := d.AliasesGet("aliases"); len(aliases) > 0 {
		c.serverAliases = aliases
		p.SetSendAliases(aliases)
	}
	c.serverPacketTypes = d.StrTupleGet("packet-types")
	return true
}

func (c *Client) parseEncryptionCapabilities(d caps.Dict) bool {
	if c.getEncryption() == "" {
		return true
	}
	if d.DictGet("encryption") == nil && c.protoRef().IsSendingEncrypted() {
		// the challenge round already installed the outbound cipher
		// and the server did not publish a replacement
		return true
	}
	key, err := c.getEncryptionKey()
	if err != nil {
		c.warnAndQuit(ExitEncryption, err.Error())
		return false
	}
	return c.setServerEncryption(d, key)
}

// setServerEncryption reads the server's cipher caps and installs
// them as the outbound cipher state.
func (c *Client) setServerEncryption(d caps.Dict, key []byte) bool {
	enc := d.DictGet("encryption")
	if enc == nil {
		// legacy flat prefix
		enc = d.DictGet("cipher")
	}
	if enc == nil {
		c.warnAndQuit(ExitEncryption,
			"the server does not use or support encryption, cannot continue")
		return false
	}
	cipher := enc.StrGet("cipher", "")
	if cipher == "" {
		cipher = d.StrGet("cipher", "")
	}
	mode := enc.StrGet("mode", crypt.DefaultMode)
	iv := enc.BytesGet("iv")
	keySalt := enc.BytesGet("key_salt")
	keyHash := enc.StrGet("key_hash", crypt.DefaultKeyHash)
	keySize := int(enc.IntGet("key_size", crypt.DefaultKeySize))
	keyStretch := enc.StrGet("key_stretch", crypt.DefaultKeyStretch)
	iterations := int(enc.IntGet("key_stretch_iterations", crypt.DefaultIterations))
	padding := enc.StrGet("padding", crypt.InitialPadding)
	c.serverPaddingOptions = enc.StrTupleGet("padding.options")

	if !strings.EqualFold(keyStretch, crypt.DefaultKeyStretch) {
		c.warnAndQuit(ExitEncryption, fmt.Sprintf("unsupported key stretching %q", keyStretch))
		return false
	}
	if cipher == "" || len(iv) == 0 {
		c.warnAndQuit(ExitEncryption,
			"the server does not use or support encryption/password, cannot continue")
		return false
	}
	err := c.protoRef().SetCipherOut(crypt.Params{
		CipherMode: cipher + "-" + strings.ToUpper(mode),
		IV:         iv,
		Secret:     key,
		KeySalt:    keySalt,
		KeyHash:    keyHash,
		KeySize:    keySize,
		Iterations: iterations,
		Padding:    padding,
	})
	if err != nil {
		c.warnAndQuit(ExitEncryption, err.Error())
		return false
	}
	return true
}

//
// challenge
//

func (c *Client) processChallenge(packet codec.Packet) {
	if !c.validateChallenge(packet) {
		return
	}
	// handlers may prompt or talk to external services: keep them off
	// the scheduler thread
	go c.runChallengeHandlers(packet)
}

func (c *Client) validateChallenge(packet codec.Packet) bool {
	if len(packet) < 4 {
		c.warnAndQuit(ExitFailure, "malformed challenge packet")
		return false
	}
	digest := packetString(packet, 3)
	digestType := auth.DigestType(digest)
	// never send a reversible response over a clear channel
	if digestType == "xor" || digestType == "des" {
		conn := c.connRef()
		encrypted := c.protoRef().IsSendingEncrypted() ||
			conn.SockType == transport.SSL || conn.SockType == transport.WSS ||
			conn.SockType == transport.SSH
		if !encrypted && !conn.Local {
			c.authError(ExitEncryption, fmt.Sprintf(
				"server requested %q digest, cowardly refusing to use it without encryption",
				digestType))
			return false
		}
	}
	saltDigest := "xor"
	if len(packet) >= 5 {
		saltDigest = packetString(packet, 4)
	}
	if auth.LegacySaltDigest(saltDigest) && !c.cfg.Legacy {
		c.authError(ExitIncompatibleVersion,
			fmt.Sprintf("server uses legacy salt digest %q", saltDigest))
		return false
	}
	return true
}

func (c *Client) runChallengeHandlers(packet codec.Packet) {
	digest := packetString(packet, 3)
	prompt := "password"
	if len(packet) >= 6 {
		prompt = packetString(packet, 5)
	}
	challenge := packetBytes(packet, 1)
	for len(c.handlers) > 0 {
		handler := auth.PopHandler(&c.handlers, digest)
		value, err := handler.Handle(challenge, digest, prompt)
		if err != nil {
			log.Warnf("[auth] challenge handler error: %v", err)
			continue
		}
		if value != nil {
			c.sendChallengeReply(packet, value)
			return
		}
	}
	log.Warnf("[auth] failed to connect, authentication required")
	c.quit(ExitPasswordRequired, "authentication required")
}

func (c *Client) sendChallengeReply(packet codec.Packet, password []byte) {
	if c.getEncryption() != "" {
		if len(packet) < 3 {
			c.authError(ExitEncryption,
				"challenge does not contain encryption details for the response")
			return
		}
		key, err := c.getEncryptionKey()
		if err != nil {
			c.authError(ExitEncryption, err.Error())
			return
		}
		if !c.setServerEncryption(caps.New(packet[2]), key) {
			return
		}
	}
	serverSalt := packetBytes(packet, 1)
	digest := packetString(packet, 3)
	saltDigest := "xor"
	if len(packet) >= 5 {
		saltDigest = packetString(packet, 4)
	}
	saltLen, err := auth.ClientSaltLen(saltDigest, len(serverSalt))
	if err != nil {
		c.authError(ExitFailure, err.Error())
		return
	}
	clientSalt, err := auth.GetSalt(saltLen)
	if err != nil {
		c.authError(ExitInternalError, err.Error())
		return
	}
	combined, err := auth.CombineSalts(saltDigest, clientSalt, serverSalt)
	if err != nil {
		c.authError(ExitUnsupported, err.Error())
		return
	}
	response, err := auth.GenDigest(digest, password, combined)
	if err != nil {
		c.authError(ExitUnsupported, fmt.Sprintf(
			"server requested %q digest but it is not supported", digest))
		return
	}
	c.scheduler.IdleAdd(func() {
		c.sendHello(response, clientSalt)
	})
}

func (c *Client) authError(code ExitCode, message string) {
	log.Errorf("[auth] authentication failed: %s", message)
	c.quit(code, message)
}

//
// disconnect and error packets
//

func (c *Client) processDisconnect(packet codec.Packet) {
	reason := packetString(packet, 1)
	var extra []string
	for i := 2; i < len(packet); i++ {
		extra = append(extra, packetString(packet, i))
	}
	if !c.connectionEstablished {
		c.serverDisconnectWarning("disconnected before the session could be established",
			append([]string{reason}, extra...)...)
		return
	}
	if disconnectIsError(reason) {
		c.serverDisconnectWarning(reason, extra...)
		return
	}
	log.Infof("[client] server requested disconnect: %s", reason)
	c.quitResult(Result{Code: c.disconnectExitCode(reason, extra), Reason: reason, Extra: extra})
}

func (c *Client) serverDisconnectWarning(reason string, extra ...string) {
	log.Warnf("[client] server connection failure: %s", reason)
	for _, x := range extra {
		log.Warnf("[client]  %s", x)
	}
	code := ExitFailure
	switch {
	case containsString(extra, reasonAuthenticationFailed):
		code = ExitAuthenticationFailed
	case !c.completedStartup:
		code = ExitConnectionFailed
	}
	c.quitResult(Result{Code: code, Reason: reason, Extra: extra})
}

func (c *Client) disconnectExitCode(reason string, extra []string) ExitCode {
	if reason == reasonServerUpgrade {
		return ExitUpgrade
	}
	if containsString(extra, reasonAuthenticationFailed) {
		return ExitAuthenticationFailed
	}
	return ExitOK
}

func (c *Client) processConnectionLost(packet codec.Packet) {
	p := c.protoRef()
	code := ExitConnectionLost
	if p.InputPacketCount() == 0 {
		log.Errorf("[client] failed to receive anything, not an xpra server?")
		code = ExitConnectionFailed
	} else if !c.completedStartup {
		code = ExitConnectionFailed
	}
	c.quit(code, packetString(packet, 1))
}

func (c *Client) processGibberish(packet codec.Packet) {
	code := ExitPacketFailure
	if c.protoRef().InputPacketCount() == 0 {
		code = ExitConnectionFailed
	}
	c.quit(code, packetString(packet, 1))
}

func (c *Client) processInvalid(packet codec.Packet) {
	c.quit(ExitPacketFailure, packetString(packet, 1))
}

func (c *Client) processStartupComplete(codec.Packet) {
	c.completedStartup = true
}

func (c *Client) processSettingChange(packet codec.Packet) {
	if len(packet) >= 3 {
		log.Debugf("[client] setting-change: %s", packetString(packet, 1))
	}
}

func (c *Client) processPing(packet codec.Packet) {
	echo := codec.Packet{"ping_echo", time.Now().UnixMilli(),
		int64(0), int64(0), int64(0), int64(-1)}
	if len(packet) >= 2 {
		echo[1] = packet[1]
	}
	_ = c.protoRef().SendNow(echo)
}

//
// ssl upgrade
//

func (c *Client) processSSLUpgrade(codec.Packet) {
	go c.sslUpgrade()
}

func (c *Client) sslUpgrade() {
	conn := c.connRef()
	newType, ok := transport.UpgradedSockType(conn.SockType)
	if !ok {
		c.warnAndQuit(ExitFailure,
			fmt.Sprintf("cannot upgrade a %q connection to ssl", conn.SockType))
		return
	}
	log.Infof("[client] upgrading %s to %s", conn.Endpoint, newType)
	p := c.protoRef()
	if err := p.SendNow(codec.Packet{"ssl-upgrade", map[string]any{}}); err != nil {
		c.quit(ExitConnectionLost, err.Error())
		return
	}
	// let the write loop drain the upgrade packet first
	transport.DrainWait()
	raw, pending, err := p.StealConnection(func(pkt codec.Packet) {
		log.Errorf("[client] received another packet during ssl socket upgrade: %v", pkt.Type())
		c.quit(ExitInternalError, "unexpected packet during ssl upgrade")
	})
	if err != nil {
		c.quit(ExitInternalError, err.Error())
		return
	}
	tconn, ok := raw.(*transport.Conn)
	if !ok {
		c.quit(ExitInternalError, "connection is not upgradable")
		return
	}
	// verification is disabled for the in-band upgrade unless the
	// socket options say otherwise
	ssl := c.sslOptions()
	ssl.ServerVerifyMode = "none"
	ssl.CheckHostname = false
	if v := tconn.Option("ssl-server-verify-mode"); v != "" {
		ssl.ServerVerifyMode = v
	}
	if v := tconn.Option("ssl-check-hostname"); v != "" {
		ssl.CheckHostname = strings.EqualFold(v, "true") || strings.EqualFold(v, "yes") || v == "1"
	}
	newConn, err := transport.UpgradeClientTLS(tconn, pending, ssl)
	if err != nil {
		c.quit(ExitSSLFailure, err.Error())
		return
	}
	c.resumeOn(newConn)
}

// resumeOn rebuilds the protocol engine on an upgraded connection,
// preserving the handler table, aliases and negotiated codecs.
func (c *Client) resumeOn(conn *transport.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.proto = c.setupConnection(conn)
	if c.serverAliases != nil {
		c.proto.SetSendAliases(c.serverAliases)
	}
	if c.activeEncoder != "" {
		_ = c.proto.SetEncoder(c.activeEncoder)
	}
	if c.activeCompressors != nil {
		_ = c.proto.EnableCompressors(c.activeCompressors)
	}
	p := c.proto
	c.mu.Unlock()
	p.Start()
	log.Infof("[client] protocol resumed on %s", conn.SockType)
}

func (c *Client) warnAndQuit(code ExitCode, message string) {
	log.Warnf("[client] %s", message)
	c.quit(code, message)
}

func (c *Client) quit(code ExitCode, reason string) {
	c.quitResult(Result{Code: code, Reason: reason})
}

func (c *Client) quitResult(r Result) {
	c.quitOnce.Do(func() {
		if c.timeoutID != 0 {
			c.scheduler.SourceRemove(c.timeoutID)
		}
		if p := c.protoRef(); p != nil {
			p.Close(r.Reason)
		}
		c.done <- r
	})
}

// Disconnect closes the session cleanly.
func (c *Client) Disconnect(reason string) {
	c.quit(ExitOK, reason)
}

func packetString(p codec.Packet, i int) string {
	if i >= len(p) {
		return ""
	}
	switch v := p[i].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return fmt.Sprint(p[i])
}

func packetBytes(p codec.Packet, i int) []byte {
	if i >= len(p) {
		return nil
	}
	switch v := p[i].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
