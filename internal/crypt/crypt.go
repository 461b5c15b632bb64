package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Defaults used before any key material has been negotiated, and for
// the encrypt-first-packet mode where both sides agree statically.
const (
	DefaultIV         = "0000000000000000"
	DefaultSalt       = "0000000000000000"
	DefaultIterations = 1000
	DefaultKeySize    = 32
	DefaultKeyHash    = "SHA256"
	DefaultKeyStretch = "PBKDF2"
	DefaultMode       = "CBC"

	MinIterations = 1000
	MaxIterations = 1000000

	IVSize   = 16
	SaltSize = 32
)

const (
	PaddingPKCS7  = "PKCS#7"
	PaddingLegacy = "legacy"
	PaddingNone   = "none"
)

// InitialPadding is what we offer before the peer has told us its
// padding options.
const InitialPadding = PaddingPKCS7

// PaddingOptions, strongest first.
var PaddingOptions = []string{PaddingPKCS7, PaddingLegacy}

var (
	ErrNoKey             = errors.New("no encryption key")
	ErrUnsupportedCipher = errors.New("unsupported cipher")
	ErrUnsupportedMode   = errors.New("unsupported cipher mode")
	ErrUnsupportedHash   = errors.New("unsupported key hash")
	ErrBadPadding        = errors.New("bad padding")
)

// Ciphers returns the symmetric ciphers this build supports.
func Ciphers() []string { return []string{"AES"} }

// Modes returns the supported AES block modes.
func Modes() []string { return []string{"CBC", "GCM", "CFB", "CTR"} }

// KeyHashes returns the supported PBKDF2 hash names.
func KeyHashes() []string { return []string{"SHA1", "SHA256", "SHA512"} }

func keyHashNew(name string) (func() hash.Hash, error) {
	switch strings.ToUpper(name) {
	case "SHA1":
		return sha1.New, nil
	case "SHA256":
		return sha256.New, nil
	case "SHA512":
		return sha512.New, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedHash, name)
}

// GetKey stretches the shared secret with PBKDF2-HMAC.
func GetKey(secret, salt []byte, keyHash string, keySize, iterations int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrNoKey
	}
	switch keySize {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("invalid key size %d", keySize)
	}
	if iterations < MinIterations || iterations > MaxIterations {
		return nil, fmt.Errorf("invalid iteration count %d", iterations)
	}
	h, err := keyHashNew(keyHash)
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key(secret, salt, iterations, keySize, h), nil
}

// GetIV returns a fresh random 16 byte IV.
func GetIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	return iv, nil
}

// GetSalt returns l random bytes (SaltSize by default when l<=0).
func GetSalt(l int) ([]byte, error) {
	if l <= 0 {
		l = SaltSize
	}
	salt := make([]byte, l)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// ChoosePadding picks the strongest padding the peer advertises.
func ChoosePadding(peerOptions []string) string {
	if len(peerOptions) == 0 {
		return InitialPadding
	}
	for _, p := range PaddingOptions {
		for _, o := range peerOptions {
			if p == o {
				return p
			}
		}
	}
	return InitialPadding
}

// Params holds one direction's negotiated cipher parameters.
type Params struct {
	CipherMode string // e.g. "AES-CBC"
	IV         []byte
	Secret     []byte // the shared secret before stretching
	KeySalt    []byte
	KeyHash    string
	KeySize    int
	Iterations int
	Padding    string
}

// splitCipherMode splits "AES-CBC" into ("AES", "CBC"); a bare "AES"
// uses the default mode.
func splitCipherMode(s string) (string, string) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) == 1 || parts[1] == "" {
		return parts[0], DefaultMode
	}
	return parts[0], strings.ToUpper(parts[1])
}

// State is one direction's cipher state. It is owned by exactly one
// of the protocol I/O goroutines and replaced only between packets.
type State struct {
	mode    string
	padding string
	block   cipher.Block
	// CBC chains across packets, like a continuous stream
	cbcEnc cipher.BlockMode
	cbcDec cipher.BlockMode
	// CFB/CTR keystream persists across packets
	stream cipher.Stream
	// GCM seals each packet with a counter-derived nonce
	aead  cipher.AEAD
	iv    []byte
	seq   uint64
	write bool
}

// NewState builds cipher state for one direction.
// write selects the encrypt (outbound) or decrypt (inbound) role.
func NewState(p Params, write bool) (*State, error) {
	algo, mode := splitCipherMode(p.CipherMode)
	if !strings.EqualFold(algo, "AES") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCipher, algo)
	}
	supported := false
	for _, m := range Modes() {
		if m == mode {
			supported = true
		}
	}
	if !supported {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
	if len(p.IV) != IVSize {
		return nil, fmt.Errorf("invalid IV size %d", len(p.IV))
	}
	key, err := GetKey(p.Secret, p.KeySalt, p.KeyHash, p.KeySize, p.Iterations)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	s := &State{
		mode:    mode,
		padding: p.Padding,
		block:   block,
		iv:      append([]byte(nil), p.IV...),
		write:   write,
	}
	switch mode {
	case "CBC":
		if s.padding == "" {
			s.padding = PaddingPKCS7
		}
		if write {
			s.cbcEnc = cipher.NewCBCEncrypter(block, s.iv)
		} else {
			s.cbcDec = cipher.NewCBCDecrypter(block, s.iv)
		}
	case "CFB":
		if write {
			s.stream = cipher.NewCFBEncrypter(block, s.iv)
		} else {
			s.stream = cipher.NewCFBDecrypter(block, s.iv)
		}
		s.padding = PaddingNone
	case "CTR":
		s.stream = cipher.NewCTR(block, s.iv)
		s.padding = PaddingNone
	case "GCM":
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, err
		}
		s.aead = aead
		s.padding = PaddingNone
	}
	return s, nil
}

// Mode returns the negotiated block mode.
func (s *State) Mode() string { return s.mode }

// Padding returns the padding scheme in use.
func (s *State) Padding() string { return s.padding }

func pad(scheme string, data []byte, blockSize int) ([]byte, error) {
	padLen := blockSize - len(data)%blockSize
	switch scheme {
	case PaddingPKCS7:
		return append(data, bytes.Repeat([]byte{byte(padLen)}, padLen)...), nil
	case PaddingLegacy:
		return append(data, bytes.Repeat([]byte{' '}, padLen)...), nil
	}
	return nil, fmt.Errorf("%w: unknown scheme %q", ErrBadPadding, scheme)
}

func unpad(scheme string, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrBadPadding)
	}
	switch scheme {
	case PaddingPKCS7:
		padLen := int(data[len(data)-1])
		if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
			return nil, fmt.Errorf("%w: length %d", ErrBadPadding, padLen)
		}
		for _, b := range data[len(data)-padLen:] {
			if int(b) != padLen {
				return nil, fmt.Errorf("%w: inconsistent bytes", ErrBadPadding)
			}
		}
		return data[:len(data)-padLen], nil
	case PaddingLegacy:
		return bytes.TrimRight(data, " "), nil
	}
	return nil, fmt.Errorf("%w: unknown scheme %q", ErrBadPadding, scheme)
}

func (s *State) gcmNonce() []byte {
	nonce := make([]byte, s.aead.NonceSize())
	copy(nonce, s.iv[:s.aead.NonceSize()])
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], s.seq)
	for i := 0; i < 8; i++ {
		nonce[len(nonce)-8+i] ^= seq[i]
	}
	s.seq++
	return nonce
}

// Encrypt transforms one outbound payload.
func (s *State) Encrypt(data []byte) ([]byte, error) {
	if !s.write {
		return nil, errors.New("cipher state is inbound-only")
	}
	switch s.mode {
	case "CBC":
		padded, err := pad(s.padding, data, aes.BlockSize)
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(padded))
		s.cbcEnc.CryptBlocks(out, padded)
		return out, nil
	case "CFB", "CTR":
		out := make([]byte, len(data))
		s.stream.XORKeyStream(out, data)
		return out, nil
	case "GCM":
		return s.aead.Seal(nil, s.gcmNonce(), data, nil), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, s.mode)
}

// Decrypt transforms one inbound payload.
func (s *State) Decrypt(data []byte) ([]byte, error) {
	if s.write {
		return nil, errors.New("cipher state is outbound-only")
	}
	switch s.mode {
	case "CBC":
		if len(data) == 0 || len(data)%aes.BlockSize != 0 {
			return nil, fmt.Errorf("payload size %d is not a whole number of blocks", len(data))
		}
		out := make([]byte, len(data))
		s.cbcDec.CryptBlocks(out, data)
		return unpad(s.padding, out)
	case "CFB", "CTR":
		out := make([]byte, len(data))
		s.stream.XORKeyStream(out, data)
		return out, nil
	case "GCM":
		out, err := s.aead.Open(nil, s.gcmNonce(), data, nil)
		if err != nil {
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, s.mode)
}

// KeySource locates the shared secret: keyfile first, then inline
// keydata, then the XPRA_ENCRYPTION_KEY environment variable.
func KeySource(keyfile string, keydata []byte) ([]byte, error) {
	if keyfile != "" {
		data, err := os.ReadFile(keyfile)
		if err == nil {
			data = bytes.Trim(data, "\r\n")
			if len(data) > 0 {
				return data, nil
			}
		}
	}
	if len(keydata) > 0 {
		return keydata, nil
	}
	if env := os.Getenv("XPRA_ENCRYPTION_KEY"); env != "" {
		return bytes.Trim([]byte(env), "\r\n"), nil
	}
	return nil, ErrNoKey
}
