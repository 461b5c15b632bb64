package auth

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"strings"
)

// Digest names take the form "algorithm[:argument]":
// "hmac:sha256", "xor", "kerberos:service", "gss:service", "u2f".

var (
	ErrUnsupportedDigest = errors.New("unsupported digest")
	ErrBadSalt           = errors.New("invalid salt")
)

// xor salt length bounds; other salt digests use exactly 32 bytes.
const (
	XorSaltMin = 16
	XorSaltMax = 256
	SaltLen    = 32
)

// DigestType returns the algorithm part of a digest name,
// "hmac:sha256" -> "hmac".
func DigestType(digest string) string {
	return strings.SplitN(digest, ":", 2)[0]
}

// LegacySaltDigest reports whether a salt digest needs the legacy
// opt-in before it is accepted.
func LegacySaltDigest(saltDigest string) bool {
	return saltDigest == "xor" || saltDigest == "des"
}

// Digests lists the response digests this build can compute, in the
// order they are advertised in hello.
func Digests() []string {
	return []string{"hmac:sha256", "hmac:sha512", "hmac:sha1", "hmac", "xor"}
}

func hmacHash(name string) (func() hash.Hash, error) {
	switch strings.ToLower(name) {
	case "", "md5":
		// bare "hmac" is the md5 legacy form
		return md5.New, nil
	case "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	}
	return nil, fmt.Errorf("%w: hmac:%s", ErrUnsupportedDigest, name)
}

// GenDigest computes the challenge response for the given digest name.
func GenDigest(digest string, password, salt []byte) ([]byte, error) {
	parts := strings.SplitN(digest, ":", 2)
	switch parts[0] {
	case "hmac":
		arg := ""
		if len(parts) == 2 {
			arg = parts[1]
		}
		h, err := hmacHash(arg)
		if err != nil {
			return nil, err
		}
		mac := hmac.New(h, password)
		mac.Write(salt)
		return mac.Sum(nil), nil
	case "xor":
		if len(salt) < len(password) {
			return nil, fmt.Errorf("%w: xor salt must cover the password", ErrBadSalt)
		}
		out := make([]byte, len(password))
		for i := range password {
			out[i] = password[i] ^ salt[i]
		}
		return out, nil
	case "des":
		return nil, fmt.Errorf("%w: des", ErrUnsupportedDigest)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDigest, digest)
}

// CombineSalts merges the server and client salts with the named salt
// digest, producing the value the password digest is computed over.
func CombineSalts(saltDigest string, clientSalt, serverSalt []byte) ([]byte, error) {
	switch saltDigest {
	case "xor":
		if len(clientSalt) != len(serverSalt) {
			return nil, fmt.Errorf("%w: xor salts must match in size", ErrBadSalt)
		}
		out := make([]byte, len(clientSalt))
		for i := range clientSalt {
			out[i] = clientSalt[i] ^ serverSalt[i]
		}
		return out, nil
	case "sha1":
		sum := sha1.Sum(append(append([]byte(nil), clientSalt...), serverSalt...))
		return sum[:], nil
	case "sha256":
		sum := sha256.Sum256(append(append([]byte(nil), clientSalt...), serverSalt...))
		return sum[:], nil
	case "sha512":
		sum := sha512.Sum512(append(append([]byte(nil), clientSalt...), serverSalt...))
		return sum[:], nil
	}
	return nil, fmt.Errorf("%w: salt digest %q", ErrUnsupportedDigest, saltDigest)
}

// ClientSaltLen returns the client salt size for a server salt and
// salt digest: xor must match the server's size, anything else is 32
// random bytes.
func ClientSaltLen(saltDigest string, serverSaltLen int) (int, error) {
	if saltDigest == "xor" {
		if serverSaltLen < XorSaltMin {
			return 0, fmt.Errorf("%w: server salt is too short: %d bytes, minimum is %d",
				ErrBadSalt, serverSaltLen, XorSaltMin)
		}
		if serverSaltLen > XorSaltMax {
			return 0, fmt.Errorf("%w: server salt is too long: %d bytes, maximum is %d",
				ErrBadSalt, serverSaltLen, XorSaltMax)
		}
		return serverSaltLen, nil
	}
	return SaltLen, nil
}

// GetSalt returns l cryptographically random bytes.
func GetSalt(l int) ([]byte, error) {
	salt := make([]byte, l)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// ResponsePadding obscures the response length: the second hello
// carries random padding so the total is at least 512 bytes.
func ResponsePadding(responseLen int) ([]byte, error) {
	l := 512 - responseLen
	if l < 32 {
		l = 32
	}
	return GetSalt(l)
}
