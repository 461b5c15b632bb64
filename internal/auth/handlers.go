package auth

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Handler produces a password (or a ready-made response) for a
// server challenge. Handlers are tried in order; one returning
// (nil, nil) passes the challenge on to the next in the chain.
type Handler interface {
	// Digest is the digest-type prefix this handler specializes in,
	// "" for generic password sources.
	Digest() string
	Handle(challenge []byte, digest, prompt string) ([]byte, error)
}

// HandlerOptions carries the configuration the handlers draw from.
type HandlerOptions struct {
	Password     string
	PasswordFile string
	// password embedded in the connection URI, if any
	URIPassword string
	// prompt input/output; defaults to stdin/stderr
	PromptIn  io.Reader
	PromptOut io.Writer
}

// defaultHandlerOrder is what the "all" config value expands to.
var defaultHandlerOrder = []string{"uri", "file", "env", "kerberos", "gss", "u2f", "prompt"}

// ParseHandlers instantiates the challenge handler chain from the
// config string: "none", "all", or a comma-separated list.
func ParseHandlers(spec string, opts HandlerOptions) ([]Handler, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = "all"
	}
	if spec == "none" {
		return nil, nil
	}
	names := defaultHandlerOrder
	if spec != "all" {
		names = strings.Split(spec, ",")
	}
	var out []Handler
	for _, name := range names {
		h, err := newHandler(strings.TrimSpace(name), opts)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func newHandler(name string, opts HandlerOptions) (Handler, error) {
	switch name {
	case "uri":
		return &uriHandler{password: opts.URIPassword}, nil
	case "file":
		return &fileHandler{path: opts.PasswordFile, password: opts.Password}, nil
	case "env":
		return &envHandler{name: "XPRA_PASSWORD"}, nil
	case "prompt":
		in := opts.PromptIn
		if in == nil {
			in = os.Stdin
		}
		w := opts.PromptOut
		if w == nil {
			w = os.Stderr
		}
		return &promptHandler{in: in, out: w}, nil
	case "kerberos":
		return &kerberosHandler{}, nil
	case "gss":
		return &gssHandler{}, nil
	case "u2f":
		return &u2fHandler{}, nil
	}
	return nil, fmt.Errorf("unknown challenge handler %q", name)
}

// PopHandler removes and returns the handler best suited for the
// challenge digest, falling back to the first one.
func PopHandler(handlers *[]Handler, digest string) Handler {
	if len(*handlers) == 0 {
		return nil
	}
	digestType := DigestType(digest)
	index := 0
	for i, h := range *handlers {
		if h.Digest() == digestType {
			index = i
			break
		}
	}
	h := (*handlers)[index]
	*handlers = append((*handlers)[:index], (*handlers)[index+1:]...)
	return h
}

type uriHandler struct {
	password string
}

func (h *uriHandler) Digest() string { return "" }

func (h *uriHandler) Handle(_ []byte, _, _ string) ([]byte, error) {
	if h.password == "" {
		return nil, nil
	}
	return []byte(h.password), nil
}

type fileHandler struct {
	path     string
	password string
}

func (h *fileHandler) Digest() string { return "" }

func (h *fileHandler) Handle(_ []byte, _, _ string) ([]byte, error) {
	if h.password != "" {
		return []byte(h.password), nil
	}
	if h.path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(h.path)
	if err != nil {
		return nil, fmt.Errorf("password file: %w", err)
	}
	data = bytes.Trim(data, "\r\n")
	if len(data) == 0 {
		return nil, errors.New("password file is empty")
	}
	return data, nil
}

type envHandler struct {
	name string
}

func (h *envHandler) Digest() string { return "" }

func (h *envHandler) Handle(_ []byte, _, _ string) ([]byte, error) {
	if v := os.Getenv(h.name); v != "" {
		return []byte(v), nil
	}
	return nil, nil
}

type promptHandler struct {
	in  io.Reader
	out io.Writer
}

func (h *promptHandler) Digest() string { return "" }

func (h *promptHandler) Handle(_ []byte, _, prompt string) ([]byte, error) {
	if prompt == "" {
		prompt = "password"
	}
	fmt.Fprintf(h.out, "Please enter the %s: ", prompt)
	line, err := bufio.NewReader(h.in).ReadString('\n')
	if err != nil && line == "" {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, nil
	}
	return []byte(line), nil
}

// kerberos, gss and u2f need platform support that this build does
// not carry; they log and pass the challenge on so the rest of the
// chain can still answer it.

type kerberosHandler struct{}

func (h *kerberosHandler) Digest() string { return "kerberos" }

func (h *kerberosHandler) Handle(_ []byte, digest, _ string) ([]byte, error) {
	if DigestType(digest) == "kerberos" {
		log.Warnf("[auth] kerberos tickets are not available in this build")
	}
	return nil, nil
}

type gssHandler struct{}

func (h *gssHandler) Digest() string { return "gss" }

func (h *gssHandler) Handle(_ []byte, digest, _ string) ([]byte, error) {
	if DigestType(digest) == "gss" {
		log.Warnf("[auth] gssapi tokens are not available in this build")
	}
	return nil, nil
}

type u2fHandler struct{}

func (h *u2fHandler) Digest() string { return "u2f" }

func (h *u2fHandler) Handle(_ []byte, digest, _ string) ([]byte, error) {
	if DigestType(digest) == "u2f" {
		log.Warnf("[auth] u2f devices are not available in this build")
	}
	return nil, nil
}
