package client

// ExitCode is the process exit status a session outcome maps to.
type ExitCode int

const (
	ExitOK                   ExitCode = 0
	ExitConnectionLost       ExitCode = 1
	ExitTimeout              ExitCode = 2
	ExitPasswordRequired     ExitCode = 3
	ExitIncompatibleVersion  ExitCode = 5
	ExitEncryption           ExitCode = 6
	ExitFailure              ExitCode = 7
	ExitPacketFailure        ExitCode = 9
	ExitNoAuthentication     ExitCode = 11
	ExitUnsupported          ExitCode = 12
	ExitInternalError        ExitCode = 14
	ExitSSLFailure           ExitCode = 16
	ExitConnectionFailed     ExitCode = 18
	ExitUpgrade              ExitCode = 25
	ExitAuthenticationFailed ExitCode = 28
)

var exitStrings = map[ExitCode]string{
	ExitOK:                   "ok",
	ExitConnectionLost:       "connection-lost",
	ExitTimeout:              "timeout",
	ExitPasswordRequired:     "password-required",
	ExitIncompatibleVersion:  "incompatible-version",
	ExitEncryption:           "encryption",
	ExitFailure:              "failure",
	ExitPacketFailure:        "packet-failure",
	ExitNoAuthentication:     "no-authentication",
	ExitUnsupported:          "unsupported",
	ExitInternalError:        "internal-error",
	ExitSSLFailure:           "ssl-failure",
	ExitConnectionFailed:     "connection-failed",
	ExitUpgrade:              "upgrade",
	ExitAuthenticationFailed: "authentication-failed",
}

func (e ExitCode) String() string {
	if s, ok := exitStrings[e]; ok {
		return s
	}
	return "unknown"
}

// disconnect reasons with a dedicated exit code
const (
	reasonServerUpgrade        = "server upgrade"
	reasonAuthenticationFailed = "authentication failed"
)

// disconnectIsError reports whether a server disconnect reason means
// something went wrong rather than a clean shutdown.
func disconnectIsError(reason string) bool {
	switch reason {
	case "", "closed by request", "shutting down", "normal shutdown", reasonServerUpgrade:
		return false
	}
	return true
}
