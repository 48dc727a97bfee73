package smtp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"
)

// ImplicitTLSPort is the conventional submission port that expects TLS
// from the first byte.
const ImplicitTLSPort = 465

// DefaultTimeout bounds every read, write and handshake when the
// configuration leaves Timeout unset.
const DefaultTimeout = 30 * time.Second

// DefaultLocalName is the client identity sent with EHLO.
const DefaultLocalName = "localhost"

// ErrInvalidConfig is returned before any network I/O when a
// ConnectionConfig or Envelope cannot be used.
var ErrInvalidConfig = errors.New("invalid smtp configuration")

// ConnectionConfig holds the fully-resolved parameters for one relay.
type ConnectionConfig struct {
	Host string
	Port int

	// UseTLS requires encryption for the attempt. On ports other than 465
	// it selects a STARTTLS upgrade after EHLO.
	UseTLS bool

	// ImplicitTLS forces TLS from the first byte regardless of port.
	ImplicitTLS bool

	Username string
	Password string

	FromAddress string
	FromName    string

	// Timeout bounds each read, write and handshake. Zero means DefaultTimeout.
	Timeout time.Duration

	// StrictReplies validates reply codes for every command. By default
	// only the password reply is checked, which tolerates relays that
	// answer MAIL, RCPT and DATA with nonstandard codes.
	StrictReplies bool

	// LocalName is the EHLO identity. Empty means DefaultLocalName.
	LocalName string

	// TLSConfig overrides the client TLS settings. ServerName defaults to Host.
	TLSConfig *tls.Config
}

// implicitTLS reports whether the connection starts as a TLS session.
func (c *ConnectionConfig) implicitTLS() bool {
	return c.ImplicitTLS || c.Port == ImplicitTLSPort
}

// startTLS reports whether the plaintext connection must be upgraded.
func (c *ConnectionConfig) startTLS() bool {
	return c.UseTLS && !c.implicitTLS()
}

// Mode returns "implicit-tls", "starttls" or "plaintext".
func (c *ConnectionConfig) Mode() string {
	switch {
	case c.implicitTLS():
		return "implicit-tls"
	case c.startTLS():
		return "starttls"
	default:
		return "plaintext"
	}
}

// resolved is a validated ConnectionConfig with defaults applied.
type resolved struct {
	ConnectionConfig
	asciiHost string
	addr      string
	tls       *tls.Config
}

// resolve validates the configuration and applies defaults.
func (c ConnectionConfig) resolve() (*resolved, error) {
	host := strings.TrimSpace(c.Host)
	if host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidConfig)
	}
	asciiHost, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return nil, fmt.Errorf("%w: host %q: %v", ErrInvalidConfig, host, err)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Username == "" || c.Password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrInvalidConfig)
	}
	if c.FromAddress == "" {
		return nil, fmt.Errorf("%w: from address is required", ErrInvalidConfig)
	}
	if !safeLine(c.FromAddress) || !safeLine(c.Username) || !safeLine(c.LocalName) {
		return nil, fmt.Errorf("%w: line breaks or angle brackets in command arguments", ErrInvalidConfig)
	}
	if c.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}

	r := &resolved{
		ConnectionConfig: c,
		asciiHost:        asciiHost,
		addr:             net.JoinHostPort(asciiHost, strconv.Itoa(c.Port)),
	}
	r.Host = host
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeout
	}
	if r.LocalName == "" {
		r.LocalName = DefaultLocalName
	}

	if c.TLSConfig != nil {
		r.tls = c.TLSConfig.Clone()
	} else {
		r.tls = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if r.tls.ServerName == "" {
		r.tls.ServerName = asciiHost
	}

	return r, nil
}

// safeLine reports whether s can be embedded in a command line.
func safeLine(s string) bool {
	return !strings.ContainsAny(s, "\r\n<>")
}
