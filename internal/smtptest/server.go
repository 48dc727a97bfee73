// Package smtptest provides a scripted, recording SMTP server for
// exercising delivery clients over real loopback sockets.
package smtptest

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/shineum/smtp-notify-lite/internal/parser"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during shutdown.
const shutdownTimeout = 5 * time.Second

// Hangup points that are not command verbs.
const (
	// HangupGreeting closes the connection instead of sending the banner.
	HangupGreeting = "GREETING"
	// HangupPassword closes the connection after reading the AUTH LOGIN password.
	HangupPassword = "PASSWORD"
	// HangupMessage closes the connection after reading the message terminator.
	HangupMessage = "."
)

// Config scripts the behaviour of a Server.
type Config struct {
	// Hostname is the server hostname used in the greeting and EHLO responses.
	Hostname string

	// TLSConfig enables STARTTLS, or implicit TLS when ImplicitTLS is set.
	TLSConfig *tls.Config

	// ImplicitTLS expects a TLS ClientHello as the first bytes of every connection.
	ImplicitTLS bool

	// Username and Password enable AUTH LOGIN.
	Username string
	Password string

	// Replies overrides the reply line for a verb: EHLO, STARTTLS, MAIL,
	// RCPT, DATA or QUIT. GREETING overrides the banner, PASSWORD the
	// AUTH LOGIN password prompt, AUTH the final reply to the password and
	// "." the reply after the message terminator. The server state still
	// advances as if the command succeeded, which mimics relays that answer
	// with nonstandard codes or prompts.
	Replies map[string]string

	// HangupOn closes the connection without replying when the named verb
	// or one of the Hangup* points is reached.
	HangupOn string

	// Silent keeps the connection open without ever sending a banner.
	Silent bool
}

// Delivery is one message accepted by the server.
type Delivery struct {
	MailFrom string
	RcptTo   []string
	Raw      []byte

	// Message is the decoded form of Raw, nil when it failed to parse.
	Message *parser.Message
}

// Server is a recording SMTP server bound to a loopback port.
type Server struct {
	config   Config
	auth     *Authenticator
	listener net.Listener

	// wg tracks in-flight session goroutines for shutdown.
	wg sync.WaitGroup

	mu         sync.Mutex
	commands   []string
	deliveries []Delivery
	firstBytes []byte
	handshakes int
	sessions   int
}

// New creates a Server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}

	return &Server{
		config: cfg,
		auth:   NewAuthenticator(cfg.Username, cfg.Password),
	}
}

// Start listens on 127.0.0.1 with an ephemeral port and serves connections
// in the background until ctx is cancelled or Close is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go s.serve(ctx)
	return nil
}

func (s *Server) serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.waitForSessions()
			return
		}

		s.mu.Lock()
		s.sessions++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			NewSession(conn, s).Handle(ctx)
		}()
	}
}

// Close stops accepting connections. Sessions end with their client or
// when the Start context is cancelled.
func (s *Server) Close() {
	if s.listener != nil {
		s.listener.Close()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		slog.Warn("smtptest: shutdown timeout reached")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// Commands returns every command line received so far, in order, across
// all connections. AUTH LOGIN username and password lines are recorded
// verbatim.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Deliveries returns the messages accepted so far.
func (s *Server) Deliveries() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.deliveries...)
}

// FirstBytes returns the first bytes each connection sent, in accept order.
// Only recorded when ImplicitTLS is set.
func (s *Server) FirstBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.firstBytes...)
}

// Handshakes returns the number of completed TLS handshakes.
func (s *Server) Handshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshakes
}

// Sessions returns the number of accepted connections.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions
}

func (s *Server) record(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, line)
}

func (s *Server) recordDelivery(d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries = append(s.deliveries, d)
}

func (s *Server) recordFirstByte(b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firstBytes = append(s.firstBytes, b)
}

func (s *Server) recordHandshake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshakes++
}
