// Package smtp implements a single-recipient SMTP delivery client with
// plaintext, implicit TLS and STARTTLS negotiation, AUTH LOGIN and MIME
// message framing.
//
// A delivery is one synchronous attempt. Protocol failures are reported
// as an email.Outcome rather than an error; only configuration mistakes
// are rejected up front with ErrInvalidConfig.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/smtp-notify-lite/internal/email"
)

// errSessionUsed is reported when Deliver is called twice on one Session.
var errSessionUsed = errors.New("smtp session already used; create a new session per delivery")

// Option configures a Session.
type Option func(*Session)

// WithTransport replaces the network capabilities used by the Session.
func WithTransport(t Transport) Option {
	return func(s *Session) { s.transport = t }
}

// WithClock sets the time source used for the Date header.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Session drives the SMTP exchange for exactly one delivery attempt.
// It must not be reused: protocol state is never reset.
type Session struct {
	cfg       *resolved
	transport Transport
	now       func() time.Time

	mu       sync.Mutex
	used     bool
	canceled bool
	conn     net.Conn
	text     *textproto.Conn
}

// NewSession validates cfg and returns a Session ready for one Deliver call.
// The returned error wraps ErrInvalidConfig.
func NewSession(cfg ConnectionConfig, opts ...Option) (*Session, error) {
	r, err := cfg.resolve()
	if err != nil {
		return nil, err
	}

	s := &Session{
		cfg:       r,
		transport: NetTransport{Dialer: &net.Dialer{Timeout: r.Timeout}},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Deliver validates cfg, then performs one delivery of env.
func Deliver(ctx context.Context, cfg ConnectionConfig, env *email.Envelope, opts ...Option) email.Outcome {
	s, err := NewSession(cfg, opts...)
	if err != nil {
		return email.Failed(email.StageConfig, email.KindInvalidConfig, err)
	}
	return s.Deliver(ctx, env)
}

// stageError tags a failure with the step and classification it belongs to.
type stageError struct {
	stage email.Stage
	kind  email.ErrorKind
	err   error
}

func fail(stage email.Stage, kind email.ErrorKind, err error) *stageError {
	return &stageError{stage: stage, kind: kind, err: err}
}

// Deliver runs connect, greeting, EHLO, optional STARTTLS, AUTH LOGIN,
// envelope and data for env, then closes the connection. The socket is
// closed exactly once on every path. Cancelling ctx aborts the in-flight
// read, write or handshake.
func (s *Session) Deliver(ctx context.Context, env *email.Envelope) email.Outcome {
	if !env.Valid() {
		return email.Failed(email.StageConfig, email.KindInvalidConfig,
			fmt.Errorf("%w: envelope needs a recipient and a body", ErrInvalidConfig))
	}
	if !safeLine(env.ToAddress) {
		return email.Failed(email.StageConfig, email.KindInvalidConfig,
			fmt.Errorf("%w: line breaks or angle brackets in recipient", ErrInvalidConfig))
	}
	if !s.claim() {
		return email.Failed(email.StageConfig, email.KindProtocolError, errSessionUsed)
	}

	if serr := s.run(ctx, env); serr != nil {
		return email.Failed(serr.stage, serr.kind, serr.err)
	}
	return email.Delivered("")
}

func (s *Session) claim() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		return false
	}
	s.used = true
	return true
}

func (s *Session) run(ctx context.Context, env *email.Envelope) *stageError {
	if err := ctx.Err(); err != nil {
		return fail(email.StageConnect, email.KindConnectFailed, err)
	}

	raw, err := s.transport.Dial(ctx, s.cfg.addr)
	if err != nil {
		return fail(email.StageConnect, email.KindConnectFailed,
			fmt.Errorf("failed to connect to %s: %w", s.cfg.addr, cause(ctx, err)))
	}
	s.setConn(raw)
	defer s.close()

	stop := context.AfterFunc(ctx, s.abort)
	defer stop()

	if s.cfg.implicitTLS() {
		if serr := s.upgrade(ctx, email.StageConnect); serr != nil {
			return serr
		}
	}

	steps := []func(context.Context, *email.Envelope) *stageError{
		s.greeting,
		s.hello,
		s.startTLS,
		s.authenticate,
		s.envelope,
		s.data,
	}
	for _, step := range steps {
		if serr := step(ctx, env); serr != nil {
			return serr
		}
	}

	return nil
}

// greeting reads and discards the banner. Malformed banners are tolerated.
func (s *Session) greeting(ctx context.Context, _ *email.Envelope) *stageError {
	r, err := s.read(ctx)
	if err != nil {
		return fail(email.StageGreeting, email.KindProtocolError,
			fmt.Errorf("failed to read greeting: %w", err))
	}
	if err := s.expect(r, "greeting", 220); err != nil {
		return fail(email.StageGreeting, email.KindProtocolError, err)
	}
	return nil
}

func (s *Session) hello(ctx context.Context, _ *email.Envelope) *stageError {
	r, err := s.exchange(ctx, "EHLO "+s.cfg.LocalName)
	if err != nil {
		return fail(email.StageEHLO, email.KindProtocolError,
			fmt.Errorf("EHLO failed: %w", err))
	}
	if err := s.expect(r, "EHLO", 250); err != nil {
		return fail(email.StageEHLO, email.KindProtocolError, err)
	}
	return nil
}

// startTLS upgrades a plaintext session and re-issues EHLO. A refused
// STARTTLS always fails the attempt because UseTLS means encryption is
// required.
func (s *Session) startTLS(ctx context.Context, env *email.Envelope) *stageError {
	if !s.cfg.startTLS() {
		return nil
	}

	r, err := s.exchange(ctx, "STARTTLS")
	if err != nil {
		return fail(email.StageStartTLS, email.KindProtocolError,
			fmt.Errorf("STARTTLS failed: %w", err))
	}
	if r.code != 220 {
		return fail(email.StageStartTLS, email.KindTLSFailed,
			fmt.Errorf("server refused STARTTLS: %s", r))
	}

	if serr := s.upgrade(ctx, email.StageStartTLS); serr != nil {
		return serr
	}

	return s.hello(ctx, env)
}

// upgrade performs the TLS handshake over the current connection and
// switches the session to the returned handle.
func (s *Session) upgrade(ctx context.Context, stage email.Stage) *stageError {
	if err := s.arm(ctx); err != nil {
		return fail(stage, email.KindTLSFailed, err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	tc, err := s.transport.Handshake(ctx, conn, s.cfg.tls)
	if err != nil {
		return fail(stage, email.KindTLSFailed,
			fmt.Errorf("TLS handshake with %s failed: %w", s.cfg.asciiHost, cause(ctx, err)))
	}

	s.setConn(tc)
	return nil
}

func (s *Session) envelope(ctx context.Context, env *email.Envelope) *stageError {
	r, err := s.exchange(ctx, "MAIL FROM:<"+s.cfg.FromAddress+">")
	if err != nil {
		return fail(email.StageEnvelope, email.KindProtocolError,
			fmt.Errorf("MAIL FROM failed: %w", err))
	}
	if err := s.expect(r, "MAIL FROM", 250); err != nil {
		return fail(email.StageEnvelope, email.KindProtocolError, err)
	}

	r, err = s.exchange(ctx, "RCPT TO:<"+strings.TrimSpace(env.ToAddress)+">")
	if err != nil {
		return fail(email.StageEnvelope, email.KindProtocolError,
			fmt.Errorf("RCPT TO failed: %w", err))
	}
	if s.cfg.StrictReplies && r.code != 250 && r.code != 251 {
		return fail(email.StageEnvelope, email.KindProtocolError,
			fmt.Errorf("unexpected reply to RCPT TO: %s", r))
	}
	return nil
}

// data sends DATA, the encoded message and the terminator, then QUIT.
// Without StrictReplies a flushed terminator counts as delivered.
func (s *Session) data(ctx context.Context, env *email.Envelope) *stageError {
	r, err := s.exchange(ctx, "DATA")
	if err != nil {
		return fail(email.StageData, email.KindProtocolError,
			fmt.Errorf("DATA failed: %w", err))
	}
	if err := s.expect(r, "DATA", 354); err != nil {
		return fail(email.StageData, email.KindProtocolError, err)
	}

	msg := Encode(Message{
		FromAddress: s.cfg.FromAddress,
		FromName:    s.cfg.FromName,
		ToAddress:   strings.TrimSpace(env.ToAddress),
		Subject:     env.Subject,
		Body:        env.Body,
		IsHTML:      env.IsHTML,
		MessageID:   s.messageID(),
		Date:        s.now(),
	})

	if err := s.arm(ctx); err != nil {
		return fail(email.StageData, email.KindProtocolError, err)
	}
	w := s.text.DotWriter()
	if _, err := w.Write(msg); err != nil {
		return fail(email.StageData, email.KindProtocolError,
			fmt.Errorf("failed to write message: %w", cause(ctx, err)))
	}
	if err := w.Close(); err != nil {
		return fail(email.StageData, email.KindProtocolError,
			fmt.Errorf("failed to terminate message: %w", cause(ctx, err)))
	}

	r, err = s.read(ctx)
	if s.cfg.StrictReplies {
		if err != nil {
			return fail(email.StageData, email.KindProtocolError,
				fmt.Errorf("failed to read reply to message: %w", err))
		}
		if err := s.expect(r, "message", 250); err != nil {
			return fail(email.StageData, email.KindProtocolError, err)
		}
	}
	if err != nil {
		// The relay went quiet after accepting the terminator; QUIT would
		// only wait for another timeout.
		return nil
	}

	s.quit(ctx)
	return nil
}

// quit sends QUIT and drains the reply. Errors are ignored.
func (s *Session) quit(ctx context.Context) {
	if err := s.arm(ctx); err != nil {
		return
	}
	if err := s.text.PrintfLine("QUIT"); err != nil {
		return
	}
	_, _, _ = s.text.ReadResponse(0)
}

// messageID returns a unique id in the sender's domain.
func (s *Session) messageID() string {
	domain := s.cfg.LocalName
	if at := strings.LastIndex(s.cfg.FromAddress, "@"); at >= 0 && at < len(s.cfg.FromAddress)-1 {
		domain = s.cfg.FromAddress[at+1:]
	}
	return uuid.NewString() + "@" + domain
}

// reply is one parsed server reply. A malformed reply has code 0 and
// carries the raw line in text.
type reply struct {
	code int
	text string
}

func (r reply) String() string {
	if r.code == 0 {
		return fmt.Sprintf("malformed reply %q", r.text)
	}
	return fmt.Sprintf("%d %s", r.code, r.text)
}

// exchange writes one command line and reads its reply. Only transport
// failures are returned as errors.
func (s *Session) exchange(ctx context.Context, line string) (reply, error) {
	if err := s.arm(ctx); err != nil {
		return reply{}, err
	}
	if err := s.text.PrintfLine("%s", line); err != nil {
		return reply{}, cause(ctx, err)
	}
	return s.read(ctx)
}

func (s *Session) read(ctx context.Context) (reply, error) {
	if err := s.arm(ctx); err != nil {
		return reply{}, err
	}
	code, msg, err := s.text.ReadResponse(0)
	if err != nil {
		var perr textproto.ProtocolError
		if errors.As(err, &perr) {
			return reply{text: string(perr)}, nil
		}
		return reply{}, cause(ctx, err)
	}
	return reply{code: code, text: msg}, nil
}

// expect enforces the reply code when StrictReplies is set.
func (s *Session) expect(r reply, what string, code int) error {
	if !s.cfg.StrictReplies || r.code == code {
		return nil
	}
	return fmt.Errorf("unexpected reply to %s: %s", what, r)
}

// arm sets the deadline for the next operation: Timeout from now, capped
// by the context deadline. It fails once the context is done.
func (s *Session) arm(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.canceled {
		return context.Cause(ctx)
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return s.conn.SetDeadline(deadline)
}

// abort unblocks any in-flight operation after cancellation. The
// connection stays open until close.
func (s *Session) abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.canceled = true
	if s.conn != nil {
		_ = s.conn.SetDeadline(time.Unix(1, 0))
	}
}

// setConn switches the session to a new connection handle.
func (s *Session) setConn(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = c
	s.text = textproto.NewConn(c)
	if s.canceled {
		_ = c.SetDeadline(time.Unix(1, 0))
	}
}

// close releases the connection. Close errors are swallowed.
// @MX:WARN: [AUTO] sole closer of the socket on every exit path
// @MX:REASON: transports must not close connections they hand to the session
func (s *Session) close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

// cause prefixes err with the context error when the context is done, so
// a cancelled delivery does not read as a plain timeout.
func cause(ctx context.Context, err error) error {
	ctxErr := ctx.Err()
	if ctxErr == nil || errors.Is(err, ctxErr) {
		return err
	}
	return fmt.Errorf("%w: %v", ctxErr, err)
}
