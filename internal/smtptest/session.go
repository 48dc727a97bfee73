package smtptest

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/smtp-notify-lite/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 10 * time.Second

// Session is one scripted server-side SMTP conversation.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	server *Server

	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a session for an accepted connection.
func NewSession(conn net.Conn, server *Server) *Session {
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		server: server,
	}
}

// peekedConn replays bytes consumed while sniffing the first record.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Handle runs the session until the client quits, the script hangs up,
// or ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer func() { s.conn.Close() }()

	cfg := s.server.config

	if cfg.ImplicitTLS {
		if err := s.acceptImplicitTLS(); err != nil {
			slog.Debug("smtptest: implicit TLS failed", "error", err)
			return
		}
	}

	if cfg.HangupOn == HangupGreeting {
		return
	}
	if cfg.Silent {
		<-ctx.Done()
		return
	}

	s.reply(HangupGreeting, fmt.Sprintf("220 %s ESMTP smtptest", cfg.Hostname))

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				slog.Debug("smtptest: connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		s.server.record(line)

		cmd, arg := parseCommand(line)
		if cmd == cfg.HangupOn {
			return
		}
		if done := s.handleCommand(cmd, arg); done {
			return
		}
	}
}

// acceptImplicitTLS records the first byte the client sent, then runs the
// server handshake over the whole stream.
func (s *Session) acceptImplicitTLS() error {
	if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
		return err
	}

	br := bufio.NewReader(s.conn)
	first, err := br.Peek(1)
	if err != nil {
		return err
	}
	s.server.recordFirstByte(first[0])

	if s.server.config.TLSConfig == nil {
		return fmt.Errorf("implicit TLS requires a TLS configuration")
	}

	tlsConn := tls.Server(&peekedConn{Conn: s.conn, r: br}, s.server.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	s.server.recordHandshake()
	s.switchConn(tlsConn)
	return nil
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		return s.handleSTARTTLS()
	case "AUTH":
		return s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA()
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.reply("QUIT", "221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

// reply sends the scripted override for key, or def.
func (s *Session) reply(key, def string) string {
	line := def
	if override, ok := s.server.config.Replies[key]; ok {
		line = override
	}
	s.writeLine("%s", line)
	return line
}

// handleEHLO processes EHLO/HELO commands.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.state = stateGreeted
	if override, ok := s.server.config.Replies["EHLO"]; ok {
		s.writeLine("%s", override)
		return
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.server.config.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.server.config.Hostname, arg)
	if s.server.config.TLSConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.server.auth.Enabled() {
		s.writeLine("250-AUTH LOGIN")
	}
	s.writeLine("250 8BITMIME")
}

// handleSTARTTLS upgrades the connection to TLS. It returns true when the
// handshake failed and the session must end.
func (s *Session) handleSTARTTLS() bool {
	if s.server.config.TLSConfig == nil {
		s.writeLine("454 TLS not available")
		return false
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return false
	}

	if line := s.reply("STARTTLS", "220 Ready to start TLS"); !strings.HasPrefix(line, "220") {
		return false
	}

	tlsConn := tls.Server(s.conn, s.server.config.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		slog.Debug("smtptest: TLS handshake failed", "error", err)
		return true
	}
	s.server.recordHandshake()

	s.switchConn(tlsConn)
	s.state = stateConnected
	return false
}

func (s *Session) switchConn(c net.Conn) {
	s.conn = c
	s.reader = bufio.NewReader(c)
	s.writer = bufio.NewWriter(c)
	s.tlsActive = true
}

// handleAUTH processes AUTH LOGIN. It returns true when the script hangs
// up after the password.
func (s *Session) handleAUTH(arg string) bool {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return false
	}
	if !s.server.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return false
	}

	parts := strings.SplitN(arg, " ", 2)
	if strings.ToUpper(parts[0]) != "LOGIN" {
		s.writeLine("504 Unrecognized authentication type")
		return false
	}

	var response []byte
	if len(parts) > 1 && parts[1] != "" {
		decoded, err := base64.StdEncoding.DecodeString(parts[1])
		if err != nil {
			s.writeLine("501 Invalid base64 data")
			return false
		}
		response = decoded
	}

	mech := s.server.auth.LoginServer()
	for {
		challenge, done, err := mech.Next(response)
		if done {
			if s.server.config.HangupOn == HangupPassword {
				return true
			}
			if err != nil {
				s.reply("AUTH", "535 5.7.8 Authentication credentials invalid")
				return false
			}
			if line := s.reply("AUTH", "235 2.7.0 Authentication successful"); strings.HasPrefix(line, "235") {
				s.state = stateAuthOK
			}
			return false
		}
		if err != nil {
			s.writeLine("501 %v", err)
			return false
		}

		prompt := "334 " + base64.StdEncoding.EncodeToString(challenge)
		if string(challenge) == "Password:" {
			s.reply(HangupPassword, prompt)
		} else {
			s.writeLine("%s", prompt)
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Debug("smtptest: failed to read AUTH LOGIN response", "error", err)
			return true
		}
		line = strings.TrimRight(line, "\r\n")
		s.server.record(line)

		if line == "*" {
			s.writeLine("501 Authentication cancelled")
			return false
		}
		response, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			s.writeLine("501 Invalid base64 data")
			return false
		}
	}
}

// handleMAIL processes the MAIL FROM command.
func (s *Session) handleMAIL(arg string) {
	if s.server.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 Authentication required")
		return
	}
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = extractAddress(arg[5:])
	s.rcptTo = nil
	s.state = stateMailFrom
	s.reply("MAIL", "250 OK")
}

// handleRCPT processes the RCPT TO command.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr := extractAddress(arg[3:])
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.reply("RCPT", "250 OK")
}

// handleDATA reads the message until the terminator and records it.
func (s *Session) handleDATA() bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	if line := s.reply("DATA", "354 Start mail input; end with <CRLF>.<CRLF>"); !strings.HasPrefix(line, "3") {
		return false
	}

	var data strings.Builder
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			slog.Debug("smtptest: error reading DATA", "error", err)
			return true
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "." {
			break
		}

		// Dot-stuffing: lines starting with ".." have the leading dot removed
		if strings.HasPrefix(trimmed, "..") {
			line = line[1:]
		}

		data.WriteString(line)
	}

	raw := []byte(data.String())
	d := Delivery{
		MailFrom: s.mailFrom,
		RcptTo:   s.rcptTo,
		Raw:      raw,
	}
	if msg, err := parser.Parse(raw); err == nil {
		d.Message = msg
	} else {
		slog.Debug("smtptest: failed to parse message", "error", err)
	}
	s.server.recordDelivery(d)
	s.resetTransaction()

	if s.server.config.HangupOn == HangupMessage {
		return true
	}
	s.reply(".", "250 OK message accepted")
	return false
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.server.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		slog.Debug("smtptest: failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("smtptest: failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = parts[1]
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	return s
}
