package smtptest

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"
)

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// readLine reads a line from a buffered reader.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// readReply reads a possibly multi-line reply and returns its last line.
func readReply(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	for {
		line := readLine(t, reader)
		if len(line) < 4 || line[3] != '-' {
			return line
		}
	}
}

// sendCmd sends a command to the SMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	_, err := conn.Write([]byte(cmd + "\r\n"))
	if err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// startSession runs a session for srv on one end of a socket pair and
// returns the client end.
func startSession(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	go NewSession(server, srv).Handle(ctx)
	return client, bufio.NewReader(client)
}

func TestSession_Greeting(t *testing.T) {
	t.Parallel()

	_, reader := startSession(t, New(Config{Hostname: "mail.test.com"}))

	greeting := readLine(t, reader)
	if !strings.HasPrefix(greeting, "220 ") {
		t.Errorf("greeting: got %q, want prefix '220 '", greeting)
	}
	if !strings.Contains(greeting, "mail.test.com") {
		t.Errorf("greeting should contain hostname, got %q", greeting)
	}
}

func TestSession_GreetingOverride(t *testing.T) {
	t.Parallel()

	_, reader := startSession(t, New(Config{Replies: map[string]string{"GREETING": "hello there"}}))

	if got := readLine(t, reader); got != "hello there" {
		t.Errorf("greeting: got %q, want override", got)
	}
}

func TestSession_EHLO(t *testing.T) {
	t.Parallel()

	srv := New(Config{Hostname: "mail.test.com", Username: "user", Password: "pass"})
	client, reader := startSession(t, srv)
	readLine(t, reader) // Skip greeting

	sendCmd(t, client, "EHLO client.test.com")

	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if strings.HasPrefix(line, "250 ") {
			break
		}
	}

	joined := strings.Join(lines, "\n")
	if !strings.Contains(joined, "AUTH LOGIN") {
		t.Errorf("EHLO should advertise AUTH LOGIN, got %q", joined)
	}
	if strings.Contains(joined, "STARTTLS") {
		t.Errorf("EHLO should not advertise STARTTLS without TLS config, got %q", joined)
	}
	if got := srv.Commands(); len(got) != 1 || got[0] != "EHLO client.test.com" {
		t.Errorf("commands: got %v", got)
	}
}

func TestSession_EHLO_MissingHostname(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, New(Config{}))
	readLine(t, reader)

	sendCmd(t, client, "EHLO")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "501") {
		t.Errorf("EHLO without hostname: got %q, want 501", resp)
	}
}

func TestSession_MailTransaction(t *testing.T) {
	t.Parallel()

	srv := New(Config{})
	client, reader := startSession(t, srv)
	readLine(t, reader)

	steps := []struct {
		cmd  string
		want string
	}{
		{"HELO client.test.com", "250"},
		{"MAIL FROM:<sender@test.com>", "250"},
		{"RCPT TO:<rcpt@test.com>", "250"},
		{"DATA", "354"},
		{"From: sender@test.com\r\nTo: rcpt@test.com\r\nSubject: Hi\r\n\r\n..dotted\r\nHello\r\n.", "250"},
		{"QUIT", "221"},
	}
	for _, step := range steps {
		sendCmd(t, client, step.cmd)
		if resp := readReply(t, reader); !strings.HasPrefix(resp, step.want) {
			t.Fatalf("%q: got %q, want %s", step.cmd, resp, step.want)
		}
	}

	deliveries := srv.Deliveries()
	if len(deliveries) != 1 {
		t.Fatalf("deliveries: got %d, want 1", len(deliveries))
	}
	d := deliveries[0]
	if d.MailFrom != "sender@test.com" {
		t.Errorf("MailFrom: got %q", d.MailFrom)
	}
	if len(d.RcptTo) != 1 || d.RcptTo[0] != "rcpt@test.com" {
		t.Errorf("RcptTo: got %v", d.RcptTo)
	}
	if !strings.Contains(string(d.Raw), "\r\n.dotted\r\n") {
		t.Errorf("dot-stuffing not removed: %q", d.Raw)
	}
	if d.Message == nil || d.Message.Subject != "Hi" {
		t.Errorf("parsed message: got %+v", d.Message)
	}
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		password string
		prompt   string
		want     string
	}{
		{name: "valid", password: "pass", want: "235"},
		{name: "invalid", password: "wrong", want: "535"},
		{name: "custom prompt", password: "pass", prompt: "334 Password:", want: "235"},
		{name: "empty prompt", password: "pass", prompt: "334 ", want: "235"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Config{Username: "user", Password: "pass"}
			wantPrompt := "334 UGFzc3dvcmQ6"
			if tt.prompt != "" {
				cfg.Replies = map[string]string{HangupPassword: tt.prompt}
				wantPrompt = tt.prompt
			}

			srv := New(cfg)
			client, reader := startSession(t, srv)
			readLine(t, reader)

			sendCmd(t, client, "EHLO client.test.com")
			readReply(t, reader)

			sendCmd(t, client, "AUTH LOGIN")
			if resp := readLine(t, reader); resp != "334 VXNlcm5hbWU6" {
				t.Fatalf("username challenge: got %q", resp)
			}
			user := base64.StdEncoding.EncodeToString([]byte("user"))
			sendCmd(t, client, user)
			if resp := readLine(t, reader); resp != wantPrompt {
				t.Fatalf("password challenge: got %q, want %q", resp, wantPrompt)
			}
			pass := base64.StdEncoding.EncodeToString([]byte(tt.password))
			sendCmd(t, client, pass)
			if resp := readLine(t, reader); !strings.HasPrefix(resp, tt.want) {
				t.Errorf("AUTH result: got %q, want %s", resp, tt.want)
			}

			cmds := srv.Commands()
			if len(cmds) != 4 || cmds[2] != user || cmds[3] != pass {
				t.Errorf("commands: got %v", cmds)
			}
		})
	}
}

func TestSession_AuthRequiredBeforeMail(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, New(Config{Username: "user", Password: "pass"}))
	readLine(t, reader)

	sendCmd(t, client, "EHLO client.test.com")
	readReply(t, reader)

	sendCmd(t, client, "MAIL FROM:<sender@test.com>")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "530") {
		t.Errorf("MAIL before AUTH: got %q, want 530", resp)
	}
}

func TestSession_ReplyOverride(t *testing.T) {
	t.Parallel()

	srv := New(Config{Replies: map[string]string{"RCPT": "550 5.1.1 No such user"}})
	client, reader := startSession(t, srv)
	readLine(t, reader)

	sendCmd(t, client, "HELO client.test.com")
	readLine(t, reader)
	sendCmd(t, client, "MAIL FROM:<a@test.com>")
	readLine(t, reader)

	sendCmd(t, client, "RCPT TO:<b@test.com>")
	if resp := readLine(t, reader); resp != "550 5.1.1 No such user" {
		t.Errorf("RCPT: got %q, want override", resp)
	}

	// State still advances past the overridden reply.
	sendCmd(t, client, "DATA")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "354") {
		t.Errorf("DATA after overridden RCPT: got %q, want 354", resp)
	}
}

func TestSession_HangupOn(t *testing.T) {
	t.Parallel()

	srv := New(Config{HangupOn: "MAIL"})
	client, reader := startSession(t, srv)
	readLine(t, reader)

	sendCmd(t, client, "HELO client.test.com")
	readLine(t, reader)
	sendCmd(t, client, "MAIL FROM:<a@test.com>")

	if _, err := reader.ReadString('\n'); err == nil {
		t.Error("expected connection to be closed after MAIL")
	}
	if cmds := srv.Commands(); len(cmds) != 2 || cmds[1] != "MAIL FROM:<a@test.com>" {
		t.Errorf("commands: got %v", cmds)
	}
}

func TestSession_HangupOnGreeting(t *testing.T) {
	t.Parallel()

	_, reader := startSession(t, New(Config{HangupOn: HangupGreeting}))

	if _, err := reader.ReadString('\n'); err == nil {
		t.Error("expected connection to be closed before the greeting")
	}
}

func TestSession_RSET(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, New(Config{}))
	readLine(t, reader)

	sendCmd(t, client, "HELO client.test.com")
	readLine(t, reader)
	sendCmd(t, client, "MAIL FROM:<a@test.com>")
	readLine(t, reader)

	sendCmd(t, client, "RSET")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "250") {
		t.Errorf("RSET: got %q, want 250", resp)
	}

	sendCmd(t, client, "RCPT TO:<b@test.com>")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "503") {
		t.Errorf("RCPT after RSET: got %q, want 503", resp)
	}
}

func TestSession_StateOrderEnforcement(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, New(Config{}))
	readLine(t, reader)

	sendCmd(t, client, "MAIL FROM:<a@test.com>")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "503") {
		t.Errorf("MAIL before HELO: got %q, want 503", resp)
	}

	sendCmd(t, client, "HELO client.test.com")
	readLine(t, reader)

	sendCmd(t, client, "DATA")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "503") {
		t.Errorf("DATA before RCPT: got %q, want 503", resp)
	}
}

func TestSession_UnknownCommand(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, New(Config{}))
	readLine(t, reader)

	sendCmd(t, client, "VRFY someone")
	if resp := readLine(t, reader); !strings.HasPrefix(resp, "500") {
		t.Errorf("unknown command: got %q, want 500", resp)
	}
}

func TestServer_StartAndClose(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := New(Config{})
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer conn.Close()

	if greeting := readLine(t, bufio.NewReader(conn)); !strings.HasPrefix(greeting, "220 localhost") {
		t.Errorf("greeting: got %q", greeting)
	}
	if srv.Sessions() != 1 {
		t.Errorf("sessions: got %d, want 1", srv.Sessions())
	}

	srv.Close()
	if _, err := net.DialTimeout("tcp", srv.Addr(), time.Second); err == nil {
		t.Error("expected dial to fail after Close")
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"EHLO example.com", "EHLO", "example.com"},
		{"ehlo example.com", "EHLO", "example.com"},
		{"MAIL FROM:<a@b.com>", "MAIL", "FROM:<a@b.com>"},
		{"QUIT", "QUIT", ""},
		{"AUTH LOGIN dXNlcg==", "AUTH", "LOGIN dXNlcg=="},
	}

	for _, tt := range tests {
		cmd, arg := parseCommand(tt.input)
		if cmd != tt.wantCmd || arg != tt.wantArg {
			t.Errorf("parseCommand(%q) = (%q, %q), want (%q, %q)",
				tt.input, cmd, arg, tt.wantCmd, tt.wantArg)
		}
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"<user@example.com>", "user@example.com"},
		{" <user@example.com> SIZE=100", "user@example.com"},
		{"user@example.com", "user@example.com"},
		{"<user@example.com", ""},
		{"<>", ""},
	}

	for _, tt := range tests {
		if got := extractAddress(tt.input); got != tt.want {
			t.Errorf("extractAddress(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
