package parser

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestParsePlainTextEmail(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Test Subject",
		"Message-Id: <test123@example.com>",
		"Content-Type: text/plain",
		"",
		"Hello, this is a plain text email.",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.From != "sender@example.com" {
		t.Errorf("From: got %q, want %q", msg.From, "sender@example.com")
	}
	if msg.ToAddress != "recipient@example.com" {
		t.Errorf("ToAddress: got %q, want %q", msg.ToAddress, "recipient@example.com")
	}
	if msg.Subject != "Test Subject" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Test Subject")
	}
	if msg.MessageID != "test123@example.com" {
		t.Errorf("MessageID: got %q, want %q", msg.MessageID, "test123@example.com")
	}
	if msg.Body != "Hello, this is a plain text email." {
		t.Errorf("Body: got %q, want %q", msg.Body, "Hello, this is a plain text email.")
	}
	if msg.IsHTML {
		t.Error("IsHTML: got true, want false")
	}
}

func TestParseEncodedWordsAndBase64(t *testing.T) {
	t.Parallel()

	body := base64.StdEncoding.EncodeToString([]byte("<p>Presença confirmada</p>"))
	raw := []byte(strings.Join([]string{
		`From: "Escola Modelo" <secretaria@escola.example>`,
		"To: <responsavel@example.com>",
		"Subject: =?UTF-8?B?" + base64.StdEncoding.EncodeToString([]byte("Olá, ")) + "?=",
		" =?UTF-8?B?" + base64.StdEncoding.EncodeToString([]byte("família")) + "?=",
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
		"Content-Transfer-Encoding: base64",
		"",
		body[:20],
		body[20:],
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.Subject != "Olá, família" {
		t.Errorf("Subject: got %q, want %q", msg.Subject, "Olá, família")
	}
	if msg.FromName != "Escola Modelo" {
		t.Errorf("FromName: got %q, want %q", msg.FromName, "Escola Modelo")
	}
	if msg.From != "secretaria@escola.example" {
		t.Errorf("From: got %q, want %q", msg.From, "secretaria@escola.example")
	}
	if msg.ToAddress != "responsavel@example.com" {
		t.Errorf("ToAddress: got %q, want %q", msg.ToAddress, "responsavel@example.com")
	}
	if !msg.IsHTML {
		t.Error("IsHTML: got false, want true")
	}
	if msg.Body != "<p>Presença confirmada</p>" {
		t.Errorf("Body: got %q", msg.Body)
	}
}

func TestParseQuotedPrintable(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: QP",
		"Content-Type: text/plain; charset=UTF-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"Ol=C3=A1 mundo",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Body != "Olá mundo" {
		t.Errorf("Body: got %q, want %q", msg.Body, "Olá mundo")
	}
}

func TestParseMalformedContentType(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Malformed",
		"Content-Type: ;;;invalid",
		"",
		"Body text",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Body != "Body text" {
		t.Errorf("Body: got %q, want %q", msg.Body, "Body text")
	}
}

func TestParseMultipartRejected(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Content-Type: multipart/alternative; boundary=b1",
		"",
		"--b1--",
	}, "\r\n"))

	if _, err := Parse(raw); err == nil {
		t.Error("expected error for multipart message, got nil")
	}
}

func TestParseInvalidBase64(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"Content-Transfer-Encoding: base64",
		"",
		"!!!not base64!!!",
	}, "\r\n"))

	if _, err := Parse(raw); err == nil {
		t.Error("expected error for invalid base64 body, got nil")
	}
}

func TestParseEmptyAddressFields(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"Subject: No addresses",
		"",
		"Body",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.From != "" || msg.ToAddress != "" {
		t.Errorf("expected empty addresses, got from=%q to=%q", msg.From, msg.ToAddress)
	}
}

func TestParseRawHeaders(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: sender@example.com",
		"To: recipient@example.com",
		"X-Custom-Header: custom-value",
		"",
		"Body",
	}, "\r\n"))

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := msg.RawHeaders["X-Custom-Header"]; len(got) != 1 || got[0] != "custom-value" {
		t.Errorf("X-Custom-Header: got %v, want [custom-value]", got)
	}
}

func TestParseNotAMessage(t *testing.T) {
	t.Parallel()

	if _, err := Parse([]byte("no header separator")); err == nil {
		t.Error("expected error for message without headers, got nil")
	}
}
