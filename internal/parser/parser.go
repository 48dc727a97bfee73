// Package parser decodes single-part RFC 5322 messages back into the
// envelope they were rendered from.
package parser

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"github.com/shineum/smtp-notify-lite/internal/email"
)

// Message is a decoded message: the envelope plus header metadata.
type Message struct {
	email.Envelope

	From       string
	FromName   string
	MessageID  string
	RawHeaders map[string][]string
}

// Parse parses a raw RFC 5322 message. Encoded-word headers are decoded
// and the body is decoded according to Content-Transfer-Encoding.
// Unrecognized media types are logged and returned as plain text.
func Parse(raw []byte) (*Message, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &Message{
		RawHeaders: make(map[string][]string),
	}

	// Copy all headers
	for key, values := range msg.Header {
		result.RawHeaders[key] = values
	}

	dec := new(mime.WordDecoder)

	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode subject: %w", err)
	}
	result.Subject = subject
	result.MessageID = strings.Trim(msg.Header.Get("Message-Id"), "<>")
	result.From, result.FromName = parseAddress(msg.Header.Get("From"))
	result.ToAddress, _ = parseAddress(msg.Header.Get("To"))

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		// If content type is unparseable, treat as plain text
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		mediaType = "text/plain"
	}

	switch {
	case mediaType == "text/html":
		result.IsHTML = true
	case mediaType == "text/plain":
	case strings.HasPrefix(mediaType, "multipart/"):
		return nil, fmt.Errorf("multipart messages are not supported")
	default:
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
	}

	body, err := readBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	result.Body = string(body)

	return result, nil
}

// readBody reads the full body, handling Content-Transfer-Encoding
// (base64, quoted-printable).
func readBody(body io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		// The decoder skips CR and LF, so wrapped lines decode directly.
		decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, body))
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
		return decoded, nil
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(body))
	default:
		// "7bit", "8bit", "binary" or empty
		return io.ReadAll(body)
	}
}

// parseAddress returns the address and display name of a single mailbox
// header, falling back to the raw value when it does not parse.
func parseAddress(raw string) (string, string) {
	if raw == "" {
		return "", ""
	}

	addr, err := mail.ParseAddress(raw)
	if err != nil {
		return strings.Trim(strings.TrimSpace(raw), "<>"), ""
	}
	return addr.Address, addr.Name
}
