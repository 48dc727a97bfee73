package smtp

import (
	"bytes"
	"encoding/base64"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"
)

// base64LineLen is the maximum encoded line length per RFC 2045.
const base64LineLen = 76

// maxWordText is the number of raw bytes carried by one encoded-word.
// 45 bytes encode to 60 characters, which keeps "=?UTF-8?B?...?=" within
// the 75 character limit of RFC 2047.
const maxWordText = 45

// firstWordText is the raw byte count of the first encoded-word, which
// shares its line with "Subject: " and must stay within 78 columns.
const firstWordText = 39

// Message is the input to Encode.
type Message struct {
	FromAddress string
	FromName    string
	ToAddress   string
	Subject     string
	Body        string
	IsHTML      bool

	// MessageID and Date are emitted only when set.
	MessageID string
	Date      time.Time
}

// Encode builds the MIME representation of msg. Every line ends in CRLF.
// The subject is always carried as UTF-8 B encoded-words and the body as
// base64 wrapped at 76 columns.
func Encode(msg Message) []byte {
	var buf bytes.Buffer

	from := mail.Address{Name: msg.FromName, Address: headerSafe(msg.FromAddress)}
	to := mail.Address{Address: headerSafe(msg.ToAddress)}

	writeHeader(&buf, "From", from.String())
	writeHeader(&buf, "To", to.String())
	writeHeader(&buf, "Subject", EncodeSubject(msg.Subject))
	if !msg.Date.IsZero() {
		writeHeader(&buf, "Date", msg.Date.Format(time.RFC1123Z))
	}
	if msg.MessageID != "" {
		writeHeader(&buf, "Message-ID", "<"+headerSafe(msg.MessageID)+">")
	}
	writeHeader(&buf, "MIME-Version", "1.0")
	if msg.IsHTML {
		writeHeader(&buf, "Content-Type", "text/html; charset=UTF-8")
	} else {
		writeHeader(&buf, "Content-Type", "text/plain; charset=UTF-8")
	}
	writeHeader(&buf, "Content-Transfer-Encoding", "base64")
	buf.WriteString("\r\n")

	writeBase64Lines(&buf, []byte(msg.Body))

	return buf.Bytes()
}

// EncodeSubject returns subject as one or more "=?UTF-8?B?...?=" words
// folded onto continuation lines, none longer than 78 columns once the
// value follows "Subject: ". Words never split a UTF-8 sequence, so
// each decodes on its own. An empty subject stays empty.
func EncodeSubject(subject string) string {
	if subject == "" {
		return ""
	}

	var words []string
	limit := firstWordText
	for len(subject) > 0 {
		n := len(subject)
		if n > limit {
			n = limit
			for n > 0 && !utf8.RuneStart(subject[n]) {
				n--
			}
			if n == 0 {
				n = limit
			}
		}
		limit = maxWordText
		words = append(words, "=?UTF-8?B?"+base64.StdEncoding.EncodeToString([]byte(subject[:n]))+"?=")
		subject = subject[n:]
	}

	return strings.Join(words, "\r\n ")
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func writeBase64Lines(buf *bytes.Buffer, data []byte) {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > base64LineLen {
		buf.WriteString(encoded[:base64LineLen])
		buf.WriteString("\r\n")
		encoded = encoded[base64LineLen:]
	}
	if encoded != "" {
		buf.WriteString(encoded)
		buf.WriteString("\r\n")
	}
}

// headerSafe flattens line breaks so a value cannot start a new header.
func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
