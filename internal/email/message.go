// Package email defines the core email data model shared by the SMTP
// delivery client and the alternative delivery channels.
package email

import "strings"

// Envelope is a single rendered message addressed to one recipient.
type Envelope struct {
	ToAddress string
	Subject   string
	Body      string
	IsHTML    bool
}

// Valid reports whether the envelope carries a recipient and a body.
func (e *Envelope) Valid() bool {
	return e != nil &&
		strings.TrimSpace(e.ToAddress) != "" &&
		e.Body != ""
}

// ContentType returns the MIME media type of the body.
func (e *Envelope) ContentType() string {
	if e.IsHTML {
		return "text/html"
	}
	return "text/plain"
}
