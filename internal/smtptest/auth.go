package smtptest

import (
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
)

// Authenticator verifies AUTH LOGIN credentials against a configured pair.
type Authenticator struct {
	username string
	password string
}

// NewAuthenticator creates an Authenticator with the given credentials.
// If both username and password are empty, authentication is disabled.
func NewAuthenticator(username, password string) *Authenticator {
	return &Authenticator{
		username: username,
		password: password,
	}
}

// Enabled returns true if authentication credentials are configured.
func (a *Authenticator) Enabled() bool {
	return a.username != "" && a.password != ""
}

// Verify checks decoded credentials.
func (a *Authenticator) Verify(username, password string) error {
	if username != a.username || password != a.password {
		return fmt.Errorf("authentication failed")
	}
	return nil
}

// LoginServer returns a SASL LOGIN server backed by this Authenticator.
// It can be plugged into any SMTP server speaking go-sasl.
func (a *Authenticator) LoginServer() sasl.Server {
	return &loginServer{auth: a}
}

// LOGIN exchange states.
const (
	loginStart = iota
	loginUsername
	loginPassword
	loginDone
)

var errLoginSequence = errors.New("unexpected LOGIN response")

type loginServer struct {
	auth     *Authenticator
	state    int
	username string
}

// Next implements sasl.Server. An initial response is taken as the username.
func (l *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch l.state {
	case loginStart:
		if len(response) > 0 {
			l.username = string(response)
			l.state = loginPassword
			return []byte("Password:"), false, nil
		}
		l.state = loginUsername
		return []byte("Username:"), false, nil
	case loginUsername:
		l.username = string(response)
		l.state = loginPassword
		return []byte("Password:"), false, nil
	case loginPassword:
		l.state = loginDone
		return nil, true, l.auth.Verify(l.username, string(response))
	default:
		return nil, true, errLoginSequence
	}
}
