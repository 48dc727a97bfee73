package email

import "fmt"

// ErrorKind classifies why a delivery attempt failed.
type ErrorKind int

const (
	// KindNone is the zero value carried by successful outcomes.
	KindNone ErrorKind = iota
	// KindInvalidConfig means the caller supplied unusable parameters.
	// No network I/O took place.
	KindInvalidConfig
	// KindConnectFailed covers DNS failures, refused connections and dial timeouts.
	KindConnectFailed
	// KindTLSFailed covers handshake errors for implicit or upgraded TLS.
	KindTLSFailed
	// KindAuthFailed means the server did not answer the password with 235.
	KindAuthFailed
	// KindProtocolError covers every other transport or reply failure.
	KindProtocolError
)

// String returns the name of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalidConfig:
		return "invalid_config"
	case KindConnectFailed:
		return "connect_failed"
	case KindTLSFailed:
		return "tls_failed"
	case KindAuthFailed:
		return "auth_failed"
	case KindProtocolError:
		return "protocol_error"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Stage names the step of a delivery attempt.
type Stage string

const (
	StageConfig   Stage = "config"
	StageConnect  Stage = "connect"
	StageGreeting Stage = "greeting"
	StageEHLO     Stage = "ehlo"
	StageStartTLS Stage = "starttls"
	StageAuth     Stage = "auth"
	StageEnvelope Stage = "envelope"
	StageData     Stage = "data"
	StageClose    Stage = "close"
)

// Outcome is the result of one delivery attempt. It is created at the end
// of an attempt and owned by the caller afterwards.
type Outcome struct {
	Success bool

	// ExternalMessageID is the identifier assigned by the delivery channel.
	// SMTP never provides one.
	ExternalMessageID string

	// ErrorDetail is operator-facing text describing the failure. It never
	// contains credentials.
	ErrorDetail string

	// Kind classifies the failure. KindNone on success.
	Kind ErrorKind

	// Stage is the step at which the attempt stopped.
	Stage Stage
}

// Delivered returns a successful outcome.
func Delivered(externalID string) Outcome {
	return Outcome{
		Success:           true,
		ExternalMessageID: externalID,
		Stage:             StageClose,
	}
}

// Failed returns a failed outcome for the given stage and kind.
func Failed(stage Stage, kind ErrorKind, err error) Outcome {
	o := Outcome{Kind: kind, Stage: stage}
	if err != nil {
		o.ErrorDetail = err.Error()
	}
	return o
}

// Status returns "sent" or "failed" for delivery logs.
func (o Outcome) Status() string {
	if o.Success {
		return "sent"
	}
	return "failed"
}
