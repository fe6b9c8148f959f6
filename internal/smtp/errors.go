package smtp

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every error returned by a Session is an *Error whose Kind is
// one of these, so callers can test with errors.Is.
var (
	ErrConnectFailed      = errors.New("smtp: connect failed")
	ErrUnexpectedGreeting = errors.New("smtp: unexpected greeting")
	ErrHandshakeRejected  = errors.New("smtp: handshake rejected")
	ErrTLSUpgradeFailed   = errors.New("smtp: tls upgrade failed")
	ErrCommandRejected    = errors.New("smtp: command rejected")
	ErrIOFailure          = errors.New("smtp: i/o failure")
)

// ErrInvalidState is returned when an operation is called out of sequence.
var ErrInvalidState = errors.New("smtp: operation not valid in current state")

// ErrInsecureAuth is the cause of an AUTH step refused because credentials
// would cross an unencrypted link to a remote relay.
var ErrInsecureAuth = errors.New("smtp: refusing to authenticate over an unencrypted connection")

// Error is a terminal failure of one send attempt.
type Error struct {
	Kind error
	// Step is the command in flight, e.g. "EHLO" or "RCPT TO".
	Step string
	// Code and Text hold the relay's reply, when there was one.
	Code int
	Text string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Step != "" {
		fmt.Fprintf(&b, " at %s", e.Step)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, ": %d %s", e.Code, e.Text)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// Temporary reports whether a later attempt might succeed: 4xx replies and
// transport failures.
func (e *Error) Temporary() bool {
	if e.Code != 0 {
		return e.Code >= 400 && e.Code < 500
	}
	return e.Kind == ErrConnectFailed || e.Kind == ErrIOFailure || e.Kind == ErrUnexpectedGreeting
}

// IsTemporary reports whether err is an *Error that is Temporary.
func IsTemporary(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Temporary()
}

func rejected(kind error, step string, r Reply) *Error {
	return &Error{Kind: kind, Step: step, Code: r.Code, Text: r.Text}
}
