package wsproto

import (
	"errors"
	"fmt"
)

// Reason is the machine readable cause attached to a close message
type Reason string

// Close reasons reported to the browser
const (
	ReasonNone           Reason = ""
	ReasonNoSession      Reason = "no-session"
	ReasonNotAuthorized  Reason = "not-authorized"
	ReasonNoAgent        Reason = "no-agent"
	ReasonUnknownHostKey Reason = "unknown-hostkey"
	ReasonTerminated     Reason = "terminated"
	ReasonNoHost         Reason = "no-host"
	ReasonProtocolError  Reason = "protocol-error"
	ReasonInternalError  Reason = "internal-error"
)

func (r Reason) String() string {
	return string(r)
}

// Problem is an error that carries a close reason and the extra options that
// accompany it in the close message (e.g., host-key and host-fingerprint)
type Problem struct {
	Reason  Reason
	Options map[string]string
	Err     error
}

// NewProblem creates a Problem for reason, wrapping err (which may be nil)
func NewProblem(reason Reason, err error) *Problem {
	return &Problem{Reason: reason, Err: err}
}

// Problemf creates a Problem for reason with a formatted cause
func Problemf(reason Reason, f string, args ...interface{}) *Problem {
	return NewProblem(reason, fmt.Errorf(f, args...))
}

// WithOption adds an option to be reported in the close message
func (p *Problem) WithOption(name, value string) *Problem {
	if p.Options == nil {
		p.Options = make(map[string]string)
	}
	p.Options[name] = value
	return p
}

func (p *Problem) Error() string {
	if p.Err == nil {
		return string(p.Reason)
	}
	return fmt.Sprintf("%s: %s", p.Reason, p.Err)
}

func (p *Problem) Unwrap() error {
	return p.Err
}

// ReasonOf extracts the close reason from err. An error with no Problem in its
// chain maps to fallback.
func ReasonOf(err error, fallback Reason) (Reason, map[string]string) {
	var p *Problem
	if errors.As(err, &p) {
		return p.Reason, p.Options
	}
	return fallback, nil
}

// CloseMessage builds the close control message for channel with the given
// reason and options. An empty reason is omitted.
func CloseMessage(channel uint, reason Reason, options map[string]string) *Control {
	c := NewControl(CommandClose, channel)
	for name, value := range options {
		c.Options[name] = value
	}
	if reason != ReasonNone {
		c.Options[OptionReason] = string(reason)
	}
	return c
}
