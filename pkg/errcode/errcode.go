package errcode

import "errors"

// Code is a stable error identifier shared by the bridge, the ledger and their callers.
// It is a comparable string type and implements error, so errors.Is works on wrapped codes.
type Code string

func (c Code) Error() string { return string(c) }

const (
	OK Code = "ok"

	// Timeout: a correlated request got no qualifying reply before its deadline.
	Timeout Code = "timeout"
	// TransportUnavailable: the MQTT layer refused or could not accept a publish/subscribe.
	TransportUnavailable Code = "transport_unavailable"
	// MalformedMessage: undecodable payload or topic. Logged and discarded, never returned to callers.
	MalformedMessage Code = "malformed_message"
	// NoOpTransition: the pot is already in the requested state.
	NoOpTransition Code = "noop_transition"
	// OrphanReport: a volume report with no session to attach to.
	OrphanReport Code = "orphan_report"

	Error Code = "error"
)

// E keeps an operation name, a message and a cause next to the code.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Is lets errors.Is(err, errcode.Timeout) match an *E carrying that code.
func (e *E) Is(target error) bool {
	c, ok := target.(Code)
	return ok && c == e.C
}

// Wrap builds an *E. A nil cause is allowed.
func Wrap(c Code, op string, err error) error {
	return &E{C: c, Op: op, Err: err}
}

// Of extracts a Code from an error, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	return Error
}
