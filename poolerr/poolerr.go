// Package poolerr defines the error taxonomy surfaced at the pool boundary.
//
// Every error that crosses a public pool API (create, submit_request,
// refresh, ...) is either a *poolerr.Error carrying one of the Codes below,
// or a wrapped Go error from an internal package. Internal packages should
// prefer returning a *poolerr.Error directly so callers can switch on Code
// without string matching.
package poolerr

import "fmt"

// Code enumerates the error taxonomy from the pool's external interface.
type Code int

const (
	// Config covers a bad genesis file or an unrecognized protocol version.
	Config Code = iota
	// Connection covers socket open/read/write/auth failures.
	Connection
	// FileSystem covers genesis load failures.
	FileSystem
	// Input covers a malformed PreparedRequest, bad DID, or missing
	// state-proof key.
	Input
	// Resource covers entropy/keygen failures.
	Resource
	// Unavailable is returned once the owning Pool Runner has closed.
	Unavailable
	// Unexpected wraps a panic caught at the pool boundary.
	Unexpected
	// Incompatible is returned when a BLS key fails proof-of-possession.
	Incompatible
	// NoConsensus is returned when fan-out is exhausted without a quorum.
	NoConsensus
	// RequestFailed is returned when a majority of nodes rejected a write;
	// Body carries the first such reply.
	RequestFailed
	// Timeout is returned when no response arrived within the effective
	// deadline.
	Timeout
)

func (c Code) String() string {
	switch c {
	case Config:
		return "Config"
	case Connection:
		return "Connection"
	case FileSystem:
		return "FileSystem"
	case Input:
		return "Input"
	case Resource:
		return "Resource"
	case Unavailable:
		return "Unavailable"
	case Unexpected:
		return "Unexpected"
	case Incompatible:
		return "Incompatible"
	case NoConsensus:
		return "PoolNoConsensus"
	case RequestFailed:
		return "PoolRequestFailed"
	case Timeout:
		return "PoolTimeout"
	default:
		return "Unknown"
	}
}

// Error is the concrete type returned across the pool boundary.
type Error struct {
	Code Code
	// Body carries the first dissenting reply for RequestFailed errors.
	Body []byte
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error whose Err is a plain error carrying msg.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Err: fmt.Errorf("%s", msg)}
}

// Wrap attaches code to an existing error. Returns nil if err is nil.
func Wrap(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Err: err}
}

// Rejected builds a RequestFailed error carrying the first dissenting body.
func Rejected(body []byte) *Error {
	return &Error{Code: RequestFailed, Body: body}
}
