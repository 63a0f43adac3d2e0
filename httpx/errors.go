package httpx

import (
	"errors"
	"fmt"
)

var (
	// ErrWouldBlock reports that a transport or channel operation could not
	// make progress yet. Callers retry it; Send never returns it.
	ErrWouldBlock = errors.New("httpx: operation would block")

	ErrTimeout        = errors.New("httpx: timeout")
	ErrInvalidState   = errors.New("httpx: invalid channel state")
	ErrInvalidURL     = errors.New("httpx: invalid url")
	ErrEmptyTrust     = errors.New("httpx: no trust anchors")
	ErrBodyLength     = errors.New("httpx: body length does not match Content-Length")
	ErrClosed         = errors.New("httpx: channel closed")
	ErrResponseTooBig = errors.New("httpx: response body exceeds limit")
)

// ErrorKind classifies the stage at which a request failed.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindTrustStore
	KindConnection
	KindHandshake
	KindCertificate
	KindWrite
	KindRead
	KindParse
	KindInvalidRequest
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindTrustStore:
		return "trust store"
	case KindConnection:
		return "connection"
	case KindHandshake:
		return "handshake"
	case KindCertificate:
		return "certificate"
	case KindWrite:
		return "write"
	case KindRead:
		return "read"
	case KindParse:
		return "parse"
	case KindInvalidRequest:
		return "invalid request"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the error type returned by the client and the channel. Flags is
// only set for certificate failures.
type Error struct {
	Kind  ErrorKind
	Op    string
	Flags VerifyFlags
	Err   error
}

func (e *Error) Error() string {
	msg := "httpx: " + e.Op + ": " + e.Kind.String() + " error"
	if e.Flags != 0 {
		msg += " (" + e.Flags.String() + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain, or KindNone.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// stageOf names an error kind in metric labels.
func stageOf(k ErrorKind) string {
	switch k {
	case KindInvalidRequest:
		return "validate"
	case KindTrustStore:
		return "trust"
	case KindConnection:
		return "dial"
	case KindHandshake, KindCertificate:
		return "handshake"
	case KindWrite:
		return "write"
	case KindRead:
		return "read"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}
