// Package qremote serves certificate stores over QUIC and provides the
// adapter that opens them from another host.
//
// Each request travels on its own bidirectional stream: the client writes one
// CBOR Request and closes its side, the server writes one CBOR Response and
// closes. The server opens the store for the request and closes it before
// answering, so no store handle outlives a request on the server.
package qremote

import (
	"errors"

	"github.com/kardianos/qcert/qdef"
)

// ALPN is the TLS application protocol negotiated by client and server.
const ALPN = "qcert"

// Op is a remote store operation.
type Op uint8

const (
	OpOpen Op = iota + 1
	OpEnumerate
	OpAdd
	OpRemove
	OpLoadKey
	OpArchive
)

func (o Op) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpEnumerate:
		return "enumerate"
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpLoadKey:
		return "load key"
	case OpArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// Code is the result class of a request. Each non-zero code is one qdef.Kind.
type Code uint8

const (
	CodeOK Code = iota
	CodeNotFound
	CodeAccessDenied
	CodeInvalidState
	CodeAdapterFailure
	CodeInvalidArgument
)

// Cause carries well-known underlying errors across the wire so errors.Is
// still matches them on the client.
type Cause uint8

const (
	CauseNone Cause = iota
	CauseNoPrivateKey
	CauseDuplicate
	CauseUnsupported
)

// Request is one client call.
type Request struct {
	ID         string         `cbor:"1,keyasint"`
	Op         Op             `cbor:"2,keyasint"`
	Name       string         `cbor:"3,keyasint"`
	Scope      qdef.Scope     `cbor:"4,keyasint"`
	Flags      qdef.OpenFlags `cbor:"5,keyasint"`
	Raw        []byte         `cbor:"6,keyasint,omitempty"` // Certificate DER for OpAdd.
	Key        []byte         `cbor:"7,keyasint,omitempty"` // PKCS#8 private key for OpAdd.
	Thumbprint []byte         `cbor:"8,keyasint,omitempty"`
	Archived   bool           `cbor:"9,keyasint,omitempty"`
}

// Entry is one enumerated certificate.
type Entry struct {
	Raw           []byte `cbor:"1,keyasint"`
	HasPrivateKey bool   `cbor:"2,keyasint,omitempty"`
	Archived      bool   `cbor:"3,keyasint,omitempty"`
}

// Response answers one Request.
type Response struct {
	ID      string  `cbor:"1,keyasint"`
	Code    Code    `cbor:"2,keyasint"`
	Cause   Cause   `cbor:"3,keyasint,omitempty"`
	Message string  `cbor:"4,keyasint,omitempty"`
	Entries []Entry `cbor:"5,keyasint,omitempty"`
	Key     []byte  `cbor:"6,keyasint,omitempty"` // PKCS#8 private key for OpLoadKey.
}

var kindCodes = map[qdef.Kind]Code{
	qdef.KindNone:            CodeOK,
	qdef.KindNotFound:        CodeNotFound,
	qdef.KindAccessDenied:    CodeAccessDenied,
	qdef.KindInvalidState:    CodeInvalidState,
	qdef.KindAdapterFailure:  CodeAdapterFailure,
	qdef.KindInvalidArgument: CodeInvalidArgument,
}

var causeErrors = map[Cause]error{
	CauseNoPrivateKey: qdef.ErrNoPrivateKey,
	CauseDuplicate:    qdef.ErrDuplicate,
	CauseUnsupported:  qdef.ErrUnsupported,
}

// encodeError fills the result fields of resp from err.
func encodeError(resp *Response, err error) {
	if err == nil {
		resp.Code = CodeOK
		return
	}
	code, ok := kindCodes[qdef.KindOf(err)]
	if !ok || code == CodeOK {
		code = CodeAdapterFailure
	}
	resp.Code = code
	resp.Message = err.Error()
	for c, target := range causeErrors {
		if errors.Is(err, target) {
			resp.Cause = c
			break
		}
	}
}

// decodeError returns the error described by resp, or nil for CodeOK.
func decodeError(resp *Response, op string) error {
	if resp.Code == CodeOK {
		return nil
	}
	kind := qdef.KindAdapterFailure
	for k, c := range kindCodes {
		if c == resp.Code && k != qdef.KindNone {
			kind = k
			break
		}
	}
	remote := &remoteError{msg: resp.Message, cause: causeErrors[resp.Cause]}
	return qdef.NewError(kind, op, remote)
}

// remoteError is a failure reported by the server.
type remoteError struct {
	msg   string
	cause error
}

func (e *remoteError) Error() string { return "remote: " + e.msg }

func (e *remoteError) Unwrap() error { return e.cause }
