// Package fault defines the structured faults exchanged between the dispatcher and its clients.
//
// A fault has a kind that tells the caller who failed:
//   - business: the invoked operation failed; the RPC mechanism worked.
//   - informational: a business fault that must not roll the transaction back.
//   - protocol: the dispatcher could not resolve identity, session, transaction or call shape.
//   - serialization: the envelope itself could not be decoded; the channel is unusable.
//   - resource: connection allocation, commit, rollback or release failed.
//   - transport: the request never got a response (network, HTTP status).
package fault

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Kind classifies a fault.
type Kind string

const (
	KindBusiness      Kind = "business"
	KindInformational Kind = "informational"
	KindProtocol      Kind = "protocol"
	KindSerialization Kind = "serialization"
	KindResource      Kind = "resource"
	KindTransport     Kind = "transport"
)

// Protocol fault codes
const (
	CodeWrongApplication    = "WRONG_APPLICATION"
	CodeSessionClosed       = "SESSION_CLOSED"
	CodeTransactionInactive = "TRANSACTION_INACTIVE"
	CodeUnknownInterface    = "UNKNOWN_INTERFACE"
	CodeUnknownMethod       = "UNKNOWN_METHOD"
	CodeWrongCallShape      = "WRONG_CALL_SHAPE"
	CodeUnknownCommand      = "UNKNOWN_COMMAND"
	CodeAuthFailed          = "AUTH_FAILED"
	CodeRejected            = "REJECTED"
	// CodeUnencodable marks a request the client could not encode. It never left
	// the client, so the session is unaffected.
	CodeUnencodable = "UNENCODABLE_REQUEST"
)

// Fault is a structured, serializable error.
type Fault struct {
	Kind    Kind   `json:"kind" cbor:"kind"`
	Code    string `json:"code,omitempty" cbor:"code,omitempty"`
	Message string `json:"message" cbor:"message"`
	Cause   *Fault `json:"cause,omitempty" cbor:"cause,omitempty"`

	// err is the local error the fault describes. It does not cross the wire.
	err error
}

// Error implements the error interface
func (f *Fault) Error() string {
	var b strings.Builder
	b.WriteString(string(f.Kind))
	if f.Code != "" {
		b.WriteString(" [")
		b.WriteString(f.Code)
		b.WriteString("]")
	}
	b.WriteString(": ")
	b.WriteString(f.Message)
	if f.Cause != nil {
		b.WriteString(": ")
		b.WriteString(f.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the nested cause, or the local error a leaf fault was made from.
func (f *Fault) Unwrap() error {
	if f.Cause != nil {
		return f.Cause
	}
	if f.err != nil {
		return f.err
	}
	return nil
}

// Is matches faults of the same kind and code, so sentinel-style comparisons work
// on faults that crossed the wire.
func (f *Fault) Is(target error) bool {
	t, ok := target.(*Fault)
	if !ok {
		return false
	}
	return t.Kind == f.Kind && (t.Code == "" || t.Code == f.Code)
}

// New creates a fault of the given kind.
func New(kind Kind, code, message string) *Fault {
	return &Fault{Kind: kind, Code: code, Message: message}
}

// Business creates a business fault.
func Business(format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindBusiness, Message: fmt.Sprintf(format, args...)}
}

// Informational creates a business fault that does not force a rollback.
func Informational(format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindInformational, Message: fmt.Sprintf(format, args...)}
}

// Protocol creates a protocol fault with a code.
func Protocol(code, format string, args ...interface{}) *Fault {
	return &Fault{Kind: KindProtocol, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Serialization creates an unrecoverable serialization fault.
func Serialization(err error) *Fault {
	return &Fault{Kind: KindSerialization, Message: "unreadable envelope", Cause: describe(err, KindSerialization)}
}

// Unencodable creates the protocol fault for a request whose arguments the codec
// rejected before sending.
func Unencodable(err error) *Fault {
	return &Fault{Kind: KindProtocol, Code: CodeUnencodable, Message: "request cannot be encoded", Cause: describe(err, KindProtocol)}
}

// Transport creates a transport fault.
func Transport(err error) *Fault {
	return &Fault{Kind: KindTransport, Message: "remote call failed", Cause: describe(err, KindTransport)}
}

// Resource wraps a connection-level error.
func Resource(op string, err error) *Fault {
	return &Fault{Kind: KindResource, Message: op, Cause: describe(err, KindResource)}
}

// From converts any error into a fault. Errors that already are (or wrap) a fault keep
// their kind and code; anything else is a business fault. Details attached with
// errors.WithDetail, such as a release failure merged into an earlier fault, become
// resource causes so they survive the wire.
func From(err error) *Fault {
	if err == nil {
		return nil
	}
	var out *Fault
	var f *Fault
	switch {
	case errors.As(err, &f) && err == error(f):
		return f
	case errors.As(err, &f):
		msg := f.Message
		if outer := strings.TrimSuffix(err.Error(), f.Error()); outer != err.Error() && outer != "" {
			msg = strings.TrimSuffix(outer, ": ") + ": " + f.Message
		}
		out = &Fault{Kind: f.Kind, Code: f.Code, Message: msg, Cause: f.Cause}
	default:
		out = &Fault{Kind: KindBusiness, Message: err.Error()}
	}
	for _, detail := range errors.GetAllDetails(err) {
		out = out.withCause(&Fault{Kind: KindResource, Message: detail})
	}
	return out
}

// withCause returns a copy of f with cause appended at the end of its cause chain.
func (f *Fault) withCause(cause *Fault) *Fault {
	cp := *f
	if cp.Cause == nil {
		cp.Cause = cause
	} else {
		cp.Cause = cp.Cause.withCause(cause)
	}
	return &cp
}

func describe(err error, kind Kind) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) && err == error(f) {
		return f
	}
	return &Fault{Kind: kind, Message: err.Error(), err: err}
}

// KindOf returns the kind of the first fault in err's chain, or business.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindBusiness
}

// IsInformational reports whether err signals a fault that must not cause a rollback.
func IsInformational(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == KindInformational
}

// IsProtocol reports whether err is a protocol fault, optionally with the given code.
func IsProtocol(err error, code string) bool {
	var f *Fault
	if !errors.As(err, &f) || f.Kind != KindProtocol {
		return false
	}
	return code == "" || f.Code == code
}

// IsSerialization reports whether err is an unrecoverable serialization fault.
func IsSerialization(err error) bool {
	var f *Fault
	return errors.As(err, &f) && f.Kind == KindSerialization
}

// IsBusiness reports whether err came from the invoked operation itself.
func IsBusiness(err error) bool {
	k := KindOf(err)
	return k == KindBusiness || k == KindInformational
}
