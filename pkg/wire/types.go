package wire

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/harun/txgate/pkg/fault"
)

// Command is one of the dispatcher's commands.
type Command string

const (
	CmdOpen              Command = "OPEN"
	CmdGetTransaction    Command = "GET_TRANSACTION"
	CmdPing              Command = "PING"
	CmdClose             Command = "CLOSE"
	CmdRollback          Command = "ROLLBACK"
	CmdCommit            Command = "COMMIT"
	CmdInvoke            Command = "INVOKE"
	CmdInvokeAsync       Command = "INVOKE_ASYNC"
	CmdGetSessions       Command = "GET_SESSIONS"
	CmdKillSession       Command = "KILL_SESSION"
	CmdGetCurrentSession Command = "GET_CURRENT_SESSION"
)

// Commands lists every command in wire order.
var Commands = []Command{
	CmdOpen,
	CmdGetTransaction,
	CmdPing,
	CmdClose,
	CmdRollback,
	CmdCommit,
	CmdInvoke,
	CmdInvokeAsync,
	CmdGetSessions,
	CmdKillSession,
	CmdGetCurrentSession,
}

// Valid reports whether c is a known command.
func (c Command) Valid() bool {
	for _, known := range Commands {
		if c == known {
			return true
		}
	}
	return false
}

// ID addresses a request: which application, which session and, for explicit
// transactions, which transaction. On OPEN, SessionID carries the id the client
// held before, if any.
type ID struct {
	Application   string `json:"application" cbor:"application" mapstructure:"application"`
	SessionID     string `json:"session_id,omitempty" cbor:"session_id,omitempty" mapstructure:"session_id"`
	TransactionID string `json:"transaction_id,omitempty" cbor:"transaction_id,omitempty" mapstructure:"transaction_id"`
}

// Request is the decoded form of every call.
type Request struct {
	ID         ID            `json:"id" cbor:"id"`
	Command    Command       `json:"command" cbor:"command"`
	Interface  string        `json:"interface,omitempty" cbor:"interface,omitempty"`
	Method     string        `json:"method,omitempty" cbor:"method,omitempty"`
	ParamTypes []string      `json:"param_types,omitempty" cbor:"param_types,omitempty"`
	Params     []interface{} `json:"params,omitempty" cbor:"params,omitempty"`
	// RequestID makes INVOKE_ASYNC idempotent across client retries.
	RequestID string `json:"request_id,omitempty" cbor:"request_id,omitempty"`
}

// Response carries either a result or a fault.
type Response struct {
	Result interface{}  `json:"result" cbor:"result"`
	Error  *fault.Fault `json:"error,omitempty" cbor:"error,omitempty"`
}

// OK builds a successful response.
func OK(result interface{}) *Response {
	return &Response{Result: result}
}

// Fail builds a failed response. A result may accompany an informational fault.
func Fail(result interface{}, err error) *Response {
	return &Response{Result: result, Error: fault.From(err)}
}

// Err returns the response's fault as an error, or nil.
func (r *Response) Err() error {
	if r == nil || r.Error == nil {
		return nil
	}
	return r.Error
}

// OpenParams are the parameters of OPEN.
type OpenParams struct {
	User     string `json:"user" cbor:"user" mapstructure:"user"`
	Password string `json:"password" cbor:"password" mapstructure:"password"`
	Host     string `json:"host" cbor:"host" mapstructure:"host"`
}

// SessionDescriptor is returned by OPEN.
type SessionDescriptor struct {
	SessionID        string      `json:"session_id" cbor:"session_id" mapstructure:"session_id"`
	UserLoginDisplay string      `json:"user_login_display" cbor:"user_login_display" mapstructure:"user_login_display"`
	UserHostDisplay  string      `json:"user_host_display" cbor:"user_host_display" mapstructure:"user_host_display"`
	User             interface{} `json:"user,omitempty" cbor:"user,omitempty" mapstructure:"user"`
}

// SessionInfo is one row of GET_SESSIONS.
type SessionInfo struct {
	SessionID  string    `json:"session_id" cbor:"session_id" mapstructure:"session_id"`
	OrderID    int64     `json:"order_id" cbor:"order_id" mapstructure:"order_id"`
	Login      string    `json:"login" cbor:"login" mapstructure:"login"`
	Host       string    `json:"host" cbor:"host" mapstructure:"host"`
	CreatedAt  time.Time `json:"created_at" cbor:"created_at" mapstructure:"created_at"`
	LastActive time.Time `json:"last_active" cbor:"last_active" mapstructure:"last_active"`
	InFlight   int       `json:"in_flight" cbor:"in_flight" mapstructure:"in_flight"`
	Current    bool      `json:"current,omitempty" cbor:"current,omitempty" mapstructure:"current"`
}

// DecodeResult converts a generic decoded result into out, which must be a pointer.
// Results come back from codecs as maps, slices and scalars.
func DecodeResult(result interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			mapstructure.StringToTimeDurationHookFunc(),
		),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(result); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}
