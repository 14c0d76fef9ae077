package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/txgate/pkg/wire"
)

const (
	// SecretHeader carries the shared secret on HTTP requests.
	SecretHeader = "X-Txgate-Secret"
	// TraceHeader carries the caller's trace id.
	TraceHeader = "X-Trace-Id"

	// CodecParam selects the payload codec of a websocket connection.
	CodecParam = "codec"
)

// Frame types
const (
	FrameChallenge  = "auth.challenge"
	FrameAuth       = "auth.response"
	FrameAuthResult = "auth.result"
	FrameRequest    = "request"
	FrameResponse   = "response"
	FrameError      = "error"
)

// Frame is one websocket message. Requests and responses travel as codec-encoded
// payloads; Seq pairs a response with its request.
type Frame struct {
	Type      string `json:"type"`
	Seq       uint64 `json:"seq,omitempty"`
	Challenge string `json:"challenge,omitempty"`
	Signature string `json:"signature,omitempty"`
	Success   bool   `json:"success,omitempty"`
	Message   string `json:"message,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
}

// Dispatcher executes decoded requests. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *wire.Request) *wire.Response
}

// ClientState represents the state of a websocket connection
type ClientState int

const (
	StateConnecting ClientState = iota
	StateAuthenticating
	StateAuthenticated
	StateDisconnected
)

// Client is one connected websocket peer.
type Client struct {
	ID            string
	Conn          *websocket.Conn
	Codec         wire.Codec
	Authenticated bool
	Challenge     string
	ConnectedAt   time.Time
	LastActivity  time.Time
	IPAddress     string
	AuthAttempts  int
	RateLimiter   *ClientRateLimiter
	State         ClientState

	writeMu sync.Mutex
}

// Send writes one frame. gorilla connections allow a single concurrent writer.
func (c *Client) Send(frame Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Conn.WriteJSON(frame)
}

// ClientInfo describes a connected websocket peer
type ClientInfo struct {
	ID            string    `json:"id"`
	Authenticated bool      `json:"authenticated"`
	Codec         string    `json:"codec"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	IPAddress     string    `json:"ip_address"`
	Idle          bool      `json:"idle"`
}
