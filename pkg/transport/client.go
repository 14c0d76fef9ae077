package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/txgate/internal/tracing"
	"github.com/harun/txgate/pkg/fault"
	"github.com/harun/txgate/pkg/wire"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by a transport used after Close.
var ErrClosed = errors.New("transport closed")

// HTTPConfig configures an HTTP client transport.
type HTTPConfig struct {
	// URL is the server base URL, e.g. http://127.0.0.1:7420.
	URL          string
	Codec        wire.Codec
	SharedSecret string
	Timeout      time.Duration
	Client       *http.Client
}

// HTTPTransport sends each request as one POST to /rpc.
type HTTPTransport struct {
	endpoint string
	codec    wire.Codec
	secret   string
	client   *http.Client
	closed   atomic.Bool
}

// NewHTTPTransport creates an HTTP client transport
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("server url is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = wire.NewJSONCodec()
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPTransport{
		endpoint: strings.TrimRight(cfg.URL, "/") + "/rpc",
		codec:    cfg.Codec,
		secret:   cfg.SharedSecret,
		client:   client,
	}, nil
}

// RoundTrip sends one request. Network and status failures are transport faults;
// an unencodable request is a protocol fault and an undecodable reply a serialization fault.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if t.closed.Load() {
		return nil, fault.Transport(ErrClosed)
	}

	body, err := t.codec.EncodeRequest(req)
	if err != nil {
		return nil, fault.Unencodable(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Transport(err)
	}
	httpReq.Header.Set("Content-Type", t.codec.ContentType())
	if t.secret != "" {
		httpReq.Header.Set(SecretHeader, t.secret)
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		httpReq.Header.Set(TraceHeader, traceID)
	}

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fault.Transport(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fault.Transport(err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fault.Transport(fmt.Errorf("server returned %s: %s", httpResp.Status, strings.TrimSpace(string(data))))
	}
	return t.codec.DecodeResponse(data)
}

// Close marks the transport unusable. Idle connections are dropped.
func (t *HTTPTransport) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.client.CloseIdleConnections()
	}
	return nil
}

// WSConfig configures a websocket client transport.
type WSConfig struct {
	// URL is the server base URL; http and https are mapped to ws and wss.
	URL          string
	Codec        wire.Codec
	SharedSecret string
	Logger       *zerolog.Logger
}

// WSTransport multiplexes requests over one websocket connection.
type WSTransport struct {
	conn   *websocket.Conn
	codec  wire.Codec
	logger zerolog.Logger

	writeMu sync.Mutex
	seq     atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan Frame
	err     error

	done chan struct{}
}

func wsURL(base string, codec wire.Codec) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{CodecParam: {codec.Name()}}.Encode()
	return u.String(), nil
}

// DialWS connects and, when a secret is configured, answers the server's challenge.
func DialWS(ctx context.Context, cfg WSConfig) (*WSTransport, error) {
	if cfg.Codec == nil {
		cfg.Codec = wire.NewJSONCodec()
	}
	target, err := wsURL(cfg.URL, cfg.Codec)
	if err != nil {
		return nil, err
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fault.Transport(err)
	}

	if cfg.SharedSecret != "" {
		if err := answerChallenge(ctx, conn, cfg.SharedSecret, cfg.Codec.Name()); err != nil {
			conn.Close()
			return nil, err
		}
	}

	t := &WSTransport{
		conn:    conn,
		codec:   cfg.Codec,
		logger:  logger.With().Str("component", "ws_transport").Logger(),
		pending: make(map[uint64]chan Frame),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func answerChallenge(ctx context.Context, conn *websocket.Conn, secret, codec string) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		defer conn.SetReadDeadline(time.Time{})
	}

	var challenge Frame
	if err := conn.ReadJSON(&challenge); err != nil {
		return fault.Transport(fmt.Errorf("read challenge: %w", err))
	}
	if challenge.Type != FrameChallenge {
		return fault.Transport(fmt.Errorf("expected challenge, got %q", challenge.Type))
	}
	if err := conn.WriteJSON(Frame{Type: FrameAuth, Signature: Sign(secret, challenge.Challenge, codec)}); err != nil {
		return fault.Transport(fmt.Errorf("send signature: %w", err))
	}
	var result Frame
	if err := conn.ReadJSON(&result); err != nil {
		return fault.Transport(fmt.Errorf("read auth result: %w", err))
	}
	if !result.Success {
		return fault.Transport(fmt.Errorf("websocket authentication failed: %s", result.Message))
	}
	return nil
}

func (t *WSTransport) readLoop() {
	defer close(t.done)
	for {
		var frame Frame
		if err := t.conn.ReadJSON(&frame); err != nil {
			t.fail(err)
			return
		}

		switch frame.Type {
		case FrameResponse, FrameError:
			t.mu.Lock()
			ch, ok := t.pending[frame.Seq]
			delete(t.pending, frame.Seq)
			t.mu.Unlock()
			if ok {
				ch <- frame
			} else {
				t.logger.Debug().Uint64("seq", frame.Seq).Msg("Dropping reply with no waiter")
			}
		default:
			t.logger.Debug().Str("type", frame.Type).Msg("Ignoring frame")
		}
	}
}

// fail wakes every waiter once the connection is gone.
func (t *WSTransport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
	for seq, ch := range t.pending {
		close(ch)
		delete(t.pending, seq)
	}
}

// RoundTrip sends one request and waits for its reply.
func (t *WSTransport) RoundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	payload, err := t.codec.EncodeRequest(req)
	if err != nil {
		return nil, fault.Unencodable(err)
	}

	seq := t.seq.Add(1)
	ch := make(chan Frame, 1)

	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		return nil, fault.Transport(err)
	}
	t.pending[seq] = ch
	t.mu.Unlock()

	t.writeMu.Lock()
	err = t.conn.WriteJSON(Frame{Type: FrameRequest, Seq: seq, Payload: payload})
	t.writeMu.Unlock()
	if err != nil {
		t.forget(seq)
		return nil, fault.Transport(err)
	}

	select {
	case frame, ok := <-ch:
		if !ok {
			t.mu.Lock()
			err := t.err
			t.mu.Unlock()
			return nil, fault.Transport(err)
		}
		if frame.Type == FrameError {
			return nil, fault.Transport(fmt.Errorf("server refused request: %s", frame.Message))
		}
		return t.codec.DecodeResponse(frame.Payload)
	case <-ctx.Done():
		t.forget(seq)
		return nil, fault.Transport(ctx.Err())
	}
}

func (t *WSTransport) forget(seq uint64) {
	t.mu.Lock()
	delete(t.pending, seq)
	t.mu.Unlock()
}

// Close closes the connection and waits for the reader to exit.
func (t *WSTransport) Close() error {
	t.writeMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()

	err := t.conn.Close()
	<-t.done
	t.fail(ErrClosed)
	return err
}

// Local runs requests against an in-process dispatcher, passing every envelope
// through a codec so the exchange matches the wire.
type Local struct {
	dispatcher Dispatcher
	codec      wire.Codec
}

// NewLocal creates an in-process transport
func NewLocal(dispatcher Dispatcher, codec wire.Codec) *Local {
	if codec == nil {
		codec = wire.NewJSONCodec()
	}
	return &Local{dispatcher: dispatcher, codec: codec}
}

func (l *Local) RoundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	data, err := l.codec.EncodeRequest(req)
	if err != nil {
		return nil, fault.Unencodable(err)
	}
	decoded, err := l.codec.DecodeRequest(data)
	if err != nil {
		return wire.Fail(nil, err), nil
	}
	resp := l.dispatcher.Dispatch(ctx, decoded)
	out, err := l.codec.EncodeResponse(resp)
	if err != nil {
		return nil, fault.Serialization(err)
	}
	return l.codec.DecodeResponse(out)
}

func (l *Local) Close() error { return nil }
