package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/harun/txgate/internal/config"
	"github.com/harun/txgate/pkg/client"
	"github.com/harun/txgate/pkg/transport"
	"github.com/harun/txgate/pkg/wire"
)

// dialTransport connects to the server named in the client config.
func dialTransport(ctx context.Context, cfg *config.Config) (client.Transport, error) {
	codec, err := wire.Lookup(cfg.Client.Codec)
	if err != nil {
		return nil, err
	}

	switch cfg.Client.Transport {
	case "ws":
		return transport.DialWS(ctx, transport.WSConfig{
			URL:          cfg.Client.URL,
			Codec:        codec,
			SharedSecret: cfg.Server.SharedSecret,
		})
	case "", "http":
		return transport.NewHTTPTransport(transport.HTTPConfig{
			URL:          cfg.Client.URL,
			Codec:        codec,
			SharedSecret: cfg.Server.SharedSecret,
			Timeout:      cfg.Client.TimeoutDuration(),
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Client.Transport)
	}
}

// openRemote logs in with the configured client credentials. The returned func
// closes the session and the transport.
func openRemote(ctx context.Context, cfg *config.Config) (*client.Remote, func(), error) {
	if cfg.Client.User == "" {
		return nil, nil, fmt.Errorf("client.user is not configured")
	}

	tr, err := dialTransport(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	root := client.NewRoot(tr, cfg.Server.Application)
	remote, err := root.Open(ctx, wire.OpenParams{
		User:     cfg.Client.User,
		Password: cfg.Client.Password,
		Host:     hostname(),
	}, "")
	if err != nil {
		tr.Close()
		return nil, nil, err
	}

	return remote, func() {
		_ = remote.Close(context.Background())
		_ = tr.Close()
	}, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "cli"
	}
	return h
}
