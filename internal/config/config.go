package config

import (
	"fmt"
	"net/url"
	"time"
)

const (
	defaultReconnectCeiling = 5
	defaultReconnectBase    = time.Second
	defaultDedupWindow      = 2 * time.Second
)

type Config struct {
	// ServerURL is the base HTTP URL of the CachiBot backend,
	// e.g. "http://localhost:8000".
	ServerURL string
	// SocketURL is the websocket endpoint derived from ServerURL.
	SocketURL string
	// ReconnectCeiling is the maximum number of consecutive
	// reconnect attempts before the client stays closed.
	ReconnectCeiling int
	// ReconnectBase is the first backoff delay; each subsequent
	// attempt doubles it.
	ReconnectBase time.Duration
	// DedupWindow is the window within which identical user messages
	// are treated as duplicate deliveries.
	DedupWindow time.Duration
}

func socketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	u.Path = "/ws"
	return u.String(), nil
}

func NewConfig(serverURL string) (*Config, error) {
	if serverURL == "" {
		return nil, fmt.Errorf("server url cannot be empty")
	}

	wsURL, err := socketURL(serverURL)
	if err != nil {
		return nil, err
	}

	return &Config{
		ServerURL:        serverURL,
		SocketURL:        wsURL,
		ReconnectCeiling: defaultReconnectCeiling,
		ReconnectBase:    defaultReconnectBase,
		DedupWindow:      defaultDedupWindow,
	}, nil
}
