package sse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/jhd3197/CachiBot-sub003/internal/auth"
)

// Client issues one-shot generation requests and decodes their streamed
// responses. Each call owns its response body and releases it on every
// exit path, including cancellation.
type Client struct {
	baseURL    string
	tokens     auth.TokenSource
	httpClient *http.Client
	log        *log.Logger
}

func NewClient(baseURL string, tokens auth.TokenSource, httpClient *http.Client, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		tokens:     tokens,
		httpClient: httpClient,
		log:        logger,
	}
}

func (c *Client) post(ctx context.Context, path string, payload []byte, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return c.httpClient.Do(req)
}

// open performs the initial request. On a 401 it refreshes the token
// and retries exactly once before surfacing the failure.
func (c *Client) open(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	resp, err := c.post(ctx, path, payload, c.tokens.AccessToken())
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		token, err := c.tokens.Refresh()
		if err != nil {
			return nil, &auth.AuthError{Message: "refresh after 401", Err: err}
		}

		resp, err = c.post(ctx, path, payload, token)
		if err != nil {
			return nil, fmt.Errorf("retry %s: %w", path, err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("request %s: unexpected status %d", path, resp.StatusCode)
	}

	return resp, nil
}

// Stream POSTs the payload and returns a channel of decoded events. The
// channel closes when the stream ends or ctx is cancelled; cancellation
// is a clean termination, not an error.
func (c *Client) Stream(ctx context.Context, path string, payload any) (<-chan Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := c.open(ctx, path, body)
	if err != nil {
		return nil, err
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}()

		dec := NewDecoder(resp.Body, c.log)
		for {
			ev, err := dec.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					c.log.Println("sse: stream read:", err)
				}
				return
			}

			select {
			case events <- *ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, nil
}
