// Package lifecycle implements the program-lifecycle collaborator the treasury
// engine uses to transfer authority, upgrade and close deployed programs.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"d2dtreasury/crypto"
	"d2dtreasury/native/treasury"
	"d2dtreasury/observability/otel"
)

// Client talks to a remote lifecycle service over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default instrumented client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		if c != nil {
			client.http = c
		}
	}
}

// WithBearerToken authenticates every request.
func WithBearerToken(token string) ClientOption {
	return func(client *Client) { client.token = strings.TrimSpace(token) }
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("lifecycle: base url required")
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second, Transport: otel.Transport(nil)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ treasury.ProgramLifecycle = (*Client)(nil)

func (c *Client) TransferAuthority(ctx context.Context, programID, newAuthority crypto.Identity) error {
	return c.post(ctx, programID, "authority", authorityRequest{Authority: newAuthority}, nil)
}

func (c *Client) Upgrade(ctx context.Context, programID crypto.Identity, buffer []byte) error {
	return c.post(ctx, programID, "upgrade", upgradeRequest{Buffer: buffer}, nil)
}

func (c *Client) Close(ctx context.Context, programID crypto.Identity) (uint64, error) {
	var resp closeResponse
	if err := c.post(ctx, programID, "close", struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.Lamports, nil
}

func (c *Client) post(ctx context.Context, programID crypto.Identity, action string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/programs/%s/%s", c.baseURL, programID.String(), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("lifecycle: %s: %w", action, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e errorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return fmt.Errorf("lifecycle: %s: status %d: %s", action, resp.StatusCode, e.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("lifecycle: %s: decode: %w", action, err)
	}
	return nil
}
