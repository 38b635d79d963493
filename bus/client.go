package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/c360studio/orchestra/engine"
	"github.com/c360studio/orchestra/store"
)

// Client speaks the bus protocol over the Unix socket. The generated
// agent tools speak the same protocol from JavaScript; Client is the
// Go-side counterpart for tooling and tests.
type Client struct {
	http *http.Client
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Workflows  []*store.State    `json:"workflows"`
	Heartbeats map[string]string `json:"heartbeats"`
}

// NewClient dials the bus socket. The host in request URLs is a
// placeholder; all traffic goes through the socket.
func NewClient(socketPath string) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			// Inbox long-polls need headroom beyond the server timeout.
			Timeout: 60 * time.Second,
		},
	}
}

// Status fetches every workflow plus the heartbeat map.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.get(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Workflow fetches one workflow's state.
func (c *Client) Workflow(ctx context.Context, id string) (*store.State, error) {
	var out store.State
	if err := c.get(ctx, "/workflow/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitEvidence submits evidence for a workflow's current state.
func (c *Client) SubmitEvidence(ctx context.Context, id string, sub engine.Submission) (*engine.Outcome, error) {
	var out engine.Outcome
	if err := c.post(ctx, "/evidence/"+url.PathEscape(id), sub, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat records liveness for an agent.
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	return c.post(ctx, "/heartbeat/"+url.PathEscape(agentID), struct{}{}, nil)
}

// Send enqueues a message and returns its assigned id.
func (c *Client) Send(ctx context.Context, req SendRequest) (string, error) {
	var out struct {
		OK bool   `json:"ok"`
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/messages", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Inbox long-polls for pending messages addressed to the agent.
func (c *Client) Inbox(ctx context.Context, agentID string, timeout time.Duration) ([]*Message, error) {
	path := fmt.Sprintf("/inbox/%s?timeout_ms=%d", url.PathEscape(agentID), timeout.Milliseconds())
	var out []*Message
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Ack removes a delivered message from its inbox.
func (c *Client) Ack(ctx context.Context, messageID string) error {
	return c.post(ctx, "/ack", AckRequest{ID: messageID}, nil)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://orchestra"+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://orchestra"+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bus request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("bus request %s: %s", req.URL.Path, apiErr.Error)
		}
		return fmt.Errorf("bus request %s: HTTP %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode bus response %s: %w", req.URL.Path, err)
	}
	return nil
}
