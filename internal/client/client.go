// Package client talks to a running daemon: gRPC health on its Unix socket
// and the JSON control API on the address it advertises in the session lock.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/siawfish/kyoos-sub001/internal/lock"
	"github.com/siawfish/kyoos-sub001/internal/session"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService mirrors the service name the daemon registers.
const HealthService = "kyoos.v1.Sync"

// Client wraps the daemon's health connection and control API.
type Client struct {
	conn    *grpc.ClientConn
	Health  healthpb.HealthClient
	baseURL string
	http    *http.Client
}

// APIError is a non-2xx control API response.
type APIError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Event is one entry of the daemon's event stream.
type Event struct {
	EventID          string          `json:"eventId"`
	Session          string          `json:"session"`
	OccurredAtUnixMs int64           `json:"occurredAtUnixMs"`
	Kind             string          `json:"kind"`
	PayloadVersion   int             `json:"payloadVersion"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// New locates the daemon of the named session through its lock file.
func New(sessionName string) (*Client, error) {
	info, err := lock.Read(session.Dir(sessionName))
	if err != nil {
		return nil, fmt.Errorf("daemon not running for session %q: %w", sessionName, err)
	}
	if info.APIAddr == "" {
		return nil, fmt.Errorf("daemon for session %q does not advertise an api address", sessionName)
	}
	return Dial(session.SocketPath(sessionName), info.APIAddr)
}

// Dial connects to an explicit socket and API address.
func Dial(socketPath, apiAddr string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	base := apiAddr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		conn:    conn,
		Health:  healthpb.NewHealthClient(conn),
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{},
	}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Serving reports whether the daemon holds a live server connection.
func (c *Client) Serving(ctx context.Context) (bool, error) {
	resp, err := c.Health.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		return false, err
	}
	return resp.Status == healthpb.HealthCheckResponse_SERVING, nil
}

// Do sends in as JSON (when non-nil) and decodes the response into out
// (when non-nil).
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Events follows the event stream until ctx ends or fn returns an error.
// prefix narrows the stream to kinds starting with it.
func (c *Client) Events(ctx context.Context, prefix string, fn func(Event) error) error {
	u := c.baseURL + "/events"
	if prefix != "" {
		u += "?prefix=" + url.QueryEscape(prefix)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return &APIError{Status: resp.StatusCode}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}
