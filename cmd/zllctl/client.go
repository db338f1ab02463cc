package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"
)

// ErrBusy is returned when the bridge already runs a touchlink session.
var ErrBusy = errors.New("touchlink session in progress")

// Client talks to the bridge HTTP API.
type Client struct {
	base   string
	apiKey string
	http   *http.Client
}

// NewClient creates a client for the bridge at base, e.g. http://127.0.0.1:8080.
func NewClient(base, apiKey string) *Client {
	return &Client{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		http:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Status is the subset of GET /api/touchlink the console shows.
type Status struct {
	State   string `json:"state"`
	IEEE    string `json:"ieee"`
	Channel uint8  `json:"channel"`
	Session struct {
		ScanChannel uint8  `json:"scan_channel"`
		ResetTarget bool   `json:"reset_target"`
		Peer        uint64 `json:"peer"`
	} `json:"session"`
	Target *struct {
		LinkQuality int    `json:"link_quality"`
		PeerAddr    uint64 `json:"peer_addr"`
	} `json:"target,omitempty"`
}

// Record is one touchlink history entry.
type Record struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Kind      string    `json:"kind"`
	Peer      string    `json:"peer,omitempty"`
	Channel   uint8     `json:"channel,omitempty"`
	PanID     uint16    `json:"pan_id,omitempty"`
	ShortAddr uint16    `json:"short_addr,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Event is one message of the /api/ws stream.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return ErrBusy
	}
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: %s", method, path, strings.TrimSpace(resp.Status))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Status returns the engine state.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/api/touchlink", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Node returns the local node and NCP information.
func (c *Client) Node(ctx context.Context) (map[string]interface{}, error) {
	var info map[string]interface{}
	if err := c.do(ctx, http.MethodGet, "/api/node", nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// Start starts a touchlink scan, optionally resetting the chosen target.
func (c *Client) Start(ctx context.Context, resetTarget bool) error {
	return c.do(ctx, http.MethodPost, "/api/touchlink/start", map[string]bool{"reset_target": resetTarget}, nil)
}

// ResetNode returns the bridge's own node to factory new.
func (c *Client) ResetNode(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/node/reset", nil, nil)
}

// History returns up to limit records, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]Record, error) {
	var recs []Record
	path := "/api/history?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// Watch streams bridge events to fn until ctx is done or the connection drops.
func (c *Client) Watch(ctx context.Context, fn func(Event)) error {
	u, err := url.Parse(c.base + "/api/ws")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if c.apiKey != "" {
		q := u.Query()
		q.Set("api_key", c.apiKey)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial events: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		fn(ev)
	}
}
