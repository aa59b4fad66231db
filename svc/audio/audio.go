// Package audio provides typed calls against an audio service port:
// graph topology edits, parameter updates and engine statistics. It
// only shapes payloads; all transport behaviour comes from the port
// package.
package audio

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quarzos/portkit/port"
)

// ServiceName is the portmap name audio servers bind under.
const ServiceName = "audio"

// TopicStats carries periodic engine statistics events.
const TopicStats = "audio.stats"

// Client wraps a port connection with audio graph calls. It shares
// the underlying handle's single-owner contract.
type Client struct {
	c *port.Client
}

// New wraps an already connected port handle.
func New(c *port.Client) *Client {
	return &Client{c: c}
}

// Dial resolves the audio service through portmap and connects.
func Dial(cfg *port.Config) (*Client, error) {
	c, err := port.DialService(ServiceName, cfg)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

// Port exposes the underlying handle for polling and subscriptions.
func (a *Client) Port() *port.Client {
	return a.c
}

// Close closes the underlying connection.
func (a *Client) Close() error {
	return a.c.Close()
}

// Stats is the payload carried on TopicStats events.
type Stats struct {
	Underruns uint64  `json:"underruns"`
	LatencyMs float64 `json:"latency_ms"`
	Load      float64 `json:"load"`
}

// CreateNode adds a node of the given kind to the audio graph and
// returns its id.
func (a *Client) CreateNode(ctx context.Context, kind string) (uint64, error) {
	res, err := a.c.Request(ctx, map[string]any{
		"op":   "node_create",
		"kind": kind,
	}, nil, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		Node uint64 `json:"node"`
	}
	if err := json.Unmarshal(res.Payload, &result); err != nil {
		return 0, fmt.Errorf("failed to parse node_create reply: %w", err)
	}
	return result.Node, nil
}

// Connect links an output pin of one node to an input pin of another.
func (a *Client) Connect(ctx context.Context, from uint64, fromPin int, to uint64, toPin int) error {
	_, err := a.c.Request(ctx, map[string]any{
		"op":       "node_connect",
		"from":     from,
		"from_pin": fromPin,
		"to":       to,
		"to_pin":   toPin,
	}, nil, nil)
	return err
}

// SetParam sets a named parameter on a node.
func (a *Client) SetParam(ctx context.Context, node uint64, name string, value float64) error {
	_, err := a.c.Request(ctx, map[string]any{
		"op":    "node_param",
		"node":  node,
		"name":  name,
		"value": value,
	}, nil, nil)
	return err
}

// OnStats subscribes to engine statistics events.
func (a *Client) OnStats() (*port.Subscription, error) {
	return a.c.Subscribe(TopicStats)
}

// DecodeStats parses a TopicStats event payload.
func DecodeStats(ev port.Event) (Stats, error) {
	var st Stats
	if err := json.Unmarshal(ev.Payload, &st); err != nil {
		return Stats{}, fmt.Errorf("failed to parse stats event: %w", err)
	}
	return st, nil
}
