// Package display provides typed calls against a display service port:
// layer management, surface presentation and vsync delivery. It only
// shapes payloads; all transport behaviour comes from the port package.
package display

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/quarzos/portkit/port"
	"github.com/quarzos/portkit/shm"
)

// ServiceName is the portmap name display servers bind under.
const ServiceName = "display"

// TopicVsync carries one event per completed scanout.
const TopicVsync = "display.vsync"

// Client wraps a port connection with display calls. It shares the
// underlying handle's single-owner contract.
type Client struct {
	c *port.Client
}

// New wraps an already connected port handle.
func New(c *port.Client) *Client {
	return &Client{c: c}
}

// Dial resolves the display service through portmap and connects.
func Dial(cfg *port.Config) (*Client, error) {
	c, err := port.DialService(ServiceName, cfg)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

// Port exposes the underlying handle for polling and subscriptions.
func (d *Client) Port() *port.Client {
	return d.c
}

// Close closes the underlying connection.
func (d *Client) Close() error {
	return d.c.Close()
}

// Vsync is the payload carried on TopicVsync events.
type Vsync struct {
	Frame uint64 `json:"frame"`
	TsNs  int64  `json:"ts_ns"`
}

// CreateLayer creates a layer of the given size at depth z and returns
// its id.
func (d *Client) CreateLayer(ctx context.Context, width, height uint32, z int32) (uint64, error) {
	res, err := d.c.Request(ctx, map[string]any{
		"op":     "layer_create",
		"width":  width,
		"height": height,
		"z":      z,
	}, nil, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		Layer uint64 `json:"layer"`
	}
	if err := json.Unmarshal(res.Payload, &result); err != nil {
		return 0, fmt.Errorf("failed to parse layer_create reply: %w", err)
	}
	return result.Layer, nil
}

// MoveLayer repositions a layer.
func (d *Client) MoveLayer(ctx context.Context, layer uint64, x, y int32) error {
	_, err := d.c.Request(ctx, map[string]any{
		"op":    "layer_move",
		"layer": layer,
		"x":     x,
		"y":     y,
	}, nil, nil)
	return err
}

// DestroyLayer removes a layer and releases its resources server-side.
func (d *Client) DestroyLayer(ctx context.Context, layer uint64) error {
	_, err := d.c.Request(ctx, map[string]any{
		"op":    "layer_destroy",
		"layer": layer,
	}, nil, nil)
	return err
}

// Present hands a surface to the compositor for the next scanout of
// the given layer. The surface descriptor travels with the request;
// the caller keeps ownership of the surface itself. Returns the frame
// counter the surface will first appear on.
func (d *Client) Present(ctx context.Context, layer uint64, s *shm.Surface) (uint64, error) {
	res, err := d.c.Request(ctx, map[string]any{
		"op":       "present",
		"layer":    layer,
		"size":     s.Size(),
		"checksum": s.Checksum(),
	}, []string{s.Name()}, []*os.File{s.File()})
	if err != nil {
		return 0, err
	}

	var result struct {
		Frame uint64 `json:"frame"`
	}
	if err := json.Unmarshal(res.Payload, &result); err != nil {
		return 0, fmt.Errorf("failed to parse present reply: %w", err)
	}
	return result.Frame, nil
}

// OnVsync subscribes to scanout completion events.
func (d *Client) OnVsync() (*port.Subscription, error) {
	return d.c.Subscribe(TopicVsync)
}

// DecodeVsync parses a TopicVsync event payload.
func DecodeVsync(ev port.Event) (Vsync, error) {
	var v Vsync
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		return Vsync{}, fmt.Errorf("failed to parse vsync event: %w", err)
	}
	return v, nil
}
