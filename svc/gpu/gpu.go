// Package gpu provides typed calls against a gpu service port: Copper
// program submission, blit scheduling and interrupt delivery. Programs
// and blit descriptors stay opaque to the transport; this package only
// shapes payloads.
package gpu

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/quarzos/portkit/port"
	"github.com/quarzos/portkit/shm"
)

// ServiceName is the portmap name gpu servers bind under.
const ServiceName = "gpu"

// TopicIRQ carries one event per raised gpu interrupt.
const TopicIRQ = "gpu.irq"

// Client wraps a port connection with gpu calls. It shares the
// underlying handle's single-owner contract.
type Client struct {
	c *port.Client
}

// New wraps an already connected port handle.
func New(c *port.Client) *Client {
	return &Client{c: c}
}

// Dial resolves the gpu service through portmap and connects.
func Dial(cfg *port.Config) (*Client, error) {
	c, err := port.DialService(ServiceName, cfg)
	if err != nil {
		return nil, err
	}
	return &Client{c: c}, nil
}

// Port exposes the underlying handle for polling and subscriptions.
func (g *Client) Port() *port.Client {
	return g.c
}

// Close closes the underlying connection.
func (g *Client) Close() error {
	return g.c.Close()
}

// BlitOp describes one rectangle copy between two surfaces. Pitch is
// the row stride in bytes on both sides.
type BlitOp struct {
	SrcX  uint32 `json:"src_x"`
	SrcY  uint32 `json:"src_y"`
	DstX  uint32 `json:"dst_x"`
	DstY  uint32 `json:"dst_y"`
	Width uint32 `json:"width"`
	Rows  uint32 `json:"rows"`
	Pitch uint32 `json:"pitch"`
}

// IRQ is the payload carried on TopicIRQ events.
type IRQ struct {
	Source string `json:"source"`
	Job    uint64 `json:"job"`
}

// SubmitCopper submits a Copper program for execution and returns the
// job id the completion interrupt will reference. The program bytes
// are carried base64-encoded and never interpreted client-side.
func (g *Client) SubmitCopper(ctx context.Context, program []byte) (uint64, error) {
	res, err := g.c.Request(ctx, map[string]any{
		"op":      "copper_submit",
		"program": program,
	}, nil, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		Job uint64 `json:"job"`
	}
	if err := json.Unmarshal(res.Payload, &result); err != nil {
		return 0, fmt.Errorf("failed to parse copper_submit reply: %w", err)
	}
	return result.Job, nil
}

// Blit schedules a rectangle copy from src to dst. Both surface
// descriptors travel with the request; the caller keeps ownership of
// the surfaces.
func (g *Client) Blit(ctx context.Context, src, dst *shm.Surface, op BlitOp) (uint64, error) {
	res, err := g.c.Request(ctx, map[string]any{
		"op":   "blit",
		"blit": op,
	}, []string{"src", "dst"}, []*os.File{src.File(), dst.File()})
	if err != nil {
		return 0, err
	}

	var result struct {
		Job uint64 `json:"job"`
	}
	if err := json.Unmarshal(res.Payload, &result); err != nil {
		return 0, fmt.Errorf("failed to parse blit reply: %w", err)
	}
	return result.Job, nil
}

// OnIRQ subscribes to gpu interrupt events.
func (g *Client) OnIRQ() (*port.Subscription, error) {
	return g.c.Subscribe(TopicIRQ)
}

// DecodeIRQ parses a TopicIRQ event payload.
func DecodeIRQ(ev port.Event) (IRQ, error) {
	var irq IRQ
	if err := json.Unmarshal(ev.Payload, &irq); err != nil {
		return IRQ{}, fmt.Errorf("failed to parse irq event: %w", err)
	}
	return irq, nil
}
