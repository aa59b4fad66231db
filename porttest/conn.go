package porttest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/quarzos/portkit/fdpass"
	"github.com/quarzos/portkit/wire"
)

type outbound struct {
	line   []byte
	rights []byte
}

// Conn is one accepted client connection. Sends from any goroutine are
// serialized through the write pump.
type Conn struct {
	id  int
	uc  *net.UnixConn
	srv *Server

	fr  *wire.Framer
	fds *fdpass.Channel

	send chan outbound

	stopChan chan struct{}
	stopOnce sync.Once
}

func newConn(id int, uc *net.UnixConn, srv *Server) *Conn {
	return &Conn{
		id:       id,
		uc:       uc,
		srv:      srv,
		fr:       wire.NewFramer(0),
		fds:      fdpass.NewChannel(),
		send:     make(chan outbound, 64),
		stopChan: make(chan struct{}),
	}
}

func (c *Conn) start() {
	c.srv.wg.Add(2)
	go c.readPump()
	go c.writePump()
}

// CloseNow drops the connection abruptly, mid-line if one is queued.
func (c *Conn) CloseNow() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
		c.uc.Close()
		c.srv.dropConn(c)
	})
}

// SendEnvelope sends any envelope with any descriptor set. Nothing is
// validated: mismatched fd_refs, unsolicited ids and events with ids
// all go out as scripted. The caller keeps ownership of files.
func (c *Conn) SendEnvelope(env *wire.Envelope, files []*os.File) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("porttest: marshal envelope: %w", err)
	}
	return c.enqueue(append(b, '\n'), fdpass.Rights(files))
}

// SendRaw writes bytes to the stream exactly as given; the caller
// supplies any newline. Meant for malformed and oversized lines.
func (c *Conn) SendRaw(line []byte) error {
	return c.enqueue(append([]byte(nil), line...), nil)
}

// SendEvent sends one event on this connection only.
func (c *Conn) SendEvent(topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("porttest: marshal event: %w", err)
	}
	return c.SendEnvelope(wire.NewEvent(topic, raw), nil)
}

// Reply sends a response for id. Useful from outside a handler when
// the handler returned Skip to delay its reply.
func (c *Conn) Reply(id uint64, payload any) error {
	return c.ReplyWithFiles(id, payload, nil, nil)
}

// ReplyWithFiles sends a response carrying descriptors.
func (c *Conn) ReplyWithFiles(id uint64, payload any, refs []string, files []*os.File) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("porttest: marshal reply %d: %w", id, err)
	}
	env := wire.NewResponse(id, raw)
	env.FdRefs = refs
	return c.SendEnvelope(env, files)
}

func (c *Conn) enqueue(line, rights []byte) error {
	select {
	case c.send <- outbound{line: line, rights: rights}:
		return nil
	case <-c.stopChan:
		return net.ErrClosed
	}
}

func (c *Conn) readPump() {
	defer c.srv.wg.Done()
	defer func() {
		c.CloseNow()
		// The pump is the only toucher of the inbound descriptor
		// queue, so leftovers are closed here, after it stops.
		c.fds.Drain()
	}()

	buf := make([]byte, 32*1024)
	oob := make([]byte, fdpass.OobSpace)
	for {
		select {
		case <-c.stopChan:
			return
		default:
		}
		c.uc.SetReadDeadline(time.Now().Add(time.Second))
		n, oobn, _, _, err := c.uc.ReadMsgUnix(buf, oob)
		if oobn > 0 {
			fds, perr := fdpass.ParseRights(oob[:oobn])
			if perr != nil {
				c.srv.log.Error("conn %d: parse rights: %v", c.id, perr)
				return
			}
			c.fds.Push(fds)
		}
		if n > 0 {
			c.fr.Push(buf[:n])
			if !c.drainFrames() {
				return
			}
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return
		}
	}
}

func (c *Conn) drainFrames() bool {
	for {
		env, err := c.fr.Next()
		if err != nil {
			var fe *wire.FrameError
			if errors.As(err, &fe) && !fe.Fatal() {
				c.srv.log.Warn("conn %d: malformed line: %v", c.id, err)
				continue
			}
			c.srv.log.Error("conn %d: framing: %v", c.id, err)
			return false
		}
		if env == nil {
			return true
		}
		c.handle(env)
	}
}

func (c *Conn) handle(env *wire.Envelope) {
	ds, err := c.fds.Bind(env.FdRefs)
	if err != nil {
		c.srv.log.Error("conn %d: descriptor pairing: %v", c.id, err)
		c.CloseNow()
		return
	}
	files := make([]*os.File, 0, len(ds))
	for _, d := range ds {
		if f, ferr := d.File(); ferr == nil {
			files = append(files, f)
		}
	}

	if env.Kind != wire.KindRequest {
		c.srv.log.Warn("conn %d: ignoring %s envelope from client", c.id, env.Kind)
		for _, f := range files {
			f.Close()
		}
		return
	}

	var probe struct {
		Op string `json:"op"`
	}
	_ = json.Unmarshal(env.Payload, &probe)

	req := Request{ID: env.ID, Op: probe.Op, Payload: env.Payload, Refs: env.FdRefs, Files: files}
	h := c.srv.handlerFor(probe.Op)
	if h == nil {
		for _, f := range files {
			f.Close()
		}
		_ = c.Reply(env.ID, map[string]any{"ok": false, "error": fmt.Sprintf("unknown op %q", probe.Op)})
		return
	}
	resp := h(c, req)
	if resp.Skip {
		return
	}
	if err := c.ReplyWithFiles(env.ID, resp.Payload, resp.Refs, resp.Files); err != nil {
		c.srv.log.Warn("conn %d: reply %d: %v", c.id, env.ID, err)
	}
}

func (c *Conn) writePump() {
	defer c.srv.wg.Done()
	for {
		select {
		case <-c.stopChan:
			return
		case out := <-c.send:
			c.uc.SetWriteDeadline(time.Now().Add(5 * time.Second))
			rights := out.rights
			for off := 0; off < len(out.line); {
				n, _, err := c.uc.WriteMsgUnix(out.line[off:], rights, nil)
				if n > 0 {
					off += n
					rights = nil
				}
				if err != nil || n == 0 {
					c.srv.log.Debug("conn %d: write: %v", c.id, err)
					c.CloseNow()
					return
				}
			}
		}
	}
}
