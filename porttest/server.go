package porttest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/quarzos/portkit/internal/logging"
	"github.com/quarzos/portkit/wire"
)

// protoVersion is the protocol revision the default ping handler
// reports.
const protoVersion = 0

// Request is one request envelope as the service saw it. Files are the
// descriptors that traveled with it, paired to Refs in order; the
// handler owns them.
type Request struct {
	ID      uint64
	Op      string
	Payload json.RawMessage
	Refs    []string
	Files   []*os.File
}

// Response describes the reply to send. Payload is marshaled as the
// reply payload; Files are attached under Refs, which porttest
// deliberately does not validate against Files so tests can script
// descriptor-count mismatches. Skip suppresses the reply entirely.
type Response struct {
	Payload any
	Refs    []string
	Files   []*os.File
	Skip    bool
}

// Handler scripts one operation.
type Handler func(conn *Conn, req Request) Response

// Server is an in-process port service bound to a Unix socket.
type Server struct {
	path     string
	listener *net.UnixListener
	log      logging.Logger

	handlerMu sync.Mutex
	handlers  map[string]Handler
	fallback  Handler

	connMu sync.Mutex
	conns  []*Conn
	nextID int

	connCh chan *Conn

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Listen binds a server to path and starts accepting. A stale socket
// file at path is removed first.
func Listen(path string) (*Server, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("porttest: remove stale socket: %w", err)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("porttest: listen: %w", err)
	}

	s := &Server{
		path:     path,
		listener: l.(*net.UnixListener),
		log:      logging.Component("porttest"),
		handlers: make(map[string]Handler),
		connCh:   make(chan *Conn, 16),
		stopChan: make(chan struct{}),
	}
	s.Handle("ping", func(_ *Conn, _ Request) Response {
		return Response{Payload: map[string]any{"ok": true, "version": protoVersion}}
	})

	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Path returns the socket path the server listens on.
func (s *Server) Path() string { return s.path }

// Handle scripts the handler for one op, replacing any previous one.
func (s *Server) Handle(op string, h Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers[op] = h
}

// HandleDefault scripts the handler for ops nothing else matches.
func (s *Server) HandleDefault(h Handler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.fallback = h
}

func (s *Server) handlerFor(op string) Handler {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	if h, ok := s.handlers[op]; ok {
		return h
	}
	return s.fallback
}

// AwaitConn blocks until a client connects and returns its connection.
func (s *Server) AwaitConn(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.connCh:
		return c, nil
	case <-time.After(timeout):
		return nil, errors.New("porttest: no client connected")
	}
}

// Conns returns a snapshot of the live connections.
func (s *Server) Conns() []*Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	out := make([]*Conn, len(s.conns))
	copy(out, s.conns)
	return out
}

// Emit broadcasts an event to every live connection.
func (s *Server) Emit(topic string, payload any) error {
	return s.EmitWithFiles(topic, payload, nil, nil)
}

// EmitWithFiles broadcasts an event carrying descriptors. The caller
// keeps ownership of files and must hold them open until delivery.
func (s *Server) EmitWithFiles(topic string, payload any, refs []string, files []*os.File) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("porttest: emit %s: %w", topic, err)
	}
	env := wire.NewEvent(topic, raw)
	env.FdRefs = refs
	for _, c := range s.Conns() {
		if err := c.SendEnvelope(env, files); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting, drops every connection and removes the socket
// file. Safe to call more than once.
func (s *Server) Close() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.listener.Close()
		for _, c := range s.Conns() {
			c.CloseNow()
		}
		s.wg.Wait()
		os.Remove(s.path)
	})
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		s.listener.SetDeadline(time.Now().Add(time.Second))
		conn, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				select {
				case <-s.stopChan:
					return
				default:
					continue
				}
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error("accept: %v", err)
			return
		}

		s.connMu.Lock()
		s.nextID++
		c := newConn(s.nextID, conn.(*net.UnixConn), s)
		s.conns = append(s.conns, c)
		s.connMu.Unlock()

		c.start()
		select {
		case s.connCh <- c:
		default:
		}
		s.log.Debug("accepted connection %d", c.id)
	}
}

func (s *Server) dropConn(c *Conn) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for i, have := range s.conns {
		if have == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}
