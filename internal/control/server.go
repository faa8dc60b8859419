package control

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"

	"github.com/wildfind/harrier/internal/monitoring"
)

// Server accepts a single client at a time over plain TCP; a new accept
// closes any previously connected client.
type Server struct {
	backend Backend

	mu     sync.Mutex
	client net.Conn

	// writeMu serializes whole frames onto the wire: replies come from the
	// client's read loop while pushes come from the orchestrator.
	writeMu sync.Mutex
}

// NewServer builds a Server bound to backend; call Run to start accepting.
func NewServer(backend Backend) *Server {
	return &Server{backend: backend}
}

// Run listens on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		s.acceptClient(ctx, conn)
	}
}

func (s *Server) acceptClient(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if s.client != nil {
		s.client.Close()
	}
	s.client = conn
	s.mu.Unlock()

	monitoring.Logf("control: connection from %s", conn.RemoteAddr())
	s.send(conn, EncodeConnect())

	go s.readLoop(ctx, conn)
}

func (s *Server) readLoop(ctx context.Context, conn net.Conn) {
	defer s.closeIfCurrent(conn)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		frame := Execute(line, s.backend)
		if frame != nil {
			s.send(conn, frame)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) closeIfCurrent(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == conn {
		monitoring.Logf("control: %s disconnected", conn.RemoteAddr())
		conn.Close()
		s.client = nil
	}
}

func (s *Server) send(conn net.Conn, frame []byte) {
	s.writeMu.Lock()
	_, err := conn.Write(frame)
	s.writeMu.Unlock()
	if err != nil {
		s.closeIfCurrent(conn)
	}
}

// Push sends an out-of-band frame to the currently connected client, if
// any. Used by the orchestrator to push Status/Satellites/Signals/Log
// updates without the client having asked.
func (s *Server) Push(method Method, value interface{}) {
	s.mu.Lock()
	conn := s.client
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.send(conn, EncodePush(method, value))
}

// Shutdown sends the currently connected client a Shutdown frame, so a
// viewer can distinguish a deliberate stop from a dropped link. Called
// before the listener closes.
func (s *Server) Shutdown() {
	s.mu.Lock()
	conn := s.client
	s.mu.Unlock()
	if conn == nil {
		return
	}
	s.send(conn, encodeResult(Method("shutdown"), nil))
}
