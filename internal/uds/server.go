package uds

import (
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vrutkovs/ostbuild/internal/logging"
)

const (
	DefaultMaxConns    = 32
	defaultConnTimeout = 30 * time.Second
)

// ErrSocketInUse is returned by Start when another server answers on the socket path.
var ErrSocketInUse = errors.New("socket already in use")

type HandlerFunc func(req *Request) *Response

// Server answers one request per connection. At most maxConns requests are served at once;
// connections beyond that get an UNAVAILABLE response.
type Server struct {
	socketPath  string
	connTimeout time.Duration
	maxConns    int64
	log         *logging.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	slots    *semaphore.Weighted
	conns    sync.WaitGroup
}

func NewServer(socketPath string, logger *logging.Logger) *Server {
	return &Server{
		socketPath:  socketPath,
		connTimeout: defaultConnTimeout,
		maxConns:    DefaultMaxConns,
		log:         logger,
		handlers:    make(map[string]HandlerFunc),
	}
}

// SetConnTimeout bounds the time a single exchange may take. Call before Start.
func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// SetMaxConns bounds concurrently served requests. Call before Start.
func (s *Server) SetMaxConns(n int) {
	if n > 0 {
		s.maxConns = int64(n)
	}
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

// Start listens on the socket path, replacing a stale socket file left by a dead process.
func (s *Server) Start() error {
	if conn, err := net.DialTimeout("unix", s.socketPath, 100*time.Millisecond); err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, s.socketPath)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = listener
	s.slots = semaphore.NewWeighted(s.maxConns)

	s.conns.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, waits for in-flight requests and removes the socket file.
func (s *Server) Stop() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.conns.Wait()
	_ = os.Remove(s.socketPath)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.conns.Done()

	for {
		conn, err := s.listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			s.log.Warnf("accept: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !s.slots.TryAcquire(1) {
			s.conns.Add(1)
			go s.reject(conn)
			continue
		}
		s.conns.Add(1)
		go func() {
			defer s.slots.Release(1)
			s.serve(conn)
		}()
	}
}

func (s *Server) reject(conn net.Conn) {
	defer s.conns.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(time.Second))
	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		return
	}
	s.log.Warnf("rejecting %s %s: %d requests in flight", req.ID, req.Command, s.maxConns)
	resp := ErrorResponse(ErrCodeUnavailable, "daemon busy, retry later")
	resp.RequestID = req.ID
	_ = WriteFrame(conn, resp)
}

func (s *Server) serve(conn net.Conn) {
	defer s.conns.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.log.Warnf("read request: %v", err)
		return
	}

	start := time.Now()
	resp := s.dispatch(&req)
	resp.RequestID = req.ID
	if err := WriteFrame(conn, resp); err != nil {
		s.log.Warnf("write %s response: %v", req.Command, err)
		return
	}
	s.log.Debugf("%s %s ok=%t in %s", req.ID, req.Command, resp.Success, time.Since(start).Round(time.Microsecond))
}

func (s *Server) dispatch(req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Command]
	s.mu.RUnlock()
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("panic in %s handler: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s handler panicked", req.Command))
		}
	}()
	if resp = handler(req); resp == nil {
		resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("%s handler returned no response", req.Command))
	}
	return resp
}
