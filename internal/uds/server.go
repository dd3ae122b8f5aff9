package uds

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"
)

// HandlerFunc serves one command. The returned value is marshaled into
// the response data; the returned error is mapped to a protocol error
// code by the server's ErrorMapper.
type HandlerFunc func(params json.RawMessage) (any, error)

// ErrorMapper translates a handler error into a protocol error code.
type ErrorMapper func(err error) string

type Server struct {
	socketPath  string
	listener    net.Listener
	handlers    map[string]HandlerFunc
	mapError    ErrorMapper
	mu          sync.RWMutex
	connTimeout time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *log.Logger
}

func NewServer(socketPath string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath:  socketPath,
		handlers:    make(map[string]HandlerFunc),
		mapError:    func(error) string { return ErrCodeInternal },
		connTimeout: 30 * time.Second,
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger,
	}
}

func (s *Server) SetConnTimeout(d time.Duration) {
	s.connTimeout = d
}

// SetErrorMapper installs the handler-error to error-code translation.
func (s *Server) SetErrorMapper(m ErrorMapper) {
	s.mapError = m
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[command] = handler
}

func (s *Server) Start() error {
	// A stale socket from a crashed daemon blocks the listen call.
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.listener = listener
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	_ = os.Remove(s.socketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.logger.Printf("accept error: %v", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("panic in handler: %v\n%s", r, debug.Stack())
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.connTimeout))

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Printf("read request: %v", err)
		return
	}

	resp := s.dispatch(&req)

	// A handler may run far longer than connTimeout (plan execution holds
	// the connection for the whole run), so the write deadline is armed
	// only after it returns.
	_ = conn.SetWriteDeadline(time.Now().Add(s.connTimeout))
	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Printf("write response: %v", err)
	}
}

func (s *Server) dispatch(req *Request) *Response {
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

	data, err := handler(req.Params)
	if err != nil {
		return ErrorResponse(s.mapError(err), err.Error())
	}
	return SuccessResponse(data)
}
