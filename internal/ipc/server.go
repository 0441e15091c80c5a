package ipc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	defaultConnTimeout              = 30 * time.Second
	maxRequestBytes                 = 64 * 1024
	defaultMaxConcurrentConnections = 64
	connSlotAcquireTimeout          = 5 * time.Second
)

// Server answers control requests on a local socket (a named pipe on Windows),
// one request per connection.
type Server struct {
	address string
	router  CommandExecutor

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	listener  net.Listener
	started   bool
	wg        sync.WaitGroup
	connSlots chan struct{}
}

// NewServer returns a Server for address; empty selects DefaultAddress.
func NewServer(address string, router CommandExecutor) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	if address == "" {
		address = DefaultAddress()
	}
	return &Server{
		address:   address,
		router:    router,
		ctx:       ctx,
		cancel:    cancel,
		connSlots: make(chan struct{}, defaultMaxConcurrentConnections),
	}
}

// Address returns the listen address.
func (s *Server) Address() string {
	return s.address
}

// Start begins accepting connections.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("ipc server already started")
	}
	if s.router == nil {
		return errors.New("ipc server requires router")
	}
	listener, err := listen(s.address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.address, err)
	}
	s.listener = listener
	s.started = true
	s.wg.Go(s.acceptLoop)
	slog.Info("[ipc] control socket listening", "address", s.address)
	return nil
}

// Stop closes the listener and waits for in-flight requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.cancel()
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	var err error
	if listener != nil {
		if err = listener.Close(); err != nil {
			slog.Warn("[ipc] failed to close listener during shutdown", "error", err)
		}
	}
	s.wg.Wait()
	cleanupAddress(s.address)
	return err
}

func (s *Server) acceptLoop() {
	consecutiveErrors := 0
	for {
		s.mu.Lock()
		listener := s.listener
		s.mu.Unlock()
		if listener == nil {
			return
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			consecutiveErrors++
			if consecutiveErrors > 10 {
				slog.Warn("[ipc] accept loop: repeated failures", "error", err, "count", consecutiveErrors)
				time.Sleep(500 * time.Millisecond)
			} else {
				slog.Debug("[ipc] accept error", "error", err)
			}
			continue
		}
		consecutiveErrors = 0

		if err := verifyPeer(conn); err != nil {
			slog.Warn("[ipc] rejected connection from foreign peer", "error", err)
			writeResponse(conn, Response{ExitCode: 1, Stderr: "permission denied\n"})
			closeConn(conn)
			continue
		}
		if !s.acquireConnectionSlot() {
			writeResponse(conn, Response{ExitCode: 1, Stderr: "server busy, try again later\n"})
			closeConn(conn)
			continue
		}
		s.wg.Go(func() {
			defer s.releaseConnectionSlot()
			s.handleConnection(conn)
		})
	}
}

// handleConnection serves one request. Requests above maxRequestBytes are
// rejected with an error response.
func (s *Server) handleConnection(conn net.Conn) {
	defer closeConn(conn)
	if err := conn.SetDeadline(time.Now().Add(defaultConnTimeout)); err != nil {
		slog.Warn("[ipc] failed to set connection deadline", "error", err)
		return
	}

	reader := bufio.NewReaderSize(conn, maxRequestBytes+1)
	rawReq, err := readFrame(reader, maxRequestBytes)
	if errors.Is(err, io.EOF) {
		slog.Debug("[ipc] client disconnected without sending data")
		return
	}
	if err != nil {
		writeResponse(conn, Response{ExitCode: 1, Stderr: fmt.Sprintf("invalid request: %v\n", err)})
		return
	}
	req, err := decodeRequest(rawReq)
	if err != nil {
		writeResponse(conn, Response{ExitCode: 1, Stderr: fmt.Sprintf("invalid request: %v\n", err)})
		return
	}

	slog.Debug("[ipc] request", "command", req.Command, "args", req.Args, "flags", req.Flags)
	writeResponse(conn, s.router.Execute(req))
}

func writeResponse(conn net.Conn, resp Response) {
	raw, err := encodeResponse(resp)
	if err != nil {
		slog.Warn("[ipc] failed to encode response", "error", err, "exitCode", resp.ExitCode)
		raw = []byte(`{"exit_code":1,"stderr":"internal encode error\n"}`)
	}
	if _, err := conn.Write(append(raw, '\n')); err != nil {
		slog.Debug("[ipc] failed to write response", "error", err)
	}
}

func closeConn(conn net.Conn) {
	if err := conn.Close(); err != nil {
		slog.Debug("[ipc] failed to close connection", "error", err)
	}
}

// readFrame reads one newline-terminated frame. A final frame without the
// delimiter is accepted at EOF.
func readFrame(reader *bufio.Reader, maxBytes int) ([]byte, error) {
	raw, err := reader.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("frame exceeds %d bytes", maxBytes)
	}
	if errors.Is(err, io.EOF) {
		if len(raw) == 0 {
			return nil, io.EOF
		}
		return raw, nil
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *Server) acquireConnectionSlot() bool {
	timer := time.NewTimer(connSlotAcquireTimeout)
	defer timer.Stop()
	select {
	case s.connSlots <- struct{}{}:
		return true
	case <-timer.C:
		slog.Warn("[ipc] connection slots exhausted, rejecting client")
		return false
	case <-s.ctx.Done():
		return false
	}
}

func (s *Server) releaseConnectionSlot() {
	select {
	case <-s.connSlots:
	default:
		slog.Warn("[ipc] releaseConnectionSlot: no slot to release")
	}
}
