package transport

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"
	"time"

	"DistMR/internal/logger"
)

// DefaultDrainTimeout bounds how long Close waits for in-flight calls.
const DefaultDrainTimeout = 2 * time.Second

type ServerOpts struct {
	ID           string
	Addr         string // host:port, port 0 picks a free one
	DrainTimeout time.Duration
	Logger       *logger.Logger
}

// Server serves net/rpc services over TCP and keeps track of open
// connections so it can be shut down, gracefully or not.
type Server struct {
	opts   ServerOpts
	rpcs   *rpc.Server
	logger *logger.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(opts ServerOpts) *Server {
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	lg := opts.Logger
	if lg == nil {
		lg = logger.New("rpc", "INFO")
	}
	return &Server{
		opts:   opts,
		rpcs:   rpc.NewServer(),
		logger: lg,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Register publishes the exported methods of rcvr under name.
func (s *Server) Register(name string, rcvr interface{}) error {
	if err := s.rpcs.RegisterName(name, rcvr); err != nil {
		return fmt.Errorf("failed to register service %s: %w", name, err)
	}
	return nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("RPC server listening: id=%s addr=%s", s.opts.ID, l.Addr())
	go s.acceptLoop(l)
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.opts.Addr
}

func (s *Server) acceptLoop(l net.Listener) {
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error("Failed to accept connection: %v", err)
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			s.rpcs.ServeConn(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Close stops accepting connections, lets in-flight calls finish for up to
// the drain timeout and then drops whatever is left.
func (s *Server) Close() error {
	err := s.stopListening()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(s.opts.DrainTimeout):
		s.dropConns()
	}
	return err
}

// Kill drops the listener and every connection at once, the way a crashed
// process would. Handlers still running are abandoned.
func (s *Server) Kill() error {
	err := s.stopListening()
	s.dropConns()
	return err
}

func (s *Server) stopListening() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.listener == nil {
		return nil
	}
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) dropConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}
