package uds

import (
	"context"
	"net"
	"os"
	"sync"

	"tradecore/internal/errors"
	"tradecore/pkg/exception"
)

// Handler serves one accepted connection. The connection is closed when the
// handler returns.
type Handler func(ctx context.Context, conn net.Conn)

// Server listens for Unix domain socket connections.
type Server struct {
	addr net.UnixAddr

	mu sync.Mutex
	ln *net.UnixListener
}

// NewServer creates a server for the provided socket path.
func NewServer(path string) (*Server, error) {
	if path == "" {
		return nil, exception.ErrEmptyPathUDS
	}
	return &Server{addr: net.UnixAddr{Name: path, Net: unixNetwork}}, nil
}

// Path returns the configured socket path.
func (s *Server) Path() string {
	if s == nil {
		return ""
	}
	return s.addr.Name
}

// Listen starts listening on the configured socket path.
// It removes an existing socket file when present.
func (s *Server) Listen() error {
	if s == nil {
		return exception.ErrNilUDS
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return exception.ErrListeningUDS
	}
	if err := RemoveIfExists(s.addr.Name); err != nil {
		return err
	}
	ln, err := net.ListenUnix(unixNetwork, &s.addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", s.addr.Name)
	}
	ln.SetUnlinkOnClose(true)
	s.ln = ln
	return nil
}

// Serve accepts connections until ctx is done or the server is closed, and
// runs handler for each one on its own goroutine. It returns after every
// handler has returned.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	if s == nil {
		return exception.ErrNilUDS
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return exception.ErrNotListeningUDS
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	var conns sync.Map
	defer func() {
		conns.Range(func(k, _ any) bool {
			_ = k.(net.Conn).Close()
			return true
		})
		wg.Wait()
	}()

	for {
		conn, err := ln.AcceptUnix()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		conns.Store(conn, struct{}{})
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer conns.Delete(conn)
			defer conn.Close()
			handler(ctx, conn)
		}()
	}
}

// Close stops the listener.
func (s *Server) Close() error {
	if s == nil {
		return exception.ErrNilUDS
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	err := s.ln.Close()
	s.ln = nil
	return err
}

// RemoveIfExists removes the socket file if it exists.
func RemoveIfExists(path string) error {
	if path == "" {
		return exception.ErrEmptyPathUDS
	}
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket == 0 {
		return exception.ErrPathNotSocketUDS
	}
	return os.Remove(path)
}
