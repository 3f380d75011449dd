package httpd

import (
	"errors"
	"log"
	"net"
	"sync"
)

// Backlog is the listen queue depth. BSD socket implementations historically
// capped it at 5 and the server keeps that value.
const Backlog = 5

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("httpd: Server closed")

// Server accepts connections and hands each one to its Dispatcher.
type Server struct {
	Port       int
	Dispatcher *Dispatcher
	Logger     *log.Logger

	// Concurrent serves every connection on its own goroutine instead of one
	// connection at a time.
	Concurrent bool

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// ListenAndServe listens on 0.0.0.0:Port and serves until Close is called.
func (s *Server) ListenAndServe() error {
	ln, err := Listen(s.Port)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. Accept errors are logged and never stop
// the loop; it returns ErrServerClosed once Close has been called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logf("accept client connect error: %v", err)
			continue
		}

		if !s.Concurrent {
			s.dispatcher().Serve(conn)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatcher().Serve(conn)
		}()
	}
}

// Close stops the accept loop. Connections already accepted run to completion.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) dispatcher() *Dispatcher {
	if s.Dispatcher != nil {
		return s.Dispatcher
	}
	return &Dispatcher{Logger: s.Logger}
}

func (s *Server) logf(format string, args ...interface{}) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}
