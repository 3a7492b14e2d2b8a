// Package registrytest provides an in-memory registry.Socket for tests.
package registrytest

import (
	"context"
	"errors"
	"sync"
)

// ErrSocketClosed is returned by Send and Ping after Close.
var ErrSocketClosed = errors.New("socket closed")

// Socket records everything written to it.
type Socket struct {
	mu          sync.Mutex
	sent        [][]byte
	pings       int
	closed      bool
	closeCode   int
	closeReason string
	sendErr     error

	// Sent receives a copy of every frame, if non-nil. Buffer it.
	Sent chan []byte
}

// NewSocket returns a socket whose Sent channel buffers n frames.
func NewSocket(n int) *Socket {
	return &Socket{Sent: make(chan []byte, n)}
}

// Send implements registry.Socket.
func (s *Socket) Send(_ context.Context, data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	if s.sendErr != nil {
		err := s.sendErr
		s.mu.Unlock()
		return err
	}
	cp := append([]byte(nil), data...)
	s.sent = append(s.sent, cp)
	ch := s.Sent
	s.mu.Unlock()

	if ch != nil {
		ch <- cp
	}
	return nil
}

// Ping implements registry.Socket.
func (s *Socket) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSocketClosed
	}
	s.pings++
	return nil
}

// Close implements registry.Socket.
func (s *Socket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.closeCode = code
		s.closeReason = reason
	}
	return nil
}

// FailSends makes every later Send return err.
func (s *Socket) FailSends(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// Frames returns the frames written so far.
func (s *Socket) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

// Pings returns the number of pings.
func (s *Socket) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// Closed reports whether Close was called and with which code.
func (s *Socket) Closed() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed, s.closeCode
}
