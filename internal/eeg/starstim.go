// Package eeg sends event triggers to a StarStim EEG recorder over TCP.
//
// The recorder is assumed to be recording already; triggers land in its open file.
package eeg

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultAddr is the StarStim trigger port on its standard address.
const DefaultAddr = "10.0.1.201:1234"

// DefaultWriteTimeout bounds a single trigger write.
const DefaultWriteTimeout = 50 * time.Millisecond

// StarStim is a connection to the recorder's trigger port.
type StarStim struct {
	mu      sync.Mutex
	conn    net.Conn
	addr    string
	timeout time.Duration
}

// Dial connects to the recorder at addr.
func Dial(ctx context.Context, addr string) (*StarStim, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to StarStim at %s: %w", addr, err)
	}
	slog.Info("Connected to StarStim", "addr", addr)
	return &StarStim{conn: conn, addr: addr, timeout: DefaultWriteTimeout}, nil
}

// Send writes one trigger code.
func (s *StarStim) Send(trigger int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("StarStim connection to %s is closed", s.addr)
	}
	if s.timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}
	if _, err := fmt.Fprintf(s.conn, "<TRIGGER>%d</TRIGGER>", trigger); err != nil {
		return fmt.Errorf("failed to send StarStim trigger %d: %w", trigger, err)
	}
	slog.Debug("StarStim trigger sent", "trigger", trigger)
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (s *StarStim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
