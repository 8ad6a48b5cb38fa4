package ingest

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"drivewatch/internal/model"
)

// TCPLink listens for the BLE bridge. The first accepted connection is the
// device; when it closes the link is lost.
type TCPLink struct {
	linkBase
	addr string

	mu sync.Mutex
	ln net.Listener
}

func NewTCPLink(addr string, base linkBase) *TCPLink {
	if addr == "" {
		addr = ":9100"
	}
	return &TCPLink{linkBase: base, addr: addr}
}

func (l *TCPLink) Name() string { return "tcp" }

// Listen binds the listener ahead of Run and returns its address.
func (l *TCPLink) Listen() (net.Addr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return l.ln.Addr(), nil
	}
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return nil, err
	}
	l.ln = ln
	return ln.Addr(), nil
}

func (l *TCPLink) Run(ctx context.Context, out chan<- model.Notification) error {
	addr, err := l.Listen()
	if err != nil {
		return err
	}
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if l.logger != nil {
		l.logger.Info("waiting for sensor device", "addr", addr.String())
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		_ = ln.Close()
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}
	_ = ln.Close()
	if l.logger != nil {
		l.logger.Info("sensor device connected", "remote", conn.RemoteAddr().String())
	}
	return l.handle(ctx, conn, out)
}

func (l *TCPLink) handle(ctx context.Context, conn net.Conn, out chan<- model.Notification) error {
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		if !l.emit(ctx, out, scanner.Text(), l.Name()) {
			return nil
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	if l.logger != nil {
		l.logger.Warn("sensor device disconnected", "remote", conn.RemoteAddr().String(), "err", scanner.Err())
	}
	return linkLost(l.Name(), scanner.Err())
}
