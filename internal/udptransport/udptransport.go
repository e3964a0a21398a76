// Package udptransport is a reference concrete Transport for package
// rtp: it moves already-encoded RTP/RTCP datagrams over a UDP socket.
// It is not part of the session core — rtp.Session only ever depends
// on the rtp.Transport interface — but a host needs something to hand
// Session, and this is the one the corpus would reach for.
package udptransport

import (
	"fmt"
	"net"
	"sync"
)

// DefaultBufferSize is the read buffer size, sized to the standard
// Ethernet MTU. ReadFromUDP truncates a datagram larger than the buffer.
const DefaultBufferSize = 1500

// Config configures a Transport.
type Config struct {
	LocalAddr  string // e.g. ":5004"
	RemoteAddr string // optional; learned from the first received datagram if empty
	BufferSize int
	ReusePort  bool // enable SO_REUSEPORT where the platform supports it
}

// DefaultConfig returns a Config with the package's defaults filled in.
func DefaultConfig(localAddr string) Config {
	return Config{LocalAddr: localAddr, BufferSize: DefaultBufferSize}
}

// Transport is a UDP-backed rtp.Transport. The zero value is not
// usable; construct with New.
type Transport struct {
	conn       *net.UDPConn
	bufferSize int

	mu         sync.RWMutex
	remoteAddr *net.UDPAddr
	active     bool
	callback   func(datagram []byte)

	stop chan struct{}
	done chan struct{}
}

// New opens a UDP socket bound to cfg.LocalAddr and starts its receive
// loop. The loop runs until Close is called.
func New(cfg Config) (*Transport, error) {
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}

	localAddr, err := net.ResolveUDPAddr("udp", cfg.LocalAddr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: resolving local address: %w", err)
	}

	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("udptransport: listening: %w", err)
	}

	if cfg.ReusePort {
		if err := setReusePort(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("udptransport: setting SO_REUSEPORT: %w", err)
		}
	}

	t := &Transport{
		conn:       conn,
		bufferSize: cfg.BufferSize,
		active:     true,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if cfg.RemoteAddr != "" {
		remote, err := net.ResolveUDPAddr("udp", cfg.RemoteAddr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("udptransport: resolving remote address: %w", err)
		}
		t.remoteAddr = remote
	}

	go t.readLoop()
	return t, nil
}

// Send enqueues datagram for transmission over the UDP socket. It
// writes synchronously but does not wait for any peer acknowledgement,
// satisfying rtp.Transport's non-blocking contract in practice for UDP.
func (t *Transport) Send(datagram []byte) error {
	t.mu.RLock()
	active := t.active
	remote := t.remoteAddr
	t.mu.RUnlock()

	if !active {
		return fmt.Errorf("udptransport: transport closed")
	}
	if remote == nil {
		return fmt.Errorf("udptransport: remote address not set")
	}
	_, err := t.conn.WriteToUDP(datagram, remote)
	return err
}

// OnReadable registers the callback invoked from the receive loop for
// each datagram. Only one callback is kept; a later call replaces the
// earlier one.
func (t *Transport) OnReadable(callback func(datagram []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callback = callback
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Close stops the receive loop and closes the underlying socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return nil
	}
	t.active = false
	t.mu.Unlock()

	close(t.stop)
	err := t.conn.Close()
	<-t.done
	return err
}

func (t *Transport) readLoop() {
	defer close(t.done)
	buf := make([]byte, t.bufferSize)
	for {
		select {
		case <-t.stop:
			return
		default:
		}

		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if !t.isActive() {
				return
			}
			continue
		}

		t.mu.Lock()
		if t.remoteAddr == nil {
			t.remoteAddr = addr
		}
		cb := t.callback
		t.mu.Unlock()

		if cb != nil {
			datagram := make([]byte, n)
			copy(datagram, buf[:n])
			cb(datagram)
		}
	}
}

func (t *Transport) isActive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}
