// Package netio wraps TCP connections with the non-blocking read/write
// contract the session tick loop needs: every call returns immediately,
// reporting how much data moved and whether the socket would otherwise
// have blocked or has been closed. It is built on deadline-driven
// net.TCPConn calls rather than true O_NONBLOCK sockets, the same way
// the teacher client drives net.Conn with SetReadDeadline/SetWriteDeadline
// instead of raw syscalls.
package netio

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Signal reports the outcome of a non-blocking Send/Recv call.
type Signal int

const (
	// OK means n bytes were moved; the caller may try again immediately.
	OK Signal = iota
	// Block means zero bytes moved because the socket buffer is
	// currently full (send) or empty (recv); retry on a later tick.
	Block
	// Closed means the peer has gone away; the connection is unusable.
	Closed
)

func (s Signal) String() string {
	switch s {
	case OK:
		return "OK"
	case Block:
		return "BLOCK"
	case Closed:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// pollDeadline is how far out we set read/write deadlines to approximate
// a non-blocking poll: long enough that a genuinely ready socket always
// completes, short enough that an empty/full socket returns almost at
// once so the tick loop is never stalled waiting on one peer.
const pollDeadline = 2 * time.Millisecond

// Conn is a non-blocking wrapper over a single TCP connection.
type Conn struct {
	tcp *net.TCPConn
}

// Dial opens a TCP connection to addr with the given connect timeout.
func Dial(addr string, timeout time.Duration) (*Conn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}

	tcp, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return nil, errors.New("netio: dial did not return a TCP connection")
	}

	return &Conn{tcp: tcp}, nil
}

// Wrap adapts an already-established *net.TCPConn, e.g. one returned by
// Listener.Accept.
func Wrap(tcp *net.TCPConn) *Conn {
	return &Conn{tcp: tcp}
}

// Send writes as much of buf as the socket will currently accept.
func (c *Conn) Send(buf []byte) (int, Signal) {
	if len(buf) == 0 {
		return 0, OK
	}

	c.tcp.SetWriteDeadline(time.Now().Add(pollDeadline))

	n, err := c.tcp.Write(buf)
	if n > 0 {
		return n, OK
	}

	return 0, classify(err)
}

// Recv reads into buf, returning however many bytes are currently
// available.
func (c *Conn) Recv(buf []byte) (int, Signal) {
	if len(buf) == 0 {
		return 0, OK
	}

	c.tcp.SetReadDeadline(time.Now().Add(pollDeadline))

	n, err := c.tcp.Read(buf)
	if n > 0 {
		return n, OK
	}

	return 0, classify(err)
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.tcp.Close()
}

// RemoteAddr returns the peer's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.tcp.RemoteAddr()
}

func classify(err error) Signal {
	if err == nil {
		return OK
	}

	if errors.Is(err, io.EOF) {
		return Closed
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Block
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return Closed
	}

	return Closed
}

// Listener accepts inbound peer connections on one TCP port.
type Listener struct {
	tcp *net.TCPListener
}

// Listen opens a listening socket on the given port, with SO_REUSEADDR
// set so a restarted session can immediately rebind a port still in
// TIME_WAIT from a previous run.
func Listen(port int) (*Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctrlErr error

			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}

			return ctrlErr
		},
	}

	l, err := lc.Listen(context.Background(), "tcp", addrFor(port))
	if err != nil {
		return nil, err
	}

	tcp, ok := l.(*net.TCPListener)
	if !ok {
		l.Close()
		return nil, errors.New("netio: listen did not return a TCP listener")
	}

	return &Listener{tcp: tcp}, nil
}

// Accept returns a newly connected peer, or (nil, Block) if none is
// currently waiting.
func (l *Listener) Accept() (*Conn, Signal) {
	l.tcp.SetDeadline(time.Now().Add(pollDeadline))

	conn, err := l.tcp.Accept()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, Block
		}

		return nil, Closed
	}

	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, Closed
	}

	return &Conn{tcp: tcp}, OK
}

// Close releases the listening socket.
func (l *Listener) Close() error {
	return l.tcp.Close()
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.tcp.Addr()
}

func addrFor(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}
