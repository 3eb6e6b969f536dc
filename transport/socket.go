package transport

import (
	"io"
	"net"
	"sync"

	"github.com/efficientgo/core/errors"
)

// NetSocket adapts a net.Conn (in practice a *net.TCPConn) to the
// device.Socket interface, providing the gathered-send and wait-all
// receive semantics spec.md §6 requires of the transport collaborator.
type NetSocket struct {
	conn net.Conn

	closeOnce sync.Once
	closeErr  error
}

// NewNetSocket wraps conn.
func NewNetSocket(conn net.Conn) *NetSocket {
	return &NetSocket{conn: conn}
}

// Send writes bufs as a single logical PDU using net.Buffers, so the
// kernel sees one writev(2) rather than several independent writes
// that another goroutine's send could interleave with.
func (s *NetSocket) Send(bufs [][]byte) error {
	nb := net.Buffers(bufs)
	_, err := nb.WriteTo(s.conn)
	if err != nil {
		return errors.Wrap(err, "usbip: socket send failed")
	}
	return nil
}

// RecvAll reads exactly len(buf) bytes, per the WAITALL semantics
// spec.md §6 requires.
func (s *NetSocket) RecvAll(buf []byte) error {
	_, err := io.ReadFull(s.conn, buf)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.Wrap(err, "usbip: peer closed connection")
		}
		return errors.Wrap(err, "usbip: socket recv failed")
	}
	return nil
}

// Close closes the underlying connection exactly once; concurrent
// RecvAll calls observe an error and the receive loop exits.
func (s *NetSocket) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
