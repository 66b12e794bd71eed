package mesh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	maxDatagram  = 64 * 1024
	pollInterval = 500 * time.Millisecond
)

// UDPTransport listens for mesh broadcasts on a UDP port and sends to the
// mesh broadcast address, the way batman-adv nodes exchange small packets.
type UDPTransport struct {
	conn      *net.UDPConn
	broadcast *net.UDPAddr
	buf       []byte
}

// ListenUDP binds listenAddr and resolves broadcastAddr for Send.
func ListenUDP(listenAddr, broadcastAddr string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve listen address %q: %w", listenAddr, err)
	}
	baddr, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve broadcast address %q: %w", broadcastAddr, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", listenAddr, err)
	}
	return &UDPTransport{
		conn:      conn,
		broadcast: baddr,
		buf:       make([]byte, maxDatagram),
	}, nil
}

// LocalAddr returns the bound address.
func (t *UDPTransport) LocalAddr() *net.UDPAddr {
	return t.conn.LocalAddr().(*net.UDPAddr)
}

// Receive reads the next datagram. Only one goroutine may call Receive.
func (t *UDPTransport) Receive(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		if err := t.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return Frame{}, t.mapErr(err)
		}
		n, addr, err := t.conn.ReadFromUDP(t.buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return Frame{}, t.mapErr(err)
		}
		payload := make([]byte, n)
		copy(payload, t.buf[:n])
		return Frame{
			Payload:    payload,
			Sender:     addr.IP.String(),
			ReceivedAt: time.Now(),
		}, nil
	}
}

// Send writes payload to the broadcast address.
func (t *UDPTransport) Send(ctx context.Context, payload []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return t.mapErr(err)
		}
	}
	if _, err := t.conn.WriteToUDP(payload, t.broadcast); err != nil {
		return t.mapErr(err)
	}
	return nil
}

// Close releases the socket.
func (t *UDPTransport) Close() error {
	return t.conn.Close()
}

func (t *UDPTransport) mapErr(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return ErrClosed
	}
	return err
}
