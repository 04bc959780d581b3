package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxMessageSize bounds a single decoded message.
const MaxMessageSize = 1 << 20

// DefaultTimeout is the per-call deadline used when the context has none.
const DefaultTimeout = time.Second

// TCPTransport opens one TCP connection per request, writes the JSON request
// and, for Call, reads a single JSON response before closing.
type TCPTransport struct {
	Timeout time.Duration
	dialer  net.Dialer
}

func NewTCPTransport(timeout time.Duration) *TCPTransport {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &TCPTransport{Timeout: timeout}
}

func (t *TCPTransport) Call(ctx context.Context, addr string, req *Request) (*Response, error) {
	conn, err := t.open(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var resp Response
	dec := json.NewDecoder(io.LimitReader(conn, MaxMessageSize))
	if err := dec.Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: read %s from %s: %v", ErrUnreachable, req.Action, addr, err)
	}
	return &resp, nil
}

func (t *TCPTransport) Send(ctx context.Context, addr string, req *Request) error {
	conn, err := t.open(ctx, addr, req)
	if err != nil {
		return err
	}
	return conn.Close()
}

// open dials addr and writes req.
func (t *TCPTransport) open(ctx context.Context, addr string, req *Request) (net.Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, addr, err)
	}
	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: write %s to %s: %v", ErrUnreachable, req.Action, addr, err)
	}
	log.Debugf("sent %s to %s", req.Action, addr)
	return conn, nil
}
