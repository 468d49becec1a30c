package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// TCPTransport is a stream transport over a plain TCP connection, used by
// the Modbus TCP and IEC-104 drivers.
type TCPTransport struct {
	counters

	cfg  Config
	mu   sync.Mutex
	conn net.Conn
}

func newTCPTransport(cfg Config) (*TCPTransport, error) {
	if cfg.Host == "" {
		return nil, &Error{Op: "create", Kind: KindTCP, Err: fmt.Errorf("host is required")}
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, &Error{Op: "create", Kind: KindTCP, Err: fmt.Errorf("invalid port %d", cfg.Port)}
	}
	t := &TCPTransport{cfg: cfg}
	t.setState(StateDisconnected)
	return t, nil
}

func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.recordAttempt()
	t.setState(StateConnecting)

	addr := fmt.Sprintf("%s:%d", t.cfg.Host, t.cfg.Port)
	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		werr := &Error{Op: "connect", Kind: KindTCP, Err: err}
		t.recordFailure(werr)
		return werr
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	t.markConnected(nowUnix())
	t.recordSuccess(0, 0)
	return nil
}

func (t *TCPTransport) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	t.markDisconnected()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (t *TCPTransport) Send(ctx context.Context, data []byte) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		err := &Error{Op: "send", Kind: KindTCP, Err: errNotConnected}
		t.recordFailure(err)
		return 0, err
	}

	t.recordAttempt()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	}
	n, err := conn.Write(data)
	if err != nil {
		werr := &Error{Op: "send", Kind: KindTCP, Err: err}
		t.recordFailure(werr)
		return n, werr
	}
	t.recordSuccess(0, n)
	return n, nil
}

func (t *TCPTransport) Receive(ctx context.Context, buf []byte, timeout time.Duration) (int, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		err := &Error{Op: "receive", Kind: KindTCP, Err: errNotConnected}
		t.recordFailure(err)
		return 0, err
	}

	t.recordAttempt()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := conn.Read(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, nil
		}
		werr := &Error{Op: "receive", Kind: KindTCP, Err: err}
		t.recordFailure(werr)
		return n, werr
	}
	t.recordSuccess(n, 0)
	return n, nil
}

func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

func (t *TCPTransport) Stats() Stats {
	return t.snapshot(nowUnix())
}

func (t *TCPTransport) Close() error {
	return t.Disconnect()
}
