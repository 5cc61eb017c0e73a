package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
	"time"
)

// DialTCP connects to a bus listening on host:port.
func DialTCP(ctx context.Context, host, port string) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	return &tcpTransport{
		conn: conn,
		buf:  bufio.NewReader(conn),
	}, nil
}

// tcpTransport is a Transport over a TCP socket. TCP cannot carry file
// descriptors, so fd passing is never negotiated and WriteWithFiles
// rejects any attempt to attach files.
type tcpTransport struct {
	conn net.Conn
	buf  *bufio.Reader
}

func (t *tcpTransport) Authenticate(ctx context.Context, opts AuthOptions) (AuthResult, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return AuthResult{}, err
	}
	// The server can't check peer credentials over TCP, so EXTERNAL
	// usually comes back REJECTED and the ANONYMOUS fallback carries
	// the handshake.
	res, err := runAuth(t.conn, t.buf, authOptions{
		uid:        os.Getuid(),
		expectGUID: opts.GUID,
	})
	if err != nil {
		t.conn.SetDeadline(time.Time{})
		return AuthResult{}, err
	}
	if err := t.conn.SetDeadline(time.Time{}); err != nil {
		return AuthResult{}, err
	}
	return AuthResult{GUID: res.guid}, nil
}

func (t *tcpTransport) Read(bs []byte) (int, error) {
	return t.buf.Read(bs)
}

func (t *tcpTransport) Write(bs []byte) (int, error) {
	return t.conn.Write(bs)
}

func (t *tcpTransport) Close() error {
	t.buf.Discard(t.buf.Buffered())
	return t.conn.Close()
}

func (t *tcpTransport) WriteWithFiles(bs []byte, files []*os.File) (int, error) {
	if len(files) > 0 {
		return 0, errors.New("file descriptor passing is not supported over TCP")
	}
	return t.Write(bs)
}

func (t *tcpTransport) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	return nil, errors.New("file descriptor passing is not supported over TCP")
}
