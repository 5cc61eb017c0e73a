package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/creachadair/mds/queue"
)

// TestUnixFilePassing exchanges bytes and a file descriptor between
// two unixTransports over a real Unix socket (a listener in a temp
// directory and a DialUnix client), and checks that the received
// descriptor is usable.
func TestUnixFilePassing(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "bus.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan *unixTransport, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Errorf("accept: %v", err)
			close(accepted)
			return
		}
		srv := &unixTransport{
			conn: conn.(*net.UnixConn),
			fds:  queue.New[*os.File](),
		}
		srv.buf = bufio.NewReader(funcReader(srv.readToBuf))
		accepted <- srv
	}()

	tr, err := DialUnix(context.Background(), sock, false)
	if err != nil {
		t.Fatalf("DialUnix: %v", err)
	}
	defer tr.Close()
	client := tr.(*unixTransport)
	client.fdPassing = true

	srv, ok := <-accepted
	if !ok {
		t.Fatal("no accepted connection")
	}
	defer srv.Close()

	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pr.Close()
	defer pw.Close()

	if _, err := client.WriteWithFiles([]byte("hello"), []*os.File{pw}); err != nil {
		t.Fatalf("WriteWithFiles: %v", err)
	}

	got := make([]byte, 5)
	if _, err := io.ReadFull(srv, got); err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("payload = %q", got)
	}

	files, err := srv.GetFiles(1)
	if err != nil {
		t.Fatalf("GetFiles: %v", err)
	}
	defer files[0].Close()

	// The received descriptor is the write end of the pipe: writing
	// through it must show up on our read end.
	if _, err := files[0].Write([]byte("ok")); err != nil {
		t.Fatalf("writing through received fd: %v", err)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(pr, buf); err != nil || string(buf) != "ok" {
		t.Fatalf("read through pipe = (%q, %v)", buf, err)
	}
}

func TestUnixWriteWithFilesRequiresNegotiation(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "bus.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			defer conn.Close()
			io.Copy(io.Discard, conn)
		}
	}()

	tr, err := DialUnix(context.Background(), sock, false)
	if err != nil {
		t.Fatalf("DialUnix: %v", err)
	}
	defer tr.Close()

	pr, pw, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer pr.Close()
	defer pw.Close()

	if _, err := tr.WriteWithFiles([]byte("x"), []*os.File{pw}); err == nil {
		t.Fatal("WriteWithFiles succeeded without fd passing negotiated")
	}
}
