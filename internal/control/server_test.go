package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

// startTestServer binds a Server to a loopback listener and accepts clients
// the same way Run does, returning the dial address.
func startTestServer(t *testing.T, backend Backend) (*Server, string) {
	t.Helper()
	s := NewServer(backend)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.acceptClient(ctx, conn)
		}
	}()

	return s, ln.Addr().String()
}

func dialAndHandshake(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	r := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("decode handshake %q: %v", line, err)
	}
	if m["Method"] != "Connect" || m["Application"] != "Harrier" {
		t.Fatalf("unexpected handshake: %v", m)
	}
	return conn, r
}

func TestServerRequestReply(t *testing.T) {
	_, addr := startTestServer(t, &fakeBackend{})
	conn, r := dialAndHandshake(t, addr)

	if _, err := conn.Write([]byte(`{"command":"get","method":"scans"}` + "\n")); err != nil {
		t.Fatalf("write request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if m["Result"] != "OK" || m["Method"] != "Scans" {
		t.Fatalf("unexpected reply: %v", m)
	}
}

func TestServerNewClientReplacesOld(t *testing.T) {
	_, addr := startTestServer(t, &fakeBackend{})
	conn1, r1 := dialAndHandshake(t, addr)
	dialAndHandshake(t, addr)

	// The first connection is closed by the server; its reader should hit
	// EOF rather than hang.
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := r1.ReadString('\n'); err == nil {
		t.Fatal("expected first connection to be closed after second accept")
	}
}

func TestServerPushReachesClient(t *testing.T) {
	s, addr := startTestServer(t, &fakeBackend{})
	conn, r := dialAndHandshake(t, addr)

	s.Push(MethodStatus, map[string]int{"status": 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read push: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("decode push: %v", err)
	}
	if m["Method"] != "Status" {
		t.Fatalf("unexpected push: %v", m)
	}
}

func TestServerShutdownNotifiesClient(t *testing.T) {
	s, addr := startTestServer(t, &fakeBackend{})
	conn, r := dialAndHandshake(t, addr)

	s.Shutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read shutdown frame: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("decode shutdown frame: %v", err)
	}
	if m["Method"] != "Shutdown" {
		t.Fatalf("unexpected frame: %v", m)
	}
}
