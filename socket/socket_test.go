package socket_test

import (
	"testing"
	"time"

	"github.com/corowire/corowire/socket"
)

func acceptEventually(t *testing.T, l *socket.Listener) socket.Stream {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := l.Accept()
		if err == nil {
			return conn
		}
		if !socket.IsWouldBlock(err) {
			t.Fatalf("Accept: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("accept did not complete in time")
	return socket.Stream{}
}

func TestBindConnectAcceptRoundTrip(t *testing.T) {
	listener, err := socket.Bind(socket.Loopback(0), 16)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer listener.Close()

	port, err := listener.LocalPort()
	if err != nil {
		t.Fatalf("LocalPort: %v", err)
	}

	client, err := socket.Connect(socket.Endpoint{Host: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	server := acceptEventually(t, &listener)
	defer server.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := client.FinishConnect(); err == nil {
			break
		} else if !socket.IsInProgress(err) && !socket.IsWouldBlock(err) {
			t.Fatalf("FinishConnect: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatal("connect did not finish in time")
		}
		time.Sleep(time.Millisecond)
	}

	payload := []byte("hello corowire")
	if _, err := server.WriteSome(payload); err != nil {
		t.Fatalf("WriteSome: %v", err)
	}

	buf := make([]byte, len(payload))
	total := 0
	deadline = time.Now().Add(2 * time.Second)
	for total < len(buf) {
		n, err := client.ReadSome(buf[total:])
		if err != nil {
			if socket.IsWouldBlock(err) {
				if time.Now().After(deadline) {
					t.Fatal("read did not complete in time")
				}
				time.Sleep(time.Millisecond)
				continue
			}
			t.Fatalf("ReadSome: %v", err)
		}
		total += n
	}
	if string(buf) != string(payload) {
		t.Fatalf("payload mismatch: got %q want %q", buf, payload)
	}
}

func TestConnectRefusedSurfacesError(t *testing.T) {
	listener, err := socket.Bind(socket.Loopback(0), 1)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	port, err := listener.LocalPort()
	if err != nil {
		t.Fatalf("LocalPort: %v", err)
	}
	listener.Close() // nothing listening on port now

	client, err := socket.Connect(socket.Endpoint{Host: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		err := client.FinishConnect()
		if err == nil {
			t.Fatal("expected connection refused, got success")
		}
		if !socket.IsInProgress(err) && !socket.IsWouldBlock(err) {
			return // refused, as expected
		}
		if time.Now().After(deadline) {
			t.Fatal("connect did not resolve in time")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSetSendBufferSizeRejectsNonPositive(t *testing.T) {
	listener, err := socket.Bind(socket.Loopback(0), 1)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer listener.Close()
	port, _ := listener.LocalPort()

	client, err := socket.Connect(socket.Endpoint{Host: "127.0.0.1", Port: port})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if err := client.SetSendBufferSize(0); err == nil {
		t.Fatal("expected error for non-positive buffer size")
	}
}
