//go:build linux

package writer_test

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corowire/corowire/neterr"
	"github.com/corowire/corowire/runtime"
	"github.com/corowire/corowire/runtime/runtimetest"
	"github.com/corowire/corowire/socket"
	"github.com/corowire/corowire/writer"
)

func loopbackPair(t *testing.T) (client, server socket.Stream) {
	t.Helper()
	listener, err := socket.Bind(socket.Loopback(0), 16)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer listener.Close()
	port, err := listener.LocalPort()
	if err != nil {
		t.Fatalf("LocalPort: %v", err)
	}

	client, err = socket.Connect(socket.Loopback(port))
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		server, err = listener.Accept()
		if err == nil {
			break
		}
		if !socket.IsWouldBlock(err) {
			t.Fatalf("Accept: %v", err)
		}
		time.Sleep(time.Millisecond)
	}
	if !server.Valid() {
		t.Fatal("accept did not complete in time")
	}
	finishDeadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(finishDeadline) {
		if err := client.FinishConnect(); err == nil {
			return client, server
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("connect did not finish in time")
	return client, server
}

// S5: watermarks (4096, 8192); enqueue 6000+6000 crosses into high
// watermark, a 64-byte enqueue is then refused, flush drains to zero
// and clears the flag, and a final small enqueue succeeds in normal
// state again.
func TestBackpressureStateMachine(t *testing.T) {
	client, server := loopbackPair(t)
	defer client.Close()
	defer server.Close()

	// Keep the kernel send buffer small so the writer actually queues
	// instead of the kernel absorbing everything in one send(2) call.
	_ = client.SetSendBufferSize(4096)

	w := writer.New(&client, writer.Watermarks{Low: 4096, High: 8192})

	drainServer := make(chan struct{})
	received := 0
	go func() {
		buf := make([]byte, 65536)
		for received < 12000 {
			n, err := server.ReadSome(buf)
			if err != nil {
				if socket.IsWouldBlock(err) {
					time.Sleep(time.Millisecond)
					continue
				}
				break
			}
			received += n
		}
		close(drainServer)
	}()

	state, err := w.Enqueue(make([]byte, 6000))
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if state != writer.Normal {
		t.Fatalf("expected Normal after 6000 bytes, got %v", state)
	}

	state, err = w.Enqueue(make([]byte, 6000))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if state != writer.HighWatermark {
		t.Fatalf("expected HighWatermark after 12000 bytes, got %v", state)
	}

	_, err = w.Enqueue(make([]byte, 64))
	if !neterr.Is(err, unix.EAGAIN) {
		t.Fatalf("expected EWOULDBLOCK while high watermark active, got %v", err)
	}

	s := &runtimetest.FakeScheduler{}
	if err := w.Flush(s, 5*time.Second, runtime.CancelToken{}); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	<-drainServer
	if w.QueuedBytes() != 0 {
		t.Fatalf("expected 0 queued bytes after flush, got %d", w.QueuedBytes())
	}
	if w.HighWatermarkActive() {
		t.Fatal("expected high watermark cleared after flush")
	}

	state, err = w.Enqueue(make([]byte, 64))
	if err != nil {
		t.Fatalf("post-flush enqueue: %v", err)
	}
	if state != writer.Normal {
		t.Fatalf("expected Normal after post-flush enqueue, got %v", state)
	}

	if err := w.GracefulShutdown(s, 5*time.Second, runtime.CancelToken{}); err != nil {
		t.Fatalf("GracefulShutdown: %v", err)
	}

	stats := w.Stats()
	if stats.TotalEnqueued != 3 {
		t.Fatalf("expected 3 successful enqueue calls recorded (the refused one doesn't count), got %d", stats.TotalEnqueued)
	}
}
