package connection

import (
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func pipeConnection(t *testing.T, id string) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return NewConnection(server, id, 4), client
}

func TestConnectionManagerTakeover(t *testing.T) {
	cm := NewConnectionManager()
	first, _ := pipeConnection(t, "c1")
	second, _ := pipeConnection(t, "c2")

	if prev, ok := cm.AddConnection("bot", first); ok || prev != nil {
		t.Fatal("first add must not replace anything")
	}
	prev, ok := cm.AddConnection("bot", second)
	if !ok || prev != first {
		t.Fatal("second add must return the replaced connection")
	}

	if cm.RemoveConnection("bot", first) {
		t.Fatal("stale connection must not evict its successor")
	}
	if got, _ := cm.GetConnection("bot"); got != second {
		t.Fatal("successor was evicted")
	}
	if !cm.RemoveConnection("bot", second) {
		t.Fatal("current connection must be removable")
	}
	if cm.RemoveConnection("bot", second) {
		t.Fatal("repeat removal must report false")
	}
	if cm.Count() != 0 {
		t.Fatalf("Count = %d", cm.Count())
	}
}

func TestConnectionWriteAndClose(t *testing.T) {
	conn, peer := pipeConnection(t, "c1")
	conn.Start()

	if err := conn.Enqueue([]byte("hello")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	buf := make([]byte, 5)
	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(peer, buf); err != nil || string(buf) != "hello" {
		t.Fatalf("read %q, %v", buf, err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	conn.Wait()
	if err := conn.Enqueue([]byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Enqueue after close = %v", err)
	}
}

func TestConnectionQueueFull(t *testing.T) {
	conn, _ := pipeConnection(t, "c1")
	// writer not started, queue of 4 fills up
	for i := 0; i < 4; i++ {
		if err := conn.Enqueue([]byte{byte(i)}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := conn.Enqueue([]byte{9}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestLockClient(t *testing.T) {
	cm := NewConnectionManager()
	unlock := cm.LockClient("dup")

	acquired := make(chan struct{})
	released := make(chan struct{})
	go func() {
		release := cm.LockClient("dup")
		close(acquired)
		release()
		close(released)
	}()

	other := cm.LockClient("other")
	other()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a locked client id")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("lock not handed over after unlock")
	}
	<-released

	cm.lockMu.Lock()
	defer cm.lockMu.Unlock()
	if len(cm.locks) != 0 {
		t.Fatalf("%d lock entries leaked", len(cm.locks))
	}
}
