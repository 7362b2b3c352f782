//go:build linux

package runtime_test

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corowire/corowire/neterr"
	"github.com/corowire/corowire/runtime"
	"github.com/corowire/corowire/runtime/runtimetest"
)

func TestSpawnAwaitReturnsValue(t *testing.T) {
	s := &runtimetest.FakeScheduler{}
	task := runtime.Spawn(s, func() (int, error) {
		return 42, nil
	})
	v, err := runtime.Await(task)
	if err != nil || v != 42 {
		t.Fatalf("unexpected result: v=%d err=%v", v, err)
	}
}

func TestSpawnAwaitPropagatesError(t *testing.T) {
	s := &runtimetest.FakeScheduler{}
	task := runtime.Spawn(s, func() (int, error) {
		return 0, neterr.ErrInvalid
	})
	_, err := task.Await()
	if !neterr.Is(err, unix.EINVAL) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestSpawnTracksActiveTaskCount(t *testing.T) {
	s := &runtimetest.FakeScheduler{}
	release := make(chan struct{})
	task := runtime.Spawn(s, func() (int, error) {
		<-release
		return 0, nil
	})

	deadline := time.Now().Add(time.Second)
	for s.ActiveTaskCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected active count 1, got %d", s.ActiveTaskCount())
		}
		time.Sleep(time.Millisecond)
	}

	close(release)
	if _, err := runtime.Await(task); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if s.ActiveTaskCount() != 0 {
		t.Fatalf("expected active count 0 after completion, got %d", s.ActiveTaskCount())
	}
}

func TestTaskDonePollsWithoutBlocking(t *testing.T) {
	s := &runtimetest.FakeScheduler{}
	release := make(chan struct{})
	task := runtime.Spawn(s, func() (int, error) {
		<-release
		return 1, nil
	})

	if task.Done() {
		t.Fatal("expected task not yet done")
	}
	close(release)
	if _, err := runtime.Await(task); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !task.Done() {
		t.Fatal("expected task done after Await")
	}
}

func TestTaskPanicIsRecapturedAtAwait(t *testing.T) {
	s := &runtimetest.FakeScheduler{}
	task := runtime.Spawn(s, func() (int, error) {
		panic("boom")
	})

	defer func() {
		r := recover()
		if r != "boom" {
			t.Fatalf("expected re-panic with %q, got %v", "boom", r)
		}
	}()
	_, _ = runtime.Await(task)
	t.Fatal("expected Await to panic")
}
