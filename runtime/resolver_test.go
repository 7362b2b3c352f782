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

// Property 14: parse_ipv4_endpoint round-trips and rejects malformed
// input.
func TestParseIPv4EndpointRoundTrips(t *testing.T) {
	ep, err := runtime.ParseIPv4Endpoint("127.0.0.1:8080")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := runtime.FormatEndpoint(ep); got != "127.0.0.1:8080" {
		t.Fatalf("expected 127.0.0.1:8080, got %s", got)
	}
}

func TestParseIPv4EndpointRejectsMalformed(t *testing.T) {
	cases := []string{
		"127.0.0.1",
		"bad-ip:80",
		"127.0.0.1:70000",
		"",
		":80",
		"127.0.0.1:",
	}
	for _, in := range cases {
		if _, err := runtime.ParseIPv4Endpoint(in); !neterr.Is(err, unix.EINVAL) {
			t.Fatalf("input %q: expected EINVAL, got %v", in, err)
		}
	}
}

// Property 12: a pre-cancelled token short-circuits AsyncResolve
// without waiting on the worker.
func TestAsyncResolvePreCancelledReturnsImmediately(t *testing.T) {
	s := &runtimetest.FakeScheduler{}
	src := runtime.NewCancelSource()
	src.RequestStop()

	start := time.Now()
	task := runtime.Spawn(s, func() (runtime.ResolvedEndpoints, error) {
		return runtime.AsyncResolve(s, "localhost", "80", src.Token())
	})
	_, err := runtime.Await(task)
	if !neterr.Is(err, unix.ECANCELED) {
		t.Fatalf("expected ECANCELED, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("pre-cancelled resolve should return immediately, took %v", elapsed)
	}
}

// Property 12: resolving "localhost" yields at least one endpoint,
// each carrying the requested port.
func TestAsyncResolveLocalhost(t *testing.T) {
	s := &runtimetest.FakeScheduler{}
	task := runtime.Spawn(s, func() (runtime.ResolvedEndpoints, error) {
		return runtime.AsyncResolve(s, "localhost", "80", runtime.CancelToken{})
	})
	endpoints, err := runtime.Await(task)
	if err != nil {
		t.Fatalf("AsyncResolve: %v", err)
	}
	if len(endpoints) == 0 {
		t.Fatal("expected at least one endpoint")
	}
	for _, ep := range endpoints {
		if ep.Port != 80 {
			t.Fatalf("expected port 80, got %d", ep.Port)
		}
	}
}

func TestAsyncResolveRejectsEmptyHost(t *testing.T) {
	s := &runtimetest.FakeScheduler{}
	task := runtime.Spawn(s, func() (runtime.ResolvedEndpoints, error) {
		return runtime.AsyncResolve(s, "", "80", runtime.CancelToken{})
	})
	_, err := runtime.Await(task)
	if !neterr.Is(err, unix.EINVAL) {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}

func TestAsyncResolveRejectsOversizedPort(t *testing.T) {
	s := &runtimetest.FakeScheduler{}
	task := runtime.Spawn(s, func() (runtime.ResolvedEndpoints, error) {
		return runtime.AsyncResolve(s, "localhost", "999999", runtime.CancelToken{})
	})
	_, err := runtime.Await(task)
	if !neterr.Is(err, unix.EINVAL) {
		t.Fatalf("expected EINVAL, got %v", err)
	}
}
