package fd_test

import (
	"testing"

	"golang.org/x/sys/unix"

	"github.com/corowire/corowire/fd"
	"github.com/corowire/corowire/neterr"
)

func TestCloseRejectsNegative(t *testing.T) {
	err := fd.Close(-1)
	if !neterr.Is(err, unix.EBADF) {
		t.Fatalf("expected EBADF, got %v", err)
	}
}

func TestAdoptReleaseDoesNotClose(t *testing.T) {
	r, w, err := pipeFDs(t)
	if err != nil {
		t.Fatal(err)
	}
	owned := fd.Adopt(r)
	released := owned.Release()
	if released != r {
		t.Fatalf("expected %d, got %d", r, released)
	}
	if owned.Valid() {
		t.Fatal("expected invalid after release")
	}
	_ = fd.Close(r)
	_ = fd.Close(w)
}

func TestResetClosesPrior(t *testing.T) {
	r1, w1, err := pipeFDs(t)
	if err != nil {
		t.Fatal(err)
	}
	r2, w2, err := pipeFDs(t)
	if err != nil {
		t.Fatal(err)
	}
	defer fd.Close(w1)
	defer fd.Close(w2)

	owned := fd.Adopt(r1)
	owned.Reset(r2)
	if owned.Get() != r2 {
		t.Fatalf("expected %d, got %d", r2, owned.Get())
	}
	// r1 should now be closed; a second close must fail with EBADF.
	if err := fd.Close(r1); err == nil {
		t.Fatal("expected r1 to already be closed")
	}
	owned.Reset(fd.Invalid)
}

func pipeFDs(t *testing.T) (int, int, error) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}
