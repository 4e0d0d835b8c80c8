package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTetherLocks(t *testing.T) {
	var l tetherLocks
	unlockA := l.lock("a")

	other := make(chan struct{})
	go func() {
		unlock := l.lock("b")
		unlock()
		close(other)
	}()
	select {
	case <-other:
	case <-time.After(time.Second):
		t.Fatal("lock on b waited for a")
	}

	acquired := make(chan struct{})
	go func() {
		unlock := l.lock("a")
		close(acquired)
		unlock()
	}()
	select {
	case <-acquired:
		t.Fatal("a was acquired twice")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter on a never acquired it")
	}
	require.Eventually(t, func() bool { return l.held() == 0 }, time.Second, 5*time.Millisecond)
}
