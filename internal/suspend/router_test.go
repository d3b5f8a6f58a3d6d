package suspend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRouterDeliversOnlyToSubscribedTask(t *testing.T) {
	r := NewRouter()
	chA, cancelA := r.Subscribe(1)
	defer cancelA()
	chB, cancelB := r.Subscribe(2)
	defer cancelB()

	r.Deliver(1)

	select {
	case <-chA:
	case <-time.After(time.Second):
		t.Fatal("expected subscriber for task 1 to be woken")
	}
	select {
	case <-chB:
		t.Fatal("subscriber for task 2 must not be woken by a delivery to task 1")
	default:
	}
}

func TestRouterCancelRemovesWaiter(t *testing.T) {
	r := NewRouter()
	_, cancel := r.Subscribe(5)
	cancel()
	require.Empty(t, r.waiters[5])
	// Delivering after cancel must not panic even though no one is listening.
	r.Deliver(5)
}

func TestShutdownFlagBroadcastsOnce(t *testing.T) {
	f := NewShutdownFlag()
	require.False(t, f.IsRaised())

	done1 := f.Wait()
	done2 := f.Wait()

	f.Raise()
	f.Raise() // must not panic closing twice

	require.True(t, f.IsRaised())
	select {
	case <-done1:
	default:
		t.Fatal("waiter 1 should observe shutdown")
	}
	select {
	case <-done2:
	default:
		t.Fatal("waiter 2 should observe shutdown")
	}
}
