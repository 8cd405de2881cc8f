package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierDeliversInOrder(t *testing.T) {
	n := newNotifier()
	var got []int
	for i := range 5 {
		n.push(func() { got = append(got, i) })
	}
	n.close(false)
	n.wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestNotifierWaitFromCallbackReturns(t *testing.T) {
	n := newNotifier()
	returned := make(chan struct{})
	n.push(func() {
		n.wait()
		close(returned)
	})

	select {
	case <-returned:
	case <-time.After(waitFor):
		t.Fatal("wait from a callback blocked")
	}
	n.close(false)
	n.wait()
}

func TestGoroutineID(t *testing.T) {
	id := goroutineID()
	require.NotZero(t, id)
	assert.Equal(t, id, goroutineID())

	other := make(chan uint64)
	go func() { other <- goroutineID() }()
	assert.NotEqual(t, id, <-other)
}
