package taskqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/babelcloud/gbox/packages/capture/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerial_RunsInOrder(t *testing.T) {
	q := NewSerial("order", util.DiscardLogger())

	var got []int
	for i := 0; i < 500; i++ {
		i := i
		require.True(t, q.Enqueue(func() { got = append(got, i) }))
	}
	q.Close()
	<-q.Done()

	require.Len(t, got, 500)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSerial_OneAtATime(t *testing.T) {
	q := NewSerial("exclusive", util.DiscardLogger())

	var mu sync.Mutex
	running, maxRunning := 0, 0
	for i := 0; i < 50; i++ {
		q.Enqueue(func() {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(100 * time.Microsecond)
			mu.Lock()
			running--
			mu.Unlock()
		})
	}
	q.Close()
	<-q.Done()
	assert.Equal(t, 1, maxRunning)
}

func TestSerial_EnqueueDoesNotBlock(t *testing.T) {
	q := NewSerial("backlog", util.DiscardLogger())
	release := make(chan struct{})
	q.Enqueue(func() { <-release })

	start := time.Now()
	for i := 0; i < 10000; i++ {
		q.Enqueue(func() {})
	}
	assert.Less(t, time.Since(start), time.Second)
	assert.GreaterOrEqual(t, q.HighWater(), 10000)

	close(release)
	q.Close()
	<-q.Done()
	assert.Equal(t, 0, q.Len())
}

func TestSerial_CloseDrainsAndRejects(t *testing.T) {
	q := NewSerial("close", util.DiscardLogger())
	ran := 0
	q.Enqueue(func() { time.Sleep(10 * time.Millisecond); ran++ })
	q.Enqueue(func() { ran++ })
	q.Close()
	q.Close()

	assert.False(t, q.Enqueue(func() { ran++ }))
	assert.False(t, q.Enqueue(nil))
	<-q.Done()
	assert.Equal(t, 2, ran)
}

func TestSerial_PanicDoesNotStopQueue(t *testing.T) {
	q := NewSerial("panic", util.DiscardLogger())
	ran := false
	q.Enqueue(func() { panic("boom") })
	q.Enqueue(func() { ran = true })
	q.Close()
	<-q.Done()
	assert.True(t, ran)
}
