package preview

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/orientation"
	"github.com/babelcloud/gbox/packages/capture/internal/util"
)

func newTestQueue(opts ...Option) *Queue {
	return NewQueue(append([]Option{WithLogger(util.DiscardLogger())}, opts...)...)
}

func testFrame(pts time.Duration, payload byte) *Frame {
	return NewFrame(&core.SampleBuffer{
		Kind:  core.MediaVideo,
		Codec: core.CodecH264,
		PTS:   pts,
		Data:  []byte{0, 0, 0, 1, 0x65, payload},
	}, orientation.Identity)
}

func TestQueue_LatestWins(t *testing.T) {
	q := newTestQueue()
	a := testFrame(0, 0xA)
	b := testFrame(time.Millisecond, 0xB)
	a.Retain() // keep A observable after the queue drops it

	q.Push(a)
	q.Push(b)

	got, ok := q.Pull()
	require.True(t, ok)
	assert.Same(t, b, got)
	assert.Equal(t, byte(0xB), got.Data[5])
	got.Release()

	assert.Equal(t, int32(1), a.Refs(), "queue released A when B replaced it")
	a.Release()
	assert.Equal(t, int32(0), a.Refs())

	st := q.Stats()
	assert.Equal(t, uint64(2), st.Pushes)
	assert.Equal(t, uint64(1), st.Pulls)
	assert.Equal(t, uint64(1), st.Drops)
}

func TestQueue_PullClearsFlagButKeepsFrame(t *testing.T) {
	q := newTestQueue()

	_, ok := q.Pull()
	assert.False(t, ok, "empty queue")

	q.Push(testFrame(0, 1))
	f, ok := q.Pull()
	require.True(t, ok)
	f.Release()

	_, ok = q.Pull()
	assert.False(t, ok, "no new frame since last pull")

	again, ok := q.Latest()
	require.True(t, ok, "stored frame still available for redraw")
	assert.Same(t, f, again)
	again.Release()
	assert.Equal(t, int32(1), f.Refs())
}

func TestQueue_ReleaseIsIdempotent(t *testing.T) {
	f := testFrame(0, 1)
	f.Release()
	f.Release()
	f.Release()
	assert.Equal(t, int32(0), f.Refs())
	assert.Nil(t, f.Data)
}

func TestQueue_ConcurrentPushPull(t *testing.T) {
	q := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 5000; i++ {
			q.Push(testFrame(time.Duration(i), byte(i)))
		}
	}()

	pulled := 0
	var lastSeq uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.Ready():
			}
			if f, ok := q.Pull(); ok {
				assert.Greater(t, f.Seq, lastSeq, "sequence only moves forward")
				lastSeq = f.Seq
				assert.Len(t, f.Data, 6)
				pulled++
				f.Release()
			}
		}
	}()

	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	st := q.Stats()
	assert.Equal(t, uint64(5000), st.Pushes)
	assert.Equal(t, uint64(pulled), st.Pulls)
	assert.Equal(t, uint64(5000), st.Drops+st.Pulls+boolToUint(q.hasFresh()))
}

func (q *Queue) hasFresh() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fresh
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func TestQueue_ObserverDelivery(t *testing.T) {
	q := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	got := make(chan uint64, 8)
	q.SetObserver(ObserverFunc(func(f *Frame) { got <- f.Seq }))

	q.Push(testFrame(0, 1))
	select {
	case seq := <-got:
		assert.Equal(t, uint64(1), seq)
	case <-time.After(time.Second):
		t.Fatal("observer not called")
	}

	// Clearing the observer means frames are consumed without delivery.
	q.SetObserver(nil)
	q.Push(testFrame(1, 2))
	select {
	case <-got:
		t.Fatal("cleared observer must not be called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestQueue_ObserverPanicIsContained(t *testing.T) {
	q := newTestQueue()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	calls := make(chan struct{}, 4)
	q.SetObserver(ObserverFunc(func(f *Frame) {
		calls <- struct{}{}
		panic("display gone")
	}))
	q.Push(testFrame(0, 1))
	<-calls
	q.Push(testFrame(1, 2))
	select {
	case <-calls:
	case <-time.After(time.Second):
		t.Fatal("run loop died after observer panic")
	}
}

func TestQueue_StatsStaleness(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	q := newTestQueue(WithClock(clk))
	assert.True(t, q.Stats().Stale)

	q.Push(testFrame(0, 1))
	assert.False(t, q.Stats().Stale)

	clk.Step(3 * time.Second)
	assert.True(t, q.Stats().Stale)
}

func TestQueue_CloseReleasesSlot(t *testing.T) {
	q := newTestQueue()
	f := testFrame(0, 1)
	f.Retain()
	q.Push(f)
	q.Close()
	assert.Equal(t, int32(1), f.Refs())

	late := testFrame(1, 2)
	q.Push(late)
	assert.Equal(t, int32(0), late.Refs(), "push after close releases the frame")
	_, ok := q.Latest()
	assert.False(t, ok)
	f.Release()
}

func TestFrame_ImageDecoding(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for i := range src.Pix {
		src.Pix[i] = 0xff
	}

	raw := NewFrame(&core.SampleBuffer{
		Kind: core.MediaVideo, Codec: core.CodecRawRGBA, Width: 4, Height: 2, Data: src.Pix,
	}, orientation.ComputeTransform(orientation.Portrait, orientation.LandscapeLeft))
	img, err := raw.Image()
	require.NoError(t, err)
	assert.Equal(t, image.Pt(4, 2), img.Bounds().Size())

	rotated, err := raw.Oriented()
	require.NoError(t, err)
	assert.Equal(t, image.Pt(2, 4), rotated.Bounds().Size())

	var jpg bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpg, src, nil))
	mj := NewFrame(&core.SampleBuffer{Kind: core.MediaVideo, Codec: core.CodecMJPEG, Data: jpg.Bytes()}, orientation.Identity)
	img, err = mj.Image()
	require.NoError(t, err)
	assert.Equal(t, image.Pt(4, 2), img.Bounds().Size())

	h := testFrame(0, 1)
	_, err = h.Image()
	assert.ErrorIs(t, err, ErrNoPixels)

	withPixels := NewFrame(&core.SampleBuffer{
		Kind: core.MediaVideo, Codec: core.CodecH264, Data: []byte{1}, Pixels: src,
	}, orientation.Identity)
	src.Set(0, 0, color.RGBA{})
	img, err = withPixels.Image()
	require.NoError(t, err)
	_, _, _, a := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), a, "pixels are copied, not aliased")
}
