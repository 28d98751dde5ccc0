package preview

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/orientation"
)

// ErrNoPixels is returned by Frame.Image when the frame carries an encoded
// payload that cannot be decoded locally.
var ErrNoPixels = errors.New("frame has no decodable pixels")

// bufferPool recycles payload storage between frames. Most captures keep a
// steady frame size so buffers are reused almost every push.
var bufferPool sync.Pool // stores *[]byte

func acquireBuffer(n int) *[]byte {
	if v := bufferPool.Get(); v != nil {
		buf := v.(*[]byte)
		if cap(*buf) >= n {
			*buf = (*buf)[:n]
			return buf
		}
	}
	b := make([]byte, n)
	return &b
}

func recycleBuffer(buf *[]byte) {
	if buf == nil || cap(*buf) == 0 {
		return
	}
	bufferPool.Put(buf)
}

// Frame is a preview copy of one captured video frame. Frames are reference
// counted: the preview slot holds one reference and every Pull hands out
// another. Storage returns to the pool when the last reference is released.
type Frame struct {
	Seq        uint64
	PTS        time.Duration
	CapturedAt time.Time
	Codec      core.CodecType
	Width      int
	Height     int
	Transform  orientation.AffineTransform
	KeyFrame   bool

	// Data aliases pooled storage; it is only valid while a reference is held.
	Data   []byte
	Pixels image.Image

	buf  *[]byte
	refs atomic.Int32
}

// NewFrame copies sb into pooled storage. The result holds one reference.
func NewFrame(sb *core.SampleBuffer, transform orientation.AffineTransform) *Frame {
	f := &Frame{
		PTS:       sb.PTS,
		Codec:     sb.Codec,
		Width:     sb.Width,
		Height:    sb.Height,
		Transform: transform,
		KeyFrame:  sb.KeyFrame,
	}
	if len(sb.Data) > 0 {
		f.buf = acquireBuffer(len(sb.Data))
		copy(*f.buf, sb.Data)
		f.Data = *f.buf
	}
	if sb.Pixels != nil {
		f.Pixels = imaging.Clone(sb.Pixels)
	}
	f.refs.Store(1)
	return f
}

// Retain adds a reference and returns f for chaining.
func (f *Frame) Retain() *Frame {
	f.refs.Add(1)
	return f
}

// Release drops one reference. Extra releases are ignored so a frame is
// never returned to the pool twice.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	for {
		n := f.refs.Load()
		if n <= 0 {
			return
		}
		if f.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				buf := f.buf
				f.buf = nil
				f.Data = nil
				f.Pixels = nil
				recycleBuffer(buf)
			}
			return
		}
	}
}

// Refs reports the live reference count.
func (f *Frame) Refs() int32 {
	return f.refs.Load()
}

// Image returns the decoded frame: the attached pixels, a view over raw RGBA
// data, or a decoded JPEG.
func (f *Frame) Image() (image.Image, error) {
	if f.Pixels != nil {
		return f.Pixels, nil
	}
	switch f.Codec {
	case core.CodecRawRGBA:
		if f.Width <= 0 || f.Height <= 0 || len(f.Data) < f.Width*f.Height*4 {
			return nil, errors.Errorf("raw frame too short: %d bytes for %dx%d", len(f.Data), f.Width, f.Height)
		}
		return &image.RGBA{Pix: f.Data, Stride: f.Width * 4, Rect: image.Rect(0, 0, f.Width, f.Height)}, nil
	case core.CodecMJPEG:
		img, err := jpeg.Decode(bytes.NewReader(f.Data))
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode preview jpeg")
		}
		return img, nil
	default:
		return nil, ErrNoPixels
	}
}

// Oriented returns Image rotated by the frame's orientation transform.
func (f *Frame) Oriented() (image.Image, error) {
	img, err := f.Image()
	if err != nil {
		return nil, err
	}
	return orientation.Rotate(img, f.Transform), nil
}
