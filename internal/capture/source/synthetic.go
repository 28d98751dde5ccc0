// Package source provides capture sources that need no hardware.
package source

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
	"github.com/babelcloud/gbox/packages/capture/internal/util"
)

// SyntheticConfig shapes the generated streams.
type SyntheticConfig struct {
	Width  int
	Height int
	FPS    int
	// VideoCodec is CodecMJPEG or CodecRawRGBA.
	VideoCodec core.CodecType

	// Audio is PCM s16le; a zero SampleRate disables it.
	SampleRate int
	Channels   int
	// AudioChunk is the duration of one audio buffer.
	AudioChunk time.Duration
	ToneHz     float64
}

// DefaultSyntheticConfig is 640x480 MJPEG at 30fps with 48kHz stereo audio.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Width:      640,
		Height:     480,
		FPS:        30,
		VideoCodec: core.CodecMJPEG,
		SampleRate: 48000,
		Channels:   2,
		AudioChunk: 20 * time.Millisecond,
		ToneHz:     440,
	}
}

// Synthetic generates a moving test pattern and a sine tone, paced by the
// clock. Timestamps are derived from sample counts, so they never jitter.
type Synthetic struct {
	cfg    SyntheticConfig
	clock  clock.WithTicker
	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// SyntheticOption configures a Synthetic source.
type SyntheticOption func(*Synthetic)

// WithClock sets the clock whose tickers pace delivery.
func WithClock(c clock.WithTicker) SyntheticOption {
	return func(s *Synthetic) { s.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) SyntheticOption {
	return func(s *Synthetic) { s.logger = l }
}

// NewSynthetic validates cfg and returns a stopped source.
func NewSynthetic(cfg SyntheticConfig, opts ...SyntheticOption) (*Synthetic, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.Errorf("invalid frame size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		return nil, errors.Errorf("invalid frame rate %d", cfg.FPS)
	}
	switch cfg.VideoCodec {
	case core.CodecMJPEG, core.CodecRawRGBA:
	default:
		return nil, errors.Errorf("synthetic source cannot produce %s", cfg.VideoCodec)
	}
	if cfg.SampleRate > 0 {
		if cfg.Channels <= 0 {
			cfg.Channels = 1
		}
		if cfg.AudioChunk <= 0 {
			cfg.AudioChunk = 20 * time.Millisecond
		}
		if cfg.ToneHz <= 0 {
			cfg.ToneHz = 440
		}
	}

	s := &Synthetic{cfg: cfg, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = util.ComponentLogger(s.logger, "synthetic_source")
	return s, nil
}

// Config returns the effective configuration.
func (s *Synthetic) Config() SyntheticConfig { return s.cfg }

// Start launches the video and audio generators.
func (s *Synthetic) Start(ctx context.Context, sinks core.Sinks) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("synthetic source already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	if sinks.Video != nil {
		s.wg.Add(1)
		go s.runVideo(ctx, sinks)
	}
	if sinks.Audio != nil && s.cfg.SampleRate > 0 {
		s.wg.Add(1)
		go s.runAudio(ctx, sinks.Audio)
	}
	s.logger.Info("Synthetic source started",
		"size", core.Dimensions{Width: s.cfg.Width, Height: s.cfg.Height},
		"fps", s.cfg.FPS,
		"codec", s.cfg.VideoCodec,
		"sampleRate", s.cfg.SampleRate)
	return nil
}

// Stop halts the generators and waits for the last callback to return.
func (s *Synthetic) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("Synthetic source stopped")
	return nil
}

func (s *Synthetic) runVideo(ctx context.Context, sinks core.Sinks) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(time.Second / time.Duration(s.cfg.FPS))
	defer ticker.Stop()

	img := image.NewRGBA(image.Rect(0, 0, s.cfg.Width, s.cfg.Height))
	var jpg bytes.Buffer
	for n := 0; ; n++ {
		drawPattern(img, n)
		sb := &core.SampleBuffer{
			Kind:     core.MediaVideo,
			PTS:      time.Duration(n) * time.Second / time.Duration(s.cfg.FPS),
			Codec:    s.cfg.VideoCodec,
			KeyFrame: true,
			Width:    s.cfg.Width,
			Height:   s.cfg.Height,
		}
		switch s.cfg.VideoCodec {
		case core.CodecRawRGBA:
			sb.Data = img.Pix
		case core.CodecMJPEG:
			jpg.Reset()
			if err := jpeg.Encode(&jpg, img, &jpeg.Options{Quality: 80}); err != nil {
				if sinks.Errors != nil {
					sinks.Errors.OnCaptureError(errors.Wrapf(err, "encode frame %d", n))
				}
				return
			}
			sb.Data = jpg.Bytes()
			sb.Pixels = img
		}
		sinks.Video.OnVideoSample(sb)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}

func (s *Synthetic) runAudio(ctx context.Context, sink core.AudioSampleSink) {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.cfg.AudioChunk)
	defer ticker.Stop()

	frames := int(int64(s.cfg.SampleRate) * int64(s.cfg.AudioChunk) / int64(time.Second))
	if frames <= 0 {
		frames = 1
	}
	buf := make([]byte, frames*s.cfg.Channels*2)
	step := 2 * math.Pi * s.cfg.ToneHz / float64(s.cfg.SampleRate)

	var position int64
	for {
		for i := 0; i < frames; i++ {
			v := int16(math.Sin(step*float64(position+int64(i))) * 0.2 * math.MaxInt16)
			for ch := 0; ch < s.cfg.Channels; ch++ {
				binary.LittleEndian.PutUint16(buf[(i*s.cfg.Channels+ch)*2:], uint16(v))
			}
		}
		sink.OnAudioSample(&core.SampleBuffer{
			Kind:       core.MediaAudio,
			PTS:        time.Duration(position * int64(time.Second) / int64(s.cfg.SampleRate)),
			Codec:      core.CodecPCM,
			Data:       buf,
			SampleRate: s.cfg.SampleRate,
			Channels:   s.cfg.Channels,
		})
		position += int64(frames)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}

// drawPattern renders vertical color bars scrolling one column per frame
// with a progress stripe along the bottom edge.
func drawPattern(img *image.RGBA, n int) {
	bars := []color.RGBA{
		{255, 255, 255, 255}, {255, 255, 0, 255}, {0, 255, 255, 255}, {0, 255, 0, 255},
		{255, 0, 255, 255}, {255, 0, 0, 255}, {0, 0, 255, 255}, {16, 16, 16, 255},
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	barWidth := w / len(bars)
	if barWidth == 0 {
		barWidth = 1
	}
	stripe := h - h/10
	progress := (n * 4) % (w + 1)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := bars[((x+n)/barWidth)%len(bars)]
			if y >= stripe {
				if x < progress {
					c = color.RGBA{255, 64, 0, 255}
				} else {
					c = color.RGBA{0, 0, 0, 255}
				}
			}
			i := img.PixOffset(x, y)
			img.Pix[i+0] = c.R
			img.Pix[i+1] = c.G
			img.Pix[i+2] = c.B
			img.Pix[i+3] = c.A
		}
	}
}
