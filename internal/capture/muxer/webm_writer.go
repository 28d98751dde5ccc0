package muxer

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/at-wat/ebml-go/mkvcore"
	"github.com/at-wat/ebml-go/webm"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
	"github.com/babelcloud/gbox/packages/capture/internal/util"
)

// webmCloseTimeout bounds how long Close waits for the block writer to
// flush the last cluster.
const webmCloseTimeout = 5 * time.Second

// writerCloser hands the block writer a closable view of the output that
// leaves the real file open, and records write errors.
type writerCloser struct {
	writer io.Writer
	logger *slog.Logger

	mu     sync.Mutex
	err    error
	closed chan struct{}
	once   sync.Once
}

func (wc *writerCloser) Write(p []byte) (n int, err error) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.err != nil {
		return 0, wc.err
	}
	n, err = wc.writer.Write(p)
	if err != nil {
		wc.logger.Warn("Write error detected, marking writer as failed",
			"error", err,
			"data_size", len(p),
			"bytes_written", n)
		wc.err = err
	}
	return n, err
}

func (wc *writerCloser) Close() error {
	wc.once.Do(func() { close(wc.closed) })
	return nil
}

func (wc *writerCloser) fail(err error) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if wc.err == nil {
		wc.err = err
	}
}

func (wc *writerCloser) failure() error {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.err
}

type webmTrack struct {
	bw       webm.BlockWriteCloser
	first    time.Duration
	last     time.Duration
	lastStep time.Duration
	defStep  time.Duration
	samples  int
}

func (t *webmTrack) observe(pts time.Duration) {
	if t.samples == 0 {
		t.first = pts
	} else if step := pts - t.last; step > 0 {
		t.lastStep = step
	}
	t.last = pts
	t.samples++
}

func (t *webmTrack) duration() time.Duration {
	if t == nil || t.samples == 0 {
		return 0
	}
	step := t.lastStep
	if step == 0 {
		step = t.defStep
	}
	return t.last - t.first + step
}

// WebMWriter writes a WebM file with ebml-go SimpleBlocks. Timestamps are
// stored with millisecond precision.
type WebMWriter struct {
	out    *countingWriter
	wc     *writerCloser
	logger *slog.Logger
	tracks Tracks

	video  *webmTrack
	audio  *webmTrack
	closed bool
}

// NewWebMWriter writes the EBML header and track list.
func NewWebMWriter(w io.Writer, tracks Tracks, logger *slog.Logger) (*WebMWriter, error) {
	m := &WebMWriter{
		out:    &countingWriter{w: w},
		logger: util.ComponentLogger(logger, "webm_writer"),
		tracks: tracks,
	}
	m.wc = &writerCloser{writer: m.out, logger: m.logger, closed: make(chan struct{})}

	fps := tracks.Video.FrameRate
	if fps <= 0 {
		fps = 30
	}
	frameStep := time.Duration(float64(time.Second) / fps)

	videoEntry := webm.TrackEntry{
		Name:            "Video",
		TrackNumber:     1,
		TrackUID:        1,
		TrackType:       1,
		DefaultDuration: uint64(frameStep.Nanoseconds()),
		Video: &webm.Video{
			PixelWidth:  uint64(tracks.Video.Dimensions.Width),
			PixelHeight: uint64(tracks.Video.Dimensions.Height),
		},
	}
	switch tracks.Video.Codec {
	case core.CodecH264:
		videoEntry.CodecID = "V_MPEG4/ISO/AVC"
	case core.CodecMJPEG:
		videoEntry.CodecID = "V_MJPEG"
	default:
		return nil, errors.Errorf("unsupported video codec %s", tracks.Video.Codec)
	}
	entries := []webm.TrackEntry{videoEntry}

	audioStep := 20 * time.Millisecond
	if a := tracks.Audio; a != nil {
		audioEntry := webm.TrackEntry{
			Name:        "Audio",
			TrackNumber: 2,
			TrackUID:    2,
			TrackType:   2,
			Audio: &webm.Audio{
				SamplingFrequency: float64(a.SampleRate),
				Channels:          uint64(a.Channels),
			},
		}
		switch a.Codec {
		case core.CodecOpus:
			audioEntry.CodecID = "A_OPUS"
			audioEntry.DefaultDuration = uint64(audioStep.Nanoseconds())
		case core.CodecPCM:
			audioEntry.CodecID = "A_PCM/INT/LIT"
		case core.CodecAAC:
			asc := mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   a.SampleRate,
				ChannelCount: a.Channels,
			}
			priv, err := asc.Marshal()
			if err != nil {
				return nil, errors.Wrap(err, "failed to marshal AAC config")
			}
			audioEntry.CodecID = "A_AAC"
			audioEntry.CodecPrivate = priv
			audioStep = time.Duration(int64(1024) * int64(time.Second) / int64(a.SampleRate))
		default:
			return nil, errors.Errorf("unsupported audio codec %s", a.Codec)
		}
		entries = append(entries, audioEntry)
	}

	writers, err := webm.NewSimpleBlockWriter(m.wc, entries,
		mkvcore.WithOnFatalHandler(func(err error) {
			m.logger.Warn("WebM writer failed", "error", err)
			m.wc.fail(err)
		}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create WebM writer")
	}

	m.video = &webmTrack{bw: writers[0], defStep: frameStep}
	if len(writers) > 1 {
		m.audio = &webmTrack{bw: writers[1], defStep: audioStep}
	}
	return m, nil
}

// WriteVideo writes one frame. H.264 is stored as Annex-B.
func (m *WebMWriter) WriteVideo(pts time.Duration, data []byte, keyFrame bool) error {
	if m.closed {
		return errors.New("writer closed")
	}
	if err := m.wc.failure(); err != nil {
		return errors.Wrap(err, "webm output failed")
	}
	if len(data) == 0 {
		return nil
	}
	if m.tracks.Video.Codec == core.CodecMJPEG {
		keyFrame = true
	}
	if _, err := m.video.bw.Write(keyFrame, pts.Milliseconds(), append([]byte(nil), data...)); err != nil {
		return errors.Wrap(err, "failed to write video block")
	}
	m.video.observe(pts)
	return nil
}

// WriteAudio writes one audio packet.
func (m *WebMWriter) WriteAudio(pts time.Duration, data []byte) error {
	if m.closed {
		return errors.New("writer closed")
	}
	if m.audio == nil {
		return errors.New("no audio track")
	}
	if err := m.wc.failure(); err != nil {
		return errors.Wrap(err, "webm output failed")
	}
	if len(data) == 0 {
		return nil
	}
	if m.tracks.Audio.Codec == core.CodecAAC {
		data = stripADTSHeader(data)
	}
	if _, err := m.audio.bw.Write(true, pts.Milliseconds(), append([]byte(nil), data...)); err != nil {
		return errors.Wrap(err, "failed to write audio block")
	}
	if m.tracks.Audio.Codec == core.CodecPCM {
		frames := pcmFrames(data, m.tracks.Audio.Channels)
		m.audio.defStep = time.Duration(frames * int64(time.Second) / int64(m.tracks.Audio.SampleRate))
	}
	m.audio.observe(pts)
	return nil
}

// Close flushes and finalizes every track. The underlying writer stays open.
func (m *WebMWriter) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true

	for _, t := range []*webmTrack{m.video, m.audio} {
		if t == nil {
			continue
		}
		if err := t.bw.Close(); err != nil {
			m.logger.Warn("Track writer close error", "error", err)
		}
	}

	select {
	case <-m.wc.closed:
	case <-time.After(webmCloseTimeout):
		return errors.New("timed out finalizing WebM output")
	}
	if err := m.wc.failure(); err != nil {
		return errors.Wrap(err, "webm output failed")
	}

	m.logger.Debug("WebM writer closed",
		"videoSamples", m.video.samples,
		"bytes", m.wc.bytes())
	return nil
}

// Stats reports samples handed to the block writer.
func (m *WebMWriter) Stats() Stats {
	st := Stats{
		VideoSamples:  m.video.samples,
		VideoDuration: m.video.duration(),
		Bytes:         m.wc.bytes(),
	}
	if m.audio != nil {
		st.AudioSamples = m.audio.samples
		st.AudioDuration = m.audio.duration()
	}
	return st
}

func (wc *writerCloser) bytes() int64 {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	if cw, ok := wc.writer.(*countingWriter); ok {
		return cw.n
	}
	return 0
}
