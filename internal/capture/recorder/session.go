// Package recorder owns one movie file per recording session. Samples are
// accepted on capture goroutines and written in order by a per-session
// worker; the file only appears under its final name once it is complete.
package recorder

import (
	"bytes"
	"context"
	"image"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dchest/uniuri"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/h264"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/muxer"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/orientation"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/taskqueue"
	"github.com/babelcloud/gbox/packages/capture/internal/util"
)

var (
	// ErrNotRecording is returned by Append outside the Recording state.
	ErrNotRecording = errors.New("session is not recording")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("session already started")
	// ErrDropped is returned by Append for a sample that was not queued for
	// writing: frames before the time origin, or video without a picture.
	ErrDropped = errors.New("sample dropped")
)

const defaultJPEGQuality = 85

// Config describes one recording.
type Config struct {
	Dir       string
	Container muxer.Container
	// Prefix starts the output file name; defaults to "capture".
	Prefix string
	// Transform is the orientation transform stored with the recording.
	Transform orientation.AffineTransform
	// DefaultAudio lays out an audio track when no audio was observed before
	// the first video frame. Nil means video only in that case.
	DefaultAudio *core.AudioFormatInfo
	JPEGQuality  int
}

// Result describes a finished session.
type Result struct {
	ID            string
	Path          string
	Container     muxer.Container
	VideoFrames   int
	AudioFrames   int
	DroppedAudio  int
	VideoDuration time.Duration
	AudioDuration time.Duration
	Bytes         int64
	Transform     orientation.AffineTransform
	VideoFormat   core.VideoFormatInfo
	AudioFormat   *core.AudioFormatInfo
	StartedAt     time.Time
	FinishedAt    time.Time
	Err           *core.Error
}

// Option configures a Session.
type Option func(*Session)

// WithFs sets the file system the recording is written to.
func WithFs(fs afero.Fs) Option {
	return func(s *Session) { s.fs = fs }
}

// WithWriterFactory replaces muxer.New.
func WithWriterFactory(f muxer.Factory) Option {
	return func(s *Session) { s.newWriter = f }
}

// WithClock sets the clock used for start and finish times.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Session) { s.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithErrorHandler registers the failure callback. It runs at most once, on
// the session worker.
func WithErrorHandler(fn func(*core.Error)) Option {
	return func(s *Session) { s.onError = fn }
}

// WithFrameRate supplies the measured frame rate reported in the video format.
func WithFrameRate(fn func() float64) Option {
	return func(s *Session) { s.frameRate = fn }
}

// Session records one movie file.
type Session struct {
	id        string
	cfg       Config
	fs        afero.Fs
	newWriter muxer.Factory
	clock     clock.PassiveClock
	logger    *slog.Logger
	onError   func(*core.Error)
	frameRate func() float64
	queue     *taskqueue.Serial

	finalPath   string
	partialPath string

	started     chan struct{}
	startedOnce sync.Once
	done        chan struct{}
	failOnce    sync.Once

	// mu guards the fields below; it is never held across I/O.
	mu           sync.Mutex
	state        State
	originSet    bool
	origin       time.Duration
	audioSeen    *core.AudioFormatInfo
	droppedAudio int
	startedAt    time.Time
	result       Result

	// Owned by the worker.
	file        afero.File
	writer      muxer.MovieWriter
	tracks      muxer.Tracks
	failed      bool
	videoFrames int
	audioFrames int
	skipped     int
}

// New prepares a session in the Idle state.
func New(cfg Config, opts ...Option) *Session {
	if cfg.Container == "" {
		cfg.Container = muxer.ContainerMP4
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "capture"
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = defaultJPEGQuality
	}
	if cfg.Transform == (orientation.AffineTransform{}) {
		cfg.Transform = orientation.Identity
	}

	s := &Session{
		id:        uuid.New().String(),
		cfg:       cfg,
		fs:        afero.NewOsFs(),
		newWriter: muxer.New,
		clock:     clock.RealClock{},
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = util.ComponentLogger(s.logger, "recorder").With("session", s.id[:8])
	s.queue = taskqueue.NewSerial("recorder-"+s.id[:8], s.logger)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Transform returns the orientation transform of this recording.
func (s *Session) Transform() orientation.AffineTransform { return s.cfg.Transform }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Path is the final location of the recording, known once Start was called.
func (s *Session) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalPath
}

// Started is closed once the output file exists or creating it failed.
func (s *Session) Started() <-chan struct{} { return s.started }

// Done is closed once the session is Finalized or Failed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start moves Idle to Starting and creates the output file on the worker.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = Starting
	s.startedAt = s.clock.Now()
	name := s.cfg.Prefix + "-" + s.startedAt.Format("20060102-150405") + "-" + s.id[:8] + s.cfg.Container.Extension()
	s.finalPath = filepath.Join(s.cfg.Dir, name)
	s.partialPath = filepath.Join(s.cfg.Dir, "."+name+"."+uniuri.NewLen(8)+".partial")
	s.mu.Unlock()

	s.logger.Info("Recording starting", "path", s.finalPath, "container", s.cfg.Container)
	s.queue.Enqueue(s.open)
	return nil
}

// Append hands a sample to the worker. It never waits for disk I/O. The
// first video frame (the first keyframe for H.264) becomes time zero; audio
// older than that is dropped. Only a nil error means the sample will be in
// the file.
func (s *Session) Append(sb *core.SampleBuffer) error {
	if sb == nil {
		return ErrDropped
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Recording {
		return ErrNotRecording
	}

	var audio *core.AudioFormatInfo
	switch sb.Kind {
	case core.MediaVideo:
		if !hasPicture(sb) {
			return ErrDropped
		}
		if !s.originSet {
			if sb.Codec == core.CodecH264 && !sb.KeyFrame && !h264.IsKeyFrame(sb.Data) {
				return ErrDropped
			}
			s.originSet = true
			s.origin = sb.PTS
			audio = s.audioSeen
			if audio == nil {
				audio = s.cfg.DefaultAudio
			}
		}
		if sb.PTS < s.origin {
			return ErrDropped
		}
	case core.MediaAudio:
		if s.audioSeen == nil && sb.Codec.IsAudio() {
			s.audioSeen = &core.AudioFormatInfo{Codec: sb.Codec, SampleRate: sb.SampleRate, Channels: sb.Channels}
		}
		if len(sb.Data) == 0 || !s.originSet || sb.PTS < s.origin {
			s.droppedAudio++
			return ErrDropped
		}
	default:
		return ErrDropped
	}

	c := sb.Clone()
	c.PTS -= s.origin
	if audio != nil {
		a := *audio
		s.queue.Enqueue(func() { s.write(c, &a) })
	} else {
		s.queue.Enqueue(func() { s.write(c, nil) })
	}
	return nil
}

// Stop moves Starting or Recording to Stopping. Writes already queued are
// drained before the file is finalized. Stopping twice is a no-op.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state != Starting && s.state != Recording {
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	s.mu.Unlock()

	s.logger.Info("Recording stopping", "pending", s.queue.Len())
	s.queue.Enqueue(s.finalize)
}

// Wait blocks until the session is terminal and returns its result. The
// error is the session failure, if any.
func (s *Session) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result.Err != nil {
		return s.result, s.result.Err
	}
	return s.result, nil
}

// open runs on the worker.
func (s *Session) open() {
	if err := s.fs.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		s.fail(core.NewError(core.ResourceCreationFailure, err, "create output directory %s", s.cfg.Dir))
		return
	}
	f, err := s.fs.OpenFile(s.partialPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		s.fail(core.NewError(core.ResourceCreationFailure, err, "create output file"))
		return
	}
	s.file = f

	s.mu.Lock()
	if s.state == Starting {
		s.state = Recording
	}
	s.mu.Unlock()
	s.startedOnce.Do(func() { close(s.started) })
	s.logger.Debug("Output file created", "partial", s.partialPath)
}

// write runs on the worker.
func (s *Session) write(sb *core.SampleBuffer, audio *core.AudioFormatInfo) {
	if s.failed {
		return
	}

	if sb.Kind == core.MediaAudio {
		if s.writer == nil || s.tracks.Audio == nil || s.tracks.Audio.Codec != sb.Codec {
			s.skipped++
			return
		}
		if err := s.writer.WriteAudio(sb.PTS, sb.Data); err != nil {
			s.fail(failure(core.WriteFailure, err, "append audio frame %d", s.audioFrames+1))
			return
		}
		s.audioFrames++
		return
	}

	if s.writer == nil {
		if err := s.createWriter(sb, audio); err != nil {
			s.fail(failure(core.ResourceCreationFailure, err, "create movie tracks"))
			return
		}
	}

	data, key, err := s.encodeVideo(sb)
	if err != nil {
		s.fail(failure(core.WriteFailure, err, "encode video frame %d", s.videoFrames+1))
		return
	}
	if err := s.writer.WriteVideo(sb.PTS, data, key); err != nil {
		s.fail(failure(core.WriteFailure, err, "append video frame %d", s.videoFrames+1))
		return
	}
	s.videoFrames++
	s.logger.Debug("Video frame written", "pts", sb.PTS, "frames", s.videoFrames)
}

func (s *Session) createWriter(sb *core.SampleBuffer, audio *core.AudioFormatInfo) error {
	tracks := muxer.Tracks{
		Video: core.VideoFormatInfo{
			Codec:      sb.Codec,
			Dimensions: core.Dimensions{Width: sb.Width, Height: sb.Height},
			FrameRate:  s.currentFrameRate(),
		},
		Audio: audio,
	}
	switch sb.Codec {
	case core.CodecH264:
		tracks.SPS, tracks.PPS = h264.ParameterSets(sb.Data)
		if len(tracks.SPS) > 0 && (sb.Width == 0 || sb.Height == 0) {
			info, err := h264.ParseSPS(tracks.SPS)
			if err != nil {
				return err
			}
			tracks.Video.Dimensions = core.Dimensions{Width: info.Width, Height: info.Height}
		}
	case core.CodecRawRGBA:
		// Raw frames are stored as JPEG images.
		tracks.Video.Codec = core.CodecMJPEG
		if b := s.pixelsOf(sb); b != nil && (sb.Width == 0 || sb.Height == 0) {
			tracks.Video.Dimensions = core.Dimensions{Width: b.Bounds().Dx(), Height: b.Bounds().Dy()}
		}
	}

	w, err := s.newWriter(s.cfg.Container, s.file, tracks, s.logger)
	if err != nil {
		return err
	}
	s.writer = w
	s.tracks = tracks
	if audio != nil {
		s.logger.Info("Movie tracks created", "video", tracks.Video.Dimensions, "codec", tracks.Video.Codec,
			"audio", audio.Codec, "sampleRate", audio.SampleRate, "channels", audio.Channels)
	} else {
		s.logger.Info("Movie tracks created", "video", tracks.Video.Dimensions, "codec", tracks.Video.Codec)
	}
	return nil
}

// hasPicture reports whether a video sample carries something to write. An
// H.264 access unit made only of parameter sets or SEI has no picture.
func hasPicture(sb *core.SampleBuffer) bool {
	if sb.Codec == core.CodecRawRGBA && sb.Pixels != nil {
		return true
	}
	if len(sb.Data) == 0 {
		return false
	}
	if sb.Codec == core.CodecH264 {
		return h264.HasPicture(sb.Data)
	}
	return true
}

func (s *Session) pixelsOf(sb *core.SampleBuffer) image.Image {
	if sb.Pixels != nil {
		return sb.Pixels
	}
	if sb.Width <= 0 || sb.Height <= 0 || len(sb.Data) < sb.Width*sb.Height*4 {
		return nil
	}
	return &image.RGBA{Pix: sb.Data, Stride: sb.Width * 4, Rect: image.Rect(0, 0, sb.Width, sb.Height)}
}

func (s *Session) encodeVideo(sb *core.SampleBuffer) ([]byte, bool, error) {
	switch sb.Codec {
	case core.CodecH264:
		return sb.Data, sb.KeyFrame || h264.IsKeyFrame(sb.Data), nil
	case core.CodecMJPEG:
		return sb.Data, true, nil
	case core.CodecRawRGBA:
		img := s.pixelsOf(sb)
		if img == nil {
			return nil, false, errors.Errorf("raw frame too short: %d bytes for %dx%d", len(sb.Data), sb.Width, sb.Height)
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.cfg.JPEGQuality}); err != nil {
			return nil, false, errors.Wrap(err, "jpeg encode")
		}
		return buf.Bytes(), true, nil
	}
	return nil, false, core.NewError(core.UnsupportedFormat, nil, "video codec %s cannot be recorded", sb.Codec)
}

// finalize runs on the worker after every queued write.
func (s *Session) finalize() {
	if s.failed {
		return
	}
	if s.writer == nil {
		s.fail(core.NewError(core.WriteFailure, nil, "no video frames were recorded"))
		return
	}
	if err := s.writer.Close(); err != nil {
		s.fail(failure(core.WriteFailure, err, "finalize container"))
		return
	}
	stats := s.writer.Stats()

	if err := s.file.Sync(); err != nil {
		s.fail(core.NewError(core.WriteFailure, err, "sync output file"))
		return
	}
	err := s.file.Close()
	s.file = nil
	if err != nil {
		s.fail(core.NewError(core.WriteFailure, err, "close output file"))
		return
	}
	if err := s.fs.Rename(s.partialPath, s.finalPath); err != nil {
		s.fail(core.NewError(core.WriteFailure, err, "move recording into place"))
		return
	}

	res := s.baseResult()
	res.Path = s.finalPath
	res.VideoDuration = stats.VideoDuration
	res.AudioDuration = stats.AudioDuration
	res.Bytes = stats.Bytes
	res.VideoFrames = stats.VideoSamples
	res.AudioFrames = stats.AudioSamples
	if res.VideoFormat.FrameRate == 0 && stats.VideoDuration > 0 {
		res.VideoFormat.FrameRate = float64(stats.VideoSamples) / stats.VideoDuration.Seconds()
	}

	s.mu.Lock()
	s.state = Finalized
	s.result = res
	s.mu.Unlock()

	s.logger.Info("Recording finalized",
		"path", res.Path,
		"videoFrames", res.VideoFrames,
		"audioFrames", res.AudioFrames,
		"duration", res.VideoDuration,
		"bytes", res.Bytes,
		"maxBacklog", s.queue.HighWater())
	s.finish()
}

// fail tears the recording down and reports e. Only the first failure counts.
func (s *Session) fail(e *core.Error) {
	s.failOnce.Do(func() {
		s.failed = true
		if s.writer != nil {
			if err := s.writer.Close(); err != nil {
				s.logger.Debug("Writer close after failure", "error", err)
			}
		}
		if s.file != nil {
			if err := s.file.Close(); err != nil {
				s.logger.Debug("File close after failure", "error", err)
			}
			s.file = nil
		}
		if s.partialPath != "" {
			if err := s.fs.Remove(s.partialPath); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("Failed to remove partial recording", "path", s.partialPath, "error", err)
			}
		}

		res := s.baseResult()
		res.Err = e
		res.VideoFrames = s.videoFrames
		res.AudioFrames = s.audioFrames

		s.mu.Lock()
		s.state = Failed
		s.result = res
		s.mu.Unlock()

		s.logger.Error("Recording failed", "error", e)
		if s.onError != nil {
			s.onError(e)
		}
		s.finish()
	})
}

func (s *Session) baseResult() Result {
	s.mu.Lock()
	dropped := s.droppedAudio
	startedAt := s.startedAt
	s.mu.Unlock()

	vf := s.tracks.Video
	if vf.Codec != core.CodecUnknown {
		vf.FrameRate = s.currentFrameRate()
	}
	return Result{
		ID:           s.id,
		Container:    s.cfg.Container,
		DroppedAudio: dropped + s.skipped,
		Transform:    s.cfg.Transform,
		VideoFormat:  vf,
		AudioFormat:  s.tracks.Audio,
		StartedAt:    startedAt,
		FinishedAt:   s.clock.Now(),
	}
}

func (s *Session) currentFrameRate() float64 {
	if s.frameRate == nil {
		return 0
	}
	return s.frameRate()
}

func (s *Session) finish() {
	s.startedOnce.Do(func() { close(s.started) })
	close(s.done)
	s.queue.Close()
}

// failure keeps the code of an already classified error.
func failure(kind core.ErrorKind, err error, format string, args ...interface{}) *core.Error {
	if k := core.KindOf(err); k != 0 {
		kind = k
	}
	return core.NewError(kind, err, format, args...)
}
