// Package coordinator wires a capture source to the preview queue and the
// active recording session.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/h264"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/muxer"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/orientation"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/preview"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/recorder"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/stats"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/taskqueue"
	"github.com/babelcloud/gbox/packages/capture/internal/util"
)

var (
	ErrAlreadyRunning  = errors.New("capture already running")
	ErrNotCapturing    = errors.New("capture is not running")
	ErrRecordingActive = errors.New("a recording is already active")
)

// Config holds coordinator settings.
type Config struct {
	// Recording is the template for every session; Transform is filled in
	// at recording start.
	Recording recorder.Config
	// Reference is the initial reference orientation; defaults to Portrait.
	Reference orientation.Orientation
	// Current is the initial device orientation; defaults to Reference.
	Current     orientation.Orientation
	StatsWindow time.Duration
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the base logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithFs sets the file system recordings are written to.
func WithFs(fs afero.Fs) Option {
	return func(c *Coordinator) { c.fs = fs }
}

// WithClock sets the clock shared by the preview queue and sessions.
func WithClock(clk clock.PassiveClock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithWriterFactory replaces the movie writer factory.
func WithWriterFactory(f muxer.Factory) Option {
	return func(c *Coordinator) { c.newWriter = f }
}

// WithErrorHandler registers the error callback. It runs on the
// coordinator's UI queue, one error at a time.
func WithErrorHandler(fn func(*core.Error)) Option {
	return func(c *Coordinator) { c.onError = fn }
}

// Coordinator implements the capture sinks. Sample callbacks never block:
// they touch the estimator, the preview slot and the session's queue only.
type Coordinator struct {
	cfg       Config
	source    core.Source
	logger    *slog.Logger
	fs        afero.Fs
	clock     clock.PassiveClock
	newWriter muxer.Factory
	onError   func(*core.Error)

	estimator *stats.FrameRateEstimator
	preview   *preview.Queue
	ui        *taskqueue.Serial

	session        atomic.Pointer[recorder.Session]
	reference      atomic.Int32
	current        atomic.Int32
	videoFormat    atomic.Pointer[core.VideoFormatInfo]
	formatReported atomic.Bool

	// draining holds a stopped session until its file is finalized.
	draining atomic.Pointer[recorder.Session]

	// mu serializes lifecycle calls; sample callbacks never take it.
	mu        sync.Mutex
	capturing bool
	cancel    context.CancelFunc
}

var (
	_ core.VideoSampleSink = (*Coordinator)(nil)
	_ core.AudioSampleSink = (*Coordinator)(nil)
	_ core.ErrorSink       = (*Coordinator)(nil)
)

// New creates a coordinator for source.
func New(source core.Source, cfg Config, opts ...Option) *Coordinator {
	if !cfg.Reference.Valid() {
		cfg.Reference = orientation.Portrait
	}
	if !cfg.Current.Valid() {
		cfg.Current = cfg.Reference
	}
	c := &Coordinator{
		cfg:       cfg,
		source:    source,
		fs:        afero.NewOsFs(),
		clock:     clock.RealClock{},
		newWriter: muxer.New,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = util.ComponentLogger(c.logger, "coordinator")
	c.estimator = stats.NewFrameRateEstimator(cfg.StatsWindow)
	c.preview = preview.NewQueue(preview.WithClock(c.clock), preview.WithLogger(c.logger))
	c.ui = taskqueue.NewSerial("ui", c.logger)
	c.reference.Store(int32(cfg.Reference))
	c.current.Store(int32(cfg.Current))
	return c
}

// StartCapture starts the source. Errors raised while starting are returned;
// later source failures arrive through the error callback.
func (c *Coordinator) StartCapture(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capturing {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := c.source.Start(runCtx, core.Sinks{Video: c, Audio: c, Errors: c}); err != nil {
		cancel()
		return core.NewError(core.CaptureSourceFailure, err, "start capture source")
	}
	c.capturing = true
	c.cancel = cancel
	c.logger.Info("Capture started")
	return nil
}

// StopCapture finishes an active recording, waiting for it to drain, and
// then stops the source. If ctx ends first the source is stopped anyway and
// the ctx error is returned; the session keeps finalizing in the background
// and StartRecording is refused until its Done closes.
func (c *Coordinator) StopCapture(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.capturing {
		return nil
	}

	c.stopRecordingLocked()
	var drainErr error
	if s := c.draining.Load(); s != nil {
		select {
		case <-s.Done():
		case <-ctx.Done():
			c.logger.Warn("Recording still finalizing, stopping capture anyway", "session", s.ID())
			drainErr = errors.Wrap(ctx.Err(), "waiting for recording to finish")
		}
	}

	err := c.source.Stop()
	c.cancel()
	c.capturing = false
	c.estimator.Reset()
	if err != nil {
		return core.NewError(core.CaptureSourceFailure, err, "stop capture source")
	}
	c.logger.Info("Capture stopped", "preview", c.preview.Stats())
	return drainErr
}

// Capturing reports whether the source is running.
func (c *Coordinator) Capturing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capturing
}

// StartRecording creates a session oriented against the current reference
// and starts it. The output file is created asynchronously; creation
// failures arrive through the error callback.
func (c *Coordinator) StartRecording() (*recorder.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.capturing {
		return nil, ErrNotCapturing
	}
	if s := c.session.Load(); s != nil && !s.State().Terminal() {
		return nil, ErrRecordingActive
	}
	if s := c.draining.Load(); s != nil && !s.State().Terminal() {
		return nil, ErrRecordingActive
	}

	reference := orientation.Orientation(c.reference.Load())
	current := orientation.Orientation(c.current.Load())
	cfg := c.cfg.Recording
	cfg.Transform = orientation.ComputeTransform(current, reference)

	s := recorder.New(cfg,
		recorder.WithFs(c.fs),
		recorder.WithClock(c.clock),
		recorder.WithLogger(c.logger),
		recorder.WithWriterFactory(c.newWriter),
		recorder.WithFrameRate(c.estimator.CurrentRate),
		recorder.WithErrorHandler(c.report),
	)
	if err := s.Start(); err != nil {
		return nil, err
	}
	c.session.Store(s)
	go c.release(s)

	c.logger.Info("Recording requested", "session", s.ID(), "reference", reference, "current", current,
		"degrees", cfg.Transform.Degrees())
	return s, nil
}

// release drops the session pointers once the session is over, so a failed
// session stops receiving samples and the next recording may start.
func (c *Coordinator) release(s *recorder.Session) {
	<-s.Done()
	c.session.CompareAndSwap(s, nil)
	c.draining.CompareAndSwap(s, nil)
}

// StopRecording stops the active session and returns it, or nil when none
// is active. The session finalizes in the background; a new recording can
// start once its Done closes.
func (c *Coordinator) StopRecording() *recorder.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRecordingLocked()
}

func (c *Coordinator) stopRecordingLocked() *recorder.Session {
	s := c.session.Swap(nil)
	if s == nil {
		return nil
	}
	c.draining.Store(s)
	s.Stop()
	if s.State().Terminal() {
		c.draining.CompareAndSwap(s, nil)
	}
	return s
}

// Session returns the active recording, if any.
func (c *Coordinator) Session() *recorder.Session {
	return c.session.Load()
}

// SetReferenceOrientation sets the orientation the next recording treats as
// upright. A recording in progress keeps its own.
func (c *Coordinator) SetReferenceOrientation(o orientation.Orientation) error {
	if err := o.Validate(); err != nil {
		c.report(core.AsError(err, core.OrientationConfigError))
		return err
	}
	c.reference.Store(int32(o))
	return nil
}

// SetCurrentOrientation records a device rotation.
func (c *Coordinator) SetCurrentOrientation(o orientation.Orientation) error {
	if err := o.Validate(); err != nil {
		c.report(core.AsError(err, core.OrientationConfigError))
		return err
	}
	c.current.Store(int32(o))
	return nil
}

// ReferenceOrientation returns the reference used by the next recording.
func (c *Coordinator) ReferenceOrientation() orientation.Orientation {
	return orientation.Orientation(c.reference.Load())
}

// TransformForOrientation returns the transform of o against the current
// reference orientation.
func (c *Coordinator) TransformForOrientation(o orientation.Orientation) orientation.AffineTransform {
	return orientation.ComputeTransform(o, orientation.Orientation(c.reference.Load()))
}

// PullLatestFrame returns the newest frame if it was not pulled before. The
// caller must Release it.
func (c *Coordinator) PullLatestFrame() (*preview.Frame, bool) {
	return c.preview.Pull()
}

// Preview exposes the preview queue to display consumers.
func (c *Coordinator) Preview() *preview.Queue {
	return c.preview
}

// SetDisplayObserver registers the frame observer used by RunDisplay; nil
// clears it.
func (c *Coordinator) SetDisplayObserver(o preview.Observer) {
	c.preview.SetObserver(o)
}

// RunDisplay delivers frames to the display observer until ctx is done.
func (c *Coordinator) RunDisplay(ctx context.Context) {
	c.preview.Run(ctx)
}

// VideoFormat returns the format detected from the first accepted frame,
// with the frame rate measured now.
func (c *Coordinator) VideoFormat() (core.VideoFormatInfo, bool) {
	vf := c.videoFormat.Load()
	if vf == nil {
		return core.VideoFormatInfo{}, false
	}
	out := *vf
	out.FrameRate = c.estimator.CurrentRate()
	return out, true
}

// FrameRate returns the measured frame rate.
func (c *Coordinator) FrameRate() float64 {
	return c.estimator.CurrentRate()
}

// OnVideoSample handles one video buffer on the capture goroutine.
func (c *Coordinator) OnVideoSample(sb *core.SampleBuffer) {
	if sb == nil {
		return
	}
	transform := orientation.ComputeTransform(
		orientation.Orientation(c.current.Load()),
		orientation.Orientation(c.reference.Load()),
	)
	c.estimator.OnVideoTimestamp(sb.PTS)

	if !c.acceptFormat(sb) {
		return
	}

	c.preview.Push(preview.NewFrame(sb, transform))

	if s := c.session.Load(); s != nil {
		if err := s.Append(sb); err != nil && !isBenignAppendError(err) {
			c.logger.Debug("Video sample not recorded", "error", err)
		}
	}
}

// OnAudioSample handles one audio buffer on the capture goroutine.
func (c *Coordinator) OnAudioSample(sb *core.SampleBuffer) {
	if sb == nil {
		return
	}
	if s := c.session.Load(); s != nil {
		if err := s.Append(sb); err != nil && !isBenignAppendError(err) {
			c.logger.Debug("Audio sample not recorded", "error", err)
		}
	}
}

// isBenignAppendError reports skips that need no log: the session is not
// recording, or the sample predates its time origin.
func isBenignAppendError(err error) bool {
	return errors.Is(err, recorder.ErrNotRecording) || errors.Is(err, recorder.ErrDropped)
}

// OnCaptureError relays a source failure.
func (c *Coordinator) OnCaptureError(err error) {
	if err == nil {
		return
	}
	c.report(core.AsError(err, core.CaptureSourceFailure))
}

// acceptFormat sets the video format from the first usable frame and drops
// frames that do not match it.
func (c *Coordinator) acceptFormat(sb *core.SampleBuffer) bool {
	if vf := c.videoFormat.Load(); vf != nil {
		return sb.Codec == vf.Codec
	}

	vf := core.VideoFormatInfo{
		Codec:      sb.Codec,
		Dimensions: core.Dimensions{Width: sb.Width, Height: sb.Height},
	}
	if sb.Codec == core.CodecH264 && (sb.Width == 0 || sb.Height == 0) {
		sps, _ := h264.ParameterSets(sb.Data)
		if sps == nil {
			// Size is unknown until the first parameter sets.
			return false
		}
		info, err := h264.ParseSPS(sps)
		if err == nil {
			vf.Dimensions = core.Dimensions{Width: info.Width, Height: info.Height}
		}
	}
	if err := vf.Validate(); err != nil {
		if c.formatReported.CompareAndSwap(false, true) {
			c.report(core.AsError(err, core.UnsupportedFormat))
		}
		return false
	}
	if c.videoFormat.CompareAndSwap(nil, &vf) {
		c.logger.Info("Video format detected", "codec", vf.Codec, "dimensions", vf.Dimensions)
	}
	return true
}

// report logs e and hands it to the error callback on the UI queue.
func (c *Coordinator) report(e *core.Error) {
	if e == nil {
		return
	}
	c.logger.Error("Capture error", "kind", e.Kind, "error", e)
	c.ui.Enqueue(func() {
		if c.onError != nil {
			c.onError(e)
		}
	})
}

// Close stops capture and releases the preview and UI queues.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.StopCapture(ctx)
	c.preview.Close()
	c.ui.Close()
	return err
}
