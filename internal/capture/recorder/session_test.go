package recorder

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/muxer"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/orientation"
	"github.com/babelcloud/gbox/packages/capture/internal/util"
)

const testDir = "/recordings"

var errDiskFull = errors.New("disk full")

// gatedFs holds file creation until the gate is closed.
type gatedFs struct {
	afero.Fs
	gate chan struct{}
}

func (g *gatedFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	<-g.gate
	return g.Fs.OpenFile(name, flag, perm)
}

// faultyFs hands out files that fail every write after the first failAfter.
type faultyFs struct {
	afero.Fs
	failAfter int32
	writes    atomic.Int32
}

func (f *faultyFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	file, err := f.Fs.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f}, nil
}

type faultyFile struct {
	afero.File
	fs *faultyFs
}

func (f *faultyFile) Write(p []byte) (int, error) {
	if f.fs.writes.Add(1) > f.fs.failAfter {
		return 0, errDiskFull
	}
	return f.File.Write(p)
}

// errorRecorder collects failure callbacks.
type errorRecorder struct {
	mu   sync.Mutex
	errs []*core.Error
}

func (r *errorRecorder) handle(e *core.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, e)
}

func (r *errorRecorder) all() []*core.Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*core.Error(nil), r.errs...)
}

func videoFrame(pts time.Duration) *core.SampleBuffer {
	return &core.SampleBuffer{
		Kind:   core.MediaVideo,
		PTS:    pts,
		Codec:  core.CodecMJPEG,
		Data:   []byte{0xff, 0xd8, 0xff, 0xe0, 0x01, 0x02, 0xff, 0xd9},
		Width:  64,
		Height: 48,
	}
}

func audioChunk(pts time.Duration) *core.SampleBuffer {
	return &core.SampleBuffer{
		Kind:       core.MediaAudio,
		PTS:        pts,
		Codec:      core.CodecPCM,
		Data:       make([]byte, 960*2*2),
		SampleRate: 48000,
		Channels:   2,
	}
}

func framePTS(i, fps int) time.Duration {
	return time.Duration(i) * time.Second / time.Duration(fps)
}

func newTestSession(t *testing.T, fs afero.Fs, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithFs(fs), WithLogger(util.DiscardLogger())}, opts...)
	return New(Config{Dir: testDir, Container: muxer.ContainerMP4}, opts...)
}

func startAndWait(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Start())
	select {
	case <-s.Started():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not start")
	}
	require.Equal(t, Recording, s.State())
}

func waitResult(t *testing.T, s *Session) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Wait(ctx)
}

func listDir(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	infos, err := afero.ReadDir(fs, testDir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, fi := range infos {
		names = append(names, fi.Name())
	}
	return names
}

func TestSession_RejectsBeforeStart(t *testing.T) {
	s := newTestSession(t, afero.NewMemMapFs())
	assert.Equal(t, Idle, s.State())
	assert.ErrorIs(t, s.Append(videoFrame(0)), ErrNotRecording)
	assert.ErrorIs(t, s.Append(audioChunk(0)), ErrNotRecording)

	s.Stop()
	assert.Equal(t, Idle, s.State(), "stop before start is a no-op")
}

func TestSession_RejectsWhileStarting(t *testing.T) {
	fs := &gatedFs{Fs: afero.NewMemMapFs(), gate: make(chan struct{})}
	s := newTestSession(t, fs)

	require.NoError(t, s.Start())
	assert.Equal(t, Starting, s.State())
	assert.ErrorIs(t, s.Append(videoFrame(0)), ErrNotRecording)
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)

	close(fs.gate)
	<-s.Started()
	assert.Equal(t, Recording, s.State())
	require.NoError(t, s.Append(videoFrame(0)))

	s.Stop()
	res, err := waitResult(t, s)
	require.NoError(t, err)
	assert.Equal(t, 1, res.VideoFrames)
}

func TestSession_RecordsInterleavedAudioAndVideo(t *testing.T) {
	fs := afero.NewMemMapFs()
	now := time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)
	transform := orientation.ComputeTransform(orientation.LandscapeLeft, orientation.Portrait)
	s := New(Config{
		Dir:       testDir,
		Container: muxer.ContainerMP4,
		Transform: transform,
	},
		WithFs(fs),
		WithLogger(util.DiscardLogger()),
		WithClock(testingclock.NewFakeClock(now)),
		WithFrameRate(func() float64 { return 30 }),
	)
	startAndWait(t, s)

	origin := time.Second
	audioPTS := origin - 100*time.Millisecond
	accepted, dropped := 0, 0
	for i := 0; i < 90; i++ {
		pts := origin + framePTS(i, 30)
		for ; audioPTS < pts; audioPTS += 20 * time.Millisecond {
			if err := s.Append(audioChunk(audioPTS)); err != nil {
				require.ErrorIs(t, err, ErrDropped)
				dropped++
			}
		}
		require.NoError(t, s.Append(videoFrame(pts)))
		accepted++
	}
	for ; audioPTS < origin+3*time.Second; audioPTS += 20 * time.Millisecond {
		require.NoError(t, s.Append(audioChunk(audioPTS)))
	}

	s.Stop()
	res, err := waitResult(t, s)
	require.NoError(t, err)
	assert.Equal(t, Finalized, s.State())

	assert.Equal(t, accepted, res.VideoFrames)
	assert.Equal(t, 150, res.AudioFrames)
	assert.Equal(t, 5, res.DroppedAudio)
	assert.Equal(t, dropped, res.DroppedAudio)
	assert.Equal(t, 3*time.Second, res.VideoDuration)
	assert.Equal(t, 3*time.Second, res.AudioDuration)
	assert.Equal(t, now, res.StartedAt)
	assert.True(t, res.Transform.Equal(transform, 1e-9))
	assert.Equal(t, core.CodecMJPEG, res.VideoFormat.Codec)
	assert.Equal(t, core.Dimensions{Width: 64, Height: 48}, res.VideoFormat.Dimensions)
	assert.Equal(t, 30.0, res.VideoFormat.FrameRate)
	require.NotNil(t, res.AudioFormat)
	assert.Equal(t, core.AudioFormatInfo{Codec: core.CodecPCM, SampleRate: 48000, Channels: 2}, *res.AudioFormat)

	assert.Equal(t, s.Path(), res.Path)
	assert.True(t, strings.HasPrefix(filepath.Base(res.Path), "capture-20261019-093000-"))
	assert.Equal(t, []string{filepath.Base(res.Path)}, listDir(t, fs), "partial file is renamed away")

	f, err := fs.Open(res.Path)
	require.NoError(t, err)
	defer f.Close()
	probe, err := muxer.Probe(f)
	require.NoError(t, err)
	video, ok := probe.Track(core.MediaVideo)
	require.True(t, ok)
	assert.Equal(t, 90, video.Samples)
	assert.Equal(t, 3*time.Second, video.Duration)
	aud, ok := probe.Track(core.MediaAudio)
	require.True(t, ok)
	assert.Equal(t, 150, aud.Samples)
}

func TestSession_RejectsAfterStopAndStopIsIdempotent(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestSession(t, fs)
	startAndWait(t, s)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Append(videoFrame(framePTS(i, 30))))
	}
	s.Stop()
	assert.ErrorIs(t, s.Append(videoFrame(framePTS(10, 30))), ErrNotRecording)
	s.Stop()

	res, err := waitResult(t, s)
	require.NoError(t, err)
	assert.Equal(t, 10, res.VideoFrames)

	s.Stop()
	assert.Equal(t, Finalized, s.State())
	assert.ErrorIs(t, s.Append(videoFrame(framePTS(11, 30))), ErrNotRecording)
	assert.ErrorIs(t, s.Start(), ErrAlreadyStarted)

	again, err := waitResult(t, s)
	require.NoError(t, err)
	assert.Equal(t, res, again)
}

func TestSession_WriteFailureDiscardsFile(t *testing.T) {
	fs := &faultyFs{Fs: afero.NewMemMapFs(), failAfter: 50}
	errs := &errorRecorder{}
	s := newTestSession(t, fs, WithErrorHandler(errs.handle))
	startAndWait(t, s)

	for i := 0; i < 100; i++ {
		err := s.Append(videoFrame(framePTS(i, 30)))
		if err != nil {
			require.ErrorIs(t, err, ErrNotRecording)
		}
	}
	s.Stop()

	res, err := waitResult(t, s)
	require.Error(t, err)
	assert.Equal(t, Failed, s.State())
	assert.Equal(t, core.WriteFailure, core.KindOf(err))
	assert.ErrorIs(t, err, errDiskFull)
	assert.Empty(t, res.Path)

	require.Len(t, errs.all(), 1, "failure is reported exactly once")
	assert.Equal(t, res.Err, errs.all()[0])
	assert.Empty(t, listDir(t, fs), "no partial or final file is left behind")
	assert.ErrorIs(t, s.Append(videoFrame(framePTS(101, 30))), ErrNotRecording)
}

func TestSession_CreateFailure(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	errs := &errorRecorder{}
	s := newTestSession(t, fs, WithErrorHandler(errs.handle))

	require.NoError(t, s.Start())
	res, err := waitResult(t, s)
	require.Error(t, err)
	assert.Equal(t, core.ResourceCreationFailure, core.KindOf(err))
	assert.Equal(t, Failed, s.State())
	assert.Equal(t, 0, res.VideoFrames)
	require.Len(t, errs.all(), 1)

	select {
	case <-s.Started():
	default:
		t.Fatal("Started must be closed after a failed start")
	}
	assert.ErrorIs(t, s.Append(videoFrame(0)), ErrNotRecording)
}

func TestSession_StopWithoutVideo(t *testing.T) {
	fs := afero.NewMemMapFs()
	errs := &errorRecorder{}
	s := newTestSession(t, fs, WithErrorHandler(errs.handle))
	startAndWait(t, s)

	assert.ErrorIs(t, s.Append(audioChunk(0)), ErrDropped)
	s.Stop()

	_, err := waitResult(t, s)
	require.Error(t, err)
	assert.Equal(t, core.WriteFailure, core.KindOf(err))
	assert.Len(t, errs.all(), 1)
	assert.Empty(t, listDir(t, fs))
}

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS    = []byte{0x68, 0xce, 0x38, 0x80}
	testIDR    = []byte{0x65, 0x88, 0x84, 0x00, 0x10}
	testPFrame = []byte{0x41, 0x9a, 0x24, 0x8c, 0x09}
)

func h264Frame(pts time.Duration, nalus ...[]byte) *core.SampleBuffer {
	var data []byte
	for _, n := range nalus {
		data = append(data, 0, 0, 0, 1)
		data = append(data, n...)
	}
	return &core.SampleBuffer{Kind: core.MediaVideo, PTS: pts, Codec: core.CodecH264, Data: data}
}

func TestSession_H264StartsAtKeyFrame(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestSession(t, fs)
	startAndWait(t, s)

	// Leading P frames cannot be decoded and are skipped.
	assert.ErrorIs(t, s.Append(h264Frame(0, testPFrame)), ErrDropped)
	assert.ErrorIs(t, s.Append(h264Frame(framePTS(1, 30), testPFrame)), ErrDropped)
	for i := 2; i < 32; i++ {
		if i == 2 {
			require.NoError(t, s.Append(h264Frame(framePTS(i, 30), testSPS, testPPS, testIDR)))
			continue
		}
		require.NoError(t, s.Append(h264Frame(framePTS(i, 30), testPFrame)))
	}
	s.Stop()

	res, err := waitResult(t, s)
	require.NoError(t, err)
	assert.Equal(t, 30, res.VideoFrames)
	assert.Equal(t, time.Second, res.VideoDuration)
	assert.Equal(t, core.Dimensions{Width: 1920, Height: 1080}, res.VideoFormat.Dimensions)
	assert.InDelta(t, 30.0, res.VideoFormat.FrameRate, 0.01)
}

func TestSession_FrameCountMatchesAcceptedAppends(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestSession(t, fs)
	startAndWait(t, s)

	origin := time.Second
	empty := videoFrame(origin + framePTS(2, 30))
	empty.Data = nil

	appends := []*core.SampleBuffer{
		videoFrame(origin),
		videoFrame(origin - 500*time.Millisecond), // reordered, older than the origin
		videoFrame(origin + framePTS(1, 30)),
		empty,
		audioChunk(origin - 20*time.Millisecond),
		videoFrame(origin + framePTS(2, 30)),
	}
	accepted := 0
	for _, sb := range appends {
		err := s.Append(sb)
		if err == nil {
			if sb.Kind == core.MediaVideo {
				accepted++
			}
			continue
		}
		require.ErrorIs(t, err, ErrDropped)
	}
	s.Stop()

	res, err := waitResult(t, s)
	require.NoError(t, err)
	assert.Equal(t, 3, accepted)
	assert.Equal(t, accepted, res.VideoFrames)
	assert.Equal(t, 1, res.DroppedAudio)
}

func TestSession_H264ParameterSetsOnlyIsDropped(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestSession(t, fs)
	startAndWait(t, s)

	require.NoError(t, s.Append(h264Frame(0, testSPS, testPPS, testIDR)))
	assert.ErrorIs(t, s.Append(h264Frame(framePTS(1, 30), testSPS, testPPS)), ErrDropped)
	require.NoError(t, s.Append(h264Frame(framePTS(1, 30), testPFrame)))
	s.Stop()

	res, err := waitResult(t, s)
	require.NoError(t, err)
	assert.Equal(t, 2, res.VideoFrames)
}

func TestSession_RawFramesAreStoredAsJPEG(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestSession(t, fs)
	startAndWait(t, s)

	for i := 0; i < 5; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 16, 16))
		for y := 0; y < 16; y++ {
			for x := 0; x < 16; x++ {
				img.Set(x, y, color.RGBA{R: uint8(i * 40), G: uint8(x * 16), B: uint8(y * 16), A: 255})
			}
		}
		require.NoError(t, s.Append(&core.SampleBuffer{
			Kind:   core.MediaVideo,
			PTS:    framePTS(i, 30),
			Codec:  core.CodecRawRGBA,
			Data:   img.Pix,
			Width:  16,
			Height: 16,
		}))
	}
	s.Stop()

	res, err := waitResult(t, s)
	require.NoError(t, err)
	assert.Equal(t, 5, res.VideoFrames)
	assert.Equal(t, core.CodecMJPEG, res.VideoFormat.Codec)
	assert.Nil(t, res.AudioFormat)
}

func TestSession_DefaultAudioTrack(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := New(Config{
		Dir:          testDir,
		DefaultAudio: &core.AudioFormatInfo{Codec: core.CodecPCM, SampleRate: 48000, Channels: 2},
	}, WithFs(fs), WithLogger(util.DiscardLogger()))
	startAndWait(t, s)

	require.NoError(t, s.Append(videoFrame(0)))
	require.NoError(t, s.Append(audioChunk(0)))
	require.NoError(t, s.Append(videoFrame(framePTS(1, 30))))
	s.Stop()

	res, err := waitResult(t, s)
	require.NoError(t, err)
	require.NotNil(t, res.AudioFormat)
	assert.Equal(t, core.CodecPCM, res.AudioFormat.Codec)
	assert.Equal(t, 1, res.AudioFrames)
	assert.Equal(t, muxer.ContainerMP4, res.Container)
}

func TestSession_WaitHonorsContext(t *testing.T) {
	s := newTestSession(t, afero.NewMemMapFs())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "recording", Recording.String())
	assert.Equal(t, "failed", Failed.String())
	assert.True(t, Finalized.Terminal())
	assert.False(t, Stopping.Terminal())
}
