package muxer

import (
	"io"
	"log/slog"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/fmp4/seekablebuffer"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mp4"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
	"github.com/babelcloud/gbox/packages/capture/internal/capture/h264"
	"github.com/babelcloud/gbox/packages/capture/internal/util"
)

const (
	videoTimeScale = 90000
	videoTrackID   = 1
	audioTrackID   = 2
)

// scaleTimestamp converts a timestamp into the given MP4 track timescale
// units, rounding to the nearest unit.
func scaleTimestamp(ts time.Duration, timeScale uint32) int64 {
	if ts <= 0 {
		return 0
	}
	secs := int64(ts / time.Second)
	rem := int64(ts % time.Second)
	return secs*int64(timeScale) + (rem*int64(timeScale)+int64(time.Second)/2)/int64(time.Second)
}

// stripADTSHeader removes the ADTS header if present and returns the raw AAC payload.
// If no ADTS header is detected, returns the original data.
func stripADTSHeader(data []byte) []byte {
	if len(data) < 7 {
		return data
	}
	// ADTS syncword 12 bits: 0xFFF
	if data[0] == 0xFF && (data[1]&0xF0) == 0xF0 {
		// protection_absent is the last bit of byte 1
		headerLen := 7
		if (data[1] & 0x01) == 0 { // CRC present => 2 extra bytes
			headerLen = 9
		}
		if len(data) > headerLen {
			return data[headerLen:]
		}
	}
	return data
}

// fmp4Track holds one sample back so its duration can be derived from the
// next timestamp.
type fmp4Track struct {
	id              int
	timeScale       uint32
	defaultDuration uint32

	pending    *fmp4.Sample
	pendingDTS int64
	lastDur    uint32

	samples  int
	duration int64 // sum of written durations in timescale units
}

// FMP4Writer writes a fragmented MP4 file: one init segment followed by one
// moof/mdat part per sample.
type FMP4Writer struct {
	out    *countingWriter
	logger *slog.Logger
	tracks Tracks

	video *fmp4Track
	audio *fmp4Track

	sps, pps       []byte
	sequenceNumber uint32
	closed         bool
}

// NewFMP4Writer writes the init segment for tracks and returns the writer.
func NewFMP4Writer(w io.Writer, tracks Tracks, logger *slog.Logger) (*FMP4Writer, error) {
	fw := &FMP4Writer{
		out:            &countingWriter{w: w},
		logger:         util.ComponentLogger(logger, "fmp4_writer"),
		tracks:         tracks,
		sequenceNumber: 1,
	}

	fps := tracks.Video.FrameRate
	if fps <= 0 {
		fps = 30
	}
	fw.video = &fmp4Track{
		id:              videoTrackID,
		timeScale:       videoTimeScale,
		defaultDuration: uint32(float64(videoTimeScale) / fps),
	}

	var videoCodec mp4.Codec
	switch tracks.Video.Codec {
	case core.CodecH264:
		if len(tracks.SPS) == 0 || len(tracks.PPS) == 0 {
			return nil, errors.New("H.264 track requires SPS and PPS")
		}
		fw.sps, fw.pps = tracks.SPS, tracks.PPS
		videoCodec = &mp4.CodecH264{SPS: tracks.SPS, PPS: tracks.PPS}
	case core.CodecMJPEG:
		videoCodec = &mp4.CodecMJPEG{
			Width:  tracks.Video.Dimensions.Width,
			Height: tracks.Video.Dimensions.Height,
		}
	default:
		return nil, errors.Errorf("unsupported video codec %s", tracks.Video.Codec)
	}

	init := &fmp4.Init{
		Tracks: []*fmp4.InitTrack{{
			ID:        videoTrackID,
			TimeScale: videoTimeScale,
			Codec:     videoCodec,
		}},
	}

	if a := tracks.Audio; a != nil {
		audioCodec, defaultDur, err := audioCodecFor(*a)
		if err != nil {
			return nil, err
		}
		fw.audio = &fmp4Track{
			id:              audioTrackID,
			timeScale:       uint32(a.SampleRate),
			defaultDuration: defaultDur,
		}
		init.Tracks = append(init.Tracks, &fmp4.InitTrack{
			ID:        audioTrackID,
			TimeScale: uint32(a.SampleRate),
			Codec:     audioCodec,
		})
	}

	var buf seekablebuffer.Buffer
	if err := init.Marshal(&buf); err != nil {
		return nil, errors.Wrap(err, "failed to marshal init segment")
	}
	if _, err := fw.out.Write(buf.Bytes()); err != nil {
		return nil, errors.Wrap(err, "failed to write init segment")
	}
	fw.logger.Debug("fMP4 init segment written", "size", len(buf.Bytes()), "tracks", len(init.Tracks))
	return fw, nil
}

func audioCodecFor(a core.AudioFormatInfo) (mp4.Codec, uint32, error) {
	switch a.Codec {
	case core.CodecAAC:
		return &mp4.CodecMPEG4Audio{
			Config: mpeg4audio.AudioSpecificConfig{
				Type:         mpeg4audio.ObjectTypeAACLC,
				SampleRate:   a.SampleRate,
				ChannelCount: a.Channels,
			},
		}, 1024, nil
	case core.CodecOpus:
		// 20ms frames
		return &mp4.CodecOpus{ChannelCount: a.Channels}, uint32(a.SampleRate / 50), nil
	case core.CodecPCM:
		return &mp4.CodecLPCM{
			LittleEndian: true,
			BitDepth:     16,
			SampleRate:   a.SampleRate,
			ChannelCount: a.Channels,
		}, uint32(a.SampleRate / 50), nil
	}
	return nil, 0, errors.Errorf("unsupported audio codec %s", a.Codec)
}

// WriteVideo queues a video frame. H.264 payloads are Annex-B.
func (w *FMP4Writer) WriteVideo(pts time.Duration, data []byte, keyFrame bool) error {
	if w.closed {
		return errors.New("writer closed")
	}
	if len(data) == 0 {
		w.logger.Debug("Skipping empty video frame", "pts", pts)
		return nil
	}

	payload := data
	if w.tracks.Video.Codec == core.CodecH264 {
		avcData, err := h264.ConvertAnnexBToAVC(data, true)
		if err != nil {
			return errors.Wrap(err, "failed to convert AnnexB to AVCC")
		}
		if len(avcData) == 0 {
			w.logger.Debug("Skipping empty converted video frame", "pts", pts)
			return nil
		}
		// For keyframes, prepend SPS/PPS NAL units to improve decoder robustness
		if keyFrame {
			avcData = h264.PrependParameterSetsAVCC(avcData, w.sps, w.pps)
		}
		payload = avcData
	} else {
		keyFrame = true
	}

	sample := &fmp4.Sample{
		IsNonSyncSample: !keyFrame,
		Payload:         append([]byte(nil), payload...),
	}
	return w.push(w.video, scaleTimestamp(pts, w.video.timeScale), sample)
}

// WriteAudio queues an audio frame. AAC may carry an ADTS header.
func (w *FMP4Writer) WriteAudio(pts time.Duration, data []byte) error {
	if w.closed {
		return errors.New("writer closed")
	}
	if w.audio == nil {
		return errors.New("no audio track")
	}
	if len(data) == 0 {
		w.logger.Debug("Skipping empty audio frame", "pts", pts)
		return nil
	}
	if w.tracks.Audio.Codec == core.CodecAAC {
		data = stripADTSHeader(data)
	}
	sample := &fmp4.Sample{Payload: append([]byte(nil), data...)}
	if w.tracks.Audio.Codec == core.CodecPCM {
		// PCM duration is implied by its length.
		sample.Duration = uint32(pcmFrames(data, w.tracks.Audio.Channels))
	}
	return w.push(w.audio, scaleTimestamp(pts, w.audio.timeScale), sample)
}

// push emits the previously pending sample of t, now that its duration is
// known, and keeps s pending.
func (w *FMP4Writer) push(t *fmp4Track, dts int64, s *fmp4.Sample) error {
	if t.pending != nil {
		dur := dts - t.pendingDTS
		if dur <= 0 {
			dur = 1
		}
		if err := w.flush(t, uint32(dur)); err != nil {
			return err
		}
		if dts < t.pendingDTS+1 {
			dts = t.pendingDTS + 1
		}
	}
	t.pending = s
	t.pendingDTS = dts
	return nil
}

func (w *FMP4Writer) flush(t *fmp4Track, dur uint32) error {
	s := t.pending
	if s == nil {
		return nil
	}
	if s.Duration == 0 || t.id == videoTrackID {
		s.Duration = dur
	}

	part := &fmp4.Part{
		SequenceNumber: w.sequenceNumber,
		Tracks: []*fmp4.PartTrack{{
			ID:       t.id,
			BaseTime: uint64(t.pendingDTS),
			Samples:  []*fmp4.Sample{s},
		}},
	}

	var buf seekablebuffer.Buffer
	if err := part.Marshal(&buf); err != nil {
		return errors.Wrapf(err, "failed to marshal part %d", w.sequenceNumber)
	}
	if _, err := w.out.Write(buf.Bytes()); err != nil {
		w.logger.Error("Failed to write part", "error", err, "track", t.id, "size", len(buf.Bytes()))
		return errors.Wrapf(err, "failed to write part %d", w.sequenceNumber)
	}

	w.sequenceNumber++
	t.samples++
	t.duration += int64(s.Duration)
	t.lastDur = s.Duration
	t.pending = nil
	return nil
}

// Close writes the samples still held back. The last sample of a track
// repeats the previous duration.
func (w *FMP4Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	for _, t := range []*fmp4Track{w.video, w.audio} {
		if t == nil || t.pending == nil {
			continue
		}
		dur := t.lastDur
		if dur == 0 {
			dur = t.defaultDuration
		}
		if err := w.flush(t, dur); err != nil {
			return err
		}
	}

	st := w.Stats()
	w.logger.Debug("fMP4 writer closed",
		"videoSamples", st.VideoSamples,
		"audioSamples", st.AudioSamples,
		"bytes", st.Bytes)
	return nil
}

// Stats counts written samples; held back samples are not included.
func (w *FMP4Writer) Stats() Stats {
	st := Stats{
		VideoSamples:  w.video.samples,
		VideoDuration: durationOf(w.video.duration, w.video.timeScale),
		Bytes:         w.out.n,
	}
	if w.audio != nil {
		st.AudioSamples = w.audio.samples
		st.AudioDuration = durationOf(w.audio.duration, w.audio.timeScale)
	}
	return st
}
