package core

import (
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
)

// MediaKind tags a sample buffer as audio or video.
type MediaKind int

const (
	MediaVideo MediaKind = iota + 1
	MediaAudio
)

func (k MediaKind) String() string {
	switch k {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// CodecType identifies the payload encoding carried in SampleBuffer.Data.
type CodecType int

const (
	CodecUnknown CodecType = iota
	// CodecH264 is H.264 in Annex-B framing (start codes).
	CodecH264
	// CodecMJPEG is one baseline JPEG image per frame.
	CodecMJPEG
	// CodecRawRGBA is tightly packed 8-bit RGBA, Width*4 bytes per row.
	CodecRawRGBA
	// CodecAAC is raw AAC-LC access units, with or without ADTS headers.
	CodecAAC
	// CodecOpus is one Opus packet per buffer.
	CodecOpus
	// CodecPCM is interleaved signed 16-bit little-endian PCM.
	CodecPCM
)

var codecNames = map[CodecType]string{
	CodecH264:    "h264",
	CodecMJPEG:   "mjpeg",
	CodecRawRGBA: "rgba",
	CodecAAC:     "aac",
	CodecOpus:    "opus",
	CodecPCM:     "pcm",
}

func (c CodecType) String() string {
	if name, ok := codecNames[c]; ok {
		return name
	}
	return "unknown"
}

// IsVideo reports whether the codec carries video frames.
func (c CodecType) IsVideo() bool {
	return c == CodecH264 || c == CodecMJPEG || c == CodecRawRGBA
}

// IsAudio reports whether the codec carries audio frames.
func (c CodecType) IsAudio() bool {
	return c == CodecAAC || c == CodecOpus || c == CodecPCM
}

// ParseCodec maps a configuration name to a codec type.
func ParseCodec(name string) (CodecType, error) {
	for codec, n := range codecNames {
		if n == name {
			return codec, nil
		}
	}
	return CodecUnknown, fmt.Errorf("unknown codec %q", name)
}

// SampleBuffer is one timestamped unit of captured media. It belongs to the
// capture source: storage may be reused as soon as the sink callback returns,
// so anything kept past the callback must come from Clone.
type SampleBuffer struct {
	Kind     MediaKind
	PTS      time.Duration
	Codec    CodecType
	Data     []byte
	KeyFrame bool

	// Video only. Pixels is an optional decoded copy of the frame used by
	// the preview path.
	Width  int
	Height int
	Pixels image.Image

	// Audio only.
	SampleRate int
	Channels   int
}

// Clone returns a deep copy that is safe to retain after the callback.
func (sb *SampleBuffer) Clone() *SampleBuffer {
	if sb == nil {
		return nil
	}
	c := *sb
	if sb.Data != nil {
		c.Data = make([]byte, len(sb.Data))
		copy(c.Data, sb.Data)
	}
	if sb.Pixels != nil {
		c.Pixels = imaging.Clone(sb.Pixels)
	}
	return &c
}

// Dimensions is a frame size in pixels.
type Dimensions struct {
	Width  int
	Height int
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// maxDimension bounds frame sizes the muxers accept.
const maxDimension = 16384

// VideoFormatInfo describes the video stream. It is taken from the first
// accepted video frame and frozen afterwards.
type VideoFormatInfo struct {
	FrameRate  float64
	Dimensions Dimensions
	Codec      CodecType
}

// Validate checks that the format can be recorded.
func (f VideoFormatInfo) Validate() error {
	if !f.Codec.IsVideo() {
		return NewError(UnsupportedFormat, nil, "unsupported video codec %s", f.Codec)
	}
	d := f.Dimensions
	if d.Width <= 0 || d.Height <= 0 || d.Width > maxDimension || d.Height > maxDimension {
		return NewError(UnsupportedFormat, nil, "unsupported video dimensions %s", d)
	}
	return nil
}

// AudioFormatInfo describes the audio stream.
type AudioFormatInfo struct {
	Codec      CodecType
	SampleRate int
	Channels   int
}

// Validate checks that the format can be recorded.
func (f AudioFormatInfo) Validate() error {
	if !f.Codec.IsAudio() {
		return NewError(UnsupportedFormat, nil, "unsupported audio codec %s", f.Codec)
	}
	if f.SampleRate <= 0 || f.Channels <= 0 || f.Channels > 8 {
		return NewError(UnsupportedFormat, nil, "unsupported audio layout %d Hz / %d ch", f.SampleRate, f.Channels)
	}
	return nil
}
