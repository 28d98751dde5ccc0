// Package muxer lays recorded samples out into a movie container. Two
// containers are supported: fragmented MP4 and WebM.
package muxer

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
)

// Container names an output file format.
type Container string

const (
	ContainerMP4  Container = "mp4"
	ContainerWebM Container = "webm"
)

// ParseContainer accepts "mp4"/"fmp4" and "webm", case insensitive.
func ParseContainer(s string) (Container, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mp4", "fmp4", "":
		return ContainerMP4, nil
	case "webm", "mkv":
		return ContainerWebM, nil
	}
	return "", errors.Errorf("unsupported container %q", s)
}

// Extension returns the file extension including the dot.
func (c Container) Extension() string {
	if c == ContainerWebM {
		return ".webm"
	}
	return ".mp4"
}

// Tracks describes what a MovieWriter lays out. Video is mandatory; Audio is
// nil for a video-only file.
type Tracks struct {
	Video core.VideoFormatInfo
	// SPS and PPS are required for H.264 video.
	SPS []byte
	PPS []byte

	Audio *core.AudioFormatInfo
}

// Stats summarizes what has been written so far.
type Stats struct {
	VideoSamples  int
	AudioSamples  int
	VideoDuration time.Duration
	AudioDuration time.Duration
	Bytes         int64
}

// MovieWriter writes one movie. Timestamps are zero based and must not go
// backwards within a track. Close finalizes the container; the writer does
// not close the underlying io.Writer.
type MovieWriter interface {
	WriteVideo(pts time.Duration, data []byte, keyFrame bool) error
	WriteAudio(pts time.Duration, data []byte) error
	Close() error
	Stats() Stats
}

// Factory creates a MovieWriter on w.
type Factory func(c Container, w io.Writer, tracks Tracks, logger *slog.Logger) (MovieWriter, error)

// New is the default Factory.
func New(c Container, w io.Writer, tracks Tracks, logger *slog.Logger) (MovieWriter, error) {
	if err := tracks.Video.Validate(); err != nil {
		return nil, err
	}
	switch tracks.Video.Codec {
	case core.CodecH264, core.CodecMJPEG:
	default:
		return nil, core.NewError(core.UnsupportedFormat, nil, "video codec %s cannot be muxed", tracks.Video.Codec)
	}
	if tracks.Audio != nil {
		if err := tracks.Audio.Validate(); err != nil {
			return nil, err
		}
	}

	switch c {
	case ContainerMP4:
		fw, err := NewFMP4Writer(w, tracks, logger)
		if err != nil {
			return nil, err
		}
		return fw, nil
	case ContainerWebM:
		ww, err := NewWebMWriter(w, tracks, logger)
		if err != nil {
			return nil, err
		}
		return ww, nil
	}
	return nil, errors.Errorf("unsupported container %q", c)
}

// countingWriter tracks bytes handed to the underlying writer.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// durationOf converts a count of timescale units to a time.Duration.
func durationOf(units int64, timeScale uint32) time.Duration {
	if timeScale == 0 {
		return 0
	}
	return time.Duration(units * int64(time.Second) / int64(timeScale))
}

// pcmFrames returns the number of s16le frames in a PCM payload.
func pcmFrames(data []byte, channels int) int64 {
	if channels <= 0 {
		channels = 1
	}
	return int64(len(data) / (2 * channels))
}
