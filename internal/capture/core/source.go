package core

import "context"

// VideoSampleSink receives video buffers from a capture source.
type VideoSampleSink interface {
	OnVideoSample(sb *SampleBuffer)
}

// AudioSampleSink receives audio buffers from a capture source.
type AudioSampleSink interface {
	OnAudioSample(sb *SampleBuffer)
}

// ErrorSink receives asynchronous capture source failures.
type ErrorSink interface {
	OnCaptureError(err error)
}

// Sinks bundles the callbacks a source delivers into. Any field may be nil.
type Sinks struct {
	Video  VideoSampleSink
	Audio  AudioSampleSink
	Errors ErrorSink
}

// Source is a capture device. Callbacks arrive on goroutines owned by the
// source; audio and video deliveries may interleave and are not serialized
// with each other.
type Source interface {
	// Start begins delivering samples into sinks.
	Start(ctx context.Context, sinks Sinks) error

	// Stop halts delivery. No callback runs after Stop returns.
	Stop() error
}
