package coordinator

import (
	"time"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/preview"
)

type previewObserver func(pts time.Duration)

func (fn previewObserver) PixelBufferReadyForDisplay(f *preview.Frame) { fn(f.PTS) }
