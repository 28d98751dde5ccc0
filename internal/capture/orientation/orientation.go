// Package orientation maps device orientations onto the affine transform
// applied to outgoing frames.
package orientation

import (
	"fmt"
	"strings"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
)

// Orientation is the physical orientation of the capture device.
type Orientation int

const (
	Portrait Orientation = iota + 1
	PortraitUpsideDown
	LandscapeRight
	LandscapeLeft
)

var names = map[Orientation]string{
	Portrait:           "portrait",
	PortraitUpsideDown: "portrait-upside-down",
	LandscapeRight:     "landscape-right",
	LandscapeLeft:      "landscape-left",
}

func (o Orientation) String() string {
	if n, ok := names[o]; ok {
		return n
	}
	return fmt.Sprintf("orientation(%d)", int(o))
}

// Valid reports whether o is one of the four known orientations.
func (o Orientation) Valid() bool {
	return o >= Portrait && o <= LandscapeLeft
}

// Validate rejects values outside the known set.
func (o Orientation) Validate() error {
	if !o.Valid() {
		return core.NewError(core.OrientationConfigError, nil, "invalid orientation value %d", int(o))
	}
	return nil
}

// Parse converts a configuration string such as "landscape-left".
func Parse(s string) (Orientation, error) {
	key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-")
	for o, n := range names {
		if n == key {
			return o, nil
		}
	}
	return 0, core.NewError(core.OrientationConfigError, nil, "unknown orientation %q", s)
}
