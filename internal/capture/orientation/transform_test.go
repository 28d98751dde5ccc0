package orientation

import (
	"image"
	"testing"

	"github.com/babelcloud/gbox/packages/capture/internal/capture/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var all = []Orientation{Portrait, PortraitUpsideDown, LandscapeRight, LandscapeLeft}

func TestComputeTransform_IdentityWhenEqual(t *testing.T) {
	for _, o := range all {
		assert.True(t, ComputeTransform(o, o).IsIdentity(), o.String())
	}
}

func TestComputeTransform_InverseRoundTrip(t *testing.T) {
	for _, cur := range all {
		for _, ref := range all {
			tr := ComputeTransform(cur, ref)
			assert.Equal(t, tr, ComputeTransform(cur, ref), "deterministic")

			inv, ok := tr.Invert()
			require.True(t, ok)
			assert.True(t, tr.Concat(inv).IsIdentity(), "%s -> %s", cur, ref)
			assert.True(t, inv.Concat(tr).IsIdentity(), "%s -> %s", cur, ref)

			// The reverse pair undoes the rotation as well.
			assert.True(t, tr.Concat(ComputeTransform(ref, cur)).IsIdentity(), "%s <-> %s", cur, ref)
		}
	}
}

func TestComputeTransform_Angles(t *testing.T) {
	cases := []struct {
		cur, ref Orientation
		degrees  float64
	}{
		{Portrait, Portrait, 0},
		{Portrait, PortraitUpsideDown, 180},
		{Portrait, LandscapeLeft, 90},
		{Portrait, LandscapeRight, 270},
		{LandscapeRight, Portrait, 90},
		{LandscapeLeft, LandscapeRight, 180},
	}
	for _, c := range cases {
		assert.Equal(t, c.degrees, ComputeTransform(c.cur, c.ref).Degrees(), "%s -> %s", c.cur, c.ref)
	}
}

func TestAffineTransform_ApplyAndTranslate(t *testing.T) {
	quarter := ComputeTransform(Portrait, LandscapeLeft)
	x, y := quarter.Apply(1, 0)
	assert.InDelta(t, 0, x, 1e-9)
	assert.InDelta(t, 1, y, 1e-9)

	shifted := quarter.Concat(AffineTransform{A: 1, D: 1, Tx: 10, Ty: -4})
	inv, ok := shifted.Invert()
	require.True(t, ok)
	px, py := inv.Apply(shifted.Apply(3, 7))
	assert.InDelta(t, 3, px, 1e-9)
	assert.InDelta(t, 7, py, 1e-9)

	_, ok = AffineTransform{}.Invert()
	assert.False(t, ok)
}

func TestValidateAndParse(t *testing.T) {
	for _, o := range all {
		assert.NoError(t, o.Validate())
		parsed, err := Parse(o.String())
		require.NoError(t, err)
		assert.Equal(t, o, parsed)
	}

	err := Orientation(0).Validate()
	require.Error(t, err)
	assert.Equal(t, core.OrientationConfigError, core.KindOf(err))
	assert.Equal(t, core.OrientationConfigError, core.KindOf(Orientation(7).Validate()))

	parsed, err := Parse(" Landscape_Left ")
	require.NoError(t, err)
	assert.Equal(t, LandscapeLeft, parsed)

	_, err = Parse("sideways")
	assert.Equal(t, core.OrientationConfigError, core.KindOf(err))

	// Invalid values never panic inside the pure transform.
	assert.True(t, ComputeTransform(Orientation(42), Portrait).IsIdentity())
}

func TestRotate_SwapsDimensions(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 2))

	assert.Equal(t, image.Pt(2, 4), Rotate(img, ComputeTransform(Portrait, LandscapeLeft)).Bounds().Size())
	assert.Equal(t, image.Pt(4, 2), Rotate(img, ComputeTransform(Portrait, PortraitUpsideDown)).Bounds().Size())
	assert.Same(t, img, Rotate(img, Identity))
	assert.Nil(t, Rotate(nil, Identity))
}
