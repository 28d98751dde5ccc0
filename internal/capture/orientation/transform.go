package orientation

import (
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// AffineTransform is a 2D affine transform using the row-vector convention:
//
//	x' = A*x + C*y + Tx
//	y' = B*x + D*y + Ty
type AffineTransform struct {
	A, B, C, D float64
	Tx, Ty     float64
}

// Identity is the transform that leaves every point in place.
var Identity = AffineTransform{A: 1, D: 1}

// quarterTurns[current-1][reference-1] is the number of counter-clockwise
// quarter turns that bring a frame captured at current upright in reference.
var quarterTurns = [4][4]int{
	//           portrait  upsideDown  landscapeR  landscapeL
	/* portrait   */ {0, 2, 3, 1},
	/* upsideDown */ {2, 0, 1, 3},
	/* landscapeR */ {1, 3, 0, 2},
	/* landscapeL */ {3, 1, 2, 0},
}

// rotations holds exact matrices for 0, 90, 180 and 270 degrees.
var rotations = [4]AffineTransform{
	{A: 1, B: 0, C: 0, D: 1},
	{A: 0, B: 1, C: -1, D: 0},
	{A: -1, B: 0, C: 0, D: -1},
	{A: 0, B: -1, C: 1, D: 0},
}

// ComputeTransform returns the rotation applied to frames captured at
// current so they appear upright relative to reference. Invalid values are
// treated as Portrait; callers validate at the boundary.
func ComputeTransform(current, reference Orientation) AffineTransform {
	return rotations[QuarterTurns(current, reference)]
}

// QuarterTurns is the table lookup behind ComputeTransform.
func QuarterTurns(current, reference Orientation) int {
	return quarterTurns[index(current)][index(reference)]
}

func index(o Orientation) int {
	if !o.Valid() {
		return 0
	}
	return int(o) - 1
}

// Concat returns t followed by u.
func (t AffineTransform) Concat(u AffineTransform) AffineTransform {
	return AffineTransform{
		A:  t.A*u.A + t.B*u.C,
		B:  t.A*u.B + t.B*u.D,
		C:  t.C*u.A + t.D*u.C,
		D:  t.C*u.B + t.D*u.D,
		Tx: t.Tx*u.A + t.Ty*u.C + u.Tx,
		Ty: t.Tx*u.B + t.Ty*u.D + u.Ty,
	}
}

// Invert returns the inverse transform. ok is false for singular matrices,
// in which case t is returned unchanged.
func (t AffineTransform) Invert() (AffineTransform, bool) {
	det := t.A*t.D - t.B*t.C
	if det == 0 {
		return t, false
	}
	return AffineTransform{
		A:  t.D / det,
		B:  -t.B / det,
		C:  -t.C / det,
		D:  t.A / det,
		Tx: (t.C*t.Ty - t.D*t.Tx) / det,
		Ty: (t.B*t.Tx - t.A*t.Ty) / det,
	}, true
}

// Apply maps a point through the transform.
func (t AffineTransform) Apply(x, y float64) (float64, float64) {
	return t.A*x + t.C*y + t.Tx, t.B*x + t.D*y + t.Ty
}

// Equal compares within eps.
func (t AffineTransform) Equal(u AffineTransform, eps float64) bool {
	return math.Abs(t.A-u.A) <= eps && math.Abs(t.B-u.B) <= eps &&
		math.Abs(t.C-u.C) <= eps && math.Abs(t.D-u.D) <= eps &&
		math.Abs(t.Tx-u.Tx) <= eps && math.Abs(t.Ty-u.Ty) <= eps
}

// IsIdentity reports whether t is the identity transform.
func (t AffineTransform) IsIdentity() bool {
	return t.Equal(Identity, 1e-9)
}

// Angle is the rotation component in radians.
func (t AffineTransform) Angle() float64 {
	return math.Atan2(t.B, t.A)
}

// Degrees is the rotation normalized to [0, 360).
func (t AffineTransform) Degrees() float64 {
	deg := math.Round(t.Angle() * 180 / math.Pi)
	if deg < 0 {
		deg += 360
	}
	return deg
}

// Rotate returns a copy of img turned by the rotation in t. Only quarter
// turns are supported; anything else leaves the image untouched.
func Rotate(img image.Image, t AffineTransform) image.Image {
	if img == nil {
		return nil
	}
	switch int(t.Degrees()) {
	case 90:
		return imaging.Rotate90(img)
	case 180:
		return imaging.Rotate180(img)
	case 270:
		return imaging.Rotate270(img)
	default:
		return img
	}
}
