package tracker

import (
	iface "DetOverlay/interface"
	"math"

	"golang.org/x/image/math/f64"
)

// Affine is a 2D affine map stored row-major as
// x' = m[0]*x + m[1]*y + m[2], y' = m[3]*x + m[4]*y + m[5].
type Affine struct {
	m f64.Aff3
}

func Identity() Affine {
	return Affine{m: f64.Aff3{1, 0, 0, 0, 1, 0}}
}

func translate(tx, ty float64) Affine {
	return Affine{m: f64.Aff3{1, 0, tx, 0, 1, ty}}
}

func scale(sx, sy float64) Affine {
	return Affine{m: f64.Aff3{sx, 0, 0, 0, sy, 0}}
}

// rotate turns clockwise by deg on a y-down canvas.
func rotate(deg int) Affine {
	switch normRotation(deg) {
	case 90:
		return Affine{m: f64.Aff3{0, -1, 0, 1, 0, 0}}
	case 180:
		return Affine{m: f64.Aff3{-1, 0, 0, 0, -1, 0}}
	case 270:
		return Affine{m: f64.Aff3{0, 1, 0, -1, 0, 0}}
	}
	rad := float64(deg) * math.Pi / 180
	s, c := math.Sincos(rad)
	return Affine{m: f64.Aff3{c, -s, 0, s, c, 0}}
}

func normRotation(deg int) int {
	return ((deg % 360) + 360) % 360
}

// Matrix exposes the raw coefficients.
func (a Affine) Matrix() f64.Aff3 { return a.m }

// Then returns the map that applies a first and next second.
func (a Affine) Then(next Affine) Affine {
	p, q := next.m, a.m
	return Affine{m: f64.Aff3{
		p[0]*q[0] + p[1]*q[3],
		p[0]*q[1] + p[1]*q[4],
		p[0]*q[2] + p[1]*q[5] + p[2],
		p[3]*q[0] + p[4]*q[3],
		p[3]*q[1] + p[4]*q[4],
		p[3]*q[2] + p[4]*q[5] + p[5],
	}}
}

// Invert returns the inverse map. ok is false for a singular matrix.
func (a Affine) Invert() (Affine, bool) {
	m := a.m
	det := m[0]*m[4] - m[1]*m[3]
	if det == 0 || math.IsNaN(det) || math.IsInf(det, 0) {
		return Affine{}, false
	}
	inv := 1 / det
	return Affine{m: f64.Aff3{
		m[4] * inv,
		-m[1] * inv,
		(m[1]*m[5] - m[4]*m[2]) * inv,
		-m[3] * inv,
		m[0] * inv,
		(m[3]*m[2] - m[0]*m[5]) * inv,
	}}, true
}

func (a Affine) MapPoint(x, y float64) (float64, float64) {
	m := a.m
	return m[0]*x + m[1]*y + m[2], m[3]*x + m[4]*y + m[5]
}

// MapRect maps the four corners of r and returns their bounding box, so a
// rotated rect comes back normalized with Left<=Right and Top<=Bottom.
func (a Affine) MapRect(r iface.Rect) iface.Rect {
	xs := [4]float64{float64(r.Left), float64(r.Right), float64(r.Left), float64(r.Right)}
	ys := [4]float64{float64(r.Top), float64(r.Top), float64(r.Bottom), float64(r.Bottom)}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for i := range xs {
		x, y := a.MapPoint(xs[i], ys[i])
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return iface.Rect{Left: float32(minX), Top: float32(minY), Right: float32(maxX), Bottom: float32(maxY)}
}

// Transform builds the map from a srcW x srcH image to a dstW x dstH one.
// A non-zero rotation turns the source clockwise about its center. With
// maintainAspect the scale is uniform and fills the destination
// (max of the two axis ratios), otherwise each axis is stretched on its own.
// Only a rotated map is re-centred on the destination.
func Transform(srcW, srcH, dstW, dstH, rotation int, maintainAspect bool) Affine {
	rot := normRotation(rotation)
	t := Identity()
	if rot != 0 {
		t = t.Then(translate(-float64(srcW)/2, -float64(srcH)/2)).Then(rotate(rot))
	}

	inW, inH := srcW, srcH
	if rot%180 == 90 {
		inW, inH = srcH, srcW
	}
	if inW > 0 && inH > 0 && (inW != dstW || inH != dstH) {
		sx := float64(dstW) / float64(inW)
		sy := float64(dstH) / float64(inH)
		if maintainAspect {
			s := math.Max(sx, sy)
			sx, sy = s, s
		}
		t = t.Then(scale(sx, sy))
	}

	if rot != 0 {
		t = t.Then(translate(float64(dstW)/2, float64(dstH)/2))
	}
	return t
}

// FrameToDisplay maps frame pixels onto the display in fill mode.
func FrameToDisplay(g iface.FrameGeometry) Affine {
	return Transform(g.SourceWidth, g.SourceHeight, g.DisplayWidth, g.DisplayHeight, g.Rotation, true)
}

// CropToFrame maps model input pixels (size x size, upright) back onto the
// sensor frame. It mirrors the stretch resize done before inference.
func CropToFrame(g iface.FrameGeometry, size int) Affine {
	inv, ok := Transform(g.SourceWidth, g.SourceHeight, size, size, g.Rotation, false).Invert()
	if !ok {
		return Identity()
	}
	return inv
}
