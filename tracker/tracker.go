// Package tracker maps one frame's detections onto the display, drops
// undersized and nested boxes and gives each survivor a palette color.
package tracker

import (
	iface "DetOverlay/interface"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MinSize is the smallest frame-space width or height a box may have.
const MinSize = 16

// ScreenRect is a raw detection as mapped onto the display, kept for the
// debug overlay.
type ScreenRect struct {
	Confidence float32    `json:"confidence"`
	Rect       iface.Rect `json:"rect"`
}

// Overlay is a consistent copy of the tracker state for one draw.
type Overlay struct {
	Geometry    iface.FrameGeometry      `json:"geometry"`
	Transform   Affine                   `json:"-"`
	Tracked     []iface.TrackedDetection `json:"tracked"`
	ScreenRects []ScreenRect             `json:"screenRects"`
	Timestamp   time.Time                `json:"timestamp"`
	Frames      uint64                   `json:"frames"`
}

type MultiBoxTracker struct {
	mu          sync.Mutex
	geom        iface.FrameGeometry
	transform   Affine
	tracked     []iface.TrackedDetection
	screenRects []ScreenRect
	timestamp   time.Time
	frames      uint64
	palette     []Swatch
	log         *zap.Logger
}

func NewMultiBoxTracker(log *zap.Logger) *MultiBoxTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &MultiBoxTracker{transform: Identity(), palette: Palette, log: log}
}

// SetFrameConfiguration records the sensor frame size and orientation.
func (t *MultiBoxTracker) SetFrameConfiguration(width, height, rotation int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.geom.SourceWidth = width
	t.geom.SourceHeight = height
	t.geom.Rotation = rotation
	t.transform = FrameToDisplay(t.geom)
	t.log.Info("frame configuration",
		zap.Int("width", width), zap.Int("height", height), zap.Int("rotation", rotation))
}

func (t *MultiBoxTracker) SetDisplaySize(width, height int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.geom.DisplayWidth = width
	t.geom.DisplayHeight = height
	t.transform = FrameToDisplay(t.geom)
}

// SetGeometry replaces the full geometry in one step.
func (t *MultiBoxTracker) SetGeometry(g iface.FrameGeometry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.geom = g
	t.transform = FrameToDisplay(g)
}

func (t *MultiBoxTracker) Geometry() iface.FrameGeometry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.geom
}

// TrackResults replaces the tracked set with the detections of one frame.
// Boxes are expected in frame pixel space.
func (t *MultiBoxTracker) TrackResults(dets []iface.Detection, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.log.Debug("processing results", zap.Int("count", len(dets)), zap.Time("timestamp", ts))

	t.screenRects = make([]ScreenRect, 0, len(dets))
	candidates := make([]iface.Detection, 0, len(dets))
	for _, d := range dets {
		t.screenRects = append(t.screenRects, ScreenRect{Confidence: d.Confidence, Rect: t.transform.MapRect(d.Box)})
		if d.Box.Width() < MinSize || d.Box.Height() < MinSize {
			t.log.Debug("degenerate rectangle", zap.String("id", d.ID),
				zap.Float32("width", d.Box.Width()), zap.Float32("height", d.Box.Height()))
			continue
		}
		candidates = append(candidates, d)
	}

	kept := FilterNested(candidates)
	if removed := len(candidates) - len(kept); removed > 0 {
		t.log.Debug("filtered nested boxes", zap.Int("before", len(candidates)), zap.Int("after", len(kept)))
	}

	n := min(len(kept), len(t.palette))
	t.tracked = make([]iface.TrackedDetection, 0, n)
	for i, d := range kept[:n] {
		t.tracked = append(t.tracked, iface.TrackedDetection{
			Confidence: d.Confidence,
			Box:        t.transform.MapRect(d.Box),
			Label:      d.Label,
			Color:      t.palette[i].RGBA,
			ColorHex:   t.palette[i].Hex,
		})
	}
	t.timestamp = ts
	t.frames++
}

// Snapshot copies the current state under the lock.
func (t *MultiBoxTracker) Snapshot() Overlay {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Overlay{
		Geometry:    t.geom,
		Transform:   t.transform,
		Tracked:     append([]iface.TrackedDetection(nil), t.tracked...),
		ScreenRects: append([]ScreenRect(nil), t.screenRects...),
		Timestamp:   t.timestamp,
		Frames:      t.frames,
	}
}

// FilterNested drops every detection whose box lies completely inside
// another one. Identical boxes contain each other, so all of them go.
func FilterNested(dets []iface.Detection) []iface.Detection {
	out := make([]iface.Detection, 0, len(dets))
	for i, d := range dets {
		nested := false
		for j, o := range dets {
			if i != j && d.Box.Inside(o.Box) {
				nested = true
				break
			}
		}
		if !nested {
			out = append(out, d)
		}
	}
	return out
}
