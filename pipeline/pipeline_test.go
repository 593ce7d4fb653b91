package pipeline

import (
	"DetOverlay/engine"
	iface "DetOverlay/interface"
	"DetOverlay/monitor"
	"DetOverlay/tracker"
	"context"
	"errors"
	"image"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

type fakeDetector struct {
	mu         sync.Mutex
	dets       []iface.Detection
	generation uint64
	// bumped while a frame is in flight to simulate a concurrent rebuild
	bumpDuringDetect bool
	block            chan struct{}
	calls            atomic.Int64
	err              error
	panicOnce        atomic.Bool
}

func (f *fakeDetector) DetectImage(image.Image, int) (engine.Result, error) {
	f.calls.Inc()
	if f.panicOnce.CompareAndSwap(true, false) {
		panic("boom")
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return engine.Result{}, f.err
	}
	res := engine.Result{
		Detections: append([]iface.Detection(nil), f.dets...),
		Generation: f.generation,
		InputSize:  300,
		Elapsed:    5 * time.Millisecond,
	}
	if f.bumpDuringDetect {
		f.generation++
	}
	return res, nil
}

func (f *fakeDetector) Generation() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

type fakeSink struct {
	mu     sync.Mutex
	frames []string
	dets   [][]iface.Detection
	err    error
}

func (s *fakeSink) Publish(frameID string, dets []iface.Detection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frameID)
	s.dets = append(s.dets, dets)
	return s.err
}

func counter(t *testing.T, m *monitor.Metrics, name string) float64 {
	t.Helper()
	mfs, err := m.Registry.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name && len(mf.GetMetric()) > 0 {
			return mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}

func frame(id string, w, h int) iface.Frame {
	return iface.Frame{ID: id, Image: image.NewRGBA(image.Rect(0, 0, w, h))}
}

func newTestPipeline(det Detector, sinks ...iface.DetectionSink) (*Pipeline, *tracker.MultiBoxTracker, *monitor.Metrics) {
	tr := tracker.NewMultiBoxTracker(nil)
	tr.SetGeometry(iface.FrameGeometry{SourceWidth: 600, SourceHeight: 300, DisplayWidth: 600, DisplayHeight: 300})
	m := monitor.New()
	return New(det, tr, Options{MinConfidence: 0.5, Sinks: sinks, Metrics: m}), tr, m
}

func TestProcessMapsToFrameSpace(t *testing.T) {
	det := &fakeDetector{generation: 1, dets: []iface.Detection{
		{ID: "0", Label: "person", Confidence: 0.9, Box: iface.Rect{Left: 0, Top: 0, Right: 150, Bottom: 150}},
		{ID: "1", Label: "cat", Confidence: 0.3, Box: iface.Rect{Left: 150, Top: 150, Right: 300, Bottom: 300}},
	}}
	sink := &fakeSink{}
	p, tr, m := newTestPipeline(det, sink)

	require.True(t, p.Process(frame("f1", 600, 300)))

	last := p.Last()
	assert.Equal(t, "f1", last.FrameID)
	require.Len(t, last.Detections, 1, "low confidence detections are filtered")
	// 300x300 model input stretched back onto a 600x300 frame
	assert.InDelta(t, 300, last.Detections[0].Box.Right, 1e-3)
	assert.InDelta(t, 150, last.Detections[0].Box.Bottom, 1e-3)

	ov := tr.Snapshot()
	require.Len(t, ov.Tracked, 1)
	assert.Equal(t, "person", ov.Tracked[0].Label)

	require.Len(t, sink.frames, 1)
	assert.Equal(t, "f1", sink.frames[0])
	assert.Equal(t, 1.0, counter(t, m, "frames_processed_total"))
}

func TestProcessDiscardsStaleResults(t *testing.T) {
	det := &fakeDetector{generation: 1, bumpDuringDetect: true, dets: []iface.Detection{
		{ID: "0", Confidence: 0.9, Box: iface.Rect{Right: 100, Bottom: 100}},
	}}
	sink := &fakeSink{}
	p, tr, _ := newTestPipeline(det, sink)

	assert.False(t, p.Process(frame("f1", 600, 300)))
	assert.Empty(t, tr.Snapshot().Tracked)
	assert.Empty(t, sink.frames)
}

func TestProcessDetectError(t *testing.T) {
	det := &fakeDetector{err: engine.ErrNotLoaded}
	p, _, _ := newTestPipeline(det)
	assert.False(t, p.Process(frame("f1", 10, 10)))
	assert.False(t, p.Process(iface.Frame{ID: "empty"}))
}

func TestSinkErrorsDoNotStopTheFrame(t *testing.T) {
	det := &fakeDetector{generation: 1}
	failing := &fakeSink{err: errors.New("broker down")}
	ok := &fakeSink{}
	p, _, _ := newTestPipeline(det, failing, ok)
	assert.True(t, p.Process(frame("f1", 600, 300)))
	assert.Len(t, ok.frames, 1)
}

func TestSubmitDropsWhileBusy(t *testing.T) {
	det := &fakeDetector{generation: 1, block: make(chan struct{})}
	p, _, m := newTestPipeline(det)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.True(t, p.Submit(frame("f1", 600, 300)))
	assert.True(t, p.Busy())
	assert.False(t, p.Submit(frame("f2", 600, 300)))
	assert.False(t, p.Submit(frame("f3", 600, 300)))

	close(det.block)
	assert.Eventually(t, func() bool { return !p.Busy() }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, p.Submit(frame("f4", 600, 300)))
	assert.Eventually(t, func() bool { return p.Last().FrameID == "f4" }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(2), det.calls.Load())
	assert.Equal(t, 2.0, counter(t, m, "frames_dropped_total"))

	cancel()
	assert.NoError(t, <-done)
}

func TestWorkerRecoversFromPanic(t *testing.T) {
	det := &fakeDetector{generation: 1}
	det.panicOnce.Store(true)
	p, _, _ := newTestPipeline(det)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.True(t, p.Submit(frame("f1", 600, 300)))
	assert.Eventually(t, func() bool { return !p.Busy() }, 2*time.Second, 5*time.Millisecond)
	require.True(t, p.Submit(frame("f2", 600, 300)))
	assert.Eventually(t, func() bool { return p.Last().FrameID == "f2" }, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribe(t *testing.T) {
	det := &fakeDetector{generation: 1}
	p, _, _ := newTestPipeline(det)
	ch, unsubscribe := p.Subscribe(1)

	p.Process(frame("f1", 600, 300))
	p.Process(frame("f2", 600, 300))
	got := <-ch
	assert.Equal(t, "f1", got.FrameID, "a full buffer drops newer results")

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
	p.Process(frame("f3", 600, 300))
}

type sliceSource struct {
	frames []iface.Frame
	errs   int
}

func (s *sliceSource) Next() (iface.Frame, error) {
	if s.errs > 0 {
		s.errs--
		return iface.Frame{}, errors.New("transient")
	}
	if len(s.frames) == 0 {
		return iface.Frame{}, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, nil
}

func (s *sliceSource) Geometry() iface.FrameGeometry { return iface.FrameGeometry{} }
func (s *sliceSource) Close() error                  { return nil }

func TestCaptureUntilEOF(t *testing.T) {
	det := &fakeDetector{generation: 1}
	p, _, _ := newTestPipeline(det)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	src := &sliceSource{errs: 1, frames: []iface.Frame{frame("a", 600, 300)}}
	require.NoError(t, p.Capture(ctx, src))
	assert.Eventually(t, func() bool { return p.Last().FrameID == "a" }, 2*time.Second, 5*time.Millisecond)
}

func TestToFrameSpace(t *testing.T) {
	crop := tracker.CropToFrame(iface.FrameGeometry{SourceWidth: 640, SourceHeight: 480, Rotation: 90}, 300)
	out := ToFrameSpace([]iface.Detection{
		{ID: "0", Confidence: 0.8, Box: iface.Rect{Left: 0, Top: 0, Right: 300, Bottom: 300}},
		{ID: "1", Confidence: 0.1, Box: iface.Rect{Left: 0, Top: 0, Right: 30, Bottom: 30}},
	}, crop, 0.5)
	require.Len(t, out, 1)
	assert.InDelta(t, 640, out[0].Box.Right, 1e-3)
	assert.InDelta(t, 480, out[0].Box.Bottom, 1e-3)
}
