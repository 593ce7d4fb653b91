// Package pipeline moves camera frames through the detector and the tracker.
// At most one frame is in flight; frames arriving meanwhile are dropped.
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
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const retryDelay = 200 * time.Millisecond

// Detector is the part of engine.Detector the pipeline drives.
type Detector interface {
	DetectImage(img image.Image, rotation int) (engine.Result, error)
	Generation() uint64
}

// FrameResult is what subscribers receive for every accepted frame.
type FrameResult struct {
	FrameID    string                   `json:"frameID"`
	Generation uint64                   `json:"generation"`
	Detections []iface.Detection        `json:"detections"`
	Tracked    []iface.TrackedDetection `json:"tracked"`
	ElapsedMs  float64                  `json:"elapsedMs"`
	Timestamp  time.Time                `json:"timestamp"`
}

type Options struct {
	// detections below this confidence never reach the tracker
	MinConfidence float32
	Sinks         []iface.DetectionSink
	Metrics       *monitor.Metrics
	Log           *zap.Logger
}

type Pipeline struct {
	det     Detector
	tracker *tracker.MultiBoxTracker
	opts    Options
	log     *zap.Logger

	busy   atomic.Bool
	frames chan iface.Frame

	subMu  sync.Mutex
	subs   map[int]chan FrameResult
	nextID int

	lastMu sync.RWMutex
	last   FrameResult

	now func() time.Time
}

func New(det Detector, tr *tracker.MultiBoxTracker, opts Options) *Pipeline {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		det:     det,
		tracker: tr,
		opts:    opts,
		log:     log,
		frames:  make(chan iface.Frame, 1),
		subs:    map[int]chan FrameResult{},
		now:     time.Now,
	}
}

// Submit hands a frame to the worker. It returns false without blocking
// when the previous frame is still being processed.
func (p *Pipeline) Submit(f iface.Frame) bool {
	if !p.busy.CompareAndSwap(false, true) {
		p.opts.Metrics.FrameDropped()
		return false
	}
	p.frames <- f
	return true
}

// Busy reports whether a frame is in flight.
func (p *Pipeline) Busy() bool { return p.busy.Load() }

// Run processes submitted frames until ctx is done.
func (p *Pipeline) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	p.log.Info("pipeline worker started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info("pipeline worker stopped")
			return nil
		case f := <-p.frames:
			p.safeProcess(f)
			p.busy.Store(false)
		}
	}
}

func (p *Pipeline) safeProcess(f iface.Frame) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("frame processing panic recovered", zap.String("frame", f.ID), zap.Any("panic", r))
		}
	}()
	p.Process(f)
}

// Process runs one frame synchronously: detect, map boxes back onto the
// sensor frame, update the tracker, then fan out to sinks and subscribers.
// It returns false when the result was discarded.
func (p *Pipeline) Process(f iface.Frame) bool {
	if f.Image == nil {
		return false
	}
	res, err := p.det.DetectImage(f.Image, f.Rotation)
	if err != nil {
		p.log.Warn("detect skipped", zap.String("frame", f.ID), zap.Error(err))
		return false
	}
	if gen := p.det.Generation(); res.Generation != gen {
		p.opts.Metrics.StaleResult()
		p.log.Debug("discarding stale result", zap.Uint64("result", res.Generation), zap.Uint64("current", gen))
		return false
	}

	b := f.Image.Bounds()
	g := iface.FrameGeometry{SourceWidth: b.Dx(), SourceHeight: b.Dy(), Rotation: f.Rotation}
	dets := ToFrameSpace(res.Detections, tracker.CropToFrame(g, res.InputSize), p.opts.MinConfidence)

	ts := p.now()
	p.tracker.TrackResults(dets, ts)
	tracked := p.tracker.Snapshot().Tracked
	p.opts.Metrics.FrameProcessed(res.Elapsed, len(tracked))

	for _, s := range p.opts.Sinks {
		if err := s.Publish(f.ID, dets); err != nil {
			p.log.Warn("publish detections", zap.String("frame", f.ID), zap.Error(err))
		}
	}

	fr := FrameResult{
		FrameID:    f.ID,
		Generation: res.Generation,
		Detections: dets,
		Tracked:    tracked,
		ElapsedMs:  float64(res.Elapsed.Microseconds()) / 1000,
		Timestamp:  ts,
	}
	p.lastMu.Lock()
	p.last = fr
	p.lastMu.Unlock()
	p.broadcast(fr)
	return true
}

// ToFrameSpace maps model input boxes through cropToFrame and drops
// detections below minConfidence.
func ToFrameSpace(dets []iface.Detection, cropToFrame tracker.Affine, minConfidence float32) []iface.Detection {
	out := make([]iface.Detection, 0, len(dets))
	for _, d := range dets {
		if d.Confidence < minConfidence {
			continue
		}
		d.Box = cropToFrame.MapRect(d.Box)
		out = append(out, d)
	}
	return out
}

// Last returns the most recent accepted frame result.
func (p *Pipeline) Last() FrameResult {
	p.lastMu.RLock()
	defer p.lastMu.RUnlock()
	return p.last
}

// Subscribe registers a listener. Results are dropped for a listener whose
// buffer is full. The returned func unsubscribes.
func (p *Pipeline) Subscribe(buffer int) (<-chan FrameResult, func()) {
	ch := make(chan FrameResult, max(buffer, 1))
	p.subMu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = ch
	p.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.subMu.Lock()
			delete(p.subs, id)
			p.subMu.Unlock()
			close(ch)
		})
	}
}

func (p *Pipeline) broadcast(fr FrameResult) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- fr:
		default:
		}
	}
}

// Capture reads frames from src and submits them until ctx is done or the
// source reaches its end.
func (p *Pipeline) Capture(ctx context.Context, src iface.FrameSource) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		f, err := src.Next()
		switch {
		case errors.Is(err, io.EOF):
			p.log.Info("frame source exhausted")
			return nil
		case err != nil:
			p.log.Warn("read frame", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryDelay):
			}
			continue
		}
		p.Submit(f)
	}
}
