// Package camera reads frames from a V4L2 device, a stream URL or a video
// file through OpenCV.
package camera

import (
	"DetOverlay/config"
	iface "DetOverlay/interface"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

var (
	ErrClosed  = fmt.Errorf("camera closed: %w", io.EOF)
	ErrNoFrame = errors.New("camera returned no frame")
)

// Source implements iface.FrameSource on a gocv.VideoCapture.
type Source struct {
	mu         sync.Mutex
	vc         *gocv.VideoCapture
	mat        gocv.Mat
	geom       iface.FrameGeometry
	onGeometry func(iface.FrameGeometry)
	closed     bool
	log        *zap.Logger
}

// DeviceArg turns the configured device into what OpenVideoCapture wants:
// an int index for local cameras, the string otherwise.
func DeviceArg(device string) interface{} {
	if id, err := strconv.Atoi(device); err == nil {
		return id
	}
	return device
}

// Open starts capturing. onGeometry, when set, is called with the initial
// geometry and again whenever the delivered frame size changes.
func Open(cam config.Camera, display config.Display, onGeometry func(iface.FrameGeometry), log *zap.Logger) (*Source, error) {
	if log == nil {
		log = zap.NewNop()
	}
	vc, err := gocv.OpenVideoCapture(DeviceArg(cam.Device))
	if err != nil {
		return nil, fmt.Errorf("open camera %q: %w", cam.Device, err)
	}
	if cam.Width > 0 && cam.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cam.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cam.Height))
	}
	if cam.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(cam.FPS))
	}
	s := &Source{
		vc:         vc,
		mat:        gocv.NewMat(),
		onGeometry: onGeometry,
		log:        log,
		geom: iface.FrameGeometry{
			SourceWidth:   int(vc.Get(gocv.VideoCaptureFrameWidth)),
			SourceHeight:  int(vc.Get(gocv.VideoCaptureFrameHeight)),
			Rotation:      cam.Rotation,
			DisplayWidth:  display.Width,
			DisplayHeight: display.Height,
		},
	}
	log.Info("camera opened", zap.String("device", cam.Device),
		zap.Int("width", s.geom.SourceWidth), zap.Int("height", s.geom.SourceHeight),
		zap.Int("rotation", cam.Rotation))
	if onGeometry != nil {
		onGeometry(s.geom)
	}
	return s, nil
}

// Next blocks until the next frame is decoded.
func (s *Source) Next() (iface.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return iface.Frame{}, ErrClosed
	}
	if ok := s.vc.Read(&s.mat); !ok || s.mat.Empty() {
		return iface.Frame{}, ErrNoFrame
	}
	if g, changed := resize(s.geom, s.mat.Cols(), s.mat.Rows()); changed {
		s.geom = g
		s.log.Info("camera resolution changed", zap.Int("width", g.SourceWidth), zap.Int("height", g.SourceHeight))
		if s.onGeometry != nil {
			s.onGeometry(g)
		}
	}
	img, err := s.mat.ToImage()
	if err != nil {
		return iface.Frame{}, fmt.Errorf("convert frame: %w", err)
	}
	return iface.Frame{ID: uuid.NewString(), Image: img, Rotation: s.geom.Rotation}, nil
}

// resize returns g updated to a cols x rows frame and whether it changed.
func resize(g iface.FrameGeometry, cols, rows int) (iface.FrameGeometry, bool) {
	if g.SourceWidth == cols && g.SourceHeight == rows {
		return g, false
	}
	g.SourceWidth, g.SourceHeight = cols, rows
	return g, true
}

func (s *Source) Geometry() iface.FrameGeometry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.geom
}

func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return multierr.Combine(s.mat.Close(), s.vc.Close())
}
