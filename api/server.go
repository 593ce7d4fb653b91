// Package api exposes the detector, the overlay and the live detection
// stream over HTTP and WebSocket.
package api

import (
	"DetOverlay/engine"
	iface "DetOverlay/interface"
	"DetOverlay/monitor"
	"DetOverlay/pipeline"
	"DetOverlay/tracker"
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Detector is the part of engine.Detector the API serves.
type Detector interface {
	DetectImage(img image.Image, rotation int) (engine.Result, error)
	Reconfigure(cfg iface.EngineConfig) error
	CheckConfig() iface.EngineConfig
	State() int
	Roles() engine.RoleAssignment
	Outputs() []iface.TensorDescriptor
	Generation() uint64
	SetDumpOutputs(on bool)
}

// Stream is the live result feed of the pipeline.
type Stream interface {
	Subscribe(buffer int) (<-chan pipeline.FrameResult, func())
	Last() pipeline.FrameResult
}

type Server struct {
	det      Detector
	tracker  *tracker.MultiBoxTracker
	stream   Stream
	metrics  *monitor.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader

	// overlay.png draws the raw rectangles unless ?debug=0
	debug bool

	// applied after every successful engine reconfiguration
	onReconfigure func(iface.EngineConfig)
}

type Options struct {
	Metrics       *monitor.Metrics
	Log           *zap.Logger
	OnReconfigure func(iface.EngineConfig)
	Debug         bool
}

func New(det Detector, tr *tracker.MultiBoxTracker, stream Stream, opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		det:           det,
		tracker:       tr,
		stream:        stream,
		metrics:       opts.Metrics,
		log:           log,
		onReconfigure: opts.OnReconfigure,
		debug:         opts.Debug,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/api/config", s.getConfig)
	r.PUT("/api/config", s.putConfig)
	r.PUT("/api/debug", s.putDebug)
	r.POST("/api/detect", s.detect)
	r.GET("/api/detections/last", s.lastDetections)
	r.GET("/api/overlay", s.overlay)
	r.GET("/api/overlay.png", s.overlayPNG)
	r.POST("/api/geometry", s.geometry)
	r.GET("/ws/detections", s.wsDetections)
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// Run serves on port until ctx is done.
func (s *Server) Run(ctx context.Context, port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server started", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}
