package api

import (
	"DetOverlay/engine"
	iface "DetOverlay/interface"
	"DetOverlay/tracker"
	"encoding/base64"
	"errors"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const (
	maxUpload = 20 * 1024 * 1024
	// overlay.png allocates a canvas of the display size
	maxDisplayEdge = 8192
)

type tensorView struct {
	Index     int     `json:"index"`
	Name      string  `json:"name"`
	Shape     []int   `json:"shape"`
	Type      string  `json:"type"`
	Scale     float64 `json:"scale,omitempty"`
	ZeroPoint int     `json:"zeroPoint,omitempty"`
}

func (s *Server) getConfig(c *gin.Context) {
	roles := s.det.Roles()
	roleMap := map[string]int{}
	for _, r := range roles.Roles() {
		roleMap[r.String()] = roles.Index(r)
	}
	outputs := s.det.Outputs()
	views := make([]tensorView, 0, len(outputs))
	for _, d := range outputs {
		v := tensorView{Index: d.Index, Name: d.Name, Shape: d.Shape, Type: d.Type.String()}
		if d.Quant != nil {
			v.Scale, v.ZeroPoint = d.Quant.Scale, d.Quant.ZeroPoint
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"engine":     s.det.CheckConfig(),
		"state":      engine.StateName(s.det.State()),
		"generation": s.det.Generation(),
		"roles":      roleMap,
		"degraded":   roles.Degraded,
		"outputs":    views,
	}})
}

// putConfig merges the JSON body over the current engine config and applies
// it. A failed rebuild leaves the previous handle running.
func (s *Server) putConfig(c *gin.Context) {
	current := s.det.CheckConfig()
	next := current
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := s.det.Reconfigure(next)
	if current.NeedsRebuild(next) && !errors.Is(err, engine.ErrInvalidConfig) {
		s.metrics.Rebuild(err)
	}
	switch {
	case errors.Is(err, engine.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, engine.ErrNotLoaded), errors.Is(err, engine.ErrNotRegistered):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "active": s.det.CheckConfig()})
		return
	}
	applied := s.det.CheckConfig()
	if s.onReconfigure != nil {
		s.onReconfigure(applied)
	}
	c.JSON(http.StatusOK, gin.H{"data": applied, "generation": s.det.Generation()})
}

func (s *Server) putDebug(c *gin.Context) {
	var body struct {
		DumpOutputs bool `json:"dumpOutputs"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.det.SetDumpOutputs(body.DumpOutputs)
	c.JSON(http.StatusOK, gin.H{"data": body})
}

// detect runs one pass on an uploaded image, either a multipart "file" or
// a raw/base64 body. Boxes are in model input pixels.
func (s *Server) detect(c *gin.Context) {
	data, err := readImage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty image"})
		return
	}
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if mat.Empty() {
		_ = mat.Close()
		c.JSON(http.StatusBadRequest, gin.H{"error": "decoded image is empty or unsupported format"})
		return
	}
	img, err := mat.ToImage()
	_ = mat.Close()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rotation, _ := strconv.Atoi(c.DefaultQuery("rotation", "0"))

	res, err := s.det.DetectImage(img, rotation)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	dets := res.Detections
	if dets == nil {
		dets = []iface.Detection{}
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"detections": dets,
		"path":       res.Path.String(),
		"generation": res.Generation,
		"inputSize":  res.InputSize,
		"elapsedMs":  float64(res.Elapsed.Microseconds()) / 1000,
	}})
}

func readImage(c *gin.Context) ([]byte, error) {
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxUpload))
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUpload))
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("empty image")
	}
	if strings.HasPrefix(c.ContentType(), "text/") {
		return decodeBase64(string(body))
	}
	return body, nil
}

// decodeBase64 accepts plain base64 or a data URL.
func decodeBase64(b64 string) ([]byte, error) {
	b64 = strings.TrimSpace(b64)
	if i := strings.Index(b64, ","); i != -1 && strings.HasPrefix(b64, "data:") {
		b64 = b64[i+1:]
	}
	return base64.StdEncoding.DecodeString(b64)
}

func (s *Server) lastDetections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.stream.Last()})
}

func (s *Server) overlay(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.tracker.Snapshot()})
}

func (s *Server) overlayPNG(c *gin.Context) {
	debug := s.debug
	if v, ok := c.GetQuery("debug"); ok {
		debug, _ = strconv.ParseBool(v)
	}
	img := tracker.RenderImage(s.tracker.Snapshot(), debug)
	c.Header("Content-Type", "image/png")
	c.Status(http.StatusOK)
	if err := png.Encode(c.Writer, img); err != nil {
		s.log.Warn("encode overlay", zap.Error(err))
	}
}

// geometry updates the display size, and the frame geometry when given.
func (s *Server) geometry(c *gin.Context) {
	g := s.tracker.Geometry()
	if err := c.ShouldBindJSON(&g); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if g.DisplayWidth <= 0 || g.DisplayHeight <= 0 || g.DisplayWidth > maxDisplayEdge || g.DisplayHeight > maxDisplayEdge ||
		g.SourceWidth < 0 || g.SourceHeight < 0 || g.Rotation%90 != 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid geometry"})
		return
	}
	s.tracker.SetGeometry(g)
	c.JSON(http.StatusOK, gin.H{"data": g})
}
