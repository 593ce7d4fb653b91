package iface

import "image/color"

type ElemType int

const (
	Float32 ElemType = iota
	FixedPoint8
)

func (t ElemType) String() string {
	switch t {
	case Float32:
		return "float32"
	case FixedPoint8:
		return "uint8"
	default:
		return "unknown"
	}
}

// QuantParams 每个张量的仿射量化参数：real = (raw - ZeroPoint) * Scale
type QuantParams struct {
	Scale     float64
	ZeroPoint int
}

// TensorDescriptor 模型加载时发现的输出张量描述，发现后不再修改
type TensorDescriptor struct {
	Index int
	Name  string
	Shape []int
	Type  ElemType
	Quant *QuantParams
}

// Elements returns the number of scalar elements described by Shape.
func (d TensorDescriptor) Elements() int {
	if len(d.Shape) == 0 {
		return 0
	}
	n := 1
	for _, s := range d.Shape {
		n *= s
	}
	return n
}

type Position struct {
	X, Y float32
}

// Rect is an axis-aligned rectangle. Coordinates are in whatever space the
// owner documents (normalized, model input pixels, frame pixels or display).
type Rect struct {
	Left, Top, Right, Bottom float32
}

func (r Rect) Width() float32  { return r.Right - r.Left }
func (r Rect) Height() float32 { return r.Bottom - r.Top }

func (r Rect) Area() float32 {
	w, h := r.Width(), r.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

func (r Rect) Center() Position {
	return Position{X: (r.Left + r.Right) / 2, Y: (r.Top + r.Bottom) / 2}
}

// Inside reports whether r lies completely within outer, edges included.
func (r Rect) Inside(outer Rect) bool {
	return r.Left >= outer.Left &&
		r.Top >= outer.Top &&
		r.Right <= outer.Right &&
		r.Bottom <= outer.Bottom
}

// Detection 单次解码产生的检测结果，Box 位于模型输入像素空间
type Detection struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	ClassIndex int     `json:"classIndex"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// TrackedDetection 每帧重建一次，只存活一个渲染周期
type TrackedDetection struct {
	Confidence float32    `json:"confidence"`
	Box        Rect       `json:"box"`
	Label      string     `json:"label"`
	Color      color.RGBA `json:"-"`
	ColorHex   string     `json:"color"`
}

// FrameGeometry 由摄像头在分辨率或方向变化时推送
type FrameGeometry struct {
	SourceWidth   int `json:"sourceWidth" yaml:"sourceWidth"`
	SourceHeight  int `json:"sourceHeight" yaml:"sourceHeight"`
	Rotation      int `json:"rotation" yaml:"rotation"`
	DisplayWidth  int `json:"displayWidth" yaml:"displayWidth"`
	DisplayHeight int `json:"displayHeight" yaml:"displayHeight"`
}

// Rotated reports whether the sensor is mounted sideways (90 or 270).
func (g FrameGeometry) Rotated() bool {
	return ((g.Rotation%360)+360)%360%180 == 90
}

type Accelerator string

const (
	AcceleratorCPU     Accelerator = "cpu"
	AcceleratorXNNPACK Accelerator = "xnnpack"
	AcceleratorEdgeTPU Accelerator = "edgetpu"
)

func (a Accelerator) Valid() bool {
	switch a {
	case AcceleratorCPU, AcceleratorXNNPACK, AcceleratorEdgeTPU:
		return true
	}
	return false
}

type EngineConfig struct {
	Accelerator    Accelerator `json:"accelerator" yaml:"accelerator"`
	NumThreads     int         `json:"numThreads" yaml:"numThreads"`
	ScoreThreshold float32     `json:"scoreThreshold" yaml:"scoreThreshold"`
	IoUThreshold   float32     `json:"iouThreshold" yaml:"iouThreshold"`
	MaxDetections  int         `json:"maxDetections" yaml:"maxDetections"`
	InputSize      int         `json:"inputSize" yaml:"inputSize"`
	QuantizedInput bool        `json:"quantizedInput" yaml:"quantizedInput"`
}

// NeedsRebuild reports whether moving from c to next requires tearing down
// the inference handle.
func (c EngineConfig) NeedsRebuild(next EngineConfig) bool {
	return c.Accelerator != next.Accelerator ||
		c.NumThreads != next.NumThreads ||
		c.InputSize != next.InputSize ||
		c.QuantizedInput != next.QuantizedInput
}
