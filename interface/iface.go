package iface

import "image"

// TensorBuffer is either FixedPoint or Float. The kind is decided once, when
// the role assignment is resolved, and never guessed at read time.
type TensorBuffer interface {
	Len() int
	tensorBuffer()
}

type FixedPoint struct {
	Data  []byte
	Quant QuantParams
}

type Float struct {
	Data []float32
}

func (b *FixedPoint) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

func (b *Float) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Data)
}

func (*FixedPoint) tensorBuffer() {}
func (*Float) tensorBuffer()      {}

// NewBuffer allocates an empty buffer matching the descriptor.
func NewBuffer(d TensorDescriptor) TensorBuffer {
	n := d.Elements()
	if d.Type == FixedPoint8 {
		q := QuantParams{Scale: 1}
		if d.Quant != nil {
			q = *d.Quant
		}
		return &FixedPoint{Data: make([]byte, n), Quant: q}
	}
	return &Float{Data: make([]float32, n)}
}

// InferenceHandle 一个可直接执行推理的模型实例
type InferenceHandle interface {
	Inputs() []TensorDescriptor
	Outputs() []TensorDescriptor
	// Run executes one forward pass and fills every buffer in outputs,
	// keyed by output tensor index.
	Run(input TensorBuffer, outputs map[int]TensorBuffer) error
	Close() error
}

// HandleBuilder builds a fresh handle from retained model bytes.
type HandleBuilder func(model []byte, cfg EngineConfig) (InferenceHandle, error)

// Frame 摄像头交付的一帧解码图像
type Frame struct {
	ID       string
	Image    image.Image
	Rotation int
}

type FrameSource interface {
	Next() (Frame, error)
	Geometry() FrameGeometry
	Close() error
}

// DetectionSink receives each accepted frame's detections.
type DetectionSink interface {
	Publish(frameID string, dets []Detection) error
}
