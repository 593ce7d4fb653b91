package engine

import (
	iface "DetOverlay/interface"
	"errors"
	"sync"
)

// fakeHandle replays canned output tensors.
type fakeHandle struct {
	mu      sync.Mutex
	outputs []iface.TensorDescriptor
	data    map[int]iface.TensorBuffer
	runs    int
	closed  bool
	failRun bool
	// declared input edge and type, 300 and uint8 when zero
	inputSize  int
	floatInput bool
}

func (f *fakeHandle) Inputs() []iface.TensorDescriptor {
	size := f.inputSize
	if size == 0 {
		size = testInputSize
	}
	typ := iface.FixedPoint8
	if f.floatInput {
		typ = iface.Float32
	}
	return []iface.TensorDescriptor{{Index: 0, Name: "image", Shape: []int{1, size, size, 3}, Type: typ}}
}

func (f *fakeHandle) Outputs() []iface.TensorDescriptor { return f.outputs }

func (f *fakeHandle) Run(_ iface.TensorBuffer, outputs map[int]iface.TensorBuffer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs++
	if f.failRun {
		return errors.New("fake invoke failure")
	}
	for idx, buf := range outputs {
		switch b := buf.(type) {
		case *iface.Float:
			if src, ok := f.data[idx].(*iface.Float); ok {
				copy(b.Data, src.Data)
			}
		case *iface.FixedPoint:
			if src, ok := f.data[idx].(*iface.FixedPoint); ok {
				copy(b.Data, src.Data)
			}
		}
	}
	return nil
}

func (f *fakeHandle) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// preDecodedHandle returns an SSD-style model with four named outputs in
// the conventional boxes, classes, scores, count order.
func preDecodedHandle(boxes, classes, scores []float32, count float32) *fakeHandle {
	n := len(scores)
	return &fakeHandle{
		outputs: []iface.TensorDescriptor{
			{Index: 0, Name: "detection_boxes", Shape: []int{1, n, 4}, Type: iface.Float32},
			{Index: 1, Name: "detection_classes", Shape: []int{1, n}, Type: iface.Float32},
			{Index: 2, Name: "detection_scores", Shape: []int{1, n}, Type: iface.Float32},
			{Index: 3, Name: "num_detections", Shape: []int{1}, Type: iface.Float32},
		},
		data: map[int]iface.TensorBuffer{
			0: &iface.Float{Data: boxes},
			1: &iface.Float{Data: classes},
			2: &iface.Float{Data: scores},
			3: &iface.Float{Data: []float32{count}},
		},
	}
}

const testInputSize = 300

// blankInput is a zeroed uint8 tensor of the fake model's input size.
func blankInput() *iface.FixedPoint {
	return &iface.FixedPoint{Data: make([]byte, testInputSize*testInputSize*3)}
}

func testConfig() iface.EngineConfig {
	return iface.EngineConfig{
		Accelerator:    iface.AcceleratorCPU,
		NumThreads:     2,
		ScoreThreshold: 0.1,
		IoUThreshold:   0.5,
		MaxDetections:  DefaultMaxDetections,
		InputSize:      testInputSize,
		QuantizedInput: true,
	}
}
