// Package tfbackend builds inference handles on top of the TensorFlow Lite C
// API. Accelerators are attached as delegates: xnnpack for the optimized CPU
// path and edgetpu for a Coral USB/PCIe device.
package tfbackend

import (
	"DetOverlay/engine"
	iface "DetOverlay/interface"
	"errors"
	"fmt"

	"github.com/mattn/go-tflite"
	"github.com/mattn/go-tflite/delegates"
	"github.com/mattn/go-tflite/delegates/edgetpu"
	"github.com/mattn/go-tflite/delegates/xnnpack"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrModel       = errors.New("tflite: cannot load model")
	ErrInterpreter = errors.New("tflite: cannot create interpreter")
	ErrAllocate    = errors.New("tflite: allocate tensors failed")
	ErrInvoke      = errors.New("tflite: invoke failed")
	ErrNoEdgeTPU   = errors.New("tflite: no edgetpu device found")
	ErrDelegate    = errors.New("tflite: delegate creation failed")
	ErrInputSize   = errors.New("tflite: input buffer size mismatch")
)

type Handle struct {
	model    *tflite.Model
	opts     *tflite.InterpreterOptions
	interp   *tflite.Interpreter
	delegate delegates.Delegater
	inputs   []iface.TensorDescriptor
	outputs  []iface.TensorDescriptor
	log      *zap.Logger
}

// Builder returns an iface.HandleBuilder that logs through log.
func Builder(log *zap.Logger) iface.HandleBuilder {
	if log == nil {
		log = zap.NewNop()
	}
	return func(model []byte, cfg iface.EngineConfig) (iface.InferenceHandle, error) {
		return New(model, cfg, log)
	}
}

// New creates an interpreter for model with the thread count and
// accelerator delegate requested by cfg.
func New(model []byte, cfg iface.EngineConfig, log *zap.Logger) (*Handle, error) {
	if len(model) == 0 {
		return nil, engine.ErrEmptyModel
	}
	h := &Handle{log: log}
	h.model = tflite.NewModel(model)
	if h.model == nil {
		return nil, ErrModel
	}

	h.opts = tflite.NewInterpreterOptions()
	h.opts.SetNumThread(cfg.NumThreads)
	h.opts.SetErrorReporter(func(msg string, _ interface{}) {
		log.Warn("tflite", zap.String("msg", msg))
	}, nil)

	d, err := newDelegate(cfg)
	if err != nil {
		return nil, multierr.Append(err, h.Close())
	}
	if d != nil {
		h.delegate = d
		h.opts.AddDelegate(d)
	}

	h.interp = tflite.NewInterpreter(h.model, h.opts)
	if h.interp == nil {
		return nil, multierr.Append(ErrInterpreter, h.Close())
	}
	if status := h.interp.AllocateTensors(); status != tflite.OK {
		return nil, multierr.Append(fmt.Errorf("%w: status %v", ErrAllocate, status), h.Close())
	}

	for i := 0; i < h.interp.GetInputTensorCount(); i++ {
		h.inputs = append(h.inputs, describe(i, h.interp.GetInputTensor(i)))
	}
	for i := 0; i < h.interp.GetOutputTensorCount(); i++ {
		desc := describe(i, h.interp.GetOutputTensor(i))
		h.outputs = append(h.outputs, desc)
		fields := []zap.Field{
			zap.Int("index", desc.Index),
			zap.String("name", desc.Name),
			zap.Ints("shape", desc.Shape),
			zap.Stringer("dtype", desc.Type),
		}
		if desc.Quant != nil {
			fields = append(fields, zap.Float64("scale", desc.Quant.Scale), zap.Int("zeroPoint", desc.Quant.ZeroPoint))
		}
		log.Info("output tensor", fields...)
	}
	if len(h.inputs) == 0 {
		return nil, multierr.Append(engine.ErrNoInputTensor, h.Close())
	}
	return h, nil
}

func newDelegate(cfg iface.EngineConfig) (delegates.Delegater, error) {
	switch cfg.Accelerator {
	case iface.AcceleratorXNNPACK:
		d := xnnpack.New(xnnpack.DelegateOptions{NumThreads: int32(cfg.NumThreads)})
		if d == nil {
			return nil, fmt.Errorf("%w: xnnpack", ErrDelegate)
		}
		return d, nil
	case iface.AcceleratorEdgeTPU:
		devices, err := edgetpu.DeviceList()
		if err != nil {
			return nil, fmt.Errorf("list edgetpu devices: %w", err)
		}
		if len(devices) == 0 {
			return nil, ErrNoEdgeTPU
		}
		d := edgetpu.New(devices[0])
		if d == nil {
			return nil, fmt.Errorf("%w: edgetpu %s", ErrDelegate, devices[0].Path)
		}
		return d, nil
	default:
		return nil, nil
	}
}

func describe(index int, t *tflite.Tensor) iface.TensorDescriptor {
	shape := make([]int, t.NumDims())
	for i := range shape {
		shape[i] = t.Dim(i)
	}
	desc := iface.TensorDescriptor{Index: index, Name: t.Name(), Shape: shape, Type: iface.Float32}
	if t.Type() == tflite.UInt8 {
		desc.Type = iface.FixedPoint8
		qp := t.QuantizationParams()
		desc.Quant = &iface.QuantParams{Scale: qp.Scale, ZeroPoint: qp.ZeroPoint}
	}
	return desc
}

func (h *Handle) Inputs() []iface.TensorDescriptor  { return h.inputs }
func (h *Handle) Outputs() []iface.TensorDescriptor { return h.outputs }

// Run copies input into the first input tensor, invokes the interpreter and
// copies each requested output back. An output whose element type does not
// match its buffer is left empty for this pass.
func (h *Handle) Run(input iface.TensorBuffer, outputs map[int]iface.TensorBuffer) error {
	in := h.interp.GetInputTensor(0)
	// CopyFromBuffer reads ByteSize bytes whatever the slice length
	if want, n := int(in.ByteSize()), engine.ByteLen(input); n != want {
		return fmt.Errorf("%w: input tensor holds %d bytes, buffer has %d", ErrInputSize, want, n)
	}
	var status tflite.Status
	switch b := input.(type) {
	case *iface.FixedPoint:
		if in.Type() != tflite.UInt8 {
			return fmt.Errorf("%w: model wants %v, got uint8", engine.ErrInputTypeUnset, in.Type())
		}
		status = in.CopyFromBuffer(b.Data)
	case *iface.Float:
		if in.Type() != tflite.Float32 {
			return fmt.Errorf("%w: model wants %v, got float32", engine.ErrInputTypeUnset, in.Type())
		}
		status = in.CopyFromBuffer(b.Data)
	default:
		return engine.ErrInputTypeUnset
	}
	if status != tflite.OK {
		return fmt.Errorf("copy input: status %v", status)
	}

	if status := h.interp.Invoke(); status != tflite.OK {
		return fmt.Errorf("%w: status %v", ErrInvoke, status)
	}

	for idx, buf := range outputs {
		t := h.interp.GetOutputTensor(idx)
		if t == nil {
			continue
		}
		switch b := buf.(type) {
		case *iface.FixedPoint:
			b.Data = b.Data[:cap(b.Data)]
			if t.Type() != tflite.UInt8 {
				h.log.Warn("output tensor type mismatch", zap.Int("index", idx), zap.Stringer("want", iface.FixedPoint8))
				b.Data = b.Data[:0]
				continue
			}
			copy(b.Data, t.UInt8s())
		case *iface.Float:
			b.Data = b.Data[:cap(b.Data)]
			if t.Type() != tflite.Float32 {
				h.log.Warn("output tensor type mismatch", zap.Int("index", idx), zap.Stringer("want", iface.Float32))
				b.Data = b.Data[:0]
				continue
			}
			copy(b.Data, t.Float32s())
		}
	}
	return nil
}

// Close releases the interpreter, options, delegate and model in that order.
func (h *Handle) Close() error {
	if h.interp != nil {
		h.interp.Delete()
		h.interp = nil
	}
	if h.opts != nil {
		h.opts.Delete()
		h.opts = nil
	}
	if h.delegate != nil {
		h.delegate.Delete()
		h.delegate = nil
	}
	if h.model != nil {
		h.model.Delete()
		h.model = nil
	}
	return nil
}
