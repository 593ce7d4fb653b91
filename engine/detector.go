package engine

import (
	iface "DetOverlay/interface"
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Result is the outcome of one Detect call.
type Result struct {
	Detections []iface.Detection
	Path       DecodePath
	// Generation identifies the inference handle that produced the result.
	Generation uint64
	// InputSize is the model input edge the boxes are scaled to.
	InputSize  int
	Elapsed    time.Duration
}

// Detector owns the model bytes, the active inference handle and the decoder
// built for it. Detect and Reconfigure serialize on one mutex so a handle is
// never torn down while a pass is running on it.
type Detector struct {
	mu      sync.Mutex
	state   int
	model   []byte
	cfg     iface.EngineConfig
	labels  Labels
	build   iface.HandleBuilder
	handle  iface.InferenceHandle
	inputs  []iface.TensorDescriptor
	outputs []iface.TensorDescriptor
	roles   RoleAssignment
	decoder *Decoder
	buffers map[int]iface.TensorBuffer

	generation atomic.Uint64
	dump       atomic.Bool
	log        *zap.Logger
}

func NewDetector(build iface.HandleBuilder, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Detector{build: build, log: log, state: UNREGISTERED}
	if build != nil {
		d.state = REGISTERED
	}
	return d
}

// ValidateConfig checks the invariants every engine config must hold.
func ValidateConfig(cfg iface.EngineConfig) error {
	switch {
	case !cfg.Accelerator.Valid():
		return fmt.Errorf("%w: unknown accelerator %q", ErrInvalidConfig, cfg.Accelerator)
	case cfg.NumThreads < 1:
		return fmt.Errorf("%w: numThreads must be >= 1, got %d", ErrInvalidConfig, cfg.NumThreads)
	case cfg.ScoreThreshold < 0 || cfg.ScoreThreshold > 1:
		return fmt.Errorf("%w: scoreThreshold must be between 0.0 and 1.0, got %f", ErrInvalidConfig, cfg.ScoreThreshold)
	case cfg.IoUThreshold < 0 || cfg.IoUThreshold > 1:
		return fmt.Errorf("%w: iouThreshold must be between 0.0 and 1.0, got %f", ErrInvalidConfig, cfg.IoUThreshold)
	case cfg.MaxDetections < 1:
		return fmt.Errorf("%w: maxDetections must be >= 1, got %d", ErrInvalidConfig, cfg.MaxDetections)
	case cfg.InputSize < 1:
		return fmt.Errorf("%w: inputSize must be >= 1, got %d", ErrInvalidConfig, cfg.InputSize)
	}
	return nil
}

// LoadModelFile reads the model and label files and loads them.
func (d *Detector) LoadModelFile(modelPath, labelsPath string, cfg iface.EngineConfig) error {
	model, err := os.ReadFile(modelPath)
	if err != nil {
		return fmt.Errorf("read model %s: %w", modelPath, err)
	}
	var labels Labels
	if labelsPath != "" {
		if labels, err = LoadLabels(labelsPath); err != nil {
			return err
		}
	}
	return d.LoadModel(model, labels, cfg)
}

// LoadModel retains the model bytes and builds the first inference handle.
func (d *Detector) LoadModel(model []byte, labels Labels, cfg iface.EngineConfig) error {
	if len(model) == 0 {
		return ErrEmptyModel
	}
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == UNREGISTERED {
		return ErrNotRegistered
	}

	h, err := d.buildHandle(model, cfg)
	if err != nil {
		return err
	}
	if err := d.checkInput(h, cfg); err != nil {
		return err
	}
	if d.handle != nil {
		if cerr := d.handle.Close(); cerr != nil {
			d.log.Warn("close previous inference handle", zap.Error(cerr))
		}
	}
	d.model = model
	d.labels = labels
	d.cfg = cfg
	d.install(h)
	d.state = IDLE
	d.log.Info("model loaded",
		zap.Int("modelBytes", len(model)),
		zap.Int("labels", len(labels)),
		zap.String("accelerator", string(cfg.Accelerator)),
		zap.Int("threads", cfg.NumThreads),
		zap.Stringer("path", d.decoder.Path()))
	return nil
}

// buildHandle builds a handle for cfg, falling back to CPU when the
// requested accelerator cannot be brought up.
func (d *Detector) buildHandle(model []byte, cfg iface.EngineConfig) (iface.InferenceHandle, error) {
	if d.build == nil {
		return nil, ErrNoBuilder
	}
	h, err := d.build(model, cfg)
	if err == nil {
		return h, nil
	}
	if cfg.Accelerator == iface.AcceleratorCPU {
		return nil, fmt.Errorf("build inference handle: %w", err)
	}
	d.log.Warn("accelerator unavailable, falling back to cpu",
		zap.String("accelerator", string(cfg.Accelerator)), zap.Error(err))
	cpu := cfg
	cpu.Accelerator = iface.AcceleratorCPU
	h, err = d.build(model, cpu)
	if err != nil {
		return nil, fmt.Errorf("build inference handle on cpu: %w", err)
	}
	return h, nil
}

// checkInput rejects a config whose input size or element type differs from
// the model's first input tensor, which must be [1,S,S,3]. h is closed on
// rejection.
func (d *Detector) checkInput(h iface.InferenceHandle, cfg iface.EngineConfig) error {
	err := inputMismatch(h.Inputs(), cfg)
	if err == nil {
		return nil
	}
	if cerr := h.Close(); cerr != nil {
		d.log.Warn("close rejected inference handle", zap.Error(cerr))
	}
	return err
}

func inputMismatch(inputs []iface.TensorDescriptor, cfg iface.EngineConfig) error {
	if len(inputs) == 0 {
		return ErrNoInputTensor
	}
	in := inputs[0]
	s := in.Shape
	if len(s) != 4 || s[0] != 1 || s[1] != s[2] || s[3] != 3 {
		return fmt.Errorf("%w: input tensor %q has shape %v, want [1 S S 3]", ErrInvalidConfig, in.Name, s)
	}
	if s[1] != cfg.InputSize {
		return fmt.Errorf("%w: inputSize %d does not match model input %d", ErrInvalidConfig, cfg.InputSize, s[1])
	}
	if want := quantizedType(cfg.QuantizedInput); in.Type != want {
		return fmt.Errorf("%w: quantizedInput=%t but model input is %s", ErrInvalidConfig, cfg.QuantizedInput, in.Type)
	}
	return nil
}

func quantizedType(quantized bool) iface.ElemType {
	if quantized {
		return iface.FixedPoint8
	}
	return iface.Float32
}

// install makes h the active handle. Callers hold d.mu.
func (d *Detector) install(h iface.InferenceHandle) {
	d.handle = h
	d.inputs = h.Inputs()
	d.outputs = h.Outputs()
	d.roles = ResolveRoles(d.outputs, d.log)
	d.decoder = NewDecoder(d.outputs, d.roles, d.cfg, d.labels, d.log)
	d.buffers = make(map[int]iface.TensorBuffer, len(d.outputs))
	for _, r := range d.roles.Roles() {
		idx := d.roles.Index(r)
		for _, desc := range d.outputs {
			if desc.Index == idx {
				d.buffers[idx] = iface.NewBuffer(desc)
			}
		}
	}
	d.generation.Inc()
}

// Reconfigure applies a new engine config. Accelerator, thread count or
// input changes tear down and rebuild the handle from the retained model
// bytes; threshold-only changes just replace the decoder. When a rebuild
// fails the previous handle stays active and the error is returned.
func (d *Detector) Reconfigure(cfg iface.EngineConfig) error {
	if err := ValidateConfig(cfg); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle == nil {
		return ErrNotLoaded
	}

	if !d.cfg.NeedsRebuild(cfg) {
		d.cfg = cfg
		d.decoder = NewDecoder(d.outputs, d.roles, cfg, d.labels, d.log)
		d.log.Info("decoder parameters updated",
			zap.Float32("scoreThreshold", cfg.ScoreThreshold),
			zap.Float32("iouThreshold", cfg.IoUThreshold),
			zap.Int("maxDetections", cfg.MaxDetections))
		return nil
	}

	h, err := d.buildHandle(d.model, cfg)
	if err != nil {
		d.log.Error("rebuild inference handle failed, keeping previous handle",
			zap.String("accelerator", string(cfg.Accelerator)),
			zap.Int("threads", cfg.NumThreads),
			zap.Error(err))
		return err
	}
	if err := d.checkInput(h, cfg); err != nil {
		d.log.Error("rebuilt handle does not match config, keeping previous handle", zap.Error(err))
		return err
	}
	if cerr := d.handle.Close(); cerr != nil {
		d.log.Warn("close previous inference handle", zap.Error(cerr))
	}
	d.cfg = cfg
	d.install(h)
	d.log.Info("inference handle rebuilt",
		zap.String("accelerator", string(cfg.Accelerator)),
		zap.Int("threads", cfg.NumThreads),
		zap.Uint64("generation", d.generation.Load()))
	return nil
}

// DetectImage preprocesses a frame for the active input size and runs one
// pass on it.
func (d *Detector) DetectImage(img image.Image, rotation int) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return Result{}, err
	}
	return d.detectLocked(Preprocess(img, rotation, d.cfg.InputSize, d.cfg.QuantizedInput)), nil
}

// Detect runs one inference pass and decodes it. Inference failures are
// logged and yield an empty result; only an unloaded detector is an error.
func (d *Detector) Detect(input iface.TensorBuffer) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return Result{}, err
	}
	return d.detectLocked(input), nil
}

func (d *Detector) ready() error {
	switch d.state {
	case UNREGISTERED:
		return ErrNotRegistered
	case REGISTERED:
		return ErrNotLoaded
	}
	return nil
}

func (d *Detector) detectLocked(input iface.TensorBuffer) Result {
	d.state = BUSY
	defer func() { d.state = IDLE }()

	res := Result{Generation: d.generation.Load(), Path: d.decoder.Path(), InputSize: d.cfg.InputSize}
	if !fitsInput(input, d.inputs[0]) {
		d.log.Error("input buffer does not match model input, skipping inference",
			zap.Int("want", d.inputs[0].Elements()), zap.Int("got", bufferLen(input)),
			zap.Stringer("type", d.inputs[0].Type))
		return res
	}
	start := time.Now()
	if err := d.handle.Run(input, d.buffers); err != nil {
		d.log.Error("inference failed", zap.Error(err))
		res.Elapsed = time.Since(start)
		return res
	}
	if d.dump.Load() {
		DumpOutputs(d.log, d.outputs, d.buffers)
	}
	res.Detections = d.decoder.Decode(d.buffers)
	res.Elapsed = time.Since(start)
	return res
}

// fitsInput reports whether b has the element kind and count of in.
func fitsInput(b iface.TensorBuffer, in iface.TensorDescriptor) bool {
	if b == nil || b.Len() != in.Elements() {
		return false
	}
	_, fixed := b.(*iface.FixedPoint)
	return fixed == (in.Type == iface.FixedPoint8)
}

func bufferLen(b iface.TensorBuffer) int {
	if b == nil {
		return 0
	}
	return b.Len()
}

// Warmup runs n passes on a blank input so accelerator delegates finish
// their lazy initialisation before the first real frame.
func (d *Detector) Warmup(n int) {
	blank := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := 0; i < n; i++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("panic during warmup detect", zap.Any("panic", r))
				}
			}()
			if _, err := d.DetectImage(blank, 0); err != nil {
				d.log.Error("warmup detect failed", zap.Error(err))
			}
		}()
	}
	d.log.Info("warm up finished", zap.Int("passes", n))
}

func (d *Detector) SetDumpOutputs(on bool) { d.dump.Store(on) }

// Generation changes every time a new inference handle is installed.
func (d *Detector) Generation() uint64 { return d.generation.Load() }

func (d *Detector) CheckConfig() iface.EngineConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func (d *Detector) Roles() RoleAssignment {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.roles
}

func (d *Detector) Outputs() []iface.TensorDescriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]iface.TensorDescriptor(nil), d.outputs...)
}

func (d *Detector) State() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Detector) Labels() Labels {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.labels
}

func (d *Detector) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.handle != nil {
		err = d.handle.Close()
	}
	d.handle = nil
	d.model = nil
	d.buffers = nil
	d.decoder = nil
	d.cfg = iface.EngineConfig{}
	d.state = UNREGISTERED
	return err
}
