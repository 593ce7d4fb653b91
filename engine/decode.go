package engine

import (
	iface "DetOverlay/interface"
	"math"
	"strconv"

	"go.uber.org/zap"
)

type DecodePath int

const (
	PathNone DecodePath = iota
	PathPreDecoded
	PathLogits
)

func (p DecodePath) String() string {
	switch p {
	case PathPreDecoded:
		return "pre-decoded"
	case PathLogits:
		return "logits"
	default:
		return "none"
	}
}

// Decoder turns one inference pass worth of output tensors into detections.
// It is immutable once built; a threshold change builds a new one.
type Decoder struct {
	Roles          RoleAssignment
	NumClasses     int
	ScoreThreshold float32
	IoUThreshold   float32
	MaxDetections  int
	InputSize      int
	Labels         Labels

	log *zap.Logger
}

func NewDecoder(descs []iface.TensorDescriptor, roles RoleAssignment, cfg iface.EngineConfig, labels Labels, log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Decoder{
		Roles:          roles,
		ScoreThreshold: cfg.ScoreThreshold,
		IoUThreshold:   cfg.IoUThreshold,
		MaxDetections:  cfg.MaxDetections,
		InputSize:      cfg.InputSize,
		Labels:         labels,
		log:            log,
	}
	if idx := roles.Index(RoleLogits); idx >= 0 {
		for _, desc := range descs {
			if desc.Index == idx && len(desc.Shape) == 3 {
				d.NumClasses = desc.Shape[2]
			}
		}
	}
	return d
}

// Path reports which decode path the role assignment allows.
func (d *Decoder) Path() DecodePath {
	switch {
	case d.Roles.Has(RoleLogits) && d.Roles.Has(RoleBoxes) && d.NumClasses > 0:
		return PathLogits
	case d.Roles.Has(RoleBoxes) && d.Roles.Has(RoleScores) && d.Roles.Has(RoleClasses):
		return PathPreDecoded
	default:
		return PathNone
	}
}

// Decode produces the detections for one frame. Missing or unreadable
// tensors shrink the result instead of failing it.
func (d *Decoder) Decode(outputs map[int]iface.TensorBuffer) []iface.Detection {
	switch d.Path() {
	case PathLogits:
		return d.decodeLogits(outputs)
	case PathPreDecoded:
		return d.decodePreDecoded(outputs)
	default:
		return nil
	}
}

func (d *Decoder) tensor(outputs map[int]iface.TensorBuffer, r Role) ([]float32, bool) {
	v, ok := Floats(outputs[d.Roles.Index(r)])
	if !ok {
		d.log.Warn("output tensor unreadable this frame", zap.Stringer("role", r), zap.Int("index", d.Roles.Index(r)))
	}
	return v, ok
}

func (d *Decoder) decodePreDecoded(outputs map[int]iface.TensorBuffer) []iface.Detection {
	boxes, ok := d.tensor(outputs, RoleBoxes)
	if !ok {
		return nil
	}
	scores, ok := d.tensor(outputs, RoleScores)
	if !ok {
		return nil
	}
	classes, ok := d.tensor(outputs, RoleClasses)
	if !ok {
		return nil
	}

	n := min(len(boxes)/4, len(scores), len(classes))
	if d.Roles.Has(RoleCount) {
		if count, ok := d.tensor(outputs, RoleCount); ok {
			n = min(n, max(0, int(math.Round(float64(count[0])))))
		}
	}
	n = min(n, d.MaxDetections)

	dets := make([]iface.Detection, 0, n)
	for i := 0; i < n; i++ {
		class := int(math.Round(float64(classes[i])))
		dets = append(dets, d.detection(i, class, scores[i], normalizedBox(boxes, i)))
	}
	return dets
}

func (d *Decoder) decodeLogits(outputs map[int]iface.TensorBuffer) []iface.Detection {
	boxes, ok := d.tensor(outputs, RoleBoxes)
	if !ok {
		return nil
	}
	logits, ok := d.tensor(outputs, RoleLogits)
	if !ok {
		return nil
	}

	c := d.NumClasses
	anchors := min(len(boxes)/4, len(logits)/c)
	scores := make([]float32, anchors)
	classes := make([]int, anchors)
	rects := make([]iface.Rect, anchors)
	for a := 0; a < anchors; a++ {
		classes[a], scores[a] = BestClass(logits[a*c : (a+1)*c])
		rects[a] = normalizedBox(boxes, a)
	}

	kept := SuppressGreedy(rects, scores, d.ScoreThreshold, d.IoUThreshold, d.MaxDetections)
	dets := make([]iface.Detection, 0, len(kept))
	for _, a := range kept {
		dets = append(dets, d.detection(a, classes[a], scores[a], rects[a]))
	}
	d.log.Debug("logits post-processing", zap.Int("anchors", anchors), zap.Int("kept", len(kept)))
	return dets
}

func (d *Decoder) detection(i, class int, score float32, box iface.Rect) iface.Detection {
	s := float32(d.InputSize)
	return iface.Detection{
		ID:         strconv.Itoa(i),
		Label:      d.Labels.Resolve(class),
		ClassIndex: class,
		Confidence: min(max(score, 0), 1),
		Box: iface.Rect{
			Left:   box.Left * s,
			Top:    box.Top * s,
			Right:  box.Right * s,
			Bottom: box.Bottom * s,
		},
	}
}

// normalizedBox reads box i stored as [top, left, bottom, right].
func normalizedBox(boxes []float32, i int) iface.Rect {
	b := boxes[i*4 : i*4+4]
	return iface.Rect{Top: b[0], Left: b[1], Bottom: b[2], Right: b[3]}
}
