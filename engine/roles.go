package engine

import (
	iface "DetOverlay/interface"
	"strings"

	"go.uber.org/zap"
)

type Role int

const (
	RoleBoxes Role = iota
	RoleScores
	RoleClasses
	RoleCount
	RoleLogits
	roleNum
)

var roleNames = [roleNum]string{"boxes", "scores", "classes", "count", "logits"}

func (r Role) String() string {
	if r < 0 || r >= roleNum {
		return "unknown"
	}
	return roleNames[r]
}

// RoleAssignment 输出张量的语义角色映射，每个模型只计算一次
type RoleAssignment struct {
	idx [roleNum]int
	// Degraded is set when no rule matched and the conventional
	// index order 0=boxes,1=classes,2=scores,3=count was assumed.
	Degraded bool
}

func emptyAssignment() RoleAssignment {
	var ra RoleAssignment
	for i := range ra.idx {
		ra.idx[i] = -1
	}
	return ra
}

// Index returns the output tensor index holding role, or -1.
func (ra RoleAssignment) Index(r Role) int {
	if r < 0 || r >= roleNum {
		return -1
	}
	return ra.idx[r]
}

func (ra RoleAssignment) Has(r Role) bool {
	return ra.Index(r) >= 0
}

func (ra RoleAssignment) Empty() bool {
	for _, i := range ra.idx {
		if i >= 0 {
			return false
		}
	}
	return true
}

// Roles lists the assigned roles in declaration order.
func (ra RoleAssignment) Roles() []Role {
	var out []Role
	for r := Role(0); r < roleNum; r++ {
		if ra.idx[r] >= 0 {
			out = append(out, r)
		}
	}
	return out
}

func (ra *RoleAssignment) set(r Role, index int) {
	ra.idx[r] = index
}

func (ra RoleAssignment) Fields() []zap.Field {
	fields := make([]zap.Field, 0, roleNum+1)
	for r := Role(0); r < roleNum; r++ {
		fields = append(fields, zap.Int(r.String(), ra.idx[r]))
	}
	return append(fields, zap.Bool("degraded", ra.Degraded))
}

var nameFallback = []struct {
	substr string
	role   Role
}{
	{"detection_boxes", RoleBoxes},
	{"detection_classes", RoleClasses},
	{"detection_scores", RoleScores},
	{"num_detections", RoleCount},
}

// ResolveRoles assigns a semantic role to each output tensor from its shape
// and declared name. It never fails: tensors that match nothing stay
// unassigned and the decoder picks whichever path the remaining roles allow.
func ResolveRoles(descs []iface.TensorDescriptor, log *zap.Logger) RoleAssignment {
	if log == nil {
		log = zap.NewNop()
	}
	ra := emptyAssignment()
	assigned := make([]bool, len(descs))
	claim := func(r Role, i int) bool {
		if ra.Has(r) {
			return false
		}
		ra.set(r, descs[i].Index)
		assigned[i] = true
		return true
	}

	// 名字带提示的张量先认领，避免无名张量抢占
	for _, i := range hintedFirst(descs) {
		d := descs[i]
		name := strings.ToLower(d.Name)
		s := d.Shape
		switch {
		case len(s) == 3 && s[0] == 1 && s[2] == 4:
			claim(RoleBoxes, i)
		case len(s) == 3 && s[0] == 1 && s[2] > 1:
			// box regressions with a non-standard last dim still go to boxes
			if isBoxName(name) {
				claim(RoleBoxes, i)
			} else {
				claim(RoleLogits, i)
			}
		case isScalar(s), len(s) == 2 && s[0] == 1:
			// a single-detection model has [1,1] scores and classes too
			switch {
			case strings.Contains(name, "score"):
				claim(RoleScores, i)
			case strings.Contains(name, "class"):
				claim(RoleClasses, i)
			case isScalar(s) && claim(RoleCount, i):
			case isCountName(name):
			case !claim(RoleScores, i):
				claim(RoleClasses, i)
			}
		}
	}

	for i, d := range descs {
		if assigned[i] {
			continue
		}
		name := strings.ToLower(d.Name)
		for _, nf := range nameFallback {
			if strings.Contains(name, nf.substr) {
				claim(nf.role, i)
				break
			}
		}
		if !assigned[i] {
			log.Debug("output tensor left unassigned",
				zap.Int("index", d.Index), zap.String("name", d.Name), zap.Ints("shape", d.Shape))
		}
	}

	if ra.Empty() && len(descs) > 0 {
		order := []Role{RoleBoxes, RoleClasses, RoleScores, RoleCount}
		for i, r := range order {
			if i >= len(descs) {
				break
			}
			ra.set(r, descs[i].Index)
		}
		ra.Degraded = true
		log.Warn("no output tensor matched a role, assuming conventional index order", ra.Fields()...)
		return ra
	}
	log.Info("resolved output tensor roles", ra.Fields()...)
	return ra
}

// hintedFirst orders tensor positions so that those whose names say what
// they hold come before anonymous ones. Relative order is kept.
func hintedFirst(descs []iface.TensorDescriptor) []int {
	order := make([]int, 0, len(descs))
	var rest []int
	for i, d := range descs {
		name := strings.ToLower(d.Name)
		if strings.Contains(name, "score") || strings.Contains(name, "class") || isCountName(name) || isBoxName(name) {
			order = append(order, i)
		} else {
			rest = append(rest, i)
		}
	}
	return append(order, rest...)
}

// isScalar reports a [1] or [1,1] shape.
func isScalar(s []int) bool {
	return len(s) == 1 && s[0] == 1 || len(s) == 2 && s[0] == 1 && s[1] == 1
}

func isCountName(name string) bool {
	return strings.Contains(name, "num") || strings.Contains(name, "count")
}

func isBoxName(name string) bool {
	return strings.Contains(name, "box") || strings.Contains(name, "location")
}
