package engine

import (
	iface "DetOverlay/interface"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Softmax returns the numerically stable softmax of logits, computed in
// float64. An empty input yields an empty result.
func Softmax(logits []float32) []float64 {
	p := make([]float64, len(logits))
	if len(p) == 0 {
		return p
	}
	for i, v := range logits {
		p[i] = float64(v)
	}
	floats.AddConst(-floats.Max(p), p)
	for i := range p {
		p[i] = math.Exp(p[i])
	}
	floats.Scale(1/floats.Sum(p), p)
	return p
}

// BestClass returns the most probable class of one anchor and its softmax
// probability.
func BestClass(logits []float32) (int, float32) {
	if len(logits) == 0 {
		return 0, 0
	}
	p := Softmax(logits)
	c := floats.MaxIdx(p)
	return c, float32(p[c])
}

// IoU is the intersection-over-union of two axis-aligned rectangles.
// Degenerate rectangles and empty unions give 0.
func IoU(a, b iface.Rect) float32 {
	if a.Width() <= 0 || a.Height() <= 0 || b.Width() <= 0 || b.Height() <= 0 {
		return 0
	}
	interW := min(a.Right, b.Right) - max(a.Left, b.Left)
	interH := min(a.Bottom, b.Bottom) - max(a.Top, b.Top)
	if interW <= 0 || interH <= 0 {
		return 0
	}
	inter := interW * interH
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// SortByScore returns candidate indices ordered by descending score. Equal
// scores keep their original order.
func SortByScore(scores []float32) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return scores[idx[i]] > scores[idx[j]]
	})
	return idx
}

// SuppressGreedy runs greedy non-max suppression across all classes and
// returns the kept indices in descending score order. Scanning stops at the
// first candidate below scoreTh or once maxKeep indices are kept.
func SuppressGreedy(boxes []iface.Rect, scores []float32, scoreTh, iouTh float32, maxKeep int) []int {
	n := min(len(boxes), len(scores))
	if n == 0 || maxKeep <= 0 {
		return nil
	}
	order := SortByScore(scores[:n])
	removed := make([]bool, n)
	var kept []int

	for _, id := range order {
		if removed[id] {
			continue
		}
		if scores[id] < scoreTh {
			break
		}
		kept = append(kept, id)
		for j := 0; j < n; j++ {
			if j == id || removed[j] {
				continue
			}
			if IoU(boxes[id], boxes[j]) > iouTh {
				removed[j] = true
			}
		}
		if len(kept) >= maxKeep {
			break
		}
	}
	return kept
}
