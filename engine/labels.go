package engine

import (
	"fmt"
	"os"
	"strings"
)

const UnknownLabel = "unknown"

type Labels []string

// LoadLabels 读取标签文件，每行一个标签
func LoadLabels(path string) (Labels, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels %s: %w", path, err)
	}
	return ParseLabels(string(b)), nil
}

// ParseLabels splits label file content into labels. CRLF line endings are
// accepted and blank lines are dropped.
func ParseLabels(content string) Labels {
	raw := strings.Split(content, "\n")
	labels := make(Labels, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimRight(l, "\r")
		if strings.TrimSpace(l) == "" {
			continue
		}
		labels = append(labels, l)
	}
	return labels
}

// Resolve maps a class index to a label. Exported detection models disagree
// on whether class ids are 1-based or 0-based, so the 1-based slot is tried
// first, then the 0-based one, then the first label.
func (l Labels) Resolve(classIndex int) string {
	if i := classIndex - 1; i >= 0 && i < len(l) {
		return l[i]
	}
	if classIndex >= 0 && classIndex < len(l) {
		return l[classIndex]
	}
	if len(l) > 0 {
		return l[0]
	}
	return UnknownLabel
}
