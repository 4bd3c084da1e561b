package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/vigilcam/vigil/pkg/types"
)

// classCount reports the per-frame count of one class, including zero. It
// is report-only: the result never opens a session and never stops rules
// further down the list from being evaluated.
type classCount struct {
	ruleIndex int
	class     string
	label     string
}

func newClassCount(rule types.Rule, ruleIndex int) Handler {
	return &classCount{
		ruleIndex: ruleIndex,
		class:     strings.ToLower(strings.TrimSpace(rule.Class)),
		label:     strings.TrimSpace(rule.Label),
	}
}

func (h *classCount) Reset() {}

func (h *classCount) Evaluate(det *types.Detections, _ time.Time) *Match {
	if h.class == "" {
		return nil
	}

	count := det.CountClass(h.class)

	var label string
	switch {
	case h.label != "":
		label = fmt.Sprintf("%s: %d", h.label, count)
	case count == 0:
		label = fmt.Sprintf("No %s detected", h.class)
	case count == 1:
		label = fmt.Sprintf("1 %s detected", h.class)
	default:
		label = fmt.Sprintf("%d %ss detected", count, h.class)
	}

	return &Match{Label: label, RuleIndex: h.ruleIndex, Report: true}
}
