package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/vigilcam/vigil/pkg/types"
)

// countAtLeast fires when at least minCount detections of one class are
// present, with the same optional duration gate as classPresence.
type countAtLeast struct {
	ruleIndex int
	class     string
	minCount  int
	duration  time.Duration
	label     string

	since time.Time
}

func newCountAtLeast(rule types.Rule, ruleIndex int) Handler {
	minCount := rule.MinCount
	if minCount < 1 {
		minCount = 1
	}
	return &countAtLeast{
		ruleIndex: ruleIndex,
		class:     strings.ToLower(strings.TrimSpace(rule.Class)),
		minCount:  minCount,
		duration:  time.Duration(rule.DurationSeconds) * time.Second,
		label:     strings.TrimSpace(rule.Label),
	}
}

func (h *countAtLeast) Reset() {
	h.since = time.Time{}
}

func (h *countAtLeast) Evaluate(det *types.Detections, now time.Time) *Match {
	if h.class == "" {
		h.since = time.Time{}
		return nil
	}

	count := det.CountClass(h.class)
	if count < h.minCount {
		h.since = time.Time{}
		return nil
	}

	if h.duration > 0 {
		if h.since.IsZero() {
			h.since = now
			return nil
		}
		if now.Sub(h.since) < h.duration {
			return nil
		}
	} else {
		h.since = now
	}

	label := h.label
	if label == "" {
		label = fmt.Sprintf("%d %s detected", count, plural(h.class, count))
	}
	return &Match{Label: label, RuleIndex: h.ruleIndex}
}

func plural(class string, count int) string {
	if count == 1 {
		return class
	}
	return class + "s"
}
