package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vigilcam/vigil/pkg/types"
)

// classPresence fires when the required classes are present, optionally
// sustained for a minimum duration.
type classPresence struct {
	ruleIndex int
	required  []string
	matchAll  bool
	duration  time.Duration
	label     string

	since time.Time // zero when the condition is not currently held
}

func newClassPresence(rule types.Rule, ruleIndex int) Handler {
	return &classPresence{
		ruleIndex: ruleIndex,
		required:  rule.TargetClasses(),
		matchAll:  strings.EqualFold(strings.TrimSpace(rule.Match), "all"),
		duration:  time.Duration(rule.DurationSeconds) * time.Second,
		label:     strings.TrimSpace(rule.Label),
	}
}

func (h *classPresence) Reset() {
	h.since = time.Time{}
}

func (h *classPresence) Evaluate(det *types.Detections, now time.Time) *Match {
	if len(h.required) == 0 || len(det.Classes) == 0 {
		h.since = time.Time{}
		return nil
	}

	var matched []string
	for _, req := range h.required {
		if det.CountClass(req) > 0 {
			matched = append(matched, req)
		}
	}

	matchedNow := len(matched) > 0
	if h.matchAll {
		matchedNow = len(matched) == len(h.required)
	}
	if !matchedNow {
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
		// sustained long enough; keep since so the match continues
	} else {
		h.since = now
	}

	return &Match{Label: h.matchLabel(matched), RuleIndex: h.ruleIndex}
}

func (h *classPresence) matchLabel(matched []string) string {
	if h.label != "" {
		return h.label
	}
	if h.matchAll && len(h.required) > 1 {
		return "Classes detected: " + joinSorted(h.required)
	}
	if len(matched) == 1 {
		return fmt.Sprintf("%s detected", matched[0])
	}
	return "Classes detected: " + joinSorted(matched)
}

func joinSorted(classes []string) string {
	uniq := map[string]struct{}{}
	for _, c := range classes {
		uniq[c] = struct{}{}
	}
	out := make([]string, 0, len(uniq))
	for c := range uniq {
		out = append(out, c)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
