// Package rules evaluates an agent's ordered rule list against per-frame
// detections. Handlers own their per-rule state between frames; the engine
// only walks the list and applies first-alerting-match-wins.
package rules

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilcam/vigil/pkg/types"
)

// Match is the outcome of one rule for one frame. Report marks
// report-only results (class_count) which never open event sessions and
// never short-circuit alerting rules further down the list.
type Match struct {
	Label     string
	RuleIndex int
	Report    bool
}

// Handler evaluates one rule instance against a frame. Implementations keep
// their own state between calls and must be deterministic given the same
// detections, state and now. Handlers never perform I/O.
type Handler interface {
	Evaluate(det *types.Detections, now time.Time) *Match
	// Reset clears accumulated state. Called at the start of each patrol
	// window; duration progress intentionally does not survive a reset.
	Reset()
}

// Factory builds a handler bound to one rule at its position in the list.
type Factory func(rule types.Rule, ruleIndex int) Handler

var registry = map[types.RuleType]Factory{}

// Register installs a factory for a rule type. Called from init.
func Register(t types.RuleType, f Factory) {
	registry[t] = f
}

func init() {
	Register(types.RuleTypeClassPresence, newClassPresence)
	Register(types.RuleTypeCountAtLeast, newCountAtLeast)
	Register(types.RuleTypeClassCount, newClassCount)
	Register(types.RuleTypeAccidentPresence, newAccidentPresence)
}

// Engine holds the instantiated handlers for one agent's rule list.
type Engine struct {
	agentID  string
	rules    []types.Rule
	handlers []Handler // nil for unknown rule types
}

func NewEngine(agentID string, ruleList []types.Rule) *Engine {
	e := &Engine{
		agentID:  agentID,
		rules:    ruleList,
		handlers: make([]Handler, len(ruleList)),
	}
	for i, r := range ruleList {
		factory, ok := registry[r.Type]
		if !ok {
			// Logged once here rather than per frame.
			log.Warn().
				Str("agent_id", agentID).
				Int("rule_index", i).
				Str("rule_type", string(r.Type)).
				Msg("unknown rule type, rule will be skipped")
			continue
		}
		e.handlers[i] = factory(r, i)
	}
	return e
}

// Reset clears every handler's state. Called at patrol window boundaries.
func (e *Engine) Reset() {
	for _, h := range e.handlers {
		if h != nil {
			h.Reset()
		}
	}
}

// Evaluate walks the rules in order. The first alerting match stops
// evaluation and is returned; report-only matches encountered before it are
// collected. A frame therefore fires at most one alert.
func (e *Engine) Evaluate(det *types.Detections, now time.Time) (*Match, []Match) {
	var reports []Match
	for _, h := range e.handlers {
		if h == nil {
			continue
		}
		m := h.Evaluate(det, now)
		if m == nil {
			continue
		}
		if m.Report {
			reports = append(reports, *m)
			continue
		}
		return m, reports
	}
	return nil, reports
}
