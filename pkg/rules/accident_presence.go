package rules

import (
	"math"
	"strings"
	"time"

	"github.com/vigilcam/vigil/pkg/types"
)

// Internal fall-detection defaults. Tuned for >= 5 FPS pose streams; not
// exposed on the rule schema.
const (
	fallSpeedPx       = 6.0  // downward hip motion per frame
	heightRatio       = 0.7  // body height collapse vs previous frame
	lyingAngleDeg     = 45.0 // torso angle from vertical
	confirmFrames     = 2    // consecutive frames for the act of falling
	staticLyingFrames = 3    // consecutive frames for the state of lying
	minLyingHeightPx  = 20.0 // below this the pose is likely noise
	minKeypointConf   = 0.25
)

// COCO-17 keypoint indices used by the detector.
const (
	kpLeftShoulder  = 5
	kpRightShoulder = 6
	kpLeftHip       = 11
	kpRightHip      = 12
)

type personMetrics struct {
	hipY   float64
	height float64
	angle  float64
}

// accidentPresence detects human falls from pose keypoints via two
// independent per-person triggers: the act of falling (downward hip motion
// plus height collapse plus lying posture over consecutive frames) and the
// state of lying (sustained lying posture). Per-person state is keyed by
// detection index within the frame; if the detector reorders people between
// frames the history follows the index, not the person.
type accidentPresence struct {
	ruleIndex int
	class     string
	label     string

	history        map[int]personMetrics
	fallCounters   map[int]int
	staticCounters map[int]int
}

func newAccidentPresence(rule types.Rule, ruleIndex int) Handler {
	class := strings.ToLower(strings.TrimSpace(rule.Class))
	if class == "" {
		class = "person"
	}
	h := &accidentPresence{
		ruleIndex: ruleIndex,
		class:     class,
		label:     strings.TrimSpace(rule.Label),
	}
	h.Reset()
	return h
}

func (h *accidentPresence) Reset() {
	h.history = map[int]personMetrics{}
	h.fallCounters = map[int]int{}
	h.staticCounters = map[int]int{}
}

func (h *accidentPresence) Evaluate(det *types.Detections, _ time.Time) *Match {
	if det.CountClass(h.class) == 0 {
		return nil
	}
	if len(det.Keypoints) == 0 {
		h.Reset()
		return nil
	}

	// Drop state for person slots no longer in the frame.
	for idx := range h.history {
		if idx >= len(det.Keypoints) {
			delete(h.history, idx)
			delete(h.fallCounters, idx)
			delete(h.staticCounters, idx)
		}
	}

	fallen := 0
	for idx, person := range det.Keypoints {
		prev, hasPrev := h.history[idx]
		metrics, ok := analyzePose(person)
		if !ok {
			continue
		}
		h.history[idx] = metrics

		lying := metrics.angle > lyingAngleDeg

		fallMotion := hasPrev && metrics.hipY-prev.hipY > fallSpeedPx
		collapsed := hasPrev && prev.height > 0 && metrics.height/prev.height < heightRatio

		if fallMotion && collapsed && lying {
			h.fallCounters[idx]++
		} else if h.fallCounters[idx] > 0 {
			h.fallCounters[idx]--
		}

		switch {
		case lying && metrics.height > minLyingHeightPx:
			h.staticCounters[idx]++
		case lying:
			if h.staticCounters[idx] > 0 {
				h.staticCounters[idx]--
			}
		default:
			h.staticCounters[idx] = 0
		}

		if h.fallCounters[idx] >= confirmFrames || h.staticCounters[idx] >= staticLyingFrames {
			fallen++
		}
	}

	if fallen == 0 {
		return nil
	}

	label := h.label
	if label == "" {
		label = "Fall detected"
	}
	return &Match{Label: label, RuleIndex: h.ruleIndex}
}

// analyzePose derives hip height, torso angle and pose height from one
// person's keypoints. Returns false when shoulders or hips are missing or
// below the confidence floor.
func analyzePose(person [][3]float32) (personMetrics, bool) {
	ls, ok1 := keypointAt(person, kpLeftShoulder)
	rs, ok2 := keypointAt(person, kpRightShoulder)
	lh, ok3 := keypointAt(person, kpLeftHip)
	rh, ok4 := keypointAt(person, kpRightHip)
	if !(ok1 && ok2 && ok3 && ok4) {
		return personMetrics{}, false
	}

	shoulderX, shoulderY := (ls[0]+rs[0])/2, (ls[1]+rs[1])/2
	hipX, hipY := (lh[0]+rh[0])/2, (lh[1]+rh[1])/2

	return personMetrics{
		hipY:   hipY,
		height: poseHeight(person),
		angle:  angleFromVertical(shoulderX, shoulderY, hipX, hipY),
	}, true
}

func keypointAt(person [][3]float32, idx int) ([2]float64, bool) {
	if idx >= len(person) {
		return [2]float64{}, false
	}
	kp := person[idx]
	if kp[2] < minKeypointConf {
		return [2]float64{}, false
	}
	return [2]float64{float64(kp[0]), float64(kp[1])}, true
}

func angleFromVertical(x1, y1, x2, y2 float64) float64 {
	dx := x2 - x1
	dy := y2 - y1
	if dx == 0 && dy == 0 {
		return 0
	}
	return math.Atan2(math.Abs(dx), math.Abs(dy)) * 180 / math.Pi
}

// poseHeight is the vertical extent across all valid keypoints.
func poseHeight(person [][3]float32) float64 {
	minY := math.Inf(1)
	maxY := math.Inf(-1)
	for _, kp := range person {
		if kp[2] < minKeypointConf {
			continue
		}
		y := float64(kp[1])
		minY = math.Min(minY, y)
		maxY = math.Max(maxY, y)
	}
	if maxY < minY {
		return 0
	}
	return maxY - minY
}
