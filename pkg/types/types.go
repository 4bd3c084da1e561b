package types

import (
	"strings"
	"time"
)

type CameraStatus string

const (
	CameraStatusActive   CameraStatus = "active"
	CameraStatusInactive CameraStatus = "inactive"
)

// Camera is a registered video source. Field names follow the web backend
// document layout.
type Camera struct {
	ID          string       `json:"id" bson:"id"`
	OwnerUserID string       `json:"owner_user_id" bson:"owner_user_id"`
	Name        string       `json:"name" bson:"name"`
	StreamURL   string       `json:"stream_url" bson:"stream_url"`
	DeviceID    string       `json:"device_id,omitempty" bson:"device_id,omitempty"`
	Status      CameraStatus `json:"status" bson:"status"`
	CreatedAt   time.Time    `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at" bson:"updated_at"`
}

type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "PENDING"
	AgentStatusActive    AgentStatus = "ACTIVE"
	AgentStatusRunning   AgentStatus = "RUNNING"
	AgentStatusCompleted AgentStatus = "COMPLETED"
	AgentStatusCancelled AgentStatus = "CANCELLED"
)

type RunMode string

const (
	RunModeContinuous RunMode = "continuous"
	RunModePatrol     RunMode = "patrol"
)

const (
	MinFPS = 1
	MaxFPS = 60
)

// Agent is a detection task bound to a camera. Field names follow the web
// backend document layout.
type Agent struct {
	ID                   string      `json:"id" bson:"id"`
	Name                 string      `json:"name" bson:"name"`
	CameraID             string      `json:"camera_id" bson:"camera_id"`
	Model                string      `json:"model" bson:"model"`
	FPS                  int         `json:"fps" bson:"fps"`
	Rules                []Rule      `json:"rules" bson:"rules"`
	RunMode              RunMode     `json:"run_mode" bson:"run_mode"`
	IntervalMinutes      int         `json:"interval_minutes,omitempty" bson:"interval_minutes,omitempty"`
	CheckDurationSeconds int         `json:"check_duration_seconds,omitempty" bson:"check_duration_seconds,omitempty"`
	StartTime            *time.Time  `json:"start_time,omitempty" bson:"start_time,omitempty"`
	EndTime              *time.Time  `json:"end_time,omitempty" bson:"end_time,omitempty"`
	Zone                 interface{} `json:"zone,omitempty" bson:"zone,omitempty"`
	RequiresZone         bool        `json:"requires_zone" bson:"requires_zone"`
	Status               AgentStatus `json:"status" bson:"status"`
	OwnerUserID          string      `json:"owner_user_id,omitempty" bson:"owner_user_id,omitempty"`
	CreatedAt            time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at" bson:"updated_at"`

	// SourceURI is resolved from the camera record at scheduling time,
	// never persisted.
	SourceURI string `json:"-" bson:"-"`
}

// Eligible reports whether the orchestrator should consider this agent for
// scheduling at all. Terminal statuses are excluded.
func (a *Agent) Eligible() bool {
	switch a.Status {
	case AgentStatusPending, AgentStatusActive, AgentStatusRunning:
		return true
	case "":
		return true
	default:
		return false
	}
}

// Scheduled reports whether the agent's window has not opened yet.
func (a *Agent) Scheduled(now time.Time) bool {
	return a.StartTime != nil && now.Before(*a.StartTime)
}

// Expired reports whether the agent's window has closed.
func (a *Agent) Expired(now time.Time) bool {
	return a.EndTime != nil && !now.Before(*a.EndTime)
}

// EffectiveFPS clamps the configured FPS into the supported range, falling
// back to defaultFPS when unset.
func (a *Agent) EffectiveFPS(defaultFPS int) int {
	fps := a.FPS
	if fps == 0 {
		fps = defaultFPS
	}
	if fps < MinFPS {
		fps = MinFPS
	}
	if fps > MaxFPS {
		fps = MaxFPS
	}
	return fps
}

// NeedsPoseModel reports whether any rule consumes pose keypoints.
func (a *Agent) NeedsPoseModel() bool {
	for _, r := range a.Rules {
		if r.Type == RuleTypeAccidentPresence {
			return true
		}
	}
	return false
}

type RuleType string

const (
	RuleTypeClassPresence    RuleType = "class_presence"
	RuleTypeCountAtLeast     RuleType = "count_at_least"
	RuleTypeClassCount       RuleType = "class_count"
	RuleTypeAccidentPresence RuleType = "accident_presence"
)

// Rule is a tagged variant: Type selects the handler, the remaining fields
// are read only by the handler that owns them. Rule order within an agent is
// significant: the first alerting match wins per frame.
type Rule struct {
	Type            RuleType `json:"type" bson:"type"`
	Match           string   `json:"match,omitempty" bson:"match,omitempty"`
	Classes         []string `json:"classes,omitempty" bson:"classes,omitempty"`
	Class           string   `json:"class,omitempty" bson:"class,omitempty"`
	MinCount        int      `json:"min_count,omitempty" bson:"min_count,omitempty"`
	DurationSeconds int      `json:"duration_seconds,omitempty" bson:"duration_seconds,omitempty"`
	Label           string   `json:"label,omitempty" bson:"label,omitempty"`
	Confidence      float64  `json:"confidence,omitempty" bson:"confidence,omitempty"`
}

// TargetClasses returns the normalized union of the singular and plural
// class fields.
func (r *Rule) TargetClasses() []string {
	var out []string
	if c := strings.ToLower(strings.TrimSpace(r.Class)); c != "" {
		out = append(out, c)
	}
	for _, c := range r.Classes {
		if c = strings.ToLower(strings.TrimSpace(c)); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// Detections holds model output as parallel arrays: Classes[i], Scores[i]
// and Boxes[i] describe the same detection. Keypoints carries one 17-point
// COCO skeleton per posed person and is populated only when a pose model
// ran; it is indexed independently of the box arrays.
type Detections struct {
	Classes   []string       `json:"classes"`
	Scores    []float32      `json:"scores"`
	Boxes     [][4]float32   `json:"boxes"`
	Keypoints [][][3]float32 `json:"keypoints,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Merge appends other's arrays onto d.
func (d *Detections) Merge(other Detections) {
	d.Classes = append(d.Classes, other.Classes...)
	d.Scores = append(d.Scores, other.Scores...)
	d.Boxes = append(d.Boxes, other.Boxes...)
	d.Keypoints = append(d.Keypoints, other.Keypoints...)
}

// CountClass returns how many detections carry the given (normalized) class
// name.
func (d *Detections) CountClass(class string) int {
	n := 0
	for _, c := range d.Classes {
		if strings.EqualFold(c, class) {
			n++
		}
	}
	return n
}

type DeviceStatus string

const (
	DeviceStatusActive   DeviceStatus = "active"
	DeviceStatusInactive DeviceStatus = "inactive"
)

// Device links cameras to the web backend deployment that owns them.
type Device struct {
	DeviceID      string       `json:"device_id" bson:"device_id"`
	WebBackendURL string       `json:"web_backend_url" bson:"web_backend_url"`
	UserID        string       `json:"user_id" bson:"user_id"`
	Name          string       `json:"name,omitempty" bson:"name,omitempty"`
	Status        DeviceStatus `json:"status" bson:"status"`
	CreatedAt     time.Time    `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" bson:"updated_at"`
}
