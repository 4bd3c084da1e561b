package types

// Payloads published to the events subject. Two kinds share the subject:
// immediate notifications keyed by agent_id and video chunks keyed by
// session_id. Field names are part of the wire contract with the web
// backend and must not change.

type EventInfo struct {
	Label     string `json:"label"`
	RuleIndex int    `json:"rule_index"`
	Timestamp string `json:"timestamp"`
}

type AgentInfo struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	CameraID  string `json:"camera_id"`
}

type CameraInfo struct {
	OwnerUserID string `json:"owner_user_id"`
	DeviceID    string `json:"device_id"`
}

type FrameAttachment struct {
	ImageBase64 string `json:"image_base64"`
	Format      string `json:"format"`
}

type NotificationMetadata struct {
	VideoTimestamp string      `json:"video_timestamp"`
	Detections     *Detections `json:"detections"`
	SessionID      string      `json:"session_id"`
}

// EventNotification is the immediate single-frame alert sent when an event
// session opens.
type EventNotification struct {
	Event    EventInfo            `json:"event"`
	Agent    AgentInfo            `json:"agent"`
	Camera   CameraInfo           `json:"camera"`
	Frame    FrameAttachment      `json:"frame"`
	Metadata NotificationMetadata `json:"metadata"`
}

const EventVideoType = "event_video"

type ChunkInfo struct {
	ChunkNumber     int     `json:"chunk_number"`
	StartTime       string  `json:"start_time"`
	EndTime         string  `json:"end_time"`
	DurationSeconds float64 `json:"duration_seconds"`
}

type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type VideoAttachment struct {
	DataBase64 string     `json:"data_base64"`
	Format     string     `json:"format"`
	FPS        int        `json:"fps"`
	Resolution Resolution `json:"resolution"`
}

type ChunkMetadata struct {
	SessionID     string `json:"session_id"`
	ChunkSequence int    `json:"chunk_sequence"`
}

// EventVideoChunk carries one encoded segment of an event session. Chunks
// of a session are strictly ordered by SequenceNumber and exactly the last
// one has IsFinalChunk set.
type EventVideoChunk struct {
	Type           string          `json:"type"`
	SessionID      string          `json:"session_id"`
	SequenceNumber int             `json:"sequence_number"`
	IsFinalChunk   bool            `json:"is_final_chunk"`
	Chunk          ChunkInfo       `json:"chunk"`
	Event          EventInfo       `json:"event"`
	Agent          AgentInfo       `json:"agent"`
	Camera         CameraInfo      `json:"camera"`
	Video          VideoAttachment `json:"video"`
	Metadata       ChunkMetadata   `json:"metadata"`
}
