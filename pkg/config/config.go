package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full environment-driven configuration of the vigil process.
type Config struct {
	Store     Store
	PubSub    PubSub
	Runtime   Runtime
	Session   Session
	Video     Video
	WebRTC    WebRTC
	Inference Inference
	WebServer WebServer
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	return &cfg, nil
}

type Store struct {
	URI               string        `envconfig:"MONGO_URI" default:"mongodb://localhost:27017" description:"MongoDB connection string."`
	Database          string        `envconfig:"MONGO_DATABASE" default:"vigil" description:"MongoDB database name."`
	CamerasCollection string        `envconfig:"MONGO_CAMERAS_COLLECTION" default:"cameras" description:"Collection holding camera records."`
	AgentsCollection  string        `envconfig:"MONGO_AGENTS_COLLECTION" default:"agents" description:"Collection holding agent records."`
	DevicesCollection string        `envconfig:"MONGO_DEVICES_COLLECTION" default:"devices" description:"Collection holding device records."`
	ConnectTimeout    time.Duration `envconfig:"MONGO_CONNECT_TIMEOUT" default:"10s" description:"Timeout for the initial connection and ping."`
}

type PubSub struct {
	URL             string `envconfig:"NATS_URL" default:"nats://127.0.0.1:4222" description:"NATS server URL. Leave empty to run an embedded server."`
	StoreDir        string `envconfig:"NATS_STORE_DIR" default:"" description:"JetStream store directory for the embedded server."`
	EventsSubject   string `envconfig:"EVENTS_SUBJECT" default:"vision-events" description:"Subject prefix for event notifications and video chunks."`
	EventsStream    string `envconfig:"EVENTS_STREAM" default:"VISION" description:"JetStream stream name for event payloads."`
	MaxPayloadBytes int    `envconfig:"MAX_PAYLOAD_BYTES" default:"1048576" description:"Largest payload accepted by the bus; oversize chunks are dropped."`
}

type Runtime struct {
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"5s" description:"Orchestrator reconciliation interval."`
	Timezone       string        `envconfig:"TIMEZONE" default:"UTC" description:"Timezone used for all formatted timestamps."`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string        `envconfig:"LOG_FORMAT" default:"json" description:"json or console."`
	ReconnectDelay time.Duration `envconfig:"RECONNECT_DELAY" default:"2s" description:"Delay before re-opening a failed camera stream."`
	DefaultFPS     int           `envconfig:"DEFAULT_FPS" default:"5" description:"Processing FPS for agents that do not set one."`
}

type Session struct {
	Timeout       time.Duration `envconfig:"SESSION_TIMEOUT" default:"30s" description:"Idle time after which an event session closes."`
	CheckInterval time.Duration `envconfig:"SESSION_CHECK_INTERVAL" default:"5s" description:"Sweep interval for expired sessions."`
	ChunkDuration time.Duration `envconfig:"CHUNK_DURATION" default:"300s" description:"Maximum length of one event video chunk."`
	EncodeQueue   int           `envconfig:"ENCODE_QUEUE_SIZE" default:"4" description:"Bounded queue of pending chunk encode jobs."`
	EncodeWorkers int           `envconfig:"ENCODE_WORKERS" default:"2" description:"Concurrent chunk encodes."`
}

type Video struct {
	FFmpegBin string        `envconfig:"FFMPEG_BIN" default:"ffmpeg" description:"Path to the ffmpeg binary."`
	SaveDir   string        `envconfig:"EVENT_VIDEO_DIR" default:"./event_videos" description:"Directory for locally saved event chunks."`
	Save      bool          `envconfig:"EVENT_VIDEO_SAVE" default:"true" description:"Whether to keep a local copy of each chunk."`
	Retention time.Duration `envconfig:"EVENT_VIDEO_RETENTION" default:"72h" description:"How long local event videos are kept."`
}

type WebRTC struct {
	Enabled      bool     `envconfig:"WEBRTC_ENABLED" default:"true"`
	SignalingURL string   `envconfig:"SIGNALING_URL" default:"" description:"WebSocket signaling relay base URL, e.g. wss://relay.example.com."`
	STUNURLs     []string `envconfig:"STUN_URLS" default:"stun:stun.l.google.com:19302" description:"Comma separated STUN server URLs."`
	TURNURL      string   `envconfig:"TURN_URL" default:"" description:"TURN server URL; udp and tcp variants are derived."`
	TURNUsername string   `envconfig:"TURN_USERNAME" default:""`
	TURNPassword string   `envconfig:"TURN_PASSWORD" default:""`
}

type Inference struct {
	URL     string        `envconfig:"INFERENCE_URL" default:"http://127.0.0.1:8500" description:"Base URL of the model inference server."`
	Timeout time.Duration `envconfig:"INFERENCE_TIMEOUT" default:"10s"`
}

type WebServer struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0" description:"The host to bind the api server to."`
	Port int    `envconfig:"SERVER_PORT" default:"8090"`
}
