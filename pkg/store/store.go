package store

import (
	"context"
	"errors"
	"time"

	"github.com/vigilcam/vigil/pkg/types"
)

var ErrNotFound = errors.New("not found")

// Store is the registry of cameras, agents and devices. The process only
// reads registrations and writes back agent status and heartbeat
// timestamps; record creation belongs to the web backend.
type Store interface {
	// Cameras
	ListActiveCameras(ctx context.Context) ([]*types.Camera, error)
	GetCamera(ctx context.Context, id string) (*types.Camera, error)

	// Agents
	ListEligibleAgents(ctx context.Context) ([]*types.Agent, error)
	GetAgent(ctx context.Context, id string) (*types.Agent, error)
	UpdateAgentStatus(ctx context.Context, id string, status types.AgentStatus, ts time.Time) error
	TouchAgent(ctx context.Context, id string, ts time.Time) error

	// Devices
	GetDevice(ctx context.Context, id string) (*types.Device, error)
}
