package store

import (
	"context"
	"sync"
	"time"

	"github.com/vigilcam/vigil/pkg/types"
)

// InMemory is a map-backed Store used by tests and local development runs
// without a database.
type InMemory struct {
	mu      sync.RWMutex
	cameras map[string]*types.Camera
	agents  map[string]*types.Agent
	devices map[string]*types.Device
}

var _ Store = &InMemory{}

func NewInMemory() *InMemory {
	return &InMemory{
		cameras: map[string]*types.Camera{},
		agents:  map[string]*types.Agent{},
		devices: map[string]*types.Device{},
	}
}

func (s *InMemory) PutCamera(camera *types.Camera) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameras[camera.ID] = camera
}

func (s *InMemory) PutAgent(agent *types.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.ID] = agent
}

func (s *InMemory) PutDevice(device *types.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[device.DeviceID] = device
}

func (s *InMemory) DeleteCamera(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cameras, id)
}

func (s *InMemory) DeleteAgent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.agents, id)
}

func (s *InMemory) ListActiveCameras(_ context.Context) ([]*types.Camera, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Camera
	for _, c := range s.cameras {
		if c.Status != types.CameraStatusInactive {
			clone := *c
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *InMemory) GetCamera(_ context.Context, id string) (*types.Camera, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cameras[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *c
	return &clone, nil
}

func (s *InMemory) ListEligibleAgents(_ context.Context) ([]*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Agent
	for _, a := range s.agents {
		if a.Eligible() {
			clone := *a
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *InMemory) GetAgent(_ context.Context, id string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *a
	return &clone, nil
}

func (s *InMemory) UpdateAgentStatus(_ context.Context, id string, status types.AgentStatus, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	a.UpdatedAt = ts
	return nil
}

func (s *InMemory) TouchAgent(_ context.Context, id string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.UpdatedAt = ts
	return nil
}

func (s *InMemory) GetDevice(_ context.Context, id string) (*types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *d
	return &clone, nil
}
