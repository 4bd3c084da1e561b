package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/vigilcam/vigil/pkg/config"
	"github.com/vigilcam/vigil/pkg/types"
)

// MongoStore implements Store against the document database shared with the
// web backend.
type MongoStore struct {
	client  *mongo.Client
	cameras *mongo.Collection
	agents  *mongo.Collection
	devices *mongo.Collection
}

var _ Store = &MongoStore{}

func NewMongoStore(ctx context.Context, cfg *config.Store) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(cfg.Database)

	log.Info().Str("database", cfg.Database).Msg("connected to mongodb")

	return &MongoStore{
		client:  client,
		cameras: db.Collection(cfg.CamerasCollection),
		agents:  db.Collection(cfg.AgentsCollection),
		devices: db.Collection(cfg.DevicesCollection),
	}, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) ListActiveCameras(ctx context.Context) ([]*types.Camera, error) {
	filter := bson.M{"status": bson.M{"$ne": string(types.CameraStatusInactive)}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := s.cameras.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list cameras: %w", err)
	}
	defer cursor.Close(ctx)

	var cameras []*types.Camera
	if err := cursor.All(ctx, &cameras); err != nil {
		return nil, fmt.Errorf("failed to decode cameras: %w", err)
	}
	return cameras, nil
}

func (s *MongoStore) GetCamera(ctx context.Context, id string) (*types.Camera, error) {
	var camera types.Camera
	err := s.cameras.FindOne(ctx, bson.M{"id": id}).Decode(&camera)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get camera %s: %w", id, err)
	}
	return &camera, nil
}

func (s *MongoStore) ListEligibleAgents(ctx context.Context) ([]*types.Agent, error) {
	filter := bson.M{"status": bson.M{"$in": bson.A{
		string(types.AgentStatusPending),
		string(types.AgentStatusActive),
		string(types.AgentStatusRunning),
		nil,
	}}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := s.agents.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer cursor.Close(ctx)

	var agents []*types.Agent
	if err := cursor.All(ctx, &agents); err != nil {
		return nil, fmt.Errorf("failed to decode agents: %w", err)
	}
	return agents, nil
}

func (s *MongoStore) GetAgent(ctx context.Context, id string) (*types.Agent, error) {
	var agent types.Agent
	err := s.agents.FindOne(ctx, bson.M{"id": id}).Decode(&agent)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", id, err)
	}
	return &agent, nil
}

func (s *MongoStore) UpdateAgentStatus(ctx context.Context, id string, status types.AgentStatus, ts time.Time) error {
	set := bson.M{
		"status":     string(status),
		"updated_at": ts,
	}
	switch status {
	case types.AgentStatusRunning:
		set["started_at"] = ts
	case types.AgentStatusCompleted, types.AgentStatusCancelled:
		set["stopped_at"] = ts
	}

	res, err := s.agents.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("failed to update agent %s status: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) TouchAgent(ctx context.Context, id string, ts time.Time) error {
	res, err := s.agents.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": bson.M{"updated_at": ts}})
	if err != nil {
		return fmt.Errorf("failed to heartbeat agent %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	var device types.Device
	err := s.devices.FindOne(ctx, bson.M{"device_id": id}).Decode(&device)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device %s: %w", id, err)
	}
	return &device, nil
}
