package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ferry/internal/config"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrTerminal is returned when a write would overwrite a terminal job status
	ErrTerminal = errors.New("job already in a terminal state")
)

type Database interface {
	Health() error
	Close(ctx context.Context) error
	JobDatabase
	RecordDatabase
}

type mongoDB struct {
	client *mongo.Client
	db     *mongo.Database

	jobsCol *mongo.Collection
}

// New connects to MongoDB and makes sure the jobs collection is indexed
func New(config *config.Config) (Database, error) {
	clientOptions := options.Client().ApplyURI(config.MongoDB.URI)
	if config.MongoDB.Username != "" {
		clientOptions.SetAuth(options.Credential{
			Username: config.MongoDB.Username,
			Password: config.MongoDB.Password,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	db := client.Database(config.MongoDB.DB)
	jobsCol := db.Collection("jobs")

	jobIndexModels := []mongo.IndexModel{
		{
			// Recovery and status listings
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "kind", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "principal", Value: 1}},
			Options: options.Index(),
		},
		{
			Keys:    bson.D{{Key: "created_at", Value: -1}},
			Options: options.Index(),
		},
		{
			// Retention for finished jobs
			Keys:    bson.D{{Key: "completed_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(config.MongoDB.JobRetentionDays) * 24 * 60 * 60),
		},
	}

	if _, err = jobsCol.Indexes().CreateMany(ctx, jobIndexModels); err != nil {
		log.Warn().Err(err).Str("Collection", "Jobs").Msg("Error creating indexes")
	}

	return &mongoDB{
		client:  client,
		db:      db,
		jobsCol: jobsCol,
	}, nil
}

// Health implements Database interface
func (m *mongoDB) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	err := m.client.Ping(ctx, nil)

	if err != nil {
		log.Error().Msgf("Database health error: %v", err)
		return err
	}

	return nil
}

func (m *mongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
