package database

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ferry/internal/model"
)

// JobFilter narrows job listings. Zero fields match everything.
type JobFilter struct {
	Statuses  []model.JobStatus
	Kind      model.JobKind
	Principal string
}

// JobDatabase is the durable job table
type JobDatabase interface {
	// Create a new job
	CreateJob(ctx context.Context, job *model.Job) error

	// Get a job by ID
	GetJobByID(ctx context.Context, id string) (*model.Job, error)

	// Replace a job unless the stored copy is already terminal
	SaveJob(ctx context.Context, job *model.Job) error

	// Update the result counters and progress sequence of a job that is still running
	UpdateJobProgress(ctx context.Context, id string, result model.JobResult, sequence int64) error

	// List jobs, oldest first
	ListJobs(ctx context.Context, filter JobFilter, limit, offset int) ([]*model.Job, error)

	// Count jobs by status
	CountJobsByStatus(ctx context.Context, status model.JobStatus) (int64, error)
}

var terminalStatuses = bson.A{model.StatusSucceeded, model.StatusFailed, model.StatusCancelled}

// CreateJob creates a new job in the database
func (m *mongoDB) CreateJob(ctx context.Context, job *model.Job) error {
	_, err := m.jobsCol.InsertOne(ctx, job)
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to create job")
		return err
	}

	log.Debug().Str("jobID", job.ID).Str("kind", string(job.Kind)).Msg("Created new job")
	return nil
}

// GetJobByID retrieves a job by its ID
func (m *mongoDB) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := m.jobsCol.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		log.Error().Err(err).Str("jobID", id).Msg("Failed to get job")
		return nil, err
	}

	return &job, nil
}

// SaveJob replaces the whole document. The filter excludes terminal documents
// so a finished job can never be rewritten.
func (m *mongoDB) SaveJob(ctx context.Context, job *model.Job) error {
	res, err := m.jobsCol.ReplaceOne(
		ctx,
		bson.M{"_id": job.ID, "status": bson.M{"$nin": terminalStatuses}},
		job,
	)
	if err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("Failed to update job")
		return err
	}

	if res.MatchedCount == 0 {
		return m.missOrTerminal(ctx, job.ID)
	}

	log.Debug().Str("jobID", job.ID).Str("status", string(job.Status)).Int("attempt", job.Attempts).Msg("Updated job")
	return nil
}

// UpdateJobProgress updates a job's result counters
func (m *mongoDB) UpdateJobProgress(ctx context.Context, id string, result model.JobResult, sequence int64) error {
	update := bson.M{
		"$set": bson.M{
			"result":     result,
			"updated_at": time.Now().UTC(),
		},
		"$max": bson.M{"sequence": sequence},
	}

	res, err := m.jobsCol.UpdateOne(ctx, bson.M{"_id": id, "status": model.StatusProcessing}, update)
	if err != nil {
		log.Error().Err(err).Str("jobID", id).Int("processed", result.RowsProcessed).Msg("Failed to update job progress")
		return err
	}
	if res.MatchedCount == 0 {
		return m.missOrTerminal(ctx, id)
	}

	log.Debug().Str("jobID", id).Int("processed", result.RowsProcessed).Msg("Updated job progress")
	return nil
}

func (m *mongoDB) missOrTerminal(ctx context.Context, id string) error {
	n, err := m.jobsCol.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrTerminal
}

// ListJobs retrieves jobs matching filter in creation order
func (m *mongoDB) ListJobs(ctx context.Context, filter JobFilter, limit, offset int) ([]*model.Job, error) {
	query := bson.M{}
	if len(filter.Statuses) > 0 {
		query["status"] = bson.M{"$in": filter.Statuses}
	}
	if filter.Kind != "" {
		query["kind"] = filter.Kind
	}
	if filter.Principal != "" {
		query["principal"] = filter.Principal
	}

	opts := options.Find().
		SetSkip(int64(offset)).
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := m.jobsCol.Find(ctx, query, opts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list jobs")
		return nil, err
	}
	defer cursor.Close(ctx)

	var jobs []*model.Job
	if err := cursor.All(ctx, &jobs); err != nil {
		log.Error().Err(err).Msg("Failed to decode jobs")
		return nil, err
	}

	return jobs, nil
}

// CountJobsByStatus counts jobs with a specific status
func (m *mongoDB) CountJobsByStatus(ctx context.Context, status model.JobStatus) (int64, error) {
	count, err := m.jobsCol.CountDocuments(ctx, bson.M{"status": status})
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("Failed to count jobs by status")
		return 0, err
	}

	return count, nil
}
