package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"ferry/internal/audit"
	"ferry/internal/broadcast"
	"ferry/internal/database"
	"ferry/internal/model"
	"ferry/internal/processor"
	"ferry/internal/queue"
	"ferry/internal/schema"
	"ferry/internal/transform"
)

// ImportRequest asks for a file to be loaded into a schema's collection
type ImportRequest struct {
	Source           string               `json:"source" binding:"required"`
	SchemaID         string               `json:"schema" binding:"required"`
	Format           model.Format         `json:"format"`
	MappingOverrides []model.FieldMapping `json:"mapping_overrides"`
	Priority         int                  `json:"priority"`
}

// ExportRequest asks for stored records to be rendered through a template
type ExportRequest struct {
	SchemaID   string            `json:"schema"`
	TemplateID string            `json:"template" binding:"required"`
	Format     model.Format      `json:"format"`
	Filter     model.QueryFilter `json:"filter"`
	Priority   int               `json:"priority"`
}

// Jobs is the job queue as seen by the API
type Jobs interface {
	Enqueue(ctx context.Context, spec model.JobSpec) (*model.Job, error)
	Get(ctx context.Context, jobID string) (*model.Job, error)
	List(ctx context.Context, filter database.JobFilter, limit, offset int) ([]*model.Job, error)
	Cancel(ctx context.Context, jobID string) (*model.Job, error)
}

// JobController handles job operations on behalf of a principal
type JobController interface {
	SubmitImport(ctx context.Context, principal string, req ImportRequest) (*model.Job, error)
	SubmitExport(ctx context.Context, principal string, req ExportRequest) (*model.Job, error)

	GetJob(ctx context.Context, principal, jobID string) (*model.Job, error)
	ListJobs(ctx context.Context, principal string, filter database.JobFilter, limit, offset int) ([]*model.Job, error)
	CancelJob(ctx context.Context, principal, jobID string) (*model.Job, error)

	// Subscribe streams progress of a job. The first event is the job's
	// current state; the stream ends after the terminal event.
	Subscribe(ctx context.Context, principal, jobID string) (*broadcast.Subscription, error)

	// SuggestMapping proposes source headers for every field of a schema
	SuggestMapping(ctx context.Context, principal, schemaID string, headers []string) ([]transform.Suggestion, error)

	// Schemas lists the registered schema ids
	Schemas() []string
}

type jobController struct {
	jobs             Jobs
	bus              *broadcast.Broadcaster
	schemas          *schema.Registry
	authz            Authorizer
	audit            audit.Sink
	suggestThreshold int
}

func NewJobController(jobs Jobs, bus *broadcast.Broadcaster, schemas *schema.Registry, authz Authorizer, sink audit.Sink, suggestThreshold int) JobController {
	if authz == nil {
		authz = AllowAll{}
	}
	return &jobController{
		jobs:             jobs,
		bus:              bus,
		schemas:          schemas,
		authz:            authz,
		audit:            sink,
		suggestThreshold: suggestThreshold,
	}
}

// authorize returns a ForbiddenError and records the denial when principal
// may not perform action
func (c *jobController) authorize(ctx context.Context, principal string, action Action, resource string, kind model.JobKind) error {
	d := c.authz.Authorize(ctx, principal, action, resource)
	if d.Allowed {
		return nil
	}

	log.Warn().
		Str("principal", principal).
		Str("action", string(action)).
		Str("resource", resource).
		Str("reason", d.Reason).
		Msg("Request denied")

	if c.audit != nil {
		c.audit.Record(model.AuditEvent{
			Type:      audit.EventDenied,
			JobID:     jobResource(action, resource),
			Kind:      kind,
			Principal: principal,
			Detail:    fmt.Sprintf("%s %s: %s", action, resource, d.Reason),
			Timestamp: time.Now().UTC(),
		})
	}
	return &ForbiddenError{Reason: d.Reason}
}

func jobResource(action Action, resource string) string {
	if action == ActionRead || action == ActionCancel {
		return resource
	}
	return ""
}

func (c *jobController) SubmitImport(ctx context.Context, principal string, req ImportRequest) (*model.Job, error) {
	if err := c.authorize(ctx, principal, ActionImport, req.SchemaID, model.KindImport); err != nil {
		return nil, err
	}
	return c.jobs.Enqueue(ctx, model.JobSpec{
		Kind:      model.KindImport,
		Priority:  req.Priority,
		Principal: principal,
		Payload: model.JobPayload{
			Source:           req.Source,
			SchemaID:         req.SchemaID,
			Format:           req.Format,
			MappingOverrides: req.MappingOverrides,
		},
	})
}

func (c *jobController) SubmitExport(ctx context.Context, principal string, req ExportRequest) (*model.Job, error) {
	resource := req.SchemaID
	if resource == "" {
		if tpl, err := c.schemas.Template(req.TemplateID); err == nil {
			resource = tpl.SchemaID
		}
	}
	if err := c.authorize(ctx, principal, ActionExport, resource, model.KindExport); err != nil {
		return nil, err
	}
	return c.jobs.Enqueue(ctx, model.JobSpec{
		Kind:      model.KindExport,
		Priority:  req.Priority,
		Principal: principal,
		Payload: model.JobPayload{
			SchemaID:   req.SchemaID,
			TemplateID: req.TemplateID,
			Format:     req.Format,
			Filter:     req.Filter,
		},
	})
}

func (c *jobController) GetJob(ctx context.Context, principal, jobID string) (*model.Job, error) {
	if err := c.authorize(ctx, principal, ActionRead, jobID, ""); err != nil {
		return nil, err
	}
	return c.jobs.Get(ctx, jobID)
}

func (c *jobController) ListJobs(ctx context.Context, principal string, filter database.JobFilter, limit, offset int) ([]*model.Job, error) {
	if err := c.authorize(ctx, principal, ActionRead, "", ""); err != nil {
		return nil, err
	}
	return c.jobs.List(ctx, filter, limit, offset)
}

func (c *jobController) CancelJob(ctx context.Context, principal, jobID string) (*model.Job, error) {
	if err := c.authorize(ctx, principal, ActionCancel, jobID, ""); err != nil {
		return nil, err
	}
	return c.jobs.Cancel(ctx, jobID)
}

func (c *jobController) Subscribe(ctx context.Context, principal, jobID string) (*broadcast.Subscription, error) {
	if err := c.authorize(ctx, principal, ActionRead, jobID, ""); err != nil {
		return nil, err
	}

	// Subscribe before reading the job: a terminal event is only published
	// after the terminal status is stored, so one of the two observes it.
	sub := c.bus.Subscribe(ctx, jobID)
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		sub.Close()
		return nil, err
	}

	if job.Status.IsTerminal() {
		sub.Close()
		return c.bus.Replay(queue.Snapshot(job)), nil
	}

	// seeds subscribers when this process has not published for the job yet;
	// ignored when it is not newer than what was published
	c.bus.Publish(queue.Snapshot(job))
	return sub, nil
}

func (c *jobController) SuggestMapping(ctx context.Context, principal, schemaID string, headers []string) ([]transform.Suggestion, error) {
	if err := c.authorize(ctx, principal, ActionRead, schemaID, ""); err != nil {
		return nil, err
	}
	sch, _, err := c.schemas.Schema(schemaID)
	if err != nil {
		return nil, err
	}
	if len(headers) == 0 {
		return nil, model.ConfigErrorf("no headers given")
	}
	return transform.SuggestForSchema(sch, headers, c.suggestThreshold), nil
}

func (c *jobController) Schemas() []string {
	return c.schemas.Schemas()
}

// NewSpecValidator checks a job spec against the schema registry before it
// is queued, so unknown schemas, templates, formats and filters are rejected
// at submission instead of failing on the first attempt
func NewSpecValidator(schemas *schema.Registry) queue.Validator {
	return func(spec model.JobSpec) error {
		p := spec.Payload
		switch spec.Kind {
		case model.KindImport:
			if p.Source == "" {
				return model.ConfigErrorf("import source is required")
			}
			sch, _, err := schemas.Schema(p.SchemaID)
			if err != nil {
				return err
			}
			if _, err := processor.SourceFormat(p); err != nil {
				return err
			}
			for _, m := range p.MappingOverrides {
				if _, ok := sch.Field(m.Target); !ok {
					return model.ConfigErrorf("mapping override targets unknown field %q", m.Target)
				}
			}
			return nil

		case model.KindExport:
			_, sch, _, err := processor.ResolveExport(schemas, p)
			if err != nil {
				return err
			}
			_, err = processor.CoerceFilter(sch, p.Filter)
			return err

		default:
			return model.ConfigErrorf("unknown job kind %q", spec.Kind)
		}
	}
}

// IsNotFound reports whether err means the job does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, queue.ErrJobNotFound)
}
