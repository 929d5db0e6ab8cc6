package processor

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"ferry/internal/convert"
	"ferry/internal/database"
	"ferry/internal/format"
	"ferry/internal/model"
	"ferry/internal/schema"
	"ferry/internal/transform"
)

const ExportProcessorName = "Export Generator - Query, Render and Upload Artifact"

// ExportProcessor queries stored records chunk by chunk, renders them through
// an export template into a temporary artifact, and uploads the artifact only
// once every chunk is written
type ExportProcessor struct {
	schemas     *schema.Registry
	transformer *transform.Transformer
	records     database.RecordDatabase
	sink        Sink
	settings    Settings
}

func NewExportProcessor(schemas *schema.Registry, transformer *transform.Transformer, records database.RecordDatabase, sink Sink, settings Settings) *ExportProcessor {
	return &ExportProcessor{
		schemas:     schemas,
		transformer: transformer,
		records:     records,
		sink:        sink,
		settings:    settings.withDefaults(),
	}
}

func (p *ExportProcessor) Kind() model.JobKind { return model.KindExport }

func (p *ExportProcessor) Name() string { return ExportProcessorName }

// ResolveExport returns the template, schema and output format of an export
// payload
func ResolveExport(schemas *schema.Registry, payload model.JobPayload) (*model.ExportTemplate, *model.Schema, model.Format, error) {
	tpl, err := schemas.Template(payload.TemplateID)
	if err != nil {
		return nil, nil, "", err
	}
	if payload.SchemaID != "" && payload.SchemaID != tpl.SchemaID {
		return nil, nil, "", model.ConfigErrorf("template %q renders schema %q, not %q", tpl.ID, tpl.SchemaID, payload.SchemaID)
	}
	sch, _, err := schemas.Schema(tpl.SchemaID)
	if err != nil {
		return nil, nil, "", err
	}

	f := payload.Format
	if f == "" {
		f = tpl.Format
	}
	if f == "" {
		f = model.FormatCSV
	}
	f, err = parseFormat(string(f))
	if err != nil {
		return nil, nil, "", err
	}
	return tpl, sch, f, nil
}

// CoerceFilter checks filter conditions against the schema and converts
// their values to the stored field types
func CoerceFilter(sch *model.Schema, filter model.QueryFilter) (model.QueryFilter, error) {
	out := model.QueryFilter{Limit: filter.Limit, Conditions: make([]model.Condition, 0, len(filter.Conditions))}
	if filter.Limit < 0 {
		return out, model.ConfigErrorf("filter limit must not be negative")
	}
	for _, c := range filter.Conditions {
		field, ok := sch.Field(c.Field)
		if !ok {
			return out, model.ConfigErrorf("filter on unknown field %q", c.Field)
		}
		if !c.Op.Valid() {
			return out, model.ConfigErrorf("filter on %q: unknown operator %q", c.Field, c.Op)
		}
		v, err := convert.CoerceValue(field.Type, c.Value)
		if err != nil {
			return out, model.ConfigErrorf("filter on %q: %v", c.Field, err)
		}
		out.Conditions = append(out.Conditions, model.Condition{Field: c.Field, Op: c.Op, Value: v})
	}
	return out, nil
}

func (p *ExportProcessor) Process(ctx context.Context, task *Task) (model.JobResult, error) {
	job := task.Job
	logger := log.With().Str("jobID", job.ID).Str("kind", string(job.Kind)).Int("attempt", job.Attempts).Logger()

	tpl, sch, f, err := ResolveExport(p.schemas, job.Payload)
	if err != nil {
		return task.Tracker.Result(), err
	}
	filter, err := CoerceFilter(sch, job.Payload.Filter)
	if err != nil {
		return task.Tracker.Result(), err
	}

	cctx, cancel := context.WithTimeout(ctx, p.settings.StorageTimeout)
	count, err := p.records.CountRecords(cctx, sch.Collection, filter)
	cancel()
	if err != nil {
		return task.Tracker.Result(), storageError("count records", err)
	}
	total := int(count)
	if filter.Limit > 0 && filter.Limit < total {
		total = filter.Limit
	}
	task.Tracker.Begin(total)

	tmp, err := os.CreateTemp("", "ferry-export-*"+format.Extension(f))
	if err != nil {
		return task.Tracker.Result(), model.SystemError("create artifact", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	writer, err := format.NewWriter(f, tmp)
	if err != nil {
		return task.Tracker.Result(), err
	}
	if err := writer.WriteHeader(transform.Headers(tpl)); err != nil {
		return task.Tracker.Result(), model.SystemError("write artifact header", err)
	}

	qctx, cancel := context.WithTimeout(ctx, p.settings.StorageTimeout)
	cursor, err := p.records.QueryRecords(qctx, sch.Collection, filter)
	cancel()
	if err != nil {
		return task.Tracker.Result(), storageError("query records", err)
	}
	defer cursor.Close(context.Background())

	logger.Info().
		Str("template", tpl.ID).
		Str("format", string(f)).
		Int("total", total).
		Msg("Starting export")

	for index := 0; ; index++ {
		if task.cancelled() {
			logger.Info().Int("chunk", index).Msg("Export cancelled at chunk boundary")
			return task.Tracker.Result(), model.ErrCancelled
		}

		nctx, cancel := context.WithTimeout(ctx, p.settings.StorageTimeout)
		batch, err := cursor.Next(nctx, p.settings.ChunkSize)
		cancel()
		if err != nil {
			return task.Tracker.Result(), storageError(fmt.Sprintf("read chunk %d", index), err)
		}
		if len(batch) == 0 {
			break
		}

		var tally Tally
		for i, rec := range batch {
			line := index*p.settings.ChunkSize + i + 1
			row, err := p.transformer.Render(rec.Fields, tpl)
			if err != nil {
				re := model.RowError{Line: line, Severity: model.SeverityError, Message: err.Error()}
				if fe, ok := transform.AsFieldError(err); ok {
					re.Field, re.Message = fe.Field, fe.Message
				}
				tally.Add(failure(line, []model.RowError{re}))
				continue
			}
			if err := writer.WriteRow(row); err != nil {
				return task.Tracker.Result(), model.SystemError("write artifact", err)
			}
			tally.Add(success(line, nil, nil))
		}
		task.Tracker.Chunk(ctx, tally)
	}

	// a failing export leaves no artifact
	result := task.Tracker.Result()
	if err := checkThreshold(sch, *p.settings.FailureThreshold, result, model.TransformErrorf); err != nil {
		logger.Warn().Err(err).Int("failed", result.RowsFailed).Msg("Export discarded")
		return result, err
	}

	if err := writer.Close(); err != nil {
		return task.Tracker.Result(), model.SystemError("finalize artifact", err)
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return task.Tracker.Result(), model.SystemError("rewind artifact", err)
	}

	name := fmt.Sprintf("exports/%s%s", job.ID, format.Extension(f))
	location, err := p.sink.Upload(ctx, name, tmp, format.ContentType(f))
	if err != nil {
		return task.Tracker.Result(), model.SystemError("upload artifact", err)
	}

	result.OutputLocation = location
	logger.Info().Str("location", location).Int("rows", result.RowsSucceeded).Msg("Export artifact uploaded")
	return result, nil
}
