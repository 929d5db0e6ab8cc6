package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"ferry/internal/database"
	"ferry/internal/format"
	"ferry/internal/model"
	"ferry/internal/schema"
	"ferry/internal/transform"
	"ferry/internal/validation"
)

const ImportProcessorName = "Import Processor - Read, Validate, Transform and Upsert Rows"

// ImportProcessor reads a source file chunk by chunk, validates and
// transforms every row, and upserts the rows that pass into the schema's
// collection keyed by their stable row identifier
type ImportProcessor struct {
	schemas     *schema.Registry
	transformer *transform.Transformer
	source      Source
	records     database.RecordDatabase
	settings    Settings
}

func NewImportProcessor(schemas *schema.Registry, transformer *transform.Transformer, source Source, records database.RecordDatabase, settings Settings) *ImportProcessor {
	return &ImportProcessor{
		schemas:     schemas,
		transformer: transformer,
		source:      source,
		records:     records,
		settings:    settings.withDefaults(),
	}
}

func (p *ImportProcessor) Kind() model.JobKind { return model.KindImport }

func (p *ImportProcessor) Name() string { return ImportProcessorName }

// SourceFormat resolves the format of an import: the explicit one, otherwise
// the source file extension
func SourceFormat(payload model.JobPayload) (model.Format, error) {
	if payload.Format != "" {
		return parseFormat(string(payload.Format))
	}
	ext := strings.TrimPrefix(path.Ext(payload.Source), ".")
	if ext == "" {
		return "", model.ConfigErrorf("cannot infer format of %q", payload.Source)
	}
	return parseFormat(ext)
}

func parseFormat(s string) (model.Format, error) {
	f, ok := model.ParseFormat(s)
	if !ok {
		return "", model.ConfigErrorf("unsupported format %q", s)
	}
	return f, nil
}

func (p *ImportProcessor) Process(ctx context.Context, task *Task) (model.JobResult, error) {
	job := task.Job
	payload := job.Payload
	logger := log.With().Str("jobID", job.ID).Str("kind", string(job.Kind)).Int("attempt", job.Attempts).Logger()

	sch, rules, err := p.schemas.Schema(payload.SchemaID)
	if err != nil {
		return task.Tracker.Result(), err
	}
	f, err := SourceFormat(payload)
	if err != nil {
		return task.Tracker.Result(), err
	}

	total, err := p.count(ctx, payload.Source, f)
	if err != nil {
		return task.Tracker.Result(), err
	}
	task.Tracker.Begin(total)

	rc, err := p.source.Open(ctx, payload.Source)
	if err != nil {
		return task.Tracker.Result(), openError(payload.Source, err)
	}
	defer rc.Close()

	reader, err := format.Open(f, rc)
	if err != nil {
		return task.Tracker.Result(), inputError(payload.Source, err)
	}
	defer reader.Close()

	plan, err := p.transformer.NewPlan(sch, payload.MappingOverrides, reader.Header(), p.settings.SuggestThreshold)
	if err != nil {
		return task.Tracker.Result(), err
	}
	task.Tracker.SetMapping(plan.Unmapped(), plan.Suggested())

	logger.Info().
		Str("schema", sch.ID).
		Str("format", string(f)).
		Int("total", total).
		Strs("unmapped", plan.Unmapped()).
		Msg("Starting import")

	for index := 0; ; index++ {
		if task.cancelled() {
			logger.Info().Int("chunk", index).Msg("Import cancelled at chunk boundary")
			return task.Tracker.Result(), model.ErrCancelled
		}

		rows, readErr := reader.Next(p.settings.ChunkSize)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return task.Tracker.Result(), inputError(payload.Source, readErr)
		}

		if len(rows) > 0 {
			chunk := model.Chunk{Index: index, Rows: rows}
			if err := p.processChunk(ctx, task, sch, rules, plan, chunk); err != nil {
				logger.Error().Err(err).Int("chunk", index).Msg("Chunk failed")
				return task.Tracker.Result(), err
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}
	}

	result := task.Tracker.Result()
	if err := checkThreshold(sch, *p.settings.FailureThreshold, result, model.ValidationErrorf); err != nil {
		return result, err
	}
	return result, nil
}

func (p *ImportProcessor) count(ctx context.Context, location string, f model.Format) (int, error) {
	rc, err := p.source.Open(ctx, location)
	if err != nil {
		return 0, openError(location, err)
	}
	defer rc.Close()

	n, err := format.CountRows(f, rc)
	if err != nil {
		return 0, inputError(location, err)
	}
	return n, nil
}

func (p *ImportProcessor) processChunk(ctx context.Context, task *Task, sch *model.Schema, rules *validation.RuleSet, plan *transform.Plan, chunk model.Chunk) error {
	job := task.Job
	now := time.Now().UTC()

	results := EvaluateRows(chunk.Rows, func(row model.Row) RowResult {
		return evaluate(job, sch, rules, plan, row, now)
	}, p.settings.RowConcurrency)

	var tally Tally
	records := make([]model.StoredRecord, 0, len(results))
	for _, r := range results {
		tally.Add(r)
		if r.Record != nil {
			records = append(records, *r.Record)
		}
	}

	if len(records) > 0 {
		wctx, cancel := context.WithTimeout(ctx, p.settings.StorageTimeout)
		err := p.records.UpsertRecords(wctx, sch.Collection, records)
		cancel()
		if err != nil {
			return storageError(fmt.Sprintf("upsert chunk %d", chunk.Index), err)
		}
	}

	task.Tracker.Chunk(ctx, tally)
	return nil
}

// evaluate runs one row through validation and transformation
func evaluate(job *model.Job, sch *model.Schema, rules *validation.RuleSet, plan *transform.Plan, row model.Row, now time.Time) RowResult {
	projected := plan.Project(row.Values)

	verdict := rules.Validate(projected)
	var errs, warnings []model.RowError
	for _, v := range verdict.Violations {
		if v.Severity == model.SeverityWarning {
			warnings = append(warnings, v.RowError(row.Line))
		} else {
			errs = append(errs, v.RowError(row.Line))
		}
	}
	if verdict.Failed() {
		return failure(row.Line, append(errs, warnings...))
	}

	target, err := plan.Convert(projected)
	if err != nil {
		re := model.RowError{Line: row.Line, Severity: model.SeverityError, Message: err.Error()}
		if fe, ok := transform.AsFieldError(err); ok {
			re.Field = fe.Field
			re.Message = fe.Message
		}
		return failure(row.Line, append([]model.RowError{re}, warnings...))
	}

	return success(row.Line, &model.StoredRecord{
		Key:       plan.Key(target, job.Payload.Source, row.Line),
		SchemaID:  sch.ID,
		JobID:     job.ID,
		Fields:    target,
		UpdatedAt: now,
	}, warnings)
}

// checkThreshold fails the job with an error built by fail when the failed
// row ratio exceeds the schema's threshold, or the configured one when the
// schema has none
func checkThreshold(sch *model.Schema, fallback float64, result model.JobResult, fail func(format string, args ...any) error) error {
	if result.RowsProcessed == 0 {
		return nil
	}
	threshold := fallback
	if sch.FailureThreshold != nil {
		threshold = *sch.FailureThreshold
	}
	ratio := float64(result.RowsFailed) / float64(result.RowsProcessed)
	if ratio > threshold {
		return fail("%d of %d rows failed (%.2f), above threshold %.2f",
			result.RowsFailed, result.RowsProcessed, ratio, threshold)
	}
	return nil
}

// inputError classifies an unreadable input. Malformed files do not improve
// on retry.
func inputError(location string, err error) error {
	var je *model.JobError
	if errors.As(err, &je) {
		return err
	}
	return model.ConfigErrorf("read %s: %v", location, err)
}
