package database

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ferry/internal/model"
)

// RecordDatabase stores destination rows. Writes are upserts keyed by
// StoredRecord.Key so replaying a chunk leaves the collection unchanged.
type RecordDatabase interface {
	UpsertRecords(ctx context.Context, collection string, records []model.StoredRecord) error
	QueryRecords(ctx context.Context, collection string, filter model.QueryFilter) (RecordCursor, error)
	CountRecords(ctx context.Context, collection string, filter model.QueryFilter) (int64, error)
}

// RecordCursor yields query results in key order, n at a time
type RecordCursor interface {
	Next(ctx context.Context, n int) ([]model.StoredRecord, error)
	Close(ctx context.Context) error
}

// maxBulkWrite bounds the operations sent in one bulk write
const maxBulkWrite = 1000

// UpsertRecords writes records as unordered bulks of ReplaceOne upserts
func (m *mongoDB) UpsertRecords(ctx context.Context, collection string, records []model.StoredRecord) error {
	if len(records) == 0 {
		return nil
	}

	start := time.Now()
	col := m.db.Collection(collection)
	var upserted, modified int64
	for _, batch := range splitIntoBatches(records, maxBulkWrite) {
		writes := make([]mongo.WriteModel, 0, len(batch))
		for _, r := range batch {
			writes = append(writes, mongo.NewReplaceOneModel().
				SetFilter(bson.M{"_id": r.Key}).
				SetReplacement(r).
				SetUpsert(true))
		}

		res, err := col.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false))
		if err != nil {
			log.Error().Err(err).Str("collection", collection).Int("count", len(batch)).Msg("Failed to upsert records")
			return err
		}
		upserted += res.UpsertedCount
		modified += res.ModifiedCount
	}

	log.Debug().
		Str("collection", collection).
		Int64("upserted", upserted).
		Int64("modified", modified).
		Dur("duration", time.Since(start)).
		Msg("Upserted records")
	return nil
}

// splitIntoBatches divides items into consecutive batches of at most batchSize
func splitIntoBatches[T any](items []T, batchSize int) [][]T {
	if batchSize <= 0 {
		return nil
	}
	if len(items) == 0 {
		return [][]T{}
	}

	batches := make([][]T, 0, (len(items)+batchSize-1)/batchSize)
	for i := 0; i < len(items); i += batchSize {
		end := min(i+batchSize, len(items))
		batches = append(batches, items[i:end])
	}
	return batches
}

// QueryRecords opens a cursor over the records matching filter
func (m *mongoDB) QueryRecords(ctx context.Context, collection string, filter model.QueryFilter) (RecordCursor, error) {
	query, err := mongoFilter(filter)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetBatchSize(500)
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := m.db.Collection(collection).Find(ctx, query, opts)
	if err != nil {
		log.Error().Err(err).Str("collection", collection).Msg("Failed to query records")
		return nil, err
	}
	return &mongoCursor{cursor: cursor}, nil
}

// CountRecords counts matching records, honouring the filter limit
func (m *mongoDB) CountRecords(ctx context.Context, collection string, filter model.QueryFilter) (int64, error) {
	query, err := mongoFilter(filter)
	if err != nil {
		return 0, err
	}

	opts := options.Count()
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	count, err := m.db.Collection(collection).CountDocuments(ctx, query, opts)
	if err != nil {
		log.Error().Err(err).Str("collection", collection).Msg("Failed to count records")
		return 0, err
	}
	return count, nil
}

var mongoOps = map[model.FilterOp]string{
	model.OpEq:  "$eq",
	model.OpNe:  "$ne",
	model.OpGt:  "$gt",
	model.OpGte: "$gte",
	model.OpLt:  "$lt",
	model.OpLte: "$lte",
	model.OpIn:  "$in",
}

func mongoFilter(filter model.QueryFilter) (bson.M, error) {
	query := bson.M{}
	for _, c := range filter.Conditions {
		op, ok := mongoOps[c.Op]
		if !ok {
			return nil, model.ConfigErrorf("unsupported filter operator %q", c.Op)
		}
		key := "fields." + c.Field
		cond, _ := query[key].(bson.M)
		if cond == nil {
			cond = bson.M{}
		}
		cond[op] = c.Value
		query[key] = cond
	}
	return query, nil
}

type mongoCursor struct {
	cursor *mongo.Cursor
}

func (c *mongoCursor) Next(ctx context.Context, n int) ([]model.StoredRecord, error) {
	out := make([]model.StoredRecord, 0, n)
	for len(out) < n && c.cursor.Next(ctx) {
		var rec model.StoredRecord
		if err := c.cursor.Decode(&rec); err != nil {
			return out, fmt.Errorf("decode record: %w", err)
		}
		normaliseFields(rec.Fields)
		out = append(out, rec)
	}
	if err := c.cursor.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func (c *mongoCursor) Close(ctx context.Context) error {
	return c.cursor.Close(ctx)
}

// normaliseFields converts driver specific types back to the values the
// transformer produced
func normaliseFields(fields map[string]any) {
	for k, v := range fields {
		switch x := v.(type) {
		case primitive.DateTime:
			fields[k] = x.Time().UTC()
		case int32:
			fields[k] = int64(x)
		case primitive.Decimal128:
			fields[k] = x.String()
		}
	}
}
