package sync

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/fields"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/lark"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/schema"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/state"
)

// Batch chunk bounds by row complexity class, picked from a sample of the
// pending updates. Heavier rows get smaller chunks to stay inside request
// size limits.
const (
	chunkSimple  = 500
	chunkMedium  = 350
	chunkComplex = 200

	complexitySampleSize = 10
)

// Sprint fields may be modeled as Number or SingleSelect on the target; both
// spellings of the source field name occur in the wild.
var sprintFieldNames = map[string]bool{
	"Sprints": true,
	"Sprint":  true,
	"sprints": true,
	"sprint":  true,
}

// BatchStats are the counters of one batch-processing pass.
type BatchStats struct {
	TotalProcessed      int
	SuccessfulCreates   int
	SuccessfulUpdates   int
	FailedOperations    int
	FieldProcessingTime time.Duration
	LarkAPITime         time.Duration
	TotalTime           time.Duration
}

// BatchProcessor turns classified sync operations into target writes:
// transformation in one pass, batch create with individual fallback, and
// chunked batch update. One SyncResult is produced per input operation.
type BatchProcessor struct {
	lark   lark.Client
	fields *fields.Processor
	logger *logrus.Entry
}

// NewBatchProcessor creates a batch processor.
func NewBatchProcessor(larkClient lark.Client, fieldProcessor *fields.Processor, logger *logrus.Logger) *BatchProcessor {
	if logger == nil {
		logger = logrus.New()
	}
	return &BatchProcessor{
		lark:   larkClient,
		fields: fieldProcessor,
		logger: logger.WithField("component", "batch-processor"),
	}
}

// Process executes all operations against one table. fieldTypes maps target
// field names to their ui_type and drives both candidate resolution and the
// sprint format fallback.
func (b *BatchProcessor) Process(ctx context.Context, wikiToken, tableID string, operations []*state.SyncOperation,
	mappings map[string]schema.FieldMapping, fieldTypes map[string]string) ([]*state.SyncResult, *BatchStats) {

	stats := &BatchStats{TotalProcessed: len(operations)}
	start := time.Now()
	defer func() { stats.TotalTime = time.Since(start) }()

	available := make(map[string]bool, len(fieldTypes))
	for name := range fieldTypes {
		available[name] = true
	}
	if len(fieldTypes) == 0 {
		available = nil
	}

	// Phase 1: transform every operation in one pass.
	transformStart := time.Now()
	for _, op := range operations {
		op.ProcessedFields = b.fields.Transform(op.RawIssue, mappings, available)
		b.normalizeSprintFields(op.ProcessedFields, fieldTypes)
		if op.JIRAUpdatedTime == 0 {
			if updated, ok := op.RawIssue.UpdatedTime(); ok {
				op.JIRAUpdatedTime = updated
			}
		}
	}
	stats.FieldProcessingTime = time.Since(transformStart)

	// Phase 2: split by operation type and write.
	var creates, updates []*state.SyncOperation
	for _, op := range operations {
		if op.OpType == state.OpCreate {
			creates = append(creates, op)
		} else {
			updates = append(updates, op)
		}
	}

	apiStart := time.Now()
	results := make([]*state.SyncResult, 0, len(operations))
	results = append(results, b.processCreates(ctx, wikiToken, tableID, creates, stats)...)
	results = append(results, b.processUpdates(ctx, wikiToken, tableID, updates, stats)...)
	stats.LarkAPITime = time.Since(apiStart)

	return results, stats
}

// processCreates writes creates in one batch call. The API returns ids in
// input order, so successes can be attributed per row. Any batch-level
// failure falls back to individual creates, isolating poison rows.
func (b *BatchProcessor) processCreates(ctx context.Context, wikiToken, tableID string, creates []*state.SyncOperation, stats *BatchStats) []*state.SyncResult {
	if len(creates) == 0 {
		return nil
	}

	rows := make([]map[string]interface{}, 0, len(creates))
	for _, op := range creates {
		rows = append(rows, op.ProcessedFields)
	}

	ids, err := b.lark.BatchCreateRecords(ctx, wikiToken, tableID, rows)
	if err == nil && len(ids) == len(creates) {
		results := make([]*state.SyncResult, 0, len(creates))
		for i, op := range creates {
			stats.SuccessfulCreates++
			results = append(results, &state.SyncResult{
				IssueKey:        op.IssueKey,
				OpType:          state.OpCreate,
				Success:         true,
				LarkRecordID:    ids[i],
				JIRAUpdatedTime: op.JIRAUpdatedTime,
			})
		}
		return results
	}

	b.logger.WithError(err).WithFields(logrus.Fields{
		"table_id": tableID,
		"rows":     len(creates),
	}).Warn("batch create failed, falling back to individual creates")

	results := make([]*state.SyncResult, 0, len(creates))
	for _, op := range creates {
		recordID, err := b.createWithSprintFallback(ctx, wikiToken, tableID, op.ProcessedFields)
		result := &state.SyncResult{
			IssueKey:        op.IssueKey,
			OpType:          state.OpCreate,
			JIRAUpdatedTime: op.JIRAUpdatedTime,
		}
		if err != nil {
			stats.FailedOperations++
			result.Error = err.Error()
			b.logger.WithError(err).WithFields(logrus.Fields{
				"table_id":  tableID,
				"issue_key": op.IssueKey,
			}).Error("create failed")
		} else {
			stats.SuccessfulCreates++
			result.Success = true
			result.LarkRecordID = recordID
		}
		results = append(results, result)
	}
	return results
}

// processUpdates writes updates in dynamically sized chunks. A failed chunk
// falls back to individual updates so one bad row cannot sink its chunk.
func (b *BatchProcessor) processUpdates(ctx context.Context, wikiToken, tableID string, updates []*state.SyncOperation, stats *BatchStats) []*state.SyncResult {
	if len(updates) == 0 {
		return nil
	}

	chunkSize := chooseChunkSize(updates)
	results := make([]*state.SyncResult, 0, len(updates))

	for start := 0; start < len(updates); start += chunkSize {
		end := start + chunkSize
		if end > len(updates) {
			end = len(updates)
		}
		chunk := updates[start:end]

		batch := make([]*lark.RecordUpdate, 0, len(chunk))
		for _, op := range chunk {
			batch = append(batch, &lark.RecordUpdate{RecordID: op.LarkRecordID, Fields: op.ProcessedFields})
		}

		if err := b.lark.BatchUpdateRecords(ctx, wikiToken, tableID, batch); err == nil {
			for _, op := range chunk {
				stats.SuccessfulUpdates++
				results = append(results, &state.SyncResult{
					IssueKey:        op.IssueKey,
					OpType:          state.OpUpdate,
					Success:         true,
					LarkRecordID:    op.LarkRecordID,
					JIRAUpdatedTime: op.JIRAUpdatedTime,
				})
			}
			continue
		} else {
			b.logger.WithError(err).WithFields(logrus.Fields{
				"table_id": tableID,
				"rows":     len(chunk),
			}).Warn("batch update failed, falling back to individual updates")
		}

		for _, op := range chunk {
			err := b.updateWithSprintFallback(ctx, wikiToken, tableID, op.LarkRecordID, op.ProcessedFields)
			result := &state.SyncResult{
				IssueKey:        op.IssueKey,
				OpType:          state.OpUpdate,
				LarkRecordID:    op.LarkRecordID,
				JIRAUpdatedTime: op.JIRAUpdatedTime,
			}
			if err != nil {
				stats.FailedOperations++
				result.Error = err.Error()
				b.logger.WithError(err).WithFields(logrus.Fields{
					"table_id":  tableID,
					"issue_key": op.IssueKey,
				}).Error("update failed")
			} else {
				stats.SuccessfulUpdates++
				result.Success = true
			}
			results = append(results, result)
		}
	}
	return results
}

func (b *BatchProcessor) createWithSprintFallback(ctx context.Context, wikiToken, tableID string, row map[string]interface{}) (string, error) {
	recordID, err := b.lark.CreateRecord(ctx, wikiToken, tableID, row)
	if err == nil {
		return recordID, nil
	}
	alternate, ok := sprintAlternate(row)
	if !ok {
		return "", err
	}
	return b.lark.CreateRecord(ctx, wikiToken, tableID, alternate)
}

func (b *BatchProcessor) updateWithSprintFallback(ctx context.Context, wikiToken, tableID, recordID string, row map[string]interface{}) error {
	err := b.lark.UpdateRecord(ctx, wikiToken, tableID, recordID, row)
	if err == nil {
		return nil
	}
	alternate, ok := sprintAlternate(row)
	if !ok {
		return err
	}
	return b.lark.UpdateRecord(ctx, wikiToken, tableID, recordID, alternate)
}

// normalizeSprintFields coerces sprint values to the form the target field
// type prefers: numeric for Number fields, string for anything else.
func (b *BatchProcessor) normalizeSprintFields(row map[string]interface{}, fieldTypes map[string]string) {
	for name, value := range row {
		if !sprintFieldNames[name] || value == nil {
			continue
		}
		if fieldTypes[name] == "Number" {
			row[name] = sprintAsNumber(value)
		} else {
			row[name] = sprintAsString(value)
		}
	}
}

// sprintAlternate returns a copy of the row with every sprint field flipped
// to the opposite representation. ok is false when the row has no sprint
// value to flip.
func sprintAlternate(row map[string]interface{}) (map[string]interface{}, bool) {
	flipped := false
	alternate := make(map[string]interface{}, len(row))
	for name, value := range row {
		if sprintFieldNames[name] && value != nil {
			switch value.(type) {
			case string:
				alternate[name] = sprintAsNumber(value)
			default:
				alternate[name] = sprintAsString(value)
			}
			flipped = true
			continue
		}
		alternate[name] = value
	}
	return alternate, flipped
}

func sprintAsString(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return v
	}
}

func sprintAsNumber(value interface{}) interface{} {
	switch v := value.(type) {
	case float64, int, int64:
		return v
	case string:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return n
		}
		return v
	default:
		return v
	}
}

// chooseChunkSize samples pending rows and classifies them by average field
// count and serialized size.
func chooseChunkSize(updates []*state.SyncOperation) int {
	sample := updates
	if len(sample) > complexitySampleSize {
		sample = sample[:complexitySampleSize]
	}

	var totalFields, totalBytes int
	for _, op := range sample {
		totalFields += len(op.ProcessedFields)
		if encoded, err := json.Marshal(op.ProcessedFields); err == nil {
			totalBytes += len(encoded)
		}
	}
	if len(sample) == 0 {
		return chunkSimple
	}

	avgFields := totalFields / len(sample)
	avgBytes := totalBytes / len(sample)
	switch {
	case avgFields <= 10 && avgBytes <= 2048:
		return chunkSimple
	case avgFields <= 20 && avgBytes <= 8192:
		return chunkMedium
	default:
		return chunkComplex
	}
}
