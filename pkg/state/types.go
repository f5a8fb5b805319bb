package state

import (
	"fmt"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jira"
)

// Processing results stored in the log.
const (
	ResultSuccess           = "success"
	ResultColdStartExisting = "cold_start_existing"
)

// ErrorResult formats a failure detail for storage.
func ErrorResult(detail string) string {
	return "error: " + detail
}

// LogRecord is one row of a table's processing log.
type LogRecord struct {
	IssueKey        string
	JIRAUpdatedTime int64 // ms epoch of the issue version that produced this row
	ProcessedAt     int64 // ms epoch, local wall clock
	Result          string
	LarkRecordID    string
	CreatedAt       int64
}

// OpType classifies a sync operation.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
)

// SyncOperation is one classified unit of work for the batch processor.
// ProcessedFields and JIRAUpdatedTime are attached during transformation.
type SyncOperation struct {
	IssueKey        string
	RawIssue        *jira.Issue
	OpType          OpType
	LarkRecordID    string
	ProcessedFields map[string]interface{}
	JIRAUpdatedTime int64
}

// SyncResult is the outcome of one sync operation.
type SyncResult struct {
	IssueKey        string
	OpType          OpType
	Success         bool
	LarkRecordID    string
	Error           string
	JIRAUpdatedTime int64
}

// FilterStats summarizes a timestamp-filter pass.
type FilterStats struct {
	Total      int
	Filtered   int // issues that need processing
	Skipped    int
	FilterRate float64 // percentage of issues skipped
}

// Summary describes the state of one table's processing log.
type Summary struct {
	TableID         string
	TotalRecords    int
	SuccessRecords  int
	ColdStartRows   int
	ErrorRecords    int
	LastProcessedAt int64 // ms epoch, 0 when empty
	IsColdStart     bool
}

// StorageError represents a processing-log storage fault. Fatal to the
// current workflow; never swallowed.
type StorageError struct {
	Op      string
	TableID string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("processing log storage error (%s) for table %s: %v", e.Op, e.TableID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError checks if the error is a processing-log storage fault
func IsStorageError(err error) bool {
	_, ok := err.(*StorageError)
	return ok
}
