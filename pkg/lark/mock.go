package lark

import (
	"context"
	"fmt"
	"sync"
)

// MockClient implements the Client interface for testing
// This enables comprehensive unit testing without external dependencies
type MockClient struct {
	mu sync.Mutex

	// Fields maps tableID to its field definitions
	Fields map[string][]*Field

	// Records maps tableID to its rows
	Records map[string][]*Record

	// Users maps email to open id for BatchGetUserIDs
	Users map[string]string

	// RejectFields makes any write containing one of these field names fail.
	// Used to simulate poison rows and type mismatches.
	RejectFields map[string]bool

	// BatchCreateError forces batch_create to fail (triggers individual fallback)
	BatchCreateError error

	// BatchUpdateError forces batch_update to fail
	BatchUpdateError error

	// ListRecordsError forces ListRecords to fail
	ListRecordsError error

	// Call tracking
	CreateCallCount      int
	UpdateCallCount      int
	BatchCreateCallCount int
	BatchUpdateCallCount int
	BatchDeleteCallCount int
	ListRecordsCallCount int

	nextRecordID int
}

// NewMockClient creates a new mock Lark client for testing
func NewMockClient() *MockClient {
	return &MockClient{
		Fields:       make(map[string][]*Field),
		Records:      make(map[string][]*Record),
		Users:        make(map[string]string),
		RejectFields: make(map[string]bool),
	}
}

// SetFields registers the field definitions of a table.
func (m *MockClient) SetFields(tableID string, names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fields := make([]*Field, 0, len(names))
	for i, name := range names {
		fields = append(fields, &Field{FieldName: name, UIType: "Text", IsPrimary: i == 0})
	}
	m.Fields[tableID] = fields
}

// AddRecord seeds an existing row and returns its id.
func (m *MockClient) AddRecord(tableID string, fields map[string]interface{}) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.allocateID()
	m.Records[tableID] = append(m.Records[tableID], &Record{RecordID: id, Fields: fields})
	return id
}

func (m *MockClient) allocateID() string {
	m.nextRecordID++
	return fmt.Sprintf("rec_%04d", m.nextRecordID)
}

func (m *MockClient) rejected(fields map[string]interface{}) error {
	for name, value := range fields {
		if m.RejectFields[name] && value != nil {
			return &APIError{Code: 1254045, Msg: "FieldNameNotFound or type mismatch: " + name, Operation: "write"}
		}
	}
	return nil
}

// ResolveWikiToken returns a deterministic obj token.
func (m *MockClient) ResolveWikiToken(_ context.Context, wikiToken string) (string, error) {
	return "obj_" + wikiToken, nil
}

// ListFields returns the registered field definitions.
func (m *MockClient) ListFields(_ context.Context, _, tableID string) ([]*Field, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Field(nil), m.Fields[tableID]...), nil
}

// ListRecords returns all rows of a table.
func (m *MockClient) ListRecords(_ context.Context, _, tableID string) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListRecordsCallCount++
	if m.ListRecordsError != nil {
		return nil, m.ListRecordsError
	}
	return append([]*Record(nil), m.Records[tableID]...), nil
}

// CreateRecord creates one row.
func (m *MockClient) CreateRecord(_ context.Context, _, tableID string, fields map[string]interface{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateCallCount++
	if err := m.rejected(fields); err != nil {
		return "", err
	}
	id := m.allocateID()
	m.Records[tableID] = append(m.Records[tableID], &Record{RecordID: id, Fields: fields})
	return id, nil
}

// UpdateRecord updates one row in place.
func (m *MockClient) UpdateRecord(_ context.Context, _, tableID, recordID string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateCallCount++
	if err := m.rejected(fields); err != nil {
		return err
	}
	for _, record := range m.Records[tableID] {
		if record.RecordID == recordID {
			record.Fields = fields
			return nil
		}
	}
	return &APIError{Code: 1254043, Msg: "RecordIdNotFound: " + recordID, Operation: "update"}
}

// BatchCreateRecords creates rows in input order.
func (m *MockClient) BatchCreateRecords(_ context.Context, _, tableID string, records []map[string]interface{}) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchCreateCallCount++
	if m.BatchCreateError != nil {
		return nil, m.BatchCreateError
	}
	for _, fields := range records {
		if err := m.rejected(fields); err != nil {
			return nil, err
		}
	}
	ids := make([]string, 0, len(records))
	for _, fields := range records {
		id := m.allocateID()
		m.Records[tableID] = append(m.Records[tableID], &Record{RecordID: id, Fields: fields})
		ids = append(ids, id)
	}
	return ids, nil
}

// BatchUpdateRecords updates rows in one call.
func (m *MockClient) BatchUpdateRecords(_ context.Context, _, tableID string, updates []*RecordUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchUpdateCallCount++
	if m.BatchUpdateError != nil {
		return m.BatchUpdateError
	}
	for _, update := range updates {
		if err := m.rejected(update.Fields); err != nil {
			return err
		}
	}
	for _, update := range updates {
		for _, record := range m.Records[tableID] {
			if record.RecordID == update.RecordID {
				record.Fields = update.Fields
				break
			}
		}
	}
	return nil
}

// BatchDeleteRecords removes rows by id.
func (m *MockClient) BatchDeleteRecords(_ context.Context, _, tableID string, recordIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BatchDeleteCallCount++
	drop := make(map[string]bool, len(recordIDs))
	for _, id := range recordIDs {
		drop[id] = true
	}
	kept := m.Records[tableID][:0]
	for _, record := range m.Records[tableID] {
		if !drop[record.RecordID] {
			kept = append(kept, record)
		}
	}
	m.Records[tableID] = kept
	return nil
}

// BatchGetUserIDs resolves emails against the registered user directory.
func (m *MockClient) BatchGetUserIDs(_ context.Context, emails []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make(map[string]string)
	for _, email := range emails {
		if id, ok := m.Users[email]; ok {
			result[email] = id
		}
	}
	return result, nil
}
