package fields

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/config"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jira"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/schema"
)

type stubResolver struct {
	refs map[string][]map[string]interface{}
}

func (s *stubResolver) ResolveUser(user map[string]interface{}) []map[string]interface{} {
	name, _ := user["name"].(string)
	if refs, ok := s.refs[name]; ok {
		return refs
	}
	return []map[string]interface{}{}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	resolver := &stubResolver{refs: map[string][]map[string]interface{}{
		"jdoe": {{"id": "ou_abc123"}},
	}}
	cfg := &config.Config{LinkRules: map[string]config.LinkRule{
		"TCG":     {Enabled: true, DisplayLinkPrefixes: []string{"TP"}},
		"OFF":     {Enabled: false, DisplayLinkPrefixes: []string{"TP"}},
		"default": {Enabled: true, DisplayLinkPrefixes: []string{}},
	}}
	return NewProcessor("https://jira.example.com/", resolver, cfg, quietLogger())
}

func testIssue(fields map[string]interface{}) *jira.Issue {
	return &jira.Issue{Key: "TCG-100", ID: "10001", Fields: fields}
}

func TestExtractPath(t *testing.T) {
	issue := testIssue(map[string]interface{}{
		"summary": "hello",
		"status":  map[string]interface{}{"name": "Open"},
	})

	tests := []struct {
		name string
		path string
		want interface{}
	}{
		{name: "envelope key", path: "key", want: "TCG-100"},
		{name: "top-level field", path: "summary", want: "hello"},
		{name: "nested path", path: "status.name", want: "Open"},
		{name: "missing field", path: "priority", want: nil},
		{name: "missing nested link", path: "summary.name", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractPath(issue, tt.path))
		})
	}
}

func TestExtractSimple(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  interface{}
	}{
		{name: "null passthrough", value: nil, want: nil},
		{name: "string", value: "text", want: "text"},
		{name: "number", value: float64(3), want: float64(3)},
		{name: "bool", value: true, want: true},
		{name: "object encoded", value: map[string]interface{}{"a": "b"}, want: `{"a":"b"}`},
		{name: "array encoded", value: []interface{}{"x"}, want: `["x"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractSimple(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExtractNested(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  interface{}
	}{
		{name: "present sub-key", value: map[string]interface{}{"name": "High"}, want: "High"},
		{name: "missing sub-key", value: map[string]interface{}{"other": 1}, want: ""},
		{name: "null input", value: nil, want: ""},
		{name: "non-object input", value: "scalar", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractNested(tt.value, "name"))
		})
	}
}

// A dotted nested_path is a misconfiguration: the lookup is a single-key
// read on the already-extracted object, so "status.name" silently resolves
// to an empty string. The correct form is the bare sub-key ("name").
func TestExtractNestedDottedPathResolvesEmpty(t *testing.T) {
	p := newTestProcessor(t)
	issue := testIssue(map[string]interface{}{
		"status": map[string]interface{}{"name": "Open"},
	})

	mappings := map[string]schema.FieldMapping{
		"status": {LarkField: []string{"Status"}, Processor: schema.ProcessorExtractNested, NestedPath: "status.name"},
	}
	result := p.Transform(issue, mappings, nil)
	assert.Equal(t, "", result["Status"])

	mappings["status"] = schema.FieldMapping{LarkField: []string{"Status"}, Processor: schema.ProcessorExtractNested, NestedPath: "name"}
	result = p.Transform(issue, mappings, nil)
	assert.Equal(t, "Open", result["Status"])
}

func TestConvertDatetime(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  interface{}
	}{
		{name: "jira format", value: "2024-03-01T10:00:00.000+0000", want: int64(1709287200000)},
		{name: "unparsable", value: "tomorrow", want: nil},
		{name: "non-string", value: float64(5), want: nil},
		{name: "null", value: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, convertDatetime(tt.value))
		})
	}
}

func TestExtractNamedList(t *testing.T) {
	components := []interface{}{
		map[string]interface{}{"name": "backend"},
		map[string]interface{}{"name": "infra"},
		map[string]interface{}{"id": "3"}, // no name, skipped
	}

	assert.Equal(t, []string{"backend", "infra"},
		extractNamedList(components, schema.FieldTypeMultiSelect))
	assert.Equal(t, "backend, infra", extractNamedList(components, ""))
	assert.Equal(t, "", extractNamedList(nil, ""))
	assert.Equal(t, []string{}, extractNamedList(nil, schema.FieldTypeMultiSelect))
}

func linkFixture() []interface{} {
	return []interface{}{
		map[string]interface{}{
			"type":         map[string]interface{}{"outward": "blocks", "inward": "is blocked by"},
			"outwardIssue": map[string]interface{}{"key": "TP-7"},
		},
		map[string]interface{}{
			"type":        map[string]interface{}{"outward": "relates to", "inward": "relates to"},
			"inwardIssue": map[string]interface{}{"key": "OPS-9"},
		},
	}
}

func TestExtractLinks(t *testing.T) {
	p := newTestProcessor(t)

	asList := p.extractLinks(linkFixture(), schema.FieldTypeMultiSelect, nil)
	assert.Equal(t, []string{"TP-7", "OPS-9"}, asList)

	asText := p.extractLinks(linkFixture(), "", nil)
	assert.Equal(t,
		"blocks: https://jira.example.com/browse/TP-7\n"+
			"relates to: https://jira.example.com/browse/OPS-9",
		asText)

	assert.Equal(t, []string{}, p.extractLinks(nil, schema.FieldTypeMultiSelect, nil))
	assert.Equal(t, "", p.extractLinks(nil, "", nil))
}

func TestExtractLinksFiltered(t *testing.T) {
	p := newTestProcessor(t)

	// TCG rule allows only TP-prefixed linked issues.
	allowed := p.allowedLinkPrefixes("TCG-100")
	asList := p.extractLinks(linkFixture(), schema.FieldTypeMultiSelect, allowed)
	assert.Equal(t, []string{"TP-7"}, asList)

	// Unknown prefix falls back to the default rule, whose empty list allows all.
	assert.Nil(t, p.allowedLinkPrefixes("ZZZ-1"))
}

func TestExtractLinksDisabledRuleKeepsEverything(t *testing.T) {
	p := newTestProcessor(t)

	// A matched but disabled rule turns filtering off entirely.
	allowed := p.allowedLinkPrefixes("OFF-3")
	assert.Nil(t, allowed)

	asList := p.extractLinks(linkFixture(), schema.FieldTypeMultiSelect, allowed)
	assert.Equal(t, []string{"TP-7", "OPS-9"}, asList)
}

func TestAllowedLinkPrefixesNoRules(t *testing.T) {
	p := NewProcessor("https://jira.example.com", nil, nil, quietLogger())
	assert.Nil(t, p.allowedLinkPrefixes("TCG-1"))
}

func TestTransformResolvesTargetCandidates(t *testing.T) {
	p := newTestProcessor(t)
	issue := testIssue(map[string]interface{}{"summary": "hello"})

	mappings := map[string]schema.FieldMapping{
		"summary": {LarkField: []string{"Title", "Summary"}, Processor: schema.ProcessorExtractSimple},
		"key":     {LarkField: []string{"Missing Field"}, Processor: schema.ProcessorExtractSimple},
	}
	available := map[string]bool{"Summary": true}

	result := p.Transform(issue, mappings, available)
	assert.Equal(t, map[string]interface{}{"Summary": "hello"}, result)
}

func TestTransformFullRow(t *testing.T) {
	p := newTestProcessor(t)
	issue := testIssue(map[string]interface{}{
		"summary":  "fix login flow",
		"status":   map[string]interface{}{"name": "In Progress"},
		"assignee": map[string]interface{}{"name": "jdoe", "emailAddress": "jdoe@corp.example.com"},
		"updated":  "2024-03-01T10:00:00.000+0000",
	})

	mappings := map[string]schema.FieldMapping{
		"key":         {LarkField: []string{"Issue Key"}, Processor: schema.ProcessorExtractTicketLink},
		"summary":     {LarkField: []string{"Summary"}, Processor: schema.ProcessorExtractSimple},
		"status.name": {LarkField: []string{"Status"}, Processor: schema.ProcessorExtractSimple},
		"assignee":    {LarkField: []string{"Assignee"}, Processor: schema.ProcessorExtractUser},
		"updated":     {LarkField: []string{"Updated"}, Processor: schema.ProcessorConvertDatetime},
	}

	result := p.Transform(issue, mappings, nil)

	assert.Equal(t, map[string]interface{}{
		"text": "TCG-100",
		"link": "https://jira.example.com/browse/TCG-100",
	}, result["Issue Key"])
	assert.Equal(t, "fix login flow", result["Summary"])
	assert.Equal(t, "In Progress", result["Status"])
	assert.Equal(t, []map[string]interface{}{{"id": "ou_abc123"}}, result["Assignee"])
	assert.Equal(t, int64(1709287200000), result["Updated"])
}

func TestTransformUnknownProcessorFallsBack(t *testing.T) {
	p := newTestProcessor(t)
	issue := testIssue(map[string]interface{}{"summary": "hello"})

	mappings := map[string]schema.FieldMapping{
		"summary": {LarkField: []string{"Summary"}, Processor: "extract_fancy"},
	}
	result := p.Transform(issue, mappings, nil)
	assert.Equal(t, "hello", result["Summary"])
}

func TestTransformUnmappedUserYieldsEmptyList(t *testing.T) {
	p := newTestProcessor(t)
	issue := testIssue(map[string]interface{}{
		"reporter": map[string]interface{}{"name": "stranger"},
	})

	mappings := map[string]schema.FieldMapping{
		"reporter": {LarkField: []string{"Reporter"}, Processor: schema.ProcessorExtractUser},
	}
	result := p.Transform(issue, mappings, nil)
	assert.Equal(t, []map[string]interface{}{}, result["Reporter"])
}

func TestEffectiveMappings(t *testing.T) {
	mappings := map[string]schema.FieldMapping{
		"summary": {LarkField: []string{"Summary"}, Processor: schema.ProcessorExtractSimple},
		"updated": {LarkField: []string{"Updated"}, Processor: schema.ProcessorConvertDatetime},
	}

	effective := EffectiveMappings(mappings, []string{"updated"})
	require.Len(t, effective, 1)
	_, ok := effective["summary"]
	assert.True(t, ok)

	// No exclusions returns the input untouched.
	assert.Len(t, EffectiveMappings(mappings, nil), 2)
}
