package fields

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/config"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jira"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/jql"
	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/schema"
)

// UserResolver turns a raw JIRA user object into a list-of-one target user
// reference, or an empty list when no mapping exists yet. Implementations
// must be non-blocking.
type UserResolver interface {
	ResolveUser(user map[string]interface{}) []map[string]interface{}
}

// LinkRulePolicy resolves the link-display rule for a ticket prefix.
// *config.Config implements it through LinkRuleFor.
type LinkRulePolicy interface {
	LinkRuleFor(prefix string) (config.LinkRule, bool)
}

// Processor transforms raw JIRA issues into target-table field maps. It is
// pure over its inputs: no network calls, no storage. User resolution is
// delegated to the injected resolver (which answers from cache only).
type Processor struct {
	baseURL string
	users   UserResolver
	rules   LinkRulePolicy
	logger  *logrus.Entry
}

// NewProcessor creates a field processor. baseURL is the JIRA server URL
// used for browse links; users may be nil when user mapping is disabled and
// rules may be nil when no link rules are configured.
func NewProcessor(baseURL string, users UserResolver, rules LinkRulePolicy, logger *logrus.Logger) *Processor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Processor{
		baseURL: strings.TrimRight(baseURL, "/"),
		users:   users,
		rules:   rules,
		logger:  logger.WithField("component", "field-processor"),
	}
}

// EffectiveMappings removes excluded JIRA field paths from the schema's
// mapping set before processing.
func EffectiveMappings(mappings map[string]schema.FieldMapping, excluded []string) map[string]schema.FieldMapping {
	if len(excluded) == 0 {
		return mappings
	}
	drop := make(map[string]bool, len(excluded))
	for _, path := range excluded {
		drop[path] = true
	}
	effective := make(map[string]schema.FieldMapping, len(mappings))
	for path, mapping := range mappings {
		if !drop[path] {
			effective[path] = mapping
		}
	}
	return effective
}

// ResolveTargetField picks the target field name for a mapping. Candidates
// are tried in declared order against the available target fields; when the
// available set is nil every candidate is acceptable. ok is false when no
// candidate matches (the mapping is dropped).
func ResolveTargetField(mapping schema.FieldMapping, available map[string]bool) (string, bool) {
	for _, candidate := range mapping.LarkField {
		if available == nil || available[candidate] {
			return candidate, true
		}
	}
	return "", false
}

// Transform converts one issue into a target field map using the effective
// mappings. A processor failure on one field sets that field to null and
// logs it; the row as a whole still proceeds.
func (p *Processor) Transform(issue *jira.Issue, mappings map[string]schema.FieldMapping, available map[string]bool) map[string]interface{} {
	result := make(map[string]interface{}, len(mappings))

	for path, mapping := range mappings {
		target, ok := ResolveTargetField(mapping, available)
		if !ok {
			continue
		}

		value, err := p.process(issue, path, mapping)
		if err != nil {
			p.logger.WithFields(logrus.Fields{
				"issue_key":  issue.Key,
				"jira_field": path,
				"processor":  mapping.Processor,
			}).WithError(err).Warn("field processing failed, writing null")
			value = nil
		}
		result[target] = value
	}

	return result
}

func (p *Processor) process(issue *jira.Issue, path string, mapping schema.FieldMapping) (interface{}, error) {
	value := extractPath(issue, path)

	switch mapping.Processor {
	case schema.ProcessorExtractNested:
		return extractNested(value, mapping.NestedPath), nil
	case schema.ProcessorExtractUser:
		return p.extractUser(value), nil
	case schema.ProcessorConvertDatetime:
		return convertDatetime(value), nil
	case schema.ProcessorExtractComponents, schema.ProcessorExtractVersions:
		return extractNamedList(value, mapping.FieldType), nil
	case schema.ProcessorExtractLinks:
		return p.extractLinks(value, mapping.FieldType, nil), nil
	case schema.ProcessorExtractLinksFilt:
		return p.extractLinks(value, mapping.FieldType, p.allowedLinkPrefixes(issue.Key)), nil
	case schema.ProcessorExtractTicketLink:
		return p.extractTicketLink(issue.Key), nil
	case schema.ProcessorExtractSimple:
		return extractSimple(value)
	default:
		p.logger.WithFields(logrus.Fields{
			"jira_field": path,
			"processor":  mapping.Processor,
		}).Warn("unknown processor, falling back to extract_simple")
		return extractSimple(value)
	}
}

// extractPath dereferences a dotted field path over the issue. The special
// path "key" reads the envelope key, not inside fields. Any missing link
// yields nil.
func extractPath(issue *jira.Issue, path string) interface{} {
	if path == "key" {
		return issue.Key
	}

	var current interface{} = issue.Fields
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = obj[segment]
		if !ok {
			return nil
		}
	}
	return current
}

// extractSimple passes primitives through, JSON-encodes objects and arrays,
// and coerces everything else to its string form.
func extractSimple(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string, bool, float64, int, int64, json.Number:
		return v, nil
	case map[string]interface{}, []interface{}:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode value: %w", err)
		}
		return string(encoded), nil
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// extractNested reads one sub-key of a nested object. Null or non-object
// input resolves to an empty string, never null.
func extractNested(value interface{}, nestedPath string) interface{} {
	obj, ok := value.(map[string]interface{})
	if !ok {
		return ""
	}
	nested, ok := obj[nestedPath]
	if !ok || nested == nil {
		return ""
	}
	return nested
}

// extractUser resolves a JIRA user object through the injected resolver.
// Missing resolver, malformed input, or an unmapped user all produce an
// empty list.
func (p *Processor) extractUser(value interface{}) []map[string]interface{} {
	user, ok := value.(map[string]interface{})
	if !ok || p.users == nil {
		return []map[string]interface{}{}
	}
	refs := p.users.ResolveUser(user)
	if refs == nil {
		return []map[string]interface{}{}
	}
	return refs
}

// convertDatetime parses a JIRA timestamp string into ms since epoch.
// Anything unparsable resolves to null.
func convertDatetime(value interface{}) interface{} {
	raw, ok := value.(string)
	if !ok {
		return nil
	}
	ms, err := jira.ParseTime(raw)
	if err != nil {
		return nil
	}
	return ms
}

// extractNamedList handles component and version arrays: a list of names for
// multiselect targets, a comma-joined string otherwise.
func extractNamedList(value interface{}, fieldType string) interface{} {
	items, ok := value.([]interface{})
	if !ok {
		if fieldType == schema.FieldTypeMultiSelect {
			return []string{}
		}
		return ""
	}

	names := make([]string, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if name, ok := obj["name"].(string); ok && name != "" {
			names = append(names, name)
		}
	}

	if fieldType == schema.FieldTypeMultiSelect {
		return names
	}
	return strings.Join(names, ", ")
}

// issueLink is one entry of a JIRA issuelinks array, destructured from the
// raw map form.
type issueLink struct {
	key      string
	relation string
}

func parseIssueLink(item interface{}) (issueLink, bool) {
	obj, ok := item.(map[string]interface{})
	if !ok {
		return issueLink{}, false
	}

	linkType, _ := obj["type"].(map[string]interface{})
	if outward, ok := obj["outwardIssue"].(map[string]interface{}); ok {
		if key, ok := outward["key"].(string); ok && key != "" {
			relation, _ := linkType["outward"].(string)
			return issueLink{key: key, relation: relation}, true
		}
	}
	if inward, ok := obj["inwardIssue"].(map[string]interface{}); ok {
		if key, ok := inward["key"].(string); ok && key != "" {
			relation, _ := linkType["inward"].(string)
			return issueLink{key: key, relation: relation}, true
		}
	}
	return issueLink{}, false
}

// extractLinks renders a JIRA issuelinks array. allowed is the set of linked
// key prefixes to keep; nil keeps everything. Output is a list of keys for
// multiselect targets, otherwise newline-joined "<relation>: <browse url>"
// lines.
func (p *Processor) extractLinks(value interface{}, fieldType string, allowed map[string]bool) interface{} {
	items, _ := value.([]interface{})

	var keys []string
	var lines []string
	for _, item := range items {
		link, ok := parseIssueLink(item)
		if !ok {
			continue
		}
		if allowed != nil && !allowed[jql.KeyPrefix(link.key)] {
			continue
		}
		keys = append(keys, link.key)
		lines = append(lines, fmt.Sprintf("%s: %s/browse/%s", link.relation, p.baseURL, link.key))
	}

	if fieldType == schema.FieldTypeMultiSelect {
		if keys == nil {
			return []string{}
		}
		return keys
	}
	return strings.Join(lines, "\n")
}

// allowedLinkPrefixes resolves the display rule for an issue's own prefix.
// nil means no filtering: no rule matched, the matched rule is disabled, or
// its prefix list is empty.
func (p *Processor) allowedLinkPrefixes(issueKey string) map[string]bool {
	if p.rules == nil {
		return nil
	}
	rule, ok := p.rules.LinkRuleFor(jql.KeyPrefix(issueKey))
	if !ok || !rule.Enabled || len(rule.DisplayLinkPrefixes) == 0 {
		return nil
	}

	allowed := make(map[string]bool, len(rule.DisplayLinkPrefixes))
	for _, prefix := range rule.DisplayLinkPrefixes {
		allowed[prefix] = true
	}
	return allowed
}

// extractTicketLink produces the engine's hyperlink cell contract.
func (p *Processor) extractTicketLink(issueKey string) map[string]interface{} {
	return map[string]interface{}{
		"text": issueKey,
		"link": fmt.Sprintf("%s/browse/%s", p.baseURL, issueKey),
	}
}
