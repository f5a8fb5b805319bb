package lark

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// tablePath builds the bitable path for a table after resolving the wiki token.
func (c *HTTPClient) tablePath(ctx context.Context, wikiToken, tableID, suffix string) (string, error) {
	objToken, err := c.ResolveWikiToken(ctx, wikiToken)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("/bitable/v1/apps/%s/tables/%s%s", objToken, tableID, suffix), nil
}

// ListFields returns the field definitions of a table, following pagination.
func (c *HTTPClient) ListFields(ctx context.Context, wikiToken, tableID string) ([]*Field, error) {
	base, err := c.tablePath(ctx, wikiToken, tableID, "/fields")
	if err != nil {
		return nil, err
	}

	var fields []*Field
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("page_size", "100")
		if pageToken != "" {
			params.Set("page_token", pageToken)
		}

		var data struct {
			Items     []*Field `json:"items"`
			HasMore   bool     `json:"has_more"`
			PageToken string   `json:"page_token"`
		}
		if err := c.call(ctx, http.MethodGet, base+"?"+params.Encode(), nil, &data, false); err != nil {
			return nil, err
		}

		fields = append(fields, data.Items...)
		if !data.HasMore || data.PageToken == "" {
			break
		}
		pageToken = data.PageToken
	}

	return fields, nil
}

// ListRecords returns every record of a table, following pagination with the
// maximum page size. Uses the longer pagination timeout.
func (c *HTTPClient) ListRecords(ctx context.Context, wikiToken, tableID string) ([]*Record, error) {
	base, err := c.tablePath(ctx, wikiToken, tableID, "/records")
	if err != nil {
		return nil, err
	}

	var records []*Record
	pageToken := ""
	for {
		params := url.Values{}
		params.Set("page_size", fmt.Sprintf("%d", recordPageSize))
		if pageToken != "" {
			params.Set("page_token", pageToken)
		}

		var data struct {
			Items     []*Record `json:"items"`
			HasMore   bool      `json:"has_more"`
			PageToken string    `json:"page_token"`
			Total     int       `json:"total"`
		}
		if err := c.call(ctx, http.MethodGet, base+"?"+params.Encode(), nil, &data, true); err != nil {
			return nil, err
		}

		records = append(records, data.Items...)
		if !data.HasMore || data.PageToken == "" {
			break
		}
		pageToken = data.PageToken
	}

	return records, nil
}

// CreateRecord creates a single record and returns its id.
func (c *HTTPClient) CreateRecord(ctx context.Context, wikiToken, tableID string, fields map[string]interface{}) (string, error) {
	path, err := c.tablePath(ctx, wikiToken, tableID, "/records")
	if err != nil {
		return "", err
	}

	payload := map[string]interface{}{"fields": fields}
	var data struct {
		Record *Record `json:"record"`
	}
	if err := c.call(ctx, http.MethodPost, path, payload, &data, false); err != nil {
		return "", err
	}
	if data.Record == nil || data.Record.RecordID == "" {
		return "", &ClientError{
			Type:    "api_error",
			Message: "create response contained no record id",
			Context: tableID,
		}
	}
	return data.Record.RecordID, nil
}

// UpdateRecord updates a single record in place.
func (c *HTTPClient) UpdateRecord(ctx context.Context, wikiToken, tableID, recordID string, fields map[string]interface{}) error {
	path, err := c.tablePath(ctx, wikiToken, tableID, "/records/"+recordID)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{"fields": fields}
	return c.call(ctx, http.MethodPut, path, payload, nil, false)
}

// BatchCreateRecords creates records in one call. The API returns record ids
// in input order; callers depend on that for per-row attribution.
func (c *HTTPClient) BatchCreateRecords(ctx context.Context, wikiToken, tableID string, records []map[string]interface{}) ([]string, error) {
	if len(records) == 0 {
		return nil, nil
	}

	path, err := c.tablePath(ctx, wikiToken, tableID, "/records/batch_create")
	if err != nil {
		return nil, err
	}

	items := make([]map[string]interface{}, 0, len(records))
	for _, fields := range records {
		items = append(items, map[string]interface{}{"fields": fields})
	}
	payload := map[string]interface{}{"records": items}

	var data struct {
		Records []*Record `json:"records"`
	}
	if err := c.call(ctx, http.MethodPost, path, payload, &data, false); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(data.Records))
	for _, record := range data.Records {
		ids = append(ids, record.RecordID)
	}
	if len(ids) != len(records) {
		return nil, &ClientError{
			Type:    "api_error",
			Message: fmt.Sprintf("batch create returned %d ids for %d records", len(ids), len(records)),
			Context: tableID,
		}
	}
	return ids, nil
}

// BatchUpdateRecords updates records in one call.
func (c *HTTPClient) BatchUpdateRecords(ctx context.Context, wikiToken, tableID string, updates []*RecordUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	path, err := c.tablePath(ctx, wikiToken, tableID, "/records/batch_update")
	if err != nil {
		return err
	}

	items := make([]map[string]interface{}, 0, len(updates))
	for _, update := range updates {
		items = append(items, map[string]interface{}{
			"record_id": update.RecordID,
			"fields":    update.Fields,
		})
	}
	payload := map[string]interface{}{"records": items}

	return c.call(ctx, http.MethodPost, path, payload, nil, false)
}

// BatchDeleteRecords deletes records in one call.
func (c *HTTPClient) BatchDeleteRecords(ctx context.Context, wikiToken, tableID string, recordIDs []string) error {
	if len(recordIDs) == 0 {
		return nil
	}

	path, err := c.tablePath(ctx, wikiToken, tableID, "/records/batch_delete")
	if err != nil {
		return err
	}

	payload := map[string]interface{}{"records": recordIDs}
	return c.call(ctx, http.MethodPost, path, payload, nil, false)
}
