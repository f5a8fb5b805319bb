package lark

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jackyhsuehtcg/jira-sync-sub000/pkg/ratelimit"
)

// Client defines the interface for Lark Base operations.
// This enables dependency injection and testing with mock implementations.
type Client interface {
	// ResolveWikiToken resolves a wiki node token to the bitable obj_token
	ResolveWikiToken(ctx context.Context, wikiToken string) (string, error)

	// ListFields returns the field definitions of a table
	ListFields(ctx context.Context, wikiToken, tableID string) ([]*Field, error)

	// ListRecords returns every record of a table, following pagination
	ListRecords(ctx context.Context, wikiToken, tableID string) ([]*Record, error)

	// CreateRecord creates a single record and returns its id
	CreateRecord(ctx context.Context, wikiToken, tableID string, fields map[string]interface{}) (string, error)

	// UpdateRecord updates a single record in place
	UpdateRecord(ctx context.Context, wikiToken, tableID, recordID string, fields map[string]interface{}) error

	// BatchCreateRecords creates records in one call; ids are returned in input order
	BatchCreateRecords(ctx context.Context, wikiToken, tableID string, records []map[string]interface{}) ([]string, error)

	// BatchUpdateRecords updates records in one call
	BatchUpdateRecords(ctx context.Context, wikiToken, tableID string, updates []*RecordUpdate) error

	// BatchDeleteRecords deletes records in one call
	BatchDeleteRecords(ctx context.Context, wikiToken, tableID string, recordIDs []string) error

	// BatchGetUserIDs resolves emails to open ids; unknown emails are absent
	BatchGetUserIDs(ctx context.Context, emails []string) (map[string]string, error)
}

// Field is one column definition of a table.
type Field struct {
	FieldName string `json:"field_name"`
	UIType    string `json:"ui_type"`
	IsPrimary bool   `json:"is_primary"`
}

// Record is one row of a table.
type Record struct {
	RecordID string                 `json:"record_id"`
	Fields   map[string]interface{} `json:"fields"`
}

// RecordUpdate pairs a record id with its replacement fields.
type RecordUpdate struct {
	RecordID string                 `json:"record_id"`
	Fields   map[string]interface{} `json:"fields"`
}

// Options configures an HTTPClient.
type Options struct {
	AppID     string
	AppSecret string
	// BaseURL defaults to the Lark open platform endpoint.
	BaseURL string
	Timeout time.Duration
}

const (
	defaultBaseURL = "https://open.larksuite.com/open-apis"

	// Refresh the tenant token this long before it actually expires.
	tokenRefreshMargin = 300 * time.Second

	recordPageSize = 500

	pagingTimeout = 60 * time.Second
)

// HTTPClient implements Client against the Lark open API. The tenant access
// token and wiki-token resolutions are cached internally; safe for
// concurrent use.
type HTTPClient struct {
	appID     string
	appSecret string
	baseURL   string

	httpClient   *http.Client
	pagingClient *http.Client

	tokenMu      sync.Mutex
	tenantToken  string
	tokenExpires time.Time

	objTokenMu    sync.Mutex
	objTokenCache map[string]string

	logger *logrus.Entry
}

// NewClient creates a Lark client with rate limiting wired into the transport.
func NewClient(opts Options, logger *logrus.Logger) (*HTTPClient, error) {
	if opts.AppID == "" || opts.AppSecret == "" {
		return nil, &ClientError{
			Type:    "configuration_error",
			Message: "app_id and app_secret are required",
		}
	}

	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	limiter := ratelimit.NewRateLimiter(ratelimit.DefaultOptions())
	transport := ratelimit.NewRateLimitedTransport(nil, limiter)

	return &HTTPClient{
		appID:         opts.AppID,
		appSecret:     opts.AppSecret,
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Transport: transport, Timeout: timeout},
		pagingClient:  &http.Client{Transport: transport, Timeout: pagingTimeout},
		objTokenCache: make(map[string]string),
		logger:        logger.WithField("component", "lark-client"),
	}, nil
}

// envelope is the {code, msg, data} wrapper around every Lark response.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// getTenantToken returns a valid tenant access token, refreshing it when
// within the refresh margin of expiry. Refresh is serialized by a lock.
func (c *HTTPClient) getTenantToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.tenantToken != "" && time.Now().Before(c.tokenExpires.Add(-tokenRefreshMargin)) {
		return c.tenantToken, nil
	}

	payload := map[string]string{
		"app_id":     c.appID,
		"app_secret": c.appSecret,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/auth/v3/tenant_access_token/internal", bytes.NewReader(body))
	if err != nil {
		return "", &ClientError{Type: "auth_error", Message: "failed to build token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ClientError{Type: "auth_error", Message: "token request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	var tokenResp struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", &ClientError{Type: "auth_error", Message: "failed to decode token response", Err: err}
	}
	if tokenResp.Code != 0 {
		return "", &APIError{Code: tokenResp.Code, Msg: tokenResp.Msg, Operation: "tenant_access_token"}
	}

	c.tenantToken = tokenResp.TenantAccessToken
	c.tokenExpires = time.Now().Add(time.Duration(tokenResp.Expire) * time.Second)
	c.logger.WithField("expires_in", tokenResp.Expire).Debug("tenant access token refreshed")

	return c.tenantToken, nil
}

// ResolveWikiToken resolves a wiki node token to the bitable obj_token,
// caching the result for the process lifetime.
func (c *HTTPClient) ResolveWikiToken(ctx context.Context, wikiToken string) (string, error) {
	c.objTokenMu.Lock()
	if cached, ok := c.objTokenCache[wikiToken]; ok {
		c.objTokenMu.Unlock()
		return cached, nil
	}
	c.objTokenMu.Unlock()

	params := url.Values{}
	params.Set("token", wikiToken)

	var data struct {
		Node struct {
			ObjToken string `json:"obj_token"`
			ObjType  string `json:"obj_type"`
		} `json:"node"`
	}
	if err := c.call(ctx, http.MethodGet, "/wiki/v2/spaces/get_node?"+params.Encode(), nil, &data, false); err != nil {
		return "", err
	}
	if data.Node.ObjToken == "" {
		return "", &ClientError{
			Type:    "not_found",
			Message: "wiki node has no obj_token",
			Context: wikiToken,
		}
	}

	c.objTokenMu.Lock()
	c.objTokenCache[wikiToken] = data.Node.ObjToken
	c.objTokenMu.Unlock()

	return data.Node.ObjToken, nil
}

// BatchGetUserIDs resolves emails to open ids via the contact API.
func (c *HTTPClient) BatchGetUserIDs(ctx context.Context, emails []string) (map[string]string, error) {
	if len(emails) == 0 {
		return map[string]string{}, nil
	}

	payload := map[string]interface{}{"emails": emails}
	var data struct {
		UserList []struct {
			UserID string `json:"user_id"`
			Email  string `json:"email"`
		} `json:"user_list"`
	}
	if err := c.call(ctx, http.MethodPost, "/contact/v3/users/batch_get_id?user_id_type=open_id", payload, &data, false); err != nil {
		return nil, err
	}

	result := make(map[string]string, len(data.UserList))
	for _, user := range data.UserList {
		if user.UserID != "" && user.Email != "" {
			result[user.Email] = user.UserID
		}
	}
	return result, nil
}

// call performs an authenticated request and unwraps the response envelope
// into out. A 401-coded envelope invalidates the cached token and retries
// once with a fresh one.
func (c *HTTPClient) call(ctx context.Context, method, path string, payload, out interface{}, paging bool) error {
	err := c.callOnce(ctx, method, path, payload, out, paging)
	if apiErr, ok := err.(*APIError); ok && isTokenExpired(apiErr.Code) {
		c.tokenMu.Lock()
		c.tenantToken = ""
		c.tokenMu.Unlock()
		return c.callOnce(ctx, method, path, payload, out, paging)
	}
	return err
}

// Lark envelope codes indicating an invalid or expired tenant token.
func isTokenExpired(code int) bool {
	return code == 99991663 || code == 99991661 || code == 99991668
}

func (c *HTTPClient) callOnce(ctx context.Context, method, path string, payload, out interface{}, paging bool) error {
	token, err := c.getTenantToken(ctx)
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return &ClientError{Type: "request_error", Message: "failed to encode request body", Err: err}
		}
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return &ClientError{Type: "request_error", Message: "failed to build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.httpClient
	if paging {
		client = c.pagingClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return &ClientError{Type: "network_error", Message: "request failed", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &ClientError{
			Type:    "api_error",
			Message: fmt.Sprintf("unexpected HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			Context: path,
		}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &ClientError{Type: "decode_error", Message: "failed to decode response envelope", Err: err}
	}
	if env.Code != 0 {
		return &APIError{Code: env.Code, Msg: env.Msg, Operation: path}
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &ClientError{Type: "decode_error", Message: "failed to decode response data", Err: err}
		}
	}
	return nil
}
