package crm

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

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SalesforceConfig configures the Salesforce REST client.
type SalesforceConfig struct {
	LoginURL      string
	InstanceURL   string
	APIVersion    string
	ClientID      string
	ClientSecret  string
	Username      string
	Password      string
	SecurityToken string

	ContactObject        string
	ContactExternalField string
	OrderObject          string
	OrderExternalField   string

	RequestsPerSecond float64
	Timeout           time.Duration
}

func (c *SalesforceConfig) applyDefaults() {
	if c.LoginURL == "" {
		c.LoginURL = "https://login.salesforce.com"
	}
	if c.APIVersion == "" {
		c.APIVersion = "59.0"
	}
	if c.ContactObject == "" {
		c.ContactObject = "Contact"
	}
	if c.ContactExternalField == "" {
		c.ContactExternalField = "External_Id__c"
	}
	if c.OrderObject == "" {
		c.OrderObject = "Pedido_Ringana__c"
	}
	if c.OrderExternalField == "" {
		c.OrderExternalField = "ID_Ringana__c"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Salesforce implements Client over the Salesforce REST API using the OAuth
// username-password flow. Records are written with upsert-by-external-id.
type Salesforce struct {
	cfg        SalesforceConfig
	httpClient *http.Client
	limiter    *rate.Limiter

	mu          sync.Mutex
	accessToken string
	instanceURL string
}

// NewSalesforce creates a client. No request is made until the first upsert.
func NewSalesforce(cfg SalesforceConfig) *Salesforce {
	cfg.applyDefaults()

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &Salesforce{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(limit, 1),
		instanceURL: strings.TrimRight(cfg.InstanceURL, "/"),
	}
}

// APIError is an error response from Salesforce.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("salesforce returned %d: %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("salesforce returned %d: %s", e.StatusCode, e.Message)
}

// UpsertContact upserts the contact keyed by its external key.
func (s *Salesforce) UpsertContact(ctx context.Context, c Contact) (string, error) {
	if strings.TrimSpace(c.ExternalKey) == "" {
		return "", fmt.Errorf("contact external key is required")
	}
	first, last := SplitName(c.Name)
	body := map[string]interface{}{
		"FirstName": first,
		"LastName":  last,
		"Email":     c.Email,
		"Phone":     c.Phone,
	}
	return s.upsert(ctx, s.cfg.ContactObject, s.cfg.ContactExternalField, c.ExternalKey, body)
}

// UpsertOrder upserts the order keyed by its external key.
func (s *Salesforce) UpsertOrder(ctx context.Context, o OrderRecord) (string, error) {
	if strings.TrimSpace(o.ExternalKey) == "" {
		return "", fmt.Errorf("order external key is required")
	}
	if o.ContactID == "" {
		return "", fmt.Errorf("contact id is required")
	}
	body := map[string]interface{}{
		"Contact__c":          o.ContactID,
		"Fecha_del_Pedido__c": o.Date.Format("2006-01-02"),
		"Total__c":            o.Total.Round(2).InexactFloat64(),
		"Puntos__c":           o.Points.InexactFloat64(),
		"Productos__c":        o.ProductText,
		"Regalo__c":           o.GiftText,
	}
	return s.upsert(ctx, s.cfg.OrderObject, s.cfg.OrderExternalField, o.ExternalKey, body)
}

type upsertResponse struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Created bool   `json:"created"`
}

// upsert PATCHes sobjects/<object>/<field>/<key>. Updates may answer 204 with no
// body, in which case the id is looked up by the external field.
func (s *Salesforce) upsert(ctx context.Context, object, field, key string, body interface{}) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", object, err)
	}

	path := fmt.Sprintf("/sobjects/%s/%s/%s", object, field, url.PathEscape(key))
	status, data, err := s.do(ctx, http.MethodPatch, path, payload)
	if err != nil {
		return "", fmt.Errorf("failed to upsert %s %s: %w", object, key, err)
	}

	if len(bytes.TrimSpace(data)) > 0 {
		var result upsertResponse
		if err := json.Unmarshal(data, &result); err != nil {
			return "", fmt.Errorf("failed to decode upsert response: %w", err)
		}
		if result.ID != "" {
			zap.L().Debug("salesforce upsert",
				zap.String("object", object), zap.String("key", key),
				zap.String("id", result.ID), zap.Bool("created", result.Created))
			return result.ID, nil
		}
	}

	zap.L().Debug("salesforce upsert returned no id, querying",
		zap.String("object", object), zap.String("key", key), zap.Int("status", status))
	id, err := s.FindID(ctx, object, field, key)
	if err == ErrNotFound {
		return "", nil
	}
	return id, err
}

type queryResponse struct {
	TotalSize int `json:"totalSize"`
	Records   []struct {
		ID string `json:"Id"`
	} `json:"records"`
}

// FindID returns the id of the record whose external field equals key, or ErrNotFound.
func (s *Salesforce) FindID(ctx context.Context, object, field, key string) (string, error) {
	soql := fmt.Sprintf("SELECT Id FROM %s WHERE %s = '%s' LIMIT 1", object, field, escapeSOQL(key))
	_, data, err := s.do(ctx, http.MethodGet, "/query?q="+url.QueryEscape(soql), nil)
	if err != nil {
		return "", fmt.Errorf("failed to query %s: %w", object, err)
	}

	var result queryResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return "", fmt.Errorf("failed to decode query response: %w", err)
	}
	if len(result.Records) == 0 || result.Records[0].ID == "" {
		return "", ErrNotFound
	}
	return result.Records[0].ID, nil
}

func escapeSOQL(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s)
}

// do performs an authenticated request against the data API, logging in on first
// use and once more when the session has expired.
func (s *Salesforce) do(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	for attempt := 0; ; attempt++ {
		token, instance, err := s.session(ctx)
		if err != nil {
			return 0, nil, err
		}

		if err := s.limiter.Wait(ctx); err != nil {
			return 0, nil, fmt.Errorf("rate limit wait: %w", err)
		}

		endpoint := fmt.Sprintf("%s/services/data/v%s%s", instance, s.cfg.APIVersion, path)
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return 0, nil, fmt.Errorf("request failed: %w", err)
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return 0, nil, fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			zap.L().Info("salesforce session expired, logging in again")
			s.invalidate()
			continue
		}
		if resp.StatusCode >= 300 {
			return resp.StatusCode, nil, parseAPIError(resp.StatusCode, data)
		}
		return resp.StatusCode, data, nil
	}
}

func parseAPIError(status int, data []byte) error {
	var errs []struct {
		Message   string `json:"message"`
		ErrorCode string `json:"errorCode"`
	}
	if err := json.Unmarshal(data, &errs); err == nil && len(errs) > 0 {
		return &APIError{StatusCode: status, Code: errs[0].ErrorCode, Message: errs[0].Message}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(data))}
}

func (s *Salesforce) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = ""
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	InstanceURL      string `json:"instance_url"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (s *Salesforce) session(ctx context.Context) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" {
		return s.accessToken, s.instanceURL, nil
	}

	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	form.Set("username", s.cfg.Username)
	form.Set("password", s.cfg.Password+s.cfg.SecurityToken)

	endpoint := strings.TrimRight(s.cfg.LoginURL, "/") + "/services/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", "", fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", "", fmt.Errorf("failed to decode login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || tok.AccessToken == "" {
		msg := tok.ErrorDescription
		if msg == "" {
			msg = tok.Error
		}
		return "", "", fmt.Errorf("salesforce login failed (%d): %s", resp.StatusCode, msg)
	}

	s.accessToken = tok.AccessToken
	if tok.InstanceURL != "" {
		s.instanceURL = strings.TrimRight(tok.InstanceURL, "/")
	}
	if s.instanceURL == "" {
		return "", "", fmt.Errorf("salesforce login returned no instance url")
	}
	zap.L().Debug("salesforce login ok", zap.String("instance", s.instanceURL))
	return s.accessToken, s.instanceURL, nil
}
