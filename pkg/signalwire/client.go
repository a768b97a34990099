package signalwire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotConfigured is returned by every API call made without credentials.
var ErrNotConfigured = errors.New("SignalWire credentials not configured")

// APIError is a non-2xx response from the LaML REST API
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("SignalWire API error (%d): %s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is a SignalWire API client
type Client struct {
	projectID  string
	token      string
	space      string
	baseURL    string
	httpClient *http.Client
}

// ClientOption customizes a Client
type ClientOption func(*Client)

// WithBaseURL points the client at a different LaML API root.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient replaces the default 30s-timeout HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// Call represents a SignalWire call resource
type Call struct {
	SID         string `json:"sid"`
	From        string `json:"from"`
	To          string `json:"to"`
	Status      string `json:"status"`
	Direction   string `json:"direction"`
	Duration    string `json:"duration"`
	DateCreated string `json:"date_created"`
	StartTime   string `json:"start_time"`
}

// CreatedAt parses the RFC 2822 creation timestamp the API returns.
// The zero time is returned when the field is absent or unparseable.
func (c *Call) CreatedAt() time.Time {
	for _, raw := range []string{c.DateCreated, c.StartTime} {
		if raw == "" {
			continue
		}
		if t, err := time.Parse(time.RFC1123Z, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Account represents the project's account resource
type Account struct {
	SID          string `json:"sid"`
	FriendlyName string `json:"friendly_name"`
	Status       string `json:"status"`
}

// CallRequest options for making a call
type CallRequest struct {
	From                 string
	To                   string
	URL                  string // LaML webhook URL
	StatusCallback       string
	StatusCallbackEvents []string // initiated, ringing, answered, completed
	Timeout              int
}

// NewClient creates a new SignalWire API client
func NewClient(projectID, token, space string, opts ...ClientOption) *Client {
	c := &Client{
		projectID: projectID,
		token:     token,
		space:     space,
		baseURL:   fmt.Sprintf("https://%s/api/laml/2010-04-01", space),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateCall initiates an outbound call
func (c *Client) CreateCall(ctx context.Context, req CallRequest) (*Call, error) {
	formData := url.Values{}
	formData.Set("From", req.From)
	formData.Set("To", req.To)
	formData.Set("Url", req.URL)
	formData.Set("Method", http.MethodPost)
	if req.StatusCallback != "" {
		formData.Set("StatusCallback", req.StatusCallback)
		formData.Set("StatusCallbackMethod", http.MethodPost)
		for _, event := range req.StatusCallbackEvents {
			formData.Add("StatusCallbackEvent", event)
		}
	}
	if req.Timeout > 0 {
		formData.Set("Timeout", fmt.Sprintf("%d", req.Timeout))
	}

	var call Call
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/Accounts/%s/Calls.json", c.projectID), formData, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// GetCall retrieves call details
func (c *Client) GetCall(ctx context.Context, callSID string) (*Call, error) {
	var call Call
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/Accounts/%s/Calls/%s.json", c.projectID, url.PathEscape(callSID)), nil, &call); err != nil {
		return nil, err
	}
	return &call, nil
}

// UpdateCallStatus moves a live call to status; "completed" hangs it up.
func (c *Client) UpdateCallStatus(ctx context.Context, callSID, status string) error {
	formData := url.Values{}
	formData.Set("Status", status)
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/Accounts/%s/Calls/%s.json", c.projectID, url.PathEscape(callSID)), formData, nil)
}

// GetAccountInfo retrieves account information
func (c *Client) GetAccountInfo(ctx context.Context) (*Account, error) {
	var account Account
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/Accounts/%s.json", c.projectID), nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// ValidateConfiguration checks if SignalWire is properly configured
func (c *Client) ValidateConfiguration() error {
	if c.projectID == "" {
		return fmt.Errorf("SIGNALWIRE_PROJECT_ID not configured")
	}
	if c.token == "" {
		return fmt.Errorf("SIGNALWIRE_TOKEN not configured")
	}
	if c.space == "" {
		return fmt.Errorf("SIGNALWIRE_SPACE not configured")
	}
	return nil
}

// do sends a form-encoded request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out any) error {
	if c.projectID == "" || c.token == "" {
		return ErrNotConfigured
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.projectID, c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
