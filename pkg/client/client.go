package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

const defaultBaseURL = "http://127.0.0.1:8089/api"

// Client talks to a running launcher's control API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	// Token is sent as a bearer token on every request.
	Token    string
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// APIError is a non-2xx answer from the launcher.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// KindOf returns the error kind reported by the launcher, or "".
func KindOf(err error) string {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: defaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// New creates a new client. A TLS setup failure is logged and the client
// falls back to the default transport.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the launcher is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.Status(ctx)
	if err != nil {
		c.logger.Debug("Launcher unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &st)
	return st, err
}

// Start launches the child. A nil cfg starts with the stored settings;
// save persists cfg before starting.
func (c *Client) Start(ctx context.Context, cfg *Settings, save bool) (Result, error) {
	q := url.Values{}
	if save {
		q.Set("save", "true")
	}
	var body any
	if cfg != nil {
		body = cfg
	}
	var res Result
	err := c.do(ctx, http.MethodPost, "/start", q, body, &res)
	return res, err
}

// Stop stops the child, waiting up to wait before a forced kill. Zero uses
// the launcher's default.
func (c *Client) Stop(ctx context.Context, wait time.Duration) (Result, error) {
	q := url.Values{"confirmed": {"true"}}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var res Result
	err := c.do(ctx, http.MethodPost, "/stop", q, nil, &res)
	return res, err
}

func (c *Client) Restart(ctx context.Context, wait time.Duration) (Result, error) {
	q := url.Values{}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var res Result
	err := c.do(ctx, http.MethodPost, "/restart", q, nil, &res)
	return res, err
}

// Logs returns delivered log records with sequence numbers after after.
func (c *Client) Logs(ctx context.Context, after uint64, limit int) (LogPage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatUint(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page LogPage
	err := c.do(ctx, http.MethodGet, "/logs", q, nil, &page)
	return page, err
}

func (c *Client) PauseLogs(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logs/pause", nil, nil, nil)
}

func (c *Client) ResumeLogs(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logs/resume", nil, nil, nil)
}

// Settings returns the stored settings. warning is set when the file was
// unreadable and defaults were returned.
func (c *Client) Settings(ctx context.Context) (cfg Settings, warning string, err error) {
	var resp settingsResponse
	err = c.do(ctx, http.MethodGet, "/settings", nil, nil, &resp)
	return resp.Settings, resp.Warning, err
}

func (c *Client) SaveSettings(ctx context.Context, cfg Settings) error {
	return c.do(ctx, http.MethodPut, "/settings", nil, cfg, nil)
}

// History returns the most recent lifecycle events, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEvent, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []HistoryEvent
	err := c.do(ctx, http.MethodGet, "/history", q, nil, &out)
	return out, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
		return tlsConfig, nil
	}
	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

// do performs a request and decodes a 2xx body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", er.Error, "kind", er.Kind, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error, Kind: er.Kind}
}
