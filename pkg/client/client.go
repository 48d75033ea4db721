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
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when the requested session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = errors.New("unauthorized")
)

// Client provides HTTP client functionality to communicate with a pipewatch server
type Client struct {
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
	username string
	password string

	mu    sync.RWMutex
	token string
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification

	// Credentials for servers with auth enabled. Token wins over Basic.
	Username string
	Password string
	Token    string
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8787/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new pipewatch API client
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
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
		baseURL:  config.BaseURL,
		logger:   config.Logger,
		username: config.Username,
		password: config.Password,
		token:    config.Token,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stats", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Server reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

// Sessions lists sessions, most recent first.
func (c *Client) Sessions(ctx context.Context, q SessionsQuery) ([]Session, error) {
	params := url.Values{}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	u := c.baseURL + "/sessions"
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	var out []Session
	if err := c.doRequest(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Session fetches one session by id. A missing session yields ErrNotFound.
func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var out Session
	err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Summary fetches the session summary and line tallies.
func (c *Client) Summary(ctx context.Context) (SummaryResponse, error) {
	var out SummaryResponse
	err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/summary", nil, &out)
	return out, err
}

// Events fetches up to limit retained events; limit <= 0 fetches all.
func (c *Client) Events(ctx context.Context, limit int) ([]LogEvent, error) {
	u := c.baseURL + "/events"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var out []LogEvent
	if err := c.doRequest(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats fetches the engine retention counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	err := c.doRequest(ctx, http.MethodGet, c.baseURL+"/stats", nil, &out)
	return out, err
}

// Ingest submits timestamped events. mode is ModeAppend or ModeReplace.
func (c *Client) Ingest(ctx context.Context, mode string, events []Raw) (IngestResult, error) {
	c.logger.Debug("Ingesting events", "count", len(events), "mode", mode)
	return c.ingest(ctx, mode, events)
}

// IngestLines submits plain lines; the server stamps them on arrival.
func (c *Client) IngestLines(ctx context.Context, mode string, lines []string) (IngestResult, error) {
	c.logger.Debug("Ingesting lines", "count", len(lines), "mode", mode)
	return c.ingest(ctx, mode, map[string]any{"lines": lines})
}

func (c *Client) ingest(ctx context.Context, mode string, body any) (IngestResult, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return IngestResult{}, fmt.Errorf("marshal request: %w", err)
	}
	u := c.baseURL + "/ingest"
	if mode != "" {
		u += "?mode=" + url.QueryEscape(mode)
	}
	var out IngestResult
	err = c.doRequest(ctx, http.MethodPost, u, data, &out)
	return out, err
}

// Reset clears all engine state on the server.
func (c *Client) Reset(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, c.baseURL+"/reset", nil, nil)
}

// Login exchanges username and password for a bearer token. Later requests
// from this client carry the token.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return Token{}, err
	}
	var tok Token
	if err := c.doRequest(ctx, http.MethodPost, c.baseURL+"/login", body, &tok); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.token = tok.Value
	c.mu.Unlock()
	return tok, nil
}

func (c *Client) authorize(req *http.Request) {
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	switch {
	case token != "":
		req.Header.Set("Authorization", "Bearer "+token)
	case c.username != "":
		req.SetBasicAuth(c.username, c.password)
	}
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
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

// doRequest performs an HTTP request and decodes a successful JSON body into out.
func (c *Client) doRequest(ctx context.Context, method, url string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
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
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrUnauthorized, errorResp.Error)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, errorResp.Error)
	}
	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}
