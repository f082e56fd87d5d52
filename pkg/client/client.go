// Package client talks to a running devdock daemon over its HTTP API.
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
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:3001/api"

// Client provides HTTP client functionality to communicate with the devdock daemon
type Client struct {
	baseURL string
	client  *http.Client
	tls     *tls.Config
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string
	SkipVerify bool
}

// APIError is a non-2xx reply of the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 (already running / not running).
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: 30 * time.Second}
}

// New creates a new devdock API client
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := &http.Transport{}
	var tlsConfig *tls.Config
	if config.TLS != nil || config.Insecure {
		var err error
		if tlsConfig, err = setupClientTLS(config); err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		tls:     tlsConfig,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}
	tlsConfig.InsecureSkipVerify = config.TLS.SkipVerify // #nosec G402 explicit opt-in
	tlsConfig.ServerName = config.TLS.ServerName
	if config.TLS.CACert != "" {
		pemBytes, err := os.ReadFile(config.TLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, errors.New("parse CA certificate: no certificates found")
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
	}
	return err == nil
}

func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var out []Project
	err := c.do(ctx, http.MethodGet, "/projects", nil, &out)
	return out, err
}

func (c *Client) Project(ctx context.Context, id string) (Project, error) {
	var out Project
	err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Start launches script of project id; an empty script selects the first
// declared one.
func (c *Client) Start(ctx context.Context, id, script string) error {
	return c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(id)+"/start", scriptBody(script), nil)
}

func (c *Client) Stop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(id)+"/stop", nil, nil)
}

func (c *Client) Restart(ctx context.Context, id, script string) error {
	return c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(id)+"/restart", scriptBody(script), nil)
}

func (c *Client) StopAll(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/shutdown-all", nil, nil)
}

func (c *Client) Logs(ctx context.Context, id string) ([]LogEntry, error) {
	var out []LogEntry
	err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(id)+"/logs", nil, &out)
	return out, err
}

func (c *Client) ClearLogs(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/projects/"+url.PathEscape(id)+"/logs", nil, nil)
}

func (c *Client) SetHealthEndpoint(ctx context.Context, id, endpoint string) error {
	return c.do(ctx, http.MethodPut, "/projects/"+url.PathEscape(id)+"/health", map[string]string{"endpoint": endpoint}, nil)
}

func (c *Client) SetNote(ctx context.Context, id, note string) error {
	return c.do(ctx, http.MethodPut, "/projects/"+url.PathEscape(id)+"/note", map[string]string{"note": note}, nil)
}

// Env returns the variables declared by the project's dotenv files.
func (c *Client) Env(ctx context.Context, id string) (map[string]string, error) {
	var out map[string]string
	err := c.do(ctx, http.MethodGet, "/env/"+url.PathEscape(id), nil, &out)
	return out, err
}

// CompareEnv diffs the dotenv variables of two projects.
func (c *Client) CompareEnv(ctx context.Context, id1, id2 string) (map[string]EnvDiff, error) {
	var out map[string]EnvDiff
	err := c.do(ctx, http.MethodGet, "/env/compare/"+url.PathEscape(id1)+"/"+url.PathEscape(id2), nil, &out)
	return out, err
}

// Ports returns the last port table, or a fresh one when scan is set.
func (c *Client) Ports(ctx context.Context, scan bool) ([]PortRecord, error) {
	var out []PortRecord
	if scan {
		err := c.do(ctx, http.MethodPost, "/ports/scan", nil, &out)
		return out, err
	}
	err := c.do(ctx, http.MethodGet, "/ports", nil, &out)
	return out, err
}

// Session returns the saved snapshot, or nil when none exists.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	var out *Session
	err := c.do(ctx, http.MethodGet, "/session", nil, &out)
	return out, err
}

func (c *Client) SaveSession(ctx context.Context) (Session, error) {
	var out Session
	err := c.do(ctx, http.MethodPost, "/session", nil, &out)
	return out, err
}

func (c *Client) RestoreSession(ctx context.Context) (RestoreResult, error) {
	var out RestoreResult
	err := c.do(ctx, http.MethodPost, "/session/restore", nil, &out)
	return out, err
}

func (c *Client) ClearSession(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/session", nil, nil)
}

func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	var out []Group
	err := c.do(ctx, http.MethodGet, "/groups", nil, &out)
	return out, err
}

func (c *Client) CreateGroup(ctx context.Context, name, description string, projectIDs []string) (Group, error) {
	var out Group
	body := map[string]any{"name": name, "description": description, "projectIds": projectIDs}
	err := c.do(ctx, http.MethodPost, "/groups", body, &out)
	return out, err
}

func (c *Client) DeleteGroup(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/groups/"+url.PathEscape(id), nil, nil)
}

func (c *Client) StartGroup(ctx context.Context, id, script string) ([]MemberResult, error) {
	var out []MemberResult
	err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(id)+"/start", scriptBody(script), &out)
	return out, err
}

func (c *Client) StopGroup(ctx context.Context, id string) ([]MemberResult, error) {
	var out []MemberResult
	err := c.do(ctx, http.MethodPost, "/groups/"+url.PathEscape(id)+"/stop", nil, &out)
	return out, err
}

func (c *Client) Settings(ctx context.Context) (Settings, error) {
	var out Settings
	err := c.do(ctx, http.MethodGet, "/settings", nil, &out)
	return out, err
}

func (c *Client) UpdateSettings(ctx context.Context, patch Settings) (Settings, error) {
	var out Settings
	err := c.do(ctx, http.MethodPut, "/settings", patch, &out)
	return out, err
}

func scriptBody(script string) any {
	if script == "" {
		return nil
	}
	return map[string]string{"script": script}
}

// do sends body as JSON and decodes the envelope's data into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("undecodable response: %v", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !env.Success {
		c.logger.Debug("API request failed", "path", path, "status", resp.StatusCode, "error", env.Error)
		return &APIError{StatusCode: resp.StatusCode, Message: env.Error}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
