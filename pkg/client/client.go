package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

// DefaultPayload is sent when Trigger is called without a payload; the
// control port ignores content but needs at least one byte.
var DefaultPayload = []byte("spawn\n")

// Client talks to a running uprunner: the TCP control port for triggers and
// the optional admin API for status.
type Client struct {
	controlAddr string
	baseURL     string
	timeout     time.Duration
	client      *http.Client
	logger      *slog.Logger
}

// Config holds client configuration
type Config struct {
	ControlAddr string // host:port of the control port
	BaseURL     string // admin API base, e.g. http://127.0.0.1:3003/api
	Timeout     time.Duration
	Logger      *slog.Logger // Optional logger for client operations
	TLS         *TLSClientConfig
	Insecure    bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for the admin API, e.g. when it sits
// behind a TLS-terminating proxy.
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
		ControlAddr: "127.0.0.1:3002",
		BaseURL:     "http://127.0.0.1:3003/api",
		Timeout:     10 * time.Second,
	}
}

// New creates a client. Invalid TLS settings are logged and ignored.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.ControlAddr == "" {
		config.ControlAddr = def.ControlAddr
	}
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
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
		controlAddr: config.ControlAddr,
		baseURL:     config.BaseURL,
		timeout:     config.Timeout,
		logger:      config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// Trigger connects to the control port, sends payload and returns the status
// line. The reply arrives after the server's settle delay.
func (c *Client) Trigger(ctx context.Context, payload []byte) (TriggerResponse, error) {
	if len(payload) == 0 {
		payload = DefaultPayload
	}
	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.controlAddr)
	if err != nil {
		return TriggerResponse{}, fmt.Errorf("dial control port: %w", err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c.logger.Debug("sending trigger", "addr", c.controlAddr, "bytes", len(payload))
	if _, err := conn.Write(payload); err != nil {
		return TriggerResponse{}, fmt.Errorf("write trigger: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return TriggerResponse{}, ctx.Err()
		}
		return TriggerResponse{}, fmt.Errorf("read status: %w", err)
	}
	var resp TriggerResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return TriggerResponse{}, fmt.Errorf("decode status: %w", err)
	}
	return resp, nil
}

// IsReachable checks if the admin API is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Admin API unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Status fetches the child status from the admin API.
func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/status", &out)
	return out, err
}

// Spawn asks the admin API to spawn the child if absent.
func (c *Client) Spawn(ctx context.Context) (SpawnResponse, error) {
	var out SpawnResponse
	err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/spawn", &out)
	if err == nil && out.Error != "" {
		err = errors.New(out.Error)
	}
	return out, err
}

// doJSON performs the request and decodes the body into out, also for error
// statuses whose body carries an error field.
func (c *Client) doJSON(ctx context.Context, method, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError && resp.StatusCode != http.StatusServiceUnavailable && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402
		return tlsConfig, nil
	}
	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402
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
