// Package jupyter is the gateway's client for the local Jupyter server:
// the REST surface (kernels, contents) and the kernel channels websocket.
package jupyter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// Kernel describes a kernel as returned by the Jupyter kernels API.
type Kernel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ExecutionState string `json:"execution_state,omitempty"`
}

// Client talks to one Jupyter server. It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *slog.Logger
}

// NewClient creates a Client for the Jupyter server at baseURL. The token
// is sent as "Authorization: Token <token>" on every request.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logger.With("component", "jupyter"),
	}
}

// BaseURL returns the configured Jupyter base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ApplyAuth sets the default Jupyter auth headers on h. Existing values
// are left untouched so callers can override them.
func (c *Client) ApplyAuth(h http.Header) {
	if c.token != "" && h.Get("Authorization") == "" {
		h.Set("Authorization", "Token "+c.token)
	}
}

// KernelExists reports whether the kernel id is known to the server.
func (c *Client) KernelExists(ctx context.Context, kernelID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/kernels/"+url.PathEscape(kernelID), nil)
	if err != nil {
		return false, fmt.Errorf("building kernel lookup request: %w", err)
	}
	c.ApplyAuth(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("querying kernel %s: %w", kernelID, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("kernel lookup returned status %d", resp.StatusCode)
	}
}

// CreateKernel starts a new kernel with the given spec name and returns
// it. The server assigns the id.
func (c *Client) CreateKernel(ctx context.Context, name string) (*Kernel, error) {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return nil, fmt.Errorf("encoding kernel spec: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/kernels", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building kernel create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.ApplyAuth(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("creating kernel: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("kernel create returned status %d: %s", resp.StatusCode, msg)
	}

	var k Kernel
	if err := json.NewDecoder(resp.Body).Decode(&k); err != nil {
		return nil, fmt.Errorf("decoding kernel create response: %w", err)
	}
	if k.ID == "" {
		return nil, fmt.Errorf("kernel create response has no id")
	}

	c.log.Info("kernel created", "kernel_id", k.ID, "name", k.Name)
	return &k, nil
}

// EnsureKernel returns the id of a live kernel: the requested one when the
// server knows it, otherwise a freshly created python3 kernel. The
// returned id may differ from the requested one; callers must rebind.
func (c *Client) EnsureKernel(ctx context.Context, kernelID string) (string, error) {
	if kernelID != "" {
		exists, err := c.KernelExists(ctx, kernelID)
		if err != nil {
			return "", err
		}
		if exists {
			return kernelID, nil
		}
		c.log.Info("kernel not found, creating a new one", "requested_id", kernelID)
	}

	k, err := c.CreateKernel(ctx, "python3")
	if err != nil {
		return "", err
	}
	return k.ID, nil
}

// SaveNotebook PUTs notebook JSON to /api/contents/{path}.
func (c *Client) SaveNotebook(ctx context.Context, path string, content json.RawMessage) error {
	body, err := json.Marshal(map[string]any{
		"type":    "notebook",
		"path":    path,
		"content": content,
	})
	if err != nil {
		return fmt.Errorf("encoding notebook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/api/contents/"+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building contents request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.ApplyAuth(req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("saving notebook %s: %w", path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notebook save returned status %d", resp.StatusCode)
	}

	c.log.Debug("notebook saved", "path", path)
	return nil
}

// channelsURL converts the REST base URL into the websocket URL for a
// kernel's multiplexed channels endpoint.
func (c *Client) channelsURL(kernelID string) string {
	wsBase := c.baseURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	return wsBase + "/api/kernels/" + url.PathEscape(kernelID) + "/channels"
}

// DialChannels opens the kernel's channels websocket. The returned
// connection carries Jupyter messaging (v5) JSON frames.
func (c *Client) DialChannels(ctx context.Context, kernelID string) (*ChannelsConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{
			"Authorization": []string{"Token " + c.token},
		}
	}

	conn, _, err := websocket.Dial(dialCtx, c.channelsURL(kernelID), opts)
	if err != nil {
		return nil, fmt.Errorf("dialing kernel channels for %s: %w", kernelID, err)
	}

	// Kernel output bursts (large display_data payloads) can exceed the
	// library default read limit.
	conn.SetReadLimit(32 << 20)

	c.log.Info("kernel channels connected", "kernel_id", kernelID)
	return &ChannelsConn{conn: conn}, nil
}

// ChannelsConn wraps the kernel channels websocket with a byte-oriented
// surface. It satisfies the kernel bridge's Socket interface.
type ChannelsConn struct {
	conn *websocket.Conn
}

// Read returns the next message from the kernel.
func (c *ChannelsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write sends one message to the kernel.
func (c *ChannelsConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Ping checks connection liveness.
func (c *ChannelsConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close closes the websocket with a normal closure status.
func (c *ChannelsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
