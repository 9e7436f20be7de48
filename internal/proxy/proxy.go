// Package proxy forwards privileged REST calls from peers to the Jupyter
// server and unicasts the response back to the originating peer.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lakeview-labs/notebridge/pkg/protocol"
)

// maxResponseBody caps what the proxy will buffer from Jupyter before
// relaying it over the data channel.
const maxResponseBody = 16 << 20

// Unicaster delivers reply frames to peers.
type Unicaster interface {
	SendTo(peerID string, frame []byte) bool
}

// AuthApplier stamps default Jupyter auth headers onto a request.
// Caller-supplied headers win.
type AuthApplier interface {
	ApplyAuth(h http.Header)
}

// Config configures a Proxy.
type Config struct {
	// BaseURL is the Jupyter base URL used for relative request URLs.
	BaseURL string

	// Auth applies the gateway's Jupyter credentials.
	Auth AuthApplier

	// Unicast delivers reply frames.
	Unicast Unicaster

	// Client is the HTTP client for proxied requests. If nil, a dedicated
	// client with a 60s timeout is used. Proxy traffic never shares
	// connections with the kernel bridge.
	Client *http.Client

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Proxy executes sudo_http_request frames. Each request runs on its own
// goroutine so a slow Jupyter endpoint cannot stall frame routing.
type Proxy struct {
	cfg Config
	log *slog.Logger

	inFlight  atomic.Int64
	completed atomic.Uint64
	failures  atomic.Uint64
}

// New creates a Proxy.
func New(cfg Config) *Proxy {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 60 * time.Second}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Proxy{
		cfg: cfg,
		log: log.With("component", "proxy"),
	}
}

// Stats is a snapshot of proxy counters for the status endpoint.
type Stats struct {
	InFlight  int64  `json:"in_flight"`
	Completed uint64 `json:"completed"`
	Failures  uint64 `json:"failures"`
}

// Stats returns a snapshot of the proxy counters.
func (p *Proxy) Stats() Stats {
	return Stats{
		InFlight:  p.inFlight.Load(),
		Completed: p.completed.Load(),
		Failures:  p.failures.Load(),
	}
}

// HandleRequest validates a sudo_http_request frame and executes it
// asynchronously. The reply frame's action is the caller's requestTag,
// falling back to msgId, so the browser can match it without a
// correlation table.
func (p *Proxy) HandleRequest(peerID string, f *protocol.Frame) {
	tag := f.RequestTag
	if tag == "" {
		tag = f.MsgID
	}
	if tag == "" {
		tag = "sudo_http_response"
	}

	method := strings.ToUpper(f.Method)
	if method == "" {
		method = http.MethodGet
	}
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		p.reply(peerID, tag, f.MsgID, http.StatusBadRequest, nil,
			fmt.Sprintf("method %q not allowed", f.Method))
		return
	}
	if f.URL == "" {
		p.reply(peerID, tag, f.MsgID, http.StatusBadRequest, nil, "url is required")
		return
	}

	url := p.composeURL(f.URL)
	body := requestBody(f.Body, method)
	headers := f.Headers
	msgID := f.MsgID

	p.inFlight.Add(1)
	go func() {
		defer p.inFlight.Add(-1)
		p.execute(peerID, tag, msgID, method, url, headers, body)
	}()
}

// execute performs one proxied request and unicasts the reply.
func (p *Proxy) execute(peerID, tag, msgID, method, url string, headers map[string]string, body []byte) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		p.failures.Add(1)
		p.reply(peerID, tag, msgID, http.StatusInternalServerError, nil, err.Error())
		return
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if p.cfg.Auth != nil {
		p.cfg.Auth.ApplyAuth(req.Header)
	}

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		p.failures.Add(1)
		p.log.Warn("proxied request failed", "peer_id", peerID, "method", method, "url", url, "error", err)
		p.reply(peerID, tag, msgID, http.StatusInternalServerError, nil, err.Error())
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		p.failures.Add(1)
		p.reply(peerID, tag, msgID, http.StatusInternalServerError, nil, err.Error())
		return
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	p.completed.Add(1)
	p.log.Debug("proxied request done", "peer_id", peerID, "method", method, "url", url, "status", resp.StatusCode)
	p.replyRaw(peerID, tag, msgID, resp.StatusCode, respHeaders, data)
}

// composeURL resolves relative request URLs against the Jupyter base,
// collapsing duplicate slashes at the join.
func (p *Proxy) composeURL(raw string) string {
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return raw
	}
	return p.cfg.BaseURL + "/" + strings.TrimLeft(raw, "/")
}

// requestBody serialises a frame body for the wire. A JSON string body is
// unwrapped (so pre-serialised JSON passes through un-escaped, and
// anything else goes out as raw bytes). A missing body on a mutating
// method becomes an empty JSON object, which several Jupyter endpoints
// insist on.
func requestBody(body json.RawMessage, method string) []byte {
	if len(body) == 0 || string(body) == "null" {
		switch method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			return []byte("{}")
		}
		return nil
	}

	var s string
	if err := json.Unmarshal(body, &s); err == nil {
		return []byte(s)
	}
	return body
}

// reply sends an error-style reply whose data field is a plain string.
func (p *Proxy) reply(peerID, tag, msgID string, status int, headers map[string]string, errMsg string) {
	data, err := json.Marshal(errMsg)
	if err != nil {
		return
	}
	p.replyRaw(peerID, tag, msgID, status, headers, data)
}

// replyRaw sends the reply frame. The body is embedded as JSON when valid
// and as a string otherwise.
func (p *Proxy) replyRaw(peerID, tag, msgID string, status int, headers map[string]string, body []byte) {
	var data json.RawMessage
	if len(bytes.TrimSpace(body)) > 0 && json.Valid(body) {
		data = body
	} else {
		quoted, err := json.Marshal(string(body))
		if err != nil {
			return
		}
		data = quoted
	}

	frame, err := json.Marshal(map[string]any{
		"action":  tag,
		"status":  status,
		"headers": headers,
		"data":    data,
		"msgId":   msgID,
	})
	if err != nil {
		p.log.Error("encoding proxy reply", "error", err)
		return
	}
	p.cfg.Unicast.SendTo(peerID, frame)
}
