// Package mcpgobackend adapts a plain downstream MCP server (reached over
// HTTP, speaking the Streamable-HTTP JSON-RPC dialect) into the bridge's
// server.McpBackend interface, using mark3labs/mcp-go's client package for
// the actual JSON-RPC method typing instead of hand-rolled wire structs
// (grounded on the teacher's own transport.go, stripped of x402's payment
// injection and SSE streaming since neither applies here).
package mcpgobackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

const httpRequestTimeout = 30 * time.Second

// httpTransport implements mcp-go's client/transport.Interface over a
// single JSON request/response per call. It does not support the
// text/event-stream SSE mode or server-initiated sampling requests; a
// downstream server that requires either needs a richer transport than
// this bridge's gateway currently exercises.
type httpTransport struct {
	serverURL  *url.URL
	httpClient *http.Client

	sessionID       atomic.Value
	protocolVersion atomic.Value

	notifyMu            sync.RWMutex
	notificationHandler func(mcp.JSONRPCNotification)

	requestMu      sync.RWMutex
	requestHandler transport.RequestHandler

	closed chan struct{}
}

func newHTTPTransport(serverURL string, httpClient *http.Client) (*httpTransport, error) {
	parsed, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: httpRequestTimeout}
	}
	t := &httpTransport{serverURL: parsed, httpClient: httpClient, closed: make(chan struct{})}
	t.sessionID.Store("")
	t.protocolVersion.Store("")
	return t, nil
}

func (t *httpTransport) Start(ctx context.Context) error { return nil }

func (t *httpTransport) Close() error {
	select {
	case <-t.closed:
	default:
		close(t.closed)
	}
	return nil
}

func (t *httpTransport) SetProtocolVersion(version string) { t.protocolVersion.Store(version) }

func (t *httpTransport) GetSessionId() string {
	if v, ok := t.sessionID.Load().(string); ok {
		return v
	}
	return ""
}

func (t *httpTransport) SetNotificationHandler(handler func(mcp.JSONRPCNotification)) {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()
	t.notificationHandler = handler
}

func (t *httpTransport) SetRequestHandler(handler transport.RequestHandler) {
	t.requestMu.Lock()
	defer t.requestMu.Unlock()
	t.requestHandler = handler
}

func (t *httpTransport) SendRequest(ctx context.Context, request transport.JSONRPCRequest) (*transport.JSONRPCResponse, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := t.post(ctx, body)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("downstream server returned status %d: %s", resp.StatusCode, respBody)
	}

	if request.Method == string(mcp.MethodInitialize) {
		if sessionID := resp.Header.Get(transport.HeaderKeySessionID); sessionID != "" {
			t.sessionID.Store(sessionID)
		}
	}

	var response transport.JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if response.ID.IsNil() {
		return nil, fmt.Errorf("response should contain RPC id: %v", response)
	}
	return &response, nil
}

func (t *httpTransport) SendNotification(ctx context.Context, notification mcp.JSONRPCNotification) error {
	body, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	resp, err := t.post(ctx, body)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notification failed with status %d: %s", resp.StatusCode, respBody)
	}
	return nil
}

func (t *httpTransport) post(ctx context.Context, body []byte) (*http.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.serverURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if sessionID := t.GetSessionId(); sessionID != "" {
		req.Header.Set(transport.HeaderKeySessionID, sessionID)
	}
	if version, ok := t.protocolVersion.Load().(string); ok && version != "" {
		req.Header.Set(transport.HeaderKeyProtocolVersion, version)
	}
	return t.httpClient.Do(req)
}

var _ transport.Interface = (*httpTransport)(nil)
