package mcpgobackend

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/nostrmcp/bridge"
	"github.com/nostrmcp/bridge/server"
)

// internalErrorCode is the generic JSON-RPC internal-error code, distinct
// from the CEP-8 payment error code (bridge.CodePaymentError) since
// nothing here is payment-related.
const internalErrorCode = -32603

// Backend adapts a downstream MCP server reached over HTTP into a
// server.McpBackend, dispatching by JSON-RPC method onto mcp-go's typed
// client.Client calls (spec §4.G: "the MCP client transport the gateway
// forwards requests to").
type Backend struct {
	client *client.Client

	messages chan *bridge.Message
	errs     chan error
}

// NewHTTPBackend builds a backend that forwards to a downstream MCP server
// at serverURL, speaking the Streamable-HTTP JSON-RPC dialect via an
// httpTransport (no SSE, no sampling).
func NewHTTPBackend(serverURL string, httpClient *http.Client) (*Backend, error) {
	t, err := newHTTPTransport(serverURL, httpClient)
	if err != nil {
		return nil, err
	}
	return &Backend{
		client:   client.NewClient(t),
		messages: make(chan *bridge.Message, 32),
		errs:     make(chan error, 32),
	}, nil
}

func (b *Backend) Start(ctx context.Context) error { return b.client.Start(ctx) }
func (b *Backend) Close() error                    { return b.client.Close() }

func (b *Backend) OnMessage() <-chan *bridge.Message { return b.messages }
func (b *Backend) OnError() <-chan error             { return b.errs }

// Send dispatches a forwarded request by method, asynchronously: the
// downstream call runs in its own goroutine and its result, or a JSON-RPC
// error response when the call fails, is delivered later on OnMessage,
// carrying the original request's JSON-RPC id so the gateway can route the
// reply back to its client.
func (b *Backend) Send(ctx context.Context, msg *bridge.Message) error {
	if !msg.IsRequest() {
		// notifications/initialized is already sent downstream as part of
		// client.Client.Initialize's own handshake; nothing else to relay.
		return nil
	}
	go b.handle(msg)
	return nil
}

func (b *Backend) handle(msg *bridge.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), httpRequestTimeout)
	defer cancel()

	result, err := b.dispatch(ctx, msg)
	if err != nil {
		b.emitError(msg, err)
		return
	}
	raw, err := json.Marshal(result)
	if err != nil {
		b.emitError(msg, fmt.Errorf("marshal downstream result: %w", err))
		return
	}

	resp := &bridge.Message{JSONRPC: "2.0", ID: msg.ID, Result: raw}
	select {
	case b.messages <- resp:
	default:
		log.Printf("mcpgobackend: dropping response for %s: message channel full", msg.ID.String())
	}
}

func (b *Backend) emitError(msg *bridge.Message, err error) {
	resp := &bridge.Message{
		JSONRPC: "2.0",
		ID:      msg.ID,
		Error:   &bridge.RPCError{Code: internalErrorCode, Message: err.Error()},
	}
	select {
	case b.messages <- resp:
	default:
		log.Printf("mcpgobackend: dropping error response for %s: message channel full", msg.ID.String())
	}
}

// dispatch translates msg into the matching typed mcp-go client call. Only
// the operations exercised by this bridge's gateway are supported;
// resources/prompts methods are left for a future adapter since this
// bridge has no grounded reference for their request/result shapes.
func (b *Backend) dispatch(ctx context.Context, msg *bridge.Message) (any, error) {
	switch msg.Method {
	case "initialize":
		var req mcp.InitializeRequest
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &req.Params); err != nil {
				return nil, fmt.Errorf("decode initialize params: %w", err)
			}
		}
		return b.client.Initialize(ctx, req)
	case "tools/list":
		return b.client.ListTools(ctx, mcp.ListToolsRequest{})
	case "tools/call":
		var req mcp.CallToolRequest
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &req.Params); err != nil {
				return nil, fmt.Errorf("decode tools/call params: %w", err)
			}
		}
		return b.client.CallTool(ctx, req)
	default:
		return nil, fmt.Errorf("mcpgobackend: unsupported method %q", msg.Method)
	}
}

var _ server.McpBackend = (*Backend)(nil)
