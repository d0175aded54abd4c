package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"
)

// requestContext is spec §3's "originalRequestContext" kept alongside a
// pending request: enough to describe, after the fact, what the request
// that triggered a payment_required/rejected notification actually was.
type requestContext struct {
	method     string
	capability *Capability
}

// pendingRequest is what the correlation store keeps per outstanding
// request: enough to restore the original JSON-RPC id and route the
// eventual response/notification back to the right waiter.
type pendingRequest struct {
	originalRequestID RPCID
	isInitialize      bool
	progressToken     any
	sentAt            time.Time

	originalRequestContext requestContext
}

// deriveCapability infers the Capability a request targets from its method
// and params, mirroring the server side's Capability identifiers (tool:name,
// prompt:name, resource:uri) so a client-side decline error can report the
// same capability the server priced the request against (spec §4.Q,
// scenario S2's data:{...,capability:"tool:add"}).
func deriveCapability(method string, params json.RawMessage) *Capability {
	var named struct {
		Name string `json:"name"`
		URI  string `json:"uri"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &named)
	}
	switch method {
	case "tools/call":
		if named.Name == "" {
			return nil
		}
		cap := ToolCapability(named.Name)
		return &cap
	case "prompts/get":
		if named.Name == "" {
			return nil
		}
		cap := PromptCapability(named.Name)
		return &cap
	case "resources/read":
		if named.URI == "" {
			return nil
		}
		cap := ResourceCapability(named.URI)
		return &cap
	default:
		return nil
	}
}

// ClientTransportConfig holds the static configuration a ClientTransport is
// built from (spec §4.C).
type ClientTransportConfig struct {
	ServerPubKey    string
	Encryption      EncryptionMode
	GiftWrap        GiftWrapMode
	Stateless       bool
	CorrelationSize int
	SeenEventsSize  int
	DecryptTimeout  time.Duration
}

// ClientTransport implements Transport on top of BaseTransport, mapping
// outgoing JSON-RPC messages to signed/sealed events addressed to a single
// server pubkey and correlating responses back by outer event id (spec
// §4.C).
type ClientTransport struct {
	*BaseTransport
	cfg ClientTransportConfig

	ownSub func()

	correlation *boundedStore[string, *pendingRequest]
	progressIdx *keyedIndex[any, string]
	seenEvents  *boundedStore[string, struct{}]

	serverAdvertisesEphemeral bool
	initializeEventID         string

	clientPMIs []string
}

// NewClientTransport wires signer/pool/config into a ready-to-Start
// ClientTransport.
func NewClientTransport(pool *RelayPool, signer Signer, cfg ClientTransportConfig) *ClientTransport {
	if cfg.DecryptTimeout <= 0 {
		cfg.DecryptTimeout = 5 * time.Second
	}
	ct := &ClientTransport{
		BaseTransport: NewBaseTransport(pool, signer, cfg.Encryption, 0),
		cfg:           cfg,
		progressIdx:   newKeyedIndex[any, string](),
	}
	ct.correlation = newBoundedStore[string, *pendingRequest](cfg.CorrelationSize, func(key string, _ *pendingRequest) {
		ct.forgetProgressIndexFor(key)
	})
	ct.seenEvents = newBoundedStore[string, struct{}](cfg.SeenEventsSize, nil)
	return ct
}

func (ct *ClientTransport) forgetProgressIndexFor(correlationKey string) {
	for tok, key := range ct.progressIdx.byIndex {
		if key == correlationKey {
			delete(ct.progressIdx.byIndex, tok)
		}
	}
}

// SetClientPmis injects the PMI preference list; called by the payments
// wrapper (spec §4.C setClientPmis).
func (ct *ClientTransport) SetClientPmis(pmis []string) {
	ct.clientPMIs = pmis
}

// Start connects, then subscribes with filter {"#p":[ownPubkey],
// kinds:[application,persistent-gw,ephemeral-gw], since:now}.
func (ct *ClientTransport) Start(ctx context.Context) error {
	if err := ct.Connect(ctx); err != nil {
		return err
	}
	ownPubKey := ct.Signer.PublicKey()
	filters, _ := json.Marshal(map[string]any{
		"#p":    []string{ownPubKey},
		"kinds": []int{KindApplicationMessage, KindGiftWrapPersistent, KindGiftWrapEphemeral},
		"since": time.Now().Unix(),
	})
	unsub, err := ct.Subscribe("client-inbound-"+ownPubKey, filters, ct.handleInboundEvent)
	if err != nil {
		return err
	}
	ct.ownSub = unsub
	return nil
}

// Send implements the stateless-initialize emulation and otherwise builds
// recipient/pmi tags, picks a gift-wrap kind, and sends via SendMcpMessage
// with an onEventCreated that registers correlation state (spec §4.C).
func (ct *ClientTransport) Send(ctx context.Context, msg *Message) error {
	if ct.cfg.Stateless && msg.Method == "initialize" {
		go ct.deliverStatelessInitialize(msg.ID)
		return nil
	}
	if ct.cfg.Stateless && msg.Method == "notifications/initialized" {
		return nil
	}

	tags := [][]string{{"p", ct.cfg.ServerPubKey}}
	for _, pmi := range ct.clientPMIs {
		tags = append(tags, []string{"pmi", pmi})
	}

	mode := ResolveGiftWrapMode(ct.cfg.GiftWrap, ct.serverAdvertisesEphemeral)
	kind := giftWrapKind(mode)
	isEncrypted := ct.cfg.Encryption != EncryptionDisabled

	progressToken, _ := progressTokenFromParams(msg.Params)
	isInitialize := msg.Method == "initialize"
	originalID := msg.ID
	reqCtx := requestContext{method: msg.Method, capability: deriveCapability(msg.Method, msg.Params)}

	return ct.SendMcpMessage(ctx, msg, ct.cfg.ServerPubKey, kind, tags, isEncrypted, func(innerEventID string) {
		ct.correlation.Put(innerEventID, &pendingRequest{
			originalRequestID:      originalID,
			isInitialize:           isInitialize,
			progressToken:          progressToken,
			sentAt:                 time.Now(),
			originalRequestContext: reqCtx,
		})
		if progressToken != nil {
			ct.progressIdx.Set(progressToken, innerEventID)
		}
	})
}

func (ct *ClientTransport) deliverStatelessInitialize(id RPCID) {
	result, _ := json.Marshal(map[string]any{
		"protocolVersion": "2025-06-18",
		"serverInfo":      map[string]any{"name": "nostrmcp-bridge", "version": "0.1.0"},
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
			"resources": map[string]any{"listChanged": true, "subscribe": true},
		},
	})
	msg := &Message{JSONRPC: "2.0", ID: id, Result: result}
	ct.sinks.emitMessage(msg)
}

// Close shuts down the task queue, unsubscribes, disconnects, clears
// correlation + dedup state, and fires onclose (spec §4.C close()).
func (ct *ClientTransport) Close() error {
	ct.UnsubscribeAll()
	if err := ct.Disconnect(); err != nil {
		log.Printf("client transport: disconnect error: %v", err)
	}
	ct.correlation.Purge()
	ct.seenEvents.Purge()
	ct.BaseTransport.Close()
	return nil
}

// handleInboundEvent implements the §4.C inbound routing steps.
func (ct *ClientTransport) handleInboundEvent(evt *Event) {
	working := evt
	if IsGiftWrapKind(evt.Kind) {
		if _, seen := ct.seenEvents.Get(evt.ID); seen {
			return
		}
		ct.seenEvents.Put(evt.ID, struct{}{})

		dctx, cancel := context.WithTimeout(context.Background(), ct.cfg.DecryptTimeout)
		inner, err := DecryptGiftWrap(dctx, evt, ct.Signer)
		cancel()
		if err != nil {
			ct.sinks.emitError(fmt.Errorf("client transport: decrypt gift wrap: %w", err))
			return
		}
		working = inner
	}

	if working.PubKey != ct.cfg.ServerPubKey {
		return
	}

	eTag, _ := working.TagValue("e")

	if ct.initializeEventID == "" && isInitializeResultEvent(working) {
		ct.initializeEventID = working.ID
	}

	msg, err := EventContentToMCP(working, 0)
	if err != nil {
		log.Printf("client transport: dropping malformed/oversize event %s: %v", working.ID, err)
		return
	}

	switch {
	case msg.IsResponse():
		ct.routeResponse(msg, eTag)
	case msg.IsNotification():
		ct.sinks.emitMessage(msg)
		ct.sinks.emitMessageWithContext(msg, MessageContext{EventID: working.ID, CorrelatedEventID: eTag})
	default:
		log.Printf("client transport: dropping event %s: not a response or notification", working.ID)
	}
}

func (ct *ClientTransport) routeResponse(msg *Message, eTag string) {
	if eTag == "" {
		log.Printf("client transport: dropping response with no e-tag")
		return
	}
	pending, ok := ct.correlation.Get(eTag)
	if !ok {
		log.Printf("client transport: response correlates to unknown request %s, dropping", eTag)
		return
	}
	ct.correlation.Remove(eTag)
	if pending.progressToken != nil {
		ct.progressIdx.DeleteByKey(pending.progressToken)
	}

	msg.ID = pending.originalRequestID
	ct.sinks.emitMessage(msg)
}

func isInitializeResultEvent(e *Event) bool {
	if e.Kind != KindApplicationMessage {
		return false
	}
	var probe struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal([]byte(e.Content), &probe); err != nil || len(probe.Result) == 0 {
		return false
	}
	var initResult struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(probe.Result, &initResult); err != nil {
		return false
	}
	return initResult.ProtocolVersion != ""
}
