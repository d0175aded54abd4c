package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nostrmcp/bridge"
)

// announcementRequestID is the reserved JSON-RPC id used for the internal
// handshake sequence the server transport runs against its own `onmessage`
// when configured as a public server (spec §4.V "Announcements").
const announcementRequestID = "announcement"

// ServerProfile carries the tags published alongside capability
// announcements (spec §4.V: "server-profile tags (name, about, website,
// picture, and an encryption-support marker)").
type ServerProfile struct {
	Name              string
	About             string
	Website           string
	Picture           string
	SupportsEncryption bool
}

// ServerTransportConfig is the static configuration a ServerTransport is
// built from.
type ServerTransportConfig struct {
	Encryption       bridge.EncryptionMode
	GiftWrap         bridge.GiftWrapMode
	IsPublicServer   bool
	Profile          ServerProfile
	HandshakeTimeout time.Duration
	SessionStoreSize int
	RouteStoreSize   int
	DecryptTimeout   time.Duration
	DedupSize        int
}

// ServerTransport implements bridge.Transport on the server side (spec
// §4.V): subscribes for events addressed to the server pubkey, maintains a
// per-client session store and request route store, enforces the
// authorization policy, and (for public servers) runs an announcement
// handshake publishing capability-list events.
type ServerTransport struct {
	*bridge.BaseTransport
	cfg  ServerTransportConfig
	auth *AuthPolicy

	sessions *SessionStore
	routes   *RouteStore
	dedup    *lru.Cache[string, struct{}]

	ownSub func()

	mu                 sync.Mutex
	isInitialized      bool
	initDone           chan struct{}
	announcementWaiter chan *bridge.Message
}

// NewServerTransport wires signer/pool/policy/config into a ready-to-Start
// ServerTransport.
func NewServerTransport(pool *bridge.RelayPool, signer bridge.Signer, auth *AuthPolicy, cfg ServerTransportConfig) *ServerTransport {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.DecryptTimeout <= 0 {
		cfg.DecryptTimeout = 5 * time.Second
	}
	if cfg.DedupSize <= 0 {
		cfg.DedupSize = 4096
	}
	st := &ServerTransport{
		BaseTransport: bridge.NewBaseTransport(pool, signer, cfg.Encryption, 0),
		cfg:           cfg,
		auth:          auth,
		initDone:      make(chan struct{}),
	}
	st.sessions = NewSessionStore(cfg.SessionStoreSize, nil, st.onSessionEvicted)
	st.routes = NewRouteStore(cfg.RouteStoreSize)
	dedup, _ := lru.New[string, struct{}](cfg.DedupSize)
	st.dedup = dedup
	return st
}

// SetShouldEvictSession installs a veto hook: returning false re-inserts
// the session instead of evicting it (spec §4.V).
func (st *ServerTransport) SetShouldEvictSession(f func(*ClientSession) bool) {
	st.sessions.shouldEvict = f
}

func (st *ServerTransport) SetOnClientSessionEvicted(f func(clientPubKey string)) {
	st.sessions.onEvicted = f
}

func (st *ServerTransport) onSessionEvicted(clientPubKey string) {
	st.routes.RemoveForClient(clientPubKey)
}

// Start connects, subscribes under the server's own pubkey, and kicks off
// the announcement handshake if configured as a public server.
func (st *ServerTransport) Start(ctx context.Context) error {
	if err := st.Connect(ctx); err != nil {
		return err
	}
	ownPubKey := st.Signer.PublicKey()
	filters, _ := json.Marshal(map[string]any{
		"#p":    []string{ownPubKey},
		"kinds": []int{bridge.KindApplicationMessage, bridge.KindGiftWrapPersistent, bridge.KindGiftWrapEphemeral},
		"since": time.Now().Unix(),
	})
	unsub, err := st.Subscribe("server-inbound-"+ownPubKey, filters, st.handleInboundEvent)
	if err != nil {
		return err
	}
	st.ownSub = unsub

	if st.cfg.IsPublicServer {
		go st.runAnnouncementHandshake()
	}
	return nil
}

func (st *ServerTransport) Close() error {
	st.UnsubscribeAll()
	if err := st.Disconnect(); err != nil {
		log.Printf("server transport: disconnect error: %v", err)
	}
	st.sessions.Purge()
	st.routes.Purge()
	st.dedup.Purge()
	st.BaseTransport.Close()
	return nil
}

func (st *ServerTransport) handleInboundEvent(evt *bridge.Event) {
	working := evt
	if bridge.IsGiftWrapKind(evt.Kind) {
		dctx, cancel := context.WithTimeout(context.Background(), st.cfg.DecryptTimeout)
		inner, err := bridge.DecryptGiftWrap(dctx, evt, st.Signer)
		cancel()
		if err != nil {
			st.EmitError(fmt.Errorf("server transport: decrypt gift wrap: %w", err))
			return
		}
		working = inner
	}

	if _, dup := st.dedup.Get(working.ID); dup {
		return
	}
	st.dedup.Add(working.ID, struct{}{})

	msg, err := bridge.EventContentToMCP(working, 0)
	if err != nil {
		log.Printf("server transport: dropping malformed/oversize event %s: %v", working.ID, err)
		return
	}

	capName := capabilityNameFromParams(msg.Params)
	decision := st.auth.Evaluate(working.PubKey, msg, capName)
	if !decision.Allowed {
		if decision.EmitUnauthorized {
			st.publishUnauthorized(working.PubKey, msg.ID, working.ID)
		}
		return
	}

	sess := st.sessions.GetOrCreate(working.PubKey)
	sess.LastActivity = time.Now()
	sess.IsEncrypted = working != evt

	if msg.IsRequest() {
		progressToken, _ := progressTokenFromParams(msg.Params)
		st.routes.Register(working.ID, &EventRoute{
			ClientPubKey:      working.PubKey,
			OriginalRequestID: msg.ID,
			ProgressToken:     progressToken,
		})
		msg.ID = bridge.NewRPCID(working.ID)
		st.EmitMessageWithContext(msg, bridge.MessageContext{EventID: working.ID})
		st.EmitMessage(msg)
		return
	}

	if msg.Method == "notifications/initialized" {
		sess.IsInitialized = true
	}
	st.EmitMessage(msg)
	st.EmitMessageWithContext(msg, bridge.MessageContext{EventID: working.ID})
}

func progressTokenFromParams(params json.RawMessage) (any, bool) {
	if len(params) == 0 {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(params, &m); err != nil {
		return nil, false
	}
	meta, _ := m["_meta"].(map[string]any)
	if meta == nil {
		return nil, false
	}
	tok, ok := meta["progressToken"]
	return tok, ok
}

// idAsString unwraps an RPCID known to carry a JSON string value (every id
// this transport mints is a string: either "announcement" or an outer
// event id hex string). bridge.RPCID.String() returns the raw JSON
// (quoted); this returns the unquoted value.
func idAsString(id bridge.RPCID) string {
	var s string
	json.Unmarshal([]byte(id.String()), &s)
	return s
}

func capabilityNameFromParams(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var m struct {
		Name string `json:"name"`
	}
	json.Unmarshal(params, &m)
	return m.Name
}

func (st *ServerTransport) publishUnauthorized(clientPubKey string, originalID bridge.RPCID, requestEventID string) {
	errMsg := &bridge.Message{
		JSONRPC: "2.0",
		ID:      originalID,
		Error:   &bridge.RPCError{Code: bridge.CodePaymentError, Message: bridge.MsgUnauthorized},
	}
	st.publishResponse(context.Background(), clientPubKey, requestEventID, errMsg)
}

// Send routes an outgoing response by looking up its route (the response
// id is the outer request event id the transport stamped in), or fans a
// notification out via progress-token routing or a broadcast to every
// initialized session (spec §4.V send()).
func (st *ServerTransport) Send(ctx context.Context, msg *Message) error {
	if msg.IsResponse() && idAsString(msg.ID) == announcementRequestID {
		st.mu.Lock()
		waiter := st.announcementWaiter
		st.mu.Unlock()
		if waiter != nil {
			select {
			case waiter <- msg:
			default:
			}
		}
		return nil
	}

	if msg.IsResponse() {
		requestEventID := idAsString(msg.ID)
		route, ok := st.routes.Pop(requestEventID)
		if !ok {
			return fmt.Errorf("server transport: no route for response id %s", requestEventID)
		}
		msg.ID = route.OriginalRequestID
		return st.publishResponse(ctx, route.ClientPubKey, requestEventID, msg)
	}

	if msg.Method == "notifications/progress" {
		if tok, ok := progressTokenFromParams(msg.Params); ok {
			if eventID, ok := st.routes.ByProgressToken(tok); ok {
				if route, ok := st.routes.Get(eventID); ok {
					return st.SendNotification(ctx, route.ClientPubKey, msg, eventID)
				}
			}
		}
		return nil
	}

	return st.broadcastNotification(ctx, msg)
}

func (st *ServerTransport) publishResponse(ctx context.Context, clientPubKey, requestEventID string, msg *Message) error {
	tags := [][]string{{"p", clientPubKey}, {"e", requestEventID}}
	if msg.Result != nil && isSuccessfulInitializeResult(msg.Result) {
		tags = append(tags, serverProfileTags(st.cfg.Profile)...)
	}
	isEncrypted := st.cfg.Encryption != bridge.EncryptionDisabled
	kind := pickGiftWrapKind(st.cfg.GiftWrap)
	return st.SendMcpMessage(ctx, msg, clientPubKey, kind, tags, isEncrypted, nil)
}

// SendNotification publishes notification correlated to correlatedEventID
// via an e-tag (spec §4.V sendNotification, used by §4.P).
func (st *ServerTransport) SendNotification(ctx context.Context, clientPubKey string, msg *Message, correlatedEventID string) error {
	tags := [][]string{{"p", clientPubKey}}
	if correlatedEventID != "" {
		tags = append(tags, []string{"e", correlatedEventID})
	}
	isEncrypted := st.cfg.Encryption != bridge.EncryptionDisabled
	kind := pickGiftWrapKind(st.cfg.GiftWrap)
	return st.SendMcpMessage(ctx, msg, clientPubKey, kind, tags, isEncrypted, nil)
}

func (st *ServerTransport) broadcastNotification(ctx context.Context, msg *Message) error {
	var firstErr error
	for _, pubKey := range st.initializedClients() {
		if err := st.SendNotification(ctx, pubKey, msg, ""); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (st *ServerTransport) initializedClients() []string {
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []string
	st.sessions.mu.Lock()
	for _, key := range st.sessions.cache.Keys() {
		if sess, ok := st.sessions.cache.Peek(key); ok && sess.IsInitialized {
			out = append(out, key)
		}
	}
	st.sessions.mu.Unlock()
	return out
}

func isSuccessfulInitializeResult(result json.RawMessage) bool {
	var probe struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	return json.Unmarshal(result, &probe) == nil && probe.ProtocolVersion != ""
}

func serverProfileTags(p ServerProfile) [][]string {
	var tags [][]string
	if p.Name != "" {
		tags = append(tags, []string{"name", p.Name})
	}
	if p.About != "" {
		tags = append(tags, []string{"about", p.About})
	}
	if p.Website != "" {
		tags = append(tags, []string{"website", p.Website})
	}
	if p.Picture != "" {
		tags = append(tags, []string{"picture", p.Picture})
	}
	if p.SupportsEncryption {
		tags = append(tags, []string{"encryption", "supported"})
	}
	return tags
}

func pickGiftWrapKind(mode bridge.GiftWrapMode) int {
	if mode == bridge.GiftWrapEphemeral {
		return bridge.KindGiftWrapEphemeral
	}
	return bridge.KindGiftWrapPersistent
}

// Message is a local alias kept for readability within this file's
// method signatures; it is exactly bridge.Message.
type Message = bridge.Message
