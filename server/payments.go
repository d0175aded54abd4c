package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nostrmcp/bridge"
)

// PaymentsMiddlewareConfig is the static configuration for the server
// payments middleware (spec §4.P).
type PaymentsMiddlewareConfig struct {
	PricedCapabilities []PricedCapability
	Resolver           PriceResolver
	Processors         []PaymentProcessor // server-preferred order
	DefaultTTLSeconds  int64
}

// PaymentsMiddleware wraps a ServerTransport's onmessage, gating priced
// capabilities behind the quote/payment_required/verify/payment_accepted
// pipeline (spec §4.P). It sits between the transport's delivered messages
// and the caller's forward function: Handle(msg, ctx, forward).
type PaymentsMiddleware struct {
	server *ServerTransport
	cfg    PaymentsMiddlewareConfig

	processorsByPMI map[string]PaymentProcessor

	mu      sync.Mutex
	pending map[string]*PendingPayment // requestEventID -> entry
	group   singleflight.Group
}

// NewPaymentsMiddleware builds a middleware over server using cfg.
func NewPaymentsMiddleware(server *ServerTransport, cfg PaymentsMiddlewareConfig) *PaymentsMiddleware {
	byPMI := make(map[string]PaymentProcessor, len(cfg.Processors))
	for _, p := range cfg.Processors {
		byPMI[p.PMI()] = p
	}
	if cfg.DefaultTTLSeconds <= 0 {
		cfg.DefaultTTLSeconds = 120
	}
	return &PaymentsMiddleware{
		server:          server,
		cfg:             cfg,
		processorsByPMI: byPMI,
		pending:         make(map[string]*PendingPayment),
	}
}

// ForwardFunc delivers a request to the wrapped MCP backend once payment
// clears (or immediately, when the request isn't priced).
type ForwardFunc func(msg *bridge.Message) error

// RequestContext carries the per-message metadata the middleware needs:
// the originating client pubkey, its PMI preference order (from `pmi`
// tags), the capability the request targets, and the outer request event
// id it must dedup and correlate on.
type RequestContext struct {
	ClientPubKey   string
	ClientPMIs     []string
	Capability     bridge.Capability
	RequestEventID string
}

// Handle implements the (message, ctx, forward) -> error middleware shape
// (spec §4.P). Non-priced requests and non-request messages pass straight
// through to forward.
func (pm *PaymentsMiddleware) Handle(ctx context.Context, msg *bridge.Message, rctx RequestContext, forward ForwardFunc) error {
	if !msg.IsRequest() {
		return forward(msg)
	}

	priced, ok := pm.matchPricedCapability(rctx.Capability)
	if !ok {
		return forward(msg)
	}

	// The entry is claimed before any further work so that a concurrent
	// redelivery joins it instead of starting a second payment.
	pm.mu.Lock()
	if _, inflight := pm.pending[rctx.RequestEventID]; inflight {
		pm.mu.Unlock()
		return pm.joinInFlight(ctx, rctx, forward, msg)
	}
	entry := &PendingPayment{
		RequestEventID: rctx.RequestEventID,
		ClientPubKey:   rctx.ClientPubKey,
		Capability:     rctx.Capability,
		done:           make(chan struct{}),
	}
	pm.pending[rctx.RequestEventID] = entry
	pm.mu.Unlock()
	release := func(err error) {
		entry.err = err
		close(entry.done)
		pm.mu.Lock()
		delete(pm.pending, rctx.RequestEventID)
		pm.mu.Unlock()
	}

	// PMI negotiation (spec §4.P step 4) doesn't depend on the price
	// quote, so it runs ahead of the reject check: a policy rejection
	// still needs a pmi to report in notifications/payment_rejected.
	pmi := pm.selectPMI(rctx.ClientPMIs, priced)

	amount, description, rejected, rejectMsg, err := pm.resolvePrice(msg, rctx, priced, ok)
	if err != nil {
		release(err)
		return err
	}
	if rejected {
		release(bridge.ErrPaymentDeclined)
		pm.emitRejection(ctx, rctx, pmi, 0, rejectMsg)
		return pm.synthesizeDeclineResponse(ctx, msg, rctx, bridge.MsgPaymentDeclinedByServerPolicy)
	}

	processor, ok := pm.processorsByPMI[pmi]
	if !ok {
		perr := &bridge.PMISelectionError{ClientPMIs: rctx.ClientPMIs, ServerPMIs: pm.serverPMIOrder()}
		release(perr)
		return perr
	}
	entry.PMI = pmi
	entry.AmountMsats = amount

	err = pm.runPayment(ctx, processor, entry, msg, rctx, amount, description, forward)
	return err
}

func (pm *PaymentsMiddleware) joinInFlight(ctx context.Context, rctx RequestContext, forward ForwardFunc, msg *bridge.Message) error {
	pm.mu.Lock()
	entry := pm.pending[rctx.RequestEventID]
	pm.mu.Unlock()
	if entry == nil {
		return forward(msg)
	}
	select {
	case <-entry.done:
		if entry.err != nil {
			return entry.err
		}
		return forward(msg)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runPayment executes steps 5-8 of spec §4.P: createPaymentRequired,
// publish payment_required, verifyPayment with an overall deadline,
// payment_accepted + forward on success, fail-closed on any error.
func (pm *PaymentsMiddleware) runPayment(ctx context.Context, processor PaymentProcessor, entry *PendingPayment, msg *bridge.Message, rctx RequestContext, amount int64, description string, forward ForwardFunc) error {
	defer func() {
		close(entry.done)
		pm.mu.Lock()
		delete(pm.pending, rctx.RequestEventID)
		pm.mu.Unlock()
	}()

	result, err := processor.CreatePaymentRequired(CreatePaymentRequiredCtx{
		AmountMsats:    amount,
		Description:    description,
		RequestEventID: rctx.RequestEventID,
		ClientPubKey:   rctx.ClientPubKey,
	})
	if err != nil {
		entry.err = &bridge.PaymentError{Stage: "create", PMI: entry.PMI, Reason: "create payment failed", Wrapped: err}
		return entry.err
	}
	entry.PayReq = result.PayReq

	ttl := result.TTLSeconds
	if ttl <= 0 {
		ttl = pm.cfg.DefaultTTLSeconds
	}

	if err := pm.publishPaymentRequired(ctx, rctx, entry, result, description, ttl); err != nil {
		entry.err = err
		return err
	}

	deadline := time.Duration(ttl) * time.Second
	verifyCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- processor.VerifyPayment(VerifyPaymentCtx{PayReq: entry.PayReq, RequestEventID: rctx.RequestEventID, ClientPubKey: rctx.ClientPubKey, Abort: verifyCtx.Done()}) }()

	select {
	case verr := <-errc:
		if verr != nil {
			entry.err = &bridge.PaymentError{Stage: "verify", PMI: entry.PMI, Reason: "verification failed", Wrapped: verr}
			return entry.err
		}
	case <-verifyCtx.Done():
		entry.err = &bridge.PaymentError{Stage: "verify", PMI: entry.PMI, Reason: "ttl expired", Wrapped: bridge.ErrPaymentTTLExpired}
		return entry.err
	}

	pm.emitPaymentAccepted(ctx, rctx, entry)
	return forward(msg)
}

func (pm *PaymentsMiddleware) matchPricedCapability(cap bridge.Capability) (PricedCapability, bool) {
	method, name := splitCapability(cap)
	for _, pc := range pm.cfg.PricedCapabilities {
		if pc.Method == method && (pc.Name == "" || pc.Name == name) {
			return pc, true
		}
	}
	return PricedCapability{}, false
}

func splitCapability(cap bridge.Capability) (method, name string) {
	s := string(cap)
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:]
		}
	}
	return s, ""
}

func (pm *PaymentsMiddleware) resolvePrice(msg *bridge.Message, rctx RequestContext, priced PricedCapability, hasPriced bool) (amount int64, description string, rejected bool, rejectMsg string, err error) {
	if pm.cfg.Resolver != nil {
		res, rerr := pm.cfg.Resolver(rctx.Capability, msg, rctx.ClientPubKey, rctx.RequestEventID)
		if rerr != nil {
			return 0, "", false, "", rerr
		}
		if res.Reject {
			return 0, "", true, res.Message, nil
		}
		if res.AmountMsats > 0 {
			return res.AmountMsats, res.Description, false, "", nil
		}
	}
	if hasPriced {
		return priced.AmountMsats, priced.Description, false, "", nil
	}
	return 0, "", true, "no price available", nil
}

func (pm *PaymentsMiddleware) selectPMI(clientPMIs []string, priced PricedCapability) string {
	serverOrder := priced.PMIs
	if len(serverOrder) == 0 {
		for _, p := range pm.cfg.Processors {
			serverOrder = append(serverOrder, p.PMI())
		}
	}
	for _, want := range clientPMIs {
		for _, have := range serverOrder {
			if want == have {
				return want
			}
		}
	}
	if len(serverOrder) > 0 {
		return serverOrder[0]
	}
	return ""
}

func (pm *PaymentsMiddleware) serverPMIOrder() []string {
	out := make([]string, 0, len(pm.cfg.Processors))
	for _, p := range pm.cfg.Processors {
		out = append(out, p.PMI())
	}
	return out
}

// paymentRequiredNotification builds the notifications/payment_required
// message per spec §4.P step 5 / §6, using the canonical bridge.PaymentRequired
// wire shape (types.go) rather than ad hoc map keys. Correlation to the
// original request is carried by the outer Nostr event's e-tag (the
// correlatedEventID argument to SendNotification), not an in-params field.
func paymentRequiredNotification(entry *PendingPayment, description string, result PaymentRequiredResult, ttl int64) *bridge.Message {
	params, _ := json.Marshal(bridge.PaymentRequired{
		Amount:      float64(entry.AmountMsats),
		PayReq:      result.PayReq,
		PMI:         entry.PMI,
		Description: description,
		TTL:         float64(ttl),
		Meta:        result.Meta,
	})
	return &bridge.Message{JSONRPC: "2.0", Method: "notifications/payment_required", Params: params}
}

// paymentAcceptedNotification builds the notifications/payment_accepted
// message per spec §4.P step 7 / §6.
func paymentAcceptedNotification(entry *PendingPayment) *bridge.Message {
	params, _ := json.Marshal(bridge.PaymentAccepted{
		Amount: float64(entry.AmountMsats),
		PMI:    entry.PMI,
	})
	return &bridge.Message{JSONRPC: "2.0", Method: "notifications/payment_accepted", Params: params}
}

// paymentRejectedNotification builds the notifications/payment_rejected
// message per spec §4.P step 3 / §6. amountMsats is 0 when the rejection
// happens before any price was quoted (the policy-reject path);
// PaymentRejected.Amount's omitempty tag drops it from the wire payload in
// that case.
func paymentRejectedNotification(pmi string, amountMsats int64, reason string) *bridge.Message {
	params, _ := json.Marshal(bridge.PaymentRejected{
		PMI:     pmi,
		Amount:  float64(amountMsats),
		Message: reason,
	})
	return &bridge.Message{JSONRPC: "2.0", Method: "notifications/payment_rejected", Params: params}
}

func (pm *PaymentsMiddleware) publishPaymentRequired(ctx context.Context, rctx RequestContext, entry *PendingPayment, result PaymentRequiredResult, description string, ttl int64) error {
	notif := paymentRequiredNotification(entry, description, result, ttl)
	return pm.server.SendNotification(ctx, rctx.ClientPubKey, notif, rctx.RequestEventID)
}

func (pm *PaymentsMiddleware) emitPaymentAccepted(ctx context.Context, rctx RequestContext, entry *PendingPayment) {
	notif := paymentAcceptedNotification(entry)
	if err := pm.server.SendNotification(ctx, rctx.ClientPubKey, notif, rctx.RequestEventID); err != nil {
		log.Printf("payments middleware: publish payment_accepted: %v", err)
	}
}

func (pm *PaymentsMiddleware) emitRejection(ctx context.Context, rctx RequestContext, pmi string, amountMsats int64, reason string) {
	notif := paymentRejectedNotification(pmi, amountMsats, reason)
	if err := pm.server.SendNotification(ctx, rctx.ClientPubKey, notif, rctx.RequestEventID); err != nil {
		log.Printf("payments middleware: publish payment_rejected: %v", err)
	}
}

func (pm *PaymentsMiddleware) synthesizeDeclineResponse(ctx context.Context, msg *bridge.Message, rctx RequestContext, reason string) error {
	errMsg := &bridge.Message{
		JSONRPC: "2.0",
		ID:      bridge.NewRPCID(rctx.RequestEventID),
		Error:   &bridge.RPCError{Code: bridge.CodePaymentError, Message: reason},
	}
	return pm.server.Send(ctx, errMsg)
}
