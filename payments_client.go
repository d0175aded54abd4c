package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// PaymentHandleRequest is what a PaymentHandler.Handle call receives for a
// single payment_required notification (spec §4.Q).
type PaymentHandleRequest struct {
	PMI            string
	AmountMsats    int64
	PayReq         string
	Description    string
	RequestEventID string
}

// PaymentHandler pays a single PMI. CanHandle lets a handler opt out of a
// specific request (e.g. amount above its own limit) without being removed
// from the preference list entirely.
type PaymentHandler interface {
	PMI() string
	CanHandle(req PaymentHandleRequest) bool
	Handle(ctx context.Context, req PaymentHandleRequest) error
}

// PaymentPolicy is a global accept/decline gate consulted after the
// per-handler CanHandle check (spec §4.Q).
type PaymentPolicy func(req PaymentHandleRequest) bool

// ClientPaymentsWrapper implements `withClientPayments` (spec §4.Q): it
// wraps a Transport, intercepting payment_required/accepted/rejected
// notifications and presenting a plain Transport surface to its own
// consumer. Generalized from the teacher's handler.go multi-signer
// selection-with-fallback shape, with EVM/Solana signer candidates replaced
// by PMI-keyed PaymentHandlers.
type ClientPaymentsWrapper struct {
	inner    *ClientTransport
	handlers map[string]PaymentHandler
	pmiOrder []string // handler PMIs in the order the handlers were given
	policy   PaymentPolicy

	syntheticProgressInterval time.Duration

	mu         sync.Mutex
	inFlight   map[string]struct{} // pay_req currently being paid
	progressTimers map[string]*time.Timer // keyed by progressToken string form

	sinks *sinks
}

// NewClientPaymentsWrapper builds a wrapper over an already-constructed
// ClientTransport. syntheticProgressInterval defaults to 10s when zero,
// chosen to sit comfortably inside the smallest plausible MCP idle timeout
// (spec §4.Q).
func NewClientPaymentsWrapper(inner *ClientTransport, handlers []PaymentHandler, policy PaymentPolicy, syntheticProgressInterval time.Duration) *ClientPaymentsWrapper {
	if syntheticProgressInterval <= 0 {
		syntheticProgressInterval = 10 * time.Second
	}
	byPMI := make(map[string]PaymentHandler, len(handlers))
	var pmiOrder []string
	for _, h := range handlers {
		if _, dup := byPMI[h.PMI()]; !dup {
			pmiOrder = append(pmiOrder, h.PMI())
		}
		byPMI[h.PMI()] = h
	}
	return &ClientPaymentsWrapper{
		inner:                     inner,
		handlers:                  byPMI,
		pmiOrder:                  pmiOrder,
		policy:                    policy,
		syntheticProgressInterval: syntheticProgressInterval,
		inFlight:                  make(map[string]struct{}),
		progressTimers:            make(map[string]*time.Timer),
		sinks:                     newSinks(),
	}
}

// Start announces the client's PMI preference list (if any handlers are
// configured) before delegating to the inner transport, then begins
// forwarding its message stream through the interception pipeline.
func (w *ClientPaymentsWrapper) Start(ctx context.Context) error {
	if len(w.pmiOrder) > 0 {
		w.inner.SetClientPmis(w.pmiOrder)
	}
	if err := w.inner.Start(ctx); err != nil {
		return err
	}
	go w.pump()
	return nil
}

func (w *ClientPaymentsWrapper) Send(ctx context.Context, msg *Message) error {
	return w.inner.Send(ctx, msg)
}

func (w *ClientPaymentsWrapper) Close() error {
	w.mu.Lock()
	for _, t := range w.progressTimers {
		t.Stop()
	}
	w.progressTimers = map[string]*time.Timer{}
	w.mu.Unlock()
	err := w.inner.Close()
	w.sinks.emitClose()
	return err
}

func (w *ClientPaymentsWrapper) OnMessage() <-chan *Message                     { return w.sinks.message }
func (w *ClientPaymentsWrapper) OnMessageWithContext() <-chan MessageWithContext { return w.sinks.msgCtx }
func (w *ClientPaymentsWrapper) OnError() <-chan error                         { return w.sinks.errc }
func (w *ClientPaymentsWrapper) OnClose() <-chan struct{}                      { return w.sinks.closec }

func (w *ClientPaymentsWrapper) pump() {
	for {
		select {
		case msg, ok := <-w.inner.OnMessage():
			if !ok {
				return
			}
			if msg.IsNotification() {
				// The inner transport also emits every notification with
				// its context; it is handled once, from that stream.
				continue
			}
			w.handleMessage(msg, nil)
		case mc, ok := <-w.inner.OnMessageWithContext():
			if !ok {
				return
			}
			w.handleMessage(mc.Message, &mc.Context)
		case err, ok := <-w.inner.OnError():
			if !ok {
				return
			}
			w.sinks.emitError(err)
		}
	}
}

func (w *ClientPaymentsWrapper) handleMessage(msg *Message, mctx *MessageContext) {
	switch msg.Method {
	case "notifications/payment_required":
		w.handlePaymentRequired(msg, mctx)
		return
	case "notifications/payment_accepted":
		w.clearProgressTimer(msg, mctx)
	case "notifications/payment_rejected":
		if w.tryRejectAsError(msg, mctx) {
			return
		}
	}
	w.sinks.emitMessage(msg)
	if mctx != nil {
		w.sinks.emitMessageWithContext(msg, *mctx)
	}
}

func (w *ClientPaymentsWrapper) handlePaymentRequired(msg *Message, mctx *MessageContext) {
	var p PaymentRequired
	if err := json.Unmarshal(msg.Params, &p); err != nil {
		w.sinks.emitMessage(msg)
		return
	}

	handler, ok := w.handlers[p.PMI]
	if !ok {
		w.sinks.emitMessage(msg)
		return
	}

	var requestEventID string
	if mctx != nil {
		requestEventID = mctx.CorrelatedEventID
	}
	req := PaymentHandleRequest{
		PMI:            p.PMI,
		AmountMsats:    int64(p.Amount),
		PayReq:         p.PayReq,
		Description:    p.Description,
		RequestEventID: requestEventID,
	}

	if !handler.CanHandle(req) || (w.policy != nil && !w.policy(req)) {
		if mctx != nil && mctx.CorrelatedEventID != "" {
			if errMsg := w.synthesizeDeclineError(mctx.CorrelatedEventID, req, MsgPaymentDeclinedByClientHandler); errMsg != nil {
				w.sinks.emitMessage(errMsg)
				return
			}
		}
		w.sinks.emitMessage(msg)
		return
	}

	w.mu.Lock()
	if _, dup := w.inFlight[p.PayReq]; dup {
		w.mu.Unlock()
		return
	}
	w.inFlight[p.PayReq] = struct{}{}
	w.mu.Unlock()

	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.inFlight, p.PayReq)
			w.mu.Unlock()
		}()
		if err := handler.Handle(context.Background(), req); err != nil {
			w.sinks.emitError(fmt.Errorf("payment handler %s failed: %w", p.PMI, err))
		}
	}()

	if p.TTL > 0 && mctx != nil && mctx.CorrelatedEventID != "" {
		if pending, ok := w.inner.correlation.Peek(mctx.CorrelatedEventID); ok && pending.progressToken != nil {
			w.startSyntheticProgress(pending.progressToken)
		}
	}

	w.sinks.emitMessage(msg)
	if mctx != nil {
		w.sinks.emitMessageWithContext(msg, *mctx)
	}
}

// synthesizeDeclineError builds the CEP-8 {code:-32000} response the spec
// requires when a handler or global policy declines a payment_required
// notification that correlates to a still-pending request. data carries
// method/capability from the pending request's originalRequestContext
// alongside pmi/amount (spec §4.Q, scenario S2).
func (w *ClientPaymentsWrapper) synthesizeDeclineError(correlatedEventID string, req PaymentHandleRequest, message string) *Message {
	pending, ok := w.inner.correlation.Get(correlatedEventID)
	if !ok {
		return nil
	}
	w.inner.correlation.Remove(correlatedEventID)
	if pending.progressToken != nil {
		w.clearProgressTimerForToken(pending.progressToken)
	}
	declineData := map[string]any{
		"pmi":    req.PMI,
		"amount": req.AmountMsats,
		"method": pending.originalRequestContext.method,
	}
	if pending.originalRequestContext.capability != nil {
		declineData["capability"] = string(*pending.originalRequestContext.capability)
	}
	data, _ := json.Marshal(declineData)
	return &Message{
		JSONRPC: "2.0",
		ID:      pending.originalRequestID,
		Error: &RPCError{
			Code:    CodePaymentError,
			Message: message,
			Data:    json.RawMessage(data),
		},
	}
}

func (w *ClientPaymentsWrapper) tryRejectAsError(msg *Message, mctx *MessageContext) bool {
	if mctx == nil || mctx.CorrelatedEventID == "" {
		return false
	}
	var body PaymentRejected
	if err := json.Unmarshal(msg.Params, &body); err != nil {
		return false
	}
	pending, ok := w.inner.correlation.Get(mctx.CorrelatedEventID)
	if !ok {
		return false
	}
	w.inner.correlation.Remove(mctx.CorrelatedEventID)
	if pending.progressToken != nil {
		w.clearProgressTimerForToken(pending.progressToken)
	}
	errMsg := MsgPaymentRejected
	if body.Message != "" {
		errMsg = fmt.Sprintf("%s: %s", MsgPaymentRejected, body.Message)
	}
	w.sinks.emitMessage(&Message{
		JSONRPC: "2.0",
		ID:      pending.originalRequestID,
		Error:   &RPCError{Code: CodePaymentError, Message: errMsg},
	})
	return true
}

// startSyntheticProgress emits an immediate notifications/progress for the
// pending request's progressToken and arms a repeating timer to keep the
// MCP client's idle timer alive while payment verification is in flight
// (spec §4.Q).
func (w *ClientPaymentsWrapper) startSyntheticProgress(progressToken any) {
	key := fmt.Sprintf("%v", progressToken)

	emit := func() {
		w.sinks.emitMessage(&Message{
			JSONRPC: "2.0",
			Method:  "notifications/progress",
			Params:  progressNotificationParams(progressToken, 0, 0),
		})
	}
	emit()

	w.mu.Lock()
	if existing, ok := w.progressTimers[key]; ok {
		existing.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(w.syntheticProgressInterval, func() {
		emit()
		w.mu.Lock()
		if _, still := w.progressTimers[key]; still {
			t.Reset(w.syntheticProgressInterval)
		}
		w.mu.Unlock()
	})
	w.progressTimers[key] = t
	w.mu.Unlock()
}

func (w *ClientPaymentsWrapper) clearProgressTimer(msg *Message, mctx *MessageContext) {
	if mctx != nil && mctx.CorrelatedEventID != "" {
		if pending, ok := w.inner.correlation.Peek(mctx.CorrelatedEventID); ok && pending.progressToken != nil {
			w.clearProgressTimerForToken(pending.progressToken)
		}
	}
	var body struct {
		ProgressToken any `json:"progress_token"`
	}
	json.Unmarshal(msg.Params, &body)
	if body.ProgressToken != nil {
		w.clearProgressTimerForToken(body.ProgressToken)
	}
}

func (w *ClientPaymentsWrapper) clearProgressTimerForToken(progressToken any) {
	key := fmt.Sprintf("%v", progressToken)
	w.mu.Lock()
	if t, ok := w.progressTimers[key]; ok {
		t.Stop()
		delete(w.progressTimers, key)
	}
	w.mu.Unlock()
}
