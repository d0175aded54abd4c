package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	pmi       string
	canHandle bool
	handleErr error
	called    chan PaymentHandleRequest
}

func newFakeHandler(pmi string) *fakeHandler {
	return &fakeHandler{pmi: pmi, canHandle: true, called: make(chan PaymentHandleRequest, 4)}
}

func (h *fakeHandler) PMI() string { return h.pmi }
func (h *fakeHandler) CanHandle(req PaymentHandleRequest) bool { return h.canHandle }
func (h *fakeHandler) Handle(ctx context.Context, req PaymentHandleRequest) error {
	h.called <- req
	return h.handleErr
}

func newTestWrapper(t *testing.T, handlers []PaymentHandler, policy PaymentPolicy) (*ClientPaymentsWrapper, *ClientTransport) {
	t.Helper()
	server, err := NewKeySigner(testSkB)
	require.NoError(t, err)
	ct, _ := newTestClientTransport(t, server.PublicKey())
	w := NewClientPaymentsWrapper(ct, handlers, policy, 20*time.Millisecond)
	return w, ct
}

func paymentRequiredMessage(t *testing.T, p PaymentRequired) *Message {
	t.Helper()
	params, err := json.Marshal(p)
	require.NoError(t, err)
	return &Message{JSONRPC: "2.0", Method: "notifications/payment_required", Params: params}
}

func TestClientPaymentsWrapperDispatchesToHandler(t *testing.T) {
	h := newFakeHandler("bitcoin-lightning-bolt11")
	w, _ := newTestWrapper(t, []PaymentHandler{h}, nil)
	defer w.Close()

	msg := paymentRequiredMessage(t, PaymentRequired{PMI: "bitcoin-lightning-bolt11", Amount: 1000, PayReq: "lnbc1"})
	w.handleMessage(msg, nil)

	select {
	case req := <-h.called:
		assert.Equal(t, int64(1000), req.AmountMsats)
	case <-time.After(time.Second):
		t.Fatal("expected handler to be invoked")
	}

	select {
	case got := <-w.OnMessage():
		assert.Equal(t, "notifications/payment_required", got.Method)
	case <-time.After(time.Second):
		t.Fatal("expected payment_required forwarded downstream")
	}
}

func TestClientPaymentsWrapperDeduplicatesInFlightPayReq(t *testing.T) {
	h := newFakeHandler("bitcoin-lightning-bolt11")
	w, _ := newTestWrapper(t, []PaymentHandler{h}, nil)
	defer w.Close()

	w.mu.Lock()
	w.inFlight["lnbc-dup"] = struct{}{}
	w.mu.Unlock()

	msg := paymentRequiredMessage(t, PaymentRequired{PMI: "bitcoin-lightning-bolt11", Amount: 1000, PayReq: "lnbc-dup"})
	w.handleMessage(msg, nil)

	select {
	case <-h.called:
		t.Fatal("handler should not be invoked for an already in-flight pay_req")
	case <-time.After(100 * time.Millisecond):
	}

	select {
	case <-w.OnMessage():
		t.Fatal("deduplicated payment_required should not be forwarded downstream")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientPaymentsWrapperUnknownPMIPassesThrough(t *testing.T) {
	w, _ := newTestWrapper(t, nil, nil)
	defer w.Close()

	msg := paymentRequiredMessage(t, PaymentRequired{PMI: "bitcoin-lightning-zap", Amount: 500, PayReq: "lnbc2"})
	w.handleMessage(msg, nil)

	select {
	case got := <-w.OnMessage():
		assert.Equal(t, "notifications/payment_required", got.Method)
	case <-time.After(time.Second):
		t.Fatal("expected passthrough when no handler registered")
	}
}

func TestClientPaymentsWrapperSynthesizesDeclineError(t *testing.T) {
	h := newFakeHandler("bitcoin-lightning-bolt11")
	h.canHandle = false
	w, ct := newTestWrapper(t, []PaymentHandler{h}, nil)
	defer w.Close()

	originalID := NewRPCID("req-7")
	toolCap := ToolCapability("add")
	ct.correlation.Put("outer-7", &pendingRequest{
		originalRequestID:      originalID,
		originalRequestContext: requestContext{method: "tools/call", capability: &toolCap},
	})

	msg := paymentRequiredMessage(t, PaymentRequired{PMI: "bitcoin-lightning-bolt11", Amount: 1000, PayReq: "lnbc3"})
	mctx := &MessageContext{EventID: "evt-7", CorrelatedEventID: "outer-7"}
	w.handleMessage(msg, mctx)

	select {
	case got := <-w.OnMessage():
		require.NotNil(t, got.Error)
		assert.Equal(t, CodePaymentError, got.Error.Code)
		assert.Equal(t, `"req-7"`, got.ID.String())
		var data map[string]any
		require.NoError(t, json.Unmarshal(got.Error.Data.(json.RawMessage), &data))
		assert.Equal(t, "bitcoin-lightning-bolt11", data["pmi"])
		assert.Equal(t, float64(1000), data["amount"])
		assert.Equal(t, "tools/call", data["method"])
		assert.Equal(t, "tool:add", data["capability"])
	case <-time.After(time.Second):
		t.Fatal("expected synthesized decline error")
	}

	_, stillPending := ct.correlation.Get("outer-7")
	assert.False(t, stillPending)
}

func TestClientPaymentsWrapperPolicyCanDecline(t *testing.T) {
	h := newFakeHandler("bitcoin-lightning-bolt11")
	policy := func(req PaymentHandleRequest) bool { return false }
	w, _ := newTestWrapper(t, []PaymentHandler{h}, policy)
	defer w.Close()

	msg := paymentRequiredMessage(t, PaymentRequired{PMI: "bitcoin-lightning-bolt11", Amount: 1000, PayReq: "lnbc4"})
	w.handleMessage(msg, nil)

	select {
	case <-h.called:
		t.Fatal("handler must not run when the global policy declines")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientPaymentsWrapperRejectNotificationSynthesizesError(t *testing.T) {
	w, ct := newTestWrapper(t, nil, nil)
	defer w.Close()

	originalID := NewRPCID("req-9")
	ct.correlation.Put("outer-9", &pendingRequest{originalRequestID: originalID})

	params, err := json.Marshal(PaymentRejected{PMI: "bitcoin-lightning-bolt11", Message: "insufficient balance"})
	require.NoError(t, err)
	msg := &Message{JSONRPC: "2.0", Method: "notifications/payment_rejected", Params: params}
	mctx := &MessageContext{EventID: "evt-9", CorrelatedEventID: "outer-9"}

	w.handleMessage(msg, mctx)

	select {
	case got := <-w.OnMessage():
		require.NotNil(t, got.Error)
		assert.Contains(t, got.Error.Message, "insufficient balance")
		assert.Equal(t, `"req-9"`, got.ID.String())
	case <-time.After(time.Second):
		t.Fatal("expected synthesized reject error")
	}
}

func TestClientPaymentsWrapperAcceptedClearsProgressTimer(t *testing.T) {
	w, _ := newTestWrapper(t, nil, nil)
	defer w.Close()

	w.mu.Lock()
	w.progressTimers["tok-1"] = time.AfterFunc(time.Hour, func() {})
	w.mu.Unlock()

	params, err := json.Marshal(map[string]any{"progress_token": "tok-1"})
	require.NoError(t, err)
	msg := &Message{JSONRPC: "2.0", Method: "notifications/payment_accepted", Params: params}
	w.handleMessage(msg, nil)

	w.mu.Lock()
	_, stillArmed := w.progressTimers["tok-1"]
	w.mu.Unlock()
	assert.False(t, stillArmed)
}
