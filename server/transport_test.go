package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nostrmcp/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServerTransport(t *testing.T, auth *AuthPolicy) (*ServerTransport, bridge.Signer) {
	t.Helper()
	serverSigner, err := bridge.NewKeySigner("0000000000000000000000000000000000000000000000000000000000000002")
	require.NoError(t, err)
	if auth == nil {
		auth = NewAuthPolicy(nil, nil, false)
	}
	st := NewServerTransport(nil, serverSigner, auth, ServerTransportConfig{
		Encryption: bridge.EncryptionDisabled,
	})
	return st, serverSigner
}

func clientRequestEvent(t *testing.T, clientSigner bridge.Signer, serverPubKey, method string, id bridge.RPCID) *bridge.Event {
	t.Helper()
	msg := &bridge.Message{JSONRPC: "2.0", Method: method, ID: id}
	tmpl, err := bridge.MCPToEventContent(msg, bridge.KindApplicationMessage, [][]string{{"p", serverPubKey}})
	require.NoError(t, err)
	tmpl.PubKey = clientSigner.PublicKey()
	signed, err := clientSigner.SignEvent(tmpl)
	require.NoError(t, err)
	return signed
}

func TestServerTransportHandleInboundRequestRegistersRoute(t *testing.T) {
	st, _ := newTestServerTransport(t, nil)
	defer st.BaseTransport.Close()

	clientSigner, err := bridge.NewKeySigner("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)

	evt := clientRequestEvent(t, clientSigner, st.Signer.PublicKey(), "tools/call", bridge.NewRPCID("req-1"))
	st.handleInboundEvent(evt)

	route, ok := st.routes.Get(evt.ID)
	require.True(t, ok)
	assert.Equal(t, clientSigner.PublicKey(), route.ClientPubKey)
	assert.Equal(t, `"req-1"`, route.OriginalRequestID.String())

	select {
	case msg := <-st.OnMessage():
		assert.Equal(t, evt.ID, idAsString(msg.ID), "inbound request id is remapped to the outer event id")
	case <-time.After(time.Second):
		t.Fatal("expected request forwarded on OnMessage")
	}
}

func TestServerTransportHandleInboundDedupsRepeatedEvent(t *testing.T) {
	st, _ := newTestServerTransport(t, nil)
	defer st.BaseTransport.Close()

	clientSigner, err := bridge.NewKeySigner("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	evt := clientRequestEvent(t, clientSigner, st.Signer.PublicKey(), "tools/call", bridge.NewRPCID("req-1"))

	st.handleInboundEvent(evt)
	<-st.OnMessage()

	st.handleInboundEvent(evt)
	select {
	case <-st.OnMessage():
		t.Fatal("duplicate event must not be delivered twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerTransportHandleInboundNotificationMarksInitialized(t *testing.T) {
	st, _ := newTestServerTransport(t, nil)
	defer st.BaseTransport.Close()

	clientSigner, err := bridge.NewKeySigner("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	evt := clientRequestEvent(t, clientSigner, st.Signer.PublicKey(), "notifications/initialized", bridge.RPCID{})

	st.handleInboundEvent(evt)

	sess, ok := st.sessions.Get(clientSigner.PublicKey())
	require.True(t, ok)
	assert.True(t, sess.IsInitialized)
}

func TestServerTransportUnauthorizedRequestIsDroppedSilently(t *testing.T) {
	auth := NewAuthPolicy([]string{"someone-else"}, nil, false)
	st, _ := newTestServerTransport(t, auth)
	defer st.BaseTransport.Close()

	clientSigner, err := bridge.NewKeySigner("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	evt := clientRequestEvent(t, clientSigner, st.Signer.PublicKey(), "tools/call", bridge.NewRPCID("req-1"))

	st.handleInboundEvent(evt)

	select {
	case <-st.OnMessage():
		t.Fatal("unauthorized request must not be forwarded")
	case <-time.After(100 * time.Millisecond):
	}
	_, ok := st.routes.Get(evt.ID)
	assert.False(t, ok)
}

func TestIdAsStringUnwrapsJSONStringID(t *testing.T) {
	assert.Equal(t, "announcement", idAsString(bridge.NewRPCID("announcement")))
	assert.Equal(t, "abc123", idAsString(bridge.NewRPCID("abc123")))
}

func TestCapabilityNameFromParams(t *testing.T) {
	t.Run("ExtractsName", func(t *testing.T) {
		params, _ := json.Marshal(map[string]any{"name": "search"})
		assert.Equal(t, "search", capabilityNameFromParams(params))
	})
	t.Run("EmptyWhenMissing", func(t *testing.T) {
		assert.Equal(t, "", capabilityNameFromParams(nil))
	})
}

func TestIsSuccessfulInitializeResult(t *testing.T) {
	good, _ := json.Marshal(map[string]any{"protocolVersion": "2025-06-18"})
	assert.True(t, isSuccessfulInitializeResult(good))

	bad, _ := json.Marshal(map[string]any{"tools": []any{}})
	assert.False(t, isSuccessfulInitializeResult(bad))
}

func TestServerProfileTags(t *testing.T) {
	tags := serverProfileTags(ServerProfile{Name: "bridge", SupportsEncryption: true})
	assert.Contains(t, tags, []string{"name", "bridge"})
	assert.Contains(t, tags, []string{"encryption", "supported"})
	assert.NotContains(t, tags, []string{"about", ""})
}

func TestPickGiftWrapKind(t *testing.T) {
	assert.Equal(t, bridge.KindGiftWrapEphemeral, pickGiftWrapKind(bridge.GiftWrapEphemeral))
	assert.Equal(t, bridge.KindGiftWrapPersistent, pickGiftWrapKind(bridge.GiftWrapPersistent))
}

func TestServerTransportSendResponseRequiresRoute(t *testing.T) {
	st, _ := newTestServerTransport(t, nil)
	defer st.BaseTransport.Close()

	err := st.Send(context.Background(), &bridge.Message{JSONRPC: "2.0", ID: bridge.NewRPCID("unrouted-event"), Result: json.RawMessage(`{}`)})
	assert.Error(t, err)
}

func TestServerTransportSendAnnouncementRoutesToWaiter(t *testing.T) {
	st, _ := newTestServerTransport(t, nil)
	defer st.BaseTransport.Close()

	waiter := make(chan *bridge.Message, 1)
	st.mu.Lock()
	st.announcementWaiter = waiter
	st.mu.Unlock()

	result := json.RawMessage(`{"ok":true}`)
	err := st.Send(context.Background(), &bridge.Message{JSONRPC: "2.0", ID: bridge.NewRPCID(announcementRequestID), Result: result})
	require.NoError(t, err)

	select {
	case msg := <-waiter:
		assert.Equal(t, `{"ok":true}`, string(msg.Result))
	case <-time.After(time.Second):
		t.Fatal("expected announcement response delivered to waiter")
	}
}
