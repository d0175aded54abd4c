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

func TestAnnounceOnceResolvesFromMatchingResponse(t *testing.T) {
	st, _ := newTestServerTransport(t, nil)
	defer st.BaseTransport.Close()
	st.cfg.HandshakeTimeout = time.Second

	go func() {
		// wait for announceOnce to register its waiter, then resolve it exactly
		// the way Send() would for an id == announcementRequestID response.
		for {
			st.mu.Lock()
			ready := st.announcementWaiter != nil
			st.mu.Unlock()
			if ready {
				break
			}
			time.Sleep(time.Millisecond)
		}
		_ = st.Send(context.Background(), &bridge.Message{
			JSONRPC: "2.0",
			ID:      bridge.NewRPCID(announcementRequestID),
			Result:  json.RawMessage(`{"tools":[]}`),
		})
	}()

	result, ok := st.announceOnce("tools/list")
	require.True(t, ok)
	assert.Equal(t, `{"tools":[]}`, string(result))
}

func TestAnnounceOnceFailsOnErrorResponse(t *testing.T) {
	st, _ := newTestServerTransport(t, nil)
	defer st.BaseTransport.Close()
	st.cfg.HandshakeTimeout = time.Second

	go func() {
		for {
			st.mu.Lock()
			ready := st.announcementWaiter != nil
			st.mu.Unlock()
			if ready {
				break
			}
			time.Sleep(time.Millisecond)
		}
		_ = st.Send(context.Background(), &bridge.Message{
			JSONRPC: "2.0",
			ID:      bridge.NewRPCID(announcementRequestID),
			Error:   &bridge.RPCError{Code: -1, Message: "boom"},
		})
	}()

	_, ok := st.announceOnce("tools/list")
	assert.False(t, ok)
}

func TestAnnounceOnceTimesOutWithoutResponse(t *testing.T) {
	st, _ := newTestServerTransport(t, nil)
	defer st.BaseTransport.Close()
	st.cfg.HandshakeTimeout = 20 * time.Millisecond

	_, ok := st.announceOnce("tools/list")
	assert.False(t, ok)

	st.mu.Lock()
	waiter := st.announcementWaiter
	st.mu.Unlock()
	assert.Nil(t, waiter, "waiter must be cleared after the handshake gives up")
}

func TestCapabilityListKindsCoversAnnouncementSequence(t *testing.T) {
	for _, method := range announcementSequence {
		if method == "initialize" {
			continue
		}
		_, ok := capabilityListKinds[method]
		assert.True(t, ok, "missing capability list kind for %s", method)
	}
}
