package wallet

import (
	"testing"
	"time"

	"github.com/nostrmcp/bridge"
	"github.com/nostrmcp/bridge/server"
	"github.com/stretchr/testify/assert"
)

func TestIsSettled(t *testing.T) {
	assert.True(t, isSettled(lookupInvoiceResult{State: "settled"}))
	assert.True(t, isSettled(lookupInvoiceResult{SettledAt: 1700000000}))
	assert.True(t, isSettled(lookupInvoiceResult{Preimage: "abc"}))
	assert.False(t, isSettled(lookupInvoiceResult{State: "pending"}))
}

func TestIsTerminalFailure(t *testing.T) {
	assert.True(t, isTerminalFailure(lookupInvoiceResult{State: "expired"}))
	assert.True(t, isTerminalFailure(lookupInvoiceResult{State: "failed"}))
	assert.False(t, isTerminalFailure(lookupInvoiceResult{State: "pending"}))
}

func TestBolt11ProcessorBackoffDelayFollowsScheduleAndFloor(t *testing.T) {
	p := NewBolt11Processor(nil, 0)
	d := p.backoffDelay(0)
	assert.GreaterOrEqual(t, d, 500*time.Millisecond)
	assert.Less(t, d, time.Second) // 500ms plus at most 125ms jitter

	d = p.backoffDelay(100) // past schedule end, uses last entry
	assert.GreaterOrEqual(t, d, 15*time.Second)
}

func TestBolt11ProcessorBackoffDelayRespectsPollIntervalFloor(t *testing.T) {
	p := NewBolt11Processor(nil, 5000)
	d := p.backoffDelay(0) // schedule says 500ms, floor raises it to 5000ms
	assert.GreaterOrEqual(t, d, 5*time.Second)
}

func TestBolt11ProcessorPMI(t *testing.T) {
	p := NewBolt11Processor(nil, 0)
	assert.Equal(t, PMIBolt11, p.PMI())
}

func TestBolt11ProcessorWaitForNotificationResolvesOnSignal(t *testing.T) {
	p := NewBolt11Processor(nil, 0)
	abort := make(chan struct{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		p.mu.Lock()
		ch := p.notifications["hash-1"]
		p.mu.Unlock()
		close(ch)
	}()

	err := p.waitForNotification(server.VerifyPaymentCtx{Abort: abort}, "hash-1")
	assert.NoError(t, err)
}

func TestBolt11ProcessorWaitForNotificationAbortsOnDeadline(t *testing.T) {
	p := NewBolt11Processor(nil, 0)
	abort := make(chan struct{})
	close(abort)

	err := p.waitForNotification(server.VerifyPaymentCtx{Abort: abort}, "hash-2")
	assert.ErrorIs(t, err, bridge.ErrPaymentTTLExpired)
}
