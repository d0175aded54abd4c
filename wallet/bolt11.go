package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nostrmcp/bridge"
	"github.com/nostrmcp/bridge/server"
)

// PMIBolt11 is the payment-method identifier for direct BOLT11 invoices
// settled via a NIP-47 wallet connection.
const PMIBolt11 = "bitcoin-lightning-bolt11"

// pollSchedule is the lookup_invoice backoff schedule in milliseconds (spec
// §4.W "poll with schedule [500,750,1000,1500,2500,4000,6500,10000,15000]ms,
// floored by the configured poll interval, jittered").
var pollSchedule = []int{500, 750, 1000, 1500, 2500, 4000, 6500, 10000, 15000}

type makeInvoiceResult struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
	Expiry      int64  `json:"expiry,omitempty"`
}

type lookupInvoiceResult struct {
	State       string `json:"state,omitempty"`
	SettledAt   int64  `json:"settled_at,omitempty"`
	Preimage    string `json:"preimage,omitempty"`
	PaymentHash string `json:"payment_hash"`
}

// Bolt11Processor is the server-side PaymentProcessor for PMIBolt11: issues
// invoices via the wallet's make_invoice and settles them either by polling
// lookup_invoice or by waiting on a payment_received notification (spec
// §4.W BOLT11 NWC Processor).
type Bolt11Processor struct {
	client         *NWCClient
	pollIntervalMs int // floor applied to pollSchedule; 0 = no floor

	mu              sync.Mutex
	paymentHashes   map[string]string // pay_req -> payment_hash
	supportsNotify  bool
	notifyOnce      sync.Once
	notifyErr       error
	notifications   map[string]chan struct{} // payment_hash -> settled signal

	verifying singleflight.Group // keyed by pay_req
}

// NewBolt11Processor builds a processor over client. pollIntervalMs floors
// the backoff schedule (0 uses the schedule unmodified).
func NewBolt11Processor(client *NWCClient, pollIntervalMs int) *Bolt11Processor {
	return &Bolt11Processor{
		client:         client,
		pollIntervalMs: pollIntervalMs,
		paymentHashes:  make(map[string]string),
		notifications:  make(map[string]chan struct{}),
	}
}

// PMI implements server.PaymentProcessor.
func (p *Bolt11Processor) PMI() string { return PMIBolt11 }

// CreatePaymentRequired issues an invoice via make_invoice (spec §4.W).
func (p *Bolt11Processor) CreatePaymentRequired(ctx server.CreatePaymentRequiredCtx) (server.PaymentRequiredResult, error) {
	reqCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var result makeInvoiceResult
	params := map[string]any{
		"amount":      ctx.AmountMsats,
		"description": ctx.Description,
	}
	if err := p.client.Request(reqCtx, "make_invoice", params, &result); err != nil {
		return server.PaymentRequiredResult{}, fmt.Errorf("make_invoice: %w", err)
	}

	p.mu.Lock()
	p.paymentHashes[result.Invoice] = result.PaymentHash
	p.mu.Unlock()

	ttl := result.Expiry
	if ttl <= 0 {
		ttl = 600
	}
	return server.PaymentRequiredResult{
		PayReq:     result.Invoice,
		TTLSeconds: ttl,
		Meta:       map[string]any{"payment_hash": result.PaymentHash},
	}, nil
}

// VerifyPayment waits for settlement of the invoice previously issued for
// ctx.PayReq, preferring a payment_received notification when the wallet
// advertises support for it and otherwise polling lookup_invoice on the
// jittered backoff schedule (spec §4.W). Concurrent calls for the same
// pay_req are deduped so only one poll/notification-wait loop runs; the
// calls that join it share its result and the first call's Abort.
func (p *Bolt11Processor) VerifyPayment(ctx server.VerifyPaymentCtx) error {
	_, err, _ := p.verifying.Do(ctx.PayReq, func() (any, error) {
		return nil, p.verifyPayment(ctx)
	})
	return err
}

func (p *Bolt11Processor) verifyPayment(ctx server.VerifyPaymentCtx) error {
	p.mu.Lock()
	paymentHash := p.paymentHashes[ctx.PayReq]
	p.mu.Unlock()
	if paymentHash == "" {
		return fmt.Errorf("no invoice on record for pay_req")
	}

	p.ensureNotificationSubscription()

	if p.supportsNotify {
		if err := p.waitForNotification(ctx, paymentHash); err == nil {
			return nil
		}
		// fall through to polling if the notification wait didn't settle it
	}
	return p.pollUntilSettled(ctx, paymentHash)
}

func (p *Bolt11Processor) ensureNotificationSubscription() {
	p.notifyOnce.Do(func() {
		infoCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		types, err := p.client.FetchInfoNotificationTypes(infoCtx)
		if err != nil {
			p.notifyErr = err
			return
		}
		for _, t := range types {
			if t == "payment_received" {
				p.supportsNotify = true
				break
			}
		}
		if !p.supportsNotify {
			return
		}
		_, _ = p.client.SubscribeNotifications(context.Background(), func(n NWCNotification) {
			if n.NotificationType != "payment_received" {
				return
			}
			var payload struct {
				PaymentHash string `json:"payment_hash"`
			}
			if err := json.Unmarshal(n.Notification, &payload); err != nil || payload.PaymentHash == "" {
				return
			}
			p.mu.Lock()
			ch, ok := p.notifications[payload.PaymentHash]
			if !ok {
				ch = make(chan struct{})
				p.notifications[payload.PaymentHash] = ch
			}
			p.mu.Unlock()
			select {
			case <-ch:
			default:
				close(ch)
			}
		})
	})
}

func (p *Bolt11Processor) waitForNotification(vctx server.VerifyPaymentCtx, paymentHash string) error {
	p.mu.Lock()
	ch, ok := p.notifications[paymentHash]
	if !ok {
		ch = make(chan struct{})
		p.notifications[paymentHash] = ch
	}
	p.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-vctx.Abort:
		return bridge.ErrPaymentTTLExpired
	}
}

// pollUntilSettled polls lookup_invoice on the jittered backoff schedule
// until the invoice is settled, expired, failed, or vctx.Abort fires.
func (p *Bolt11Processor) pollUntilSettled(vctx server.VerifyPaymentCtx, paymentHash string) error {
	for attempt := 0; ; attempt++ {
		reqCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		var result lookupInvoiceResult
		err := p.client.Request(reqCtx, "lookup_invoice", map[string]any{"payment_hash": paymentHash}, &result)
		cancel()

		if err == nil && isSettled(result) {
			return nil
		}
		if err == nil && isTerminalFailure(result) {
			return fmt.Errorf("invoice %s: %s", paymentHash, result.State)
		}

		delay := p.backoffDelay(attempt)
		select {
		case <-vctx.Abort:
			return bridge.ErrPaymentTTLExpired
		case <-time.After(delay):
		}
	}
}

func isSettled(r lookupInvoiceResult) bool {
	return r.State == "settled" || r.SettledAt > 0 || r.Preimage != ""
}

func isTerminalFailure(r lookupInvoiceResult) bool {
	return r.State == "expired" || r.State == "failed"
}

func (p *Bolt11Processor) backoffDelay(attempt int) time.Duration {
	ms := pollSchedule[len(pollSchedule)-1]
	if attempt < len(pollSchedule) {
		ms = pollSchedule[attempt]
	}
	if ms < p.pollIntervalMs {
		ms = p.pollIntervalMs
	}
	jitter := time.Duration(rand.Intn(ms/4+1)) * time.Millisecond
	return time.Duration(ms)*time.Millisecond + jitter
}
