// Package server implements the bridge's server-side components: the
// per-client session store and authorization policy (§4.A), the server
// transport (§4.V), the gateway that composes it with one or more MCP
// backends (§4.G), and the payments middleware that gates priced
// capabilities behind settlement (§4.P).
package server

import (
	"time"

	"github.com/nostrmcp/bridge"
)

// ClientSession tracks per-client handshake/liveness state (spec §3
// "Client Session (server side)"). IsInitialized flips true exactly once,
// upon receipt of notifications/initialized.
type ClientSession struct {
	ClientPubKey  string
	IsInitialized bool
	IsEncrypted   bool
	LastActivity  time.Time
}

// EventRoute maps an outer request event id back to the client and
// original JSON-RPC id it came from (spec §3 "Event Route (server side)").
type EventRoute struct {
	ClientPubKey      string
	OriginalRequestID bridge.RPCID
	ProgressToken     any
}

// PendingPayment is the server-side payment-in-progress record keyed by
// request event id (spec §3 "Pending Payment (server side)").
type PendingPayment struct {
	RequestEventID string
	ClientPubKey   string
	PMI            string
	AmountMsats    int64
	PayReq         string
	Capability     bridge.Capability

	// done is closed once the in-flight verify resolves; err records the
	// outcome for any concurrent redelivery joining the same
	// entry (spec §4.P step 8: "create is called exactly once").
	done chan struct{}
	err  error
}

// PricedCapability is a statically configured price for a capability (spec
// §4.P step 1: "match by {method, name?} exactly as §4.A exclusions").
type PricedCapability struct {
	Method      string
	Name        string // empty matches any name for Method
	AmountMsats int64
	Description string
	PMIs        []string // server-preferred PMI order for this capability; empty = use processor default order
}

// PriceResolution is what an optional dynamic price resolver returns (spec
// §4.P step 3).
type PriceResolution struct {
	AmountMsats int64
	Description string
	Reject      bool
	Message     string
}

// PriceResolver computes a dynamic price, or declines the request outright.
type PriceResolver func(capability bridge.Capability, req *bridge.Message, clientPubKey, requestEventID string) (PriceResolution, error)

// PaymentProcessor is the server-side analog of the client's PaymentHandler
// (spec §4.P steps 5-6): issues an invoice/request for a priced capability
// and verifies its settlement.
type PaymentProcessor interface {
	PMI() string
	CreatePaymentRequired(ctx CreatePaymentRequiredCtx) (PaymentRequiredResult, error)
	VerifyPayment(ctx VerifyPaymentCtx) error
}

// CreatePaymentRequiredCtx carries everything a processor needs to issue a
// payment request.
type CreatePaymentRequiredCtx struct {
	AmountMsats    int64
	Description    string
	RequestEventID string
	ClientPubKey   string
}

// PaymentRequiredResult is what CreatePaymentRequired returns: the pay_req
// string plus an optional TTL in seconds and processor-specific metadata to
// surface under `_meta`.
type PaymentRequiredResult struct {
	PayReq     string
	TTLSeconds int64
	Meta       map[string]any
}

// VerifyPaymentCtx carries everything a processor needs to verify
// settlement, including an abort channel closed when the middleware's
// overall deadline elapses.
type VerifyPaymentCtx struct {
	PayReq         string
	RequestEventID string
	ClientPubKey   string
	Abort          <-chan struct{}
}
