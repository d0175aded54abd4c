package bridge

import (
	"errors"
	"fmt"
)

var (
	// Transport errors (spec §7.1)
	ErrTransportClosed   = errors.New("transport is closed")
	ErrAlreadyStarted    = errors.New("transport already started")
	ErrDecryptFailed     = errors.New("failed to decrypt gift wrap")
	ErrMalformedEvent    = errors.New("malformed event content")
	ErrMessageTooLarge   = errors.New("message exceeds configured size limit")
	ErrWrongServer       = errors.New("inner event pubkey does not match configured server")

	// Correlation errors (§7.2)
	ErrUnknownCorrelation = errors.New("response correlates to an unknown or evicted request")

	// Authorization errors (§7.3)
	ErrUnauthorizedClient = errors.New("client pubkey is not authorized")

	// Payment errors (§7.4)
	ErrNotPriced           = errors.New("capability is not priced")
	ErrPaymentDeclined     = errors.New("payment declined by policy")
	ErrPaymentTTLExpired   = errors.New("payment verification exceeded its ttl")
	ErrNoPMIOverlap        = errors.New("no overlapping payment method between client and server")
	ErrNoProcessorForPMI   = errors.New("no processor configured for pmi")
	ErrInvoiceExpired      = errors.New("invoice expired")
	ErrInvoicePaymentFailed = errors.New("invoice payment failed")
	ErrBudgetExceeded      = errors.New("payment exceeds configured spend budget")
	ErrRateLimitExceeded   = errors.New("payment rate limit exceeded")

	// Lifecycle errors (§7.5)
	ErrGatewayStopped = errors.New("gateway is stopped")
)

// PaymentError carries the structured detail behind a failed quote,
// request, or verification so payments middleware and wallet processors can
// report a uniform reason alongside the sentinel error.
type PaymentError struct {
	Stage   string // "quote" | "create" | "verify" | "policy"
	PMI     string
	Reason  string
	Wrapped error
}

func (e *PaymentError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("payment %s failed (pmi=%s): %s: %v", e.Stage, e.PMI, e.Reason, e.Wrapped)
	}
	return fmt.Sprintf("payment %s failed (pmi=%s): %s", e.Stage, e.PMI, e.Reason)
}

func (e *PaymentError) Unwrap() error { return e.Wrapped }

// PMISelectionError reports why no processor could be selected for a
// request, including what was offered on each side (generalized from the
// teacher's MultiSignerError aggregate-failure shape to PMI strings instead
// of per-chain signer candidates).
type PMISelectionError struct {
	ClientPMIs []string
	ServerPMIs []string
}

func (e *PMISelectionError) Error() string {
	return fmt.Sprintf("no pmi overlap: client offered %v, server accepts %v", e.ClientPMIs, e.ServerPMIs)
}
