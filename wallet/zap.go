package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nostrmcp/bridge"
	"github.com/nostrmcp/bridge/server"
)

// PMIZap is the payment-method identifier for BOLT11 invoices requested
// through a NIP-57 zap (LNURL-pay with a Nostr zap request/receipt), for
// servers that only expose a Lightning address rather than a wallet
// connection.
const PMIZap = "bitcoin-lightning-zap"

const lnurlHTTPTimeout = 10 * time.Second

// validateExternalURL guards every outbound LNURL fetch against SSRF: only
// https/http to a public hostname is allowed (grounded on
// vcavallo-nostr-hypermedia/lnurl.go's validateExternalURL).
func validateExternalURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("invalid scheme: %s", parsed.Scheme)
	}
	host := strings.ToLower(parsed.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" ||
		host == "0.0.0.0" || strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".internal") {
		return errors.New("internal hosts not allowed")
	}
	for _, prefix := range []string{"10.", "192.168.", "172.16.", "172.17.", "172.18.", "172.19.", "172.2", "172.30.", "172.31.", "169.254."} {
		if strings.HasPrefix(host, prefix) {
			return errors.New("private IP ranges not allowed")
		}
	}
	return nil
}

// LNURLPayInfo is the response to the initial LNURL-pay metadata fetch.
type LNURLPayInfo struct {
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`
	MaxSendable    int64  `json:"maxSendable"`
	Metadata       string `json:"metadata"`
	Tag            string `json:"tag"`
	AllowsNostr    bool   `json:"allowsNostr"`
	NostrPubkey    string `json:"nostrPubkey"`
	CommentAllowed int    `json:"commentAllowed"`
}

type lnurlPayResponse struct {
	PR     string `json:"pr"`
	Routes []any  `json:"routes"`
}

type lnurlError struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// ResolveLightningAddress resolves a lud16 Lightning address (user@domain)
// to its LNURL-pay parameters (grounded on
// vcavallo-nostr-hypermedia/lnurl.go's ResolveLud16; lud06 bech32 LNURLs are
// not supported since this bridge has no bech32-LNURL decoder and lud16 is
// the common case).
func ResolveLightningAddress(address string) (*LNURLPayInfo, error) {
	parts := strings.SplitN(address, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("invalid lightning address: expected user@domain")
	}
	lnurlURL := fmt.Sprintf("https://%s/.well-known/lnurlp/%s", parts[1], strings.ToLower(parts[0]))
	return fetchLNURLPayInfo(lnurlURL)
}

func fetchLNURLPayInfo(lnurlURL string) (*LNURLPayInfo, error) {
	if err := validateExternalURL(lnurlURL); err != nil {
		return nil, fmt.Errorf("invalid lnurl: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), lnurlHTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lnurlURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch lnurl: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("lnurl returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var lerr lnurlError
	if err := json.Unmarshal(body, &lerr); err == nil && lerr.Status == "ERROR" {
		return nil, fmt.Errorf("lnurl error: %s", lerr.Reason)
	}
	var info LNURLPayInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("parse lnurl response: %w", err)
	}
	if info.Tag != "payRequest" {
		return nil, fmt.Errorf("unexpected lnurl tag: %s", info.Tag)
	}
	if info.Callback == "" || info.MinSendable <= 0 || info.MaxSendable <= 0 {
		return nil, errors.New("lnurl response missing callback or amount bounds")
	}
	return &info, nil
}

// requestZapInvoice requests a BOLT11 invoice from the LNURL callback,
// attaching a signed kind-9734 zap request event (NIP-57).
func requestZapInvoice(info *LNURLPayInfo, amountMsats int64, zapRequestJSON string, lnurl string) (string, error) {
	if err := validateExternalURL(info.Callback); err != nil {
		return "", fmt.Errorf("invalid callback url: %w", err)
	}
	if amountMsats < info.MinSendable || amountMsats > info.MaxSendable {
		return "", fmt.Errorf("amount %d msats out of bounds [%d, %d]", amountMsats, info.MinSendable, info.MaxSendable)
	}

	callbackURL, err := url.Parse(info.Callback)
	if err != nil {
		return "", fmt.Errorf("invalid callback url: %w", err)
	}
	q := callbackURL.Query()
	q.Set("amount", fmt.Sprintf("%d", amountMsats))
	if zapRequestJSON != "" {
		q.Set("nostr", zapRequestJSON)
		if lnurl != "" {
			q.Set("lnurl", lnurl)
		}
	}
	callbackURL.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(context.Background(), lnurlHTTPTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callbackURL.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch invoice: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var lerr lnurlError
	if err := json.Unmarshal(body, &lerr); err == nil && lerr.Status == "ERROR" {
		return "", fmt.Errorf("callback error: %s", lerr.Reason)
	}
	var payResp lnurlPayResponse
	if err := json.Unmarshal(body, &payResp); err != nil {
		return "", fmt.Errorf("parse callback response: %w", err)
	}
	if payResp.PR == "" {
		return "", errors.New("callback returned empty invoice")
	}
	return payResp.PR, nil
}

// pendingZap tracks a single issued invoice awaiting its zap receipt.
type pendingZap struct {
	expectedZapperPubKey string
	since                int64
	amountMsats          int64
	unsub                func()
}

// ZapProcessor is the server-side PaymentProcessor for PMIZap: resolves a
// Lightning address to LNURL-pay params, signs and attaches a NIP-57 zap
// request to the invoice callback, and verifies settlement by matching an
// incoming kind-9735 zap receipt's embedded invoice to the one it issued
// (spec §4.W BOLT11 Zap Processor).
type ZapProcessor struct {
	signer              bridge.Signer
	pool                *bridge.RelayPool
	lightningAddress    string
	receiptRelays       []string

	mu      sync.Mutex
	pending map[string]*pendingZap // pay_req -> entry
}

// NewZapProcessor builds a processor that pays lightningAddress, publishing
// zap requests via signer/pool and listening for receipts on receiptRelays
// (the relays the payee's wallet is expected to publish kind-9735 to).
func NewZapProcessor(signer bridge.Signer, pool *bridge.RelayPool, lightningAddress string, receiptRelays []string) *ZapProcessor {
	return &ZapProcessor{
		signer:           signer,
		pool:             pool,
		lightningAddress: lightningAddress,
		receiptRelays:    receiptRelays,
		pending:          make(map[string]*pendingZap),
	}
}

// PMI implements server.PaymentProcessor.
func (z *ZapProcessor) PMI() string { return PMIZap }

// CreatePaymentRequired resolves the configured Lightning address, builds
// and signs a kind-9734 zap request, and exchanges it for an invoice via the
// LNURL callback (spec §4.W).
func (z *ZapProcessor) CreatePaymentRequired(ctx server.CreatePaymentRequiredCtx) (server.PaymentRequiredResult, error) {
	info, err := ResolveLightningAddress(z.lightningAddress)
	if err != nil {
		return server.PaymentRequiredResult{}, fmt.Errorf("resolve lightning address: %w", err)
	}
	if !info.AllowsNostr || info.NostrPubkey == "" {
		return server.PaymentRequiredResult{}, errors.New("lightning address does not support nostr zaps")
	}

	relayTags := make([][]string, 0, len(z.receiptRelays)+2)
	relayTags = append(relayTags, append([]string{"relays"}, z.receiptRelays...))
	relayTags = append(relayTags, []string{"amount", fmt.Sprintf("%d", ctx.AmountMsats)})
	relayTags = append(relayTags, []string{"p", info.NostrPubkey})

	zapTmpl := &bridge.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      bridge.KindZapRequest,
		Tags:      relayTags,
		Content:   ctx.Description,
	}
	zapTmpl.PubKey = z.signer.PublicKey()
	signedZap, err := z.signer.SignEvent(zapTmpl)
	if err != nil {
		return server.PaymentRequiredResult{}, fmt.Errorf("sign zap request: %w", err)
	}
	zapJSON, err := json.Marshal(signedZap)
	if err != nil {
		return server.PaymentRequiredResult{}, err
	}

	invoice, err := requestZapInvoice(info, ctx.AmountMsats, string(zapJSON), z.lightningAddress)
	if err != nil {
		return server.PaymentRequiredResult{}, fmt.Errorf("request zap invoice: %w", err)
	}

	z.mu.Lock()
	z.pending[invoice] = &pendingZap{
		expectedZapperPubKey: info.NostrPubkey,
		since:                time.Now().Unix() - 1,
		amountMsats:          ctx.AmountMsats,
	}
	z.mu.Unlock()

	return server.PaymentRequiredResult{PayReq: invoice, TTLSeconds: 600}, nil
}

// VerifyPayment subscribes for a kind-9735 zap receipt authored by the
// resolved wallet's advertised pubkey since the invoice was issued, and
// confirms the receipt's embedded BOLT11 invoice matches ctx.PayReq (spec
// §4.W).
func (z *ZapProcessor) VerifyPayment(ctx server.VerifyPaymentCtx) error {
	z.mu.Lock()
	entry, ok := z.pending[ctx.PayReq]
	z.mu.Unlock()
	if !ok {
		return fmt.Errorf("no zap request on record for pay_req")
	}
	defer func() {
		z.mu.Lock()
		delete(z.pending, ctx.PayReq)
		z.mu.Unlock()
	}()

	matched := make(chan struct{}, 1)
	filters, _ := json.Marshal(map[string]any{
		"kinds":   []int{bridge.KindZapReceipt},
		"authors": []string{entry.expectedZapperPubKey},
		"since":   entry.since,
	})
	subID := fmt.Sprintf("zap-receipt-%s", ctx.RequestEventID)
	unsub, err := z.pool.Subscribe(subID, filters, func(evt *bridge.Event) {
		if bolt11, ok := evt.TagValue("bolt11"); ok && bolt11 == ctx.PayReq {
			select {
			case matched <- struct{}{}:
			default:
			}
		}
	}, nil)
	if err != nil {
		return fmt.Errorf("subscribe for zap receipt: %w", err)
	}
	defer unsub()

	select {
	case <-matched:
		return nil
	case <-ctx.Abort:
		return bridge.ErrPaymentTTLExpired
	}
}
