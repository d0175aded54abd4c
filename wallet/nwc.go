// Package wallet implements the bridge's NIP-47 ("Nostr Wallet Connect")
// client and the two BOLT11 payment processors built on top of it (spec
// §4.W): a direct NWC make_invoice/lookup_invoice processor, and a NIP-57
// zap processor for wallets that only expose a Lightning address.
package wallet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nostrmcp/bridge"
)

// ConnectionURI is a parsed `nostr+walletconnect://` URI (spec §4.W NIP-47
// Client, grounded on other_examples/4aae35f8's ParseNWCString).
type ConnectionURI struct {
	WalletPubKey string
	Relay        string
	Secret       string
}

// ParseConnectionURI parses a NWC connection string of the form
// `nostr+walletconnect://<walletPubkey>?relay=<relay>&secret=<secret>`.
func ParseConnectionURI(uri string) (ConnectionURI, error) {
	const scheme = "nostr+walletconnect://"
	if !strings.HasPrefix(uri, scheme) {
		return ConnectionURI{}, fmt.Errorf("invalid NWC uri: must start with %s", scheme)
	}
	u, err := url.Parse(uri)
	if err != nil {
		return ConnectionURI{}, fmt.Errorf("parse NWC uri: %w", err)
	}
	walletPubKey := u.Host
	q := u.Query()
	relay := q.Get("relay")
	secret := q.Get("secret")
	if walletPubKey == "" || relay == "" || secret == "" {
		return ConnectionURI{}, fmt.Errorf("NWC uri missing pubkey, relay, or secret")
	}
	return ConnectionURI{WalletPubKey: walletPubKey, Relay: relay, Secret: secret}, nil
}

// NWCClient is the NIP-47 wallet client (spec §4.W): request/response over
// relays, serialized per-instance (one in-flight wallet request at a time),
// content encrypted via NIP-04 under the connection secret.
type NWCClient struct {
	walletPubKey string
	signer       bridge.Signer
	pool         *bridge.RelayPool

	mu sync.Mutex // serializes Request calls per spec §4.W

	notifMu        sync.Mutex
	notifSubs      []func(notification NWCNotification)
	notifUnsub     func()
}

// NWCNotification is a decrypted kind-23196/23197 wallet notification
// (e.g. `payment_received`).
type NWCNotification struct {
	NotificationType string          `json:"notification_type"`
	Notification     json.RawMessage `json:"notification"`
}

type nwcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type nwcResponse struct {
	ResultType string          `json:"result_type"`
	Error      *nwcError       `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type nwcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewNWCClient builds a client over conn, signing/encrypting requests with
// signer and exchanging them over pool (which must already be connected to
// conn.Relay, among others).
func NewNWCClient(conn ConnectionURI, signer bridge.Signer, pool *bridge.RelayPool) *NWCClient {
	return &NWCClient{walletPubKey: conn.WalletPubKey, signer: signer, pool: pool}
}

// Request sends method/params to the wallet and waits for the first
// matching kind-23195 response, decrypting and validating
// `result_type == method` (spec §4.W).
func (c *NWCClient) Request(ctx context.Context, method string, params any, expected any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	content, err := json.Marshal(nwcRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal nwc request: %w", err)
	}
	encrypted, err := c.signer.EncryptNIP04(ctx, c.walletPubKey, string(content))
	if err != nil {
		return fmt.Errorf("encrypt nwc request: %w", err)
	}

	tmpl := &bridge.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      bridge.KindWalletRequest,
		Tags:      [][]string{{"p", c.walletPubKey}},
		Content:   encrypted,
	}
	tmpl.PubKey = c.signer.PublicKey()
	signed, err := c.signer.SignEvent(tmpl)
	if err != nil {
		return fmt.Errorf("sign nwc request: %w", err)
	}

	respCh := make(chan *bridge.Event, 1)
	subID := fmt.Sprintf("nwc-req-%s", signed.ID)
	since := time.Now().Add(-5 * time.Second).Unix()
	filters, _ := json.Marshal(map[string]any{
		"kinds":   []int{bridge.KindWalletResponse},
		"authors": []string{c.walletPubKey},
		"#e":      []string{signed.ID},
		"since":   since,
	})
	unsub, err := c.pool.Subscribe(subID, filters, func(evt *bridge.Event) {
		select {
		case respCh <- evt:
		default:
		}
	}, nil)
	if err != nil {
		return fmt.Errorf("subscribe for nwc response: %w", err)
	}
	defer unsub()

	pubCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.pool.Publish(pubCtx, signed); err != nil {
		return fmt.Errorf("publish nwc request: %w", err)
	}

	select {
	case evt := <-respCh:
		return c.decodeResponse(ctx, evt, method, expected)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *NWCClient) decodeResponse(ctx context.Context, evt *bridge.Event, method string, expected any) error {
	plaintext, err := c.signer.DecryptNIP04(ctx, c.walletPubKey, evt.Content)
	if err != nil {
		return fmt.Errorf("decrypt nwc response: %w", err)
	}
	var resp nwcResponse
	if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
		return fmt.Errorf("malformed nwc response: %w", err)
	}
	if resp.ResultType != method {
		return fmt.Errorf("nwc response type %q does not match request method %q", resp.ResultType, method)
	}
	if resp.Error != nil {
		return fmt.Errorf("nwc error %s: %s", resp.Error.Code, resp.Error.Message)
	}
	if expected != nil {
		if err := json.Unmarshal(resp.Result, expected); err != nil {
			return fmt.Errorf("decode nwc result: %w", err)
		}
	}
	return nil
}

// FetchInfoNotificationTypes reads the wallet's kind-13194 info event and
// returns the notification types it advertises (spec §4.W
// fetchInfoNotificationTypes()).
func (c *NWCClient) FetchInfoNotificationTypes(ctx context.Context) ([]string, error) {
	filters, _ := json.Marshal(map[string]any{
		"kinds":   []int{bridge.KindWalletInfo},
		"authors": []string{c.walletPubKey},
		"limit":   1,
	})

	found := make(chan *bridge.Event, 1)
	subID := fmt.Sprintf("nwc-info-%d", time.Now().UnixNano())
	unsub, err := c.pool.Subscribe(subID, filters, func(evt *bridge.Event) {
		select {
		case found <- evt:
		default:
		}
	}, nil)
	if err != nil {
		return nil, err
	}
	defer unsub()

	select {
	case evt := <-found:
		tags := evt.TagValues("notifications")
		if len(tags) > 0 {
			return strings.Fields(tags[0]), nil
		}
		return strings.Fields(evt.Content), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timed out waiting for wallet info event")
	}
}

// SubscribeNotifications starts a continuous stream of decrypted wallet
// notifications (kind 23196, falling back to the legacy 23197), invoking
// onNotification for each (spec §4.W subscribeNotifications).
func (c *NWCClient) SubscribeNotifications(ctx context.Context, onNotification func(NWCNotification)) (func(), error) {
	filters, _ := json.Marshal(map[string]any{
		"kinds":   []int{bridge.KindWalletNotification, bridge.KindWalletNotificationLegacy},
		"authors": []string{c.walletPubKey},
		"#p":      []string{c.signer.PublicKey()},
		"since":   time.Now().Unix(),
	})
	subID := fmt.Sprintf("nwc-notif-%s", c.signer.PublicKey())
	return c.pool.Subscribe(subID, filters, func(evt *bridge.Event) {
		plaintext, err := c.signer.DecryptNIP04(ctx, c.walletPubKey, evt.Content)
		if err != nil {
			return
		}
		var n NWCNotification
		if err := json.Unmarshal([]byte(plaintext), &n); err != nil {
			return
		}
		onNotification(n)
	}, nil)
}
