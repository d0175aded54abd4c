package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// EncryptGiftWrap seals innerEvent (already signed by its owning Signer) for
// recipientPubKey into an outer event whose kind is chosen by mode and whose
// pubkey belongs to a fresh throwaway keypair (spec §4.S). The outer content
// is the inner event's full JSON, NIP-44 encrypted under a conversation key
// derived from the ephemeral key and the recipient.
func EncryptGiftWrap(ctx context.Context, innerEvent *Event, recipientPubKey string, mode GiftWrapMode) (*Event, error) {
	ephemeral, err := NewEphemeralSigner()
	if err != nil {
		return nil, err
	}
	innerJSON, err := json.Marshal(innerEvent)
	if err != nil {
		return nil, err
	}
	sealed, err := ephemeral.EncryptNIP44(ctx, recipientPubKey, string(innerJSON))
	if err != nil {
		return nil, fmt.Errorf("seal gift wrap: %w", err)
	}
	kind := giftWrapKind(mode)
	tmpl := &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      [][]string{{"p", recipientPubKey}},
		Content:   sealed,
	}
	return ephemeral.SignEvent(tmpl)
}

// DecryptGiftWrap unseals outer (a gift-wrap event addressed to signer) and
// returns the inner event it carries. The outer pubkey is never trusted for
// anything beyond deriving the shared secret; callers must separately check
// the inner event's own pubkey and signature (spec §4.C step 2).
func DecryptGiftWrap(ctx context.Context, outer *Event, signer Signer) (*Event, error) {
	if !IsGiftWrapKind(outer.Kind) {
		return nil, fmt.Errorf("event kind %d is not a gift wrap", outer.Kind)
	}
	plaintext, err := signer.DecryptNIP44(ctx, outer.PubKey, outer.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	var inner Event
	if err := json.Unmarshal([]byte(plaintext), &inner); err != nil {
		return nil, fmt.Errorf("%w: inner event malformed", ErrDecryptFailed)
	}
	return &inner, nil
}

// IsGiftWrapKind reports whether kind is one of the two gift-wrap outer
// kinds (persistent or ephemeral).
func IsGiftWrapKind(kind int) bool {
	return kind == KindGiftWrapPersistent || kind == KindGiftWrapEphemeral
}

func giftWrapKind(mode GiftWrapMode) int {
	if mode == GiftWrapEphemeral {
		return KindGiftWrapEphemeral
	}
	return KindGiftWrapPersistent
}

// ResolveGiftWrapMode resolves the gift-wrap mode at send time. configured
// is the transport's static preference and wins unless it is GiftWrapAuto;
// GiftWrapAuto resolves to ephemeral only when serverAdvertisesEphemeral is
// true. ClientTransport does not learn ephemeral support from the server's
// announcement or initialize traffic: its serverAdvertisesEphemeral field is
// never set, so GiftWrapAuto always resolves to persistent there.
func ResolveGiftWrapMode(configured GiftWrapMode, serverAdvertisesEphemeral bool) GiftWrapMode {
	switch configured {
	case GiftWrapPersistent, GiftWrapEphemeral:
		return configured
	default: // GiftWrapAuto
		if serverAdvertisesEphemeral {
			return GiftWrapEphemeral
		}
		return GiftWrapPersistent
	}
}
