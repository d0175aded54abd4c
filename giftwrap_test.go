package bridge

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGiftWrapRoundTrip(t *testing.T) {
	sender, err := NewKeySigner(testSkA)
	require.NoError(t, err)
	recipient, err := NewKeySigner(testSkB)
	require.NoError(t, err)

	inner, err := sender.SignEvent(&Event{Kind: KindApplicationMessage, Content: `{"jsonrpc":"2.0","method":"ping"}`})
	require.NoError(t, err)

	ctx := context.Background()

	t.Run("PersistentMode", func(t *testing.T) {
		outer, err := EncryptGiftWrap(ctx, inner, recipient.PublicKey(), GiftWrapPersistent)
		require.NoError(t, err)
		assert.Equal(t, KindGiftWrapPersistent, outer.Kind)
		assert.NotEqual(t, sender.PublicKey(), outer.PubKey, "outer event must be signed by a throwaway key")

		unwrapped, err := DecryptGiftWrap(ctx, outer, recipient)
		require.NoError(t, err)
		assert.Equal(t, inner.ID, unwrapped.ID)
		assert.Equal(t, inner.Content, unwrapped.Content)
	})

	t.Run("EphemeralMode", func(t *testing.T) {
		outer, err := EncryptGiftWrap(ctx, inner, recipient.PublicKey(), GiftWrapEphemeral)
		require.NoError(t, err)
		assert.Equal(t, KindGiftWrapEphemeral, outer.Kind)
	})

	t.Run("WrongRecipientCannotDecrypt", func(t *testing.T) {
		outer, err := EncryptGiftWrap(ctx, inner, recipient.PublicKey(), GiftWrapPersistent)
		require.NoError(t, err)

		eavesdropper, err := NewKeySigner(testSkA)
		require.NoError(t, err)
		_, err = DecryptGiftWrap(ctx, outer, eavesdropper)
		assert.Error(t, err)
	})

	t.Run("NonGiftWrapKindRejected", func(t *testing.T) {
		_, err := DecryptGiftWrap(ctx, inner, recipient)
		assert.Error(t, err)
	})
}

func TestIsGiftWrapKind(t *testing.T) {
	assert.True(t, IsGiftWrapKind(KindGiftWrapPersistent))
	assert.True(t, IsGiftWrapKind(KindGiftWrapEphemeral))
	assert.False(t, IsGiftWrapKind(KindApplicationMessage))
}

func TestResolveGiftWrapMode(t *testing.T) {
	t.Run("ExplicitPersistentAlwaysWins", func(t *testing.T) {
		assert.Equal(t, GiftWrapPersistent, ResolveGiftWrapMode(GiftWrapPersistent, true))
	})
	t.Run("ExplicitEphemeralAlwaysWins", func(t *testing.T) {
		assert.Equal(t, GiftWrapEphemeral, ResolveGiftWrapMode(GiftWrapEphemeral, false))
	})
	t.Run("AutoFollowsServerAdvertisement", func(t *testing.T) {
		assert.Equal(t, GiftWrapEphemeral, ResolveGiftWrapMode(GiftWrapAuto, true))
		assert.Equal(t, GiftWrapPersistent, ResolveGiftWrapMode(GiftWrapAuto, false))
	})
}
