package wallet

import (
	"context"
	"testing"

	"github.com/nostrmcp/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConnectionURIParsesWellFormedURI(t *testing.T) {
	uri := "nostr+walletconnect://abcd1234?relay=wss%3A%2F%2Frelay.example.com&secret=topsecret"
	conn, err := ParseConnectionURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "abcd1234", conn.WalletPubKey)
	assert.Equal(t, "wss://relay.example.com", conn.Relay)
	assert.Equal(t, "topsecret", conn.Secret)
}

func TestParseConnectionURIRejectsWrongScheme(t *testing.T) {
	_, err := ParseConnectionURI("https://abcd1234?relay=wss://relay.example.com&secret=topsecret")
	assert.Error(t, err)
}

func TestParseConnectionURIRejectsMissingFields(t *testing.T) {
	_, err := ParseConnectionURI("nostr+walletconnect://abcd1234?relay=wss://relay.example.com")
	assert.Error(t, err)

	_, err = ParseConnectionURI("nostr+walletconnect://?relay=wss://relay.example.com&secret=topsecret")
	assert.Error(t, err)
}

func TestNWCClientDecodeResponseRoundTrip(t *testing.T) {
	clientSigner, err := bridge.NewKeySigner("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	walletSigner, err := bridge.NewKeySigner("0000000000000000000000000000000000000000000000000000000000000002")
	require.NoError(t, err)

	c := NewNWCClient(ConnectionURI{WalletPubKey: walletSigner.PublicKey()}, clientSigner, nil)

	plaintext := `{"result_type":"make_invoice","result":{"invoice":"lnbc1..."}}`
	ciphertext, err := walletSigner.EncryptNIP04(context.Background(), clientSigner.PublicKey(), plaintext)
	require.NoError(t, err)

	evt := &bridge.Event{Content: ciphertext}
	var result struct {
		Invoice string `json:"invoice"`
	}
	err = c.decodeResponse(context.Background(), evt, "make_invoice", &result)
	require.NoError(t, err)
	assert.Equal(t, "lnbc1...", result.Invoice)
}

func TestNWCClientDecodeResponseRejectsMismatchedMethod(t *testing.T) {
	clientSigner, err := bridge.NewKeySigner("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	walletSigner, err := bridge.NewKeySigner("0000000000000000000000000000000000000000000000000000000000000002")
	require.NoError(t, err)

	c := NewNWCClient(ConnectionURI{WalletPubKey: walletSigner.PublicKey()}, clientSigner, nil)

	plaintext := `{"result_type":"lookup_invoice","result":{}}`
	ciphertext, err := walletSigner.EncryptNIP04(context.Background(), clientSigner.PublicKey(), plaintext)
	require.NoError(t, err)

	err = c.decodeResponse(context.Background(), &bridge.Event{Content: ciphertext}, "make_invoice", nil)
	assert.Error(t, err)
}

func TestNWCClientDecodeResponseSurfacesWalletError(t *testing.T) {
	clientSigner, err := bridge.NewKeySigner("0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	walletSigner, err := bridge.NewKeySigner("0000000000000000000000000000000000000000000000000000000000000002")
	require.NoError(t, err)

	c := NewNWCClient(ConnectionURI{WalletPubKey: walletSigner.PublicKey()}, clientSigner, nil)

	plaintext := `{"result_type":"make_invoice","error":{"code":"INTERNAL","message":"wallet offline"}}`
	ciphertext, err := walletSigner.EncryptNIP04(context.Background(), clientSigner.PublicKey(), plaintext)
	require.NoError(t, err)

	err = c.decodeResponse(context.Background(), &bridge.Event{Content: ciphertext}, "make_invoice", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet offline")
}
