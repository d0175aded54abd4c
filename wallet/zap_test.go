package wallet

import (
	"testing"

	"github.com/nostrmcp/bridge/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateExternalURL(t *testing.T) {
	t.Run("AllowsPublicHTTPS", func(t *testing.T) {
		assert.NoError(t, validateExternalURL("https://relay.example.com/.well-known/lnurlp/alice"))
	})

	t.Run("RejectsNonHTTPScheme", func(t *testing.T) {
		assert.Error(t, validateExternalURL("ftp://example.com/file"))
	})

	t.Run("RejectsMalformedURL", func(t *testing.T) {
		assert.Error(t, validateExternalURL("://not-a-url"))
	})

	t.Run("RejectsLocalhost", func(t *testing.T) {
		assert.Error(t, validateExternalURL("http://localhost/x"))
	})

	t.Run("RejectsLoopbackIP", func(t *testing.T) {
		assert.Error(t, validateExternalURL("http://127.0.0.1/x"))
	})

	t.Run("RejectsDotInternalSuffix", func(t *testing.T) {
		assert.Error(t, validateExternalURL("https://wallet.internal/x"))
	})

	t.Run("RejectsPrivateTenDotRange", func(t *testing.T) {
		assert.Error(t, validateExternalURL("http://10.0.0.5/x"))
	})

	t.Run("RejectsPrivate192Range", func(t *testing.T) {
		assert.Error(t, validateExternalURL("http://192.168.1.1/x"))
	})

	t.Run("RejectsLinkLocal", func(t *testing.T) {
		assert.Error(t, validateExternalURL("http://169.254.1.1/x"))
	})
}

func TestResolveLightningAddressRejectsMalformedAddress(t *testing.T) {
	_, err := ResolveLightningAddress("not-an-address")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid lightning address")
}

func TestResolveLightningAddressRejectsEmptyParts(t *testing.T) {
	_, err := ResolveLightningAddress("@domain.com")
	assert.Error(t, err)

	_, err = ResolveLightningAddress("user@")
	assert.Error(t, err)
}

func TestRequestZapInvoiceRejectsUnsafeCallback(t *testing.T) {
	info := &LNURLPayInfo{Callback: "http://localhost/callback", MinSendable: 1000, MaxSendable: 1_000_000}
	_, err := requestZapInvoice(info, 5000, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid callback url")
}

func TestRequestZapInvoiceRejectsAmountOutOfBounds(t *testing.T) {
	info := &LNURLPayInfo{Callback: "https://relay.example.com/callback", MinSendable: 1000, MaxSendable: 2000}
	_, err := requestZapInvoice(info, 5000, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "out of bounds")
}

func TestZapProcessorPMI(t *testing.T) {
	z := NewZapProcessor(nil, nil, "alice@example.com", nil)
	assert.Equal(t, PMIZap, z.PMI())
}

func TestZapProcessorVerifyPaymentRequiresKnownPayReq(t *testing.T) {
	z := NewZapProcessor(nil, nil, "alice@example.com", nil)
	abort := make(chan struct{})
	close(abort)
	err := z.VerifyPayment(server.VerifyPaymentCtx{PayReq: "unknown-pay-req", Abort: abort})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no zap request on record")
}
