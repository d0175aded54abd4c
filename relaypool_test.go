package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRelayPoolAppliesDefaults(t *testing.T) {
	p := NewRelayPool([]string{"wss://relay.example"}, 0, 0)
	assert.Equal(t, 10*time.Second, p.pingFrequency)
	assert.Equal(t, 5*time.Second, p.pingTimeout)
}

func TestGetRelayUrlsReturnsACopy(t *testing.T) {
	p := NewRelayPool([]string{"wss://a", "wss://b"}, time.Second, time.Second)
	urls := p.GetRelayUrls()
	urls[0] = "mutated"
	assert.Equal(t, []string{"wss://a", "wss://b"}, p.GetRelayUrls())
}

func TestRelayPoolSubscribeRegistersAndUnsubscribeRemoves(t *testing.T) {
	p := NewRelayPool(nil, time.Second, time.Second)
	unsub, err := p.Subscribe("sub-1", []byte(`{}`), func(*Event) {}, nil)
	require.NoError(t, err)

	p.mu.Lock()
	_, ok := p.descriptors["sub-1"]
	p.mu.Unlock()
	assert.True(t, ok)

	unsub()
	p.mu.Lock()
	_, ok = p.descriptors["sub-1"]
	p.mu.Unlock()
	assert.False(t, ok)

	// calling unsub a second time must not panic
	unsub()
}

func TestRelayPoolSubscribeAfterDisconnectFails(t *testing.T) {
	p := NewRelayPool(nil, time.Second, time.Second)
	require.NoError(t, p.Disconnect())

	_, err := p.Subscribe("sub-1", []byte(`{}`), nil, nil)
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestRelayPoolConnectAfterDisconnectFails(t *testing.T) {
	p := NewRelayPool(nil, time.Second, time.Second)
	require.NoError(t, p.Disconnect())
	assert.ErrorIs(t, p.Connect(context.Background()), ErrTransportClosed)
}

func TestRelayPoolDisconnectIsIdempotent(t *testing.T) {
	p := NewRelayPool(nil, time.Second, time.Second)
	require.NoError(t, p.Disconnect())
	require.NoError(t, p.Disconnect())
}

func TestRelayPoolPublishFailsWhenClosed(t *testing.T) {
	p := NewRelayPool(nil, time.Second, time.Second)
	require.NoError(t, p.Disconnect())

	err := p.Publish(context.Background(), &Event{ID: "x"})
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestRelayPoolPublishAbortsOnContextCancel(t *testing.T) {
	p := NewRelayPool(nil, time.Second, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Publish(ctx, &Event{ID: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoffDelayStaysWithinCapPlusJitter(t *testing.T) {
	base := 250 * time.Millisecond
	cap := 5 * time.Second
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(base, cap, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, cap+cap/4+1)
	}
}

func TestBackoffDelayEventuallyReachesCap(t *testing.T) {
	base := 250 * time.Millisecond
	cap := 5 * time.Second
	d := backoffDelay(base, cap, 20) // base<<20 overflows/exceeds cap comfortably
	assert.GreaterOrEqual(t, d, cap)
	assert.LessOrEqual(t, d, cap+cap/4+1)
}
