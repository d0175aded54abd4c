package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RelayPool presents a single logical pub/sub endpoint over a fixed set of
// relay URLs, grounded on vcavallo-nostr-hypermedia/relay_pool.go's
// per-relay-connection-with-subscriptions shape, generalized from "one
// connection per URL" to "one connection GROUP, rebuilt atomically on
// liveness failure" per spec §4.R.
type RelayPool struct {
	urls []string

	pingFrequency time.Duration
	pingTimeout   time.Duration

	mu          sync.Mutex
	group       *relayGroup
	descriptors map[string]*subDescriptor // subID -> descriptor, replayed across rebuilds
	rebuilding  bool
	rebuildDone chan struct{}
	closed      bool
}

type subDescriptor struct {
	id      string
	filters json.RawMessage
	onEvent func(*Event)
	onEose  func()
}

// relayGroup is one generation of live connections, one per configured URL.
type relayGroup struct {
	mu    sync.Mutex
	conns map[string]*relayConn
}

type relayConn struct {
	url     string
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  bool
}

// NewRelayPool constructs a pool over urls. pingFrequency/pingTimeout default
// to 10s/5s (spec §4.R: "a few seconds") when zero.
func NewRelayPool(urls []string, pingFrequency, pingTimeout time.Duration) *RelayPool {
	if pingFrequency <= 0 {
		pingFrequency = 10 * time.Second
	}
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	return &RelayPool{
		urls:          urls,
		pingFrequency: pingFrequency,
		pingTimeout:   pingTimeout,
		descriptors:   make(map[string]*subDescriptor),
	}
}

// GetRelayUrls returns the configured URL list (spec §4.R getRelayUrls).
func (p *RelayPool) GetRelayUrls() []string {
	out := make([]string, len(p.urls))
	copy(out, p.urls)
	return out
}

// Connect dials every configured relay and starts the liveness loop. It
// returns once the connection group exists, not once every relay is
// reachable (unreachable relays are simply absent from the group and are
// retried by the next rebuild).
func (p *RelayPool) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrTransportClosed
	}
	if p.group != nil {
		return nil
	}
	p.group = p.dialGroup(ctx)
	go p.livenessLoop()
	return nil
}

// Disconnect tears down the current group. Idempotent.
func (p *RelayPool) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.group != nil {
		p.group.closeAll()
		p.group = nil
	}
	return nil
}

func (p *RelayPool) dialGroup(ctx context.Context) *relayGroup {
	g := &relayGroup{conns: make(map[string]*relayConn)}
	for _, url := range p.urls {
		rc, err := dialRelay(ctx, url)
		if err != nil {
			log.Printf("relaypool: dial %s failed: %v", url, err)
			continue
		}
		g.conns[url] = rc
		go p.readLoop(g, rc)
	}
	return g
}

func dialRelay(ctx context.Context, url string) (*relayConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &relayConn{url: url, conn: conn}, nil
}

func (g *relayGroup) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, rc := range g.conns {
		rc.markClosed()
	}
	g.conns = map[string]*relayConn{}
}

func (rc *relayConn) markClosed() {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	rc.conn.Close()
}

func (rc *relayConn) writeJSON(v any) error {
	rc.writeMu.Lock()
	defer rc.writeMu.Unlock()
	if rc.closed {
		return ErrTransportClosed
	}
	rc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer rc.conn.SetWriteDeadline(time.Time{})
	return rc.conn.WriteJSON(v)
}

// readLoop dispatches raw relay frames ["EVENT",subID,evt] / ["EOSE",subID]
// to registered descriptors, mirroring the teacher's RelayConn.readLoop
// message-type switch.
func (p *RelayPool) readLoop(g *relayGroup, rc *relayConn) {
	for {
		var msg []json.RawMessage
		if err := rc.conn.ReadJSON(&msg); err != nil {
			rc.markClosed()
			return
		}
		if len(msg) < 2 {
			continue
		}
		var msgType string
		if err := json.Unmarshal(msg[0], &msgType); err != nil {
			continue
		}
		switch msgType {
		case "EVENT":
			if len(msg) < 3 {
				continue
			}
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			var evt Event
			if err := json.Unmarshal(msg[2], &evt); err != nil {
				continue
			}
			p.mu.Lock()
			desc := p.descriptors[subID]
			p.mu.Unlock()
			if desc != nil && desc.onEvent != nil {
				desc.onEvent(&evt)
			}
		case "EOSE":
			var subID string
			if err := json.Unmarshal(msg[1], &subID); err != nil {
				continue
			}
			p.mu.Lock()
			desc := p.descriptors[subID]
			p.mu.Unlock()
			if desc != nil && desc.onEose != nil {
				desc.onEose()
			}
		case "NOTICE":
			var notice string
			json.Unmarshal(msg[1], &notice)
			log.Printf("relaypool: NOTICE from %s: %s", rc.url, notice)
		}
	}
}

// Subscribe registers filters under subID and sends REQ to every connection
// in the current group. The descriptor is retained so that a later rebuild
// replays it onto the fresh group (spec §4.R / P6).
func (p *RelayPool) Subscribe(subID string, filters json.RawMessage, onEvent func(*Event), onEose func()) (func(), error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrTransportClosed
	}
	desc := &subDescriptor{id: subID, filters: filters, onEvent: onEvent, onEose: onEose}
	p.descriptors[subID] = desc
	g := p.group
	p.mu.Unlock()

	if g != nil {
		sendReq(g, subID, filters)
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.descriptors, subID)
			g := p.group
			p.mu.Unlock()
			if g != nil {
				sendClose(g, subID)
			}
		})
	}
	return unsubscribe, nil
}

func sendReq(g *relayGroup, subID string, filters json.RawMessage) {
	g.mu.Lock()
	conns := make([]*relayConn, 0, len(g.conns))
	for _, rc := range g.conns {
		conns = append(conns, rc)
	}
	g.mu.Unlock()
	req := []any{"REQ", subID, json.RawMessage(filters)}
	for _, rc := range conns {
		if err := rc.writeJSON(req); err != nil {
			log.Printf("relaypool: REQ to %s failed: %v", rc.url, err)
		}
	}
}

func sendClose(g *relayGroup, subID string) {
	g.mu.Lock()
	conns := make([]*relayConn, 0, len(g.conns))
	for _, rc := range g.conns {
		conns = append(conns, rc)
	}
	g.mu.Unlock()
	msg := []any{"CLOSE", subID}
	for _, rc := range conns {
		rc.writeJSON(msg)
	}
}

// Publish succeeds as soon as at least one connection in the current group
// accepts the event, retrying with bounded exponential backoff (base 250ms,
// cap 5s, jitter) until abortCtx is done (spec §4.R, P5). Unlike the
// teacher's fixed maxRetries=3, this loop never gives up on its own —
// indefinite relay unavailability is retried forever, only abort stops it.
func (p *RelayPool) Publish(abortCtx context.Context, evt *Event) error {
	const (
		base = 250 * time.Millisecond
		cap  = 5 * time.Second
	)
	attempt := 0
	for {
		select {
		case <-abortCtx.Done():
			return abortCtx.Err()
		default:
		}

		p.mu.Lock()
		g := p.group
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return ErrTransportClosed
		}

		if g != nil && publishToAnyConn(g, evt) {
			return nil
		}

		delay := backoffDelay(base, cap, attempt)
		attempt++
		timer := time.NewTimer(delay)
		select {
		case <-abortCtx.Done():
			timer.Stop()
			return abortCtx.Err()
		case <-timer.C:
		}
	}
}

func backoffDelay(base, capDelay time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d <= 0 || d > capDelay {
		d = capDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4 + 1))
	return d + jitter
}

func publishToAnyConn(g *relayGroup, evt *Event) bool {
	g.mu.Lock()
	conns := make([]*relayConn, 0, len(g.conns))
	for _, rc := range g.conns {
		conns = append(conns, rc)
	}
	g.mu.Unlock()
	msg := []any{"EVENT", evt}
	ok := false
	for _, rc := range conns {
		if err := rc.writeJSON(msg); err == nil {
			ok = true
		}
	}
	return ok
}

// livenessLoop sends a cheap probe subscription on pingFrequency and expects
// an EOSE within pingTimeout; a timeout triggers a single-flight rebuild
// (spec §4.R liveness / P6).
func (p *RelayPool) livenessLoop() {
	ticker := time.NewTicker(p.pingFrequency)
	defer ticker.Stop()
	for range ticker.C {
		p.mu.Lock()
		closed := p.closed
		hasSubs := len(p.descriptors) > 0
		g := p.group
		p.mu.Unlock()
		if closed {
			return
		}
		if !hasSubs || g == nil {
			continue
		}
		if !p.probe(g) {
			p.rebuild()
		}
	}
}

func (p *RelayPool) probe(g *relayGroup) bool {
	probeID := fmt.Sprintf("live-%d", time.Now().UnixNano())
	done := make(chan struct{})
	var once sync.Once
	onEose := func() { once.Do(func() { close(done) }) }

	p.mu.Lock()
	p.descriptors[probeID] = &subDescriptor{id: probeID, onEose: onEose}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.descriptors, probeID)
		p.mu.Unlock()
		sendClose(g, probeID)
	}()

	sendReq(g, probeID, json.RawMessage(`{"limit":0}`))
	select {
	case <-done:
		return true
	case <-time.After(p.pingTimeout):
		return false
	}
}

// rebuild tears down the current group and dials a fresh one, replaying
// every live descriptor (spec §4.R: "tear down the current group, create a
// fresh one, re-register all descriptors, and resume"). Rebuilds are
// single-flight: a rebuild already running is awaited, not restarted.
func (p *RelayPool) rebuild() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.rebuilding {
		done := p.rebuildDone
		p.mu.Unlock()
		if done != nil {
			<-done
		}
		return
	}
	p.rebuilding = true
	p.rebuildDone = make(chan struct{})
	oldGroup := p.group
	p.mu.Unlock()

	log.Printf("relaypool: rebuilding connection group")
	newGroup := p.dialGroup(context.Background())

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		newGroup.closeAll()
		return
	}
	p.group = newGroup
	descs := make([]*subDescriptor, 0, len(p.descriptors))
	for _, d := range p.descriptors {
		descs = append(descs, d)
	}
	p.rebuilding = false
	close(p.rebuildDone)
	p.rebuildDone = nil
	p.mu.Unlock()

	for _, d := range descs {
		sendReq(newGroup, d.id, d.filters)
	}
	if oldGroup != nil {
		oldGroup.closeAll()
	}
}
