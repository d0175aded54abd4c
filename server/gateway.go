package server

import (
	"context"
	"fmt"
	"log"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/nostrmcp/bridge"
)

// McpBackend is the MCP client transport the gateway forwards requests to:
// either one pre-configured instance (fan-in) or one per remote client
// (fan-out), produced by a ClientTransportFactory.
type McpBackend interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, msg *bridge.Message) error
	Close() error
	OnMessage() <-chan *bridge.Message
	OnError() <-chan error
}

// TerminatingBackend is implemented by backends that support an explicit
// session-termination step distinct from Close (spec §4.G: "Eviction calls
// the backend's optional terminateSession(), then close()").
type TerminatingBackend interface {
	TerminateSession() error
}

// ClientTransportFactory produces a per-client MCP backend on demand (spec
// §4.G factory mode).
type ClientTransportFactory func(clientPubKey string) (McpBackend, error)

// Gateway composes a ServerTransport with either a single MCP backend or a
// per-client backend factory backed by an LRU (spec §4.G).
type Gateway struct {
	server *ServerTransport

	single  McpBackend
	factory ClientTransportFactory

	mu       sync.Mutex
	backends *lru.Cache[string, McpBackend]
	group    singleflight.Group

	pumpCancel context.CancelFunc
	wg         sync.WaitGroup
}

// NewSingleBackendGateway composes server with one pre-configured backend
// (fan-in mode).
func NewSingleBackendGateway(server *ServerTransport, backend McpBackend) *Gateway {
	return &Gateway{server: server, single: backend}
}

// NewFactoryGateway composes server with a per-client backend factory,
// capped at maxBackends (default 1000).
func NewFactoryGateway(server *ServerTransport, factory ClientTransportFactory, maxBackends int) *Gateway {
	if maxBackends <= 0 {
		maxBackends = 1000
	}
	g := &Gateway{server: server, factory: factory}
	cache, _ := lru.NewWithEvict[string, McpBackend](maxBackends, func(clientPubKey string, backend McpBackend) {
		g.evictBackend(clientPubKey, backend)
	})
	g.backends = cache
	return g
}

func (g *Gateway) evictBackend(clientPubKey string, backend McpBackend) {
	if tb, ok := backend.(TerminatingBackend); ok {
		if err := tb.TerminateSession(); err != nil {
			log.Printf("gateway: terminate session for %s: %v", clientPubKey, err)
		}
	}
	if err := backend.Close(); err != nil {
		log.Printf("gateway: close backend for %s: %v", clientPubKey, err)
	}
}

// Start starts the server transport (and the single backend, in fan-in
// mode), then begins pumping server-transport messages to backends and
// backend responses back to the server transport.
func (g *Gateway) Start(ctx context.Context) error {
	if err := g.server.Start(ctx); err != nil {
		return err
	}
	pctx, cancel := context.WithCancel(context.Background())
	g.pumpCancel = cancel
	if g.single != nil {
		if err := g.single.Start(ctx); err != nil {
			return err
		}
		g.wg.Add(1)
		go g.pumpBackend(pctx, g.single)
	}

	g.wg.Add(1)
	go g.pumpServerMessages(pctx)
	return nil
}

// Stop closes the server transport, awaits all in-flight backend
// creations, then closes every backend (spec §4.G stop()).
func (g *Gateway) Stop() error {
	if g.pumpCancel != nil {
		g.pumpCancel()
	}
	err := g.server.Close()
	g.wg.Wait()

	if g.single != nil {
		if cerr := g.single.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if g.backends != nil {
		g.mu.Lock()
		for _, key := range g.backends.Keys() {
			if backend, ok := g.backends.Peek(key); ok {
				if cerr := backend.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}
		}
		g.backends.Purge()
		g.mu.Unlock()
	}
	return err
}

// pumpServerMessages reads messages-with-context off the server transport
// and forwards each to the right backend; messages with no client route are
// not forwarded. The transport's own announcement requests carry no client
// and arrive only on OnMessage: they go to the single backend in fan-in
// mode and are never forwarded in factory mode (spec §4.G).
func (g *Gateway) pumpServerMessages(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case mc, ok := <-g.server.OnMessageWithContext():
			if !ok {
				return
			}
			clientPubKey := g.clientPubKeyForMessage(mc)
			if clientPubKey == "" {
				continue
			}
			backend, err := g.backendFor(ctx, clientPubKey)
			if err != nil {
				log.Printf("gateway: get backend for %s: %v", clientPubKey, err)
				continue
			}
			if err := backend.Send(ctx, mc.Message); err != nil {
				log.Printf("gateway: forward to backend for %s: %v", clientPubKey, err)
			}
		case msg, ok := <-g.server.OnMessage():
			if !ok {
				return
			}
			// Client traffic is handled from the context stream above.
			if g.single == nil || !msg.IsRequest() || msg.ID.String() != bridge.NewRPCID(announcementRequestID).String() {
				continue
			}
			if err := g.single.Send(ctx, msg); err != nil {
				log.Printf("gateway: forward announcement request: %v", err)
			}
		}
	}
}

func (g *Gateway) clientPubKeyForMessage(mc bridge.MessageWithContext) string {
	if route, ok := g.server.routes.Get(mc.Context.EventID); ok {
		return route.ClientPubKey
	}
	return ""
}

func (g *Gateway) backendFor(ctx context.Context, clientPubKey string) (McpBackend, error) {
	if g.single != nil {
		return g.single, nil
	}

	g.mu.Lock()
	if backend, ok := g.backends.Get(clientPubKey); ok {
		g.mu.Unlock()
		return backend, nil
	}
	g.mu.Unlock()

	v, err, _ := g.group.Do(clientPubKey, func() (any, error) {
		g.mu.Lock()
		if backend, ok := g.backends.Get(clientPubKey); ok {
			g.mu.Unlock()
			return backend, nil
		}
		g.mu.Unlock()

		backend, err := g.factory(clientPubKey)
		if err != nil {
			return nil, err
		}
		if err := backend.Start(ctx); err != nil {
			return nil, err
		}
		g.wg.Add(1)
		go g.pumpBackend(ctx, backend)

		g.mu.Lock()
		g.backends.Add(clientPubKey, backend)
		g.mu.Unlock()
		return backend, nil
	})
	if err != nil {
		return nil, fmt.Errorf("create backend for %s: %w", clientPubKey, err)
	}
	return v.(McpBackend), nil
}

// pumpBackend relays a backend's own message stream back through the
// server transport until ctx is cancelled or the backend's channels close.
func (g *Gateway) pumpBackend(ctx context.Context, backend McpBackend) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-backend.OnMessage():
			if !ok {
				return
			}
			if err := g.server.Send(context.Background(), msg); err != nil {
				log.Printf("gateway: route backend response: %v", err)
			}
		case err, ok := <-backend.OnError():
			if !ok {
				return
			}
			log.Printf("gateway: backend error: %v", err)
		}
	}
}
