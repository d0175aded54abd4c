// Command bridge-gateway runs a Nostr-side MCP server that forwards every
// request to a single downstream MCP server reached over HTTP, wiring
// together this module's Nostr transport, authorization policy, and the
// mcpgobackend adapter onto mark3labs/mcp-go's client package.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nostrmcp/bridge"
	"github.com/nostrmcp/bridge/mcpgobackend"
	"github.com/nostrmcp/bridge/server"
)

func main() {
	var (
		relayURLs    = flag.String("relays", "wss://relay.damus.io", "comma-separated Nostr relay URLs")
		privateKey   = flag.String("key", "", "server private key hex (or set BRIDGE_PRIVATE_KEY env var)")
		downstream   = flag.String("downstream", "http://localhost:8080", "downstream MCP server URL")
		publicServer = flag.Bool("public", false, "run as a public server (publish capability announcements)")
		allowList    = flag.String("allow", "", "comma-separated client pubkeys allowed to connect (empty = allow all)")
	)
	flag.Parse()

	key := *privateKey
	if key == "" {
		key = os.Getenv("BRIDGE_PRIVATE_KEY")
		if key == "" {
			log.Fatal("server private key required: use -key flag or set BRIDGE_PRIVATE_KEY environment variable")
		}
	}
	signer, err := bridge.NewKeySigner(key)
	if err != nil {
		log.Fatalf("failed to create signer: %v", err)
	}
	log.Printf("server pubkey: %s", signer.PublicKey())

	relays := strings.Split(*relayURLs, ",")
	pool := bridge.NewRelayPool(relays, 30*time.Second, 10*time.Second)

	var allow []string
	if *allowList != "" {
		allow = strings.Split(*allowList, ",")
	}
	auth := server.NewAuthPolicy(allow, nil, *publicServer)

	st := server.NewServerTransport(pool, signer, auth, server.ServerTransportConfig{
		Encryption:     bridge.EncryptionDisabled,
		IsPublicServer: *publicServer,
		Profile:        server.ServerProfile{Name: "bridge-gateway"},
	})

	backend, err := mcpgobackend.NewHTTPBackend(*downstream, nil)
	if err != nil {
		log.Fatalf("failed to create downstream backend: %v", err)
	}

	gw := server.NewSingleBackendGateway(st, backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := gw.Start(ctx); err != nil {
		log.Fatalf("failed to start gateway: %v", err)
	}
	log.Printf("bridge-gateway running, forwarding to %s over %s", *downstream, *relayURLs)

	<-ctx.Done()
	log.Println("shutting down")
	if err := gw.Stop(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
