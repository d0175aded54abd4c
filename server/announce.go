package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nostrmcp/bridge"
)

// capabilityListKinds maps each announcement JSON-RPC method to the event
// kind its result is republished under (spec §4.V Announcements: "one
// kind per capability class").
var capabilityListKinds = map[string]int{
	"tools/list":              bridge.KindToolsList,
	"resources/list":          bridge.KindResourcesList,
	"resource-templates/list": bridge.KindResourceTemplatesList,
	"prompts/list":            bridge.KindPromptsList,
}

var announcementSequence = []string{"initialize", "tools/list", "resources/list", "resource-templates/list", "prompts/list"}

// runAnnouncementHandshake synthesizes the internal `initialize` +
// capability-list request sequence described in spec §4.V and republishes
// each capability list under its own event kind, tagged with the server
// profile. Bounded by cfg.HandshakeTimeout; on timeout the remaining list
// announcements proceed anyway.
func (st *ServerTransport) runAnnouncementHandshake() {
	for _, method := range announcementSequence {
		result, ok := st.announceOnce(method)
		if method == "initialize" {
			if ok && isSuccessfulInitializeResult(result) {
				st.mu.Lock()
				st.isInitialized = true
				st.mu.Unlock()
				st.EmitMessage(&bridge.Message{JSONRPC: "2.0", Method: "notifications/initialized"})
			}
			continue
		}
		if !ok {
			log.Printf("server transport: announcement %s timed out, publishing nothing for it", method)
			continue
		}
		kind, known := capabilityListKinds[method]
		if !known {
			continue
		}
		if err := st.publishCapabilityList(kind, result); err != nil {
			log.Printf("server transport: publish capability list %s failed: %v", method, err)
		}
	}
}

// announceOnce emits one synthesized request under the reserved
// "announcement" id and waits up to cfg.HandshakeTimeout for the matching
// response, which Send() intercepts before it ever reaches route lookup.
func (st *ServerTransport) announceOnce(method string) (json.RawMessage, bool) {
	respCh := make(chan *bridge.Message, 1)
	st.mu.Lock()
	st.announcementWaiter = respCh
	st.mu.Unlock()
	defer func() {
		st.mu.Lock()
		if st.announcementWaiter == respCh {
			st.announcementWaiter = nil
		}
		st.mu.Unlock()
	}()

	st.EmitMessage(&bridge.Message{
		JSONRPC: "2.0",
		ID:      bridge.NewRPCID(announcementRequestID),
		Method:  method,
	})

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, false
		}
		return resp.Result, true
	case <-time.After(st.cfg.HandshakeTimeout):
		return nil, false
	}
}

func (st *ServerTransport) publishCapabilityList(kind int, result json.RawMessage) error {
	content, err := json.Marshal(result)
	if err != nil {
		return err
	}
	tmpl := &bridge.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      serverProfileTags(st.cfg.Profile),
		Content:   string(content),
	}
	tmpl.PubKey = st.Signer.PublicKey()
	signed, err := st.Signer.SignEvent(tmpl)
	if err != nil {
		return fmt.Errorf("sign capability list event: %w", err)
	}
	return st.PublishEvent(context.Background(), signed, 0)
}

// DeleteAnnouncement queries the relay for each announcement kind under the
// server's own pubkey, publishes a kind-5 deletion event referencing them,
// and returns the set of deleted event ids (spec §4.V deleteAnnouncement).
func (st *ServerTransport) DeleteAnnouncement(ctx context.Context, reason string) ([]string, error) {
	ownPubKey := st.Signer.PublicKey()
	kinds := []int{bridge.KindServerAnnouncement, bridge.KindToolsList, bridge.KindResourcesList, bridge.KindResourceTemplatesList, bridge.KindPromptsList}

	ids, err := st.queryOwnEventIDs(ctx, ownPubKey, kinds)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	tags := [][]string{}
	for _, id := range ids {
		tags = append(tags, []string{"e", id})
	}
	tmpl := &bridge.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      bridge.KindDeletion,
		Tags:      tags,
		Content:   reason,
	}
	tmpl.PubKey = ownPubKey
	signed, err := st.Signer.SignEvent(tmpl)
	if err != nil {
		return nil, fmt.Errorf("sign deletion event: %w", err)
	}
	if err := st.PublishEvent(ctx, signed, 0); err != nil {
		return nil, err
	}
	return ids, nil
}

// queryOwnEventIDs runs a one-shot REQ/EOSE subscription for the server's
// own announcement-kind events, collecting ids until EOSE.
func (st *ServerTransport) queryOwnEventIDs(ctx context.Context, pubkey string, kinds []int) ([]string, error) {
	filters, _ := json.Marshal(map[string]any{
		"authors": []string{pubkey},
		"kinds":   kinds,
	})

	var ids []string
	eose := make(chan struct{})
	subID := fmt.Sprintf("announce-query-%d", time.Now().UnixNano())

	unsub, err := st.Pool.Subscribe(subID, filters, func(evt *bridge.Event) {
		ids = append(ids, evt.ID)
	}, func() { close(eose) })
	if err != nil {
		return nil, err
	}
	defer unsub()

	select {
	case <-eose:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
	}
	return ids, nil
}
