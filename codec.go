package bridge

import (
	"encoding/json"
	"time"
)

// DefaultMaxEventContentBytes bounds eventContentToMcp's accepted payload
// size (spec §4.S: "size limit <= configured bytes").
const DefaultMaxEventContentBytes = 256 * 1024

// MCPToEventContent JSON-encodes msg into an unsigned event template
// addressed by tags, ready for a Signer to sign (directly, or after
// gift-wrap sealing).
func MCPToEventContent(msg *Message, kind int, tags [][]string) (*Event, error) {
	content, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &Event{
		CreatedAt: time.Now().Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   string(content),
	}, nil
}

// EventContentToMCP validates and decodes an event's content as a JSON-RPC
// message. Oversize content returns ErrMessageTooLarge and malformed
// content returns ErrMalformedEvent; callers decide how to log and drop
// the event.
func EventContentToMCP(e *Event, maxBytes int) (*Message, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxEventContentBytes
	}
	if len(e.Content) > maxBytes {
		return nil, ErrMessageTooLarge
	}
	var msg Message
	if err := json.Unmarshal([]byte(e.Content), &msg); err != nil {
		return nil, ErrMalformedEvent
	}
	if msg.JSONRPC != "2.0" {
		return nil, ErrMalformedEvent
	}
	if !msg.IsRequest() && !msg.IsNotification() && !msg.IsResponse() {
		return nil, ErrMalformedEvent
	}
	return &msg, nil
}

// kindAlwaysPlaintext reports whether kind is one of the announcement /
// capability-listing kinds that spec §4.S says are "always sent in the
// clear" regardless of the transport's encryption policy.
func kindAlwaysPlaintext(kind int) bool {
	switch kind {
	case KindServerAnnouncement, KindToolsList, KindResourcesList, KindResourceTemplatesList, KindPromptsList:
		return true
	default:
		return false
	}
}
