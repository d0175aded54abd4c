// Package bridge bridges the Model Context Protocol over Nostr relays:
// every JSON-RPC message is wrapped in a signed, optionally encrypted event,
// published to a relay pool, and correlated back to its caller.
package bridge

import "encoding/json"

// Event kinds used by the bridge. Exact numeric values follow the Nostr
// ecosystem convention (parameterized-replaceable range for announcements,
// NIP-59 gift-wrap, NIP-47 wallet-connect, NIP-57 zaps); they are an external
// constant, not a design choice.
const (
	KindServerAnnouncement      = 31990
	KindToolsList               = 31991
	KindResourcesList           = 31992
	KindResourceTemplatesList   = 31993
	KindPromptsList             = 31994
	KindApplicationMessage      = 25910
	KindGiftWrapPersistent      = 1059
	KindGiftWrapEphemeral       = 1060
	KindWalletInfo              = 13194
	KindWalletRequest           = 23194
	KindWalletResponse          = 23195
	KindWalletNotification      = 23196
	KindWalletNotificationLegacy = 23197
	KindZapRequest              = 9734
	KindZapReceipt              = 9735
	KindDeletion                = 5
)

// EncryptionMode governs whether a transport requires, allows, or forbids
// gift-wrap encryption on application messages.
type EncryptionMode int

const (
	EncryptionDisabled EncryptionMode = iota
	EncryptionOptional
	EncryptionRequired
)

// GiftWrapMode governs which outer kind is used to seal an inner event.
type GiftWrapMode int

const (
	GiftWrapAuto GiftWrapMode = iota
	GiftWrapPersistent
	GiftWrapEphemeral
)

// Event is a signed Nostr envelope. Tags is an ordered sequence of ordered
// string sequences; by convention Tags[i][0] is the tag name.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Tag returns the first tag whose name matches key, or nil.
func (e *Event) Tag(key string) []string {
	for _, t := range e.Tags {
		if len(t) > 0 && t[0] == key {
			return t
		}
	}
	return nil
}

// TagValue returns the value (second element) of the first tag named key.
func (e *Event) TagValue(key string) (string, bool) {
	t := e.Tag(key)
	if len(t) < 2 {
		return "", false
	}
	return t[1], true
}

// TagValues returns the second element of every tag named key, in order.
func (e *Event) TagValues(key string) []string {
	var out []string
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == key {
			out = append(out, t[1])
		}
	}
	return out
}

// RPCID is a JSON-RPC id: string, number, or absent. It round-trips through
// JSON without forcing a single Go type on callers.
type RPCID struct {
	raw json.RawMessage
}

// NewRPCID wraps an arbitrary JSON-marshalable id value.
func NewRPCID(v any) RPCID {
	b, _ := json.Marshal(v)
	return RPCID{raw: b}
}

// IsZero reports whether no id was ever set.
func (id RPCID) IsZero() bool { return len(id.raw) == 0 }

func (id RPCID) String() string {
	if id.IsZero() {
		return ""
	}
	return string(id.raw)
}

func (id RPCID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return id.raw, nil
}

func (id *RPCID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.raw = nil
		return nil
	}
	id.raw = append([]byte(nil), data...)
	return nil
}

// Message is a JSON-RPC 2.0 request, response, or notification. Requests
// carry a non-zero ID; notifications must not. Responses carry Result xor
// Error.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      RPCID           `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// IsRequest reports whether m carries a method and an id (expects a response).
func (m *Message) IsRequest() bool { return m.Method != "" && !m.ID.IsZero() }

// IsNotification reports whether m carries a method but no id.
func (m *Message) IsNotification() bool { return m.Method != "" && m.ID.IsZero() }

// IsResponse reports whether m carries a result or an error.
func (m *Message) IsResponse() bool { return m.Method == "" && (m.Result != nil || m.Error != nil) }

// Capability identifies a priced or authorized application capability as
// "tool:<name>" | "prompt:<name>" | "resource:<uri>".
type Capability string

func ToolCapability(name string) Capability    { return Capability("tool:" + name) }
func PromptCapability(name string) Capability   { return Capability("prompt:" + name) }
func ResourceCapability(uri string) Capability  { return Capability("resource:" + uri) }

// PaymentRequired is the params of a notifications/payment_required message.
type PaymentRequired struct {
	Amount      float64        `json:"amount"`
	PayReq      string         `json:"pay_req"`
	PMI         string         `json:"pmi"`
	Description string         `json:"description,omitempty"`
	TTL         float64        `json:"ttl,omitempty"`
	Meta        map[string]any `json:"_meta,omitempty"`
}

// PaymentAccepted is the params of a notifications/payment_accepted message.
type PaymentAccepted struct {
	Amount float64        `json:"amount"`
	PMI    string         `json:"pmi"`
	Meta   map[string]any `json:"_meta,omitempty"`
}

// PaymentRejected is the params of a notifications/payment_rejected message.
type PaymentRejected struct {
	PMI     string  `json:"pmi"`
	Amount  float64 `json:"amount,omitempty"`
	Message string  `json:"message,omitempty"`
}

// Synthetic JSON-RPC error codes/messages used across payments (CEP-8).
const (
	CodePaymentError = -32000

	MsgUnauthorized                   = "Unauthorized"
	MsgPaymentDeclinedByClientHandler = "Payment declined by client handler"
	MsgPaymentDeclinedByClientPolicy  = "Payment declined by client policy"
	MsgPaymentDeclinedByServerPolicy  = "Payment declined by server policy"
	MsgPaymentRejected                = "Payment rejected"
)

// PaymentEventType classifies a PaymentEvent (kept from the teacher's
// lifecycle-callback shape, generalized to the lightning rail).
type PaymentEventType string

const (
	PaymentEventQuoted    PaymentEventType = "quoted"
	PaymentEventRequested PaymentEventType = "requested"
	PaymentEventVerified  PaymentEventType = "verified"
	PaymentEventAccepted  PaymentEventType = "accepted"
	PaymentEventRejected  PaymentEventType = "rejected"
	PaymentEventFailed    PaymentEventType = "failed"
)

// PaymentEvent describes one step of a payment's lifecycle. Nothing in this
// module constructs or delivers PaymentEvents: neither the server payments
// middleware nor the wallet processors have a hook that emits them.
type PaymentEvent struct {
	Type            PaymentEventType
	PMI             string
	AmountMsats     int64
	RequestEventID  string
	ClientPubKey    string
	Capability      Capability
	PayReq          string
	Err             error
	TimestampUnix   int64
}
