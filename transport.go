package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// MessageContext accompanies a message delivered via OnMessageWithContext
// (spec §4 "onmessageWithContext(msg, {eventId, correlatedEventId?})").
type MessageContext struct {
	EventID            string
	CorrelatedEventID   string // empty when the message carries no e-tag
}

// Transport is the port the MCP application layer is spoken to through
// (spec §1: "consumed via a Transport port"): start/send/close plus message,
// error and close sinks. Per spec §9 design notes, this is modeled as an
// explicit interface with channel-shaped sinks rather than nullable
// callback fields.
type Transport interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, msg *Message) error
	Close() error

	OnMessage() <-chan *Message
	OnMessageWithContext() <-chan MessageWithContext
	OnError() <-chan error
	OnClose() <-chan struct{}
}

// MessageWithContext pairs a decoded message with its delivery context.
type MessageWithContext struct {
	Message *Message
	Context MessageContext
}

// sinks is the shared channel bundle BaseTransport exposes to satisfy the
// Transport observable-callback surface.
type sinks struct {
	message   chan *Message
	msgCtx    chan MessageWithContext
	errc      chan error
	closec    chan struct{}
	closeOnce sync.Once
}

func newSinks() *sinks {
	return &sinks{
		message: make(chan *Message, 64),
		msgCtx:  make(chan MessageWithContext, 64),
		errc:    make(chan error, 16),
		closec:  make(chan struct{}),
	}
}

func (s *sinks) emitMessage(msg *Message) {
	select {
	case s.message <- msg:
	default:
		log.Printf("transport: onmessage backlog full, dropping message id=%v", msg.ID)
	}
}

func (s *sinks) emitMessageWithContext(msg *Message, ctx MessageContext) {
	select {
	case s.msgCtx <- MessageWithContext{Message: msg, Context: ctx}:
	default:
	}
}

func (s *sinks) emitError(err error) {
	select {
	case s.errc <- err:
	default:
	}
}

func (s *sinks) emitClose() {
	s.closeOnce.Do(func() { close(s.closec) })
}

// BaseTransport holds the state and operations common to ClientTransport and
// server Transport (spec §4.B): a signer, a relay pool, an encryption mode,
// a bounded task queue for event handlers, and the set of active
// subscription unsubscribe handles.
type BaseTransport struct {
	Signer        Signer
	Pool          *RelayPool
	Encryption    EncryptionMode
	ConnectTimeout time.Duration

	sinks *sinks

	tasks chan func()

	mu     sync.Mutex
	unsubs []func()
	started bool
	closed  bool
	workersStop chan struct{}
	wg          sync.WaitGroup
}

// NewBaseTransport builds a BaseTransport over pool/signer with the given
// encryption policy. concurrency bounds how many onEvent handlers may run at
// once (default 5 per spec §4.B).
func NewBaseTransport(pool *RelayPool, signer Signer, mode EncryptionMode, concurrency int) *BaseTransport {
	if concurrency <= 0 {
		concurrency = 5
	}
	bt := &BaseTransport{
		Signer:         signer,
		Pool:           pool,
		Encryption:     mode,
		ConnectTimeout: 30 * time.Second,
		sinks:          newSinks(),
		tasks:          make(chan func(), 256),
		workersStop:    make(chan struct{}),
	}
	for i := 0; i < concurrency; i++ {
		bt.wg.Add(1)
		go bt.worker()
	}
	return bt
}

func (bt *BaseTransport) worker() {
	defer bt.wg.Done()
	for {
		select {
		case <-bt.workersStop:
			return
		case fn := <-bt.tasks:
			func() {
				defer func() {
					if r := recover(); r != nil {
						log.Printf("transport: onEvent handler panicked: %v", r)
					}
				}()
				fn()
			}()
		}
	}
}

// Connect dials the pool with a per-op timeout (default 30s, spec §4.B).
func (bt *BaseTransport) Connect(ctx context.Context) error {
	bt.mu.Lock()
	if bt.started {
		bt.mu.Unlock()
		return nil
	}
	bt.started = true
	bt.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, bt.ConnectTimeout)
	defer cancel()
	return bt.Pool.Connect(cctx)
}

// Disconnect tears down the pool connection. Idempotent.
func (bt *BaseTransport) Disconnect() error {
	return bt.Pool.Disconnect()
}

// Subscribe registers a handle and pushes each delivered event to the
// bounded task queue, which runs onEvent with bounded concurrency. Handler
// errors/panics are logged and never abort the subscription (spec §4.B).
func (bt *BaseTransport) Subscribe(subID string, filters json.RawMessage, onEvent func(*Event)) (func(), error) {
	unsub, err := bt.Pool.Subscribe(subID, filters, func(evt *Event) {
		select {
		case bt.tasks <- func() { onEvent(evt) }:
		default:
			log.Printf("transport: task queue full, dropping event id=%s", evt.ID)
		}
	}, nil)
	if err != nil {
		return nil, err
	}
	bt.mu.Lock()
	bt.unsubs = append(bt.unsubs, unsub)
	bt.mu.Unlock()
	return unsub, nil
}

// UnsubscribeAll releases every registered handle without disconnecting the
// underlying pool.
func (bt *BaseTransport) UnsubscribeAll() {
	bt.mu.Lock()
	unsubs := bt.unsubs
	bt.unsubs = nil
	bt.mu.Unlock()
	for _, u := range unsubs {
		u()
	}
}

// PublishEvent delegates to the pool with a per-op abort and default
// timeout (spec §4.B).
func (bt *BaseTransport) PublishEvent(ctx context.Context, evt *Event, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return bt.Pool.Publish(actx, evt)
}

// SendMcpMessage signs, optionally gift-wrap seals, and publishes msg,
// invoking onEventCreated synchronously BEFORE publish so the caller can
// register correlation state without racing the response (spec §4.B).
// When kind is a gift-wrap kind (as the client and server transports pass
// it), the inner event is an application message and kind picks the outer
// wrap; any other kind is used for the inner event itself.
func (bt *BaseTransport) SendMcpMessage(ctx context.Context, msg *Message, recipientPubKey string, kind int, tags [][]string, isEncrypted bool, onEventCreated func(innerEventID string)) error {
	innerKind, wrapMode := kind, GiftWrapPersistent
	if kind == KindGiftWrapPersistent || kind == KindGiftWrapEphemeral {
		innerKind = KindApplicationMessage
		if kind == KindGiftWrapEphemeral {
			wrapMode = GiftWrapEphemeral
		}
	}
	tmpl, err := MCPToEventContent(msg, innerKind, tags)
	if err != nil {
		return fmt.Errorf("encode mcp message: %w", err)
	}
	tmpl.PubKey = bt.Signer.PublicKey()

	inner, err := bt.Signer.SignEvent(tmpl)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}

	outbound := inner
	if isEncrypted && !kindAlwaysPlaintext(innerKind) {
		wrapped, err := EncryptGiftWrap(ctx, inner, recipientPubKey, wrapMode)
		if err != nil {
			return fmt.Errorf("seal gift wrap: %w", err)
		}
		outbound = wrapped
	}

	if onEventCreated != nil {
		onEventCreated(inner.ID)
	}

	return bt.PublishEvent(ctx, outbound, 0)
}

// Close stops the task-queue workers and closes the OnClose channel; the
// message and error channels are left open. Subclasses additionally
// unsubscribe and disconnect before calling this.
func (bt *BaseTransport) Close() {
	bt.mu.Lock()
	if bt.closed {
		bt.mu.Unlock()
		return
	}
	bt.closed = true
	bt.mu.Unlock()

	close(bt.workersStop)
	bt.wg.Wait()
	bt.sinks.emitClose()
}

func (bt *BaseTransport) OnMessage() <-chan *Message                    { return bt.sinks.message }
func (bt *BaseTransport) OnMessageWithContext() <-chan MessageWithContext { return bt.sinks.msgCtx }
func (bt *BaseTransport) OnError() <-chan error                         { return bt.sinks.errc }
func (bt *BaseTransport) OnClose() <-chan struct{}                      { return bt.sinks.closec }

// EmitMessage, EmitMessageWithContext and EmitError let a BaseTransport
// embedder in another package (e.g. server.ServerTransport) push onto the
// shared sinks without reaching into unexported fields.
func (bt *BaseTransport) EmitMessage(msg *Message) { bt.sinks.emitMessage(msg) }
func (bt *BaseTransport) EmitMessageWithContext(msg *Message, ctx MessageContext) {
	bt.sinks.emitMessageWithContext(msg, ctx)
}
func (bt *BaseTransport) EmitError(err error) { bt.sinks.emitError(err) }
