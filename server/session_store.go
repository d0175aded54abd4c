package server

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SessionStore is the bounded per-client session table (spec §3 "Client
// Session (server side)"), grounded on the same
// LeJamon-goXRPLd/manager/cache.go bounded-cache-with-eviction-callback
// shape the root package's lru.go generalizes, duplicated here at the
// concrete (string, *ClientSession) type because it also needs a
// shouldEvict veto hook the generic helper doesn't expose.
type SessionStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *ClientSession]

	// shouldEvict, if set, may veto an eviction (e.g. the client has
	// in-flight requests); a veto re-inserts the entry (spec §4.V).
	shouldEvict func(*ClientSession) bool
	// onEvicted fires after an eviction is accepted, so the gateway can
	// tear down the client's backend MCP transport.
	onEvicted func(clientPubKey string)
}

// NewSessionStore builds a store capped at size sessions (default 10000).
func NewSessionStore(size int, shouldEvict func(*ClientSession) bool, onEvicted func(string)) *SessionStore {
	if size <= 0 {
		size = 10000
	}
	s := &SessionStore{shouldEvict: shouldEvict, onEvicted: onEvicted}
	cache, _ := lru.NewWithEvict[string, *ClientSession](size, func(key string, sess *ClientSession) {
		if s.shouldEvict != nil && !s.shouldEvict(sess) {
			s.cache.Add(key, sess)
			return
		}
		if s.onEvicted != nil {
			s.onEvicted(key)
		}
	})
	s.cache = cache
	return s
}

// GetOrCreate returns the session for clientPubKey, creating one with
// LastActivity set to now if absent.
func (s *SessionStore) GetOrCreate(clientPubKey string) *ClientSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.cache.Get(clientPubKey); ok {
		return sess
	}
	sess := &ClientSession{ClientPubKey: clientPubKey, LastActivity: time.Now()}
	s.cache.Add(clientPubKey, sess)
	return sess
}

func (s *SessionStore) Get(clientPubKey string) (*ClientSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Get(clientPubKey)
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

func (s *SessionStore) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Purge()
}

// RouteStore is the bounded request-route table (spec §3 "Event Route
// (server side)"), with a progressToken -> eventId secondary index.
type RouteStore struct {
	mu          sync.Mutex
	cache       *lru.Cache[string, *EventRoute]
	progressIdx map[any]string
}

func NewRouteStore(size int) *RouteStore {
	if size <= 0 {
		size = 10000
	}
	rs := &RouteStore{progressIdx: make(map[any]string)}
	cache, _ := lru.NewWithEvict[string, *EventRoute](size, func(key string, route *EventRoute) {
		if route.ProgressToken != nil {
			delete(rs.progressIdx, route.ProgressToken)
		}
	})
	rs.cache = cache
	return rs
}

func (rs *RouteStore) Register(eventID string, route *EventRoute) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.cache.Add(eventID, route)
	if route.ProgressToken != nil {
		rs.progressIdx[route.ProgressToken] = eventID
	}
}

func (rs *RouteStore) Get(eventID string) (*EventRoute, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.cache.Get(eventID)
}

func (rs *RouteStore) Pop(eventID string) (*EventRoute, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	route, ok := rs.cache.Peek(eventID)
	if !ok {
		return nil, false
	}
	rs.cache.Remove(eventID)
	if route.ProgressToken != nil {
		delete(rs.progressIdx, route.ProgressToken)
	}
	return route, true
}

func (rs *RouteStore) ByProgressToken(token any) (string, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	eventID, ok := rs.progressIdx[token]
	return eventID, ok
}

func (rs *RouteStore) RemoveForClient(clientPubKey string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, key := range rs.cache.Keys() {
		route, ok := rs.cache.Peek(key)
		if ok && route.ClientPubKey == clientPubKey {
			rs.cache.Remove(key)
			if route.ProgressToken != nil {
				delete(rs.progressIdx, route.ProgressToken)
			}
		}
	}
}

func (rs *RouteStore) Purge() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.cache.Purge()
	rs.progressIdx = make(map[any]string)
}
