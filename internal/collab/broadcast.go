package collab

import (
	"sync"

	"github.com/rs/zerolog"
)

// EnvelopeKind tags what a broadcast envelope carries.
type EnvelopeKind string

const (
	EnvelopeOperation EnvelopeKind = "operation_committed"
	EnvelopeConflict  EnvelopeKind = "conflict_detected"
	EnvelopePresence  EnvelopeKind = "presence_update"
)

// Envelope is one message fanned out to session subscribers. Committed
// operations for a session are published from the session pipeline
// goroutine, so every subscriber channel observes them in commit order.
// Presence envelopes are published from any goroutine and are unordered
// relative to operations.
type Envelope struct {
	Kind      EnvelopeKind `json:"kind"`
	SessionID string       `json:"sessionId"`
	Operation *Operation   `json:"operation,omitempty"`
	Conflict  *Conflict    `json:"conflict,omitempty"`
	Presence  *Presence    `json:"presence,omitempty"`
}

// Presence is the ephemeral cursor/selection/online state of one
// participant. Last write wins per user; never persisted.
type Presence struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Cursor    *Cursor   `json:"cursor,omitempty"`
	Selection []string  `json:"selection,omitempty"`
	Online    bool      `json:"online"`
	UpdatedAt int64     `json:"updatedAt"` // unix millis, LWW key
}

type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Subscriber is one participant connection's outbound stream. The channel
// is owned by the broadcaster; the transport drains it until it is closed
// by Unsubscribe.
type Subscriber struct {
	SessionID    string
	ConnectionID string
	UserID       string
	C            chan Envelope
}

// Broadcaster fans committed operations and presence out to session
// subscribers over per-connection buffered channels. A slow consumer whose
// buffer fills gets messages dropped rather than stalling the session;
// delivery is at-least-once overall and clients catch up via ops_since,
// applying idempotently by operation id.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*Subscriber // sessionID -> connectionID -> sub
	buffer int
	logger zerolog.Logger
}

func NewBroadcaster(buffer int, logger zerolog.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[string]map[string]*Subscriber),
		buffer: buffer,
		logger: logger.With().Str("component", "broadcast").Logger(),
	}
}

func (b *Broadcaster) Subscribe(sessionID, connectionID, userID string) *Subscriber {
	sub := &Subscriber{
		SessionID:    sessionID,
		ConnectionID: connectionID,
		UserID:       userID,
		C:            make(chan Envelope, b.buffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[string]*Subscriber)
	}
	if old, ok := b.subs[sessionID][connectionID]; ok {
		close(old.C)
	}
	b.subs[sessionID][connectionID] = sub
	return sub
}

func (b *Broadcaster) Unsubscribe(sessionID, connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if conns, ok := b.subs[sessionID]; ok {
		if sub, ok := conns[connectionID]; ok {
			close(sub.C)
			delete(conns, connectionID)
		}
		if len(conns) == 0 {
			delete(b.subs, sessionID)
		}
	}
}

// CloseSession drops every subscriber of an ended session.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs[sessionID] {
		close(sub.C)
	}
	delete(b.subs, sessionID)
}

// Publish delivers the envelope to every subscriber of the session except
// the connection named by exceptConn (the originator, which gets the
// authoritative form through its submit reply instead).
func (b *Broadcaster) Publish(sessionID string, env Envelope, exceptConn string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for connID, sub := range b.subs[sessionID] {
		if connID == exceptConn {
			continue
		}
		select {
		case sub.C <- env:
		default:
			// Buffer full: drop. The client resyncs via ops_since.
			b.logger.Warn().
				Str("sessionId", sessionID).
				Str("connectionId", connID).
				Str("kind", string(env.Kind)).
				Msg("subscriber buffer full, dropping envelope")
		}
	}
}
