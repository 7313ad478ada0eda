package collab

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PresenceStore keeps the ephemeral presence state shared across server
// instances. Last write wins per user; entries expire with the TTL.
type PresenceStore interface {
	Set(ctx context.Context, p Presence, ttl time.Duration) error
	Heartbeat(ctx context.Context, sessionID, userID string, ttl time.Duration) error
	ActiveMembers(ctx context.Context, sessionID string) ([]Presence, error)
}

// Options tunes the engine; zero values fall back to the defaults below.
type Options struct {
	QueueDepth    int
	WindowSize    uint64
	AutosaveEvery int
	SendBuffer    int
	IdleTimeout   time.Duration
	PresenceTTL   time.Duration
}

func (o *Options) withDefaults() {
	if o.QueueDepth <= 0 {
		o.QueueDepth = 256
	}
	if o.WindowSize == 0 {
		o.WindowSize = 1024
	}
	if o.AutosaveEvery <= 0 {
		o.AutosaveEvery = 20
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 60 * time.Second
	}
}

// Engine is the collaboration core facade: session membership, the
// serialized submit path, catch-up reads and presence. The websocket layer
// talks to it and to nothing below it.
type Engine struct {
	registry    *Registry
	broadcaster *Broadcaster
	dispatcher  *KafkaDispatcher
	store       Store
	presence    PresenceStore

	opts   Options
	logger zerolog.Logger
}

func NewEngine(opts Options, store Store, dispatcher *KafkaDispatcher, presence PresenceStore, logger zerolog.Logger) *Engine {
	opts.withDefaults()
	e := &Engine{
		registry:    NewRegistry(opts.IdleTimeout, logger),
		broadcaster: NewBroadcaster(opts.SendBuffer, logger),
		dispatcher:  dispatcher,
		store:       store,
		presence:    presence,
		opts:        opts,
		logger:      logger.With().Str("component", "engine").Logger(),
	}
	e.registry.SetIdleHandler(func(sessionID string) {
		if err := e.End(context.Background(), sessionID); err != nil {
			e.logger.Warn().Err(err).Str("sessionId", sessionID).Msg("idle shutdown failed")
		} else {
			e.logger.Info().Str("sessionId", sessionID).Msg("session idle timeout")
		}
	})
	return e
}

// Join adds the (already authenticated) participant to the workflow's
// active session, creating one on first join, and opens the participant's
// committed-operation stream.
func (e *Engine) Join(ctx context.Context, workflowID string, p Participant) (SessionView, *Subscriber, error) {
	if p.ConnectionID == "" {
		p.ConnectionID = uuid.NewString()
	}
	s, err := e.registry.Join(workflowID, p)
	if err != nil {
		return SessionView{}, nil, err
	}
	s.ensurePipeline(func() *pipeline {
		return newPipeline(s, e.broadcaster, e.dispatcher, e.store, pipelineOptions{
			queueDepth:    e.opts.QueueDepth,
			windowSize:    e.opts.WindowSize,
			autosaveEvery: e.opts.AutosaveEvery,
		}, e.logger)
	})

	sub := e.broadcaster.Subscribe(s.ID, p.ConnectionID, p.UserID)
	view := s.View()
	e.saveSessionAsync(view)

	if e.presence != nil {
		pr := Presence{
			SessionID: s.ID,
			UserID:    p.UserID,
			Online:    true,
			UpdatedAt: time.Now().UnixMilli(),
		}
		if err := e.presence.Set(ctx, pr, e.opts.PresenceTTL); err != nil {
			e.logger.Warn().Err(err).Str("userId", p.UserID).Msg("presence set failed")
		}
		e.broadcaster.Publish(s.ID, Envelope{Kind: EnvelopePresence, SessionID: s.ID, Presence: &pr}, "")
	}
	return view, sub, nil
}

// Leave removes the participant and closes their stream. Operations the
// participant already got into the pipeline still commit.
func (e *Engine) Leave(ctx context.Context, sessionID, userID, connectionID string) error {
	if err := e.registry.Leave(sessionID, userID); err != nil {
		return err
	}
	e.broadcaster.Unsubscribe(sessionID, connectionID)

	pr := Presence{SessionID: sessionID, UserID: userID, Online: false, UpdatedAt: time.Now().UnixMilli()}
	if e.presence != nil {
		if err := e.presence.Set(ctx, pr, e.opts.PresenceTTL); err != nil {
			e.logger.Warn().Err(err).Str("userId", userID).Msg("presence clear failed")
		}
	}
	e.broadcaster.Publish(sessionID, Envelope{Kind: EnvelopePresence, SessionID: sessionID, Presence: &pr}, "")

	if s, ok := e.registry.Get(sessionID); ok {
		e.saveSessionAsync(s.View())
	}
	return nil
}

// Submit runs one operation through the session's commit pipeline and
// returns the authoritative resolved form. Membership and role are checked
// up front; viewers cannot mutate.
func (e *Engine) Submit(ctx context.Context, connectionID string, op *Operation) (SubmitResult, error) {
	if err := op.Validate(); err != nil {
		return SubmitResult{}, err
	}
	s, ok := e.registry.Get(op.SessionID)
	if !ok {
		return SubmitResult{}, ErrSessionNotFound
	}
	if !s.IsActive() {
		return SubmitResult{}, ErrSessionClosed
	}
	role, ok := s.ParticipantRole(op.AuthorID)
	if !ok {
		return SubmitResult{}, ErrNotParticipant
	}
	if role == RoleViewer {
		return SubmitResult{}, ErrRoleNotAllowed
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now().UTC()
	}
	op.WorkflowID = s.WorkflowID
	op.Status = StatusPending

	sub := submission{op: op, connectionID: connectionID, reply: make(chan submitReply, 1)}
	pl := s.ensurePipeline(func() *pipeline {
		return newPipeline(s, e.broadcaster, e.dispatcher, e.store, pipelineOptions{
			queueDepth:    e.opts.QueueDepth,
			windowSize:    e.opts.WindowSize,
			autosaveEvery: e.opts.AutosaveEvery,
		}, e.logger)
	})
	if err := pl.enqueue(sub); err != nil {
		return SubmitResult{}, err
	}

	select {
	case reply := <-sub.reply:
		return reply.result, reply.err
	case <-ctx.Done():
		// The submission stays in the pipeline and will still commit;
		// the caller just stops waiting for the verdict.
		return SubmitResult{}, ctx.Err()
	}
}

// OpsSince returns committed operations after fromVersion, for clients
// catching up after dropped broadcasts.
func (e *Engine) OpsSince(ctx context.Context, sessionID string, fromVersion uint64, limit int) ([]*Operation, error) {
	s, ok := e.registry.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	ops := s.log.Range(fromVersion+1, 0)
	if limit > 0 && len(ops) > limit {
		ops = ops[:limit]
	}
	return ops, nil
}

// OpsByTarget returns the audit trail for one target.
func (e *Engine) OpsByTarget(ctx context.Context, sessionID string, kind TargetKind, id string) ([]*Operation, error) {
	s, ok := e.registry.Get(sessionID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.log.ByTarget(kind, id), nil
}

// UpdatePresence records and fans out a participant's cursor/selection
// state. Unordered relative to the operation stream.
func (e *Engine) UpdatePresence(ctx context.Context, pr Presence) error {
	s, ok := e.registry.Get(pr.SessionID)
	if !ok {
		return ErrSessionNotFound
	}
	if _, ok := s.ParticipantRole(pr.UserID); !ok {
		return ErrNotParticipant
	}
	if pr.UpdatedAt == 0 {
		pr.UpdatedAt = time.Now().UnixMilli()
	}
	pr.Online = true
	if e.presence != nil {
		if err := e.presence.Set(ctx, pr, e.opts.PresenceTTL); err != nil {
			return fmt.Errorf("presence store: %w", err)
		}
	}
	e.broadcaster.Publish(pr.SessionID, Envelope{Kind: EnvelopePresence, SessionID: pr.SessionID, Presence: &pr}, "")
	return nil
}

// Heartbeat refreshes the participant's presence TTL.
func (e *Engine) Heartbeat(ctx context.Context, sessionID, userID string) error {
	if e.presence == nil {
		return nil
	}
	return e.presence.Heartbeat(ctx, sessionID, userID, e.opts.PresenceTTL)
}

// ActiveMembers lists participants whose presence has not expired.
func (e *Engine) ActiveMembers(ctx context.Context, sessionID string) ([]Presence, error) {
	if e.presence == nil {
		return nil, nil
	}
	return e.presence.ActiveMembers(ctx, sessionID)
}

// UpdateSettings replaces session settings; owner only.
func (e *Engine) UpdateSettings(ctx context.Context, sessionID, userID string, settings Settings) error {
	if err := e.registry.UpdateSettings(sessionID, userID, settings); err != nil {
		return err
	}
	if s, ok := e.registry.Get(sessionID); ok {
		e.saveSessionAsync(s.View())
	}
	return nil
}

// End terminates the session (idempotent) and drops all subscribers.
func (e *Engine) End(ctx context.Context, sessionID string) error {
	if err := e.registry.End(sessionID); err != nil {
		return err
	}
	e.broadcaster.CloseSession(sessionID)
	if s, ok := e.registry.Get(sessionID); ok {
		e.saveSessionAsync(s.View())
	}
	return nil
}

// Session returns the current session document.
func (e *Engine) Session(sessionID string) (SessionView, error) {
	s, ok := e.registry.Get(sessionID)
	if !ok {
		return SessionView{}, ErrSessionNotFound
	}
	return s.View(), nil
}

func (e *Engine) saveSessionAsync(view SessionView) {
	if e.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.store.SaveSession(ctx, view); err != nil {
			e.logger.Error().Err(err).Str("sessionId", view.SessionID).Msg("session write-through failed")
		}
	}()
}
