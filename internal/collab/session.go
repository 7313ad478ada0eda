package collab

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Participant is ephemeral, owned by its session, removed on disconnect or
// explicit leave.
type Participant struct {
	UserID       string    `json:"userId"`
	ConnectionID string    `json:"connectionId"`
	Role         Role      `json:"role"`
	JoinedAt     time.Time `json:"joinedAt"`
	IsActive     bool      `json:"isActive"`
}

type Settings struct {
	AllowedRoles    []Role `json:"allowedRoles"`
	MaxParticipants int    `json:"maxParticipants"`
	AutoSave        bool   `json:"autoSave"`
}

func (s Settings) roleAllowed(r Role) bool {
	if len(s.AllowedRoles) == 0 {
		return true
	}
	for _, allowed := range s.AllowedRoles {
		if allowed == r {
			return true
		}
	}
	return false
}

func DefaultSettings() Settings {
	return Settings{
		AllowedRoles:    []Role{RoleOwner, RoleEditor, RoleViewer},
		MaxParticipants: 8,
		AutoSave:        true,
	}
}

// Session owns everything one collaborative editing session needs: the
// participant set, the operation log, the materialized graph and the
// single-writer commit pipeline. Sessions never share mutable state.
type Session struct {
	ID         string
	WorkflowID string
	CreatedBy  string

	mu           sync.RWMutex
	participants map[string]*Participant
	settings     Settings
	active       bool

	log      *OperationLog
	graph    *WorkflowGraph
	pipeline *pipeline

	idleTimer *time.Timer
}

// SessionView is the snapshot document sent to clients and the store.
type SessionView struct {
	SessionID    string        `json:"sessionId"`
	WorkflowID   string        `json:"workflowId"`
	CreatedBy    string        `json:"createdBy"`
	Participants []Participant `json:"participants"`
	Settings     Settings      `json:"settings"`
	IsActive     bool          `json:"isActive"`
	HeadVersion  uint64        `json:"headVersion"`
}

func (s *Session) View() SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view := SessionView{
		SessionID:   s.ID,
		WorkflowID:  s.WorkflowID,
		CreatedBy:   s.CreatedBy,
		Settings:    s.settings,
		IsActive:    s.active,
		HeadVersion: s.log.Head(),
	}
	for _, p := range s.participants {
		view.Participants = append(view.Participants, *p)
	}
	return view
}

func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *Session) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// ParticipantRole reports the role of an active participant.
func (s *Session) ParticipantRole(userID string) (Role, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[userID]
	if !ok {
		return "", false
	}
	return p.Role, true
}

// ensurePipeline binds the session's commit pipeline exactly once.
func (s *Session) ensurePipeline(build func() *pipeline) *pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline == nil {
		s.pipeline = build()
	}
	return s.pipeline
}

// Ended sessions stay readable in the id index for a while so late
// catch-up reads and the final write-through still resolve them.
const endedSessionRetention = time.Minute

// Registry tracks the arena of active sessions, indexed by session id and
// by workflow id. There is at most one active session per workflow.
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*Session
	byWorkflow  map[string]*Session
	idleTimeout time.Duration
	retention   time.Duration

	// onIdle is invoked (outside the registry lock) after an empty
	// session's idle timer has ended it.
	onIdle func(sessionID string)

	defaults Settings
	logger   zerolog.Logger
}

func NewRegistry(idleTimeout time.Duration, logger zerolog.Logger) *Registry {
	return &Registry{
		byID:        make(map[string]*Session),
		byWorkflow:  make(map[string]*Session),
		idleTimeout: idleTimeout,
		retention:   endedSessionRetention,
		defaults:    DefaultSettings(),
		logger:      logger.With().Str("component", "registry").Logger(),
	}
}

// SetIdleHandler registers the callback fired when an empty session's idle
// timeout elapses. Must be set before traffic starts.
func (r *Registry) SetIdleHandler(fn func(sessionID string)) {
	r.onIdle = fn
}

// Join adds a participant to the workflow's active session, creating the
// session on first join. The first joiner becomes the session owner.
func (r *Registry) Join(workflowID string, p Participant) (*Session, error) {
	r.mu.Lock()
	s, ok := r.byWorkflow[workflowID]
	if !ok || !s.IsActive() {
		if p.Role == "" {
			p.Role = RoleOwner
		}
		// Validate before registering anything: a refused first joiner must
		// not leave an empty session behind.
		if !r.defaults.roleAllowed(p.Role) {
			r.mu.Unlock()
			return nil, ErrRoleNotAllowed
		}
		s = &Session{
			ID:           uuid.NewString(),
			WorkflowID:   workflowID,
			CreatedBy:    p.UserID,
			participants: make(map[string]*Participant),
			settings:     r.defaults,
			active:       true,
		}
		s.log = NewOperationLog(s.ID)
		s.graph = NewWorkflowGraph(workflowID)
		r.byID[s.ID] = s
		r.byWorkflow[workflowID] = s
		r.logger.Info().Str("sessionId", s.ID).Str("workflowId", workflowID).Str("createdBy", p.UserID).Msg("session created")
	}
	r.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil, ErrSessionClosed
	}
	if p.Role == "" {
		p.Role = RoleEditor
	}
	if !s.settings.roleAllowed(p.Role) {
		return nil, ErrRoleNotAllowed
	}
	if _, rejoining := s.participants[p.UserID]; !rejoining && len(s.participants) >= s.settings.MaxParticipants {
		return nil, ErrCapacityExceeded
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}
	p.IsActive = true
	s.participants[p.UserID] = &p
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	return s, nil
}

// Leave removes a participant. When the last one leaves the idle timer is
// armed; the session only ends once it elapses, so brief reconnects keep
// the log alive.
func (r *Registry) Leave(sessionID, userID string) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[userID]; !ok {
		return ErrNotParticipant
	}
	delete(s.participants, userID)
	if len(s.participants) == 0 && s.active && r.idleTimeout > 0 {
		s.idleTimer = time.AfterFunc(r.idleTimeout, func() {
			// The timer may fire while a rejoin is in flight; terminate
			// re-checks emptiness and yields to the rejoined participant.
			if r.terminate(s, true) && r.onIdle != nil {
				r.onIdle(s.ID)
			}
		})
	}
	return nil
}

// UpdateSettings replaces the session settings. Owner only.
func (r *Registry) UpdateSettings(sessionID, userID string, settings Settings) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[userID]
	if !ok {
		return ErrNotParticipant
	}
	if p.Role != RoleOwner {
		return ErrRoleNotAllowed
	}
	if settings.MaxParticipants <= 0 {
		settings.MaxParticipants = r.defaults.MaxParticipants
	}
	s.settings = settings
	return nil
}

// End transitions the session to its terminal state. Idempotent: ending an
// ended session is a no-op. Operations already accepted into the pipeline
// still commit; new appends fail with ErrSessionClosed.
func (r *Registry) End(sessionID string) error {
	s, ok := r.Get(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	r.terminate(s, false)
	return nil
}

// terminate moves the session to its terminal state and reports whether it
// did. With ifEmpty set (idle expiry) it yields when a participant got back
// in after the timer fired. The workflow slot is freed immediately; the id
// index entry lingers for the retention window, then is evicted.
func (r *Registry) terminate(s *Session, ifEmpty bool) bool {
	s.mu.Lock()
	if !s.active || (ifEmpty && len(s.participants) > 0) {
		s.mu.Unlock()
		return false
	}
	s.active = false
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	pl := s.pipeline
	s.mu.Unlock()

	s.log.Close()
	if pl != nil {
		pl.stop()
	}

	r.mu.Lock()
	if cur, ok := r.byWorkflow[s.WorkflowID]; ok && cur.ID == s.ID {
		delete(r.byWorkflow, s.WorkflowID)
	}
	r.mu.Unlock()

	time.AfterFunc(r.retention, func() {
		r.mu.Lock()
		if cur, ok := r.byID[s.ID]; ok && cur == s {
			delete(r.byID, s.ID)
		}
		r.mu.Unlock()
	})

	r.logger.Info().Str("sessionId", s.ID).Str("workflowId", s.WorkflowID).Msg("session ended")
	return true
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	return s, ok
}

func (r *Registry) ActiveByWorkflow(workflowID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byWorkflow[workflowID]
	return s, ok
}
