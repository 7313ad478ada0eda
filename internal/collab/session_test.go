package collab

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(idle time.Duration) *Registry {
	return NewRegistry(idle, zerolog.Nop())
}

func TestJoinCreatesSessionWithOwner(t *testing.T) {
	r := newTestRegistry(0)

	s, err := r.Join("wf-1", Participant{UserID: "alice", ConnectionID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "wf-1", s.WorkflowID)
	assert.Equal(t, "alice", s.CreatedBy)
	assert.True(t, s.IsActive())

	role, ok := s.ParticipantRole("alice")
	require.True(t, ok)
	assert.Equal(t, RoleOwner, role)
}

func TestJoinReusesActiveSessionPerWorkflow(t *testing.T) {
	r := newTestRegistry(0)

	s1, err := r.Join("wf-1", Participant{UserID: "alice", ConnectionID: "c1"})
	require.NoError(t, err)
	s2, err := r.Join("wf-1", Participant{UserID: "bob", ConnectionID: "c2", Role: RoleEditor})
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID)

	got, ok := r.ActiveByWorkflow("wf-1")
	require.True(t, ok)
	assert.Equal(t, s1.ID, got.ID)
	assert.Len(t, got.View().Participants, 2)
}

func TestJoinEnforcesCapacity(t *testing.T) {
	r := newTestRegistry(0)

	s, err := r.Join("wf-1", Participant{UserID: "alice", ConnectionID: "c1"})
	require.NoError(t, err)
	require.NoError(t, r.UpdateSettings(s.ID, "alice", Settings{
		AllowedRoles:    []Role{RoleOwner, RoleEditor},
		MaxParticipants: 2,
	}))

	_, err = r.Join("wf-1", Participant{UserID: "bob", ConnectionID: "c2", Role: RoleEditor})
	require.NoError(t, err)
	_, err = r.Join("wf-1", Participant{UserID: "carol", ConnectionID: "c3", Role: RoleEditor})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// A present participant reconnecting does not count against capacity.
	_, err = r.Join("wf-1", Participant{UserID: "bob", ConnectionID: "c4", Role: RoleEditor})
	assert.NoError(t, err)
}

func TestJoinRejectsDisallowedRole(t *testing.T) {
	r := newTestRegistry(0)

	s, err := r.Join("wf-1", Participant{UserID: "alice", ConnectionID: "c1"})
	require.NoError(t, err)
	require.NoError(t, r.UpdateSettings(s.ID, "alice", Settings{
		AllowedRoles:    []Role{RoleOwner, RoleEditor},
		MaxParticipants: 8,
	}))

	_, err = r.Join("wf-1", Participant{UserID: "eve", ConnectionID: "c2", Role: RoleViewer})
	assert.ErrorIs(t, err, ErrRoleNotAllowed)
}

func TestUpdateSettingsOwnerOnly(t *testing.T) {
	r := newTestRegistry(0)

	s, err := r.Join("wf-1", Participant{UserID: "alice", ConnectionID: "c1"})
	require.NoError(t, err)
	_, err = r.Join("wf-1", Participant{UserID: "bob", ConnectionID: "c2", Role: RoleEditor})
	require.NoError(t, err)

	err = r.UpdateSettings(s.ID, "bob", DefaultSettings())
	assert.ErrorIs(t, err, ErrRoleNotAllowed)
	err = r.UpdateSettings(s.ID, "ghost", DefaultSettings())
	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.NoError(t, r.UpdateSettings(s.ID, "alice", DefaultSettings()))
}

func TestLeaveUnknownParticipant(t *testing.T) {
	r := newTestRegistry(0)

	s, err := r.Join("wf-1", Participant{UserID: "alice", ConnectionID: "c1"})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Leave(s.ID, "ghost"), ErrNotParticipant)
	assert.ErrorIs(t, r.Leave("nope", "alice"), ErrSessionNotFound)
	assert.NoError(t, r.Leave(s.ID, "alice"))
}

func TestEndIsIdempotentAndClosesLog(t *testing.T) {
	r := newTestRegistry(0)

	s, err := r.Join("wf-1", Participant{UserID: "alice", ConnectionID: "c1"})
	require.NoError(t, err)
	require.NoError(t, r.End(s.ID))
	assert.False(t, s.IsActive())
	require.NoError(t, r.End(s.ID), "second end is a no-op")

	_, err = s.log.Append(nodeAdd("n1", 0, 0))
	assert.ErrorIs(t, err, ErrSessionClosed)

	// The workflow index slot is freed; the next join starts fresh.
	s2, err := r.Join("wf-1", Participant{UserID: "bob", ConnectionID: "c2"})
	require.NoError(t, err)
	assert.NotEqual(t, s.ID, s2.ID)
	assert.Equal(t, "bob", s2.CreatedBy)
}

func TestIdleTimeoutEndsEmptySession(t *testing.T) {
	r := newTestRegistry(20 * time.Millisecond)
	ended := make(chan string, 1)
	r.SetIdleHandler(func(sessionID string) {
		_ = r.End(sessionID)
		ended <- sessionID
	})

	s, err := r.Join("wf-1", Participant{UserID: "alice", ConnectionID: "c1"})
	require.NoError(t, err)
	require.NoError(t, r.Leave(s.ID, "alice"))

	select {
	case id := <-ended:
		assert.Equal(t, s.ID, id)
	case <-time.After(time.Second):
		t.Fatal("idle handler never fired")
	}
	assert.False(t, s.IsActive())
}

func TestIdleExpirySparesRepopulatedSession(t *testing.T) {
	// The idle timer re-checks occupancy when it fires, so a rejoin that
	// races the expiry never loses its session.
	r := newTestRegistry(time.Hour)

	s, err := r.Join("wf-1", Participant{UserID: "alice", ConnectionID: "c1"})
	require.NoError(t, err)
	require.NoError(t, r.Leave(s.ID, "alice"))
	_, err = r.Join("wf-1", Participant{UserID: "alice", ConnectionID: "c2"})
	require.NoError(t, err)

	// Simulate the expired timer firing after the rejoin.
	assert.False(t, r.terminate(s, true))
	assert.True(t, s.IsActive())
}

func TestEndedSessionEvictedAfterRetention(t *testing.T) {
	r := newTestRegistry(0)
	r.retention = 10 * time.Millisecond

	s, err := r.Join("wf-1", Participant{UserID: "alice", ConnectionID: "c1"})
	require.NoError(t, err)
	require.NoError(t, r.End(s.ID))

	// Readable right after the end, gone once retention lapses.
	_, ok := r.Get(s.ID)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		_, ok := r.Get(s.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestFirstJoinRejectedRoleLeavesNoSession(t *testing.T) {
	r := newTestRegistry(0)

	_, err := r.Join("wf-1", Participant{UserID: "eve", ConnectionID: "c1", Role: Role("ghost")})
	assert.ErrorIs(t, err, ErrRoleNotAllowed)
	_, ok := r.ActiveByWorkflow("wf-1")
	assert.False(t, ok, "rejected first join must not leave an empty session behind")

	s, err := r.Join("wf-1", Participant{UserID: "bob", ConnectionID: "c2"})
	require.NoError(t, err)
	assert.Equal(t, "bob", s.CreatedBy)
}

func TestRejoinCancelsIdleTimer(t *testing.T) {
	r := newTestRegistry(30 * time.Millisecond)
	ended := make(chan string, 1)
	r.SetIdleHandler(func(sessionID string) {
		_ = r.End(sessionID)
		ended <- sessionID
	})

	s, err := r.Join("wf-1", Participant{UserID: "alice", ConnectionID: "c1"})
	require.NoError(t, err)
	require.NoError(t, r.Leave(s.ID, "alice"))
	_, err = r.Join("wf-1", Participant{UserID: "alice", ConnectionID: "c2"})
	require.NoError(t, err)

	select {
	case <-ended:
		t.Fatal("idle handler fired despite rejoin")
	case <-time.After(80 * time.Millisecond):
	}
	assert.True(t, s.IsActive())
}
