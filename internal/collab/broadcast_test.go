package collab

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSkipsOriginatorConnection(t *testing.T) {
	b := NewBroadcaster(4, zerolog.Nop())
	origin := b.Subscribe("s1", "c1", "alice")
	other := b.Subscribe("s1", "c2", "bob")

	b.Publish("s1", Envelope{Kind: EnvelopeOperation, SessionID: "s1"}, "c1")

	assert.Len(t, other.C, 1)
	assert.Empty(t, origin.C)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	b := NewBroadcaster(2, zerolog.Nop())
	sub := b.Subscribe("s1", "c1", "alice")

	for i := 0; i < 5; i++ {
		b.Publish("s1", Envelope{Kind: EnvelopeOperation, SessionID: "s1"}, "")
	}
	// Overflow is dropped, never blocks the publisher.
	assert.Len(t, sub.C, 2)
}

func TestResubscribeClosesPreviousStream(t *testing.T) {
	b := NewBroadcaster(4, zerolog.Nop())
	old := b.Subscribe("s1", "c1", "alice")
	fresh := b.Subscribe("s1", "c1", "alice")

	_, ok := <-old.C
	assert.False(t, ok, "old stream closed on resubscribe")

	b.Publish("s1", Envelope{Kind: EnvelopePresence, SessionID: "s1"}, "")
	assert.Len(t, fresh.C, 1)
}

func TestCloseSessionDropsAllSubscribers(t *testing.T) {
	b := NewBroadcaster(4, zerolog.Nop())
	s1 := b.Subscribe("s1", "c1", "alice")
	s2 := b.Subscribe("s1", "c2", "bob")
	keep := b.Subscribe("s2", "c3", "carol")

	b.CloseSession("s1")
	_, ok := <-s1.C
	require.False(t, ok)
	_, ok = <-s2.C
	require.False(t, ok)

	b.Publish("s2", Envelope{Kind: EnvelopeOperation, SessionID: "s2"}, "")
	assert.Len(t, keep.C, 1)
}
