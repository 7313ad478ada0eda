package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAssignsGaplessVersions(t *testing.T) {
	l := NewOperationLog("s-1")
	for i := 0; i < 5; i++ {
		op := nodeAdd("n", 0, 0)
		v, err := l.Append(op)
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), v)
		assert.Equal(t, v, op.CommittedVersion)
	}
	assert.Equal(t, uint64(5), l.Head())
}

func TestAppendAfterCloseFails(t *testing.T) {
	l := NewOperationLog("s-1")
	_, err := l.Append(nodeAdd("n1", 0, 0))
	require.NoError(t, err)

	l.Close()
	_, err = l.Append(nodeAdd("n2", 0, 0))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, uint64(1), l.Head())
}

func TestRange(t *testing.T) {
	l := NewOperationLog("s-1")
	for i := 0; i < 10; i++ {
		_, err := l.Append(nodeAdd("n", 0, 0))
		require.NoError(t, err)
	}

	ops := l.Range(3, 6)
	require.Len(t, ops, 4)
	assert.Equal(t, uint64(3), ops[0].CommittedVersion)
	assert.Equal(t, uint64(6), ops[3].CommittedVersion)

	// toVersion 0 means through head.
	assert.Len(t, l.Range(8, 0), 3)
	assert.Empty(t, l.Range(11, 0))
}

func TestByTarget(t *testing.T) {
	l := NewOperationLog("s-1")
	_, _ = l.Append(nodeAdd("n1", 0, 0))
	_, _ = l.Append(nodeAdd("n2", 0, 0))
	_, _ = l.Append(&Operation{
		ID:      "upd",
		Type:    OpNodeUpdate,
		Target:  Target{Kind: TargetNode, ID: "n1"},
		Payload: Payload{NodeUpdate: &NodeChange{Name: strPtr("x")}},
	})

	ops := l.ByTarget(TargetNode, "n1")
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(1), ops[0].CommittedVersion)
	assert.Equal(t, uint64(3), ops[1].CommittedVersion)
	assert.Empty(t, l.ByTarget(TargetEdge, "n1"))
}

func TestConcurrentWindowExcludesRejected(t *testing.T) {
	l := NewOperationLog("s-1")
	_, _ = l.Append(nodeAdd("n1", 0, 0))

	rejected := nodeAdd("n2", 0, 0)
	rejected.Status = StatusRejected
	_, _ = l.Append(rejected)
	_, _ = l.Append(nodeAdd("n3", 0, 0))

	window := l.ConcurrentWindow(0)
	require.Len(t, window, 2)
	for _, op := range window {
		assert.NotEqual(t, StatusRejected, op.Status)
	}

	assert.Len(t, l.ConcurrentWindow(1), 1)
	assert.Empty(t, l.ConcurrentWindow(3))
}
