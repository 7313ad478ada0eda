package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func nodeAdd(id string, x, y float64) *Operation {
	return &Operation{
		ID:     "add-" + id,
		Type:   OpNodeAdd,
		Target: Target{Kind: TargetNode, ID: id},
		Payload: Payload{NodeAdd: &NodeAddPayload{
			NodeType: "http.request",
			Name:     id,
			Position: NodePosition{X: x, Y: y, Width: 200, Height: 80},
		}},
		Status: StatusApplied,
	}
}

func edgeAdd(id, src, dst string) *Operation {
	return &Operation{
		ID:      "add-" + id,
		Type:    OpEdgeAdd,
		Target:  Target{Kind: TargetEdge, ID: id},
		Payload: Payload{EdgeAdd: &EdgeAddPayload{Source: src, Target: dst}},
		Status:  StatusApplied,
	}
}

func TestGraphApplyNodeLifecycle(t *testing.T) {
	g := NewWorkflowGraph("wf-1")

	g.Apply(nodeAdd("n1", 10, 20))
	require.Contains(t, g.Nodes, "n1")
	assert.Equal(t, "http.request", g.Nodes["n1"].Type)

	g.Apply(&Operation{
		ID:     "upd-1",
		Type:   OpNodeUpdate,
		Target: Target{Kind: TargetNode, ID: "n1"},
		Payload: Payload{NodeUpdate: &NodeChange{
			Name:       strPtr("renamed"),
			Parameters: map[string]any{"url": "https://example.com"},
		}},
		Status: StatusApplied,
	})
	assert.Equal(t, "renamed", g.Nodes["n1"].Name)
	assert.Equal(t, "https://example.com", g.Nodes["n1"].Parameters["url"])

	g.Apply(&Operation{
		ID:     "del-1",
		Type:   OpNodeDelete,
		Target: Target{Kind: TargetNode, ID: "n1"},
		Status: StatusApplied,
	})
	assert.NotContains(t, g.Nodes, "n1")
}

func TestGraphNodeDeleteCascadesEdges(t *testing.T) {
	g := NewWorkflowGraph("wf-1")
	g.Apply(nodeAdd("n1", 0, 0))
	g.Apply(nodeAdd("n2", 400, 0))
	g.Apply(edgeAdd("e1", "n1", "n2"))
	require.Contains(t, g.Edges, "e1")

	g.Apply(&Operation{
		ID:     "del-n1",
		Type:   OpNodeDelete,
		Target: Target{Kind: TargetNode, ID: "n1"},
		Status: StatusApplied,
	})
	assert.NotContains(t, g.Edges, "e1")
	assert.Contains(t, g.Nodes, "n2")
}

func TestGraphSkipsRejectedAndMissingTargets(t *testing.T) {
	g := NewWorkflowGraph("wf-1")

	rejected := nodeAdd("n1", 0, 0)
	rejected.Status = StatusRejected
	g.Apply(rejected)
	assert.Empty(t, g.Nodes)

	// Update on a node a concurrent delete already removed: no-op.
	g.Apply(&Operation{
		ID:      "upd-ghost",
		Type:    OpNodeUpdate,
		Target:  Target{Kind: TargetNode, ID: "ghost"},
		Payload: Payload{NodeUpdate: &NodeChange{Name: strPtr("x")}},
		Status:  StatusApplied,
	})
	assert.Empty(t, g.Nodes)
}

func TestGraphPropertyUpdateTargets(t *testing.T) {
	g := NewWorkflowGraph("wf-1")
	g.Apply(nodeAdd("n1", 0, 0))

	g.Apply(&Operation{
		ID:      "prop-node",
		Type:    OpPropertyUpdate,
		Target:  Target{Kind: TargetNode, ID: "n1"},
		Payload: Payload{PropertyUpdate: &PropertyChange{Fields: map[string]any{"color": "red"}}},
		Status:  StatusApplied,
	})
	assert.Equal(t, "red", g.Nodes["n1"].Properties["color"])

	g.Apply(&Operation{
		ID:      "prop-wf",
		Type:    OpPropertyUpdate,
		Target:  Target{Kind: TargetWorkflow, ID: "wf-1"},
		Payload: Payload{PropertyUpdate: &PropertyChange{Fields: map[string]any{"title": "Pipeline"}}},
		Status:  StatusApplied,
	})
	assert.Equal(t, "Pipeline", g.Properties["title"])
}

func TestReplayReproducesState(t *testing.T) {
	ops := []*Operation{
		nodeAdd("n1", 0, 0),
		nodeAdd("n2", 400, 0),
		edgeAdd("e1", "n1", "n2"),
		{
			ID:      "upd",
			Type:    OpNodeUpdate,
			Target:  Target{Kind: TargetNode, ID: "n2"},
			Payload: Payload{NodeUpdate: &NodeChange{Name: strPtr("sink")}},
			Status:  StatusApplied,
		},
	}

	live := NewWorkflowGraph("wf-1")
	for _, op := range ops {
		live.Apply(op)
	}
	replayed := Replay("wf-1", ops)

	assert.Equal(t, live.Nodes, replayed.Nodes)
	assert.Equal(t, live.Edges, replayed.Edges)
	assert.Equal(t, live.Properties, replayed.Properties)
}
