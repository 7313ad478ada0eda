package collab

import "github.com/google/uuid"

// ConflictType classifies the relationship between a submitted operation
// and one operation in its concurrent window.
type ConflictType string

const (
	ConflictDelete     ConflictType = "delete"
	ConflictDependency ConflictType = "dependency"
	ConflictSameTarget ConflictType = "same-target-update"
	ConflictPosition   ConflictType = "position"
)

// Conflict is created transiently by the detector and consumed by the
// transform engine. It is broadcast for visibility but not persisted; the
// operation log already carries the audit trail.
type Conflict struct {
	ID           string       `json:"id"`
	Type         ConflictType `json:"type"`
	OperationIDs []string     `json:"operationIds"`
	Resolution   string       `json:"resolution,omitempty"`

	incoming  *Operation
	committed *Operation
}

// DetectConflicts compares an incoming operation against its concurrent
// window. The graph is consulted to resolve edge endpoints for updates
// whose payload does not carry them. Per window pair the first matching
// rule wins:
//
//  1. delete: the window deleted the same target a later update/add refers to
//  2. dependency: the window deleted an endpoint node of an edge add/update
//  3. same-target-update: two updates on the identical target
//  4. position: two node moves whose bounding regions overlap
//
// Disjoint targets never conflict.
func DetectConflicts(g *WorkflowGraph, incoming *Operation, window []*Operation) []Conflict {
	var conflicts []Conflict
	for _, committed := range window {
		if c, ok := classify(g, incoming, committed); ok {
			conflicts = append(conflicts, c)
		}
	}
	return conflicts
}

func classify(g *WorkflowGraph, incoming, committed *Operation) (Conflict, bool) {
	newConflict := func(t ConflictType) (Conflict, bool) {
		return Conflict{
			ID:           uuid.NewString(),
			Type:         t,
			OperationIDs: []string{incoming.ID, committed.ID},
			incoming:     incoming,
			committed:    committed,
		}, true
	}

	// Rule 1: a concurrent delete of the same target beats any later
	// update or add referencing it.
	if committed.Type.IsDelete() && committed.Target == incoming.Target && !incoming.Type.IsDelete() {
		return newConflict(ConflictDelete)
	}

	// Rule 2: edge operations whose endpoint node was deleted concurrently.
	if committed.Type == OpNodeDelete && (incoming.Type == OpEdgeAdd || incoming.Type == OpEdgeUpdate) {
		src, dst := edgeEndpoints(g, incoming)
		if committed.Target.ID == src || committed.Target.ID == dst {
			return newConflict(ConflictDependency)
		}
		// An edge update whose edge is already gone: the node delete
		// cascaded and removed it, so the endpoints cannot be resolved
		// anymore. Still a dangling reference.
		if incoming.Type == OpEdgeUpdate && src == "" && dst == "" {
			return newConflict(ConflictDependency)
		}
	}

	if !incoming.Type.IsUpdate() || !committed.Type.IsUpdate() {
		return Conflict{}, false
	}

	// Rule 3: concurrent updates on the identical target.
	if incoming.Target == committed.Target {
		return newConflict(ConflictSameTarget)
	}

	// Rule 4: two node moves whose requested regions overlap. Compensating
	// repositions never re-enter overlap classification; the genuine moves
	// they settled already did.
	if incoming.Type == OpNodeUpdate && committed.Type == OpNodeUpdate && !committed.Compensating {
		a, b := incoming.Payload.NodeUpdate.Position, committed.Payload.NodeUpdate.Position
		if a != nil && b != nil && a.Overlaps(*b) {
			return newConflict(ConflictPosition)
		}
	}

	return Conflict{}, false
}

// edgeEndpoints resolves the source/target node ids of the edge an
// operation refers to, from the payload for adds and from the graph for
// updates.
func edgeEndpoints(g *WorkflowGraph, op *Operation) (src, dst string) {
	if op.Type == OpEdgeAdd {
		return op.Payload.EdgeAdd.Source, op.Payload.EdgeAdd.Target
	}
	if e, ok := g.Edges[op.Target.ID]; ok {
		return e.Source, e.Target
	}
	return "", ""
}
