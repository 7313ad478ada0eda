package collab

import (
	"fmt"
	"sort"
	"time"
)

// OperationType enumerates the edit intents a participant can submit
// against the shared workflow graph.
type OperationType string

const (
	OpNodeAdd        OperationType = "node_add"
	OpNodeUpdate     OperationType = "node_update"
	OpNodeDelete     OperationType = "node_delete"
	OpEdgeAdd        OperationType = "edge_add"
	OpEdgeUpdate     OperationType = "edge_update"
	OpEdgeDelete     OperationType = "edge_delete"
	OpPropertyUpdate OperationType = "property_update"
)

func (t OperationType) IsDelete() bool {
	return t == OpNodeDelete || t == OpEdgeDelete
}

func (t OperationType) IsUpdate() bool {
	return t == OpNodeUpdate || t == OpEdgeUpdate || t == OpPropertyUpdate
}

type OperationStatus string

const (
	StatusPending     OperationStatus = "pending"
	StatusApplied     OperationStatus = "applied"
	StatusTransformed OperationStatus = "transformed"
	StatusRejected    OperationStatus = "rejected"
)

type TargetKind string

const (
	TargetNode     TargetKind = "node"
	TargetEdge     TargetKind = "edge"
	TargetWorkflow TargetKind = "workflow"
)

type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id"`
}

// NodePosition is the spatial extent of a node on the canvas.
type NodePosition struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width,omitempty"`
	Height float64 `json:"height,omitempty"`
}

// Nodes dragged from the palette before the client measures them arrive
// with zero extent; the overlap test falls back to these.
const (
	defaultNodeWidth  = 200.0
	defaultNodeHeight = 80.0
)

func (p NodePosition) extent() (w, h float64) {
	w, h = p.Width, p.Height
	if w <= 0 {
		w = defaultNodeWidth
	}
	if h <= 0 {
		h = defaultNodeHeight
	}
	return w, h
}

// Overlaps reports whether two bounding regions intersect.
func (p NodePosition) Overlaps(q NodePosition) bool {
	pw, ph := p.extent()
	qw, qh := q.extent()
	return p.X < q.X+qw && q.X < p.X+pw && p.Y < q.Y+qh && q.Y < p.Y+ph
}

type NodeAddPayload struct {
	NodeType   string         `json:"nodeType"`
	Name       string         `json:"name"`
	Position   NodePosition   `json:"position"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Disabled   bool           `json:"disabled,omitempty"`
}

// NodeChange is a partial node update. Nil fields were not touched by the
// author; the set of non-nil fields is what the merge operates on.
type NodeChange struct {
	Name       *string        `json:"name,omitempty"`
	Position   *NodePosition  `json:"position,omitempty"`
	Disabled   *bool          `json:"disabled,omitempty"`
	Notes      *string        `json:"notes,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

func (c *NodeChange) keyPaths() []string {
	var paths []string
	if c.Name != nil {
		paths = append(paths, "name")
	}
	if c.Position != nil {
		paths = append(paths, "position")
	}
	if c.Disabled != nil {
		paths = append(paths, "disabled")
	}
	if c.Notes != nil {
		paths = append(paths, "notes")
	}
	for k := range c.Parameters {
		paths = append(paths, "parameters."+k)
	}
	sort.Strings(paths)
	return paths
}

func (c *NodeChange) strip(paths map[string]struct{}) {
	if _, ok := paths["name"]; ok {
		c.Name = nil
	}
	if _, ok := paths["position"]; ok {
		c.Position = nil
	}
	if _, ok := paths["disabled"]; ok {
		c.Disabled = nil
	}
	if _, ok := paths["notes"]; ok {
		c.Notes = nil
	}
	for k := range c.Parameters {
		if _, ok := paths["parameters."+k]; ok {
			delete(c.Parameters, k)
		}
	}
}

func (c *NodeChange) empty() bool {
	return c.Name == nil && c.Position == nil && c.Disabled == nil &&
		c.Notes == nil && len(c.Parameters) == 0
}

type EdgeAddPayload struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	SourcePort string `json:"sourcePort,omitempty"`
	TargetPort string `json:"targetPort,omitempty"`
	Label      string `json:"label,omitempty"`
}

type EdgeChange struct {
	Label      *string        `json:"label,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

func (c *EdgeChange) keyPaths() []string {
	var paths []string
	if c.Label != nil {
		paths = append(paths, "label")
	}
	for k := range c.Properties {
		paths = append(paths, "properties."+k)
	}
	sort.Strings(paths)
	return paths
}

func (c *EdgeChange) strip(paths map[string]struct{}) {
	if _, ok := paths["label"]; ok {
		c.Label = nil
	}
	for k := range c.Properties {
		if _, ok := paths["properties."+k]; ok {
			delete(c.Properties, k)
		}
	}
}

func (c *EdgeChange) empty() bool {
	return c.Label == nil && len(c.Properties) == 0
}

// PropertyChange is a flat field-level update on a node, edge or the
// workflow itself.
type PropertyChange struct {
	Fields map[string]any `json:"fields"`
}

func (c *PropertyChange) keyPaths() []string {
	paths := make([]string, 0, len(c.Fields))
	for k := range c.Fields {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return paths
}

func (c *PropertyChange) strip(paths map[string]struct{}) {
	for k := range c.Fields {
		if _, ok := paths[k]; ok {
			delete(c.Fields, k)
		}
	}
}

func (c *PropertyChange) empty() bool { return len(c.Fields) == 0 }

// Payload is a tagged union keyed by Operation.Type. Exactly the variant
// matching the type may be set; deletes carry no payload.
type Payload struct {
	NodeAdd        *NodeAddPayload `json:"nodeAdd,omitempty"`
	NodeUpdate     *NodeChange     `json:"nodeUpdate,omitempty"`
	EdgeAdd        *EdgeAddPayload `json:"edgeAdd,omitempty"`
	EdgeUpdate     *EdgeChange     `json:"edgeUpdate,omitempty"`
	PropertyUpdate *PropertyChange `json:"propertyUpdate,omitempty"`
}

// Operation is one edit intent in a session's append-only log.
// CommittedVersion is assigned exclusively by the operation log; Status is
// mutated only by the transform engine.
type Operation struct {
	ID               string          `json:"id"`
	SessionID        string          `json:"sessionId"`
	WorkflowID       string          `json:"workflowId"`
	AuthorID         string          `json:"authorId"`
	Type             OperationType   `json:"type"`
	Target           Target          `json:"target"`
	Payload          Payload         `json:"payload"`
	BaseVersion      uint64          `json:"baseVersion"`
	CommittedVersion uint64          `json:"committedVersion,omitempty"`
	Status           OperationStatus `json:"status"`
	Timestamp        time.Time       `json:"timestamp"`

	// TransformedBy points at the operation that won the overlapping key
	// paths, so the client can replay the authoritative value.
	TransformedBy string       `json:"transformedBy,omitempty"`
	RejectReason  RejectReason `json:"rejectReason,omitempty"`

	// Compensating marks an engine-synthesized update that re-positions the
	// loser of an overlap conflict. Never a participant submission.
	Compensating bool `json:"compensating,omitempty"`
}

// Validate checks the payload variant and target kind against the type.
func (op *Operation) Validate() error {
	switch op.Type {
	case OpNodeAdd:
		if op.Payload.NodeAdd == nil || op.Target.Kind != TargetNode {
			return fmt.Errorf("%w: node_add needs a node target and nodeAdd payload", ErrInvalidOperation)
		}
	case OpNodeUpdate:
		if op.Payload.NodeUpdate == nil || op.Target.Kind != TargetNode {
			return fmt.Errorf("%w: node_update needs a node target and nodeUpdate payload", ErrInvalidOperation)
		}
	case OpNodeDelete:
		if op.Target.Kind != TargetNode {
			return fmt.Errorf("%w: node_delete needs a node target", ErrInvalidOperation)
		}
	case OpEdgeAdd:
		if op.Payload.EdgeAdd == nil || op.Target.Kind != TargetEdge {
			return fmt.Errorf("%w: edge_add needs an edge target and edgeAdd payload", ErrInvalidOperation)
		}
	case OpEdgeUpdate:
		if op.Payload.EdgeUpdate == nil || op.Target.Kind != TargetEdge {
			return fmt.Errorf("%w: edge_update needs an edge target and edgeUpdate payload", ErrInvalidOperation)
		}
	case OpEdgeDelete:
		if op.Target.Kind != TargetEdge {
			return fmt.Errorf("%w: edge_delete needs an edge target", ErrInvalidOperation)
		}
	case OpPropertyUpdate:
		if op.Payload.PropertyUpdate == nil {
			return fmt.Errorf("%w: property_update needs a propertyUpdate payload", ErrInvalidOperation)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidOperation, op.Type)
	}
	return nil
}

// KeyPaths returns the payload key paths this operation mutates. Adds and
// deletes claim the whole target.
func (op *Operation) KeyPaths() []string {
	switch op.Type {
	case OpNodeUpdate:
		return op.Payload.NodeUpdate.keyPaths()
	case OpEdgeUpdate:
		return op.Payload.EdgeUpdate.keyPaths()
	case OpPropertyUpdate:
		return op.Payload.PropertyUpdate.keyPaths()
	default:
		return []string{"*"}
	}
}

// StripKeyPaths removes the given paths from the payload and reports
// whether anything survives.
func (op *Operation) StripKeyPaths(paths map[string]struct{}) bool {
	switch op.Type {
	case OpNodeUpdate:
		op.Payload.NodeUpdate.strip(paths)
		return !op.Payload.NodeUpdate.empty()
	case OpEdgeUpdate:
		op.Payload.EdgeUpdate.strip(paths)
		return !op.Payload.EdgeUpdate.empty()
	case OpPropertyUpdate:
		op.Payload.PropertyUpdate.strip(paths)
		return !op.Payload.PropertyUpdate.empty()
	default:
		return true
	}
}

// TakesPrecedenceOver implements the deterministic tie-break: the higher
// (timestamp, authorId) tuple wins overlapping key paths.
func (op *Operation) TakesPrecedenceOver(other *Operation) bool {
	if !op.Timestamp.Equal(other.Timestamp) {
		return op.Timestamp.After(other.Timestamp)
	}
	return op.AuthorID > other.AuthorID
}
