package collab

// WorkflowGraph is the materialized shared state of a session: the nodes,
// edges and workflow-level properties that result from applying the
// committed operation log in order. It is owned by the session pipeline and
// never shared across sessions.
type WorkflowGraph struct {
	WorkflowID string
	Nodes      map[string]*Node
	Edges      map[string]*Edge
	Properties map[string]any
}

type Node struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Position   NodePosition   `json:"position"`
	Disabled   bool           `json:"disabled,omitempty"`
	Notes      string         `json:"notes,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

type Edge struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	SourcePort string         `json:"sourcePort,omitempty"`
	TargetPort string         `json:"targetPort,omitempty"`
	Label      string         `json:"label,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

func NewWorkflowGraph(workflowID string) *WorkflowGraph {
	return &WorkflowGraph{
		WorkflowID: workflowID,
		Nodes:      make(map[string]*Node),
		Edges:      make(map[string]*Edge),
		Properties: make(map[string]any),
	}
}

// Apply folds one committed operation into the graph. Rejected operations
// are skipped so that replaying the full log reproduces live state.
// Missing targets are ignored rather than failing: a concurrent delete may
// legitimately have removed them.
func (g *WorkflowGraph) Apply(op *Operation) {
	if op.Status == StatusRejected {
		return
	}
	switch op.Type {
	case OpNodeAdd:
		p := op.Payload.NodeAdd
		g.Nodes[op.Target.ID] = &Node{
			ID:         op.Target.ID,
			Type:       p.NodeType,
			Name:       p.Name,
			Position:   p.Position,
			Disabled:   p.Disabled,
			Parameters: copyMap(p.Parameters),
		}
	case OpNodeUpdate:
		n, ok := g.Nodes[op.Target.ID]
		if !ok {
			return
		}
		c := op.Payload.NodeUpdate
		if c.Name != nil {
			n.Name = *c.Name
		}
		if c.Position != nil {
			n.Position = *c.Position
		}
		if c.Disabled != nil {
			n.Disabled = *c.Disabled
		}
		if c.Notes != nil {
			n.Notes = *c.Notes
		}
		if len(c.Parameters) > 0 {
			if n.Parameters == nil {
				n.Parameters = make(map[string]any, len(c.Parameters))
			}
			for k, v := range c.Parameters {
				n.Parameters[k] = v
			}
		}
	case OpNodeDelete:
		delete(g.Nodes, op.Target.ID)
		// Cascade: edges referencing the node are dangling.
		for id, e := range g.Edges {
			if e.Source == op.Target.ID || e.Target == op.Target.ID {
				delete(g.Edges, id)
			}
		}
	case OpEdgeAdd:
		p := op.Payload.EdgeAdd
		g.Edges[op.Target.ID] = &Edge{
			ID:         op.Target.ID,
			Source:     p.Source,
			Target:     p.Target,
			SourcePort: p.SourcePort,
			TargetPort: p.TargetPort,
			Label:      p.Label,
		}
	case OpEdgeUpdate:
		e, ok := g.Edges[op.Target.ID]
		if !ok {
			return
		}
		c := op.Payload.EdgeUpdate
		if c.Label != nil {
			e.Label = *c.Label
		}
		if len(c.Properties) > 0 {
			if e.Properties == nil {
				e.Properties = make(map[string]any, len(c.Properties))
			}
			for k, v := range c.Properties {
				e.Properties[k] = v
			}
		}
	case OpEdgeDelete:
		delete(g.Edges, op.Target.ID)
	case OpPropertyUpdate:
		fields := op.Payload.PropertyUpdate.Fields
		switch op.Target.Kind {
		case TargetNode:
			n, ok := g.Nodes[op.Target.ID]
			if !ok {
				return
			}
			if n.Properties == nil {
				n.Properties = make(map[string]any, len(fields))
			}
			for k, v := range fields {
				n.Properties[k] = v
			}
		case TargetEdge:
			e, ok := g.Edges[op.Target.ID]
			if !ok {
				return
			}
			if e.Properties == nil {
				e.Properties = make(map[string]any, len(fields))
			}
			for k, v := range fields {
				e.Properties[k] = v
			}
		default:
			for k, v := range fields {
				g.Properties[k] = v
			}
		}
	}
}

// Replay rebuilds a graph from an ordered committed log.
func Replay(workflowID string, log []*Operation) *WorkflowGraph {
	g := NewWorkflowGraph(workflowID)
	for _, op := range log {
		g.Apply(op)
	}
	return g
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
