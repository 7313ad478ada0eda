package collab

import (
	"github.com/google/uuid"
)

// positionNudge is the fixed pixel offset applied per lost overlap so the
// involved nodes can land without sitting on top of each other.
const positionNudge = 48.0

// Resolution is the transform engine's verdict on one submission.
type Resolution struct {
	// Op is the incoming operation with its final status: applied,
	// transformed (some key paths lost) or rejected.
	Op *Operation
	// Compensating ops synthesized by the engine to re-position overlap
	// losers. They commit right after Op.
	Compensating []*Operation
	// Conflicts found in the concurrent window, annotated with the
	// applied resolution. Broadcast for visibility.
	Conflicts []Conflict
}

// Transform rewrites an incoming operation against its concurrent window
// into a causally consistent outcome. The result depends only on the
// operations involved, never on arrival order: that is what makes all
// replicas converge.
//
// Policy per conflict type:
//   - delete: the delete always wins, the incoming op is rejected
//   - dependency: the edge op is rejected; the client re-issues once the
//     endpoint exists again
//   - same-target-update: field-level merge; on overlapping key paths the
//     higher (timestamp, authorId) tuple wins, losers are marked
//     transformed with a pointer to the winner
//   - position: every move lands at its requested spot shifted one fixed
//     nudge per out-ranking concurrent move whose requested region
//     overlaps it; shifts commit as compensating updates so the requested
//     payloads stay intact
func Transform(g *WorkflowGraph, incoming *Operation, window []*Operation) Resolution {
	res := Resolution{Op: incoming}
	res.Conflicts = DetectConflicts(g, incoming, window)

	incoming.Status = StatusApplied

	var positional []*Conflict
	for i := range res.Conflicts {
		c := &res.Conflicts[i]
		switch c.Type {
		case ConflictDelete:
			incoming.Status = StatusRejected
			incoming.RejectReason = ReasonTargetDeleted
			c.Resolution = "delete-wins"
			return res

		case ConflictDependency:
			incoming.Status = StatusRejected
			incoming.RejectReason = ReasonDanglingReference
			c.Resolution = "rejected-dangling"
			return res

		case ConflictSameTarget:
			resolveSameTarget(c, incoming)

		case ConflictPosition:
			positional = append(positional, c)
		}
	}

	res.Compensating = resolvePositions(incoming, window, positional)
	return res
}

// resolveSameTarget merges the incoming update with one committed update on
// the same target. Disjoint key paths merge cleanly, both contributions
// survive. On overlap the higher (timestamp, authorId) tuple keeps its
// values; the loser's overlapping paths are stripped.
func resolveSameTarget(c *Conflict, incoming *Operation) {
	overlap := keyPathOverlap(incoming.KeyPaths(), c.committed.KeyPaths())
	if len(overlap) == 0 {
		c.Resolution = "merged"
		return
	}
	if incoming.TakesPrecedenceOver(c.committed) {
		// The committed record loses its overlapping paths the moment this
		// op applies on top of them; mark it so log readers see the
		// supersession.
		c.committed.Status = StatusTransformed
		c.committed.TransformedBy = incoming.ID
		c.Resolution = "incoming-wins"
		return
	}
	incoming.StripKeyPaths(overlap)
	incoming.Status = StatusTransformed
	incoming.TransformedBy = c.committed.ID
	c.Resolution = "committed-wins"
}

// resolvePositions settles overlapping node moves deterministically: every
// move's final spot is its requested position shifted one nudge per
// concurrent out-ranking move whose requested region overlaps it. The
// shift count is a function of the operation set alone, so every arrival
// order converges. Shifts commit as compensating updates and requested
// payloads are never rewritten, which keeps later overlap checks running
// against the geometry the authors asked for.
func resolvePositions(incoming *Operation, window []*Operation, conflicts []*Conflict) []*Operation {
	if len(conflicts) == 0 {
		return nil
	}

	moves := make([]*Operation, 0, len(window)+1)
	moves = append(moves, incoming)
	for _, op := range window {
		if op.Type == OpNodeUpdate && !op.Compensating && op.Payload.NodeUpdate.Position != nil {
			moves = append(moves, op)
		}
	}

	shifts := func(op *Operation) int {
		n := 0
		for _, m := range moves {
			if m == op || !concurrentMoves(m, op) {
				continue
			}
			if m.Payload.NodeUpdate.Position.Overlaps(*op.Payload.NodeUpdate.Position) && m.TakesPrecedenceOver(op) {
				n++
			}
		}
		return n
	}

	var comps []*Operation
	var winner *Operation
	for _, c := range conflicts {
		if incoming.TakesPrecedenceOver(c.committed) {
			// The committed move now ranks one lower; re-derive its spot.
			c.Resolution = "nudged-committed"
			comps = append(comps, nudged(c.committed, incoming.ID, shifts(c.committed)))
			continue
		}
		c.Resolution = "nudged-incoming"
		if winner == nil || c.committed.TakesPrecedenceOver(winner) {
			winner = c.committed
		}
	}
	if n := shifts(incoming); n > 0 && winner != nil {
		comps = append(comps, nudged(incoming, winner.ID, n))
	}
	return comps
}

// nudged synthesizes the compensating update that puts the loser at its
// requested position shifted shiftCount nudges. It carries the loser's own
// timestamp and author so it ranks exactly as the move it settles.
func nudged(loser *Operation, winnerID string, shiftCount int) *Operation {
	pos := *loser.Payload.NodeUpdate.Position
	pos.X += positionNudge * float64(shiftCount)
	pos.Y += positionNudge * float64(shiftCount)
	base := loser.CommittedVersion
	if base == 0 {
		base = loser.BaseVersion
	}
	return &Operation{
		ID:            uuid.NewString(),
		SessionID:     loser.SessionID,
		WorkflowID:    loser.WorkflowID,
		AuthorID:      loser.AuthorID,
		Type:          OpNodeUpdate,
		Target:        loser.Target,
		Payload:       Payload{NodeUpdate: &NodeChange{Position: &pos}},
		BaseVersion:   base,
		Status:        StatusTransformed,
		Timestamp:     loser.Timestamp,
		TransformedBy: winnerID,
		Compensating:  true,
	}
}

// concurrentMoves reports whether two moves were issued without having seen
// each other. The incoming op is concurrent with its whole window.
func concurrentMoves(a, b *Operation) bool {
	if a.CommittedVersion == 0 || b.CommittedVersion == 0 {
		return true
	}
	return a.CommittedVersion > b.BaseVersion && b.CommittedVersion > a.BaseVersion
}

func keyPathOverlap(a, b []string) map[string]struct{} {
	set := make(map[string]struct{}, len(b))
	for _, p := range b {
		set[p] = struct{}{}
	}
	overlap := make(map[string]struct{})
	for _, p := range a {
		if _, ok := set[p]; ok {
			overlap[p] = struct{}{}
		}
	}
	return overlap
}
