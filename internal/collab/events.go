package collab

import "time"

// OpCommittedEvent is the record published to Kafka for every committed
// operation, including rejected ones: downstream consumers (persistence,
// analytics) see the full audit trail. Keyed by session id so one
// session's events land on one partition, preserving commit order.
type OpCommittedEvent struct {
	EventType        string          `json:"eventType"` // fixed "OP_COMMITTED"
	SessionID        string          `json:"sessionId"`
	WorkflowID       string          `json:"workflowId"`
	OperationID      string          `json:"operationId"`
	AuthorID         string          `json:"authorId"`
	Type             OperationType   `json:"type"`
	Target           Target          `json:"target"`
	Payload          Payload         `json:"payload"`
	BaseVersion      uint64          `json:"baseVersion"`
	CommittedVersion uint64          `json:"committedVersion"`
	Status           OperationStatus `json:"status"`
	RejectReason     RejectReason    `json:"rejectReason,omitempty"`
	CommittedAt      time.Time       `json:"committedAt"`
}

func newOpCommittedEvent(op *Operation) OpCommittedEvent {
	return OpCommittedEvent{
		EventType:        "OP_COMMITTED",
		SessionID:        op.SessionID,
		WorkflowID:       op.WorkflowID,
		OperationID:      op.ID,
		AuthorID:         op.AuthorID,
		Type:             op.Type,
		Target:           op.Target,
		Payload:          op.Payload,
		BaseVersion:      op.BaseVersion,
		CommittedVersion: op.CommittedVersion,
		Status:           op.Status,
		RejectReason:     op.RejectReason,
		CommittedAt:      time.Now().UTC(),
	}
}
