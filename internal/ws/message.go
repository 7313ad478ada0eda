package ws

import "github.com/KlikkAI/reporunner-sub009/internal/collab"

// Client -> server message types.
const (
	MsgJoinWorkflow    = "join_workflow"
	MsgLeaveWorkflow   = "leave_workflow"
	MsgSubmitOperation = "submit_operation"
	MsgPresenceUpdate  = "presence_update"
	MsgOpsSince        = "ops_since"
	MsgHeartbeat       = "heartbeat"
	MsgUpdateSettings  = "update_settings"
	MsgEndSession      = "end_session"
)

// Server -> client message types.
const (
	MsgSessionState       = "session_state"
	MsgOpAck              = "op_ack"
	MsgOperationCommitted = "operation_committed"
	MsgConflictDetected   = "conflict_detected"
	MsgOpsRange           = "ops_range"
	MsgActiveMembers      = "active_members"
	MsgError              = "error"
)

type ClientMessage struct {
	Type        string              `json:"type"`
	WorkflowID  string              `json:"workflowId,omitempty"`
	SessionID   string              `json:"sessionId,omitempty"`
	Operation   *collab.Operation   `json:"operation,omitempty"`
	Presence    *collab.Presence    `json:"presence,omitempty"`
	Settings    *collab.Settings    `json:"settings,omitempty"`
	FromVersion uint64              `json:"fromVersion,omitempty"`
	Limit       int                 `json:"limit,omitempty"`
}

type ServerMessage struct {
	Type       string                `json:"type"`
	SessionID  string                `json:"sessionId,omitempty"`
	Session    *collab.SessionView   `json:"session,omitempty"`
	Result     *collab.SubmitResult  `json:"result,omitempty"`
	Operation  *collab.Operation     `json:"operation,omitempty"`
	Conflict   *collab.Conflict      `json:"conflict,omitempty"`
	Presence   *collab.Presence      `json:"presence,omitempty"`
	Operations []*collab.Operation   `json:"operations,omitempty"`
	Members    []collab.Presence     `json:"members,omitempty"`
	Code       string                `json:"code,omitempty"`
	Message    string                `json:"message,omitempty"`
}
