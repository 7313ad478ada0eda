package collab

import "errors"

var (
	ErrSessionNotFound   = errors.New("SESSION_NOT_FOUND")
	ErrSessionClosed     = errors.New("SESSION_CLOSED")
	ErrCapacityExceeded  = errors.New("CAPACITY_EXCEEDED")
	ErrRoleNotAllowed    = errors.New("ROLE_NOT_ALLOWED")
	ErrNotParticipant    = errors.New("NOT_A_PARTICIPANT")
	ErrStaleBaseVersion  = errors.New("STALE_BASE_VERSION")
	ErrFutureBaseVersion = errors.New("FUTURE_BASE_VERSION")
	ErrInvalidOperation  = errors.New("INVALID_OPERATION")
	ErrBusy              = errors.New("BUSY")
)

// RejectReason explains why the transform engine refused an operation.
// Rejections are surfaced to the originating client only; the operation is
// still recorded in the log for audit.
type RejectReason string

const (
	ReasonTargetDeleted     RejectReason = "target-deleted"
	ReasonDanglingReference RejectReason = "dangling-reference"
)
