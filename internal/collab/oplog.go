package collab

import "sync"

// OperationLog is the append-only, per-session ledger of edit intents.
// Append is the sole writer of CommittedVersion and must only be called
// from the session's commit pipeline, which serializes it; the mutex exists
// for the read paths (catch-up, audit) that run on other goroutines.
type OperationLog struct {
	mu        sync.RWMutex
	sessionID string
	entries   []*Operation // entries[i] has CommittedVersion i+1
	closed    bool
}

func NewOperationLog(sessionID string) *OperationLog {
	return &OperationLog{sessionID: sessionID}
}

// Append assigns the next version number and records the operation.
// Versions are gapless and strictly increasing; rejected operations are
// recorded too, so the audit trail stays ordered.
func (l *OperationLog) Append(op *Operation) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrSessionClosed
	}
	version := uint64(len(l.entries)) + 1
	op.CommittedVersion = version
	l.entries = append(l.entries, op)
	return version, nil
}

// Head returns the latest committed version (0 for an empty log).
func (l *OperationLog) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries))
}

// Close marks the session ended; further appends fail with ErrSessionClosed.
func (l *OperationLog) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// Range returns operations with fromVersion <= CommittedVersion <= toVersion
// in commit order. toVersion 0 means "through head".
func (l *OperationLog) Range(fromVersion, toVersion uint64) []*Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	head := uint64(len(l.entries))
	if toVersion == 0 || toVersion > head {
		toVersion = head
	}
	if fromVersion < 1 {
		fromVersion = 1
	}
	if fromVersion > toVersion {
		return nil
	}
	out := make([]*Operation, toVersion-fromVersion+1)
	copy(out, l.entries[fromVersion-1:toVersion])
	return out
}

// ByTarget returns all operations that touched the given target, in commit
// order.
func (l *OperationLog) ByTarget(kind TargetKind, id string) []*Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Operation
	for _, op := range l.entries {
		if op.Target.Kind == kind && op.Target.ID == id {
			out = append(out, op)
		}
	}
	return out
}

// ConcurrentWindow returns the non-rejected operations committed after
// baseVersion. This is the set a new submission must be transformed
// against: rejected records never touched state, so they cannot conflict.
func (l *OperationLog) ConcurrentWindow(baseVersion uint64) []*Operation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Operation
	for i := int(baseVersion); i < len(l.entries); i++ {
		if l.entries[i].Status != StatusRejected {
			out = append(out, l.entries[i])
		}
	}
	return out
}
