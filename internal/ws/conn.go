package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/KlikkAI/reporunner-sub009/internal/collab"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	submitWait   = 2 * time.Second
)

// Conn is one participant connection: a read pump handling client
// messages, a write pump draining the send queue, and a forwarder moving
// the session's broadcast stream into that queue.
type Conn struct {
	ws     *websocket.Conn
	engine *collab.Engine

	connectionID string
	userID       string
	role         collab.Role
	sessionID    string

	send chan ServerMessage
	done chan struct{}
	sub  *collab.Subscriber

	closeOnce sync.Once
	logger    zerolog.Logger
}

func NewConn(ws *websocket.Conn, engine *collab.Engine, connectionID, userID string, role collab.Role, logger zerolog.Logger) *Conn {
	return &Conn{
		ws:           ws,
		engine:       engine,
		connectionID: connectionID,
		userID:       userID,
		role:         role,
		send:         make(chan ServerMessage, 64),
		done:         make(chan struct{}),
		logger: logger.With().
			Str("component", "ws").
			Str("connectionId", connectionID).
			Str("userId", userID).
			Logger(),
	}
}

// enqueue drops the message if the send queue is full; the client catches
// up over ops_since.
func (c *Conn) enqueue(msg ServerMessage) {
	select {
	case c.send <- msg:
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("send queue full, dropping message")
	}
}

func (c *Conn) sendError(err error) {
	c.enqueue(ServerMessage{Type: MsgError, Code: errCode(err), Message: err.Error()})
}

// errCode maps engine errors onto stable wire codes.
func errCode(err error) string {
	for _, sentinel := range []error{
		collab.ErrSessionNotFound, collab.ErrSessionClosed, collab.ErrCapacityExceeded,
		collab.ErrRoleNotAllowed, collab.ErrNotParticipant, collab.ErrStaleBaseVersion,
		collab.ErrFutureBaseVersion, collab.ErrInvalidOperation, collab.ErrBusy,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	return "INTERNAL"
}

// readLoop consumes client messages until the connection drops, then
// leaves the session so the participant does not linger.
func (c *Conn) readLoop(ctx context.Context) {
	defer c.close()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("read error")
			}
			return
		}

		switch msg.Type {
		case MsgJoinWorkflow:
			c.handleJoin(ctx, msg)

		case MsgLeaveWorkflow:
			c.leaveSession(ctx)

		case MsgSubmitOperation:
			c.handleSubmit(ctx, msg)

		case MsgPresenceUpdate:
			if msg.Presence == nil {
				c.sendError(collab.ErrInvalidOperation)
				continue
			}
			pr := *msg.Presence
			pr.SessionID = c.sessionID
			pr.UserID = c.userID
			if err := c.engine.UpdatePresence(ctx, pr); err != nil {
				c.sendError(err)
			}

		case MsgOpsSince:
			ops, err := c.engine.OpsSince(ctx, c.sessionID, msg.FromVersion, msg.Limit)
			if err != nil {
				c.sendError(err)
				continue
			}
			c.enqueue(ServerMessage{Type: MsgOpsRange, SessionID: c.sessionID, Operations: ops})

		case MsgHeartbeat:
			if c.sessionID == "" {
				continue
			}
			if err := c.engine.Heartbeat(ctx, c.sessionID, c.userID); err != nil {
				c.logger.Warn().Err(err).Msg("heartbeat failed")
			}
			members, err := c.engine.ActiveMembers(ctx, c.sessionID)
			if err == nil {
				c.enqueue(ServerMessage{Type: MsgActiveMembers, SessionID: c.sessionID, Members: members})
			}

		case MsgUpdateSettings:
			if msg.Settings == nil {
				c.sendError(collab.ErrInvalidOperation)
				continue
			}
			if err := c.engine.UpdateSettings(ctx, c.sessionID, c.userID, *msg.Settings); err != nil {
				c.sendError(err)
				continue
			}
			if view, err := c.engine.Session(c.sessionID); err == nil {
				c.enqueue(ServerMessage{Type: MsgSessionState, SessionID: c.sessionID, Session: &view})
			}

		case MsgEndSession:
			if err := c.engine.End(ctx, c.sessionID); err != nil {
				c.sendError(err)
			}

		default:
			c.enqueue(ServerMessage{Type: MsgError, Code: "UNKNOWN_TYPE", Message: "unknown message type " + msg.Type})
		}
	}
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	if msg.WorkflowID == "" {
		c.sendError(collab.ErrInvalidOperation)
		return
	}
	// Switching workflows implies leaving the previous session first.
	if c.sessionID != "" {
		c.leaveSession(ctx)
	}

	view, sub, err := c.engine.Join(ctx, msg.WorkflowID, collab.Participant{
		UserID:       c.userID,
		ConnectionID: c.connectionID,
		Role:         c.role,
	})
	if err != nil {
		c.sendError(err)
		return
	}
	c.sessionID = view.SessionID
	c.sub = sub
	go c.forwardBroadcasts(sub)

	c.enqueue(ServerMessage{Type: MsgSessionState, SessionID: view.SessionID, Session: &view})
}

func (c *Conn) handleSubmit(ctx context.Context, msg ClientMessage) {
	if msg.Operation == nil || c.sessionID == "" {
		c.sendError(collab.ErrInvalidOperation)
		return
	}
	op := msg.Operation
	op.SessionID = c.sessionID
	op.AuthorID = c.userID

	submitCtx, cancel := context.WithTimeout(ctx, submitWait)
	defer cancel()
	result, err := c.engine.Submit(submitCtx, c.connectionID, op)
	if err != nil {
		c.sendError(err)
		return
	}
	c.enqueue(ServerMessage{Type: MsgOpAck, SessionID: c.sessionID, Result: &result})
}

// forwardBroadcasts moves the session's committed stream into the send
// queue. It exits when the subscriber channel is closed on leave or
// session end.
func (c *Conn) forwardBroadcasts(sub *collab.Subscriber) {
	for env := range sub.C {
		switch env.Kind {
		case collab.EnvelopeOperation:
			c.enqueue(ServerMessage{Type: MsgOperationCommitted, SessionID: env.SessionID, Operation: env.Operation})
		case collab.EnvelopeConflict:
			c.enqueue(ServerMessage{Type: MsgConflictDetected, SessionID: env.SessionID, Conflict: env.Conflict})
		case collab.EnvelopePresence:
			c.enqueue(ServerMessage{Type: MsgPresenceUpdate, SessionID: env.SessionID, Presence: env.Presence})
		}
	}
}

func (c *Conn) leaveSession(ctx context.Context) {
	if c.sessionID == "" {
		return
	}
	if err := c.engine.Leave(ctx, c.sessionID, c.userID, c.connectionID); err != nil &&
		!errors.Is(err, collab.ErrSessionNotFound) && !errors.Is(err, collab.ErrNotParticipant) {
		c.logger.Warn().Err(err).Msg("leave failed")
	}
	c.sessionID = ""
	c.sub = nil
}

// close tears the connection down once: leave the session (which closes
// the subscriber stream) and release the write pump. The send channel is
// never closed so late broadcasts cannot panic; they are simply dropped.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.leaveSession(context.Background())
		close(c.done)
	})
}

// writeLoop drains the send queue and keeps the connection alive with
// pings. It owns all writes to the socket.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Warn().Err(err).Msg("write error")
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
