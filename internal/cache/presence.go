// Package cache backs the presence tracker with redis so presence survives
// across server instances. Nothing here is ordered or durable: membership
// is a set plus per-user TTL heartbeat keys, cursor/selection state is a
// last-write-wins JSON value that ages out with the TTL.
package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/KlikkAI/reporunner-sub009/internal/collab"
)

type redisPresence struct {
	rdb redis.UniversalClient
}

// NewRedisPresence returns a collab.PresenceStore backed by redis.
func NewRedisPresence(rdb redis.UniversalClient) collab.PresenceStore {
	return &redisPresence{rdb: rdb}
}

// Set stores one participant's presence state with last-write-wins
// semantics: a stored state with a newer UpdatedAt is kept.
func (p *redisPresence) Set(ctx context.Context, pr collab.Presence, ttl time.Duration) error {
	if prev, err := p.rdb.Get(ctx, stateKey(pr.SessionID, pr.UserID)).Bytes(); err == nil {
		var old collab.Presence
		if json.Unmarshal(prev, &old) == nil && old.UpdatedAt > pr.UpdatedAt {
			return nil
		}
	}
	b, err := json.Marshal(pr)
	if err != nil {
		return err
	}
	pipe := p.rdb.Pipeline()
	pipe.SAdd(ctx, sessionKey(pr.SessionID), pr.UserID)
	pipe.Set(ctx, stateKey(pr.SessionID, pr.UserID), b, ttl)
	if pr.Online {
		pipe.Set(ctx, aliveKey(pr.SessionID, pr.UserID), "1", ttl)
	} else {
		pipe.Del(ctx, aliveKey(pr.SessionID, pr.UserID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes the participant's liveness key.
func (p *redisPresence) Heartbeat(ctx context.Context, sessionID, userID string, ttl time.Duration) error {
	pipe := p.rdb.Pipeline()
	pipe.SAdd(ctx, sessionKey(sessionID), userID)
	pipe.Set(ctx, aliveKey(sessionID, userID), "1", ttl)
	pipe.Expire(ctx, stateKey(sessionID, userID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// ActiveMembers returns the presence state of every member whose heartbeat
// key has not expired.
func (p *redisPresence) ActiveMembers(ctx context.Context, sessionID string) ([]collab.Presence, error) {
	userIDs, err := p.rdb.SMembers(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}

	pipe := p.rdb.Pipeline()
	existsCmds := make([]*redis.IntCmd, len(userIDs))
	for i, uid := range userIDs {
		existsCmds[i] = pipe.Exists(ctx, aliveKey(sessionID, uid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	alive := make([]string, 0, len(userIDs))
	for i, cmd := range existsCmds {
		if cmd.Val() == 1 {
			alive = append(alive, userIDs[i])
		}
	}
	if len(alive) == 0 {
		return nil, nil
	}

	pipe = p.rdb.Pipeline()
	stateCmds := make([]*redis.StringCmd, len(alive))
	for i, uid := range alive {
		stateCmds[i] = pipe.Get(ctx, stateKey(sessionID, uid))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	members := make([]collab.Presence, 0, len(alive))
	for i, cmd := range stateCmds {
		b, err := cmd.Bytes()
		if err != nil {
			// Alive but no state yet: report bare online membership.
			members = append(members, collab.Presence{SessionID: sessionID, UserID: alive[i], Online: true})
			continue
		}
		var pr collab.Presence
		if err := json.Unmarshal(b, &pr); err != nil {
			continue
		}
		members = append(members, pr)
	}
	return members, nil
}
