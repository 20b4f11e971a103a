package socket

import (
	"context"
	"encoding/json"
	"time"

	"docsy/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// presenceTTL bounds how long an entry can outlive a crashed worker.
const presenceTTL = 24 * time.Hour

// Presence tracks who is currently in each document room. The set lives
// in Redis so it is correct across worker processes: a per-room hash of
// presence key to display info, plus a connection refcount hash so a
// second tab from the same identity neither re-announces a join nor
// produces a duplicate entry. Guests are tracked too, keyed by
// connection id.
type Presence struct {
	rdb *redis.Client
}

func NewPresence(rdb *redis.Client) *Presence {
	return &Presence{rdb: rdb}
}

func presenceInfoKey(docID string) string  { return "presence:info:" + docID }
func presenceConnsKey(docID string) string { return "presence:conns:" + docID }

// Join registers one connection for key in docID's room. Returns true
// when this is the identity's first live connection, i.e. when the rest
// of the room should be told about the join.
func (p *Presence) Join(ctx context.Context, docID, key string, info PresenceInfo) (bool, error) {
	n, err := p.rdb.HIncrBy(ctx, presenceConnsKey(docID), key, 1).Result()
	if err != nil {
		return false, err
	}

	b, err := json.Marshal(info)
	if err != nil {
		return false, err
	}
	if err := p.rdb.HSet(ctx, presenceInfoKey(docID), key, b).Err(); err != nil {
		return false, err
	}
	p.rdb.Expire(ctx, presenceConnsKey(docID), presenceTTL)
	p.rdb.Expire(ctx, presenceInfoKey(docID), presenceTTL)

	return n == 1, nil
}

// Leave drops one connection for key. Returns true when it was the
// identity's last live connection and the room should see a leave event.
func (p *Presence) Leave(ctx context.Context, docID, key string) (bool, error) {
	n, err := p.rdb.HIncrBy(ctx, presenceConnsKey(docID), key, -1).Result()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	pipe := p.rdb.Pipeline()
	pipe.HDel(ctx, presenceConnsKey(docID), key)
	pipe.HDel(ctx, presenceInfoKey(docID), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot returns the room's current presence set.
func (p *Presence) Snapshot(ctx context.Context, docID string) ([]PresenceInfo, error) {
	entries, err := p.rdb.HGetAll(ctx, presenceInfoKey(docID)).Result()
	if err != nil {
		return nil, err
	}
	infos := make([]PresenceInfo, 0, len(entries))
	for key, raw := range entries {
		var info PresenceInfo
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			logger.Sugar.Warnf("Dropping unreadable presence entry %s in room %s: %v", key, docID, err)
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}
