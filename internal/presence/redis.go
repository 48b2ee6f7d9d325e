package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs presence with plain keys for ownership and one hash per
// owner for the live view. Live-view writes publish on a per-owner channel in
// the same script so subscribers never miss a change that is stored.
type RedisStore struct {
	rdb          *redis.Client
	ownershipTTL time.Duration
	liveTTL      time.Duration
	logger       *slog.Logger
}

type RedisConfig struct {
	OwnershipTTL time.Duration
	LiveTTL      time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.OwnershipTTL <= 0 {
		out.OwnershipTTL = 12 * time.Hour
	}
	if out.LiveTTL <= 0 {
		out.LiveTTL = 12 * time.Hour
	}
	return out
}

func NewRedisStore(rdb *redis.Client, cfg RedisConfig, logger *slog.Logger) *RedisStore {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{rdb: rdb, ownershipTTL: cfg.OwnershipTTL, liveTTL: cfg.LiveTTL, logger: logger}
}

type ownershipEntry struct {
	UserID string `json:"user_id"`
}

var livePutScript = redis.NewScript(`
-- KEYS[1] = live hash for the owner
-- ARGV[1] = call_sid
-- ARGV[2] = live view json
-- ARGV[3] = ttl_ms
-- ARGV[4] = channel
--
-- Returns 1 if the entry was added, 0 if it was changed.
local created = redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
local kind = 'changed'
if created == 1 then
  kind = 'added'
end
redis.call('PUBLISH', ARGV[4], cjson.encode({event = kind, callSid = ARGV[1], call = cjson.decode(ARGV[2])}))
return created
`)

var liveRemoveScript = redis.NewScript(`
-- KEYS[1] = live hash for the owner
-- ARGV[1] = call_sid
-- ARGV[2] = channel
local removed = redis.call('HDEL', KEYS[1], ARGV[1])
if removed == 1 then
  redis.call('PUBLISH', ARGV[2], cjson.encode({event = 'removed', callSid = ARGV[1]}))
end
return removed
`)

func (s *RedisStore) SetOwner(ctx context.Context, callSid, userID string) error {
	if callSid == "" || userID == "" {
		return errors.New("presence: call_sid and user_id are required")
	}
	b, err := json.Marshal(ownershipEntry{UserID: userID})
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, ownerKey(callSid), b, s.ownershipTTL).Err(); err != nil {
		return fmt.Errorf("presence: set owner: %w", err)
	}
	return nil
}

func (s *RedisStore) Owner(ctx context.Context, callSid string) (string, bool, error) {
	raw, err := s.rdb.Get(ctx, ownerKey(callSid)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("presence: get owner: %w", err)
	}
	var e ownershipEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", false, fmt.Errorf("presence: decode owner: %w", err)
	}
	if e.UserID == "" {
		return "", false, nil
	}
	return e.UserID, true, nil
}

func (s *RedisStore) ClearOwner(ctx context.Context, callSid string) error {
	if err := s.rdb.Del(ctx, ownerKey(callSid)).Err(); err != nil {
		return fmt.Errorf("presence: clear owner: %w", err)
	}
	return nil
}

func (s *RedisStore) Put(ctx context.Context, ownerID, callSid string, v LiveCall) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = livePutScript.Run(ctx, s.rdb, []string{liveKey(ownerID)}, callSid, string(b), s.liveTTL.Milliseconds(), liveChannel(ownerID)).Int()
	if err != nil {
		return fmt.Errorf("presence: put live view: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, ownerID, callSid string) error {
	_, err := liveRemoveScript.Run(ctx, s.rdb, []string{liveKey(ownerID)}, callSid, liveChannel(ownerID)).Int()
	if err != nil {
		return fmt.Errorf("presence: remove live view: %w", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, ownerID string, fn func(Change)) (func(), error) {
	ps := s.rdb.Subscribe(ctx, liveChannel(ownerID))
	// Wait for the subscription to be confirmed before taking the snapshot so
	// no change can fall between the two.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("presence: subscribe: %w", err)
	}

	existing, err := s.rdb.HGetAll(ctx, liveKey(ownerID)).Result()
	if err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("presence: snapshot: %w", err)
	}
	sids := make([]string, 0, len(existing))
	for sid := range existing {
		sids = append(sids, sid)
	}
	sort.Strings(sids)
	for _, sid := range sids {
		var v LiveCall
		if err := json.Unmarshal([]byte(existing[sid]), &v); err != nil {
			s.logger.Warn("presence snapshot entry undecodable", "owner_id", ownerID, "call_sid", sid, "err", err)
			continue
		}
		fn(Change{Kind: ChangeAdded, CallSid: sid, Call: &v})
	}

	done := make(chan struct{})
	go func() {
		ch := ps.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var c Change
				if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
					s.logger.Warn("presence change undecodable", "owner_id", ownerID, "err", err)
					continue
				}
				fn(c)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}, nil
}
