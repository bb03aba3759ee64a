package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/agentmesh-dev/agentmesh/internal/v1/apierr"
	"github.com/agentmesh-dev/agentmesh/internal/v1/metrics"
	"github.com/agentmesh-dev/agentmesh/internal/v1/types"
)

// enqueueScript pushes a message onto the queue only when it is below
// capacity, so the length check and push are one atomic step. Returns the new
// length, or -1 when the queue is full.
var enqueueScript = redis.NewScript(`
local len = redis.call('LLEN', KEYS[1])
if tonumber(ARGV[2]) > 0 and len >= tonumber(ARGV[2]) then
  return -1
end
return redis.call('RPUSH', KEYS[1], ARGV[1])
`)

// Redis is the production Backend. All calls route through a circuit breaker
// so a dead Redis degrades into fast failures instead of piled-up timeouts.
type Redis struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedis creates a Redis backend and verifies connectivity immediately.
func NewRedis(addr, password string) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "storage",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		// Key misses are not backend failures.
		IsSuccessful: func(err error) bool { return err == nil || err == redis.Nil },
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("storage").Set(stateVal)
		},
	}

	return &Redis{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// NewRedisFromClient wraps an existing client, used by tests with miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client, cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         "storage",
		IsSuccessful: func(err error) bool { return err == nil || err == redis.Nil },
	})}
}

// exec routes a call through the circuit breaker, translating open-breaker
// rejections into an internal error kind.
func (s *Redis) exec(fn func() (any, error)) (any, error) {
	res, err := s.cb.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		metrics.CircuitBreakerFailures.WithLabelValues("storage").Inc()
		return nil, apierr.Wrap(apierr.KindInternal, err, "storage circuit breaker open")
	}
	return res, err
}

func protocolDataKey(projectID, name, version string) string {
	return projectID + ":protocol:" + protocolKey(name, version)
}

func protocolIndexKey(projectID string) string { return projectID + ":protocols" }

func sessionDataKey(projectID, sessionID string) string {
	return projectID + ":session:" + sessionID
}

func sessionIndexKey(projectID string) string { return projectID + ":sessions" }

func queueKey(projectID, sessionID string) string { return projectID + ":queue:" + sessionID }

func (s *Redis) GetProtocol(ctx context.Context, projectID, name, version string) (*types.ProtocolDefinition, error) {
	res, err := s.exec(func() (any, error) {
		return s.client.Get(ctx, protocolDataKey(projectID, name, version)).Bytes()
	})
	if err == redis.Nil {
		return nil, apierr.New(apierr.KindNotFound, "protocol %s@%s not found in project %s", name, version, projectID)
	}
	if err != nil {
		return nil, err
	}
	var def types.ProtocolDefinition
	if err := json.Unmarshal(res.([]byte), &def); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "corrupt protocol record")
	}
	return &def, nil
}

func (s *Redis) SaveProtocol(ctx context.Context, projectID string, def *types.ProtocolDefinition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "failed to marshal protocol")
	}
	res, err := s.exec(func() (any, error) {
		return s.client.SetNX(ctx, protocolDataKey(projectID, def.Name, def.Version), data, 0).Result()
	})
	if err != nil {
		return err
	}
	if !res.(bool) {
		return apierr.New(apierr.KindAlreadyExists, "protocol %s@%s already registered in project %s", def.Name, def.Version, projectID)
	}
	_, err = s.exec(func() (any, error) {
		return nil, s.client.SAdd(ctx, protocolIndexKey(projectID), protocolKey(def.Name, def.Version)).Err()
	})
	return err
}

func (s *Redis) ListProtocols(ctx context.Context, projectID string, filter ProtocolFilter) ([]*types.ProtocolDefinition, error) {
	res, err := s.exec(func() (any, error) {
		return s.client.SMembers(ctx, protocolIndexKey(projectID)).Result()
	})
	if err != nil {
		return nil, err
	}
	members := res.([]string)
	if len(members) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(members))
	for _, m := range members {
		keys = append(keys, projectID+":protocol:"+m)
	}
	raw, err := s.exec(func() (any, error) {
		return s.client.MGet(ctx, keys...).Result()
	})
	if err != nil {
		return nil, err
	}

	var out []*types.ProtocolDefinition
	for _, v := range raw.([]any) {
		str, ok := v.(string)
		if !ok {
			continue // index entry with no record, skip
		}
		var def types.ProtocolDefinition
		if err := json.Unmarshal([]byte(str), &def); err != nil {
			continue
		}
		if filter.Name != "" && def.Name != filter.Name {
			continue
		}
		if filter.Version != "" && def.Version != filter.Version {
			continue
		}
		out = append(out, &def)
	}
	return out, nil
}

func (s *Redis) DeleteProtocol(ctx context.Context, projectID, name, version string) error {
	res, err := s.exec(func() (any, error) {
		return s.client.Del(ctx, protocolDataKey(projectID, name, version)).Result()
	})
	if err != nil {
		return err
	}
	if res.(int64) == 0 {
		return apierr.New(apierr.KindNotFound, "protocol %s@%s not found in project %s", name, version, projectID)
	}
	_, err = s.exec(func() (any, error) {
		return nil, s.client.SRem(ctx, protocolIndexKey(projectID), protocolKey(name, version)).Err()
	})
	return err
}

func (s *Redis) GetSession(ctx context.Context, projectID, sessionID string) (*types.Session, error) {
	res, err := s.exec(func() (any, error) {
		return s.client.Get(ctx, sessionDataKey(projectID, sessionID)).Bytes()
	})
	if err == redis.Nil {
		return nil, apierr.New(apierr.KindNotFound, "session %s not found in project %s", sessionID, projectID)
	}
	if err != nil {
		return nil, err
	}
	var sess types.Session
	if err := json.Unmarshal(res.([]byte), &sess); err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, err, "corrupt session record")
	}
	return &sess, nil
}

func (s *Redis) SaveSession(ctx context.Context, projectID string, sess *types.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, err, "failed to marshal session")
	}
	_, err = s.exec(func() (any, error) {
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, sessionDataKey(projectID, sess.ID), data, 0)
		pipe.SAdd(ctx, sessionIndexKey(projectID), sess.ID)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (s *Redis) ListSessions(ctx context.Context, projectID string, status types.SessionStatus) ([]*types.Session, error) {
	res, err := s.exec(func() (any, error) {
		return s.client.SMembers(ctx, sessionIndexKey(projectID)).Result()
	})
	if err != nil {
		return nil, err
	}
	ids := res.([]string)
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, sessionDataKey(projectID, id))
	}
	raw, err := s.exec(func() (any, error) {
		return s.client.MGet(ctx, keys...).Result()
	})
	if err != nil {
		return nil, err
	}

	var out []*types.Session
	for _, v := range raw.([]any) {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var sess types.Session
		if err := json.Unmarshal([]byte(str), &sess); err != nil {
			continue
		}
		if status != "" && sess.Status != status {
			continue
		}
		out = append(out, &sess)
	}
	return out, nil
}

func (s *Redis) DeleteSession(ctx context.Context, projectID, sessionID string) error {
	res, err := s.exec(func() (any, error) {
		return s.client.Del(ctx, sessionDataKey(projectID, sessionID)).Result()
	})
	if err != nil {
		return err
	}
	if res.(int64) == 0 {
		return apierr.New(apierr.KindNotFound, "session %s not found in project %s", sessionID, projectID)
	}
	_, err = s.exec(func() (any, error) {
		pipe := s.client.TxPipeline()
		pipe.SRem(ctx, sessionIndexKey(projectID), sessionID)
		pipe.Del(ctx, queueKey(projectID, sessionID))
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (s *Redis) EnqueueMessage(ctx context.Context, projectID, sessionID string, msg *types.Message, capacity int) (int, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return 0, apierr.Wrap(apierr.KindInternal, err, "failed to marshal message")
	}
	res, err := s.exec(func() (any, error) {
		return enqueueScript.Run(ctx, s.client, []string{queueKey(projectID, sessionID)}, data, capacity).Int64()
	})
	if err != nil {
		return 0, err
	}
	n := res.(int64)
	if n < 0 {
		return capacity, apierr.New(apierr.KindQueueFull, "queue for session %s at capacity %d", sessionID, capacity)
	}
	return int(n), nil
}

func (s *Redis) DequeueMessages(ctx context.Context, projectID, sessionID string, limit int) ([]*types.Message, error) {
	// A non-positive limit drains the whole queue.
	if limit <= 0 {
		size, err := s.QueueSize(ctx, projectID, sessionID)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return nil, nil
		}
		limit = size
	}
	res, err := s.exec(func() (any, error) {
		return s.client.LPopCount(ctx, queueKey(projectID, sessionID), limit).Result()
	})
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var out []*types.Message
	for _, raw := range res.([]string) {
		var msg types.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		if msg.Expired(now) {
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}

func (s *Redis) QueueSize(ctx context.Context, projectID, sessionID string) (int, error) {
	res, err := s.exec(func() (any, error) {
		return s.client.LLen(ctx, queueKey(projectID, sessionID)).Result()
	})
	if err != nil {
		return 0, err
	}
	return int(res.(int64)), nil
}

func (s *Redis) ClearQueue(ctx context.Context, projectID, sessionID string) error {
	_, err := s.exec(func() (any, error) {
		return nil, s.client.Del(ctx, queueKey(projectID, sessionID)).Err()
	})
	return err
}

func (s *Redis) Ping(ctx context.Context) error {
	_, err := s.exec(func() (any, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	return err
}

func (s *Redis) Close() error { return s.client.Close() }
