// Package bus bridges hub events across server instances over Redis pub/sub.
// A nil *Service degrades to single-instance mode: publishes are dropped and
// subscriptions never fire.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/agentmesh-dev/agentmesh/internal/v1/hub"
	"github.com/agentmesh-dev/agentmesh/internal/v1/logging"
	"github.com/agentmesh-dev/agentmesh/internal/v1/metrics"
)

const channelPrefix = "agentmesh:hub:"

// Service carries hub events between instances through Redis channels.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, shared with the rate limiter
// store.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService connects to Redis and verifies connectivity before returning.
func NewService(addr, password string) (*Service, error) {
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
		Name:        "redis-bus",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
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
			metrics.CircuitBreakerState.WithLabelValues("redis-bus").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "Connected to Redis pub/sub", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// newServiceFromClient wires an existing client, used by tests with
// miniredis.
func newServiceFromClient(client *redis.Client) *Service {
	return &Service{
		client: client,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "redis-bus",
		}),
	}
}

// Publish sends an event to the other instances watching a room channel.
// An open breaker drops the event rather than failing the caller; local
// subscribers already saw it.
func (s *Service) Publish(ctx context.Context, room string, ev *hub.Event) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bus event: %w", err)
		}
		return nil, s.client.Publish(ctx, channelPrefix+room, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis-bus").Inc()
			logging.Warn(ctx, "Circuit breaker open, dropping bus publish", zap.String("room", room))
			return nil
		}
		logging.Error(ctx, "Bus publish failed", zap.String("room", room), zap.Error(err))
		return err
	}
	return nil
}

// Subscribe listens on a room channel until ctx is cancelled, invoking
// handler for every decodable event.
func (s *Service) Subscribe(ctx context.Context, room string, handler func(*hub.Event)) {
	if s == nil || s.client == nil {
		return
	}

	channel := channelPrefix + room
	pubsub := s.client.Subscribe(ctx, channel)

	go func() {
		defer pubsub.Close()
		logging.Info(ctx, "Subscribed to bus channel", zap.String("channel", channel))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Bus subscription channel closed", zap.String("channel", channel))
					return
				}
				var ev hub.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logging.Error(ctx, "Failed to unmarshal bus event", zap.Error(err))
					continue
				}
				handler(&ev)
			}
		}
	}()
}

// Ping verifies Redis connectivity, used by readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis-bus").Inc()
	}
	return err
}

// Close shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
