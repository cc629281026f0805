package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	relayPublishTimeout = 2 * time.Second
	defaultRetryInitial = 500 * time.Millisecond
	defaultRetryMax     = 30 * time.Second
)

var (
	errMissingRedisClient  = errors.New("realtime: redis client is required")
	errMissingRelayChannel = errors.New("realtime: relay channel is required")
	errMissingLocalBus     = errors.New("realtime: local dispatcher is required")
	errRelayInterrupted    = errors.New("realtime: relay subscription closed")
)

// RedisRelayConfig wires a relay between the local dispatcher and a redis channel.
// RetryInitial and RetryMax shape the backoff between subscribe attempts.
type RedisRelayConfig struct {
	Client       *redis.Client
	Channel      string
	Local        Bus
	Logger       *zap.Logger
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// RedisRelay mirrors every locally published event onto a redis pub/sub channel
// and replays events published by other instances into the local dispatcher.
type RedisRelay struct {
	client    *redis.Client
	channel   string
	local     Bus
	origin    string
	logger    *zap.Logger
	retry     *backoff.ExponentialBackOff
	ready     chan struct{}
	readyOnce sync.Once
}

func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, errMissingRelayChannel
	}
	if cfg.Local == nil {
		return nil, errMissingLocalBus
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = defaultRetryInitial
	retry.MaxInterval = defaultRetryMax
	if cfg.RetryInitial > 0 {
		retry.InitialInterval = cfg.RetryInitial
	}
	if cfg.RetryMax > 0 {
		retry.MaxInterval = cfg.RetryMax
	}
	return &RedisRelay{
		client:  cfg.Client,
		channel: cfg.Channel,
		local:   cfg.Local,
		origin:  uuid.NewString(),
		logger:  logger,
		retry:   retry,
		ready:   make(chan struct{}),
	}, nil
}

// Origin identifies this instance on the shared channel.
func (r *RedisRelay) Origin() string {
	return r.origin
}

// Ready is closed once the relay is subscribed to the shared channel.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Publish delivers locally, then mirrors the event to other instances.
func (r *RedisRelay) Publish(event Event) {
	r.local.Publish(event)

	event.Origin = r.origin
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("relay encode failed", zap.String("topic", event.Topic), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), relayPublishTimeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("relay publish failed", zap.String("topic", event.Topic), zap.Error(err))
	}
}

func (r *RedisRelay) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	return r.local.Subscribe(ctx, topic)
}

// Run consumes the shared channel until ctx ends. A failed subscription is
// retried with exponential backoff; the delay resets once subscribed again.
func (r *RedisRelay) Run(ctx context.Context) error {
	r.retry.Reset()
	for {
		err := r.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		wait := r.retry.NextBackOff()
		r.logger.Warn("realtime relay interrupted",
			zap.String("channel", r.channel),
			zap.Duration("wait", wait),
			zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	r.retry.Reset()
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("realtime relay subscribed", zap.String("channel", r.channel), zap.String("origin", r.origin))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return errRelayInterrupted
			}
			var event Event
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				r.logger.Warn("relay decode failed", zap.Error(err))
				continue
			}
			if event.Origin == r.origin {
				continue
			}
			r.local.Publish(event)
		}
	}
}
