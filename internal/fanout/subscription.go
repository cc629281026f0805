package fanout

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// State is the lifecycle position of one subscription.
type State int

const (
	StateInactive State = iota
	StateSubscribing
	StateLive
	StateError
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateSubscribing:
		return "subscribing"
	case StateLive:
		return "live"
	case StateError:
		return "error"
	case StateTornDown:
		return "torn_down"
	default:
		return "unknown"
	}
}

var (
	// ErrDuplicateSubscription is returned when a key is already registered.
	ErrDuplicateSubscription = errors.New("fanout: subscription key already registered")
	// ErrManagerClosed is returned by Add after TeardownAll(true).
	ErrManagerClosed = errors.New("fanout: subscription manager closed")
	errPumpStopped   = errors.New("fanout: subscription stopped delivering")
)

// Pump delivers events of an established subscription until ctx ends or the
// underlying stream fails.
type Pump func(ctx context.Context) error

// Establish opens the underlying stream and returns its pump.
type Establish func(ctx context.Context) (Pump, error)

// RetryPolicy shapes the exponential backoff used from the Error state.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxElapsed time.Duration
}

// DefaultRetryPolicy retries quickly at first and gives up after two minutes.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Initial: 200 * time.Millisecond, Max: 10 * time.Second, MaxElapsed: 2 * time.Minute}
}

func (p RetryPolicy) options(notify backoff.Notify) []backoff.RetryOption {
	exponential := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		exponential.InitialInterval = p.Initial
	}
	if p.Max > 0 {
		exponential.MaxInterval = p.Max
	}
	options := []backoff.RetryOption{backoff.WithBackOff(exponential), backoff.WithNotify(notify)}
	if p.MaxElapsed > 0 {
		options = append(options, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	return options
}

// StateListener observes every state transition.
type StateListener func(key string, state State, err error)

type subscription struct {
	key       string
	establish Establish
	cancel    context.CancelFunc
	done      chan struct{}

	mu    sync.Mutex
	state State
	err   error
}

// SubscriptionManager owns a set of independently revocable subscriptions keyed
// by name. Teardown returns only after the subscription can no longer call back.
type SubscriptionManager struct {
	policy   RetryPolicy
	listener StateListener
	logger   *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]*subscription
	closed        bool
}

// NewSubscriptionManager builds an empty manager.
func NewSubscriptionManager(policy RetryPolicy, listener StateListener, logger *zap.Logger) *SubscriptionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SubscriptionManager{
		policy:        policy,
		listener:      listener,
		logger:        logger,
		subscriptions: make(map[string]*subscription),
	}
}

// Add registers and starts a subscription. The parent ctx bounds its lifetime.
func (m *SubscriptionManager) Add(ctx context.Context, key string, establish Establish) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}
	if _, exists := m.subscriptions[key]; exists {
		return ErrDuplicateSubscription
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		key:       key,
		establish: establish,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     StateInactive,
	}
	m.subscriptions[key] = sub
	go m.run(subCtx, sub)
	return nil
}

// Teardown stops one subscription and waits until it has exited.
func (m *SubscriptionManager) Teardown(key string) bool {
	m.mu.Lock()
	sub, ok := m.subscriptions[key]
	if ok {
		delete(m.subscriptions, key)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.stop(sub)
	return true
}

// TeardownPrefix stops every subscription whose key starts with prefix.
func (m *SubscriptionManager) TeardownPrefix(prefix string) int {
	m.mu.Lock()
	var victims []*subscription
	for key, sub := range m.subscriptions {
		if strings.HasPrefix(key, prefix) {
			victims = append(victims, sub)
			delete(m.subscriptions, key)
		}
	}
	m.mu.Unlock()
	for _, sub := range victims {
		m.stop(sub)
	}
	return len(victims)
}

// TeardownAll stops every subscription. With final set, later Adds fail.
func (m *SubscriptionManager) TeardownAll(final bool) {
	m.mu.Lock()
	victims := make([]*subscription, 0, len(m.subscriptions))
	for key, sub := range m.subscriptions {
		victims = append(victims, sub)
		delete(m.subscriptions, key)
	}
	if final {
		m.closed = true
	}
	m.mu.Unlock()
	for _, sub := range victims {
		m.stop(sub)
	}
}

// State reports the state of key; a missing key reports StateTornDown.
func (m *SubscriptionManager) State(key string) State {
	m.mu.Lock()
	sub, ok := m.subscriptions[key]
	m.mu.Unlock()
	if !ok {
		return StateTornDown
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.state
}

// Keys lists the registered subscriptions in sorted order.
func (m *SubscriptionManager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.subscriptions))
	for key := range m.subscriptions {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m *SubscriptionManager) stop(sub *subscription) {
	sub.cancel()
	<-sub.done
	m.transition(sub, StateTornDown, nil)
}

func (m *SubscriptionManager) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)
	for {
		m.transition(sub, StateSubscribing, nil)
		pump, err := backoff.Retry(ctx, func() (Pump, error) {
			pump, err := sub.establish(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, backoff.Permanent(ctx.Err())
				}
				return nil, err
			}
			return pump, nil
		}, m.policy.options(func(err error, wait time.Duration) {
			m.transition(sub, StateError, err)
			m.logger.Warn("subscription retry scheduled",
				zap.String("subscription", sub.key),
				zap.Duration("wait", wait),
				zap.Error(err))
		})...)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.transition(sub, StateError, err)
			m.logger.Error("subscription abandoned", zap.String("subscription", sub.key), zap.Error(err))
			return
		}

		m.transition(sub, StateLive, nil)
		err = pump(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errPumpStopped
		}
		m.transition(sub, StateError, err)
		m.logger.Warn("subscription interrupted", zap.String("subscription", sub.key), zap.Error(err))
	}
}

func (m *SubscriptionManager) transition(sub *subscription, state State, err error) {
	sub.mu.Lock()
	if sub.state == StateTornDown || (sub.state == state && err == nil) {
		sub.mu.Unlock()
		return
	}
	sub.state = state
	sub.err = err
	sub.mu.Unlock()
	if m.listener != nil {
		m.listener(sub.key, state, err)
	}
}

// backoffPermanent marks an establish error that retrying cannot fix.
func backoffPermanent(err error) error {
	return backoff.Permanent(err)
}
