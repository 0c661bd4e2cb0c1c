// Package relay carries bar mutations between pods over Redis pub/sub, so the
// ingestion process and the WebSocket servers can be deployed separately.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"swapkline/internal/kline"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "kline:mutations"

// NewClient creates a Redis client and pings the server.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// Publisher forwards mutations to a Redis channel. Publish only enqueues; Run
// performs the network writes in enqueue order.
//
// The queue holds up to size mutations. When it is full an incoming mutation
// evicts the oldest pending bar_updated; bar_closed is never dropped, and an
// update is dropped only when nothing evictable is queued.
type Publisher struct {
	rdb     *redis.Client
	channel string
	size    int
	logger  *zap.Logger

	mu      sync.Mutex
	pending []kline.Mutation
	wake    chan struct{}

	dropped atomic.Int64
}

func NewPublisher(rdb *redis.Client, channel string, size int, logger *zap.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if size <= 0 {
		size = 1024
	}
	return &Publisher{
		rdb:     rdb,
		channel: channel,
		size:    size,
		logger:  logger.Named("relay"),
		pending: make([]kline.Mutation, 0, size),
		wake:    make(chan struct{}, 1),
	}
}

// Publish enqueues m without blocking.
func (p *Publisher) Publish(pair kline.Pair, interval kline.Interval, m kline.Mutation) {
	p.mu.Lock()
	if len(p.pending) >= p.size {
		if evicted, ok := p.evictUpdateLocked(); ok {
			p.drop(evicted)
		} else if m.Kind != kline.BarClosed {
			p.mu.Unlock()
			p.drop(m)
			return
		}
	}
	p.pending = append(p.pending, m)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// evictUpdateLocked removes the oldest queued bar_updated. Caller holds p.mu.
func (p *Publisher) evictUpdateLocked() (kline.Mutation, bool) {
	for i, m := range p.pending {
		if m.Kind == kline.BarClosed {
			continue
		}
		p.pending = append(p.pending[:i], p.pending[i+1:]...)
		return m, true
	}
	return kline.Mutation{}, false
}

func (p *Publisher) drop(m kline.Mutation) {
	p.dropped.Add(1)
	p.logger.Debug("relay buffer full, dropping update",
		zap.Stringer("pair", m.Pair),
		zap.String("interval", string(m.Interval)),
		zap.Int64("start", m.Bar.Start))
}

// Dropped returns how many updates were discarded because the queue was full.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Pending returns the number of queued mutations.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Publisher) take() []kline.Mutation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending
	p.pending = make([]kline.Mutation, 0, p.size)
	return out
}

// Run publishes queued mutations until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		}

		for _, m := range p.take() {
			data, err := Encode(m)
			if err != nil {
				p.logger.Error("failed to encode mutation", zap.Error(err))
				continue
			}
			if err := p.rdb.Publish(ctx, p.channel, data).Err(); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				level := p.logger.Warn
				if m.Kind == kline.BarClosed {
					level = p.logger.Error
				}
				level("failed to publish mutation",
					zap.String("channel", p.channel),
					zap.String("kind", string(m.Kind)),
					zap.Error(err))
			}
		}
	}
}

// Subscriber feeds mutations received from Redis into a local Target.
type Subscriber struct {
	rdb      *redis.Client
	channel  string
	validate *validator.Validate
	logger   *zap.Logger
}

func NewSubscriber(rdb *redis.Client, channel string, logger *zap.Logger) *Subscriber {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Subscriber{
		rdb:      rdb,
		channel:  channel,
		validate: validator.New(),
		logger:   logger.Named("relay"),
	}
}

// Run subscribes to the channel and delivers messages to target until ctx is
// cancelled or the subscription breaks.
func (s *Subscriber) Run(ctx context.Context, target Target) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()

	// Wait for the subscription confirmation before consuming.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", s.channel, err)
	}
	s.logger.Info("relay subscribed", zap.String("channel", s.channel))

	handle := MakeMessageHandler(s.logger, target, s.validate)
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription %s closed", s.channel)
			}
			handle([]byte(msg.Payload))
		}
	}
}
