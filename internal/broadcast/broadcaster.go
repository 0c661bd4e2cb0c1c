// Package broadcast fans bar mutations out to live subscribers.
//
// Every connection owns a bounded queue. Publish never blocks: when a queue is
// full an incoming bar_updated replaces the oldest pending message, and a
// connection that would lose a bar_closed is disconnected instead.
package broadcast

import (
	"errors"
	"sync"
	"sync/atomic"

	"swapkline/internal/kline"

	"go.uber.org/zap"
)

const DefaultQueueSize = 256

var (
	ErrUnknownConnection = errors.New("unknown connection")
	errQueueOverflow     = errors.New("subscriber queue overflow")
)

type subKey struct {
	pair     kline.Pair
	interval kline.Interval
}

// Conn is one registered subscriber connection.
type Conn struct {
	id    string
	queue chan kline.Mutation
	done  chan struct{}
	once  sync.Once

	enqueueMu sync.Mutex
	subs      map[subKey]struct{} // guarded by Broadcaster.mu
}

func (c *Conn) ID() string { return c.id }

// Outbound delivers the connection's mutations in publish order per (pair, interval).
func (c *Conn) Outbound() <-chan kline.Mutation { return c.queue }

// Done is closed when the connection has been dropped.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// offer enqueues m without blocking. It reports whether a pending update was
// evicted, and returns errQueueOverflow when the connection must be
// disconnected to avoid losing a bar_closed.
func (c *Conn) offer(m kline.Mutation) (evicted bool, err error) {
	c.enqueueMu.Lock()
	defer c.enqueueMu.Unlock()

	if c.closed() {
		return false, nil
	}

	select {
	case c.queue <- m:
		return false, nil
	default:
	}

	if m.Kind == kline.BarClosed {
		return false, errQueueOverflow
	}

	select {
	case old := <-c.queue:
		if old.Kind == kline.BarClosed {
			return true, errQueueOverflow
		}
	default:
	}

	select {
	case c.queue <- m:
		return true, nil
	default:
		return true, errQueueOverflow
	}
}

type Broadcaster struct {
	queueSize int
	logger    *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Conn
	subs  map[subKey]map[string]*Conn

	evicted      atomic.Int64
	disconnected atomic.Int64
}

func NewBroadcaster(queueSize int, logger *zap.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		queueSize: queueSize,
		logger:    logger.Named("broadcast"),
		conns:     make(map[string]*Conn),
		subs:      make(map[subKey]map[string]*Conn),
	}
}

// Connect registers a connection. Connecting an id twice returns the existing Conn.
func (b *Broadcaster) Connect(id string) *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.conns[id]; ok {
		return c
	}
	c := &Conn{
		id:    id,
		queue: make(chan kline.Mutation, b.queueSize),
		done:  make(chan struct{}),
		subs:  make(map[subKey]struct{}),
	}
	b.conns[id] = c
	return c
}

// Subscribe attaches a connection to a (pair, interval). Subscribing twice is a no-op.
func (b *Broadcaster) Subscribe(id string, pair kline.Pair, interval kline.Interval) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.conns[id]
	if !ok {
		return ErrUnknownConnection
	}

	key := subKey{pair: pair, interval: interval}
	c.subs[key] = struct{}{}
	set, ok := b.subs[key]
	if !ok {
		set = make(map[string]*Conn)
		b.subs[key] = set
	}
	set[id] = c
	return nil
}

// Unsubscribe detaches a connection from a (pair, interval). Unknown ids or
// subscriptions are ignored.
func (b *Broadcaster) Unsubscribe(id string, pair kline.Pair, interval kline.Interval) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := subKey{pair: pair, interval: interval}
	if c, ok := b.conns[id]; ok {
		delete(c.subs, key)
	}
	b.removeLocked(key, id)
}

// DropConnection removes a connection and all of its subscriptions, then closes Done.
func (b *Broadcaster) DropConnection(id string) {
	b.mu.Lock()
	c, ok := b.conns[id]
	if ok {
		delete(b.conns, id)
		for key := range c.subs {
			b.removeLocked(key, id)
		}
	}
	b.mu.Unlock()

	if ok {
		c.close()
	}
}

func (b *Broadcaster) removeLocked(key subKey, id string) {
	set, ok := b.subs[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(b.subs, key)
	}
}

// Publish delivers m to every subscriber of (pair, interval) without blocking.
func (b *Broadcaster) Publish(pair kline.Pair, interval kline.Interval, m kline.Mutation) {
	key := subKey{pair: pair, interval: interval}

	var victims []string
	b.mu.RLock()
	for id, c := range b.subs[key] {
		evicted, err := c.offer(m)
		if evicted {
			b.evicted.Add(1)
		}
		if err != nil {
			victims = append(victims, id)
		}
	}
	b.mu.RUnlock()

	for _, id := range victims {
		b.disconnected.Add(1)
		b.logger.Warn("subscriber too slow, disconnecting",
			zap.String("conn_id", id),
			zap.Stringer("pair", pair),
			zap.String("interval", string(interval)))
		b.DropConnection(id)
	}
}

// Connections returns the number of registered connections.
func (b *Broadcaster) Connections() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

// Subscribers returns the number of connections subscribed to (pair, interval).
func (b *Broadcaster) Subscribers(pair kline.Pair, interval kline.Interval) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subKey{pair: pair, interval: interval}])
}

// Evicted returns how many pending updates were replaced because a queue was full.
func (b *Broadcaster) Evicted() int64 { return b.evicted.Load() }

// Disconnected returns how many connections were dropped for falling behind.
func (b *Broadcaster) Disconnected() int64 { return b.disconnected.Load() }
