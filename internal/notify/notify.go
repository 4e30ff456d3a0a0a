// Package notify delivers best-effort notifications about booking
// activity to directors, fulfillers and individual users.
package notify

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"sacristy.org/internal/ids"
	"sacristy.org/internal/obs"
)

// Kind classifies a notification.
type Kind string

const (
	KindNewRequest   Kind = "new_request"
	KindAssigned     Kind = "assigned"
	KindTaken        Kind = "taken"
	KindCompleted    Kind = "completed"
	KindCanceled     Kind = "canceled"
	KindAlert        Kind = "sla_alert"
	KindWeeklyReport Kind = "weekly_report"
)

// Channels a message can be addressed to.
const (
	ChannelDirectors  = "directors"
	ChannelFulfillers = "fulfillers"
	ChannelUser       = "user"
)

// ActionTake marks a broadcast a fulfiller can answer by taking the request.
const ActionTake = "take"

// Target addresses a group channel or a single user.
type Target struct {
	Channel string `json:"channel"`
	UserID  int64  `json:"user_id,omitempty"`
}

func Directors() Target  { return Target{Channel: ChannelDirectors} }
func Fulfillers() Target { return Target{Channel: ChannelFulfillers} }
func User(id int64) Target {
	return Target{Channel: ChannelUser, UserID: id}
}

// Subject is the dotted routing key for the target, e.g. "user.42".
func (t Target) Subject() string {
	if t.Channel == ChannelUser {
		return ChannelUser + "." + strconv.FormatInt(t.UserID, 10)
	}
	return t.Channel
}

func (t Target) String() string { return t.Subject() }

// Message is the payload handed to every sink.
type Message struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Target    string    `json:"target"`
	RequestID int64     `json:"request_id,omitempty"`
	Text      string    `json:"text"`
	Actions   []string  `json:"actions,omitempty"`
	At        time.Time `json:"at"`
}

// Sink is one delivery channel (log, NATS, AMQP, live stream).
type Sink interface {
	Name() string
	Deliver(ctx context.Context, to Target, msg Message) error
}

// Notifier is what the booking core depends on. Implementations must not
// report failures: delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, to Target, msg Message)
}

// Discard drops every message.
var Discard Notifier = discard{}

type discard struct{}

func (discard) Notify(context.Context, Target, Message) {}

// QueueSize bounds the messages waiting for delivery.
const QueueSize = 256

// ErrQueueFull is recorded when a message is dropped because delivery is
// falling behind.
var ErrQueueFull = errors.New("notify: queue full")

type envelope struct {
	ctx context.Context
	to  Target
	msg Message
}

// Dispatcher fans a message out to every sink on a background worker, so
// callers never wait on a slow sink. Each delivery is bounded by a
// timeout. Failures are logged and counted, never returned.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan envelope
	done   chan struct{}
}

// NewDispatcher builds a dispatcher over sinks and starts its worker.
// Close drains it.
func NewDispatcher(timeout time.Duration, sinks ...Sink) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	d := &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		now:     time.Now,
		queue:   make(chan envelope, QueueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify stamps the envelope and queues it. When the queue is full the
// message is dropped.
func (d *Dispatcher) Notify(ctx context.Context, to Target, msg Message) {
	if msg.At.IsZero() {
		msg.At = d.now().UTC()
	}
	if msg.ID == "" {
		msg.ID = ids.At(msg.At)
	}
	msg.Target = to.Subject()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		obs.Warn("notification after close", map[string]any{"target": msg.Target, "kind": string(msg.Kind)})
		return
	}
	// Delivery outlives a canceled caller; only the timeout bounds it.
	select {
	case d.queue <- envelope{ctx: context.WithoutCancel(ctx), to: to, msg: msg}:
	default:
		obs.ObserveNotification("queue", ErrQueueFull)
		obs.Warn("notification dropped", map[string]any{
			"target":     msg.Target,
			"kind":       string(msg.Kind),
			"booking_id": msg.RequestID,
		})
	}
}

// Close stops accepting messages and waits until the queued ones have
// been delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for env := range d.queue {
		d.deliver(env)
	}
}

func (d *Dispatcher) deliver(env envelope) {
	for _, s := range d.sinks {
		cctx, cancel := context.WithTimeout(env.ctx, d.timeout)
		err := s.Deliver(cctx, env.to, env.msg)
		cancel()
		obs.ObserveNotification(s.Name(), err)
		if err != nil {
			obs.Error("notification delivery failed", err, map[string]any{
				"sink":       s.Name(),
				"target":     env.msg.Target,
				"kind":       string(env.msg.Kind),
				"booking_id": env.msg.RequestID,
			})
		}
	}
}
