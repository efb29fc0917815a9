// Package stream implements the publish/subscribe collaborator: named
// subjects, explicit subscriptions, and implicit consumer bindings that
// lazily activate an actor on first message. It is built on
// github.com/ThreeDotsLabs/watermill's in-memory gochannel pub/sub,
// wrapped with this runtime's five backpressure policies, since
// watermill's own channel buffering does not distinguish
// block/drop-oldest/drop-newest/throttle.
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/btcsuite/btclog/v2"

	"github.com/roasbeef/meridian/internal/activation"
	"github.com/roasbeef/meridian/internal/identity"
	"github.com/roasbeef/meridian/internal/mailbox"
	"github.com/roasbeef/meridian/internal/registry"
	"github.com/roasbeef/meridian/internal/telemetry"
)

// log is this package's subsystem logger, wired via UseLogger.
var log btclog.Logger = btclog.Disabled

// UseLogger sets the logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// BackpressurePolicy selects how Publish behaves once a subject's queue is
// saturated.
type BackpressurePolicy int

const (
	// PolicyNone applies no bound: every publish is accepted and handed
	// straight to the underlying pub/sub, relying on its own buffering.
	PolicyNone BackpressurePolicy = iota

	// PolicyBlock suspends Publish until the subject's queue has room.
	PolicyBlock

	// PolicyDropOldest evicts the oldest queued message to make room.
	PolicyDropOldest

	// PolicyDropNewest discards the message being published.
	PolicyDropNewest

	// PolicyThrottle rate-limits publication instead of dropping,
	// suspending Publish until a token is available.
	PolicyThrottle
)

// SubjectConfig configures one subject's queueing behavior.
type SubjectConfig struct {
	Policy BackpressurePolicy

	// Capacity bounds the subject's internal queue for
	// Block/DropOldest/DropNewest policies. Ignored otherwise.
	Capacity int

	// RatePerSecond and Burst configure PolicyThrottle's token bucket.
	// Ignored otherwise.
	RatePerSecond int
	Burst         int
}

// Metrics reports the per-subject counters: published, dropped,
// throttle-events, current-depth, peak-depth.
type Metrics struct {
	Published      int64
	Dropped        int64
	ThrottleEvents int64
	CurrentDepth   int64
	PeakDepth      int64
}

type subjectState struct {
	cfg     SubjectConfig
	mb      *mailbox.Mailbox[*message.Message]
	limiter *tokenBucket

	published      atomic.Int64
	dropped        atomic.Int64
	throttleEvents atomic.Int64
	peakDepth      atomic.Int64
}

func (s *subjectState) metrics() Metrics {
	depth := int64(0)
	if s.mb != nil {
		depth = int64(s.mb.CurrentDepth())
	}
	return Metrics{
		Published:      s.published.Load(),
		Dropped:        s.dropped.Load(),
		ThrottleEvents: s.throttleEvents.Load(),
		CurrentDepth:   depth,
		PeakDepth:      s.peakDepth.Load(),
	}
}

// implicitBinding lazily activates an actor on the first message a
// matching subject receives: subject-pattern + actor-type + method maps
// to a lazy activation.
type implicitBinding struct {
	pattern string
	method  string
	keyFunc func(payload []byte) (identity.ActorKey, error)
}

func (b implicitBinding) matches(subject string) bool {
	if strings.HasSuffix(b.pattern, "*") {
		return strings.HasPrefix(subject, strings.TrimSuffix(b.pattern, "*"))
	}
	return b.pattern == subject
}

// Broker is the stream pub/sub collaborator.
type Broker struct {
	pubsub  *gochannel.GoChannel
	manager *activation.Manager
	hooks   telemetry.Hooks

	mu       sync.RWMutex
	subjects map[string]*subjectState
	bindings []implicitBinding
}

// NewBroker constructs a Broker. manager may be nil if this broker only
// serves explicit subscriptions and never needs to lazily activate actors.
// hooks may be nil, in which case publish/consume telemetry is a no-op.
func NewBroker(manager *activation.Manager, hooks telemetry.Hooks) *Broker {
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, watermill.NopLogger{})

	if hooks == nil {
		hooks = telemetry.NoOp{}
	}

	return &Broker{
		pubsub:   pubsub,
		manager:  manager,
		hooks:    hooks,
		subjects: make(map[string]*subjectState),
	}
}

// ConfigureSubject sets the backpressure policy for subject. Subjects not
// explicitly configured default to PolicyNone.
func (b *Broker) ConfigureSubject(subject string, cfg SubjectConfig) {
	st := &subjectState{cfg: cfg}

	switch cfg.Policy {
	case PolicyBlock, PolicyDropOldest, PolicyDropNewest:
		capacity := cfg.Capacity
		if capacity <= 0 {
			capacity = 256
		}

		var mbPolicy mailbox.OverflowPolicy
		switch cfg.Policy {
		case PolicyBlock:
			mbPolicy = mailbox.PolicyBlock
		case PolicyDropOldest:
			mbPolicy = mailbox.PolicyDropOldest
		case PolicyDropNewest:
			mbPolicy = mailbox.PolicyDropNewest
		}

		st.mb = mailbox.New[*message.Message](capacity, mbPolicy, func(msg *message.Message, cause error) {
			st.dropped.Add(1)
			log.Debugf("stream: dropped message on subject %q: %v", subject, cause)
		})

		go b.forward(subject, st)

	case PolicyThrottle:
		rate := cfg.RatePerSecond
		if rate <= 0 {
			rate = 100
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = rate
		}
		st.limiter = newTokenBucket(rate, burst)
	}

	b.mu.Lock()
	b.subjects[subject] = st
	b.mu.Unlock()
}

func (b *Broker) subjectFor(subject string) *subjectState {
	b.mu.RLock()
	st, ok := b.subjects[subject]
	b.mu.RUnlock()
	if ok {
		return st
	}
	return &subjectState{cfg: SubjectConfig{Policy: PolicyNone}}
}

// forward drains a queue-backed subject's mailbox into the underlying
// pub/sub, tracking peak depth as it goes.
func (b *Broker) forward(subject string, st *subjectState) {
	for msg := range st.mb.Receive(context.Background()) {
		if depth := int64(st.mb.CurrentDepth()); depth > st.peakDepth.Load() {
			st.peakDepth.Store(depth)
		}

		if err := b.pubsub.Publish(subject, msg); err != nil {
			log.Errorf("stream: publishing queued message on subject %q: %v", subject, err)
			continue
		}
		st.published.Add(1)

		b.dispatchImplicit(subject, msg.Payload)
	}
}

// Publish sends payload to subject, applying whatever SubjectConfig was
// registered via ConfigureSubject (PolicyNone if none was).
func (b *Broker) Publish(ctx context.Context, subject string, payload []byte) (err error) {
	defer telemetry.Timer(b.hooks, telemetry.SpanStreamPublish)(&err)

	st := b.subjectFor(subject)
	msg := message.NewMessage(watermill.NewUUID(), payload)

	switch st.cfg.Policy {
	case PolicyNone:
		if err := b.pubsub.Publish(subject, msg); err != nil {
			return fmt.Errorf("stream: publishing to %q: %w", subject, err)
		}
		st.published.Add(1)
		b.dispatchImplicit(subject, payload)
		return nil

	case PolicyThrottle:
		if err := st.limiter.Acquire(ctx); err != nil {
			st.throttleEvents.Add(1)
			return err
		}
		if err := b.pubsub.Publish(subject, msg); err != nil {
			return fmt.Errorf("stream: publishing to %q: %w", subject, err)
		}
		st.published.Add(1)
		b.dispatchImplicit(subject, payload)
		return nil

	default:
		_, err := st.mb.Post(ctx, msg)
		return err
	}
}

// Subscribe returns a channel of messages published to subject from this
// point forward, and an unsubscribe function. This is the explicit
// subscription path, as opposed to an implicitBinding.
func (b *Broker) Subscribe(ctx context.Context, subject string) (<-chan *message.Message, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	messages, err := b.pubsub.Subscribe(subCtx, subject)
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("stream: subscribing to %q: %w", subject, err)
	}

	return messages, cancel, nil
}

// Bind registers an implicit consumer: any message published to a subject
// matching pattern (an exact subject, or a "prefix*" wildcard) is delivered
// to the given method by invoking keyFunc on the payload to determine which
// activation should receive it. The target actor type is implicit in the
// ActorKey keyFunc returns.
func (b *Broker) Bind(pattern, method string, keyFunc func(payload []byte) (identity.ActorKey, error)) {
	b.mu.Lock()
	b.bindings = append(b.bindings, implicitBinding{pattern: pattern, method: method, keyFunc: keyFunc})
	b.mu.Unlock()
}

func (b *Broker) dispatchImplicit(subject string, payload []byte) {
	if b.manager == nil {
		return
	}

	b.mu.RLock()
	bindings := make([]implicitBinding, len(b.bindings))
	copy(bindings, b.bindings)
	b.mu.RUnlock()

	for _, binding := range bindings {
		if !binding.matches(subject) {
			continue
		}

		key, err := binding.keyFunc(payload)
		if err != nil {
			log.Warnf("stream: implicit binding for %q failed to derive a key: %v", subject, err)
			continue
		}

		env := activation.Envelope{
			Key:        key,
			Invocation: registry.Invocation{Method: binding.method, Payload: payload},
		}

		go func(env activation.Envelope) {
			var err error
			defer telemetry.Timer(b.hooks, telemetry.SpanStreamConsume)(&err)

			if _, err = b.manager.Invoke(context.Background(), env); err != nil {
				log.Warnf("stream: implicit dispatch to %s failed: %v", env.Key, err)
			}
		}(env)
	}
}

// SubjectMetrics returns the counters for one subject.
func (b *Broker) SubjectMetrics(subject string) Metrics {
	return b.subjectFor(subject).metrics()
}

// Close releases the underlying pub/sub and any throttle limiters.
func (b *Broker) Close() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, st := range b.subjects {
		if st.limiter != nil {
			st.limiter.Close()
		}
		if st.mb != nil {
			st.mb.Stop(true)
		}
	}

	return b.pubsub.Close()
}
