package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/fusionbot/internal/errs"
	"github.com/web3guy0/fusionbot/types"
)

const maxBackoff = 30 * time.Second

// DeadLetterSink stores messages that exhausted their redeliveries
type DeadLetterSink interface {
	SaveDeadLetter(ctx context.Context, dl types.DeadLetter) error
}

// Options tunes delivery
type Options struct {
	Workers        int           // partitions per subscription
	QueueSize      int           // buffered messages per partition
	MaxAttempts    int           // deliveries before dead-lettering
	RetryBackoff   time.Duration // first redelivery delay, doubled per attempt
	HandlerTimeout time.Duration
	Deduper        Deduper
	Ephemeral      []string // topics delivered without the dedupe ledger
	DeadLetters    DeadLetterSink
	Observer       func(topic, group, outcome string)
}

// DefaultOptions returns sane defaults
func DefaultOptions() Options {
	return Options{
		Workers:        8,
		QueueSize:      1024,
		MaxAttempts:    5,
		RetryBackoff:   500 * time.Millisecond,
		HandlerTimeout: 15 * time.Second,
	}
}

type subscription struct {
	topic   string
	group   string
	handler Handler
	pool    *Pool
	dedupe  bool
}

// MemoryBus is an in-process Bus
type MemoryBus struct {
	opts Options

	mu   sync.RWMutex
	subs map[string][]*subscription // topic -> groups

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	timers sync.WaitGroup
}

// NewMemoryBus creates a bus. Zero-valued options fall back to defaults.
func NewMemoryBus(opts Options) *MemoryBus {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = def.HandlerTimeout
	}
	if opts.Deduper == nil {
		opts.Deduper = NewMemoryDeduper(24*time.Hour, 64)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &MemoryBus{
		opts:   opts,
		subs:   make(map[string][]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Subscribe registers group on topic. Each group receives every message.
func (b *MemoryBus) Subscribe(topic, group string, h Handler) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if b.closed.Load() {
		return ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[topic] {
		if s.group == group {
			return fmt.Errorf("group %q already subscribed to %q", group, topic)
		}
	}
	sub := &subscription{topic: topic, group: group, handler: h, dedupe: !slices.Contains(b.opts.Ephemeral, topic)}
	sub.pool = NewPool(b.opts.Workers, b.opts.QueueSize, func(m Message) { b.deliver(sub, m) })
	b.subs[topic] = append(b.subs[topic], sub)

	log.Debug().Str("topic", topic).Str("group", group).Msg("📬 Subscribed")
	return nil
}

// Publish encodes v and hands it to every group on topic. An empty id gets a
// fresh uuid; reuse the upstream id when republishing the same artifact.
func (b *MemoryBus) Publish(ctx context.Context, topic, key, id string, v any) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if b.closed.Load() {
		return ErrClosed
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return errs.Validation(fmt.Errorf("encode %s payload: %w", topic, err))
	}
	if id == "" {
		id = uuid.NewString()
	}
	msg := Message{
		ID:          id,
		Topic:       topic,
		Key:         key,
		Payload:     payload,
		Attempt:     1,
		PublishedAt: time.Now(),
	}

	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	if len(subs) == 0 {
		log.Debug().Str("topic", topic).Str("id", id).Msg("no subscriber, message discarded")
		return nil
	}
	for _, s := range subs {
		if err := s.pool.Submit(ctx, msg); err != nil {
			return fmt.Errorf("publish %s to %s: %w", topic, s.group, err)
		}
	}
	return nil
}

// Close stops intake, cancels pending redeliveries and drains queued work
func (b *MemoryBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	b.timers.Wait()

	b.mu.RLock()
	var all []*subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.mu.RUnlock()

	for _, s := range all {
		s.pool.Close()
	}
	return b.opts.Deduper.Close()
}

// ═══════════════════════════════════════════════════════════════════════════════
// DELIVERY
// ═══════════════════════════════════════════════════════════════════════════════

func (b *MemoryBus) deliver(sub *subscription, msg Message) {
	var dk string
	if sub.dedupe {
		dk = sub.group + "/" + msg.ID
	}

	seen, err := b.seen(dk)
	if err != nil {
		log.Warn().Err(err).Str("key", dk).Msg("dedupe lookup failed, delivering anyway")
	}
	if seen {
		log.Debug().
			Str("topic", sub.topic).
			Str("group", sub.group).
			Str("id", msg.ID).
			Msg("♻️ Duplicate delivery skipped")
		b.observe(sub, OutcomeDuplicate)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, b.opts.HandlerTimeout)
	err = b.call(ctx, sub, msg)
	cancel()

	switch {
	case err == nil:
		b.mark(dk)
		b.observe(sub, OutcomeAck)

	case errs.IsValidation(err):
		log.Warn().
			Err(err).
			Str("topic", sub.topic).
			Str("group", sub.group).
			Str("id", msg.ID).
			Msg("🗑️ Invalid message dropped")
		b.mark(dk)
		b.observe(sub, OutcomeDropped)

	default:
		b.nack(sub, msg, err)
	}
}

func (b *MemoryBus) call(ctx context.Context, sub *subscription, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, msg)
}

func (b *MemoryBus) nack(sub *subscription, msg Message, cause error) {
	if msg.Attempt >= b.opts.MaxAttempts {
		b.deadLetter(sub, msg, cause)
		return
	}
	if b.closed.Load() {
		log.Warn().
			Err(cause).
			Str("topic", sub.topic).
			Str("id", msg.ID).
			Msg("bus closing, redelivery abandoned")
		return
	}

	delay := b.opts.RetryBackoff << (msg.Attempt - 1)
	if delay <= 0 || delay > maxBackoff {
		delay = maxBackoff
	}
	next := msg
	next.Attempt++

	log.Warn().
		Err(cause).
		Str("topic", sub.topic).
		Str("group", sub.group).
		Str("id", msg.ID).
		Int("attempt", msg.Attempt).
		Dur("retry_in", delay).
		Msg("🔁 Message nacked")
	b.observe(sub, OutcomeNack)

	b.timers.Add(1)
	time.AfterFunc(delay, func() {
		defer b.timers.Done()
		if err := sub.pool.Submit(b.ctx, next); err != nil {
			log.Warn().Err(err).Str("id", next.ID).Msg("redelivery not enqueued")
		}
	})
}

func (b *MemoryBus) deadLetter(sub *subscription, msg Message, cause error) {
	log.Error().
		Err(cause).
		Str("topic", sub.topic).
		Str("group", sub.group).
		Str("id", msg.ID).
		Str("key", msg.Key).
		Int("attempts", msg.Attempt).
		Msg("☠️ Message dead-lettered")
	b.observe(sub, OutcomeDeadLetter)

	if b.opts.DeadLetters == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := b.opts.DeadLetters.SaveDeadLetter(ctx, types.DeadLetter{
		Topic:     sub.topic,
		Group:     sub.group,
		MessageID: msg.ID,
		Key:       msg.Key,
		Payload:   msg.Payload,
		Attempts:  msg.Attempt,
		LastError: cause.Error(),
		FailedAt:  time.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("id", msg.ID).Msg("failed to persist dead letter")
	}
}

func (b *MemoryBus) seen(key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	return b.opts.Deduper.Seen(key)
}

func (b *MemoryBus) mark(key string) {
	if key == "" {
		return
	}
	if err := b.opts.Deduper.Mark(key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("dedupe mark failed")
	}
}

func (b *MemoryBus) observe(sub *subscription, outcome string) {
	if b.opts.Observer != nil {
		b.opts.Observer(sub.topic, sub.group, outcome)
	}
}

// Decode unmarshals a message payload, classifying failures as validation
// errors so they are dropped rather than redelivered.
func Decode[T any](msg Message) (T, error) {
	var v T
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, errs.Validation(fmt.Errorf("decode %s message %s: %w", msg.Topic, msg.ID, err))
	}
	return v, nil
}
