package broker

import (
	"sync"
)

// Message is a published message with optional headers.
type Message[T any] struct {
	Topic   string
	Payload T
	Headers map[string]string
}

// Subscriber receives messages for a topic.
type Subscriber[T any] interface {
	Send(msg *Message[T])
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc[T any] func(msg *Message[T])

func (f SubscriberFunc[T]) Send(msg *Message[T]) { f(msg) }

// Subscription is one subscriber attached to one topic. Messages are
// delivered to it in publish order from a dedicated goroutine.
type Subscription[T any] struct {
	broker *Broker[T]
	topic  string
	sub    Subscriber[T]
	ch     chan *Message[T]
	done   chan struct{}
	once   sync.Once
}

// Unsubscribe detaches the subscription. Messages already queued are still delivered.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.broker.remove(s)
		close(s.ch)
	})
}

// Done is closed once every queued message has been delivered after Unsubscribe.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

func (s *Subscription[T]) loop() {
	defer close(s.done)
	for msg := range s.ch {
		s.sub.Send(msg)
	}
}

// Broker is an in-memory topic broker: fan-out on publish, per-subscriber ordering.
type Broker[T any] struct {
	mu      sync.RWMutex
	topics  map[string]map[*Subscription[T]]struct{}
	bufSize int
}

// New creates a new in-memory broker. bufSize is the per-subscriber queue
// length; Publish blocks when a subscriber's queue is full.
func New[T any](bufSize int) *Broker[T] {
	return &Broker[T]{
		topics:  make(map[string]map[*Subscription[T]]struct{}),
		bufSize: bufSize,
	}
}

// Subscribe adds a subscriber to the given topic, creating it if needed.
func (b *Broker[T]) Subscribe(topic string, sub Subscriber[T]) *Subscription[T] {
	s := &Subscription[T]{
		broker: b,
		topic:  topic,
		sub:    sub,
		ch:     make(chan *Message[T], b.bufSize),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*Subscription[T]]struct{})
	}
	b.topics[topic][s] = struct{}{}
	b.mu.Unlock()

	go s.loop()
	return s
}

func (b *Broker[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs := b.topics[s.topic]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(b.topics, s.topic)
		}
	}
}

// Publish queues a message for every subscriber of the topic. The read lock
// is held while enqueueing so a concurrent Unsubscribe cannot close a queue
// mid-send.
func (b *Broker[T]) Publish(msg *Message[T]) {
	if msg == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.topics[msg.Topic] {
		s.ch <- msg
	}
}

// SubscriberCount returns the number of subscribers for a topic.
func (b *Broker[T]) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// ListTopics returns all topic names with at least one subscriber.
func (b *Broker[T]) ListTopics() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.topics))
	for t := range b.topics {
		out = append(out, t)
	}
	return out
}
