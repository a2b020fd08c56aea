// Package notify carries best-effort operational notifications: assignment
// confirmations, clarifying-question prompts, and health events. Delivery is
// fire-and-forget; queue state never depends on it.
package notify

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrClosed         = errors.New("notify: bus closed")
	ErrTimeout        = errors.New("notify: request timeout")
	ErrInvalidSubject = errors.New("notify: invalid subject")
)

// Event is one notification received from the bus.
type Event struct {
	Subject string
	Data    []byte
	Reply   string
}

// Bus is the notification transport. Implementations must be safe for
// concurrent use.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string) (Subscription, error)
	Request(subject string, data []byte, timeout time.Duration) (*Event, error)
	Close() error
}

// Subscription is an active interest in a subject.
type Subscription interface {
	Events() <-chan *Event
	Unsubscribe() error
}

const defaultBufferSize = 256

// MemoryBus delivers events over in-process channels. Slow subscribers drop
// events rather than block publishers.
type MemoryBus struct {
	bufferSize int

	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed atomic.Bool

	replyMu   sync.Mutex
	replySubs map[string]chan *Event
	replySeq  uint64
}

type memorySub struct {
	subject string
	ch      chan *Event
	closed  atomic.Bool
	bus     *MemoryBus
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		bufferSize: defaultBufferSize,
		subs:       make(map[string][]*memorySub),
		replySubs:  make(map[string]chan *Event),
	}
}

func (b *MemoryBus) Publish(subject string, data []byte) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	if b.closed.Load() {
		return ErrClosed
	}
	b.deliver(&Event{Subject: subject, Data: data})
	return nil
}

func (b *MemoryBus) deliver(ev *Event) {
	b.mu.RLock()
	subs := append([]*memorySub(nil), b.subs[ev.Subject]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}

	b.replyMu.Lock()
	ch, ok := b.replySubs[ev.Subject]
	if ok {
		delete(b.replySubs, ev.Subject)
	}
	b.replyMu.Unlock()
	if ok {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
	}
}

func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if subject == "" {
		return nil, ErrInvalidSubject
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}
	sub := &memorySub{subject: subject, ch: make(chan *Event, b.bufferSize), bus: b}
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()
	return sub, nil
}

func (b *MemoryBus) Request(subject string, data []byte, timeout time.Duration) (*Event, error) {
	if subject == "" {
		return nil, ErrInvalidSubject
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	seq := atomic.AddUint64(&b.replySeq, 1)
	replySubject := "_reply." + subject + "." + strconv.FormatUint(seq, 10)
	replyCh := make(chan *Event, 1)
	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	b.deliver(&Event{Subject: subject, Data: data, Reply: replySubject})

	select {
	case ev, ok := <-replyCh:
		if !ok || ev == nil {
			return nil, ErrTimeout
		}
		return ev, nil
	case <-time.After(timeout):
		b.replyMu.Lock()
		delete(b.replySubs, replySubject)
		b.replyMu.Unlock()
		return nil, ErrTimeout
	}
}

func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, subs := range b.subs {
		for _, sub := range subs {
			if !sub.closed.Swap(true) {
				close(sub.ch)
			}
		}
	}
	b.subs = make(map[string][]*memorySub)
	return nil
}

func (s *memorySub) Events() <-chan *Event { return s.ch }

func (s *memorySub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.bus.mu.Lock()
	subs := s.bus.subs[s.subject]
	for i, sub := range subs {
		if sub == s {
			s.bus.subs[s.subject] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()
	close(s.ch)
	return nil
}
