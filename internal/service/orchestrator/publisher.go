package orchestrator

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/high-seas/internal/model"
)

// Event is a recorded transition together with the request as it stood right
// after it.
type Event struct {
	model.RequestEvent
	Request *model.MediaRequest
}

// Handler consumes events. Each handler gets its own goroutine and sees
// events in publish order.
type Handler func(Event)

// publisher fans events out to subscribers. publish never waits on a
// handler: each subscriber queues without bound and drains on its own
// goroutine.
type publisher struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
}

type subscriber struct {
	handle Handler
	wake   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	queue   []Event
	stopped bool
}

func (p *publisher) subscribe(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	sub := &subscriber{
		handle: h,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	p.subs = append(p.subs, sub)
	go sub.run()
}

func (p *publisher) publish(ev Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	for _, sub := range p.subs {
		sub.push(ev)
	}
}

// close stops accepting events and waits until every handler has drained its
// queue or ctx expires.
func (p *publisher) close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	subs := p.subs
	p.subs = nil
	p.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	for _, sub := range subs {
		select {
		case <-sub.done:
		case <-ctx.Done():
			return fmt.Errorf("draining event handlers: %w", ctx.Err())
		}
	}
	return nil
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			batch, stopped := s.queue, s.stopped
			s.queue = nil
			s.mu.Unlock()

			if len(batch) == 0 {
				if stopped {
					return
				}
				break
			}
			for _, ev := range batch {
				s.handle(ev)
			}
		}
	}
}

// stripedLock serializes work per request id without a global lock.
type stripedLock [64]sync.Mutex

func (l *stripedLock) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &l[h.Sum32()%uint32(len(l))]
	m.Lock()
	return m.Unlock
}
