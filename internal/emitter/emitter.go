/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package emitter provides typed, ordered event streams with one unbounded
// queue per subscriber.
package emitter

import "sync"

// Emitter fans values out to subscribers. Emit never blocks and every
// subscriber observes every value exactly once, in emission order.
type Emitter[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
}

// New creates an Emitter with no subscribers.
func New[T any]() *Emitter[T] {
	return &Emitter[T]{subs: make(map[uint64]*subscriber[T])}
}

// Subscribe returns a receive channel and a cancel func. The channel is
// closed after cancel is called or after Close has drained the queue.
func (e *Emitter[T]) Subscribe() (<-chan T, func()) {
	s := newSubscriber[T]()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		s.finish()
		go s.run()
		return s.out, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = s
	e.mu.Unlock()

	go s.run()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
			s.cancel()
		})
	}
	return s.out, cancel
}

// Emit queues v for every current subscriber.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for _, s := range e.subs {
		s.push(v)
	}
}

// Len returns the number of active subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Close stops accepting values. Subscribers receive what is already queued
// and then see their channel closed.
func (e *Emitter[T]) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	subs := e.subs
	e.subs = make(map[uint64]*subscriber[T])
	e.mu.Unlock()

	for _, s := range subs {
		s.finish()
	}
}

type subscriber[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []T
	closing  bool
	canceled bool
	done     chan struct{}
	out      chan T
}

func newSubscriber[T any]() *subscriber[T] {
	s := &subscriber[T]{
		done: make(chan struct{}),
		out:  make(chan T),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	if !s.closing && !s.canceled {
		s.queue = append(s.queue, v)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// finish lets the queue drain before the channel closes.
func (s *subscriber[T]) finish() {
	s.mu.Lock()
	s.closing = true
	s.cond.Signal()
	s.mu.Unlock()
}

// cancel drops anything still queued.
func (s *subscriber[T]) cancel() {
	s.mu.Lock()
	if !s.canceled {
		s.canceled = true
		s.queue = nil
		close(s.done)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber[T]) run() {
	defer close(s.out)
	var zero T
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closing && !s.canceled {
			s.cond.Wait()
		}
		if s.canceled || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		v := s.queue[0]
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
