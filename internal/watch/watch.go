/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package watch fans out values to subscribers grouped by topic.
//
// Every subscription owns an unbounded queue drained by a pump goroutine, so
// publishing never blocks on a slow reader and no value is dropped. A subscriber
// that stops reading only grows its own queue.
package watch

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrClosed is returned by Subscribe after CloseAll.
var ErrClosed = errors.New("watch: registry closed")

// Registry tracks live subscriptions per topic.
type Registry[T any] struct {
	mu       sync.Mutex
	topics   map[string]map[*Subscription[T]]struct{}
	closed   bool
	onChange func(topic string, count int)
}

// NewRegistry creates an empty registry. onChange, when non-nil, is called with
// the new subscriber count of a topic after every subscribe and unsubscribe.
func NewRegistry[T any](onChange func(topic string, count int)) *Registry[T] {
	return &Registry[T]{topics: make(map[string]map[*Subscription[T]]struct{}), onChange: onChange}
}

// Subscribe registers a new subscription on topic.
func (r *Registry[T]) Subscribe(topic string) (*Subscription[T], error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	s := newSubscription[T](topic, r)
	set := r.topics[topic]
	if set == nil {
		set = make(map[*Subscription[T]]struct{})
		r.topics[topic] = set
	}
	set[s] = struct{}{}
	n := len(set)
	r.mu.Unlock()
	r.notify(topic, n)
	return s, nil
}

// PublishEach queues a fresh value from mk for every subscription on topic and
// returns how many received one.
func (r *Registry[T]) PublishEach(topic string, mk func() T) int {
	r.mu.Lock()
	subs := make([]*Subscription[T], 0, len(r.topics[topic]))
	for s := range r.topics[topic] {
		subs = append(subs, s)
	}
	r.mu.Unlock()
	n := 0
	for _, s := range subs {
		if s.push(mk()) {
			n++
		}
	}
	return n
}

// Len returns the number of live subscriptions on topic.
func (r *Registry[T]) Len(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.topics[topic])
}

// Total returns the number of live subscriptions across all topics.
func (r *Registry[T]) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, set := range r.topics {
		n += len(set)
	}
	return n
}

// CloseAll closes every subscription and rejects new ones.
func (r *Registry[T]) CloseAll() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var subs []*Subscription[T]
	for _, set := range r.topics {
		for s := range set {
			subs = append(subs, s)
		}
	}
	r.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}

func (r *Registry[T]) remove(s *Subscription[T]) {
	r.mu.Lock()
	set, ok := r.topics[s.topic]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := set[s]; !ok {
		r.mu.Unlock()
		return
	}
	delete(set, s)
	n := len(set)
	if n == 0 {
		delete(r.topics, s.topic)
	}
	r.mu.Unlock()
	r.notify(s.topic, n)
}

func (r *Registry[T]) notify(topic string, n int) {
	if r.onChange != nil {
		r.onChange(topic, n)
	}
}

// Subscription delivers published values in order on C until closed.
type Subscription[T any] struct {
	id    string
	topic string
	reg   *Registry[T]

	mu    sync.Mutex
	queue []T
	wake  chan struct{}
	done  chan struct{}
	out   chan T
	once  sync.Once
}

func newSubscription[T any](topic string, reg *Registry[T]) *Subscription[T] {
	s := &Subscription[T]{
		id:    uuid.NewString(),
		topic: topic,
		reg:   reg,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		out:   make(chan T),
	}
	go s.pump()
	return s
}

// ID is unique per subscription.
func (s *Subscription[T]) ID() string { return s.id }

// Topic returns the topic the subscription was registered on.
func (s *Subscription[T]) Topic() string { return s.topic }

// C is closed after Close once pending delivery stops.
func (s *Subscription[T]) C() <-chan T { return s.out }

// Done is closed once Close has unregistered the subscription.
func (s *Subscription[T]) Done() <-chan struct{} { return s.done }

// Close stops delivery and unregisters the subscription. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.reg.remove(s)
		close(s.done)
		s.mu.Lock()
		s.queue = nil
		s.mu.Unlock()
	})
}

// Send queues v for this subscription only. It reports false once closed.
func (s *Subscription[T]) Send(v T) bool { return s.push(v) }

// Pending reports how many values wait in the queue.
func (s *Subscription[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription[T]) push(v T) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		v := s.queue[0]
		var zero T
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
