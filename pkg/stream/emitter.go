// Copyright 2025 OLAV Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/olavlabs/olav/pkg/observability"
	"github.com/olavlabs/olav/pkg/thread"
)

// criticalSendTimeout bounds how long a critical event may wait on a
// slow subscriber before that subscriber is declared dead.
const criticalSendTimeout = 2 * time.Second

// Subscriber is one attached consumer of a thread's event stream.
type Subscriber struct {
	ch        chan Event
	truncated bool
	dead      bool
}

// Events is the subscriber's ordered event channel. It is closed after
// the done event (or when the subscriber is detached).
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Emitter produces the strictly ordered event sequence of one thread
// and fans it out to all attached subscribers. Emit is called only
// from the thread's worker goroutine, which is what guarantees order.
type Emitter struct {
	mu     sync.Mutex
	subs   []*Subscriber
	buffer int
	seq    int64
	closed bool
}

func NewEmitter(buffer int) *Emitter {
	if buffer < 16 {
		buffer = 256
	}
	return &Emitter{buffer: buffer}
}

// Subscribe attaches a consumer from the current position forward.
func (e *Emitter) Subscribe() *Subscriber {
	e.mu.Lock()
	defer e.mu.Unlock()
	sub := &Subscriber{ch: make(chan Event, e.buffer)}
	if e.closed {
		close(sub.ch)
		sub.dead = true
		return sub
	}
	e.subs = append(e.subs, sub)
	return sub
}

// Unsubscribe detaches a consumer and closes its channel.
func (e *Emitter) Unsubscribe(sub *Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detachLocked(sub)
}

func (e *Emitter) detachLocked(sub *Subscriber) {
	for i, s := range e.subs {
		if s == sub {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			break
		}
	}
	if !sub.dead {
		sub.dead = true
		close(sub.ch)
	}
}

// Emit delivers an event to every subscriber. Token and thinking
// events are dropped for subscribers whose buffer is full (the drop is
// recorded and surfaces as truncated=true on their done event);
// critical events wait up to criticalSendTimeout and then declare the
// subscriber dead rather than stall the workflow indefinitely.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.seq++
	ev.Seq = e.seq

	for _, sub := range append([]*Subscriber(nil), e.subs...) {
		if sub.dead {
			continue
		}
		select {
		case sub.ch <- ev:
			continue
		default:
		}

		if !ev.critical() {
			sub.truncated = true
			if metrics := observability.GetGlobalMetrics(); metrics != nil {
				metrics.RecordStreamDrop(ctx)
			}
			continue
		}

		// Buffer full on a critical event: wait bounded, then detach.
		timer := time.NewTimer(criticalSendTimeout)
		select {
		case sub.ch <- ev:
			timer.Stop()
		case <-timer.C:
			slog.Warn("stream subscriber too slow for critical event, detaching", "kind", ev.Kind)
			e.detachLocked(sub)
		case <-ctx.Done():
			timer.Stop()
			e.detachLocked(sub)
		}
	}
}

// Close emits the done event, with the per-subscriber truncated flag,
// and closes every subscriber channel. Idempotent.
func (e *Emitter) Close(ctx context.Context, finalStatus thread.Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.seq++

	for _, sub := range e.subs {
		if sub.dead {
			continue
		}
		done := Done(finalStatus)
		done.Seq = e.seq
		done.Truncated = sub.truncated
		select {
		case sub.ch <- done:
		default:
			// Full buffer: make room by discarding one buffered token
			// or thinking event. Critical events are preserved.
			buffered := drainChannel(sub.ch)
			trimmed := dropOneNonCritical(buffered)
			if len(trimmed) == len(buffered) && len(trimmed) > 0 {
				// Nothing droppable; sacrifice the oldest entry.
				trimmed = trimmed[1:]
			}
			for _, buf := range trimmed {
				sub.ch <- buf
			}
			done.Truncated = true
			sub.ch <- done
		}
		sub.dead = true
		close(sub.ch)
	}
	e.subs = nil
}

func drainChannel(ch chan Event) []Event {
	var buffered []Event
	for {
		select {
		case ev := <-ch:
			buffered = append(buffered, ev)
		default:
			return buffered
		}
	}
}

func dropOneNonCritical(events []Event) []Event {
	for i, ev := range events {
		if !ev.critical() {
			return append(append([]Event(nil), events[:i]...), events[i+1:]...)
		}
	}
	return events
}

// Hub tracks the live emitter of each thread so reconnecting clients
// can attach to a stream already in flight.
type Hub struct {
	mu       sync.RWMutex
	emitters map[string]*Emitter
	buffer   int
}

func NewHub(buffer int) *Hub {
	return &Hub{
		emitters: make(map[string]*Emitter),
		buffer:   buffer,
	}
}

// Open returns the thread's emitter, creating it if absent.
func (h *Hub) Open(threadID string) *Emitter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if em, ok := h.emitters[threadID]; ok {
		return em
	}
	em := NewEmitter(h.buffer)
	h.emitters[threadID] = em
	return em
}

// Get returns the live emitter for a thread, if any.
func (h *Hub) Get(threadID string) (*Emitter, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	em, ok := h.emitters[threadID]
	return em, ok
}

// CloseThread finalizes and removes the thread's emitter.
func (h *Hub) CloseThread(ctx context.Context, threadID string, finalStatus thread.Status) {
	h.mu.Lock()
	em, ok := h.emitters[threadID]
	delete(h.emitters, threadID)
	h.mu.Unlock()
	if ok {
		em.Close(ctx, finalStatus)
	}
}
