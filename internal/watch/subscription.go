// Copyright 2025 The axfor Authors
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

package watch

import (
	"sync"
	"sync/atomic"

	"revStore/internal/mvcc"
)

// FilterType drops events of one kind from a subscription.
type FilterType int

const (
	// FilterNoPut drops PUT events.
	FilterNoPut FilterType = iota
	// FilterNoDelete drops DELETE and EXPIRE events.
	FilterNoDelete
)

// Request describes a subscription.
type Request struct {
	Key      []byte
	RangeEnd []byte

	// StartRevision is the first index to deliver. 0 means "now": only
	// changes committed after the subscription are delivered.
	StartRevision int64

	// EndRevision is the first index not delivered. 0 means forever.
	EndRevision int64

	ProgressNotify bool
	PrevKV         bool
	Filters        []FilterType
}

// Response is one message on a subscription channel. A response with no
// events and Canceled unset is a progress notification.
type Response struct {
	WatchID  int64
	Revision int64
	Events   []mvcc.Event

	Canceled        bool
	CancelReason    string
	CompactRevision int64
}

// Subscription is a live or replaying registration on the router.
type Subscription struct {
	id  int64
	req Request

	noPut    bool
	noDelete bool

	// cursor is the next index to deliver; guarded by the router lock.
	cursor int64
	// delivered is set when a response was queued since the last progress tick.
	delivered bool

	mu       sync.Mutex
	queue    []Response
	backlog  int
	limit    int
	closing  bool
	err      error
	notify   chan struct{}
	out      chan Response
	done     chan struct{}
	doneOnce sync.Once

	canceled atomic.Bool
	onEnd    func(*Subscription, error)
}

func newSubscription(id int64, req Request, limit, chanSize int, onEnd func(*Subscription, error)) *Subscription {
	s := &Subscription{
		id:     id,
		req:    req,
		limit:  limit,
		notify: make(chan struct{}, 1),
		out:    make(chan Response, chanSize),
		done:   make(chan struct{}),
		onEnd:  onEnd,
	}
	for _, f := range req.Filters {
		switch f {
		case FilterNoPut:
			s.noPut = true
		case FilterNoDelete:
			s.noDelete = true
		}
	}
	go s.pump()
	return s
}

// ID returns the subscription id.
func (s *Subscription) ID() int64 { return s.id }

// Chan returns the response channel. It is closed once the subscription ends.
func (s *Subscription) Chan() <-chan Response { return s.out }

// Err returns why the subscription ended, or nil while it is active.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops delivery immediately. It never waits on the router.
func (s *Subscription) Cancel() {
	if s.canceled.Swap(true) {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = ErrCanceled
	}
	s.closing = true
	s.queue = nil
	s.mu.Unlock()
	s.stop(ErrCanceled)
}

func (s *Subscription) stop(reason error) {
	s.doneOnce.Do(func() {
		close(s.done)
		if s.onEnd != nil {
			s.onEnd(s, reason)
		}
	})
}

// ended reports whether the subscription accepts no more responses.
func (s *Subscription) ended() bool {
	if s.canceled.Load() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// filter returns the events of one batch this subscription wants.
func (s *Subscription) filter(events []mvcc.Event) []mvcc.Event {
	var out []mvcc.Event
	for _, ev := range events {
		if !mvcc.InRange(ev.Kv.Key, s.req.Key, s.req.RangeEnd) {
			continue
		}
		if s.noPut && ev.Type == mvcc.EventTypePut {
			continue
		}
		if s.noDelete && ev.IsRemoval() {
			continue
		}
		if !s.req.PrevKV {
			ev.PrevKv = nil
		}
		out = append(out, ev)
	}
	return out
}

// enqueue queues a response. It reports false when the subscription is over
// its backlog limit; the caller then ends it as a slow consumer.
func (s *Subscription) enqueue(resp Response) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return true
	}
	if s.limit > 0 && s.backlog+len(resp.Events) > s.limit {
		return false
	}
	resp.WatchID = s.id
	s.queue = append(s.queue, resp)
	s.backlog += len(resp.Events)
	s.wake()
	return true
}

// finish queues the terminal response; the pump drains the queue and then
// closes the channel.
func (s *Subscription) finish(err error, compactRev int64) bool {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}
	s.closing = true
	s.err = err
	s.queue = append(s.queue, Response{
		WatchID:         s.id,
		Canceled:        true,
		CancelReason:    err.Error(),
		CompactRevision: compactRev,
	})
	s.wake()
	s.mu.Unlock()
	return true
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closing, err := s.closing, s.err
			s.mu.Unlock()
			if closing {
				s.stop(err)
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		resp := s.queue[0]
		s.queue[0] = Response{}
		s.queue = s.queue[1:]
		s.backlog -= len(resp.Events)
		s.mu.Unlock()

		select {
		case s.out <- resp:
		case <-s.done:
			return
		}
	}
}
