package protocol

import (
	"sync"
	"time"
)

// Scheduler is the embedder-supplied callback loop. Packet handlers
// not marked direct are invoked through IdleAdd so that they run on
// the embedder's main thread rather than the read goroutine.
type Scheduler interface {
	IdleAdd(fn func())
	// TimeoutAdd schedules fn after d; fn re-arms itself by
	// returning true. The returned id can cancel it.
	TimeoutAdd(d time.Duration, fn func() bool) uint64
	SourceRemove(id uint64)
}

// loopScheduler is the default Scheduler: a single goroutine draining
// a callback queue, so all scheduled callbacks run serialized.
type loopScheduler struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	timers  map[uint64]*time.Timer
	nextID  uint64
	stopped bool
}

// NewScheduler starts a standalone scheduler loop.
func NewScheduler() *loopScheduler {
	s := &loopScheduler{
		wake:   make(chan struct{}, 1),
		timers: make(map[uint64]*time.Timer),
	}
	go s.run()
	return s
}

func (s *loopScheduler) run() {
	for range s.wake {
		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				stopped := s.stopped
				s.mu.Unlock()
				if stopped {
					return
				}
				break
			}
			fn := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			fn()
		}
		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if stopped {
			return
		}
	}
}

func (s *loopScheduler) IdleAdd(fn func()) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *loopScheduler) TimeoutAdd(d time.Duration, fn func() bool) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	s.nextID++
	id := s.nextID
	var arm func()
	arm = func() {
		t := time.AfterFunc(d, func() {
			s.IdleAdd(func() {
				if fn() {
					s.mu.Lock()
					if !s.stopped {
						arm()
					}
					s.mu.Unlock()
					return
				}
				s.mu.Lock()
				delete(s.timers, id)
				s.mu.Unlock()
			})
		})
		s.timers[id] = t
	}
	arm()
	return id
}

func (s *loopScheduler) SourceRemove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// Stop drains outstanding callbacks and stops the loop.
func (s *loopScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
