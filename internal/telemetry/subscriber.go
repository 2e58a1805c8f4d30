package telemetry

import "sync"

// subscriber owns an unbounded mailbox drained into its stream by a dedicated goroutine, so a
// slow reader never blocks the publisher or other subscribers. The replayed backlog is held
// apart from the mailbox and does not count toward the pending limit.
type subscriber struct {
	id        int64
	replay    []Event
	out       chan Event
	wake      chan struct{}
	done      chan struct{}
	abortOnce sync.Once

	mu       sync.Mutex
	queue    []Event
	finished bool
}

func newSubscriber(id int64, replay []Event) *subscriber {
	return &subscriber{
		id:     id,
		replay: replay,
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (s *subscriber) enqueue(events ...Event) {
	if len(events) == 0 {
		return
	}
	s.mu.Lock()
	s.queue = append(s.queue, events...)
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// finish delivers what is queued and then closes the stream.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.finished = true
	s.mu.Unlock()
	s.signal()
}

// abort closes the stream without delivering the rest of the mailbox.
func (s *subscriber) abort() {
	s.abortOnce.Do(func() { close(s.done) })
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) run() {
	defer close(s.out)
	for _, event := range s.replay {
		select {
		case s.out <- event:
		case <-s.done:
			return
		}
	}
	s.replay = nil
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		finished := s.finished
		s.mu.Unlock()

		for _, event := range batch {
			select {
			case s.out <- event:
			case <-s.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if finished {
			s.abort()
			return
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}
