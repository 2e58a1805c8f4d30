package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var (
	// ErrSourceClosed reports a push into a source that no longer accepts captures.
	ErrSourceClosed = errors.New("capture: source closed")
	// ErrOutOfOrder reports a capture whose post index does not increase.
	ErrOutOfOrder = errors.New("capture: post index out of order")
)

// Source delivers captures in increasing post index order and returns io.EOF once exhausted.
type Source interface {
	Next(ctx context.Context) (RawCapture, error)
}

// SliceSource replays a fixed list of captures.
type SliceSource struct {
	captures []RawCapture
	position int
}

// NewSliceSource copies the supplied captures into a source.
func NewSliceSource(captures ...RawCapture) *SliceSource {
	copied := make([]RawCapture, len(captures))
	copy(copied, captures)
	return &SliceSource{captures: copied}
}

// Len reports how many captures the source holds in total.
func (s *SliceSource) Len() int {
	return len(s.captures)
}

// Next returns the next capture or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (RawCapture, error) {
	if err := ctx.Err(); err != nil {
		return RawCapture{}, err
	}
	if s.position >= len(s.captures) {
		return RawCapture{}, io.EOF
	}
	capture := s.captures[s.position]
	s.position++
	return capture, nil
}

// ChannelSource is fed by a producer (the capture ingest endpoint) while a pipeline drains it.
type ChannelSource struct {
	items     chan RawCapture
	done      chan struct{}
	mutex     sync.RWMutex
	closeOnce sync.Once
}

// NewChannelSource constructs a source buffering up to capacity captures.
func NewChannelSource(capacity int) *ChannelSource {
	if capacity < 0 {
		capacity = 0
	}
	return &ChannelSource{
		items: make(chan RawCapture, capacity),
		done:  make(chan struct{}),
	}
}

// Push hands a capture to the consumer, blocking while the buffer is full.
func (s *ChannelSource) Push(ctx context.Context, capture RawCapture) error {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	select {
	case <-s.done:
		return ErrSourceClosed
	default:
	}
	select {
	case s.items <- capture:
		return nil
	case <-s.done:
		return ErrSourceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream; buffered captures are still delivered before io.EOF.
func (s *ChannelSource) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mutex.Lock()
		close(s.items)
		s.mutex.Unlock()
	})
}

// Next waits for the next capture, io.EOF after Close, or the context error.
func (s *ChannelSource) Next(ctx context.Context) (RawCapture, error) {
	select {
	case capture, ok := <-s.items:
		if !ok {
			return RawCapture{}, io.EOF
		}
		return capture, nil
	case <-ctx.Done():
		return RawCapture{}, ctx.Err()
	}
}

// OrderGuard enforces strictly increasing post indexes.
type OrderGuard struct {
	last    int
	started bool
}

// Admit records the index or rejects it when it does not exceed the previous one.
func (g *OrderGuard) Admit(postIndex int) error {
	if g.started && postIndex <= g.last {
		return fmt.Errorf("%w: %d after %d", ErrOutOfOrder, postIndex, g.last)
	}
	g.last = postIndex
	g.started = true
	return nil
}

// Ordered wraps a source so deliveries violating post index order surface as errors.
func Ordered(source Source) Source {
	return &orderedSource{source: source}
}

type orderedSource struct {
	source Source
	guard  OrderGuard
}

func (o *orderedSource) Next(ctx context.Context) (RawCapture, error) {
	capture, err := o.source.Next(ctx)
	if err != nil {
		return capture, err
	}
	if err := o.guard.Admit(capture.PostIndex); err != nil {
		return RawCapture{}, err
	}
	return capture, nil
}
