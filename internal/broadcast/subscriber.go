package broadcast

import (
	"errors"
	"sync"

	"github.com/edvin/sshcron/internal/model"
)

var (
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrSubscriberSlow   = errors.New("subscriber buffer full")
)

// ChanSubscriber buffers messages in a channel for a consumer goroutine,
// typically a WebSocket writer. A consumer that falls a full buffer behind
// is disconnected.
type ChanSubscriber struct {
	mu     sync.Mutex
	ch     chan model.LogMessage
	closed bool
}

func NewChanSubscriber(size int) *ChanSubscriber {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &ChanSubscriber{ch: make(chan model.LogMessage, size)}
}

// C is closed once the subscriber has been removed from the broadcaster.
func (s *ChanSubscriber) C() <-chan model.LogMessage {
	return s.ch
}

func (s *ChanSubscriber) Send(msg model.LogMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSubscriberClosed
	}
	select {
	case s.ch <- msg:
		return nil
	default:
		return ErrSubscriberSlow
	}
}

func (s *ChanSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
