package transport

import (
	"context"
	"sync"
	"time"
)

// Simulated accepts messages in memory. Failures and acceptance latency can
// be injected, and an optional callback observes each accepted message.
type Simulated struct {
	mu        sync.Mutex
	sent      []Message
	failures  []error
	latency   time.Duration
	onDeliver func(Message)
	now       func() time.Time
}

func NewSimulated() *Simulated {
	return &Simulated{now: time.Now}
}

func (s *Simulated) Name() string { return "simulated" }

// FailNext makes the next Send calls fail with errs, in order.
func (s *Simulated) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

// SetLatency delays every acceptance by d.
func (s *Simulated) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// OnDeliver registers fn to be called asynchronously for accepted messages.
func (s *Simulated) OnDeliver(fn func(Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDeliver = fn
}

func (s *Simulated) Send(ctx context.Context, msg Message) (Ack, error) {
	s.mu.Lock()
	latency := s.latency
	var failure error
	if len(s.failures) > 0 {
		failure = s.failures[0]
		s.failures = s.failures[1:]
	}
	s.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		case <-time.After(latency):
		}
	}
	if failure != nil {
		return Ack{}, failure
	}

	s.mu.Lock()
	s.sent = append(s.sent, msg)
	deliver := s.onDeliver
	s.mu.Unlock()
	if deliver != nil {
		go deliver(msg)
	}
	return Ack{Ref: "sim-" + msg.TxRef, AcceptedAt: s.now()}, nil
}

// Sent returns the accepted messages in acceptance order.
func (s *Simulated) Sent() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.sent))
	copy(out, s.sent)
	return out
}

func (s *Simulated) Close() error { return nil }
