package broker

import (
	"context"
	"sync"
)

// Fake is an in-process Client implementation used by tests throughout this
// repo so they don't require a live Redis instance. It preserves the same
// contract as RedisClient: best-effort delivery, FIFO within one
// subscription, no ordering guarantee across subjects.
type Fake struct {
	mu   sync.Mutex
	subs map[string][]*fakeSubscription
}

// NewFake creates an empty in-process broker.
func NewFake() *Fake {
	return &Fake{subs: make(map[string][]*fakeSubscription)}
}

// Publish delivers payload to every live subscription on subject. Delivery
// is best-effort: a subscriber whose buffer is full drops the frame, mirroring
// a real broker under backpressure.
func (f *Fake) Publish(_ context.Context, subject string, payload []byte) error {
	f.mu.Lock()
	subs := append([]*fakeSubscription(nil), f.subs[subject]...)
	f.mu.Unlock()

	buf := append([]byte(nil), payload...)
	for _, s := range subs {
		select {
		case s.ch <- buf:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscription on subject.
func (f *Fake) Subscribe(_ context.Context, subject string) (Subscription, error) {
	s := &fakeSubscription{ch: make(chan []byte, 256)}

	f.mu.Lock()
	f.subs[subject] = append(f.subs[subject], s)
	f.mu.Unlock()

	s.unregister = func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		list := f.subs[subject]
		for i, cand := range list {
			if cand == s {
				f.subs[subject] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return s, nil
}

type fakeSubscription struct {
	ch         chan []byte
	closeOnce  sync.Once
	unregister func()
}

func (s *fakeSubscription) Next(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-s.ch:
		if !ok {
			return nil, context.Canceled
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSubscription) Close() error {
	s.closeOnce.Do(func() {
		if s.unregister != nil {
			s.unregister()
		}
		close(s.ch)
	})
	return nil
}
