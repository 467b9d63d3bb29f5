// Package notify carries "run queued" wakeups from the scheduler and API to
// executor workers. Delivery is best effort: workers also poll the store, so
// a lost wakeup only costs latency.
package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kylemclaren/promptoncron/internal/config"
)

// subscriberBuffer is how many pending wakeups a slow subscriber may hold
// before new ones are dropped.
const subscriberBuffer = 64

// Notifier publishes and receives run IDs of newly queued runs
type Notifier interface {
	Publish(ctx context.Context, runID string) error
	// Subscribe returns a channel of run IDs that is closed once ctx is done.
	Subscribe(ctx context.Context) (<-chan string, error)
	Close() error
}

// New connects the broker selected by cfg.Broker.
func New(cfg config.NotifyConfig, logger *zap.Logger) (Notifier, error) {
	switch cfg.Broker {
	case "", "local":
		return NewLocal(), nil
	case "nats":
		return NewNATS(cfg.NATSURL, cfg.Subject, logger)
	case "redis":
		return NewRedis(cfg.RedisURL, cfg.Subject, logger)
	default:
		return nil, fmt.Errorf("unsupported notify broker %q", cfg.Broker)
	}
}

// Local fans wakeups out to in-process subscribers
type Local struct {
	mu     sync.Mutex
	subs   map[chan string]struct{}
	closed bool
}

func NewLocal() *Local {
	return &Local{subs: make(map[chan string]struct{})}
}

func (l *Local) Publish(_ context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- runID:
		default:
		}
	}
	return nil
}

func (l *Local) Subscribe(ctx context.Context) (<-chan string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, fmt.Errorf("notifier closed")
	}
	ch := make(chan string, subscriberBuffer)
	l.subs[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subs[ch]; ok {
			delete(l.subs, ch)
			close(ch)
		}
	}()
	return ch, nil
}

func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for ch := range l.subs {
		delete(l.subs, ch)
		close(ch)
	}
	return nil
}

// forward copies run IDs from src into a buffered channel until ctx is done
// or src closes, then runs stop and closes the returned channel.
func forward[T any](ctx context.Context, src <-chan T, id func(T) string, stop func()) <-chan string {
	out := make(chan string, subscriberBuffer)
	go func() {
		defer close(out)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- id(msg):
				default:
				}
			}
		}
	}()
	return out
}
