package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS publishes wakeups on a core NATS subject
type NATS struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
}

func NewNATS(url, subject string, logger *zap.Logger) (*NATS, error) {
	if url == "" {
		return nil, errors.New("notify.nats_url is required for broker nats")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("promptoncron"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{nc: nc, subject: subject, logger: logger}, nil
}

func (n *NATS) Publish(_ context.Context, runID string) error {
	return n.nc.Publish(n.subject, []byte(runID))
}

func (n *NATS) Subscribe(ctx context.Context) (<-chan string, error) {
	msgs := make(chan *nats.Msg, subscriberBuffer)
	sub, err := n.nc.ChanSubscribe(n.subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.subject, err)
	}
	// Make sure the server has the interest registered before returning.
	if err := n.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}
	return forward(ctx, msgs,
		func(m *nats.Msg) string { return string(m.Data) },
		func() {
			if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				n.logger.Warn("NATS unsubscribe failed", zap.Error(err))
			}
		}), nil
}

func (n *NATS) Close() error {
	n.nc.Close()
	return nil
}
