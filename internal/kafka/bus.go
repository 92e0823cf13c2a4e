package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Bus is a Producer without a fixed topic: each message names its own. One
// writer serves every order lifecycle topic so a single flush drains them all.
type Bus struct {
	w     *kafka.Writer
	log   *zap.Logger
	inbox chan kafka.Message

	mu     sync.RWMutex
	closed bool
	doneCh chan struct{}
}

func NewBus(brokers []string, buf int, log *zap.Logger) *Bus {
	return &Bus{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        true,
		},
		log:    log,
		inbox:  make(chan kafka.Message, buf),
		doneCh: make(chan struct{}),
	}
}

func (b *Bus) Start(ctx context.Context) {
	go func() {
		defer close(b.doneCh)
		defer func() { _ = b.w.Close() }()
		for m := range b.inbox {
			if err := b.w.WriteMessages(context.Background(), m); err != nil {
				b.log.Error("publish failed", zap.Error(err), zap.String("topic", m.Topic))
			}
		}
	}()
	go func() {
		<-ctx.Done()
		b.Close()
	}()
}

// Publish enqueues a message for the drain loop. After Close the message is
// dropped with a warning; handlers still running during shutdown must not
// crash the process over a lost event.
func (b *Bus) Publish(topic string, key, value []byte, headers ...kafka.Header) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.log.Warn("publish after close dropped", zap.String("topic", topic))
		return
	}
	b.inbox <- kafka.Message{Topic: topic, Key: key, Value: value, Time: time.Now(), Headers: headers}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.inbox)
	}
}

func (b *Bus) WaitClosed() { <-b.doneCh }
