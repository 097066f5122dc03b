package mqtt

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/Hugo0713/Kunpeng-AED/internal/logger"
	"github.com/Hugo0713/Kunpeng-AED/internal/publisher"
)

// Sink publishes every inference result to Topic and every status change,
// retained, to Topic + "/status".
type Sink struct {
	client Client
	topic  string
	log    logger.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewSink creates a sink writing to topic through client.
func NewSink(client Client, topic string) *Sink {
	return &Sink{client: client, topic: topic, log: GetLogger()}
}

// StatusTopic returns the retained status topic.
func (s *Sink) StatusTopic() string {
	return s.topic + "/status"
}

// Run forwards events from sub until ctx is done or sub is closed. Publish
// failures are logged and counted; they never stop the sink. An evicted
// subscription is replaced, so a stalled broker only costs the events
// published meanwhile.
func (s *Sink) Run(ctx context.Context, sub *publisher.Subscriber) error {
	s.log.Info("mqtt sink started", logger.String("topic", s.topic))
	defer func() {
		s.log.Info("mqtt sink stopped",
			logger.Uint64("sent", s.sent.Load()),
			logger.Uint64("failed", s.failed.Load()))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				if !sub.Evicted() || ctx.Err() != nil {
					return nil
				}
				s.log.Warn("mqtt sink fell behind and was evicted, resubscribing",
					logger.String("topic", s.topic),
					logger.String("subscriber_id", sub.ID.String()))
				sub = sub.Resubscribe()
				continue
			}
			s.forward(ctx, ev)
		}
	}
}

func (s *Sink) forward(ctx context.Context, ev publisher.Event) {
	topic, retain := s.topic, false
	if ev.Type == publisher.EventSystemStatus {
		topic, retain = s.StatusTopic(), true
	}

	payload, err := json.Marshal(ev.Data())
	if err != nil {
		s.failed.Add(1)
		s.log.Error("failed to encode mqtt payload", logger.Error(err))
		return
	}
	if err := s.client.Publish(ctx, topic, payload, retain); err != nil {
		s.failed.Add(1)
		s.log.Debug("mqtt publish failed", logger.String("topic", topic), logger.Error(err))
		return
	}
	s.sent.Add(1)
}

// Sent returns the number of delivered messages.
func (s *Sink) Sent() uint64 { return s.sent.Load() }

// Failed returns the number of messages that could not be delivered.
func (s *Sink) Failed() uint64 { return s.failed.Load() }
