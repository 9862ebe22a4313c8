package backend

import (
	"context"

	kafka "github.com/segmentio/kafka-go"

	"github.com/capeworks/cape/core"
	"github.com/capeworks/cape/core/logger"
)

// KafkaNotifier exports committed change events to a kafka topic. It
// implements core.Notifier and can be passed to the backend Builder.
//
// Events are keyed by resource, so all events of one resource land on the
// same partition and keep their commit order. Export is best effort: the
// writer runs in async mode and delivery failures are logged via its
// completion callback, they never affect subscribers and never block the
// caller on broker I/O.
type KafkaNotifier struct {
	writer *kafka.Writer
}

// NewKafkaNotifier creates a notifier writing to the given brokers and topic
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			Async:                  true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					logger.Default().WithError(err).Errorf("kafka export of %d message(s)", len(messages))
				}
			},
		},
	}
}

// Notify hands one event to the async writer
func (n *KafkaNotifier) Notify(resource string, operation core.Operation, payload []byte) {
	err := n.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(resource),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "operation", Value: []byte(string(operation))},
		},
	})
	if err != nil {
		logger.Default().WithError(err).Errorf("kafka export of %s event for %s", operation, resource)
	}
}

// Close flushes pending messages and closes the underlying writer
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
