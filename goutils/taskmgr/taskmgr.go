package taskmgr

import (
	"context"
	"errors"

	"github.com/streadway/amqp"

	"mech/goutils/taskmgr/worker"
)

const RequestSuffix string = ".Request"

// TaskMgr is used to publish and consume delivery tasks.
// can be implemented by rabbitmq, kafka, webhooks etc.
type TaskMgr interface {
	Publish(ctx context.Context, workerType worker.Type, payload []byte) error

	// Consume creates a new consumer and starts consuming tasks.
	// the worker type selects the exchange/queue wiring the consumer binds to.
	Consume(ctx context.Context, workerType worker.Type, msgChan chan TaskHandler) error

	Shutdown(ctx context.Context) error
}

type TaskHandler interface {
	GetBody() []byte
	GetTopic() string
	Ack() error
	Nack(requeue bool) error
}

type Task struct {
	Msg   interface{} // original message type from the broker, e.g. amqp.Delivery
	Topic string
}

var _ TaskHandler = (*Task)(nil)

func (t *Task) GetTopic() string {
	return t.Topic
}

func (t *Task) GetBody() []byte {
	switch msg := t.Msg.(type) {
	case amqp.Delivery:
		return msg.Body
	default:
		return nil
	}
}

func (t *Task) Ack() error {
	switch msg := t.Msg.(type) {
	case amqp.Delivery:
		return msg.Ack(false)
	default:
		return nil
	}
}

func (t *Task) Nack(requeue bool) error {
	switch msg := t.Msg.(type) {
	case amqp.Delivery:
		return msg.Nack(false, requeue)
	default:
		return nil
	}
}

var (
	ErrConsumerInitFailed  = errors.New("failed to initialize consumer")
	ErrPublisherInitFailed = errors.New("failed to initialize publisher")
)
