package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
)

const (
	TaskNewMessage = "notify:new_message"
	QueueName      = "notifications"
	maxRetry       = 3
)

// QueueNotifier hands notifications to a Redis backed asynq queue.
type QueueNotifier struct {
	log    *log.Logger
	client *asynq.Client
}

var _ Notifier = (*QueueNotifier)(nil)

func NewQueueNotifier(redisURL string, logger *log.Logger) (*QueueNotifier, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	return &QueueNotifier{
		log:    logger,
		client: asynq.NewClient(opt),
	}, nil
}

func (q *QueueNotifier) NewMessage(ctx context.Context, n NewMessageNotification) error {
	task, err := newMessageTask(n)
	if err != nil {
		return err
	}

	info, err := q.client.EnqueueContext(ctx, task, asynq.Queue(QueueName), asynq.MaxRetry(maxRetry))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", TaskNewMessage, err)
	}

	q.log.Printf("queued %s task %s for member %q", TaskNewMessage, info.ID, n.RecipientId)
	return nil
}

func (q *QueueNotifier) Close() error {
	return q.client.Close()
}

func newMessageTask(n NewMessageNotification) (*asynq.Task, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}

	return asynq.NewTask(TaskNewMessage, payload), nil
}
