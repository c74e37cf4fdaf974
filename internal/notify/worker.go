package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"
)

// Worker consumes queued notifications and delivers them by mail.
type Worker struct {
	log    *log.Logger
	server *asynq.Server
	mux    *asynq.ServeMux
	mailer Mailer
}

func NewWorker(redisURL string, mailer Mailer, logger *log.Logger) (*Worker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	w := &Worker{
		log:    logger,
		mailer: mailer,
		mux:    asynq.NewServeMux(),
	}

	w.server = asynq.NewServer(opt, asynq.Config{
		Concurrency: 4,
		Queues:      map[string]int{QueueName: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			w.log.Printf("notification task %s failed: %v", task.Type(), err)
		}),
	})
	w.mux.HandleFunc(TaskNewMessage, w.handleNewMessage)

	return w, nil
}

// Start runs the worker in background goroutines.
func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

func (w *Worker) Shutdown() {
	w.server.Shutdown()
}

func (w *Worker) handleNewMessage(ctx context.Context, task *asynq.Task) error {
	var n NewMessageNotification
	if err := json.Unmarshal(task.Payload(), &n); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	if n.RecipientEmail == "" {
		w.log.Printf("member %q has no email, skipping notification", n.RecipientId)
		return nil
	}

	return w.mailer.Send(ctx, newMessageMail(n))
}
