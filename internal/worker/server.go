package worker

import (
	"context"
	"fmt"

	"github.com/dunamismax/receiptflow/internal/queue"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type ServerConfig struct {
	RedisOpt    asynq.RedisClientOpt
	Queue       string
	Concurrency int
}

// Server consumes extraction tasks enqueued by queue.Client and runs them
// through a Runner.
type Server struct {
	logger *zap.Logger
	server *asynq.Server
	runner *Runner
}

func NewServer(logger *zap.Logger, cfg ServerConfig, runner *Runner) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	queueName := cfg.Queue
	if queueName == "" {
		queueName = "extraction"
	}

	srv := asynq.NewServer(cfg.RedisOpt, asynq.Config{
		Concurrency: max(cfg.Concurrency, 1),
		Queues:      map[string]int{queueName: 1},
		LogLevel:    asynq.WarnLevel,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			taskID, _ := asynq.GetTaskID(ctx)
			logger.Warn("extraction task finished with error",
				zap.String("task_type", task.Type()),
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		}),
	})

	return &Server{logger: logger, server: srv, runner: runner}, nil
}

func (s *Server) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeExtractReceipt, s.handleExtractReceipt)
	return mux
}

// Run blocks until the process receives a termination signal.
func (s *Server) Run() error {
	return s.server.Run(s.Mux())
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) handleExtractReceipt(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseExtractReceiptPayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	s.logger.Debug("extraction task received",
		zap.String("job_id", payload.JobID),
		zap.Int64("lr_id", payload.ReceiptID),
		zap.Time("requested_at", payload.RequestedAt),
	)

	if err := s.runner.Run(ctx, payload.JobID, payload.ReceiptID); err != nil {
		return fmt.Errorf("job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
	return nil
}
