package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/accedo/internal/common"
	"github.com/ternarybob/accedo/internal/interfaces"
	"github.com/ternarybob/accedo/internal/models"
)

const archivedPruneInterval = time.Hour

// Service owns the asynq consumer stack for the scan queue: the server
// that pulls jobs, the client used for dead-letter replays, the
// inspector behind the metrics endpoint, and the shared Redis client
// that progress, cancellation, and the DLQ ride on.
type Service struct {
	config    common.QueueConfig
	logger    arbor.ILogger
	client    *asynq.Client
	server    *asynq.Server
	inspector *asynq.Inspector
	redis     *redis.Client
	dlq       *DeadLetter

	janitorStop chan struct{}
}

// NewService connects to Redis and builds the queue stack. The server
// does not consume until Start is called.
func NewService(config common.QueueConfig, logger arbor.ILogger) (*Service, error) {
	connOpt, err := asynq.ParseRedisURI(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	redisOpts, err := redis.ParseURL(config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	s := &Service{
		config:    config,
		logger:    logger,
		client:    asynq.NewClient(connOpt),
		inspector: asynq.NewInspector(connOpt),
		redis:     redis.NewClient(redisOpts),
	}
	s.dlq = NewDeadLetter(s.redis, config.Name, s.enqueuePayload, logger)

	s.server = asynq.NewServer(connOpt, asynq.Config{
		Concurrency:     config.Concurrency,
		Queues:          map[string]int{config.Name: 1},
		RetryDelayFunc:  s.retryDelay,
		ErrorHandler:    asynq.ErrorHandlerFunc(s.handleError),
		Logger:          &asynqLogger{logger: logger},
		LogLevel:        asynq.WarnLevel,
		ShutdownTimeout: 30 * time.Second,
	})

	logger.Info().
		Str("queue", config.Name).
		Int("concurrency", config.Concurrency).
		Int("max_attempts", config.MaxAttempts).
		Msg("Queue service initialized")
	return s, nil
}

// DLQ returns the dead-letter queue.
func (s *Service) DLQ() interfaces.DeadLetterQueue {
	return s.dlq
}

// Redis returns the shared Redis client for progress and cancellation.
func (s *Service) Redis() *redis.Client {
	return s.redis
}

// Start registers the scan handler and begins consuming. The archived
// task janitor starts alongside the server.
func (s *Service) Start(handler asynq.Handler) error {
	mux := asynq.NewServeMux()
	mux.Handle(models.TaskTypeScan, handler)

	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("failed to start queue server: %w", err)
	}

	stop := make(chan struct{})
	s.janitorStop = stop
	common.SafeGo(s.logger, "archivedJanitor", func() { s.janitorLoop(stop) })

	s.logger.Info().Str("queue", s.config.Name).Msg("Queue consumer started")
	return nil
}

// Shutdown stops consuming and waits for in-flight handlers to finish,
// bounded by the server's shutdown timeout.
func (s *Service) Shutdown() {
	if s.janitorStop != nil {
		close(s.janitorStop)
		s.janitorStop = nil
	}
	s.server.Shutdown()
	s.logger.Info().Msg("Queue consumer stopped")
}

// Close releases the Redis connections. Call after Shutdown.
func (s *Service) Close() error {
	var errs []error
	if err := s.client.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.inspector.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.redis.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Enqueue publishes a scan job on the main queue with the worker's
// retry and retention contract. Used by dead-letter replays and by
// local tooling; the production enqueuer is a separate service that
// follows the same contract.
func (s *Service) Enqueue(ctx context.Context, payload *models.ScanJobPayload) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal scan job: %w", err)
	}
	return s.enqueuePayload(ctx, data)
}

func (s *Service) enqueuePayload(ctx context.Context, payload []byte) (string, error) {
	task := asynq.NewTask(models.TaskTypeScan, payload)

	info, err := s.client.EnqueueContext(ctx, task,
		asynq.Queue(s.config.Name),
		asynq.MaxRetry(s.config.MaxAttempts-1),
		asynq.Retention(s.config.RetainCompleted),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue scan job: %w", err)
	}
	return info.ID, nil
}

// retryDelay implements the exponential backoff schedule: base delay
// doubled on every subsequent attempt.
func (s *Service) retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	base := s.config.RetryBackoff
	if base <= 0 {
		base = 5 * time.Second
	}
	if n < 1 {
		n = 1
	}
	if n > 6 {
		n = 6
	}
	return base * time.Duration(1<<uint(n-1))
}

// handleError runs after every failed handler invocation. Jobs that
// exhausted their retries are copied to the dead-letter queue; SkipRetry
// failures are not, because their handler already routed them.
func (s *Service) handleError(ctx context.Context, task *asynq.Task, err error) {
	if errors.Is(err, asynq.SkipRetry) {
		return
	}

	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	if retried < maxRetry {
		s.logger.Warn().
			Str("task", task.Type()).
			Int("attempt", retried+1).
			Int("max_attempts", maxRetry+1).
			Err(err).
			Msg("Scan job failed, will retry")
		return
	}

	entry := &models.DLQEntry{
		Queue:         s.config.Name,
		TaskType:      task.Type(),
		Payload:       json.RawMessage(task.Payload()),
		OriginalError: err.Error(),
		FailedAt:      time.Now().UTC(),
		Attempts:      retried + 1,
	}
	if dlqErr := s.dlq.Push(ctx, entry); dlqErr != nil {
		s.logger.Error().
			Str("task", task.Type()).
			Err(dlqErr).
			Msg("Failed to dead-letter exhausted job")
		return
	}

	s.logger.Error().
		Str("task", task.Type()).
		Int("attempts", retried+1).
		Err(err).
		Msg("Scan job exhausted retries, moved to dead-letter queue")
}

// Stats returns a snapshot of the scan queue for the metrics endpoint.
// A queue that has never seen a task reports zeroes.
func (s *Service) Stats(ctx context.Context) (*models.QueueStats, error) {
	info, err := s.inspector.GetQueueInfo(s.config.Name)
	if errors.Is(err, asynq.ErrQueueNotFound) {
		stats := &models.QueueStats{Queue: s.config.Name}
		if size, err := s.dlq.Size(ctx); err == nil {
			stats.DeadLetter = size
		}
		return stats, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect queue: %w", err)
	}

	stats := &models.QueueStats{
		Queue:     s.config.Name,
		Pending:   info.Pending,
		Active:    info.Active,
		Scheduled: info.Scheduled,
		Retry:     info.Retry,
		Completed: info.Completed,
		Failed:    info.Archived,
	}
	if size, err := s.dlq.Size(ctx); err == nil {
		stats.DeadLetter = size
	}
	return stats, nil
}

// Ping verifies Redis connectivity for readiness checks.
func (s *Service) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

// janitorLoop prunes archived tasks older than the failed-task
// retention window. asynq keeps archived tasks for a fixed long period;
// this enforces the configured one.
func (s *Service) janitorLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(archivedPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.pruneArchived()
		}
	}
}

func (s *Service) pruneArchived() {
	retain := s.config.RetainFailed
	if retain <= 0 {
		return
	}
	cutoff := time.Now().Add(-retain)

	tasks, err := s.inspector.ListArchivedTasks(s.config.Name, asynq.PageSize(100))
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list archived tasks")
		return
	}

	pruned := 0
	for _, task := range tasks {
		if task.LastFailedAt.IsZero() || task.LastFailedAt.After(cutoff) {
			continue
		}
		if err := s.inspector.DeleteTask(s.config.Name, task.ID); err != nil {
			s.logger.Warn().Str("task_id", task.ID).Err(err).Msg("Failed to prune archived task")
			continue
		}
		pruned++
	}

	if pruned > 0 {
		s.logger.Info().Int("pruned", pruned).Msg("Pruned expired archived tasks")
	}
}
