package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/edgewatch/heartbeat/internal/domain"
	"github.com/edgewatch/heartbeat/internal/repository"
)

// ErrInvalidAckStatus rejects ack statuses other than done or failed.
var ErrInvalidAckStatus = errors.New("tasks: ack status must be done or failed")

// Service queues opaque commands for edge agents and tracks delivery.
type Service struct {
	repo       repository.TaskRepository
	logger     *slog.Logger
	claimLimit int
}

// New constructs a tasks Service. claimLimit caps how many pending tasks a
// single poll may claim.
func New(repo repository.TaskRepository, logger *slog.Logger, claimLimit int) *Service {
	if claimLimit <= 0 {
		claimLimit = 50
	}
	if logger != nil {
		logger = logger.With("component", "tasks")
	}
	return &Service{repo: repo, logger: logger, claimLimit: claimLimit}
}

// Enqueue stores a new pending task for the given server.
func (s *Service) Enqueue(ctx context.Context, serverID, taskType string, payload json.RawMessage) (*domain.Task, error) {
	serverID = strings.TrimSpace(serverID)
	taskType = strings.TrimSpace(taskType)
	if serverID == "" {
		return nil, errors.New("tasks: server_id required")
	}
	if taskType == "" {
		return nil, errors.New("tasks: type required")
	}
	task := &domain.Task{
		ID:       uuid.NewString(),
		ServerID: serverID,
		Type:     taskType,
		Payload:  payload,
		Status:   domain.TaskStatusPending,
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	if s.logger != nil {
		s.logger.Info("task enqueued", "task_id", task.ID, "server_id", serverID, "type", taskType)
	}
	return task, nil
}

// Claim hands the server's pending tasks to the polling agent, marking
// them delivered. Delivery is soft: the agent confirms the outcome through
// Ack once the command has been applied.
func (s *Service) Claim(ctx context.Context, serverID string) ([]domain.Task, error) {
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return []domain.Task{}, nil
	}
	claimed, err := s.repo.ClaimPendingTasks(ctx, serverID, s.claimLimit)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	return claimed, nil
}

// Ack records the agent's final outcome for a delivered task.
func (s *Service) Ack(ctx context.Context, taskID, status string) error {
	status = strings.ToLower(strings.TrimSpace(status))
	if status != domain.TaskStatusDone && status != domain.TaskStatusFailed {
		return ErrInvalidAckStatus
	}
	if err := s.repo.AckTask(ctx, taskID, status); err != nil {
		return err
	}
	if s.logger != nil {
		s.logger.Info("task acked", "task_id", taskID, "status", status)
	}
	return nil
}
