package execution

import (
	"context"
	"errors"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/taskmesh/backend/internal/models"
	"github.com/taskmesh/backend/internal/protocol"
)

// ExpireTasksArgs is the periodic sweep over deadline-passed tasks.
type ExpireTasksArgs struct{}

func (ExpireTasksArgs) Kind() string { return "expire_tasks" }

// EscrowService is the slice of the escrow service the sweep needs.
type EscrowService interface {
	ListExpired(ctx context.Context, limit int) ([]int64, error)
	Expire(ctx context.Context, taskID int64) (models.Task, error)
}

type ExpireTasksWorker struct {
	river.WorkerDefaults[ExpireTasksArgs]
	escrow EscrowService
	logger *slog.Logger
}

func NewExpireTasksWorker(escrow EscrowService, logger *slog.Logger) *ExpireTasksWorker {
	return &ExpireTasksWorker{escrow: escrow, logger: logger}
}

const expireBatchSize = 100

func (w *ExpireTasksWorker) Work(ctx context.Context, job *river.Job[ExpireTasksArgs]) error {
	ids, err := w.escrow.ListExpired(ctx, expireBatchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		_, err := w.escrow.Expire(ctx, id)
		if err == nil {
			w.logger.Info("task expired", "task_id", id)
			continue
		}
		// Another sweeper or a direct expire call can win the race.
		if errors.Is(err, protocol.ErrWrongState) || errors.Is(err, protocol.ErrNotAvailable) {
			continue
		}
		return err
	}
	return nil
}
