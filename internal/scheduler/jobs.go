/**
 * @description
 * Scheduled job implementations for the packet-service.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/transfa/packet-service/internal/app"
)

const defaultSweepTimeout = 2 * time.Minute

// RefundSweeper is the part of the packet service the refund job needs.
type RefundSweeper interface {
	SweepRefunds(ctx context.Context, limit int) (*app.RefundSweepResult, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	sweeper RefundSweeper
	logger  *slog.Logger
	limit   int
	timeout time.Duration
}

// NewJobs creates a new Jobs runner. limit bounds the packets examined per
// sweep; zero takes the service default.
func NewJobs(sweeper RefundSweeper, logger *slog.Logger, limit int) *Jobs {
	return &Jobs{
		sweeper: sweeper,
		logger:  logger,
		limit:   limit,
		timeout: defaultSweepTimeout,
	}
}

// SweepRefunds signals refund eligibility for expired packets.
func (j *Jobs) SweepRefunds() {
	j.logger.Info("starting refund sweep job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result, err := j.sweeper.SweepRefunds(ctx, j.limit)
	if err != nil {
		j.logger.Error("refund sweep failed", "error", err)
		return
	}

	if result.Failed > 0 {
		j.logger.Warn("refund sweep finished with failures",
			"scanned", result.Scanned,
			"signalled", result.Signalled,
			"conflicts", result.Conflicts,
			"busy", result.Busy,
			"failed", result.Failed,
		)
		return
	}
	j.logger.Info("refund sweep job finished",
		"scanned", result.Scanned,
		"signalled", result.Signalled,
		"conflicts", result.Conflicts,
		"busy", result.Busy,
	)
}
