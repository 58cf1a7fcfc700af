package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/transfa/packet-service/internal/app"
)

type sweeperStub struct {
	mu     sync.Mutex
	calls  int
	limits []int
	result *app.RefundSweepResult
	err    error
}

func (s *sweeperStub) SweepRefunds(ctx context.Context, limit int) (*app.RefundSweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.limits = append(s.limits, limit)
	if _, ok := ctx.Deadline(); !ok {
		return nil, errors.New("sweep context has no deadline")
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *sweeperStub) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type bufferWriter struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (w *bufferWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *bufferWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepRefunds_PassesLimitAndLogsResult(t *testing.T) {
	out := &bufferWriter{}
	logger := slog.New(slog.NewTextHandler(out, nil))
	stub := &sweeperStub{result: &app.RefundSweepResult{Scanned: 4, Signalled: 2, Conflicts: 1, Busy: 1}}

	NewJobs(stub, logger, 25).SweepRefunds()

	if stub.callCount() != 1 {
		t.Fatalf("expected one sweep, got %d", stub.callCount())
	}
	if stub.limits[0] != 25 {
		t.Fatalf("expected limit 25, got %d", stub.limits[0])
	}
	if !strings.Contains(out.String(), "signalled=2") || !strings.Contains(out.String(), "busy=1") {
		t.Fatalf("expected sweep counts in log output, got %q", out.String())
	}
}

func TestSweepRefunds_LogsFailure(t *testing.T) {
	out := &bufferWriter{}
	logger := slog.New(slog.NewTextHandler(out, nil))
	stub := &sweeperStub{err: errors.New("store down")}

	NewJobs(stub, logger, 0).SweepRefunds()

	if !strings.Contains(out.String(), "refund sweep failed") {
		t.Fatalf("expected failure log, got %q", out.String())
	}
}

func TestSweepRefunds_WarnsOnPartialFailure(t *testing.T) {
	out := &bufferWriter{}
	logger := slog.New(slog.NewTextHandler(out, nil))
	stub := &sweeperStub{result: &app.RefundSweepResult{Scanned: 2, Signalled: 1, Failed: 1}}

	NewJobs(stub, logger, 0).SweepRefunds()

	if !strings.Contains(out.String(), "level=WARN") {
		t.Fatalf("expected warn level log, got %q", out.String())
	}
}

func TestScheduler_RejectsInvalidSchedule(t *testing.T) {
	s := NewScheduler(NewJobs(&sweeperStub{}, discardLogger(), 0), discardLogger(), "not a schedule")
	if err := s.Start(); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestScheduler_RunsSweepOnSchedule(t *testing.T) {
	stub := &sweeperStub{result: &app.RefundSweepResult{}}
	s := NewScheduler(NewJobs(stub, discardLogger(), 0), discardLogger(), "@every 1s")
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { <-s.Stop().Done() }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if stub.callCount() > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("expected the refund sweep to run within 5s")
}
