package trainer

import (
	"context"
	"fmt"
	"time"

	"github.com/signalnine/sweep/internal/metrics"
)

// TrainFunc trains in-process and returns the job's metrics payload.
type TrainFunc func(ctx context.Context, job Job) (metrics.Payload, error)

// FuncExecutor runs a TrainFunc in the calling goroutine. A returned error or
// a panic is a job failure.
type FuncExecutor struct {
	Train   TrainFunc
	Timeout time.Duration
}

func (e *FuncExecutor) Run(ctx context.Context, job Job) (res *Result, err error) {
	if e.Train == nil {
		return nil, fmt.Errorf("no training function configured")
	}
	ctx, cancel := withTimeout(ctx, e.Timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = failed(job, 1, false, time.Since(start), fmt.Errorf("training panicked: %v", r))
		}
	}()

	payload, trainErr := e.Train(ctx, job)
	if trainErr != nil {
		timedOut := e.Timeout > 0 && ctx.Err() == context.DeadlineExceeded
		code := 1
		if timedOut {
			code = exitCodeTimeout
		}
		return failed(job, code, timedOut, time.Since(start), trainErr), nil
	}
	return succeeded(job, payload, time.Since(start)), nil
}
