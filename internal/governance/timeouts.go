package governance

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrExecuteTimeout is the cause attached to contexts that hit the execution
// deadline.
var ErrExecuteTimeout = errors.New("policy execution timeout exceeded")

// TimeoutManager bounds how long a caller waits for a policy outcome.
type TimeoutManager struct {
	execute atomic.Int64
}

// NewTimeoutManager creates a manager. Zero means no deadline.
func NewTimeoutManager(execute time.Duration) *TimeoutManager {
	tm := &TimeoutManager{}
	tm.Configure(execute)
	return tm
}

// Configure replaces the execution deadline.
func (tm *TimeoutManager) Configure(execute time.Duration) {
	if execute < 0 {
		execute = 0
	}
	tm.execute.Store(int64(execute))
}

// ExecuteTimeout returns the configured deadline.
func (tm *TimeoutManager) ExecuteTimeout() time.Duration {
	return time.Duration(tm.execute.Load())
}

// WithExecuteTimeout derives a context that ends with ErrExecuteTimeout as
// its cause once the deadline passes.
func (tm *TimeoutManager) WithExecuteTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := tm.ExecuteTimeout()
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, timeout, ErrExecuteTimeout)
}
