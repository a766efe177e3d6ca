package policy

import (
	"context"
	"fmt"
	"sync"
)

// SettleFunc completes an Outcome. A nil err resolves it with value; a
// non-nil err rejects it. Only the first call has an effect.
type SettleFunc func(value any, err error)

// Outcome is the eventual result of a policy invocation. It settles exactly
// once, either resolved with a value or rejected with an error.
type Outcome struct {
	done  chan struct{}
	once  sync.Once
	value any
	err   error
}

// NewOutcome returns a pending Outcome and the function that settles it.
func NewOutcome() (*Outcome, SettleFunc) {
	o := &Outcome{done: make(chan struct{})}
	return o, o.settle
}

// Resolved returns an Outcome already resolved with value.
func Resolved(value any) *Outcome {
	o, settle := NewOutcome()
	settle(value, nil)
	return o
}

// Rejected returns an Outcome already rejected with err. A nil err is
// replaced by ErrRejected so a rejection always carries a reason.
func Rejected(err error) *Outcome {
	if err == nil {
		err = ErrRejected
	}
	o, settle := NewOutcome()
	settle(nil, err)
	return o
}

// Go runs fn on its own goroutine and settles the returned Outcome with its
// result. A panic inside fn rejects the Outcome.
func Go(fn func() (any, error)) *Outcome {
	o, settle := NewOutcome()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				settle(nil, fmt.Errorf("policy panicked: %v", r))
			}
		}()
		settle(fn())
	}()
	return o
}

func (o *Outcome) settle(value any, err error) {
	o.once.Do(func() {
		o.value = value
		o.err = err
		close(o.done)
	})
}

// Done is closed once the Outcome has settled.
func (o *Outcome) Done() <-chan struct{} {
	return o.done
}

// Result blocks until the Outcome settles and returns its value and error.
func (o *Outcome) Result() (any, error) {
	<-o.done
	return o.value, o.err
}

// Err blocks until the Outcome settles and returns its error.
func (o *Outcome) Err() error {
	<-o.done
	return o.err
}

// Await blocks until the Outcome settles or ctx ends. An ended ctx returns
// ctx.Err() but does not stop the work behind the Outcome.
func (o *Outcome) Await(ctx context.Context) (any, error) {
	select {
	case <-o.done:
		return o.value, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type settlement struct {
	index int
	value any
	err   error
}

// All joins outcomes. The result resolves with every value, in input order,
// once all outcomes resolved, and rejects with the first rejection observed.
// Outcomes still pending after a rejection keep running; their results are
// discarded.
func All(outcomes ...*Outcome) *Outcome {
	if len(outcomes) == 0 {
		return Resolved([]any{})
	}

	joined, settle := NewOutcome()

	// Buffered to len(outcomes) so watchers never block after the join settled.
	results := make(chan settlement, len(outcomes))
	for i, o := range outcomes {
		go func(index int, o *Outcome) {
			value, err := o.Result()
			results <- settlement{index: index, value: value, err: err}
		}(i, o)
	}

	go func() {
		values := make([]any, len(outcomes))
		for range outcomes {
			res := <-results
			if res.err != nil {
				settle(nil, res.err)
				return
			}
			values[res.index] = res.value
		}
		settle(values, nil)
	}()

	return joined
}
