package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Func is a policy. It inspects req and returns an Outcome that resolves when
// the request is allowed and rejects when it is not.
type Func func(ctx context.Context, req *Request) *Outcome

// Predicate adapts a blocking check into a Func. The check runs on its own
// goroutine; a nil error allows the request.
func Predicate(check func(ctx context.Context, req *Request) error) Func {
	return func(ctx context.Context, req *Request) *Outcome {
		return Go(func() (any, error) {
			return nil, check(ctx, req)
		})
	}
}

// Middleware decorates a policy invocation. Implementations must return the
// Outcome produced by next so single-policy execution stays pass-through.
type Middleware func(name string, next Func) Func

// ExecutorOptions configure an Executor.
type ExecutorOptions struct {
	// Policies pre-populates the registry.
	Policies map[string]Func
	// RequestFactory builds the Request for each invocation. Defaults to NewRequest.
	RequestFactory RequestFactory
	// Middleware wraps every invocation, outermost first.
	Middleware []Middleware
	Logger     *slog.Logger
}

// Executor owns the policy registry and runs policies by name.
type Executor struct {
	mu         sync.RWMutex
	policies   map[string]Func
	newRequest RequestFactory
	middleware []Middleware
	logger     *slog.Logger
}

// NewExecutor constructs an Executor from opts.
func NewExecutor(opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	factory := opts.RequestFactory
	if factory == nil {
		factory = NewRequest
	}

	e := &Executor{
		policies:   make(map[string]Func, len(opts.Policies)),
		newRequest: factory,
		middleware: append([]Middleware(nil), opts.Middleware...),
		logger:     logger,
	}
	e.RegisterAll(opts.Policies)

	return e
}

// Register adds fn under name, replacing any policy already registered under
// that name. An empty name or nil fn is ignored.
func (e *Executor) Register(name string, fn Func) {
	if name == "" || fn == nil {
		e.logger.Debug("ignoring malformed policy registration", "policy", name, "has_func", fn != nil)
		return
	}

	e.mu.Lock()
	e.policies[name] = fn
	e.mu.Unlock()
}

// RegisterAll registers every entry of policies, in name order.
func (e *Executor) RegisterAll(policies map[string]Func) {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		e.Register(name, policies[name])
	}
}

// Lookup returns the policy registered under name.
func (e *Executor) Lookup(name string) (Func, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	fn, ok := e.policies[name]
	return fn, ok
}

// Names returns the registered policy names, sorted.
func (e *Executor) Names() []string {
	e.mu.RLock()
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	e.mu.RUnlock()

	sort.Strings(names)
	return names
}

// Execute runs the named policies against data.
//
// With no names the returned Outcome is already resolved. With one name the
// policy's own Outcome is returned. With several names every policy is
// started before any is awaited and the Outcomes are joined with All.
//
// An unknown name is a usage error: it is returned immediately, no policy is
// invoked and the Outcome is nil.
func (e *Executor) Execute(ctx context.Context, data any, names ...string) (*Outcome, error) {
	if len(names) == 0 {
		return Resolved(nil), nil
	}
	if data == nil {
		data = map[string]any{}
	}

	fns, err := e.resolve(names)
	if err != nil {
		return nil, err
	}

	if len(names) == 1 {
		return e.invoke(ctx, names[0], fns[0], data), nil
	}

	outcomes := make([]*Outcome, len(names))
	for i, name := range names {
		outcomes[i] = e.invoke(ctx, name, fns[i], data)
	}
	return All(outcomes...), nil
}

// ExecuteAny runs the policies named by selector, which may be nil, a string,
// a []string or a []any holding only strings. Any other shape is a usage
// error returned immediately.
func (e *Executor) ExecuteAny(ctx context.Context, selector any, data any) (*Outcome, error) {
	names, err := ParseSelector(selector)
	if err != nil {
		return nil, err
	}
	return e.Execute(ctx, data, names...)
}

// ParseSelector normalises a dynamically typed policy selector into names.
func ParseSelector(selector any) ([]string, error) {
	switch typed := selector.(type) {
	case nil:
		return nil, nil
	case string:
		if typed == "" {
			return nil, nil
		}
		return []string{typed}, nil
	case []string:
		return typed, nil
	case []any:
		names := make([]string, len(typed))
		for i, item := range typed {
			name, ok := item.(string)
			if !ok {
				return nil, &UsageError{Op: "execute", Err: ErrInvalidPolicies}
			}
			names[i] = name
		}
		return names, nil
	default:
		return nil, &UsageError{Op: "execute", Err: ErrInvalidPolicies}
	}
}

// resolve looks every name up under a single read lock so a batch sees one
// consistent registry. Empty names resolve to nil and run as a no-op.
func (e *Executor) resolve(names []string) ([]Func, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	fns := make([]Func, len(names))
	for i, name := range names {
		if name == "" {
			continue
		}
		fn, ok := e.policies[name]
		if !ok {
			return nil, &UsageError{Op: "execute", Policy: name, Err: ErrPolicyNotFound}
		}
		fns[i] = fn
	}
	return fns, nil
}

func (e *Executor) invoke(ctx context.Context, name string, fn Func, data any) *Outcome {
	if fn == nil {
		return Resolved(nil)
	}

	for i := len(e.middleware) - 1; i >= 0; i-- {
		fn = e.middleware[i](name, fn)
	}

	req := e.newRequest(data, nil)
	outcome := fn(ctx, req)
	if outcome == nil {
		e.logger.Warn("policy returned no outcome", "policy", name)
		return Rejected(fmt.Errorf("policy %q: %w", name, ErrNoOutcome))
	}
	return outcome
}
