package policy

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// recorder is a policy that remembers every Request it was invoked with.
type recorder struct {
	mu       sync.Mutex
	requests []*Request
	result   error
}

func (r *recorder) policy(_ context.Context, req *Request) *Outcome {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()
	if r.result != nil {
		return Rejected(r.result)
	}
	return Resolved(nil)
}

func (r *recorder) calls() []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Request(nil), r.requests...)
}

func funcPointer(fn Func) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

func TestNewExecutor_InitialPolicies(t *testing.T) {
	isLoggedIn := func(context.Context, *Request) *Outcome { return Resolved(nil) }

	e := NewExecutor(ExecutorOptions{Policies: map[string]Func{"isLoggedIn": isLoggedIn}})

	got, ok := e.Lookup("isLoggedIn")
	require.True(t, ok)
	assert.Equal(t, funcPointer(isLoggedIn), funcPointer(got))
	assert.Equal(t, []string{"isLoggedIn"}, e.Names())
}

func TestExecutor_Register(t *testing.T) {
	e := NewExecutor(ExecutorOptions{})
	first := func(context.Context, *Request) *Outcome { return Resolved(1) }
	second := func(context.Context, *Request) *Outcome { return Resolved(2) }

	e.Register("name", first)
	e.Register("name", second)

	got, ok := e.Lookup("name")
	require.True(t, ok)
	value, err := got(context.Background(), NewRequest(nil, nil)).Result()
	require.NoError(t, err)
	assert.Equal(t, 2, value, "later registration overwrites")
}

func TestExecutor_RegisterIgnoresMalformedInput(t *testing.T) {
	e := NewExecutor(ExecutorOptions{})

	e.Register("", func(context.Context, *Request) *Outcome { return Resolved(nil) })
	e.Register("nil-func", nil)
	e.RegisterAll(nil)

	assert.Empty(t, e.Names())
}

func TestExecutor_RegisterAllIsUnion(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		nameGen := rapid.StringMatching(`[a-z]{1,3}`)
		prior := rapid.SliceOfDistinct(nameGen, rapid.ID[string]).Draw(t, "prior")
		batch := rapid.SliceOfDistinct(nameGen, rapid.ID[string]).Draw(t, "batch")

		e := NewExecutor(ExecutorOptions{})
		for _, name := range prior {
			e.Register(name, func(context.Context, *Request) *Outcome { return Resolved("prior") })
		}

		entries := make(map[string]Func, len(batch))
		for _, name := range batch {
			entries[name] = func(context.Context, *Request) *Outcome { return Resolved("batch") }
		}
		e.RegisterAll(entries)

		want := map[string]string{}
		for _, name := range prior {
			want[name] = "prior"
		}
		for _, name := range batch {
			want[name] = "batch"
		}

		names := e.Names()
		if len(names) != len(want) {
			t.Fatalf("expected %d policies, got %d", len(want), len(names))
		}
		for _, name := range names {
			fn, ok := e.Lookup(name)
			if !ok {
				t.Fatalf("policy %q missing", name)
			}
			value, _ := fn(context.Background(), NewRequest(nil, nil)).Result()
			if value != want[name] {
				t.Fatalf("policy %q: expected %s registration, got %v", name, want[name], value)
			}
		}
	})
}

func TestExecutor_ExecuteNothing(t *testing.T) {
	rec := &recorder{}
	e := NewExecutor(ExecutorOptions{Policies: map[string]Func{"p": rec.policy}})
	ctx := context.Background()

	for _, names := range [][]string{nil, {}} {
		outcome, err := e.Execute(ctx, nil, names...)
		require.NoError(t, err)
		require.NoError(t, outcome.Err())
	}

	outcome, err := e.ExecuteAny(ctx, []any{}, nil)
	require.NoError(t, err)
	require.NoError(t, outcome.Err())

	outcome, err = e.ExecuteAny(ctx, "", nil)
	require.NoError(t, err)
	require.NoError(t, outcome.Err())

	assert.Empty(t, rec.calls())
}

func TestExecutor_ExecuteSingle(t *testing.T) {
	rec := &recorder{}
	e := NewExecutor(ExecutorOptions{Policies: map[string]Func{"name": rec.policy}})
	data := map[string]any{"random_data": true}

	outcome, err := e.Execute(context.Background(), data, "name")
	require.NoError(t, err)
	require.NoError(t, outcome.Err())

	calls := rec.calls()
	require.Len(t, calls, 1)
	params, ok := calls[0].Params().(map[string]any)
	require.True(t, ok)
	assert.Equal(t, reflect.ValueOf(data).UnsafePointer(), reflect.ValueOf(params).UnsafePointer())
}

func TestExecutor_ExecuteSinglePassesOutcomeThrough(t *testing.T) {
	own, settle := NewOutcome()
	e := NewExecutor(ExecutorOptions{Policies: map[string]Func{
		"p": func(context.Context, *Request) *Outcome { return own },
	}})

	outcome, err := e.Execute(context.Background(), nil, "p")
	require.NoError(t, err)
	assert.Same(t, own, outcome)

	settle("value", nil)
	value, err := outcome.Result()
	require.NoError(t, err)
	assert.Equal(t, "value", value)
}

func TestExecutor_ExecuteMany(t *testing.T) {
	first := &recorder{}
	second := &recorder{}
	e := NewExecutor(ExecutorOptions{Policies: map[string]Func{
		"name":  first.policy,
		"name2": second.policy,
	}})
	data := map[string]any{"random_data": true}

	outcome, err := e.Execute(context.Background(), data, "name", "name2")
	require.NoError(t, err)
	require.NoError(t, outcome.Err())

	require.Len(t, first.calls(), 1)
	require.Len(t, second.calls(), 1)
	a, b := first.calls()[0], second.calls()[0]
	assert.NotSame(t, a, b, "each policy receives its own request")
	assert.Equal(t, reflect.ValueOf(data).UnsafePointer(), reflect.ValueOf(a.Params()).UnsafePointer())
	assert.Equal(t, reflect.ValueOf(data).UnsafePointer(), reflect.ValueOf(b.Params()).UnsafePointer())
}

func TestExecutor_ExecuteManyRejectsWhenOnePolicyRejects(t *testing.T) {
	reason := errors.New("not logged in")
	e := NewExecutor(ExecutorOptions{Policies: map[string]Func{
		"name":  (&recorder{result: reason}).policy,
		"name2": (&recorder{}).policy,
	}})

	outcome, err := e.Execute(context.Background(), nil, "name", "name2")
	require.NoError(t, err)
	assert.ErrorIs(t, outcome.Err(), reason)
}

func TestExecutor_ExecuteManyDoesNotCancelStragglers(t *testing.T) {
	release := make(chan struct{})
	var finished atomic.Bool

	e := NewExecutor(ExecutorOptions{Policies: map[string]Func{
		"slow": Predicate(func(context.Context, *Request) error {
			<-release
			finished.Store(true)
			return nil
		}),
		"deny": Predicate(func(context.Context, *Request) error {
			return Deny("deny", "nope")
		}),
	}})

	outcome, err := e.Execute(context.Background(), nil, "slow", "deny")
	require.NoError(t, err)

	select {
	case <-outcome.Done():
	case <-time.After(time.Second):
		t.Fatal("combined outcome waited for the slow policy")
	}
	denied, ok := IsDenied(outcome.Err())
	require.True(t, ok)
	assert.Equal(t, "deny", denied.Policy)

	close(release)
	assert.Eventually(t, finished.Load, time.Second, 5*time.Millisecond, "slow policy keeps running")
}

func TestExecutor_ExecuteManyStartsAllBeforeWaiting(t *testing.T) {
	var started sync.WaitGroup
	started.Add(2)
	gate := make(chan struct{})

	blocking := Predicate(func(context.Context, *Request) error {
		started.Done()
		<-gate
		return nil
	})
	e := NewExecutor(ExecutorOptions{Policies: map[string]Func{"a": blocking, "b": blocking}})

	outcome, err := e.Execute(context.Background(), nil, "a", "b")
	require.NoError(t, err)

	// Both policies must be running at once for this to return.
	started.Wait()
	close(gate)
	require.NoError(t, outcome.Err())
}

func TestExecutor_ExecuteUnknownPolicy(t *testing.T) {
	rec := &recorder{}
	e := NewExecutor(ExecutorOptions{Policies: map[string]Func{"known": rec.policy}})

	outcome, err := e.Execute(context.Background(), nil, "missing")
	assert.Nil(t, outcome)
	require.ErrorIs(t, err, ErrPolicyNotFound)
	assert.Contains(t, err.Error(), "missing")

	var usage *UsageError
	require.ErrorAs(t, err, &usage)
	assert.Equal(t, "missing", usage.Policy)

	outcome, err = e.Execute(context.Background(), nil, "known", "missing")
	assert.Nil(t, outcome)
	require.ErrorIs(t, err, ErrPolicyNotFound)
	assert.Empty(t, rec.calls(), "no policy runs when any name is unknown")
}

func TestExecutor_ExecuteAnyInvalidShape(t *testing.T) {
	e := NewExecutor(ExecutorOptions{})

	for _, selector := range []any{
		map[string]any{"not": "valid"},
		42,
		[]any{"ok", 7},
	} {
		t.Run(fmt.Sprintf("%T", selector), func(t *testing.T) {
			outcome, err := e.ExecuteAny(context.Background(), selector, nil)
			assert.Nil(t, outcome)
			require.ErrorIs(t, err, ErrInvalidPolicies)
			assert.Contains(t, err.Error(), "string or array of strings")
		})
	}
}

func TestExecutor_ExecuteAnyDecodedSelector(t *testing.T) {
	rec := &recorder{}
	e := NewExecutor(ExecutorOptions{Policies: map[string]Func{"a": rec.policy, "b": rec.policy}})

	outcome, err := e.ExecuteAny(context.Background(), []any{"a", "b"}, nil)
	require.NoError(t, err)
	require.NoError(t, outcome.Err())
	assert.Len(t, rec.calls(), 2)
}

func TestExecutor_NilOutcomeRejects(t *testing.T) {
	e := NewExecutor(ExecutorOptions{Policies: map[string]Func{
		"broken": func(context.Context, *Request) *Outcome { return nil },
	}})

	outcome, err := e.Execute(context.Background(), nil, "broken")
	require.NoError(t, err)
	assert.ErrorIs(t, outcome.Err(), ErrNoOutcome)
}

func TestExecutor_CustomRequestFactory(t *testing.T) {
	var gotParams any
	var gotExt map[string]any
	factory := func(params any, extensions map[string]any) *Request {
		gotParams, gotExt = params, extensions
		return NewRequest(params, map[string]any{"lookup": "helper"})
	}

	rec := &recorder{}
	e := NewExecutor(ExecutorOptions{
		Policies:       map[string]Func{"p": rec.policy},
		RequestFactory: factory,
	})

	outcome, err := e.Execute(context.Background(), "data", "p")
	require.NoError(t, err)
	require.NoError(t, outcome.Err())

	assert.Equal(t, "data", gotParams)
	assert.Nil(t, gotExt, "executor attaches no extensions itself")
	helper, ok := rec.calls()[0].Extension("lookup")
	require.True(t, ok)
	assert.Equal(t, "helper", helper)
}

func TestExecutor_MiddlewareOrder(t *testing.T) {
	var trail []string
	var mu sync.Mutex
	note := func(s string) {
		mu.Lock()
		trail = append(trail, s)
		mu.Unlock()
	}
	mw := func(tag string) Middleware {
		return func(name string, next Func) Func {
			return func(ctx context.Context, req *Request) *Outcome {
				note(tag + ":" + name)
				return next(ctx, req)
			}
		}
	}

	e := NewExecutor(ExecutorOptions{
		Policies:   map[string]Func{"p": (&recorder{}).policy},
		Middleware: []Middleware{mw("outer"), mw("inner")},
	})

	outcome, err := e.Execute(context.Background(), nil, "p")
	require.NoError(t, err)
	require.NoError(t, outcome.Err())
	assert.Equal(t, []string{"outer:p", "inner:p"}, trail)
}

func TestExecutor_ConcurrentRegisterAndExecute(t *testing.T) {
	e := NewExecutor(ExecutorOptions{Policies: map[string]Func{"p": (&recorder{}).policy}})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			e.Register(fmt.Sprintf("p%d", i), (&recorder{}).policy)
		}(i)
		go func() {
			defer wg.Done()
			outcome, err := e.Execute(context.Background(), nil, "p")
			if assert.NoError(t, err) {
				assert.NoError(t, outcome.Err())
			}
		}()
	}
	wg.Wait()

	assert.Len(t, e.Names(), 51)
}
