// Package rego builds policy functions from Rego modules evaluated by an
// embedded Open Policy Agent.
//
// Each named policy points at one entrypoint (rule path) in the loaded
// modules. The entrypoint may evaluate to a boolean or to an object carrying
// an "allow" boolean and an optional "reason" string.
package rego

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	opa "github.com/open-policy-agent/opa/rego"

	"github.com/polisai/polis-authz/pkg/policy"
)

// EngineOptions control engine construction.
type EngineOptions struct {
	// Modules maps a module file name to its Rego source.
	Modules map[string]string
}

// Definition binds a policy name to a Rego entrypoint such as "authz/allow".
type Definition struct {
	Name       string
	Entrypoint string
}

// Engine compiles Rego modules once and hands out policy functions bound to
// entrypoints within them.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	queries       map[string]*opa.PreparedEvalQuery
	mu            sync.RWMutex
}

// NewEngine parses the supplied modules. At least one module is required.
func NewEngine(_ context.Context, opts EngineOptions) (*Engine, error) {
	if len(opts.Modules) == 0 {
		return nil, errors.New("rego engine requires at least one module")
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(moduleOrder))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	return &Engine{
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		queries:       make(map[string]*opa.PreparedEvalQuery),
	}, nil
}

// Policy returns a policy function named name that evaluates entrypoint.
// The query is compiled eagerly so syntax and reference errors surface here.
func (e *Engine) Policy(ctx context.Context, name, entrypoint string) (policy.Func, error) {
	entry := strings.Trim(strings.TrimSpace(entrypoint), "/")
	if entry == "" {
		return nil, fmt.Errorf("policy %q: rego entrypoint is required", name)
	}

	prepared, err := e.preparedQuery(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("policy %q: compile %q: %w", name, entry, err)
	}

	return func(ctx context.Context, req *policy.Request) *policy.Outcome {
		return policy.Go(func() (any, error) {
			return nil, evaluate(ctx, prepared, name, req)
		})
	}, nil
}

// Policies builds one policy function per definition, ready for
// Executor.RegisterAll.
func (e *Engine) Policies(ctx context.Context, defs []Definition) (map[string]policy.Func, error) {
	out := make(map[string]policy.Func, len(defs))
	for _, def := range defs {
		fn, err := e.Policy(ctx, def.Name, def.Entrypoint)
		if err != nil {
			return nil, err
		}
		out[def.Name] = fn
	}
	return out, nil
}

func (e *Engine) preparedQuery(ctx context.Context, entry string) (*opa.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	opts := make([]func(*opa.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, opa.Query(query))
	for _, name := range e.moduleOrder {
		opts = append(opts, opa.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := opa.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have already prepared the query; respect first entry.
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &prepared
	return &prepared, nil
}

func evaluate(ctx context.Context, prepared *opa.PreparedEvalQuery, name string, req *policy.Request) error {
	input := map[string]any{
		"policy":     name,
		"params":     req.Params(),
		"extensions": dataExtensions(req.Extensions()),
	}

	results, err := prepared.Eval(ctx, opa.EvalInput(input))
	if err != nil {
		return fmt.Errorf("policy %q: rego evaluation: %w", name, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return policy.Deny(name, "undefined decision")
	}

	return decide(name, results[0].Expressions[0].Value)
}

// decide maps an entrypoint value onto allow (nil) or a rejection.
func decide(name string, value any) error {
	switch typed := value.(type) {
	case bool:
		if typed {
			return nil
		}
		return policy.Deny(name, "denied")
	case map[string]any:
		allow, ok := typed["allow"].(bool)
		if !ok {
			return fmt.Errorf("policy %q: decision object requires a boolean \"allow\", got %T", name, typed["allow"])
		}
		if allow {
			return nil
		}
		reason, _ := typed["reason"].(string)
		if reason == "" {
			reason = "denied"
		}
		return policy.Deny(name, reason)
	default:
		return fmt.Errorf("policy %q: unexpected decision type %T", name, value)
	}
}

// dataExtensions drops extension fields that cannot be represented as Rego
// input, such as helper functions and channels.
func dataExtensions(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		if value == nil {
			out[key] = nil
			continue
		}
		switch reflect.TypeOf(value).Kind() {
		case reflect.Func, reflect.Chan, reflect.UnsafePointer:
			continue
		}
		out[key] = value
	}
	return out
}
