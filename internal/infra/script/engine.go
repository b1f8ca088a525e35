package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"mcproute/internal/domain"
	"mcproute/internal/infra/hashutil"
	"mcproute/internal/infra/telemetry"
)

const (
	opExecute          = "script.execute"
	maxCompiledScripts = 256
	dryRunTimeout      = 10 * time.Second
)

type Options struct {
	Config  domain.ScriptConfig
	Caller  domain.ToolCaller
	Metrics domain.Metrics
	Logger  *zap.Logger
}

// Engine runs validated workflow code on pooled interpreters. Backend calls reach the
// pool only through bridge functions.
type Engine struct {
	cfg     domain.ScriptConfig
	caller  domain.ToolCaller
	metrics domain.Metrics
	logger  *zap.Logger
	pool    *vmPool
	workers chan struct{}

	mu       sync.Mutex
	compiled map[string]*goja.Program
}

var _ domain.ScriptExecutor = (*Engine)(nil)

func NewEngine(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = domain.NoopMetrics{}
	}
	cfg := normalizeConfig(opts.Config)
	logger = logger.Named("script")
	engine := &Engine{
		cfg:      cfg,
		caller:   opts.Caller,
		metrics:  metrics,
		logger:   logger,
		pool:     newVMPool(cfg.PoolMin, cfg.PoolMax, logger),
		workers:  make(chan struct{}, cfg.Workers),
		compiled: map[string]*goja.Program{},
	}
	if err := engine.pool.warm(); err != nil {
		return nil, err
	}
	return engine, nil
}

func normalizeConfig(cfg domain.ScriptConfig) domain.ScriptConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = domain.DefaultScriptTimeout
	}
	if cfg.PoolMax <= 0 {
		cfg.PoolMax = domain.DefaultScriptPoolMax
	}
	if cfg.PoolMin < 0 {
		cfg.PoolMin = 0
	}
	if cfg.PoolMin == 0 && cfg.PoolMax >= domain.DefaultScriptPoolMin {
		cfg.PoolMin = domain.DefaultScriptPoolMin
	}
	if cfg.Workers <= 0 {
		cfg.Workers = domain.DefaultScriptWorkers
	}
	return cfg
}

// DryRunEnabled reports whether workflows are rehearsed against mock bridges before registration.
func (e *Engine) DryRunEnabled() bool {
	return e.cfg.DryRun
}

// Execute runs tool.Source's workflow(input) and returns its settled value as JSON.
func (e *Engine) Execute(ctx context.Context, tool domain.ScriptTool, input json.RawMessage) (json.RawMessage, error) {
	started := time.Now()
	out, err := e.execute(ctx, tool, input, e.caller, e.cfg.Timeout)
	e.metrics.ObserveScriptRun(time.Since(started), err)
	if err != nil {
		telemetry.LoggerFor(ctx, e.logger).Warn("workflow run failed",
			telemetry.ToolField(tool.Tool.Name),
			telemetry.DurationField(time.Since(started)),
			zap.Error(err),
		)
	}
	return out, err
}

// DryRun runs the workflow once with every bridge answering {}. Any failure is a
// validation failure.
func (e *Engine) DryRun(ctx context.Context, tool domain.ScriptTool) error {
	timeout := e.cfg.Timeout
	if timeout > dryRunTimeout {
		timeout = dryRunTimeout
	}
	if _, err := e.execute(ctx, tool, json.RawMessage(`{}`), mockCaller{}, timeout); err != nil {
		return domain.E(domain.CodeCodeValidationFailed, "script.dry_run", fmt.Sprintf("dry run failed: %v", err), err)
	}
	return nil
}

func (e *Engine) execute(ctx context.Context, tool domain.ScriptTool, input json.RawMessage, caller domain.ToolCaller, timeout time.Duration) (json.RawMessage, error) {
	if caller == nil {
		return nil, domain.E(domain.CodeExecutionError, opExecute, "no tool caller configured", nil)
	}
	input, err := normalizeInput(input)
	if err != nil {
		return nil, err
	}
	bridges, err := newBridgeSet(tool.Bridges)
	if err != nil {
		return nil, domain.E(domain.CodeExecutionError, opExecute, err.Error(), err)
	}
	program, err := e.compile(tool.Source, bridges)
	if err != nil {
		return nil, domain.E(domain.CodeExecutionError, opExecute, fmt.Sprintf("compile workflow: %v", err), err)
	}

	select {
	case e.workers <- struct{}{}:
	case <-ctx.Done():
		return nil, domain.E(domain.CodeExecutionTimeout, opExecute, "waiting for a script worker", ctx.Err())
	}
	defer func() { <-e.workers }()

	inst, err := e.pool.acquire(ctx)
	if err != nil {
		return nil, domain.E(domain.CodeExecutionTimeout, opExecute, "waiting for an interpreter", err)
	}

	type outcome struct {
		value       json.RawMessage
		err         error
		interrupted bool
	}
	result := make(chan outcome, 1)
	go func() {
		value, interrupted, runErr := e.run(ctx, inst, program, bridges, input, caller, timeout, tool.Tool.Name)
		result <- outcome{value: value, err: runErr, interrupted: interrupted}
	}()
	out := <-result

	if out.interrupted {
		e.pool.discard(inst)
	} else {
		e.pool.release(inst)
	}
	return out.value, out.err
}

// run executes on the goroutine that owns inst until the workflow promise settles.
func (e *Engine) run(ctx context.Context, inst *instance, program *goja.Program, bridges bridgeSet, input json.RawMessage, caller domain.ToolCaller, timeout time.Duration, toolName string) (json.RawMessage, bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	vm := inst.vm
	stopInterrupt := context.AfterFunc(runCtx, func() {
		vm.Interrupt(runCtx.Err())
	})

	loop := newHostLoop(runCtx, inst, caller, bridges.allowed, e.logger.With(telemetry.ToolField(toolName)))
	defer loop.close()

	value, err := e.invokeWorkflow(loop, program, bridges, input)
	interrupted := !stopInterrupt()
	if err == nil {
		return value, interrupted, nil
	}

	var interrupt *goja.InterruptedError
	if errors.As(err, &interrupt) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		interrupted = true
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			e.logger.Warn("workflow interrupted",
				telemetry.EventField(telemetry.EventScriptTimeout),
				telemetry.ToolField(toolName),
				zap.Duration("timeout", timeout),
			)
			return nil, true, domain.E(domain.CodeExecutionTimeout, opExecute, fmt.Sprintf("workflow exceeded %s", timeout), context.DeadlineExceeded)
		}
		return nil, true, domain.E(domain.CodeExecutionError, opExecute, "workflow cancelled", runCtx.Err())
	}
	return nil, interrupted, err
}

func (e *Engine) invokeWorkflow(loop *hostLoop, program *goja.Program, bridges bridgeSet, input json.RawMessage) (json.RawMessage, error) {
	vm := loop.inst.vm
	wrapperValue, err := vm.RunProgram(program)
	if err != nil {
		return nil, scriptError(err)
	}
	wrapper, ok := goja.AssertFunction(wrapperValue)
	if !ok {
		return nil, domain.E(domain.CodeExecutionError, opExecute, "workflow wrapper is not callable", nil)
	}

	args := make([]goja.Value, 0, len(bridges.names)+2)
	args = append(args, loop.mcpObject(), loop.consoleObject())
	for _, name := range bridges.names {
		server, tool, _ := domain.SplitQualified(bridges.qualified[name])
		args = append(args, vm.ToValue(loop.bridge(server, tool)))
	}
	workflowValue, err := wrapper(goja.Undefined(), args...)
	if err != nil {
		return nil, scriptError(err)
	}
	workflow, ok := goja.AssertFunction(workflowValue)
	if !ok {
		return nil, domain.E(domain.CodeExecutionError, opExecute, "workflow is not a function", nil)
	}

	inputValue, err := loop.inst.jsonParse(goja.Undefined(), vm.ToValue(string(input)))
	if err != nil {
		return nil, scriptError(err)
	}
	returned, err := workflow(goja.Undefined(), inputValue)
	if err != nil {
		return nil, scriptError(err)
	}

	settled := returned
	if promise, isPromise := returned.Export().(*goja.Promise); isPromise {
		if err := loop.wait(promise); err != nil {
			return nil, scriptError(err)
		}
		if promise.State() == goja.PromiseStateRejected {
			return nil, domain.E(domain.CodeExecutionError, opExecute, rejectionMessage(promise.Result()), nil)
		}
		settled = promise.Result()
	}
	return exportResult(settled)
}

// compile wraps source so its declarations live in a function scope and bridges arrive
// as parameters. Programs are cached by source and bridge set.
func (e *Engine) compile(source string, bridges bridgeSet) (*goja.Program, error) {
	params := workflowParams(bridges)
	key, err := hashutil.HashJSON(struct {
		Source string
		Params []string
	}{source, params})
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	program, ok := e.compiled[key]
	e.mu.Unlock()
	if ok {
		return program, nil
	}

	program, err = compileWorkflow(source, params)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.compiled) >= maxCompiledScripts {
		e.compiled = map[string]*goja.Program{}
	}
	e.compiled[key] = program
	e.mu.Unlock()
	return program, nil
}

// compileWorkflow compiles source the way it runs: in strict mode, inside a function whose
// parameters are params and which returns the workflow entry point.
func compileWorkflow(source string, params []string) (*goja.Program, error) {
	wrapped := "(function (" + strings.Join(params, ", ") + ") {\n\"use strict\";\n" + source + "\n;return workflow;\n})"
	return goja.Compile("workflow.js", wrapped, true)
}

func workflowParams(bridges bridgeSet) []string {
	return append([]string{"mcp", "console"}, bridges.names...)
}

// Stats reports idle and total interpreters.
func (e *Engine) Stats() (idle, total int) {
	return e.pool.stats()
}

func (e *Engine) Close() {
	e.pool.close()
}

func normalizeInput(input json.RawMessage) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(string(input))
	if trimmed == "" || trimmed == "null" {
		return json.RawMessage(`{}`), nil
	}
	if !strings.HasPrefix(trimmed, "{") || !json.Valid([]byte(trimmed)) {
		return nil, domain.E(domain.CodeMalformedRequest, opExecute, "workflow input must be a JSON object", domain.ErrMalformedRequest)
	}
	return json.RawMessage(trimmed), nil
}

func scriptError(err error) error {
	var interrupt *goja.InterruptedError
	if errors.As(err, &interrupt) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return domain.E(domain.CodeExecutionError, opExecute, rejectionMessage(exception.Value()), err)
	}
	return domain.E(domain.CodeExecutionError, opExecute, "", err)
}

// rejectionMessage prefers an Error's message over its "Name: message" rendering.
func rejectionMessage(reason goja.Value) string {
	if reason == nil || goja.IsUndefined(reason) {
		return "workflow rejected"
	}
	if obj, ok := reason.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	return reason.String()
}

func exportResult(value goja.Value) (json.RawMessage, error) {
	if value == nil || goja.IsUndefined(value) {
		return json.RawMessage("null"), nil
	}
	data, err := json.Marshal(value.Export())
	if err != nil {
		return nil, domain.E(domain.CodeExecutionError, opExecute, fmt.Sprintf("encode workflow result: %v", err), err)
	}
	return data, nil
}

// mockCaller answers every bridge with an empty object.
type mockCaller struct{}

func (mockCaller) CallTool(context.Context, string, string, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}
