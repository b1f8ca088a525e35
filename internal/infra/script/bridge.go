package script

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"mcproute/internal/domain"
)

// BridgeName is the workflow-visible function name for a backend tool: "<server>_<tool>"
// with every non-identifier character replaced by "_".
func BridgeName(server, tool string) string {
	var b strings.Builder
	for i, r := range server + "_" + tool {
		switch {
		case r == '_' || r == '$' || unicode.IsLetter(r):
			b.WriteRune(r)
		case unicode.IsDigit(r):
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// bridgeSet maps bridge names to qualified tool names, in declaration order.
type bridgeSet struct {
	names     []string
	qualified map[string]string
	allowed   map[string]struct{}
}

func newBridgeSet(bridges []string) (bridgeSet, error) {
	set := bridgeSet{qualified: map[string]string{}, allowed: map[string]struct{}{}}
	for _, q := range bridges {
		server, tool, ok := domain.SplitQualified(q)
		if !ok {
			return bridgeSet{}, fmt.Errorf("invalid bridge %q: want server::tool", q)
		}
		name := BridgeName(server, tool)
		if existing, dup := set.qualified[name]; dup {
			if existing != q {
				return bridgeSet{}, fmt.Errorf("bridges %q and %q share the name %s", existing, q, name)
			}
			continue
		}
		set.names = append(set.names, name)
		set.qualified[name] = q
		set.allowed[q] = struct{}{}
	}
	return set, nil
}

// hostLoop settles bridge promises on the goroutine that owns the interpreter. Bridge
// calls run on their own goroutines and hand their completion back through tasks.
type hostLoop struct {
	ctx     context.Context
	inst    *instance
	caller  domain.ToolCaller
	logger  *zap.Logger
	allowed map[string]struct{}
	tasks   chan func() error
	done    chan struct{}
	pending int
}

func newHostLoop(ctx context.Context, inst *instance, caller domain.ToolCaller, allowed map[string]struct{}, logger *zap.Logger) *hostLoop {
	return &hostLoop{
		ctx:     ctx,
		inst:    inst,
		caller:  caller,
		logger:  logger,
		allowed: allowed,
		tasks:   make(chan func() error, 16),
		done:    make(chan struct{}),
	}
}

func (h *hostLoop) close() {
	close(h.done)
}

func (h *hostLoop) bridge(server, tool string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		return h.invoke(server, tool, call.Argument(0))
	}
}

// mcpObject exposes mcp.call("server::tool", args) and mcp.call(server, tool, args).
func (h *hostLoop) mcpObject() *goja.Object {
	vm := h.inst.vm
	obj := vm.NewObject()
	_ = obj.Set("call", func(call goja.FunctionCall) goja.Value {
		first := call.Argument(0).String()
		if server, tool, ok := domain.SplitQualified(first); ok {
			return h.invokeChecked(server, tool, call.Argument(1))
		}
		return h.invokeChecked(first, call.Argument(1).String(), call.Argument(2))
	})
	return obj
}

func (h *hostLoop) consoleObject() *goja.Object {
	obj := h.inst.vm.NewObject()
	logFn := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			h.logger.Debug("workflow console", zap.String("level", level), zap.String("message", strings.Join(parts, " ")))
			return goja.Undefined()
		}
	}
	for _, level := range []string{"log", "info", "warn", "error"} {
		_ = obj.Set(level, logFn(level))
	}
	return obj
}

func (h *hostLoop) invokeChecked(server, tool string, arg goja.Value) goja.Value {
	if _, ok := h.allowed[domain.QualifyTool(server, tool)]; !ok {
		promise, _, reject := h.inst.vm.NewPromise()
		_ = reject(h.errorValue(fmt.Errorf("tool %s is not available to this workflow", domain.QualifyTool(server, tool))))
		return h.inst.vm.ToValue(promise)
	}
	return h.invoke(server, tool, arg)
}

func (h *hostLoop) invoke(server, tool string, arg goja.Value) goja.Value {
	vm := h.inst.vm
	promise, resolve, reject := vm.NewPromise()

	args, err := exportArguments(arg)
	if err != nil {
		_ = reject(h.errorValue(err))
		return vm.ToValue(promise)
	}

	h.pending++
	go func() {
		result, callErr := h.caller.CallTool(h.ctx, server, tool, args)
		settle := func() error {
			h.pending--
			if callErr != nil {
				return reject(h.errorValue(callErr))
			}
			value, decodeErr := h.decode(result)
			if decodeErr != nil {
				return reject(h.errorValue(decodeErr))
			}
			return resolve(value)
		}
		select {
		case h.tasks <- settle:
		case <-h.done:
		}
	}()
	return vm.ToValue(promise)
}

// wait drives the loop until promise settles, the context ends or nothing can settle it.
func (h *hostLoop) wait(promise *goja.Promise) error {
	for promise.State() == goja.PromiseStatePending {
		if h.pending == 0 {
			return fmt.Errorf("workflow promise can never settle: no backend calls are in flight")
		}
		select {
		case settle := <-h.tasks:
			if err := settle(); err != nil {
				return err
			}
		case <-h.ctx.Done():
			return h.ctx.Err()
		}
	}
	return nil
}

func (h *hostLoop) decode(raw json.RawMessage) (goja.Value, error) {
	if len(raw) == 0 {
		return goja.Null(), nil
	}
	return h.inst.jsonParse(goja.Undefined(), h.inst.vm.ToValue(string(raw)))
}

func (h *hostLoop) errorValue(err error) *goja.Object {
	obj := h.inst.vm.NewGoError(err)
	if code, ok := domain.CodeFrom(err); ok {
		_ = obj.Set("code", string(code))
	}
	return obj
}

func exportArguments(arg goja.Value) (json.RawMessage, error) {
	if arg == nil || goja.IsUndefined(arg) || goja.IsNull(arg) {
		return nil, nil
	}
	data, err := json.Marshal(arg.Export())
	if err != nil {
		return nil, fmt.Errorf("encode bridge arguments: %w", err)
	}
	return data, nil
}
