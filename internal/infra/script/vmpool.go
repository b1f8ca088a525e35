package script

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// hardenScript neutralizes function constructors reachable through prototypes, then
// deep-freezes everything reachable from the global object: every intrinsic, its
// prototype chain, accessors, and the iterator and generator prototypes that only
// surface through instances. Extra arguments are host-made samples, such as a Go error,
// whose prototypes are not reachable from the global object.
const hardenScript = `(function (global) {
	"use strict";
	var hostSamples = Array.prototype.slice.call(arguments, 1);
	var fns = [function () {}, async function () {}, function* () {}];
	for (var i = 0; i < fns.length; i++) {
		Object.defineProperty(Object.getPrototypeOf(fns[i]), "constructor", {
			value: undefined, writable: false, configurable: false
		});
	}

	var seen = new WeakSet();
	var pending = [];
	seen.add(global);
	function visit(value) {
		if (value === null || (typeof value !== "object" && typeof value !== "function") || seen.has(value)) {
			return;
		}
		seen.add(value);
		pending.push(value);
	}

	var roots = [global, fns].concat(hostSamples);
	var samples = [
		function () { return [][Symbol.iterator](); },
		function () { return new Map()[Symbol.iterator](); },
		function () { return new Set()[Symbol.iterator](); },
		function () { return ""[Symbol.iterator](); },
		function () { return /x/[Symbol.matchAll](""); },
		function () { return (function* () {})(); },
		function () { return new Int8Array(0)[Symbol.iterator](); }
	];
	for (var s = 0; s < samples.length; s++) {
		try {
			roots.push(samples[s]());
		} catch (e) {}
	}
	for (var r = 0; r < roots.length; r++) {
		if (roots[r] === global) {
			var names = Object.getOwnPropertyNames(global);
			for (var n = 0; n < names.length; n++) {
				var d = Object.getOwnPropertyDescriptor(global, names[n]);
				visit(d.value);
				visit(d.get);
				visit(d.set);
			}
			visit(Object.getPrototypeOf(global));
			continue;
		}
		visit(roots[r]);
	}

	while (pending.length > 0) {
		var value = pending.pop();
		var keys = Object.getOwnPropertyNames(value).concat(Object.getOwnPropertySymbols(value));
		for (var k = 0; k < keys.length; k++) {
			var desc = Object.getOwnPropertyDescriptor(value, keys[k]);
			if (desc === undefined) {
				continue;
			}
			visit(desc.value);
			visit(desc.get);
			visit(desc.set);
		}
		visit(Object.getPrototypeOf(value));
		Object.freeze(value);
	}
})`

// lockScript freezes the global object itself once the removed globals are gone, so a
// run can neither replace an intrinsic binding nor add a global for the next run.
const lockScript = `(function (global) {
	"use strict";
	Object.freeze(global);
})`

var (
	hardenProgram = goja.MustCompile("harden.js", hardenScript, true)
	lockProgram   = goja.MustCompile("lock.js", lockScript, true)
)

var removedGlobals = []string{
	"eval", "Function", "require", "fetch", "XMLHttpRequest", "WebSocket",
	"process", "Proxy", "Reflect", "globalThis",
}

// instance is one hardened interpreter. It is owned by a single run at a time.
type instance struct {
	vm        *goja.Runtime
	jsonParse goja.Callable
	runs      int
}

func newInstance() (*instance, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(2048)
	if err := applyToGlobal(vm, hardenProgram, vm.NewGoError(errors.New("sample"))); err != nil {
		return nil, fmt.Errorf("harden interpreter: %w", err)
	}
	parse, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	if !ok {
		return nil, fmt.Errorf("harden interpreter: JSON.parse unavailable")
	}
	global := vm.GlobalObject()
	for _, name := range removedGlobals {
		if err := global.Delete(name); err != nil {
			return nil, fmt.Errorf("remove global %s: %w", name, err)
		}
	}
	if err := applyToGlobal(vm, lockProgram); err != nil {
		return nil, fmt.Errorf("lock globals: %w", err)
	}
	return &instance{vm: vm, jsonParse: parse}, nil
}

// applyToGlobal runs a compiled function expression with the global object as its first argument.
func applyToGlobal(vm *goja.Runtime, program *goja.Program, extra ...goja.Value) error {
	value, err := vm.RunProgram(program)
	if err != nil {
		return err
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return errors.New("program does not evaluate to a function")
	}
	args := append([]goja.Value{vm.GlobalObject()}, extra...)
	_, err = fn(goja.Undefined(), args...)
	return err
}

// vmPool keeps warm interpreters. size counts idle and leased instances.
type vmPool struct {
	min, max int
	idle     chan *instance
	logger   *zap.Logger

	mu     sync.Mutex
	size   int
	closed bool
}

func newVMPool(min, max int, logger *zap.Logger) *vmPool {
	if max < 1 {
		max = 1
	}
	if min > max {
		min = max
	}
	return &vmPool{min: min, max: max, idle: make(chan *instance, max), logger: logger}
}

func (p *vmPool) warm() error {
	for i := 0; i < p.min; i++ {
		p.mu.Lock()
		if p.size >= p.min {
			p.mu.Unlock()
			return nil
		}
		p.size++
		p.mu.Unlock()

		inst, err := newInstance()
		if err != nil {
			p.shrink()
			return err
		}
		p.idle <- inst
	}
	return nil
}

func (p *vmPool) acquire(ctx context.Context) (*instance, error) {
	select {
	case inst := <-p.idle:
		return inst, nil
	default:
	}

	p.mu.Lock()
	if p.size < p.max {
		p.size++
		p.mu.Unlock()
		inst, err := newInstance()
		if err != nil {
			p.shrink()
			return nil, err
		}
		return inst, nil
	}
	p.mu.Unlock()

	select {
	case inst := <-p.idle:
		return inst, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *vmPool) release(inst *instance) {
	inst.runs++
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.shrink()
		return
	}
	p.idle <- inst
}

// discard drops an instance that may still carry an interrupt and starts a replacement.
func (p *vmPool) discard(inst *instance) {
	inst.vm = nil
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		p.shrink()
		return
	}
	go func() {
		replacement, err := newInstance()
		if err != nil {
			p.logger.Warn("interpreter replacement failed", zap.Error(err))
			p.shrink()
			return
		}
		p.idle <- replacement
	}()
}

func (p *vmPool) shrink() {
	p.mu.Lock()
	p.size--
	p.mu.Unlock()
}

func (p *vmPool) stats() (idle, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), p.size
}

func (p *vmPool) close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	for {
		select {
		case <-p.idle:
			p.shrink()
		default:
			return
		}
	}
}
