package script

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"go.uber.org/zap"

	"mcproute/internal/domain"
	"mcproute/internal/infra/telemetry"
)

const opValidate = "script.validate"

var denyList = []struct {
	label   string
	pattern *regexp.Regexp
}{
	{"eval(", regexp.MustCompile(`\beval\s*\(`)},
	{"Function(", regexp.MustCompile(`\bFunction\s*\(`)},
	{"__proto__", regexp.MustCompile(`__proto__`)},
	{".constructor(", regexp.MustCompile(`\.constructor\s*\(`)},
	{"require(", regexp.MustCompile(`\brequire\s*\(`)},
	{"import", regexp.MustCompile(`\bimport\b`)},
	{"fetch(", regexp.MustCompile(`\bfetch\s*\(`)},
	{"XMLHttpRequest", regexp.MustCompile(`XMLHttpRequest`)},
	{"WebSocket", regexp.MustCompile(`WebSocket`)},
	{"process.", regexp.MustCompile(`\bprocess\s*\.`)},
	{"globalThis[", regexp.MustCompile(`globalThis\s*\[`)},
}

// forbiddenIdentifiers may not be referenced at all, called or not.
var forbiddenIdentifiers = map[string]struct{}{
	"eval": {}, "Function": {}, "require": {}, "process": {}, "globalThis": {},
	"Reflect": {}, "Proxy": {}, "fetch": {}, "XMLHttpRequest": {}, "WebSocket": {},
}

var builtinFunctions = map[string]struct{}{
	"Array": {}, "Boolean": {}, "Date": {}, "Error": {}, "Map": {}, "Number": {},
	"Object": {}, "Promise": {}, "RangeError": {}, "Set": {}, "String": {}, "TypeError": {},
	"decodeURIComponent": {}, "encodeURIComponent": {}, "isFinite": {}, "isNaN": {},
	"parseFloat": {}, "parseInt": {},
}

var builtinObjects = map[string]struct{}{
	"Array": {}, "Date": {}, "JSON": {}, "Math": {}, "Number": {}, "Object": {},
	"Promise": {}, "String": {}, "console": {},
}

// Validator checks generated workflow code before it may be registered.
type Validator struct {
	logger *zap.Logger
}

var _ domain.ScriptValidator = (*Validator)(nil)

func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{logger: logger.Named("script_validator")}
}

// Validate runs, in order: a syntax parse, the deny-list scan, the workflow structure
// check, the call reference check and a strict-mode compile of the code as it will run. bridges lists the allowed "server::tool" names.
func (v *Validator) Validate(_ context.Context, source string, bridges []string) error {
	if err := validate(source, bridges); err != nil {
		v.logger.Info("workflow code rejected",
			telemetry.EventField(telemetry.EventScriptRejected),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func validate(source string, bridges []string) error {
	if strings.TrimSpace(source) == "" {
		return rejected("workflow code is empty")
	}
	program, err := parser.ParseFile(nil, "workflow.js", source, 0)
	if err != nil {
		return domain.E(domain.CodeCodeValidationFailed, opValidate, fmt.Sprintf("syntax error: %v", err), err)
	}
	for _, deny := range denyList {
		if deny.pattern.MatchString(source) {
			return rejected(fmt.Sprintf("forbidden construct %q", deny.label))
		}
	}
	if !hasWorkflowEntry(program) {
		return rejected("missing entry point: async function workflow(input)")
	}
	if err := checkReferences(program, bridges); err != nil {
		return err
	}
	set, err := newBridgeSet(bridges)
	if err != nil {
		return domain.E(domain.CodeCodeValidationFailed, opValidate, err.Error(), err)
	}
	if _, err := compileWorkflow(source, workflowParams(set)); err != nil {
		return domain.E(domain.CodeCodeValidationFailed, opValidate, fmt.Sprintf("compile error: %v", err), err)
	}
	return nil
}

func rejected(msg string) error {
	return domain.E(domain.CodeCodeValidationFailed, opValidate, msg, nil)
}

func hasWorkflowEntry(program *ast.Program) bool {
	for _, stmt := range program.Body {
		decl, ok := stmt.(*ast.FunctionDeclaration)
		if !ok || decl.Function == nil || decl.Function.Name == nil {
			continue
		}
		fn := decl.Function
		if fn.Name.Name.String() != "workflow" || !fn.Async {
			continue
		}
		if fn.ParameterList != nil && len(fn.ParameterList.List) == 1 && fn.ParameterList.Rest == nil {
			return true
		}
	}
	return false
}

type referenceChecker struct {
	declared map[string]struct{}
	bridges  map[string]struct{}
	allowed  map[string]struct{}
}

func checkReferences(program *ast.Program, bridges []string) error {
	rc := &referenceChecker{
		declared: map[string]struct{}{},
		bridges:  map[string]struct{}{},
		allowed:  map[string]struct{}{},
	}
	for _, qualified := range bridges {
		rc.allowed[qualified] = struct{}{}
		if server, tool, ok := domain.SplitQualified(qualified); ok {
			rc.bridges[BridgeName(server, tool)] = struct{}{}
		}
	}

	inspect(program, rc.collectDeclarations)

	var firstErr error
	inspect(program, func(node ast.Node) {
		if firstErr != nil {
			return
		}
		switch n := node.(type) {
		case *ast.Identifier:
			if _, bad := forbiddenIdentifiers[n.Name.String()]; bad {
				firstErr = rejected(fmt.Sprintf("reference to %q is not allowed", n.Name.String()))
			}
		case *ast.CallExpression:
			firstErr = rc.checkCall(n.Callee, n.ArgumentList)
		case *ast.NewExpression:
			firstErr = rc.checkConstructor(n.Callee)
		}
	})
	return firstErr
}

func (rc *referenceChecker) collectDeclarations(node ast.Node) {
	switch n := node.(type) {
	case *ast.Binding:
		rc.declareTarget(n.Target)
	case *ast.FunctionLiteral:
		if n.Name != nil {
			rc.declared[n.Name.Name.String()] = struct{}{}
		}
	case *ast.ClassLiteral:
		if n.Name != nil {
			rc.declared[n.Name.Name.String()] = struct{}{}
		}
	case *ast.CatchStatement:
		if n.Parameter != nil {
			rc.declareTarget(n.Parameter)
		}
	case *ast.ForDeclaration:
		rc.declareTarget(n.Target)
	}
}

func (rc *referenceChecker) declareTarget(target ast.Node) {
	if target == nil {
		return
	}
	inspect(target, func(node ast.Node) {
		switch n := node.(type) {
		case *ast.Identifier:
			rc.declared[n.Name.String()] = struct{}{}
		case *ast.PropertyShort:
			rc.declared[n.Name.Name.String()] = struct{}{}
		}
	})
}

func (rc *referenceChecker) known(name string) bool {
	if _, ok := rc.declared[name]; ok {
		return true
	}
	_, ok := rc.bridges[name]
	return ok
}

func (rc *referenceChecker) checkCall(callee ast.Expression, args []ast.Expression) error {
	switch c := callee.(type) {
	case *ast.Identifier:
		name := c.Name.String()
		if rc.known(name) {
			return nil
		}
		if _, ok := builtinFunctions[name]; ok {
			return nil
		}
		return rejected(fmt.Sprintf("call to unknown function %q", name))
	case *ast.DotExpression:
		if root, ok := c.Left.(*ast.Identifier); ok && root.Name.String() == "mcp" && !rc.known("mcp") {
			if c.Identifier.Name.String() != "call" {
				return rejected(fmt.Sprintf("mcp.%s is not available", c.Identifier.Name.String()))
			}
			return rc.checkMCPCall(args)
		}
		return rc.checkMemberRoot(c.Left)
	case *ast.BracketExpression:
		return rejected("computed calls are not allowed")
	}
	return nil
}

func (rc *referenceChecker) checkMCPCall(args []ast.Expression) error {
	qualified := ""
	if len(args) > 0 {
		if first, ok := args[0].(*ast.StringLiteral); ok && strings.Contains(first.Value.String(), "::") {
			qualified = first.Value.String()
		} else if len(args) > 1 {
			server, okServer := args[0].(*ast.StringLiteral)
			tool, okTool := args[1].(*ast.StringLiteral)
			if okServer && okTool {
				qualified = domain.QualifyTool(server.Value.String(), tool.Value.String())
			}
		}
	}
	if qualified == "" {
		return rejected("mcp.call requires literal server and tool names")
	}
	if _, ok := rc.allowed[qualified]; !ok {
		return rejected(fmt.Sprintf("mcp.call target %q is not whitelisted", qualified))
	}
	return nil
}

// checkMemberRoot accepts method calls on locals, bridges, builtin objects and on
// values produced by other expressions.
func (rc *referenceChecker) checkMemberRoot(expr ast.Expression) error {
	for {
		switch e := expr.(type) {
		case *ast.DotExpression:
			expr = e.Left
			continue
		case *ast.BracketExpression:
			expr = e.Left
			continue
		case *ast.Identifier:
			name := e.Name.String()
			if rc.known(name) {
				return nil
			}
			if _, ok := builtinObjects[name]; ok {
				return nil
			}
			return rejected(fmt.Sprintf("method call on unknown object %q", name))
		}
		return nil
	}
}

func (rc *referenceChecker) checkConstructor(callee ast.Expression) error {
	ident, ok := callee.(*ast.Identifier)
	if !ok {
		return rejected("dynamic constructor calls are not allowed")
	}
	name := ident.Name.String()
	if rc.known(name) {
		return nil
	}
	if _, ok := builtinFunctions[name]; ok {
		return nil
	}
	return rejected(fmt.Sprintf("construction of unknown type %q", name))
}

var astPackage = reflect.TypeOf(ast.Program{}).PkgPath()

// inspect visits every AST node pointer reachable from root, depth first.
func inspect(root any, fn func(ast.Node)) {
	visit(reflect.ValueOf(root), fn)
}

func visit(v reflect.Value, fn func(ast.Node)) {
	switch v.Kind() {
	case reflect.Interface:
		if !v.IsNil() {
			visit(v.Elem(), fn)
		}
	case reflect.Pointer:
		if v.IsNil() {
			return
		}
		elem := v.Type().Elem()
		if elem.Kind() != reflect.Struct || elem.PkgPath() != astPackage {
			return
		}
		if node, ok := v.Interface().(ast.Node); ok {
			fn(node)
		}
		visit(v.Elem(), fn)
	case reflect.Struct:
		if v.Type().PkgPath() != astPackage {
			return
		}
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				visit(v.Field(i), fn)
			}
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			visit(v.Index(i), fn)
		}
	}
}
