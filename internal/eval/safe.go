// Package eval executes user-supplied check and alert expressions in a
// restricted environment. Expressions are compiled against a closed
// vocabulary: unknown names fail at compile time, dunder access and
// dynamic-code constructs are rejected before any user code runs.
package eval

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// bannedCallables are names that would amount to dynamic code execution
// and are rejected regardless of the environment contents.
var bannedCallables = map[string]struct{}{
	"eval":    {},
	"exec":    {},
	"compile": {},
}

// safetyVisitor walks a parsed expression and records the first violation.
type safetyVisitor struct {
	violation error
}

func (v *safetyVisitor) Visit(node *ast.Node) {
	if v.violation != nil {
		return
	}
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		if strings.Contains(n.Value, "__") {
			v.violation = NewCheckError("access to %q is not allowed", n.Value)
		} else if _, banned := bannedCallables[n.Value]; banned {
			v.violation = NewCheckError("dynamic code construct %q is not allowed", n.Value)
		}
	case *ast.MemberNode:
		if prop, ok := n.Property.(*ast.StringNode); ok && strings.Contains(prop.Value, "__") {
			v.violation = NewCheckError("access to attribute %q is not allowed", prop.Value)
		}
	}
}

// Compile parses and compiles a user expression against the given
// environment. The expression is rejected with a CheckError if it contains
// a dunder name, a dynamic-code construct, or any name absent from env.
func Compile(source string, env map[string]interface{}) (*vm.Program, error) {
	tree, err := parser.Parse(source)
	if err != nil {
		return nil, NewCheckError("syntax error in expression: %v", err)
	}

	visitor := &safetyVisitor{}
	ast.Walk(&tree.Node, visitor)
	if visitor.violation != nil {
		return nil, visitor.violation
	}

	program, err := expr.Compile(source, expr.Env(env))
	if err != nil {
		return nil, NewCheckError("invalid expression: %v", err)
	}
	return program, nil
}

// Run evaluates a compiled program. Runtime panics inside capability code
// surface as errors rather than crashing the worker.
func Run(program *vm.Program, env map[string]interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("expression evaluation panicked: %v", r)
		}
	}()
	return expr.Run(program, env)
}

// Evaluate compiles and runs an expression in one step.
func Evaluate(source string, env map[string]interface{}) (interface{}, error) {
	program, err := Compile(source, env)
	if err != nil {
		return nil, err
	}
	return Run(program, env)
}
