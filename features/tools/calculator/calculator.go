// Package calculator provides the local "calculator" tool. Expressions are
// evaluated with github.com/expr-lang/expr without an environment, so only
// literals, operators and builtins are reachable.
package calculator

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"

	"goa.design/agentloop/runtime/agent/toolerrors"
	"goa.design/agentloop/runtime/toolregistry"
)

// Name is the tool name.
const Name = "calculator"

const maxExpressionLen = 512

// Args are the tool arguments. Expression is accepted as an alias of Expr.
type Args struct {
	Expr       string `json:"expr,omitempty" jsonschema_description:"Arithmetic expression to evaluate, for example 15 * 23"`
	Expression string `json:"expression,omitempty" jsonschema_description:"Alias of expr"`
}

// Register adds the calculator to ts.
func Register(ts *toolregistry.Toolset) error {
	return toolregistry.Register(ts, Name, "Evaluate an arithmetic expression and return the result.", Evaluate)
}

// Evaluate runs the tool.
func Evaluate(_ context.Context, a Args) (string, error) {
	input := strings.TrimSpace(a.Expr)
	if input == "" {
		input = strings.TrimSpace(a.Expression)
	}
	if input == "" {
		return "", toolerrors.New(toolerrors.CodeInvalidArguments, toolerrors.KindPermanent, "expr is required")
	}
	if len(input) > maxExpressionLen {
		return "", toolerrors.Errorf(toolerrors.CodeInvalidArguments, toolerrors.KindPermanent,
			"expression longer than %d characters", maxExpressionLen)
	}
	program, err := expr.Compile(input)
	if err != nil {
		return "", toolerrors.Permanent("cannot parse %q: %v", input, err)
	}
	out, err := expr.Run(program, nil)
	if err != nil {
		return "", toolerrors.Permanent("cannot evaluate %q: %v", input, err)
	}
	return format(out)
}

func format(v any) (string, error) {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n), nil
	case int64:
		return strconv.FormatInt(n, 10), nil
	case float64:
		if math.IsInf(n, 0) || math.IsNaN(n) {
			return "", toolerrors.Permanent("result is not a finite number")
		}
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(n), nil
	default:
		return fmt.Sprint(v), nil
	}
}
