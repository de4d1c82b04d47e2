package paramcatalog

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// allowedIdents is the fixed intrinsic/identifier allow-list: anything else
// rejects the expression.
var allowedIdents = map[string]bool{
	"value":       true,
	"abs":         true,
	"min":         true,
	"max":         true,
	"round":       true,
	"pow":         true,
	"getlogparam": true,
}

var (
	reGetLogParam = regexp.MustCompile(`(?i)GetLogParam`)
	reWordAnd     = regexp.MustCompile(`\band\b`)
	reWordOr      = regexp.MustCompile(`\bor\b`)
	reWordNot     = regexp.MustCompile(`\bnot\b`)
)

// normalizeExpr applies the fixed textual rewrites before parsing:
// [value] -> value, GetLogParam -> getlogparam, spelled-out boolean
// keywords rewritten to Go's operator spellings, and a ternary `?` rejects
// the expression outright (the caller falls back to a raw decoder).
func normalizeExpr(expr string) (string, bool) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return "", false
	}
	e = strings.ReplaceAll(e, "[value]", "value")
	e = reGetLogParam.ReplaceAllString(e, "getlogparam")
	if strings.Contains(e, "?") {
		return "", false
	}
	e = reWordAnd.ReplaceAllString(e, "&&")
	e = reWordOr.ReplaceAllString(e, "||")
	e = reWordNot.ReplaceAllString(e, "!")
	return e, true
}

// CompiledExpr is a sandboxed arithmetic/boolean expression tree. The AST,
// not the source text, is the compiled form: Eval walks it directly.
type CompiledExpr struct {
	node ast.Expr
}

// CompileExpr normalizes and parses expr, rejecting anything outside the
// fixed node/identifier allow-list described in the parameter engine's
// expression sandbox. ok is false for an empty, ternary, or otherwise
// disallowed expression; the caller should fall back to a raw decoder.
func CompileExpr(expr string) (c *CompiledExpr, ok bool) {
	normalized, ok := normalizeExpr(expr)
	if !ok {
		return nil, false
	}
	node, err := parser.ParseExpr(normalized)
	if err != nil {
		return nil, false
	}
	if !validateExprNode(node) {
		return nil, false
	}
	return &CompiledExpr{node: node}, true
}

func validateExprNode(n ast.Node) bool {
	valid := true
	ast.Inspect(n, func(node ast.Node) bool {
		if !valid {
			return false
		}
		switch x := node.(type) {
		case nil, *ast.ParenExpr:
		case *ast.BasicLit:
			switch x.Kind {
			case token.INT, token.FLOAT, token.STRING:
			default:
				valid = false
			}
		case *ast.Ident:
			if !allowedIdents[x.Name] {
				valid = false
			}
		case *ast.UnaryExpr:
			switch x.Op {
			case token.SUB, token.ADD, token.NOT:
			default:
				valid = false
			}
		case *ast.BinaryExpr:
			switch x.Op {
			case token.ADD, token.SUB, token.MUL, token.QUO, token.REM,
				token.LSS, token.LEQ, token.GTR, token.GEQ, token.EQL, token.NEQ,
				token.LAND, token.LOR:
			default:
				valid = false
			}
		case *ast.CallExpr:
			ident, ok := x.Fun.(*ast.Ident)
			if !ok || !allowedIdents[ident.Name] {
				valid = false
			}
		default:
			// Anything else — attribute/selector access, index/subscript
			// expressions, function literals, composite literals — is
			// outside the sandbox.
			valid = false
		}
		return valid
	})
	return valid
}

// Eval evaluates the compiled expression against a raw (pre-scaled) value
// and a table of previously-resolved sibling parameters keyed by their
// original parameter id.
func (c *CompiledExpr) Eval(rawValue float64, resolvedByName map[string]float64) (float64, error) {
	return evalExprNode(c.node, rawValue, resolvedByName)
}

func evalExprNode(n ast.Expr, rawValue float64, resolved map[string]float64) (float64, error) {
	switch x := n.(type) {
	case *ast.ParenExpr:
		return evalExprNode(x.X, rawValue, resolved)

	case *ast.BasicLit:
		if x.Kind != token.INT && x.Kind != token.FLOAT {
			return 0, fmt.Errorf("paramcatalog: string literal outside getlogparam()")
		}
		return strconv.ParseFloat(x.Value, 64)

	case *ast.Ident:
		if x.Name == "value" {
			return rawValue, nil
		}
		return 0, fmt.Errorf("paramcatalog: unbound identifier %q", x.Name)

	case *ast.UnaryExpr:
		v, err := evalExprNode(x.X, rawValue, resolved)
		if err != nil {
			return 0, err
		}
		switch x.Op {
		case token.SUB:
			return -v, nil
		case token.ADD:
			return v, nil
		case token.NOT:
			return boolToFloat(v == 0), nil
		}

	case *ast.BinaryExpr:
		l, err := evalExprNode(x.X, rawValue, resolved)
		if err != nil {
			return 0, err
		}
		r, err := evalExprNode(x.Y, rawValue, resolved)
		if err != nil {
			return 0, err
		}
		switch x.Op {
		case token.ADD:
			return l + r, nil
		case token.SUB:
			return l - r, nil
		case token.MUL:
			return l * r, nil
		case token.QUO:
			if r == 0 {
				return 0, fmt.Errorf("paramcatalog: division by zero")
			}
			return l / r, nil
		case token.REM:
			return math.Mod(l, r), nil
		case token.LSS:
			return boolToFloat(l < r), nil
		case token.LEQ:
			return boolToFloat(l <= r), nil
		case token.GTR:
			return boolToFloat(l > r), nil
		case token.GEQ:
			return boolToFloat(l >= r), nil
		case token.EQL:
			return boolToFloat(l == r), nil
		case token.NEQ:
			return boolToFloat(l != r), nil
		case token.LAND:
			return boolToFloat(l != 0 && r != 0), nil
		case token.LOR:
			return boolToFloat(l != 0 || r != 0), nil
		}

	case *ast.CallExpr:
		return evalCall(x, rawValue, resolved)
	}
	return 0, fmt.Errorf("paramcatalog: unsupported expression node %T", n)
}

func evalCall(call *ast.CallExpr, rawValue float64, resolved map[string]float64) (float64, error) {
	ident := call.Fun.(*ast.Ident)

	if ident.Name == "getlogparam" {
		if len(call.Args) != 1 {
			return 0, fmt.Errorf("paramcatalog: getlogparam() takes exactly one argument")
		}
		lit, ok := call.Args[0].(*ast.BasicLit)
		if !ok || lit.Kind != token.STRING {
			return 0, fmt.Errorf("paramcatalog: getlogparam() requires a string literal")
		}
		name, err := strconv.Unquote(lit.Value)
		if err != nil {
			return 0, err
		}
		if v, ok := resolved[name]; ok {
			return v, nil
		}
		return 0.0, nil
	}

	args := make([]float64, len(call.Args))
	for i, a := range call.Args {
		v, err := evalExprNode(a, rawValue, resolved)
		if err != nil {
			return 0, err
		}
		args[i] = v
	}

	switch ident.Name {
	case "abs":
		if len(args) != 1 {
			return 0, fmt.Errorf("paramcatalog: abs() takes exactly one argument")
		}
		return math.Abs(args[0]), nil
	case "round":
		if len(args) != 1 {
			return 0, fmt.Errorf("paramcatalog: round() takes exactly one argument")
		}
		return math.Round(args[0]), nil
	case "pow":
		if len(args) != 2 {
			return 0, fmt.Errorf("paramcatalog: pow() takes exactly two arguments")
		}
		return math.Pow(args[0], args[1]), nil
	case "min":
		if len(args) != 2 {
			return 0, fmt.Errorf("paramcatalog: min() takes exactly two arguments")
		}
		if args[0] < args[1] {
			return args[0], nil
		}
		return args[1], nil
	case "max":
		if len(args) != 2 {
			return 0, fmt.Errorf("paramcatalog: max() takes exactly two arguments")
		}
		if args[0] > args[1] {
			return args[0], nil
		}
		return args[1], nil
	}
	return 0, fmt.Errorf("paramcatalog: unsupported call %q", ident.Name)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
