// Stage source text is parsed with hclsyntax and translated into the tree
// vocabulary. Only a deliberately small expression subset is accepted:
// literals, the parameter x, arithmetic/comparison/logic operators,
// parentheses, and function calls by name. Anything else is a translation
// error, which the inliner treats as "not fusible", never as a failure.

package expr

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
)

// binaryOps maps hclsyntax operations to their canonical operator symbols.
var binaryOps = map[*hclsyntax.Operation]string{
	hclsyntax.OpAdd:                "+",
	hclsyntax.OpSubtract:           "-",
	hclsyntax.OpMultiply:           "*",
	hclsyntax.OpDivide:             "/",
	hclsyntax.OpModulo:             "%",
	hclsyntax.OpEqual:              "==",
	hclsyntax.OpNotEqual:           "!=",
	hclsyntax.OpGreaterThan:        ">",
	hclsyntax.OpGreaterThanOrEqual: ">=",
	hclsyntax.OpLessThan:           "<",
	hclsyntax.OpLessThanOrEqual:    "<=",
	hclsyntax.OpLogicalAnd:         "&&",
	hclsyntax.OpLogicalOr:          "||",
}

var unaryOps = map[*hclsyntax.Operation]string{
	hclsyntax.OpNegate:     "-",
	hclsyntax.OpLogicalNot: "!",
}

// Parse translates stage source text into an expression tree. The result
// references the stage's own parameter through Param nodes.
func Parse(src string) (Node, error) {
	e, diags := hclsyntax.ParseExpression([]byte(src), "stage.hcl", hcl.Pos{Line: 1, Column: 1, Byte: 0})
	if diags.HasErrors() {
		return nil, fmt.Errorf("parse stage source %q: %w", src, diags)
	}
	return translate(e)
}

func translate(e hclsyntax.Expression) (Node, error) {
	switch v := e.(type) {
	case *hclsyntax.LiteralValueExpr:
		return Const{Val: v.Val}, nil

	case *hclsyntax.ScopeTraversalExpr:
		if len(v.Traversal) != 1 {
			return nil, fmt.Errorf("attribute traversals are not part of the stage vocabulary")
		}
		name := v.Traversal.RootName()
		if name != ParamName {
			return nil, fmt.Errorf("unknown identifier %q: stage expressions may only reference %q", name, ParamName)
		}
		return Param{}, nil

	case *hclsyntax.FunctionCallExpr:
		args := make([]Node, len(v.Args))
		for i, a := range v.Args {
			n, err := translate(a)
			if err != nil {
				return nil, err
			}
			args[i] = n
		}
		return Call{Func: Ref{Name: v.Name}, Args: args}, nil

	case *hclsyntax.BinaryOpExpr:
		op, ok := binaryOps[v.Op]
		if !ok {
			return nil, fmt.Errorf("unsupported binary operation")
		}
		lhs, err := translate(v.LHS)
		if err != nil {
			return nil, err
		}
		rhs, err := translate(v.RHS)
		if err != nil {
			return nil, err
		}
		return Binary{Op: op, LHS: lhs, RHS: rhs}, nil

	case *hclsyntax.UnaryOpExpr:
		op, ok := unaryOps[v.Op]
		if !ok {
			return nil, fmt.Errorf("unsupported unary operation")
		}
		operand, err := translate(v.Val)
		if err != nil {
			return nil, err
		}
		return Unary{Op: op, Operand: operand}, nil

	case *hclsyntax.ParenthesesExpr:
		return translate(v.Expression)

	case *hclsyntax.TemplateExpr:
		// Quoted string literals arrive as single-part templates.
		if v.IsStringLiteral() {
			return translate(v.Parts[0])
		}
		return nil, fmt.Errorf("string templates are not part of the stage vocabulary")

	default:
		return nil, fmt.Errorf("unsupported expression for a stage body: %T", v)
	}
}
