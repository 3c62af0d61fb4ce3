// Package expr defines the tagged-variant expression tree that pipeline
// compilation produces. Nodes are immutable; substitution returns new trees
// that share untouched subtrees with their inputs.
package expr

import (
	"github.com/zclconf/go-cty/cty"
)

// ParamName is the fixed name of the single parameter every stage expression
// is written over.
const ParamName = "x"

// Node is one vertex of a synthesized expression tree. The root node of a
// compiled pipeline denotes the whole per-item computation.
type Node interface {
	node()
}

// Const is a literal value embedded directly in the tree.
type Const struct {
	Val cty.Value
}

// Param denotes the function's input value.
type Param struct{}

// Ref is a name reference resolved through the compilation's symbol scope.
type Ref struct {
	Name string
}

// Call applies a function reference to argument nodes. Kwargs are merged
// into declared positional order when the call is evaluated.
type Call struct {
	Func   Node
	Args   []Node
	Kwargs []Kwarg
}

// Kwarg is one keyword argument of a Call.
type Kwarg struct {
	Name string
	Node Node
}

// Binary applies an infix operator.
type Binary struct {
	Op       string
	LHS, RHS Node
}

// Unary applies a prefix operator.
type Unary struct {
	Op      string
	Operand Node
}

func (Const) node()  {}
func (Param) node()  {}
func (Ref) node()    {}
func (Call) node()   {}
func (Binary) node() {}
func (Unary) node()  {}

// Substitute returns n with every Param reference replaced by repl.
func Substitute(n Node, repl Node) Node {
	switch v := n.(type) {
	case Param:
		return repl
	case Unary:
		return Unary{Op: v.Op, Operand: Substitute(v.Operand, repl)}
	case Binary:
		return Binary{Op: v.Op, LHS: Substitute(v.LHS, repl), RHS: Substitute(v.RHS, repl)}
	case Call:
		args := make([]Node, len(v.Args))
		for i, a := range v.Args {
			args[i] = Substitute(a, repl)
		}
		kwargs := make([]Kwarg, len(v.Kwargs))
		for i, kw := range v.Kwargs {
			kwargs[i] = Kwarg{Name: kw.Name, Node: Substitute(kw.Node, repl)}
		}
		return Call{Func: Substitute(v.Func, repl), Args: args, Kwargs: kwargs}
	default:
		return n
	}
}

// Walk visits n and its children depth-first, pre-order. Returning false
// from visit prunes that subtree.
func Walk(n Node, visit func(Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	switch v := n.(type) {
	case Unary:
		Walk(v.Operand, visit)
	case Binary:
		Walk(v.LHS, visit)
		Walk(v.RHS, visit)
	case Call:
		Walk(v.Func, visit)
		for _, a := range v.Args {
			Walk(a, visit)
		}
		for _, kw := range v.Kwargs {
			Walk(kw.Node, visit)
		}
	}
}

// UsesParam reports whether any Param reference remains in n.
func UsesParam(n Node) bool {
	found := false
	Walk(n, func(m Node) bool {
		if _, ok := m.(Param); ok {
			found = true
			return false
		}
		return true
	})
	return found
}

// Equal reports structural equality of two trees. Rendering is canonical,
// so equal renderings imply equal structure.
func Equal(a, b Node) bool {
	return RenderString(a) == RenderString(b)
}
