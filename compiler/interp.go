package compiler

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/vk/fusegen/expr"
	"github.com/vk/fusegen/funcs"
	"github.com/vk/fusegen/scope"
)

// materialize is the interpreter backend: it compiles a tree into a chain of
// boxed closures owned by the tree itself and walked directly at call time.
// It is always available; the trees it receives are generated, so the only
// errors it can surface are internal invariant breaches.
func materialize(node expr.Node, sc *scope.Scope) (EntryFunc, error) {
	ev, err := compileNode(node, sc)
	if err != nil {
		return nil, err
	}
	return EntryFunc(ev), nil
}

type evalFn func(cty.Value) (cty.Value, error)

func compileNode(n expr.Node, sc *scope.Scope) (evalFn, error) {
	switch v := n.(type) {
	case expr.Const:
		val := v.Val
		return func(cty.Value) (cty.Value, error) { return val, nil }, nil

	case expr.Param:
		return func(x cty.Value) (cty.Value, error) { return x, nil }, nil

	case expr.Ref:
		e, ok := sc.Lookup(v.Name)
		if !ok {
			return nil, fmt.Errorf("symbol %q missing from scope", v.Name)
		}
		if e.Kind != scope.KindValue {
			return nil, fmt.Errorf("symbol %q referenced outside call position", v.Name)
		}
		val := e.Value
		return func(cty.Value) (cty.Value, error) { return val, nil }, nil

	case expr.Unary:
		impl, ok := funcs.UnaryImpl(v.Op)
		if !ok {
			return nil, fmt.Errorf("no implementation for unary operator %q", v.Op)
		}
		operand, err := compileNode(v.Operand, sc)
		if err != nil {
			return nil, err
		}
		return func(x cty.Value) (cty.Value, error) {
			o, err := operand(x)
			if err != nil {
				return cty.NilVal, err
			}
			return impl.Call([]cty.Value{o})
		}, nil

	case expr.Binary:
		impl, ok := funcs.BinaryImpl(v.Op)
		if !ok {
			return nil, fmt.Errorf("no implementation for binary operator %q", v.Op)
		}
		lhs, err := compileNode(v.LHS, sc)
		if err != nil {
			return nil, err
		}
		rhs, err := compileNode(v.RHS, sc)
		if err != nil {
			return nil, err
		}
		return func(x cty.Value) (cty.Value, error) {
			l, err := lhs(x)
			if err != nil {
				return cty.NilVal, err
			}
			r, err := rhs(x)
			if err != nil {
				return cty.NilVal, err
			}
			return impl.Call([]cty.Value{l, r})
		}, nil

	case expr.Call:
		ref, ok := v.Func.(expr.Ref)
		if !ok {
			return nil, fmt.Errorf("call target is not a name reference")
		}
		e, found := sc.Lookup(ref.Name)
		if !found {
			return nil, fmt.Errorf("symbol %q missing from scope", ref.Name)
		}
		if e.Kind != scope.KindFunc {
			return nil, fmt.Errorf("symbol %q is not callable", ref.Name)
		}
		fn := e.Fn
		ordered, err := orderCallArgs(fn, v.Args, v.Kwargs)
		if err != nil {
			return nil, err
		}
		argFns := make([]evalFn, len(ordered))
		for i, a := range ordered {
			af, err := compileNode(a, sc)
			if err != nil {
				return nil, err
			}
			argFns[i] = af
		}
		return func(x cty.Value) (cty.Value, error) {
			vals := make([]cty.Value, len(argFns))
			for i, af := range argFns {
				val, err := af(x)
				if err != nil {
					return cty.NilVal, err
				}
				vals[i] = val
			}
			return fn.Call(vals)
		}, nil
	}
	return nil, fmt.Errorf("unknown node variant %T", n)
}

// orderCallArgs merges keyword argument nodes into the callable's declared
// positional order using its parameter names.
func orderCallArgs(fn function.Function, args []expr.Node, kwargs []expr.Kwarg) ([]expr.Node, error) {
	params := fn.Params()
	if len(kwargs) == 0 {
		if fn.VarParam() == nil && len(args) < len(params) {
			return nil, fmt.Errorf("missing argument %q", params[len(args)].Name)
		}
		return args, nil
	}
	if fn.VarParam() != nil {
		return nil, fmt.Errorf("keyword arguments are not supported on variadic callables")
	}
	if len(args) > len(params) {
		return nil, fmt.Errorf("too many positional arguments: got %d, declared %d", len(args), len(params))
	}
	out := make([]expr.Node, len(params))
	copy(out, args)
	for _, kw := range kwargs {
		idx := -1
		for i, p := range params {
			if p.Name == kw.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("unknown keyword argument %q", kw.Name)
		}
		if out[idx] != nil {
			return nil, fmt.Errorf("argument %q bound twice", kw.Name)
		}
		out[idx] = kw.Node
	}
	for i, n := range out {
		if n == nil {
			return nil, fmt.Errorf("missing argument %q", params[i].Name)
		}
	}
	return out, nil
}
