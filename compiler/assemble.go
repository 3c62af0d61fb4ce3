package compiler

import (
	"errors"
	"fmt"

	"github.com/vk/fusegen/expr"
	"github.com/vk/fusegen/funcs"
	"github.com/vk/fusegen/pipeline"
	"github.com/vk/fusegen/scope"
)

// assemble folds a pipeline's operations left to right into one expression
// tree plus the symbol scope its opaque references resolve through. The fold
// is pure: identical pipeline content produces structurally identical trees,
// which is what keeps cache keys stable.
func assemble(p pipeline.Pipeline, reg *funcs.Registry) (expr.Node, *scope.Scope, error) {
	sc := scope.New()
	var acc expr.Node = expr.Param{}
	for i, op := range p.Operations() {
		node, ok, err := inlineOperation(op, acc, sc, reg)
		if err != nil {
			return nil, nil, fmt.Errorf("stage %d: %w", i, err)
		}
		if ok {
			acc = node
			continue
		}
		call, err := opaqueCall(op, acc, sc, reg)
		if err != nil {
			return nil, nil, fmt.Errorf("stage %d: %w", i, err)
		}
		acc = call
	}
	return acc, sc, nil
}

// opaqueCall builds the fallback call node for a stage that could not be
// inlined. The function reference and every non-placeholder argument resolve
// through the scope; placeholder slots receive the accumulated node.
func opaqueCall(op pipeline.Operation, upstream expr.Node, sc *scope.Scope, reg *funcs.Registry) (expr.Node, error) {
	c := op.Callable()
	fnName, err := sc.RegisterFunc(c.ContentID(), c.Source(), c.Fn())
	if err != nil {
		return nil, err
	}

	consumed := false
	args := make([]expr.Node, 0, len(op.Args()))
	for _, a := range op.Args() {
		n, used, err := argNode(a, upstream, sc, reg)
		if err != nil {
			return nil, err
		}
		consumed = consumed || used
		args = append(args, n)
	}

	var kwargs []expr.Kwarg
	for _, name := range op.KwargNames() {
		a, _ := op.Kwarg(name)
		n, used, err := argNode(a, upstream, sc, reg)
		if err != nil {
			return nil, err
		}
		consumed = consumed || used
		kwargs = append(kwargs, expr.Kwarg{Name: name, Node: n})
	}

	if op.Kind() == pipeline.KindMap && !consumed {
		return nil, errors.New("map stage does not consume the piped value")
	}
	return expr.Call{Func: expr.Ref{Name: fnName}, Args: args, Kwargs: kwargs}, nil
}

// argNode resolves one recorded argument slot into a tree node, reporting
// whether the slot consumes the upstream value.
func argNode(a pipeline.Arg, upstream expr.Node, sc *scope.Scope, reg *funcs.Registry) (expr.Node, bool, error) {
	switch v := a.(type) {
	case pipeline.HoleArg:
		return upstream, true, nil
	case pipeline.LitArg:
		name, err := sc.RegisterValue(v.Val)
		if err != nil {
			return nil, false, err
		}
		return expr.Ref{Name: name}, false, nil
	case pipeline.ExprArg:
		if err := resolveNodeRefs(v.Node, sc, reg); err != nil {
			return nil, false, err
		}
		used := expr.UsesParam(v.Node)
		return expr.Substitute(v.Node, upstream), used, nil
	}
	return nil, false, fmt.Errorf("unknown argument variant %T", a)
}

// resolveNodeRefs ensures every name a combinator-built tree references is a
// registry builtin and registers those builtins into the scope, keeping the
// invariant that all names in synthesized source resolve.
func resolveNodeRefs(n expr.Node, sc *scope.Scope, reg *funcs.Registry) error {
	var werr error
	expr.Walk(n, func(m expr.Node) bool {
		switch v := m.(type) {
		case expr.Call:
			ref, ok := v.Func.(expr.Ref)
			if !ok {
				werr = fmt.Errorf("call target is not a name reference")
				return false
			}
			entry, found := reg.Lookup(ref.Name)
			if !found {
				werr = fmt.Errorf("unknown function %q", ref.Name)
				return false
			}
			if _, err := sc.RegisterNamedFunc(ref.Name, entry.Fn); err != nil {
				werr = err
				return false
			}
		case expr.Ref:
			// Call targets register before their Ref is visited, so any
			// unresolved bare reference here is outside the vocabulary.
			if _, found := sc.Lookup(v.Name); !found {
				werr = fmt.Errorf("unresolved reference %q", v.Name)
				return false
			}
		}
		return true
	})
	return werr
}
