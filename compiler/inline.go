package compiler

import (
	"errors"

	"github.com/vk/fusegen/expr"
	"github.com/vk/fusegen/funcs"
	"github.com/vk/fusegen/pipeline"
	"github.com/vk/fusegen/scope"
)

// inlineOperation attempts to fuse a stage into the accumulated tree,
// eliminating the call boundary. Preconditions: a map stage whose only
// positional argument is the placeholder, no keyword arguments, and a
// callable that carries its own body text. The body must parse as a single
// expression over the stage parameter, calling only registry builtins.
//
// Failure to meet any of these is not an error: the stage simply becomes an
// opaque call. The only error surfaced is a scope invariant breach.
func inlineOperation(op pipeline.Operation, upstream expr.Node, sc *scope.Scope, reg *funcs.Registry) (expr.Node, bool, error) {
	if op.Kind() != pipeline.KindMap {
		return nil, false, nil
	}
	if len(op.KwargNames()) != 0 {
		return nil, false, nil
	}
	args := op.Args()
	if len(args) != 1 {
		return nil, false, nil
	}
	if _, ok := args[0].(pipeline.HoleArg); !ok {
		return nil, false, nil
	}
	src := op.Callable().Source()
	if src == "" {
		return nil, false, nil
	}

	body, err := expr.Parse(src)
	if err != nil {
		return nil, false, nil
	}
	if err := resolveNodeRefs(body, sc, reg); err != nil {
		if errors.Is(err, scope.ErrNameCollision) {
			return nil, false, err
		}
		// References outside the builtin vocabulary: stay opaque.
		return nil, false, nil
	}
	return expr.Substitute(body, upstream), true, nil
}
