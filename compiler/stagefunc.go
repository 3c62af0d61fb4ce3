package compiler

import (
	"fmt"

	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/vk/fusegen/expr"
	"github.com/vk/fusegen/funcs"
	"github.com/vk/fusegen/scope"
)

// StageFunc materializes a stage body written over the parameter x into a
// standalone callable, so pipelines can be assembled from bare source text.
// The body may call registry builtins only. The declared signature is
// paramType -> returnType; cty.NilType selects the generic type, at the cost
// of native eligibility.
func StageFunc(src string, reg *funcs.Registry, paramType, returnType cty.Type) (function.Function, error) {
	if reg == nil {
		reg = funcs.Default()
	}
	node, err := expr.Parse(src)
	if err != nil {
		return function.Function{}, fmt.Errorf("parse stage body: %w", err)
	}
	sc := scope.New()
	if err := resolveNodeRefs(node, sc, reg); err != nil {
		return function.Function{}, fmt.Errorf("resolve stage body: %w", err)
	}
	entry, err := materialize(node, sc)
	if err != nil {
		return function.Function{}, err
	}

	if paramType == cty.NilType {
		paramType = cty.DynamicPseudoType
	}
	if returnType == cty.NilType {
		returnType = cty.DynamicPseudoType
	}
	return function.New(&function.Spec{
		Params: []function.Parameter{{Name: expr.ParamName, Type: paramType}},
		Type:   function.StaticReturnType(returnType),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			return entry(args[0])
		},
	}), nil
}
